package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// SyncMetrics holds the business metrics of the presence and sync subsystem.
// A nil *SyncMetrics is valid and records nothing.
type SyncMetrics struct {
	pushes           metric.Int64Counter
	deliveries       metric.Int64Counter
	ackLatency       metric.Float64Histogram
	presenceChanges  metric.Int64Counter
	onlineDevices    metric.Int64UpDownCounter
	reconnects       metric.Int64Counter
	queueDrops       metric.Int64Counter
	rotationFallback metric.Int64Counter
}

// NewSyncMetrics creates the sync metrics instruments
func NewSyncMetrics() (*SyncMetrics, error) {
	meter := otel.Meter(instrumentationName)

	pushes, err := meter.Int64Counter(
		"tunecast.sync.pushes",
		metric.WithDescription("Total number of playlist push actions"),
		metric.WithUnit("{pushes}"),
	)
	if err != nil {
		return nil, err
	}

	deliveries, err := meter.Int64Counter(
		"tunecast.sync.deliveries",
		metric.WithDescription("Per-device push outcomes"),
		metric.WithUnit("{deliveries}"),
	)
	if err != nil {
		return nil, err
	}

	ackLatency, err := meter.Float64Histogram(
		"tunecast.sync.ack_latency",
		metric.WithDescription("Time from publish to device acknowledgement in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	presenceChanges, err := meter.Int64Counter(
		"tunecast.presence.transitions",
		metric.WithDescription("Device online/offline transitions"),
		metric.WithUnit("{transitions}"),
	)
	if err != nil {
		return nil, err
	}

	onlineDevices, err := meter.Int64UpDownCounter(
		"tunecast.presence.online",
		metric.WithDescription("Number of devices currently online"),
		metric.WithUnit("{devices}"),
	)
	if err != nil {
		return nil, err
	}

	reconnects, err := meter.Int64Counter(
		"tunecast.connection.reconnects",
		metric.WithDescription("Reconnect attempts scheduled by device connections"),
		metric.WithUnit("{reconnects}"),
	)
	if err != nil {
		return nil, err
	}

	queueDrops, err := meter.Int64Counter(
		"tunecast.connection.queue_drops",
		metric.WithDescription("Outbound messages dropped because the queue was full"),
		metric.WithUnit("{messages}"),
	)
	if err != nil {
		return nil, err
	}

	rotationFallback, err := meter.Int64Counter(
		"tunecast.rotation.fallbacks",
		metric.WithDescription("Song selections resolved by sequential fallback"),
		metric.WithUnit("{selections}"),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		pushes:           pushes,
		deliveries:       deliveries,
		ackLatency:       ackLatency,
		presenceChanges:  presenceChanges,
		onlineDevices:    onlineDevices,
		reconnects:       reconnects,
		queueDrops:       queueDrops,
		rotationFallback: rotationFallback,
	}, nil
}

// RecordPush records one push action
func (m *SyncMetrics) RecordPush(ctx context.Context, targets int) {
	if m == nil {
		return
	}
	m.pushes.Add(ctx, 1, metric.WithAttributes(attribute.Int("targets", targets)))
}

// RecordDelivery records the outcome of one device delivery
func (m *SyncMetrics) RecordDelivery(ctx context.Context, status string, latency time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.deliveries.Add(ctx, 1, attrs)
	if latency > 0 {
		m.ackLatency.Record(ctx, float64(latency.Milliseconds()), attrs)
	}
}

// RecordPresenceTransition records a device going online or offline
func (m *SyncMetrics) RecordPresenceTransition(ctx context.Context, online bool) {
	if m == nil {
		return
	}
	state := "offline"
	delta := int64(-1)
	if online {
		state = "online"
		delta = 1
	}
	m.presenceChanges.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
	m.onlineDevices.Add(ctx, delta)
}

// RecordReconnect records a scheduled reconnect
func (m *SyncMetrics) RecordReconnect(ctx context.Context) {
	if m == nil {
		return
	}
	m.reconnects.Add(ctx, 1)
}

// RecordQueueDrop records an outbound message dropped by the bounded queue
func (m *SyncMetrics) RecordQueueDrop(ctx context.Context) {
	if m == nil {
		return
	}
	m.queueDrops.Add(ctx, 1)
}

// RecordRotationFallback records a selection made by the sequential fallback
func (m *SyncMetrics) RecordRotationFallback(ctx context.Context) {
	if m == nil {
		return
	}
	m.rotationFallback.Add(ctx, 1)
}
