package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/tunecast/server/internal/broker"
	"github.com/tunecast/server/internal/models"
	"github.com/tunecast/server/internal/observability"
	"github.com/tunecast/server/internal/protocol"
)

// DeviceStore is the part of the device repository the tracker writes to
type DeviceStore interface {
	GetByToken(ctx context.Context, token string) (*models.Device, error)
	UpdatePresence(ctx context.Context, deviceID string, status models.DeviceStatus, lastSeenAt time.Time) error
}

// Tracker keeps one live presence record per device token. A record expires
// when no heartbeat arrives within the TTL and the device is marked offline.
type Tracker struct {
	broker  broker.Broker
	store   DeviceStore
	cache   *ttlcache.Cache[string, models.PresenceRecord]
	logger  *observability.Logger
	metrics *observability.SyncMetrics

	mu  sync.Mutex
	sub *broker.Subscription
}

// NewTracker creates a tracker. ttl is usually three heartbeat intervals.
func NewTracker(b broker.Broker, store DeviceStore, ttl time.Duration, logger *observability.Logger, metrics *observability.SyncMetrics) *Tracker {
	if logger == nil {
		logger = observability.GetLogger()
	}
	if ttl <= 0 {
		ttl = 3 * DefaultHeartbeatInterval
	}

	t := &Tracker{
		broker: b,
		store:  store,
		cache: ttlcache.New[string, models.PresenceRecord](
			ttlcache.WithTTL[string, models.PresenceRecord](ttl),
			ttlcache.WithDisableTouchOnHit[string, models.PresenceRecord](),
		),
		logger:  logger.WithField("component", "presence_tracker"),
		metrics: metrics,
	}

	t.cache.OnEviction(func(ctx context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, models.PresenceRecord]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		rec := item.Value()
		t.logger.WithField("device_token", rec.DeviceToken).Info("Presence expired")
		t.markOffline(context.Background(), rec.DeviceToken, rec.LastSeenAt, true)
	})
	return t
}

// Start subscribes to every presence channel and starts the expiry loop
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sub != nil {
		return errors.New("presence tracker already started")
	}

	sub, err := t.broker.SubscribePattern(ctx, protocol.PresencePattern, "", broker.Handlers{
		OnMessage: t.handleMessage,
		OnLeave:   t.handleLeave,
	})
	if err != nil {
		return err
	}
	t.sub = sub

	go t.cache.Start()
	t.logger.Info("Presence tracker started")
	return nil
}

// Stop unsubscribes and stops the expiry loop
func (t *Tracker) Stop(ctx context.Context) error {
	t.mu.Lock()
	sub := t.sub
	t.sub = nil
	t.mu.Unlock()

	if sub == nil {
		return nil
	}
	t.cache.Stop()
	return t.broker.Unsubscribe(ctx, sub)
}

func (t *Tracker) handleMessage(channel string, env protocol.Envelope) {
	prefix, token, ok := protocol.TokenFromChannel(channel)
	if !ok || prefix != protocol.PresencePrefix {
		return
	}

	msg, err := protocol.Decode(env)
	if err != nil {
		t.logger.WithField("channel", channel).Warnf("Dropping malformed presence message: %v", err)
		return
	}
	update, ok := msg.(protocol.PresenceUpdate)
	if !ok || update.Record == nil {
		return
	}

	// the channel name is authoritative for the token
	rec := *update.Record
	rec.DeviceToken = token
	t.Observe(context.Background(), rec)
}

func (t *Tracker) handleLeave(channel, key string) {
	prefix, token, ok := protocol.TokenFromChannel(channel)
	if !ok || prefix != protocol.PresencePrefix || key != token {
		return
	}
	if item := t.cache.Get(token); item != nil {
		t.cache.Delete(token)
		t.markOffline(context.Background(), token, item.Value().LastSeenAt, true)
	}
}

// Observe applies one presence record
func (t *Tracker) Observe(ctx context.Context, rec models.PresenceRecord) {
	if rec.DeviceToken == "" {
		return
	}

	if !rec.IsOnline() {
		wasOnline := t.cache.Has(rec.DeviceToken)
		if wasOnline {
			t.cache.Delete(rec.DeviceToken)
		}
		t.markOffline(ctx, rec.DeviceToken, rec.LastSeenAt, wasOnline)
		return
	}

	wasOnline := t.cache.Has(rec.DeviceToken)
	t.cache.Set(rec.DeviceToken, rec, ttlcache.DefaultTTL)
	if !wasOnline {
		t.metrics.RecordPresenceTransition(ctx, true)
		t.logger.WithField("device_token", rec.DeviceToken).Info("Device online")
	}
	t.persist(ctx, rec.DeviceToken, models.DeviceOnline, rec.LastSeenAt)
}

func (t *Tracker) markOffline(ctx context.Context, token string, lastSeen time.Time, transition bool) {
	if transition {
		t.metrics.RecordPresenceTransition(ctx, false)
		t.logger.WithField("device_token", token).Info("Device offline")
	}
	t.persist(ctx, token, models.DeviceOffline, lastSeen)
}

func (t *Tracker) persist(ctx context.Context, token string, status models.DeviceStatus, lastSeen time.Time) {
	if t.store == nil {
		return
	}
	log := t.logger.WithField("device_token", token)

	device, err := t.store.GetByToken(ctx, token)
	if err != nil {
		log.Errorf("Failed to load device: %v", err)
		return
	}
	if device == nil {
		log.Warn("Presence for unknown device")
		return
	}
	if lastSeen.IsZero() {
		lastSeen = time.Now().UTC()
	}
	if err := t.store.UpdatePresence(ctx, device.ID, status, lastSeen); err != nil {
		log.Errorf("Failed to update device presence: %v", err)
	}
}

// IsOnline reports whether token has a live record
func (t *Tracker) IsOnline(token string) bool {
	return t.cache.Has(token)
}

// Record returns the live record of token
func (t *Tracker) Record(token string) (models.PresenceRecord, bool) {
	item := t.cache.Get(token)
	if item == nil {
		return models.PresenceRecord{}, false
	}
	return item.Value(), true
}

// Snapshot returns every live record keyed by token
func (t *Tracker) Snapshot() map[string]models.PresenceRecord {
	items := t.cache.Items()
	out := make(map[string]models.PresenceRecord, len(items))
	for token, item := range items {
		if item.IsExpired() {
			continue
		}
		out[token] = item.Value()
	}
	return out
}
