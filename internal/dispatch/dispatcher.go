// Package dispatch pushes playlist snapshots to devices over their broker
// channels and tracks each delivery until the device acknowledges it.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tunecast/server/internal/broker"
	"github.com/tunecast/server/internal/models"
	"github.com/tunecast/server/internal/observability"
	"github.com/tunecast/server/internal/protocol"
)

const (
	DefaultAckTimeout     = 30 * time.Second
	DefaultMaxConcurrent  = 16
	DefaultPublishRetries = 3

	subscriberKeyPrefix = "dispatcher:"
)

// ErrInvalidArgument is returned for a push without targets
var ErrInvalidArgument = errors.New("invalid argument")

// Options configures a Dispatcher
type Options struct {
	Broker    broker.Broker
	Playlists PlaylistSource
	Devices   DeviceLookup
	Statuses  StatusStore
	Resolver  StreamResolver
	// Waker is optional
	Waker Waker

	Clock      clockwork.Clock
	AckTimeout time.Duration
	// MaxConcurrent bounds the number of targets delivered at once
	MaxConcurrent int
	// PublishesPerSecond paces publishes across all targets; 0 disables pacing
	PublishesPerSecond float64
	PublishRetries     uint
	// NewBackOff returns the retry policy of one publish
	NewBackOff func() backoff.BackOff

	Logger  *observability.Logger
	Metrics *observability.SyncMetrics
}

// Dispatcher fans playlist pushes out to device channels
type Dispatcher struct {
	opts    Options
	limiter *rate.Limiter
	logger  *observability.Logger
}

// New creates a Dispatcher
func New(opts Options) (*Dispatcher, error) {
	if opts.Broker == nil || opts.Playlists == nil || opts.Devices == nil || opts.Statuses == nil {
		return nil, fmt.Errorf("%w: broker, playlists, devices and statuses are required", ErrInvalidArgument)
	}
	if opts.Resolver == nil {
		opts.Resolver = CDNResolver{}
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = DefaultAckTimeout
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.PublishRetries == 0 {
		opts.PublishRetries = DefaultPublishRetries
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		}
	}
	if opts.Logger == nil {
		opts.Logger = observability.GetLogger()
	}

	limit := rate.Inf
	if opts.PublishesPerSecond > 0 {
		limit = rate.Limit(opts.PublishesPerSecond)
	}

	return &Dispatcher{
		opts:    opts,
		limiter: rate.NewLimiter(limit, max(1, int(opts.PublishesPerSecond))),
		logger:  opts.Logger.WithField("component", "dispatcher"),
	}, nil
}

// Push delivers playlistID to every target token and waits for each device
// to acknowledge or time out. Per-device failures are reported in the result
// and never returned as an error.
func (d *Dispatcher) Push(ctx context.Context, playlistID string, targetTokens []string) (*models.PushResult, error) {
	ctx, span := observability.StartServiceSpan(ctx, "dispatcher", "Push", observability.PlaylistID(playlistID))
	defer span.End()

	snapshot, err := d.loadSnapshot(ctx, playlistID, targetTokens)
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	msg := models.NewPlaylistPushMessage(*snapshot, targetTokens)
	span.SetAttributes(observability.MessageID(msg.MessageID), attribute.Int("push.targets", len(msg.TargetDeviceTokens)))
	d.opts.Metrics.RecordPush(ctx, len(msg.TargetDeviceTokens))

	log := d.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"message_id":  msg.MessageID,
		"playlist_id": playlistID,
	})
	log.Infof("Pushing playlist to %d devices", len(msg.TargetDeviceTokens))

	result := &models.PushResult{
		MessageID:  msg.MessageID,
		PlaylistID: playlistID,
		Targets:    make([]models.TargetResult, len(msg.TargetDeviceTokens)),
	}

	// every target is pending before any delivery starts
	targets := make([]*target, len(msg.TargetDeviceTokens))
	for i, token := range msg.TargetDeviceTokens {
		targets[i] = d.prepare(ctx, msg, token, &result.Targets[i])
	}

	var g errgroup.Group
	g.SetLimit(d.opts.MaxConcurrent)
	for _, t := range targets {
		if t == nil {
			continue
		}
		g.Go(func() error {
			d.deliver(ctx, msg, t)
			return nil
		})
	}
	_ = g.Wait()

	result.Tally()
	log.Infof("Push finished: %d completed, %d failed", result.Completed, result.Failed)
	observability.SetSuccess(span)
	return result, nil
}

// Resync pushes the most recent playlist recorded for the device again. It
// returns nil when the device never received a playlist.
func (d *Dispatcher) Resync(ctx context.Context, deviceToken string) (*models.PushResult, error) {
	device, err := d.opts.Devices.GetByToken(ctx, deviceToken)
	if err != nil {
		return nil, err
	}
	if device == nil {
		return nil, models.ErrDeviceNotFound
	}
	latest, err := d.opts.Statuses.LatestForDevice(ctx, device.ID)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		d.logger.WithField("device_id", device.ID).Debug("Nothing to resync")
		return nil, nil
	}
	return d.Push(ctx, latest.PlaylistID, []string{deviceToken})
}

func (d *Dispatcher) loadSnapshot(ctx context.Context, playlistID string, targetTokens []string) (*models.PlaylistSnapshot, error) {
	if playlistID == "" {
		return nil, fmt.Errorf("%w: playlist id is required", ErrInvalidArgument)
	}
	if !slices.ContainsFunc(targetTokens, func(t string) bool { return t != "" }) {
		return nil, fmt.Errorf("%w: no target devices", ErrInvalidArgument)
	}
	return d.Snapshot(ctx, playlistID)
}

// Snapshot resolves the playable songs of a playlist as they would be pushed.
// Songs without a stream location are skipped.
func (d *Dispatcher) Snapshot(ctx context.Context, playlistID string) (*models.PlaylistSnapshot, error) {
	playlist, err := d.opts.Playlists.GetByID(ctx, playlistID)
	if err != nil {
		return nil, fmt.Errorf("load playlist: %w", err)
	}
	if playlist == nil {
		return nil, models.ErrPlaylistNotFound
	}
	songs, err := d.opts.Playlists.ListSongs(ctx, playlistID)
	if err != nil {
		return nil, fmt.Errorf("load songs: %w", err)
	}

	snapshot := &models.PlaylistSnapshot{ID: playlist.ID, Name: playlist.Name}
	for _, song := range songs {
		streamURL, err := d.opts.Resolver.Resolve(song)
		if err != nil {
			d.logger.WithField("song_id", song.ID).Warnf("Skipping song: %v", err)
			continue
		}
		snapshot.Songs = append(snapshot.Songs, models.SongSnapshot{
			ID:        song.ID,
			Title:     song.Title,
			Artist:    song.Artist,
			StreamURL: streamURL,
		})
	}
	if len(snapshot.Songs) == 0 {
		return nil, models.ErrPlaylistEmpty
	}
	return snapshot, nil
}

// target is one device of a push
type target struct {
	device *models.Device
	status *models.SyncStatus
	result *models.TargetResult
}

// prepare resolves the device and records it as pending. It returns nil when
// the target already failed.
func (d *Dispatcher) prepare(ctx context.Context, msg *models.PlaylistPushMessage, token string, result *models.TargetResult) *target {
	result.DeviceToken = token
	result.Status = models.SyncError

	device, err := d.opts.Devices.GetByToken(ctx, token)
	switch {
	case err != nil:
		result.Message = fmt.Sprintf("device lookup failed: %v", err)
		return nil
	case device == nil:
		result.Message = models.ErrDeviceNotFound.Error()
		return nil
	case !device.IsActive:
		result.DeviceID = device.ID
		result.Message = models.ErrDeviceInactive.Error()
		return nil
	}

	result.DeviceID = device.ID
	result.Status = models.SyncPending
	status := models.NewPendingSyncStatus(device.ID, msg.Playlist.ID, msg.MessageID, d.opts.Clock.Now())
	if err := d.opts.Statuses.Upsert(ctx, status); err != nil {
		d.logger.WithField("device_id", device.ID).Errorf("Failed to record pending sync: %v", err)
	}
	return &target{device: device, status: status, result: result}
}

func (d *Dispatcher) deliver(ctx context.Context, msg *models.PlaylistPushMessage, t *target) {
	started := d.opts.Clock.Now()
	log := d.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"message_id": msg.MessageID,
		"device_id":  t.device.ID,
	})

	ack, err := d.await(ctx, msg, t.device, log)
	now := d.opts.Clock.Now()
	switch {
	case err != nil:
		log.Warnf("Delivery failed: %v", err)
		t.status.Fail(err.Error(), now)
	case ack != "":
		log.Warnf("Device reported sync error: %s", ack)
		t.status.Fail(ack, now)
	default:
		log.Info("Device acknowledged playlist")
		t.status.Complete(now)
	}

	// the push context may be gone; the outcome is still recorded
	if err := d.opts.Statuses.Upsert(context.WithoutCancel(ctx), t.status); err != nil {
		log.Errorf("Failed to record sync outcome: %v", err)
	}
	t.result.Status = t.status.Status
	t.result.Message = t.status.Message
	d.opts.Metrics.RecordDelivery(ctx, string(t.status.Status), now.Sub(started))
}

// await publishes the playlist on the device channel and waits for the
// acknowledgement. A non-empty string is the device's own error message.
func (d *Dispatcher) await(ctx context.Context, msg *models.PlaylistPushMessage, device *models.Device, log *observability.Logger) (string, error) {
	channel := protocol.DeviceChannel(device.Token)
	env, err := protocol.Encode(protocol.SyncPlaylist{MessageID: msg.MessageID, Playlist: msg.Playlist})
	if err != nil {
		return "", err
	}

	acks := make(chan protocol.Message, 1)
	joined := make(chan struct{}, 1)
	absent := make(chan struct{}, 1)

	sub, err := d.opts.Broker.Subscribe(ctx, channel, subscriberKeyPrefix+msg.MessageID, broker.Handlers{
		OnMessage: func(_ string, e protocol.Envelope) {
			if ack := matchAck(e, msg.MessageID); ack != nil {
				signal(acks, ack)
			}
		},
		OnJoin: func(_, key string) {
			if key == device.Token {
				signal(joined, struct{}{})
			}
		},
		OnSync: func(_ string, members []string) {
			if !slices.Contains(members, device.Token) {
				signal(absent, struct{}{})
			}
		},
	})
	if err != nil {
		return "", fmt.Errorf("subscribe %s: %w", channel, err)
	}
	defer func() {
		if err := d.opts.Broker.Unsubscribe(context.WithoutCancel(ctx), sub); err != nil {
			log.Warnf("Failed to release device channel: %v", err)
		}
	}()

	if err := d.publish(ctx, channel, env); err != nil {
		return "", fmt.Errorf("publish: %w", err)
	}

	timer := d.opts.Clock.NewTimer(d.opts.AckTimeout)
	defer timer.Stop()

	for {
		select {
		case ack := <-acks:
			if e, ok := ack.(protocol.SyncError); ok {
				if e.Message == "" {
					return "sync failed on device", nil
				}
				return e.Message, nil
			}
			return "", nil
		case <-joined:
			// held until the device subscribes
			log.Debug("Device joined, replaying playlist")
			if err := d.publish(ctx, channel, env); err != nil {
				log.Warnf("Replay failed: %v", err)
			}
		case <-absent:
			d.wake(ctx, device, msg.Playlist.ID, log)
		case <-timer.Chan():
			return "", fmt.Errorf("no acknowledgement within %s", d.opts.AckTimeout)
		case <-ctx.Done():
			return "", ctx.Err()
		case <-sub.Done():
			return "", broker.ErrClosed
		}
	}
}

func (d *Dispatcher) publish(ctx context.Context, channel string, env protocol.Envelope) error {
	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := d.opts.Broker.Publish(ctx, channel, env)
		if errors.Is(err, broker.ErrClosed) || errors.Is(err, broker.ErrInvalidChannel) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(d.opts.NewBackOff()), backoff.WithMaxTries(d.opts.PublishRetries))
	return err
}

func (d *Dispatcher) wake(ctx context.Context, device *models.Device, playlistID string, log *observability.Logger) {
	if d.opts.Waker == nil {
		return
	}
	if err := d.opts.Waker.Wake(ctx, device, playlistID); err != nil {
		log.Warnf("Wake-up push failed: %v", err)
		return
	}
	log.Debug("Sent wake-up push")
}

// matchAck returns the sync_success or sync_error for messageID carried by e
func matchAck(e protocol.Envelope, messageID string) protocol.Message {
	if e.Type != protocol.TypeSyncSuccess && e.Type != protocol.TypeSyncError {
		return nil
	}
	msg, err := protocol.Decode(e)
	if err != nil {
		return nil
	}
	switch m := msg.(type) {
	case protocol.SyncSuccess:
		if m.MessageID == messageID {
			return m
		}
	case protocol.SyncError:
		if m.MessageID == messageID {
			return m
		}
	}
	return nil
}

func signal[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
	}
}
