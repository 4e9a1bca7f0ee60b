// Package presence tracks device liveness. Registry runs on the device and
// heartbeats on the device's presence channel; Tracker runs on the server and
// turns those heartbeats into device status.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tunecast/server/internal/broker"
	"github.com/tunecast/server/internal/models"
	"github.com/tunecast/server/internal/observability"
	"github.com/tunecast/server/internal/protocol"
)

const DefaultHeartbeatInterval = 5 * time.Second

// Notifier is told when other members join or leave the presence channel
type Notifier interface {
	MemberJoined(channel, key string)
	MemberLeft(channel, key string)
}

// RegistryOptions configure a Registry. Broker is required.
type RegistryOptions struct {
	Broker     broker.Broker
	Clock      clockwork.Clock
	Interval   time.Duration
	SystemInfo func() json.RawMessage
	Notifier   Notifier
	Logger     *observability.Logger
}

// Registry heartbeats one device token. Initialize and Cleanup may be called
// from any goroutine; the heartbeat itself runs on a goroutine owned by the
// registry.
type Registry struct {
	opts   RegistryOptions
	logger *observability.Logger

	mu      sync.Mutex
	token   string
	cancel  context.CancelFunc
	done    chan struct{}
	sub     *broker.Subscription
	running bool
}

// NewRegistry applies defaults to opts
func NewRegistry(opts RegistryOptions) (*Registry, error) {
	if opts.Broker == nil {
		return nil, errors.New("presence registry needs a broker")
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultHeartbeatInterval
	}
	if opts.SystemInfo == nil {
		opts.SystemInfo = SystemInfo
	}
	if opts.Logger == nil {
		opts.Logger = observability.GetLogger()
	}
	return &Registry{
		opts:   opts,
		logger: opts.Logger.WithField("component", "presence_registry"),
	}, nil
}

// Initialize opens the presence channel for token and starts heartbeating
// once subscribed. A running registry is cleaned up first.
func (r *Registry) Initialize(ctx context.Context, token string) error {
	if token == "" {
		return errors.New("device token is required")
	}
	if err := r.Cleanup(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.token = token
	r.cancel = cancel
	r.done = make(chan struct{})
	r.running = true

	go r.run(loopCtx, token, r.done)
	return nil
}

// Running reports whether a heartbeat loop is active
func (r *Registry) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Cleanup stops the heartbeat, publishes a final offline record and leaves
// the channel. It is safe to call repeatedly. Only the offline record depends
// on ctx: the channel is left even when ctx is already done.
func (r *Registry) Cleanup(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	cancel, done, token := r.cancel, r.done, r.token
	r.mu.Unlock()

	// the loop returns promptly once its context is cancelled
	cancel()
	<-done

	r.mu.Lock()
	sub := r.sub
	r.sub = nil
	r.mu.Unlock()

	if sub == nil {
		return nil
	}

	log := r.logger.WithField("device_token", token)
	if ctx.Err() == nil {
		offline := r.record(token, models.DeviceOffline)
		if err := r.publish(ctx, token, offline); err != nil {
			log.Warnf("Final offline presence not delivered: %v", err)
		}
	} else {
		log.Warn("Final offline presence skipped, context done")
	}
	if err := r.opts.Broker.Unsubscribe(context.WithoutCancel(ctx), sub); err != nil {
		log.Warnf("Failed to leave presence channel: %v", err)
	}
	log.Info("Presence stopped")
	return nil
}

// run sets up the channel and heartbeats until ctx is cancelled. Setup
// failures are retried every interval; publish failures trigger a fresh setup.
func (r *Registry) run(ctx context.Context, token string, done chan struct{}) {
	defer close(done)
	log := r.logger.WithField("device_token", token)

	ticker := r.opts.Clock.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	subscribed := r.setupChannel(ctx, token, log)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}

		if !subscribed {
			// the heartbeat period restarts from a successful setup
			if subscribed = r.setupChannel(ctx, token, log); subscribed {
				ticker.Reset(r.opts.Interval)
			}
			continue
		}

		if err := r.publish(ctx, token, r.record(token, models.DeviceOnline)); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warnf("Heartbeat failed, re-opening presence channel: %v", err)
			r.teardownChannel(ctx)
			if subscribed = r.setupChannel(ctx, token, log); subscribed {
				ticker.Reset(r.opts.Interval)
			}
		}
	}
}

func (r *Registry) setupChannel(ctx context.Context, token string, log *observability.Logger) bool {
	channel := protocol.PresenceChannel(token)
	sub, err := r.opts.Broker.Subscribe(ctx, channel, token, broker.Handlers{
		OnJoin: func(ch, key string) {
			if key != token && r.opts.Notifier != nil {
				r.opts.Notifier.MemberJoined(ch, key)
			}
		},
		OnLeave: func(ch, key string) {
			if key != token && r.opts.Notifier != nil {
				r.opts.Notifier.MemberLeft(ch, key)
			}
		},
		OnSync: func(ch string, members []string) {
			log.Debugf("Presence channel %s has %d members", ch, len(members))
		},
	})
	if err != nil {
		if ctx.Err() == nil {
			log.Warnf("Presence channel setup failed, retrying in %s: %v", r.opts.Interval, err)
		}
		return false
	}

	r.mu.Lock()
	r.sub = sub
	r.mu.Unlock()
	log.Info("Presence channel subscribed")
	return true
}

func (r *Registry) teardownChannel(ctx context.Context) {
	r.mu.Lock()
	sub := r.sub
	r.sub = nil
	r.mu.Unlock()
	if sub != nil {
		_ = r.opts.Broker.Unsubscribe(ctx, sub)
	}
}

func (r *Registry) record(token string, status models.DeviceStatus) models.PresenceRecord {
	return models.NewPresenceRecord(token, status, r.opts.SystemInfo(), r.opts.Clock.Now())
}

func (r *Registry) publish(ctx context.Context, token string, rec models.PresenceRecord) error {
	channel := protocol.PresenceChannel(token)
	env, err := protocol.Encode(protocol.PresenceUpdate{
		Channel: channel,
		Event:   protocol.EventUpdate,
		Key:     token,
		Record:  &rec,
	})
	if err != nil {
		return err
	}
	return r.opts.Broker.Publish(ctx, channel, env)
}
