package broker

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/tunecast/server/internal/observability"
	"github.com/tunecast/server/internal/protocol"
)

// Sender writes messages to the server, queueing them while offline
type Sender interface {
	SendMessage(ctx context.Context, msg protocol.Message) error
}

// RelayBroker is the device side of the gateway. Subscriptions and
// publishes become subscribe/publish frames on the device socket, and the
// frames the gateway forwards are handed back through Deliver.
type RelayBroker struct {
	sender Sender
	logger *observability.Logger

	mu       sync.Mutex
	channels map[string]map[*Subscription]bool
	patterns map[*Subscription]bool
	closed   bool
}

// NewRelayBroker creates a relay writing through sender
func NewRelayBroker(sender Sender, logger *observability.Logger) *RelayBroker {
	if logger == nil {
		logger = observability.GetLogger()
	}
	return &RelayBroker{
		sender:   sender,
		logger:   logger.WithField("component", "relay_broker"),
		channels: make(map[string]map[*Subscription]bool),
		patterns: make(map[*Subscription]bool),
	}
}

// Publish asks the gateway to publish env on channel
func (b *RelayBroker) Publish(ctx context.Context, channel string, env protocol.Envelope) error {
	if channel == "" {
		return ErrInvalidChannel
	}
	if b.isClosed() {
		return ErrClosed
	}
	return b.sender.SendMessage(ctx, protocol.Publish{Channel: channel, Message: env})
}

// Subscribe registers h locally and asks the gateway for the channel the
// first time it is subscribed.
func (b *RelayBroker) Subscribe(ctx context.Context, channel, key string, h Handlers) (*Subscription, error) {
	if channel == "" {
		return nil, ErrInvalidChannel
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	sub := &Subscription{
		ID:      uuid.New().String(),
		Channel: channel,
		Key:     key,
		box:     newMailbox(h),
	}
	first := len(b.channels[channel]) == 0
	if first {
		b.channels[channel] = make(map[*Subscription]bool)
	}
	b.channels[channel][sub] = true
	b.mu.Unlock()

	if first {
		if err := b.sender.SendMessage(ctx, protocol.Subscribe{Channel: channel, Key: key}); err != nil {
			b.mu.Lock()
			b.remove(sub)
			b.mu.Unlock()
			sub.close()
			return nil, err
		}
	}
	return sub, nil
}

// SubscribePattern matches frames already forwarded for subscribed channels.
// It does not widen what the gateway sends.
func (b *RelayBroker) SubscribePattern(_ context.Context, pattern, key string, h Handlers) (*Subscription, error) {
	if pattern == "" {
		return nil, ErrInvalidChannel
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	sub := &Subscription{
		ID:      uuid.New().String(),
		Channel: pattern,
		Key:     key,
		Pattern: true,
		box:     newMailbox(h),
	}
	b.patterns[sub] = true
	return sub, nil
}

// Unsubscribe removes sub and releases the channel on the gateway once no
// local subscription is left.
func (b *RelayBroker) Unsubscribe(ctx context.Context, sub *Subscription) error {
	if sub == nil || !sub.close() {
		return nil
	}

	b.mu.Lock()
	last := b.remove(sub)
	closed := b.closed
	b.mu.Unlock()

	if last && !closed {
		return b.sender.SendMessage(ctx, protocol.Unsubscribe{Channel: sub.Channel})
	}
	return nil
}

// remove reports whether sub was the last subscription of its channel.
// Callers hold b.mu.
func (b *RelayBroker) remove(sub *Subscription) bool {
	if sub.Pattern {
		delete(b.patterns, sub)
		return false
	}
	subs, ok := b.channels[sub.Channel]
	if !ok || !subs[sub] {
		return false
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(b.channels, sub.Channel)
		return true
	}
	return false
}

// Subscribers returns the number of local subscriptions on channel
func (b *RelayBroker) Subscribers(_ context.Context, channel string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.channels[channel]), nil
}

// Resubscribe asks the gateway again for every subscribed channel. It is
// called after each successful authentication, since a new socket starts
// without subscriptions.
func (b *RelayBroker) Resubscribe(ctx context.Context) error {
	b.mu.Lock()
	frames := make([]protocol.Subscribe, 0, len(b.channels))
	for channel, subs := range b.channels {
		for sub := range subs {
			frames = append(frames, protocol.Subscribe{Channel: channel, Key: sub.Key})
			break
		}
	}
	b.mu.Unlock()

	for _, f := range frames {
		if err := b.sender.SendMessage(ctx, f); err != nil {
			return err
		}
	}
	if len(frames) > 0 {
		b.logger.Debugf("Resubscribed %d channels", len(frames))
	}
	return nil
}

// Deliver routes a frame forwarded by the gateway to the local
// subscriptions. It reports whether msg was a broker frame.
func (b *RelayBroker) Deliver(msg protocol.Message) bool {
	var e event
	switch m := msg.(type) {
	case protocol.Publish:
		e = event{kind: kindMessage, channel: m.Channel, envelope: m.Message}
	case protocol.PresenceUpdate:
		switch m.Event {
		case protocol.EventJoin:
			e = event{kind: kindJoin, channel: m.Channel, key: m.Key}
		case protocol.EventLeave:
			e = event{kind: kindLeave, channel: m.Channel, key: m.Key}
		case protocol.EventSync:
			e = event{kind: kindSync, channel: m.Channel, members: m.Members}
		default:
			return false
		}
	default:
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return true
	}
	for sub := range b.channels[e.channel] {
		sub.box.push(e)
	}
	for sub := range b.patterns {
		if sub.matches(e.channel) {
			sub.box.push(e)
		}
	}
	return true
}

// Close stops every local subscription. Nothing is sent to the gateway.
func (b *RelayBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.channels {
		for sub := range subs {
			sub.close()
		}
	}
	for sub := range b.patterns {
		sub.close()
	}
	b.channels = make(map[string]map[*Subscription]bool)
	b.patterns = make(map[*Subscription]bool)
	return nil
}

func (b *RelayBroker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
