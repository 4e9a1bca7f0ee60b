package broker

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/tunecast/server/internal/observability"
	"github.com/tunecast/server/internal/protocol"
)

// MemoryBroker is a single-process broker
type MemoryBroker struct {
	mu       sync.RWMutex
	channels map[string]map[*Subscription]bool
	members  map[string]map[string]int // channel -> key -> subscription count
	patterns map[*Subscription]bool
	closed   bool
	logger   *observability.Logger
}

// NewMemoryBroker creates an in-process broker
func NewMemoryBroker(logger *observability.Logger) *MemoryBroker {
	if logger == nil {
		logger = observability.GetLogger()
	}
	return &MemoryBroker{
		channels: make(map[string]map[*Subscription]bool),
		members:  make(map[string]map[string]int),
		patterns: make(map[*Subscription]bool),
		logger:   logger.WithField("component", "memory_broker"),
	}
}

// Publish delivers env to every current subscriber of channel
func (b *MemoryBroker) Publish(ctx context.Context, channel string, env protocol.Envelope) error {
	if channel == "" {
		return ErrInvalidChannel
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	b.fanOut(nil, event{kind: kindMessage, channel: channel, envelope: env})
	return nil
}

// fanOut pushes e to every subscription of e.channel except skip.
// Callers hold b.mu.
func (b *MemoryBroker) fanOut(skip *Subscription, e event) {
	for sub := range b.channels[e.channel] {
		if sub != skip {
			sub.box.push(e)
		}
	}
	for sub := range b.patterns {
		if sub != skip && sub.matches(e.channel) {
			sub.box.push(e)
		}
	}
}

// Subscribe registers h on channel
func (b *MemoryBroker) Subscribe(ctx context.Context, channel, key string, h Handlers) (*Subscription, error) {
	if channel == "" {
		return nil, ErrInvalidChannel
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	sub := &Subscription{
		ID:      uuid.New().String(),
		Channel: channel,
		Key:     key,
		box:     newMailbox(h),
	}

	if b.channels[channel] == nil {
		b.channels[channel] = make(map[*Subscription]bool)
	}
	b.channels[channel][sub] = true

	if key != "" {
		if b.members[channel] == nil {
			b.members[channel] = make(map[string]int)
		}
		b.members[channel][key]++
		if b.members[channel][key] == 1 {
			b.fanOut(sub, event{kind: kindJoin, channel: channel, key: key})
		}
	}
	sub.box.push(event{kind: kindSync, channel: channel, members: sortedKeys(b.members[channel])})

	b.logger.WithFields(map[string]interface{}{"channel": channel, "key": key}).Debug("Subscribed")
	return sub, nil
}

// SubscribePattern registers h on every channel matching pattern
func (b *MemoryBroker) SubscribePattern(ctx context.Context, pattern, key string, h Handlers) (*Subscription, error) {
	if pattern == "" {
		return nil, ErrInvalidChannel
	}
	if err := ctx.Err(); err != nil {
		return nil, err
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

// Unsubscribe removes sub. Unsubscribing twice is a no-op.
func (b *MemoryBroker) Unsubscribe(_ context.Context, sub *Subscription) error {
	if sub == nil {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !sub.close() {
		return nil
	}
	b.remove(sub)
	return nil
}

// remove detaches sub from the maps. Callers hold b.mu.
func (b *MemoryBroker) remove(sub *Subscription) {
	if sub.Pattern {
		delete(b.patterns, sub)
		return
	}

	if subs, ok := b.channels[sub.Channel]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.channels, sub.Channel)
		}
	}

	if sub.Key == "" {
		return
	}
	keys := b.members[sub.Channel]
	if keys == nil {
		return
	}
	keys[sub.Key]--
	if keys[sub.Key] <= 0 {
		delete(keys, sub.Key)
		if !b.closed {
			b.fanOut(sub, event{kind: kindLeave, channel: sub.Channel, key: sub.Key})
		}
	}
	if len(keys) == 0 {
		delete(b.members, sub.Channel)
	}
}

// Subscribers returns the number of direct subscriptions on channel
func (b *MemoryBroker) Subscribers(_ context.Context, channel string) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.channels[channel]), nil
}

// Close stops every subscription
func (b *MemoryBroker) Close() error {
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
	b.members = make(map[string]map[string]int)
	b.patterns = make(map[*Subscription]bool)
	return nil
}
