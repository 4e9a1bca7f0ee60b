package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"

	"github.com/tunecast/server/internal/observability"
	"github.com/tunecast/server/internal/protocol"
)

// frame is what travels over Redis Pub/Sub. Join and leave events are
// frames too, so every instance observes membership changes.
type frame struct {
	Kind     eventKind         `json:"kind"`
	Origin   string            `json:"origin,omitempty"`
	Key      string            `json:"key,omitempty"`
	Envelope protocol.Envelope `json:"envelope,omitempty"`
}

// DefaultMembershipTTL bounds how long the members of an instance outlive it
// when it exits without unsubscribing.
const DefaultMembershipTTL = 30 * time.Second

// membersKey holds one instance's members of a channel: key -> subscription count
func membersKey(channel, instanceID string) string {
	return "tunecast:members:" + channel + ":" + instanceID
}

// instancesKey holds the ids of the instances with members on a channel
func instancesKey(channel string) string {
	return "tunecast:instances:" + channel
}

// RedisOption configures a RedisBroker
type RedisOption func(*RedisBroker)

// WithMembershipTTL sets the expiry of this instance's membership entries.
// They are refreshed every third of it while the broker runs.
func WithMembershipTTL(ttl time.Duration) RedisOption {
	return func(b *RedisBroker) {
		if ttl > 0 {
			b.ttl = ttl
		}
	}
}

// WithClock sets the clock driving membership refreshes
func WithClock(clock clockwork.Clock) RedisOption {
	return func(b *RedisBroker) {
		if clock != nil {
			b.clock = clock
		}
	}
}

// RedisBroker fans messages out across server instances via Redis Pub/Sub.
// Each instance keeps its channel members in its own hash with an expiry it
// keeps refreshing, so the members of an instance that died vanish with it.
type RedisBroker struct {
	rdb        *goredis.Client
	logger     *observability.Logger
	instanceID string
	ttl        time.Duration
	clock      clockwork.Clock

	mu     sync.Mutex
	subs   map[*Subscription]bool
	local  map[string]int // channel -> keyed subscriptions on this instance
	closed bool

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewRedisBroker creates a broker on an existing client and starts the
// membership refresh. The client is not closed by Close.
func NewRedisBroker(rdb *goredis.Client, logger *observability.Logger, opts ...RedisOption) *RedisBroker {
	if logger == nil {
		logger = observability.GetLogger()
	}
	b := &RedisBroker{
		rdb:        rdb,
		instanceID: uuid.New().String(),
		ttl:        DefaultMembershipTTL,
		clock:      clockwork.NewRealClock(),
		subs:       make(map[*Subscription]bool),
		local:      make(map[string]int),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = logger.WithFields(map[string]interface{}{
		"component": "redis_broker",
		"instance":  b.instanceID,
	})
	go b.refreshLoop()
	return b
}

// refreshLoop extends the expiry of this instance's membership entries
func (b *RedisBroker) refreshLoop() {
	defer close(b.done)
	ticker := b.clock.NewTicker(b.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.Chan():
		}

		b.mu.Lock()
		channels := make([]string, 0, len(b.local))
		for ch := range b.local {
			channels = append(channels, ch)
		}
		b.mu.Unlock()
		if len(channels) == 0 {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), b.ttl/3)
		_, err := b.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
			for _, ch := range channels {
				pipe.Expire(ctx, membersKey(ch, b.instanceID), b.ttl)
				pipe.Expire(ctx, instancesKey(ch), b.ttl)
			}
			return nil
		})
		cancel()
		if err != nil {
			b.logger.Warnf("Failed to refresh membership of %d channels: %v", len(channels), err)
		}
	}
}

func (b *RedisBroker) stopRefresh() {
	b.stopOnce.Do(func() { close(b.stop) })
	<-b.done
}

// Publish sends env to every subscriber of channel on every instance
func (b *RedisBroker) Publish(ctx context.Context, channel string, env protocol.Envelope) error {
	if channel == "" {
		return ErrInvalidChannel
	}
	if b.isClosed() {
		return ErrClosed
	}
	return b.publishFrame(ctx, channel, frame{Kind: kindMessage, Envelope: env})
}

func (b *RedisBroker) publishFrame(ctx context.Context, channel string, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	if err := b.rdb.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

func (b *RedisBroker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Subscribe subscribes to channel and waits for the Redis confirmation
func (b *RedisBroker) Subscribe(ctx context.Context, channel, key string, h Handlers) (*Subscription, error) {
	if channel == "" {
		return nil, ErrInvalidChannel
	}
	return b.subscribe(ctx, channel, key, false, h)
}

// SubscribePattern subscribes with PSUBSCRIBE
func (b *RedisBroker) SubscribePattern(ctx context.Context, pattern, key string, h Handlers) (*Subscription, error) {
	if pattern == "" {
		return nil, ErrInvalidChannel
	}
	return b.subscribe(ctx, pattern, key, true, h)
}

func (b *RedisBroker) subscribe(ctx context.Context, channel, key string, pattern bool, h Handlers) (*Subscription, error) {
	if b.isClosed() {
		return nil, ErrClosed
	}

	var ps *goredis.PubSub
	if pattern {
		ps = b.rdb.PSubscribe(ctx, channel)
	} else {
		ps = b.rdb.Subscribe(ctx, channel)
	}
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	sub := &Subscription{
		ID:      uuid.New().String(),
		Channel: channel,
		Key:     key,
		Pattern: pattern,
		box:     newMailbox(h),
	}
	sub.teardown = func() { _ = ps.Close() }

	if !pattern {
		members, err := b.join(ctx, sub)
		if err != nil {
			sub.close()
			return nil, err
		}
		sub.box.push(event{kind: kindSync, channel: channel, members: members})
	}

	go b.pump(sub, ps)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.close()
		return nil, ErrClosed
	}
	b.subs[sub] = true
	b.mu.Unlock()

	b.logger.WithFields(map[string]interface{}{"channel": channel, "key": key}).Debug("Subscribed")
	return sub, nil
}

// join records membership and announces a key that no live instance held
// before. It returns the member list.
func (b *RedisBroker) join(ctx context.Context, sub *Subscription) ([]string, error) {
	if sub.Key != "" {
		hkey := membersKey(sub.Channel, b.instanceID)
		var incr *goredis.IntCmd
		_, err := b.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			incr = pipe.HIncrBy(ctx, hkey, sub.Key, 1)
			pipe.Expire(ctx, hkey, b.ttl)
			pipe.SAdd(ctx, instancesKey(sub.Channel), b.instanceID)
			pipe.Expire(ctx, instancesKey(sub.Channel), b.ttl)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("record membership: %w", err)
		}

		b.mu.Lock()
		b.local[sub.Channel]++
		b.mu.Unlock()

		if incr.Val() == 1 {
			if err := b.announceJoin(ctx, sub); err != nil {
				b.release(ctx, sub)
				return nil, err
			}
		}
	}

	counts, err := b.memberCounts(ctx, sub.Channel)
	if err != nil {
		b.release(ctx, sub)
		return nil, err
	}
	return sortedKeys(counts), nil
}

// release undoes the membership of a subscription that failed to open
func (b *RedisBroker) release(ctx context.Context, sub *Subscription) {
	if err := b.leave(context.WithoutCancel(ctx), sub); err != nil {
		b.logger.Warnf("Failed to release membership of %s: %v", sub.Channel, err)
	}
}

func (b *RedisBroker) announceJoin(ctx context.Context, sub *Subscription) error {
	elsewhere, err := b.heldElsewhere(ctx, sub.Channel, sub.Key)
	if err != nil || elsewhere {
		return err
	}
	return b.publishFrame(ctx, sub.Channel, frame{Kind: kindJoin, Origin: sub.ID, Key: sub.Key})
}

// leave decrements membership and announces the last departure of a key
// across live instances
func (b *RedisBroker) leave(ctx context.Context, sub *Subscription) error {
	if sub.Pattern || sub.Key == "" {
		return nil
	}

	b.mu.Lock()
	b.local[sub.Channel]--
	if b.local[sub.Channel] <= 0 {
		delete(b.local, sub.Channel)
	}
	b.mu.Unlock()

	hkey := membersKey(sub.Channel, b.instanceID)
	n, err := b.rdb.HIncrBy(ctx, hkey, sub.Key, -1).Result()
	if err != nil {
		return fmt.Errorf("release membership: %w", err)
	}
	if n > 0 {
		return nil
	}
	if err := b.rdb.HDel(ctx, hkey, sub.Key).Err(); err != nil {
		return fmt.Errorf("release membership: %w", err)
	}

	elsewhere, err := b.heldElsewhere(ctx, sub.Channel, sub.Key)
	if err != nil {
		return err
	}
	if elsewhere {
		return nil
	}
	return b.publishFrame(ctx, sub.Channel, frame{Kind: kindLeave, Origin: sub.ID, Key: sub.Key})
}

// memberCounts merges the member hashes of every live instance on channel.
// Instances whose hash expired are dropped from the channel's index.
func (b *RedisBroker) memberCounts(ctx context.Context, channel string) (map[string]int, error) {
	ids, err := b.rdb.SMembers(ctx, instancesKey(channel)).Result()
	if err != nil {
		return nil, fmt.Errorf("load members: %w", err)
	}

	members := make(map[string]int)
	for _, id := range ids {
		counts, err := b.rdb.HGetAll(ctx, membersKey(channel, id)).Result()
		if err != nil {
			return nil, fmt.Errorf("load members: %w", err)
		}
		if len(counts) == 0 && id != b.instanceID {
			_ = b.rdb.SRem(ctx, instancesKey(channel), id).Err()
			continue
		}
		for k := range counts {
			members[k]++
		}
	}
	return members, nil
}

// heldElsewhere reports whether another live instance has key as a member of channel
func (b *RedisBroker) heldElsewhere(ctx context.Context, channel, key string) (bool, error) {
	ids, err := b.rdb.SMembers(ctx, instancesKey(channel)).Result()
	if err != nil {
		return false, fmt.Errorf("load members: %w", err)
	}
	for _, id := range ids {
		if id == b.instanceID {
			continue
		}
		ok, err := b.rdb.HExists(ctx, membersKey(channel, id), key).Result()
		if err != nil {
			return false, fmt.Errorf("load members: %w", err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// pump moves Redis messages into the subscription mailbox until the
// PubSub is closed.
func (b *RedisBroker) pump(sub *Subscription, ps *goredis.PubSub) {
	for msg := range ps.Channel() {
		var f frame
		if err := json.Unmarshal([]byte(msg.Payload), &f); err != nil {
			b.logger.WithField("channel", msg.Channel).Warnf("Dropping malformed frame: %v", err)
			continue
		}
		if f.Origin == sub.ID {
			continue
		}
		switch f.Kind {
		case kindMessage:
			sub.box.push(event{kind: kindMessage, channel: msg.Channel, envelope: f.Envelope})
		case kindJoin, kindLeave:
			sub.box.push(event{kind: f.Kind, channel: msg.Channel, key: f.Key})
		}
	}
}

// Unsubscribe closes sub. Unsubscribing twice is a no-op.
func (b *RedisBroker) Unsubscribe(ctx context.Context, sub *Subscription) error {
	if sub == nil {
		return nil
	}

	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()

	if !sub.close() {
		return nil
	}
	return b.leave(ctx, sub)
}

// Subscribers returns the number of SUBSCRIBE clients on channel across instances
func (b *RedisBroker) Subscribers(ctx context.Context, channel string) (int, error) {
	counts, err := b.rdb.PubSubNumSub(ctx, channel).Result()
	if err != nil {
		return 0, fmt.Errorf("count subscribers: %w", err)
	}
	return int(counts[channel]), nil
}

// Close unsubscribes everything this broker opened
func (b *RedisBroker) Close() error {
	b.stopRefresh()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[*Subscription]bool)
	b.mu.Unlock()

	ctx := context.Background()
	for sub := range subs {
		if sub.close() {
			if err := b.leave(ctx, sub); err != nil {
				b.logger.Warnf("Failed to release membership of %s: %v", sub.Channel, err)
			}
		}
	}
	return nil
}
