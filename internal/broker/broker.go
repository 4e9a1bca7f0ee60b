// Package broker provides named publish/subscribe channels with presence
// membership. Delivery is to currently subscribed listeners only.
package broker

import (
	"context"
	"errors"
	"path"
	"sort"
	"sync"

	"github.com/tunecast/server/internal/protocol"
)

var (
	ErrClosed         = errors.New("broker closed")
	ErrInvalidChannel = errors.New("invalid channel name")
)

// Handlers receive the events of one subscription. Every callback is
// optional. Callbacks of one subscription run sequentially in delivery order.
type Handlers struct {
	OnMessage func(channel string, env protocol.Envelope)
	OnJoin    func(channel, key string)
	OnLeave   func(channel, key string)
	OnSync    func(channel string, members []string)
}

// Broker is implemented by MemoryBroker and RedisBroker
type Broker interface {
	Publish(ctx context.Context, channel string, env protocol.Envelope) error
	// Subscribe returns once the subscription is acknowledged. A non-empty
	// key makes the subscriber a member of the channel.
	Subscribe(ctx context.Context, channel, key string, h Handlers) (*Subscription, error)
	// SubscribePattern subscribes to every channel matching a glob pattern
	SubscribePattern(ctx context.Context, pattern, key string, h Handlers) (*Subscription, error)
	Unsubscribe(ctx context.Context, sub *Subscription) error
	// Subscribers returns the number of direct subscriptions on channel
	Subscribers(ctx context.Context, channel string) (int, error)
	Close() error
}

type eventKind string

const (
	kindMessage eventKind = "message"
	kindJoin    eventKind = "join"
	kindLeave   eventKind = "leave"
	kindSync    eventKind = "sync"
)

type event struct {
	kind     eventKind
	channel  string
	key      string
	members  []string
	envelope protocol.Envelope
}

// Subscription is the handle returned by Subscribe
type Subscription struct {
	ID      string
	Channel string
	Key     string
	Pattern bool

	box       *mailbox
	closeOnce sync.Once
	teardown  func()
}

// Done is closed when the subscription stops delivering
func (s *Subscription) Done() <-chan struct{} {
	return s.box.done
}

func (s *Subscription) matches(channel string) bool {
	if !s.Pattern {
		return s.Channel == channel
	}
	ok, err := path.Match(s.Channel, channel)
	return err == nil && ok
}

func (s *Subscription) close() bool {
	closed := false
	s.closeOnce.Do(func() {
		closed = true
		s.box.close()
		if s.teardown != nil {
			s.teardown()
		}
	})
	return closed
}

// mailbox is an unbounded FIFO drained by one goroutine, so a slow
// handler never blocks publishers.
type mailbox struct {
	mu     sync.Mutex
	queue  []event
	closed bool
	signal chan struct{}
	done   chan struct{}
}

func newMailbox(h Handlers) *mailbox {
	m := &mailbox{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go m.run(h)
	return m
}

func (m *mailbox) push(e event) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.queue = append(m.queue, e)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.queue = nil
	close(m.done)
}

func (m *mailbox) next() (event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || len(m.queue) == 0 {
		return event{}, false
	}
	e := m.queue[0]
	m.queue[0] = event{}
	m.queue = m.queue[1:]
	return e, true
}

func (m *mailbox) run(h Handlers) {
	for {
		select {
		case <-m.done:
			return
		case <-m.signal:
		}
		for {
			e, ok := m.next()
			if !ok {
				break
			}
			deliver(h, e)
		}
	}
}

func deliver(h Handlers, e event) {
	switch e.kind {
	case kindMessage:
		if h.OnMessage != nil {
			h.OnMessage(e.channel, e.envelope)
		}
	case kindJoin:
		if h.OnJoin != nil {
			h.OnJoin(e.channel, e.key)
		}
	case kindLeave:
		if h.OnLeave != nil {
			h.OnLeave(e.channel, e.key)
		}
	case kindSync:
		if h.OnSync != nil {
			h.OnSync(e.channel, e.members)
		}
	}
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
