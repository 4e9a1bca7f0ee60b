package connection

import "github.com/tunecast/server/internal/protocol"

// outbox is the FIFO of messages waiting for an open socket. A positive
// capacity bounds it; pushing onto a full outbox evicts the oldest entry.
type outbox struct {
	items    []protocol.Envelope
	capacity int
}

func newOutbox(capacity int) *outbox {
	return &outbox{capacity: capacity}
}

// push appends env and reports whether an older message was dropped
func (q *outbox) push(env protocol.Envelope) (dropped bool) {
	if q.capacity > 0 && len(q.items) >= q.capacity {
		q.items[0] = protocol.Envelope{}
		q.items = q.items[1:]
		dropped = true
	}
	q.items = append(q.items, env)
	return dropped
}

// pushFront puts env back at the head after a failed write
func (q *outbox) pushFront(env protocol.Envelope) {
	q.items = append([]protocol.Envelope{env}, q.items...)
	if q.capacity > 0 && len(q.items) > q.capacity {
		q.items = q.items[:q.capacity]
	}
}

func (q *outbox) pop() (protocol.Envelope, bool) {
	if len(q.items) == 0 {
		return protocol.Envelope{}, false
	}
	env := q.items[0]
	q.items[0] = protocol.Envelope{}
	q.items = q.items[1:]
	return env, true
}

func (q *outbox) len() int {
	return len(q.items)
}
