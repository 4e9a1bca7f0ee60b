package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunecast/server/internal/observability"
	"github.com/tunecast/server/internal/protocol"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []protocol.Message
	err  error
}

func (f *fakeSender) SendMessage(_ context.Context, msg protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSender) messages() []protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Message(nil), f.sent...)
}

func newRelay(t *testing.T) (*RelayBroker, *fakeSender) {
	t.Helper()
	sender := &fakeSender{}
	b := NewRelayBroker(sender, observability.NewDiscardLogger())
	t.Cleanup(func() { b.Close() })
	return b, sender
}

func TestRelay_SubscribeSendsOneFramePerChannel(t *testing.T) {
	ctx := context.Background()
	b, sender := newRelay(t)

	s1, err := b.Subscribe(ctx, "device_t", "t", Handlers{})
	require.NoError(t, err)
	s2, err := b.Subscribe(ctx, "device_t", "t", Handlers{})
	require.NoError(t, err)

	assert.Equal(t, []protocol.Message{protocol.Subscribe{Channel: "device_t", Key: "t"}}, sender.messages())

	require.NoError(t, b.Unsubscribe(ctx, s1))
	assert.Len(t, sender.messages(), 1, "channel still has a local subscriber")

	require.NoError(t, b.Unsubscribe(ctx, s2))
	require.NoError(t, b.Unsubscribe(ctx, s2))
	assert.Equal(t, protocol.Unsubscribe{Channel: "device_t"}, sender.messages()[1])
	assert.Len(t, sender.messages(), 2)
}

func TestRelay_PublishWrapsEnvelope(t *testing.T) {
	b, sender := newRelay(t)
	env := protocol.MustEncode(protocol.SyncSuccess{MessageID: "m1", PlaylistID: "p"})

	require.NoError(t, b.Publish(context.Background(), "device_t", env))
	assert.Equal(t, []protocol.Message{protocol.Publish{Channel: "device_t", Message: env}}, sender.messages())

	assert.ErrorIs(t, b.Publish(context.Background(), "", env), ErrInvalidChannel)
}

func TestRelay_DeliverRoutesForwardedFrames(t *testing.T) {
	ctx := context.Background()
	b, _ := newRelay(t)

	rec := &recorder{}
	_, err := b.Subscribe(ctx, "presence_t", "t", rec.handlers())
	require.NoError(t, err)
	pattern := &recorder{}
	_, err = b.SubscribePattern(ctx, "presence_*", "", pattern.handlers())
	require.NoError(t, err)

	env := protocol.MustEncode(protocol.Ping{})
	assert.True(t, b.Deliver(protocol.Publish{Channel: "presence_t", Message: env}))
	assert.True(t, b.Deliver(protocol.PresenceUpdate{Channel: "presence_t", Event: protocol.EventJoin, Key: "dispatcher"}))
	assert.True(t, b.Deliver(protocol.PresenceUpdate{Channel: "presence_t", Event: protocol.EventLeave, Key: "dispatcher"}))
	assert.True(t, b.Deliver(protocol.PresenceUpdate{Channel: "presence_t", Event: protocol.EventSync, Members: []string{"t"}}))
	assert.True(t, b.Deliver(protocol.Publish{Channel: "device_other", Message: env}))
	assert.False(t, b.Deliver(protocol.SyncDevice{}))
	assert.False(t, b.Deliver(protocol.PresenceUpdate{Channel: "presence_t", Event: protocol.EventUpdate}))

	require.Eventually(t, func() bool {
		got := rec.snapshot()
		return len(got.messages) == 1 && len(got.joins) == 1 && len(got.leaves) == 1 && len(got.syncs) == 1
	}, time.Second, 5*time.Millisecond)
	got := rec.snapshot()
	assert.Equal(t, []string{"presence_t"}, got.channels)
	assert.Equal(t, []string{"dispatcher"}, got.joins)
	assert.Equal(t, [][]string{{"t"}}, got.syncs)

	require.Eventually(t, func() bool { return len(pattern.snapshot().messages) == 1 }, time.Second, 5*time.Millisecond)
}

func TestRelay_Resubscribe(t *testing.T) {
	ctx := context.Background()
	b, sender := newRelay(t)

	_, err := b.Subscribe(ctx, "presence_t", "t", Handlers{})
	require.NoError(t, err)
	_, err = b.Subscribe(ctx, "device_t", "t", Handlers{})
	require.NoError(t, err)

	require.NoError(t, b.Resubscribe(ctx))
	msgs := sender.messages()
	require.Len(t, msgs, 4)
	assert.ElementsMatch(t, msgs[:2], msgs[2:])
}

func TestRelay_SubscribeFailureLeavesNoState(t *testing.T) {
	b, sender := newRelay(t)
	sender.err = errors.New("stopped")

	_, err := b.Subscribe(context.Background(), "device_t", "t", Handlers{})
	require.Error(t, err)

	n, err := b.Subscribers(context.Background(), "device_t")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRelay_Closed(t *testing.T) {
	b, _ := newRelay(t)
	require.NoError(t, b.Close())

	_, err := b.Subscribe(context.Background(), "device_t", "t", Handlers{})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, b.Publish(context.Background(), "device_t", protocol.Envelope{Type: "x"}), ErrClosed)
}
