package connection

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tunecast/server/internal/observability"
	"github.com/tunecast/server/internal/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var errConnClosed = errors.New("connection closed")

type fakeConn struct {
	mu       sync.Mutex
	written  []protocol.Envelope
	incoming chan []byte
	closed   chan struct{}
	once     sync.Once
	failing  atomic.Bool
	pings    atomic.Int32
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.incoming:
		return data, nil
	case <-c.closed:
		return nil, errConnClosed
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	if c.failing.Load() {
		return errors.New("broken pipe")
	}
	env, err := protocol.Parse(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, env)
	return nil
}

func (c *fakeConn) Ping() error {
	c.pings.Add(1)
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) writes() []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Envelope(nil), c.written...)
}

func (c *fakeConn) deliver(t *testing.T, msg protocol.Message) {
	t.Helper()
	data, err := protocol.MustEncode(msg).Marshal()
	require.NoError(t, err)
	c.incoming <- data
}

type dialOutcome struct {
	conn Conn
	err  error
}

type fakeDialer struct {
	outcomes chan dialOutcome
	attempts atomic.Int32
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{outcomes: make(chan dialOutcome, 8)}
}

func (d *fakeDialer) Dial(ctx context.Context, _ string) (Conn, error) {
	d.attempts.Add(1)
	select {
	case o := <-d.outcomes:
		return o.conn, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type harness struct {
	t       *testing.T
	clock   *clockwork.FakeClock
	dialer  *fakeDialer
	manager *Manager
	cancel  context.CancelFunc
	done    chan struct{}
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	clock := clockwork.NewFakeClock()
	dialer := newFakeDialer()

	opts := Options{
		URL:         "ws://tunecast.test/ws",
		Dialer:      dialer,
		Credentials: StaticCredentials("device-token"),
		Clock:       clock,
		Logger:      observability.NewDiscardLogger(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	m, err := NewManager(opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{t: t, clock: clock, dialer: dialer, manager: m, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		_ = m.Run(ctx)
	}()
	t.Cleanup(h.stop)

	// drain so the loop never blocks on an unread inbound message
	go func() {
		for range m.Events() {
		}
	}()
	return h
}

func (h *harness) stop() {
	h.cancel()
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		h.t.Fatal("manager did not stop")
	}
}

func (h *harness) waitState(s State) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.manager.State() == s },
		time.Second, time.Millisecond, "want state %s, have %s", s, h.manager.State())
}

func (h *harness) waitAttempts(n int32) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.dialer.attempts.Load() == n },
		time.Second, time.Millisecond)
}

func (h *harness) open() *fakeConn {
	h.t.Helper()
	conn := newFakeConn()
	h.dialer.outcomes <- dialOutcome{conn: conn}
	h.waitState(StateOpen)
	return conn
}

func text(n int) protocol.Envelope {
	return protocol.Envelope{Type: "note", Payload: []byte(fmt.Sprintf(`{"n":%d}`, n))}
}

func TestManager_FlushesQueueInOrderThenAuthenticates(t *testing.T) {
	for _, n := range []int{0, 1, 5, 50} {
		t.Run(fmt.Sprintf("%d queued", n), func(t *testing.T) {
			h := newHarness(t, nil)
			ctx := context.Background()

			h.waitAttempts(1)
			assert.Equal(t, StateConnecting, h.manager.State())

			for i := 0; i < n; i++ {
				require.NoError(t, h.manager.Send(ctx, text(i)))
			}
			queued, err := h.manager.QueueLen(ctx)
			require.NoError(t, err)
			assert.Equal(t, n, queued)

			conn := h.open()
			require.Eventually(t, func() bool { return len(conn.writes()) == n+1 }, time.Second, time.Millisecond)

			writes := conn.writes()
			for i := 0; i < n; i++ {
				assert.Equal(t, text(i).Payload, writes[i].Payload)
			}
			last := writes[n]
			assert.Equal(t, protocol.TypeAuthenticate, last.Type)
			assert.JSONEq(t, `{"token":"device-token"}`, string(last.Payload))

			queued, err = h.manager.QueueLen(ctx)
			require.NoError(t, err)
			assert.Zero(t, queued)
		})
	}
}

func TestManager_SendWhileOpenWritesImmediately(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.open()

	require.NoError(t, h.manager.Send(context.Background(), text(7)))
	writes := conn.writes()
	require.Len(t, writes, 2)
	assert.Equal(t, protocol.TypeAuthenticate, writes[0].Type)
	assert.Equal(t, text(7).Payload, writes[1].Payload)
}

func TestManager_ReconnectsAfterFixedDelay(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	conn := h.open()
	conn.Close()
	h.waitState(StateClosed)

	require.NoError(t, h.clock.BlockUntilContext(ctx, 1))
	h.clock.Advance(DefaultReconnectDelay - time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(1), h.dialer.attempts.Load())

	h.clock.Advance(time.Millisecond)
	h.waitAttempts(2)
	assert.Equal(t, StateConnecting, h.manager.State())

	// messages sent while reconnecting are flushed on the new socket
	require.NoError(t, h.manager.Send(ctx, text(1)))
	conn2 := h.open()
	require.Eventually(t, func() bool { return len(conn2.writes()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, text(1).Payload, conn2.writes()[0].Payload)
}

func TestManager_DialFailureRetries(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.dialer.outcomes <- dialOutcome{err: errors.New("connection refused")}
	h.waitState(StateClosed)

	require.NoError(t, h.clock.BlockUntilContext(ctx, 1))
	h.clock.Advance(DefaultReconnectDelay)
	h.waitAttempts(2)
	h.open()
}

func TestManager_UnauthorizedStopsReconnecting(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	conn := h.open()
	conn.deliver(t, protocol.Error{Code: protocol.CodeUnauthorized, Message: "unknown device"})
	h.waitState(StateClosed)

	h.clock.Advance(time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(1), h.dialer.attempts.Load())

	require.NoError(t, h.manager.Reauthenticate(ctx))
	h.waitAttempts(2)
	h.open()
}

func TestManager_MissingCredentialIsUnauthorized(t *testing.T) {
	var events []Event
	var mu sync.Mutex

	clock := clockwork.NewFakeClock()
	dialer := newFakeDialer()
	m, err := NewManager(Options{
		URL:         "ws://tunecast.test/ws",
		Dialer:      dialer,
		Credentials: StaticCredentials(""),
		Clock:       clock,
		Logger:      observability.NewDiscardLogger(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for e := range m.Events() {
			mu.Lock()
			events = append(events, e)
			mu.Unlock()
		}
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range events {
			if errors.Is(e.Err, ErrUnauthorized) {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)

	assert.Zero(t, dialer.attempts.Load())
	assert.Equal(t, StateClosed, m.State())

	cancel()
	<-done
	<-collected
	assert.Equal(t, StateDisconnected, m.State())
	assert.ErrorIs(t, m.Send(context.Background(), text(1)), ErrStopped)
}

func TestManager_BoundedQueueDropsOldest(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.QueueCapacity = 3 })
	ctx := context.Background()
	h.waitAttempts(1)

	for i := 0; i < 5; i++ {
		require.NoError(t, h.manager.Send(ctx, text(i)))
	}
	queued, err := h.manager.QueueLen(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, queued)

	conn := h.open()
	require.Eventually(t, func() bool { return len(conn.writes()) == 4 }, time.Second, time.Millisecond)
	writes := conn.writes()
	assert.Equal(t, text(2).Payload, writes[0].Payload)
	assert.Equal(t, text(3).Payload, writes[1].Payload)
	assert.Equal(t, text(4).Payload, writes[2].Payload)
}

func TestManager_DispatchesInboundMessages(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.open()

	conn.incoming <- []byte(`{"type":`)
	conn.incoming <- []byte(`{"type":"volume_change","payload":{}}`)
	conn.deliver(t, protocol.AuthSuccess{DeviceID: "dev-1"})
	conn.deliver(t, protocol.SyncPlaylist{MessageID: "m1"})

	var got []protocol.Message
	for len(got) < 2 {
		select {
		case msg := <-h.manager.Messages():
			got = append(got, msg)
		case <-time.After(time.Second):
			t.Fatalf("received %d of 2 messages", len(got))
		}
	}
	assert.Equal(t, protocol.AuthSuccess{DeviceID: "dev-1"}, got[0])
	assert.Equal(t, "m1", got[1].(protocol.SyncPlaylist).MessageID)
}

func TestManager_KeepAlivePing(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	conn := h.open()

	require.NoError(t, h.clock.BlockUntilContext(ctx, 1))
	h.clock.Advance(DefaultKeepAlive)
	require.Eventually(t, func() bool { return conn.pings.Load() == 1 }, time.Second, time.Millisecond)
}

func TestManager_FailedWriteRequeues(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	conn := h.open()

	conn.failing.Store(true)
	require.NoError(t, h.manager.Send(ctx, text(1)))
	h.waitState(StateClosed)

	queued, err := h.manager.QueueLen(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, queued)
}

func TestNewManager_Validation(t *testing.T) {
	_, err := NewManager(Options{})
	assert.Error(t, err)
	_, err = NewManager(Options{URL: "ws://x"})
	assert.Error(t, err)
	_, err = NewManager(Options{URL: "ws://x", Dialer: newFakeDialer()})
	assert.Error(t, err)
}

func TestWebSocketDialer_EndToEnd(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msg, err := protocol.ParseMessage(data)
			if err != nil {
				continue
			}
			if auth, ok := msg.(protocol.Authenticate); ok {
				reply, _ := protocol.MustEncode(protocol.AuthSuccess{DeviceID: "dev-" + auth.Token}).Marshal()
				if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
					return
				}
			}
		}
	}))
	defer server.Close()

	m, err := NewManager(Options{
		URL:         "ws" + strings.TrimPrefix(server.URL, "http"),
		Dialer:      &WebSocketDialer{ReadTimeout: time.Minute},
		Credentials: StaticCredentials("abc"),
		Logger:      observability.NewDiscardLogger(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()
	go func() {
		for range m.Events() {
		}
	}()

	select {
	case msg := <-m.Messages():
		assert.Equal(t, protocol.AuthSuccess{DeviceID: "dev-abc"}, msg)
	case <-time.After(2 * time.Second):
		t.Fatal("no auth_success received")
	}

	cancel()
	<-done
}
