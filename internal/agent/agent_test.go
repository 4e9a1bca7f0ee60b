package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunecast/server/internal/broker"
	"github.com/tunecast/server/internal/handlers"
	"github.com/tunecast/server/internal/models"
	"github.com/tunecast/server/internal/observability"
	"github.com/tunecast/server/internal/protocol"
	"github.com/tunecast/server/internal/services"
)

type deviceTable map[string]*models.Device

func (d deviceTable) GetByToken(_ context.Context, token string) (*models.Device, error) {
	return d[token], nil
}

type resyncLog struct {
	mu     sync.Mutex
	tokens []string
}

func (r *resyncLog) Resync(_ context.Context, token string) (*models.PushResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens = append(r.tokens, token)
	return nil, nil
}

func (r *resyncLog) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tokens)
}

// channelLog records what the server side sees on one channel
type channelLog struct {
	mu       sync.Mutex
	messages []protocol.Message
}

func (c *channelLog) handlers() broker.Handlers {
	return broker.Handlers{
		OnMessage: func(_ string, env protocol.Envelope) {
			msg, err := protocol.Decode(env)
			if err != nil {
				return
			}
			c.mu.Lock()
			defer c.mu.Unlock()
			c.messages = append(c.messages, msg)
		},
	}
}

func (c *channelLog) all() []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Message(nil), c.messages...)
}

type serverFixture struct {
	broker  *broker.MemoryBroker
	resyncs *resyncLog
	plays   chan models.RecordPlayRequest
	wsURL   string
	apiURL  string
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	logger := observability.NewDiscardLogger()
	b := broker.NewMemoryBroker(logger)
	resyncs := &resyncLog{}
	devices := deviceTable{"tok": {ID: "dev-1", Token: "tok", BranchID: "branch-1", IsActive: true}}
	gw := services.NewGateway(b, devices, resyncs, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		gw.Run(ctx)
		close(done)
	}()

	plays := make(chan models.RecordPlayRequest, 16)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", handlers.NewWebSocketHandler(gw).HandleConnection)
	mux.HandleFunc("/api/history", func(w http.ResponseWriter, r *http.Request) {
		var req models.RecordPlayRequest
		if r.Header.Get(DefaultDeviceTokenHeader) != "tok" || json.NewDecoder(r.Body).Decode(&req) != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		plays <- req
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)

	t.Cleanup(func() {
		cancel()
		<-done
		srv.Close()
		b.Close()
	})

	return &serverFixture{
		broker:  b,
		resyncs: resyncs,
		plays:   plays,
		wsURL:   "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		apiURL:  srv.URL,
	}
}

func TestAgent_EndToEnd(t *testing.T) {
	server := newServerFixture(t)
	logger := observability.NewDiscardLogger()
	ctx := context.Background()

	presenceLog := &channelLog{}
	_, err := server.broker.Subscribe(ctx, protocol.PresenceChannel("tok"), "", presenceLog.handlers())
	require.NoError(t, err)
	deviceLog := &channelLog{}
	_, err = server.broker.Subscribe(ctx, protocol.DeviceChannel("tok"), "", deviceLog.handlers())
	require.NoError(t, err)

	reporter, err := NewReporter(server.apiURL, "tok", logger)
	require.NoError(t, err)

	a, err := New(Options{
		ServerURL:         server.wsURL,
		Token:             "tok",
		BranchID:          "branch-1",
		Output:            NewLogOutput(time.Hour, logger),
		Reporter:          reporter,
		Backoff:           backoff.NewConstantBackOff(20 * time.Millisecond),
		HeartbeatInterval: 50 * time.Millisecond,
		Logger:            logger,
	})
	require.NoError(t, err)

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- a.Run(runCtx) }()

	// the device asks for its playlist after authenticating
	require.Eventually(t, func() bool { return server.resyncs.count() > 0 }, 3*time.Second, 10*time.Millisecond)

	// heartbeats reach the presence channel
	require.Eventually(t, func() bool {
		for _, m := range presenceLog.all() {
			if u, ok := m.(protocol.PresenceUpdate); ok && u.Record != nil && u.Record.Status == models.DeviceOnline {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)

	// wait for the device's own subscription next to the recorder's
	require.Eventually(t, func() bool {
		n, err := server.broker.Subscribers(ctx, protocol.DeviceChannel("tok"))
		return err == nil && n >= 2
	}, 3*time.Second, 10*time.Millisecond)

	push := protocol.SyncPlaylist{MessageID: "m1", Playlist: playlist("p1", "a", "b")}
	require.NoError(t, server.broker.Publish(ctx, protocol.DeviceChannel("tok"), protocol.MustEncode(push)))

	require.Eventually(t, func() bool {
		for _, m := range deviceLog.all() {
			if ack, ok := m.(protocol.SyncSuccess); ok && ack.MessageID == "m1" {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)

	select {
	case play := <-server.plays:
		assert.Contains(t, []string{"a", "b"}, play.SongID)
	case <-time.After(3 * time.Second):
		t.Fatal("play was not reported")
	}
	require.NotNil(t, a.Player().Playlist())

	stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not stop")
	}

	// the last presence record says offline
	require.Eventually(t, func() bool {
		msgs := presenceLog.all()
		u, ok := msgs[len(msgs)-1].(protocol.PresenceUpdate)
		return ok && u.Record != nil && u.Record.Status == models.DeviceOffline
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNew_RequiresToken(t *testing.T) {
	_, err := New(Options{ServerURL: "ws://localhost/ws", Output: NewLogOutput(time.Second, nil)})
	assert.Error(t, err)
}
