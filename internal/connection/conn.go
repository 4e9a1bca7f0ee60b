package connection

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 512 * 1024
)

// Conn is one established socket. ReadMessage is called from a single
// reader goroutine; the other methods from the manager loop.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Ping() error
	Close() error
}

// Dialer opens a Conn to url
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// CredentialSource returns the device's current session token
type CredentialSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticCredentials is a fixed token
type StaticCredentials string

func (s StaticCredentials) Token(context.Context) (string, error) {
	return string(s), nil
}

// WebSocketDialer dials with gorilla/websocket
type WebSocketDialer struct {
	Dialer *websocket.Dialer
	Header http.Header
	// ReadTimeout is extended on every frame, ping and pong. Zero disables it.
	ReadTimeout time.Duration
}

// Dial implements Dialer
func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	c, resp, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: handshake rejected", ErrUnauthorized)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return newWSConn(c, d.ReadTimeout), nil
}

type wsConn struct {
	conn        *websocket.Conn
	readTimeout time.Duration
	mu          sync.Mutex
}

func newWSConn(c *websocket.Conn, readTimeout time.Duration) *wsConn {
	w := &wsConn{conn: c, readTimeout: readTimeout}
	c.SetReadLimit(maxMessageSize)
	w.extendDeadline()
	c.SetPongHandler(func(string) error {
		w.extendDeadline()
		return nil
	})
	c.SetPingHandler(func(data string) error {
		w.extendDeadline()
		w.mu.Lock()
		defer w.mu.Unlock()
		err := c.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
	return w
}

func (w *wsConn) extendDeadline() {
	if w.readTimeout > 0 {
		_ = w.conn.SetReadDeadline(time.Now().Add(w.readTimeout))
	}
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	for {
		mt, data, err := w.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		w.extendDeadline()
		if mt == websocket.TextMessage {
			return data, nil
		}
	}
}

func (w *wsConn) WriteMessage(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) Ping() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (w *wsConn) Close() error {
	w.mu.Lock()
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	w.mu.Unlock()
	return w.conn.Close()
}
