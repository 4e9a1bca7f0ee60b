// Package connection keeps a device's socket to the server open: it dials,
// authenticates, queues outbound messages while offline and reconnects
// after every close.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"

	"github.com/tunecast/server/internal/observability"
	"github.com/tunecast/server/internal/protocol"
)

const (
	DefaultReconnectDelay = 5 * time.Second
	DefaultKeepAlive      = 30 * time.Second
	DefaultQueueCapacity  = 1024

	// UnboundedQueue disables the outbound queue limit
	UnboundedQueue = -1
)

var (
	// ErrUnauthorized means the server rejected the credential, or none was
	// available. The manager does not reconnect until Reauthenticate.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrStopped is returned by calls made after Run has returned
	ErrStopped = errors.New("connection manager stopped")
)

// State of the connection
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event reports a state change or an error worth surfacing to the user
type Event struct {
	State State
	Err   error
}

// Options configure a Manager. URL, Dialer and Credentials are required.
type Options struct {
	URL         string
	Dialer      Dialer
	Credentials CredentialSource

	Clock clockwork.Clock
	// Backoff yields reconnect delays. Defaults to a constant 5s.
	Backoff backoff.BackOff
	// KeepAlive is the ping interval while open. Defaults to 30s.
	KeepAlive time.Duration
	// QueueCapacity bounds the outbound queue. Zero means
	// DefaultQueueCapacity, UnboundedQueue removes the bound.
	QueueCapacity int

	Logger  *observability.Logger
	Metrics *observability.SyncMetrics
}

// commands accepted by the manager loop
type command interface{ command() }

type cmdSend struct {
	env  protocol.Envelope
	done chan error
}

func (cmdSend) command() {}

type cmdReauthenticate struct{}

func (cmdReauthenticate) command() {}

type cmdQueueLen struct {
	reply chan int
}

func (cmdQueueLen) command() {}

// loop-internal notifications, tagged with the connection generation so
// events from a superseded socket are ignored
type dialResult struct {
	gen  uint64
	conn Conn
	err  error
}

type inboundFrame struct {
	gen  uint64
	data []byte
}

type connClosed struct {
	gen uint64
	err error
}

// Manager owns one device connection. All socket, timer and queue state
// is confined to the goroutine running Run.
type Manager struct {
	opts   Options
	clock  clockwork.Clock
	logger *observability.Logger

	cmdCh    chan command
	messages chan protocol.Message
	events   chan Event
	stopped  chan struct{}

	state   atomic.Int32
	running atomic.Bool
}

// NewManager validates opts and applies defaults
func NewManager(opts Options) (*Manager, error) {
	if opts.URL == "" {
		return nil, errors.New("connection url is required")
	}
	if opts.Dialer == nil {
		return nil, errors.New("dialer is required")
	}
	if opts.Credentials == nil {
		return nil, errors.New("credential source is required")
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Backoff == nil {
		opts.Backoff = backoff.NewConstantBackOff(DefaultReconnectDelay)
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = DefaultKeepAlive
	}
	if opts.QueueCapacity == 0 {
		opts.QueueCapacity = DefaultQueueCapacity
	}
	if opts.Logger == nil {
		opts.Logger = observability.GetLogger()
	}

	return &Manager{
		opts:     opts,
		clock:    opts.Clock,
		logger:   opts.Logger.WithField("component", "connection"),
		cmdCh:    make(chan command, 64),
		messages: make(chan protocol.Message, 256),
		events:   make(chan Event, 32),
		stopped:  make(chan struct{}),
	}, nil
}

// Messages delivers decoded inbound messages. It is closed when Run returns.
func (m *Manager) Messages() <-chan protocol.Message {
	return m.messages
}

// Events delivers state changes and errors. Events are dropped when the
// consumer lags. It is closed when Run returns.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// State returns the current connection state
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Send writes env when the socket is open and queues it otherwise
func (m *Manager) Send(ctx context.Context, env protocol.Envelope) error {
	done := make(chan error, 1)
	if err := m.submit(ctx, cmdSend{env: env, done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.stopped:
		return ErrStopped
	}
}

// SendMessage encodes and sends a typed message
func (m *Manager) SendMessage(ctx context.Context, msg protocol.Message) error {
	env, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return m.Send(ctx, env)
}

// Reauthenticate clears an authorization failure and reconnects with a
// freshly fetched credential
func (m *Manager) Reauthenticate(ctx context.Context) error {
	return m.submit(ctx, cmdReauthenticate{})
}

// QueueLen returns the number of messages waiting for an open socket
func (m *Manager) QueueLen(ctx context.Context) (int, error) {
	reply := make(chan int, 1)
	if err := m.submit(ctx, cmdQueueLen{reply: reply}); err != nil {
		return 0, err
	}
	select {
	case n := <-reply:
		return n, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-m.stopped:
		return 0, ErrStopped
	}
}

func (m *Manager) submit(ctx context.Context, cmd command) error {
	select {
	case <-m.stopped:
		return ErrStopped
	default:
	}
	select {
	case m.cmdCh <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.stopped:
		return ErrStopped
	}
}

// loop holds the state owned by the Run goroutine
type loop struct {
	*Manager
	ctx context.Context

	gen         uint64
	conn        Conn
	dialing     bool
	authBlocked bool
	queue       *outbox

	reconnect clockwork.Timer
	keepAlive clockwork.Ticker

	dialCh   chan dialResult
	inbound  chan inboundFrame
	closedCh chan connClosed
}

// Run connects and serves until ctx is cancelled. It may be called once.
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return errors.New("connection manager already running")
	}

	l := &loop{
		Manager:  m,
		ctx:      ctx,
		queue:    newOutbox(m.opts.QueueCapacity),
		dialCh:   make(chan dialResult, 1),
		inbound:  make(chan inboundFrame),
		closedCh: make(chan connClosed, 1),
	}
	defer l.shutdown()

	l.connect()

	for {
		select {
		case <-ctx.Done():
			return nil

		case cmd := <-m.cmdCh:
			l.handleCommand(cmd)

		case res := <-l.dialCh:
			l.handleDial(res)

		case frame := <-l.inbound:
			if frame.gen == l.gen {
				l.handleFrame(frame.data)
			}

		case c := <-l.closedCh:
			if c.gen == l.gen && l.conn != nil {
				l.logger.Warnf("Connection lost: %v", c.err)
				l.dropConn()
				l.scheduleReconnect()
			}

		case <-l.reconnectC():
			l.reconnect = nil
			l.connect()

		case <-l.keepAliveC():
			if l.conn != nil {
				if err := l.conn.Ping(); err != nil {
					l.logger.Warnf("Keep-alive ping failed: %v", err)
					l.dropConn()
					l.scheduleReconnect()
				}
			}
		}
	}
}

func (l *loop) reconnectC() <-chan time.Time {
	if l.reconnect == nil {
		return nil
	}
	return l.reconnect.Chan()
}

func (l *loop) keepAliveC() <-chan time.Time {
	if l.keepAlive == nil {
		return nil
	}
	return l.keepAlive.Chan()
}

func (l *loop) setState(s State) {
	if State(l.state.Swap(int32(s))) == s {
		return
	}
	l.logger.Debugf("Connection state: %s", s)
	l.emit(Event{State: s})
}

func (l *loop) emit(e Event) {
	select {
	case l.events <- e:
	default:
	}
}

func (l *loop) handleCommand(cmd command) {
	switch c := cmd.(type) {
	case cmdSend:
		c.done <- l.send(c.env)

	case cmdReauthenticate:
		l.authBlocked = false
		if l.conn == nil && !l.dialing {
			l.stopReconnect()
			l.connect()
		}

	case cmdQueueLen:
		c.reply <- l.queue.len()
	}
}

func (l *loop) send(env protocol.Envelope) error {
	if l.conn == nil {
		l.enqueue(env)
		return nil
	}
	if err := l.write(env); err != nil {
		l.logger.Warnf("Write failed, queueing message: %v", err)
		l.enqueue(env)
		l.dropConn()
		l.scheduleReconnect()
	}
	return nil
}

func (l *loop) enqueue(env protocol.Envelope) {
	if l.queue.push(env) {
		l.logger.WithField("type", env.Type).Warn("Outbound queue full, dropped oldest message")
		l.opts.Metrics.RecordQueueDrop(l.ctx)
	}
}

func (l *loop) write(env protocol.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("marshal %s: %w", env.Type, err)
	}
	return l.conn.WriteMessage(data)
}

// connect starts a dial in the background
func (l *loop) connect() {
	if l.authBlocked || l.dialing || l.conn != nil {
		return
	}
	l.gen++
	l.dialing = true
	l.setState(StateConnecting)

	gen := l.gen
	go func() {
		conn, err := l.dial()
		select {
		case l.dialCh <- dialResult{gen: gen, conn: conn, err: err}:
		case <-l.ctx.Done():
			if conn != nil {
				_ = conn.Close()
			}
		}
	}()
}

func (l *loop) dial() (Conn, error) {
	token, err := l.opts.Credentials.Token(l.ctx)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			return nil, err
		}
		return nil, fmt.Errorf("fetch credential: %w", err)
	}
	if token == "" {
		return nil, fmt.Errorf("%w: no device token", ErrUnauthorized)
	}
	return l.opts.Dialer.Dial(l.ctx, l.opts.URL)
}

func (l *loop) handleDial(res dialResult) {
	if res.gen != l.gen {
		if res.conn != nil {
			_ = res.conn.Close()
		}
		return
	}
	l.dialing = false

	if res.err != nil {
		if errors.Is(res.err, ErrUnauthorized) {
			l.blockAuth(res.err)
			return
		}
		l.logger.Warnf("Dial failed: %v", res.err)
		l.setState(StateClosed)
		l.scheduleReconnect()
		return
	}

	l.conn = res.conn
	l.setState(StateOpen)
	go l.readPump(l.gen, res.conn)

	l.keepAlive = l.clock.NewTicker(l.opts.KeepAlive)

	if !l.flush() {
		return
	}

	token, err := l.opts.Credentials.Token(l.ctx)
	if err != nil || token == "" {
		l.blockAuth(fmt.Errorf("%w: credential unavailable", ErrUnauthorized))
		return
	}
	if err := l.write(protocol.MustEncode(protocol.Authenticate{Token: token})); err != nil {
		l.logger.Warnf("Failed to send authenticate: %v", err)
		l.dropConn()
		l.scheduleReconnect()
	}
}

// flush writes queued messages in order. It reports false if the socket
// failed; the failed message stays at the head of the queue.
func (l *loop) flush() bool {
	sent := 0
	for {
		env, ok := l.queue.pop()
		if !ok {
			break
		}
		if err := l.write(env); err != nil {
			l.queue.pushFront(env)
			l.logger.Warnf("Flush interrupted after %d messages: %v", sent, err)
			l.dropConn()
			l.scheduleReconnect()
			return false
		}
		sent++
	}
	if sent > 0 {
		l.logger.Infof("Flushed %d queued messages", sent)
	}
	return true
}

func (l *loop) readPump(gen uint64, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			select {
			case l.closedCh <- connClosed{gen: gen, err: err}:
			case <-l.ctx.Done():
			}
			return
		}
		select {
		case l.inbound <- inboundFrame{gen: gen, data: data}:
		case <-l.ctx.Done():
			return
		}
	}
}

func (l *loop) handleFrame(data []byte) {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		l.logger.Warnf("Dropping malformed message: %v", err)
		return
	}

	switch msg := msg.(type) {
	case protocol.AuthSuccess:
		l.opts.Backoff.Reset()
		l.logger.WithField("device_id", msg.DeviceID).Info("Authenticated")
	case protocol.Error:
		if msg.Code == protocol.CodeUnauthorized {
			l.blockAuth(fmt.Errorf("%w: %s", ErrUnauthorized, msg.Message))
			return
		}
		l.logger.Warnf("Server error: %s", msg.Error())
	case protocol.Ping:
		if err := l.write(protocol.MustEncode(protocol.Pong{})); err != nil {
			l.logger.Warnf("Failed to answer ping: %v", err)
		}
		return
	case protocol.Pong:
		return
	case protocol.Unknown:
		l.logger.WithField("type", msg.Type).Warn("Ignoring unknown message type")
		return
	}

	select {
	case l.messages <- msg:
	case <-l.ctx.Done():
	}
}

// blockAuth closes the socket and stops reconnecting until Reauthenticate
func (l *loop) blockAuth(err error) {
	l.logger.Errorf("Authorization failed: %v", err)
	l.authBlocked = true
	l.dropConn()
	l.stopReconnect()
	l.setState(StateClosed)
	l.emit(Event{State: StateClosed, Err: err})
}

func (l *loop) dropConn() {
	if l.keepAlive != nil {
		l.keepAlive.Stop()
		l.keepAlive = nil
	}
	if l.conn != nil {
		_ = l.conn.Close()
		l.conn = nil
		l.gen++
	}
	l.setState(StateClosed)
}

func (l *loop) scheduleReconnect() {
	if l.authBlocked || l.reconnect != nil {
		return
	}
	delay := l.opts.Backoff.NextBackOff()
	if delay < 0 {
		delay = DefaultReconnectDelay
	}
	l.logger.Infof("Reconnecting in %s", delay)
	l.opts.Metrics.RecordReconnect(l.ctx)
	l.reconnect = l.clock.NewTimer(delay)
}

func (l *loop) stopReconnect() {
	if l.reconnect != nil {
		l.reconnect.Stop()
		l.reconnect = nil
	}
}

func (l *loop) shutdown() {
	l.stopReconnect()
	if l.keepAlive != nil {
		l.keepAlive.Stop()
		l.keepAlive = nil
	}
	if l.conn != nil {
		_ = l.conn.Close()
		l.conn = nil
	}
	l.state.Store(int32(StateDisconnected))
	close(l.stopped)
	close(l.events)
	close(l.messages)
}
