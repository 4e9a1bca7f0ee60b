package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tunecast/server/internal/broker"
	"github.com/tunecast/server/internal/models"
	"github.com/tunecast/server/internal/observability"
	"github.com/tunecast/server/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 512 * 1024

	sendBufferSize = 256
	// MaxPendingBeforeAuth bounds the frames a client may send before it
	// authenticates; they are processed once it does.
	MaxPendingBeforeAuth = 256
)

// DeviceAuthenticator resolves device tokens
type DeviceAuthenticator interface {
	GetByToken(ctx context.Context, token string) (*models.Device, error)
}

// Resyncer re-pushes the latest playlist of a device
type Resyncer interface {
	Resync(ctx context.Context, deviceToken string) (*models.PushResult, error)
}

// Gateway bridges device WebSockets and the channel broker. A device may
// only subscribe and publish on its own presence and device channels.
type Gateway struct {
	broker   broker.Broker
	devices  DeviceAuthenticator
	resyncer Resyncer
	logger   *observability.Logger

	clients    map[*GatewayClient]bool
	register   chan *GatewayClient
	unregister chan *GatewayClient
	mu         sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewGateway creates a gateway. resyncer may be nil.
func NewGateway(b broker.Broker, devices DeviceAuthenticator, resyncer Resyncer, logger *observability.Logger) *Gateway {
	if logger == nil {
		logger = observability.GetLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		broker:     b,
		devices:    devices,
		resyncer:   resyncer,
		logger:     logger.WithField("component", "gateway"),
		clients:    make(map[*GatewayClient]bool),
		register:   make(chan *GatewayClient),
		unregister: make(chan *GatewayClient),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Run owns client registration until ctx is done, then closes every client
func (g *Gateway) Run(ctx context.Context) {
	defer g.shutdown()
	for {
		select {
		case <-ctx.Done():
			return

		case client := <-g.register:
			g.mu.Lock()
			g.clients[client] = true
			g.mu.Unlock()
			g.logger.WithField("client_id", client.ID).Debug("WebSocket client connected")

		case client := <-g.unregister:
			g.mu.Lock()
			_, ok := g.clients[client]
			delete(g.clients, client)
			g.mu.Unlock()
			if ok {
				client.release()
				g.logger.WithField("client_id", client.ID).Debug("WebSocket client disconnected")
			}
		}
	}
}

func (g *Gateway) shutdown() {
	g.cancel()
	g.mu.Lock()
	clients := g.clients
	g.clients = make(map[*GatewayClient]bool)
	g.mu.Unlock()

	for client := range clients {
		client.release()
		client.conn.Close()
	}
	g.wg.Wait()
}

// Register adds a client to the gateway
func (g *Gateway) Register(client *GatewayClient) {
	select {
	case g.register <- client:
	case <-g.ctx.Done():
		client.conn.Close()
	}
}

// Unregister removes a client and releases its subscriptions
func (g *Gateway) Unregister(client *GatewayClient) {
	select {
	case g.unregister <- client:
	case <-g.ctx.Done():
	}
}

// ClientCount returns the number of connected clients
func (g *Gateway) ClientCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.clients)
}

// NewClient creates a client for an upgraded connection
func (g *Gateway) NewClient(id string, conn *websocket.Conn) *GatewayClient {
	return &GatewayClient{
		ID:        id,
		conn:      conn,
		send:      make(chan []byte, sendBufferSize),
		writeDone: make(chan struct{}),
		subs:      make(map[string]*broker.Subscription),
		gateway:   g,
		logger:    g.logger.WithField("client_id", id),
	}
}

// GatewayClient is one device connection
type GatewayClient struct {
	ID string

	conn      *websocket.Conn
	send      chan []byte
	writeDone chan struct{}
	gateway   *Gateway
	logger    *observability.Logger

	// owned by the read pump
	device  *models.Device
	backlog []protocol.Envelope

	mu         sync.Mutex
	subs       map[string]*broker.Subscription
	closed     bool
	closedOnce sync.Once
}

// Device returns the authenticated device, or nil
func (c *GatewayClient) Device() *models.Device {
	return c.device
}

// Close unregisters the client and closes the connection
func (c *GatewayClient) Close() {
	c.closedOnce.Do(func() {
		c.gateway.Unregister(c)
		c.conn.Close()
	})
}

// release drops every broker subscription and stops further sends
func (c *GatewayClient) release() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]*broker.Subscription)
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()

	for _, sub := range subs {
		if err := c.gateway.broker.Unsubscribe(context.Background(), sub); err != nil {
			c.logger.Warnf("Failed to release %s: %v", sub.Channel, err)
		}
	}
}

// enqueue hands a frame to the write pump. A client that cannot keep up is
// disconnected.
func (c *GatewayClient) enqueue(env protocol.Envelope) {
	data, err := env.Marshal()
	if err != nil {
		c.logger.Errorf("Failed to marshal %s frame: %v", env.Type, err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("Client send buffer full, disconnecting")
		go c.Close()
	}
}

func (c *GatewayClient) sendMessage(m protocol.Message) {
	env, err := protocol.Encode(m)
	if err != nil {
		c.logger.Errorf("Failed to encode %s: %v", m.MessageType(), err)
		return
	}
	c.enqueue(env)
}

// WritePump pumps frames from the gateway to the websocket connection
func (c *GatewayClient) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		close(c.writeDone)
		c.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ReadPump pumps frames from the websocket connection to the gateway. It
// blocks until the connection closes.
func (c *GatewayClient) ReadPump() {
	defer c.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warnf("WebSocket error: %v", err)
			}
			return
		}
		// any frame proves the peer is alive
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if messageType != websocket.TextMessage {
			continue
		}
		env, err := protocol.Parse(data)
		if err != nil {
			c.logger.Warnf("Dropping malformed frame: %v", err)
			continue
		}
		if !c.handle(env) {
			// let the write pump flush the final error frame
			select {
			case <-c.writeDone:
			case <-time.After(writeWait):
			}
			return
		}
	}
}

// handle processes one frame and reports whether the connection stays open
func (c *GatewayClient) handle(env protocol.Envelope) bool {
	msg, err := protocol.Decode(env)
	if err != nil {
		c.logger.WithField("type", env.Type).Warnf("Dropping malformed payload: %v", err)
		return true
	}

	switch m := msg.(type) {
	case protocol.Ping:
		c.sendMessage(protocol.Pong{})
		return true
	case protocol.Pong:
		return true
	case protocol.Authenticate:
		return c.authenticate(m.Token)
	}

	if c.device == nil {
		if len(c.backlog) >= MaxPendingBeforeAuth {
			c.logger.Warn("Pre-authentication backlog full, dropping oldest frame")
			c.backlog = c.backlog[1:]
		}
		c.backlog = append(c.backlog, env)
		return true
	}

	c.dispatch(msg)
	return true
}

func (c *GatewayClient) authenticate(token string) bool {
	ctx := c.gateway.ctx
	device, err := c.gateway.devices.GetByToken(ctx, token)
	if err != nil {
		c.logger.Errorf("Device lookup failed: %v", err)
		c.sendMessage(protocol.Error{Code: protocol.CodeInternal, Message: "authentication unavailable"})
		return true
	}
	if device == nil || !device.IsActive {
		c.logger.Warn("Rejected device token")
		c.sendMessage(protocol.Error{Code: protocol.CodeUnauthorized, Message: "invalid device token"})
		c.closeAfterFlush()
		return false
	}

	if c.device != nil && c.device.ID != device.ID {
		c.dropSubscriptions()
	}
	c.device = device
	c.sendMessage(protocol.AuthSuccess{DeviceID: device.ID})
	c.logger.WithField("device_id", device.ID).Info("Device authenticated")

	backlog := c.backlog
	c.backlog = nil
	for _, env := range backlog {
		msg, err := protocol.Decode(env)
		if err != nil {
			continue
		}
		c.dispatch(msg)
	}
	return true
}

// closeAfterFlush stops the client once the write pump drained the error frame
func (c *GatewayClient) closeAfterFlush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *GatewayClient) dispatch(msg protocol.Message) {
	token := c.device.Token
	switch m := msg.(type) {
	case protocol.Subscribe:
		if !protocol.OwnsChannel(token, m.Channel) {
			c.forbid(m.Channel)
			return
		}
		c.subscribe(m.Channel)

	case protocol.Unsubscribe:
		c.unsubscribe(m.Channel)

	case protocol.Publish:
		if !protocol.OwnsChannel(token, m.Channel) {
			c.forbid(m.Channel)
			return
		}
		c.publish(m.Channel, m.Message)

	case protocol.SyncSuccess, protocol.SyncError:
		c.publish(protocol.DeviceChannel(token), protocol.MustEncode(m))

	case protocol.SyncDevice:
		c.resync()

	default:
		c.logger.WithField("type", msg.MessageType()).Debug("Ignoring frame")
	}
}

func (c *GatewayClient) forbid(channel string) {
	c.logger.WithField("channel", channel).Warn("Channel access denied")
	c.sendMessage(protocol.Error{Code: protocol.CodeForbidden, Message: "channel not allowed: " + channel})
}

func (c *GatewayClient) subscribe(channel string) {
	c.mu.Lock()
	_, exists := c.subs[channel]
	closed := c.closed
	c.mu.Unlock()
	if exists || closed {
		return
	}

	// the device token is its membership key on its own channels
	sub, err := c.gateway.broker.Subscribe(c.gateway.ctx, channel, c.device.Token, broker.Handlers{
		OnMessage: func(ch string, env protocol.Envelope) {
			c.sendMessage(protocol.Publish{Channel: ch, Message: env})
		},
		OnJoin: func(ch, key string) {
			c.sendMessage(protocol.PresenceUpdate{Channel: ch, Event: protocol.EventJoin, Key: key})
		},
		OnLeave: func(ch, key string) {
			c.sendMessage(protocol.PresenceUpdate{Channel: ch, Event: protocol.EventLeave, Key: key})
		},
		OnSync: func(ch string, members []string) {
			c.sendMessage(protocol.PresenceUpdate{Channel: ch, Event: protocol.EventSync, Members: members})
		},
	})
	if err != nil {
		c.logger.WithField("channel", channel).Errorf("Subscribe failed: %v", err)
		c.sendMessage(protocol.Error{Code: protocol.CodeInternal, Message: "subscribe failed: " + channel})
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = c.gateway.broker.Unsubscribe(context.Background(), sub)
		return
	}
	c.subs[channel] = sub
	c.mu.Unlock()
	c.logger.WithField("channel", channel).Debug("Subscribed")
}

func (c *GatewayClient) unsubscribe(channel string) {
	c.mu.Lock()
	sub := c.subs[channel]
	delete(c.subs, channel)
	c.mu.Unlock()
	if sub == nil {
		return
	}
	if err := c.gateway.broker.Unsubscribe(c.gateway.ctx, sub); err != nil {
		c.logger.WithField("channel", channel).Warnf("Unsubscribe failed: %v", err)
	}
}

func (c *GatewayClient) dropSubscriptions() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]*broker.Subscription)
	c.mu.Unlock()
	for _, sub := range subs {
		_ = c.gateway.broker.Unsubscribe(c.gateway.ctx, sub)
	}
}

func (c *GatewayClient) publish(channel string, env protocol.Envelope) {
	if err := c.gateway.broker.Publish(c.gateway.ctx, channel, env); err != nil {
		c.logger.WithField("channel", channel).Warnf("Publish failed: %v", err)
		if !errors.Is(err, context.Canceled) {
			c.sendMessage(protocol.Error{Code: protocol.CodeInternal, Message: "publish failed: " + channel})
		}
	}
}

func (c *GatewayClient) resync() {
	if c.gateway.resyncer == nil {
		return
	}
	token := c.device.Token
	log := c.logger
	c.gateway.wg.Add(1)
	go func() {
		defer c.gateway.wg.Done()
		result, err := c.gateway.resyncer.Resync(c.gateway.ctx, token)
		switch {
		case err != nil:
			log.Warnf("Resync failed: %v", err)
		case result == nil:
			log.Debug("No playlist to resync")
		default:
			log.Infof("Resynced playlist %s", result.PlaylistID)
		}
	}()
}
