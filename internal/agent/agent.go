package agent

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/tunecast/server/internal/broker"
	"github.com/tunecast/server/internal/connection"
	"github.com/tunecast/server/internal/observability"
	"github.com/tunecast/server/internal/presence"
	"github.com/tunecast/server/internal/protocol"
)

const shutdownTimeout = 5 * time.Second

// Options configure an Agent. ServerURL, Token and Output are required.
type Options struct {
	ServerURL string
	Token     string
	BranchID  string

	Output   Output
	Reporter PlayReporter
	Picker   SongPicker

	// Backoff yields reconnect delays; see connection.Options
	Backoff           backoff.BackOff
	KeepAlive         time.Duration
	QueueCapacity     int
	HeartbeatInterval time.Duration
	Location          *time.Location
	Clock             clockwork.Clock

	// Dialer defaults to a WebSocketDialer
	Dialer connection.Dialer

	Logger  *observability.Logger
	Metrics *observability.SyncMetrics
}

// Agent wires a device: the connection manager carries a relay broker, the
// presence registry heartbeats through it and the player receives pushes on
// the device channel.
type Agent struct {
	opts     Options
	logger   *observability.Logger
	manager  *connection.Manager
	relay    *broker.RelayBroker
	registry *presence.Registry
	player   *Player
}

// New builds an agent
func New(opts Options) (*Agent, error) {
	if opts.Token == "" {
		return nil, errors.New("device token is required")
	}
	if opts.Logger == nil {
		opts.Logger = observability.GetLogger()
	}
	if opts.Dialer == nil {
		keepAlive := opts.KeepAlive
		if keepAlive <= 0 {
			keepAlive = connection.DefaultKeepAlive
		}
		opts.Dialer = &connection.WebSocketDialer{ReadTimeout: 3 * keepAlive}
	}

	manager, err := connection.NewManager(connection.Options{
		URL:           opts.ServerURL,
		Dialer:        opts.Dialer,
		Credentials:   connection.StaticCredentials(opts.Token),
		Clock:         opts.Clock,
		Backoff:       opts.Backoff,
		KeepAlive:     opts.KeepAlive,
		QueueCapacity: opts.QueueCapacity,
		Logger:        opts.Logger,
		Metrics:       opts.Metrics,
	})
	if err != nil {
		return nil, err
	}

	relay := broker.NewRelayBroker(manager, opts.Logger)

	registry, err := presence.NewRegistry(presence.RegistryOptions{
		Broker:   relay,
		Clock:    opts.Clock,
		Interval: opts.HeartbeatInterval,
		Logger:   opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	player, err := NewPlayer(PlayerOptions{
		Token:     opts.Token,
		BranchID:  opts.BranchID,
		Publisher: relay,
		Output:    opts.Output,
		Reporter:  opts.Reporter,
		Picker:    opts.Picker,
		Clock:     opts.Clock,
		Location:  opts.Location,
		Logger:    opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	return &Agent{
		opts:     opts,
		logger:   opts.Logger.WithField("component", "agent"),
		manager:  manager,
		relay:    relay,
		registry: registry,
		player:   player,
	}, nil
}

// Player returns the agent's player
func (a *Agent) Player() *Player {
	return a.player
}

// State returns the state of the server connection
func (a *Agent) State() connection.State {
	return a.manager.State()
}

// Run serves until ctx is cancelled, then publishes a final offline presence
// and closes the connection.
func (a *Agent) Run(ctx context.Context) error {
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	// the connection outlives runCtx so the offline presence can be sent
	connCtx, closeConn := context.WithCancel(context.WithoutCancel(ctx))
	defer closeConn()

	var managerErr error
	var g errgroup.Group
	g.Go(func() error {
		managerErr = a.manager.Run(connCtx)
		stop()
		return nil
	})
	g.Go(func() error {
		a.pumpMessages(connCtx)
		return nil
	})
	g.Go(func() error {
		a.pumpEvents()
		return nil
	})
	g.Go(func() error {
		return a.player.Run(runCtx)
	})

	channel := protocol.DeviceChannel(a.opts.Token)
	sub, err := a.relay.Subscribe(runCtx, channel, a.opts.Token, broker.Handlers{
		OnMessage: a.player.HandleMessage,
	})
	if err != nil {
		a.logger.Errorf("Failed to subscribe %s: %v", channel, err)
		stop()
	} else if err := a.registry.Initialize(runCtx, a.opts.Token); err != nil {
		a.logger.Errorf("Failed to start presence: %v", err)
		stop()
	}

	<-runCtx.Done()
	a.logger.Info("Agent stopping")

	cleanupCtx, cancel := context.WithTimeout(connCtx, shutdownTimeout)
	if err := a.registry.Cleanup(cleanupCtx); err != nil {
		a.logger.Warnf("Presence cleanup incomplete: %v", err)
	}
	if sub != nil {
		_ = a.relay.Unsubscribe(cleanupCtx, sub)
	}
	cancel()

	closeConn()
	_ = a.relay.Close()
	if err := g.Wait(); err != nil {
		return err
	}
	return managerErr
}

// pumpMessages routes inbound messages until the manager stops. Every
// authentication starts a fresh server session, so channels are requested
// again and the latest playlist is asked for.
func (a *Agent) pumpMessages(ctx context.Context) {
	for msg := range a.manager.Messages() {
		switch m := msg.(type) {
		case protocol.AuthSuccess:
			if err := a.relay.Resubscribe(ctx); err != nil {
				a.logger.Warnf("Resubscribe failed: %v", err)
			}
			if err := a.manager.SendMessage(ctx, protocol.SyncDevice{DeviceID: m.DeviceID}); err != nil {
				a.logger.Warnf("Sync request failed: %v", err)
			}
		case protocol.Error:
			a.logger.WithField("code", m.Code).Warnf("Server error: %s", m.Message)
		default:
			if !a.relay.Deliver(msg) {
				a.logger.WithField("type", msg.MessageType()).Debug("Ignoring message")
			}
		}
	}
}

func (a *Agent) pumpEvents() {
	for ev := range a.manager.Events() {
		log := a.logger.WithField("state", ev.State.String())
		switch {
		case errors.Is(ev.Err, connection.ErrUnauthorized):
			log.Errorf("Device token rejected, waiting for a new one: %v", ev.Err)
		case ev.Err != nil:
			log.Warnf("Connection error: %v", ev.Err)
		default:
			log.Debug("Connection state changed")
		}
	}
}
