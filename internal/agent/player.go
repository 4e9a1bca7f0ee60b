// Package agent runs a playback device: it keeps the server connection,
// heartbeats presence, applies pushed playlists and plays them in rotation.
package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"

	"github.com/tunecast/server/internal/models"
	"github.com/tunecast/server/internal/observability"
	"github.com/tunecast/server/internal/protocol"
	"github.com/tunecast/server/internal/rotation"
)

const (
	// DefaultRetryDelay is the pause after a song fails to play
	DefaultRetryDelay = 5 * time.Second

	ackTimeout     = 10 * time.Second
	reportTimeout  = 30 * time.Second
	handledHistory = 256
)

// Publisher is the part of a broker the player acknowledges through
type Publisher interface {
	Publish(ctx context.Context, channel string, env protocol.Envelope) error
}

// PlayReporter records plays on the server
type PlayReporter interface {
	Report(ctx context.Context, song models.SongSnapshot, at time.Time) error
}

// SongPicker chooses the next song of a rotation
type SongPicker interface {
	NextSong(currentSongID string, candidates []models.SongSnapshot, history []models.PlayHistoryRecord) int
}

// PlayerOptions configure a Player. Token, Publisher and Output are required.
type PlayerOptions struct {
	Token     string
	BranchID  string
	Publisher Publisher
	Output    Output
	Reporter  PlayReporter
	Picker    SongPicker
	Clock     clockwork.Clock
	Location  *time.Location
	// RetryDelay is the pause after a failed song. Defaults to 5s.
	RetryDelay time.Duration
	Logger     *observability.Logger
}

// Player holds the current playlist and plays it until another one arrives
type Player struct {
	opts   PlayerOptions
	logger *observability.Logger

	updates chan struct{}
	// acks already sent, by message id
	handled *ttlcache.Cache[string, string]

	mu       sync.Mutex
	playlist *models.PlaylistSnapshot
	current  string
	history  map[string]*models.PlayHistoryRecord

	reports sync.WaitGroup
}

// NewPlayer applies defaults to opts
func NewPlayer(opts PlayerOptions) (*Player, error) {
	if opts.Token == "" {
		return nil, errors.New("player needs a device token")
	}
	if opts.Publisher == nil || opts.Output == nil {
		return nil, errors.New("player needs a publisher and an output")
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Logger == nil {
		opts.Logger = observability.GetLogger()
	}
	if opts.Picker == nil {
		opts.Picker = rotation.NewScheduler(rotation.Options{
			Clock:    opts.Clock,
			Location: opts.Location,
			Logger:   opts.Logger,
		})
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}

	return &Player{
		opts:    opts,
		logger:  opts.Logger.WithFields(map[string]interface{}{"component": "player", "device_token": opts.Token}),
		updates: make(chan struct{}, 1),
		handled: ttlcache.New[string, string](
			ttlcache.WithCapacity[string, string](handledHistory),
		),
		history: make(map[string]*models.PlayHistoryRecord),
	}, nil
}

// Playlist returns the playlist being played, or nil
func (p *Player) Playlist() *models.PlaylistSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playlist
}

// History returns the local play history
func (p *Player) History() []models.PlayHistoryRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.PlayHistoryRecord, 0, len(p.history))
	for _, h := range p.history {
		out = append(out, *h)
	}
	return out
}

// HandleMessage is the OnMessage handler of the device channel. Frames
// other than sync_playlist, including the device's own acks, are ignored.
func (p *Player) HandleMessage(_ string, env protocol.Envelope) {
	if env.Type != protocol.TypeSyncPlaylist {
		return
	}
	msg, err := protocol.Decode(env)
	if err != nil {
		p.logger.Warnf("Dropping malformed playlist push: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
	defer cancel()
	if err := p.HandleSync(ctx, msg.(protocol.SyncPlaylist)); err != nil {
		p.logger.Warnf("Failed to acknowledge push: %v", err)
	}
}

// HandleSync applies a pushed playlist and acknowledges it. A message id
// seen before is acknowledged again with its first outcome.
func (p *Player) HandleSync(ctx context.Context, msg protocol.SyncPlaylist) error {
	log := p.logger.WithFields(map[string]interface{}{
		"message_id":  msg.MessageID,
		"playlist_id": msg.Playlist.ID,
	})

	if item := p.handled.Get(msg.MessageID); item != nil {
		log.Debug("Duplicate push, repeating acknowledgement")
		return p.ack(ctx, msg, item.Value())
	}

	failure := ""
	if len(msg.Playlist.Songs) == 0 {
		failure = models.ErrPlaylistEmpty.Error()
		log.Warn("Rejected empty playlist")
	} else {
		p.apply(msg.Playlist)
		log.Infof("Playlist %q applied with %d songs", msg.Playlist.Name, len(msg.Playlist.Songs))
	}
	p.handled.Set(msg.MessageID, failure, ttlcache.NoTTL)
	return p.ack(ctx, msg, failure)
}

func (p *Player) apply(snapshot models.PlaylistSnapshot) {
	p.mu.Lock()
	p.playlist = &snapshot
	p.mu.Unlock()

	select {
	case p.updates <- struct{}{}:
	default:
	}
}

func (p *Player) ack(ctx context.Context, msg protocol.SyncPlaylist, failure string) error {
	var reply protocol.Message = protocol.SyncSuccess{MessageID: msg.MessageID, PlaylistID: msg.Playlist.ID}
	if failure != "" {
		reply = protocol.SyncError{MessageID: msg.MessageID, PlaylistID: msg.Playlist.ID, Message: failure}
	}
	env, err := protocol.Encode(reply)
	if err != nil {
		return err
	}
	return p.opts.Publisher.Publish(ctx, protocol.DeviceChannel(p.opts.Token), env)
}

// Run plays songs until ctx is cancelled. A new playlist interrupts the
// song in progress.
func (p *Player) Run(ctx context.Context) error {
	defer p.reports.Wait()

	for {
		select {
		case <-p.updates:
			p.setCurrent("")
		default:
		}

		song, ok := p.next()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-p.updates:
				continue
			}
		}

		playCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- p.opts.Output.Play(playCtx, song) }()
		p.started(ctx, song)

		select {
		case <-ctx.Done():
			cancel()
			<-done
			return nil

		case <-p.updates:
			cancel()
			<-done
			p.setCurrent("")

		case err := <-done:
			cancel()
			if err == nil {
				continue
			}
			p.logger.WithField("song_id", song.ID).Warnf("Playback failed: %v", err)
			select {
			case <-ctx.Done():
				return nil
			case <-p.updates:
				p.setCurrent("")
			case <-p.opts.Clock.After(p.opts.RetryDelay):
			}
		}
	}
}

// next picks the song after the current one
func (p *Player) next() (models.SongSnapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.playlist == nil || len(p.playlist.Songs) == 0 {
		return models.SongSnapshot{}, false
	}

	history := make([]models.PlayHistoryRecord, 0, len(p.history))
	for _, h := range p.history {
		history = append(history, *h)
	}
	song := p.playlist.Songs[p.opts.Picker.NextSong(p.current, p.playlist.Songs, history)]
	p.current = song.ID
	return song, true
}

func (p *Player) setCurrent(songID string) {
	p.mu.Lock()
	p.current = songID
	p.mu.Unlock()
}

// started records the play locally and reports it in the background
func (p *Player) started(ctx context.Context, song models.SongSnapshot) {
	now := p.opts.Clock.Now()

	p.mu.Lock()
	if h, ok := p.history[song.ID]; ok {
		h.RecordPlay(now, p.opts.Location)
	} else if h, err := models.NewPlayHistoryRecord(song.ID, p.branchID(), p.opts.Token, now, p.opts.Location); err == nil {
		p.history[song.ID] = h
	}
	p.mu.Unlock()

	if p.opts.Reporter == nil {
		return
	}
	p.reports.Add(1)
	go func() {
		defer p.reports.Done()
		reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
		defer cancel()
		if err := p.opts.Reporter.Report(reportCtx, song, now); err != nil {
			p.logger.Warnf("Play not recorded: %v", err)
		}
	}()
}

// branchID keys the local history. The server derives the branch from the
// device token, so a missing id only affects local records.
func (p *Player) branchID() string {
	if p.opts.BranchID == "" {
		return "local"
	}
	return p.opts.BranchID
}
