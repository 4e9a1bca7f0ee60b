package agent

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tunecast/server/internal/models"
	"github.com/tunecast/server/internal/observability"
)

// Output plays one song. Play blocks until the song ends or ctx is
// cancelled; a cancelled song returns ctx.Err().
type Output interface {
	Play(ctx context.Context, song models.SongSnapshot) error
}

// DefaultLogSongDuration is how long LogOutput pretends a song lasts
const DefaultLogSongDuration = 3 * time.Minute

// LogOutput logs each song and waits for Duration. It stands in for a real
// audio sink on machines without one.
type LogOutput struct {
	Clock    clockwork.Clock
	Duration time.Duration
	Logger   *observability.Logger
}

// NewLogOutput creates a LogOutput on the wall clock
func NewLogOutput(duration time.Duration, logger *observability.Logger) *LogOutput {
	if duration <= 0 {
		duration = DefaultLogSongDuration
	}
	if logger == nil {
		logger = observability.GetLogger()
	}
	return &LogOutput{
		Clock:    clockwork.NewRealClock(),
		Duration: duration,
		Logger:   logger.WithField("component", "output"),
	}
}

// Play implements Output
func (o *LogOutput) Play(ctx context.Context, song models.SongSnapshot) error {
	o.Logger.WithFields(map[string]interface{}{
		"song_id": song.ID,
		"title":   song.Title,
		"artist":  song.Artist,
	}).Info("Now playing")

	select {
	case <-o.Clock.After(o.Duration):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MPVOutput streams songs through an mpv process
type MPVOutput struct {
	Path string
	Args []string
}

// NewMPVOutput looks up mpv on PATH
func NewMPVOutput() (*MPVOutput, error) {
	path, err := exec.LookPath("mpv")
	if err != nil {
		return nil, fmt.Errorf("mpv not available: %w", err)
	}
	return &MPVOutput{
		Path: path,
		Args: []string{"--no-video", "--really-quiet"},
	}, nil
}

// Play implements Output. The process is killed when ctx is cancelled.
func (o *MPVOutput) Play(ctx context.Context, song models.SongSnapshot) error {
	if song.StreamURL == "" {
		return errors.New("song has no stream url")
	}
	args := append(append([]string(nil), o.Args...), song.StreamURL)
	err := exec.CommandContext(ctx, o.Path, args...).Run()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		return fmt.Errorf("mpv %s: %w", song.ID, err)
	}
	return nil
}

// NewOutput returns the output named by kind: "log" or "mpv"
func NewOutput(kind string, logger *observability.Logger) (Output, error) {
	switch kind {
	case "", "log":
		return NewLogOutput(DefaultLogSongDuration, logger), nil
	case "mpv":
		return NewMPVOutput()
	default:
		return nil, fmt.Errorf("unknown output %q", kind)
	}
}
