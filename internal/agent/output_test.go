package agent

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunecast/server/internal/models"
	"github.com/tunecast/server/internal/observability"
)

func TestLogOutput_Play(t *testing.T) {
	clock := clockwork.NewFakeClock()
	out := NewLogOutput(time.Minute, observability.NewDiscardLogger())
	out.Clock = clock

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- out.Play(ctx, models.SongSnapshot{ID: "a"}) }()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Minute)
	require.NoError(t, <-done)
}

func TestLogOutput_Cancelled(t *testing.T) {
	out := NewLogOutput(time.Hour, observability.NewDiscardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, out.Play(ctx, models.SongSnapshot{ID: "a"}), context.Canceled)
}

func TestMPVOutput_RequiresStreamURL(t *testing.T) {
	out := &MPVOutput{Path: "mpv"}
	assert.Error(t, out.Play(context.Background(), models.SongSnapshot{ID: "a"}))
}

func TestNewOutput(t *testing.T) {
	out, err := NewOutput("log", nil)
	require.NoError(t, err)
	assert.IsType(t, &LogOutput{}, out)

	_, err = NewOutput("speaker", nil)
	assert.Error(t, err)
}
