package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunecast/server/internal/observability"
)

type fakePruner struct {
	mu      sync.Mutex
	cutoffs []time.Time
	pruned  int64
	err     error
}

func (f *fakePruner) PruneBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	return f.pruned, f.err
}

func TestMaintenanceService_RunNow(t *testing.T) {
	pruner := &fakePruner{pruned: 7}
	svc, err := NewMaintenanceService(pruner, 30*24*time.Hour, "", time.UTC, observability.NewDiscardLogger())
	require.NoError(t, err)

	now := time.Date(2024, 6, 30, 3, 30, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	svc.RunNow()

	require.Len(t, pruner.cutoffs, 1)
	assert.Equal(t, time.Date(2024, 5, 31, 3, 30, 0, 0, time.UTC), pruner.cutoffs[0])

	status := svc.GetStatus()
	assert.False(t, status.Running)
	assert.False(t, status.Enabled)
	assert.Equal(t, now, status.LastRun)
	assert.Equal(t, int64(7), status.HistoryPruned)
	assert.Empty(t, status.Errors)
}

func TestMaintenanceService_RecordsErrors(t *testing.T) {
	pruner := &fakePruner{err: errors.New("database is locked")}
	svc, err := NewMaintenanceService(pruner, time.Hour, "", nil, observability.NewDiscardLogger())
	require.NoError(t, err)

	svc.RunNow()
	status := svc.GetStatus()
	require.Len(t, status.Errors, 1)
	assert.Contains(t, status.Errors[0], "database is locked")

	// errors are reset by the next run
	pruner.mu.Lock()
	pruner.err = nil
	pruner.mu.Unlock()
	svc.RunNow()
	assert.Empty(t, svc.GetStatus().Errors)
}

func TestMaintenanceService_StartStop(t *testing.T) {
	svc, err := NewMaintenanceService(&fakePruner{}, time.Hour, "@every 1h", time.UTC, observability.NewDiscardLogger())
	require.NoError(t, err)

	svc.Start()
	assert.True(t, svc.IsEnabled())
	assert.False(t, svc.GetStatus().NextScheduledRun.IsZero())

	svc.Stop()
	assert.False(t, svc.IsEnabled())
	svc.Stop()
}

func TestNewMaintenanceService_Invalid(t *testing.T) {
	tests := []struct {
		name      string
		retention time.Duration
		schedule  string
	}{
		{"zero retention", 0, ""},
		{"negative retention", -time.Hour, ""},
		{"bad schedule", time.Hour, "every night"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewMaintenanceService(&fakePruner{}, tt.retention, tt.schedule, time.UTC, observability.NewDiscardLogger())
			assert.Error(t, err)
		})
	}
}
