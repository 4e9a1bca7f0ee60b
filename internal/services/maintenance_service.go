package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tunecast/server/internal/observability"
)

// DefaultPruneSchedule runs the history pruning every night at 03:30
const DefaultPruneSchedule = "30 3 * * *"

// HistoryPruner deletes play history rows older than a cutoff
type HistoryPruner interface {
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// MaintenanceStatus represents the current status of maintenance tasks
type MaintenanceStatus struct {
	Running          bool      `json:"running"`
	Enabled          bool      `json:"enabled"`
	LastRun          time.Time `json:"lastRun,omitempty"`
	LastRunDuration  string    `json:"lastRunDuration,omitempty"`
	HistoryPruned    int64     `json:"historyPruned"`
	Errors           []string  `json:"errors,omitempty"`
	NextScheduledRun time.Time `json:"nextScheduledRun,omitempty"`
}

// MaintenanceService prunes stale play history on a cron schedule
type MaintenanceService struct {
	history   HistoryPruner
	retention time.Duration
	schedule  string
	now       func() time.Time
	logger    *observability.Logger

	mu      sync.RWMutex
	cron    *cron.Cron
	entry   cron.EntryID
	running bool
	status  MaintenanceStatus
}

// NewMaintenanceService creates a new MaintenanceService. Rows whose last play
// is older than retention are removed.
func NewMaintenanceService(history HistoryPruner, retention time.Duration, schedule string, loc *time.Location, logger *observability.Logger) (*MaintenanceService, error) {
	if retention <= 0 {
		return nil, fmt.Errorf("history retention must be positive, got %s", retention)
	}
	if schedule == "" {
		schedule = DefaultPruneSchedule
	}
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = observability.GetLogger()
	}

	s := &MaintenanceService{
		history:   history,
		retention: retention,
		schedule:  schedule,
		now:       time.Now,
		logger:    logger.WithField("component", "maintenance"),
		cron:      cron.New(cron.WithLocation(loc)),
		status:    MaintenanceStatus{Errors: []string{}},
	}

	id, err := s.cron.AddFunc(schedule, s.runMaintenance)
	if err != nil {
		return nil, fmt.Errorf("invalid prune schedule %q: %w", schedule, err)
	}
	s.entry = id
	return s, nil
}

// Start begins the scheduled maintenance
func (s *MaintenanceService) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Enabled {
		return
	}
	s.cron.Start()
	s.status.Enabled = true
	s.status.NextScheduledRun = s.cron.Entry(s.entry).Next
	s.logger.Infof("Maintenance service started (schedule %q)", s.schedule)
}

// Stop stops the schedule and waits for a running job
func (s *MaintenanceService) Stop() {
	s.mu.Lock()
	if !s.status.Enabled {
		s.mu.Unlock()
		return
	}
	s.status.Enabled = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Info("Maintenance service stopped")
}

// IsEnabled returns whether the schedule is active
func (s *MaintenanceService) IsEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status.Enabled
}

// GetStatus returns the current maintenance status
func (s *MaintenanceService) GetStatus() MaintenanceStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// RunNow performs one maintenance run synchronously
func (s *MaintenanceService) RunNow() {
	s.runMaintenance()
}

func (s *MaintenanceService) runMaintenance() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Info("Maintenance already running, skipping")
		return
	}
	s.running = true
	s.status.Running = true
	s.status.Errors = []string{}
	s.mu.Unlock()

	startTime := s.now()
	cutoff := startTime.Add(-s.retention)

	var errs []string
	pruned, err := s.history.PruneBefore(context.Background(), cutoff)
	if err != nil {
		errs = append(errs, "Failed to prune play history: "+err.Error())
		s.logger.Errorf("Maintenance: failed to prune play history: %v", err)
	}

	duration := s.now().Sub(startTime)

	s.mu.Lock()
	s.running = false
	s.status.Running = false
	s.status.LastRun = startTime
	s.status.LastRunDuration = duration.Round(time.Millisecond).String()
	s.status.HistoryPruned = pruned
	s.status.Errors = append(s.status.Errors, errs...)
	if s.status.Enabled {
		s.status.NextScheduledRun = s.cron.Entry(s.entry).Next
	}
	s.mu.Unlock()

	if pruned > 0 {
		s.logger.Infof("Maintenance: pruned %d play history rows older than %s", pruned, cutoff.Format(time.RFC3339))
	}
}
