// Package rotation picks the next song of a playlist from its play history.
package rotation

import (
	"context"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tunecast/server/internal/models"
	"github.com/tunecast/server/internal/observability"
)

const (
	// BaseScore is the score of a song with no history and the base of every
	// other score.
	BaseScore = 100.0
	// RestPeriod is the minimum gap between two plays of a song
	RestPeriod = 30 * time.Minute
	// MaxRecencyBonus caps the bonus earned by hours since the last play
	MaxRecencyBonus = 30.0
	// MaxJitter bounds the random tie breaker added to played songs
	MaxJitter = 5.0

	excluded = -1.0
)

// Random is the source of the tie breaker. *rand.Rand satisfies it.
type Random interface {
	Float64() float64
}

// Options configures a Scheduler. Zero values select the wall clock, a
// randomly seeded source and UTC.
type Options struct {
	Clock    clockwork.Clock
	Random   Random
	Location *time.Location
	Logger   *observability.Logger
	Metrics  *observability.SyncMetrics
}

// Scheduler scores songs by play history. It keeps no state between calls.
type Scheduler struct {
	clock   clockwork.Clock
	loc     *time.Location
	logger  *observability.Logger
	metrics *observability.SyncMetrics

	mu     sync.Mutex
	random Random
}

// NewScheduler creates a scheduler
func NewScheduler(opts Options) *Scheduler {
	s := &Scheduler{
		clock:   opts.Clock,
		loc:     opts.Location,
		random:  opts.Random,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	if s.random == nil {
		s.random = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if s.logger == nil {
		s.logger = observability.GetLogger()
	}
	s.logger = s.logger.WithField("component", "rotation")
	return s
}

// Location returns the location that defines "today"
func (s *Scheduler) Location() *time.Location {
	return s.loc
}

// usage is the history of one song summed over every device of the branch
type usage struct {
	countToday int
	lastPlayed time.Time
}

func (s *Scheduler) aggregate(history []models.PlayHistoryRecord, today string) map[string]usage {
	out := make(map[string]usage, len(history))
	for _, h := range history {
		u := out[h.SongID]
		u.countToday += h.PlayCountOn(today)
		if h.LastPlayedAt.After(u.lastPlayed) {
			u.lastPlayed = h.LastPlayedAt
		}
		out[h.SongID] = u
	}
	return out
}

// scoreOf returns the rotation score of one song, or -1 when the song must
// not play now.
func (s *Scheduler) scoreOf(u usage, hasHistory bool, now time.Time) float64 {
	if !hasHistory {
		return BaseScore
	}
	if u.countToday >= models.DailyPlayCap {
		return excluded
	}
	since := now.Sub(u.lastPlayed)
	if since < RestPeriod {
		return excluded
	}

	score := BaseScore - float64(u.countToday)/float64(models.DailyPlayCap)*50
	score += min(since.Hours()*2, MaxRecencyBonus)
	score += s.jitter()
	return score
}

func (s *Scheduler) jitter() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.random.Float64() * MaxJitter
}

type scored struct {
	index int
	score float64
}

// NextSong returns the index in candidates of the song to play after
// currentSongID. It always returns a valid index for a non-empty list and 0
// for an empty one.
func (s *Scheduler) NextSong(currentSongID string, candidates []models.SongSnapshot, history []models.PlayHistoryRecord) int {
	if len(candidates) == 0 {
		return 0
	}

	now := s.clock.Now()
	byID := s.aggregate(history, models.DayKey(now, s.loc))

	eligible := make([]scored, 0, len(candidates))
	for i, song := range candidates {
		u, ok := byID[song.ID]
		score := s.scoreOf(u, ok, now)
		if score < 0 {
			continue
		}
		eligible = append(eligible, scored{index: i, score: score})
	}

	if len(eligible) == 0 {
		s.logger.WithField("current_song_id", currentSongID).Debug("No eligible song, advancing sequentially")
		s.metrics.RecordRotationFallback(context.Background())
		return Sequential(currentSongID, candidates)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].score > eligible[j].score
	})
	return eligible[0].index
}

// Sequential returns the index after currentSongID, wrapping to 0 at the end
// of the list or when the current song is not in it.
func Sequential(currentSongID string, candidates []models.SongSnapshot) int {
	for i, song := range candidates {
		if song.ID == currentSongID {
			if i+1 >= len(candidates) {
				return 0
			}
			return i + 1
		}
	}
	return 0
}
