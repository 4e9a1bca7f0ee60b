package models

import (
	"strings"
	"time"
)

// PlayDayLayout is the layout of PlayHistoryRecord.PlayDay
const PlayDayLayout = "2006-01-02"

// DailyPlayCap is the number of plays after which a song rests until the next day
const DailyPlayCap = 10

// PlayHistoryRecord aggregates plays of one song by one device at one branch.
// PlayCountToday is only meaningful for PlayDay; see PlayCountOn.
type PlayHistoryRecord struct {
	SongID         string    `json:"songId"`
	BranchID       string    `json:"branchId"`
	DeviceID       string    `json:"deviceId"`
	PlayCountToday int       `json:"playCountToday"`
	PlayDay        string    `json:"playDay"`
	LastPlayedAt   time.Time `json:"lastPlayedAt"`
	BunnyStreamID  *string   `json:"bunnyStreamId,omitempty"`
}

// DayKey returns the calendar day of t in loc
func DayKey(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(PlayDayLayout)
}

// PlayCountOn returns the play count for day, which is zero when the stored
// counter belongs to an earlier day.
func (h *PlayHistoryRecord) PlayCountOn(day string) int {
	if h.PlayDay != day {
		return 0
	}
	return h.PlayCountToday
}

// RecordPlay registers one playback at the given time, resetting the counter
// when the day changed.
func (h *PlayHistoryRecord) RecordPlay(at time.Time, loc *time.Location) {
	day := DayKey(at, loc)
	if h.PlayDay != day {
		h.PlayDay = day
		h.PlayCountToday = 0
	}
	h.PlayCountToday++
	h.LastPlayedAt = at.UTC()
}

// NewPlayHistoryRecord creates the first record of a song on a device
func NewPlayHistoryRecord(songID, branchID, deviceID string, at time.Time, loc *time.Location) (*PlayHistoryRecord, error) {
	songID = strings.TrimSpace(songID)
	branchID = strings.TrimSpace(branchID)
	if songID == "" {
		return nil, ErrEmptySongID
	}
	if branchID == "" {
		return nil, ErrEmptyBranchID
	}
	h := &PlayHistoryRecord{
		SongID:   songID,
		BranchID: branchID,
		DeviceID: deviceID,
	}
	h.RecordPlay(at, loc)
	return h, nil
}

// History errors
var (
	ErrEmptySongID = PlaylistError{"song id cannot be empty"}
)
