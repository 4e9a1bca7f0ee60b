package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunecast/server/internal/models"
	"github.com/tunecast/server/internal/observability"
)

func newTestReporter(t *testing.T, handler http.HandlerFunc) *Reporter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	r, err := NewReporter(srv.URL, "tok", observability.NewDiscardLogger())
	require.NoError(t, err)
	r.newBackOff = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }
	return r
}

func TestReporter_Report(t *testing.T) {
	var calls atomic.Int32
	playedAt := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

	r := newTestReporter(t, func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, http.MethodPost, req.Method)
		assert.Equal(t, "/api/history", req.URL.Path)
		assert.Equal(t, "tok", req.Header.Get("X-Device-Token"))

		var body models.RecordPlayRequest
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		assert.Equal(t, "song-1", body.SongID)
		require.NotNil(t, body.PlayedAt)
		assert.True(t, playedAt.Equal(*body.PlayedAt))

		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, r.Report(context.Background(), models.SongSnapshot{ID: "song-1"}, playedAt))
	assert.Equal(t, int32(2), calls.Load(), "server errors are retried")
}

func TestReporter_RejectedIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	r := newTestReporter(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	})

	err := r.Report(context.Background(), models.SongSnapshot{ID: "song-1"}, time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Equal(t, int32(1), calls.Load())
}

func TestReporter_GivesUp(t *testing.T) {
	var calls atomic.Int32
	r := newTestReporter(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	require.Error(t, r.Report(context.Background(), models.SongSnapshot{ID: "song-1"}, time.Now()))
	assert.Equal(t, int32(defaultReportTries), calls.Load())
}

func TestNewReporter_InvalidURL(t *testing.T) {
	_, err := NewReporter("://bad", "tok", nil)
	assert.Error(t, err)
}
