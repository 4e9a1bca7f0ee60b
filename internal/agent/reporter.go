package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/tunecast/server/internal/models"
	"github.com/tunecast/server/internal/observability"
)

const (
	DefaultDeviceTokenHeader = "X-Device-Token"
	defaultReportTries       = 5
)

// Reporter sends play history to the server's device API
type Reporter struct {
	endpoint   string
	token      string
	header     string
	client     *http.Client
	newBackOff func() backoff.BackOff
	maxTries   uint
	logger     *observability.Logger
}

// NewReporter creates a reporter posting to apiURL/api/history
func NewReporter(apiURL, token string, logger *observability.Logger) (*Reporter, error) {
	endpoint, err := url.JoinPath(apiURL, "/api/history")
	if err != nil {
		return nil, fmt.Errorf("invalid api url: %w", err)
	}
	if logger == nil {
		logger = observability.GetLogger()
	}
	return &Reporter{
		endpoint: endpoint,
		token:    token,
		header:   DefaultDeviceTokenHeader,
		client:   &http.Client{Timeout: 10 * time.Second},
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			return b
		},
		maxTries: defaultReportTries,
		logger:   logger.WithField("component", "reporter"),
	}, nil
}

// Report records that song started playing at at. Server errors and
// network failures are retried; a rejected request is not.
func (r *Reporter) Report(ctx context.Context, song models.SongSnapshot, at time.Time) error {
	body, err := json.Marshal(models.RecordPlayRequest{SongID: song.ID, PlayedAt: &at})
	if err != nil {
		return err
	}

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, r.post(ctx, body)
	}, backoff.WithBackOff(r.newBackOff()), backoff.WithMaxTries(r.maxTries))
	if err != nil {
		return fmt.Errorf("report play of %s: %w", song.ID, err)
	}
	r.logger.WithField("song_id", song.ID).Debug("Play reported")
	return nil
}

func (r *Reporter) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(r.header, r.token)

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return backoff.Permanent(fmt.Errorf("history rejected: %s", resp.Status))
	default:
		return fmt.Errorf("history unavailable: %s", resp.Status)
	}
}
