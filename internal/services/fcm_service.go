package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/tunecast/server/internal/models"
	"github.com/tunecast/server/internal/observability"
)

const fcmScope = "https://www.googleapis.com/auth/firebase.messaging"

// FCMService wakes devices through Firebase Cloud Messaging using the HTTP v1 API
type FCMService struct {
	projectID   string
	endpoint    string
	tokenSource oauth2.TokenSource
	httpClient  *http.Client
	logger      *observability.Logger

	tokenMu     sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewFCMService creates a new FCMService with the given service account file
func NewFCMService(ctx context.Context, credentialsPath string, logger *observability.Logger) (*FCMService, error) {
	if credentialsPath == "" {
		return nil, fmt.Errorf("firebase credentials path is required")
	}
	if logger == nil {
		logger = observability.GetLogger()
	}

	credData, err := os.ReadFile(credentialsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}

	var creds struct {
		ProjectID string `json:"project_id"`
	}
	if err := json.Unmarshal(credData, &creds); err != nil {
		return nil, fmt.Errorf("failed to parse credentials: %w", err)
	}

	gc, err := google.CredentialsFromJSON(ctx, credData, fcmScope)
	if err != nil {
		return nil, fmt.Errorf("failed to create credentials: %w", err)
	}

	svc := newFCMService(creds.ProjectID, gc.TokenSource, logger)
	svc.logger.Infof("Firebase Cloud Messaging initialized for project %s", creds.ProjectID)
	return svc, nil
}

func newFCMService(projectID string, ts oauth2.TokenSource, logger *observability.Logger) *FCMService {
	return &FCMService{
		projectID:   projectID,
		endpoint:    fmt.Sprintf("https://fcm.googleapis.com/v1/projects/%s/messages:send", projectID),
		tokenSource: ts,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		logger:      logger.WithField("component", "fcm"),
	}
}

// getAccessToken returns a valid OAuth2 access token, refreshing if needed
func (s *FCMService) getAccessToken() (string, error) {
	s.tokenMu.Lock()
	defer s.tokenMu.Unlock()

	// Return cached token if still valid (with 5 min buffer)
	if s.token != "" && time.Now().Add(5*time.Minute).Before(s.tokenExpiry) {
		return s.token, nil
	}

	token, err := s.tokenSource.Token()
	if err != nil {
		return "", fmt.Errorf("failed to get token: %w", err)
	}
	s.token = token.AccessToken
	s.tokenExpiry = token.Expiry
	return s.token, nil
}

// FCM API message structures
type fcmMessage struct {
	Message fcmMessageBody `json:"message"`
}

type fcmMessageBody struct {
	Token   string            `json:"token"`
	Data    map[string]string `json:"data,omitempty"`
	Android *fcmAndroid       `json:"android,omitempty"`
}

type fcmAndroid struct {
	Priority string `json:"priority,omitempty"`
	TTL      string `json:"ttl,omitempty"`
}

// Wake sends a data-only, high priority message asking the device app to
// reconnect and pull playlistID.
func (s *FCMService) Wake(ctx context.Context, device *models.Device, playlistID string) error {
	if device.PushToken == "" {
		return fmt.Errorf("device %s has no push token", device.ID)
	}

	token, err := s.getAccessToken()
	if err != nil {
		return fmt.Errorf("failed to get access token: %w", err)
	}

	message := fcmMessage{
		Message: fcmMessageBody{
			Token: device.PushToken,
			Data: map[string]string{
				"type":       "sync_wakeup",
				"deviceId":   device.ID,
				"playlistId": playlistID,
			},
			Android: &fcmAndroid{
				Priority: "high",
				TTL:      "60s",
			},
		},
	}

	jsonData, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode != http.StatusOK {
		s.logger.WithField("device_id", device.ID).Warnf("FCM API error: status=%d, body=%s", resp.StatusCode, string(respBody))
		return fmt.Errorf("FCM API error: status %d", resp.StatusCode)
	}

	s.logger.WithField("device_id", device.ID).Debug("Wake-up push sent")
	return nil
}
