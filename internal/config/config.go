package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	ServerAddress string   `json:"serverAddress"`
	DatabasePath  string   `json:"databasePath"`
	DatabaseURL   string   `json:"databaseUrl"`
	Redis         Redis    `json:"redis"`
	Security      Security `json:"security"`
	Sync          Sync     `json:"sync"`
	Presence      Presence `json:"presence"`
	History       History  `json:"history"`
	CDN           CDN      `json:"cdn"`
	FCM           FCM      `json:"fcm"`
	Agent         Agent    `json:"agent"`
}

// Redis configuration. The Redis broker is used when Addr is set.
type Redis struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// Security configuration
type Security struct {
	APIKey            string `json:"apiKey"`
	APIKeyHeader      string `json:"apiKeyHeader"`
	DeviceTokenHeader string `json:"deviceTokenHeader"`
}

// Sync configuration for playlist pushes
type Sync struct {
	AckTimeoutSeconds  int     `json:"ackTimeoutSeconds"`
	MaxConcurrent      int     `json:"maxConcurrent"`
	PublishesPerSecond float64 `json:"publishesPerSecond"`
	PublishRetries     int     `json:"publishRetries"`
}

// Presence configuration
type Presence struct {
	HeartbeatSeconds int `json:"heartbeatSeconds"`
	TTLSeconds       int `json:"ttlSeconds"`
}

// History configuration for play counts and retention
type History struct {
	Timezone      string `json:"timezone"`
	RetentionDays int    `json:"retentionDays"`
	PruneSchedule string `json:"pruneSchedule"`
}

// CDN configuration for songs known only by their video id
type CDN struct {
	StreamBaseURL string `json:"streamBaseUrl"`
}

// FCM configuration. Wake-up pushes are disabled when CredentialsPath is empty.
type FCM struct {
	CredentialsPath string `json:"credentialsPath"`
}

// Agent configuration for the device agent
type Agent struct {
	ServerURL        string `json:"serverUrl"`
	APIURL           string `json:"apiUrl"`
	DeviceToken      string `json:"deviceToken"`
	BranchID         string `json:"branchId"`
	ReconnectSeconds int    `json:"reconnectSeconds"`
	ReconnectPolicy  string `json:"reconnectPolicy"`
	QueueCapacity    int    `json:"queueCapacity"`
	KeepAliveSeconds int    `json:"keepAliveSeconds"`
	Output           string `json:"output"`
}

// UsePostgres returns true if PostgreSQL should be used
func (c *Config) UsePostgres() bool {
	return c.DatabaseURL != ""
}

// UseRedis returns true if the Redis broker should be used
func (c *Config) UseRedis() bool {
	return c.Redis.Addr != ""
}

// Location returns the timezone that defines a play-count day
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.History.Timezone)
}

func (s Sync) AckTimeout() time.Duration {
	return time.Duration(s.AckTimeoutSeconds) * time.Second
}

func (p Presence) Heartbeat() time.Duration {
	return time.Duration(p.HeartbeatSeconds) * time.Second
}

func (p Presence) TTL() time.Duration {
	return time.Duration(p.TTLSeconds) * time.Second
}

func (h History) Retention() time.Duration {
	return time.Duration(h.RetentionDays) * 24 * time.Hour
}

func (a Agent) ReconnectDelay() time.Duration {
	return time.Duration(a.ReconnectSeconds) * time.Second
}

func (a Agent) KeepAlive() time.Duration {
	return time.Duration(a.KeepAliveSeconds) * time.Second
}

// Default configuration
func defaultConfig() *Config {
	return &Config{
		ServerAddress: ":5000",
		DatabasePath:  "tunecast.db",
		Security: Security{
			APIKey:            "",
			APIKeyHeader:      "X-API-Key",
			DeviceTokenHeader: "X-Device-Token",
		},
		Sync: Sync{
			AckTimeoutSeconds:  30,
			MaxConcurrent:      16,
			PublishesPerSecond: 0,
			PublishRetries:     3,
		},
		Presence: Presence{
			HeartbeatSeconds: 5,
			TTLSeconds:       15,
		},
		History: History{
			Timezone:      "UTC",
			RetentionDays: 30,
			PruneSchedule: "30 3 * * *",
		},
		Agent: Agent{
			ServerURL:        "ws://localhost:5000/ws",
			APIURL:           "http://localhost:5000",
			ReconnectSeconds: 5,
			ReconnectPolicy:  "fixed",
			QueueCapacity:    1024,
			KeepAliveSeconds: 30,
			Output:           "log",
		},
	}
}

// Load loads configuration from file or environment
func Load() (*Config, error) {
	cfg := defaultConfig()

	// Try to load from config file
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.json"
	}

	if data, err := os.ReadFile(configPath); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", configPath, err)
		}
	}

	// Override from environment variables
	setString(&cfg.ServerAddress, "SERVER_ADDRESS")
	setString(&cfg.DatabasePath, "DATABASE_PATH")
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")
	setString(&cfg.Security.APIKey, "API_KEY")

	setInt(&cfg.Sync.AckTimeoutSeconds, "SYNC_ACK_TIMEOUT_SECONDS")
	setInt(&cfg.Sync.MaxConcurrent, "SYNC_MAX_CONCURRENT")
	if v := os.Getenv("SYNC_PUBLISHES_PER_SECOND"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			cfg.Sync.PublishesPerSecond = f
		}
	}
	setInt(&cfg.Sync.PublishRetries, "SYNC_PUBLISH_RETRIES")

	setInt(&cfg.Presence.HeartbeatSeconds, "PRESENCE_HEARTBEAT_SECONDS")
	setInt(&cfg.Presence.TTLSeconds, "PRESENCE_TTL_SECONDS")

	setString(&cfg.History.Timezone, "HISTORY_TIMEZONE")
	setInt(&cfg.History.RetentionDays, "HISTORY_RETENTION_DAYS")
	setString(&cfg.History.PruneSchedule, "HISTORY_PRUNE_SCHEDULE")

	setString(&cfg.CDN.StreamBaseURL, "CDN_STREAM_BASE_URL")
	setString(&cfg.FCM.CredentialsPath, "FIREBASE_CREDENTIALS_PATH")

	setString(&cfg.Agent.ServerURL, "AGENT_SERVER_URL")
	setString(&cfg.Agent.APIURL, "AGENT_API_URL")
	setString(&cfg.Agent.DeviceToken, "DEVICE_TOKEN")
	setString(&cfg.Agent.BranchID, "BRANCH_ID")
	setInt(&cfg.Agent.ReconnectSeconds, "AGENT_RECONNECT_SECONDS")
	setString(&cfg.Agent.ReconnectPolicy, "AGENT_RECONNECT_POLICY")
	setInt(&cfg.Agent.QueueCapacity, "AGENT_QUEUE_CAPACITY")
	setInt(&cfg.Agent.KeepAliveSeconds, "AGENT_KEEPALIVE_SECONDS")
	setString(&cfg.Agent.Output, "AGENT_OUTPUT")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail later at startup
func (c *Config) Validate() error {
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("history.timezone: %w", err)
	}
	if c.Presence.HeartbeatSeconds <= 0 {
		return fmt.Errorf("presence.heartbeatSeconds must be positive")
	}
	if c.Presence.TTLSeconds < c.Presence.HeartbeatSeconds {
		return fmt.Errorf("presence.ttlSeconds must be at least one heartbeat")
	}
	if c.Sync.AckTimeoutSeconds <= 0 {
		return fmt.Errorf("sync.ackTimeoutSeconds must be positive")
	}
	if c.Sync.PublishRetries < 0 {
		return fmt.Errorf("sync.publishRetries cannot be negative")
	}
	switch c.Agent.ReconnectPolicy {
	case "fixed", "exponential":
	default:
		return fmt.Errorf("agent.reconnectPolicy must be fixed or exponential, got %q", c.Agent.ReconnectPolicy)
	}
	if c.Agent.ReconnectSeconds <= 0 {
		return fmt.Errorf("agent.reconnectSeconds must be positive")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
