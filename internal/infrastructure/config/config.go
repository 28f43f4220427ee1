package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Session   SessionConfig
	Capture   CaptureConfig
	Queue     QueueConfig
	Auth      AuthConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port    string   `envconfig:"PORT" default:"2048"`
	Host    string   `envconfig:"HOST" default:"0.0.0.0"`
	APIKeys []string `envconfig:"API_KEYS"`
}

// SessionConfig holds remote-session configuration.
type SessionConfig struct {
	ControlURL            string `envconfig:"SESSION_CONTROL_URL" default:"http://localhost:9222"`
	DefaultModel          string `envconfig:"DEFAULT_MODEL" default:"gemini-2.5-pro"`
	ModelManifest         string `envconfig:"MODEL_MANIFEST"`
	CompletionTimeoutMS   int    `envconfig:"RESPONSE_COMPLETION_TIMEOUT" default:"300000"`
	ClearHistoryAfterEach bool   `envconfig:"CLEAR_HISTORY_AFTER_EACH" default:"true"`
}

// CompletionTimeout returns the configured response-completion timeout.
func (s SessionConfig) CompletionTimeout() time.Duration {
	return time.Duration(s.CompletionTimeoutMS) * time.Millisecond
}

// AwaitCeiling is the hard ceiling the worker waits for one response:
// the completion timeout plus slack for bridge teardown.
func (s SessionConfig) AwaitCeiling() time.Duration {
	return s.CompletionTimeout() + 60*time.Second
}

// AdmissionTimeout is how long the HTTP handler awaits the result promise.
func (s SessionConfig) AdmissionTimeout() time.Duration {
	return s.CompletionTimeout() + 120*time.Second
}

// CaptureConfig holds capture-channel configuration. StreamPort zero
// disables the capture bridge and falls back to scraping.
type CaptureConfig struct {
	StreamPort int `envconfig:"STREAM_PORT" default:"3120"`
	Buffer     int `envconfig:"CAPTURE_BUFFER" default:"1024"`
}

// Enabled reports whether the capture agent is configured.
func (c CaptureConfig) Enabled() bool { return c.StreamPort != 0 }

// QueueConfig holds request-queue configuration.
type QueueConfig struct {
	Capacity      int `envconfig:"QUEUE_CAPACITY" default:"100"`
	DequeuePollMS int `envconfig:"QUEUE_DEQUEUE_POLL_MS" default:"5000"`
}

// DequeuePoll returns the bounded wait of one dequeue attempt.
func (q QueueConfig) DequeuePoll() time.Duration {
	return time.Duration(q.DequeuePollMS) * time.Millisecond
}

// AuthConfig holds auth-profile rotation configuration.
type AuthConfig struct {
	ProfileDir    string `envconfig:"AUTH_PROFILES_DIR" default:"auth_profiles/saved"`
	ActiveProfile string `envconfig:"ACTIVE_AUTH_JSON_PATH"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "2048",
			Host: "0.0.0.0",
		},
		Session: SessionConfig{
			ControlURL:            "http://localhost:9222",
			DefaultModel:          "gemini-2.5-pro",
			CompletionTimeoutMS:   300000,
			ClearHistoryAfterEach: true,
		},
		Capture: CaptureConfig{
			StreamPort: 3120,
			Buffer:     1024,
		},
		Queue: QueueConfig{
			Capacity:      100,
			DequeuePollMS: 5000,
		},
		Auth: AuthConfig{
			ProfileDir: "auth_profiles/saved",
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}
