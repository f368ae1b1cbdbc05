// Package config provides configuration loading for the agent worker.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values for the agent worker.
type Config struct {
	// Signaling settings
	SignalingURL   string
	ConnectTimeout time.Duration
	JoinTimeout    time.Duration

	// Credential settings. Either APIKey and APISecret or Endpoint.
	CredentialAPIKey    string
	CredentialAPISecret string
	CredentialEndpoint  string
	CredentialToken     string
	CredentialTTL       time.Duration

	// Liveness settings
	HeartbeatInterval time.Duration
	ReconcileInterval time.Duration

	// Reconnection policy
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	RetryMaxAttempts int
	RetryJitter      bool

	// Agent settings
	DBPath      string
	AgentsFile  string
	DefaultRoom string
	AgentName   string

	// Response settings
	ResponseTimeout time.Duration
	ReplyRate       time.Duration

	// Status reporting
	StatusReportURL   string
	StatusReportToken string

	// HTTP read model, disabled when empty
	HTTPAddr         string
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration

	ShutdownTimeout time.Duration
}

// Load reads configuration from environment variables.
//
// Missing credential material is not an error here: each agent's first
// attempt fails with a configuration error and closes instead.
func Load() (*Config, error) {
	cfg := &Config{
		SignalingURL:   getEnv("SIGNALING_URL", ""),
		ConnectTimeout: getEnvDuration("CONNECT_TIMEOUT", 10*time.Second),
		JoinTimeout:    getEnvDuration("JOIN_TIMEOUT", 10*time.Second),

		CredentialAPIKey:    getEnv("CREDENTIAL_API_KEY", ""),
		CredentialAPISecret: getEnv("CREDENTIAL_API_SECRET", ""),
		CredentialEndpoint:  getEnv("CREDENTIAL_ENDPOINT", ""),
		CredentialToken:     getEnv("CREDENTIAL_ENDPOINT_TOKEN", ""),
		CredentialTTL:       getEnvDuration("CREDENTIAL_TTL", 10*time.Minute),

		HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", 15*time.Second),
		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", 5*time.Second),

		RetryBaseDelay:   getEnvDuration("RETRY_BASE_DELAY", time.Second),
		RetryMaxDelay:    getEnvDuration("RETRY_MAX_DELAY", 10*time.Second),
		RetryMaxAttempts: getEnvInt("RETRY_MAX_ATTEMPTS", 5),
		RetryJitter:      getEnvBool("RETRY_JITTER", false),

		DBPath:      getEnv("DB_PATH", "agents.db"),
		AgentsFile:  getEnv("AGENTS_FILE", ""),
		DefaultRoom: getEnv("DEFAULT_ROOM", "agent-pool"),
		AgentName:   getEnv("AGENT_NAME", "agent"),

		ResponseTimeout: getEnvDuration("RESPONSE_TIMEOUT", 5*time.Second),
		ReplyRate:       getEnvDuration("REPLY_RATE", time.Second),

		StatusReportURL:   getEnv("STATUS_REPORT_URL", ""),
		StatusReportToken: getEnv("STATUS_REPORT_TOKEN", ""),

		HTTPAddr:         getEnv("HTTP_ADDR", ""),
		HTTPReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPWriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", 15*time.Second),

		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
	}

	if cfg.SignalingURL == "" {
		return nil, fmt.Errorf("SIGNALING_URL is required")
	}
	if err := validateSignalingURL(cfg.SignalingURL); err != nil {
		return nil, err
	}
	if cfg.RetryMaxAttempts <= 0 {
		return nil, fmt.Errorf("RETRY_MAX_ATTEMPTS must be positive, got %d", cfg.RetryMaxAttempts)
	}
	if cfg.RetryBaseDelay <= 0 || cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		return nil, fmt.Errorf("RETRY_BASE_DELAY (%s) must be positive and not exceed RETRY_MAX_DELAY (%s)",
			cfg.RetryBaseDelay, cfg.RetryMaxDelay)
	}
	if (cfg.CredentialAPIKey == "") != (cfg.CredentialAPISecret == "") {
		return nil, fmt.Errorf("CREDENTIAL_API_KEY and CREDENTIAL_API_SECRET must be set together")
	}

	return cfg, nil
}

// HasLocalSigner reports whether credentials are signed in-process.
func (c *Config) HasLocalSigner() bool {
	return c.CredentialAPIKey != "" && c.CredentialAPISecret != ""
}

func validateSignalingURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("SIGNALING_URL is invalid: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("SIGNALING_URL must use ws, wss, http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("SIGNALING_URL has no host")
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
