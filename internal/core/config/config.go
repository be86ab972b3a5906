package config

import (
	"time"

	"github.com/vietddude/resilience/internal/infra/session"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
	Auth    AuthConfig    `yaml:"auth"`
	Retry   RetryConfig   `yaml:"retry"`
	Network NetworkConfig `yaml:"network"`
	Session SessionConfig `yaml:"session"`
	Notify  NotifyConfig  `yaml:"notify"`
	API     APIConfig     `yaml:"api"`
}

// ServerConfig holds status HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// AuthConfig configures the refresh exchange, the coordinator and the
// proactive scheduler.
type AuthConfig struct {
	RefreshURL          string         `yaml:"refresh_url"`
	ClientID            string         `yaml:"client_id"`
	CheckInterval       time.Duration  `yaml:"check_interval"`
	RefreshThreshold    time.Duration  `yaml:"refresh_threshold"`
	MinRefreshInterval  *time.Duration `yaml:"min_refresh_interval"` // nil = default (30s)
	NearExpiryThreshold time.Duration  `yaml:"near_expiry_threshold"`
	RefreshTimeout      time.Duration  `yaml:"refresh_timeout"`
}

// MinInterval resolves the optional refresh rate limit. Zero disables it.
func (c AuthConfig) MinInterval() time.Duration {
	if c.MinRefreshInterval == nil {
		return 30 * time.Second
	}
	return *c.MinRefreshInterval
}

// RetryConfig is the default retry policy for wrapped calls.
type RetryConfig struct {
	MaxRetries        *int          `yaml:"max_retries"` // nil = default (3)
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	Jitter            *bool         `yaml:"jitter"` // nil = default (true)
	AuthRetryBudget   *int          `yaml:"auth_retry_budget"`
	OfflineTimeout    time.Duration `yaml:"offline_timeout"`
}

// Retries resolves the optional retry count. Zero means a single attempt.
func (c RetryConfig) Retries() int {
	if c.MaxRetries == nil {
		return 3
	}
	return *c.MaxRetries
}

// JitterEnabled resolves the optional jitter flag.
func (c RetryConfig) JitterEnabled() bool {
	return c.Jitter == nil || *c.Jitter
}

// Budget resolves the optional auth retry budget.
func (c RetryConfig) Budget() int {
	if c.AuthRetryBudget == nil {
		return 1
	}
	return *c.AuthRetryBudget
}

// NetworkConfig configures the health monitor.
type NetworkConfig struct {
	ProbeURL         string        `yaml:"probe_url"`
	ProbeGRPCTarget  string        `yaml:"probe_grpc_target"`
	ProbeGRPCService string        `yaml:"probe_grpc_service"`
	Interval         time.Duration `yaml:"interval"`
	Timeout          time.Duration `yaml:"timeout"`
	QuickTimeout     time.Duration `yaml:"quick_timeout"`
	SlowDownlinkMbps float64       `yaml:"slow_downlink_mbps"`
	SlowRTT          time.Duration `yaml:"slow_rtt"`
}

// SessionConfig selects where credentials are persisted.
type SessionConfig struct {
	Backend  string                 `yaml:"backend"` // memory, redis, postgres
	ID       string                 `yaml:"id"`
	Redis    session.RedisConfig    `yaml:"redis"`
	Database session.DatabaseConfig `yaml:"database"`
}

// NotifyConfig configures session event delivery.
type NotifyConfig struct {
	RedisChannel string `yaml:"redis_channel"` // empty = log only
}

// APIConfig points at the backend whose calls are wrapped.
type APIConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}
