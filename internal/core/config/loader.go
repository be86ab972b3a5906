package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Session backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML with ${ENV} expansion, applies defaults and validates.
func Parse(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *AppConfig) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	a := &c.Auth
	setDuration(&a.CheckInterval, 2*time.Minute)
	setDuration(&a.RefreshThreshold, 5*time.Minute)
	setDuration(&a.NearExpiryThreshold, 120*time.Second)
	setDuration(&a.RefreshTimeout, 30*time.Second)

	r := &c.Retry
	setDuration(&r.BaseDelay, 1*time.Second)
	setDuration(&r.MaxDelay, 30*time.Second)
	if r.BackoffMultiplier == 0 {
		r.BackoffMultiplier = 2
	}
	setDuration(&r.OfflineTimeout, 30*time.Second)

	n := &c.Network
	setDuration(&n.Interval, 5*time.Second)
	setDuration(&n.Timeout, 3*time.Second)
	setDuration(&n.QuickTimeout, 1*time.Second)
	if n.SlowDownlinkMbps == 0 {
		n.SlowDownlinkMbps = 2
	}
	setDuration(&n.SlowRTT, 500*time.Millisecond)

	s := &c.Session
	if s.Backend == "" {
		s.Backend = BackendMemory
	}
	if s.ID == "" {
		s.ID = "default"
	}

	setDuration(&c.API.Timeout, 15*time.Second)
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}

// Validate rejects settings the components cannot run with.
func (c *AppConfig) Validate() error {
	var errs []error

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}

	for name, d := range map[string]time.Duration{
		"auth.check_interval":        c.Auth.CheckInterval,
		"auth.refresh_threshold":     c.Auth.RefreshThreshold,
		"auth.min_refresh_interval":  c.Auth.MinInterval(),
		"auth.near_expiry_threshold": c.Auth.NearExpiryThreshold,
		"auth.refresh_timeout":       c.Auth.RefreshTimeout,
		"retry.base_delay":           c.Retry.BaseDelay,
		"retry.max_delay":            c.Retry.MaxDelay,
		"retry.offline_timeout":      c.Retry.OfflineTimeout,
		"network.interval":           c.Network.Interval,
		"network.timeout":            c.Network.Timeout,
		"network.quick_timeout":      c.Network.QuickTimeout,
		"network.slow_rtt":           c.Network.SlowRTT,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}

	if c.Retry.Retries() < 0 {
		errs = append(errs, errors.New("retry.max_retries must not be negative"))
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		errs = append(errs, errors.New("retry.max_delay must be at least retry.base_delay"))
	}
	if c.Retry.BackoffMultiplier < 1 {
		errs = append(errs, errors.New("retry.backoff_multiplier must be at least 1"))
	}
	if c.Retry.Budget() < 0 {
		errs = append(errs, errors.New("retry.auth_retry_budget must not be negative"))
	}
	if c.Network.Timeout > c.Network.Interval {
		errs = append(errs, errors.New("network.timeout must not exceed network.interval"))
	}

	switch c.Session.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Session.Redis.URL == "" {
			errs = append(errs, errors.New("session.redis.url is required for the redis backend"))
		}
	case BackendPostgres:
		if c.Session.Database.URL == "" {
			errs = append(errs, errors.New("session.database.url is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown session.backend %q", c.Session.Backend))
	}

	if c.Notify.RedisChannel != "" && c.Session.Redis.URL == "" {
		errs = append(errs, errors.New("notify.redis_channel requires session.redis.url"))
	}

	return errors.Join(errs...)
}
