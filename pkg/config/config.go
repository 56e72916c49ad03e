// Package config loads the gateway configuration from YAML.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/essfleet/hbgate/pkg/util"
)

// DefaultPath is used when no --config flag is given.
const DefaultPath = "/etc/hbgate/config.yaml"

// Config holds every recognized gateway option. Interval and timeout
// fields carry the unit in their name and are converted to
// time.Duration at the point of use.
type Config struct {
	// Store
	DatabaseURL string `yaml:"database_url"`

	// Homebase side
	HomebaseAllowedIPs    []string `yaml:"homebase_allowed_ips"`
	HomebasePort          int      `yaml:"homebase_port"`
	SubscribeEveryDefault int      `yaml:"subscribe_every_default"`

	// Browser side
	BindAddr    string `yaml:"bind_addr"`
	BrowserPort int    `yaml:"browser_port"`

	// Link timing
	HeartbeatIntervalMs int `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMs  int `yaml:"heartbeat_timeout_ms"`
	StaleMs             int `yaml:"stale_ms"`
	ConnectTimeoutMs    int `yaml:"connect_timeout_ms"`
	RefreshIntervalMs   int `yaml:"refresh_interval_ms"`
	PollIntervalMs      int `yaml:"poll_interval_ms"`

	// Request handling
	RequestDefaultTimeoutMs int `yaml:"request_default_timeout_ms"`
	MaxInFlight             int `yaml:"max_in_flight"`
	MaxQueue                int `yaml:"max_queue"`

	// Reconnect schedule
	FastRetryWindowMs int `yaml:"fast_retry_window_ms"`
	FastRetryBaseMs   int `yaml:"fast_retry_base_ms"`
	FastRetryJitterMs int `yaml:"fast_retry_jitter_ms"`
	SlowBaseBackoffMs int `yaml:"slow_base_backoff_ms"`
	SlowMaxBackoffMs  int `yaml:"slow_max_backoff_ms"`
	SlowJitterMs      int `yaml:"slow_jitter_ms"`

	// Reachability probing
	ProbeIntervalMs int     `yaml:"probe_interval_ms"`
	ProbeTimeoutS   float64 `yaml:"probe_timeout_s"`
	ProbeWindow     int     `yaml:"probe_window"`
	ProbePrivileged bool    `yaml:"probe_privileged"`

	// Status write path
	StoreWrites   bool   `yaml:"store_writes"`
	StatusLogPath string `yaml:"status_log_path"`

	// Logging
	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// Default returns a Config populated with the documented defaults.
func Default() *Config {
	return &Config{
		HomebasePort:          2565,
		SubscribeEveryDefault: 1,
		BindAddr:              "0.0.0.0",
		BrowserPort:           8080,

		HeartbeatIntervalMs: 10000,
		HeartbeatTimeoutMs:  5000,
		StaleMs:             30000,
		ConnectTimeoutMs:    8000,
		RefreshIntervalMs:   60000,
		PollIntervalMs:      10000,

		RequestDefaultTimeoutMs: 10000,
		MaxInFlight:             8,
		MaxQueue:                200,

		FastRetryWindowMs: 300000,
		FastRetryBaseMs:   2000,
		FastRetryJitterMs: 1000,
		SlowBaseBackoffMs: 15000,
		SlowMaxBackoffMs:  120000,
		SlowJitterMs:      2000,

		ProbeIntervalMs: 10000,
		ProbeTimeoutS:   0.5,
		ProbeWindow:     100,

		LogLevel: "info",
	}
}

// Load reads the configuration from the default path. A missing file
// yields the defaults.
func Load() (*Config, error) {
	return LoadFrom(DefaultPath)
}

// LoadFrom reads the configuration from a specific path, applying
// defaults for any option the file omits.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks option ranges. DatabaseURL is required only by the
// daemon; tools that do not touch the store pass requireStore=false.
func (c *Config) Validate(requireStore bool) error {
	v := &util.ValidationBuilder{}

	if requireStore {
		v.Add(c.DatabaseURL != "", "database_url is required")
	}
	v.Add(c.HomebasePort > 0 && c.HomebasePort < 65536, "homebase_port out of range")
	v.Add(c.BrowserPort > 0 && c.BrowserPort < 65536, "browser_port out of range")
	v.Add(c.SubscribeEveryDefault >= 1, "subscribe_every_default must be >= 1")
	v.Add(c.HeartbeatIntervalMs > 0, "heartbeat_interval_ms must be positive")
	v.Add(c.HeartbeatTimeoutMs > 0, "heartbeat_timeout_ms must be positive")
	v.Add(c.StaleMs > 0, "stale_ms must be positive")
	v.Add(c.ConnectTimeoutMs > 0, "connect_timeout_ms must be positive")
	v.Add(c.RequestDefaultTimeoutMs > 0, "request_default_timeout_ms must be positive")
	v.Add(c.MaxInFlight >= 1, "max_in_flight must be >= 1")
	v.Add(c.MaxQueue >= 0, "max_queue must be >= 0")
	v.Add(c.FastRetryBaseMs > 0, "fast_retry_base_ms must be positive")
	v.Add(c.SlowBaseBackoffMs > 0, "slow_base_backoff_ms must be positive")
	v.Add(c.SlowMaxBackoffMs >= c.SlowBaseBackoffMs, "slow_max_backoff_ms must be >= slow_base_backoff_ms")
	v.Add(c.ProbeIntervalMs > 0, "probe_interval_ms must be positive")
	v.Add(c.ProbeTimeoutS > 0, "probe_timeout_s must be positive")
	v.Add(c.ProbeWindow >= 1, "probe_window must be >= 1")

	for _, ip := range c.HomebaseAllowedIPs {
		if !util.IsValidIPv4(ip) {
			v.AddErrorf("homebase_allowed_ips entry %q is not a valid IPv4 address", ip)
		}
	}

	return v.Build()
}
