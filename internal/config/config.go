package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds runtime settings for the coordinator daemon.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Monerod MonerodConfig `yaml:"monerod"`
	Jobs    JobsConfig    `yaml:"jobs"`
	Limits  LimitsConfig  `yaml:"limits"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig covers the websocket listener and admission caps.
type ServerConfig struct {
	ListenAddr      string `yaml:"listen_addr"`
	WSPath          string `yaml:"ws_path"`
	MaxConnections  int    `yaml:"max_connections"`
	MaxConnsPerIP   int    `yaml:"max_connections_per_ip"`
	MaxFrameBytes   int64  `yaml:"max_frame_bytes"`
	WriteTimeoutSec int    `yaml:"write_timeout_secs"`
}

// MonerodConfig covers the local daemon RPC endpoint.
type MonerodConfig struct {
	RPCURL        string `yaml:"rpc_url"`
	WalletAddress string `yaml:"wallet_address"`
	ReserveSize   int    `yaml:"reserve_size"`
	RPCTimeoutMS  int    `yaml:"rpc_timeout_ms"`
}

// JobsConfig controls template refresh and work partitioning.
type JobsConfig struct {
	JobTTLMS           int    `yaml:"job_ttl_ms"`
	RefreshIntervalMS  int    `yaml:"template_refresh_interval_ms"`
	StaleGraceMS       int    `yaml:"stale_job_grace_ms"`
	SliceWidth         uint64 `yaml:"slice_width"`
	MinSliceWidth      uint64 `yaml:"min_slice_width"`
	ShareDifficulty    uint64 `yaml:"share_difficulty"`
	MaxRefreshFailures int    `yaml:"max_refresh_failures"`
}

// LimitsConfig holds per-session quotas and lifecycle timeouts.
type LimitsConfig struct {
	MessagesPerSecond int `yaml:"messages_per_second"`
	SharesPerMinute   int `yaml:"shares_per_minute"`
	SubmitsPerMinute  int `yaml:"submits_per_minute"`
	StrikeLimit       int `yaml:"strike_limit"`
	IdleTimeoutSecs   int `yaml:"idle_timeout_secs"`
}

// MetricsConfig covers the Prometheus/API listener.
type MetricsConfig struct {
	Enable     bool   `yaml:"enable"`
	ListenAddr string `yaml:"listen_addr"`
	Path       string `yaml:"path"`
}

// Load reads YAML config from disk.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.WSPath == "" {
		c.Server.WSPath = "/ws"
	}
	if c.Server.MaxFrameBytes <= 0 {
		c.Server.MaxFrameBytes = 16 * 1024
	}
	if c.Server.WriteTimeoutSec <= 0 {
		c.Server.WriteTimeoutSec = 10
	}
	if c.Monerod.RPCTimeoutMS <= 0 {
		c.Monerod.RPCTimeoutMS = 10000
	}
	if c.Jobs.JobTTLMS <= 0 {
		c.Jobs.JobTTLMS = 120000
	}
	if c.Jobs.RefreshIntervalMS <= 0 {
		c.Jobs.RefreshIntervalMS = 10000
	}
	if c.Jobs.StaleGraceMS <= 0 {
		c.Jobs.StaleGraceMS = 5000
	}
	if c.Jobs.MinSliceWidth == 0 {
		c.Jobs.MinSliceWidth = 1
	}
	if c.Jobs.ShareDifficulty == 0 {
		c.Jobs.ShareDifficulty = 5000
	}
	if c.Jobs.MaxRefreshFailures <= 0 {
		c.Jobs.MaxRefreshFailures = 5
	}
	if c.Limits.StrikeLimit <= 0 {
		c.Limits.StrikeLimit = 5
	}
	if c.Limits.IdleTimeoutSecs <= 0 {
		c.Limits.IdleTimeoutSecs = 300
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate enforces required fields and basic sanity checks.
func (c Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	if c.Server.MaxConnections <= 0 {
		return fmt.Errorf("server.max_connections must be > 0")
	}
	if c.Server.MaxConnsPerIP <= 0 {
		return fmt.Errorf("server.max_connections_per_ip must be > 0")
	}
	if c.Monerod.RPCURL == "" {
		return fmt.Errorf("monerod.rpc_url is required")
	}
	if c.Monerod.WalletAddress == "" {
		return fmt.Errorf("monerod.wallet_address is required")
	}
	if c.Monerod.ReserveSize <= 0 || c.Monerod.ReserveSize > 255 {
		return fmt.Errorf("monerod.reserve_size must be between 1 and 255")
	}
	if c.Jobs.SliceWidth == 0 {
		return fmt.Errorf("jobs.slice_width must be > 0")
	}
	if c.Jobs.MinSliceWidth > c.Jobs.SliceWidth {
		return fmt.Errorf("jobs.min_slice_width must not exceed jobs.slice_width")
	}
	if c.Jobs.SliceWidth > uint64(c.Monerod.ReserveSize) {
		return fmt.Errorf("jobs.slice_width must fit inside monerod.reserve_size")
	}
	if c.Limits.MessagesPerSecond <= 0 {
		return fmt.Errorf("limits.messages_per_second must be > 0")
	}
	if c.Limits.SharesPerMinute <= 0 {
		return fmt.Errorf("limits.shares_per_minute must be > 0")
	}
	if c.Limits.SubmitsPerMinute <= 0 {
		return fmt.Errorf("limits.submits_per_minute must be > 0")
	}
	if c.Metrics.Enable && c.Metrics.ListenAddr == "" {
		return fmt.Errorf("metrics.listen_addr is required when metrics.enable is set")
	}
	return nil
}

// JobTTL returns the job time-to-live as a duration.
func (c Config) JobTTL() time.Duration {
	return time.Duration(c.Jobs.JobTTLMS) * time.Millisecond
}

// RefreshInterval returns the template polling interval.
func (c Config) RefreshInterval() time.Duration {
	return time.Duration(c.Jobs.RefreshIntervalMS) * time.Millisecond
}

// StaleGrace returns the window during which a superseded job can still earn shares.
func (c Config) StaleGrace() time.Duration {
	return time.Duration(c.Jobs.StaleGraceMS) * time.Millisecond
}

// RPCTimeout returns the daemon RPC timeout.
func (c Config) RPCTimeout() time.Duration {
	return time.Duration(c.Monerod.RPCTimeoutMS) * time.Millisecond
}

// IdleTimeout returns how long a silent session is kept before closing.
func (c Config) IdleTimeout() time.Duration {
	return time.Duration(c.Limits.IdleTimeoutSecs) * time.Second
}
