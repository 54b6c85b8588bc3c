package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleYAML = `
server:
  listen_addr: "127.0.0.1:8080"
  ws_path: "/mine"
  max_connections: 500
  max_connections_per_ip: 8
monerod:
  rpc_url: "http://127.0.0.1:18081"
  wallet_address: "44AFFq5kSiGBoZ4NMDwYtN18obc8AemS33DBLWs3H7otXft3XjrpDtQGv7SqSsaBYBb98uNbr2VBBEt7f2wfn3RVGQBEP3A"
  reserve_size: 16
jobs:
  slice_width: 4
limits:
  messages_per_second: 10
  shares_per_minute: 60
  submits_per_minute: 30
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Server.WSPath != "/mine" {
		t.Fatalf("ws_path not read, got %q", cfg.Server.WSPath)
	}
	if cfg.Jobs.RefreshIntervalMS != 10000 {
		t.Fatalf("refresh interval default missing, got %d", cfg.Jobs.RefreshIntervalMS)
	}
	if cfg.Jobs.MinSliceWidth != 1 {
		t.Fatalf("min slice width default missing, got %d", cfg.Jobs.MinSliceWidth)
	}
	if cfg.Limits.StrikeLimit != 5 {
		t.Fatalf("strike limit default missing, got %d", cfg.Limits.StrikeLimit)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no listen addr", func(c *Config) { c.Server.ListenAddr = "" }},
		{"no rpc url", func(c *Config) { c.Monerod.RPCURL = "" }},
		{"no wallet", func(c *Config) { c.Monerod.WalletAddress = "" }},
		{"zero reserve", func(c *Config) { c.Monerod.ReserveSize = 0 }},
		{"zero slice width", func(c *Config) { c.Jobs.SliceWidth = 0 }},
		{"slice wider than region", func(c *Config) { c.Jobs.SliceWidth = 64 }},
		{"min above slice", func(c *Config) { c.Jobs.MinSliceWidth = 8 }},
		{"zero msg rate", func(c *Config) { c.Limits.MessagesPerSecond = 0 }},
		{"metrics without addr", func(c *Config) { c.Metrics.Enable = true; c.Metrics.ListenAddr = "" }},
	}
	for _, tc := range cases {
		cfg, err := Load(writeConfig(t, sampleYAML))
		if err != nil {
			t.Fatalf("%s: load: %v", tc.name, err)
		}
		tc.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}
