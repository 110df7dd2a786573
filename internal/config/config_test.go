package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const factory = "0x8e42f2F4101563bF679975178e880FD87d3eFd4e"

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Empty(t, cfg.Chains)
	assert.Equal(t, uint64(100), cfg.Discovery.MaxScan)
	assert.True(t, cfg.Discovery.MinLiquidityUSD.Equal(decimal.NewFromInt(10_000)))
	assert.Equal(t, uint64(10_000), cfg.Listener.Lookback)
	assert.Equal(t, uint64(1_000), cfg.Listener.ChunkSize)
	assert.Equal(t, 5, cfg.Coordinator.Concurrency)
	assert.Equal(t, 50, cfg.Coordinator.BatchSize)
	assert.Equal(t, 30*24*time.Hour, cfg.Coordinator.Retention)
	assert.Equal(t, 30*time.Second, cfg.Coordinator.HealthInterval)
	assert.True(t, cfg.Coordinator.AutoRestart)
	assert.Equal(t, DriverPostgres, cfg.Storage.Driver)
	assert.Equal(t, 5*time.Minute, cfg.Redis.TTL)
	assert.Equal(t, ":8080", cfg.Admin.Addr)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
log-level: debug
chains:
  - name: BSC
    rpc: ["https://bsc-dataseed.binance.org", " https://rpc.ankr.com/bsc "]
    factory: `+factory+`
  - name: bsc-testnet
    rpc: ["https://data-seed-prebsc-1-s1.binance.org:8545"]
    factory: `+factory+`
discovery:
  max-scan: 25
  min-liquidity-usd: 2500.5
listener:
  chunk-size: 500
  chunk-delay: 250ms
storage:
  driver: memory
pricing:
  static:
    bsc:
      "0xAbC0000000000000000000000000000000000001": "1.25"
`)
	cfg, err := Load(path, nil)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Len(t, cfg.Chains, 2)
	assert.Equal(t, "bsc", cfg.Chains[0].Name)
	assert.Equal(t, []string{"https://bsc-dataseed.binance.org", "https://rpc.ankr.com/bsc"}, cfg.Chains[0].RPC)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, uint64(25), cfg.Discovery.MaxScan)
	assert.True(t, cfg.Discovery.MinLiquidityUSD.Equal(decimal.RequireFromString("2500.5")))
	assert.Equal(t, uint64(500), cfg.Listener.ChunkSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Listener.ChunkDelay)
	assert.Equal(t, DriverMemory, cfg.Storage.Driver)

	prices := cfg.StaticPrices()
	price, ok := prices["bsc"]["0xabc0000000000000000000000000000000000001"]
	require.True(t, ok)
	assert.True(t, price.Equal(decimal.RequireFromString("1.25")))
}

func TestLoadEnvAndFlags(t *testing.T) {
	t.Setenv("LBSYNC_RPC", "https://a.example, https://b.example")
	t.Setenv("LBSYNC_FACTORY", factory)
	t.Setenv("LBSYNC_STORAGE_DSN", "postgres://lb:lb@localhost:5432/lb")
	t.Setenv("LBSYNC_COORDINATOR_CONCURRENCY", "8")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("chain", "avalanche", "")
	require.NoError(t, flags.Parse([]string{"--chain=avalanche"}))

	cfg, err := Load("", flags)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Len(t, cfg.Chains, 1)
	assert.Equal(t, "avalanche", cfg.Chains[0].Name)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Chains[0].RPC)
	assert.Equal(t, 8, cfg.Coordinator.Concurrency)
	assert.Equal(t, "postgres://lb:lb@localhost:5432/lb", cfg.Storage.DSN)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg, err := Load("", nil)
		require.NoError(t, err)
		cfg.Chains = []ChainConfig{{Name: "bsc", RPC: []string{"https://bsc"}, Factory: factory}}
		cfg.Storage.DSN = "postgres://localhost/lb"
		return cfg
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no chains", func(c *Config) { c.Chains = nil }},
		{"no rpc", func(c *Config) { c.Chains[0].RPC = nil }},
		{"bad factory", func(c *Config) { c.Chains[0].Factory = "0x123" }},
		{"duplicate chain", func(c *Config) { c.Chains = append(c.Chains, c.Chains[0]) }},
		{"postgres without dsn", func(c *Config) { c.Storage.DSN = "" }},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "sqlite" }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
		{"zero chunk", func(c *Config) { c.Listener.ChunkSize = 0 }},
		{"bad static price", func(c *Config) {
			c.Pricing.Static = map[string]map[string]string{"bsc": {"0x1": "cheap"}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateFactoryOptionalWithoutDiscovery(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)
	cfg.Chains = []ChainConfig{{Name: "bsc", RPC: []string{"https://bsc"}}}
	cfg.Storage.Driver = DriverMemory
	cfg.Discovery.Enabled = false
	assert.NoError(t, cfg.Validate())
}

func TestSplitAndClean(t *testing.T) {
	got := splitAndClean(" a, ,b ,")
	assert.Equal(t, []string{"a", "b"}, got)
	assert.Nil(t, splitAndClean(""))
}
