package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	LogLevel    string
	Chains      []ChainConfig
	Discovery   DiscoveryConfig
	Listener    ListenerConfig
	Coordinator CoordinatorConfig
	Scheduler   SchedulerConfig
	Storage     StorageConfig
	Pricing     PricingConfig
	Redis       RedisConfig
	ClickHouse  ClickHouseConfig
	Admin       AdminConfig
}

// ChainConfig describes one EVM chain and its Liquidity Book factory.
type ChainConfig struct {
	Name    string   `mapstructure:"name"`
	RPC     []string `mapstructure:"rpc"`
	Factory string   `mapstructure:"factory"`
}

type DiscoveryConfig struct {
	Enabled          bool
	MaxScan          uint64
	MinLiquidityUSD  decimal.Decimal
	UnpricedEstimate decimal.Decimal
	PoolDelay        time.Duration
	Version          string
}

type ListenerConfig struct {
	Lookback     uint64
	ChunkSize    uint64
	ChunkDelay   time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}

type CoordinatorConfig struct {
	Concurrency      int
	BatchSize        int
	MaxAttempts      int
	RetryBase        time.Duration
	Retention        time.Duration
	HealthInterval   time.Duration
	AutoRestart      bool
	RecoveryAttempts int
	RecoveryDelay    time.Duration
}

type SchedulerConfig struct {
	Enabled bool
}

type StorageConfig struct {
	Driver string
	DSN    string
}

type PricingConfig struct {
	Defaults bool
	MaxAge   time.Duration
	// Static maps chain to token address to USD price.
	Static map[string]map[string]string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

type ClickHouseConfig struct {
	DSN         string
	DialTimeout time.Duration
}

type AdminConfig struct {
	Enabled bool
	Addr    string
}

// Storage drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LBSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	chains, err := loadChains(v)
	if err != nil {
		return Config{}, err
	}
	minLiquidity, err := getDecimal(v, "discovery.min-liquidity-usd")
	if err != nil {
		return Config{}, err
	}
	unpriced, err := getDecimal(v, "discovery.unpriced-estimate")
	if err != nil {
		return Config{}, err
	}
	var static map[string]map[string]string
	if v.IsSet("pricing.static") {
		if err := v.UnmarshalKey("pricing.static", &static); err != nil {
			return Config{}, fmt.Errorf("pricing.static: %w", err)
		}
	}

	cfg := Config{
		LogLevel: v.GetString("log-level"),
		Chains:   chains,
		Discovery: DiscoveryConfig{
			Enabled:          v.GetBool("discovery.enabled"),
			MaxScan:          v.GetUint64("discovery.max-scan"),
			MinLiquidityUSD:  minLiquidity,
			UnpricedEstimate: unpriced,
			PoolDelay:        v.GetDuration("discovery.pool-delay"),
			Version:          v.GetString("discovery.version"),
		},
		Listener: ListenerConfig{
			Lookback:     v.GetUint64("listener.lookback"),
			ChunkSize:    v.GetUint64("listener.chunk-size"),
			ChunkDelay:   v.GetDuration("listener.chunk-delay"),
			MaxRetries:   v.GetInt("listener.max-retries"),
			RetryBackoff: v.GetDuration("listener.retry-backoff"),
		},
		Coordinator: CoordinatorConfig{
			Concurrency:      v.GetInt("coordinator.concurrency"),
			BatchSize:        v.GetInt("coordinator.batch-size"),
			MaxAttempts:      v.GetInt("coordinator.max-attempts"),
			RetryBase:        v.GetDuration("coordinator.retry-base"),
			Retention:        v.GetDuration("coordinator.retention"),
			HealthInterval:   v.GetDuration("coordinator.health-interval"),
			AutoRestart:      v.GetBool("coordinator.auto-restart"),
			RecoveryAttempts: v.GetInt("coordinator.recovery-attempts"),
			RecoveryDelay:    v.GetDuration("coordinator.recovery-delay"),
		},
		Scheduler: SchedulerConfig{Enabled: v.GetBool("scheduler.enabled")},
		Storage: StorageConfig{
			Driver: strings.ToLower(v.GetString("storage.driver")),
			DSN:    v.GetString("storage.dsn"),
		},
		Pricing: PricingConfig{
			Defaults: v.GetBool("pricing.defaults"),
			MaxAge:   v.GetDuration("pricing.max-age"),
			Static:   static,
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			TTL:      v.GetDuration("redis.ttl"),
		},
		ClickHouse: ClickHouseConfig{
			DSN:         v.GetString("clickhouse.dsn"),
			DialTimeout: v.GetDuration("clickhouse.dial-timeout"),
		},
		Admin: AdminConfig{
			Enabled: v.GetBool("admin.enabled"),
			Addr:    v.GetString("admin.addr"),
		},
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log-level", "info")
	v.SetDefault("chain", "bsc")
	v.SetDefault("rpc", "")
	v.SetDefault("factory", "")

	v.SetDefault("discovery.enabled", true)
	v.SetDefault("discovery.max-scan", uint64(100))
	v.SetDefault("discovery.min-liquidity-usd", "10000")
	v.SetDefault("discovery.unpriced-estimate", "1")
	v.SetDefault("discovery.pool-delay", 100*time.Millisecond)
	v.SetDefault("discovery.version", "v2.1")

	v.SetDefault("listener.lookback", uint64(10_000))
	v.SetDefault("listener.chunk-size", uint64(1_000))
	v.SetDefault("listener.chunk-delay", 100*time.Millisecond)
	v.SetDefault("listener.max-retries", 3)
	v.SetDefault("listener.retry-backoff", 500*time.Millisecond)

	v.SetDefault("coordinator.concurrency", 5)
	v.SetDefault("coordinator.batch-size", 50)
	v.SetDefault("coordinator.max-attempts", 3)
	v.SetDefault("coordinator.retry-base", time.Second)
	v.SetDefault("coordinator.retention", 30*24*time.Hour)
	v.SetDefault("coordinator.health-interval", 30*time.Second)
	v.SetDefault("coordinator.auto-restart", true)
	v.SetDefault("coordinator.recovery-attempts", 3)
	v.SetDefault("coordinator.recovery-delay", 5*time.Second)

	v.SetDefault("scheduler.enabled", true)

	v.SetDefault("storage.driver", DriverPostgres)
	v.SetDefault("storage.dsn", "")

	v.SetDefault("pricing.defaults", true)
	v.SetDefault("pricing.max-age", time.Hour)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", 5*time.Minute)

	v.SetDefault("clickhouse.dsn", "")
	v.SetDefault("clickhouse.dial-timeout", 5*time.Second)

	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.addr", ":8080")
}

// loadChains reads the chains list from the config file, or builds a single
// chain from the chain, rpc and factory keys.
func loadChains(v *viper.Viper) ([]ChainConfig, error) {
	var chains []ChainConfig
	if v.IsSet("chains") {
		if err := v.UnmarshalKey("chains", &chains); err != nil {
			return nil, fmt.Errorf("chains: %w", err)
		}
	}
	if rpc := getStringSlice(v, "rpc"); len(rpc) > 0 {
		chains = append(chains, ChainConfig{
			Name:    v.GetString("chain"),
			RPC:     rpc,
			Factory: v.GetString("factory"),
		})
	}
	for i := range chains {
		chains[i].Name = strings.ToLower(strings.TrimSpace(chains[i].Name))
		chains[i].RPC = cleanStrings(chains[i].RPC)
		chains[i].Factory = strings.TrimSpace(chains[i].Factory)
	}
	return chains, nil
}

// Validate reports every configuration error at once.
func (c Config) Validate() error {
	var errs []error
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log-level: %w", err))
	}
	if len(c.Chains) == 0 {
		errs = append(errs, errors.New("at least one chain is required (chains or rpc)"))
	}
	seen := make(map[string]bool)
	for i, ch := range c.Chains {
		if ch.Name == "" {
			errs = append(errs, fmt.Errorf("chains[%d]: name is required", i))
		} else if seen[ch.Name] {
			errs = append(errs, fmt.Errorf("chains[%d]: duplicate chain %q", i, ch.Name))
		}
		seen[ch.Name] = true
		if len(ch.RPC) == 0 {
			errs = append(errs, fmt.Errorf("chains[%d]: at least one rpc url is required", i))
		}
		if c.Discovery.Enabled && !common.IsHexAddress(ch.Factory) {
			errs = append(errs, fmt.Errorf("chains[%d]: factory %q is not a valid address", i, ch.Factory))
		}
	}

	switch c.Storage.Driver {
	case DriverPostgres:
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New("storage.dsn is required for the postgres driver"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q must be postgres or memory", c.Storage.Driver))
	}

	if c.Listener.ChunkSize == 0 {
		errs = append(errs, errors.New("listener.chunk-size must be > 0"))
	}
	if c.Coordinator.Concurrency <= 0 || c.Coordinator.BatchSize <= 0 {
		errs = append(errs, errors.New("coordinator.concurrency and coordinator.batch-size must be > 0"))
	}
	if c.Discovery.MinLiquidityUSD.IsNegative() {
		errs = append(errs, errors.New("discovery.min-liquidity-usd must not be negative"))
	}
	for chain, tokens := range c.Pricing.Static {
		for token, price := range tokens {
			if _, err := decimal.NewFromString(price); err != nil {
				errs = append(errs, fmt.Errorf("pricing.static.%s.%s: %w", chain, token, err))
			}
		}
	}
	return errors.Join(errs...)
}

// StaticPrices parses Pricing.Static into decimals keyed by lower-cased
// token address. Call after Validate.
func (c Config) StaticPrices() map[string]map[string]decimal.Decimal {
	out := make(map[string]map[string]decimal.Decimal, len(c.Pricing.Static))
	for chain, tokens := range c.Pricing.Static {
		m := make(map[string]decimal.Decimal, len(tokens))
		for token, price := range tokens {
			d, err := decimal.NewFromString(price)
			if err != nil {
				continue
			}
			m[strings.ToLower(token)] = d
		}
		out[strings.ToLower(chain)] = m
	}
	return out
}

func getDecimal(v *viper.Viper, key string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(v.GetString(key)))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func getStringSlice(v *viper.Viper, key string) []string {
	if !v.IsSet(key) {
		return nil
	}

	val := v.Get(key)
	switch typed := val.(type) {
	case []string:
		return cleanStrings(typed)
	case string:
		return splitAndClean(typed)
	case []interface{}:
		items := make([]string, 0, len(typed))
		for _, item := range typed {
			items = append(items, fmt.Sprintf("%v", item))
		}
		return cleanStrings(items)
	default:
		return nil
	}
}

func splitAndClean(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	return cleanStrings(parts)
}

func cleanStrings(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}
