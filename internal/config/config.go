// Package config loads and validates all runtime configuration for the router.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example DATABASE_URL becomes
// database_url in YAML.
//
// Redis is optional — daily key-quota accounting degrades to in-process
// counters when REDIS_URL is unset.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Host and Port define the HTTP listen address. Defaults: "0.0.0.0", 8000.
	Host string
	Port int

	// Debug enables debug-level logging and disables bearer auth on admin routes.
	Debug bool

	// DatabaseURL is the relational store DSN. postgres:// URLs use the
	// Postgres driver; anything else (including file paths and ":memory:")
	// falls back to the embedded SQLite driver.
	DatabaseURL string

	// RedisURL enables Redis-backed daily quota counters when non-empty.
	RedisURL string

	// APIKeys is the set of acceptable bearer tokens for /v1 routes.
	// Empty set means auth is disabled (development mode).
	APIKeys []string

	// LoadBalancing controls strategy selection and health checking.
	LoadBalancing LoadBalancingConfig

	// DB controls the relational connection pool.
	DB DBPoolConfig

	// Pool controls the per-(model, provider) adapter pools.
	Pool PoolConfig

	// CircuitBreaker holds the default per-link breaker thresholds, applied
	// when a link does not carry its own breaker configuration.
	CircuitBreaker CircuitBreakerConfig

	// CORSOrigins is the list of allowed CORS origins. ["*"] allows any.
	CORSOrigins []string
}

// LoadBalancingConfig controls provider selection behaviour.
type LoadBalancingConfig struct {
	// Strategy is the default routing strategy applied when a link does not
	// specify one. One of: auto, specified_provider, fallback,
	// weighted_round_robin, least_connections, response_time,
	// cost_optimized, hybrid. Default: auto.
	Strategy string

	// HealthCheckInterval is the period of the background health sweep.
	// Default: 300s.
	HealthCheckInterval time.Duration

	// MaxRetries bounds the candidates tried by the auto strategy. Default: 3.
	MaxRetries int

	// Timeout is the per-request deadline for non-streaming calls.
	// Streaming requests carry no deadline. Default: 30s.
	Timeout time.Duration

	// EnableFallback permits trying further candidates after a failure.
	// Default: true.
	EnableFallback bool
}

// DBPoolConfig mirrors the relational pool tunables.
type DBPoolConfig struct {
	// PoolSize is the base number of open connections. Default: 10.
	PoolSize int
	// MaxOverflow is the number of extra connections allowed beyond PoolSize.
	// Default: 20.
	MaxOverflow int
	// PoolTimeout bounds waiting for a free connection. Default: 30s.
	PoolTimeout time.Duration
	// PoolRecycle is the maximum connection lifetime. Default: 1h.
	PoolRecycle time.Duration
}

// PoolConfig controls the adapter pools.
type PoolConfig struct {
	// MinSize adapters are constructed eagerly per pool. Default: 2.
	MinSize int
	// MaxSize bounds each pool. Default: 10.
	MaxSize int
	// MaxIdle evicts adapters unused for this long. Default: 300s.
	MaxIdle time.Duration
	// MaxUses retires an adapter after this many acquisitions. Default: 1000.
	MaxUses int
	// CleanupInterval is the period of the eviction loop. Default: 60s.
	CleanupInterval time.Duration
	// HealthInterval is the period of the pool health revalidation loop.
	// Default: 300s.
	HealthInterval time.Duration
	// AcquireTimeout bounds waiting for a free adapter. Default: 30s.
	AcquireTimeout time.Duration
}

// CircuitBreakerConfig holds default per-link breaker settings.
type CircuitBreakerConfig struct {
	// Threshold is the failure count that opens the breaker. Default: 5.
	Threshold int
	// Timeout is how long the breaker stays open before a half-open probe.
	// Default: 60s.
	Timeout time.Duration
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 8000)
	v.SetDefault("DEBUG", false)
	v.SetDefault("DATABASE_URL", "model-router.db")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// Load balancing defaults.
	v.SetDefault("LOAD_BALANCING_STRATEGY", "auto")
	v.SetDefault("LOAD_BALANCING_HEALTH_CHECK_INTERVAL", "300s")
	v.SetDefault("LOAD_BALANCING_MAX_RETRIES", 3)
	v.SetDefault("LOAD_BALANCING_TIMEOUT", "30s")
	v.SetDefault("LOAD_BALANCING_ENABLE_FALLBACK", true)

	// Relational pool defaults.
	v.SetDefault("DB_POOL_SIZE", 10)
	v.SetDefault("DB_MAX_OVERFLOW", 20)
	v.SetDefault("DB_POOL_TIMEOUT", "30s")
	v.SetDefault("DB_POOL_RECYCLE", "1h")

	// Adapter pool defaults.
	v.SetDefault("POOL_MIN_SIZE", 2)
	v.SetDefault("POOL_MAX_SIZE", 10)
	v.SetDefault("POOL_MAX_IDLE", "300s")
	v.SetDefault("POOL_MAX_USES", 1000)
	v.SetDefault("POOL_CLEANUP_INTERVAL", "60s")
	v.SetDefault("POOL_HEALTH_INTERVAL", "300s")
	v.SetDefault("POOL_ACQUIRE_TIMEOUT", "30s")

	// Circuit breaker defaults.
	v.SetDefault("CB_THRESHOLD", 5)
	v.SetDefault("CB_TIMEOUT", "60s")

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Host:        v.GetString("HOST"),
		Port:        v.GetInt("PORT"),
		Debug:       v.GetBool("DEBUG"),
		DatabaseURL: v.GetString("DATABASE_URL"),
		RedisURL:    v.GetString("REDIS_URL"),
		APIKeys:     splitKeys(v.GetString("API_KEY")),

		LoadBalancing: LoadBalancingConfig{
			Strategy:            strings.ToLower(v.GetString("LOAD_BALANCING_STRATEGY")),
			HealthCheckInterval: v.GetDuration("LOAD_BALANCING_HEALTH_CHECK_INTERVAL"),
			MaxRetries:          v.GetInt("LOAD_BALANCING_MAX_RETRIES"),
			Timeout:             v.GetDuration("LOAD_BALANCING_TIMEOUT"),
			EnableFallback:      v.GetBool("LOAD_BALANCING_ENABLE_FALLBACK"),
		},

		DB: DBPoolConfig{
			PoolSize:    v.GetInt("DB_POOL_SIZE"),
			MaxOverflow: v.GetInt("DB_MAX_OVERFLOW"),
			PoolTimeout: v.GetDuration("DB_POOL_TIMEOUT"),
			PoolRecycle: v.GetDuration("DB_POOL_RECYCLE"),
		},

		Pool: PoolConfig{
			MinSize:         v.GetInt("POOL_MIN_SIZE"),
			MaxSize:         v.GetInt("POOL_MAX_SIZE"),
			MaxIdle:         v.GetDuration("POOL_MAX_IDLE"),
			MaxUses:         v.GetInt("POOL_MAX_USES"),
			CleanupInterval: v.GetDuration("POOL_CLEANUP_INTERVAL"),
			HealthInterval:  v.GetDuration("POOL_HEALTH_INTERVAL"),
			AcquireTimeout:  v.GetDuration("POOL_ACQUIRE_TIMEOUT"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			Threshold: v.GetInt("CB_THRESHOLD"),
			Timeout:   v.GetDuration("CB_TIMEOUT"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// knownStrategies is the set of valid LOAD_BALANCING_STRATEGY values.
var knownStrategies = map[string]bool{
	"auto":                 true,
	"specified_provider":   true,
	"fallback":             true,
	"weighted_round_robin": true,
	"least_connections":    true,
	"response_time":        true,
	"cost_optimized":       true,
	"hybrid":               true,
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: PORT must be in [1, 65535], got %d", c.Port)
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}
	if !knownStrategies[c.LoadBalancing.Strategy] {
		return fmt.Errorf("config: invalid LOAD_BALANCING_STRATEGY %q", c.LoadBalancing.Strategy)
	}
	if c.LoadBalancing.MaxRetries < 1 {
		return fmt.Errorf("config: LOAD_BALANCING_MAX_RETRIES must be ≥ 1, got %d", c.LoadBalancing.MaxRetries)
	}
	if c.Pool.MinSize < 0 || c.Pool.MaxSize < 1 || c.Pool.MinSize > c.Pool.MaxSize {
		return fmt.Errorf("config: pool sizes invalid: min=%d max=%d", c.Pool.MinSize, c.Pool.MaxSize)
	}
	if c.CircuitBreaker.Threshold < 1 {
		return fmt.Errorf("config: CB_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.Threshold)
	}
	return nil
}

// AuthEnabled reports whether bearer auth is active on the /v1 routes.
func (c *Config) AuthEnabled() bool {
	return len(c.APIKeys) > 0
}

// splitKeys parses the comma-separated API_KEY env var into a token set.
// Tokens are matched case-sensitively; whitespace around commas is ignored.
func splitKeys(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	keys := make([]string, 0, len(parts))
	for _, p := range parts {
		if k := strings.TrimSpace(p); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
