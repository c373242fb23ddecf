// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Redis struct {
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`

	Stream     string `mapstructure:"stream"`
	Group      string `mapstructure:"group"`
	DLQStream  string `mapstructure:"dlq_stream"`
}

type Store struct {
	Driver string `mapstructure:"driver"` // "postgres" or "sqlite"
	DSN    string `mapstructure:"dsn"`
}

type Dedupe struct {
	WindowMs    int64 `mapstructure:"window_ms"`
	ClockSkewMs int64 `mapstructure:"clock_skew_ms"`
}

type Backoff struct {
	BaseMs     int64   `mapstructure:"base_ms"`
	Multiplier float64 `mapstructure:"multiplier"`
}

type Worker struct {
	Count           int           `mapstructure:"count"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	Backoff         Backoff       `mapstructure:"backoff"`
	ClaimMinIdle    time.Duration `mapstructure:"claim_min_idle"`
	ReadBlock       time.Duration `mapstructure:"read_block"`
	HandlerTimeout  time.Duration `mapstructure:"handler_timeout"`
	ConsumerGroup   string        `mapstructure:"consumer_group"`
}

type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	Environment string  `mapstructure:"environment"`
	SampleRate  float64 `mapstructure:"sample_rate"`
	Insecure    bool    `mapstructure:"insecure"`
}

type ObservabilityConfig struct {
	MetricsPort int           `mapstructure:"metrics_port"`
	LogLevel    string        `mapstructure:"log_level"`
	Tracing     TracingConfig `mapstructure:"tracing"`
}

type Admission struct {
	RateLimitPerSec int `mapstructure:"rate_limit_per_sec"`
}

type Config struct {
	Redis          Redis               `mapstructure:"redis"`
	Store          Store               `mapstructure:"store"`
	Dedupe         Dedupe              `mapstructure:"dedupe"`
	Worker         Worker              `mapstructure:"worker"`
	Admission      Admission           `mapstructure:"admission"`
	CircuitBreaker CircuitBreaker      `mapstructure:"circuit_breaker"`
	Observability  Observability       `mapstructure:"observability"`
}

// Observability is a convenience alias for ObservabilityConfig.
type Observability = ObservabilityConfig

func defaultConfig() *Config {
	return &Config{
		Redis: Redis{
			Addr:               "localhost:6379",
			PoolSizeMultiplier: 10,
			MinIdleConns:       5,
			DialTimeout:        5 * time.Second,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			MaxRetries:         3,
			Stream:             "tasks:stream",
			Group:              "tasks:workers",
			DLQStream:          "tasks:dlq",
		},
		Store: Store{
			Driver: "sqlite",
			DSN:    "file:taskrunner.db?cache=shared",
		},
		Dedupe: Dedupe{
			WindowMs:    60000,
			ClockSkewMs: 500,
		},
		Worker: Worker{
			Count:          8,
			MaxAttempts:    5,
			Backoff:        Backoff{BaseMs: 500, Multiplier: 2.0},
			ClaimMinIdle:   30 * time.Second,
			ReadBlock:      1 * time.Second,
			HandlerTimeout: 30 * time.Second,
			ConsumerGroup:  "tasks:workers",
		},
		Admission: Admission{
			RateLimitPerSec: 0, // 0 == unlimited
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       20,
		},
		Observability: Observability{
			MetricsPort: 9090,
			LogLevel:    "info",
			Tracing:     TracingConfig{Enabled: false},
		},
	}
}

// Load reads configuration from a YAML file and env overrides. Generic
// overrides map onto the keys below via the "." -> "_" env key replacer
// (WORKER_COUNT -> worker.count). The prefixed vars TASK_DEDUPE_WINDOW_MS,
// TASK_CLOCK_SKEW_MS, TASK_MAX_ATTEMPTS, TASK_RETRY_BACKOFF_MS,
// TASK_RETRY_BACKOFF_MULTIPLIER, REDIS_URL, REDIS_STREAM, REDIS_GROUP and
// REDIS_DLQ_STREAM do not follow that mapping; all nine are applied
// explicitly by bindLegacyEnv after unmarshalling.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.pool_size_multiplier", def.Redis.PoolSizeMultiplier)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)
	v.SetDefault("redis.stream", def.Redis.Stream)
	v.SetDefault("redis.group", def.Redis.Group)
	v.SetDefault("redis.dlq_stream", def.Redis.DLQStream)

	v.SetDefault("store.driver", def.Store.Driver)
	v.SetDefault("store.dsn", def.Store.DSN)

	v.SetDefault("dedupe.window_ms", def.Dedupe.WindowMs)
	v.SetDefault("dedupe.clock_skew_ms", def.Dedupe.ClockSkewMs)

	v.SetDefault("worker.count", def.Worker.Count)
	v.SetDefault("worker.max_attempts", def.Worker.MaxAttempts)
	v.SetDefault("worker.backoff.base_ms", def.Worker.Backoff.BaseMs)
	v.SetDefault("worker.backoff.multiplier", def.Worker.Backoff.Multiplier)
	v.SetDefault("worker.claim_min_idle", def.Worker.ClaimMinIdle)
	v.SetDefault("worker.read_block", def.Worker.ReadBlock)
	v.SetDefault("worker.handler_timeout", def.Worker.HandlerTimeout)
	v.SetDefault("worker.consumer_group", def.Worker.ConsumerGroup)

	v.SetDefault("admission.rate_limit_per_sec", def.Admission.RateLimitPerSec)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.endpoint", def.Observability.Tracing.Endpoint)

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// These env vars carry their own prefix rather than the generic
	// "." -> "_" mapping; bind them explicitly so TASK_MAX_ATTEMPTS
	// overrides worker.max_attempts, not an unmapped "task_max_attempts".
	bindLegacyEnv(v, &cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func bindLegacyEnv(v *viper.Viper, cfg *Config) {
	if s := os.Getenv("TASK_DEDUPE_WINDOW_MS"); s != "" {
		if n, err := parseInt64(s); err == nil {
			cfg.Dedupe.WindowMs = n
		}
	}
	if s := os.Getenv("TASK_CLOCK_SKEW_MS"); s != "" {
		if n, err := parseInt64(s); err == nil {
			cfg.Dedupe.ClockSkewMs = n
		}
	}
	if s := os.Getenv("TASK_MAX_ATTEMPTS"); s != "" {
		if n, err := parseInt64(s); err == nil {
			cfg.Worker.MaxAttempts = int(n)
		}
	}
	if s := os.Getenv("TASK_RETRY_BACKOFF_MS"); s != "" {
		if n, err := parseInt64(s); err == nil {
			cfg.Worker.Backoff.BaseMs = n
		}
	}
	if s := os.Getenv("TASK_RETRY_BACKOFF_MULTIPLIER"); s != "" {
		if f, err := parseFloat(s); err == nil {
			cfg.Worker.Backoff.Multiplier = f
		}
	}
	if s := os.Getenv("REDIS_URL"); s != "" {
		cfg.Redis.Addr = s
	}
	if s := os.Getenv("REDIS_STREAM"); s != "" {
		cfg.Redis.Stream = s
	}
	if s := os.Getenv("REDIS_GROUP"); s != "" {
		cfg.Redis.Group = s
		cfg.Worker.ConsumerGroup = s
	}
	if s := os.Getenv("REDIS_DLQ_STREAM"); s != "" {
		cfg.Redis.DLQStream = s
	}
}

func parseInt64(s string) (int64, error) {
	var n int64
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}

func parseFloat(s string) (float64, error) {
	var f float64
	_, err := fmt.Sscanf(s, "%g", &f)
	return f, err
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Worker.Count < 1 {
		return fmt.Errorf("worker.count must be >= 1")
	}
	if cfg.Worker.MaxAttempts < 1 {
		return fmt.Errorf("worker.max_attempts must be >= 1")
	}
	if cfg.Worker.Backoff.BaseMs <= 0 {
		return fmt.Errorf("worker.backoff.base_ms must be > 0")
	}
	if cfg.Worker.Backoff.Multiplier <= 0 {
		return fmt.Errorf("worker.backoff.multiplier must be > 0")
	}
	if cfg.Dedupe.WindowMs <= 0 {
		return fmt.Errorf("dedupe.window_ms must be > 0")
	}
	if cfg.Dedupe.ClockSkewMs < 0 {
		return fmt.Errorf("dedupe.clock_skew_ms must be >= 0")
	}
	if cfg.Store.Driver != "postgres" && cfg.Store.Driver != "sqlite" {
		return fmt.Errorf("store.driver must be postgres or sqlite")
	}
	if cfg.Store.DSN == "" {
		return fmt.Errorf("store.dsn must be set")
	}
	if cfg.Redis.Stream == "" || cfg.Redis.Group == "" || cfg.Redis.DLQStream == "" {
		return fmt.Errorf("redis.stream, redis.group and redis.dlq_stream must be set")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	return nil
}
