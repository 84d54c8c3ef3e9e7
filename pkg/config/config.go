// Package config assembles the gateway configuration from defaults, an
// optional YAML file and environment variables, in that order of precedence
// (later wins).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/batch-gateway/pkg/batch"
	"github.com/Sternrassler/batch-gateway/pkg/dispatch"
	"github.com/Sternrassler/batch-gateway/pkg/logging"
	"github.com/Sternrassler/batch-gateway/pkg/pool"
	"github.com/Sternrassler/batch-gateway/pkg/ratelimit"
	"github.com/Sternrassler/batch-gateway/pkg/store"
	"gopkg.in/yaml.v3"
)

// Config is the complete gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Pool      PoolConfig      `yaml:"pool"`
	Batch     BatchConfig     `yaml:"batch"`
	Store     StoreConfig     `yaml:"store"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// PoolConfig configures the shared worker pool.
type PoolConfig struct {
	CoreWorkers   int           `yaml:"core_workers"`
	MaxWorkers    int           `yaml:"max_workers"`
	QueueSize     int           `yaml:"queue_size"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
	Prestart      bool          `yaml:"prestart"`
}

// BatchConfig configures batch validation and item dispatch.
type BatchConfig struct {
	MaxSize         int           `yaml:"max_size"`
	Deadline        time.Duration `yaml:"deadline"`
	ItemTimeout     time.Duration `yaml:"item_timeout"`
	AllowedPrefixes []string      `yaml:"allowed_prefixes"`
	UserAgent       string        `yaml:"user_agent"`
}

// StoreConfig configures the optional result store. An empty RedisURL
// disables it.
type StoreConfig struct {
	RedisURL  string        `yaml:"redis_url"`
	ResultTTL time.Duration `yaml:"result_ttl"`
}

// RateLimitConfig configures inbound admission limiting. RPS 0 disables it.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// Default returns the built-in configuration.
func Default() Config {
	poolCfg := pool.DefaultConfig()
	batchCfg := batch.DefaultConfig()
	dispatchCfg := dispatch.DefaultConfig()
	limitCfg := ratelimit.DefaultConfig()

	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			MaxBodyBytes:    4 << 20,
		},
		Log: LogConfig{
			Level: string(logging.LevelInfo),
		},
		Pool: PoolConfig{
			CoreWorkers:   poolCfg.CoreWorkers,
			MaxWorkers:    poolCfg.MaxWorkers,
			QueueSize:     poolCfg.QueueSize,
			IdleTimeout:   poolCfg.IdleTimeout,
			ShutdownGrace: poolCfg.ShutdownGrace,
			Prestart:      poolCfg.Prestart,
		},
		Batch: BatchConfig{
			MaxSize:         batchCfg.MaxBatchSize,
			Deadline:        batchCfg.Deadline,
			ItemTimeout:     dispatchCfg.Timeout,
			AllowedPrefixes: dispatchCfg.AllowedPrefixes,
			UserAgent:       dispatchCfg.UserAgent,
		},
		Store: StoreConfig{
			ResultTTL: store.DefaultTTL,
		},
		RateLimit: RateLimitConfig{
			RPS:   limitCfg.RPS,
			Burst: limitCfg.Burst,
		},
	}
}

// Load builds the configuration from defaults, the YAML file named by
// CONFIG_FILE (if set) and environment overrides, then validates it.
func Load() (Config, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (Config, error) {
	cfg := Default()

	if path := getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.applyEnv(getenv); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadFile overlays the YAML document at path onto cfg.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// applyEnv overlays environment variables onto cfg.
func (c *Config) applyEnv(getenv func(string) string) error {
	e := envReader{getenv: getenv}

	c.Server.Port = e.int("PORT", c.Server.Port)
	c.Log.Level = e.string("LOG_LEVEL", c.Log.Level)
	c.Log.Pretty = e.bool("LOG_PRETTY", c.Log.Pretty)

	c.Pool.CoreWorkers = e.int("POOL_CORE_WORKERS", c.Pool.CoreWorkers)
	c.Pool.MaxWorkers = e.int("POOL_MAX_WORKERS", c.Pool.MaxWorkers)
	c.Pool.QueueSize = e.int("POOL_QUEUE_SIZE", c.Pool.QueueSize)
	c.Pool.IdleTimeout = e.duration("POOL_IDLE_TIMEOUT", c.Pool.IdleTimeout)
	c.Pool.ShutdownGrace = e.duration("POOL_SHUTDOWN_GRACE", c.Pool.ShutdownGrace)

	c.Batch.MaxSize = e.int("BATCH_MAX_SIZE", c.Batch.MaxSize)
	c.Batch.Deadline = e.duration("BATCH_DEADLINE", c.Batch.Deadline)
	c.Batch.ItemTimeout = e.duration("ITEM_TIMEOUT", c.Batch.ItemTimeout)
	c.Batch.UserAgent = e.string("USER_AGENT", c.Batch.UserAgent)

	c.Store.RedisURL = e.string("REDIS_URL", c.Store.RedisURL)
	c.Store.ResultTTL = e.duration("RESULT_TTL", c.Store.ResultTTL)

	c.RateLimit.RPS = e.float("RATE_LIMIT_RPS", c.RateLimit.RPS)
	c.RateLimit.Burst = e.int("RATE_LIMIT_BURST", c.RateLimit.Burst)

	return e.err
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	case c.Pool.MaxWorkers < 1:
		return errors.New("pool.max_workers must be at least 1")
	case c.Pool.CoreWorkers < 0 || c.Pool.CoreWorkers > c.Pool.MaxWorkers:
		return fmt.Errorf("pool.core_workers %d must be between 0 and max_workers %d", c.Pool.CoreWorkers, c.Pool.MaxWorkers)
	case c.Pool.QueueSize < 0:
		return errors.New("pool.queue_size must not be negative")
	case c.Batch.MaxSize < 1:
		return errors.New("batch.max_size must be at least 1")
	case c.Batch.Deadline <= 0:
		return errors.New("batch.deadline must be positive")
	case c.Batch.ItemTimeout <= 0:
		return errors.New("batch.item_timeout must be positive")
	case len(c.Batch.AllowedPrefixes) == 0:
		return errors.New("batch.allowed_prefixes must not be empty")
	case c.Server.WriteTimeout > 0 && c.Server.WriteTimeout <= c.Batch.Deadline:
		return fmt.Errorf("server.write_timeout %v must exceed batch.deadline %v", c.Server.WriteTimeout, c.Batch.Deadline)
	case c.RateLimit.RPS < 0:
		return errors.New("rate_limit.rps must not be negative")
	}
	for _, prefix := range c.Batch.AllowedPrefixes {
		if !strings.HasPrefix(prefix, "/") {
			return fmt.Errorf("batch.allowed_prefixes entry %q must start with /", prefix)
		}
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// LoggingConfig maps to logging.Config.
func (c Config) LoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.LogLevel(c.Log.Level)
	cfg.Pretty = c.Log.Pretty
	return cfg
}

// PoolConfig maps to pool.Config.
func (c Config) PoolConfig() pool.Config {
	return pool.Config{
		CoreWorkers:   c.Pool.CoreWorkers,
		MaxWorkers:    c.Pool.MaxWorkers,
		QueueSize:     c.Pool.QueueSize,
		IdleTimeout:   c.Pool.IdleTimeout,
		ShutdownGrace: c.Pool.ShutdownGrace,
		Prestart:      c.Pool.Prestart,
	}
}

// CoordinatorConfig maps to batch.Config.
func (c Config) CoordinatorConfig() batch.Config {
	cfg := batch.DefaultConfig()
	cfg.MaxBatchSize = c.Batch.MaxSize
	cfg.Deadline = c.Batch.Deadline
	return cfg
}

// DispatchConfig maps to dispatch.Config.
func (c Config) DispatchConfig() dispatch.Config {
	cfg := dispatch.DefaultConfig()
	cfg.Timeout = c.Batch.ItemTimeout
	cfg.AllowedPrefixes = c.Batch.AllowedPrefixes
	cfg.UserAgent = c.Batch.UserAgent
	return cfg
}

// RateLimitConfig maps to ratelimit.Config.
func (c Config) RateLimitConfig() ratelimit.Config {
	cfg := ratelimit.DefaultConfig()
	cfg.RPS = c.RateLimit.RPS
	cfg.Burst = c.RateLimit.Burst
	return cfg
}

// envReader parses typed environment values, keeping the first error.
type envReader struct {
	getenv func(string) string
	err    error
}

func (e *envReader) string(key, defaultValue string) string {
	if value := e.getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func (e *envReader) int(key string, defaultValue int) int {
	value := e.getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		e.fail(key, value, err)
		return defaultValue
	}
	return n
}

func (e *envReader) float(key string, defaultValue float64) float64 {
	value := e.getenv(key)
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		e.fail(key, value, err)
		return defaultValue
	}
	return f
}

func (e *envReader) bool(key string, defaultValue bool) bool {
	value := e.getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		e.fail(key, value, err)
		return defaultValue
	}
	return b
}

// duration accepts Go duration strings ("20s") or bare integers as seconds.
func (e *envReader) duration(key string, defaultValue time.Duration) time.Duration {
	value := e.getenv(key)
	if value == "" {
		return defaultValue
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		e.fail(key, value, err)
		return defaultValue
	}
	return d
}

func (e *envReader) fail(key, value string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("invalid %s=%q: %w", key, value, err)
	}
}
