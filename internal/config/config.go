// Package config loads the quote-proxy configuration from an optional YAML
// file and environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/Sternrassler/quote-client/pkg/client"
	"github.com/Sternrassler/quote-client/pkg/coalesce"
	"github.com/Sternrassler/quote-client/pkg/logging"
	"gopkg.in/yaml.v3"
)

// Config describes the quote-proxy YAML configuration.
type Config struct {
	Server struct {
		Port            string        `yaml:"port"`
		RequestTimeout  time.Duration `yaml:"request_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Upstream struct {
		BaseURL          string        `yaml:"base_url"`
		UserAgent        string        `yaml:"user_agent"`
		Timeout          time.Duration `yaml:"timeout"`
		MaxAttempts      int           `yaml:"max_attempts"`
		BaseDelay        time.Duration `yaml:"base_delay"`
		MaxDelay         time.Duration `yaml:"max_delay"`
		Jitter           float64       `yaml:"jitter"`
		RateLimit        float64       `yaml:"rate_limit"`
		RateBurst        int           `yaml:"rate_burst"`
		BreakerThreshold uint32        `yaml:"breaker_threshold"`
		BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`
	} `yaml:"upstream"`

	Coalescer struct {
		Window          time.Duration `yaml:"window"`
		MaxBatchSize    int           `yaml:"max_batch_size"`
		DirectThreshold int           `yaml:"direct_threshold"`
		MaxConcurrency  int           `yaml:"max_concurrency"`
		ChunkSize       int           `yaml:"chunk_size"`
	} `yaml:"coalescer"`

	// Redis is optional; an empty URL disables the quote cache and the
	// shared throttle.
	Redis struct {
		URL      string        `yaml:"url"`
		CacheTTL time.Duration `yaml:"cache_ttl"`
	} `yaml:"redis"`

	Log struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"log"`
}

// Default returns the configuration used when no file or override sets a value.
func Default() *Config {
	cfg := &Config{}

	cfg.Server.Port = "8080"
	cfg.Server.RequestTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 10 * time.Second

	clientDefaults := client.DefaultConfig("")
	cfg.Upstream.UserAgent = clientDefaults.UserAgent
	cfg.Upstream.Timeout = clientDefaults.Timeout
	cfg.Upstream.MaxAttempts = clientDefaults.Retry.MaxAttempts
	cfg.Upstream.BaseDelay = clientDefaults.Retry.BaseDelay
	cfg.Upstream.MaxDelay = clientDefaults.Retry.MaxDelay
	cfg.Upstream.RateBurst = clientDefaults.RateBurst
	cfg.Upstream.BreakerCooldown = clientDefaults.BreakerCooldown

	coalesceDefaults := coalesce.DefaultConfig()
	cfg.Coalescer.Window = coalesceDefaults.Window
	cfg.Coalescer.MaxBatchSize = coalesceDefaults.MaxBatchSize
	cfg.Coalescer.DirectThreshold = coalesceDefaults.DirectThreshold
	cfg.Coalescer.MaxConcurrency = coalesceDefaults.MaxConcurrency
	cfg.Coalescer.ChunkSize = coalesceDefaults.ChunkSize

	cfg.Redis.CacheTTL = 15 * time.Second
	cfg.Log.Level = string(logging.LevelInfo)

	return cfg
}

// Load reads path (skipped when empty) over the defaults, applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from environment variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("QUOTE_BASE_URL", &c.Upstream.BaseURL)
	str("USER_AGENT", &c.Upstream.UserAgent)
	str("REDIS_URL", &c.Redis.URL)
	str("PORT", &c.Server.Port)
	str("LOG_LEVEL", &c.Log.Level)

	if v, ok := lookup("QUOTE_MAX_ATTEMPTS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("QUOTE_MAX_ATTEMPTS: %w", err)
		}
		c.Upstream.MaxAttempts = n
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"QUOTE_BASE_DELAY", &c.Upstream.BaseDelay},
		{"COALESCE_WINDOW", &c.Coalescer.Window},
		{"CACHE_TTL", &c.Redis.CacheTTL},
	}
	for _, d := range durations {
		v, ok := lookup(d.key)
		if !ok || v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = parsed
	}
	return nil
}

// Validate checks required fields and ranges.
func (c *Config) Validate() error {
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	if c.Server.Port == "" {
		return fmt.Errorf("server.port is required")
	}
	if c.Upstream.MaxAttempts < 1 {
		return fmt.Errorf("upstream.max_attempts must be >= 1 (got %d)", c.Upstream.MaxAttempts)
	}
	if c.Upstream.BaseDelay < 0 {
		return fmt.Errorf("upstream.base_delay must not be negative (got %s)", c.Upstream.BaseDelay)
	}
	if c.Coalescer.Window <= 0 {
		return fmt.Errorf("coalescer.window must be positive (got %s)", c.Coalescer.Window)
	}
	if c.Coalescer.MaxBatchSize < 1 {
		return fmt.Errorf("coalescer.max_batch_size must be >= 1 (got %d)", c.Coalescer.MaxBatchSize)
	}
	return nil
}

// ClientConfig maps the upstream section onto a client configuration.
func (c *Config) ClientConfig() client.Config {
	cc := client.DefaultConfig(c.Upstream.BaseURL)
	cc.UserAgent = c.Upstream.UserAgent
	cc.Timeout = c.Upstream.Timeout
	cc.Retry = client.RetryConfig{
		MaxAttempts: c.Upstream.MaxAttempts,
		BaseDelay:   c.Upstream.BaseDelay,
		MaxDelay:    c.Upstream.MaxDelay,
		Jitter:      c.Upstream.Jitter,
	}
	cc.RateLimit = c.Upstream.RateLimit
	cc.RateBurst = c.Upstream.RateBurst
	cc.BreakerThreshold = c.Upstream.BreakerThreshold
	cc.BreakerCooldown = c.Upstream.BreakerCooldown
	return cc
}

// CoalesceConfig maps the coalescer section onto a coalescer configuration.
func (c *Config) CoalesceConfig() coalesce.Config {
	cc := coalesce.DefaultConfig()
	cc.Window = c.Coalescer.Window
	cc.MaxBatchSize = c.Coalescer.MaxBatchSize
	cc.DirectThreshold = c.Coalescer.DirectThreshold
	cc.MaxConcurrency = c.Coalescer.MaxConcurrency
	cc.ChunkSize = c.Coalescer.ChunkSize
	return cc
}

// LoggingConfig maps the log section onto a logging configuration.
func (c *Config) LoggingConfig() logging.Config {
	lc := logging.DefaultConfig()
	lc.Level = logging.LogLevel(c.Log.Level)
	lc.Pretty = c.Log.Pretty
	return lc
}
