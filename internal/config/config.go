// Package config loads and validates the service configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig      `yaml:"server"`
	Embedding EmbeddingConfig   `yaml:"embedding"`
	Vector    VectorConfig      `yaml:"vector"`
	Pool      PoolConfig        `yaml:"pool"`
	Providers []ProviderConfig  `yaml:"providers"`
	Rate      RateConfig        `yaml:"rate"`
	Retry     RetryConfig       `yaml:"retry"`
	Breaker   BreakerConfig     `yaml:"breaker"`
	Cache     CacheConfig       `yaml:"cache"`
	Pipeline  PipelineConfig    `yaml:"pipeline"`
	Pricing   PricingConfig     `yaml:"pricing"`
}

// ServerConfig contains HTTP server and logging settings.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`
	LogJSON    bool   `yaml:"log_json"`
}

// EmbeddingConfig contains embedder settings.
type EmbeddingConfig struct {
	Provider           string        `yaml:"provider"` // "openai" or "local"
	Model              string        `yaml:"model"`
	Dimension          int           `yaml:"dimension"`
	APIKey             string        `yaml:"api_key"`
	APIBase            string        `yaml:"api_base"`
	Timeout            time.Duration `yaml:"timeout"`
	Normalize          bool          `yaml:"normalize"`
	CacheSize          int           `yaml:"cache_size"`
	CacheItemMaxSizeKB int           `yaml:"cache_item_max_size_kb"`
	BatchSize          int           `yaml:"batch_size"`
	MaxWait            time.Duration `yaml:"max_wait"`
}

// VectorConfig contains vector store connection settings.
type VectorConfig struct {
	Host       string        `yaml:"host"`
	Port       int           `yaml:"port"`
	APIKey     string        `yaml:"api_key"`
	Collection string        `yaml:"collection"`
	Timeout    time.Duration `yaml:"timeout"`
}

// PoolConfig contains connection pool settings.
type PoolConfig struct {
	MinSize         int           `yaml:"min_size"`
	MaxSize         int           `yaml:"max_size"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	MaxLifetime     time.Duration `yaml:"max_lifetime"`
	AcquireTimeout  time.Duration `yaml:"acquire_timeout"`
	JanitorInterval time.Duration `yaml:"janitor_interval"`
}

// ProviderConfig contains one upstream provider.
type ProviderConfig struct {
	Name    string        `yaml:"name"`
	Type    string        `yaml:"type"` // "openai" or "anthropic"
	APIKey  string        `yaml:"api_key"`
	APIBase string        `yaml:"api_base"`
	Model   string        `yaml:"model"` // default model for this provider
	Timeout time.Duration `yaml:"timeout"`
}

// RateConfig contains per-provider rate limits.
type RateConfig struct {
	// RequestsPerMinute maps provider name to its limit. The empty key sets
	// the default for providers not listed.
	RequestsPerMinute map[string]int `yaml:"requests_per_minute"`
}

// RetryConfig contains retry handler settings.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Base         float64       `yaml:"base"`
	Jitter       bool          `yaml:"jitter"`
}

// BreakerConfig contains circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
	SuccessThreshold int           `yaml:"success_threshold"`
}

// CacheConfig contains similarity cache settings.
type CacheConfig struct {
	MaxSize          int           `yaml:"max_size"`
	EvictionBatch    int           `yaml:"eviction_batch"`
	CacheWorthyFloor int           `yaml:"cache_worthy_floor"`
	InitialThreshold float64       `yaml:"initial_threshold"`
	MinThreshold     float64       `yaml:"min_threshold"`
	MaxThreshold     float64       `yaml:"max_threshold"`
	TargetHitRate    float64       `yaml:"target_hit_rate"`
	HitRateTolerance float64       `yaml:"hit_rate_tolerance"`
	TTL              TTLConfig     `yaml:"ttl"`
	MaxFallback      int           `yaml:"max_fallback_attempts"`
}

// TTLConfig contains the TTL ladder bounds.
type TTLConfig struct {
	Min  time.Duration `yaml:"min"`
	Base time.Duration `yaml:"base"`
	Max  time.Duration `yaml:"max"`
}

// PipelineConfig contains query pipeline settings.
type PipelineConfig struct {
	ParallelTimeout time.Duration `yaml:"parallel_timeout"`
	ContinueOnError bool          `yaml:"continue_on_error"`
	LatencyWindow   int           `yaml:"latency_window"`
}

// PricingConfig points at an optional pricing override file, watched for
// changes at runtime.
type PricingConfig struct {
	Path string `yaml:"path"`
}

// DefaultConfig returns the configuration defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			LogLevel:   "info",
			LogJSON:    true,
		},
		Embedding: EmbeddingConfig{
			Provider:           "openai",
			Model:              "text-embedding-ada-002",
			Dimension:          1536,
			APIBase:            "https://api.openai.com/v1",
			Timeout:            30 * time.Second,
			Normalize:          true,
			CacheSize:          10000,
			CacheItemMaxSizeKB: 64,
			BatchSize:          32,
			MaxWait:            50 * time.Millisecond,
		},
		Vector: VectorConfig{
			Host:       "localhost",
			Port:       6333,
			Collection: "ragcache_responses",
			Timeout:    30 * time.Second,
		},
		Pool: PoolConfig{
			MinSize:         1,
			MaxSize:         10,
			IdleTimeout:     5 * time.Minute,
			MaxLifetime:     time.Hour,
			AcquireTimeout:  30 * time.Second,
			JanitorInterval: time.Minute,
		},
		Rate: RateConfig{
			RequestsPerMinute: map[string]int{"": 60},
		},
		Retry: RetryConfig{
			MaxAttempts:  3,
			InitialDelay: time.Second,
			MaxDelay:     10 * time.Second,
			Base:         2.0,
			Jitter:       true,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  30 * time.Second,
			SuccessThreshold: 2,
		},
		Cache: CacheConfig{
			MaxSize:          10000,
			EvictionBatch:    100,
			CacheWorthyFloor: 100,
			InitialThreshold: 0.85,
			MinThreshold:     0.70,
			MaxThreshold:     0.95,
			TargetHitRate:    0.50,
			HitRateTolerance: 0.05,
			TTL: TTLConfig{
				Min:  5 * time.Minute,
				Base: time.Hour,
				Max:  24 * time.Hour,
			},
			MaxFallback: 3,
		},
		Pipeline: PipelineConfig{
			ParallelTimeout: 2 * time.Second,
			ContinueOnError: false,
			LatencyWindow:   1000,
		},
	}
}

// Load reads the config file at path, applies env overrides for secrets, and
// validates the result. A missing file yields pure defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides injects secrets from the environment so API keys never
// have to live in the config file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("RAGCACHE_EMBEDDING_API_KEY"); v != "" {
		c.Embedding.APIKey = v
	}
	if v := os.Getenv("RAGCACHE_VECTOR_API_KEY"); v != "" {
		c.Vector.APIKey = v
	}
	if v := os.Getenv("RAGCACHE_OPENAI_API_KEY"); v != "" {
		for i := range c.Providers {
			if c.Providers[i].Type == "openai" && c.Providers[i].APIKey == "" {
				c.Providers[i].APIKey = v
			}
		}
	}
	if v := os.Getenv("RAGCACHE_ANTHROPIC_API_KEY"); v != "" {
		for i := range c.Providers {
			if c.Providers[i].Type == "anthropic" && c.Providers[i].APIKey == "" {
				c.Providers[i].APIKey = v
			}
		}
	}
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding.dimension must be positive")
	}
	if c.Pool.MinSize < 1 {
		return fmt.Errorf("pool.min_size must be at least 1")
	}
	if c.Pool.MaxSize < c.Pool.MinSize {
		return fmt.Errorf("pool.max_size must be >= pool.min_size")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if c.Retry.Base < 1 {
		return fmt.Errorf("retry.base must be >= 1")
	}
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker.failure_threshold must be at least 1")
	}
	if c.Breaker.SuccessThreshold < 1 {
		return fmt.Errorf("breaker.success_threshold must be at least 1")
	}
	if c.Cache.MinThreshold <= 0 || c.Cache.MaxThreshold > 1 ||
		c.Cache.MinThreshold > c.Cache.MaxThreshold {
		return fmt.Errorf("cache thresholds must satisfy 0 < min <= max <= 1")
	}
	if c.Cache.InitialThreshold < c.Cache.MinThreshold ||
		c.Cache.InitialThreshold > c.Cache.MaxThreshold {
		return fmt.Errorf("cache.initial_threshold must be within [min, max]")
	}
	if c.Cache.TargetHitRate < 0 || c.Cache.TargetHitRate > 1 {
		return fmt.Errorf("cache.target_hit_rate must be within [0, 1]")
	}
	if c.Cache.TTL.Min > c.Cache.TTL.Base || c.Cache.TTL.Base > c.Cache.TTL.Max {
		return fmt.Errorf("cache.ttl must satisfy min <= base <= max")
	}
	for _, rpm := range c.Rate.RequestsPerMinute {
		if rpm < 1 {
			return fmt.Errorf("rate.requests_per_minute entries must be at least 1")
		}
	}
	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider name is required")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate provider name %q", p.Name)
		}
		seen[p.Name] = true
		switch p.Type {
		case "openai", "anthropic":
		default:
			return fmt.Errorf("provider %q: unsupported type %q", p.Name, p.Type)
		}
	}
	return nil
}

// RPMFor returns the requests-per-minute limit for a provider, falling back
// to the default entry.
func (c *RateConfig) RPMFor(provider string) int {
	if rpm, ok := c.RequestsPerMinute[provider]; ok {
		return rpm
	}
	if rpm, ok := c.RequestsPerMinute[""]; ok {
		return rpm
	}
	return 60
}
