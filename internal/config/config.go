package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime settings. Values come from defaults, an optional
// config file, and ONECACHE_* environment variables, in that order.
type Config struct {
	DataDir string `mapstructure:"data_dir"`
	Addr    string `mapstructure:"addr"`

	Graph     GraphConfig     `mapstructure:"graph"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Index     IndexConfig     `mapstructure:"index"`
}

// GraphConfig configures the Microsoft Graph client.
type GraphConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// RateLimitConfig configures the adaptive limiter. Rates are requests per
// minute; MaxRate stays well below the Graph API's documented ceiling.
type RateLimitConfig struct {
	MinRate            float64       `mapstructure:"min_rate"`
	MaxRate            float64       `mapstructure:"max_rate"`
	MinInterval        time.Duration `mapstructure:"min_interval"`
	RetryAfterFallback time.Duration `mapstructure:"retry_after_fallback"`
}

// SyncConfig configures the orchestrator.
type SyncConfig struct {
	Workers        int           `mapstructure:"workers"`
	MaxRetries     int           `mapstructure:"max_retries"`
	FullStaleAfter time.Duration `mapstructure:"full_stale_after"`
	Freshness      time.Duration `mapstructure:"freshness"`
	Interval       time.Duration `mapstructure:"interval"`
}

// IndexConfig configures the bleve indexer.
type IndexConfig struct {
	BatchSize    int           `mapstructure:"batch_size"`
	ChunkSize    int           `mapstructure:"chunk_size"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir: "./data",
		Addr:    "localhost:6893",
		Graph: GraphConfig{
			BaseURL: "https://graph.microsoft.com/v1.0",
			Timeout: 30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			MinRate:            30,
			MaxRate:            100,
			MinInterval:        500 * time.Millisecond,
			RetryAfterFallback: 60 * time.Second,
		},
		Sync: SyncConfig{
			Workers:        4,
			MaxRetries:     3,
			FullStaleAfter: 7 * 24 * time.Hour,
			Freshness:      24 * time.Hour,
			Interval:       0, // background smart sync disabled unless set
		},
		Index: IndexConfig{
			BatchSize:    50,
			ChunkSize:    1000,
			PollInterval: 30 * time.Second,
		},
	}
}

// Load builds the config from defaults, the optional file at path, and the
// environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ONECACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Default()
	setDefaults(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("addr", cfg.Addr)
	v.SetDefault("graph.base_url", cfg.Graph.BaseURL)
	v.SetDefault("graph.token", cfg.Graph.Token)
	v.SetDefault("graph.timeout", cfg.Graph.Timeout)
	v.SetDefault("rate_limit.min_rate", cfg.RateLimit.MinRate)
	v.SetDefault("rate_limit.max_rate", cfg.RateLimit.MaxRate)
	v.SetDefault("rate_limit.min_interval", cfg.RateLimit.MinInterval)
	v.SetDefault("rate_limit.retry_after_fallback", cfg.RateLimit.RetryAfterFallback)
	v.SetDefault("sync.workers", cfg.Sync.Workers)
	v.SetDefault("sync.max_retries", cfg.Sync.MaxRetries)
	v.SetDefault("sync.full_stale_after", cfg.Sync.FullStaleAfter)
	v.SetDefault("sync.freshness", cfg.Sync.Freshness)
	v.SetDefault("sync.interval", cfg.Sync.Interval)
	v.SetDefault("index.batch_size", cfg.Index.BatchSize)
	v.SetDefault("index.chunk_size", cfg.Index.ChunkSize)
	v.SetDefault("index.poll_interval", cfg.Index.PollInterval)
}

// Validate rejects settings the limiter and orchestrator cannot run with.
func (c *Config) Validate() error {
	if c.RateLimit.MinRate <= 0 || c.RateLimit.MaxRate < c.RateLimit.MinRate {
		return fmt.Errorf("invalid rate bounds: min=%v max=%v", c.RateLimit.MinRate, c.RateLimit.MaxRate)
	}
	if c.Sync.Workers < 1 {
		return fmt.Errorf("sync.workers must be at least 1, got %d", c.Sync.Workers)
	}
	if c.Sync.MaxRetries < 1 {
		return fmt.Errorf("sync.max_retries must be at least 1, got %d", c.Sync.MaxRetries)
	}
	return nil
}
