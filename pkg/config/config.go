package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/memelib/memelib/pkg/cache"
	"github.com/memelib/memelib/pkg/embedding"
	"github.com/memelib/memelib/pkg/logging"
	"github.com/memelib/memelib/pkg/models"
	"github.com/memelib/memelib/pkg/realtime"
	"github.com/memelib/memelib/pkg/search"
	"github.com/memelib/memelib/pkg/status"
)

// Config holds all memelib configuration.
type Config struct {
	Listen      string              `yaml:"listen"`
	DBPath      string              `yaml:"db_path"`
	Server      ClientConfig        `yaml:"server"`
	Log         logging.Config      `yaml:"log"`
	Cache       CacheConfig         `yaml:"cache"`
	Status      status.Config       `yaml:"status"`
	Realtime    realtime.Config     `yaml:"realtime"`
	Embedding   embedding.Config    `yaml:"embedding"`
	VectorIndex search.IndexConfig  `yaml:"vector_index"`
	Limits      LimitsConfig        `yaml:"limits"`
	Events      models.EventsConfig `yaml:"events"`
}

// ClientConfig tells the CLI client commands where the server is.
type ClientConfig struct {
	URL    string `yaml:"url"`
	UserID string `yaml:"user_id"`
}

// CacheConfig controls the namespaced cache. When Persistent is set, a
// SQLite tier at DBPath backs the in-memory LRU.
type CacheConfig struct {
	Namespaces cache.Policies `yaml:"namespaces"`
	Persistent bool           `yaml:"persistent"`
	DBPath     string         `yaml:"db_path"`
}

// LimitsConfig controls per-user rate limiting.
type LimitsConfig struct {
	Enabled  bool                 `yaml:"enabled"`
	Policies []models.LimitPolicy `yaml:"policies"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		DBPath: "memelib.db",
		Server: ClientConfig{
			URL: "http://localhost:8080",
		},
		Log: logging.Config{Level: "info", Format: "text"},
		Cache: CacheConfig{
			Namespaces: cache.DefaultPolicies(),
			DBPath:     "memelib-cache.db",
		},
		Status:   status.DefaultConfig(),
		Realtime: realtime.DefaultConfig(),
		Embedding: embedding.Config{
			Model:      "voyage-3.5-lite",
			Dimensions: 1024,
		},
		Events: models.EventsConfig{
			Enabled:         true,
			DBPath:          "memelib-events.db",
			RetentionDays:   30,
			CleanupInterval: time.Hour,
		},
	}
}

// Load reads a YAML config file and expands environment variables. A .env
// file next to the config is loaded first; variables already set win.
func Load(path string) (*Config, error) {
	envPath := filepath.Join(filepath.Dir(path), ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("load env file: %w", err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the components cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen must be set"))
	}
	for ns, p := range c.Cache.Namespaces {
		if _, ok := cache.NamespaceOf(ns.Prefix()); !ok {
			errs = append(errs, fmt.Errorf("cache: unknown namespace %q", ns))
			continue
		}
		if p.Capacity < 0 || p.TTL < 0 {
			errs = append(errs, fmt.Errorf("cache.%s: capacity and ttl must not be negative", ns))
		}
	}
	if c.Status.BatchSize < 0 || c.Status.BatchSize > 100 {
		errs = append(errs, fmt.Errorf("status.batch_size must be between 1 and 100, got %d", c.Status.BatchSize))
	}
	if c.Status.BatchInterval < 0 || c.Status.RetryDelay < 0 {
		errs = append(errs, errors.New("status: intervals must not be negative"))
	}
	if c.Realtime.MaxReconnectAttempts < 0 || c.Realtime.QueueSize < 0 {
		errs = append(errs, errors.New("realtime: max_reconnect_attempts and queue_size must not be negative"))
	}
	if c.Limits.Enabled {
		for i, p := range c.Limits.Policies {
			if p.RequestsPerSecond <= 0 || p.Burst <= 0 {
				errs = append(errs, fmt.Errorf("limits.policies[%d]: requests_per_second and burst must be positive", i))
			}
		}
	}
	if c.VectorIndex.Provider == "pinecone" && c.VectorIndex.Host == "" {
		errs = append(errs, errors.New("vector_index.host is required for pinecone"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
