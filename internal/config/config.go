// Package config loads the server configuration: a YAML file, then
// PRICESCOUT_* environment overrides, then defaults for anything unset.
// Command-line flags are applied by the binaries on top.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"pricescout/internal/adapter"
	"pricescout/internal/cache"
	"pricescout/internal/changelog"
	"pricescout/internal/model"
)

const envPrefix = "PRICESCOUT_"

// Config is the whole server configuration.
type Config struct {
	Server struct {
		Addr           string        `yaml:"addr"`
		OriginPatterns []string      `yaml:"origin_patterns"`
		ReadTimeout    time.Duration `yaml:"read_timeout"`
		WriteTimeout   time.Duration `yaml:"write_timeout"`
	} `yaml:"server"`

	Log struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"log"`

	Search struct {
		Timeout           time.Duration `yaml:"timeout"`
		AdapterTimeout    time.Duration `yaml:"adapter_timeout"`
		MaxConcurrent     int64         `yaml:"max_concurrent"`
		StaleAfter        time.Duration `yaml:"stale_after"`
		CacheWriteTimeout time.Duration `yaml:"cache_write_timeout"`
	} `yaml:"search"`

	Cache struct {
		Backend       string        `yaml:"backend"` // memory|pebble|badger|postgres
		Dir           string        `yaml:"dir"`
		Retention     time.Duration `yaml:"retention"`
		SweepSchedule string        `yaml:"sweep_schedule"`
		Postgres      struct {
			DSN        string `yaml:"dsn"`
			Schema     string `yaml:"schema"`
			MaxConns   int    `yaml:"max_conns"`
			ViaBouncer bool   `yaml:"via_bouncer"`
		} `yaml:"postgres"`
	} `yaml:"cache"`

	Kafka struct {
		Brokers string `yaml:"brokers"` // comma separated
	} `yaml:"kafka"`

	Changelog struct {
		Sink  string `yaml:"sink"` // none|file|kafka|both
		Path  string `yaml:"path"`
		Topic string `yaml:"topic"`
	} `yaml:"changelog"`

	Snapshot struct {
		Enabled       bool   `yaml:"enabled"`
		Dir           string `yaml:"dir"`
		Schedule      string `yaml:"schedule"`
		Keep          int    `yaml:"keep"`
		ManifestSink  string `yaml:"manifest_sink"` // file|kafka|both
		ManifestTopic string `yaml:"manifest_topic"`
		ManifestKey   string `yaml:"manifest_key"`
		// RestoreOnStart rebuilds the cache from the latest snapshot and
		// changelog before serving.
		RestoreOnStart bool `yaml:"restore_on_start"`
	} `yaml:"snapshot"`

	Feed struct {
		Enabled bool   `yaml:"enabled"`
		Topic   string `yaml:"topic"`
	} `yaml:"feed"`

	Autocomplete struct {
		Catalog []string `yaml:"catalog"`
	} `yaml:"autocomplete"`

	Adapters []adapter.Options `yaml:"adapters"`
}

// Load reads path (optional; "" means defaults only), applies environment
// overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Server.Addr = envString("ADDR", cfg.Server.Addr)
	cfg.Log.Level = envString("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Pretty = envBool("LOG_PRETTY", cfg.Log.Pretty)
	cfg.Search.Timeout = envDuration("SEARCH_TIMEOUT", cfg.Search.Timeout)
	cfg.Search.StaleAfter = envDuration("SEARCH_STALE_AFTER", cfg.Search.StaleAfter)
	cfg.Search.MaxConcurrent = int64(envInt("SEARCH_MAX_CONCURRENT", int(cfg.Search.MaxConcurrent)))
	cfg.Cache.Backend = envString("CACHE_BACKEND", cfg.Cache.Backend)
	cfg.Cache.Dir = envString("CACHE_DIR", cfg.Cache.Dir)
	cfg.Cache.Retention = envDuration("CACHE_RETENTION", cfg.Cache.Retention)
	cfg.Cache.Postgres.DSN = envString("PG_DSN", cfg.Cache.Postgres.DSN)
	cfg.Cache.Postgres.ViaBouncer = envBool("PG_VIA_BOUNCER", cfg.Cache.Postgres.ViaBouncer)
	cfg.Kafka.Brokers = envString("KAFKA_BROKERS", cfg.Kafka.Brokers)
	cfg.Changelog.Sink = envString("CHANGELOG_SINK", cfg.Changelog.Sink)
	cfg.Snapshot.Enabled = envBool("SNAPSHOT_ENABLED", cfg.Snapshot.Enabled)
	cfg.Snapshot.Dir = envString("SNAPSHOT_DIR", cfg.Snapshot.Dir)
	cfg.Feed.Enabled = envBool("FEED_ENABLED", cfg.Feed.Enabled)
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ReadTimeout <= 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout <= 0 {
		cfg.Server.WriteTimeout = 10 * time.Second
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Search.Timeout <= 0 {
		cfg.Search.Timeout = 15 * time.Second
	}
	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = cache.BackendMemory
	}
	if cfg.Cache.Dir == "" {
		cfg.Cache.Dir = "./data/cache"
	}
	if cfg.Cache.Retention <= 0 {
		cfg.Cache.Retention = cache.DefaultRetention
	}
	if cfg.Cache.SweepSchedule == "" {
		cfg.Cache.SweepSchedule = cache.DefaultSweepSchedule
	}
	if cfg.Changelog.Sink == "" {
		cfg.Changelog.Sink = "file"
	}
	if cfg.Changelog.Path == "" {
		cfg.Changelog.Path = "./data/changelog/results.jsonl"
	}
	if cfg.Changelog.Topic == "" {
		cfg.Changelog.Topic = "pricescout.changelog"
	}
	if cfg.Snapshot.Dir == "" {
		cfg.Snapshot.Dir = "./data/snapshots"
	}
	if cfg.Snapshot.Keep <= 0 {
		cfg.Snapshot.Keep = 3
	}
	if cfg.Snapshot.ManifestSink == "" {
		cfg.Snapshot.ManifestSink = "file"
	}
	if cfg.Snapshot.ManifestTopic == "" {
		cfg.Snapshot.ManifestTopic = "pricescout.manifest"
	}
	if cfg.Snapshot.ManifestKey == "" {
		cfg.Snapshot.ManifestKey = "pricescout-manifest-latest"
	}
	if cfg.Feed.Topic == "" {
		cfg.Feed.Topic = "pricescout.events"
	}
	if len(cfg.Adapters) == 0 {
		for _, m := range []string{model.Daraz, model.PriceOye, model.Telemart, model.Shophive, model.IShopping} {
			cfg.Adapters = append(cfg.Adapters, adapter.Options{Kind: adapter.KindMock, Marketplace: m})
		}
	}
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Cache.Backend {
	case cache.BackendMemory, cache.BackendPebble, cache.BackendBadger:
	case cache.BackendPostgres:
		if c.Cache.Postgres.DSN == "" {
			errs = append(errs, errors.New("cache.postgres.dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("cache.backend: unknown backend %q", c.Cache.Backend))
	}
	kafka := strings.TrimSpace(c.Kafka.Brokers) != ""
	switch c.Changelog.Sink {
	case "none", "file":
	case "kafka", "both":
		if !kafka {
			errs = append(errs, fmt.Errorf("changelog.sink %q needs kafka.brokers", c.Changelog.Sink))
		}
	default:
		errs = append(errs, fmt.Errorf("changelog.sink: unknown sink %q", c.Changelog.Sink))
	}
	switch c.Snapshot.ManifestSink {
	case "file":
	case "kafka", "both":
		if !kafka {
			errs = append(errs, fmt.Errorf("snapshot.manifest_sink %q needs kafka.brokers", c.Snapshot.ManifestSink))
		}
	default:
		errs = append(errs, fmt.Errorf("snapshot.manifest_sink: unknown sink %q", c.Snapshot.ManifestSink))
	}
	// Manifest offsets count lines of the changelog file.
	if c.Snapshot.Enabled && c.Changelog.Sink != "file" && c.Changelog.Sink != "both" {
		errs = append(errs, errors.New("snapshots need changelog.sink file or both to record replay offsets"))
	}
	if c.Feed.Enabled && !kafka {
		errs = append(errs, errors.New("feed.enabled needs kafka.brokers"))
	}
	if _, err := cache.ParseSchedule(c.Cache.SweepSchedule); err != nil {
		errs = append(errs, fmt.Errorf("cache.sweep_schedule: %w", err))
	}
	seen := make(map[string]struct{})
	for i, a := range c.Adapters {
		switch a.Kind {
		case "", adapter.KindMock, adapter.KindHTTPJSON, adapter.KindHTML:
		default:
			errs = append(errs, fmt.Errorf("adapters[%d]: unknown kind %q", i, a.Kind))
		}
		if strings.TrimSpace(a.Marketplace) == "" {
			errs = append(errs, fmt.Errorf("adapters[%d]: marketplace is required", i))
			continue
		}
		if _, dup := seen[a.Marketplace]; dup {
			errs = append(errs, fmt.Errorf("adapters[%d]: duplicate marketplace %q", i, a.Marketplace))
		}
		seen[a.Marketplace] = struct{}{}
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	return errors.Join(errs...)
}

// Brokers splits the configured broker list.
func (c *Config) Brokers() []string { return changelog.SplitBrokers(c.Kafka.Brokers) }

func envString(key, def string) string {
	v := strings.TrimSpace(os.Getenv(envPrefix + key))
	if v == "" {
		return def
	}
	return v
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(envPrefix + key))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(envPrefix + key))
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(envPrefix + key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
