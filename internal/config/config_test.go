package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pricescout/internal/adapter"
	"pricescout/internal/cache"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "pricescout.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":8080" || cfg.Search.Timeout != 15*time.Second || cfg.Cache.Backend != "memory" {
		t.Fatalf("defaults: %+v", cfg)
	}
	if cfg.Cache.Retention != cache.DefaultRetention || cfg.Cache.SweepSchedule != cache.DefaultSweepSchedule {
		t.Fatalf("cache defaults: %+v", cfg.Cache)
	}
	if len(cfg.Adapters) != 5 || cfg.Adapters[0].Kind != adapter.KindMock {
		t.Fatalf("default adapters: %+v", cfg.Adapters)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	p := writeConfig(t, `
server:
  addr: ":9000"
search:
  timeout: 5s
  stale_after: 24h
cache:
  backend: pebble
  dir: /tmp/pc
kafka:
  brokers: "k1:9092, k2:9092"
changelog:
  sink: both
adapters:
  - kind: httpjson
    marketplace: Daraz
    base_url: http://localhost:9100
    rate_per_sec: 2
    timeout: 3s
  - kind: html
    marketplace: Telemart
    base_url: http://localhost:9100
`)
	t.Setenv("PRICESCOUT_ADDR", ":9100")
	t.Setenv("PRICESCOUT_SEARCH_TIMEOUT", "bogus")
	t.Setenv("PRICESCOUT_CACHE_BACKEND", "badger")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":9100" || cfg.Cache.Backend != "badger" || cfg.Cache.Dir != "/tmp/pc" {
		t.Fatalf("overrides: %+v", cfg)
	}
	if cfg.Search.Timeout != 5*time.Second || cfg.Search.StaleAfter != 24*time.Hour {
		t.Fatalf("search: %+v", cfg.Search)
	}
	if got := cfg.Brokers(); len(got) != 2 || got[1] != "k2:9092" {
		t.Fatalf("brokers %v", got)
	}
	if len(cfg.Adapters) != 2 || cfg.Adapters[0].Timeout != 3*time.Second || cfg.Adapters[0].RatePerSec != 2 {
		t.Fatalf("adapters %+v", cfg.Adapters)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name, body, want string
	}{
		{"backend", "cache: {backend: redis}", "unknown backend"},
		{"postgres dsn", "cache: {backend: postgres}", "dsn is required"},
		{"kafka sink", "changelog: {sink: kafka}", "needs kafka.brokers"},
		{"feed", "feed: {enabled: true}", "feed.enabled"},
		{"schedule", "cache: {sweep_schedule: 'every tuesday'}", "sweep_schedule"},
		{"adapter kind", "adapters: [{kind: graphql, marketplace: X}]", "unknown kind"},
		{"duplicate", "adapters: [{marketplace: X}, {marketplace: X}]", "duplicate marketplace"},
		{"level", "log: {level: loud}", "log.level"},
		{"snapshot offsets", "snapshot: {enabled: true}\nchangelog: {sink: none}", "replay offsets"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("want error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("want error for missing file")
	}
}
