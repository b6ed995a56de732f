package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"pricescout/internal/adapter"
	"pricescout/internal/autocomplete"
	"pricescout/internal/cache"
	"pricescout/internal/changelog"
	"pricescout/internal/config"
	"pricescout/internal/eventfeed"
	"pricescout/internal/httpapi"
	"pricescout/internal/logging"
	"pricescout/internal/manifest"
	"pricescout/internal/metrics"
	"pricescout/internal/orchestrator"
	"pricescout/internal/restore"
	"pricescout/internal/snapshot"
	"pricescout/internal/stream"
)

// Flags override the configuration file and environment.
type Flags struct {
	ConfigPath   string
	Addr         string
	LogLevel     string
	CacheBackend string
	Restore      bool
}

func main() {
	fl := readFlags()
	cfg, err := config.Load(fl.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pricescout: %v\n", err)
		os.Exit(2)
	}
	applyFlags(cfg, fl)
	log := logging.Must(cfg.Log.Level, cfg.Log.Pretty)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("pricescout failed")
	}
}

func readFlags() Flags {
	var fl Flags
	flag.StringVar(&fl.ConfigPath, "config", "", "path to YAML config")
	flag.StringVar(&fl.Addr, "addr", "", "listen address, overrides server.addr")
	flag.StringVar(&fl.LogLevel, "log-level", "", "debug|info|warn|error")
	flag.StringVar(&fl.CacheBackend, "cache-backend", "", "memory|pebble|badger|postgres")
	flag.BoolVar(&fl.Restore, "restore", false, "restore the cache from snapshot and changelog before serving")
	flag.Parse()
	return fl
}

func applyFlags(cfg *config.Config, fl Flags) {
	if fl.Addr != "" {
		cfg.Server.Addr = fl.Addr
	}
	if fl.LogLevel != "" {
		cfg.Log.Level = fl.LogLevel
	}
	if fl.CacheBackend != "" {
		cfg.Cache.Backend = fl.CacheBackend
	}
	if fl.Restore {
		cfg.Snapshot.RestoreOnStart = true
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mreg := metrics.NewRegistry()
	copts := cache.Options{Retention: cfg.Cache.Retention}
	pg := cache.PostgresOptions{
		DSN:        cfg.Cache.Postgres.DSN,
		Schema:     cfg.Cache.Postgres.Schema,
		MaxConns:   cfg.Cache.Postgres.MaxConns,
		ViaBouncer: cfg.Cache.Postgres.ViaBouncer,
	}
	store, err := cache.Open(ctx, cfg.Cache.Backend, cfg.Cache.Dir, pg, copts)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer store.Close()
	log.Info().Str("backend", cfg.Cache.Backend).Dur("retention", cfg.Cache.Retention).Msg("cache ready")

	clog, fileLog, closeLog, err := openChangelog(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	snaps := snapshot.NewFilesystemSnapshotter(cfg.Snapshot.Dir)
	if cfg.Snapshot.RestoreOnStart {
		if err := restoreCache(ctx, cfg, store, snaps, mreg, log); err != nil {
			return err
		}
	}

	sweeper, err := cache.NewSweeper(store, cfg.Cache.SweepSchedule, log, func(n int, _ time.Duration) {
		mreg.PurgedSets.Add(float64(n))
	})
	if err != nil {
		return fmt.Errorf("sweeper: %w", err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	if cfg.Snapshot.Enabled {
		pub, err := manifestPublisher(cfg)
		if err != nil {
			return err
		}
		sched, err := snapshot.NewScheduler(store, snaps, pub, fileLog, snapshot.SchedulerOptions{
			Schedule:  cfg.Snapshot.Schedule,
			Keep:      cfg.Snapshot.Keep,
			OnWritten: func(int) { mreg.SnapshotsWritten.Inc() },
		}, log)
		if err != nil {
			return fmt.Errorf("snapshot scheduler: %w", err)
		}
		sched.Start()
		defer sched.Stop()
	}

	adapters := make([]adapter.Adapter, 0, len(cfg.Adapters))
	for _, o := range cfg.Adapters {
		a, err := adapter.New(o)
		if err != nil {
			return err
		}
		adapters = append(adapters, a)
	}
	orch := orchestrator.New(orchestrator.Config{
		Adapters:  adapters,
		Cache:     store,
		Changelog: clog,
		Metrics:   mreg,
		Log:       log,
		Options: orchestrator.Options{
			Timeout:           cfg.Search.Timeout,
			AdapterTimeout:    cfg.Search.AdapterTimeout,
			MaxConcurrent:     cfg.Search.MaxConcurrent,
			StaleAfter:        cfg.Search.StaleAfter,
			CacheWriteTimeout: cfg.Search.CacheWriteTimeout,
		},
	})
	log.Info().Strs("marketplaces", orch.Marketplaces()).Msg("adapters configured")

	acOpts := []autocomplete.Option{autocomplete.WithMetrics(mreg)}
	if len(cfg.Autocomplete.Catalog) > 0 {
		acOpts = append(acOpts, autocomplete.WithCatalog(cfg.Autocomplete.Catalog))
	}
	suggest := autocomplete.New(store, log, acOpts...)

	var observer stream.Observer
	if cfg.Feed.Enabled {
		feed, err := eventfeed.New(cfg.Kafka.Brokers, cfg.Feed.Topic, log, mreg)
		if err != nil {
			return err
		}
		defer feed.Close(5 * time.Second)
		observer = feed.Observe
	}

	api := httpapi.New(httpapi.Config{
		Search:  orch,
		Suggest: suggest,
		Recent:  store,
		Stream: stream.NewHandler(orch, log, stream.HandlerOptions{
			ReadTimeout:    cfg.Server.ReadTimeout,
			WriteTimeout:   cfg.Server.WriteTimeout,
			OriginPatterns: cfg.Server.OriginPatterns,
			Observer:       observer,
			Metrics:        mreg,
		}),
		Metrics: mreg,
		Log:     log,
	})
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("listening")
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	}
	sctx, cancel := context.WithTimeout(context.Background(), cfg.Search.Timeout+5*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("shutdown")
	}
	return nil
}

// openChangelog builds the configured writer. fileLog is nil unless the file
// sink is active; it supplies snapshot offsets.
func openChangelog(cfg *config.Config) (w changelog.Writer, fileLog *changelog.FileWriter, closeFn func(), err error) {
	closeFn = func() {}
	sink := cfg.Changelog.Sink
	var writers []changelog.Writer
	if sink == "file" || sink == "both" {
		fileLog, err = changelog.NewFileWriter(filepath.Dir(cfg.Changelog.Path), filepath.Base(cfg.Changelog.Path))
		if err != nil {
			return nil, nil, closeFn, fmt.Errorf("init changelog file: %w", err)
		}
		writers = append(writers, fileLog)
	}
	if sink == "kafka" || sink == "both" {
		kw := changelog.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Changelog.Topic)
		writers = append(writers, kw)
		closeFn = func() { _ = kw.Close() }
	}
	switch len(writers) {
	case 0:
		return nil, nil, closeFn, nil
	case 1:
		return writers[0], fileLog, closeFn, nil
	}
	return changelog.NewMultiWriter(writers...), fileLog, closeFn, nil
}

func manifestPublisher(cfg *config.Config) (manifest.Publisher, error) {
	fs := manifest.NewFilesystemManifest(cfg.Snapshot.Dir)
	switch cfg.Snapshot.ManifestSink {
	case "kafka":
		return manifest.NewKafkaManifest(cfg.Brokers(), cfg.Snapshot.ManifestTopic, cfg.Snapshot.ManifestKey), nil
	case "both":
		return manifest.MultiPublisher(fs, manifest.NewKafkaManifest(cfg.Brokers(), cfg.Snapshot.ManifestTopic, cfg.Snapshot.ManifestKey)), nil
	}
	return fs, nil
}

func restoreCache(ctx context.Context, cfg *config.Config, store cache.Store, snaps *snapshot.FilesystemSnapshotter, mreg *metrics.Registry, log zerolog.Logger) error {
	// A manifest in Kafka only is read back from Kafka; otherwise the file wins.
	mkind := "file"
	if cfg.Snapshot.ManifestSink == "kafka" {
		mkind = "kafka"
	}
	mr, err := restore.ManifestReader(mkind, cfg.Snapshot.Dir, cfg.Brokers(), cfg.Snapshot.ManifestTopic, cfg.Snapshot.ManifestKey)
	if err != nil {
		return err
	}
	skind := "file"
	if cfg.Changelog.Sink == "kafka" {
		skind = "kafka"
	}
	src, err := restore.ChangelogSource(skind, cfg.Changelog.Path, cfg.Brokers(), cfg.Changelog.Topic)
	if err != nil {
		return err
	}
	r := restore.NewRestorer(store, snaps, mr, restore.Options{Retention: cfg.Cache.Retention, Log: log})
	res, err := r.RestoreAndReplay(ctx, src)
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	mreg.Applied.Add(float64(res.Applied))
	mreg.Skipped.Add(float64(res.Skipped))
	mreg.ReplayBytes.Add(float64(res.ReplayBytes))
	mreg.TTRSec.Set(res.Took.Seconds())
	return nil
}
