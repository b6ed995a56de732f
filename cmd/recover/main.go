package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"pricescout/internal/cache"
	"pricescout/internal/changelog"
	"pricescout/internal/logging"
	"pricescout/internal/manifest"
	"pricescout/internal/metrics"
	"pricescout/internal/restore"
	"pricescout/internal/snapshot"
)

// recover rebuilds a result cache from the latest snapshot plus the changelog
// tail. With -poll it repeats the rebuild into a scratch memory store and
// exports time-to-recover and lag, which is how recovery is monitored.
func main() {
	var (
		bootstrap       string
		manifestSource  string
		changelogSource string
		topicManifest   string
		manifestKey     string
		topicChangelog  string
		changelogPath   string
		snapshotDir     string
		backend         string
		cacheDir        string
		pgDSN           string
		retention       time.Duration
		httpAddr        string
		pollInterval    time.Duration
		logLevel        string
	)
	flag.StringVar(&bootstrap, "bootstrap", "localhost:9092", "kafka bootstrap servers")
	flag.StringVar(&manifestSource, "manifest-source", "file", "file|kafka")
	flag.StringVar(&changelogSource, "changelog-source", "file", "file|kafka")
	flag.StringVar(&topicManifest, "topic-manifest", "pricescout.manifest", "manifest topic (compacted)")
	flag.StringVar(&manifestKey, "manifest-key", "pricescout-manifest-latest", "manifest record key")
	flag.StringVar(&topicChangelog, "topic-changelog", "pricescout.changelog", "changelog topic")
	flag.StringVar(&changelogPath, "changelog", "./data/changelog/results.jsonl", "changelog file for file mode")
	flag.StringVar(&snapshotDir, "snapshot-dir", "./data/snapshots", "snapshot directory")
	flag.StringVar(&backend, "cache-backend", "pebble", "target store: memory|pebble|badger|postgres")
	flag.StringVar(&cacheDir, "cache-dir", "./data/cache", "target directory for pebble|badger")
	flag.StringVar(&pgDSN, "pg-dsn", "", "target postgres DSN")
	flag.DurationVar(&retention, "retention", cache.DefaultRetention, "result set retention")
	flag.StringVar(&httpAddr, "http", ":9090", "http listen for /metrics (poll mode)")
	flag.DurationVar(&pollInterval, "poll", 0, "repeat recovery at this interval into a scratch store; 0 runs once")
	flag.StringVar(&logLevel, "log-level", "info", "log level")
	flag.Parse()

	log := logging.Must(logLevel, true)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	brokers := changelog.SplitBrokers(bootstrap)
	mr, err := restore.ManifestReader(manifestSource, snapshotDir, brokers, topicManifest, manifestKey)
	if err != nil {
		log.Fatal().Err(err).Msg("manifest reader")
	}
	src, err := restore.ChangelogSource(changelogSource, changelogPath, brokers, topicChangelog)
	if err != nil {
		log.Fatal().Err(err).Msg("changelog source")
	}
	snaps := snapshot.NewFilesystemSnapshotter(snapshotDir)
	copts := cache.Options{Retention: retention}

	if pollInterval <= 0 {
		st, err := cache.Open(ctx, backend, cacheDir, cache.PostgresOptions{DSN: pgDSN}, copts)
		if err != nil {
			log.Fatal().Err(err).Msg("open target store")
		}
		defer st.Close()
		res, err := restore.NewRestorer(st, snaps, mr, restore.Options{Retention: retention, Log: log}).RestoreAndReplay(ctx, src)
		if err != nil {
			log.Error().Err(err).Msg("recovery failed")
			return
		}
		log.Info().Str("backend", backend).Int("sets", res.Loaded).Msg("cache rebuilt")
		return
	}

	mreg := metrics.NewRegistry()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", mreg.Handler())
		_ = http.ListenAndServe(httpAddr, mux)
	}()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		cycle(ctx, snaps, mr, src, copts, changelogSource, changelogPath, bootstrap, topicChangelog, mreg, log)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func cycle(ctx context.Context, snaps *snapshot.FilesystemSnapshotter, mr manifest.Reader, src restore.Source, copts cache.Options,
	changelogSource, changelogPath, bootstrap, topic string, mreg *metrics.Registry, log zerolog.Logger) {
	st := cache.NewMemoryStore(copts)
	defer st.Close()
	res, err := restore.NewRestorer(st, snaps, mr, restore.Options{Retention: copts.Retention, Log: log}).RestoreAndReplay(ctx, src)
	if err != nil {
		log.Error().Err(err).Msg("recovery cycle failed")
		return
	}
	mreg.Applied.Add(float64(res.Applied))
	mreg.Skipped.Add(float64(res.Skipped))
	mreg.ReplayBytes.Add(float64(res.ReplayBytes))
	mreg.TTRSec.Set(res.Took.Seconds())

	var head int64 = -1
	if changelogSource == "kafka" {
		head = headOffset(topic, bootstrap)
	} else if n, err := changelog.CountLines(changelogPath); err == nil {
		head = n
	}
	log.Info().
		Str("snapshot_id", res.SnapshotID).
		Int("applied", res.Applied).
		Int("skipped", res.Skipped).
		Int("replayed", res.Applied+res.Skipped).
		Int64("changelog_head", head).
		Float64("ttr_sec", res.Took.Seconds()).
		Msg("recovery cycle")
}

// headOffset returns the number of records in partition 0 of topic, or -1.
func headOffset(topic string, bootstrap string) int64 {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	brokers := changelog.SplitBrokers(bootstrap)
	if len(brokers) == 0 {
		return -1
	}
	conn, err := kafka.DialLeader(ctx, "tcp", brokers[0], topic, 0)
	if err != nil {
		return -1
	}
	defer conn.Close()
	off, err := conn.ReadLastOffset()
	if err != nil {
		return -1
	}
	return off
}
