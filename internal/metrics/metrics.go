package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	// Searches counts orchestrated queries by outcome: cached, partial, fresh,
	// failed, invalid.
	Searches       *prometheus.CounterVec
	SearchLatency  prometheus.Histogram
	AdapterResults *prometheus.CounterVec
	AdapterLatency *prometheus.HistogramVec

	CacheLookups     *prometheus.CounterVec
	CacheWriteErrors prometheus.Counter
	PurgedSets       prometheus.Counter

	ChangelogAppended prometheus.Counter
	ChangelogErrors   prometheus.Counter
	FeedPublished     prometheus.Counter
	FeedErrors        prometheus.Counter

	ActiveSessions        prometheus.Gauge
	AutocompleteFallbacks prometheus.Counter

	SnapshotsWritten prometheus.Counter
	Applied          prometheus.Counter
	Skipped          prometheus.Counter
	TTRSec           prometheus.Gauge
	ReplayBytes      prometheus.Counter
}

func NewRegistry() *Registry {
	r := prometheus.NewRegistry()
	searches := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pricescout_searches_total"}, []string{"outcome"})
	searchLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pricescout_search_latency_seconds",
		Buckets: prometheus.DefBuckets,
	})
	adapterResults := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pricescout_adapter_results_total"}, []string{"marketplace", "kind"})
	adapterLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pricescout_adapter_latency_seconds",
		Buckets: []float64{.1, .25, .5, 1, 2, 4, 8, 15},
	}, []string{"marketplace"})
	cacheLookups := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pricescout_cache_lookups_total"}, []string{"result"})
	cacheWriteErrors := prometheus.NewCounter(prometheus.CounterOpts{Name: "pricescout_cache_write_errors_total"})
	purged := prometheus.NewCounter(prometheus.CounterOpts{Name: "pricescout_cache_purged_sets_total"})
	clAppended := prometheus.NewCounter(prometheus.CounterOpts{Name: "pricescout_changelog_appended_total"})
	clErrors := prometheus.NewCounter(prometheus.CounterOpts{Name: "pricescout_changelog_errors_total"})
	feedPublished := prometheus.NewCounter(prometheus.CounterOpts{Name: "pricescout_feed_published_total"})
	feedErrors := prometheus.NewCounter(prometheus.CounterOpts{Name: "pricescout_feed_errors_total"})
	sessions := prometheus.NewGauge(prometheus.GaugeOpts{Name: "pricescout_stream_sessions_active"})
	fallbacks := prometheus.NewCounter(prometheus.CounterOpts{Name: "pricescout_autocomplete_fallbacks_total"})
	snapshots := prometheus.NewCounter(prometheus.CounterOpts{Name: "pricescout_snapshots_written_total"})
	applied := prometheus.NewCounter(prometheus.CounterOpts{Name: "pricescout_replay_applied_total"})
	skipped := prometheus.NewCounter(prometheus.CounterOpts{Name: "pricescout_replay_skipped_total"})
	ttr := prometheus.NewGauge(prometheus.GaugeOpts{Name: "pricescout_recovery_ttr_seconds"})
	replayBytes := prometheus.NewCounter(prometheus.CounterOpts{Name: "pricescout_replay_bytes_total"})

	r.MustRegister(searches, searchLatency, adapterResults, adapterLatency, cacheLookups, cacheWriteErrors,
		purged, clAppended, clErrors, feedPublished, feedErrors, sessions, fallbacks, snapshots,
		applied, skipped, ttr, replayBytes)
	return &Registry{
		reg:                   r,
		Searches:              searches,
		SearchLatency:         searchLatency,
		AdapterResults:        adapterResults,
		AdapterLatency:        adapterLatency,
		CacheLookups:          cacheLookups,
		CacheWriteErrors:      cacheWriteErrors,
		PurgedSets:            purged,
		ChangelogAppended:     clAppended,
		ChangelogErrors:       clErrors,
		FeedPublished:         feedPublished,
		FeedErrors:            feedErrors,
		ActiveSessions:        sessions,
		AutocompleteFallbacks: fallbacks,
		SnapshotsWritten:      snapshots,
		Applied:               applied,
		Skipped:               skipped,
		TTRSec:                ttr,
		ReplayBytes:           replayBytes,
	}
}

func (r *Registry) Handler() http.Handler { return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}) }
