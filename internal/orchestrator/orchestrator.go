// Package orchestrator fans one query out to every marketplace adapter,
// streams each adapter's outcome as it settles and persists successful results
// to the result cache.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"pricescout/internal/adapter"
	"pricescout/internal/cache"
	"pricescout/internal/changelog"
	"pricescout/internal/metrics"
	"pricescout/internal/model"
)

type Options struct {
	// Timeout is the per-query deadline after which unsettled adapters are
	// reported as timed out and DONE is emitted.
	Timeout time.Duration
	// AdapterTimeout bounds an adapter call itself. Calls outlive the query
	// deadline up to this bound so late results still reach the cache.
	AdapterTimeout time.Duration
	// MaxConcurrent caps adapter calls in flight across all queries.
	MaxConcurrent int64
	// StaleAfter > 0 re-scrapes marketplaces whose cached set is older than
	// this; 0 treats any cached listing as sufficient.
	StaleAfter time.Duration
	// CacheWriteTimeout bounds each upsert.
	CacheWriteTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 15 * time.Second
	}
	if o.AdapterTimeout <= 0 {
		o.AdapterTimeout = 2 * o.Timeout
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 64
	}
	if o.CacheWriteTimeout <= 0 {
		o.CacheWriteTimeout = 5 * time.Second
	}
	return o
}

// Orchestrator is safe for concurrent use; one instance serves all queries.
type Orchestrator struct {
	adapters  []adapter.Adapter
	cache     cache.Store
	changelog changelog.Writer
	metrics   *metrics.Registry
	log       zerolog.Logger
	opts      Options
	sem       *semaphore.Weighted
	now       func() time.Time
}

type Config struct {
	Adapters  []adapter.Adapter
	Cache     cache.Store
	Changelog changelog.Writer
	Metrics   *metrics.Registry
	Log       zerolog.Logger
	Options   Options
}

func New(cfg Config) *Orchestrator {
	opts := cfg.Options.withDefaults()
	return &Orchestrator{
		adapters:  cfg.Adapters,
		cache:     cfg.Cache,
		changelog: cfg.Changelog,
		metrics:   cfg.Metrics,
		log:       cfg.Log.With().Str("component", "orchestrator").Logger(),
		opts:      opts,
		sem:       semaphore.NewWeighted(opts.MaxConcurrent),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Marketplaces lists the configured marketplaces in configuration order.
func (o *Orchestrator) Marketplaces() []string {
	out := make([]string, len(o.adapters))
	for i, a := range o.adapters {
		out[i] = a.Marketplace()
	}
	return out
}

// SourceStatus is one marketplace's contribution to an Outcome.
type SourceStatus struct {
	Marketplace string          `json:"marketplace"`
	Kind        model.EventKind `json:"kind"`
	Count       int             `json:"count"`
	Error       string          `json:"error,omitempty"`
	Cached      bool            `json:"cached"`
	Took        time.Duration   `json:"tookNs"`
}

// Outcome is the final view of one query. Set holds cached and fresh listings
// together; Sources holds one entry per configured marketplace.
type Outcome struct {
	Query   string
	Set     model.SearchResultSet
	Cached  bool
	Sources []SourceStatus
}

// Succeeded counts sources that returned at least one listing.
func (o Outcome) Succeeded() int {
	n := 0
	for _, s := range o.Sources {
		if s.Kind == model.EventResult {
			n++
		}
	}
	return n
}

// settled is a tagged adapter outcome handed from a worker to the emit loop.
type settled struct {
	marketplace string
	products    []model.Listing
	err         string
	empty       bool
	took        time.Duration
}

func (s settled) kind() model.EventKind {
	switch {
	case s.err != "":
		return model.EventError
	case s.empty:
		return model.EventNoResults
	default:
		return model.EventResult
	}
}

// Orchestrate runs query and calls emit once per event, serially, ending with
// DONE. emit is not called after ctx is done; in-flight adapters keep running
// and still write to the cache.
func (o *Orchestrator) Orchestrate(ctx context.Context, query string, emit func(model.StreamEvent)) (Outcome, error) {
	start := time.Now()
	q := model.NormalizeQuery(query)
	out := Outcome{Query: q, Set: model.NewResultSet(q, nil, o.now())}
	if !model.ValidQuery(q) {
		o.countSearch("invalid", start)
		return out, fmt.Errorf("%w: %q must be at least %d characters", ErrInvalidQuery, q, model.MinQueryLength)
	}
	log := o.log.With().Str("query", q).Logger()

	cached, hit := o.lookup(ctx, log, q)
	now := o.now()
	fresh := hit && (o.opts.StaleAfter <= 0 || now.Sub(cached.SearchedAt) < o.opts.StaleAfter)
	byMarket := map[string][]model.Listing{}
	if fresh {
		byMarket = cached.ByMarketplace()
	}

	var dispatch []adapter.Adapter
	var listings []model.Listing
	statuses := make(map[string]SourceStatus, len(o.adapters))
	for _, a := range o.adapters {
		m := a.Marketplace()
		if ls := byMarket[m]; len(ls) > 0 {
			listings = append(listings, ls...)
			statuses[m] = SourceStatus{Marketplace: m, Kind: model.EventResult, Count: len(ls), Cached: true}
			continue
		}
		dispatch = append(dispatch, a)
	}
	cachedContributed := len(listings) > 0

	// Cached slices go out first, in configuration order.
	for _, a := range o.adapters {
		if st, ok := statuses[a.Marketplace()]; ok && st.Cached {
			if ctx.Err() != nil {
				break
			}
			emit(model.ResultEvent(st.Marketplace, byMarket[st.Marketplace], true))
		}
	}

	if len(dispatch) == 0 && hit {
		out.Set = cached
		out.Cached = true
		out.Sources = o.ordered(statuses)
		if ctx.Err() == nil {
			emit(model.DoneEvent())
		}
		o.countSearch("cached", start)
		log.Debug().Int("results", cached.ResultCount).Msg("served from cache")
		return out, nil
	}

	results := make(chan settled, len(dispatch))
	for _, a := range dispatch {
		go o.run(ctx, log, q, a, results)
	}

	deadline := time.NewTimer(o.opts.Timeout)
	defer deadline.Stop()
	pending := make(map[string]bool, len(dispatch))
	for _, a := range dispatch {
		pending[a.Marketplace()] = true
	}
	var failures []SourceError
	canceled := false
	// Nothing is emitted once the client is gone.
	send := func(ev model.StreamEvent) {
		if ctx.Err() == nil {
			emit(ev)
		}
	}

wait:
	for len(pending) > 0 {
		select {
		case r := <-results:
			delete(pending, r.marketplace)
			statuses[r.marketplace] = SourceStatus{Marketplace: r.marketplace, Kind: r.kind(), Count: len(r.products), Error: r.err, Took: r.took}
			switch r.kind() {
			case model.EventResult:
				listings = append(listings, r.products...)
				send(model.ResultEvent(r.marketplace, r.products, false))
			case model.EventNoResults:
				send(model.NoResultsEvent(r.marketplace))
			default:
				failures = append(failures, SourceError{Marketplace: r.marketplace, Message: r.err})
				send(model.ErrorEvent(r.marketplace, r.err))
			}
		case <-deadline.C:
			msg := "timed out after " + o.opts.Timeout.String()
			for _, a := range dispatch {
				m := a.Marketplace()
				if !pending[m] {
					continue
				}
				statuses[m] = SourceStatus{Marketplace: m, Kind: model.EventError, Error: msg, Took: o.opts.Timeout}
				failures = append(failures, SourceError{Marketplace: m, Message: msg})
				send(model.ErrorEvent(m, msg))
			}
			break wait
		case <-ctx.Done():
			canceled = true
			break wait
		}
	}

	out.Set = model.NewResultSet(q, listings, o.now())
	out.Sources = o.ordered(statuses)
	if canceled || ctx.Err() != nil {
		o.countSearch("canceled", start)
		log.Debug().Int("pending", len(pending)).Msg("client went away; adapters continue in background")
		return out, ctx.Err()
	}
	emit(model.DoneEvent())

	if len(dispatch) > 0 && len(failures) == len(dispatch) && !cachedContributed {
		o.countSearch("failed", start)
		log.Warn().Int("sources", len(failures)).Msg("all sources failed")
		return out, &AllSourcesFailedError{Query: q, Failures: failures}
	}
	if hit {
		o.countSearch("partial", start)
	} else {
		o.countSearch("fresh", start)
	}
	log.Info().
		Int("results", out.Set.ResultCount).
		Int("sources", len(o.adapters)).
		Int("failed", len(failures)).
		Dur("took", time.Since(start)).
		Msg("search complete")
	return out, nil
}

// lookup reads the cache; failures degrade to a miss.
func (o *Orchestrator) lookup(ctx context.Context, log zerolog.Logger, q string) (model.SearchResultSet, bool) {
	if o.cache == nil {
		return model.SearchResultSet{}, false
	}
	set, ok, err := o.cache.Get(ctx, q)
	switch {
	case err != nil:
		log.Warn().Err(err).Msg("cache lookup failed; continuing without cache")
		o.countLookup("error")
		return model.SearchResultSet{}, false
	case ok:
		o.countLookup("hit")
	default:
		o.countLookup("miss")
	}
	return set, ok
}

// run calls one adapter and persists its result. It never blocks on the
// caller: results is buffered for every dispatched adapter.
func (o *Orchestrator) run(parent context.Context, log zerolog.Logger, q string, a adapter.Adapter, results chan<- settled) {
	m := a.Marketplace()
	start := time.Now()
	res := settled{marketplace: m}
	defer func() {
		if p := recover(); p != nil {
			log.Error().Str("marketplace", m).Interface("panic", p).Msg("adapter panicked")
			res = settled{marketplace: m, err: "adapter failed unexpectedly"}
		}
		res.took = time.Since(start)
		o.observeAdapter(res)
		results <- res
	}()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), o.opts.AdapterTimeout)
	defer cancel()
	if err := o.sem.Acquire(ctx, 1); err != nil {
		res.err = "timed out waiting for a free worker"
		return
	}
	defer o.sem.Release(1)

	resp, err := a.Search(ctx, q)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		res.err = "timed out after " + o.opts.AdapterTimeout.String()
		return
	case err != nil:
		var ue *adapter.UnreachableError
		if errors.As(err, &ue) {
			log.Warn().Err(ue.Err).Str("marketplace", m).Msg("marketplace unreachable")
		}
		res.err = err.Error()
		return
	case !resp.Success:
		res.err = resp.ErrorMessage
		if res.err == "" {
			res.err = "search failed"
		}
		return
	case len(resp.Products) == 0:
		res.empty = true
		return
	}
	res.products = make([]model.Listing, len(resp.Products))
	for i, l := range resp.Products {
		l.Marketplace = m
		res.products[i] = l
	}
	o.persist(parent, log, q, m, res.products)
}

func (o *Orchestrator) persist(parent context.Context, log zerolog.Logger, q, m string, products []model.Listing) {
	if o.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), o.opts.CacheWriteTimeout)
	defer cancel()
	up, err := o.cache.Upsert(ctx, q, m, products)
	if err != nil {
		if o.metrics != nil {
			o.metrics.CacheWriteErrors.Inc()
		}
		log.Warn().Err(err).Str("marketplace", m).Msg("cache write failed")
		return
	}
	if !up.Appended || o.changelog == nil {
		return
	}
	e := changelog.Entry{Query: q, Marketplace: m, Listings: products, SearchedAt: up.Set.SearchedAt}
	if err := o.changelog.Append(ctx, e); err != nil {
		if o.metrics != nil {
			o.metrics.ChangelogErrors.Inc()
		}
		log.Warn().Err(err).Str("marketplace", m).Msg("changelog append failed")
		return
	}
	if o.metrics != nil {
		o.metrics.ChangelogAppended.Inc()
	}
}

// ordered returns statuses in configuration order.
func (o *Orchestrator) ordered(statuses map[string]SourceStatus) []SourceStatus {
	out := make([]SourceStatus, 0, len(statuses))
	for _, a := range o.adapters {
		if st, ok := statuses[a.Marketplace()]; ok {
			out = append(out, st)
		}
	}
	return out
}

func (o *Orchestrator) countSearch(outcome string, start time.Time) {
	if o.metrics == nil {
		return
	}
	o.metrics.Searches.WithLabelValues(outcome).Inc()
	o.metrics.SearchLatency.Observe(time.Since(start).Seconds())
}

func (o *Orchestrator) countLookup(result string) {
	if o.metrics != nil {
		o.metrics.CacheLookups.WithLabelValues(result).Inc()
	}
}

func (o *Orchestrator) observeAdapter(r settled) {
	if o.metrics == nil {
		return
	}
	o.metrics.AdapterResults.WithLabelValues(r.marketplace, string(r.kind())).Inc()
	o.metrics.AdapterLatency.WithLabelValues(r.marketplace).Observe(r.took.Seconds())
}
