// Package cache is the durable result cache: prior search result sets keyed by
// normalized query, expired after a retention window and indexed for substring
// lookup over listing names.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"pricescout/internal/model"
)

// DefaultRetention is how long a result set lives after its last append.
const DefaultRetention = 7 * 24 * time.Hour

// ErrCacheUnavailable wraps every storage-level failure.
var ErrCacheUnavailable = errors.New("cache unavailable")

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrCacheUnavailable, err)
}

// Options are shared by all backends.
type Options struct {
	Retention time.Duration
	// Now is the clock; split for testability.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Retention <= 0 {
		o.Retention = DefaultRetention
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return o
}

// UpsertResult tells whether the marketplace slice was appended and returns the
// set as stored after the call.
type UpsertResult struct {
	Appended bool
	Set      model.SearchResultSet
}

// FindOptions narrows FindSubstring. Limit <= 0 means no limit.
type FindOptions struct {
	Marketplace string
	Limit       int
	// PricedOnly skips listings without a price or a marketplace.
	PricedOnly bool
}

// Store abstracts the cache backend.
type Store interface {
	Get(ctx context.Context, query string) (model.SearchResultSet, bool, error)
	Upsert(ctx context.Context, query, marketplace string, listings []model.Listing) (UpsertResult, error)
	FindSubstring(ctx context.Context, fragment string, opts FindOptions) ([]model.Listing, error)
	Recent(ctx context.Context, limit int) ([]model.SearchResultSet, error)
	Purge(ctx context.Context) (int, error)
	Range(ctx context.Context, fn func(set model.SearchResultSet) error) error
	Load(ctx context.Context, sets []model.SearchResultSet) error
	Close() error
}

// Merge applies append-if-marketplace-absent to cur. Listings are re-tagged
// with marketplace so that later presence checks are exact.
func Merge(cur model.SearchResultSet, found bool, query, marketplace string, listings []model.Listing, now time.Time, retention time.Duration) (model.SearchResultSet, bool) {
	if len(listings) == 0 || marketplace == "" {
		return cur, false
	}
	tagged := make([]model.Listing, len(listings))
	for i, l := range listings {
		l.Marketplace = marketplace
		tagged[i] = l
	}
	if !found || cur.Expired(now, retention) {
		return model.NewResultSet(query, tagged, now), true
	}
	if cur.HasMarketplace(marketplace) {
		return cur, false
	}
	next := model.NewResultSet(query, append(append([]model.Listing(nil), cur.Listings...), tagged...), now)
	return next, true
}

// matchListings walks sets (already most-recent-first) and returns listings
// whose lower-cased name contains fragment.
func matchListings(sets []model.SearchResultSet, fragment string, opts FindOptions) []model.Listing {
	var out []model.Listing
	for _, s := range sets {
		for _, l := range s.Listings {
			if opts.Marketplace != "" && l.Marketplace != opts.Marketplace {
				continue
			}
			if opts.PricedOnly && (l.Price == nil || l.Marketplace == "") {
				continue
			}
			if !strings.Contains(strings.ToLower(l.Name), fragment) {
				continue
			}
			out = append(out, l)
			if opts.Limit > 0 && len(out) >= opts.Limit {
				return out
			}
		}
	}
	return out
}

func sortByRecency(sets []model.SearchResultSet) {
	sort.SliceStable(sets, func(i, j int) bool {
		if !sets[i].SearchedAt.Equal(sets[j].SearchedAt) {
			return sets[i].SearchedAt.After(sets[j].SearchedAt)
		}
		return sets[i].Query < sets[j].Query
	})
}

// MemoryStore is a thread-safe in-process store. A single RWMutex serializes
// writers, which makes every upsert atomic per query.
type MemoryStore struct {
	opts  Options
	mu    sync.RWMutex
	sets  map[string]model.SearchResultSet
	grams map[string]map[string]struct{}
}

func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{
		opts:  opts.withDefaults(),
		sets:  make(map[string]model.SearchResultSet),
		grams: make(map[string]map[string]struct{}),
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) Get(_ context.Context, query string) (model.SearchResultSet, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sets[query]
	if !ok || s.Expired(m.opts.Now(), m.opts.Retention) {
		return model.SearchResultSet{}, false, nil
	}
	return cloneSet(s), true, nil
}

func (m *MemoryStore) Upsert(_ context.Context, query, marketplace string, listings []model.Listing) (UpsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, found := m.sets[query]
	next, appended := Merge(cur, found, query, marketplace, listings, m.opts.Now(), m.opts.Retention)
	if !appended {
		if found && cur.Expired(m.opts.Now(), m.opts.Retention) {
			return UpsertResult{}, nil
		}
		return UpsertResult{Set: cloneSet(cur)}, nil
	}
	m.putLocked(next)
	return UpsertResult{Appended: true, Set: cloneSet(next)}, nil
}

func (m *MemoryStore) putLocked(s model.SearchResultSet) {
	if old, ok := m.sets[s.Query]; ok {
		m.unindexLocked(old)
	}
	m.sets[s.Query] = s
	for _, g := range setGrams(s) {
		qs := m.grams[g]
		if qs == nil {
			qs = make(map[string]struct{})
			m.grams[g] = qs
		}
		qs[s.Query] = struct{}{}
	}
}

func (m *MemoryStore) unindexLocked(s model.SearchResultSet) {
	for _, g := range setGrams(s) {
		if qs := m.grams[g]; qs != nil {
			delete(qs, s.Query)
			if len(qs) == 0 {
				delete(m.grams, g)
			}
		}
	}
}

func (m *MemoryStore) FindSubstring(_ context.Context, fragment string, opts FindOptions) ([]model.Listing, error) {
	fragment = strings.ToLower(strings.TrimSpace(fragment))
	grams := fragmentGrams(fragment)
	if len(grams) == 0 {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var candidates map[string]struct{}
	for _, g := range grams {
		qs := m.grams[g]
		if len(qs) == 0 {
			return nil, nil
		}
		candidates = intersect(candidates, qs)
	}
	now := m.opts.Now()
	sets := make([]model.SearchResultSet, 0, len(candidates))
	for q := range candidates {
		if s, ok := m.sets[q]; ok && !s.Expired(now, m.opts.Retention) {
			sets = append(sets, s)
		}
	}
	sortByRecency(sets)
	return matchListings(sets, fragment, opts), nil
}

func (m *MemoryStore) Recent(_ context.Context, limit int) ([]model.SearchResultSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.opts.Now()
	out := make([]model.SearchResultSet, 0, len(m.sets))
	for _, s := range m.sets {
		if !s.Expired(now, m.opts.Retention) {
			out = append(out, cloneSet(s))
		}
	}
	sortByRecency(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Purge(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.opts.Now()
	n := 0
	for q, s := range m.sets {
		if s.Expired(now, m.opts.Retention) {
			m.unindexLocked(s)
			delete(m.sets, q)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Range(_ context.Context, fn func(set model.SearchResultSet) error) error {
	m.mu.RLock()
	now := m.opts.Now()
	snapshot := make([]model.SearchResultSet, 0, len(m.sets))
	for _, s := range m.sets {
		if !s.Expired(now, m.opts.Retention) {
			snapshot = append(snapshot, cloneSet(s))
		}
	}
	m.mu.RUnlock()
	for _, s := range snapshot {
		if err := fn(s); err != nil {
			return err
		}
	}
	return nil
}

// Load replaces the given sets wholesale; expired sets are skipped.
func (m *MemoryStore) Load(_ context.Context, sets []model.SearchResultSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.opts.Now()
	for _, s := range sets {
		if s.Query == "" || s.Expired(now, m.opts.Retention) {
			continue
		}
		m.putLocked(model.NewResultSet(s.Query, s.Listings, s.SearchedAt))
	}
	return nil
}

func cloneSet(s model.SearchResultSet) model.SearchResultSet {
	s.Listings = append([]model.Listing(nil), s.Listings...)
	return s
}

func intersect(acc map[string]struct{}, next map[string]struct{}) map[string]struct{} {
	if acc == nil {
		out := make(map[string]struct{}, len(next))
		for k := range next {
			out[k] = struct{}{}
		}
		return out
	}
	for k := range acc {
		if _, ok := next[k]; !ok {
			delete(acc, k)
		}
	}
	return acc
}
