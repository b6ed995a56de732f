package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"time"

	"pricescout/internal/model"
)

// Key layout shared by the on-disk engines:
//
//	s\x00<query>                      -> JSON storedSet
//	r\x00<inverted unix nanos>\x00<query> -> recency index, newest first
//	g\x00<gram>\x00<query>            -> substring index posting
const (
	setPrefix    = "s\x00"
	recentPrefix = "r\x00"
	gramPrefix   = "g\x00"
)

type kvPair struct {
	key, val []byte
}

// kvBatch is applied atomically by an engine, deletions first. ttl > 0 asks engines that support
// it to expire the written keys on their own.
type kvBatch struct {
	sets []kvPair
	dels [][]byte
	ttl  time.Duration
}

func (b *kvBatch) set(k string, v []byte) { b.sets = append(b.sets, kvPair{key: []byte(k), val: v}) }
func (b *kvBatch) del(k string)           { b.dels = append(b.dels, []byte(k)) }

// kvEngine is the minimal ordered key-value surface the store needs.
type kvEngine interface {
	get(key []byte) ([]byte, bool, error)
	scan(prefix []byte, fn func(key, val []byte) error) error
	apply(b *kvBatch) error
	close() error
}

// storedSet is the persisted value; ResultCount is derived on load.
type storedSet struct {
	Listings   []model.Listing `json:"listings"`
	SearchedAt time.Time       `json:"searchedAt"`
}

const lockStripes = 64

var errStopScan = errors.New("stop scan")

// KVStore implements Store on an ordered key-value engine. Writers for the same
// query are serialized by a striped mutex.
type KVStore struct {
	opts   Options
	engine kvEngine
	locks  [lockStripes]sync.Mutex
	ttl    bool
}

func newKVStore(engine kvEngine, opts Options, nativeTTL bool) *KVStore {
	return &KVStore{opts: opts.withDefaults(), engine: engine, ttl: nativeTTL}
}

func (s *KVStore) Close() error { return s.engine.close() }

func (s *KVStore) lock(query string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(query))
	mu := &s.locks[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

func setKey(q string) string { return setPrefix + q }

func recentKey(at time.Time, q string) string {
	return fmt.Sprintf("%s%016x\x00%s", recentPrefix, uint64(math.MaxInt64-at.UnixNano()), q)
}

func gramKey(g, q string) string { return gramPrefix + g + "\x00" + q }

func (s *KVStore) load(query string) (model.SearchResultSet, bool, error) {
	v, ok, err := s.engine.get([]byte(setKey(query)))
	if err != nil {
		return model.SearchResultSet{}, false, unavailable("get", err)
	}
	if !ok {
		return model.SearchResultSet{}, false, nil
	}
	var st storedSet
	if err := json.Unmarshal(v, &st); err != nil {
		return model.SearchResultSet{}, false, fmt.Errorf("decode set %q: %w", query, err)
	}
	return model.NewResultSet(query, st.Listings, st.SearchedAt), true, nil
}

func (s *KVStore) Get(_ context.Context, query string) (model.SearchResultSet, bool, error) {
	set, ok, err := s.load(query)
	if err != nil || !ok {
		return model.SearchResultSet{}, false, err
	}
	if set.Expired(s.opts.Now(), s.opts.Retention) {
		return model.SearchResultSet{}, false, nil
	}
	return set, true, nil
}

func (s *KVStore) Upsert(_ context.Context, query, marketplace string, listings []model.Listing) (UpsertResult, error) {
	defer s.lock(query)()
	cur, found, err := s.load(query)
	if err != nil {
		return UpsertResult{}, err
	}
	now := s.opts.Now()
	next, appended := Merge(cur, found, query, marketplace, listings, now, s.opts.Retention)
	if !appended {
		if found && cur.Expired(now, s.opts.Retention) {
			return UpsertResult{}, nil
		}
		return UpsertResult{Set: cur}, nil
	}
	var prev *model.SearchResultSet
	if found {
		prev = &cur
	}
	if err := s.write(prev, next); err != nil {
		return UpsertResult{}, err
	}
	return UpsertResult{Appended: true, Set: next}, nil
}

// write replaces prev (if any) with next, including all index entries. Index
// postings of the whole set are rewritten so that engines with native TTL keep
// them alive as long as the set itself.
func (s *KVStore) write(prev *model.SearchResultSet, next model.SearchResultSet) error {
	b := &kvBatch{}
	if s.ttl {
		b.ttl = s.opts.Retention - s.opts.Now().Sub(next.SearchedAt)
		if b.ttl <= 0 {
			return nil
		}
	}
	if prev != nil {
		b.del(recentKey(prev.SearchedAt, prev.Query))
		keep := make(map[string]struct{})
		for _, g := range setGrams(next) {
			keep[g] = struct{}{}
		}
		for _, g := range setGrams(*prev) {
			if _, ok := keep[g]; !ok {
				b.del(gramKey(g, prev.Query))
			}
		}
	}
	val, err := json.Marshal(storedSet{Listings: next.Listings, SearchedAt: next.SearchedAt})
	if err != nil {
		return fmt.Errorf("encode set %q: %w", next.Query, err)
	}
	b.set(setKey(next.Query), val)
	b.set(recentKey(next.SearchedAt, next.Query), nil)
	for _, g := range setGrams(next) {
		b.set(gramKey(g, next.Query), nil)
	}
	if err := s.engine.apply(b); err != nil {
		return unavailable("write", err)
	}
	return nil
}

func (s *KVStore) delete(set model.SearchResultSet) error {
	b := &kvBatch{}
	b.del(setKey(set.Query))
	b.del(recentKey(set.SearchedAt, set.Query))
	for _, g := range setGrams(set) {
		b.del(gramKey(g, set.Query))
	}
	if err := s.engine.apply(b); err != nil {
		return unavailable("delete", err)
	}
	return nil
}

// postings returns the queries indexed under gram.
func (s *KVStore) postings(gram string) (map[string]struct{}, error) {
	prefix := []byte(gramPrefix + gram + "\x00")
	out := make(map[string]struct{})
	err := s.engine.scan(prefix, func(key, _ []byte) error {
		out[string(key[len(prefix):])] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, unavailable("scan postings", err)
	}
	return out, nil
}

func (s *KVStore) FindSubstring(_ context.Context, fragment string, opts FindOptions) ([]model.Listing, error) {
	fragment = strings.ToLower(strings.TrimSpace(fragment))
	grams := fragmentGrams(fragment)
	if len(grams) == 0 {
		return nil, nil
	}
	var candidates map[string]struct{}
	for _, g := range grams {
		qs, err := s.postings(g)
		if err != nil {
			return nil, err
		}
		if len(qs) == 0 {
			return nil, nil
		}
		candidates = intersect(candidates, qs)
	}
	now := s.opts.Now()
	sets := make([]model.SearchResultSet, 0, len(candidates))
	for q := range candidates {
		set, ok, err := s.load(q)
		if err != nil {
			return nil, err
		}
		if ok && !set.Expired(now, s.opts.Retention) {
			sets = append(sets, set)
		}
	}
	sortByRecency(sets)
	return matchListings(sets, fragment, opts), nil
}

func (s *KVStore) Recent(_ context.Context, limit int) ([]model.SearchResultSet, error) {
	now := s.opts.Now()
	var out []model.SearchResultSet
	err := s.engine.scan([]byte(recentPrefix), func(key, _ []byte) error {
		i := bytes.IndexByte(key[len(recentPrefix):], 0)
		if i < 0 {
			return nil
		}
		q := string(key[len(recentPrefix)+i+1:])
		set, ok, err := s.load(q)
		if err != nil {
			return err
		}
		if !ok || set.Expired(now, s.opts.Retention) {
			return nil
		}
		out = append(out, set)
		if limit > 0 && len(out) >= limit {
			return errStopScan
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopScan) {
		return nil, unavailable("scan recent", err)
	}
	return out, nil
}

func (s *KVStore) Purge(_ context.Context) (int, error) {
	now := s.opts.Now()
	var expired []string
	err := s.engine.scan([]byte(setPrefix), func(key, val []byte) error {
		var st storedSet
		if err := json.Unmarshal(val, &st); err != nil {
			return err
		}
		if (model.SearchResultSet{SearchedAt: st.SearchedAt}).Expired(now, s.opts.Retention) {
			expired = append(expired, string(key[len(setPrefix):]))
		}
		return nil
	})
	if err != nil {
		return 0, unavailable("scan sets", err)
	}
	n := 0
	for _, q := range expired {
		removed, err := s.purgeOne(q, now)
		if err != nil {
			return n, err
		}
		if removed {
			n++
		}
	}
	return n, nil
}

func (s *KVStore) purgeOne(query string, now time.Time) (bool, error) {
	defer s.lock(query)()
	set, ok, err := s.load(query)
	if err != nil || !ok || !set.Expired(now, s.opts.Retention) {
		return false, err
	}
	return true, s.delete(set)
}

func (s *KVStore) Range(_ context.Context, fn func(set model.SearchResultSet) error) error {
	now := s.opts.Now()
	var sets []model.SearchResultSet
	err := s.engine.scan([]byte(setPrefix), func(key, val []byte) error {
		var st storedSet
		if err := json.Unmarshal(val, &st); err != nil {
			return err
		}
		set := model.NewResultSet(string(key[len(setPrefix):]), st.Listings, st.SearchedAt)
		if !set.Expired(now, s.opts.Retention) {
			sets = append(sets, set)
		}
		return nil
	})
	if err != nil {
		return unavailable("scan sets", err)
	}
	for _, set := range sets {
		if err := fn(set); err != nil {
			return err
		}
	}
	return nil
}

// Load replaces the given sets wholesale; expired sets are skipped.
func (s *KVStore) Load(_ context.Context, sets []model.SearchResultSet) error {
	now := s.opts.Now()
	for _, set := range sets {
		if set.Query == "" || set.Expired(now, s.opts.Retention) {
			continue
		}
		if err := s.replace(model.NewResultSet(set.Query, set.Listings, set.SearchedAt)); err != nil {
			return err
		}
	}
	return nil
}

func (s *KVStore) replace(set model.SearchResultSet) error {
	defer s.lock(set.Query)()
	cur, found, err := s.load(set.Query)
	if err != nil {
		return err
	}
	var prev *model.SearchResultSet
	if found {
		prev = &cur
	}
	return s.write(prev, set)
}
