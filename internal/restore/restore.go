// Package restore rebuilds a result cache from the latest snapshot plus the
// changelog tail recorded after it.
package restore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"pricescout/internal/cache"
	"pricescout/internal/changelog"
	"pricescout/internal/manifest"
	"pricescout/internal/model"
	"pricescout/internal/snapshot"
)

// Source replays changelog entries after the first `from` records and returns
// the number of bytes read.
type Source interface {
	Replay(ctx context.Context, from int64, fn func(e changelog.Entry) error) (int64, error)
}

// FileSource replays a JSONL changelog file.
type FileSource struct {
	Path string
}

func (f FileSource) Replay(_ context.Context, from int64, fn func(e changelog.Entry) error) (int64, error) {
	var n int64
	err := changelog.ReadFile(f.Path, from, func(_ int64, size int, e changelog.Entry) error {
		n += int64(size)
		return fn(e)
	})
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	return n, err
}

// kafkaMessageReader abstracts kafka.Reader for testability.
type kafkaMessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaSource replays partition 0 of a changelog topic. from is interpreted
// as a message index; reading stops when the topic stays idle for Idle.
type KafkaSource struct {
	open func() kafkaMessageReader
	Idle time.Duration
}

func NewKafkaSource(brokers []string, topic string) *KafkaSource {
	return &KafkaSource{
		open: func() kafkaMessageReader {
			return kafka.NewReader(kafka.ReaderConfig{
				Brokers:   brokers,
				Topic:     topic,
				Partition: 0,
				MinBytes:  1,
				MaxBytes:  10e6,
			})
		},
		Idle: 5 * time.Second,
	}
}

func (k *KafkaSource) Replay(ctx context.Context, from int64, fn func(e changelog.Entry) error) (int64, error) {
	rd := k.open()
	defer rd.Close()
	var n, idx int64
	for {
		rctx, cancel := context.WithTimeout(ctx, k.Idle)
		m, err := rd.ReadMessage(rctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return n, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return n, nil
			}
			return n, fmt.Errorf("read kafka: %w", err)
		}
		idx++
		if idx <= from {
			continue
		}
		n += int64(len(m.Value))
		var e changelog.Entry
		if err := json.Unmarshal(m.Value, &e); err != nil {
			return n, fmt.Errorf("unmarshal entry %d: %w", idx, err)
		}
		if err := fn(e); err != nil {
			return n, err
		}
	}
}

type Options struct {
	Retention time.Duration
	Now       func() time.Time
	Log       zerolog.Logger
}

type Restorer struct {
	store     cache.Store
	snaps     *snapshot.FilesystemSnapshotter
	manifests manifest.Reader
	opts      Options
}

func NewRestorer(st cache.Store, snaps *snapshot.FilesystemSnapshotter, mr manifest.Reader, opts Options) *Restorer {
	if opts.Retention <= 0 {
		opts.Retention = cache.DefaultRetention
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Restorer{store: st, snaps: snaps, manifests: mr, opts: opts}
}

// Result counts what a restore did. Applied/Skipped count replayed entries
// that did / did not change a set; Expired counts sets and entries dropped
// because they are older than the retention window.
type Result struct {
	SnapshotID  string
	Restored    int
	Applied     int
	Skipped     int
	Expired     int
	Loaded      int
	ReplayBytes int64
	Took        time.Duration
}

// replayState folds snapshot sets and changelog entries before they are loaded.
type replayState struct {
	sets      map[string]model.SearchResultSet
	retention time.Duration
}

// apply replays one entry with the same append-if-absent rule as live upserts,
// at the entry's own timestamp so recovered sets keep their age.
func (s *replayState) apply(e changelog.Entry) bool {
	cur, found := s.sets[e.Query]
	next, ok := cache.Merge(cur, found, e.Query, e.Marketplace, e.Listings, e.SearchedAt, s.retention)
	if ok {
		s.sets[e.Query] = next
	}
	return ok
}

// RestoreAndReplay loads the snapshot named by the latest manifest, replays
// src from the manifest's offset and loads the surviving sets into the store.
// A missing manifest or snapshot restores from the changelog alone.
func (r *Restorer) RestoreAndReplay(ctx context.Context, src Source) (Result, error) {
	start := time.Now()
	log := r.opts.Log
	var res Result

	var from int64
	m, err := r.manifests.ReadLatest(ctx)
	switch {
	case errors.Is(err, manifest.ErrNoManifest):
		log.Info().Msg("restore: no manifest, replaying full changelog")
	case err != nil:
		return res, fmt.Errorf("read manifest: %w", err)
	default:
		res.SnapshotID = m.SnapshotID
		from = m.LastChangelogOffset
	}

	st := &replayState{sets: make(map[string]model.SearchResultSet), retention: r.opts.Retention}
	if res.SnapshotID != "" && r.snaps != nil {
		sets, err := r.snaps.ReadSnapshot(res.SnapshotID)
		switch {
		case errors.Is(err, snapshot.ErrNotFound):
			log.Warn().Str("snapshot_id", res.SnapshotID).Msg("restore: snapshot missing, replaying full changelog")
			from = 0
		case err != nil:
			return res, fmt.Errorf("restore snapshot: %w", err)
		default:
			for _, s := range sets {
				st.sets[s.Query] = s
			}
			res.Restored = len(sets)
		}
	}

	if src != nil {
		n, err := src.Replay(ctx, from, func(e changelog.Entry) error {
			if st.apply(e) {
				res.Applied++
			} else {
				res.Skipped++
			}
			return nil
		})
		res.ReplayBytes = n
		if err != nil {
			return res, fmt.Errorf("replay changelog: %w", err)
		}
	}

	now := r.opts.Now()
	live := make([]model.SearchResultSet, 0, len(st.sets))
	for _, s := range st.sets {
		if s.Expired(now, r.opts.Retention) {
			res.Expired++
			continue
		}
		live = append(live, s)
	}
	if err := r.store.Load(ctx, live); err != nil {
		return res, fmt.Errorf("load store: %w", err)
	}
	res.Loaded = len(live)
	res.Took = time.Since(start)
	log.Info().
		Str("snapshot_id", res.SnapshotID).
		Int("restored", res.Restored).
		Int("applied", res.Applied).
		Int("skipped", res.Skipped).
		Int("expired", res.Expired).
		Int("loaded", res.Loaded).
		Dur("took", res.Took).
		Msg("restore complete")
	return res, nil
}
