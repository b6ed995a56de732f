package snapshot

import (
	"context"
	"fmt"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"pricescout/internal/cache"
	"pricescout/internal/manifest"
)

// OffsetSource reports the changelog position covered by a snapshot.
type OffsetSource interface {
	Offset() int64
}

// Scheduler takes a snapshot on a cron schedule, publishes its manifest and
// prunes old snapshot directories.
type Scheduler struct {
	store     cache.Store
	snap      *FilesystemSnapshotter
	pub       manifest.Publisher
	offsets   OffsetSource
	keep      int
	log       zerolog.Logger
	cron      *cronlib.Cron
	onWritten func(sets int)
}

type SchedulerOptions struct {
	Schedule  string
	Keep      int
	OnWritten func(sets int)
}

func NewScheduler(st cache.Store, snap *FilesystemSnapshotter, pub manifest.Publisher, offsets OffsetSource, opts SchedulerOptions, log zerolog.Logger) (*Scheduler, error) {
	if opts.Schedule == "" {
		opts.Schedule = "@every 15m"
	}
	sched, err := cache.ParseSchedule(opts.Schedule)
	if err != nil {
		return nil, err
	}
	s := &Scheduler{
		store:     st,
		snap:      snap,
		pub:       pub,
		offsets:   offsets,
		keep:      opts.Keep,
		log:       log.With().Str("component", "snapshot").Logger(),
		onWritten: opts.OnWritten,
	}
	s.cron = cronlib.New(cronlib.WithChain(cronlib.Recover(cronlib.DiscardLogger)))
	s.cron.Schedule(sched, cronlib.FuncJob(func() {
		if _, err := s.RunOnce(context.Background()); err != nil {
			s.log.Error().Err(err).Msg("snapshot failed")
		}
	}))
	return s, nil
}

// RunOnce snapshots now. The changelog offset is read before ranging the
// cache, so replay from it may re-apply entries already in the snapshot;
// first-write-wins upserts make that harmless.
func (s *Scheduler) RunOnce(ctx context.Context) (manifest.Manifest, error) {
	var offset int64
	if s.offsets != nil {
		offset = s.offsets.Offset()
	}
	now := time.Now().UTC()
	id := NewID(now)
	n, err := s.snap.WriteSnapshot(ctx, id, s.store)
	if err != nil {
		return manifest.Manifest{}, fmt.Errorf("write snapshot %s: %w", id, err)
	}
	m := manifest.Manifest{SnapshotID: id, LastChangelogOffset: offset, Sets: n, CreatedAt: now}
	if s.pub != nil {
		if err := s.pub.PublishLatest(ctx, m); err != nil {
			return m, fmt.Errorf("publish manifest: %w", err)
		}
	}
	if s.keep > 0 {
		if _, err := s.snap.Prune(s.keep); err != nil {
			s.log.Warn().Err(err).Msg("prune snapshots")
		}
	}
	if s.onWritten != nil {
		s.onWritten(n)
	}
	s.log.Info().Str("snapshot_id", id).Int("sets", n).Int64("changelog_offset", offset).Msg("snapshot written")
	return m, nil
}

func (s *Scheduler) Start() { s.cron.Start() }

func (s *Scheduler) Stop() { <-s.cron.Stop().Done() }
