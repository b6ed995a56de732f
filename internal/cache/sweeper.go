package cache

import (
	"context"
	"fmt"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultSweepSchedule purges expired sets once an hour.
const DefaultSweepSchedule = "@every 1h"

// ParseSchedule accepts standard five-field expressions and descriptors such
// as "@hourly" or "@every 10m".
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	parser := cronlib.NewParser(cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor)
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", expr, err)
	}
	return sched, nil
}

// Sweeper runs Store.Purge on a cron schedule.
type Sweeper struct {
	store   Store
	log     zerolog.Logger
	cron    *cronlib.Cron
	timeout time.Duration
	onPurge func(n int, took time.Duration)
}

func NewSweeper(store Store, schedule string, log zerolog.Logger, onPurge func(n int, took time.Duration)) (*Sweeper, error) {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return nil, err
	}
	s := &Sweeper{
		store:   store,
		log:     log.With().Str("component", "sweeper").Logger(),
		timeout: time.Minute,
		onPurge: onPurge,
	}
	s.cron = cronlib.New(cronlib.WithLogger(cronLogger{log: s.log}), cronlib.WithChain(cronlib.SkipIfStillRunning(cronLogger{log: s.log})))
	s.cron.Schedule(sched, cronlib.FuncJob(func() { _, _ = s.Sweep(context.Background()) }))
	return s, nil
}

// Sweep purges once, outside the schedule.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	start := time.Now()
	n, err := s.store.Purge(ctx)
	took := time.Since(start)
	if err != nil {
		s.log.Warn().Err(err).Msg("purge failed")
		return n, err
	}
	if s.onPurge != nil {
		s.onPurge(n, took)
	}
	s.log.Debug().Int("purged", n).Dur("took", took).Msg("purge done")
	return n, nil
}

func (s *Sweeper) Start() { s.cron.Start() }

// Stop waits for a running sweep to finish.
func (s *Sweeper) Stop() { <-s.cron.Stop().Done() }

// cronLogger routes robfig/cron's logging to zerolog.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug().Fields(kv).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error().Err(err).Fields(kv).Msg(msg)
}

var _ cronlib.Logger = cronLogger{}
