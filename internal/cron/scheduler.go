// Package cron runs the periodic retention job that prunes old run
// metric rows from the store.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/quorum/internal/store"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// DefaultSchedule prunes nightly at 03:00.
const DefaultSchedule = "0 3 * * *"

// Config holds the dependencies for the retention scheduler.
type Config struct {
	Store  store.Store
	Logger *slog.Logger

	// Schedule is a 5-field cron expression; defaults to DefaultSchedule.
	Schedule string

	// RetentionDays is how long run metric rows are kept. Zero disables
	// pruning entirely.
	RetentionDays int
}

// Scheduler fires the retention job on a cron schedule.
type Scheduler struct {
	store     store.Store
	logger    *slog.Logger
	sched     cronlib.Schedule
	retention time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler from the given config.
func NewScheduler(cfg Config) (*Scheduler, error) {
	expr := cfg.Schedule
	if expr == "" {
		expr = DefaultSchedule
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:     cfg.Store,
		logger:    logger,
		sched:     sched,
		retention: time.Duration(cfg.RetentionDays) * 24 * time.Hour,
	}, nil
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	if s.retention <= 0 {
		s.logger.Info("metrics retention disabled")
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("retention scheduler started", "retention", s.retention)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	// Prune once on startup, then on each scheduled firing.
	s.prune(ctx)

	for {
		next := s.sched.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.prune(ctx)
		}
	}
}

func (s *Scheduler) prune(ctx context.Context) {
	cutoff := time.Now().Add(-s.retention)
	pruned, err := s.store.PruneMetrics(ctx, cutoff)
	if err != nil {
		s.logger.Error("metrics prune failed", "error", err)
		return
	}
	if pruned > 0 {
		s.logger.Info("metrics pruned", "rows", pruned, "cutoff", cutoff.Format(time.RFC3339))
	}
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
