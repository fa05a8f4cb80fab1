package dispatcher

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Scheduler is the single tick source driving every rebalance countdown. It
// optionally reloads snapshots on a slower cadence from a separate goroutine,
// so a slow snapshot read never delays a tick.
type Scheduler struct {
	dispatcher *Dispatcher
	interval   time.Duration
	refresh    time.Duration
	logger     *slog.Logger
}

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	// Interval between ticks. Defaults to one second.
	Interval time.Duration
	// RefreshEvery reloads the snapshot at this cadence; zero disables it.
	RefreshEvery time.Duration
	Logger       *slog.Logger
}

// NewScheduler constructs a scheduler for d.
func NewScheduler(d *Dispatcher, cfg SchedulerConfig) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		dispatcher: d,
		interval:   interval,
		refresh:    cfg.RefreshEvery,
		logger:     logger.With("component", "scheduler"),
	}
}

// Run ticks until ctx is cancelled. Snapshot reloads run on their own ticker.
func (s *Scheduler) Run(ctx context.Context) error {
	if s == nil || s.dispatcher == nil {
		return nil
	}
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval), slog.Duration("refresh", s.refresh))
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return s.tickLoop(ctx) })
	if s.refresh > 0 {
		group.Go(func() error { return s.refreshLoop(ctx) })
	}
	return group.Wait()
}

func (s *Scheduler) tickLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			s.Step(ctx, now)
		}
	}
}

func (s *Scheduler) refreshLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Reload(ctx)
		}
	}
}

// Step performs one tick, advancing every countdown.
func (s *Scheduler) Step(ctx context.Context, now time.Time) {
	s.dispatcher.Tick(ctx, now)
}

// Reload pulls a fresh snapshot. Failures are logged and the previous
// snapshot stays in effect.
func (s *Scheduler) Reload(ctx context.Context) {
	if err := s.dispatcher.Refresh(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("snapshot refresh failed", slog.Any("error", err))
	}
}
