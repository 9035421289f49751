// Package sweep runs the periodic housekeeping jobs that keep the
// engine from deadlocking on crashed workers: failing jobs stuck in
// running past a max age, and reaping expired refresh locks.
package sweep

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dinq/analyze/internal/repository"
)

// Config tunes the sweep cadence and staleness thresholds.
type Config struct {
	Enabled    bool
	Interval   time.Duration
	MaxJobAge  time.Duration
}

// Sweeper periodically marks stuck jobs failed and reaps stale refresh
// locks, mirroring the job-service cleanup loop this engine replaced a
// crawl/extract domain with.
type Sweeper struct {
	jobs   *repository.JobRepository
	locks  *repository.RefreshLockRepository
	cfg    Config
	logger *slog.Logger
	cron   *cron.Cron
}

// New builds a Sweeper. Call Start to schedule it.
func New(jobs *repository.JobRepository, locks *repository.RefreshLockRepository, cfg Config, logger *slog.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.MaxJobAge <= 0 {
		cfg.MaxJobAge = 30 * time.Minute
	}
	return &Sweeper{jobs: jobs, locks: locks, cfg: cfg, logger: logger}
}

// Start schedules the sweep on its configured interval. A no-op if
// sweeping is disabled.
func (s *Sweeper) Start(ctx context.Context) {
	if !s.cfg.Enabled {
		s.logger.Info("stale-job sweep disabled")
		return
	}

	s.cron = cron.New(cron.WithSeconds())
	spec := everySpec(s.cfg.Interval)
	_, err := s.cron.AddFunc(spec, func() { s.runOnce(ctx) })
	if err != nil {
		s.logger.Error("failed to schedule sweep", "error", err)
		return
	}
	s.cron.Start()
	s.logger.Info("stale-job sweep started", "interval", s.cfg.Interval, "max_job_age", s.cfg.MaxJobAge)
}

// Stop cancels the scheduled sweep.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

func (s *Sweeper) runOnce(ctx context.Context) {
	ids, err := s.jobs.MarkStaleRunningFailed(ctx, s.cfg.MaxJobAge)
	if err != nil {
		s.logger.Error("sweep: mark stale running jobs failed", "error", err)
	} else if len(ids) > 0 {
		s.logger.Info("sweep: marked stale running jobs failed", "count", len(ids))
	}

	n, err := s.locks.ReapExpired(ctx)
	if err != nil {
		s.logger.Error("sweep: reap expired refresh locks failed", "error", err)
	} else if n > 0 {
		s.logger.Info("sweep: reaped expired refresh locks", "count", n)
	}
}

// everySpec converts a duration into a robfig/cron "@every" spec.
func everySpec(d time.Duration) string {
	return "@every " + d.String()
}
