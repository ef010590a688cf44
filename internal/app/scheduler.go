/**
 * @description
 * Cron scheduler setup for settlement jobs.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/ys6448761-hue/daily-miracles-app-sub003/internal/config"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
	config config.Config
}

// NewScheduler creates a scheduler. Schedules are evaluated in the business
// timezone.
func NewScheduler(jobs *Jobs, logger *slog.Logger, cfg config.Config) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	opts := []cron.Option{cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger))}
	if cfg.Location != nil {
		opts = append(opts, cron.WithLocation(cfg.Location))
	}

	return &Scheduler{
		cron:   cron.New(opts...),
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler. Jobs with an empty
// schedule are disabled.
func (s *Scheduler) Start() {
	entries := []struct {
		name     string
		schedule string
		fn       func()
	}{
		{JobReleaseHeld, s.config.ReleaseHeldSchedule, s.jobs.ReleaseHeldShares},
		{JobCreatePayoutBatch, s.config.PayoutBatchSchedule, s.jobs.CreatePayoutBatch},
		{JobCollectDeductions, s.config.DeductionSchedule, s.jobs.CollectDeferredDeductions},
		{JobReloadRates, s.config.RateReloadSchedule, s.jobs.ReloadRates},
	}

	for _, e := range entries {
		if e.schedule == "" {
			s.logger.Info("job disabled", "job", e.name)
			continue
		}
		if _, err := s.cron.AddFunc(e.schedule, e.fn); err != nil {
			s.logger.Error("failed to schedule job", "job", e.name, "schedule", e.schedule, "error", err)
			continue
		}
		s.logger.Info("scheduled job", "job", e.name, "schedule", e.schedule)
	}

	s.cron.Start()
}

// Stop stops the scheduler; the returned context is done when running jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
