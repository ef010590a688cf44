/**
 * @description
 * Scheduled settlement jobs: releasing held shares, creating the monthly payout
 * batch, collecting deferred deductions and reloading rate constants.
 */
package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ys6448761-hue/daily-miracles-app-sub003/internal/domain"
	"github.com/ys6448761-hue/daily-miracles-app-sub003/internal/observability"
)

// Job names, used for locks, logs and metrics.
const (
	JobReleaseHeld       = "release_held_shares"
	JobCreatePayoutBatch = "create_payout_batch"
	JobCollectDeductions = "collect_deferred_deductions"
	JobReloadRates       = "reload_rates"
)

// ShareReleaser releases held ledger lines.
type ShareReleaser interface {
	ReleaseHeldShares(ctx context.Context) (domain.ReleaseResult, error)
}

// BatchRunner creates payout batches and collects deferred deductions.
type BatchRunner interface {
	CreatePayoutBatch(ctx context.Context, batchDate *time.Time) (*domain.PayoutBatch, error)
	CollectDeferredDeductions(ctx context.Context) (domain.CollectionResult, error)
}

// RateReloader re-reads rate constants from storage.
type RateReloader interface {
	Load(ctx context.Context) error
}

// JobLocker keeps a job from running on two replicas at once. ok is false
// when another holder owns the lock.
type JobLocker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (release func(), ok bool, err error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	releaser ShareReleaser
	batches  BatchRunner
	rates    RateReloader
	locker   JobLocker
	lockTTL  time.Duration
	logger   *slog.Logger
	metrics  *observability.SettlementMetrics
}

// NewJobs creates a job runner. locker may be nil when no redis is configured.
func NewJobs(releaser ShareReleaser, batches BatchRunner, rates RateReloader, locker JobLocker, lockTTL time.Duration, logger *slog.Logger, metrics *observability.SettlementMetrics) *Jobs {
	return &Jobs{
		releaser: releaser,
		batches:  batches,
		rates:    rates,
		locker:   locker,
		lockTTL:  lockTTL,
		logger:   logger,
		metrics:  metrics,
	}
}

// ReleaseHeldShares moves held lines past their hold date to released.
func (j *Jobs) ReleaseHeldShares() {
	j.run(JobReleaseHeld, func(ctx context.Context) error {
		result, err := j.releaser.ReleaseHeldShares(ctx)
		if err != nil {
			return err
		}
		j.logger.Info("held shares released", "creator_shares", result.CreatorShares, "growth_shares", result.GrowthShares)
		return nil
	})
}

// CreatePayoutBatch creates this month's draft batch.
func (j *Jobs) CreatePayoutBatch() {
	j.run(JobCreatePayoutBatch, func(ctx context.Context) error {
		batch, err := j.batches.CreatePayoutBatch(ctx, nil)
		if errors.Is(err, ErrDraftBatchOpen) {
			j.logger.Warn("previous payout batch is still a draft; skipping")
			return nil
		}
		if err != nil {
			return err
		}
		j.logger.Info("payout batch drafted", "batch_id", batch.ID, "total_creators", batch.TotalCreators, "total_amount", batch.TotalAmount)
		return nil
	})
}

// CollectDeferredDeductions applies outstanding deduction liabilities.
func (j *Jobs) CollectDeferredDeductions() {
	j.run(JobCollectDeductions, func(ctx context.Context) error {
		result, err := j.batches.CollectDeferredDeductions(ctx)
		j.logger.Info("deferred deductions collected", "creators", result.Creators, "collected", result.Collected, "remaining", result.Remaining)
		return err
	})
}

// ReloadRates refreshes the in-memory rate snapshot. Every replica holds its
// own snapshot, so the reload never takes the job lock.
func (j *Jobs) ReloadRates() {
	j.runLocal(JobReloadRates, func(ctx context.Context) error {
		err := j.rates.Load(ctx)
		j.metrics.ObserveRateReload(err)
		return err
	})
}

// run executes fn under the cross-replica job lock. The job context expires
// with the lock so a stuck job cannot outlive it.
func (j *Jobs) run(name string, fn func(ctx context.Context) error) {
	j.logger.Info("starting job", "job", name)
	ctx, cancel := j.jobContext()
	defer cancel()

	if j.locker != nil {
		release, ok, err := j.locker.TryLock(ctx, name, j.lockTTL)
		if err != nil {
			j.logger.Error("failed to acquire job lock", "job", name, "error", err)
			return
		}
		if !ok {
			j.logger.Info("job is running elsewhere; skipping", "job", name)
			return
		}
		defer release()
	}

	j.execute(ctx, name, fn)
}

// runLocal executes fn on this replica without the job lock.
func (j *Jobs) runLocal(name string, fn func(ctx context.Context) error) {
	j.logger.Info("starting job", "job", name)
	ctx, cancel := j.jobContext()
	defer cancel()

	j.execute(ctx, name, fn)
}

func (j *Jobs) jobContext() (context.Context, context.CancelFunc) {
	if j.lockTTL <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), j.lockTTL)
}

func (j *Jobs) execute(ctx context.Context, name string, fn func(ctx context.Context) error) {
	started := time.Now()
	err := fn(ctx)
	j.metrics.ObserveJob(name, started, err)
	if err != nil {
		j.logger.Error("job failed", "job", name, "error", err)
		return
	}

	j.logger.Info("job finished", "job", name, "duration", time.Since(started))
}
