package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"treasuryd/affiliate"
	"treasuryd/distribution"
	"treasuryd/observability"
)

// jobTimeout bounds a single batch execution.
const jobTimeout = 5 * time.Minute

// Batch cadences.
const (
	specChipExpiry   = "0 2 * * *" // daily
	specWeeklyShares = "0 3 * * 1" // Mondays
	specSunsetCheck  = "30 3 * * 1"
	specGuaranteed   = "0 4 1 * *" // 1st of month
	specVaultBonus   = "30 4 1 * *"
)

// Sentinel TTLs: long enough to cover the period plus scheduling slack.
const (
	dailyTTL   = 36 * time.Hour
	weeklyTTL  = 8 * 24 * time.Hour
	monthlyTTL = 32 * 24 * time.Hour
)

// PoolFunc reports the affiliate pool available for the current weekly
// distribution, in cents.
type PoolFunc func(ctx context.Context) (int64, error)

// Jobs carries the engines the scheduled batches drive.
type Jobs struct {
	Distribution *distribution.Engine
	Chips        *affiliate.Ledger
	// WeeklyPoolCents supplies the affiliate pool for the Monday
	// distribution. It is consulted only after the period is claimed.
	WeeklyPoolCents PoolFunc
	// RestorePoolCents returns a drained pool to the accrual when the
	// ledger reports the period was already distributed.
	RestorePoolCents func(ctx context.Context, cents int64) error
}

// Scheduler runs the periodic batches under the cross-process sentinel.
type Scheduler struct {
	cron     *cron.Cron
	sentinel *Sentinel
	jobs     Jobs
	log      *slog.Logger
	metrics  *observability.TreasuryMetrics
	now      func() time.Time
}

// Option customises the scheduler.
type Option func(*Scheduler)

// WithClock sets the time source for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) { s.now = clock }
}

// New builds the scheduler and registers every batch.
func New(sentinel *Sentinel, jobs Jobs, log *slog.Logger, opts ...Option) (*Scheduler, error) {
	if sentinel == nil {
		return nil, fmt.Errorf("scheduler: sentinel required")
	}
	if jobs.Distribution == nil || jobs.Chips == nil {
		return nil, fmt.Errorf("scheduler: distribution engine and chip ledger required")
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Scheduler{
		cron:     cron.New(),
		sentinel: sentinel,
		jobs:     jobs,
		log:      log,
		metrics:  observability.Treasury(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	register := func(spec, name string, run func()) error {
		if _, err := s.cron.AddFunc(spec, run); err != nil {
			return fmt.Errorf("scheduler: register %s: %w", name, err)
		}
		return nil
	}
	if err := register(specChipExpiry, "chip_expiry", s.RunChipExpiry); err != nil {
		return nil, err
	}
	if err := register(specWeeklyShares, "weekly_distribution", s.RunWeeklyDistribution); err != nil {
		return nil, err
	}
	if err := register(specSunsetCheck, "sunset_check", s.RunSunsetCheck); err != nil {
		return nil, err
	}
	if err := register(specGuaranteed, "guaranteed_comps", s.RunGuaranteedComps); err != nil {
		return nil, err
	}
	if err := register(specVaultBonus, "vault_bonus", s.RunVaultBonus); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins cron scheduling in the background.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts scheduling and waits for running batches.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// guarded claims the job-period key, runs the batch, and records the
// outcome. Failure to reach Redis skips the batch rather than risking a
// cross-process double run.
func (s *Scheduler) guarded(job, period string, ttl time.Duration, run func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	ok, err := s.sentinel.Acquire(ctx, job, period, ttl)
	if err != nil {
		s.metrics.RecordBatchRun(job, "sentinel_error")
		s.log.Error("batch sentinel unavailable", slog.String("job", job), slog.String("error", err.Error()))
		return
	}
	if !ok {
		s.metrics.RecordBatchRun(job, "skipped")
		s.log.Info("batch already ran", slog.String("job", job), slog.String("period", period))
		return
	}
	if err := run(ctx); err != nil {
		s.metrics.RecordBatchRun(job, "failure")
		s.log.Error("batch failed", slog.String("job", job), slog.String("period", period), slog.String("error", err.Error()))
		return
	}
	s.metrics.RecordBatchRun(job, "success")
}

// dayPeriod keys the daily expiry run.
func dayPeriod(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// RunChipExpiry expires overdue vaulted chips. Exported so the admin
// surface can force a run.
func (s *Scheduler) RunChipExpiry() {
	s.guarded("chip_expiry", dayPeriod(s.now()), dailyTTL, func(ctx context.Context) error {
		_, err := s.jobs.Chips.ExpireBatch(ctx)
		return err
	})
}

// RunWeeklyDistribution splits the week's affiliate pool across chip
// holders. The pool is drained only after the period is claimed, so a
// skipped instance never consumes the accrued balance.
func (s *Scheduler) RunWeeklyDistribution() {
	period := affiliate.WeekPeriod(s.now())
	s.guarded("weekly_distribution", period, weeklyTTL, func(ctx context.Context) error {
		pool := int64(0)
		if s.jobs.WeeklyPoolCents != nil {
			var err error
			pool, err = s.jobs.WeeklyPoolCents(ctx)
			if err != nil {
				return fmt.Errorf("weekly pool lookup: %w", err)
			}
		}
		if pool <= 0 {
			s.log.Info("weekly distribution: empty pool", slog.String("period", period))
			return nil
		}
		result, err := s.jobs.Chips.WeeklyDistribution(ctx, pool, period)
		if err != nil {
			return err
		}
		if result.Skipped && s.jobs.RestorePoolCents != nil {
			if err := s.jobs.RestorePoolCents(ctx, pool); err != nil {
				return fmt.Errorf("restore weekly pool: %w", err)
			}
			s.log.Warn("weekly pool restored: period already distributed",
				slog.String("period", period), slog.Int64("cents", pool))
		}
		return nil
	})
}

// RunSunsetCheck evaluates the rolling volume average against the sunset
// threshold.
func (s *Scheduler) RunSunsetCheck() {
	s.guarded("sunset_check", affiliate.WeekPeriod(s.now()), weeklyTTL, func(ctx context.Context) error {
		report, err := s.jobs.Chips.CheckSunset(ctx)
		if err != nil {
			return err
		}
		s.log.Info("sunset check",
			slog.Float64("percentage", report.Percentage),
			slog.Bool("triggered", report.IsTriggered))
		return nil
	})
}

// RunGuaranteedComps tops up first-year members to the monthly minimum.
func (s *Scheduler) RunGuaranteedComps() {
	s.guarded("guaranteed_comps", distribution.Period(s.now()), monthlyTTL, func(ctx context.Context) error {
		result, err := s.jobs.Distribution.RunGuaranteedComps(ctx)
		if err != nil {
			return err
		}
		s.log.Info("guaranteed comps complete",
			slog.Int("examined", result.Examined),
			slog.Int("awarded", result.Awarded),
			slog.Int64("total_cents", result.TotalCents))
		return nil
	})
}

// RunVaultBonus mints the monthly vault bonus chips.
func (s *Scheduler) RunVaultBonus() {
	period := distribution.Period(s.now())
	s.guarded("vault_bonus", period, monthlyTTL, func(ctx context.Context) error {
		_, err := s.jobs.Chips.VaultBonusBatch(ctx, period)
		return err
	})
}
