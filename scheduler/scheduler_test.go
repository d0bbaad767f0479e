package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"treasuryd/affiliate"
	"treasuryd/distribution"
	"treasuryd/storage"
)

type fakeLocker struct {
	keys map[string]bool
	err  error
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{keys: map[string]bool{}}
}

func (f *fakeLocker) SetNX(_ context.Context, key string, _ interface{}, _ time.Duration) *redis.BoolCmd {
	if f.err != nil {
		return redis.NewBoolResult(false, f.err)
	}
	if f.keys[key] {
		return redis.NewBoolResult(false, nil)
	}
	f.keys[key] = true
	return redis.NewBoolResult(true, nil)
}

func TestSentinelAcquireOnce(t *testing.T) {
	sentinel, err := NewSentinel(newFakeLocker())
	require.NoError(t, err)
	ctx := context.Background()

	ok, err := sentinel.Acquire(ctx, "guaranteed_comps", "2026-09", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = sentinel.Acquire(ctx, "guaranteed_comps", "2026-09", time.Hour)
	require.NoError(t, err)
	require.False(t, ok, "second acquire in the same period must fail")

	// A different period is a fresh claim.
	ok, err = sentinel.Acquire(ctx, "guaranteed_comps", "2026-10", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = sentinel.Acquire(ctx, "", "2026-09", time.Hour)
	require.Error(t, err, "empty job must be rejected")
}

func newTestScheduler(t *testing.T, locker Locker, jobs Jobs, at time.Time) (*Scheduler, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	_, err = store.EnsureSunset(context.Background(), 10_000_000)
	require.NoError(t, err)

	clock := func() time.Time { return at }
	engine, err := distribution.NewEngine(store, distribution.WithClock(clock))
	require.NoError(t, err)
	chips, err := affiliate.NewLedger(store, affiliate.WithClock(clock))
	require.NoError(t, err)
	sentinel, err := NewSentinel(locker)
	require.NoError(t, err)
	jobs.Distribution = engine
	jobs.Chips = chips
	sched, err := New(sentinel, jobs, nil, WithClock(clock))
	require.NoError(t, err)
	return sched, store
}

func TestGuaranteedCompsRunOncePerPeriod(t *testing.T) {
	at := time.Date(2026, time.September, 1, 4, 0, 0, 0, time.UTC)
	sched, store := newTestScheduler(t, newFakeLocker(), Jobs{}, at)
	ctx := context.Background()

	member := &storage.Member{ReferralCode: "G-1", SignupAt: at.AddDate(0, -2, 0)}
	require.NoError(t, store.CreateMember(ctx, member))

	sched.RunGuaranteedComps()
	sum, err := store.MonthCompSum(ctx, member.ID, at)
	require.NoError(t, err)
	require.EqualValues(t, 500, sum)

	// The sentinel blocks the second run in the same month.
	sched.RunGuaranteedComps()
	sum, err = store.MonthCompSum(ctx, member.ID, at)
	require.NoError(t, err)
	require.EqualValues(t, 500, sum)
}

func TestWeeklyDistributionDrainsAccruedPool(t *testing.T) {
	at := time.Date(2026, time.September, 7, 3, 0, 0, 0, time.UTC)
	locker := newFakeLocker()
	var store *storage.Store
	jobs := Jobs{
		WeeklyPoolCents: func(ctx context.Context) (int64, error) {
			return store.DrainPool(ctx, "affiliate")
		},
	}
	sched, opened := newTestScheduler(t, locker, jobs, at)
	store = opened
	ctx := context.Background()
	period := affiliate.WeekPeriod(at)

	// Nothing accrued: the period is claimed but no payouts appear.
	sched.RunWeeklyDistribution()
	exists, err := store.PayoutsExistForPeriod(ctx, storage.PayoutPoolShare, period)
	require.NoError(t, err)
	require.False(t, exists)

	// Accrue a pool and give an affiliate a chip, then re-run.
	affiliateMember := &storage.Member{ReferralCode: "WD-1", SignupAt: at}
	require.NoError(t, store.CreateMember(ctx, affiliateMember))
	referred := &storage.Member{ReferralCode: "WD-2", SignupAt: at}
	require.NoError(t, store.CreateMember(ctx, referred))
	chip := &storage.AffiliateChip{AffiliateID: affiliateMember.ID, ReferredMemberID: referred.ID, SourceScanID: "scan"}
	require.NoError(t, store.InsertChip(ctx, chip))
	require.NoError(t, store.AccruePool(ctx, "affiliate", 5_000))

	delete(locker.keys, "treasuryd:jobs:weekly_distribution:"+period)
	sched.RunWeeklyDistribution()

	payouts, err := store.PayoutsForPeriod(ctx, storage.PayoutPoolShare, period)
	require.NoError(t, err)
	require.Len(t, payouts, 1)
	require.EqualValues(t, 5_000, payouts[0].AmountCents)

	drained, err := store.AccruedPool(ctx, "affiliate")
	require.NoError(t, err)
	require.Zero(t, drained)
}

func TestWeeklyDistributionRestoresPoolOnSkip(t *testing.T) {
	at := time.Date(2026, time.September, 7, 3, 0, 0, 0, time.UTC)
	locker := newFakeLocker()
	var store *storage.Store
	jobs := Jobs{
		WeeklyPoolCents: func(ctx context.Context) (int64, error) {
			return store.DrainPool(ctx, "affiliate")
		},
		RestorePoolCents: func(ctx context.Context, cents int64) error {
			return store.AccruePool(ctx, "affiliate", cents)
		},
	}
	sched, opened := newTestScheduler(t, locker, jobs, at)
	store = opened
	ctx := context.Background()
	period := affiliate.WeekPeriod(at)

	affiliateMember := &storage.Member{ReferralCode: "RS-1", SignupAt: at}
	require.NoError(t, store.CreateMember(ctx, affiliateMember))
	referred := &storage.Member{ReferralCode: "RS-2", SignupAt: at}
	require.NoError(t, store.CreateMember(ctx, referred))
	chip := &storage.AffiliateChip{AffiliateID: affiliateMember.ID, ReferredMemberID: referred.ID, SourceScanID: "scan"}
	require.NoError(t, store.InsertChip(ctx, chip))
	require.NoError(t, store.AccruePool(ctx, "affiliate", 5_000))

	sched.RunWeeklyDistribution()
	payouts, err := store.PayoutsForPeriod(ctx, storage.PayoutPoolShare, period)
	require.NoError(t, err)
	require.Len(t, payouts, 1)

	// Lose the sentinel mid-period: the re-run drains the new accrual but
	// the ledger skips the period, so the cents go back to the pool.
	delete(locker.keys, "treasuryd:jobs:weekly_distribution:"+period)
	require.NoError(t, store.AccruePool(ctx, "affiliate", 1_234))
	sched.RunWeeklyDistribution()

	payouts, err = store.PayoutsForPeriod(ctx, storage.PayoutPoolShare, period)
	require.NoError(t, err)
	require.Len(t, payouts, 1, "skipped period must not add payouts")
	restored, err := store.AccruedPool(ctx, "affiliate")
	require.NoError(t, err)
	require.EqualValues(t, 1_234, restored)
}

func TestSentinelErrorSkipsBatch(t *testing.T) {
	at := time.Date(2026, time.September, 1, 4, 0, 0, 0, time.UTC)
	locker := newFakeLocker()
	locker.err = errors.New("redis down")
	sched, store := newTestScheduler(t, locker, Jobs{}, at)
	ctx := context.Background()

	member := &storage.Member{ReferralCode: "R-1", SignupAt: at.AddDate(0, -2, 0)}
	require.NoError(t, store.CreateMember(ctx, member))

	sched.RunGuaranteedComps()
	sum, err := store.MonthCompSum(ctx, member.ID, at)
	require.NoError(t, err)
	require.Zero(t, sum, "batch must not run without the sentinel")
}

func TestChipExpiryBatch(t *testing.T) {
	at := time.Date(2026, time.September, 2, 2, 0, 0, 0, time.UTC)
	sched, store := newTestScheduler(t, newFakeLocker(), Jobs{}, at)
	ctx := context.Background()

	affiliateMember := &storage.Member{ReferralCode: "X-1", SignupAt: at.AddDate(-2, 0, 0)}
	require.NoError(t, store.CreateMember(ctx, affiliateMember))
	referred := &storage.Member{ReferralCode: "X-2", SignupAt: at.AddDate(-2, 0, 0)}
	require.NoError(t, store.CreateMember(ctx, referred))
	chip := &storage.AffiliateChip{AffiliateID: affiliateMember.ID, ReferredMemberID: referred.ID, SourceScanID: "scan"}
	require.NoError(t, store.InsertChip(ctx, chip))

	// Vault the chip far enough in the past that it is overdue.
	vaultedAt := at.AddDate(0, 0, -400)
	n, err := store.VaultChips(ctx, affiliateMember.ID, []uuid.UUID{chip.ID}, vaultedAt)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	sched.RunChipExpiry()
	counts, err := store.ActiveChipCounts(ctx)
	require.NoError(t, err)
	require.Zero(t, counts[affiliateMember.ID])
}
