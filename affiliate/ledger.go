package affiliate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"treasuryd/observability"
	"treasuryd/storage"
)

// ErrSelfReferral reports an attribution attempt against the member's own
// referral code.
var ErrSelfReferral = errors.New("affiliate: self-referral rejected")

// vaultBonusDivisor: one bonus chip per five vaulted, unexpired chips.
const vaultBonusDivisor = 5

// ChipStore is the persistence surface of the chip ledger. *storage.Store
// satisfies it.
type ChipStore interface {
	MemberByID(ctx context.Context, id uuid.UUID) (*storage.Member, error)
	MemberByReferralCode(ctx context.Context, code string) (*storage.Member, error)
	SetReferrer(ctx context.Context, memberID, referrerID uuid.UUID) (bool, error)
	InsertChip(ctx context.Context, chip *storage.AffiliateChip) error
	VaultChips(ctx context.Context, affiliateID uuid.UUID, ids []uuid.UUID, now time.Time) (int64, error)
	UnvaultChips(ctx context.Context, affiliateID uuid.UUID, ids []uuid.UUID) (int64, error)
	ExpireChips(ctx context.Context, now time.Time) (int64, error)
	ActiveChipCounts(ctx context.Context) (map[uuid.UUID]int64, error)
	VaultedChipCounts(ctx context.Context) (map[uuid.UUID]int64, error)
	ChipForAttribution(ctx context.Context, affiliateID uuid.UUID) (*storage.AffiliateChip, error)
	CreatePayouts(ctx context.Context, payouts []storage.AffiliatePayout) error
	PayoutsExistForPeriod(ctx context.Context, payoutType, period string) (bool, error)
	Sunset(ctx context.Context) (*storage.SunsetStatus, error)
	TriggerSunset(ctx context.Context, now time.Time, eventPayload string) (bool, error)
}

// Ledger manages referral attribution, chip lifecycle, the weekly pool
// distribution, and the sunset latch.
type Ledger struct {
	store   ChipStore
	log     *slog.Logger
	metrics *observability.TreasuryMetrics
	now     func() time.Time
}

// Option customises the ledger.
type Option func(*Ledger)

// WithLogger supplies the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(l *Ledger) { l.log = log }
}

// WithMetrics overrides the default metrics registry.
func WithMetrics(m *observability.TreasuryMetrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// WithClock sets the time source for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) { l.now = clock }
}

// NewLedger constructs a chip ledger over the supplied store.
func NewLedger(store ChipStore, opts ...Option) (*Ledger, error) {
	if store == nil {
		return nil, fmt.Errorf("affiliate: store required")
	}
	ledger := &Ledger{
		store: store,
		log:   slog.Default(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(ledger)
	}
	if ledger.metrics == nil {
		ledger.metrics = observability.Treasury()
	}
	return ledger, nil
}

func (l *Ledger) sunsetTriggered(ctx context.Context) (bool, error) {
	status, err := l.store.Sunset(ctx)
	if err != nil {
		return false, err
	}
	return status.IsTriggered, nil
}

// Attribute links a new member to the owner of the referral code. First
// touch is permanent: a member who already has a referrer is never
// re-attributed. Unknown codes and post-sunset attempts return false
// without error.
func (l *Ledger) Attribute(ctx context.Context, memberID uuid.UUID, referralCode string) (bool, error) {
	triggered, err := l.sunsetTriggered(ctx)
	if err != nil {
		return false, err
	}
	if triggered {
		l.log.Info("attribution refused: sunset triggered", slog.String("member", memberID.String()))
		return false, nil
	}
	referrer, err := l.store.MemberByReferralCode(ctx, referralCode)
	if err != nil {
		return false, err
	}
	if referrer == nil {
		l.log.Debug("attribution skipped: unknown referral code", slog.String("member", memberID.String()))
		return false, nil
	}
	if referrer.ID == memberID {
		return false, ErrSelfReferral
	}
	attributed, err := l.store.SetReferrer(ctx, memberID, referrer.ID)
	if err != nil {
		return false, err
	}
	if attributed {
		l.log.Info("member attributed",
			slog.String("member", memberID.String()),
			slog.String("referrer", referrer.ID.String()))
	}
	return attributed, nil
}

// IssueChip mints one chip to the scanning member's referrer. Members
// without a referrer, and every call after the sunset latch, are quiet
// no-ops.
func (l *Ledger) IssueChip(ctx context.Context, referredMemberID uuid.UUID, sourceScanID string) (*storage.AffiliateChip, error) {
	triggered, err := l.sunsetTriggered(ctx)
	if err != nil {
		return nil, err
	}
	if triggered {
		l.log.Debug("chip issuance suppressed: sunset triggered", slog.String("member", referredMemberID.String()))
		return nil, nil
	}
	member, err := l.store.MemberByID(ctx, referredMemberID)
	if err != nil {
		return nil, err
	}
	if member.ReferrerID == nil {
		return nil, nil
	}
	chip := &storage.AffiliateChip{
		AffiliateID:      *member.ReferrerID,
		ReferredMemberID: referredMemberID,
		SourceScanID:     sourceScanID,
	}
	if err := l.store.InsertChip(ctx, chip); err != nil {
		return nil, err
	}
	l.metrics.RecordChipIssued()
	return chip, nil
}

// Vault moves the affiliate's listed chips into the vault and stamps the
// 365-day expiry. Returns the count actually vaulted; chips already
// vaulted, expired, or owned by someone else are left untouched.
func (l *Ledger) Vault(ctx context.Context, affiliateID uuid.UUID, chipIDs []uuid.UUID) (int64, error) {
	return l.store.VaultChips(ctx, affiliateID, chipIDs, l.now())
}

// Unvault releases the affiliate's listed vaulted chips. Expired chips
// stay expired.
func (l *Ledger) Unvault(ctx context.Context, affiliateID uuid.UUID, chipIDs []uuid.UUID) (int64, error) {
	return l.store.UnvaultChips(ctx, affiliateID, chipIDs)
}

// BatchResult summarises one scheduled chip batch.
type BatchResult struct {
	Affiliates int
	Chips      int64
	Skipped    bool
}

// VaultBonusBatch mints floor(vaulted/5) bonus chips per affiliate, each
// carrying the referral attribution of the affiliate's oldest chip. Runs
// under the monthly scheduler sentinel; the period keys the synthetic scan
// ids so a re-mint is traceable. No chips are minted after sunset.
func (l *Ledger) VaultBonusBatch(ctx context.Context, period string) (BatchResult, error) {
	result := BatchResult{}
	triggered, err := l.sunsetTriggered(ctx)
	if err != nil {
		return result, err
	}
	if triggered {
		result.Skipped = true
		l.log.Info("vault bonus suppressed: sunset triggered", slog.String("period", period))
		return result, nil
	}
	counts, err := l.store.VaultedChipCounts(ctx)
	if err != nil {
		return result, err
	}
	affiliates := make([]uuid.UUID, 0, len(counts))
	for id := range counts {
		affiliates = append(affiliates, id)
	}
	sort.Slice(affiliates, func(i, j int) bool {
		return affiliates[i].String() < affiliates[j].String()
	})
	for _, affiliateID := range affiliates {
		bonus := counts[affiliateID] / vaultBonusDivisor
		if bonus == 0 {
			continue
		}
		source, err := l.store.ChipForAttribution(ctx, affiliateID)
		if err != nil {
			return result, err
		}
		if source == nil {
			continue
		}
		for i := int64(0); i < bonus; i++ {
			chip := &storage.AffiliateChip{
				AffiliateID:      affiliateID,
				ReferredMemberID: source.ReferredMemberID,
				SourceScanID:     fmt.Sprintf("vault-bonus-%s-%d", period, i+1),
			}
			if err := l.store.InsertChip(ctx, chip); err != nil {
				return result, err
			}
			l.metrics.RecordChipIssued()
		}
		result.Affiliates++
		result.Chips += bonus
	}
	l.log.Info("vault bonus batch complete",
		slog.String("period", period),
		slog.Int("affiliates", result.Affiliates),
		slog.Int64("chips", result.Chips))
	return result, nil
}

// ExpireBatch marks every vaulted chip past its expiry. One-way.
func (l *Ledger) ExpireBatch(ctx context.Context) (int64, error) {
	expired, err := l.store.ExpireChips(ctx, l.now())
	if err != nil {
		return 0, err
	}
	if expired > 0 {
		l.log.Info("chips expired", slog.Int64("count", expired))
	}
	return expired, nil
}

// DistributionResult summarises one weekly pool distribution.
type DistributionResult struct {
	Payouts        int
	AllocatedCents int64
	ResidualCents  int64
	Skipped        bool
}

// WeekPeriod returns the ISO-week key used by the weekly distribution.
func WeekPeriod(t time.Time) string {
	year, week := t.UTC().ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

// WeeklyDistribution splits the affiliate pool across affiliates in
// proportion to their non-expired chip counts. Shares floor to whole
// cents; the rounding residual stays in the pool. Idempotent per period
// through the payout-row guard.
func (l *Ledger) WeeklyDistribution(ctx context.Context, poolCents int64, period string) (DistributionResult, error) {
	result := DistributionResult{}
	if poolCents < 0 {
		return result, fmt.Errorf("affiliate: pool amount must be non-negative")
	}
	exists, err := l.store.PayoutsExistForPeriod(ctx, storage.PayoutPoolShare, period)
	if err != nil {
		return result, err
	}
	if exists {
		result.Skipped = true
		l.log.Info("weekly distribution already recorded", slog.String("period", period))
		return result, nil
	}
	counts, err := l.store.ActiveChipCounts(ctx)
	if err != nil {
		return result, err
	}
	var total int64
	for _, count := range counts {
		total += count
	}
	if total == 0 || poolCents == 0 {
		return result, nil
	}
	payouts := make([]storage.AffiliatePayout, 0, len(counts))
	for affiliateID, count := range counts {
		share := poolCents * count / total
		if share == 0 {
			continue
		}
		payouts = append(payouts, storage.AffiliatePayout{
			AffiliateID: affiliateID,
			AmountCents: share,
			PayoutType:  storage.PayoutPoolShare,
			Period:      period,
			Status:      storage.StatusPending,
		})
		result.AllocatedCents += share
	}
	sort.Slice(payouts, func(i, j int) bool {
		return payouts[i].AffiliateID.String() < payouts[j].AffiliateID.String()
	})
	if err := l.store.CreatePayouts(ctx, payouts); err != nil {
		return result, err
	}
	result.Payouts = len(payouts)
	result.ResidualCents = poolCents - result.AllocatedCents
	l.log.Info("weekly distribution recorded",
		slog.String("period", period),
		slog.Int("payouts", result.Payouts),
		slog.Int64("allocated_cents", result.AllocatedCents),
		slog.Int64("residual_cents", result.ResidualCents))
	return result, nil
}

// SunsetReport is the outcome of a sunset threshold check.
type SunsetReport struct {
	Percentage  float64
	IsTriggered bool
}

// CheckSunset compares the rolling three-month volume average against the
// threshold and fires the latch when it is reached.
func (l *Ledger) CheckSunset(ctx context.Context) (SunsetReport, error) {
	status, err := l.store.Sunset(ctx)
	if err != nil {
		return SunsetReport{}, err
	}
	report := SunsetReport{IsTriggered: status.IsTriggered}
	if status.Threshold > 0 {
		report.Percentage = float64(status.Rolling3MoAvg) / float64(status.Threshold) * 100
	}
	if status.IsTriggered || status.Rolling3MoAvg < status.Threshold {
		return report, nil
	}
	flipped, err := l.Trigger(ctx)
	if err != nil {
		return report, err
	}
	report.IsTriggered = report.IsTriggered || flipped
	return report, nil
}

// Trigger fires the one-way sunset latch. Returns true only on the
// transition; repeat calls are no-ops.
func (l *Ledger) Trigger(ctx context.Context) (bool, error) {
	status, err := l.store.Sunset(ctx)
	if err != nil {
		return false, err
	}
	payload := fmt.Sprintf(`{"threshold":%d,"rolling_3mo_avg":%d}`, status.Threshold, status.Rolling3MoAvg)
	flipped, err := l.store.TriggerSunset(ctx, l.now(), payload)
	if err != nil {
		return false, err
	}
	if flipped {
		l.log.Warn("sunset latch triggered",
			slog.Int64("threshold", status.Threshold),
			slog.Int64("rolling_3mo_avg", status.Rolling3MoAvg))
	}
	return flipped, nil
}
