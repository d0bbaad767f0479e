package distribution

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"treasuryd/observability"
	"treasuryd/storage"
)

// Pool split in basis points. The retained share absorbs any integer
// remainder so the four allocations always sum exactly to the input.
const (
	consumerBps  = 5000
	affiliateBps = 500
	wholesaleBps = 500
)

// guaranteedMonthlyCents is the first-year minimum comp per calendar month.
const guaranteedMonthlyCents = int64(500)

// rewardMatchBps is the referrer's share of a referred member's comp.
const rewardMatchBps = int64(2100)

// PoolAllocation is the exact split of a gross-profit amount.
type PoolAllocation struct {
	ConsumerCents  int64
	AffiliateCents int64
	WholesaleCents int64
	RetainedCents  int64
}

// Total returns the sum of the four shares.
func (a PoolAllocation) Total() int64 {
	return a.ConsumerCents + a.AffiliateCents + a.WholesaleCents + a.RetainedCents
}

// AllocatePools splits gross profit into the fixed 50/5/5/40 pools. Exact:
// the retained pool is computed as the remainder.
func AllocatePools(grossProfitCents int64) (PoolAllocation, error) {
	if grossProfitCents < 0 {
		return PoolAllocation{}, fmt.Errorf("distribution: gross profit must be non-negative")
	}
	alloc := PoolAllocation{
		ConsumerCents:  grossProfitCents * consumerBps / 10_000,
		AffiliateCents: grossProfitCents * affiliateBps / 10_000,
		WholesaleCents: grossProfitCents * wholesaleBps / 10_000,
	}
	alloc.RetainedCents = grossProfitCents - alloc.ConsumerCents - alloc.AffiliateCents - alloc.WholesaleCents
	return alloc, nil
}

// Ledger is the persistence surface the engine mutates. *storage.Store
// satisfies it; tests use an in-memory fake.
type Ledger interface {
	MemberByID(ctx context.Context, id uuid.UUID) (*storage.Member, error)
	MembersInFirstYear(ctx context.Context, asOf time.Time) ([]storage.Member, error)
	CompletedCompSum(ctx context.Context, memberID uuid.UUID) (int64, error)
	MonthCompSum(ctx context.Context, memberID uuid.UUID, asOf time.Time) (int64, error)
	GuaranteedCompExists(ctx context.Context, memberID uuid.UUID, period string) (bool, error)
	AwardComp(ctx context.Context, entry *storage.LedgerTransaction, eventKind, eventPayload string) error
	CreditWithLedger(ctx context.Context, memberID uuid.UUID, entry *storage.LedgerTransaction) error
}

// Engine converts gross profit into pools and milestone-gated member comps.
type Engine struct {
	store   Ledger
	log     *slog.Logger
	metrics *observability.TreasuryMetrics
	now     func() time.Time
}

// Option customises the engine.
type Option func(*Engine)

// WithLogger supplies the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithMetrics overrides the default metrics registry.
func WithMetrics(m *observability.TreasuryMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock sets the time source for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.now = clock }
}

// NewEngine constructs a distribution engine over the supplied store.
func NewEngine(store Ledger, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("distribution: store required")
	}
	engine := &Engine{
		store: store,
		log:   slog.Default(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(engine)
	}
	if engine.metrics == nil {
		engine.metrics = observability.Treasury()
	}
	return engine, nil
}

// Milestone is one rung of the comp ladder.
type Milestone struct {
	AmountCents int64
	MinTier     string
}

// milestones is the ordered ladder. Members progress strictly through it;
// tier only gates whether the next rung is reachable.
var milestones = []Milestone{
	{AmountCents: 10_000, MinTier: storage.TierVIP},
	{AmountCents: 100_000, MinTier: storage.TierHighRoller},
	{AmountCents: 1_000_000, MinTier: storage.TierWhale},
}

// NextMilestone returns the lowest unmet rung the member's tier qualifies
// for, or nil when the next rung is still tier-gated or the ladder is done.
func (e *Engine) NextMilestone(ctx context.Context, memberID uuid.UUID) (*Milestone, error) {
	member, err := e.store.MemberByID(ctx, memberID)
	if err != nil {
		return nil, err
	}
	lifetime, err := e.store.CompletedCompSum(ctx, memberID)
	if err != nil {
		return nil, err
	}
	for _, rung := range milestones {
		if rung.AmountCents <= lifetime {
			continue
		}
		if tierRank(member.Tier) < tierRank(rung.MinTier) {
			return nil, nil
		}
		next := rung
		return &next, nil
	}
	return nil, nil
}

type awardPayload struct {
	MemberID    uuid.UUID `json:"member_id"`
	Kind        string    `json:"kind"`
	AmountCents int64     `json:"amount_cents"`
	Period      string    `json:"period,omitempty"`
}

// Award records a comp in pending_choice state. The wallet is not credited
// until the member selects a payout destination.
func (e *Engine) Award(ctx context.Context, memberID uuid.UUID, amountCents int64) (*storage.LedgerTransaction, error) {
	return e.award(ctx, memberID, amountCents, storage.KindCompAward, "")
}

func (e *Engine) award(ctx context.Context, memberID uuid.UUID, amountCents int64, kind, period string) (*storage.LedgerTransaction, error) {
	if amountCents <= 0 {
		return nil, fmt.Errorf("distribution: award amount must be positive")
	}
	entry := &storage.LedgerTransaction{
		MemberID:    memberID,
		Kind:        kind,
		AmountCents: amountCents,
		Status:      storage.StatusPendingChoice,
		Period:      period,
	}
	payload, err := json.Marshal(awardPayload{MemberID: memberID, Kind: kind, AmountCents: amountCents, Period: period})
	if err != nil {
		return nil, err
	}
	if err := e.store.AwardComp(ctx, entry, "comp.awarded", string(payload)); err != nil {
		return nil, err
	}
	e.metrics.RecordDistribution(kind, amountCents)
	e.log.Info("comp awarded",
		slog.String("member", memberID.String()),
		slog.String("kind", kind),
		slog.Int64("amount_cents", amountCents))
	return entry, nil
}

// BatchResult summarises one scheduled batch execution.
type BatchResult struct {
	Examined   int
	Awarded    int
	Skipped    int
	TotalCents int64
}

// Period returns the calendar-month key used by the guaranteed-comp batch.
func Period(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// RunGuaranteedComps tops up every first-year member to the monthly minimum.
// Idempotent per month: members already holding a guaranteed comp for the
// period are skipped, so retries never double-award.
func (e *Engine) RunGuaranteedComps(ctx context.Context) (BatchResult, error) {
	now := e.now()
	period := Period(now)
	result := BatchResult{}
	members, err := e.store.MembersInFirstYear(ctx, now)
	if err != nil {
		return result, err
	}
	for i := range members {
		member := &members[i]
		result.Examined++
		exists, err := e.store.GuaranteedCompExists(ctx, member.ID, period)
		if err != nil {
			return result, err
		}
		if exists {
			result.Skipped++
			continue
		}
		monthTotal, err := e.store.MonthCompSum(ctx, member.ID, now)
		if err != nil {
			return result, err
		}
		if monthTotal >= guaranteedMonthlyCents {
			result.Skipped++
			continue
		}
		shortfall := guaranteedMonthlyCents - monthTotal
		if _, err := e.award(ctx, member.ID, shortfall, storage.KindGuaranteedComp, period); err != nil {
			return result, err
		}
		result.Awarded++
		result.TotalCents += shortfall
	}
	return result, nil
}

// AffiliateRewardMatch credits the referred member's referrer with 21% of
// the comp, quantised to cents. Members without a referrer are a quiet
// no-op.
func (e *Engine) AffiliateRewardMatch(ctx context.Context, referredMemberID uuid.UUID, compCents int64) (int64, error) {
	if compCents <= 0 {
		return 0, fmt.Errorf("distribution: comp amount must be positive")
	}
	member, err := e.store.MemberByID(ctx, referredMemberID)
	if err != nil {
		return 0, err
	}
	if member.ReferrerID == nil {
		e.log.Debug("reward match skipped: no referrer", slog.String("member", referredMemberID.String()))
		return 0, nil
	}
	match := compCents * rewardMatchBps / 10_000
	if match <= 0 {
		return 0, nil
	}
	entry := &storage.LedgerTransaction{
		MemberID:    *member.ReferrerID,
		Kind:        storage.KindAffiliateMatch,
		AmountCents: match,
		Status:      storage.StatusCompleted,
	}
	if err := e.store.CreditWithLedger(ctx, *member.ReferrerID, entry); err != nil {
		return 0, err
	}
	e.metrics.RecordDistribution(storage.KindAffiliateMatch, match)
	e.log.Info("affiliate reward matched",
		slog.String("referrer", member.ReferrerID.String()),
		slog.String("referred", referredMemberID.String()),
		slog.Int64("amount_cents", match))
	return match, nil
}
