package storage

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Member tiers, ordered. Tier gates which comp milestones are reachable.
const (
	TierNone       = "none"
	TierVIP        = "vip"
	TierHighRoller = "high_roller"
	TierWhale      = "whale"
)

// Ledger transaction kinds.
const (
	KindCompAward       = "comp_award"
	KindGuaranteedComp  = "guaranteed_comp"
	KindAffiliateMatch  = "affiliate_match"
	KindAffiliatePayout = "affiliate_payout"
	KindWithdrawal      = "withdrawal"
)

// Ledger transaction statuses.
const (
	StatusPendingChoice = "pending_choice"
	StatusPending       = "pending"
	StatusApproved      = "approved"
	StatusPaid          = "paid"
	StatusCompleted     = "completed"
	StatusFailed        = "failed"
)

// Affiliate payout types.
const (
	PayoutRewardMatch = "reward_match"
	PayoutPoolShare   = "pool_share"
)

// Member holds the minimal member state the engine needs: signup date for
// the guaranteed first-year comp, tier for milestone gating, and the
// permanent first-touch referral attribution.
type Member struct {
	ID            uuid.UUID  `gorm:"type:uuid;primaryKey"`
	ReferralCode  string     `gorm:"size:32;uniqueIndex"`
	ReferrerID    *uuid.UUID `gorm:"type:uuid;index"`
	Tier          string     `gorm:"size:16;index"`
	ReferredUnits int64      `gorm:"not null;default:0"`
	SignupAt      time.Time  `gorm:"index"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Wallet tracks a member's off-chain balances in fixed-point cents.
// balance_available never goes negative; a withdrawal decrement always pairs
// with a pending increment in the same statement.
type Wallet struct {
	ID                    uuid.UUID `gorm:"type:uuid;primaryKey"`
	MemberID              uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	Address               string    `gorm:"size:42"`
	BalanceAvailableCents int64     `gorm:"not null;default:0"`
	BalancePendingCents   int64     `gorm:"not null;default:0"`
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// LedgerTransaction is the append-only financial ledger. Rows are never
// deleted; only the owning component advances the status.
type LedgerTransaction struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	MemberID    uuid.UUID `gorm:"type:uuid;index"`
	Kind        string    `gorm:"size:32;index"`
	AmountCents int64     `gorm:"not null"`
	Status      string    `gorm:"size:24;index"`
	TxHash      string    `gorm:"size:66"`
	FromAddress string    `gorm:"size:42"`
	ToAddress   string    `gorm:"size:42"`
	Period      string    `gorm:"size:16;index"`
	CreatedAt   time.Time `gorm:"index"`
	UpdatedAt   time.Time
}

// AffiliateChip is one unit of affiliate credit, issued per referred-member
// scan. Vaulted chips expire 365 days after vaulting; expiry is one-way.
type AffiliateChip struct {
	ID               uuid.UUID  `gorm:"type:uuid;primaryKey"`
	AffiliateID      uuid.UUID  `gorm:"type:uuid;index"`
	ReferredMemberID uuid.UUID  `gorm:"type:uuid;index"`
	SourceScanID     string     `gorm:"size:64;index"`
	IsVaulted        bool       `gorm:"not null;default:false"`
	VaultDate        *time.Time
	VaultExpiry      *time.Time `gorm:"index"`
	IsExpired        bool       `gorm:"not null;default:false;index"`
	CreatedAt        time.Time
}

// AffiliatePayout records a reward match or weekly pool share owed to an
// affiliate. Status only moves forward: pending, approved, paid.
type AffiliatePayout struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	AffiliateID uuid.UUID `gorm:"type:uuid;index"`
	AmountCents int64     `gorm:"not null"`
	PayoutType  string    `gorm:"size:16;index"`
	Period      string    `gorm:"size:16;index"`
	Status      string    `gorm:"size:16;index"`
	TxHash      string    `gorm:"size:66"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// PoolAccrual tracks the undistributed fiat balance of one profit pool.
// Upstream profit reports increment it; scheduled distributions drain it.
type PoolAccrual struct {
	Pool         string `gorm:"size:16;primaryKey"`
	BalanceCents int64  `gorm:"not null;default:0"`
	UpdatedAt    time.Time
}

// sunsetSingletonID pins the sunset latch to a single row.
const sunsetSingletonID = 1

// SunsetStatus is the singleton volume-threshold latch. Once triggered it
// can never be untriggered.
type SunsetStatus struct {
	ID            int   `gorm:"primaryKey"`
	MonthlyVolume int64 `gorm:"not null;default:0"`
	Rolling3MoAvg int64 `gorm:"column:rolling_3mo_avg;not null;default:0"`
	Threshold     int64 `gorm:"not null"`
	IsTriggered   bool  `gorm:"not null;default:false"`
	TriggeredAt   *time.Time
	UpdatedAt     time.Time
}

// OutboxEvent is written in the same transaction as the ledger mutation it
// announces and drained asynchronously by the notification consumer.
type OutboxEvent struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	Kind        string    `gorm:"size:48;index"`
	Payload     string    `gorm:"type:text"`
	CreatedAt   time.Time
	PublishedAt *time.Time `gorm:"index"`
}

// AutoMigrate performs all schema migrations for the engine.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Member{},
		&Wallet{},
		&LedgerTransaction{},
		&AffiliateChip{},
		&AffiliatePayout{},
		&PoolAccrual{},
		&SunsetStatus{},
		&OutboxEvent{},
	)
}
