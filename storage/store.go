package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrWalletNotFound reports a balance mutation against a missing wallet.
var ErrWalletNotFound = errors.New("storage: wallet not found")

// Store wraps the persistence layer. Every balance, chip, and payout
// mutation is a single guarded UPDATE checked through RowsAffected so that
// concurrent engine instances cannot lose writes.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Open connects to the configured database. Postgres DSNs select the
// postgres driver; anything else is treated as a SQLite path, which also
// backs the test suite.
func Open(dsn string) (*Store, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, fmt.Errorf("storage: dsn required")
	}
	var dialector gorm.Dialector
	if strings.HasPrefix(trimmed, "postgres://") || strings.HasPrefix(trimmed, "postgresql://") || strings.Contains(trimmed, "host=") {
		dialector = postgres.Open(trimmed)
	} else {
		dialector = sqlite.Open(trimmed)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// SetClock overrides the time source for deterministic tests.
func (s *Store) SetClock(clock func() time.Time) {
	if s != nil && clock != nil {
		s.now = clock
	}
}

// --- members ---

// CreateMember inserts a member row, assigning an id when absent.
func (s *Store) CreateMember(ctx context.Context, member *Member) error {
	if member == nil {
		return fmt.Errorf("storage: member required")
	}
	if member.ID == uuid.Nil {
		member.ID = uuid.New()
	}
	if member.Tier == "" {
		member.Tier = TierNone
	}
	return s.db.WithContext(ctx).Create(member).Error
}

// MemberByID fetches a member; a missing row is an error.
func (s *Store) MemberByID(ctx context.Context, id uuid.UUID) (*Member, error) {
	var member Member
	if err := s.db.WithContext(ctx).First(&member, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("storage: member %s: %w", id, err)
	}
	return &member, nil
}

// MemberByReferralCode resolves a referral code. Unknown codes return nil
// without error; an unattributable signup is an expected branch.
func (s *Store) MemberByReferralCode(ctx context.Context, code string) (*Member, error) {
	trimmed := strings.TrimSpace(code)
	if trimmed == "" {
		return nil, nil
	}
	var member Member
	err := s.db.WithContext(ctx).First(&member, "referral_code = ?", trimmed).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &member, nil
}

// MembersInFirstYear lists members whose signup is within 365 days of asOf.
func (s *Store) MembersInFirstYear(ctx context.Context, asOf time.Time) ([]Member, error) {
	cutoff := asOf.AddDate(0, 0, -365)
	var members []Member
	if err := s.db.WithContext(ctx).Where("signup_at > ?", cutoff).Order("signup_at").Find(&members).Error; err != nil {
		return nil, err
	}
	return members, nil
}

// SetReferrer records first-touch attribution. The guard keeps attribution
// permanent: a member with a referrer is never re-attributed.
func (s *Store) SetReferrer(ctx context.Context, memberID, referrerID uuid.UUID) (bool, error) {
	res := s.db.WithContext(ctx).Model(&Member{}).
		Where("id = ? AND referrer_id IS NULL", memberID).
		Updates(map[string]interface{}{"referrer_id": referrerID, "updated_at": s.now()})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// --- wallets ---

// EnsureWallet fetches or creates the member's wallet row.
func (s *Store) EnsureWallet(ctx context.Context, memberID uuid.UUID, address string) (*Wallet, error) {
	wallet := Wallet{ID: uuid.New(), MemberID: memberID, Address: strings.TrimSpace(address)}
	err := s.db.WithContext(ctx).Where("member_id = ?", memberID).FirstOrCreate(&wallet).Error
	if err != nil {
		return nil, err
	}
	return &wallet, nil
}

// WalletByMember fetches a member's wallet.
func (s *Store) WalletByMember(ctx context.Context, memberID uuid.UUID) (*Wallet, error) {
	var wallet Wallet
	err := s.db.WithContext(ctx).First(&wallet, "member_id = ?", memberID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return &wallet, nil
}

func creditWallet(tx *gorm.DB, memberID uuid.UUID, cents int64, now time.Time) error {
	if cents <= 0 {
		return fmt.Errorf("storage: credit must be positive")
	}
	res := tx.Model(&Wallet{}).Where("member_id = ?", memberID).
		Updates(map[string]interface{}{
			"balance_available_cents": gorm.Expr("balance_available_cents + ?", cents),
			"updated_at":              now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrWalletNotFound
	}
	return nil
}

// BeginWithdrawal atomically moves cents from available to pending. Returns
// false when the available balance cannot cover the amount.
func (s *Store) BeginWithdrawal(ctx context.Context, memberID uuid.UUID, cents int64) (bool, error) {
	if cents <= 0 {
		return false, fmt.Errorf("storage: withdrawal must be positive")
	}
	res := s.db.WithContext(ctx).Model(&Wallet{}).
		Where("member_id = ? AND balance_available_cents >= ?", memberID, cents).
		Updates(map[string]interface{}{
			"balance_available_cents": gorm.Expr("balance_available_cents - ?", cents),
			"balance_pending_cents":   gorm.Expr("balance_pending_cents + ?", cents),
			"updated_at":              s.now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// --- ledger ---

// CreateLedger appends a ledger transaction.
func (s *Store) CreateLedger(ctx context.Context, entry *LedgerTransaction) error {
	if entry == nil {
		return fmt.Errorf("storage: ledger entry required")
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	return s.db.WithContext(ctx).Create(entry).Error
}

// AwardComp appends a pending-choice comp ledger row and its outbox event in
// one transaction. The wallet is not credited until the member chooses a
// payout destination.
func (s *Store) AwardComp(ctx context.Context, entry *LedgerTransaction, eventKind, eventPayload string) error {
	if entry == nil {
		return fmt.Errorf("storage: ledger entry required")
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(entry).Error; err != nil {
			return err
		}
		return appendOutbox(tx, eventKind, eventPayload)
	})
}

// CreditWithLedger credits the wallet and records the matching completed
// ledger row atomically.
func (s *Store) CreditWithLedger(ctx context.Context, memberID uuid.UUID, entry *LedgerTransaction) error {
	if entry == nil {
		return fmt.Errorf("storage: ledger entry required")
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := creditWallet(tx, memberID, entry.AmountCents, s.now()); err != nil {
			return err
		}
		return tx.Create(entry).Error
	})
}

// UpdateLedgerStatus advances a ledger row's status under a guard on the
// current status. Returns false when the row was not in the expected state.
func (s *Store) UpdateLedgerStatus(ctx context.Context, id uuid.UUID, from, to, txHash string) (bool, error) {
	updates := map[string]interface{}{"status": to, "updated_at": s.now()}
	if strings.TrimSpace(txHash) != "" {
		updates["tx_hash"] = strings.TrimSpace(txHash)
	}
	res := s.db.WithContext(ctx).Model(&LedgerTransaction{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

var compKinds = []string{KindCompAward, KindGuaranteedComp}

// CompletedCompSum returns the member's lifetime total of completed comps.
func (s *Store) CompletedCompSum(ctx context.Context, memberID uuid.UUID) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).Model(&LedgerTransaction{}).
		Where("member_id = ? AND kind IN ? AND status = ?", memberID, compKinds, StatusCompleted).
		Select("COALESCE(SUM(amount_cents), 0)").Scan(&total).Error
	return total, err
}

// MonthCompSum sums the member's comps awarded inside the calendar month
// containing asOf, regardless of settlement state (failed rows excluded).
func (s *Store) MonthCompSum(ctx context.Context, memberID uuid.UUID, asOf time.Time) (int64, error) {
	start := time.Date(asOf.Year(), asOf.Month(), 1, 0, 0, 0, 0, asOf.Location())
	end := start.AddDate(0, 1, 0)
	var total int64
	err := s.db.WithContext(ctx).Model(&LedgerTransaction{}).
		Where("member_id = ? AND kind IN ? AND status <> ? AND created_at >= ? AND created_at < ?",
			memberID, compKinds, StatusFailed, start, end).
		Select("COALESCE(SUM(amount_cents), 0)").Scan(&total).Error
	return total, err
}

// GuaranteedCompExists reports whether a guaranteed comp was already awarded
// to the member for the period.
func (s *Store) GuaranteedCompExists(ctx context.Context, memberID uuid.UUID, period string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&LedgerTransaction{}).
		Where("member_id = ? AND kind = ? AND period = ?", memberID, KindGuaranteedComp, period).
		Count(&count).Error
	return count > 0, err
}

// --- chips ---

// InsertChip mints a chip.
func (s *Store) InsertChip(ctx context.Context, chip *AffiliateChip) error {
	if chip == nil {
		return fmt.Errorf("storage: chip required")
	}
	if chip.ID == uuid.Nil {
		chip.ID = uuid.New()
	}
	return s.db.WithContext(ctx).Create(chip).Error
}

// VaultChips vaults the caller's un-vaulted, un-expired chips among ids and
// stamps the 365-day expiry. Returns the count actually mutated.
func (s *Store) VaultChips(ctx context.Context, affiliateID uuid.UUID, ids []uuid.UUID, now time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	expiry := now.AddDate(0, 0, 365)
	res := s.db.WithContext(ctx).Model(&AffiliateChip{}).
		Where("id IN ? AND affiliate_id = ? AND is_vaulted = ? AND is_expired = ?", ids, affiliateID, false, false).
		Updates(map[string]interface{}{
			"is_vaulted":   true,
			"vault_date":   now,
			"vault_expiry": expiry,
		})
	return res.RowsAffected, res.Error
}

// UnvaultChips releases the caller's vaulted, un-expired chips among ids.
func (s *Store) UnvaultChips(ctx context.Context, affiliateID uuid.UUID, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Model(&AffiliateChip{}).
		Where("id IN ? AND affiliate_id = ? AND is_vaulted = ? AND is_expired = ?", ids, affiliateID, true, false).
		Updates(map[string]interface{}{
			"is_vaulted":   false,
			"vault_date":   nil,
			"vault_expiry": nil,
		})
	return res.RowsAffected, res.Error
}

// ExpireChips marks every vaulted chip whose expiry has passed. One-way.
func (s *Store) ExpireChips(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&AffiliateChip{}).
		Where("is_vaulted = ? AND is_expired = ? AND vault_expiry <= ?", true, false, now).
		Update("is_expired", true)
	return res.RowsAffected, res.Error
}

type chipCountRow struct {
	AffiliateID uuid.UUID
	Count       int64
}

// ActiveChipCounts returns per-affiliate counts of non-expired chips.
func (s *Store) ActiveChipCounts(ctx context.Context) (map[uuid.UUID]int64, error) {
	return s.chipCounts(ctx, "is_expired = ?", false)
}

// VaultedChipCounts returns per-affiliate counts of vaulted, non-expired chips.
func (s *Store) VaultedChipCounts(ctx context.Context) (map[uuid.UUID]int64, error) {
	return s.chipCounts(ctx, "is_vaulted = ? AND is_expired = ?", true, false)
}

func (s *Store) chipCounts(ctx context.Context, cond string, args ...interface{}) (map[uuid.UUID]int64, error) {
	var rows []chipCountRow
	err := s.db.WithContext(ctx).Model(&AffiliateChip{}).
		Select("affiliate_id, COUNT(*) as count").
		Where(cond, args...).
		Group("affiliate_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[uuid.UUID]int64, len(rows))
	for _, row := range rows {
		counts[row.AffiliateID] = row.Count
	}
	return counts, nil
}

// ChipForAttribution returns the affiliate's oldest chip, used to source the
// referral attribution of vault-bonus chips.
func (s *Store) ChipForAttribution(ctx context.Context, affiliateID uuid.UUID) (*AffiliateChip, error) {
	var chip AffiliateChip
	err := s.db.WithContext(ctx).
		Where("affiliate_id = ?", affiliateID).
		Order("created_at").
		First(&chip).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &chip, nil
}

// --- pool accruals ---

// AccruePool adds cents to the pool's undistributed balance, creating the
// row on first use.
func (s *Store) AccruePool(ctx context.Context, pool string, cents int64) error {
	if cents < 0 {
		return fmt.Errorf("storage: accrual must be non-negative")
	}
	if cents == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where(PoolAccrual{Pool: pool}).FirstOrCreate(&PoolAccrual{Pool: pool}).Error; err != nil {
			return err
		}
		return tx.Model(&PoolAccrual{}).
			Where("pool = ?", pool).
			Update("balance_cents", gorm.Expr("balance_cents + ?", cents)).Error
	})
}

// AccruedPool reads the pool's undistributed balance. A missing row is zero.
func (s *Store) AccruedPool(ctx context.Context, pool string) (int64, error) {
	var accrual PoolAccrual
	err := s.db.WithContext(ctx).First(&accrual, "pool = ?", pool).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return accrual.BalanceCents, nil
}

// DrainPool atomically zeroes the pool balance and returns the drained
// amount. The guarded update loops on concurrent accruals so no report is
// lost and no amount is drained twice.
func (s *Store) DrainPool(ctx context.Context, pool string) (int64, error) {
	for attempt := 0; attempt < 5; attempt++ {
		balance, err := s.AccruedPool(ctx, pool)
		if err != nil {
			return 0, err
		}
		if balance == 0 {
			return 0, nil
		}
		res := s.db.WithContext(ctx).Model(&PoolAccrual{}).
			Where("pool = ? AND balance_cents = ?", pool, balance).
			Update("balance_cents", 0)
		if res.Error != nil {
			return 0, res.Error
		}
		if res.RowsAffected == 1 {
			return balance, nil
		}
	}
	return 0, fmt.Errorf("storage: drain pool %s: too much contention", pool)
}

// --- payouts ---

// CreatePayouts appends payout rows in one transaction.
func (s *Store) CreatePayouts(ctx context.Context, payouts []AffiliatePayout) error {
	if len(payouts) == 0 {
		return nil
	}
	for i := range payouts {
		if payouts[i].ID == uuid.Nil {
			payouts[i].ID = uuid.New()
		}
		if payouts[i].Status == "" {
			payouts[i].Status = StatusPending
		}
	}
	return s.db.WithContext(ctx).Create(&payouts).Error
}

// PayoutsExistForPeriod reports whether any payout of the type was already
// recorded for the period, the in-ledger idempotency backstop for batches.
func (s *Store) PayoutsExistForPeriod(ctx context.Context, payoutType, period string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&AffiliatePayout{}).
		Where("payout_type = ? AND period = ?", payoutType, period).
		Count(&count).Error
	return count > 0, err
}

// PayoutsForPeriod lists the payouts of the type recorded for the period.
func (s *Store) PayoutsForPeriod(ctx context.Context, payoutType, period string) ([]AffiliatePayout, error) {
	var payouts []AffiliatePayout
	err := s.db.WithContext(ctx).
		Where("payout_type = ? AND period = ?", payoutType, period).
		Order("created_at").
		Find(&payouts).Error
	return payouts, err
}

// ApprovePayout advances pending to approved. Status never regresses.
func (s *Store) ApprovePayout(ctx context.Context, id uuid.UUID) (bool, error) {
	res := s.db.WithContext(ctx).Model(&AffiliatePayout{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Updates(map[string]interface{}{"status": StatusApproved, "updated_at": s.now()})
	return res.RowsAffected == 1, res.Error
}

// MarkPayoutPaid advances approved to paid and records the settlement hash.
func (s *Store) MarkPayoutPaid(ctx context.Context, id uuid.UUID, txHash string) (bool, error) {
	trimmed := strings.TrimSpace(txHash)
	if trimmed == "" {
		return false, fmt.Errorf("storage: tx hash required to mark payout paid")
	}
	res := s.db.WithContext(ctx).Model(&AffiliatePayout{}).
		Where("id = ? AND status = ?", id, StatusApproved).
		Updates(map[string]interface{}{"status": StatusPaid, "tx_hash": trimmed, "updated_at": s.now()})
	return res.RowsAffected == 1, res.Error
}

// --- sunset ---

// EnsureSunset creates the singleton latch row when absent.
func (s *Store) EnsureSunset(ctx context.Context, threshold int64) (*SunsetStatus, error) {
	if threshold <= 0 {
		return nil, fmt.Errorf("storage: sunset threshold must be positive")
	}
	status := SunsetStatus{ID: sunsetSingletonID, Threshold: threshold}
	if err := s.db.WithContext(ctx).FirstOrCreate(&status, SunsetStatus{ID: sunsetSingletonID}).Error; err != nil {
		return nil, err
	}
	return &status, nil
}

// Sunset fetches the singleton latch row.
func (s *Store) Sunset(ctx context.Context) (*SunsetStatus, error) {
	var status SunsetStatus
	if err := s.db.WithContext(ctx).First(&status, "id = ?", sunsetSingletonID).Error; err != nil {
		return nil, fmt.Errorf("storage: sunset status: %w", err)
	}
	return &status, nil
}

// UpdateSunsetVolumes refreshes the volume snapshot on the latch row.
func (s *Store) UpdateSunsetVolumes(ctx context.Context, monthly, rolling int64) error {
	return s.db.WithContext(ctx).Model(&SunsetStatus{}).
		Where("id = ?", sunsetSingletonID).
		Updates(map[string]interface{}{
			"monthly_volume":  monthly,
			"rolling_3mo_avg": rolling,
			"updated_at":      s.now(),
		}).Error
}

// TriggerSunset flips the one-way latch. Returns false when it was already
// triggered; the latch itself never resets.
func (s *Store) TriggerSunset(ctx context.Context, now time.Time, eventPayload string) (bool, error) {
	var flipped bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&SunsetStatus{}).
			Where("id = ? AND is_triggered = ?", sunsetSingletonID, false).
			Updates(map[string]interface{}{"is_triggered": true, "triggered_at": now, "updated_at": now})
		if res.Error != nil {
			return res.Error
		}
		flipped = res.RowsAffected == 1
		if !flipped {
			return nil
		}
		return appendOutbox(tx, "sunset.triggered", eventPayload)
	})
	return flipped, err
}

// --- outbox ---

func appendOutbox(tx *gorm.DB, kind, payload string) error {
	if strings.TrimSpace(kind) == "" {
		return nil
	}
	return tx.Create(&OutboxEvent{ID: uuid.New(), Kind: kind, Payload: payload}).Error
}

// PendingOutbox lists unpublished events oldest first.
func (s *Store) PendingOutbox(ctx context.Context, limit int) ([]OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var events []OutboxEvent
	err := s.db.WithContext(ctx).
		Where("published_at IS NULL").
		Order("created_at").
		Limit(limit).
		Find(&events).Error
	return events, err
}

// MarkOutboxPublished stamps the event as delivered.
func (s *Store) MarkOutboxPublished(ctx context.Context, id uuid.UUID) error {
	return s.db.WithContext(ctx).Model(&OutboxEvent{}).
		Where("id = ? AND published_at IS NULL", id).
		Update("published_at", s.now()).Error
}
