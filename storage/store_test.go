package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return store
}

func seedMember(t *testing.T, store *Store, code string, signup time.Time) *Member {
	t.Helper()
	member := &Member{ReferralCode: code, SignupAt: signup}
	if err := store.CreateMember(context.Background(), member); err != nil {
		t.Fatalf("create member: %v", err)
	}
	return member
}

func TestSetReferrerFirstTouchOnly(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now()
	referrer := seedMember(t, store, "REF-1", now)
	other := seedMember(t, store, "REF-2", now)
	member := seedMember(t, store, "REF-3", now)

	ok, err := store.SetReferrer(ctx, member.ID, referrer.ID)
	if err != nil || !ok {
		t.Fatalf("first attribution: ok=%v err=%v", ok, err)
	}
	ok, err = store.SetReferrer(ctx, member.ID, other.ID)
	if err != nil {
		t.Fatalf("re-attribution: %v", err)
	}
	if ok {
		t.Fatal("attribution must be permanent")
	}
	got, err := store.MemberByID(ctx, member.ID)
	if err != nil {
		t.Fatalf("member: %v", err)
	}
	if got.ReferrerID == nil || *got.ReferrerID != referrer.ID {
		t.Fatalf("referrer drifted: %v", got.ReferrerID)
	}
}

func TestBeginWithdrawalGuardsBalance(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	member := seedMember(t, store, "W-1", time.Now())
	if _, err := store.EnsureWallet(ctx, member.ID, "0xabc"); err != nil {
		t.Fatalf("ensure wallet: %v", err)
	}
	entry := &LedgerTransaction{MemberID: member.ID, Kind: KindAffiliateMatch, AmountCents: 1000, Status: StatusCompleted}
	if err := store.CreditWithLedger(ctx, member.ID, entry); err != nil {
		t.Fatalf("credit: %v", err)
	}

	ok, err := store.BeginWithdrawal(ctx, member.ID, 600)
	if err != nil || !ok {
		t.Fatalf("first withdrawal: ok=%v err=%v", ok, err)
	}
	ok, err = store.BeginWithdrawal(ctx, member.ID, 600)
	if err != nil {
		t.Fatalf("second withdrawal: %v", err)
	}
	if ok {
		t.Fatal("withdrawal exceeding available balance must be refused")
	}
	wallet, err := store.WalletByMember(ctx, member.ID)
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	if wallet.BalanceAvailableCents != 400 || wallet.BalancePendingCents != 600 {
		t.Fatalf("balances available=%d pending=%d", wallet.BalanceAvailableCents, wallet.BalancePendingCents)
	}
}

func TestVaultUnvaultMutuallyIdempotent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now()
	affiliate := seedMember(t, store, "A-1", now)
	referred := seedMember(t, store, "A-2", now)
	chip := &AffiliateChip{AffiliateID: affiliate.ID, ReferredMemberID: referred.ID, SourceScanID: "scan-1"}
	if err := store.InsertChip(ctx, chip); err != nil {
		t.Fatalf("insert chip: %v", err)
	}
	ids := []uuid.UUID{chip.ID}

	if n, err := store.VaultChips(ctx, affiliate.ID, ids, now); err != nil || n != 1 {
		t.Fatalf("vault: n=%d err=%v", n, err)
	}
	if n, err := store.VaultChips(ctx, affiliate.ID, ids, now); err != nil || n != 0 {
		t.Fatalf("re-vault should be a no-op: n=%d err=%v", n, err)
	}
	if n, err := store.UnvaultChips(ctx, affiliate.ID, ids); err != nil || n != 1 {
		t.Fatalf("unvault: n=%d err=%v", n, err)
	}
	if n, err := store.UnvaultChips(ctx, affiliate.ID, ids); err != nil || n != 0 {
		t.Fatalf("re-unvault should be a no-op: n=%d err=%v", n, err)
	}
	// Another affiliate can never mutate chips it does not own.
	if n, err := store.VaultChips(ctx, referred.ID, ids, now); err != nil || n != 0 {
		t.Fatalf("foreign vault: n=%d err=%v", n, err)
	}
}

func TestExpireChipsIsOneWay(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now()
	affiliate := seedMember(t, store, "E-1", now)
	referred := seedMember(t, store, "E-2", now)
	chip := &AffiliateChip{AffiliateID: affiliate.ID, ReferredMemberID: referred.ID, SourceScanID: "scan-2"}
	if err := store.InsertChip(ctx, chip); err != nil {
		t.Fatalf("insert chip: %v", err)
	}
	if n, err := store.VaultChips(ctx, affiliate.ID, []uuid.UUID{chip.ID}, now); err != nil || n != 1 {
		t.Fatalf("vault: n=%d err=%v", n, err)
	}

	beyond := now.AddDate(0, 0, 366)
	if n, err := store.ExpireChips(ctx, beyond); err != nil || n != 1 {
		t.Fatalf("expire: n=%d err=%v", n, err)
	}
	if n, err := store.ExpireChips(ctx, beyond); err != nil || n != 0 {
		t.Fatalf("re-expire should be a no-op: n=%d err=%v", n, err)
	}
	// Expired chips can be neither unvaulted nor re-vaulted.
	if n, err := store.UnvaultChips(ctx, affiliate.ID, []uuid.UUID{chip.ID}); err != nil || n != 0 {
		t.Fatalf("unvault expired: n=%d err=%v", n, err)
	}
	counts, err := store.ActiveChipCounts(ctx)
	if err != nil {
		t.Fatalf("active counts: %v", err)
	}
	if counts[affiliate.ID] != 0 {
		t.Fatalf("expired chip still counted: %d", counts[affiliate.ID])
	}
}

func TestTriggerSunsetLatch(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if _, err := store.EnsureSunset(ctx, 10_000_000); err != nil {
		t.Fatalf("ensure sunset: %v", err)
	}
	now := time.Now()
	flipped, err := store.TriggerSunset(ctx, now, `{"threshold":10000000}`)
	if err != nil || !flipped {
		t.Fatalf("first trigger: flipped=%v err=%v", flipped, err)
	}
	flipped, err = store.TriggerSunset(ctx, now, "")
	if err != nil {
		t.Fatalf("second trigger: %v", err)
	}
	if flipped {
		t.Fatal("latch must not flip twice")
	}
	status, err := store.Sunset(ctx)
	if err != nil {
		t.Fatalf("sunset: %v", err)
	}
	if !status.IsTriggered || status.TriggeredAt == nil {
		t.Fatalf("latch not recorded: %+v", status)
	}
	events, err := store.PendingOutbox(ctx, 10)
	if err != nil {
		t.Fatalf("outbox: %v", err)
	}
	if len(events) != 1 || events[0].Kind != "sunset.triggered" {
		t.Fatalf("expected a single sunset outbox event, got %d", len(events))
	}
}

func TestPayoutStatusMonotonic(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	affiliate := seedMember(t, store, "P-1", time.Now())
	payouts := []AffiliatePayout{{AffiliateID: affiliate.ID, AmountCents: 7500, PayoutType: PayoutPoolShare, Period: "2026-W35"}}
	if err := store.CreatePayouts(ctx, payouts); err != nil {
		t.Fatalf("create payouts: %v", err)
	}
	id := payouts[0].ID

	if _, err := store.MarkPayoutPaid(ctx, id, ""); err == nil {
		t.Fatal("paid without tx hash must fail")
	}
	if ok, err := store.MarkPayoutPaid(ctx, id, "0xdead"); err != nil || ok {
		t.Fatalf("paid before approval must not apply: ok=%v err=%v", ok, err)
	}
	if ok, err := store.ApprovePayout(ctx, id); err != nil || !ok {
		t.Fatalf("approve: ok=%v err=%v", ok, err)
	}
	if ok, err := store.ApprovePayout(ctx, id); err != nil || ok {
		t.Fatalf("re-approve must be a no-op: ok=%v err=%v", ok, err)
	}
	if ok, err := store.MarkPayoutPaid(ctx, id, "0xdead"); err != nil || !ok {
		t.Fatalf("mark paid: ok=%v err=%v", ok, err)
	}
	if ok, err := store.MarkPayoutPaid(ctx, id, "0xbeef"); err != nil || ok {
		t.Fatalf("paid is terminal: ok=%v err=%v", ok, err)
	}

	exists, err := store.PayoutsExistForPeriod(ctx, PayoutPoolShare, "2026-W35")
	if err != nil || !exists {
		t.Fatalf("period lookup: exists=%v err=%v", exists, err)
	}
}

func TestAwardCompWritesOutboxAtomically(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	member := seedMember(t, store, "M-1", time.Now())
	entry := &LedgerTransaction{MemberID: member.ID, Kind: KindCompAward, AmountCents: 10_000, Status: StatusPendingChoice}
	if err := store.AwardComp(ctx, entry, "comp.awarded", `{"amount_cents":10000}`); err != nil {
		t.Fatalf("award comp: %v", err)
	}
	events, err := store.PendingOutbox(ctx, 10)
	if err != nil {
		t.Fatalf("outbox: %v", err)
	}
	if len(events) != 1 || events[0].Kind != "comp.awarded" {
		t.Fatalf("outbox event missing: %d", len(events))
	}
	if err := store.MarkOutboxPublished(ctx, events[0].ID); err != nil {
		t.Fatalf("mark published: %v", err)
	}
	events, err = store.PendingOutbox(ctx, 10)
	if err != nil {
		t.Fatalf("outbox: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("published event still pending")
	}
}

func TestPoolAccrualDrainOnce(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.AccruePool(ctx, "affiliate", 300); err != nil {
		t.Fatalf("accrue: %v", err)
	}
	if err := store.AccruePool(ctx, "affiliate", 200); err != nil {
		t.Fatalf("accrue: %v", err)
	}
	if balance, err := store.AccruedPool(ctx, "affiliate"); err != nil || balance != 500 {
		t.Fatalf("balance=%d err=%v", balance, err)
	}
	drained, err := store.DrainPool(ctx, "affiliate")
	if err != nil || drained != 500 {
		t.Fatalf("drain=%d err=%v", drained, err)
	}
	drained, err = store.DrainPool(ctx, "affiliate")
	if err != nil || drained != 0 {
		t.Fatalf("re-drain=%d err=%v", drained, err)
	}
	// Unknown pools read as empty rather than erroring.
	if balance, err := store.AccruedPool(ctx, "consumer"); err != nil || balance != 0 {
		t.Fatalf("empty pool balance=%d err=%v", balance, err)
	}
}

func TestMonthCompSumWindow(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	member := seedMember(t, store, "S-1", time.Now())

	asOf := time.Date(2026, time.August, 15, 12, 0, 0, 0, time.UTC)
	inWindow := &LedgerTransaction{MemberID: member.ID, Kind: KindGuaranteedComp, AmountCents: 300, Status: StatusPendingChoice, CreatedAt: asOf}
	if err := store.CreateLedger(ctx, inWindow); err != nil {
		t.Fatalf("create ledger: %v", err)
	}
	outside := &LedgerTransaction{MemberID: member.ID, Kind: KindCompAward, AmountCents: 900, Status: StatusCompleted, CreatedAt: asOf.AddDate(0, -1, 0)}
	if err := store.CreateLedger(ctx, outside); err != nil {
		t.Fatalf("create ledger: %v", err)
	}

	total, err := store.MonthCompSum(ctx, member.ID, asOf)
	if err != nil {
		t.Fatalf("month sum: %v", err)
	}
	if total != 300 {
		t.Fatalf("month sum = %d, want 300", total)
	}
	lifetime, err := store.CompletedCompSum(ctx, member.ID)
	if err != nil {
		t.Fatalf("completed sum: %v", err)
	}
	if lifetime != 900 {
		t.Fatalf("completed sum = %d, want 900", lifetime)
	}
}
