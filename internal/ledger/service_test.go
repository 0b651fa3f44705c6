// Concurrency and invariant tests for the ledger Service.
//
// Scenarios:
// 1. Freeze/unfreeze symmetry under interleaving with other wallets
// 2. Concurrent freezes sized at the full available balance: at most one wins
// 3. Commit idempotency: same reference applies at most once
// 4. Deposit -> order-sized freeze -> release round trip
// 5. Journal replay equals wallet balances
//
// Expected: no negative balances, frozen <= balance per currency, no
// double-spend (run with -race).

package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	apperrors "github.com/Mwai-kiragu/alpaca-stockMarket-sub001/pkg/errors"
	"github.com/Mwai-kiragu/alpaca-stockMarket-sub001/pkg/models"
)

func setupTestService(t *testing.T) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	// A single connection keeps the shared in-memory database alive and
	// serializes writers the way the postgres row lock does.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&models.Wallet{}, &models.LedgerEntry{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	svc, err := NewService(zap.NewNop(), db)
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return svc
}

func seedBalance(t *testing.T, s *Service, userID uuid.UUID, ccy string, amount string) {
	t.Helper()
	ctx := context.Background()
	_, _, err := s.Commit(ctx, CommitParams{
		UserID:    userID,
		EntryType: models.EntryDeposit,
		Amount:    decimal.RequireFromString(amount),
		Currency:  ccy,
		Reference: "seed:" + userID.String() + ":" + ccy,
	})
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}
}

func TestFreezeInsufficientFunds(t *testing.T) {
	s := setupTestService(t)
	ctx := context.Background()
	userID := uuid.New()
	seedBalance(t, s, userID, models.CurrencyKES, "100")

	err := s.Freeze(ctx, userID, decimal.RequireFromString("100.01"), models.CurrencyKES)
	if !apperrors.IsInsufficientFunds(err) {
		t.Fatalf("expected InsufficientFunds, got %v", err)
	}

	w, _ := s.GetWallet(ctx, userID)
	if !w.FrozenKES.IsZero() {
		t.Errorf("frozen changed on refused freeze: %v", w.FrozenKES)
	}
	var count int64
	s.db.Model(&models.LedgerEntry{}).Where("user_id = ? AND reference LIKE ?", userID, "seed:%").Count(&count)
	if count != 1 {
		t.Errorf("unexpected journal entries: %d", count)
	}
}

func TestFreezeUnfreezeRoundTrip(t *testing.T) {
	s := setupTestService(t)
	ctx := context.Background()
	userID := uuid.New()
	other := uuid.New()
	seedBalance(t, s, userID, models.CurrencyKES, "500")
	seedBalance(t, s, other, models.CurrencyKES, "500")

	if err := s.Freeze(ctx, userID, decimal.NewFromInt(100), models.CurrencyKES); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	// Interleave activity on an unrelated wallet.
	if err := s.Freeze(ctx, other, decimal.NewFromInt(250), models.CurrencyKES); err != nil {
		t.Fatalf("freeze other: %v", err)
	}
	if err := s.Unfreeze(ctx, userID, decimal.NewFromInt(100), models.CurrencyKES); err != nil {
		t.Fatalf("unfreeze: %v", err)
	}

	w, _ := s.GetWallet(ctx, userID)
	if !w.FrozenKES.IsZero() {
		t.Errorf("frozen not restored: %v", w.FrozenKES)
	}
	ow, _ := s.GetWallet(ctx, other)
	if !ow.FrozenKES.Equal(decimal.NewFromInt(250)) {
		t.Errorf("other wallet frozen disturbed: %v", ow.FrozenKES)
	}
}

func TestUnfreezeClampsToFrozen(t *testing.T) {
	s := setupTestService(t)
	ctx := context.Background()
	userID := uuid.New()
	seedBalance(t, s, userID, models.CurrencyKES, "100")

	if err := s.Freeze(ctx, userID, decimal.NewFromInt(40), models.CurrencyKES); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	// Over-release must clamp, not go negative.
	if err := s.Unfreeze(ctx, userID, decimal.NewFromInt(1000), models.CurrencyKES); err != nil {
		t.Fatalf("unfreeze: %v", err)
	}
	w, _ := s.GetWallet(ctx, userID)
	if !w.FrozenKES.IsZero() {
		t.Errorf("frozen should be zero, got %v", w.FrozenKES)
	}
	if err := s.Unfreeze(ctx, userID, decimal.NewFromInt(1), models.CurrencyKES); err != nil {
		t.Fatalf("idempotent unfreeze: %v", err)
	}
}

func TestConcurrentFreezeNoOvercommit(t *testing.T) {
	s := setupTestService(t)
	ctx := context.Background()
	userID := uuid.New()
	seedBalance(t, s, userID, models.CurrencyKES, "1000")

	// Each reservation wants the full available balance; at most one can win.
	n := 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			errs[idx] = s.Freeze(ctx, userID, decimal.NewFromInt(1000), models.CurrencyKES)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else if !apperrors.IsInsufficientFunds(err) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("expected exactly 1 successful reservation, got %d", wins)
	}
	w, _ := s.GetWallet(ctx, userID)
	if !w.FrozenKES.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("frozen wrong: %v", w.FrozenKES)
	}
	if w.FrozenKES.GreaterThan(w.BalanceKES) {
		t.Errorf("frozen exceeds balance: %v > %v", w.FrozenKES, w.BalanceKES)
	}
}

func TestCommitIdempotent(t *testing.T) {
	s := setupTestService(t)
	ctx := context.Background()
	userID := uuid.New()
	seedBalance(t, s, userID, models.CurrencyKES, "1000")
	if err := s.Freeze(ctx, userID, decimal.NewFromInt(600), models.CurrencyKES); err != nil {
		t.Fatalf("freeze: %v", err)
	}

	p := CommitParams{
		UserID:    userID,
		EntryType: models.EntryTradeBuy,
		Amount:    decimal.NewFromInt(600),
		Currency:  models.CurrencyKES,
		Reference: "settle:test-order:10",
		Debit:     true,
	}
	e1, applied1, err := s.Commit(ctx, p)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if !applied1 {
		t.Fatal("first commit not applied")
	}
	e2, applied2, err := s.Commit(ctx, p)
	if err != nil {
		t.Fatalf("replay commit: %v", err)
	}
	if applied2 {
		t.Fatal("replay applied twice")
	}
	if e1.ID != e2.ID {
		t.Errorf("replay returned a different entry")
	}

	w, _ := s.GetWallet(ctx, userID)
	if !w.BalanceKES.Equal(decimal.NewFromInt(400)) {
		t.Errorf("balance wrong after commit: %v", w.BalanceKES)
	}
	if !w.FrozenKES.IsZero() {
		t.Errorf("frozen wrong after commit: %v", w.FrozenKES)
	}
	var count int64
	s.db.Model(&models.LedgerEntry{}).Where("reference = ?", p.Reference).Count(&count)
	if count != 1 {
		t.Errorf("expected 1 journal entry, got %d", count)
	}
}

func TestCommitDebitWithFeeWritesFeeEntry(t *testing.T) {
	s := setupTestService(t)
	ctx := context.Background()
	userID := uuid.New()
	seedBalance(t, s, userID, models.CurrencyKES, "1000")
	if err := s.Freeze(ctx, userID, decimal.NewFromInt(510), models.CurrencyKES); err != nil {
		t.Fatalf("freeze: %v", err)
	}

	_, _, err := s.Commit(ctx, CommitParams{
		UserID:    userID,
		EntryType: models.EntryWithdrawal,
		Amount:    decimal.NewFromInt(500),
		Currency:  models.CurrencyKES,
		Reference: "wd:fee-test",
		Debit:     true,
		Fee:       decimal.NewFromInt(10),
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	w, _ := s.GetWallet(ctx, userID)
	if !w.BalanceKES.Equal(decimal.NewFromInt(490)) {
		t.Errorf("balance wrong: %v", w.BalanceKES)
	}
	ok, err := s.VerifyWallet(ctx, userID)
	if err != nil || !ok {
		t.Errorf("journal replay mismatch after fee commit (ok=%v err=%v)", ok, err)
	}
}

func TestCommitDebitOverrunFallsThroughToAvailable(t *testing.T) {
	s := setupTestService(t)
	ctx := context.Background()
	userID := uuid.New()
	seedBalance(t, s, userID, models.CurrencyUSD, "5000")
	if err := s.Freeze(ctx, userID, decimal.NewFromInt(1000), models.CurrencyUSD); err != nil {
		t.Fatalf("freeze: %v", err)
	}

	// The debit exceeds the hold by 5; the excess comes from available.
	_, applied, err := s.Commit(ctx, CommitParams{
		UserID:    userID,
		EntryType: models.EntryTradeBuy,
		Amount:    decimal.NewFromInt(1005),
		Currency:  models.CurrencyUSD,
		Reference: "settle:overrun-order:10",
		Debit:     true,
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if !applied {
		t.Fatal("commit not applied")
	}

	w, _ := s.GetWallet(ctx, userID)
	if !w.BalanceUSD.Equal(decimal.NewFromInt(3995)) {
		t.Errorf("balance wrong: %v", w.BalanceUSD)
	}
	if !w.FrozenUSD.IsZero() {
		t.Errorf("frozen not consumed: %v", w.FrozenUSD)
	}
	ok, err := s.VerifyWallet(ctx, userID)
	if err != nil || !ok {
		t.Errorf("journal replay mismatch after overrun commit (ok=%v err=%v)", ok, err)
	}
}

func TestCommitDebitOverrunBeyondWalletFails(t *testing.T) {
	s := setupTestService(t)
	ctx := context.Background()
	userID := uuid.New()
	seedBalance(t, s, userID, models.CurrencyUSD, "1000")
	if err := s.Freeze(ctx, userID, decimal.NewFromInt(1000), models.CurrencyUSD); err != nil {
		t.Fatalf("freeze: %v", err)
	}

	_, _, err := s.Commit(ctx, CommitParams{
		UserID:    userID,
		EntryType: models.EntryTradeBuy,
		Amount:    decimal.NewFromInt(1200),
		Currency:  models.CurrencyUSD,
		Reference: "settle:broke-order:10",
		Debit:     true,
	})
	if !apperrors.IsInsufficientFunds(err) {
		t.Fatalf("expected InsufficientFunds, got %v", err)
	}

	w, _ := s.GetWallet(ctx, userID)
	if !w.BalanceUSD.Equal(decimal.NewFromInt(1000)) || !w.FrozenUSD.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("wallet mutated by refused commit: balance=%v frozen=%v", w.BalanceUSD, w.FrozenUSD)
	}
	var count int64
	s.db.Model(&models.LedgerEntry{}).Where("reference = ?", "settle:broke-order:10").Count(&count)
	if count != 0 {
		t.Errorf("refused commit wrote %d entries", count)
	}
}

func TestPendingLifecycle(t *testing.T) {
	s := setupTestService(t)
	ctx := context.Background()
	userID := uuid.New()

	entry, err := s.CreatePending(ctx, PendingParams{
		UserID:    userID,
		EntryType: models.EntryDeposit,
		Amount:    decimal.NewFromInt(2000),
		Currency:  models.CurrencyKES,
		Reference: "dep:lifecycle",
	})
	if err != nil {
		t.Fatalf("create pending: %v", err)
	}
	if entry.Status != models.StatusPending {
		t.Fatalf("status = %s", entry.Status)
	}

	// Pending entries have no balance effect.
	w, _ := s.GetWallet(ctx, userID)
	if !w.BalanceKES.IsZero() {
		t.Errorf("pending entry moved balance: %v", w.BalanceKES)
	}

	if err := s.SetExternalRef(ctx, "dep:lifecycle", "ws_CO_123"); err != nil {
		t.Fatalf("set external ref: %v", err)
	}
	found, err := s.FindByExternalRef(ctx, "ws_CO_123")
	if err != nil || found.Reference != "dep:lifecycle" {
		t.Fatalf("find by external ref: %v", err)
	}

	_, applied, err := s.CompletePending(ctx, "dep:lifecycle", models.Metadata{"receipt": "QA12345"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !applied {
		t.Fatal("completion not applied")
	}
	w, _ = s.GetWallet(ctx, userID)
	if !w.BalanceKES.Equal(decimal.NewFromInt(2000)) {
		t.Errorf("balance after completion: %v", w.BalanceKES)
	}

	// Replaying the confirmation changes the balance exactly once.
	_, applied, err = s.CompletePending(ctx, "dep:lifecycle", nil)
	if err != nil {
		t.Fatalf("replay complete: %v", err)
	}
	if applied {
		t.Fatal("replay applied twice")
	}
	w, _ = s.GetWallet(ctx, userID)
	if !w.BalanceKES.Equal(decimal.NewFromInt(2000)) {
		t.Errorf("balance after replay: %v", w.BalanceKES)
	}
}

func TestFailPendingWithdrawalReleasesHold(t *testing.T) {
	s := setupTestService(t)
	ctx := context.Background()
	userID := uuid.New()
	seedBalance(t, s, userID, models.CurrencyKES, "1000")

	gross := decimal.NewFromInt(505)
	if err := s.Freeze(ctx, userID, gross, models.CurrencyKES); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	_, err := s.CreatePending(ctx, PendingParams{
		UserID:    userID,
		EntryType: models.EntryWithdrawal,
		Amount:    decimal.NewFromInt(500).Neg(),
		Currency:  models.CurrencyKES,
		Reference: "wd:reject-test",
		Fee:       decimal.NewFromInt(5),
	})
	if err != nil {
		t.Fatalf("create pending: %v", err)
	}

	_, applied, err := s.FailPending(ctx, "wd:reject-test", models.StatusFailed, "gateway rejected")
	if err != nil || !applied {
		t.Fatalf("fail pending: applied=%v err=%v", applied, err)
	}
	w, _ := s.GetWallet(ctx, userID)
	if !w.FrozenKES.IsZero() {
		t.Errorf("hold not released: %v", w.FrozenKES)
	}
	if !w.BalanceKES.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("balance changed on rejection: %v", w.BalanceKES)
	}
}

func TestConvertPairAtomicAndIdempotent(t *testing.T) {
	s := setupTestService(t)
	ctx := context.Background()
	userID := uuid.New()
	seedBalance(t, s, userID, models.CurrencyKES, "10000")

	p := ConvertParams{
		UserID:       userID,
		GrossAmount:  decimal.NewFromInt(2000),
		Fee:          decimal.NewFromInt(50),
		FromCurrency: models.CurrencyKES,
		ToAmount:     decimal.RequireFromString("15.02"),
		ToCurrency:   models.CurrencyUSD,
		Rate:         decimal.RequireFromString("0.0077"),
		RateSource:   "live",
		Reference:    "fx:convert-test",
	}
	out, in, applied, err := s.ConvertPair(ctx, p)
	if err != nil || !applied {
		t.Fatalf("convert: applied=%v err=%v", applied, err)
	}
	if !out.Amount.Equal(decimal.NewFromInt(1950).Neg()) {
		t.Errorf("out leg amount: %v", out.Amount)
	}
	if !in.Amount.Equal(decimal.RequireFromString("15.02")) {
		t.Errorf("in leg amount: %v", in.Amount)
	}

	w, _ := s.GetWallet(ctx, userID)
	if !w.BalanceKES.Equal(decimal.NewFromInt(8000)) {
		t.Errorf("KES balance: %v", w.BalanceKES)
	}
	if !w.BalanceUSD.Equal(decimal.RequireFromString("15.02")) {
		t.Errorf("USD balance: %v", w.BalanceUSD)
	}

	_, _, applied, err = s.ConvertPair(ctx, p)
	if err != nil {
		t.Fatalf("replay convert: %v", err)
	}
	if applied {
		t.Fatal("conversion applied twice")
	}
	ok, err := s.VerifyWallet(ctx, userID)
	if err != nil || !ok {
		t.Errorf("journal replay mismatch after conversion (ok=%v err=%v)", ok, err)
	}
}

func TestDepositOrderCancelScenario(t *testing.T) {
	s := setupTestService(t)
	ctx := context.Background()
	userID := uuid.New()

	// balance 5000, deposit 2000 confirmed -> 7000
	seedBalance(t, s, userID, models.CurrencyKES, "5000")
	_, err := s.CreatePending(ctx, PendingParams{
		UserID:    userID,
		EntryType: models.EntryDeposit,
		Amount:    decimal.NewFromInt(2000),
		Currency:  models.CurrencyKES,
		Reference: "dep:scenario",
	})
	if err != nil {
		t.Fatalf("create pending: %v", err)
	}
	if _, _, err := s.CompletePending(ctx, "dep:scenario", nil); err != nil {
		t.Fatalf("complete: %v", err)
	}

	w, _ := s.GetWallet(ctx, userID)
	if !w.BalanceKES.Equal(decimal.NewFromInt(7000)) {
		t.Fatalf("balance after deposit: %v", w.BalanceKES)
	}

	// buy order notional 7000 -> frozen 7000, available 0
	if err := s.Freeze(ctx, userID, decimal.NewFromInt(7000), models.CurrencyKES); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	w, _ = s.GetWallet(ctx, userID)
	if !w.FrozenKES.Equal(decimal.NewFromInt(7000)) || !w.Available(models.CurrencyKES).IsZero() {
		t.Fatalf("after freeze: frozen=%v available=%v", w.FrozenKES, w.Available(models.CurrencyKES))
	}

	// cancel -> frozen 0, balance intact
	if err := s.Unfreeze(ctx, userID, decimal.NewFromInt(7000), models.CurrencyKES); err != nil {
		t.Fatalf("unfreeze: %v", err)
	}
	w, _ = s.GetWallet(ctx, userID)
	if !w.FrozenKES.IsZero() || !w.BalanceKES.Equal(decimal.NewFromInt(7000)) {
		t.Fatalf("after cancel: frozen=%v balance=%v", w.FrozenKES, w.BalanceKES)
	}
}

func TestConcurrentMixedOpsKeepInvariants(t *testing.T) {
	s := setupTestService(t)
	ctx := context.Background()
	userID := uuid.New()
	seedBalance(t, s, userID, models.CurrencyKES, "1000")

	var wg sync.WaitGroup
	n := 50
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = s.Freeze(ctx, userID, decimal.NewFromInt(5), models.CurrencyKES)
		}()
		go func() {
			defer wg.Done()
			_ = s.Unfreeze(ctx, userID, decimal.NewFromInt(5), models.CurrencyKES)
		}()
	}
	wg.Wait()

	w, _ := s.GetWallet(ctx, userID)
	if w.FrozenKES.IsNegative() {
		t.Errorf("frozen negative: %v", w.FrozenKES)
	}
	if w.FrozenKES.GreaterThan(w.BalanceKES) {
		t.Errorf("frozen exceeds balance: %v > %v", w.FrozenKES, w.BalanceKES)
	}
	if !w.BalanceKES.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("balance changed by holds: %v", w.BalanceKES)
	}
}
