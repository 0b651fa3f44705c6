package orders

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/Mwai-kiragu/alpaca-stockMarket-sub001/internal/brokerage"
	"github.com/Mwai-kiragu/alpaca-stockMarket-sub001/internal/config"
	"github.com/Mwai-kiragu/alpaca-stockMarket-sub001/internal/forex"
	"github.com/Mwai-kiragu/alpaca-stockMarket-sub001/internal/ledger"
	"github.com/Mwai-kiragu/alpaca-stockMarket-sub001/internal/notifications"
	apperrors "github.com/Mwai-kiragu/alpaca-stockMarket-sub001/pkg/errors"
	"github.com/Mwai-kiragu/alpaca-stockMarket-sub001/pkg/models"
)

type fakeBroker struct {
	price      decimal.Decimal
	submitErr  error
	submitResp *brokerage.OrderState
	getResp    *brokerage.OrderState
	getErr     error
	submits    int
	cancels    int
}

func (f *fakeBroker) SubmitOrder(ctx context.Context, p brokerage.SubmitParams) (*brokerage.OrderState, error) {
	f.submits++
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	if f.submitResp != nil {
		return f.submitResp, nil
	}
	return &brokerage.OrderState{ID: "ext-" + p.ClientOrderID, Status: models.OrderNew}, nil
}

func (f *fakeBroker) GetOrder(ctx context.Context, externalID string) (*brokerage.OrderState, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	resp := *f.getResp
	resp.ID = externalID
	return &resp, nil
}

func (f *fakeBroker) CancelOrder(ctx context.Context, externalID string) error {
	f.cancels++
	return nil
}

func (f *fakeBroker) LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if f.price.IsZero() {
		return decimal.Zero, apperrors.NewExternal("brokerage", errors.New("no price"))
	}
	return f.price, nil
}

type fixedRateProvider struct{ rate decimal.Decimal }

func (p fixedRateProvider) GetRate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	return p.rate, nil
}

type recordingNotifier struct{ events []notifications.Event }

func (r *recordingNotifier) Publish(ctx context.Context, e notifications.Event) {
	r.events = append(r.events, e)
}

func (r *recordingNotifier) Close() error { return nil }

// failingFreezeLedger simulates a wallet store outage on reservation only.
type failingFreezeLedger struct {
	ledger.LedgerService
}

func (f failingFreezeLedger) Freeze(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, currency string) error {
	return errors.New("wallet store offline")
}

type testEnv struct {
	svc      *Service
	ledger   *ledger.Service
	forex    forex.ConversionService
	broker   *fakeBroker
	notifier *recordingNotifier
	db       *gorm.DB
}

func setupEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&models.Wallet{}, &models.LedgerEntry{}, &models.Order{}))

	led, err := ledger.NewService(zap.NewNop(), db)
	require.NoError(t, err)
	fx, err := forex.NewService(zap.NewNop(), led, fixedRateProvider{rate: decimal.RequireFromString("129.5")}, nil, config.ForexConfig{
		FeePercent:  "1.5",
		FeeMinimums: map[string]string{"KES": "50", "USD": "0.5"},
	})
	require.NoError(t, err)
	broker := &fakeBroker{price: decimal.NewFromInt(100)}
	notifier := &recordingNotifier{}
	return &testEnv{
		svc:      NewService(zap.NewNop(), db, led, fx, broker, notifier),
		ledger:   led,
		forex:    fx,
		broker:   broker,
		notifier: notifier,
		db:       db,
	}
}

func (e *testEnv) fund(t *testing.T, userID uuid.UUID, ccy, amount string) {
	t.Helper()
	_, _, err := e.ledger.Commit(context.Background(), ledger.CommitParams{
		UserID:    userID,
		EntryType: models.EntryDeposit,
		Amount:    decimal.RequireFromString(amount),
		Currency:  ccy,
		Reference: "seed:" + userID.String() + ":" + ccy,
	})
	require.NoError(t, err)
}

func buyRequest(qty string) *models.OrderRequest {
	return &models.OrderRequest{
		Symbol:   "AAPL",
		Side:     models.SideBuy,
		Type:     models.OrderTypeMarket,
		Quantity: decimal.RequireFromString(qty),
		Currency: models.CurrencyUSD,
	}
}

func TestCreateOrderInsufficientFundsRejectsBeforeSubmit(t *testing.T) {
	e := setupEnv(t)
	ctx := context.Background()
	userID := uuid.New()
	e.fund(t, userID, models.CurrencyUSD, "100")

	// 10 shares at 100 = 1000 USD against a 100 USD balance.
	order, err := e.svc.CreateOrder(ctx, userID, buyRequest("10"))
	require.Error(t, err)
	assert.True(t, apperrors.IsInsufficientFunds(err))
	require.NotNil(t, order)
	assert.Equal(t, models.OrderRejected, order.Status)
	assert.Equal(t, "insufficient funds", order.RejectReason)
	assert.Equal(t, 0, e.broker.submits, "no venue call after failed reservation")

	w, _ := e.ledger.GetWallet(ctx, userID)
	assert.True(t, w.FrozenUSD.IsZero())
	var entries int64
	e.db.Model(&models.LedgerEntry{}).Where("user_id = ? AND type <> ?", userID, models.EntryDeposit).Count(&entries)
	assert.Zero(t, entries, "rejected order must leave no journal entries")
}

func TestCreateOrderReservesAndSubmits(t *testing.T) {
	e := setupEnv(t)
	ctx := context.Background()
	userID := uuid.New()
	e.fund(t, userID, models.CurrencyUSD, "5000")

	order, err := e.svc.CreateOrder(ctx, userID, buyRequest("10"))
	require.NoError(t, err)
	assert.Equal(t, models.OrderNew, order.Status)
	require.NotNil(t, order.ExternalID)
	assert.True(t, order.OrderValue.Equal(decimal.NewFromInt(1000)))

	w, _ := e.ledger.GetWallet(ctx, userID)
	assert.True(t, w.FrozenUSD.Equal(decimal.NewFromInt(1000)))
	assert.True(t, w.Available(models.CurrencyUSD).Equal(decimal.NewFromInt(4000)))
}

func TestCreateOrderSubmitFailureReleasesReservation(t *testing.T) {
	e := setupEnv(t)
	ctx := context.Background()
	userID := uuid.New()
	e.fund(t, userID, models.CurrencyUSD, "5000")
	e.broker.submitErr = apperrors.NewExternal("brokerage", errors.New("timeout"))

	order, err := e.svc.CreateOrder(ctx, userID, buyRequest("10"))
	require.Error(t, err)
	require.NotNil(t, order)
	assert.Equal(t, models.OrderRejected, order.Status)
	assert.Contains(t, order.RejectReason, "submission failed")

	w, _ := e.ledger.GetWallet(ctx, userID)
	assert.True(t, w.FrozenUSD.IsZero(), "reservation must be released")
	assert.True(t, w.BalanceUSD.Equal(decimal.NewFromInt(5000)))
}

func TestFullFillSettlesAndReleasesNothing(t *testing.T) {
	e := setupEnv(t)
	ctx := context.Background()
	userID := uuid.New()
	e.fund(t, userID, models.CurrencyUSD, "5000")

	order, err := e.svc.CreateOrder(ctx, userID, buyRequest("10"))
	require.NoError(t, err)

	// Filled at a better price than reserved: 10 @ 99.50 = 995.
	e.broker.getResp = &brokerage.OrderState{
		Status:         models.OrderFilled,
		FilledQuantity: decimal.NewFromInt(10),
		AvgFillPrice:   decimal.RequireFromString("99.50"),
	}
	require.NoError(t, e.svc.SyncOrder(ctx, order.ID))

	got, err := e.svc.GetOrder(ctx, userID, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderFilled, got.Status)
	assert.True(t, got.SettledValue.Equal(decimal.NewFromInt(995)))
	require.NotNil(t, got.FilledAt)

	w, _ := e.ledger.GetWallet(ctx, userID)
	assert.True(t, w.BalanceUSD.Equal(decimal.NewFromInt(4005)), "balance %s", w.BalanceUSD)
	assert.True(t, w.FrozenUSD.IsZero(), "price improvement remainder released")

	ok, err := e.ledger.VerifyWallet(ctx, userID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDuplicateFillNotificationAppliesOnce(t *testing.T) {
	e := setupEnv(t)
	ctx := context.Background()
	userID := uuid.New()
	e.fund(t, userID, models.CurrencyUSD, "5000")

	order, err := e.svc.CreateOrder(ctx, userID, buyRequest("10"))
	require.NoError(t, err)

	e.broker.getResp = &brokerage.OrderState{
		Status:         models.OrderFilled,
		FilledQuantity: decimal.NewFromInt(10),
		AvgFillPrice:   decimal.NewFromInt(100),
	}
	require.NoError(t, e.svc.SyncOrder(ctx, order.ID))
	require.NoError(t, e.svc.SyncOrder(ctx, order.ID))
	require.NoError(t, e.svc.SyncOrder(ctx, order.ID))

	w, _ := e.ledger.GetWallet(ctx, userID)
	assert.True(t, w.BalanceUSD.Equal(decimal.NewFromInt(4000)), "balance %s", w.BalanceUSD)

	var entries int64
	e.db.Model(&models.LedgerEntry{}).Where("user_id = ? AND type = ?", userID, models.EntryTradeBuy).Count(&entries)
	assert.EqualValues(t, 1, entries)
}

func TestPartialFillThenCancelReleasesRemainder(t *testing.T) {
	e := setupEnv(t)
	ctx := context.Background()
	userID := uuid.New()
	e.fund(t, userID, models.CurrencyUSD, "5000")

	order, err := e.svc.CreateOrder(ctx, userID, buyRequest("10"))
	require.NoError(t, err)

	e.broker.getResp = &brokerage.OrderState{
		Status:         models.OrderPartiallyFilled,
		FilledQuantity: decimal.NewFromInt(4),
		AvgFillPrice:   decimal.NewFromInt(100),
	}
	require.NoError(t, e.svc.SyncOrder(ctx, order.ID))

	got, _ := e.svc.GetOrder(ctx, userID, order.ID)
	assert.Equal(t, models.OrderPartiallyFilled, got.Status)
	assert.True(t, got.SettledValue.Equal(decimal.NewFromInt(400)))

	w, _ := e.ledger.GetWallet(ctx, userID)
	assert.True(t, w.BalanceUSD.Equal(decimal.NewFromInt(4600)))
	assert.True(t, w.FrozenUSD.Equal(decimal.NewFromInt(600)))

	canceled, err := e.svc.CancelOrder(ctx, userID, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderCanceled, canceled.Status)
	assert.Equal(t, 1, e.broker.cancels)

	w, _ = e.ledger.GetWallet(ctx, userID)
	assert.True(t, w.FrozenUSD.IsZero(), "unfilled remainder released")
	assert.True(t, w.BalanceUSD.Equal(decimal.NewFromInt(4600)))

	// Cancelling again is a no-op.
	again, err := e.svc.CancelOrder(ctx, userID, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderCanceled, again.Status)
	assert.Equal(t, 1, e.broker.cancels)
}

func TestFillAboveReservePriceSettlesOverrun(t *testing.T) {
	e := setupEnv(t)
	ctx := context.Background()
	userID := uuid.New()
	e.fund(t, userID, models.CurrencyUSD, "5000")

	// Market buy reserved at the latest trade: 10 @ 100 = 1000.
	order, err := e.svc.CreateOrder(ctx, userID, buyRequest("10"))
	require.NoError(t, err)

	// The venue prints 10 @ 100.50 = 1005, above the hold.
	e.broker.getResp = &brokerage.OrderState{
		Status:         models.OrderFilled,
		FilledQuantity: decimal.NewFromInt(10),
		AvgFillPrice:   decimal.RequireFromString("100.50"),
	}
	require.NoError(t, e.svc.SyncOrder(ctx, order.ID))
	require.NoError(t, e.svc.SyncOrder(ctx, order.ID))

	got, err := e.svc.GetOrder(ctx, userID, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderFilled, got.Status)
	assert.True(t, got.SettledValue.Equal(decimal.RequireFromString("1005")), "settled %s", got.SettledValue)

	w, _ := e.ledger.GetWallet(ctx, userID)
	assert.True(t, w.BalanceUSD.Equal(decimal.RequireFromString("3995")), "balance %s", w.BalanceUSD)
	assert.True(t, w.FrozenUSD.IsZero(), "hold fully consumed")

	ok, err := e.ledger.VerifyWallet(ctx, userID)
	require.NoError(t, err)
	assert.True(t, ok)

	var entries int64
	e.db.Model(&models.LedgerEntry{}).Where("user_id = ? AND type = ?", userID, models.EntryTradeBuy).Count(&entries)
	assert.EqualValues(t, 1, entries)

	require.Len(t, e.notifier.events, 1)
	assert.Equal(t, notifications.EventOrderSettled, e.notifier.events[0].Kind)
	assert.Equal(t, order.ID.String(), e.notifier.events[0].Reference)
}

func TestCancelPendingOrderReleasesReservation(t *testing.T) {
	e := setupEnv(t)
	ctx := context.Background()
	userID := uuid.New()
	e.fund(t, userID, models.CurrencyUSD, "5000")

	// An order stranded between reservation and submission, as after a
	// crash: reserved, never relayed, no external id.
	order := &models.Order{
		ID:                 uuid.New(),
		UserID:             userID,
		Symbol:             "AAPL",
		Side:               models.SideBuy,
		Type:               models.OrderTypeMarket,
		Quantity:           decimal.NewFromInt(10),
		FilledQuantity:     decimal.Zero,
		Status:             models.OrderPending,
		OrderValue:         decimal.NewFromInt(1000),
		SettledValue:       decimal.Zero,
		SettlementCurrency: models.CurrencyUSD,
	}
	require.NoError(t, e.db.Create(order).Error)
	require.NoError(t, e.ledger.Freeze(ctx, userID, decimal.NewFromInt(1000), models.CurrencyUSD))

	canceled, err := e.svc.CancelOrder(ctx, userID, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderCanceled, canceled.Status)
	assert.Equal(t, 0, e.broker.cancels, "no venue call for an unsubmitted order")

	w, _ := e.ledger.GetWallet(ctx, userID)
	assert.True(t, w.FrozenUSD.IsZero(), "stranded reservation released")
	assert.True(t, w.BalanceUSD.Equal(decimal.NewFromInt(5000)))
}

func TestFreezeFailureRecordsReason(t *testing.T) {
	e := setupEnv(t)
	ctx := context.Background()
	userID := uuid.New()
	e.fund(t, userID, models.CurrencyUSD, "5000")

	svc := NewService(zap.NewNop(), e.db, failingFreezeLedger{e.ledger}, e.forex, e.broker, nil)
	order, err := svc.CreateOrder(ctx, userID, buyRequest("10"))
	require.Error(t, err)
	require.NotNil(t, order)
	assert.Equal(t, models.OrderRejected, order.Status)
	assert.Contains(t, order.RejectReason, "wallet store offline")
	assert.Equal(t, 0, e.broker.submits)
}

func TestSellCreditsWithoutReservation(t *testing.T) {
	e := setupEnv(t)
	ctx := context.Background()
	userID := uuid.New()

	req := buyRequest("5")
	req.Side = models.SideSell
	order, err := e.svc.CreateOrder(ctx, userID, req)
	require.NoError(t, err)

	w, _ := e.ledger.GetWallet(ctx, userID)
	assert.True(t, w.FrozenUSD.IsZero(), "sells take no cash-side hold")

	e.broker.getResp = &brokerage.OrderState{
		Status:         models.OrderFilled,
		FilledQuantity: decimal.NewFromInt(5),
		AvgFillPrice:   decimal.NewFromInt(100),
	}
	require.NoError(t, e.svc.SyncOrder(ctx, order.ID))

	w, _ = e.ledger.GetWallet(ctx, userID)
	assert.True(t, w.BalanceUSD.Equal(decimal.NewFromInt(500)))
	assert.True(t, w.FrozenUSD.IsZero())
}

func TestKESOrderReservesConvertedNotional(t *testing.T) {
	e := setupEnv(t)
	ctx := context.Background()
	userID := uuid.New()
	e.fund(t, userID, models.CurrencyKES, "200000")

	req := buyRequest("10")
	req.Currency = models.CurrencyKES
	order, err := e.svc.CreateOrder(ctx, userID, req)
	require.NoError(t, err)

	// 10 * 100 USD * 129.5 = 129500 KES
	assert.True(t, order.OrderValue.Equal(decimal.NewFromInt(129500)), "order value %s", order.OrderValue)
	assert.Equal(t, models.CurrencyKES, order.SettlementCurrency)
	require.NotNil(t, order.ExchangeRate)

	w, _ := e.ledger.GetWallet(ctx, userID)
	assert.True(t, w.FrozenKES.Equal(decimal.NewFromInt(129500)))

	e.broker.getResp = &brokerage.OrderState{
		Status:         models.OrderFilled,
		FilledQuantity: decimal.NewFromInt(10),
		AvgFillPrice:   decimal.NewFromInt(100),
	}
	require.NoError(t, e.svc.SyncOrder(ctx, order.ID))

	w, _ = e.ledger.GetWallet(ctx, userID)
	assert.True(t, w.BalanceKES.Equal(decimal.NewFromInt(70500)), "balance %s", w.BalanceKES)
	assert.True(t, w.FrozenKES.IsZero())
}

func TestValidationFailures(t *testing.T) {
	e := setupEnv(t)
	ctx := context.Background()
	userID := uuid.New()

	req := buyRequest("0")
	_, err := e.svc.CreateOrder(ctx, userID, req)
	var verr *apperrors.ValidationError
	require.ErrorAs(t, err, &verr)

	req = buyRequest("10")
	req.Type = models.OrderTypeLimit
	_, err = e.svc.CreateOrder(ctx, userID, req)
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "limit_price", verr.Field)
}
