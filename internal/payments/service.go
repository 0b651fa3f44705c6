// Package payments implements deposits and withdrawals: pending journal
// entries, gateway initiation and reconciliation of asynchronous
// confirmations by correlation id.
package payments

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Mwai-kiragu/alpaca-stockMarket-sub001/internal/config"
	"github.com/Mwai-kiragu/alpaca-stockMarket-sub001/internal/forex"
	"github.com/Mwai-kiragu/alpaca-stockMarket-sub001/internal/ledger"
	"github.com/Mwai-kiragu/alpaca-stockMarket-sub001/internal/notifications"
	apperrors "github.com/Mwai-kiragu/alpaca-stockMarket-sub001/pkg/errors"
	"github.com/Mwai-kiragu/alpaca-stockMarket-sub001/pkg/metrics"
	"github.com/Mwai-kiragu/alpaca-stockMarket-sub001/pkg/models"
)

// Withdrawal methods.
const (
	MethodMpesa = "mpesa"
	MethodBank  = "bank"
)

// PaymentService initiates and reconciles deposits and withdrawals.
type PaymentService interface {
	InitiateDeposit(ctx context.Context, userID uuid.UUID, req *models.DepositRequest) (*models.LedgerEntry, error)
	InitiateWithdrawal(ctx context.Context, userID uuid.UUID, req *models.WithdrawalRequest) (*models.LedgerEntry, error)
	HandleCallback(ctx context.Context, cb *models.PaymentCallback) (*models.LedgerEntry, error)
}

// Service implements PaymentService.
type Service struct {
	logger   *zap.Logger
	ledger   ledger.LedgerService
	forex    forex.ConversionService
	gateway  Gateway
	notifier notifications.Notifier

	minDepositKES    decimal.Decimal
	minWithdrawals   map[string]decimal.Decimal
	withdrawalFeePct decimal.Decimal
}

// NewService builds the reconciler from configuration.
func NewService(logger *zap.Logger, led ledger.LedgerService, fx forex.ConversionService, gateway Gateway, notifier notifications.Notifier, cfg config.PaymentsConfig) (*Service, error) {
	minDep, err := decimal.NewFromString(cfg.MinDepositKES)
	if err != nil {
		return nil, fmt.Errorf("invalid payments.min_deposit_kes %q: %w", cfg.MinDepositKES, err)
	}
	minWdKES, err := decimal.NewFromString(cfg.MinWithdrawalKES)
	if err != nil {
		return nil, fmt.Errorf("invalid payments.min_withdrawal_kes %q: %w", cfg.MinWithdrawalKES, err)
	}
	minWdUSD, err := decimal.NewFromString(cfg.MinWithdrawalUSD)
	if err != nil {
		return nil, fmt.Errorf("invalid payments.min_withdrawal_usd %q: %w", cfg.MinWithdrawalUSD, err)
	}
	feePct, err := decimal.NewFromString(cfg.WithdrawalFeePercent)
	if err != nil {
		return nil, fmt.Errorf("invalid payments.withdrawal_fee_percent %q: %w", cfg.WithdrawalFeePercent, err)
	}
	if notifier == nil {
		notifier = notifications.NopNotifier{}
	}
	return &Service{
		logger:   logger,
		ledger:   led,
		forex:    fx,
		gateway:  gateway,
		notifier: notifier,
		minDepositKES: minDep,
		minWithdrawals: map[string]decimal.Decimal{
			models.CurrencyKES: minWdKES,
			models.CurrencyUSD: minWdUSD,
		},
		withdrawalFeePct: feePct,
	}, nil
}

// InitiateDeposit creates a pending KES entry and asks the gateway to
// collect. No balance changes until the confirmation arrives.
func (s *Service) InitiateDeposit(ctx context.Context, userID uuid.UUID, req *models.DepositRequest) (*models.LedgerEntry, error) {
	start := time.Now()
	defer func() { metrics.OpLatency.WithLabelValues("initiate_deposit").Observe(time.Since(start).Seconds()) }()

	if req.Amount.LessThan(s.minDepositKES) {
		return nil, apperrors.NewValidation("amount", fmt.Sprintf("minimum deposit is %s KES", s.minDepositKES))
	}
	reference := "dep:" + uuid.New().String()
	entry, err := s.ledger.CreatePending(ctx, ledger.PendingParams{
		UserID:    userID,
		EntryType: models.EntryDeposit,
		Amount:    req.Amount,
		Currency:  models.CurrencyKES,
		Reference: reference,
		Metadata:  models.Metadata{"phone": req.Phone},
	})
	if err != nil {
		return nil, err
	}

	result, err := s.gateway.InitiatePush(ctx, req.Phone, req.Amount, reference)
	if err != nil {
		if _, _, ferr := s.ledger.FailPending(ctx, reference, models.StatusFailed, "gateway initiation failed"); ferr != nil {
			s.logger.Error("failed to fail pending deposit", zap.String("reference", reference), zap.Error(ferr))
		}
		return nil, err
	}
	if err := s.ledger.SetExternalRef(ctx, reference, result.CorrelationID); err != nil {
		return nil, err
	}
	s.logger.Info("deposit initiated",
		zap.String("reference", reference),
		zap.String("correlation_id", result.CorrelationID),
		zap.String("amount", req.Amount.String()))

	if result.Instant {
		return s.HandleCallback(ctx, &models.PaymentCallback{
			CorrelationID: result.CorrelationID,
			Success:       true,
			Amount:        req.Amount,
			Receipt:       result.CorrelationID,
		})
	}
	entry.ExternalRef = &result.CorrelationID
	return entry, nil
}

// withdrawalFee rounds the percentage fee to 2 decimals.
func (s *Service) withdrawalFee(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(s.withdrawalFeePct).Div(decimal.NewFromInt(100)).Round(2)
}

// InitiateWithdrawal freezes the gross amount (net plus fee), creates the
// pending entry and asks the gateway to pay out. Completion debits the
// hold; rejection releases it.
func (s *Service) InitiateWithdrawal(ctx context.Context, userID uuid.UUID, req *models.WithdrawalRequest) (*models.LedgerEntry, error) {
	start := time.Now()
	defer func() { metrics.OpLatency.WithLabelValues("initiate_withdrawal").Observe(time.Since(start).Seconds()) }()

	min, ok := s.minWithdrawals[req.Currency]
	if !ok {
		return nil, apperrors.NewValidation("currency", "unsupported currency")
	}
	if req.Amount.LessThan(min) {
		return nil, apperrors.NewValidation("amount", fmt.Sprintf("minimum withdrawal is %s %s", min, req.Currency))
	}
	if req.Method == MethodMpesa && req.Phone == "" {
		return nil, apperrors.NewValidation("phone", "required for mpesa withdrawals")
	}
	if req.Method == MethodMpesa && req.Currency != models.CurrencyKES {
		return nil, apperrors.NewValidation("currency", "mpesa withdrawals are KES only")
	}

	fee := s.withdrawalFee(req.Amount)
	gross := req.Amount.Add(fee)
	if err := s.ledger.Freeze(ctx, userID, gross, req.Currency); err != nil {
		return nil, err
	}

	reference := "wd:" + uuid.New().String()
	entry, err := s.ledger.CreatePending(ctx, ledger.PendingParams{
		UserID:    userID,
		EntryType: models.EntryWithdrawal,
		Amount:    req.Amount.Neg(),
		Currency:  req.Currency,
		Reference: reference,
		Fee:       fee,
		Metadata:  models.Metadata{"method": req.Method, "phone": req.Phone},
	})
	if err != nil {
		if uerr := s.ledger.Unfreeze(ctx, userID, gross, req.Currency); uerr != nil {
			s.logger.Error("failed to release withdrawal hold", zap.String("reference", reference), zap.Error(uerr))
		}
		return nil, err
	}

	// Bank withdrawals settle through back-office processing; only mpesa
	// goes out through the gateway here.
	if req.Method != MethodMpesa {
		s.logger.Info("withdrawal queued for processing",
			zap.String("reference", reference),
			zap.String("method", req.Method))
		return entry, nil
	}

	result, err := s.gateway.InitiatePayout(ctx, req.Phone, req.Amount, reference)
	if err != nil {
		if _, _, ferr := s.ledger.FailPending(ctx, reference, models.StatusFailed, "gateway initiation failed"); ferr != nil {
			s.logger.Error("failed to fail pending withdrawal", zap.String("reference", reference), zap.Error(ferr))
		}
		return nil, err
	}
	if err := s.ledger.SetExternalRef(ctx, reference, result.CorrelationID); err != nil {
		return nil, err
	}
	s.logger.Info("withdrawal initiated",
		zap.String("reference", reference),
		zap.String("correlation_id", result.CorrelationID),
		zap.String("gross", gross.String()))

	if result.Instant {
		return s.HandleCallback(ctx, &models.PaymentCallback{
			CorrelationID: result.CorrelationID,
			Success:       true,
			Receipt:       result.CorrelationID,
		})
	}
	entry.ExternalRef = &result.CorrelationID
	return entry, nil
}

// HandleCallback reconciles an asynchronous gateway confirmation. The entry
// is resolved strictly by correlation id; a confirmation for a terminal
// entry is a no-op replay. Collaborator notification failures never roll
// back the financial change.
func (s *Service) HandleCallback(ctx context.Context, cb *models.PaymentCallback) (*models.LedgerEntry, error) {
	start := time.Now()
	defer func() { metrics.OpLatency.WithLabelValues("payment_callback").Observe(time.Since(start).Seconds()) }()

	entry, err := s.ledger.FindByExternalRef(ctx, cb.CorrelationID)
	if err != nil {
		return nil, err
	}
	if entry.Terminal() {
		metrics.ReplaysSuppressed.WithLabelValues("payment_callback").Inc()
		return entry, nil
	}

	if !cb.Success {
		failed, _, err := s.ledger.FailPending(ctx, entry.Reference, models.StatusFailed, cb.Reason)
		if err != nil {
			return nil, err
		}
		s.notify(ctx, failed, false)
		return failed, nil
	}

	extra := models.Metadata{}
	if cb.Receipt != "" {
		extra["receipt"] = cb.Receipt
	}
	if cb.Phone != "" {
		extra["phone"] = cb.Phone
	}
	completed, applied, err := s.ledger.CompletePending(ctx, entry.Reference, extra)
	if err != nil {
		return nil, err
	}
	if !applied {
		metrics.ReplaysSuppressed.WithLabelValues("payment_callback").Inc()
		return completed, nil
	}

	if completed.Type == models.EntryDeposit {
		s.maybeAutoConvert(ctx, completed)
	}
	s.notify(ctx, completed, true)
	return completed, nil
}

// maybeAutoConvert converts a confirmed KES deposit to USD when the wallet
// opts in. A conversion failure leaves the deposit in KES; it never unwinds
// the confirmation.
func (s *Service) maybeAutoConvert(ctx context.Context, entry *models.LedgerEntry) {
	if entry.Currency != models.CurrencyKES {
		return
	}
	w, err := s.ledger.GetWallet(ctx, entry.UserID)
	if err != nil {
		s.logger.Error("failed to load wallet for auto-convert",
			zap.String("reference", entry.Reference), zap.Error(err))
		return
	}
	if !w.AutoConvert {
		return
	}
	if err := s.forex.ConvertDeposit(ctx, entry, models.CurrencyUSD); err != nil {
		s.logger.Error("auto-convert failed, deposit remains in KES",
			zap.String("reference", entry.Reference),
			zap.String("user_id", entry.UserID.String()),
			zap.Error(err))
	}
}

func (s *Service) notify(ctx context.Context, entry *models.LedgerEntry, success bool) {
	kind := notifications.EventDepositCompleted
	switch {
	case entry.Type == models.EntryDeposit && !success:
		kind = notifications.EventDepositFailed
	case entry.Type == models.EntryWithdrawal && success:
		kind = notifications.EventWithdrawalCompleted
	case entry.Type == models.EntryWithdrawal && !success:
		kind = notifications.EventWithdrawalFailed
	}
	s.notifier.Publish(ctx, notifications.Event{
		Kind:      kind,
		UserID:    entry.UserID.String(),
		Reference: entry.Reference,
		Payload: map[string]interface{}{
			"amount":   entry.Amount.String(),
			"currency": entry.Currency,
			"status":   entry.Status,
		},
	})
}
