// Package ledger implements the durable wallet store, the append-only
// journal and the fund reservation manager (freeze / unfreeze / commit).
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	apperrors "github.com/Mwai-kiragu/alpaca-stockMarket-sub001/pkg/errors"
	"github.com/Mwai-kiragu/alpaca-stockMarket-sub001/pkg/metrics"
	"github.com/Mwai-kiragu/alpaca-stockMarket-sub001/pkg/models"
)

// CommitParams describes a realized balance change. Amount is always
// positive; Debit selects the direction. Debits are taken from the frozen
// reservation unless FromAvailable is set (used by conversions, which debit
// settled balance directly); the part of a reservation-backed debit the hold
// does not cover falls through to the available balance. A non-zero Fee on a
// debit produces a paired fee entry so the journal stays replayable.
type CommitParams struct {
	UserID        uuid.UUID
	EntryType     string
	Amount        decimal.Decimal
	Currency      string
	Reference     string
	ExternalRef   string
	Debit         bool
	FromAvailable bool
	Fee           decimal.Decimal
	Rate          *decimal.Decimal
	Metadata      models.Metadata
}

// PendingParams describes a journal entry created ahead of an external
// confirmation. It has no balance effect until completed.
type PendingParams struct {
	UserID      uuid.UUID
	EntryType   string
	Amount      decimal.Decimal // signed: deposits positive, withdrawals negative
	Currency    string
	Reference   string
	ExternalRef string
	Fee         decimal.Decimal
	Metadata    models.Metadata
}

// ConvertParams describes an atomic conversion pair: a debit of GrossAmount
// in FromCurrency (fee included) against a credit of ToAmount in ToCurrency.
type ConvertParams struct {
	UserID       uuid.UUID
	GrossAmount  decimal.Decimal // total FromCurrency debit, fee inclusive
	Fee          decimal.Decimal // charged in FromCurrency
	FromCurrency string
	ToAmount     decimal.Decimal
	ToCurrency   string
	Rate         decimal.Decimal
	RateSource   string
	Reference    string // base reference; legs get :out / :in / :fee suffixes
	ExternalRef  string
	Metadata     models.Metadata
}

// LedgerService defines wallet and journal operations. All balance
// mutations for one wallet are serialized on the wallet row.
type LedgerService interface {
	GetWallet(ctx context.Context, userID uuid.UUID) (*models.Wallet, error)
	SetAutoConvert(ctx context.Context, userID uuid.UUID, enabled bool) error
	Freeze(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, currency string) error
	Unfreeze(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, currency string) error
	Commit(ctx context.Context, p CommitParams) (*models.LedgerEntry, bool, error)
	CreatePending(ctx context.Context, p PendingParams) (*models.LedgerEntry, error)
	SetExternalRef(ctx context.Context, reference, externalRef string) error
	CompletePending(ctx context.Context, reference string, extra models.Metadata) (*models.LedgerEntry, bool, error)
	FailPending(ctx context.Context, reference, status, reason string) (*models.LedgerEntry, bool, error)
	FindByExternalRef(ctx context.Context, externalRef string) (*models.LedgerEntry, error)
	FindByReference(ctx context.Context, reference string) (*models.LedgerEntry, error)
	ConvertPair(ctx context.Context, p ConvertParams) (*models.LedgerEntry, *models.LedgerEntry, bool, error)
	ListEntries(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.LedgerEntry, int64, error)
	VerifyWallet(ctx context.Context, userID uuid.UUID) (bool, error)
}

// Service implements LedgerService on gorm.
type Service struct {
	logger *zap.Logger
	db     *gorm.DB
}

// NewService creates a new LedgerService.
func NewService(logger *zap.Logger, db *gorm.DB) (*Service, error) {
	if db == nil {
		return nil, fmt.Errorf("ledger: db is required")
	}
	return &Service{logger: logger, db: db}, nil
}

// lockWallet loads the user's wallet row for update, creating it
// zero-initialized on first touch. Postgres takes a row lock; sqlite (tests)
// serializes on its single writer, which gives the same guarantee.
func lockWallet(tx *gorm.DB, userID uuid.UUID) (*models.Wallet, error) {
	q := tx
	if tx.Dialector.Name() == "postgres" {
		q = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var w models.Wallet
	err := q.Where("user_id = ?", userID).First(&w).Error
	if err == nil {
		return &w, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("failed to load wallet: %w", err)
	}
	w = models.Wallet{
		ID:        uuid.New(),
		UserID:    userID,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := tx.Create(&w).Error; err != nil {
		// Lost a create race; the unique index on user_id guarantees one
		// row, so re-read the winner.
		var again models.Wallet
		if err2 := q.Where("user_id = ?", userID).First(&again).Error; err2 != nil {
			return nil, fmt.Errorf("failed to create wallet: %w", err)
		}
		return &again, nil
	}
	return &w, nil
}

// withWallet runs fn inside one transaction with the wallet row locked, and
// persists the mutated wallet on success.
func (s *Service) withWallet(ctx context.Context, userID uuid.UUID, fn func(tx *gorm.DB, w *models.Wallet) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		w, err := lockWallet(tx, userID)
		if err != nil {
			return err
		}
		if err := fn(tx, w); err != nil {
			return err
		}
		w.UpdatedAt = time.Now()
		return tx.Save(w).Error
	})
}

// GetWallet returns the user's wallet, creating it on first touch.
func (s *Service) GetWallet(ctx context.Context, userID uuid.UUID) (*models.Wallet, error) {
	var out *models.Wallet
	err := s.withWallet(ctx, userID, func(tx *gorm.DB, w *models.Wallet) error {
		out = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetAutoConvert toggles auto-convert-on-deposit for the user.
func (s *Service) SetAutoConvert(ctx context.Context, userID uuid.UUID, enabled bool) error {
	return s.withWallet(ctx, userID, func(tx *gorm.DB, w *models.Wallet) error {
		w.AutoConvert = enabled
		return nil
	})
}

func validateAmount(amount decimal.Decimal, currency string) error {
	if !amount.IsPositive() {
		return apperrors.NewValidation("amount", "must be greater than zero")
	}
	if !models.SupportedCurrency(currency) {
		return apperrors.NewValidation("currency", "unsupported currency "+currency)
	}
	return nil
}

// Freeze places a hold against the wallet's available balance. It is not
// journaled: a hold is not a realized debit.
func (s *Service) Freeze(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, currency string) error {
	if err := validateAmount(amount, currency); err != nil {
		return err
	}
	return s.withWallet(ctx, userID, func(tx *gorm.DB, w *models.Wallet) error {
		available := w.Available(currency)
		if available.LessThan(amount) {
			return apperrors.NewInsufficientFunds(currency, amount, available)
		}
		w.SetFrozen(currency, w.Frozen(currency).Add(amount))
		return nil
	})
}

// Unfreeze releases a hold, clamped to the current frozen amount so an
// over-release is idempotent.
func (s *Service) Unfreeze(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, currency string) error {
	if err := validateAmount(amount, currency); err != nil {
		return err
	}
	return s.withWallet(ctx, userID, func(tx *gorm.DB, w *models.Wallet) error {
		release := decimal.Min(amount, w.Frozen(currency))
		w.SetFrozen(currency, w.Frozen(currency).Sub(release))
		return nil
	})
}

// entryByReference loads a journal entry by its idempotency reference inside
// the transaction. Reference checks run under the wallet lock, so
// check-then-insert is race-free for a given wallet; the unique index is the
// backstop.
func entryByReference(tx *gorm.DB, reference string) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	err := tx.Where("reference = ?", reference).First(&e).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load entry: %w", err)
	}
	return &e, nil
}

func newEntry(w *models.Wallet, p CommitParams, amount decimal.Decimal, status string) *models.LedgerEntry {
	now := time.Now()
	e := &models.LedgerEntry{
		ID:        uuid.New(),
		WalletID:  w.ID,
		UserID:    w.UserID,
		Type:      p.EntryType,
		Amount:    amount,
		Currency:  p.Currency,
		Status:    status,
		Reference: p.Reference,
		Fee:       p.Fee,
		Rate:      p.Rate,
		Metadata:  p.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if p.ExternalRef != "" {
		ref := p.ExternalRef
		e.ExternalRef = &ref
	}
	if status == models.StatusCompleted {
		e.CompletedAt = &now
	}
	return e
}

// Commit realizes a balance change and writes exactly one completed journal
// entry keyed by the reference. Re-invocation with the same reference is a
// no-op returning the prior entry and applied=false.
func (s *Service) Commit(ctx context.Context, p CommitParams) (*models.LedgerEntry, bool, error) {
	if err := validateAmount(p.Amount, p.Currency); err != nil {
		return nil, false, err
	}
	if p.Reference == "" {
		return nil, false, apperrors.NewValidation("reference", "required")
	}
	if p.Fee.IsNegative() {
		return nil, false, apperrors.NewValidation("fee", "must not be negative")
	}

	var (
		entry   *models.LedgerEntry
		applied bool
	)
	err := s.withWallet(ctx, p.UserID, func(tx *gorm.DB, w *models.Wallet) error {
		existing, err := entryByReference(tx, p.Reference)
		if err != nil {
			return err
		}
		if existing != nil {
			entry = existing
			return nil
		}

		if p.Debit {
			gross := p.Amount.Add(p.Fee)
			if p.FromAvailable {
				if w.Available(p.Currency).LessThan(gross) {
					return apperrors.NewInsufficientFunds(p.Currency, gross, w.Available(p.Currency))
				}
			} else {
				// Fills can print above the reserved price; whatever the
				// hold does not cover is taken from available funds.
				held := decimal.Min(gross, w.Frozen(p.Currency))
				overrun := gross.Sub(held)
				if overrun.IsPositive() && w.Available(p.Currency).LessThan(overrun) {
					return apperrors.NewInsufficientFunds(p.Currency, gross, held.Add(w.Available(p.Currency)))
				}
				w.SetFrozen(p.Currency, w.Frozen(p.Currency).Sub(held))
			}
			w.SetBalance(p.Currency, w.Balance(p.Currency).Sub(gross))

			entry = newEntry(w, p, p.Amount.Neg(), models.StatusCompleted)
			if err := tx.Create(entry).Error; err != nil {
				return fmt.Errorf("failed to write journal entry: %w", err)
			}
			if p.Fee.IsPositive() {
				feeEntry := newEntry(w, CommitParams{
					EntryType: models.EntryFee,
					Currency:  p.Currency,
					Reference: p.Reference + ":fee",
					Metadata:  models.Metadata{"source": p.Reference},
				}, p.Fee.Neg(), models.StatusCompleted)
				if err := tx.Create(feeEntry).Error; err != nil {
					return fmt.Errorf("failed to write fee entry: %w", err)
				}
			}
		} else {
			w.SetBalance(p.Currency, w.Balance(p.Currency).Add(p.Amount))
			entry = newEntry(w, p, p.Amount, models.StatusCompleted)
			if err := tx.Create(entry).Error; err != nil {
				return fmt.Errorf("failed to write journal entry: %w", err)
			}
		}
		applied = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if applied {
		metrics.LedgerCommits.WithLabelValues(p.EntryType).Inc()
	}
	return entry, applied, nil
}

// CreatePending writes a pending journal entry with no balance effect.
func (s *Service) CreatePending(ctx context.Context, p PendingParams) (*models.LedgerEntry, error) {
	if p.Amount.IsZero() {
		return nil, apperrors.NewValidation("amount", "must not be zero")
	}
	if !models.SupportedCurrency(p.Currency) {
		return nil, apperrors.NewValidation("currency", "unsupported currency "+p.Currency)
	}
	if p.Reference == "" {
		return nil, apperrors.NewValidation("reference", "required")
	}

	var entry *models.LedgerEntry
	err := s.withWallet(ctx, p.UserID, func(tx *gorm.DB, w *models.Wallet) error {
		existing, err := entryByReference(tx, p.Reference)
		if err != nil {
			return err
		}
		if existing != nil {
			return apperrors.NewConflict(p.Reference)
		}
		entry = newEntry(w, CommitParams{
			EntryType:   p.EntryType,
			Currency:    p.Currency,
			Reference:   p.Reference,
			ExternalRef: p.ExternalRef,
			Fee:         p.Fee,
			Metadata:    p.Metadata,
		}, p.Amount, models.StatusPending)
		return tx.Create(entry).Error
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// SetExternalRef stores the collaborator's correlation id on a pending entry.
func (s *Service) SetExternalRef(ctx context.Context, reference, externalRef string) error {
	res := s.db.WithContext(ctx).Model(&models.LedgerEntry{}).
		Where("reference = ?", reference).
		Updates(map[string]interface{}{"external_ref": externalRef, "updated_at": time.Now()})
	if res.Error != nil {
		return fmt.Errorf("failed to set external ref: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.NewNotFound("transaction", reference)
	}
	return nil
}

// applyPendingEffect applies the balance effect of a pending entry at
// completion time. Deposits credit; withdrawals debit the frozen gross and
// write the paired fee entry.
func applyPendingEffect(tx *gorm.DB, w *models.Wallet, e *models.LedgerEntry) error {
	switch e.Type {
	case models.EntryDeposit:
		w.SetBalance(e.Currency, w.Balance(e.Currency).Add(e.Amount))
	case models.EntryWithdrawal:
		gross := e.Gross()
		if w.Frozen(e.Currency).LessThan(gross) {
			return apperrors.NewValidation("amount", "withdrawal exceeds frozen reservation")
		}
		w.SetFrozen(e.Currency, w.Frozen(e.Currency).Sub(gross))
		w.SetBalance(e.Currency, w.Balance(e.Currency).Sub(gross))
		if e.Fee.IsPositive() {
			now := time.Now()
			feeEntry := &models.LedgerEntry{
				ID:          uuid.New(),
				WalletID:    w.ID,
				UserID:      w.UserID,
				Type:        models.EntryFee,
				Amount:      e.Fee.Neg(),
				Currency:    e.Currency,
				Status:      models.StatusCompleted,
				Reference:   e.Reference + ":fee",
				Metadata:    models.Metadata{"source": e.Reference},
				CreatedAt:   now,
				UpdatedAt:   now,
				CompletedAt: &now,
			}
			if err := tx.Create(feeEntry).Error; err != nil {
				return fmt.Errorf("failed to write fee entry: %w", err)
			}
		}
	default:
		return apperrors.NewValidation("type", "entry type cannot settle: "+e.Type)
	}
	return nil
}

// CompletePending atomically transitions a pending entry to completed and
// applies its balance effect. Terminal entries are left untouched and
// reported as applied=false.
func (s *Service) CompletePending(ctx context.Context, reference string, extra models.Metadata) (*models.LedgerEntry, bool, error) {
	head, err := s.FindByReference(ctx, reference)
	if err != nil {
		return nil, false, err
	}

	var (
		entry   *models.LedgerEntry
		applied bool
	)
	err = s.withWallet(ctx, head.UserID, func(tx *gorm.DB, w *models.Wallet) error {
		e, err := entryByReference(tx, reference)
		if err != nil {
			return err
		}
		if e == nil {
			return apperrors.NewNotFound("transaction", reference)
		}
		entry = e
		if e.Terminal() {
			return nil
		}
		if err := applyPendingEffect(tx, w, e); err != nil {
			return err
		}
		now := time.Now()
		e.Status = models.StatusCompleted
		e.UpdatedAt = now
		e.CompletedAt = &now
		if len(extra) > 0 {
			if e.Metadata == nil {
				e.Metadata = models.Metadata{}
			}
			for k, v := range extra {
				e.Metadata[k] = v
			}
		}
		if err := tx.Save(e).Error; err != nil {
			return fmt.Errorf("failed to complete entry: %w", err)
		}
		applied = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if applied {
		metrics.LedgerCommits.WithLabelValues(entry.Type).Inc()
	}
	return entry, applied, nil
}

// FailPending marks a pending entry failed or cancelled. Withdrawals release
// their frozen gross. Terminal entries are untouched (applied=false).
func (s *Service) FailPending(ctx context.Context, reference, status, reason string) (*models.LedgerEntry, bool, error) {
	if status != models.StatusFailed && status != models.StatusCancelled {
		return nil, false, apperrors.NewValidation("status", "must be failed or cancelled")
	}
	head, err := s.FindByReference(ctx, reference)
	if err != nil {
		return nil, false, err
	}

	var (
		entry   *models.LedgerEntry
		applied bool
	)
	err = s.withWallet(ctx, head.UserID, func(tx *gorm.DB, w *models.Wallet) error {
		e, err := entryByReference(tx, reference)
		if err != nil {
			return err
		}
		if e == nil {
			return apperrors.NewNotFound("transaction", reference)
		}
		entry = e
		if e.Terminal() {
			return nil
		}
		if e.Type == models.EntryWithdrawal {
			release := decimal.Min(e.Gross(), w.Frozen(e.Currency))
			w.SetFrozen(e.Currency, w.Frozen(e.Currency).Sub(release))
		}
		e.Status = status
		e.UpdatedAt = time.Now()
		if reason != "" {
			if e.Metadata == nil {
				e.Metadata = models.Metadata{}
			}
			e.Metadata["failure_reason"] = reason
		}
		if err := tx.Save(e).Error; err != nil {
			return fmt.Errorf("failed to fail entry: %w", err)
		}
		applied = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return entry, applied, nil
}

// FindByExternalRef looks up the journal entry carrying the collaborator's
// correlation id.
func (s *Service) FindByExternalRef(ctx context.Context, externalRef string) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	err := s.db.WithContext(ctx).Where("external_ref = ?", externalRef).First(&e).Error
	if err == gorm.ErrRecordNotFound {
		return nil, apperrors.NewNotFound("transaction", externalRef)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find entry: %w", err)
	}
	return &e, nil
}

// FindByReference looks up a journal entry by idempotency reference.
func (s *Service) FindByReference(ctx context.Context, reference string) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	err := s.db.WithContext(ctx).Where("reference = ?", reference).First(&e).Error
	if err == gorm.ErrRecordNotFound {
		return nil, apperrors.NewNotFound("transaction", reference)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find entry: %w", err)
	}
	return &e, nil
}

// ConvertPair atomically debits FromCurrency and credits ToCurrency, writing
// the conversion legs and fee entry in one transaction. Replays on the base
// reference apply at most once.
func (s *Service) ConvertPair(ctx context.Context, p ConvertParams) (*models.LedgerEntry, *models.LedgerEntry, bool, error) {
	if err := validateAmount(p.GrossAmount, p.FromCurrency); err != nil {
		return nil, nil, false, err
	}
	if err := validateAmount(p.ToAmount, p.ToCurrency); err != nil {
		return nil, nil, false, err
	}
	if p.FromCurrency == p.ToCurrency {
		return nil, nil, false, apperrors.NewValidation("currency", "conversion currencies must differ")
	}
	if p.Reference == "" {
		return nil, nil, false, apperrors.NewValidation("reference", "required")
	}

	var (
		out, in *models.LedgerEntry
		applied bool
	)
	err := s.withWallet(ctx, p.UserID, func(tx *gorm.DB, w *models.Wallet) error {
		existing, err := entryByReference(tx, p.Reference+":out")
		if err != nil {
			return err
		}
		if existing != nil {
			out = existing
			in, err = entryByReference(tx, p.Reference+":in")
			return err
		}

		if w.Available(p.FromCurrency).LessThan(p.GrossAmount) {
			return apperrors.NewInsufficientFunds(p.FromCurrency, p.GrossAmount, w.Available(p.FromCurrency))
		}
		w.SetBalance(p.FromCurrency, w.Balance(p.FromCurrency).Sub(p.GrossAmount))
		w.SetBalance(p.ToCurrency, w.Balance(p.ToCurrency).Add(p.ToAmount))

		rate := p.Rate
		now := time.Now()
		meta := models.Metadata{"rate_source": p.RateSource}
		for k, v := range p.Metadata {
			meta[k] = v
		}
		net := p.GrossAmount.Sub(p.Fee)

		out = &models.LedgerEntry{
			ID:          uuid.New(),
			WalletID:    w.ID,
			UserID:      w.UserID,
			Type:        models.EntryConversion,
			Amount:      net.Neg(),
			Currency:    p.FromCurrency,
			Status:      models.StatusCompleted,
			Reference:   p.Reference + ":out",
			Fee:         p.Fee,
			Rate:        &rate,
			Metadata:    meta,
			CreatedAt:   now,
			UpdatedAt:   now,
			CompletedAt: &now,
		}
		in = &models.LedgerEntry{
			ID:          uuid.New(),
			WalletID:    w.ID,
			UserID:      w.UserID,
			Type:        models.EntryConversion,
			Amount:      p.ToAmount,
			Currency:    p.ToCurrency,
			Status:      models.StatusCompleted,
			Reference:   p.Reference + ":in",
			Rate:        &rate,
			Metadata:    meta,
			CreatedAt:   now,
			UpdatedAt:   now,
			CompletedAt: &now,
		}
		if p.ExternalRef != "" {
			ref := p.ExternalRef
			out.ExternalRef = &ref
			ref2 := p.ExternalRef
			in.ExternalRef = &ref2
		}
		if err := tx.Create(out).Error; err != nil {
			return fmt.Errorf("failed to write conversion debit: %w", err)
		}
		if err := tx.Create(in).Error; err != nil {
			return fmt.Errorf("failed to write conversion credit: %w", err)
		}
		if p.Fee.IsPositive() {
			feeEntry := &models.LedgerEntry{
				ID:          uuid.New(),
				WalletID:    w.ID,
				UserID:      w.UserID,
				Type:        models.EntryFee,
				Amount:      p.Fee.Neg(),
				Currency:    p.FromCurrency,
				Status:      models.StatusCompleted,
				Reference:   p.Reference + ":fee",
				Metadata:    models.Metadata{"source": p.Reference},
				CreatedAt:   now,
				UpdatedAt:   now,
				CompletedAt: &now,
			}
			if err := tx.Create(feeEntry).Error; err != nil {
				return fmt.Errorf("failed to write conversion fee: %w", err)
			}
		}
		applied = true
		return nil
	})
	if err != nil {
		return nil, nil, false, err
	}
	if applied {
		metrics.LedgerCommits.WithLabelValues(models.EntryConversion).Inc()
	}
	return out, in, applied, nil
}

// ListEntries returns the user's journal entries, newest first.
func (s *Service) ListEntries(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.LedgerEntry, int64, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var count int64
	q := s.db.WithContext(ctx).Model(&models.LedgerEntry{}).Where("user_id = ?", userID)
	if err := q.Count(&count).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count entries: %w", err)
	}
	var entries []*models.LedgerEntry
	if err := q.Order("created_at DESC").Limit(limit).Offset(offset).Find(&entries).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list entries: %w", err)
	}
	return entries, count, nil
}

// VerifyWallet replays the journal: the sum of completed entry amounts per
// currency must equal the wallet's balance for that currency.
func (s *Service) VerifyWallet(ctx context.Context, userID uuid.UUID) (bool, error) {
	w, err := s.GetWallet(ctx, userID)
	if err != nil {
		return false, err
	}
	var entries []*models.LedgerEntry
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, models.StatusCompleted).
		Find(&entries).Error; err != nil {
		return false, fmt.Errorf("failed to load entries: %w", err)
	}
	sums := map[string]decimal.Decimal{
		models.CurrencyKES: decimal.Zero,
		models.CurrencyUSD: decimal.Zero,
	}
	for _, e := range entries {
		sums[e.Currency] = sums[e.Currency].Add(e.Amount)
	}
	for ccy, sum := range sums {
		if !sum.Equal(w.Balance(ccy)) {
			s.logger.Warn("ledger replay mismatch",
				zap.String("user_id", userID.String()),
				zap.String("currency", ccy),
				zap.String("journal_sum", sum.String()),
				zap.String("balance", w.Balance(ccy).String()))
			return false, nil
		}
	}
	return true, nil
}
