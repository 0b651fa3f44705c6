package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Supported wallet currencies.
const (
	CurrencyKES = "KES"
	CurrencyUSD = "USD"
)

// SupportedCurrency reports whether the wallet holds a balance for ccy.
func SupportedCurrency(ccy string) bool {
	return ccy == CurrencyKES || ccy == CurrencyUSD
}

// Ledger entry types.
const (
	EntryDeposit    = "deposit"
	EntryWithdrawal = "withdrawal"
	EntryTradeBuy   = "trade_buy"
	EntryTradeSell  = "trade_sell"
	EntryFee        = "fee"
	EntryConversion = "forex_conversion"
)

// Ledger entry statuses. Terminal states are immutable.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Metadata is a JSON object persisted as text.
type Metadata map[string]interface{}

// Value implements driver.Valuer
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (m *Metadata) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("unsupported metadata type %T", value)
	}
}

// Wallet represents a user's multi-currency cash account.
// One row per user; available = balance - frozen, never stored.
type Wallet struct {
	ID          uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	UserID      uuid.UUID       `json:"user_id" gorm:"type:uuid;uniqueIndex" validate:"required,uuid"`
	BalanceKES  decimal.Decimal `json:"balance_kes" gorm:"type:numeric(20,4);not null;default:0"`
	FrozenKES   decimal.Decimal `json:"frozen_kes" gorm:"type:numeric(20,4);not null;default:0"`
	BalanceUSD  decimal.Decimal `json:"balance_usd" gorm:"type:numeric(20,4);not null;default:0"`
	FrozenUSD   decimal.Decimal `json:"frozen_usd" gorm:"type:numeric(20,4);not null;default:0"`
	AutoConvert bool            `json:"auto_convert"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Balance returns the total balance for a currency.
func (w *Wallet) Balance(ccy string) decimal.Decimal {
	if ccy == CurrencyUSD {
		return w.BalanceUSD
	}
	return w.BalanceKES
}

// Frozen returns the held amount for a currency.
func (w *Wallet) Frozen(ccy string) decimal.Decimal {
	if ccy == CurrencyUSD {
		return w.FrozenUSD
	}
	return w.FrozenKES
}

// Available returns balance minus frozen for a currency.
func (w *Wallet) Available(ccy string) decimal.Decimal {
	return w.Balance(ccy).Sub(w.Frozen(ccy))
}

// SetBalance sets the total balance for a currency.
func (w *Wallet) SetBalance(ccy string, v decimal.Decimal) {
	if ccy == CurrencyUSD {
		w.BalanceUSD = v
		return
	}
	w.BalanceKES = v
}

// SetFrozen sets the held amount for a currency.
func (w *Wallet) SetFrozen(ccy string, v decimal.Decimal) {
	if ccy == CurrencyUSD {
		w.FrozenUSD = v
		return
	}
	w.FrozenKES = v
}

// LedgerEntry is an immutable record of one balance-affecting event.
// Amount is signed: credits positive, debits negative. Reference is the
// globally unique idempotency token; ExternalRef carries the collaborator's
// correlation id (gateway CheckoutRequestID, brokerage order id).
type LedgerEntry struct {
	ID          uuid.UUID        `json:"id" gorm:"primaryKey;type:uuid"`
	WalletID    uuid.UUID        `json:"wallet_id" gorm:"type:uuid;index;not null"`
	UserID      uuid.UUID        `json:"user_id" gorm:"type:uuid;index;not null"`
	Type        string           `json:"type" gorm:"type:varchar(32);not null" validate:"required,oneof=deposit withdrawal trade_buy trade_sell fee forex_conversion"`
	Amount      decimal.Decimal  `json:"amount" gorm:"type:numeric(20,4);not null"`
	Currency    string           `json:"currency" gorm:"type:varchar(8);not null" validate:"required,oneof=KES USD"`
	Status      string           `json:"status" gorm:"type:varchar(16);not null" validate:"required,oneof=pending completed failed cancelled"`
	Reference   string           `json:"reference" gorm:"uniqueIndex;type:varchar(128);not null"`
	ExternalRef *string          `json:"external_ref,omitempty" gorm:"index;type:varchar(128)"`
	Fee         decimal.Decimal  `json:"fee" gorm:"type:numeric(20,4);not null;default:0"`
	Rate        *decimal.Decimal `json:"rate,omitempty" gorm:"type:numeric(20,8)"`
	Metadata    Metadata         `json:"metadata,omitempty" gorm:"type:text"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// Terminal reports whether the entry can no longer transition.
func (e *LedgerEntry) Terminal() bool {
	return e.Status == StatusCompleted || e.Status == StatusFailed || e.Status == StatusCancelled
}

// Gross returns the full wallet impact of the entry including its fee.
func (e *LedgerEntry) Gross() decimal.Decimal {
	return e.Amount.Abs().Add(e.Fee)
}

// Order sides and types.
const (
	SideBuy  = "buy"
	SideSell = "sell"

	OrderTypeMarket    = "market"
	OrderTypeLimit     = "limit"
	OrderTypeStop      = "stop"
	OrderTypeStopLimit = "stop_limit"
)

// Order statuses. pending -> {rejected, submitted}; submitted and later
// states track the brokerage's view of the order.
const (
	OrderPending         = "pending"
	OrderSubmitted       = "submitted"
	OrderNew             = "new"
	OrderAccepted        = "accepted"
	OrderPartiallyFilled = "partially_filled"
	OrderFilled          = "filled"
	OrderCanceled        = "canceled"
	OrderExpired         = "expired"
	OrderDoneForDay      = "done_for_day"
	OrderRejected        = "rejected"
	OrderStopped         = "stopped"
	OrderSuspended       = "suspended"
)

// Order represents a brokerage order and its cash-side settlement state.
// OrderValue is the notional reserved in SettlementCurrency before
// submission; SettledValue accumulates the notional already committed by
// fills so cancellation can release exactly the remainder.
type Order struct {
	ID                 uuid.UUID        `json:"id" gorm:"primaryKey;type:uuid"`
	UserID             uuid.UUID        `json:"user_id" gorm:"type:uuid;index;not null"`
	Symbol             string           `json:"symbol" gorm:"type:varchar(16);index;not null" validate:"required"`
	Side               string           `json:"side" gorm:"type:varchar(8);not null" validate:"required,oneof=buy sell"`
	Type               string           `json:"type" gorm:"type:varchar(16);not null" validate:"required,oneof=market limit stop stop_limit"`
	Quantity           decimal.Decimal  `json:"quantity" gorm:"type:numeric(20,8);not null"`
	FilledQuantity     decimal.Decimal  `json:"filled_quantity" gorm:"type:numeric(20,8);not null;default:0"`
	LimitPrice         *decimal.Decimal `json:"limit_price,omitempty" gorm:"type:numeric(20,4)"`
	StopPrice          *decimal.Decimal `json:"stop_price,omitempty" gorm:"type:numeric(20,4)"`
	AvgFillPrice       *decimal.Decimal `json:"avg_fill_price,omitempty" gorm:"type:numeric(20,4)"`
	Status             string           `json:"status" gorm:"type:varchar(24);index;not null"`
	OrderValue         decimal.Decimal  `json:"order_value" gorm:"type:numeric(20,4);not null"`
	SettledValue       decimal.Decimal  `json:"settled_value" gorm:"type:numeric(20,4);not null;default:0"`
	SettlementCurrency string           `json:"settlement_currency" gorm:"type:varchar(8);not null"`
	ExchangeRate       *decimal.Decimal `json:"exchange_rate,omitempty" gorm:"type:numeric(20,8)"`
	ExternalID         *string          `json:"external_id,omitempty" gorm:"uniqueIndex;type:varchar(128)"`
	RejectReason       string           `json:"reject_reason,omitempty" gorm:"type:varchar(255)"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
	FilledAt           *time.Time       `json:"filled_at,omitempty"`
}

// TerminalOrderStatus reports whether status admits no further transitions.
func TerminalOrderStatus(status string) bool {
	switch status {
	case OrderFilled, OrderCanceled, OrderExpired, OrderRejected:
		return true
	}
	return false
}
