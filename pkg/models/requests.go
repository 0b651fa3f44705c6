package models

import "github.com/shopspring/decimal"

// OrderRequest represents an order placement request.
type OrderRequest struct {
	Symbol     string          `json:"symbol" binding:"required" validate:"required,min=1,max=10"`
	Side       string          `json:"side" binding:"required,oneof=buy sell" validate:"required,oneof=buy sell"`
	Type       string          `json:"type" binding:"required,oneof=market limit stop stop_limit" validate:"required,oneof=market limit stop stop_limit"`
	Quantity   decimal.Decimal `json:"quantity" binding:"required" validate:"required"`
	LimitPrice decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice  decimal.Decimal `json:"stop_price,omitempty"`
	Currency   string          `json:"currency" binding:"required,oneof=KES USD" validate:"required,oneof=KES USD"`
}

// DepositRequest represents a mobile-money deposit initiation request.
type DepositRequest struct {
	Amount decimal.Decimal `json:"amount" binding:"required" validate:"required"`
	Phone  string          `json:"phone" binding:"required" validate:"required,min=10,max=15"`
}

// WithdrawalRequest represents a withdrawal initiation request.
type WithdrawalRequest struct {
	Amount   decimal.Decimal `json:"amount" binding:"required" validate:"required"`
	Currency string          `json:"currency" binding:"required,oneof=KES USD" validate:"required,oneof=KES USD"`
	Method   string          `json:"method" binding:"required,oneof=mpesa bank" validate:"required,oneof=mpesa bank"`
	Phone    string          `json:"phone,omitempty" validate:"omitempty,min=10,max=15"`
}

// ConvertRequest represents an explicit currency conversion request.
type ConvertRequest struct {
	Amount decimal.Decimal `json:"amount" binding:"required" validate:"required"`
	From   string          `json:"from" binding:"required,oneof=KES USD" validate:"required,oneof=KES USD"`
	To     string          `json:"to" binding:"required,oneof=KES USD" validate:"required,oneof=KES USD"`
}

// PaymentCallback is the asynchronous gateway confirmation payload. Entries
// are resolved by CorrelationID only; the rest is recorded, never trusted.
type PaymentCallback struct {
	CorrelationID string          `json:"correlation_id" binding:"required" validate:"required"`
	Success       bool            `json:"success"`
	Amount        decimal.Decimal `json:"amount,omitempty"`
	Receipt       string          `json:"receipt,omitempty"`
	Phone         string          `json:"phone,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	Timestamp     string          `json:"timestamp,omitempty"`
}

// BalanceSnapshot is the per-currency view returned by money operations.
type BalanceSnapshot struct {
	Currency  string          `json:"currency"`
	Balance   decimal.Decimal `json:"balance"`
	Frozen    decimal.Decimal `json:"frozen"`
	Available decimal.Decimal `json:"available"`
}

// Snapshot returns the wallet's balances for all supported currencies.
func (w *Wallet) Snapshot() []BalanceSnapshot {
	return []BalanceSnapshot{
		{Currency: CurrencyKES, Balance: w.BalanceKES, Frozen: w.FrozenKES, Available: w.Available(CurrencyKES)},
		{Currency: CurrencyUSD, Balance: w.BalanceUSD, Frozen: w.FrozenUSD, Available: w.Available(CurrencyUSD)},
	}
}
