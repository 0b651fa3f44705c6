// Package errors defines the error taxonomy for the money core and its
// mapping onto HTTP statuses.
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
)

// Standard error functions
var (
	Is     = errors.Is
	As     = errors.As
	Join   = errors.Join
	Unwrap = errors.Unwrap
)

// ValidationError rejects a request before any state change.
type ValidationError struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
	}
	return "validation: " + e.Message
}

// NewValidation creates a ValidationError for a field.
func NewValidation(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// InsufficientFundsError refuses a reservation or debit. It carries the
// shortfall so callers can tell the user exactly what is missing.
type InsufficientFundsError struct {
	Currency  string          `json:"currency"`
	Requested decimal.Decimal `json:"requested"`
	Available decimal.Decimal `json:"available"`
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: need %s %s, available %s",
		e.Requested.StringFixed(2), e.Currency, e.Available.StringFixed(2))
}

// Shortfall returns the missing amount.
func (e *InsufficientFundsError) Shortfall() decimal.Decimal {
	return e.Requested.Sub(e.Available)
}

// NewInsufficientFunds creates an InsufficientFundsError.
func NewInsufficientFunds(currency string, requested, available decimal.Decimal) *InsufficientFundsError {
	return &InsufficientFundsError{Currency: currency, Requested: requested, Available: available}
}

// ExternalServiceError wraps a failure from a collaborator (brokerage,
// payment gateway, rate provider).
type ExternalServiceError struct {
	Service string `json:"service"`
	Err     error  `json:"-"`
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("external service %s: %v", e.Service, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// NewExternal wraps err as an ExternalServiceError for service.
func NewExternal(service string, err error) *ExternalServiceError {
	return &ExternalServiceError{Service: service, Err: err}
}

// ConflictError signals a duplicate idempotency reference. Callers treat it
// as a success replay, not a failure.
type ConflictError struct {
	Reference string `json:"reference"`
}

func (e *ConflictError) Error() string {
	return "duplicate reference: " + e.Reference
}

// NewConflict creates a ConflictError for reference.
func NewConflict(reference string) *ConflictError {
	return &ConflictError{Reference: reference}
}

// NotFoundError reports a missing resource.
type NotFoundError struct {
	Resource string `json:"resource"`
	ID       string `json:"id"`
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// NewNotFound creates a NotFoundError.
func NewNotFound(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

// IsConflict reports whether err is a duplicate-reference replay.
func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

// IsInsufficientFunds reports whether err is a refused reservation.
func IsInsufficientFunds(err error) bool {
	var i *InsufficientFundsError
	return errors.As(err, &i)
}

// IsNotFound reports whether err is a missing resource.
func IsNotFound(err error) bool {
	var n *NotFoundError
	return errors.As(err, &n)
}

// HTTPStatus maps a core error onto the HTTP status the API returns.
func HTTPStatus(err error) int {
	var (
		validation   *ValidationError
		insufficient *InsufficientFundsError
		external     *ExternalServiceError
		conflict     *ConflictError
		notFound     *NotFoundError
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &insufficient):
		return http.StatusPaymentRequired
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &conflict):
		// Replays are acknowledged, not failed.
		return http.StatusOK
	case errors.As(err, &external):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
