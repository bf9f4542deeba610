// Package apperrors declares the sentinel and typed errors used across the
// engine (spec §7).
package apperrors

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Exchange-facing sentinel errors (spec §6, §7).
var (
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrOrderRejected        = errors.New("order rejected")
	ErrRateLimitExceeded    = errors.New("rate limit exceeded")
	ErrNetwork              = errors.New("network error")
	ErrInvalidSymbol        = errors.New("invalid symbol")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrExchangeMaintenance  = errors.New("exchange maintenance")
	ErrOrderNotFound        = errors.New("order not found")
	ErrAPIError             = errors.New("exchange api error")
)

// Domain sentinel errors.
var (
	ErrSlippageExceeded     = errors.New("slippage exceeded")
	ErrVerificationFailed   = errors.New("cancel verification failed")
	ErrEngineForceStopped   = errors.New("risk engine is force-stopped")
	ErrEnginePausedByLoss   = errors.New("risk engine is paused by daily loss limit")
	ErrMaxPositionsExceeded = errors.New("max positions per symbol/timeframe exceeded")
	ErrMaxExposureExceeded  = errors.New("max total exposure exceeded")
)

// IsTransient reports whether err represents a connectivity failure that
// OrderService should retry, as opposed to a permanent rejection.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrRateLimitExceeded) || errors.Is(err, ErrExchangeMaintenance)
}

// DuplicatePositionError is raised when a uniqueness-constraint violation is
// detected on PositionGroup creation (spec §4.2, §7).
type DuplicatePositionError struct {
	UserID    uuid.UUID
	Exchange  string
	Symbol    string
	Timeframe string
}

func (e *DuplicatePositionError) Error() string {
	return fmt.Sprintf("duplicate position for user=%s exchange=%s symbol=%s timeframe=%s", e.UserID, e.Exchange, e.Symbol, e.Timeframe)
}

// APIError carries an exchange error message and optional status code
// (spec §6).
type APIError struct {
	Message    string
	StatusCode int
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("api error (status=%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("api error: %s", e.Message)
}

func (e *APIError) Is(target error) bool {
	return target == ErrAPIError
}

// SlippageExceededError carries the expected vs. observed price for a
// slippage-rejected market order (spec §4.1, §6).
type SlippageExceededError struct {
	Expected decimal.Decimal
	Observed decimal.Decimal
	MaxPct   decimal.Decimal
}

func (e *SlippageExceededError) Error() string {
	return fmt.Sprintf("slippage exceeded: expected=%s observed=%s max_pct=%s", e.Expected, e.Observed, e.MaxPct)
}

func (e *SlippageExceededError) Is(target error) bool {
	return target == ErrSlippageExceeded
}
