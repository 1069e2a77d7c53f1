package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested record does not exist,
// e.g. a composition query before universe inception.
var ErrNotFound = errors.New("not found")

// UniverseIntegrityError reports a malformed or non-monotonic snapshot.
type UniverseIntegrityError struct {
	UniverseID string
	Date       time.Time
	Reason     string
}

func (e *UniverseIntegrityError) Error() string {
	return fmt.Sprintf("universe %s integrity violation at %s: %s",
		e.UniverseID, e.Date.Format("2006-01-02"), e.Reason)
}

// DataGapError reports missing or stale bars for a symbol.
type DataGapError struct {
	Symbol string
	Date   time.Time
}

func (e *DataGapError) Error() string {
	return fmt.Sprintf("no bar for %s at or before %s", e.Symbol, e.Date.Format("2006-01-02"))
}

// BacktestAbortedError reports a run aborted because data quality fell
// below the configured threshold.
type BacktestAbortedError struct {
	RunID       string
	Period      time.Time
	GapFraction float64
}

func (e *BacktestAbortedError) Error() string {
	return fmt.Sprintf("backtest %s aborted at %s: %.0f%% of active universe gapped",
		e.RunID, e.Period.Format("2006-01-02"), e.GapFraction*100)
}

// AllocationConvergenceError reports a risk-parity solve that hit the
// iteration cap. The caller recovers via the inverse-volatility fallback.
type AllocationConvergenceError struct {
	Iterations   int
	MaxDeviation float64
}

func (e *AllocationConvergenceError) Error() string {
	return fmt.Sprintf("risk parity did not converge after %d iterations (max deviation %.2e)",
		e.Iterations, e.MaxDeviation)
}

// ConcurrencyConflictError reports portfolio lock contention. Retryable.
type ConcurrencyConflictError struct {
	PortfolioID string
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("portfolio %s is locked by another rebalance", e.PortfolioID)
}

// Retryable marks the conflict as safe to retry.
func (e *ConcurrencyConflictError) Retryable() bool { return true }

// OrderGenerationError reports an invalid order that cannot be submitted.
type OrderGenerationError struct {
	Symbol string
	Reason string
}

func (e *OrderGenerationError) Error() string {
	return fmt.Sprintf("cannot generate order for %s: %s", e.Symbol, e.Reason)
}

// TimeoutError wraps a collaborator call that exceeded its deadline. Retryable.
type TimeoutError struct {
	Operation string
	Err       error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out: %v", e.Operation, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// Retryable marks the timeout as safe to retry.
func (e *TimeoutError) Retryable() bool { return true }

// IsRetryable reports whether an error is marked safe to retry.
func IsRetryable(err error) bool {
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}
