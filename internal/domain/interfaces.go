package domain

import (
	"context"
	"time"
)

// DataProvider fetches historical and latest bars from the external market
// data collaborator. Calls must respect the caller's context deadline;
// deadline overruns surface as TimeoutError.
type DataProvider interface {
	// FetchHistoricalBars returns date-ordered bars per symbol for [start, end].
	// Symbols with no data in the range may be absent from the result.
	FetchHistoricalBars(ctx context.Context, symbols []string, start, end time.Time) (map[string][]Bar, error)

	// FetchLatestBars returns the most recent bar per symbol.
	FetchLatestBars(ctx context.Context, symbols []string) (map[string]Bar, error)
}

// UniverseService is the upstream source of universe snapshots.
type UniverseService interface {
	// GetSnapshots returns all snapshots for a universe ordered by effective date.
	GetSnapshots(ctx context.Context, universeID string) ([]UniverseSnapshot, error)
}

// SignalService computes per-date trading signals for symbols. Signal
// values are in {-1, 0, 1}. Indicator math lives entirely behind this
// interface.
type SignalService interface {
	ComputeSignals(ctx context.Context, symbols []string, start, end time.Time, cfg SignalConfig) (map[string][]SignalPoint, error)
}

// BrokerClient transmits order instructions to the execution collaborator.
// Submission is all-or-nothing per instruction, not per batch: the broker
// may accept a subset.
type BrokerClient interface {
	SubmitOrders(ctx context.Context, portfolioID string, orders []OrderInstruction) ([]OrderResult, error)
}

// PortfolioStateProvider reports the current master portfolio state,
// including per-strategy sleeve composition, from actual filled positions.
type PortfolioStateProvider interface {
	GetState(ctx context.Context, portfolioID string) (*PortfolioState, error)
}

// PerformanceSource provides per-strategy return histories for the master
// allocation. Backtest results and live performance both satisfy this.
type PerformanceSource interface {
	ReturnHistory(ctx context.Context, portfolioID string, lookback int) (map[string]ReturnSeries, error)
}
