// Package performance holds per-strategy return histories used by the
// master allocation. Histories arrive from completed backtest runs or from
// the live-performance collaborator; this core only reads them.
package performance

import (
	"context"
	"fmt"
	"sync"

	"github.com/aristath/helmsman/internal/domain"
	"github.com/aristath/helmsman/internal/modules/backtest"
	"github.com/rs/zerolog"
)

// Board is an in-memory return-history store keyed by portfolio and
// strategy. It satisfies domain.PerformanceSource.
type Board struct {
	mu     sync.RWMutex
	series map[string]map[string]domain.ReturnSeries // portfolio -> strategy -> returns
	log    zerolog.Logger
}

// NewBoard creates an empty board.
func NewBoard(log zerolog.Logger) *Board {
	return &Board{
		series: make(map[string]map[string]domain.ReturnSeries),
		log:    log.With().Str("component", "performance_board").Logger(),
	}
}

// Record replaces one strategy's return series for a portfolio.
func (b *Board) Record(portfolioID, strategyID string, series domain.ReturnSeries) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.series[portfolioID] == nil {
		b.series[portfolioID] = make(map[string]domain.ReturnSeries)
	}
	b.series[portfolioID][strategyID] = series

	b.log.Debug().
		Str("portfolio_id", portfolioID).
		Str("strategy_id", strategyID).
		Int("points", len(series)).
		Msg("Return series recorded")
}

// ImportBacktest records a completed run's return series under its
// strategy ID. Runs that did not complete are refused so degraded data
// never silently feeds the allocator.
func (b *Board) ImportBacktest(portfolioID string, result *backtest.Result) error {
	if result == nil || result.Status != backtest.StatusCompleted {
		return fmt.Errorf("only completed runs can feed the allocation history")
	}
	b.Record(portfolioID, result.StrategyID, result.Returns)
	return nil
}

// ReturnHistory implements domain.PerformanceSource.
func (b *Board) ReturnHistory(ctx context.Context, portfolioID string, lookback int) (map[string]domain.ReturnSeries, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	strategies := b.series[portfolioID]
	if len(strategies) == 0 {
		return nil, fmt.Errorf("portfolio %s: %w", portfolioID, domain.ErrNotFound)
	}

	out := make(map[string]domain.ReturnSeries, len(strategies))
	for id, series := range strategies {
		out[id] = series.Tail(lookback)
	}
	return out, nil
}
