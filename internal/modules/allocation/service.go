package allocation

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/helmsman/internal/domain"
	"github.com/rs/zerolog"
)

// Service computes the master-portfolio allocation target from strategy
// return histories.
type Service struct {
	source      domain.PerformanceSource
	allocator   Allocator
	constraints Constraints
	lookback    int
	log         zerolog.Logger
}

// NewService creates an allocation service.
func NewService(source domain.PerformanceSource, allocator Allocator, constraints Constraints, lookback int, log zerolog.Logger) *Service {
	if lookback <= 0 {
		lookback = 252
	}
	return &Service{
		source:      source,
		allocator:   allocator,
		constraints: constraints,
		lookback:    lookback,
		log:         log.With().Str("service", "allocation").Logger(),
	}
}

// ComputeMasterAllocation pulls the per-strategy return histories for the
// portfolio and solves for target weights. Diagnostics always accompany
// the target so callers can see when the solution is degraded.
func (s *Service) ComputeMasterAllocation(ctx context.Context, portfolioID string) (*domain.AllocationTarget, Diagnostics, error) {
	history, err := s.source.ReturnHistory(ctx, portfolioID, s.lookback)
	if err != nil {
		return nil, Diagnostics{}, fmt.Errorf("failed to load return history for %s: %w", portfolioID, err)
	}
	if len(history) == 0 {
		return nil, Diagnostics{}, fmt.Errorf("no strategy return history for portfolio %s", portfolioID)
	}

	weights, diag, err := s.allocator.ComputeWeights(history, s.lookback, s.constraints)
	if err != nil {
		return nil, diag, fmt.Errorf("allocation failed for %s: %w", portfolioID, err)
	}

	evt := s.log.Info().
		Str("portfolio_id", portfolioID).
		Str("allocator", s.allocator.Name()).
		Int("strategies", len(weights)).
		Int("iterations", diag.Iterations).
		Bool("converged", diag.Converged)
	if diag.Degraded {
		evt = s.log.Warn().
			Str("portfolio_id", portfolioID).
			Str("fallback", diag.Fallback)
	}
	evt.Msg("Master allocation computed")

	return &domain.AllocationTarget{
		PortfolioID: portfolioID,
		AsOfDate:    time.Now().UTC(),
		Weights:     weights,
	}, diag, nil
}
