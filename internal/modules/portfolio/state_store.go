// Package portfolio tracks the current master portfolio state as reported
// by the position-keeping collaborator.
package portfolio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aristath/helmsman/internal/domain"
	"github.com/rs/zerolog"
)

// StateStore holds the latest reported state per portfolio. Fill and
// reconciliation updates from the execution side land here, so drift is
// always computed from actual positions rather than assumed target fills.
// Satisfies domain.PortfolioStateProvider.
type StateStore struct {
	mu     sync.RWMutex
	states map[string]*domain.PortfolioState
	log    zerolog.Logger
}

// NewStateStore creates an empty state store.
func NewStateStore(log zerolog.Logger) *StateStore {
	return &StateStore{
		states: make(map[string]*domain.PortfolioState),
		log:    log.With().Str("component", "portfolio_state").Logger(),
	}
}

// Update replaces a portfolio's reported state.
func (s *StateStore) Update(state *domain.PortfolioState) error {
	if state == nil || state.PortfolioID == "" {
		return fmt.Errorf("portfolio state requires a portfolio id")
	}
	if state.AsOf.IsZero() {
		state.AsOf = time.Now().UTC()
	}

	s.mu.Lock()
	s.states[state.PortfolioID] = state
	s.mu.Unlock()

	s.log.Debug().
		Str("portfolio_id", state.PortfolioID).
		Float64("value", state.Value).
		Int("sleeves", len(state.Sleeves)).
		Msg("Portfolio state updated")
	return nil
}

// GetState implements domain.PortfolioStateProvider.
func (s *StateStore) GetState(ctx context.Context, portfolioID string) (*domain.PortfolioState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.states[portfolioID]
	if !ok {
		return nil, fmt.Errorf("portfolio %s: %w", portfolioID, domain.ErrNotFound)
	}
	return state, nil
}

// Portfolios returns the known portfolio IDs.
func (s *StateStore) Portfolios() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.states))
	for id := range s.states {
		out = append(out, id)
	}
	return out
}
