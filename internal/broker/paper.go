// Package broker holds execution-side clients. The wire protocol to a real
// broker lives outside this core; PaperClient stands in for it.
package broker

import (
	"context"
	"math"

	"github.com/aristath/helmsman/internal/domain"
	"github.com/rs/zerolog"
)

// PaperClient accepts every valid order and reports a full simulated fill.
// Used in development and as the default until a real execution client is
// wired in.
type PaperClient struct {
	log zerolog.Logger
}

// NewPaperClient creates a paper-trading broker client.
func NewPaperClient(log zerolog.Logger) *PaperClient {
	return &PaperClient{log: log.With().Str("component", "paper_broker").Logger()}
}

// SubmitOrders implements domain.BrokerClient.
func (c *PaperClient) SubmitOrders(ctx context.Context, portfolioID string, orders []domain.OrderInstruction) ([]domain.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	results := make([]domain.OrderResult, len(orders))
	for i, o := range orders {
		if o.Symbol == "" || o.Notional == 0 || math.IsNaN(o.Notional) {
			results[i] = domain.OrderResult{OrderID: o.ID, Accepted: false, Reason: "invalid instruction"}
			continue
		}
		results[i] = domain.OrderResult{OrderID: o.ID, Accepted: true, Filled: o.Notional}
	}

	c.log.Info().
		Str("portfolio_id", portfolioID).
		Int("orders", len(orders)).
		Msg("Paper orders filled")
	return results, nil
}
