// Package domain holds the shared models and collaborator interfaces for
// the backtest and rebalancing core. It has no infrastructure dependencies.
package domain

import (
	"fmt"
	"sort"
	"time"
)

// Bar represents one OHLCV bar for a symbol.
type Bar struct {
	Date   time.Time `json:"date"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Screener kinds. Screening criteria are a closed set of tagged variants,
// validated at construction.
const (
	ScreenerMarketCap = "market_cap"
	ScreenerLiquidity = "liquidity"
	ScreenerIndex     = "index"
	ScreenerManual    = "manual"
)

// ScreeningCriteria describes how a universe snapshot was screened.
type ScreeningCriteria struct {
	Kind         string  `json:"kind"`
	MinMarketCap float64 `json:"min_market_cap,omitempty"` // market_cap kind
	MinADV       float64 `json:"min_adv,omitempty"`        // liquidity kind: min average daily volume
	IndexName    string  `json:"index_name,omitempty"`     // index kind
}

// Validate checks the criteria against its declared kind.
func (c ScreeningCriteria) Validate() error {
	switch c.Kind {
	case ScreenerMarketCap:
		if c.MinMarketCap <= 0 {
			return fmt.Errorf("market_cap screener requires positive min_market_cap")
		}
	case ScreenerLiquidity:
		if c.MinADV <= 0 {
			return fmt.Errorf("liquidity screener requires positive min_adv")
		}
	case ScreenerIndex:
		if c.IndexName == "" {
			return fmt.Errorf("index screener requires index_name")
		}
	case ScreenerManual:
		// No parameters
	default:
		return fmt.Errorf("unknown screener kind %q", c.Kind)
	}
	return nil
}

// UniverseSnapshot is one point-in-time universe composition. Immutable
// once persisted; snapshots for a universe are strictly increasing by
// EffectiveDate.
type UniverseSnapshot struct {
	UniverseID    string            `json:"universe_id"`
	EffectiveDate time.Time         `json:"effective_date"`
	Members       []string          `json:"members"` // Sorted, unique
	Criteria      ScreeningCriteria `json:"criteria"`
	TurnoverRate  float64           `json:"turnover_rate"`
}

// MemberSet returns the members as a set for O(1) lookups.
func (s *UniverseSnapshot) MemberSet() map[string]bool {
	set := make(map[string]bool, len(s.Members))
	for _, m := range s.Members {
		set[m] = true
	}
	return set
}

// NormalizeMembers sorts and de-duplicates a member list in place.
func NormalizeMembers(members []string) []string {
	sort.Strings(members)
	out := members[:0]
	var prev string
	for i, m := range members {
		if i == 0 || m != prev {
			out = append(out, m)
		}
		prev = m
	}
	return out
}

// ReturnPoint is one dated return observation.
type ReturnPoint struct {
	Date   time.Time `json:"date"`
	Return float64   `json:"return"`
}

// ReturnSeries is an append-only, date-ordered return series for one strategy.
type ReturnSeries []ReturnPoint

// Returns extracts the raw return values in order.
func (s ReturnSeries) Returns() []float64 {
	out := make([]float64, len(s))
	for i, p := range s {
		out[i] = p.Return
	}
	return out
}

// Tail returns the last n points, or the whole series if shorter.
func (s ReturnSeries) Tail(n int) ReturnSeries {
	if n >= len(s) {
		return s
	}
	return s[len(s)-n:]
}

// AttributionRecord decomposes a strategy's total return over a range into
// a signal-driven component and a universe-evolution component.
type AttributionRecord struct {
	StrategyID    string    `json:"strategy_id"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	StrategyAlpha float64   `json:"strategy_alpha"`
	UniverseBeta  float64   `json:"universe_beta"`
	TotalReturn   float64   `json:"total_return"`
}

// AllocationTarget is the master-portfolio target weight set.
// Weights are non-negative, sum to 1 within tolerance, and respect the
// configured per-strategy cap.
type AllocationTarget struct {
	PortfolioID string             `json:"portfolio_id"`
	AsOfDate    time.Time          `json:"as_of_date"`
	Weights     map[string]float64 `json:"weights"`
}

// OrderInstruction is a netted, broker-ready order. Never mutated after
// submission; corrections produce new instructions.
type OrderInstruction struct {
	ID            string             `json:"id"`
	Symbol        string             `json:"symbol"`
	Notional      float64            `json:"notional"` // Signed: positive buys, negative sells
	Attribution   map[string]float64 `json:"attribution"`
	EstimatedCost float64            `json:"estimated_cost"`
}

// Side returns "BUY" or "SELL" based on the signed notional.
func (o OrderInstruction) Side() string {
	if o.Notional < 0 {
		return "SELL"
	}
	return "BUY"
}

// OrderResult is the broker's response for a single submitted instruction.
type OrderResult struct {
	OrderID  string  `json:"order_id"`
	Accepted bool    `json:"accepted"`
	Filled   float64 `json:"filled"` // Filled notional, signed like the order
	Reason   string  `json:"reason,omitempty"`
}

// Sleeve is one strategy's slice of the master portfolio: its weight and
// the composition of its holdings (weights within the sleeve, summing to 1).
type Sleeve struct {
	Weight   float64            `json:"weight"`
	Holdings map[string]float64 `json:"holdings"`
}

// PortfolioState is the current master portfolio as reported by the
// position-keeping collaborator. It reflects actual filled positions.
type PortfolioState struct {
	PortfolioID string            `json:"portfolio_id"`
	AsOf        time.Time         `json:"as_of"`
	Value       float64           `json:"value"`
	Sleeves     map[string]Sleeve `json:"sleeves"`
}

// Weights returns the per-strategy weight map.
func (p *PortfolioState) Weights() map[string]float64 {
	out := make(map[string]float64, len(p.Sleeves))
	for id, s := range p.Sleeves {
		out[id] = s.Weight
	}
	return out
}

// SignalPoint is one dated signal observation in {-1, 0, 1}.
type SignalPoint struct {
	Date   time.Time `json:"date"`
	Signal int       `json:"signal"`
}

// SignalConfig is the opaque per-strategy signal configuration passed
// through to the signal collaborator.
type SignalConfig map[string]any
