// Package allocation converts multi-strategy return histories into master
// portfolio target weights.
package allocation

import (
	"fmt"
	"math"
	"sort"

	"github.com/aristath/helmsman/internal/domain"
)

// Constraints bound the weight solution.
type Constraints struct {
	MaxSingle     float64 // Per-strategy weight cap, 0 means uncapped
	VarianceFloor float64 // Minimum variance for near-zero-volatility strategies
	Shrinkage     float64 // Diagonal shrinkage factor applied when Σ is not positive-definite
}

// DefaultConstraints returns the standard constraint set.
func DefaultConstraints(maxSingle float64) Constraints {
	return Constraints{
		MaxSingle:     maxSingle,
		VarianceFloor: 1e-8,
		Shrinkage:     0.1,
	}
}

// Diagnostics describes how a solution was reached. Surfaced to callers on
// every allocation and rebalance response.
type Diagnostics struct {
	Allocator    string  `json:"allocator"`
	Converged    bool    `json:"converged"`
	Iterations   int     `json:"iterations"`
	MaxDeviation float64 `json:"max_deviation"`
	Shrunk       bool    `json:"shrunk"`
	Degraded     bool    `json:"degraded"`
	Fallback     string  `json:"fallback,omitempty"`
}

// Allocator is the single polymorphic allocation capability. Risk parity
// is the reference implementation; equal weight and others are
// interchangeable. Implementations are pure functions of their inputs and
// safe for unbounded concurrent invocation.
type Allocator interface {
	Name() string
	ComputeWeights(history map[string]domain.ReturnSeries, lookback int, constraints Constraints) (map[string]float64, Diagnostics, error)
}

// EqualWeightAllocator assigns 1/n to every strategy, subject to the cap.
type EqualWeightAllocator struct{}

// Name implements Allocator.
func (EqualWeightAllocator) Name() string { return "equal_weight" }

// ComputeWeights implements Allocator.
func (EqualWeightAllocator) ComputeWeights(history map[string]domain.ReturnSeries, lookback int, constraints Constraints) (map[string]float64, Diagnostics, error) {
	if len(history) == 0 {
		return nil, Diagnostics{}, fmt.Errorf("no strategies provided")
	}

	weights := make(map[string]float64, len(history))
	for id := range history {
		weights[id] = 1.0 / float64(len(history))
	}
	clipAndRenormalize(weights, constraints.MaxSingle)

	return weights, Diagnostics{Allocator: "equal_weight", Converged: true}, nil
}

// strategyIDs returns the sorted strategy IDs so matrix ordering is stable.
func strategyIDs(history map[string]domain.ReturnSeries) []string {
	ids := make([]string, 0, len(history))
	for id := range history {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// clipAndRenormalize enforces non-negativity, the per-strategy cap, and
// sum-to-one. Capped excess is redistributed over uncapped strategies;
// a few passes suffice because each pass only ever tightens.
func clipAndRenormalize(weights map[string]float64, maxSingle float64) {
	for id, w := range weights {
		if w < 0 || math.IsNaN(w) {
			weights[id] = 0
		}
	}

	for pass := 0; pass < 16; pass++ {
		sum := 0.0
		for _, w := range weights {
			sum += w
		}
		if sum <= 0 {
			for id := range weights {
				weights[id] = 1.0 / float64(len(weights))
			}
			sum = 1.0
		}
		for id := range weights {
			weights[id] /= sum
		}

		if maxSingle <= 0 {
			return
		}

		violated := false
		for id, w := range weights {
			if w > maxSingle+1e-12 {
				weights[id] = maxSingle
				violated = true
			}
		}
		if !violated {
			return
		}
	}
}
