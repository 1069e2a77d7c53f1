// Package rebalancing detects drift and calendar triggers, nets trades
// across strategy sleeves into broker-ready orders, and tracks the
// rebalance lifecycle in an append-style event ledger.
package rebalancing

import (
	"time"

	"github.com/aristath/helmsman/internal/domain"
	"github.com/aristath/helmsman/internal/modules/allocation"
)

// EventStatus is the rebalance event lifecycle state.
type EventStatus string

const (
	StatusPending         EventStatus = "PENDING"
	StatusCalculating     EventStatus = "CALCULATING"
	StatusOrdersGenerated EventStatus = "ORDERS_GENERATED"
	StatusSubmitted       EventStatus = "SUBMITTED"
	StatusCompleted       EventStatus = "COMPLETED"
	StatusPartial         EventStatus = "PARTIAL"
	StatusFailed          EventStatus = "FAILED"
	StatusSkipped         EventStatus = "SKIPPED"
	// StatusNeedsAttention is the fatal escalation state after bounded
	// retries are exhausted; it blocks further automatic rebalances until
	// manually resolved.
	StatusNeedsAttention EventStatus = "NEEDS_ATTENTION"
	// StatusResolved marks a manually cleared escalation.
	StatusResolved EventStatus = "RESOLVED"
)

// IsTerminal reports whether an event in this status is immutable.
func (s EventStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusPartial, StatusFailed, StatusSkipped, StatusNeedsAttention, StatusResolved:
		return true
	}
	return false
}

// Trigger reasons.
const (
	TriggerCalendar = "calendar"
	TriggerDrift    = "drift"
	TriggerManual   = "manual"
)

// Event is one rebalance attempt for a portfolio. Unique per trigger date;
// immutable once a terminal status is reached.
type Event struct {
	ID               string                    `json:"id"`
	PortfolioID      string                    `json:"portfolio_id"`
	TriggerDate      time.Time                 `json:"trigger_date"`
	Trigger          string                    `json:"trigger"`
	Status           EventStatus               `json:"status"`
	DryRun           bool                      `json:"dry_run,omitempty"`
	PriorAllocation  map[string]float64        `json:"prior_allocation"`
	TargetAllocation map[string]float64        `json:"target_allocation"`
	Orders           []domain.OrderInstruction `json:"orders,omitempty"`
	Results          []domain.OrderResult      `json:"results,omitempty"`
	MaxDrift         float64                   `json:"max_drift"`
	CostEstimate     float64                   `json:"cost_estimate"`
	Diagnostics      *allocation.Diagnostics   `json:"diagnostics,omitempty"`
	SkipReason       string                    `json:"skip_reason,omitempty"`
	Error            string                    `json:"error,omitempty"`
	CreatedAt        time.Time                 `json:"created_at"`
	UpdatedAt        time.Time                 `json:"updated_at"`
}

// maxDrift returns the largest absolute per-strategy weight deviation.
func maxDrift(current, target map[string]float64) float64 {
	max := 0.0
	seen := make(map[string]bool, len(target))
	for id, tw := range target {
		d := abs(tw - current[id])
		if d > max {
			max = d
		}
		seen[id] = true
	}
	for id, cw := range current {
		if !seen[id] && cw > max {
			max = cw
		}
	}
	return max
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
