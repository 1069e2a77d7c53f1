package backtest

import (
	"time"

	"github.com/aristath/helmsman/internal/domain"
)

// RunStatus is the backtest run lifecycle state.
type RunStatus string

const (
	StatusInitializing RunStatus = "INITIALIZING"
	StatusSimulating   RunStatus = "SIMULATING"
	StatusCompleted    RunStatus = "COMPLETED"
	StatusAborted      RunStatus = "ABORTED"
	StatusCancelled    RunStatus = "CANCELLED"
)

// Options configures one backtest run.
type Options struct {
	StrategyID string              `json:"strategy_id"`
	UniverseID string              `json:"universe_id"`
	Start      time.Time           `json:"start"`
	End        time.Time           `json:"end"`
	Signals    domain.SignalConfig `json:"signals,omitempty"`

	// PeriodDays is the rebalance step in calendar days; 0 means monthly.
	PeriodDays int `json:"period_days,omitempty"`

	CostRate          float64 `json:"cost_rate,omitempty"`          // Per unit of ordinary turnover
	TransitionPenalty float64 `json:"transition_penalty,omitempty"` // Extra rate on forced liquidations
	MaxStalePeriods   int     `json:"max_stale_periods,omitempty"`
	MaxGapFraction    float64 `json:"max_gap_fraction,omitempty"`

	Rule StrategyRule `json:"-"`
}

func (o *Options) applyDefaults() {
	if o.CostRate <= 0 {
		o.CostRate = 0.001
	}
	if o.TransitionPenalty <= 0 {
		o.TransitionPenalty = 0.005
	}
	if o.MaxStalePeriods <= 0 {
		o.MaxStalePeriods = 5
	}
	if o.MaxGapFraction <= 0 {
		o.MaxGapFraction = 0.5
	}
	if o.Rule == nil {
		o.Rule = SignalWeightedRule{}
	}
}

// PeriodRecord captures one completed simulation period.
type PeriodRecord struct {
	Date               time.Time          `json:"date"`
	Return             float64            `json:"return"` // Net of costs
	GrossReturn        float64            `json:"gross_return"`
	TurnoverCost       float64            `json:"turnover_cost"`
	ForcedCost         float64            `json:"forced_cost"`
	TargetWeights      map[string]float64 `json:"target_weights"`
	ForcedLiquidations []string           `json:"forced_liquidations,omitempty"`
	NewEntries         []string           `json:"new_entries,omitempty"`
	ActiveMembers      int                `json:"active_members"`
	Excluded           []string           `json:"excluded,omitempty"`
	Stale              []string           `json:"stale,omitempty"`
}

// Exclusion is one symbol dropped from one period by the data-quality
// policy.
type Exclusion struct {
	Symbol string    `json:"symbol"`
	Period time.Time `json:"period"`
	Reason string    `json:"reason"`
}

// DataQualityReport accompanies every result so callers can judge how much
// to trust it.
type DataQualityReport struct {
	Exclusions          []Exclusion `json:"exclusions,omitempty"`
	DegradedAttribution bool        `json:"degraded_attribution"`
}

// Result is the outcome of a backtest run. On ABORTED and CANCELLED it
// holds the completed periods only, never partially-committed mid-period
// state.
type Result struct {
	RunID       string                    `json:"run_id"`
	StrategyID  string                    `json:"strategy_id"`
	UniverseID  string                    `json:"universe_id"`
	Status      RunStatus                 `json:"status"`
	Start       time.Time                 `json:"start"`
	End         time.Time                 `json:"end"`
	Periods     []PeriodRecord            `json:"periods"`
	Returns     domain.ReturnSeries       `json:"returns"`
	TotalReturn float64                   `json:"total_return"`
	Attribution *domain.AttributionRecord `json:"attribution,omitempty"`
	DataQuality DataQualityReport         `json:"data_quality"`
}
