package backtest

// StrategyRule converts per-symbol signals into target weights for one
// rebalance period. The allocation rule is strategy configuration, opaque
// to the engine beyond its weight output; weights must be non-negative
// and sum to at most 1 (the remainder is cash).
type StrategyRule interface {
	Name() string
	TargetWeights(signals map[string]int, active []string) map[string]float64
}

// SignalWeightedRule holds every active symbol with a positive signal at
// equal weight, and cash when nothing signals long.
type SignalWeightedRule struct{}

// Name implements StrategyRule.
func (SignalWeightedRule) Name() string { return "signal_weighted" }

// TargetWeights implements StrategyRule.
func (SignalWeightedRule) TargetWeights(signals map[string]int, active []string) map[string]float64 {
	var longs []string
	for _, sym := range active {
		if signals[sym] > 0 {
			longs = append(longs, sym)
		}
	}
	out := make(map[string]float64, len(longs))
	for _, sym := range longs {
		out[sym] = 1.0 / float64(len(longs))
	}
	return out
}
