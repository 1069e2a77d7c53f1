package backtest

import (
	"context"
	"testing"
	"time"

	"github.com/aristath/helmsman/internal/domain"
	"github.com/aristath/helmsman/internal/modules/marketdata"
	"github.com/aristath/helmsman/internal/modules/universe"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// monthlyBars produces one bar on the first of each month, with price
// compounding by growth per month.
func monthlyBars(start time.Time, months int, price, growth float64) []domain.Bar {
	out := make([]domain.Bar, months)
	for i := 0; i < months; i++ {
		d := start.AddDate(0, i, 0)
		out[i] = domain.Bar{Date: d, Open: price, High: price, Low: price, Close: price, Volume: 1000}
		price *= 1 + growth
	}
	return out
}

type fakeDatasets struct {
	ds *marketdata.Dataset
}

func (f *fakeDatasets) Acquire(ctx context.Context, universeID string, start, end time.Time) (*marketdata.Dataset, func(), error) {
	return f.ds, func() {}, nil
}

type fakeSignals struct {
	value int
}

func (f *fakeSignals) ComputeSignals(ctx context.Context, symbols []string, start, end time.Time, cfg domain.SignalConfig) (map[string][]domain.SignalPoint, error) {
	out := make(map[string][]domain.SignalPoint, len(symbols))
	for _, sym := range symbols {
		out[sym] = []domain.SignalPoint{{Date: start, Signal: f.value}}
	}
	return out, nil
}

func manualCriteria() domain.ScreeningCriteria {
	return domain.ScreeningCriteria{Kind: domain.ScreenerManual}
}

// newScenarioEngine builds the membership-change scenario: {A,B} from
// January, C added in June, A delisted in September. C appreciates 10% a
// month from listing; A and B are flat.
func newScenarioEngine(t *testing.T) *Engine {
	t.Helper()

	tl := universe.NewTimeline(nil, zerolog.Nop())
	_, err := tl.AddSnapshot("tech", date(2020, 1, 1), []string{"A", "B"}, manualCriteria())
	require.NoError(t, err)
	_, err = tl.AddSnapshot("tech", date(2020, 6, 1), []string{"A", "B", "C"}, manualCriteria())
	require.NoError(t, err)
	_, err = tl.AddSnapshot("tech", date(2020, 9, 1), []string{"B", "C"}, manualCriteria())
	require.NoError(t, err)

	ds := &marketdata.Dataset{
		UniverseID: "tech",
		Start:      date(2020, 1, 1),
		End:        date(2020, 12, 1),
		Bars: map[string][]domain.Bar{
			"A": monthlyBars(date(2020, 1, 1), 8, 100, 0),
			"B": monthlyBars(date(2020, 1, 1), 12, 100, 0),
			"C": monthlyBars(date(2020, 6, 1), 7, 100, 0.10),
		},
	}

	return NewEngine(tl, &fakeDatasets{ds: ds}, &fakeSignals{value: 1}, zerolog.Nop())
}

func scenarioOptions() Options {
	return Options{
		StrategyID: "momentum",
		UniverseID: "tech",
		Start:      date(2020, 1, 1),
		End:        date(2020, 12, 1),
	}
}

func TestRun_MembershipChangeScenario(t *testing.T) {
	engine := newScenarioEngine(t)

	result, err := engine.Run(context.Background(), "", scenarioOptions())
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, result.Status)
	require.Len(t, result.Periods, 12)

	// No survivorship leakage: C enters targets only from its listing date.
	for i := 0; i < 5; i++ {
		assert.NotContains(t, result.Periods[i].TargetWeights, "C",
			"period %s must not hold C before listing", result.Periods[i].Date.Format("2006-01-02"))
	}
	assert.Contains(t, result.Periods[5].TargetWeights, "C")
	assert.Equal(t, []string{"C"}, result.Periods[5].NewEntries)

	// A is force-liquidated on its delisting period, with a cost event.
	september := result.Periods[8]
	assert.Equal(t, date(2020, 9, 1), september.Date)
	assert.Equal(t, []string{"A"}, september.ForcedLiquidations)
	assert.Greater(t, september.ForcedCost, 0.0)
	for i := 8; i < 12; i++ {
		assert.NotContains(t, result.Periods[i].TargetWeights, "A",
			"period %s must not hold A after delisting", result.Periods[i].Date.Format("2006-01-02"))
	}
}

func TestRun_AttributionSeparatesUniverseEffect(t *testing.T) {
	engine := newScenarioEngine(t)

	result, err := engine.Run(context.Background(), "", scenarioOptions())
	require.NoError(t, err)

	require.NotNil(t, result.Attribution)
	// The static twin holds the January composition {A,B}, both flat, so
	// all of C's appreciation shows up as universe beta.
	assert.Greater(t, result.Attribution.UniverseBeta, 0.0)
	assert.InDelta(t, result.TotalReturn, result.Attribution.StrategyAlpha+result.Attribution.UniverseBeta, 1e-9)
	assert.Equal(t, result.TotalReturn, result.Attribution.TotalReturn)
}

func TestRun_AbortsWhenGapFractionExceeded(t *testing.T) {
	tl := universe.NewTimeline(nil, zerolog.Nop())
	_, err := tl.AddSnapshot("tech", date(2020, 1, 1), []string{"X", "Y"}, manualCriteria())
	require.NoError(t, err)

	ds := &marketdata.Dataset{
		UniverseID: "tech",
		Bars: map[string][]domain.Bar{
			"X": monthlyBars(date(2020, 1, 1), 6, 100, 0),
			// Y has no data at all.
		},
	}
	engine := NewEngine(tl, &fakeDatasets{ds: ds}, &fakeSignals{value: 1}, zerolog.Nop())

	result, err := engine.Run(context.Background(), "", Options{
		StrategyID:     "momentum",
		UniverseID:     "tech",
		Start:          date(2020, 1, 1),
		End:            date(2020, 6, 1),
		MaxGapFraction: 0.4,
	})

	require.Error(t, err)
	var aborted *domain.BacktestAbortedError
	require.ErrorAs(t, err, &aborted)
	assert.InDelta(t, 0.5, aborted.GapFraction, 1e-9)

	require.NotNil(t, result, "aborted runs return completed periods")
	assert.Equal(t, StatusAborted, result.Status)
	assert.Empty(t, result.Periods)
}

func TestRun_StaleSymbolsExcludedBeyondLimit(t *testing.T) {
	tl := universe.NewTimeline(nil, zerolog.Nop())
	_, err := tl.AddSnapshot("tech", date(2020, 1, 1), []string{"A", "B", "C"}, manualCriteria())
	require.NoError(t, err)

	ds := &marketdata.Dataset{
		UniverseID: "tech",
		Bars: map[string][]domain.Bar{
			"A": monthlyBars(date(2020, 1, 1), 6, 100, 0),
			"B": monthlyBars(date(2020, 1, 1), 6, 100, 0),
			"C": monthlyBars(date(2020, 1, 1), 2, 100, 0), // Goes dark after February
		},
	}
	engine := NewEngine(tl, &fakeDatasets{ds: ds}, &fakeSignals{value: 1}, zerolog.Nop())

	result, err := engine.Run(context.Background(), "", Options{
		StrategyID:      "momentum",
		UniverseID:      "tech",
		Start:           date(2020, 1, 1),
		End:             date(2020, 6, 1),
		MaxStalePeriods: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)

	// March: one stale period, tolerated with a last-known-price fill.
	assert.Contains(t, result.Periods[2].Stale, "C")
	assert.Contains(t, result.Periods[2].TargetWeights, "C")

	// April onward: staleness beyond the limit, excluded.
	assert.Contains(t, result.Periods[3].Excluded, "C")
	assert.NotContains(t, result.Periods[3].TargetWeights, "C")

	require.NotEmpty(t, result.DataQuality.Exclusions)
	assert.Equal(t, "C", result.DataQuality.Exclusions[0].Symbol)
	assert.True(t, result.DataQuality.DegradedAttribution)
}

// cancellingCompositions cancels the run context on its Nth lookup.
type cancellingCompositions struct {
	inner  CompositionSource
	cancel context.CancelFunc
	after  int
	calls  int
}

func (c *cancellingCompositions) CompositionAt(universeID string, d time.Time) (*domain.UniverseSnapshot, error) {
	c.calls++
	if c.calls == c.after {
		c.cancel()
	}
	return c.inner.CompositionAt(universeID, d)
}

func TestRun_CancellationAtPeriodBoundary(t *testing.T) {
	tl := universe.NewTimeline(nil, zerolog.Nop())
	_, err := tl.AddSnapshot("tech", date(2020, 1, 1), []string{"A", "B"}, manualCriteria())
	require.NoError(t, err)

	ds := &marketdata.Dataset{
		UniverseID: "tech",
		Bars: map[string][]domain.Bar{
			"A": monthlyBars(date(2020, 1, 1), 12, 100, 0),
			"B": monthlyBars(date(2020, 1, 1), 12, 100, 0),
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine := NewEngine(
		&cancellingCompositions{inner: tl, cancel: cancel, after: 3},
		&fakeDatasets{ds: ds}, &fakeSignals{value: 1}, zerolog.Nop(),
	)

	result, err := engine.Run(ctx, "", scenarioOptions())
	require.NoError(t, err)

	assert.Equal(t, StatusCancelled, result.Status)
	assert.Len(t, result.Periods, 3, "only periods completed before cancellation are returned")
	assert.Len(t, result.Returns, 3)
	assert.Nil(t, result.Attribution)
}

func TestRun_ValidatesOptions(t *testing.T) {
	engine := newScenarioEngine(t)

	tests := []struct {
		name string
		opts Options
	}{
		{"missing ids", Options{Start: date(2020, 1, 1), End: date(2020, 2, 1)}},
		{"end before start", Options{StrategyID: "s", UniverseID: "tech", Start: date(2020, 2, 1), End: date(2020, 1, 1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.Run(context.Background(), "", tt.opts)
			assert.Error(t, err)
		})
	}
}

func TestSignalWeightedRule(t *testing.T) {
	rule := SignalWeightedRule{}

	weights := rule.TargetWeights(map[string]int{"A": 1, "B": -1, "C": 1, "D": 0}, []string{"A", "B", "C", "D"})
	assert.Equal(t, map[string]float64{"A": 0.5, "C": 0.5}, weights)

	assert.Empty(t, rule.TargetWeights(map[string]int{"A": -1}, []string{"A"}), "no longs means all cash")
}
