// Package backtest runs survivorship-bias-free temporal simulations over
// point-in-time universes, producing return series, forced-turnover costs,
// and attribution of returns to signal quality versus universe evolution.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/aristath/helmsman/internal/domain"
	"github.com/aristath/helmsman/internal/modules/marketdata"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// CompositionSource answers point-in-time membership queries. Satisfied by
// universe.Timeline.
type CompositionSource interface {
	CompositionAt(universeID string, date time.Time) (*domain.UniverseSnapshot, error)
}

// DatasetSource provides complete datasets with reference-counted lifetime.
// Satisfied by marketdata.Cache.
type DatasetSource interface {
	Acquire(ctx context.Context, universeID string, start, end time.Time) (*marketdata.Dataset, func(), error)
}

// Engine is the temporal backtest simulator. Runs are independent and may
// execute concurrently; the only shared state is the read-only dataset
// cache.
type Engine struct {
	compositions CompositionSource
	datasets     DatasetSource
	signals      domain.SignalService
	log          zerolog.Logger
}

// NewEngine creates a backtest engine.
func NewEngine(compositions CompositionSource, datasets DatasetSource, signals domain.SignalService, log zerolog.Logger) *Engine {
	return &Engine{
		compositions: compositions,
		datasets:     datasets,
		signals:      signals,
		log:          log.With().Str("component", "backtest_engine").Logger(),
	}
}

// Run executes one backtest. The simulation phase is strictly sequential;
// cancellation is honored between periods only, returning completed
// periods. On abort the partial result is returned alongside the error.
func (e *Engine) Run(ctx context.Context, runID string, opts Options) (*Result, error) {
	opts.applyDefaults()
	if runID == "" {
		runID = uuid.NewString()
	}
	if opts.StrategyID == "" || opts.UniverseID == "" {
		return nil, fmt.Errorf("strategy_id and universe_id are required")
	}
	if !opts.End.After(opts.Start) {
		return nil, fmt.Errorf("end %s must be after start %s",
			opts.End.Format("2006-01-02"), opts.Start.Format("2006-01-02"))
	}

	result := &Result{
		RunID:      runID,
		StrategyID: opts.StrategyID,
		UniverseID: opts.UniverseID,
		Status:     StatusInitializing,
		Start:      opts.Start,
		End:        opts.End,
	}

	ds, release, err := e.datasets.Acquire(ctx, opts.UniverseID, opts.Start, opts.End)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire dataset: %w", err)
	}
	defer release()

	signals, err := e.signals.ComputeSignals(ctx, ds.Symbols(), opts.Start, opts.End, opts.Signals)
	if err != nil {
		return nil, fmt.Errorf("failed to compute signals: %w", err)
	}

	schedule := buildSchedule(opts.Start, opts.End, opts.PeriodDays)
	result.Status = StatusSimulating

	temporal := e.simulate(ctx, runID, ds, signals, schedule, opts, func(t time.Time) (*domain.UniverseSnapshot, error) {
		return e.compositions.CompositionAt(opts.UniverseID, t)
	})

	result.Periods = temporal.periods
	result.Returns = temporal.returns
	result.TotalReturn = temporal.total
	result.DataQuality.Exclusions = temporal.exclusions
	result.Status = temporal.status

	if temporal.status == StatusCompleted {
		e.attribute(ctx, runID, result, ds, signals, schedule, opts, temporal)
	}

	e.log.Info().
		Str("run_id", runID).
		Str("strategy", opts.StrategyID).
		Str("universe", opts.UniverseID).
		Str("status", string(result.Status)).
		Int("periods", len(result.Periods)).
		Float64("total_return", result.TotalReturn).
		Msg("Backtest run finished")

	if temporal.status == StatusAborted {
		return result, temporal.err
	}
	return result, nil
}

// attribute runs the twin simulation with the universe frozen at the
// start-date composition. Both simulations share the same dataset and
// slice logic so the decomposition is comparable: alpha is the static
// return, beta is the temporal minus static difference caused by
// composition changes.
func (e *Engine) attribute(ctx context.Context, runID string, result *Result, ds *marketdata.Dataset, signals map[string][]domain.SignalPoint, schedule []time.Time, opts Options, temporal simOutcome) {
	startSnap, err := e.compositions.CompositionAt(opts.UniverseID, opts.Start)
	if err != nil {
		result.DataQuality.DegradedAttribution = true
		e.log.Warn().Err(err).Str("run_id", runID).Msg("No start composition, attribution degraded")
		return
	}

	static := e.simulate(ctx, runID, ds, signals, schedule, opts, func(time.Time) (*domain.UniverseSnapshot, error) {
		return startSnap, nil
	})
	if static.status != StatusCompleted {
		result.DataQuality.DegradedAttribution = true
		e.log.Warn().Str("run_id", runID).Str("static_status", string(static.status)).
			Msg("Static twin run did not complete, attribution degraded")
		return
	}

	if len(temporal.exclusions) > 0 || len(static.exclusions) > 0 {
		result.DataQuality.DegradedAttribution = true
	}
	result.Attribution = &domain.AttributionRecord{
		StrategyID:    opts.StrategyID,
		Start:         opts.Start,
		End:           opts.End,
		StrategyAlpha: static.total,
		UniverseBeta:  temporal.total - static.total,
		TotalReturn:   temporal.total,
	}
}

type simOutcome struct {
	periods    []PeriodRecord
	returns    domain.ReturnSeries
	total      float64
	exclusions []Exclusion
	status     RunStatus
	err        error
}

// simulate walks the rebalance schedule once. Positions are tracked as
// weights of portfolio value with the remainder in cash; period t+1
// depends on period t so the loop is sequential by construction.
func (e *Engine) simulate(ctx context.Context, runID string, ds *marketdata.Dataset, signals map[string][]domain.SignalPoint, schedule []time.Time, opts Options, composition func(time.Time) (*domain.UniverseSnapshot, error)) simOutcome {
	out := simOutcome{status: StatusCompleted}

	weights := make(map[string]float64)
	prices := make(map[string]float64)
	staleness := make(map[string]int)
	var prevActive map[string]bool
	var prevDate time.Time
	value := 1.0

	for _, t := range schedule {
		if ctx.Err() != nil {
			out.status = StatusCancelled
			break
		}

		snap, err := composition(t)
		if err != nil {
			out.status = StatusAborted
			out.err = fmt.Errorf("failed to resolve composition at %s: %w", t.Format("2006-01-02"), err)
			break
		}
		activeSet := snap.MemberSet()

		// Slice covers active members plus held delisted symbols, which
		// still need a liquidation price.
		query := append([]string(nil), snap.Members...)
		for sym := range weights {
			if !activeSet[sym] {
				query = append(query, sym)
			}
		}
		slice := ds.SliceAt(query, t)

		eligible, excluded, stale := e.applyGapPolicy(snap, slice, staleness, prevDate, t, opts, &out)

		if frac := float64(len(excluded)) / float64(len(snap.Members)); frac > opts.MaxGapFraction {
			out.status = StatusAborted
			out.err = &domain.BacktestAbortedError{RunID: runID, Period: t, GapFraction: frac}
			e.log.Error().Str("run_id", runID).Time("period", t).Float64("gap_fraction", frac).
				Msg("Gap fraction above threshold, aborting run")
			break
		}

		// Mark existing positions to market. Symbols without a fresh bar
		// hold at the last known price.
		gross := 0.0
		for sym, w := range weights {
			p0 := prices[sym]
			if entry := slice[sym]; entry.Found && p0 > 0 {
				gross += w * (entry.Bar.Close/p0 - 1)
			}
		}
		if gross > -1 {
			drifted := make(map[string]float64, len(weights))
			for sym, w := range weights {
				p0 := prices[sym]
				p := p0
				if entry := slice[sym]; entry.Found && p0 > 0 {
					p = entry.Bar.Close
				}
				if p0 > 0 {
					drifted[sym] = w * (p / p0) / (1 + gross)
				} else {
					drifted[sym] = w / (1 + gross)
				}
			}
			weights = drifted
		}

		// Forced turnover: delisted holdings are liquidated at the last
		// available price plus the transition penalty.
		forcedCost := 0.0
		var forced []string
		for sym, w := range weights {
			if !activeSet[sym] {
				forcedCost += w * (opts.CostRate + opts.TransitionPenalty)
				forced = append(forced, sym)
				delete(weights, sym)
				delete(prices, sym)
			}
		}
		sort.Strings(forced)

		periodSignals := make(map[string]int, len(eligible))
		for _, sym := range eligible {
			periodSignals[sym] = signalAt(signals[sym], t)
		}
		target := opts.Rule.TargetWeights(periodSignals, eligible)

		turnoverCost := opts.CostRate * turnoverBetween(weights, target)

		periodReturn := (1+gross)*(1-forcedCost-turnoverCost) - 1
		value *= 1 + periodReturn

		weights = make(map[string]float64, len(target))
		prices = make(map[string]float64, len(target))
		for sym, tw := range target {
			weights[sym] = tw
			prices[sym] = slice[sym].Bar.Close
		}

		var entries []string
		if prevActive != nil {
			for _, sym := range snap.Members {
				if !prevActive[sym] {
					entries = append(entries, sym)
				}
			}
		}

		out.periods = append(out.periods, PeriodRecord{
			Date:               t,
			Return:             periodReturn,
			GrossReturn:        gross,
			TurnoverCost:       turnoverCost,
			ForcedCost:         forcedCost,
			TargetWeights:      target,
			ForcedLiquidations: forced,
			NewEntries:         entries,
			ActiveMembers:      len(snap.Members),
			Excluded:           excluded,
			Stale:              stale,
		})
		out.returns = append(out.returns, domain.ReturnPoint{Date: t, Return: periodReturn})

		prevActive = activeSet
		prevDate = t
	}

	out.total = value - 1
	return out
}

// applyGapPolicy splits the active members into eligible, excluded, and
// stale-but-tolerated. Missing bars and over-stale symbols are excluded
// from the period; staleness within the limit fills with the last known
// price.
func (e *Engine) applyGapPolicy(snap *domain.UniverseSnapshot, slice map[string]marketdata.SliceEntry, staleness map[string]int, prevDate, t time.Time, opts Options, out *simOutcome) (eligible, excluded, stale []string) {
	for _, sym := range snap.Members {
		entry := slice[sym]
		if !entry.Found {
			excluded = append(excluded, sym)
			out.exclusions = append(out.exclusions, Exclusion{Symbol: sym, Period: t, Reason: "no bar at or before period"})
			continue
		}

		if !prevDate.IsZero() && !entry.Bar.Date.After(prevDate) {
			staleness[sym]++
		} else {
			staleness[sym] = 0
		}

		if staleness[sym] > opts.MaxStalePeriods {
			excluded = append(excluded, sym)
			out.exclusions = append(out.exclusions, Exclusion{
				Symbol: sym,
				Period: t,
				Reason: fmt.Sprintf("stale for %d periods", staleness[sym]),
			})
			e.log.Warn().Str("symbol", sym).Time("period", t).Int("stale_periods", staleness[sym]).
				Msg("Symbol excluded from period, staleness above limit")
			continue
		}
		if staleness[sym] > 0 {
			stale = append(stale, sym)
		}
		eligible = append(eligible, sym)
	}
	return eligible, excluded, stale
}

// turnoverBetween is half the gross notional traded moving from current to
// target weights, as a fraction of portfolio value.
func turnoverBetween(current, target map[string]float64) float64 {
	total := 0.0
	seen := make(map[string]bool, len(target))
	for sym, tw := range target {
		total += math.Abs(tw - current[sym])
		seen[sym] = true
	}
	for sym, w := range current {
		if !seen[sym] {
			total += w
		}
	}
	return total / 2
}

// buildSchedule generates rebalance period dates. periodDays of 0 steps
// monthly.
func buildSchedule(start, end time.Time, periodDays int) []time.Time {
	var out []time.Time
	for t := start; !t.After(end); {
		out = append(out, t)
		if periodDays > 0 {
			t = t.AddDate(0, 0, periodDays)
		} else {
			t = t.AddDate(0, 1, 0)
		}
	}
	return out
}

// signalAt returns the most recent signal at or before date, 0 if none.
func signalAt(points []domain.SignalPoint, date time.Time) int {
	idx := sort.Search(len(points), func(i int) bool {
		return points[i].Date.After(date)
	})
	if idx == 0 {
		return 0
	}
	return points[idx-1].Signal
}

// IsAborted reports whether err is a data-quality abort.
func IsAborted(err error) bool {
	var aborted *domain.BacktestAbortedError
	return errors.As(err, &aborted)
}
