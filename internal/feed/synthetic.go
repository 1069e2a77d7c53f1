package feed

import (
	"context"
	"hash/fnv"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/helmsman/internal/domain"
)

// Synthetic generates deterministic random-walk bars and momentum signals.
// Each symbol's walk is seeded from its name, so repeated fetches for the
// same range return identical data. Development use only.
type Synthetic struct {
	log zerolog.Logger
}

// NewSynthetic creates the built-in development feed.
func NewSynthetic(log zerolog.Logger) *Synthetic {
	return &Synthetic{log: log.With().Str("client", "synthetic_feed").Logger()}
}

// FetchHistoricalBars implements domain.DataProvider.
func (s *Synthetic) FetchHistoricalBars(ctx context.Context, symbols []string, start, end time.Time) (map[string][]domain.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make(map[string][]domain.Bar, len(symbols))
	for _, sym := range symbols {
		out[sym] = walk(sym, start, end)
	}
	return out, nil
}

// FetchLatestBars implements domain.DataProvider.
func (s *Synthetic) FetchLatestBars(ctx context.Context, symbols []string) (map[string]domain.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := time.Now().UTC().Truncate(24 * time.Hour)
	out := make(map[string]domain.Bar, len(symbols))
	for _, sym := range symbols {
		bars := walk(sym, now.AddDate(0, 0, -7), now)
		if len(bars) > 0 {
			out[sym] = bars[len(bars)-1]
		}
	}
	return out, nil
}

// ComputeSignals implements domain.SignalService. The signal is the sign of
// close-over-close momentum against a lookback, matching what a trivial
// trend follower would produce on the same synthetic walk.
func (s *Synthetic) ComputeSignals(ctx context.Context, symbols []string, start, end time.Time, cfg domain.SignalConfig) (map[string][]domain.SignalPoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lookback := 20
	if v, ok := cfg["lookback"].(float64); ok && v > 0 {
		lookback = int(v)
	}

	out := make(map[string][]domain.SignalPoint, len(symbols))
	for _, sym := range symbols {
		// Extend backwards so the first in-range signal has history.
		bars := walk(sym, start.AddDate(0, 0, -2*lookback), end)
		points := make([]domain.SignalPoint, 0, len(bars))
		for i, b := range bars {
			if b.Date.Before(start) {
				continue
			}
			signal := 0
			if i >= lookback {
				switch {
				case b.Close > bars[i-lookback].Close:
					signal = 1
				case b.Close < bars[i-lookback].Close:
					signal = -1
				}
			}
			points = append(points, domain.SignalPoint{Date: b.Date, Signal: signal})
		}
		out[sym] = points
	}
	return out, nil
}

// walk produces weekday bars for [start, end] on a seeded random walk.
func walk(symbol string, start, end time.Time) []domain.Bar {
	h := fnv.New64a()
	h.Write([]byte(symbol))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))

	price := 20.0 + rng.Float64()*180.0
	var bars []domain.Bar
	for d := start.Truncate(24 * time.Hour); !d.After(end); d = d.AddDate(0, 0, 1) {
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			continue
		}
		ret := rng.NormFloat64() * 0.015
		open := price
		price *= 1 + ret
		high := open
		low := price
		if price > high {
			high, low = price, open
		}
		bars = append(bars, domain.Bar{
			Date:   d,
			Open:   open,
			High:   high * 1.002,
			Low:    low * 0.998,
			Close:  price,
			Volume: float64(100000 + rng.Intn(900000)),
		})
	}
	return bars
}
