// Package marketdata builds and caches complete historical datasets for
// universes, so that temporal backtests compute the bulk fetch once and
// filter it many times.
package marketdata

import (
	"sort"
	"time"

	"github.com/aristath/helmsman/internal/domain"
)

// Dataset is a complete historical dataset for one (universe, range):
// date-ordered bars for every asset that was ever a member during the
// range. Read-only for the lifetime of a backtest run and safe to share
// across concurrent runs.
type Dataset struct {
	UniverseID string                  `msgpack:"universe_id"`
	Start      time.Time               `msgpack:"start"`
	End        time.Time               `msgpack:"end"`
	Bars       map[string][]domain.Bar `msgpack:"bars"`
}

// SliceEntry is one symbol's point-in-time view: the bar at or most
// recently before the queried date, or a gap when the symbol has no bar
// at or before that date. Gaps are reported, not raised, so callers can
// apply their own data-quality policy.
type SliceEntry struct {
	Bar   domain.Bar
	Found bool
}

// Symbols returns the sorted symbols present in the dataset.
func (d *Dataset) Symbols() []string {
	out := make([]string, 0, len(d.Bars))
	for s := range d.Bars {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// SliceAt returns each requested symbol's bar at or most recently before
// date. Symbols absent from the dataset, or listed only after date, come
// back as gaps.
func (d *Dataset) SliceAt(symbols []string, date time.Time) map[string]SliceEntry {
	out := make(map[string]SliceEntry, len(symbols))
	for _, sym := range symbols {
		bars := d.Bars[sym]
		idx := sort.Search(len(bars), func(i int) bool {
			return bars[i].Date.After(date)
		})
		if idx == 0 {
			out[sym] = SliceEntry{}
			continue
		}
		out[sym] = SliceEntry{Bar: bars[idx-1], Found: true}
	}
	return out
}
