package marketdata

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aristath/helmsman/internal/domain"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// MembersSource answers which assets were ever universe members in a range.
// Satisfied by universe.Timeline.
type MembersSource interface {
	MembersInRange(universeID string, start, end time.Time) ([]string, error)
}

// Key identifies one cached complete dataset.
type Key struct {
	UniverseID string
	Start      int64 // Unix seconds
	End        int64
}

func keyFor(universeID string, start, end time.Time) Key {
	return Key{UniverseID: universeID, Start: start.Unix(), End: end.Unix()}
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%d:%d", k.UniverseID, k.Start, k.End)
}

type entry struct {
	dataset      *Dataset
	refs         int
	lastReleased time.Time
}

// CacheConfig tunes dataset cache behaviour.
type CacheConfig struct {
	TTL            time.Duration // Lifetime of unreferenced entries before spill
	FetchBatchSize int           // Symbols per parallel fetch batch
	MaxParallel    int           // Concurrent fetch batches
	SpillDir       string        // Directory for evicted-entry spill files, empty disables spill
}

// Cache is the explicit, injectable complete-dataset cache. Concurrent
// requests for the same uncached key collapse into a single in-flight
// build; entries are kept while referenced and for a TTL afterwards,
// spilling to disk on eviction so a warm restart avoids a refetch.
type Cache struct {
	provider domain.DataProvider
	members  MembersSource
	cfg      CacheConfig

	group   singleflight.Group
	mu      sync.Mutex
	entries map[Key]*entry

	log zerolog.Logger
}

// NewCache creates a dataset cache.
func NewCache(provider domain.DataProvider, members MembersSource, cfg CacheConfig, log zerolog.Logger) *Cache {
	if cfg.FetchBatchSize <= 0 {
		cfg.FetchBatchSize = 50
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 4
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	return &Cache{
		provider: provider,
		members:  members,
		cfg:      cfg,
		entries:  make(map[Key]*entry),
		log:      log.With().Str("component", "dataset_cache").Logger(),
	}
}

// Acquire returns the complete dataset for (universeID, [start, end]),
// building it if needed. The returned release function must be called when
// the run is done with the dataset; the entry stays cached while any run
// references it, plus a TTL afterwards.
func (c *Cache) Acquire(ctx context.Context, universeID string, start, end time.Time) (*Dataset, func(), error) {
	key := keyFor(universeID, start, end)

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		e.refs++
		c.mu.Unlock()
		return e.dataset, c.releaseFunc(key), nil
	}
	c.mu.Unlock()

	// Collapse concurrent builds of the same key into one fetch.
	v, err, _ := c.group.Do(key.String(), func() (interface{}, error) {
		if ds, ok := c.loadSpill(key); ok {
			c.log.Debug().Str("key", key.String()).Msg("Dataset restored from spill")
			return ds, nil
		}
		return c.build(ctx, universeID, start, end)
	})
	if err != nil {
		// build already maps fetch deadline overruns; only bare deadline
		// errors still need the retryable wrapper.
		var timeout *domain.TimeoutError
		if !errors.As(err, &timeout) && errors.Is(err, context.DeadlineExceeded) {
			return nil, nil, &domain.TimeoutError{Operation: "dataset build " + key.String(), Err: err}
		}
		return nil, nil, err
	}

	ds := v.(*Dataset)

	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		e = &entry{dataset: ds}
		c.entries[key] = e
	}
	e.refs++
	c.mu.Unlock()

	return ds, c.releaseFunc(key), nil
}

// Invalidate drops a cached dataset and its spill file.
func (c *Cache) Invalidate(universeID string, start, end time.Time) {
	key := keyFor(universeID, start, end)

	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()

	c.removeSpill(key)
	c.log.Info().Str("key", key.String()).Msg("Dataset invalidated")
}

// Sweep evicts unreferenced entries older than the TTL, spilling them to
// disk first. Intended to be called periodically.
func (c *Cache) Sweep(now time.Time) int {
	c.mu.Lock()
	var evict []Key
	for key, e := range c.entries {
		if e.refs == 0 && now.Sub(e.lastReleased) > c.cfg.TTL {
			evict = append(evict, key)
		}
	}
	var spill []*Dataset
	for _, key := range evict {
		spill = append(spill, c.entries[key].dataset)
		delete(c.entries, key)
	}
	c.mu.Unlock()

	for i, key := range evict {
		if err := c.writeSpill(key, spill[i]); err != nil {
			c.log.Warn().Err(err).Str("key", key.String()).Msg("Failed to spill dataset")
		}
	}

	if len(evict) > 0 {
		c.log.Info().Int("evicted", len(evict)).Msg("Dataset cache swept")
	}
	return len(evict)
}

// Stats reports entry and reference counts for the status endpoint.
func (c *Cache) Stats() (entries int, referenced int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.entries {
		entries++
		if e.refs > 0 {
			referenced++
		}
	}
	return entries, referenced
}

func (c *Cache) releaseFunc(key Key) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if e, ok := c.entries[key]; ok && e.refs > 0 {
				e.refs--
				if e.refs == 0 {
					e.lastReleased = time.Now()
				}
			}
		})
	}
}

// build fetches bars for every asset that was ever a member during the
// range, in bounded parallel batches, and merges them into one dataset.
func (c *Cache) build(ctx context.Context, universeID string, start, end time.Time) (*Dataset, error) {
	symbols, err := c.members.MembersInRange(universeID, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve members for %s: %w", universeID, err)
	}

	batches := batchSymbols(symbols, c.cfg.FetchBatchSize)
	results := make([]map[string][]domain.Bar, len(batches))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.MaxParallel)
	for i, batch := range batches {
		i, batch := i, batch
		g.Go(func() error {
			bars, err := c.provider.FetchHistoricalBars(gctx, batch, start, end)
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					return &domain.TimeoutError{Operation: "fetch historical bars", Err: err}
				}
				return fmt.Errorf("failed to fetch bars for batch %d: %w", i, err)
			}
			results[i] = bars
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	ds := &Dataset{
		UniverseID: universeID,
		Start:      start,
		End:        end,
		Bars:       make(map[string][]domain.Bar, len(symbols)),
	}
	for _, bars := range results {
		for sym, series := range bars {
			sort.Slice(series, func(a, b int) bool { return series[a].Date.Before(series[b].Date) })
			ds.Bars[sym] = series
		}
	}

	c.log.Info().
		Str("universe", universeID).
		Time("start", start).
		Time("end", end).
		Int("symbols", len(ds.Bars)).
		Msg("Complete dataset built")

	return ds, nil
}

func batchSymbols(symbols []string, size int) [][]string {
	var out [][]string
	for len(symbols) > size {
		out = append(out, symbols[:size])
		symbols = symbols[size:]
	}
	if len(symbols) > 0 {
		out = append(out, symbols)
	}
	return out
}
