package marketdata

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aristath/helmsman/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

type fakeProvider struct {
	calls atomic.Int64
	delay time.Duration
	bars  map[string][]domain.Bar
}

func (f *fakeProvider) FetchHistoricalBars(ctx context.Context, symbols []string, start, end time.Time) (map[string][]domain.Bar, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	out := make(map[string][]domain.Bar)
	for _, s := range symbols {
		if bars, ok := f.bars[s]; ok {
			out[s] = bars
		}
	}
	return out, nil
}

func (f *fakeProvider) FetchLatestBars(ctx context.Context, symbols []string) (map[string]domain.Bar, error) {
	out := make(map[string]domain.Bar)
	for _, s := range symbols {
		if bars, ok := f.bars[s]; ok && len(bars) > 0 {
			out[s] = bars[len(bars)-1]
		}
	}
	return out, nil
}

type fakeMembers struct {
	members []string
}

func (f *fakeMembers) MembersInRange(universeID string, start, end time.Time) ([]string, error) {
	return f.members, nil
}

func barsFor(dates ...time.Time) []domain.Bar {
	out := make([]domain.Bar, len(dates))
	for i, d := range dates {
		out[i] = domain.Bar{Date: d, Open: 10, High: 11, Low: 9, Close: 10, Volume: 1000}
	}
	return out
}

func newTestCache(provider *fakeProvider, members []string, cfg CacheConfig) *Cache {
	return NewCache(provider, &fakeMembers{members: members}, cfg, zerolog.Nop())
}

func TestAcquire_BuildsOnceAndCachesWhileReferenced(t *testing.T) {
	provider := &fakeProvider{bars: map[string][]domain.Bar{
		"AAA": barsFor(date(2020, 1, 2), date(2020, 1, 3)),
	}}
	cache := newTestCache(provider, []string{"AAA"}, CacheConfig{})

	ds, release, err := cache.Acquire(context.Background(), "sp100", date(2020, 1, 1), date(2020, 12, 31))
	require.NoError(t, err)
	assert.Equal(t, []string{"AAA"}, ds.Symbols())
	assert.EqualValues(t, 1, provider.calls.Load())

	// Second acquire of the same key must not fetch again.
	ds2, release2, err := cache.Acquire(context.Background(), "sp100", date(2020, 1, 1), date(2020, 12, 31))
	require.NoError(t, err)
	assert.Same(t, ds, ds2, "concurrent runs share one dataset")
	assert.EqualValues(t, 1, provider.calls.Load())

	release()
	release2()
}

func TestAcquire_SingleFlightCollapsesConcurrentBuilds(t *testing.T) {
	provider := &fakeProvider{
		delay: 20 * time.Millisecond,
		bars:  map[string][]domain.Bar{"AAA": barsFor(date(2020, 1, 2))},
	}
	cache := newTestCache(provider, []string{"AAA"}, CacheConfig{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, release, err := cache.Acquire(context.Background(), "sp100", date(2020, 1, 1), date(2020, 12, 31))
			assert.NoError(t, err)
			release()
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, provider.calls.Load(), "concurrent builds collapse into one fetch")
}

func TestAcquire_ParallelBatches(t *testing.T) {
	bars := make(map[string][]domain.Bar)
	members := []string{"AAA", "BBB", "CCC", "DDD", "EEE"}
	for _, s := range members {
		bars[s] = barsFor(date(2020, 1, 2))
	}
	provider := &fakeProvider{bars: bars}
	cache := newTestCache(provider, members, CacheConfig{FetchBatchSize: 2})

	ds, release, err := cache.Acquire(context.Background(), "sp100", date(2020, 1, 1), date(2020, 12, 31))
	require.NoError(t, err)
	defer release()

	assert.Equal(t, members, ds.Symbols())
	assert.EqualValues(t, 3, provider.calls.Load(), "5 symbols at batch size 2 -> 3 batches")
}

func TestSliceAt_GapAndLookback(t *testing.T) {
	ds := &Dataset{
		UniverseID: "sp100",
		Bars: map[string][]domain.Bar{
			"AAA": barsFor(date(2020, 1, 2), date(2020, 1, 9)),
			"BBB": barsFor(date(2020, 6, 1)), // Listed mid-range
		},
	}

	slice := ds.SliceAt([]string{"AAA", "BBB", "ZZZ"}, date(2020, 1, 5))

	require.True(t, slice["AAA"].Found)
	assert.Equal(t, date(2020, 1, 2), slice["AAA"].Bar.Date, "most recent bar at or before query date")

	assert.False(t, slice["BBB"].Found, "not yet listed symbols report a gap, not a future bar")
	assert.False(t, slice["ZZZ"].Found, "unknown symbols report a gap")
}

func TestSweep_SpillsAndRestores(t *testing.T) {
	provider := &fakeProvider{bars: map[string][]domain.Bar{
		"AAA": barsFor(date(2020, 1, 2)),
	}}
	cache := newTestCache(provider, []string{"AAA"}, CacheConfig{
		TTL:      time.Nanosecond,
		SpillDir: t.TempDir(),
	})

	_, release, err := cache.Acquire(context.Background(), "sp100", date(2020, 1, 1), date(2020, 12, 31))
	require.NoError(t, err)
	release()

	time.Sleep(time.Millisecond)
	evicted := cache.Sweep(time.Now())
	assert.Equal(t, 1, evicted)

	entries, _ := cache.Stats()
	assert.Equal(t, 0, entries)

	// Re-acquire restores from the spill file without refetching.
	ds, release2, err := cache.Acquire(context.Background(), "sp100", date(2020, 1, 1), date(2020, 12, 31))
	require.NoError(t, err)
	defer release2()

	assert.Equal(t, []string{"AAA"}, ds.Symbols())
	assert.EqualValues(t, 1, provider.calls.Load())
}

func TestSweep_KeepsReferencedEntries(t *testing.T) {
	provider := &fakeProvider{bars: map[string][]domain.Bar{
		"AAA": barsFor(date(2020, 1, 2)),
	}}
	cache := newTestCache(provider, []string{"AAA"}, CacheConfig{TTL: time.Nanosecond})

	_, release, err := cache.Acquire(context.Background(), "sp100", date(2020, 1, 1), date(2020, 12, 31))
	require.NoError(t, err)
	defer release()

	assert.Equal(t, 0, cache.Sweep(time.Now().Add(time.Hour)), "referenced entries are never evicted")
}

func TestInvalidate_ForcesRebuild(t *testing.T) {
	provider := &fakeProvider{bars: map[string][]domain.Bar{
		"AAA": barsFor(date(2020, 1, 2)),
	}}
	cache := newTestCache(provider, []string{"AAA"}, CacheConfig{})

	_, release, err := cache.Acquire(context.Background(), "sp100", date(2020, 1, 1), date(2020, 12, 31))
	require.NoError(t, err)
	release()

	cache.Invalidate("sp100", date(2020, 1, 1), date(2020, 12, 31))

	_, release2, err := cache.Acquire(context.Background(), "sp100", date(2020, 1, 1), date(2020, 12, 31))
	require.NoError(t, err)
	release2()

	assert.EqualValues(t, 2, provider.calls.Load())
}

// deadlineProvider always overruns its deadline.
type deadlineProvider struct{}

func (deadlineProvider) FetchHistoricalBars(ctx context.Context, symbols []string, start, end time.Time) (map[string][]domain.Bar, error) {
	return nil, context.DeadlineExceeded
}

func (deadlineProvider) FetchLatestBars(ctx context.Context, symbols []string) (map[string]domain.Bar, error) {
	return nil, context.DeadlineExceeded
}

func TestAcquire_DeadlineWrappedExactlyOnce(t *testing.T) {
	cache := NewCache(deadlineProvider{}, &fakeMembers{members: []string{"AAA"}}, CacheConfig{}, zerolog.Nop())

	_, _, err := cache.Acquire(context.Background(), "sp100", date(2020, 1, 1), date(2020, 12, 31))
	require.Error(t, err)

	var timeout *domain.TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "fetch historical bars", timeout.Operation)

	var inner *domain.TimeoutError
	assert.False(t, errors.As(timeout.Err, &inner), "timeout must not be wrapped twice")
	assert.True(t, domain.IsRetryable(err))
}
