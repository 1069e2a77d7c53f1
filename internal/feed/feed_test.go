package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/helmsman/internal/domain"
)

func TestSyntheticDeterministic(t *testing.T) {
	s := NewSynthetic(zerolog.Nop())
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	first, err := s.FetchHistoricalBars(context.Background(), []string{"AAA", "BBB"}, start, end)
	require.NoError(t, err)
	second, err := s.FetchHistoricalBars(context.Background(), []string{"AAA", "BBB"}, start, end)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.NotEqual(t, first["AAA"], first["BBB"])

	// Weekday bars only, ordered by date
	for _, b := range first["AAA"] {
		assert.NotEqual(t, time.Saturday, b.Date.Weekday())
		assert.NotEqual(t, time.Sunday, b.Date.Weekday())
	}
	for i := 1; i < len(first["AAA"]); i++ {
		assert.True(t, first["AAA"][i].Date.After(first["AAA"][i-1].Date))
	}
}

func TestSyntheticSignalsInRange(t *testing.T) {
	s := NewSynthetic(zerolog.Nop())
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	signals, err := s.ComputeSignals(context.Background(), []string{"AAA"}, start, end, nil)
	require.NoError(t, err)
	require.NotEmpty(t, signals["AAA"])

	for _, p := range signals["AAA"] {
		assert.False(t, p.Date.Before(start))
		assert.Contains(t, []int{-1, 0, 1}, p.Signal)
	}
}

func TestClientFetchHistoricalBars(t *testing.T) {
	bars := map[string][]domain.Bar{
		"AAA": {{Date: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), Close: 101}},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bars", r.URL.Path)
		assert.Equal(t, "AAA,BBB", r.URL.Query().Get("symbols"))
		assert.Equal(t, "2024-01-01", r.URL.Query().Get("start"))
		_ = json.NewEncoder(w).Encode(barsResponse{Bars: bars})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, zerolog.Nop())
	got, err := c.FetchHistoricalBars(context.Background(),
		[]string{"AAA", "BBB"},
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Len(t, got["AAA"], 1)
	assert.Equal(t, 101.0, got["AAA"][0].Close)
}

func TestClientComputeSignals(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/signals", r.URL.Path)
		var req signalsRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"AAA"}, req.Symbols)
		_ = json.NewEncoder(w).Encode(signalsResponse{Signals: map[string][]domain.SignalPoint{
			"AAA": {{Date: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), Signal: 1}},
		}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, zerolog.Nop())
	got, err := c.ComputeSignals(context.Background(), []string{"AAA"},
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, got["AAA"][0].Signal)
}

func TestClientGetSnapshots(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/universes/sp100/snapshots", r.URL.Path)
		_ = json.NewEncoder(w).Encode(snapshotsResponse{Snapshots: []domain.UniverseSnapshot{
			{
				UniverseID:    "sp100",
				EffectiveDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
				Members:       []string{"AAA", "BBB"},
			},
		}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, zerolog.Nop())
	got, err := c.GetSnapshots(context.Background(), "sp100")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []string{"AAA", "BBB"}, got[0].Members)
}

func TestClientErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, zerolog.Nop())
	_, err := c.FetchLatestBars(context.Background(), []string{"AAA"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestClientDeadlineMapsToTimeoutError(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	c := NewClient(srv.URL, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.FetchLatestBars(ctx, []string{"AAA"})
	require.Error(t, err)
	assert.True(t, domain.IsRetryable(err))
}
