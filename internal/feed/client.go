// Package feed provides the market data and signal collaborator clients.
// The HTTP client talks to the external feed service; the synthetic feed
// stands in during development.
package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/helmsman/internal/domain"
)

// Client talks to the external feed service over HTTP. It implements
// domain.DataProvider, domain.SignalService, and domain.UniverseService.
type Client struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

// NewClient creates a feed client for the given base URL.
func NewClient(baseURL string, log zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
		log:     log.With().Str("client", "feed").Logger(),
	}
}

type barsResponse struct {
	Bars map[string][]domain.Bar `json:"bars"`
}

type latestBarsResponse struct {
	Bars map[string]domain.Bar `json:"bars"`
}

type signalsRequest struct {
	Symbols []string            `json:"symbols"`
	Start   string              `json:"start"`
	End     string              `json:"end"`
	Config  domain.SignalConfig `json:"config,omitempty"`
}

type signalsResponse struct {
	Signals map[string][]domain.SignalPoint `json:"signals"`
}

type snapshotsResponse struct {
	Snapshots []domain.UniverseSnapshot `json:"snapshots"`
}

// FetchHistoricalBars implements domain.DataProvider.
func (c *Client) FetchHistoricalBars(ctx context.Context, symbols []string, start, end time.Time) (map[string][]domain.Bar, error) {
	q := url.Values{}
	q.Set("symbols", strings.Join(symbols, ","))
	q.Set("start", start.Format("2006-01-02"))
	q.Set("end", end.Format("2006-01-02"))

	var out barsResponse
	if err := c.get(ctx, "/bars?"+q.Encode(), &out); err != nil {
		return nil, c.wrap("fetch historical bars", err)
	}
	return out.Bars, nil
}

// FetchLatestBars implements domain.DataProvider.
func (c *Client) FetchLatestBars(ctx context.Context, symbols []string) (map[string]domain.Bar, error) {
	q := url.Values{}
	q.Set("symbols", strings.Join(symbols, ","))

	var out latestBarsResponse
	if err := c.get(ctx, "/bars/latest?"+q.Encode(), &out); err != nil {
		return nil, c.wrap("fetch latest bars", err)
	}
	return out.Bars, nil
}

// ComputeSignals implements domain.SignalService.
func (c *Client) ComputeSignals(ctx context.Context, symbols []string, start, end time.Time, cfg domain.SignalConfig) (map[string][]domain.SignalPoint, error) {
	body, err := json.Marshal(signalsRequest{
		Symbols: symbols,
		Start:   start.Format("2006-01-02"),
		End:     end.Format("2006-01-02"),
		Config:  cfg,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal signal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/signals", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create signal request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var out signalsResponse
	if err := c.do(req, &out); err != nil {
		return nil, c.wrap("compute signals", err)
	}
	return out.Signals, nil
}

// GetSnapshots implements domain.UniverseService.
func (c *Client) GetSnapshots(ctx context.Context, universeID string) ([]domain.UniverseSnapshot, error) {
	var out snapshotsResponse
	if err := c.get(ctx, "/universes/"+url.PathEscape(universeID)+"/snapshots", &out); err != nil {
		return nil, c.wrap("fetch universe snapshots", err)
	}
	return out.Snapshots, nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("feed returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode feed response: %w", err)
	}
	return nil
}

// wrap maps deadline overruns to the retryable timeout error.
func (c *Client) wrap(operation string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &domain.TimeoutError{Operation: operation, Err: err}
	}
	return fmt.Errorf("%s: %w", operation, err)
}
