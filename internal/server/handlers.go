package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aristath/helmsman/internal/domain"
	"github.com/aristath/helmsman/internal/modules/backtest"
	"github.com/aristath/helmsman/internal/modules/rebalancing"
)

// AddSnapshotRequest represents a request to append a universe snapshot.
type AddSnapshotRequest struct {
	EffectiveDate string                   `json:"effective_date"` // 2006-01-02
	Members       []string                 `json:"members"`
	Criteria      domain.ScreeningCriteria `json:"criteria"`
}

// TriggerRebalanceRequest represents a request to trigger a rebalance.
type TriggerRebalanceRequest struct {
	Reason string `json:"reason,omitempty"`
}

// ImportPerformanceRequest links a completed backtest run to a portfolio's
// strategy performance history.
type ImportPerformanceRequest struct {
	RunID string `json:"run_id"`
}

// handleStartBacktest handles POST /api/backtests
func (s *Server) handleStartBacktest(w http.ResponseWriter, r *http.Request) {
	var opts backtest.Options
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
		s.log.Error().Err(err).Msg("Failed to decode backtest request")
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if opts.StrategyID == "" || opts.UniverseID == "" {
		http.Error(w, "strategy_id and universe_id are required", http.StatusBadRequest)
		return
	}
	if !opts.End.After(opts.Start) {
		http.Error(w, "end must be after start", http.StatusBadRequest)
		return
	}

	id := s.backtests.Start(opts)
	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"data": map[string]interface{}{
			"run_id": id,
			"status": string(backtest.StatusInitializing),
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// handleGetBacktest handles GET /api/backtests/{id}
func (s *Server) handleGetBacktest(w http.ResponseWriter, r *http.Request) {
	view, err := s.backtests.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": view,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// handleCancelBacktest handles POST /api/backtests/{id}/cancel
func (s *Server) handleCancelBacktest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.backtests.Cancel(id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"data": map[string]interface{}{
			"run_id":    id,
			"cancelled": true,
		},
	})
}

// handleAddSnapshot handles POST /api/universes/{id}/snapshots
func (s *Server) handleAddSnapshot(w http.ResponseWriter, r *http.Request) {
	var req AddSnapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.log.Error().Err(err).Msg("Failed to decode snapshot request")
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	date, err := time.Parse("2006-01-02", req.EffectiveDate)
	if err != nil {
		http.Error(w, "effective_date must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	snap, err := s.timeline.AddSnapshot(chi.URLParam(r, "id"), date, req.Members, req.Criteria)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"data": snap,
	})
}

// handleSyncUniverse handles POST /api/universes/{id}/sync. It pulls
// snapshots from the configured upstream universe source.
func (s *Server) handleSyncUniverse(w http.ResponseWriter, r *http.Request) {
	if s.universes == nil {
		http.Error(w, "universe source not configured", http.StatusServiceUnavailable)
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.timeline.Sync(r.Context(), s.universes, id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"universe_id": id,
			"snapshots":   len(s.timeline.Turnover(id)),
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// handleComposition handles GET /api/universes/{id}/composition?date=YYYY-MM-DD
func (s *Server) handleComposition(w http.ResponseWriter, r *http.Request) {
	date := time.Now().UTC()
	if raw := r.URL.Query().Get("date"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			http.Error(w, "date must be YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		date = parsed
	}

	snap, err := s.timeline.CompositionAt(chi.URLParam(r, "id"), date)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": snap,
		"metadata": map[string]interface{}{
			"as_of": date.Format("2006-01-02"),
		},
	})
}

// handleTurnover handles GET /api/universes/{id}/turnover
func (s *Server) handleTurnover(w http.ResponseWriter, r *http.Request) {
	points := s.timeline.Turnover(chi.URLParam(r, "id"))
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"points": points,
			"count":  len(points),
		},
	})
}

// handleUpdateState handles PUT /api/portfolios/{id}/state
func (s *Server) handleUpdateState(w http.ResponseWriter, r *http.Request) {
	var state domain.PortfolioState
	if err := json.NewDecoder(r.Body).Decode(&state); err != nil {
		s.log.Error().Err(err).Msg("Failed to decode portfolio state")
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	state.PortfolioID = chi.URLParam(r, "id")

	if err := s.states.Update(&state); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"portfolio_id": state.PortfolioID,
			"sleeves":      len(state.Sleeves),
			"value":        state.Value,
		},
	})
}

// handleComputeAllocation handles POST /api/portfolios/{id}/allocation
func (s *Server) handleComputeAllocation(w http.ResponseWriter, r *http.Request) {
	target, diag, err := s.allocations.ComputeMasterAllocation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": target,
		"metadata": map[string]interface{}{
			"diagnostics": diag,
			"timestamp":   time.Now().Format(time.RFC3339),
		},
	})
}

// handleTriggerRebalance handles POST /api/portfolios/{id}/rebalance.
// Query parameters force and dry_run modify the trigger.
func (s *Server) handleTriggerRebalance(w http.ResponseWriter, r *http.Request) {
	var req TriggerRebalanceRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.log.Error().Err(err).Msg("Failed to decode rebalance request")
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}

	opts := rebalancing.TriggerOptions{
		Force:  r.URL.Query().Get("force") == "true",
		DryRun: r.URL.Query().Get("dry_run") == "true",
		Reason: req.Reason,
	}

	event, err := s.rebalancer.Trigger(r.Context(), chi.URLParam(r, "id"), opts)
	if err != nil && event == nil {
		s.writeError(w, err)
		return
	}

	response := map[string]interface{}{
		"data": event,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	}
	if err != nil {
		// Failed events are persisted and returned alongside the cause.
		response["metadata"].(map[string]interface{})["error"] = err.Error()
	}
	s.writeJSON(w, http.StatusOK, response)
}

// handleGetRebalance handles GET /api/rebalances/{id}
func (s *Server) handleGetRebalance(w http.ResponseWriter, r *http.Request) {
	event, err := s.rebalancer.GetEvent(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": event,
	})
}

// handleResolveRebalance handles POST /api/rebalances/{id}/resolve
func (s *Server) handleResolveRebalance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.rebalancer.Resolve(id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"event_id": id,
			"resolved": true,
		},
	})
}

// handleImportPerformance handles POST /api/portfolios/{id}/performance/import
func (s *Server) handleImportPerformance(w http.ResponseWriter, r *http.Request) {
	var req ImportPerformanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.log.Error().Err(err).Msg("Failed to decode import request")
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	view, err := s.backtests.Get(req.RunID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if view.Result == nil {
		http.Error(w, "run has not finished", http.StatusConflict)
		return
	}

	portfolioID := chi.URLParam(r, "id")
	if err := s.performance.ImportBacktest(portfolioID, view.Result); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"portfolio_id": portfolioID,
			"strategy_id":  view.Result.StrategyID,
			"periods":      len(view.Result.Returns),
		},
	})
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode response")
	}
}

// writeError maps domain errors to HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	var integrity *domain.UniverseIntegrityError
	var conflict *domain.ConcurrencyConflictError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.As(err, &integrity):
		status = http.StatusConflict
	case errors.As(err, &conflict):
		status = http.StatusConflict
	}

	http.Error(w, err.Error(), status)
}
