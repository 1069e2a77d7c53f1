package server

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/helmsman/internal/database"
	"github.com/aristath/helmsman/internal/modules/backtest"
	"github.com/aristath/helmsman/internal/modules/marketdata"
)

// SystemHandlers serves operational status endpoints.
type SystemHandlers struct {
	log        zerolog.Logger
	timelineDB *database.DB
	ledgerDB   *database.DB
	cache      *marketdata.Cache
	backtests  *backtest.Runner
	started    time.Time
}

// NewSystemHandlers creates system handlers.
func NewSystemHandlers(log zerolog.Logger, timelineDB, ledgerDB *database.DB, cache *marketdata.Cache, backtests *backtest.Runner) *SystemHandlers {
	return &SystemHandlers{
		log:        log.With().Str("handler", "system").Logger(),
		timelineDB: timelineDB,
		ledgerDB:   ledgerDB,
		cache:      cache,
		backtests:  backtests,
		started:    time.Now().UTC(),
	}
}

// HandleSystemStatus handles GET /api/system/status
func (h *SystemHandlers) HandleSystemStatus(w http.ResponseWriter, r *http.Request) {
	h.log.Debug().Msg("Getting system status")

	status := map[string]interface{}{
		"uptime_seconds": int(time.Since(h.started).Seconds()),
		"goroutines":     runtime.NumGoroutine(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}

	if cpuPercent, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(cpuPercent) > 0 {
		status["cpu_percent"] = cpuPercent[0]
	} else if err != nil {
		h.log.Warn().Err(err).Msg("Failed to read CPU usage")
	}

	if memStat, err := mem.VirtualMemory(); err == nil {
		status["memory"] = map[string]interface{}{
			"total_mb":     memStat.Total / 1024 / 1024,
			"used_mb":      memStat.Used / 1024 / 1024,
			"used_percent": memStat.UsedPercent,
		}
	} else {
		h.log.Warn().Err(err).Msg("Failed to read memory usage")
	}

	entries, referenced := h.cache.Stats()
	status["dataset_cache"] = map[string]interface{}{
		"entries":    entries,
		"referenced": referenced,
	}
	status["active_backtests"] = h.backtests.Active()

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status["databases"] = map[string]interface{}{
		"timeline": h.dbStatus(ctx, h.timelineDB),
		"ledger":   h.dbStatus(ctx, h.ledgerDB),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(status); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode system status")
	}
}

func (h *SystemHandlers) dbStatus(ctx context.Context, db *database.DB) string {
	if db == nil {
		return "not configured"
	}
	if err := db.HealthCheck(ctx); err != nil {
		return "unhealthy: " + err.Error()
	}
	return "healthy"
}
