// Package main is the entry point for the Helmsman backtest and
// rebalancing engine. It wires the universe timeline, the dataset cache,
// the temporal backtest engine, the risk-parity allocator, and the
// rebalancing service, then serves them over HTTP alongside the calendar
// scheduler.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/aristath/helmsman/internal/broker"
	"github.com/aristath/helmsman/internal/config"
	"github.com/aristath/helmsman/internal/database"
	"github.com/aristath/helmsman/internal/domain"
	"github.com/aristath/helmsman/internal/feed"
	"github.com/aristath/helmsman/internal/modules/allocation"
	"github.com/aristath/helmsman/internal/modules/backtest"
	"github.com/aristath/helmsman/internal/modules/marketdata"
	"github.com/aristath/helmsman/internal/modules/performance"
	"github.com/aristath/helmsman/internal/modules/portfolio"
	"github.com/aristath/helmsman/internal/modules/rebalancing"
	"github.com/aristath/helmsman/internal/modules/universe"
	"github.com/aristath/helmsman/internal/reliability"
	"github.com/aristath/helmsman/internal/scheduler"
	"github.com/aristath/helmsman/internal/server"
	"github.com/aristath/helmsman/pkg/logger"
)

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Use fallback logger if config fails
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: true,
	})

	log.Info().Msg("Starting Helmsman")

	// Databases. The timeline database holds universe snapshots; the ledger
	// holds the rebalance event trail under the maximum-safety profile.
	timelineDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "timeline.db"),
		Profile: database.ProfileStandard,
		Name:    "timeline",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open timeline database")
	}
	defer timelineDB.Close()

	ledgerDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "ledger.db"),
		Profile: database.ProfileLedger,
		Name:    "ledger",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open ledger database")
	}
	defer ledgerDB.Close()

	snapshotRepo := universe.NewSnapshotRepository(timelineDB.Conn(), log)
	if err := snapshotRepo.InitSchema(); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize timeline schema")
	}
	timeline := universe.NewTimeline(snapshotRepo, log)
	if err := timeline.Load(); err != nil {
		log.Fatal().Err(err).Msg("Failed to load universe timeline")
	}

	eventRepo := rebalancing.NewEventRepository(ledgerDB.Conn(), log)
	if err := eventRepo.InitSchema(); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize ledger schema")
	}

	// Market data and signal collaborator. Without a configured feed URL
	// the synthetic development feed stands in.
	var provider domain.DataProvider
	var signals domain.SignalService
	var universes domain.UniverseService
	if cfg.FeedURL != "" {
		client := feed.NewClient(cfg.FeedURL, log)
		provider, signals, universes = client, client, client
		log.Info().Str("url", cfg.FeedURL).Msg("Using external feed")
	} else {
		synthetic := feed.NewSynthetic(log)
		provider, signals = synthetic, synthetic
		log.Warn().Msg("HELMSMAN_FEED_URL not set, using synthetic feed")
	}

	cache := marketdata.NewCache(provider, timeline, marketdata.CacheConfig{
		TTL:            cfg.CacheTTL,
		FetchBatchSize: cfg.FetchBatchSize,
		SpillDir:       filepath.Join(cfg.DataDir, "dataset-cache"),
	}, log)

	engine := backtest.NewEngine(timeline, cache, signals, log)
	runner := backtest.NewRunner(engine, backtest.Options{
		MaxStalePeriods: cfg.MaxStalePeriods,
		MaxGapFraction:  cfg.MaxGapFraction,
	}, log)

	board := performance.NewBoard(log)
	states := portfolio.NewStateStore(log)

	allocations := allocation.NewService(
		board,
		allocation.NewRiskParityAllocator(cfg.SolverTolerance, cfg.SolverIterations),
		allocation.DefaultConstraints(cfg.MaxAllocation),
		252,
		log,
	)

	rebalancer := rebalancing.NewService(
		eventRepo,
		allocations,
		states,
		broker.NewPaperClient(log),
		rebalancing.Config{
			DriftThreshold:    cfg.DriftThreshold,
			CostRate:          cfg.CostRate,
			FixedCostPerOrder: cfg.FixedCostPerTrade,
			CostBenefitCheck:  cfg.CostBenefitCheck,
			MaxRetries:        cfg.MaxRetries,
		},
		log,
	)

	// Ledger backups are opt-in via BACKUP_BUCKET.
	var backupSvc *reliability.BackupService
	if cfg.Backup != nil {
		backupSvc, err = reliability.NewBackupService(context.Background(), cfg.Backup, ledgerDB, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize backup service")
		}
		log.Info().Str("bucket", cfg.Backup.Bucket).Msg("Ledger backups enabled")
	}

	sched := scheduler.New(rebalancer, cache, backupSvc, log)
	for _, id := range strings.Split(getEnv("HELMSMAN_PORTFOLIOS", "main"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			sched.RegisterPortfolio(id)
		}
	}
	if err := sched.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start scheduler")
	}

	srv := server.New(server.Config{
		Log:         log,
		TimelineDB:  timelineDB,
		LedgerDB:    ledgerDB,
		Timeline:    timeline,
		Universes:   universes,
		Cache:       cache,
		Backtests:   runner,
		Allocations: allocations,
		Rebalancer:  rebalancer,
		States:      states,
		Performance: board,
		Port:        cfg.Port,
		DevMode:     cfg.DevMode,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	sched.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Helmsman stopped")
}
