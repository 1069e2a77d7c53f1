// Package scheduler drives the calendar rebalance trigger and periodic
// maintenance jobs.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/aristath/helmsman/internal/domain"
	"github.com/aristath/helmsman/internal/modules/marketdata"
	"github.com/aristath/helmsman/internal/modules/rebalancing"
	"github.com/aristath/helmsman/internal/reliability"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scheduler owns the cron runner. Jobs:
//   - calendar rebalance on the first trading day of each month
//   - hourly dataset cache sweep
//   - nightly ledger backup, when configured
type Scheduler struct {
	cron       *cron.Cron
	rebalancer *rebalancing.Service
	cache      *marketdata.Cache
	backup     *reliability.BackupService // nil when backups are not configured

	mu         sync.RWMutex
	portfolios []string

	log zerolog.Logger
}

// New creates a scheduler. backup may be nil.
func New(rebalancer *rebalancing.Service, cache *marketdata.Cache, backup *reliability.BackupService, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:       cron.New(),
		rebalancer: rebalancer,
		cache:      cache,
		backup:     backup,
		log:        log.With().Str("component", "scheduler").Logger(),
	}
}

// RegisterPortfolio adds a portfolio to the calendar rebalance rotation.
func (s *Scheduler) RegisterPortfolio(portfolioID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.portfolios {
		if id == portfolioID {
			return
		}
	}
	s.portfolios = append(s.portfolios, portfolioID)
	s.log.Info().Str("portfolio_id", portfolioID).Msg("Portfolio registered for calendar rebalancing")
}

// Start registers the jobs and starts the cron loop.
func (s *Scheduler) Start() error {
	// Fire on the 1st through 3rd at 09:00; the guard picks the actual
	// first trading day (weekends push it to Monday).
	if _, err := s.cron.AddFunc("0 9 1-3 * *", s.runCalendarRebalance); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("0 * * * *", func() { s.cache.Sweep(time.Now()) }); err != nil {
		return err
	}
	if s.backup != nil {
		if _, err := s.cron.AddFunc("30 2 * * *", s.runBackup); err != nil {
			return err
		}
	}

	s.cron.Start()
	s.log.Info().Bool("backup", s.backup != nil).Msg("Scheduler started")
	return nil
}

// Stop halts the cron loop and waits for running jobs.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("Scheduler stopped")
}

func (s *Scheduler) runCalendarRebalance() {
	now := time.Now().UTC()
	if !isFirstTradingDay(now) {
		return
	}

	s.mu.RLock()
	portfolios := append([]string(nil), s.portfolios...)
	s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	for _, portfolioID := range portfolios {
		event, err := s.rebalancer.Trigger(ctx, portfolioID, rebalancing.TriggerOptions{
			Reason:      rebalancing.TriggerCalendar,
			TriggerDate: now.Truncate(24 * time.Hour),
		})
		if err != nil {
			var conflict *domain.ConcurrencyConflictError
			if errors.As(err, &conflict) {
				// Retryable: the next tick picks it up.
				s.log.Warn().Str("portfolio_id", portfolioID).Msg("Portfolio locked, calendar rebalance deferred")
				continue
			}
			s.log.Error().Err(err).Str("portfolio_id", portfolioID).Msg("Calendar rebalance failed")
			continue
		}
		s.log.Info().
			Str("portfolio_id", portfolioID).
			Str("event_id", event.ID).
			Str("status", string(event.Status)).
			Msg("Calendar rebalance triggered")
	}
}

func (s *Scheduler) runBackup() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	if err := s.backup.CreateAndUpload(ctx); err != nil {
		s.log.Error().Err(err).Msg("Ledger backup failed")
	}
}

// isFirstTradingDay reports whether t is the first weekday of its month.
func isFirstTradingDay(t time.Time) bool {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	if t.Day() == 1 {
		return true
	}
	// The 1st fell on a weekend: the following Monday is the first
	// trading day.
	return t.Weekday() == time.Monday && t.Day() <= 3
}
