package rebalancing

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/helmsman/internal/domain"
	"github.com/aristath/helmsman/internal/modules/allocation"
	"github.com/rs/zerolog"
)

// EventRepository persists rebalance events in the ledger database. Events
// are the audit trail for real-money decisions; terminal events are never
// rewritten.
type EventRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewEventRepository creates a new event repository
func NewEventRepository(db *sql.DB, log zerolog.Logger) *EventRepository {
	return &EventRepository{
		db:  db,
		log: log.With().Str("repository", "rebalance_events").Logger(),
	}
}

// InitSchema creates the events table if needed
func (r *EventRepository) InitSchema() error {
	_, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS rebalance_events (
			id                TEXT PRIMARY KEY,
			portfolio_id      TEXT NOT NULL,
			trigger_date      INTEGER NOT NULL,
			trigger_reason    TEXT NOT NULL,
			status            TEXT NOT NULL,
			prior_allocation  TEXT NOT NULL,
			target_allocation TEXT NOT NULL,
			orders            TEXT NOT NULL DEFAULT '[]',
			results           TEXT NOT NULL DEFAULT '[]',
			max_drift         REAL NOT NULL DEFAULT 0,
			cost_estimate     REAL NOT NULL DEFAULT 0,
			diagnostics       TEXT,
			skip_reason       TEXT NOT NULL DEFAULT '',
			error             TEXT NOT NULL DEFAULT '',
			created_at        INTEGER NOT NULL,
			updated_at        INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create rebalance_events table: %w", err)
	}

	_, err = r.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_rebalance_events_portfolio
			ON rebalance_events (portfolio_id, trigger_date)
	`)
	if err != nil {
		return fmt.Errorf("failed to create rebalance_events index: %w", err)
	}
	return nil
}

// Insert stores a new event.
func (r *EventRepository) Insert(e *Event) error {
	prior, target, orders, results, diagnostics, err := marshalEvent(e)
	if err != nil {
		return err
	}

	_, err = r.db.Exec(`
		INSERT INTO rebalance_events
			(id, portfolio_id, trigger_date, trigger_reason, status, prior_allocation,
			 target_allocation, orders, results, max_drift, cost_estimate,
			 diagnostics, skip_reason, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.PortfolioID, e.TriggerDate.Unix(), e.Trigger, string(e.Status),
		prior, target, orders, results, e.MaxDrift, e.CostEstimate,
		diagnostics, e.SkipReason, e.Error, e.CreatedAt.Unix(), e.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert event %s: %w", e.ID, err)
	}
	return nil
}

// Update rewrites a non-terminal event. Updating an event already in a
// terminal status is refused to keep the ledger immutable.
func (r *EventRepository) Update(e *Event) error {
	existing, err := r.GetByID(e.ID)
	if err != nil {
		return err
	}
	if existing.Status.IsTerminal() {
		return fmt.Errorf("event %s is terminal (%s), refusing update", e.ID, existing.Status)
	}

	prior, target, orders, results, diagnostics, err := marshalEvent(e)
	if err != nil {
		return err
	}
	e.UpdatedAt = time.Now().UTC()

	_, err = r.db.Exec(`
		UPDATE rebalance_events
		SET status = ?, prior_allocation = ?, target_allocation = ?, orders = ?,
		    results = ?, max_drift = ?, cost_estimate = ?, diagnostics = ?,
		    skip_reason = ?, error = ?, updated_at = ?
		WHERE id = ?
	`, string(e.Status), prior, target, orders, results, e.MaxDrift,
		e.CostEstimate, diagnostics, e.SkipReason, e.Error, e.UpdatedAt.Unix(), e.ID)
	if err != nil {
		return fmt.Errorf("failed to update event %s: %w", e.ID, err)
	}
	return nil
}

// GetByID returns one event.
func (r *EventRepository) GetByID(id string) (*Event, error) {
	row := r.db.QueryRow(selectColumns+` WHERE id = ?`, id)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event %s: %w", id, domain.ErrNotFound)
	}
	return e, err
}

// GetByTriggerDate returns the most recent event for (portfolio, trigger
// date), or ErrNotFound.
func (r *EventRepository) GetByTriggerDate(portfolioID string, triggerDate time.Time) (*Event, error) {
	row := r.db.QueryRow(selectColumns+`
		WHERE portfolio_id = ? AND trigger_date = ?
		ORDER BY created_at DESC, rowid DESC LIMIT 1
	`, portfolioID, triggerDate.Unix())
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no event for %s at %s: %w",
			portfolioID, triggerDate.Format("2006-01-02"), domain.ErrNotFound)
	}
	return e, err
}

// ListByPortfolio returns events for a portfolio, newest first.
func (r *EventRepository) ListByPortfolio(portfolioID string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(selectColumns+`
		WHERE portfolio_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT ?
	`, portfolioID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ConsecutiveFailures counts FAILED events since the last non-failed event
// for a portfolio.
func (r *EventRepository) ConsecutiveFailures(portfolioID string) (int, error) {
	events, err := r.ListByPortfolio(portfolioID, 50)
	if err != nil {
		return 0, err
	}

	failures := 0
	for _, e := range events {
		switch e.Status {
		case StatusFailed:
			failures++
		case StatusNeedsAttention:
			continue // Escalation markers don't reset the streak
		case StatusPending, StatusCalculating, StatusOrdersGenerated, StatusSubmitted:
			continue // In-flight attempts don't reset it either
		default:
			return failures, nil
		}
	}
	return failures, nil
}

// HasUnresolvedEscalation reports whether the portfolio has a
// NEEDS_ATTENTION event not yet manually resolved. Resolution is recorded
// as a later event for the portfolio.
func (r *EventRepository) HasUnresolvedEscalation(portfolioID string) (bool, error) {
	events, err := r.ListByPortfolio(portfolioID, 1)
	if err != nil {
		return false, err
	}
	return len(events) > 0 && events[0].Status == StatusNeedsAttention, nil
}

// MarkResolved clears a NEEDS_ATTENTION escalation. This is the single
// allowed mutation of a terminal event, and only along that one edge.
func (r *EventRepository) MarkResolved(id string) error {
	res, err := r.db.Exec(`
		UPDATE rebalance_events SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, string(StatusResolved), time.Now().UTC().Unix(), id, string(StatusNeedsAttention))
	if err != nil {
		return fmt.Errorf("failed to resolve event %s: %w", id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to resolve event %s: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("event %s is not awaiting attention", id)
	}

	r.log.Info().Str("event_id", id).Msg("Escalation resolved")
	return nil
}

const selectColumns = `
	SELECT id, portfolio_id, trigger_date, trigger_reason, status, prior_allocation,
	       target_allocation, orders, results, max_drift, cost_estimate,
	       diagnostics, skip_reason, error, created_at, updated_at
	FROM rebalance_events`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*Event, error) {
	var (
		e                                     Event
		triggerUnix, createdUnix, updatedUnix int64
		status                                string
		prior, target, orders, results        string
		diagnostics                           sql.NullString
	)
	err := row.Scan(&e.ID, &e.PortfolioID, &triggerUnix, &e.Trigger, &status,
		&prior, &target, &orders, &results, &e.MaxDrift, &e.CostEstimate,
		&diagnostics, &e.SkipReason, &e.Error, &createdUnix, &updatedUnix)
	if err != nil {
		return nil, err
	}

	e.Status = EventStatus(status)
	e.TriggerDate = time.Unix(triggerUnix, 0).UTC()
	e.CreatedAt = time.Unix(createdUnix, 0).UTC()
	e.UpdatedAt = time.Unix(updatedUnix, 0).UTC()

	if err := json.Unmarshal([]byte(prior), &e.PriorAllocation); err != nil {
		return nil, fmt.Errorf("failed to unmarshal prior allocation: %w", err)
	}
	if err := json.Unmarshal([]byte(target), &e.TargetAllocation); err != nil {
		return nil, fmt.Errorf("failed to unmarshal target allocation: %w", err)
	}
	if err := json.Unmarshal([]byte(orders), &e.Orders); err != nil {
		return nil, fmt.Errorf("failed to unmarshal orders: %w", err)
	}
	if err := json.Unmarshal([]byte(results), &e.Results); err != nil {
		return nil, fmt.Errorf("failed to unmarshal results: %w", err)
	}
	if diagnostics.Valid && diagnostics.String != "" {
		e.Diagnostics = &allocation.Diagnostics{}
		if err := json.Unmarshal([]byte(diagnostics.String), e.Diagnostics); err != nil {
			return nil, fmt.Errorf("failed to unmarshal diagnostics: %w", err)
		}
	}
	return &e, nil
}

func marshalEvent(e *Event) (prior, target, orders, results string, diagnostics sql.NullString, err error) {
	marshal := func(v any, what string) (string, error) {
		b, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("failed to marshal %s: %w", what, err)
		}
		return string(b), nil
	}

	if prior, err = marshal(orEmptyMap(e.PriorAllocation), "prior allocation"); err != nil {
		return
	}
	if target, err = marshal(orEmptyMap(e.TargetAllocation), "target allocation"); err != nil {
		return
	}
	if orders, err = marshal(orEmptyOrders(e.Orders), "orders"); err != nil {
		return
	}
	if results, err = marshal(orEmptyResults(e.Results), "results"); err != nil {
		return
	}
	if e.Diagnostics != nil {
		var d string
		if d, err = marshal(e.Diagnostics, "diagnostics"); err != nil {
			return
		}
		diagnostics = sql.NullString{String: d, Valid: true}
	}
	return
}

func orEmptyMap(m map[string]float64) map[string]float64 {
	if m == nil {
		return map[string]float64{}
	}
	return m
}

func orEmptyOrders(o []domain.OrderInstruction) []domain.OrderInstruction {
	if o == nil {
		return []domain.OrderInstruction{}
	}
	return o
}

func orEmptyResults(r []domain.OrderResult) []domain.OrderResult {
	if r == nil {
		return []domain.OrderResult{}
	}
	return r
}
