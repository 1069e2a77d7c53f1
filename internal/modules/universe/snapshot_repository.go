package universe

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aristath/helmsman/internal/domain"
	"github.com/rs/zerolog"
)

// SnapshotRepository persists universe snapshots in SQLite.
type SnapshotRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewSnapshotRepository creates a new snapshot repository
func NewSnapshotRepository(db *sql.DB, log zerolog.Logger) *SnapshotRepository {
	return &SnapshotRepository{
		db:  db,
		log: log.With().Str("repository", "snapshots").Logger(),
	}
}

// InitSchema creates the snapshots table if needed
func (r *SnapshotRepository) InitSchema() error {
	_, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS universe_snapshots (
			universe_id    TEXT NOT NULL,
			effective_date INTEGER NOT NULL,
			members        TEXT NOT NULL,
			criteria       TEXT NOT NULL,
			turnover_rate  REAL NOT NULL DEFAULT 0,
			PRIMARY KEY (universe_id, effective_date)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create universe_snapshots table: %w", err)
	}
	return nil
}

// Insert stores a snapshot. Snapshots are immutable: conflicting inserts fail.
func (r *SnapshotRepository) Insert(snap domain.UniverseSnapshot) error {
	members, err := json.Marshal(snap.Members)
	if err != nil {
		return fmt.Errorf("failed to marshal members: %w", err)
	}
	criteria, err := json.Marshal(snap.Criteria)
	if err != nil {
		return fmt.Errorf("failed to marshal criteria: %w", err)
	}

	_, err = r.db.Exec(`
		INSERT INTO universe_snapshots (universe_id, effective_date, members, criteria, turnover_rate)
		VALUES (?, ?, ?, ?, ?)
	`, snap.UniverseID, snap.EffectiveDate.Unix(), string(members), string(criteria), snap.TurnoverRate)
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return nil
}

// GetByUniverse returns all snapshots for a universe ordered by date.
func (r *SnapshotRepository) GetByUniverse(universeID string) ([]domain.UniverseSnapshot, error) {
	rows, err := r.db.Query(`
		SELECT universe_id, effective_date, members, criteria, turnover_rate
		FROM universe_snapshots
		WHERE universe_id = ?
		ORDER BY effective_date ASC
	`, universeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []domain.UniverseSnapshot
	for rows.Next() {
		var (
			snap          domain.UniverseSnapshot
			effectiveUnix int64
			membersJSON   string
			criteriaJSON  string
		)
		if err := rows.Scan(&snap.UniverseID, &effectiveUnix, &membersJSON, &criteriaJSON, &snap.TurnoverRate); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snap.EffectiveDate = time.Unix(effectiveUnix, 0).UTC()
		if err := json.Unmarshal([]byte(membersJSON), &snap.Members); err != nil {
			return nil, fmt.Errorf("failed to unmarshal members: %w", err)
		}
		if err := json.Unmarshal([]byte(criteriaJSON), &snap.Criteria); err != nil {
			return nil, fmt.Errorf("failed to unmarshal criteria: %w", err)
		}
		snaps = append(snaps, snap)
	}

	return snaps, rows.Err()
}

// ListUniverses returns the distinct universe IDs present in the store.
func (r *SnapshotRepository) ListUniverses() ([]string, error) {
	rows, err := r.db.Query(`SELECT DISTINCT universe_id FROM universe_snapshots ORDER BY universe_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list universes: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan universe id: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}
