// Package universe manages point-in-time universe compositions.
package universe

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aristath/helmsman/internal/domain"
	"github.com/rs/zerolog"
)

// TurnoverPoint is one snapshot's turnover observation.
type TurnoverPoint struct {
	Date     time.Time `json:"date"`
	Turnover float64   `json:"turnover"`
}

// Timeline holds ordered, immutable universe snapshots and answers
// point-in-time membership queries. Snapshots are append-only and strictly
// increasing by effective date per universe.
type Timeline struct {
	repo      *SnapshotRepository // Optional persistence, nil for in-memory use
	snapshots map[string][]domain.UniverseSnapshot
	mu        sync.RWMutex
	log       zerolog.Logger
}

// NewTimeline creates a timeline. A nil repository keeps the timeline
// purely in memory.
func NewTimeline(repo *SnapshotRepository, log zerolog.Logger) *Timeline {
	return &Timeline{
		repo:      repo,
		snapshots: make(map[string][]domain.UniverseSnapshot),
		log:       log.With().Str("component", "universe_timeline").Logger(),
	}
}

// Load hydrates the timeline from the snapshot repository.
func (t *Timeline) Load() error {
	if t.repo == nil {
		return nil
	}

	universes, err := t.repo.ListUniverses()
	if err != nil {
		return fmt.Errorf("failed to list universes: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, id := range universes {
		snaps, err := t.repo.GetByUniverse(id)
		if err != nil {
			return fmt.Errorf("failed to load snapshots for %s: %w", id, err)
		}
		t.snapshots[id] = snaps
	}

	t.log.Info().Int("universes", len(universes)).Msg("Timeline loaded")
	return nil
}

// Sync pulls snapshots from the upstream universe service, appending any
// newer than the latest already known.
func (t *Timeline) Sync(ctx context.Context, svc domain.UniverseService, universeID string) error {
	snaps, err := svc.GetSnapshots(ctx, universeID)
	if err != nil {
		return fmt.Errorf("failed to fetch snapshots for %s: %w", universeID, err)
	}

	for _, s := range snaps {
		latest, ok := t.latest(universeID)
		if ok && !s.EffectiveDate.After(latest.EffectiveDate) {
			continue
		}
		if _, err := t.AddSnapshot(s.UniverseID, s.EffectiveDate, s.Members, s.Criteria); err != nil {
			return err
		}
	}
	return nil
}

// AddSnapshot appends a snapshot. It fails with UniverseIntegrityError if
// the date is not strictly after the latest existing snapshot, and computes
// turnover relative to the previous composition (0 if none exists).
func (t *Timeline) AddSnapshot(universeID string, date time.Time, members []string, criteria domain.ScreeningCriteria) (*domain.UniverseSnapshot, error) {
	if universeID == "" {
		return nil, &domain.UniverseIntegrityError{UniverseID: universeID, Date: date, Reason: "empty universe id"}
	}
	if len(members) == 0 {
		return nil, &domain.UniverseIntegrityError{UniverseID: universeID, Date: date, Reason: "empty member set"}
	}
	if err := criteria.Validate(); err != nil {
		return nil, &domain.UniverseIntegrityError{UniverseID: universeID, Date: date, Reason: err.Error()}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	existing := t.snapshots[universeID]
	snap := domain.UniverseSnapshot{
		UniverseID:    universeID,
		EffectiveDate: date,
		Members:       domain.NormalizeMembers(append([]string(nil), members...)),
		Criteria:      criteria,
	}

	if len(existing) > 0 {
		prev := existing[len(existing)-1]
		if !date.After(prev.EffectiveDate) {
			return nil, &domain.UniverseIntegrityError{
				UniverseID: universeID,
				Date:       date,
				Reason: fmt.Sprintf("snapshot date must be after latest %s",
					prev.EffectiveDate.Format("2006-01-02")),
			}
		}
		snap.TurnoverRate = turnover(prev.Members, snap.Members)
	}

	if t.repo != nil {
		if err := t.repo.Insert(snap); err != nil {
			return nil, fmt.Errorf("failed to persist snapshot: %w", err)
		}
	}

	t.snapshots[universeID] = append(existing, snap)

	t.log.Debug().
		Str("universe", universeID).
		Time("date", date).
		Int("members", len(snap.Members)).
		Float64("turnover", snap.TurnoverRate).
		Msg("Snapshot added")

	return &snap, nil
}

// CompositionAt returns the latest snapshot with effective date <= date.
// Fails with domain.ErrNotFound when the date precedes universe inception.
func (t *Timeline) CompositionAt(universeID string, date time.Time) (*domain.UniverseSnapshot, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snaps := t.snapshots[universeID]
	if len(snaps) == 0 {
		return nil, fmt.Errorf("universe %s: %w", universeID, domain.ErrNotFound)
	}

	// First index with effective date strictly after the query date
	idx := sort.Search(len(snaps), func(i int) bool {
		return snaps[i].EffectiveDate.After(date)
	})
	if idx == 0 {
		return nil, fmt.Errorf("universe %s has no composition at %s: %w",
			universeID, date.Format("2006-01-02"), domain.ErrNotFound)
	}

	snap := snaps[idx-1]
	return &snap, nil
}

// MembersInRange returns the union of members across every snapshot active
// during [start, end], including the composition already in force at start.
// Used to size complete datasets so no asset that was ever a member is
// missed.
func (t *Timeline) MembersInRange(universeID string, start, end time.Time) ([]string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snaps := t.snapshots[universeID]
	if len(snaps) == 0 {
		return nil, fmt.Errorf("universe %s: %w", universeID, domain.ErrNotFound)
	}

	union := make(map[string]bool)
	for _, s := range snaps {
		inRange := !s.EffectiveDate.Before(start) && !s.EffectiveDate.After(end)
		inForceAtStart := s.EffectiveDate.Before(start) && t.isLatestBefore(snaps, s, start)
		if !inRange && !inForceAtStart {
			continue
		}
		for _, m := range s.Members {
			union[m] = true
		}
	}

	if len(union) == 0 {
		return nil, fmt.Errorf("universe %s has no members in range: %w", universeID, domain.ErrNotFound)
	}

	members := make([]string, 0, len(union))
	for m := range union {
		members = append(members, m)
	}
	sort.Strings(members)
	return members, nil
}

// Turnover returns the turnover series for a universe.
func (t *Timeline) Turnover(universeID string) []TurnoverPoint {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snaps := t.snapshots[universeID]
	out := make([]TurnoverPoint, len(snaps))
	for i, s := range snaps {
		out[i] = TurnoverPoint{Date: s.EffectiveDate, Turnover: s.TurnoverRate}
	}
	return out
}

// Universes returns the known universe IDs.
func (t *Timeline) Universes() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]string, 0, len(t.snapshots))
	for id := range t.snapshots {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (t *Timeline) latest(universeID string) (domain.UniverseSnapshot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snaps := t.snapshots[universeID]
	if len(snaps) == 0 {
		return domain.UniverseSnapshot{}, false
	}
	return snaps[len(snaps)-1], true
}

// isLatestBefore reports whether s is the latest snapshot before cutoff.
func (t *Timeline) isLatestBefore(snaps []domain.UniverseSnapshot, s domain.UniverseSnapshot, cutoff time.Time) bool {
	var latest *domain.UniverseSnapshot
	for i := range snaps {
		if snaps[i].EffectiveDate.Before(cutoff) {
			latest = &snaps[i]
		}
	}
	return latest != nil && latest.EffectiveDate.Equal(s.EffectiveDate)
}

// turnover computes |symmetric difference| / |union| for two sorted member
// lists. Result is in [0, 1].
func turnover(prev, curr []string) float64 {
	prevSet := make(map[string]bool, len(prev))
	for _, m := range prev {
		prevSet[m] = true
	}

	union := len(prev)
	symdiff := 0
	for _, m := range curr {
		if prevSet[m] {
			delete(prevSet, m)
		} else {
			union++
			symdiff++
		}
	}
	symdiff += len(prevSet) // Members removed since prev

	if union == 0 {
		return 0
	}
	return float64(symdiff) / float64(union)
}
