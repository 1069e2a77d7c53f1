package rebalancing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aristath/helmsman/internal/domain"
	"github.com/aristath/helmsman/internal/modules/allocation"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

var testDBCounter int

// newTestRepo opens a uniquely named shared in-memory ledger for one test.
func newTestRepo(t *testing.T) *EventRepository {
	t.Helper()

	testDBCounter++
	dsn := fmt.Sprintf("file:rebalancing_test_%d?mode=memory&cache=shared", testDBCounter)
	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repo := NewEventRepository(db, zerolog.Nop())
	require.NoError(t, repo.InitSchema())
	return repo
}

type fakeStates struct {
	state *domain.PortfolioState
	err   error
}

func (f *fakeStates) GetState(ctx context.Context, portfolioID string) (*domain.PortfolioState, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.state, nil
}

type fakeBroker struct {
	calls   int
	rejects map[string]bool // Symbols to reject
	err     error
}

func (f *fakeBroker) SubmitOrders(ctx context.Context, portfolioID string, orders []domain.OrderInstruction) ([]domain.OrderResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]domain.OrderResult, len(orders))
	for i, o := range orders {
		if f.rejects[o.Symbol] {
			out[i] = domain.OrderResult{OrderID: o.ID, Accepted: false, Reason: "rejected"}
			continue
		}
		out[i] = domain.OrderResult{OrderID: o.ID, Accepted: true, Filled: o.Notional}
	}
	return out, nil
}

type fakePerformance struct {
	history map[string]domain.ReturnSeries
}

func (f *fakePerformance) ReturnHistory(ctx context.Context, portfolioID string, lookback int) (map[string]domain.ReturnSeries, error) {
	return f.history, nil
}

func flatSeries(n int, value float64) domain.ReturnSeries {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make(domain.ReturnSeries, n)
	for i := range out {
		v := value
		if i%2 == 1 {
			v = -value
		}
		out[i] = domain.ReturnPoint{Date: base.AddDate(0, 0, i), Return: v}
	}
	return out
}

// newEqualTargetAllocations yields a 0.50/0.50 target for strategies a and b.
func newEqualTargetAllocations() *allocation.Service {
	source := &fakePerformance{history: map[string]domain.ReturnSeries{
		"a": flatSeries(40, 0.01),
		"b": flatSeries(40, 0.01),
	}}
	return allocation.NewService(source, allocation.EqualWeightAllocator{}, allocation.DefaultConstraints(0.5), 40, zerolog.Nop())
}

func stateWithWeights(wa, wb float64) *domain.PortfolioState {
	return &domain.PortfolioState{
		PortfolioID: "master-1",
		AsOf:        time.Now().UTC(),
		Value:       100000,
		Sleeves: map[string]domain.Sleeve{
			"a": {Weight: wa, Holdings: map[string]float64{"AAA": 1.0}},
			"b": {Weight: wb, Holdings: map[string]float64{"BBB": 1.0}},
		},
	}
}

func newTestService(t *testing.T, states domain.PortfolioStateProvider, broker domain.BrokerClient, cfg Config) *Service {
	t.Helper()
	return NewService(newTestRepo(t), newEqualTargetAllocations(), states, broker, cfg, zerolog.Nop())
}

func triggerDate() time.Time {
	return time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
}

func TestTrigger_DriftThreshold(t *testing.T) {
	tests := []struct {
		name       string
		current    *domain.PortfolioState
		wantStatus EventStatus
	}{
		{"drift above threshold triggers", stateWithWeights(0.56, 0.44), StatusCompleted},
		{"drift within threshold skips", stateWithWeights(0.54, 0.46), StatusSkipped},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			broker := &fakeBroker{}
			svc := newTestService(t, &fakeStates{state: tt.current}, broker, Config{DriftThreshold: 0.05})

			event, err := svc.Trigger(context.Background(), "master-1", TriggerOptions{
				Reason:      TriggerDrift,
				TriggerDate: triggerDate(),
			})
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, event.Status)
			if tt.wantStatus == StatusSkipped {
				assert.Empty(t, event.Orders)
				assert.Equal(t, 0, broker.calls)
				assert.NotEmpty(t, event.SkipReason)
			}
		})
	}
}

func TestTrigger_IdempotentPerTriggerDate(t *testing.T) {
	svc := newTestService(t, &fakeStates{state: stateWithWeights(0.6, 0.4)}, &fakeBroker{}, Config{})

	first, err := svc.Trigger(context.Background(), "master-1", TriggerOptions{TriggerDate: triggerDate()})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, first.Status)

	second, err := svc.Trigger(context.Background(), "master-1", TriggerOptions{TriggerDate: triggerDate()})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "same trigger date returns the existing event")
	assert.Equal(t, len(first.Orders), len(second.Orders), "no duplicate orders generated")

	forced, err := svc.Trigger(context.Background(), "master-1", TriggerOptions{TriggerDate: triggerDate(), Force: true})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, forced.ID, "force bypasses idempotence")
}

func TestTrigger_NetsOrdersAcrossStrategies(t *testing.T) {
	// Both sleeves hold the same underlying: strategy a must shed 10,000 of
	// XXX while strategy b adds 4,000, so the net order is a 6,000 sell.
	state := &domain.PortfolioState{
		PortfolioID: "master-1",
		Value:       100000,
		Sleeves: map[string]domain.Sleeve{
			"a": {Weight: 0.60, Holdings: map[string]float64{"XXX": 1.0}},
			"b": {Weight: 0.46, Holdings: map[string]float64{"XXX": 1.0}},
		},
	}
	svc := newTestService(t, &fakeStates{state: state}, &fakeBroker{}, Config{})

	event, err := svc.Trigger(context.Background(), "master-1", TriggerOptions{TriggerDate: triggerDate()})
	require.NoError(t, err)

	require.Len(t, event.Orders, 1, "offsetting trades net into a single instruction")
	order := event.Orders[0]
	assert.Equal(t, "XXX", order.Symbol)
	assert.InDelta(t, -6000, order.Notional, 1e-6)
	assert.Equal(t, "SELL", order.Side())
	assert.InDelta(t, -10000, order.Attribution["a"], 1e-6)
	assert.InDelta(t, 4000, order.Attribution["b"], 1e-6)
	assert.Greater(t, order.EstimatedCost, 0.0)
}

func TestTrigger_DryRunPersistsNothing(t *testing.T) {
	broker := &fakeBroker{}
	svc := newTestService(t, &fakeStates{state: stateWithWeights(0.6, 0.4)}, broker, Config{})

	preview, err := svc.Trigger(context.Background(), "master-1", TriggerOptions{TriggerDate: triggerDate(), DryRun: true})
	require.NoError(t, err)

	assert.Equal(t, StatusOrdersGenerated, preview.Status)
	assert.NotEmpty(t, preview.Orders)
	assert.Equal(t, 0, broker.calls, "dry run never submits")

	_, err = svc.GetEvent(preview.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound, "dry run leaves no ledger entry")

	// The trigger date is still claimable by a real run.
	real, err := svc.Trigger(context.Background(), "master-1", TriggerOptions{TriggerDate: triggerDate()})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, real.Status)
}

func TestTrigger_PartialExecution(t *testing.T) {
	broker := &fakeBroker{rejects: map[string]bool{"BBB": true}}
	svc := newTestService(t, &fakeStates{state: stateWithWeights(0.6, 0.4)}, broker, Config{})

	event, err := svc.Trigger(context.Background(), "master-1", TriggerOptions{TriggerDate: triggerDate()})
	require.NoError(t, err)

	assert.Equal(t, StatusPartial, event.Status)
	require.Len(t, event.Results, 2)

	accepted := 0
	for _, res := range event.Results {
		if res.Accepted {
			accepted++
		}
	}
	assert.Equal(t, 1, accepted, "the accepted subset is retained for reconciliation")
}

func TestTrigger_LockContention(t *testing.T) {
	svc := newTestService(t, &fakeStates{state: stateWithWeights(0.6, 0.4)}, &fakeBroker{}, Config{})

	require.True(t, svc.tryLock("master-1"))
	defer svc.unlock("master-1")

	_, err := svc.Trigger(context.Background(), "master-1", TriggerOptions{TriggerDate: triggerDate()})

	var conflict *domain.ConcurrencyConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "master-1", conflict.PortfolioID)
	assert.True(t, domain.IsRetryable(err))
}

func TestTrigger_FailureEscalation(t *testing.T) {
	broker := &fakeBroker{err: errors.New("broker down")}
	svc := newTestService(t, &fakeStates{state: stateWithWeights(0.6, 0.4)}, broker, Config{MaxRetries: 2})

	day := triggerDate()
	first, err := svc.Trigger(context.Background(), "master-1", TriggerOptions{TriggerDate: day})
	require.Error(t, err)
	assert.Equal(t, StatusFailed, first.Status)

	// Failed events allow a retry on the same trigger date; the second
	// failure exhausts the budget and escalates.
	second, err := svc.Trigger(context.Background(), "master-1", TriggerOptions{TriggerDate: day})
	require.Error(t, err)
	assert.Equal(t, StatusNeedsAttention, second.Status)

	// Escalation blocks further automatic triggers until resolved.
	_, err = svc.Trigger(context.Background(), "master-1", TriggerOptions{TriggerDate: day.AddDate(0, 0, 1)})
	require.ErrorContains(t, err, "needs attention")

	require.NoError(t, svc.Resolve(second.ID))
	broker.err = nil
	recovered, err := svc.Trigger(context.Background(), "master-1", TriggerOptions{TriggerDate: day.AddDate(0, 0, 1)})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, recovered.Status)
}

func TestTrigger_CostBenefitSkip(t *testing.T) {
	// Tiny drift on a tiny portfolio: fixed per-order costs dwarf the
	// misallocated notional.
	state := &domain.PortfolioState{
		PortfolioID: "master-1",
		Value:       1000,
		Sleeves: map[string]domain.Sleeve{
			"a": {Weight: 0.53, Holdings: map[string]float64{"AAA": 1.0}},
			"b": {Weight: 0.47, Holdings: map[string]float64{"BBB": 1.0}},
		},
	}
	svc := newTestService(t, &fakeStates{state: state}, &fakeBroker{}, Config{
		CostBenefitCheck:  true,
		FixedCostPerOrder: 10,
	})

	event, err := svc.Trigger(context.Background(), "master-1", TriggerOptions{TriggerDate: triggerDate()})
	require.NoError(t, err)

	assert.Equal(t, StatusSkipped, event.Status)
	assert.Empty(t, event.Orders)
	assert.Contains(t, event.SkipReason, "exceeds drift benefit")
}

func TestTrigger_InvalidPortfolioValue(t *testing.T) {
	state := &domain.PortfolioState{PortfolioID: "master-1", Value: 0}
	svc := newTestService(t, &fakeStates{state: state}, &fakeBroker{}, Config{})

	event, err := svc.Trigger(context.Background(), "master-1", TriggerOptions{TriggerDate: triggerDate()})

	var genErr *domain.OrderGenerationError
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, StatusFailed, event.Status)
}

func TestEventRepository_TerminalEventsImmutable(t *testing.T) {
	repo := newTestRepo(t)

	event := &Event{
		ID:               "evt-1",
		PortfolioID:      "master-1",
		TriggerDate:      triggerDate(),
		Trigger:          TriggerManual,
		Status:           StatusCompleted,
		PriorAllocation:  map[string]float64{"a": 0.6},
		TargetAllocation: map[string]float64{"a": 0.5},
		CreatedAt:        time.Now().UTC(),
		UpdatedAt:        time.Now().UTC(),
	}
	require.NoError(t, repo.Insert(event))

	event.Status = StatusFailed
	err := repo.Update(event)
	require.ErrorContains(t, err, "terminal")
}

func TestEventRepository_RoundTrip(t *testing.T) {
	repo := newTestRepo(t)

	event := &Event{
		ID:               "evt-1",
		PortfolioID:      "master-1",
		TriggerDate:      triggerDate(),
		Trigger:          TriggerCalendar,
		Status:           StatusPartial,
		PriorAllocation:  map[string]float64{"a": 0.6, "b": 0.4},
		TargetAllocation: map[string]float64{"a": 0.5, "b": 0.5},
		Orders: []domain.OrderInstruction{
			{ID: "ord-1", Symbol: "AAA", Notional: -6000, Attribution: map[string]float64{"a": -10000, "b": 4000}, EstimatedCost: 8},
		},
		Results:      []domain.OrderResult{{OrderID: "ord-1", Accepted: true, Filled: -6000}},
		MaxDrift:     0.1,
		CostEstimate: 8,
		Diagnostics:  &allocation.Diagnostics{Allocator: "risk_parity", Converged: true, Iterations: 12},
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
		UpdatedAt:    time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, repo.Insert(event))

	got, err := repo.GetByID("evt-1")
	require.NoError(t, err)
	assert.Equal(t, event.PortfolioID, got.PortfolioID)
	assert.Equal(t, event.TriggerDate, got.TriggerDate)
	assert.Equal(t, event.Orders, got.Orders)
	assert.Equal(t, event.Results, got.Results)
	assert.Equal(t, event.Diagnostics, got.Diagnostics)

	byDate, err := repo.GetByTriggerDate("master-1", triggerDate())
	require.NoError(t, err)
	assert.Equal(t, "evt-1", byDate.ID)
}
