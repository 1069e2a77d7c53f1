package rebalancing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/aristath/helmsman/internal/domain"
	"github.com/aristath/helmsman/internal/modules/allocation"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config tunes rebalancing policy. Thresholds and the cost-benefit formula
// are policy parameters, not fixed constants.
type Config struct {
	DriftThreshold    float64 // Per-strategy absolute drift that arms the drift trigger
	CostRate          float64 // Cost per unit of traded notional
	FixedCostPerOrder float64 // Flat cost per order instruction
	CostBenefitCheck  bool    // Skip rebalances whose cost outweighs the drift reduced
	CostBenefitRatio  float64 // Cost must stay below ratio × misallocated notional
	MaxRetries        int     // Consecutive failures before escalation
	MinOrderNotional  float64 // Net orders below this are dropped as dust
}

func (c *Config) applyDefaults() {
	if c.DriftThreshold <= 0 {
		c.DriftThreshold = 0.05
	}
	if c.CostRate <= 0 {
		c.CostRate = 0.001
	}
	if c.FixedCostPerOrder <= 0 {
		c.FixedCostPerOrder = 2.0
	}
	if c.CostBenefitRatio <= 0 {
		c.CostBenefitRatio = 0.1
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.MinOrderNotional <= 0 {
		c.MinOrderNotional = 1.0
	}
}

// TriggerOptions controls one trigger call.
type TriggerOptions struct {
	Force       bool      // Bypass idempotence, drift gate, and cost-benefit skip
	DryRun      bool      // Preview only: nothing persisted, nothing submitted
	TriggerDate time.Time // Zero means today (UTC, day precision)
	Reason      string    // calendar, drift, or manual (default)
}

// Service is the rebalancing engine. It owns RebalanceEvent and
// OrderInstruction lifecycle exclusively per portfolio; operations on
// different portfolios never block each other.
type Service struct {
	repo        *EventRepository
	allocations *allocation.Service
	states      domain.PortfolioStateProvider
	broker      domain.BrokerClient
	cfg         Config

	lockMu sync.Mutex
	locked map[string]bool

	log zerolog.Logger
}

// NewService creates a rebalancing service.
func NewService(repo *EventRepository, allocations *allocation.Service, states domain.PortfolioStateProvider, broker domain.BrokerClient, cfg Config, log zerolog.Logger) *Service {
	cfg.applyDefaults()
	return &Service{
		repo:        repo,
		allocations: allocations,
		states:      states,
		broker:      broker,
		cfg:         cfg,
		locked:      make(map[string]bool),
		log:         log.With().Str("service", "rebalancing").Logger(),
	}
}

// Trigger runs one rebalance attempt under the portfolio's exclusive lock.
// A second call for the same trigger date without force returns the
// existing event unchanged. Drift is always computed from the actual
// portfolio state, so partial fills from a previous event are reconciled
// before any new orders are generated.
func (s *Service) Trigger(ctx context.Context, portfolioID string, opts TriggerOptions) (*Event, error) {
	if portfolioID == "" {
		return nil, fmt.Errorf("portfolio id is required")
	}
	if opts.Reason == "" {
		opts.Reason = TriggerManual
	}
	triggerDate := opts.TriggerDate
	if triggerDate.IsZero() {
		triggerDate = time.Now().UTC().Truncate(24 * time.Hour)
	}

	if !s.tryLock(portfolioID) {
		return nil, &domain.ConcurrencyConflictError{PortfolioID: portfolioID}
	}
	defer s.unlock(portfolioID)

	escalated, err := s.repo.HasUnresolvedEscalation(portfolioID)
	if err != nil {
		return nil, fmt.Errorf("failed to check escalation state: %w", err)
	}
	if escalated && !opts.Force {
		return nil, fmt.Errorf("portfolio %s needs attention, resolve before rebalancing", portfolioID)
	}

	if existing, err := s.repo.GetByTriggerDate(portfolioID, triggerDate); err == nil {
		if !opts.Force && existing.Status != StatusFailed {
			s.log.Info().Str("portfolio_id", portfolioID).Str("event_id", existing.ID).
				Time("trigger_date", triggerDate).Msg("Trigger already handled, returning existing event")
			return existing, nil
		}
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	state, err := s.states.GetState(ctx, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("failed to load portfolio state for %s: %w", portfolioID, err)
	}

	target, diag, err := s.allocations.ComputeMasterAllocation(ctx, portfolioID)
	if err != nil {
		return nil, err
	}

	prior := state.Weights()
	now := time.Now().UTC()
	event := &Event{
		ID:               uuid.NewString(),
		PortfolioID:      portfolioID,
		TriggerDate:      triggerDate,
		Trigger:          opts.Reason,
		Status:           StatusPending,
		DryRun:           opts.DryRun,
		PriorAllocation:  prior,
		TargetAllocation: target.Weights,
		MaxDrift:         maxDrift(prior, target.Weights),
		Diagnostics:      &diag,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if opts.Reason == TriggerDrift && !opts.Force && event.MaxDrift <= s.cfg.DriftThreshold {
		event.Status = StatusSkipped
		event.SkipReason = fmt.Sprintf("max drift %.4f within threshold %.4f", event.MaxDrift, s.cfg.DriftThreshold)
		if err := s.persistNew(event, opts.DryRun); err != nil {
			return nil, err
		}
		s.log.Info().Str("portfolio_id", portfolioID).Float64("drift", event.MaxDrift).
			Msg("Rebalance skipped, drift within threshold")
		return event, nil
	}

	if err := s.persistNew(event, opts.DryRun); err != nil {
		return nil, err
	}
	if err := s.transition(event, StatusCalculating, opts.DryRun); err != nil {
		return nil, err
	}

	orders, misallocated, err := s.computeOrders(state, target.Weights)
	if err != nil {
		// Invariant violations are fatal for the event, never partially
		// submitted.
		return s.fail(event, err, opts.DryRun)
	}
	event.Orders = orders
	for _, o := range orders {
		event.CostEstimate += o.EstimatedCost
	}

	if s.cfg.CostBenefitCheck && !opts.Force {
		benefit := misallocated * s.cfg.CostBenefitRatio
		if event.CostEstimate > benefit {
			event.Status = StatusSkipped
			event.Orders = nil
			event.SkipReason = fmt.Sprintf("estimated cost %.2f exceeds drift benefit %.2f", event.CostEstimate, benefit)
			if err := s.update(event, opts.DryRun); err != nil {
				return nil, err
			}
			s.log.Info().Str("portfolio_id", portfolioID).Float64("cost", event.CostEstimate).
				Float64("benefit", benefit).Msg("Rebalance skipped, cost exceeds benefit")
			return event, nil
		}
	}

	if err := s.transition(event, StatusOrdersGenerated, opts.DryRun); err != nil {
		return nil, err
	}

	if opts.DryRun {
		s.log.Info().Str("portfolio_id", portfolioID).Int("orders", len(orders)).
			Msg("Dry-run rebalance preview generated")
		return event, nil
	}

	if len(orders) == 0 {
		event.Status = StatusCompleted
		event.SkipReason = "already at target, no orders required"
		if err := s.update(event, false); err != nil {
			return nil, err
		}
		return event, nil
	}

	if err := s.transition(event, StatusSubmitted, false); err != nil {
		return nil, err
	}

	results, err := s.broker.SubmitOrders(ctx, portfolioID, orders)
	if err != nil {
		return s.fail(event, fmt.Errorf("broker submission failed: %w", err), false)
	}
	event.Results = results

	accepted := 0
	for _, res := range results {
		if res.Accepted {
			accepted++
		}
	}
	switch {
	case accepted == len(orders):
		event.Status = StatusCompleted
	case accepted > 0:
		// The next trigger reconciles against actual fills via the state
		// provider before recomputing drift.
		event.Status = StatusPartial
	default:
		return s.fail(event, fmt.Errorf("broker rejected all %d orders", len(orders)), false)
	}

	if err := s.update(event, false); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("portfolio_id", portfolioID).
		Str("event_id", event.ID).
		Str("status", string(event.Status)).
		Int("orders", len(orders)).
		Int("accepted", accepted).
		Float64("cost_estimate", event.CostEstimate).
		Msg("Rebalance finished")

	return event, nil
}

// GetEvent returns one rebalance event by ID.
func (s *Service) GetEvent(eventID string) (*Event, error) {
	return s.repo.GetByID(eventID)
}

// Resolve clears a NEEDS_ATTENTION escalation so automatic rebalancing can
// resume.
func (s *Service) Resolve(eventID string) error {
	return s.repo.MarkResolved(eventID)
}

// computeOrders nets per-strategy required trades into one instruction per
// symbol. Each strategy's trade is spread over its current sleeve
// composition, then summed per symbol across strategies so offsetting
// trades cancel instead of washing. Returns the total misallocated
// notional for the cost-benefit decision.
func (s *Service) computeOrders(state *domain.PortfolioState, target map[string]float64) ([]domain.OrderInstruction, float64, error) {
	if state.Value <= 0 {
		return nil, 0, &domain.OrderGenerationError{Reason: fmt.Sprintf("non-positive portfolio value %.2f", state.Value)}
	}

	totalTarget := 0.0
	for id, tw := range target {
		if tw < 0 || math.IsNaN(tw) {
			return nil, 0, &domain.OrderGenerationError{Reason: fmt.Sprintf("invalid target weight %.4f for strategy %s", tw, id)}
		}
		totalTarget += tw
	}
	if totalTarget <= 0 {
		return nil, 0, &domain.OrderGenerationError{Reason: "target allocation sums to zero"}
	}

	strategies := make(map[string]bool, len(target)+len(state.Sleeves))
	for id := range target {
		strategies[id] = true
	}
	for id := range state.Sleeves {
		strategies[id] = true
	}

	net := make(map[string]float64)
	attribution := make(map[string]map[string]float64)
	misallocated := 0.0

	for id := range strategies {
		sleeve := state.Sleeves[id]
		delta := (target[id] - sleeve.Weight) * state.Value
		misallocated += math.Abs(delta)

		if len(sleeve.Holdings) == 0 {
			if math.Abs(delta) >= s.cfg.MinOrderNotional {
				s.log.Warn().Str("strategy_id", id).Float64("delta", delta).
					Msg("Sleeve has no holdings to scale, trade deferred")
			}
			continue
		}
		for sym, frac := range sleeve.Holdings {
			notional := delta * frac
			net[sym] += notional
			if attribution[sym] == nil {
				attribution[sym] = make(map[string]float64)
			}
			attribution[sym][id] += notional
		}
	}

	symbols := make([]string, 0, len(net))
	for sym := range net {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	var orders []domain.OrderInstruction
	for _, sym := range symbols {
		notional := net[sym]
		if math.Abs(notional) < s.cfg.MinOrderNotional {
			continue // Nets to dust, no wash trade
		}
		orders = append(orders, domain.OrderInstruction{
			ID:            uuid.NewString(),
			Symbol:        sym,
			Notional:      notional,
			Attribution:   attribution[sym],
			EstimatedCost: math.Abs(notional)*s.cfg.CostRate + s.cfg.FixedCostPerOrder,
		})
	}
	return orders, misallocated, nil
}

// fail records a failed event, escalating to NEEDS_ATTENTION once the
// consecutive-failure budget is spent.
func (s *Service) fail(event *Event, cause error, dryRun bool) (*Event, error) {
	event.Error = cause.Error()
	event.Status = StatusFailed

	if !dryRun {
		failures, err := s.repo.ConsecutiveFailures(event.PortfolioID)
		if err != nil {
			s.log.Error().Err(err).Str("portfolio_id", event.PortfolioID).Msg("Failed to count failures")
		} else if failures+1 >= s.cfg.MaxRetries {
			event.Status = StatusNeedsAttention
			s.log.Error().Str("portfolio_id", event.PortfolioID).Int("failures", failures+1).
				Msg("Rebalance failures exceeded retry budget, escalating")
		}
		if err := s.update(event, false); err != nil {
			return nil, err
		}
	}

	s.log.Error().Err(cause).Str("portfolio_id", event.PortfolioID).Str("event_id", event.ID).
		Str("status", string(event.Status)).Msg("Rebalance failed")
	return event, cause
}

func (s *Service) persistNew(event *Event, dryRun bool) error {
	if dryRun {
		return nil
	}
	return s.repo.Insert(event)
}

func (s *Service) transition(event *Event, status EventStatus, dryRun bool) error {
	event.Status = status
	return s.update(event, dryRun)
}

func (s *Service) update(event *Event, dryRun bool) error {
	if dryRun {
		return nil
	}
	return s.repo.Update(event)
}

func (s *Service) tryLock(portfolioID string) bool {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	if s.locked[portfolioID] {
		return false
	}
	s.locked[portfolioID] = true
	return true
}

func (s *Service) unlock(portfolioID string) {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	delete(s.locked, portfolioID)
}
