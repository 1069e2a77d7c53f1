package backtest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aristath/helmsman/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RunView is a poll-safe snapshot of one run.
type RunView struct {
	RunID  string    `json:"run_id"`
	Status RunStatus `json:"status"`
	Result *Result   `json:"result,omitempty"` // Set once the run reaches a terminal state
	Error  string    `json:"error,omitempty"`
}

type runHandle struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	status RunStatus
	result *Result
	err    error
}

// Runner tracks backtest runs by ID so long runs can be started, polled,
// and cancelled independently of any request lifecycle.
type Runner struct {
	engine   *Engine
	defaults Options

	mu   sync.RWMutex
	runs map[string]*runHandle

	log zerolog.Logger
}

// NewRunner creates a run registry around an engine. Policy fields left at
// zero on submitted options fall back to defaults before the built-in ones
// apply, so configured data-quality knobs reach every run.
func NewRunner(engine *Engine, defaults Options, log zerolog.Logger) *Runner {
	return &Runner{
		engine:   engine,
		defaults: defaults,
		runs:     make(map[string]*runHandle),
		log:      log.With().Str("component", "backtest_runner").Logger(),
	}
}

// Start launches a run in the background and returns its ID immediately.
func (r *Runner) Start(opts Options) string {
	opts = r.withDefaults(opts)
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	h := &runHandle{cancel: cancel, status: StatusInitializing}

	r.mu.Lock()
	r.runs[id] = h
	r.mu.Unlock()

	r.log.Info().Str("run_id", id).Str("strategy", opts.StrategyID).Str("universe", opts.UniverseID).
		Msg("Backtest run started")

	go func() {
		defer cancel()

		h.mu.Lock()
		h.status = StatusSimulating
		h.mu.Unlock()

		result, err := r.engine.Run(ctx, id, opts)

		h.mu.Lock()
		defer h.mu.Unlock()
		h.result = result
		h.err = err
		switch {
		case result != nil:
			h.status = result.Status
		case errors.Is(err, context.Canceled):
			h.status = StatusCancelled
		default:
			h.status = StatusAborted
		}
	}()

	return id
}

func (r *Runner) withDefaults(opts Options) Options {
	if opts.PeriodDays == 0 {
		opts.PeriodDays = r.defaults.PeriodDays
	}
	if opts.CostRate == 0 {
		opts.CostRate = r.defaults.CostRate
	}
	if opts.TransitionPenalty == 0 {
		opts.TransitionPenalty = r.defaults.TransitionPenalty
	}
	if opts.MaxStalePeriods == 0 {
		opts.MaxStalePeriods = r.defaults.MaxStalePeriods
	}
	if opts.MaxGapFraction == 0 {
		opts.MaxGapFraction = r.defaults.MaxGapFraction
	}
	return opts
}

// Get returns the current view of a run.
func (r *Runner) Get(id string) (*RunView, error) {
	r.mu.RLock()
	h, ok := r.runs[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, domain.ErrNotFound)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	view := &RunView{RunID: id, Status: h.status}
	if h.status == StatusCompleted || h.status == StatusAborted || h.status == StatusCancelled {
		view.Result = h.result
	}
	if h.err != nil {
		view.Error = h.err.Error()
	}
	return view, nil
}

// Cancel requests cancellation of a run. The run stops at the next period
// boundary with its completed periods intact.
func (r *Runner) Cancel(id string) error {
	r.mu.RLock()
	h, ok := r.runs[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("run %s: %w", id, domain.ErrNotFound)
	}

	h.cancel()
	r.log.Info().Str("run_id", id).Msg("Backtest run cancellation requested")
	return nil
}

// Active returns the number of runs not yet in a terminal state.
func (r *Runner) Active() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	active := 0
	for _, h := range r.runs {
		h.mu.Lock()
		if h.status == StatusInitializing || h.status == StatusSimulating {
			active++
		}
		h.mu.Unlock()
	}
	return active
}
