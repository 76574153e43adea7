package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/judge-consensus/internal/config"
	"github.com/ZanzyTHEbar/judge-consensus/internal/errors"
	"github.com/ZanzyTHEbar/judge-consensus/internal/evaluator"
	"github.com/ZanzyTHEbar/judge-consensus/internal/monitoring"
	"github.com/ZanzyTHEbar/judge-consensus/internal/types"
)

// TransitionHook is notified after every availability level change
type TransitionHook func(types.AvailabilityTransition)

type trackedEvaluator struct {
	mu    sync.Mutex
	state types.AvailabilityState
}

// AvailabilityTracker keeps per evaluator live/degraded/down status.
// Consecutive failures degrade an evaluator and then take it down; a
// success heals Degraded, only a probe brings a Down evaluator back.
type AvailabilityTracker struct {
	degradedAfter int
	downAfter     int
	probeTimeout  time.Duration

	registry *evaluator.Registry

	mu       sync.RWMutex // guards the entries map only
	entries  map[types.EvaluatorID]*trackedEvaluator
	order    []types.EvaluatorID
	historyM sync.Mutex
	history  []types.AvailabilityTransition
	hooks    []TransitionHook

	logger  *monitoring.Logger
	metrics *monitoring.Metrics
	now     func() time.Time
}

// NewAvailabilityTracker creates a tracker with every registered evaluator Live
func NewAvailabilityTracker(cfg config.AvailabilityConfig, registry *evaluator.Registry, logger *monitoring.Logger, metrics *monitoring.Metrics) *AvailabilityTracker {
	if logger == nil {
		logger = monitoring.NopLogger()
	}
	t := &AvailabilityTracker{
		degradedAfter: cfg.DegradedAfter,
		downAfter:     cfg.DownAfter,
		probeTimeout:  cfg.ProbeTimeout,
		registry:      registry,
		entries:       make(map[types.EvaluatorID]*trackedEvaluator),
		logger:        logger,
		metrics:       metrics,
		now:           time.Now,
	}
	if registry != nil {
		for _, id := range registry.IDs() {
			t.entry(id)
		}
	}
	return t
}

// OnTransition registers a hook; hooks run outside the tracker's locks
func (t *AvailabilityTracker) OnTransition(hook TransitionHook) {
	t.historyM.Lock()
	defer t.historyM.Unlock()
	t.hooks = append(t.hooks, hook)
}

func (t *AvailabilityTracker) entry(id types.EvaluatorID) *trackedEvaluator {
	t.mu.RLock()
	e, ok := t.entries[id]
	t.mu.RUnlock()
	if ok {
		return e
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[id]; ok {
		return e
	}
	e = &trackedEvaluator{state: types.AvailabilityState{
		EvaluatorID: id,
		Level:       types.Live,
		ChangedAt:   t.now(),
	}}
	t.entries[id] = e
	t.order = append(t.order, id)
	return e
}

// RecordOutcome folds one Evaluate result into the evaluator's state.
// NotAvailable outcomes carry no signal about the backend and are ignored.
func (t *AvailabilityTracker) RecordOutcome(id types.EvaluatorID, outcome types.EvaluationOutcome) types.AvailabilityState {
	e := t.entry(id)

	e.mu.Lock()
	var changes []types.AvailabilityTransition
	switch outcome.Kind {
	case types.OutcomeSuccess:
		changes = t.recordSuccess(e, false)
	case types.OutcomeFailed:
		changes = t.recordFailure(e, outcome.Reason, "consecutive failures")
	}
	state := e.state
	e.mu.Unlock()

	t.publish(changes)
	return state
}

// recordSuccess must be called with e.mu held
func (t *AvailabilityTracker) recordSuccess(e *trackedEvaluator, probe bool) []types.AvailabilityTransition {
	now := t.now()
	e.state.ConsecutiveFailures = 0
	e.state.LastSuccess = now
	e.state.LastError = ""

	switch {
	case e.state.Level == types.Degraded:
		return []types.AvailabilityTransition{t.transition(e, types.Live, "call succeeded", now)}
	case e.state.Level == types.Down && probe:
		return []types.AvailabilityTransition{t.transition(e, types.Live, "probe succeeded", now)}
	}
	return nil
}

// recordFailure must be called with e.mu held
func (t *AvailabilityTracker) recordFailure(e *trackedEvaluator, lastErr, cause string) []types.AvailabilityTransition {
	now := t.now()
	e.state.ConsecutiveFailures++
	e.state.LastFailure = now
	e.state.LastError = lastErr

	var changes []types.AvailabilityTransition
	n := e.state.ConsecutiveFailures
	if e.state.Level == types.Live && n >= t.degradedAfter {
		changes = append(changes, t.transition(e, types.Degraded, fmt.Sprintf("%d %s", n, cause), now))
	}
	if e.state.Level == types.Degraded && n >= t.downAfter {
		changes = append(changes, t.transition(e, types.Down, fmt.Sprintf("%d %s", n, cause), now))
	}
	return changes
}

// transition must be called with e.mu held
func (t *AvailabilityTracker) transition(e *trackedEvaluator, to types.AvailabilityLevel, reason string, at time.Time) types.AvailabilityTransition {
	tr := types.AvailabilityTransition{
		EvaluatorID: e.state.EvaluatorID,
		From:        e.state.Level,
		To:          to,
		Reason:      reason,
		At:          at,
	}
	e.state.Level = to
	e.state.ChangedAt = at

	t.logger.TransitionLogger(string(tr.EvaluatorID), string(tr.From), string(tr.To), reason, at)
	if t.metrics != nil {
		t.metrics.IncrementTransition()
	}

	t.historyM.Lock()
	t.history = append(t.history, tr)
	t.historyM.Unlock()
	return tr
}

func (t *AvailabilityTracker) publish(changes []types.AvailabilityTransition) {
	if len(changes) == 0 {
		return
	}
	t.historyM.Lock()
	hooks := append([]TransitionHook(nil), t.hooks...)
	t.historyM.Unlock()

	for _, tr := range changes {
		for _, hook := range hooks {
			hook(tr)
		}
	}
}

// Probe issues a liveness check against the evaluator. Success restores it
// to Live from any level; failure counts like a failed call.
func (t *AvailabilityTracker) Probe(ctx context.Context, id types.EvaluatorID) (types.AvailabilityState, error) {
	if t.registry == nil {
		return types.AvailabilityState{}, errors.NewNotFoundError("evaluator", string(id))
	}
	client, ok := t.registry.Get(id)
	if !ok {
		return types.AvailabilityState{}, errors.NewNotFoundError("evaluator", string(id))
	}

	probeCtx := ctx
	if t.probeTimeout > 0 {
		var cancel context.CancelFunc
		probeCtx, cancel = context.WithTimeout(ctx, t.probeTimeout)
		defer cancel()
	}

	probeErr := client.Probe(probeCtx)
	if probeErr != nil && ctx.Err() != nil {
		state, _ := t.State(id)
		return state, ctx.Err()
	}

	e := t.entry(id)
	e.mu.Lock()
	var changes []types.AvailabilityTransition
	if probeErr == nil {
		changes = t.recordSuccess(e, true)
	} else {
		changes = t.recordFailure(e, probeErr.Error(), "consecutive failures incl. probe")
	}
	state := e.state
	e.mu.Unlock()

	t.publish(changes)
	return state, nil
}

// State returns a copy of the evaluator's current state
func (t *AvailabilityTracker) State(id types.EvaluatorID) (types.AvailabilityState, bool) {
	t.mu.RLock()
	e, ok := t.entries[id]
	t.mu.RUnlock()
	if !ok {
		return types.AvailabilityState{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, true
}

// Level returns the evaluator's level; unknown evaluators are Live
func (t *AvailabilityTracker) Level(id types.EvaluatorID) types.AvailabilityLevel {
	state, ok := t.State(id)
	if !ok {
		return types.Live
	}
	return state.Level
}

// IsDown reports whether calls to the evaluator must be skipped
func (t *AvailabilityTracker) IsDown(id types.EvaluatorID) bool {
	return t.Level(id) == types.Down
}

// Snapshot returns every tracked state in registration order
func (t *AvailabilityTracker) Snapshot() []types.AvailabilityState {
	t.mu.RLock()
	ids := append([]types.EvaluatorID(nil), t.order...)
	t.mu.RUnlock()

	out := make([]types.AvailabilityState, 0, len(ids))
	for _, id := range ids {
		if s, ok := t.State(id); ok {
			out = append(out, s)
		}
	}
	return out
}

// Transitions returns the recorded level changes, oldest first
func (t *AvailabilityTracker) Transitions() []types.AvailabilityTransition {
	t.historyM.Lock()
	defer t.historyM.Unlock()
	return append([]types.AvailabilityTransition(nil), t.history...)
}

// AlertOnDown returns a hook that fires an alert when an evaluator goes
// Down and resolves it once the evaluator is Live again
func AlertOnDown(am *monitoring.AlertManager) TransitionHook {
	return func(tr types.AvailabilityTransition) {
		name := "EvaluatorDown:" + string(tr.EvaluatorID)
		switch tr.To {
		case types.Down:
			am.Fire(context.Background(), "dispatcher", name,
				fmt.Sprintf("Evaluator %s marked down: %s", tr.EvaluatorID, tr.Reason),
				monitoring.SeverityError,
				map[string]string{"evaluator": string(tr.EvaluatorID)})
		case types.Live:
			am.Resolve(context.Background(), "dispatcher", name)
		}
	}
}
