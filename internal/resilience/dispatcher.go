package resilience

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ZanzyTHEbar/judge-consensus/internal/errors"
	"github.com/ZanzyTHEbar/judge-consensus/internal/evaluator"
	"github.com/ZanzyTHEbar/judge-consensus/internal/monitoring"
	"github.com/ZanzyTHEbar/judge-consensus/internal/types"
)

const (
	reasonDown          = "evaluator marked down"
	reasonNotRegistered = "evaluator not registered"
	reasonCancelled     = "cancelled"
)

// Dispatcher fans one (artifact, criterion) out to every evaluator and
// collects a PartialResult with one entry per evaluator
type Dispatcher struct {
	registry *evaluator.Registry
	tracker  *AvailabilityTracker
	retry    RetryConfig
	logger   *monitoring.Logger
	metrics  *monitoring.Metrics

	sleep func(ctx context.Context, d time.Duration) error
}

// NewDispatcher wires the registry, availability tracker and retry policy
func NewDispatcher(registry *evaluator.Registry, tracker *AvailabilityTracker, retry RetryConfig, logger *monitoring.Logger, metrics *monitoring.Metrics) *Dispatcher {
	if logger == nil {
		logger = monitoring.NopLogger()
	}
	return &Dispatcher{
		registry: registry,
		tracker:  tracker,
		retry:    retry,
		logger:   logger,
		metrics:  metrics,
		sleep:    sleepContext,
	}
}

// Tracker exposes the availability tracker the dispatcher consults
func (d *Dispatcher) Tracker() *AvailabilityTracker {
	return d.tracker
}

// Dispatch scores req with every evaluator in evaluators (all registered
// evaluators when empty). Entries follow the given order. A failing or
// cancelled evaluator yields a NotAvailable entry, never an error; the only
// error is NoEvaluatorsAvailable, returned when no evaluator could be
// called at all. The PartialResult is complete even then.
func (d *Dispatcher) Dispatch(ctx context.Context, req evaluator.Request, evaluators []types.EvaluatorID) (types.PartialResult, error) {
	if len(evaluators) == 0 {
		evaluators = d.registry.IDs()
	}
	ids := dedupe(evaluators)

	result := types.PartialResult{
		ArtifactID:  req.ArtifactID,
		CriterionID: req.CriterionID,
		Entries:     make([]types.OutcomeEntry, len(ids)),
	}

	if len(ids) == 0 {
		d.countDispatch(true)
		return result, errors.NewNoEvaluatorsAvailableError("no evaluators configured")
	}

	// Down and unregistered evaluators are fixed at entry so a Down
	// evaluator never receives a call during this dispatch
	clients := make([]evaluator.Client, len(ids))
	callable := 0
	for i, id := range ids {
		result.Entries[i].EvaluatorID = id
		client, ok := d.registry.Get(id)
		switch {
		case !ok:
			result.Entries[i].Outcome = types.NotAvailable(reasonNotRegistered)
		case d.tracker.IsDown(id):
			result.Entries[i].Outcome = types.NotAvailable(reasonDown)
			if d.metrics != nil {
				d.metrics.IncrementSkippedDown()
			}
		default:
			clients[i] = client
			callable++
		}
	}

	if callable == 0 {
		d.countNotAvailable(result)
		d.countDispatch(true)
		return result, errors.NewNoEvaluatorsAvailableError("all evaluators are down or unregistered")
	}

	var g errgroup.Group
	for i, client := range clients {
		if client == nil {
			continue
		}
		g.Go(func() error {
			result.Entries[i].Outcome = d.dispatchOne(ctx, client, req)
			return nil
		})
	}
	_ = g.Wait()

	d.countNotAvailable(result)
	d.countDispatch(false)
	return result, nil
}

// Preflight reports the fatal condition Dispatch would hit for evaluators
// without calling anyone
func (d *Dispatcher) Preflight(evaluators []types.EvaluatorID) error {
	if len(evaluators) == 0 {
		evaluators = d.registry.IDs()
	}
	ids := dedupe(evaluators)
	if len(ids) == 0 {
		return errors.NewNoEvaluatorsAvailableError("no evaluators configured")
	}
	for _, id := range ids {
		if _, ok := d.registry.Get(id); ok && !d.tracker.IsDown(id) {
			return nil
		}
	}
	return errors.NewNoEvaluatorsAvailableError("all evaluators are down or unregistered")
}

func (d *Dispatcher) dispatchOne(ctx context.Context, client evaluator.Client, req evaluator.Request) types.EvaluationOutcome {
	id := client.ID()

	r := NewRetrier(d.retry)
	r.sleep = d.sleep
	r.Continue = func() bool { return !d.tracker.IsDown(id) }
	// budget waits are local throttling, not evaluator health
	if t, ok := client.(evaluator.Throttled); ok {
		r.Before = t.Throttle
	}
	r.OnAttempt = func(attempt int, err error, duration time.Duration) {
		d.logger.DispatchLogger(string(id), string(req.ArtifactID), string(req.CriterionID), attempt, duration, err)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			return
		}
		d.tracker.RecordOutcome(id, types.Failed(err))
	}
	r.OnRetry = func(int, error, time.Duration) {
		if d.metrics != nil {
			d.metrics.IncrementRetry()
		}
	}

	score, _, err := Execute(ctx, r, func(actx context.Context) (types.Score, error) {
		return client.Evaluate(actx, req)
	})
	if err == nil {
		d.tracker.RecordOutcome(id, types.Success(score))
		return types.Success(score)
	}
	if ctx.Err() != nil {
		return types.NotAvailable(reasonCancelled)
	}
	return types.NotAvailable(types.Failed(err).Reason)
}

func (d *Dispatcher) countDispatch(fatal bool) {
	if d.metrics != nil {
		d.metrics.IncrementDispatch(fatal)
	}
}

func (d *Dispatcher) countNotAvailable(result types.PartialResult) {
	if d.metrics == nil {
		return
	}
	for _, e := range result.Entries {
		if !e.Outcome.IsSuccess() {
			d.metrics.IncrementNotAvailable()
		}
	}
}

func dedupe(ids []types.EvaluatorID) []types.EvaluatorID {
	seen := make(map[types.EvaluatorID]struct{}, len(ids))
	out := make([]types.EvaluatorID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
