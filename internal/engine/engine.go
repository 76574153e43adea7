// Package engine runs artifacts × criteria through dispatch, conflict
// resolution and reporting, and serves the review callback.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ZanzyTHEbar/judge-consensus/internal/consensus"
	"github.com/ZanzyTHEbar/judge-consensus/internal/errors"
	"github.com/ZanzyTHEbar/judge-consensus/internal/evaluator"
	"github.com/ZanzyTHEbar/judge-consensus/internal/monitoring"
	"github.com/ZanzyTHEbar/judge-consensus/internal/report"
	"github.com/ZanzyTHEbar/judge-consensus/internal/resilience"
	"github.com/ZanzyTHEbar/judge-consensus/internal/types"
)

const defaultReportTTL = 15 * time.Minute

// Engine owns one run end to end
type Engine struct {
	dispatcher  *resilience.Dispatcher
	pipeline    *consensus.Pipeline
	runs        RunStore
	cache       *report.Cache
	codec       *report.Codec
	alerts      *monitoring.AlertManager
	concurrency int

	logger  *monitoring.Logger
	metrics *monitoring.Metrics
	now     func() time.Time
	newID   func() string
}

// Option configures an Engine
type Option func(*Engine)

// WithRunStore sets where reports are kept for regeneration
func WithRunStore(store RunStore) Option {
	return func(e *Engine) { e.runs = store }
}

// WithCache sets the encoded report cache
func WithCache(cache *report.Cache) Option {
	return func(e *Engine) { e.cache = cache }
}

// WithConcurrency bounds how many pairs are dispatched at once
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithAlertManager resolves escalation alerts when a reviewer closes a ticket
func WithAlertManager(am *monitoring.AlertManager) Option {
	return func(e *Engine) { e.alerts = am }
}

// WithLogger sets the structured logger
func WithLogger(logger *monitoring.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics sets the metrics sink
func WithMetrics(metrics *monitoring.Metrics) Option {
	return func(e *Engine) { e.metrics = metrics }
}

// New creates an engine over a dispatcher and a resolution pipeline
func New(dispatcher *resilience.Dispatcher, pipeline *consensus.Pipeline, opts ...Option) *Engine {
	e := &Engine{
		dispatcher:  dispatcher,
		pipeline:    pipeline,
		codec:       report.NewCodec(),
		concurrency: 4,
		now:         time.Now,
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = monitoring.NopLogger()
	}
	if e.runs == nil {
		e.runs = NewMemoryRunStore()
	}
	if e.cache == nil {
		var m report.CacheMetrics
		if e.metrics != nil {
			m = e.metrics
		}
		e.cache = report.NewCache(defaultReportTTL, m)
	}
	return e
}

type pair struct {
	artifact  types.Artifact
	criterion types.CriterionID
}

// Run evaluates every artifact against every criterion. The only error for
// a valid request is NoEvaluatorsAvailable, returned before any evaluator is
// called; evaluator failures during the run become NA entries instead.
func (e *Engine) Run(ctx context.Context, req types.RunRequest) (report.ConsensusReport, error) {
	if err := validateRun(req); err != nil {
		return report.ConsensusReport{}, err
	}
	if err := e.dispatcher.Preflight(req.Evaluators); err != nil {
		e.logger.Warn("Run rejected", "error", err)
		return report.ConsensusReport{}, err
	}

	runID := e.newID()
	start := time.Now()

	pairs := make([]pair, 0, len(req.Artifacts)*len(req.Criteria))
	for _, a := range req.Artifacts {
		for _, c := range req.Criteria {
			pairs = append(pairs, pair{artifact: a, criterion: c})
		}
	}

	entries := make([]types.ResolvedScore, len(pairs))
	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i, p := range pairs {
		g.Go(func() error {
			request := evaluator.Request{
				ArtifactID:  p.artifact.ID,
				CriterionID: p.criterion,
				Context:     p.artifact.Content,
			}
			// evaluators going Down mid-run still leave a complete NA result
			result, err := e.dispatcher.Dispatch(ctx, request, req.Evaluators)
			if err != nil && !errors.IsNoEvaluatorsAvailable(err) {
				return err
			}
			entries[i] = e.pipeline.Resolve(ctx, result)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report.ConsensusReport{}, errors.WrapError(err, "run %s", runID)
	}

	rep := report.Build(runID, entries, e.now())
	e.save(ctx, rep)

	e.logger.Info("Run completed",
		"run_id", runID,
		"pairs", rep.TotalCount,
		"resolved", rep.ResolvedCount,
		"escalated", rep.EscalatedCount,
		"not_available", rep.NACount,
		"degraded", rep.DegradedCount,
		"completion_rate", rep.CompletionRate,
		"duration_ms", time.Since(start).Milliseconds())
	return rep, nil
}

// Regenerate returns the current report of a run with every resolved
// ticket applied
func (e *Engine) Regenerate(ctx context.Context, runID string) (report.ConsensusReport, error) {
	if data, ok := e.cache.Get(runID); ok {
		if rep, err := e.codec.Decode(data); err == nil {
			return rep, nil
		}
		e.cache.Delete(runID)
	}

	stored, err := e.runs.Get(ctx, runID)
	if err != nil {
		return report.ConsensusReport{}, err
	}

	rep, err := report.ApplyTickets(ctx, stored, e.pipeline.Store(), e.now())
	if err != nil {
		return report.ConsensusReport{}, err
	}
	e.save(ctx, rep)
	return rep, nil
}

// save persists and caches a report. A storage failure is logged; the
// caller still gets the report it computed.
func (e *Engine) save(ctx context.Context, rep report.ConsensusReport) {
	if err := e.runs.Save(ctx, rep); err != nil {
		e.logger.Error("Failed to store run", "run_id", rep.RunID, "error", err)
		return
	}
	data, err := e.codec.Encode(rep)
	if err != nil {
		e.logger.Error("Failed to encode run", "run_id", rep.RunID, "error", err)
		return
	}
	e.cache.Set(rep.RunID, data)
}

// Tickets lists escalation tickets, all of them when status is empty
func (e *Engine) Tickets(ctx context.Context, status types.TicketStatus) ([]types.EscalationTicket, error) {
	switch status {
	case "", types.TicketPending, types.TicketResolved:
	default:
		return nil, errors.NewValidationError(fmt.Sprintf("unknown ticket status %q", status))
	}
	return e.pipeline.Store().List(ctx, status)
}

// Ticket returns one escalation ticket
func (e *Engine) Ticket(ctx context.Context, id string) (types.EscalationTicket, error) {
	return e.pipeline.Store().Get(ctx, id)
}

// ResolveTicket records a reviewer's final score. Cached reports are
// dropped so the next regeneration reflects it.
func (e *Engine) ResolveTicket(ctx context.Context, id string, score float64, reviewer string) (types.EscalationTicket, error) {
	ticket, err := e.pipeline.Store().Resolve(ctx, id, score, reviewer)
	if err != nil {
		return types.EscalationTicket{}, err
	}

	e.logger.EscalationLogger("ticket_resolved", ticket.ID, string(ticket.ArtifactID), string(ticket.CriterionID))
	if e.metrics != nil {
		e.metrics.IncrementTicketResolved()
	}
	if e.alerts != nil {
		e.alerts.Resolve(ctx, "consensus", "Escalation:"+ticket.ID)
	}
	e.cache.Clear()
	return ticket, nil
}

// Evaluators returns the availability of every known evaluator
func (e *Engine) Evaluators() []types.AvailabilityState {
	return e.dispatcher.Tracker().Snapshot()
}

// ProbeEvaluator health-checks one evaluator now
func (e *Engine) ProbeEvaluator(ctx context.Context, id types.EvaluatorID) (types.AvailabilityState, error) {
	return e.dispatcher.Tracker().Probe(ctx, id)
}

// CacheStats reports the report cache state
func (e *Engine) CacheStats() map[string]interface{} {
	return e.cache.Stats()
}

func validateRun(req types.RunRequest) error {
	if len(req.Artifacts) == 0 {
		return errors.NewValidationError("at least one artifact is required")
	}
	if len(req.Criteria) == 0 {
		return errors.NewValidationError("at least one criterion is required")
	}

	seen := make(map[types.ArtifactID]bool, len(req.Artifacts))
	for _, a := range req.Artifacts {
		if a.ID == "" {
			return errors.NewValidationError("artifact id must not be empty")
		}
		if seen[a.ID] {
			return errors.NewValidationError(fmt.Sprintf("duplicate artifact %q", a.ID))
		}
		seen[a.ID] = true
	}

	criteria := make(map[types.CriterionID]bool, len(req.Criteria))
	for _, c := range req.Criteria {
		if c == "" {
			return errors.NewValidationError("criterion id must not be empty")
		}
		if criteria[c] {
			return errors.NewValidationError(fmt.Sprintf("duplicate criterion %q", c))
		}
		criteria[c] = true
	}
	return nil
}
