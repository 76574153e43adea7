package consensus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ZanzyTHEbar/judge-consensus/internal/config"
	"github.com/ZanzyTHEbar/judge-consensus/internal/escalation"
	"github.com/ZanzyTHEbar/judge-consensus/internal/monitoring"
	"github.com/ZanzyTHEbar/judge-consensus/internal/types"
)

// EscalationHook is notified once per newly created ticket
type EscalationHook func(types.EscalationTicket)

// Pipeline turns a PartialResult into exactly one ResolvedScore
type Pipeline struct {
	cfg        *config.ConsensusConfig
	detector   *Detector
	rubric     *Rubric
	strategies map[types.ConflictSeverity]Strategy
	store      escalation.Store
	hooks      []EscalationHook

	logger  *monitoring.Logger
	metrics *monitoring.Metrics
	now     func() time.Time
}

// NewPipeline wires the detector, the strategy table and the ticket store
func NewPipeline(cfg *config.ConsensusConfig, store escalation.Store, logger *monitoring.Logger, metrics *monitoring.Metrics) *Pipeline {
	if logger == nil {
		logger = monitoring.NopLogger()
	}
	rubric := NewRubric(cfg.Evidence)
	return &Pipeline{
		cfg:        cfg,
		detector:   NewDetector(cfg.Thresholds),
		rubric:     rubric,
		strategies: DefaultStrategies(cfg, rubric),
		store:      store,
		logger:     logger,
		metrics:    metrics,
		now:        time.Now,
	}
}

// OnEscalate registers a hook run after a ticket is first stored
func (p *Pipeline) OnEscalate(hook EscalationHook) {
	p.hooks = append(p.hooks, hook)
}

// Detector returns the pipeline's conflict detector
func (p *Pipeline) Detector() *Detector {
	return p.detector
}

// Store returns the escalation store tickets are appended to
func (p *Pipeline) Store() escalation.Store {
	return p.store
}

// Resolve never fails: escalation and NA are values. Re-running it on an
// unchanged result yields the same ResolvedScore because tickets are keyed
// by the result snapshot.
func (p *Pipeline) Resolve(ctx context.Context, result types.PartialResult) types.ResolvedScore {
	successes := result.Successes()
	det := p.detector.Detect(result)

	rs := types.ResolvedScore{
		ArtifactID:  result.ArtifactID,
		CriterionID: result.CriterionID,
		Severity:    det.Severity,
		Degraded:    len(successes) > 0 && len(successes) < len(result.Entries),
		Result:      result.Clone(),
	}

	switch len(successes) {
	case 0:
		rs.Status = types.StatusNotAvailable
		rs.Method = types.MethodNone
		rs.Note = unavailableNote(result)
	case 1:
		only := successes[0]
		value := only.Score.Value
		rs.Status = types.StatusResolved
		rs.Method = types.MethodSingleEvaluator
		rs.Value = &value
		rs.Confidence = only.Score.Confidence
		rs.Note = fmt.Sprintf("only %s produced a score", only.EvaluatorID)
	default:
		strategy := p.strategies[det.Severity]
		decision := strategy.Resolve(Conflict{Result: result, Detection: det, Successes: successes})
		if decision.Escalate {
			p.escalate(ctx, &rs, result, det, decision.Reason)
		} else {
			value := decision.Value
			rs.Status = types.StatusResolved
			rs.Method = decision.Method
			rs.Value = &value
			rs.Confidence = decision.Confidence
			rs.Note = decision.Note
		}
	}

	p.logger.ResolutionLogger(string(rs.ArtifactID), string(rs.CriterionID), rs.Severity.String(),
		string(rs.Method), string(rs.Status), rs.Confidence, rs.Degraded)
	if p.metrics != nil {
		p.metrics.RecordResolution(rs.Severity.String(), string(rs.Method))
	}
	return rs
}

func (p *Pipeline) escalate(ctx context.Context, rs *types.ResolvedScore, result types.PartialResult, det Detection, reason string) {
	// no monotonic reading, so a ticket read back from a store compares equal
	ticket := escalation.NewTicket(result, det.Severity, reason, p.now().UTC().Round(0), p.cfg.ReviewWindow)

	stored, created, err := p.store.Append(ctx, ticket)
	if err != nil {
		p.logger.Error("Escalation ticket not persisted",
			"ticket_id", ticket.ID,
			"artifact", string(result.ArtifactID),
			"criterion", string(result.CriterionID),
			"error", err)
		stored = ticket
		rs.Note = "ticket not persisted: " + err.Error()
	}

	if stored.Status == types.TicketResolved && stored.FinalScore != nil {
		value := *stored.FinalScore
		rs.Status = types.StatusResolved
		rs.Method = types.MethodHumanReview
		rs.Value = &value
		rs.Confidence = 1
		rs.Ticket = &stored
		rs.Note = fmt.Sprintf("resolved by %s", stored.ResolvedBy)
		return
	}

	rs.Status = types.StatusEscalatedToHuman
	rs.Method = types.MethodHumanEscalation
	rs.Ticket = &stored
	if rs.Note == "" {
		rs.Note = stored.Reason
	}

	if created {
		p.logger.EscalationLogger("ticket_created", stored.ID, string(stored.ArtifactID), string(stored.CriterionID))
		if p.metrics != nil {
			p.metrics.IncrementEscalation()
		}
		for _, hook := range p.hooks {
			hook(stored)
		}
	}
}

func unavailableNote(result types.PartialResult) string {
	if len(result.Entries) == 0 {
		return "no evaluators"
	}
	parts := make([]string, 0, len(result.Entries))
	for _, e := range result.Entries {
		parts = append(parts, fmt.Sprintf("%s: %s", e.EvaluatorID, e.Outcome.Reason))
	}
	return strings.Join(parts, "; ")
}

// AlertOnEscalation raises an informational alert per new ticket
func AlertOnEscalation(am *monitoring.AlertManager) EscalationHook {
	return func(t types.EscalationTicket) {
		am.Fire(context.Background(), "consensus", "Escalation:"+t.ID,
			fmt.Sprintf("%s/%s escalated to human review: %s", t.ArtifactID, t.CriterionID, t.Reason),
			monitoring.SeverityInfo,
			map[string]string{"artifact": string(t.ArtifactID), "criterion": string(t.CriterionID), "ticket": t.ID})
	}
}
