package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// EvaluatorID identifies a scoring backend (e.g. "judge-a")
type EvaluatorID string

// CriterionID identifies one scored dimension of an artifact
type CriterionID string

// ArtifactID identifies the artifact being scored
type ArtifactID string

const (
	MinScore = 0.0
	MaxScore = 10.0
)

// Score is one evaluator's judgment. Treat as immutable once produced.
type Score struct {
	Value      float64 `json:"value"`
	Rationale  string  `json:"rationale"`
	Confidence float64 `json:"confidence"`
}

// NewScore validates bounds and returns a Score
func NewScore(value float64, rationale string, confidence float64) (Score, error) {
	if value < MinScore || value > MaxScore {
		return Score{}, fmt.Errorf("score %.3f outside [%.0f, %.0f]", value, MinScore, MaxScore)
	}
	if confidence < 0 || confidence > 1 {
		return Score{}, fmt.Errorf("confidence %.3f outside [0, 1]", confidence)
	}
	return Score{Value: value, Rationale: rationale, Confidence: confidence}, nil
}

// OutcomeKind tags an EvaluationOutcome
type OutcomeKind string

const (
	OutcomeSuccess      OutcomeKind = "success"
	OutcomeNotAvailable OutcomeKind = "not_available"
	OutcomeFailed       OutcomeKind = "failed"
)

// EvaluationOutcome is the tagged union {Success(Score), NotAvailable(reason), Failed(error)}.
// Exactly one of Score / Reason is meaningful depending on Kind.
type EvaluationOutcome struct {
	Kind   OutcomeKind `json:"kind"`
	Score  *Score      `json:"score,omitempty"`
	Reason string      `json:"reason,omitempty"`
}

// Success builds a successful outcome
func Success(score Score) EvaluationOutcome {
	s := score
	return EvaluationOutcome{Kind: OutcomeSuccess, Score: &s}
}

// NotAvailable builds an outcome for an evaluator that produced no usable score
func NotAvailable(reason string) EvaluationOutcome {
	return EvaluationOutcome{Kind: OutcomeNotAvailable, Reason: reason}
}

// Failed builds an outcome carrying the last error of an exhausted evaluator
func Failed(err error) EvaluationOutcome {
	reason := "unknown error"
	if err != nil {
		reason = err.Error()
	}
	return EvaluationOutcome{Kind: OutcomeFailed, Reason: reason}
}

// IsSuccess reports whether the outcome carries a score
func (o EvaluationOutcome) IsSuccess() bool {
	return o.Kind == OutcomeSuccess && o.Score != nil
}

// OutcomeEntry pairs an evaluator with its outcome
type OutcomeEntry struct {
	EvaluatorID EvaluatorID       `json:"evaluator_id"`
	Outcome     EvaluationOutcome `json:"outcome"`
}

// ScoredEntry is a successful outcome flattened for strategy code
type ScoredEntry struct {
	EvaluatorID EvaluatorID
	Score       Score
}

// PartialResult maps every configured evaluator to its outcome for one
// (artifact, criterion). Entries keep the configured evaluator order.
type PartialResult struct {
	ArtifactID  ArtifactID     `json:"artifact_id"`
	CriterionID CriterionID    `json:"criterion_id"`
	Entries     []OutcomeEntry `json:"entries"`
}

// Get returns the outcome recorded for an evaluator
func (p PartialResult) Get(id EvaluatorID) (EvaluationOutcome, bool) {
	for _, e := range p.Entries {
		if e.EvaluatorID == id {
			return e.Outcome, true
		}
	}
	return EvaluationOutcome{}, false
}

// Evaluators returns the evaluator IDs in entry order
func (p PartialResult) Evaluators() []EvaluatorID {
	ids := make([]EvaluatorID, len(p.Entries))
	for i, e := range p.Entries {
		ids[i] = e.EvaluatorID
	}
	return ids
}

// Successes returns the successful outcomes in entry order
func (p PartialResult) Successes() []ScoredEntry {
	out := make([]ScoredEntry, 0, len(p.Entries))
	for _, e := range p.Entries {
		if e.Outcome.IsSuccess() {
			out = append(out, ScoredEntry{EvaluatorID: e.EvaluatorID, Score: *e.Outcome.Score})
		}
	}
	return out
}

// Clone returns a deep copy so snapshots never alias dispatcher output
func (p PartialResult) Clone() PartialResult {
	cp := PartialResult{ArtifactID: p.ArtifactID, CriterionID: p.CriterionID}
	cp.Entries = make([]OutcomeEntry, len(p.Entries))
	for i, e := range p.Entries {
		cp.Entries[i] = e
		if e.Outcome.Score != nil {
			s := *e.Outcome.Score
			cp.Entries[i].Outcome.Score = &s
		}
	}
	return cp
}

// ConflictSeverity is ordered None < Low < Medium < High < Critical
type ConflictSeverity int

const (
	SeverityNone ConflictSeverity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = [...]string{"none", "low", "medium", "high", "critical"}

func (s ConflictSeverity) String() string {
	if s < SeverityNone || s > SeverityCritical {
		return fmt.Sprintf("severity(%d)", int(s))
	}
	return severityNames[s]
}

// ParseSeverity is the inverse of String
func ParseSeverity(name string) (ConflictSeverity, error) {
	for i, n := range severityNames {
		if n == name {
			return ConflictSeverity(i), nil
		}
	}
	return SeverityNone, fmt.Errorf("unknown severity %q", name)
}

func (s ConflictSeverity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *ConflictSeverity) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseSeverity(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ResolutionMethod names how a ResolvedScore was produced
type ResolutionMethod string

const (
	MethodWeightedAverage  ResolutionMethod = "weighted_average"
	MethodEvidenceWeighted ResolutionMethod = "evidence_weighted"
	MethodExpertMediation  ResolutionMethod = "expert_mediation"
	MethodHumanEscalation  ResolutionMethod = "human_escalation"
	MethodHumanReview      ResolutionMethod = "human_review"
	MethodSingleEvaluator  ResolutionMethod = "single_evaluator"
	MethodNone             ResolutionMethod = "none"
)

// ResolutionStatus distinguishes the three renderable entry kinds
type ResolutionStatus string

const (
	StatusResolved         ResolutionStatus = "resolved"
	StatusEscalatedToHuman ResolutionStatus = "escalated_to_human"
	StatusNotAvailable     ResolutionStatus = "not_available"
)

// ResolvedScore is the final value for one (artifact, criterion)
type ResolvedScore struct {
	ArtifactID  ArtifactID        `json:"artifact_id"`
	CriterionID CriterionID       `json:"criterion_id"`
	Status      ResolutionStatus  `json:"status"`
	Value       *float64          `json:"value,omitempty"`
	Method      ResolutionMethod  `json:"resolution_method"`
	Confidence  float64           `json:"confidence"`
	Severity    ConflictSeverity  `json:"severity"`
	Degraded    bool              `json:"degraded"`
	Note        string            `json:"note,omitempty"`
	Ticket      *EscalationTicket `json:"ticket,omitempty"`
	Result      PartialResult     `json:"partial_result"`
}

// TicketStatus only moves Pending -> Resolved
type TicketStatus string

const (
	TicketPending  TicketStatus = "pending"
	TicketResolved TicketStatus = "resolved"
)

// EscalationTicket defers a conflict to a human reviewer
type EscalationTicket struct {
	ID               string                 `json:"id"`
	ArtifactID       ArtifactID             `json:"artifact_id"`
	CriterionID      CriterionID            `json:"criterion_id"`
	Snapshot         PartialResult          `json:"snapshot"`
	Rationales       map[EvaluatorID]string `json:"rationales"`
	Severity         ConflictSeverity       `json:"severity"`
	Reason           string                 `json:"reason"`
	AssignedReviewer string                 `json:"assigned_reviewer"`
	Deadline         time.Time              `json:"deadline"`
	Status           TicketStatus           `json:"status"`
	FinalScore       *float64               `json:"final_score,omitempty"`
	ResolvedBy       string                 `json:"resolved_by,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	ResolvedAt       *time.Time             `json:"resolved_at,omitempty"`
}

// UnassignedReviewer is the placeholder until a reviewer claims a ticket
const UnassignedReviewer = "unassigned"

// AvailabilityLevel is the live/degraded/down status of an evaluator
type AvailabilityLevel string

const (
	Live     AvailabilityLevel = "live"
	Degraded AvailabilityLevel = "degraded"
	Down     AvailabilityLevel = "down"
)

// AvailabilityState is a read-only copy of an evaluator's tracked status
type AvailabilityState struct {
	EvaluatorID         EvaluatorID       `json:"evaluator_id"`
	Level               AvailabilityLevel `json:"level"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	LastSuccess         time.Time         `json:"last_success"`
	LastFailure         time.Time         `json:"last_failure"`
	LastError           string            `json:"last_error,omitempty"`
	ChangedAt           time.Time         `json:"changed_at"`
}

// AvailabilityTransition records one level change
type AvailabilityTransition struct {
	EvaluatorID EvaluatorID       `json:"evaluator_id"`
	From        AvailabilityLevel `json:"from"`
	To          AvailabilityLevel `json:"to"`
	Reason      string            `json:"reason"`
	At          time.Time         `json:"at"`
}

// Artifact is the opaque input handed to evaluators
type Artifact struct {
	ID      ArtifactID `json:"id" binding:"required"`
	Content string     `json:"content"`
}

// RunRequest represents the request structure for the runs endpoint
type RunRequest struct {
	Artifacts  []Artifact    `json:"artifacts" binding:"required"`
	Criteria   []CriterionID `json:"criteria" binding:"required"`
	Evaluators []EvaluatorID `json:"evaluators,omitempty"`
}

// ResolveTicketRequest is the human-review callback body. The reviewer is
// taken from the bearer token.
type ResolveTicketRequest struct {
	Score *float64 `json:"score" binding:"required"`
}
