// Package escalation holds the append-only store of tickets that defer a
// conflict to a human reviewer.
package escalation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ZanzyTHEbar/judge-consensus/internal/errors"
	"github.com/ZanzyTHEbar/judge-consensus/internal/types"
)

// ticketNamespace scopes name-based ticket IDs
var ticketNamespace = uuid.MustParse("6f1c2b8e-5d7a-4c1e-9a3f-2e8b7d4c6a10")

// Store is an append-only, concurrency-safe ticket collection. Status only
// moves Pending -> Resolved.
type Store interface {
	// Append stores t unless a ticket with the same ID exists; it returns the
	// stored ticket and whether it was created by this call
	Append(ctx context.Context, t types.EscalationTicket) (types.EscalationTicket, bool, error)
	Get(ctx context.Context, id string) (types.EscalationTicket, error)
	// List returns tickets oldest first; an empty status lists all
	List(ctx context.Context, status types.TicketStatus) ([]types.EscalationTicket, error)
	// Resolve records a human's final score on a Pending ticket
	Resolve(ctx context.Context, id string, score float64, reviewer string) (types.EscalationTicket, error)
}

// TicketID derives a stable ID from the pair and the snapshot content, so
// re-running resolution over an unchanged result never creates a second
// ticket
func TicketID(snapshot types.PartialResult) string {
	data, err := json.Marshal(snapshot)
	if err != nil {
		data = []byte(fmt.Sprintf("%s/%s/%v", snapshot.ArtifactID, snapshot.CriterionID, snapshot.Entries))
	}
	return uuid.NewSHA1(ticketNamespace, data).String()
}

// NewTicket builds a Pending ticket capturing the full result snapshot and
// every rationale
func NewTicket(result types.PartialResult, severity types.ConflictSeverity, reason string, now time.Time, window time.Duration) types.EscalationTicket {
	snapshot := result.Clone()

	rationales := make(map[types.EvaluatorID]string)
	for _, s := range snapshot.Successes() {
		rationales[s.EvaluatorID] = s.Score.Rationale
	}

	return types.EscalationTicket{
		ID:               TicketID(snapshot),
		ArtifactID:       snapshot.ArtifactID,
		CriterionID:      snapshot.CriterionID,
		Snapshot:         snapshot,
		Rationales:       rationales,
		Severity:         severity,
		Reason:           reason,
		AssignedReviewer: types.UnassignedReviewer,
		Deadline:         now.Add(window),
		Status:           types.TicketPending,
		CreatedAt:        now,
	}
}

// validateFinalScore checks a reviewer's score before any state changes
func validateFinalScore(score float64) error {
	if score < types.MinScore || score > types.MaxScore {
		return errors.NewValidationError(fmt.Sprintf("final score %.2f outside [%.0f, %.0f]", score, types.MinScore, types.MaxScore))
	}
	return nil
}

// applyResolution moves a ticket to Resolved
func applyResolution(t *types.EscalationTicket, score float64, reviewer string, at time.Time) {
	if reviewer == "" {
		reviewer = t.AssignedReviewer
	}
	final := score
	resolvedAt := at
	t.Status = types.TicketResolved
	t.FinalScore = &final
	t.ResolvedBy = reviewer
	t.ResolvedAt = &resolvedAt
}

func alreadyResolved(id string) error {
	return errors.NewConflictError(fmt.Sprintf("ticket %s is already resolved", id))
}
