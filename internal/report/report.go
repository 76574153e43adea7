// Package report aggregates resolved scores into the ConsensusReport handed
// to rendering, and reapplies human review decisions on regeneration.
package report

import (
	"context"
	"fmt"
	"time"

	"github.com/ZanzyTHEbar/judge-consensus/internal/escalation"
	"github.com/ZanzyTHEbar/judge-consensus/internal/types"
)

// ConsensusReport is one run's summary. Every (artifact, criterion) pair has
// exactly one entry, resolved, escalated or NA.
type ConsensusReport struct {
	RunID       string    `json:"run_id"`
	GeneratedAt time.Time `json:"generated_at"`

	// CompletionRate is resolved / (total - NA); 0 when every entry is NA
	CompletionRate float64 `json:"completion_rate"`
	ResolvedCount  int     `json:"resolved_count"`
	EscalatedCount int     `json:"escalated_count"`
	NACount        int     `json:"na_count"`
	DegradedCount  int     `json:"degraded_count"`
	TotalCount     int     `json:"total_count"`

	Entries []types.ResolvedScore `json:"entries"`
}

// Build counts entries and computes the completion rate. Entries keep the
// order they were given in.
func Build(runID string, entries []types.ResolvedScore, generatedAt time.Time) ConsensusReport {
	r := ConsensusReport{
		RunID:       runID,
		GeneratedAt: generatedAt,
		TotalCount:  len(entries),
		Entries:     make([]types.ResolvedScore, len(entries)),
	}
	copy(r.Entries, entries)

	for _, e := range r.Entries {
		switch e.Status {
		case types.StatusResolved:
			r.ResolvedCount++
		case types.StatusEscalatedToHuman:
			r.EscalatedCount++
		case types.StatusNotAvailable:
			r.NACount++
		}
		if e.Degraded {
			r.DegradedCount++
		}
	}

	if denom := r.TotalCount - r.NACount; denom > 0 {
		r.CompletionRate = float64(r.ResolvedCount) / float64(denom)
	}
	return r
}

// Lookup finds the entry for one pair
func (r ConsensusReport) Lookup(artifact types.ArtifactID, criterion types.CriterionID) (types.ResolvedScore, bool) {
	for _, e := range r.Entries {
		if e.ArtifactID == artifact && e.CriterionID == criterion {
			return e, true
		}
	}
	return types.ResolvedScore{}, false
}

// ApplyTickets refreshes every escalated entry from the store and turns
// those a reviewer has resolved into human_review scores. A ticket the
// store cannot return leaves its entry escalated.
func ApplyTickets(ctx context.Context, r ConsensusReport, store escalation.Store, generatedAt time.Time) (ConsensusReport, error) {
	entries := make([]types.ResolvedScore, len(r.Entries))
	copy(entries, r.Entries)

	for i, e := range entries {
		if e.Status != types.StatusEscalatedToHuman || e.Ticket == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return r, err
		}

		ticket, err := store.Get(ctx, e.Ticket.ID)
		if err != nil {
			continue
		}
		entries[i] = applyTicket(e, ticket)
	}

	return Build(r.RunID, entries, generatedAt), nil
}

func applyTicket(e types.ResolvedScore, ticket types.EscalationTicket) types.ResolvedScore {
	e.Ticket = &ticket
	if ticket.Status != types.TicketResolved || ticket.FinalScore == nil {
		return e
	}
	value := *ticket.FinalScore
	e.Status = types.StatusResolved
	e.Method = types.MethodHumanReview
	e.Value = &value
	e.Confidence = 1
	e.Note = fmt.Sprintf("resolved by %s", ticket.ResolvedBy)
	return e
}
