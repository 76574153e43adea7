package database

import "time"

// TicketRecord is one row of escalation_tickets. Data is the JSON encoded
// ticket; the other columns exist for filtering.
type TicketRecord struct {
	ID          string     `db:"id"`
	ArtifactID  string     `db:"artifact_id"`
	CriterionID string     `db:"criterion_id"`
	Status      string     `db:"status"`
	Severity    string     `db:"severity"`
	Data        []byte     `db:"data"`
	CreatedAt   time.Time  `db:"created_at"`
	ResolvedAt  *time.Time `db:"resolved_at"`
}

// RunRecord is one row of runs
type RunRecord struct {
	ID        string    `db:"id"`
	Data      []byte    `db:"data"`
	CreatedAt time.Time `db:"created_at"`
}

// TicketUpdate mutates the JSON data of a pending ticket. Returning an error
// aborts the transaction.
type TicketUpdate func(data []byte) (updated []byte, status string, resolvedAt time.Time, err error)
