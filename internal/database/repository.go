package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no row matches the requested id
	ErrNotFound = errors.New("record not found")
	// ErrStatusConflict is returned when a ticket is not in the expected status
	ErrStatusConflict = errors.New("ticket status conflict")
)

// Repository handles database operations
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// InsertTicket stores a ticket unless one with the same id exists. created
// reports whether a row was written.
func (r *Repository) InsertTicket(ctx context.Context, rec TicketRecord) (bool, error) {
	stmt, err := r.db.GetPreparedStatement("insert_ticket")
	if err != nil {
		return false, err
	}

	res, err := stmt.ExecContext(ctx, rec.ID, rec.ArtifactID, rec.CriterionID, rec.Status, rec.Severity,
		string(rec.Data), rec.CreatedAt.UnixNano())
	if err != nil {
		return false, fmt.Errorf("failed to insert ticket: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}
	return n == 1, nil
}

// GetTicket returns the JSON data of one ticket
func (r *Repository) GetTicket(ctx context.Context, id string) ([]byte, error) {
	stmt, err := r.db.GetPreparedStatement("get_ticket")
	if err != nil {
		return nil, err
	}

	var data string
	err = stmt.QueryRowContext(ctx, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query ticket: %w", err)
	}
	return []byte(data), nil
}

// ListTickets returns ticket data oldest first; an empty status lists all
func (r *Repository) ListTickets(ctx context.Context, status string) ([][]byte, error) {
	name, args := "list_tickets", []interface{}{}
	if status != "" {
		name, args = "list_tickets_by_status", []interface{}{status}
	}

	stmt, err := r.db.GetPreparedStatement(name)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tickets: %w", err)
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan ticket: %w", err)
		}
		out = append(out, []byte(data))
	}
	return out, rows.Err()
}

// UpdateTicket applies fn to a ticket currently in expectStatus, inside one
// transaction
func (r *Repository) UpdateTicket(ctx context.Context, id, expectStatus string, fn TicketUpdate) ([]byte, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var data, status string
	err = tx.QueryRowContext(ctx, `SELECT data, status FROM escalation_tickets WHERE id = ?`, id).Scan(&data, &status)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query ticket: %w", err)
	}
	if status != expectStatus {
		return nil, ErrStatusConflict
	}

	updated, newStatus, resolvedAt, err := fn([]byte(data))
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE escalation_tickets SET data = ?, status = ?, resolved_at = ?
		WHERE id = ? AND status = ?
	`, string(updated), newStatus, resolvedAt.UnixNano(), id, expectStatus)
	if err != nil {
		return nil, fmt.Errorf("failed to update ticket: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, ErrStatusConflict
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit ticket update: %w", err)
	}
	return updated, nil
}

// CountTickets returns the number of tickets per status
func (r *Repository) CountTickets(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM escalation_tickets GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tickets: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan ticket count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// SaveRun stores (or replaces) a run record
func (r *Repository) SaveRun(ctx context.Context, rec RunRecord) error {
	stmt, err := r.db.GetPreparedStatement("insert_run")
	if err != nil {
		return err
	}

	if _, err := stmt.ExecContext(ctx, rec.ID, string(rec.Data), rec.CreatedAt.UnixNano()); err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// GetRun returns the JSON data of one run
func (r *Repository) GetRun(ctx context.Context, id string) ([]byte, error) {
	stmt, err := r.db.GetPreparedStatement("get_run")
	if err != nil {
		return nil, err
	}

	var data string
	err = stmt.QueryRowContext(ctx, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	return []byte(data), nil
}
