package escalation

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/ZanzyTHEbar/judge-consensus/internal/database"
	"github.com/ZanzyTHEbar/judge-consensus/internal/errors"
	"github.com/ZanzyTHEbar/judge-consensus/internal/types"
)

// SQLiteStore persists tickets so pending reviews survive a restart
type SQLiteStore struct {
	repo *database.Repository
	now  func() time.Time
}

// NewSQLiteStore wraps a repository opened on the service data directory
func NewSQLiteStore(repo *database.Repository) *SQLiteStore {
	return &SQLiteStore{repo: repo, now: time.Now}
}

// Append implements Store
func (s *SQLiteStore) Append(ctx context.Context, t types.EscalationTicket) (types.EscalationTicket, bool, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return types.EscalationTicket{}, false, errors.NewInternalError("encoding ticket", err)
	}

	created, err := s.repo.InsertTicket(ctx, database.TicketRecord{
		ID:          t.ID,
		ArtifactID:  string(t.ArtifactID),
		CriterionID: string(t.CriterionID),
		Status:      string(t.Status),
		Severity:    t.Severity.String(),
		Data:        data,
		CreatedAt:   t.CreatedAt,
	})
	if err != nil {
		return types.EscalationTicket{}, false, errors.NewInternalError("storing ticket", err)
	}
	if created {
		return t, true, nil
	}

	stored, err := s.Get(ctx, t.ID)
	return stored, false, err
}

// Get implements Store
func (s *SQLiteStore) Get(ctx context.Context, id string) (types.EscalationTicket, error) {
	data, err := s.repo.GetTicket(ctx, id)
	if stderrors.Is(err, database.ErrNotFound) {
		return types.EscalationTicket{}, errors.NewNotFoundError("ticket", id)
	}
	if err != nil {
		return types.EscalationTicket{}, errors.NewInternalError("loading ticket", err)
	}
	return decodeTicket(data)
}

// List implements Store
func (s *SQLiteStore) List(ctx context.Context, status types.TicketStatus) ([]types.EscalationTicket, error) {
	rows, err := s.repo.ListTickets(ctx, string(status))
	if err != nil {
		return nil, errors.NewInternalError("listing tickets", err)
	}

	out := make([]types.EscalationTicket, 0, len(rows))
	for _, data := range rows {
		t, err := decodeTicket(data)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Resolve implements Store
func (s *SQLiteStore) Resolve(ctx context.Context, id string, score float64, reviewer string) (types.EscalationTicket, error) {
	if err := validateFinalScore(score); err != nil {
		return types.EscalationTicket{}, err
	}

	var resolved types.EscalationTicket
	_, err := s.repo.UpdateTicket(ctx, id, string(types.TicketPending), func(data []byte) ([]byte, string, time.Time, error) {
		t, err := decodeTicket(data)
		if err != nil {
			return nil, "", time.Time{}, err
		}
		now := s.now()
		applyResolution(&t, score, reviewer, now)
		updated, err := json.Marshal(t)
		if err != nil {
			return nil, "", time.Time{}, errors.NewInternalError("encoding ticket", err)
		}
		resolved = t
		return updated, string(t.Status), now, nil
	})

	switch {
	case err == nil:
		return resolved, nil
	case stderrors.Is(err, database.ErrNotFound):
		return types.EscalationTicket{}, errors.NewNotFoundError("ticket", id)
	case stderrors.Is(err, database.ErrStatusConflict):
		return types.EscalationTicket{}, alreadyResolved(id)
	default:
		return types.EscalationTicket{}, errors.ToAppError(err)
	}
}

// Counts returns the number of tickets per status
func (s *SQLiteStore) Counts(ctx context.Context) (map[string]int, error) {
	return s.repo.CountTickets(ctx)
}

func decodeTicket(data []byte) (types.EscalationTicket, error) {
	var t types.EscalationTicket
	if err := json.Unmarshal(data, &t); err != nil {
		return types.EscalationTicket{}, errors.NewInternalError("decoding ticket", err)
	}
	return t, nil
}
