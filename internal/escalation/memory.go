package escalation

import (
	"context"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/judge-consensus/internal/errors"
	"github.com/ZanzyTHEbar/judge-consensus/internal/types"
)

// MemoryQueue is the in-process Store
type MemoryQueue struct {
	mu      sync.RWMutex
	tickets map[string]*types.EscalationTicket
	order   []string
	now     func() time.Time
}

// NewMemoryQueue creates an empty queue
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		tickets: make(map[string]*types.EscalationTicket),
		now:     time.Now,
	}
}

// Append implements Store
func (q *MemoryQueue) Append(_ context.Context, t types.EscalationTicket) (types.EscalationTicket, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, ok := q.tickets[t.ID]; ok {
		return *existing, false, nil
	}
	stored := t
	q.tickets[t.ID] = &stored
	q.order = append(q.order, t.ID)
	return stored, true, nil
}

// Get implements Store
func (q *MemoryQueue) Get(_ context.Context, id string) (types.EscalationTicket, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	t, ok := q.tickets[id]
	if !ok {
		return types.EscalationTicket{}, errors.NewNotFoundError("ticket", id)
	}
	return *t, nil
}

// List implements Store
func (q *MemoryQueue) List(_ context.Context, status types.TicketStatus) ([]types.EscalationTicket, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make([]types.EscalationTicket, 0, len(q.order))
	for _, id := range q.order {
		t := q.tickets[id]
		if status == "" || t.Status == status {
			out = append(out, *t)
		}
	}
	return out, nil
}

// Resolve implements Store
func (q *MemoryQueue) Resolve(_ context.Context, id string, score float64, reviewer string) (types.EscalationTicket, error) {
	if err := validateFinalScore(score); err != nil {
		return types.EscalationTicket{}, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tickets[id]
	if !ok {
		return types.EscalationTicket{}, errors.NewNotFoundError("ticket", id)
	}
	if t.Status != types.TicketPending {
		return types.EscalationTicket{}, alreadyResolved(id)
	}

	applyResolution(t, score, reviewer, q.now())
	return *t, nil
}

// Len returns the number of stored tickets
func (q *MemoryQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.order)
}
