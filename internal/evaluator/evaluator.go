// Package evaluator defines the scoring backend capability and the registry
// of backends configured at startup.
package evaluator

import (
	"context"
	"fmt"
	"sync"

	"github.com/ZanzyTHEbar/judge-consensus/internal/types"
)

// Request is one scoring call for an (artifact, criterion) pair
type Request struct {
	ArtifactID  types.ArtifactID  `json:"artifact_id"`
	CriterionID types.CriterionID `json:"criterion_id"`
	Context     string            `json:"context"`
}

// Client is a scoring backend. Any returned error is retryable unless it is
// tagged otherwise (see errors.IsRetryableError).
type Client interface {
	ID() types.EvaluatorID
	Evaluate(ctx context.Context, req Request) (types.Score, error)
	Probe(ctx context.Context) error
}

// Throttled is implemented by clients with a local request budget. Callers
// take the budget with Throttle before starting an attempt, so the wait is
// never part of the attempt itself.
type Throttled interface {
	Throttle(ctx context.Context) error
}

// Registry holds the configured evaluators in registration order
type Registry struct {
	mu      sync.RWMutex
	order   []types.EvaluatorID
	clients map[types.EvaluatorID]Client
}

// NewRegistry creates a registry pre-populated with clients
func NewRegistry(clients ...Client) (*Registry, error) {
	r := &Registry{clients: make(map[types.EvaluatorID]Client)}
	for _, c := range clients {
		if err := r.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a client; IDs must be unique
func (r *Registry) Register(c Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := c.ID()
	if id == "" {
		return fmt.Errorf("evaluator id must not be empty")
	}
	if _, exists := r.clients[id]; exists {
		return fmt.Errorf("evaluator %q already registered", id)
	}
	r.clients[id] = c
	r.order = append(r.order, id)
	return nil
}

// Get returns the client registered under id
func (r *Registry) Get(id types.EvaluatorID) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	return c, ok
}

// IDs returns evaluator IDs in registration order
func (r *Registry) IDs() []types.EvaluatorID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]types.EvaluatorID(nil), r.order...)
}

// Len returns the number of registered evaluators
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
