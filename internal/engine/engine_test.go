package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/judge-consensus/internal/config"
	"github.com/ZanzyTHEbar/judge-consensus/internal/consensus"
	"github.com/ZanzyTHEbar/judge-consensus/internal/database"
	"github.com/ZanzyTHEbar/judge-consensus/internal/errors"
	"github.com/ZanzyTHEbar/judge-consensus/internal/escalation"
	"github.com/ZanzyTHEbar/judge-consensus/internal/evaluator"
	"github.com/ZanzyTHEbar/judge-consensus/internal/monitoring"
	"github.com/ZanzyTHEbar/judge-consensus/internal/report"
	"github.com/ZanzyTHEbar/judge-consensus/internal/resilience"
	"github.com/ZanzyTHEbar/judge-consensus/internal/types"
)

type scriptedClient struct {
	id       types.EvaluatorID
	calls    atomic.Int32
	inFlight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
	score    func(req evaluator.Request) (types.Score, error)
}

func (c *scriptedClient) ID() types.EvaluatorID { return c.id }

func (c *scriptedClient) Evaluate(ctx context.Context, req evaluator.Request) (types.Score, error) {
	c.calls.Add(1)
	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		peak := c.peak.Load()
		if n <= peak || c.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return types.Score{}, ctx.Err()
		}
	}
	return c.score(req)
}

func (c *scriptedClient) Probe(context.Context) error { return nil }

func constant(v float64) func(evaluator.Request) (types.Score, error) {
	return func(evaluator.Request) (types.Score, error) {
		return types.Score{Value: v, Rationale: "consistent", Confidence: 0.8}, nil
	}
}

func broken(evaluator.Request) (types.Score, error) {
	return types.Score{}, errors.NewNetworkError("connection refused", nil)
}

type fixture struct {
	engine  *Engine
	queue   *escalation.MemoryQueue
	metrics *monitoring.Metrics
}

func newFixture(t *testing.T, opts []Option, clients ...evaluator.Client) fixture {
	t.Helper()
	registry, err := evaluator.NewRegistry(clients...)
	require.NoError(t, err)

	cfg := config.Default()
	retry := resilience.RetryConfigFrom(cfg.Dispatch)
	retry.MaxRetries = 0
	retry.BaseDelay = time.Millisecond
	retry.MaxDelay = time.Millisecond

	metrics := monitoring.NewMetrics()
	tracker := resilience.NewAvailabilityTracker(cfg.Availability, registry, nil, metrics)
	dispatcher := resilience.NewDispatcher(registry, tracker, retry, nil, metrics)

	queue := escalation.NewMemoryQueue()
	pipeline := consensus.NewPipeline(&cfg.Consensus, queue, nil, metrics)

	return fixture{
		engine:  New(dispatcher, pipeline, append([]Option{WithMetrics(metrics)}, opts...)...),
		queue:   queue,
		metrics: metrics,
	}
}

func runRequest(criteria ...types.CriterionID) types.RunRequest {
	return types.RunRequest{
		Artifacts: []types.Artifact{{ID: "doc-1", Content: "first"}, {ID: "doc-2", Content: "second"}},
		Criteria:  criteria,
	}
}

func TestRunResolvesEveryPairInOrder(t *testing.T) {
	f := newFixture(t, nil,
		&scriptedClient{id: "judge-a", score: constant(7.8)},
		&scriptedClient{id: "judge-b", score: constant(8.0)},
	)

	rep, err := f.engine.Run(context.Background(), runRequest("clarity", "depth"))
	require.NoError(t, err)

	require.Len(t, rep.Entries, 4)
	want := [][2]string{{"doc-1", "clarity"}, {"doc-1", "depth"}, {"doc-2", "clarity"}, {"doc-2", "depth"}}
	for i, w := range want {
		assert.Equal(t, types.ArtifactID(w[0]), rep.Entries[i].ArtifactID)
		assert.Equal(t, types.CriterionID(w[1]), rep.Entries[i].CriterionID)
		assert.Equal(t, types.MethodWeightedAverage, rep.Entries[i].Method)
	}
	assert.Equal(t, 4, rep.ResolvedCount)
	assert.Equal(t, 1.0, rep.CompletionRate)
	assert.NotEmpty(t, rep.RunID)
}

func TestRunBoundsPairConcurrency(t *testing.T) {
	a := &scriptedClient{id: "judge-a", score: constant(7), delay: 10 * time.Millisecond}
	f := newFixture(t, []Option{WithConcurrency(2)}, a)

	req := runRequest("c1", "c2", "c3", "c4")
	_, err := f.engine.Run(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, int32(8), a.calls.Load())
	assert.LessOrEqual(t, a.peak.Load(), int32(2))
}

func TestRunDegradesAroundFailingEvaluator(t *testing.T) {
	f := newFixture(t, nil,
		&scriptedClient{id: "judge-a", score: constant(7)},
		&scriptedClient{id: "judge-b", score: broken},
	)

	rep, err := f.engine.Run(context.Background(), runRequest("clarity"))
	require.NoError(t, err)

	assert.Equal(t, 2, rep.ResolvedCount)
	assert.Equal(t, 2, rep.DegradedCount)
	for _, e := range rep.Entries {
		assert.Equal(t, types.MethodSingleEvaluator, e.Method)
		outcome, ok := e.Result.Get("judge-b")
		require.True(t, ok)
		assert.Equal(t, types.OutcomeNotAvailable, outcome.Kind)
	}
}

func TestRunAllFailingIsNotFatal(t *testing.T) {
	f := newFixture(t, nil,
		&scriptedClient{id: "judge-a", score: broken},
		&scriptedClient{id: "judge-b", score: broken},
	)

	rep, err := f.engine.Run(context.Background(), runRequest("clarity"))
	require.NoError(t, err)
	assert.Equal(t, 2, rep.NACount)
	assert.Equal(t, 0.0, rep.CompletionRate)
	for _, e := range rep.Entries {
		assert.Equal(t, types.StatusNotAvailable, e.Status)
		assert.Len(t, e.Result.Entries, 2)
	}
}

func TestRunFatalWithoutEvaluators(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.engine.Run(context.Background(), runRequest("clarity"))
	assert.True(t, errors.IsNoEvaluatorsAvailable(err))

	g := newFixture(t, nil, &scriptedClient{id: "judge-a", score: constant(5)})
	req := runRequest("clarity")
	req.Evaluators = []types.EvaluatorID{"judge-x"}
	_, err = g.engine.Run(context.Background(), req)
	assert.True(t, errors.IsNoEvaluatorsAvailable(err))
}

func TestRunValidation(t *testing.T) {
	f := newFixture(t, nil, &scriptedClient{id: "judge-a", score: constant(5)})

	tests := []struct {
		name string
		req  types.RunRequest
	}{
		{"no artifacts", types.RunRequest{Criteria: []types.CriterionID{"c"}}},
		{"no criteria", types.RunRequest{Artifacts: []types.Artifact{{ID: "a"}}}},
		{"empty artifact id", types.RunRequest{Artifacts: []types.Artifact{{}}, Criteria: []types.CriterionID{"c"}}},
		{"duplicate artifact", types.RunRequest{Artifacts: []types.Artifact{{ID: "a"}, {ID: "a"}}, Criteria: []types.CriterionID{"c"}}},
		{"duplicate criterion", types.RunRequest{Artifacts: []types.Artifact{{ID: "a"}}, Criteria: []types.CriterionID{"c", "c"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Run(context.Background(), tt.req)
			require.Error(t, err)
			assert.Equal(t, errors.CategoryValidation, errors.ToAppError(err).Category)
		})
	}
}

func TestEscalationRoundTrip(t *testing.T) {
	split := func(depth, other float64) func(evaluator.Request) (types.Score, error) {
		return func(req evaluator.Request) (types.Score, error) {
			if req.CriterionID == "depth" {
				return types.Score{Value: depth, Rationale: "depth", Confidence: 0.9}, nil
			}
			return types.Score{Value: other, Rationale: "fine", Confidence: 0.9}, nil
		}
	}
	f := newFixture(t, nil,
		&scriptedClient{id: "judge-a", score: split(2, 7.5)},
		&scriptedClient{id: "judge-b", score: split(9, 7.6)},
	)
	ctx := context.Background()

	rep, err := f.engine.Run(ctx, types.RunRequest{
		Artifacts: []types.Artifact{{ID: "doc-1"}},
		Criteria:  []types.CriterionID{"clarity", "depth"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, rep.EscalatedCount)
	assert.Equal(t, 0.5, rep.CompletionRate)

	pending, err := f.engine.Tickets(ctx, types.TicketPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	ticket := pending[0]
	assert.Equal(t, types.CriterionID("depth"), ticket.CriterionID)

	_, err = f.engine.ResolveTicket(ctx, ticket.ID, 11, "alice")
	assert.Equal(t, errors.CategoryValidation, errors.ToAppError(err).Category)

	resolved, err := f.engine.ResolveTicket(ctx, ticket.ID, 5.5, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", resolved.ResolvedBy)

	_, err = f.engine.ResolveTicket(ctx, ticket.ID, 6, "bob")
	assert.Equal(t, errors.CategoryConflict, errors.ToAppError(err).Category)

	regenerated, err := f.engine.Regenerate(ctx, rep.RunID)
	require.NoError(t, err)
	assert.Equal(t, 0, regenerated.EscalatedCount)
	assert.Equal(t, 2, regenerated.ResolvedCount)
	assert.Equal(t, 1.0, regenerated.CompletionRate)

	entry, ok := regenerated.Lookup("doc-1", "depth")
	require.True(t, ok)
	assert.Equal(t, types.MethodHumanReview, entry.Method)
	require.NotNil(t, entry.Value)
	assert.Equal(t, 5.5, *entry.Value)

	assert.Equal(t, int64(1), f.metrics.GetStats()["escalations"])
	assert.Equal(t, int64(1), f.metrics.GetStats()["tickets_resolved"])
	assert.Equal(t, 1, f.queue.Len())
}

func TestRegenerateUsesCache(t *testing.T) {
	f := newFixture(t, nil, &scriptedClient{id: "judge-a", score: constant(6)})
	ctx := context.Background()

	rep, err := f.engine.Run(ctx, runRequest("clarity"))
	require.NoError(t, err)

	again, err := f.engine.Regenerate(ctx, rep.RunID)
	require.NoError(t, err)
	assert.Equal(t, rep.RunID, again.RunID)
	assert.Equal(t, int64(1), f.metrics.GetStats()["cache_hits"])

	_, err = f.engine.Regenerate(ctx, "missing")
	assert.Equal(t, errors.CategoryNotFound, errors.ToAppError(err).Category)
}

func TestTicketsRejectsUnknownStatus(t *testing.T) {
	f := newFixture(t, nil, &scriptedClient{id: "judge-a", score: constant(6)})
	_, err := f.engine.Tickets(context.Background(), "open")
	assert.Equal(t, errors.CategoryValidation, errors.ToAppError(err).Category)
}

func TestSQLiteRunStore(t *testing.T) {
	db, err := database.NewDB(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := NewSQLiteRunStore(database.NewRepository(db))
	ctx := context.Background()

	value := 7.9
	rep := report.Build("run-1", []types.ResolvedScore{{
		ArtifactID:  "doc-1",
		CriterionID: "clarity",
		Status:      types.StatusResolved,
		Method:      types.MethodWeightedAverage,
		Value:       &value,
	}}, time.Now().UTC())
	require.NoError(t, store.Save(ctx, rep))

	loaded, err := store.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, rep.RunID, loaded.RunID)
	assert.Equal(t, rep.ResolvedCount, loaded.ResolvedCount)
	assert.Equal(t, types.MethodWeightedAverage, loaded.Entries[0].Method)

	_, err = store.Get(ctx, "run-2")
	assert.Equal(t, errors.CategoryNotFound, errors.ToAppError(err).Category)
}

func TestEngineWithSQLiteStores(t *testing.T) {
	db, err := database.NewDB(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	repo := database.NewRepository(db)

	f := newFixture(t, []Option{WithRunStore(NewSQLiteRunStore(repo))},
		&scriptedClient{id: "judge-a", score: constant(3)},
		&scriptedClient{id: "judge-b", score: constant(9)},
	)
	ctx := context.Background()

	rep, err := f.engine.Run(ctx, runRequest("clarity"))
	require.NoError(t, err)
	assert.Equal(t, 2, rep.EscalatedCount)

	// a fresh engine over the same database sees the stored run
	h := newFixture(t, []Option{WithRunStore(NewSQLiteRunStore(repo))}, &scriptedClient{id: "judge-a", score: constant(3)})
	loaded, err := h.engine.Regenerate(ctx, rep.RunID)
	require.NoError(t, err)
	assert.Equal(t, rep.EscalatedCount, loaded.EscalatedCount)
	assert.Equal(t, rep.Entries[0].Ticket.ID, loaded.Entries[0].Ticket.ID)
}
