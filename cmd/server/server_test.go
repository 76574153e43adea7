package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/judge-consensus/internal/config"
	"github.com/ZanzyTHEbar/judge-consensus/internal/consensus"
	"github.com/ZanzyTHEbar/judge-consensus/internal/engine"
	"github.com/ZanzyTHEbar/judge-consensus/internal/errors"
	"github.com/ZanzyTHEbar/judge-consensus/internal/escalation"
	"github.com/ZanzyTHEbar/judge-consensus/internal/evaluator"
	"github.com/ZanzyTHEbar/judge-consensus/internal/middleware"
	"github.com/ZanzyTHEbar/judge-consensus/internal/monitoring"
	"github.com/ZanzyTHEbar/judge-consensus/internal/report"
	"github.com/ZanzyTHEbar/judge-consensus/internal/resilience"
	"github.com/ZanzyTHEbar/judge-consensus/internal/security"
	"github.com/ZanzyTHEbar/judge-consensus/internal/types"
)

const testSecret = "test-reviewer-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

// stubEvaluator scores by criterion
type stubEvaluator struct {
	id     types.EvaluatorID
	scores map[types.CriterionID]float64
}

func (s *stubEvaluator) ID() types.EvaluatorID { return s.id }

func (s *stubEvaluator) Evaluate(_ context.Context, req evaluator.Request) (types.Score, error) {
	v, ok := s.scores[req.CriterionID]
	if !ok {
		return types.Score{}, errors.NewNetworkError("connection refused", nil)
	}
	return types.Score{Value: v, Rationale: "scored", Confidence: 0.8}, nil
}

func (s *stubEvaluator) Probe(context.Context) error { return nil }

func newTestServer(t *testing.T, clients ...evaluator.Client) (*gin.Engine, *monitoring.Metrics) {
	t.Helper()

	registry, err := evaluator.NewRegistry(clients...)
	require.NoError(t, err)

	cfg := config.Default()
	retry := resilience.RetryConfigFrom(cfg.Dispatch)
	retry.MaxRetries = 0
	retry.BaseDelay = time.Millisecond
	retry.MaxDelay = time.Millisecond

	logger := monitoring.NopLogger()
	metrics := monitoring.NewMetrics()
	alerts := monitoring.NewAlertManager(logger, metrics, time.Minute)

	tracker := resilience.NewAvailabilityTracker(cfg.Availability, registry, logger, metrics)
	tracker.OnTransition(resilience.AlertOnDown(alerts))
	dispatcher := resilience.NewDispatcher(registry, tracker, retry, logger, metrics)

	pipeline := consensus.NewPipeline(&cfg.Consensus, escalation.NewMemoryQueue(), logger, metrics)
	pipeline.OnEscalate(consensus.AlertOnEscalation(alerts))

	eng := engine.New(dispatcher, pipeline,
		engine.WithAlertManager(alerts),
		engine.WithLogger(logger),
		engine.WithMetrics(metrics),
	)

	r := newRouter(&server{
		engine:   eng,
		auth:     security.NewReviewerAuth(testSecret, time.Hour),
		security: security.NewSecurityMiddleware(security.DefaultSecurityConfig()),
		compress: middleware.NewCompressionMiddleware(middleware.DefaultCompressionConfig()),
		alerts:   alerts,
		metrics:  metrics,
		logger:   logger,
	})
	return r, metrics
}

func do(t *testing.T, r *gin.Engine, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func runBody(criteria ...types.CriterionID) types.RunRequest {
	return types.RunRequest{
		Artifacts: []types.Artifact{{ID: "doc-1", Content: "proposal text"}},
		Criteria:  criteria,
	}
}

func TestHealth(t *testing.T) {
	t.Run("live evaluators", func(t *testing.T) {
		r, _ := newTestServer(t, &stubEvaluator{id: "judge-a"})
		w := do(t, r, http.MethodGet, "/health", nil, "")

		assert.Equal(t, http.StatusOK, w.Code)
		body := decode[map[string]interface{}](t, w)
		assert.Equal(t, "ok", body["status"])
		assert.Equal(t, version, body["version"])
		assert.NotEmpty(t, w.Header().Get(monitoring.RequestIDHeader))
	})

	t.Run("no evaluators", func(t *testing.T) {
		r, _ := newTestServer(t)
		w := do(t, r, http.MethodGet, "/health", nil, "")

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, "unavailable", decode[map[string]interface{}](t, w)["status"])
	})
}

func TestRunEndpoint(t *testing.T) {
	r, metrics := newTestServer(t,
		&stubEvaluator{id: "judge-a", scores: map[types.CriterionID]float64{"clarity": 7.8}},
		&stubEvaluator{id: "judge-b", scores: map[types.CriterionID]float64{"clarity": 8.0}},
	)

	w := do(t, r, http.MethodPost, "/runs", runBody("clarity"), "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	rep := decode[report.ConsensusReport](t, w)
	require.Len(t, rep.Entries, 1)
	assert.Equal(t, types.MethodWeightedAverage, rep.Entries[0].Method)
	assert.InDelta(t, 7.9, *rep.Entries[0].Value, 1e-9)
	assert.Equal(t, 1.0, rep.CompletionRate)

	w = do(t, r, http.MethodGet, "/runs/"+rep.RunID+"/report", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, rep.RunID, decode[report.ConsensusReport](t, w).RunID)

	w = do(t, r, http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[map[string]interface{}](t, w)
	assert.Equal(t, float64(1), stats["dispatches"])
	assert.Contains(t, stats, "report_cache")
	assert.Contains(t, stats, "compression")
	assert.Equal(t, int64(0), metrics.GetStats()["fatal_dispatches"])
}

func TestRunEndpointErrors(t *testing.T) {
	tests := []struct {
		name       string
		clients    []evaluator.Client
		body       interface{}
		wantStatus int
		wantCode   string
	}{
		{
			name:       "no evaluators",
			body:       runBody("clarity"),
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   "NO_EVALUATORS_AVAILABLE",
		},
		{
			name:       "missing criteria",
			clients:    []evaluator.Client{&stubEvaluator{id: "judge-a"}},
			body:       map[string]interface{}{"artifacts": []map[string]string{{"id": "doc-1"}}},
			wantStatus: http.StatusBadRequest,
			wantCode:   "VALIDATION_ERROR",
		},
		{
			name:       "duplicate criteria",
			clients:    []evaluator.Client{&stubEvaluator{id: "judge-a"}},
			body:       runBody("clarity", "clarity"),
			wantStatus: http.StatusBadRequest,
			wantCode:   "VALIDATION_ERROR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newTestServer(t, tt.clients...)
			w := do(t, r, http.MethodPost, "/runs", tt.body, "")

			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			body := decode[map[string]interface{}](t, w)
			assert.Equal(t, float64(tt.wantStatus), body["http_status"])
			assert.Equal(t, tt.wantCode, body["code"])
		})
	}

	t.Run("unknown run", func(t *testing.T) {
		r, _ := newTestServer(t, &stubEvaluator{id: "judge-a"})
		w := do(t, r, http.MethodGet, "/runs/nope/report", nil, "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestEscalationLifecycle(t *testing.T) {
	r, _ := newTestServer(t,
		&stubEvaluator{id: "judge-a", scores: map[types.CriterionID]float64{"depth": 2}},
		&stubEvaluator{id: "judge-b", scores: map[types.CriterionID]float64{"depth": 9}},
	)

	w := do(t, r, http.MethodPost, "/runs", runBody("depth"), "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	rep := decode[report.ConsensusReport](t, w)
	require.Len(t, rep.Entries, 1)
	assert.Equal(t, types.StatusEscalatedToHuman, rep.Entries[0].Status)
	assert.Equal(t, 1, rep.EscalatedCount)

	w = do(t, r, http.MethodGet, "/escalations?status=pending", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		Tickets []types.EscalationTicket `json:"tickets"`
		Count   int                      `json:"count"`
	}](t, w)
	require.Equal(t, 1, list.Count)
	ticketID := list.Tickets[0].ID

	w = do(t, r, http.MethodGet, "/escalations/"+ticketID, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, types.TicketPending, decode[types.EscalationTicket](t, w).Status)

	w = do(t, r, http.MethodGet, "/alerts", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode[map[string]interface{}](t, w)["active"])

	score := 5.5
	resolvePath := "/escalations/" + ticketID + "/resolve"

	w = do(t, r, http.MethodPost, resolvePath, types.ResolveTicketRequest{Score: &score}, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token, err := security.NewReviewerAuth(testSecret, time.Hour).GenerateToken("alice")
	require.NoError(t, err)

	w = do(t, r, http.MethodPost, resolvePath, map[string]interface{}{}, token)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// a reviewer named in the body is ignored
	w = do(t, r, http.MethodPost, resolvePath, map[string]interface{}{"score": score, "reviewer": "mallory"}, token)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resolved := decode[types.EscalationTicket](t, w)
	assert.Equal(t, types.TicketResolved, resolved.Status)
	assert.Equal(t, "alice", resolved.ResolvedBy)

	w = do(t, r, http.MethodPost, resolvePath, types.ResolveTicketRequest{Score: &score}, token)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, r, http.MethodGet, "/runs/"+rep.RunID+"/report", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	refreshed := decode[report.ConsensusReport](t, w)
	assert.Equal(t, types.MethodHumanReview, refreshed.Entries[0].Method)
	assert.InDelta(t, 5.5, *refreshed.Entries[0].Value, 1e-9)

	w = do(t, r, http.MethodGet, "/escalations?status=bogus", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEvaluatorEndpoints(t *testing.T) {
	r, _ := newTestServer(t, &stubEvaluator{id: "judge-a"}, &stubEvaluator{id: "judge-b"})

	w := do(t, r, http.MethodGet, "/evaluators", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[struct {
		Evaluators []types.AvailabilityState `json:"evaluators"`
	}](t, w)
	require.Len(t, body.Evaluators, 2)
	assert.Equal(t, types.Live, body.Evaluators[0].Level)

	w = do(t, r, http.MethodPost, "/evaluators/judge-a/probe", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, types.Live, decode[types.AvailabilityState](t, w).Level)

	w = do(t, r, http.MethodPost, "/evaluators/judge-z/probe", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSilenceUnknownAlert(t *testing.T) {
	r, _ := newTestServer(t, &stubEvaluator{id: "judge-a"})
	w := do(t, r, http.MethodPost, "/alerts/missing/silence", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("CONSENSUS_REVIEWER_SECRET", testSecret)

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"token", "--reviewer", "alice", "--ttl", "1h"})
	require.NoError(t, cmd.Execute())

	reviewer, err := security.NewReviewerAuth(testSecret, time.Hour).ValidateToken(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "alice", reviewer)

	t.Run("reviewer is required", func(t *testing.T) {
		cmd := newRootCmd()
		cmd.SetOut(io.Discard)
		cmd.SetErr(io.Discard)
		cmd.SetArgs([]string{"token"})
		assert.Error(t, cmd.Execute())
	})
}
