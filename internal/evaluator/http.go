package evaluator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ZanzyTHEbar/judge-consensus/internal/config"
	"github.com/ZanzyTHEbar/judge-consensus/internal/errors"
	"github.com/ZanzyTHEbar/judge-consensus/internal/monitoring"
	"github.com/ZanzyTHEbar/judge-consensus/internal/ratelimit"
	"github.com/ZanzyTHEbar/judge-consensus/internal/types"
)

const defaultConfidence = 0.5

// HTTPClient calls a judge service over JSON/HTTP:
// POST {endpoint}/evaluate and GET {endpoint}/health.
type HTTPClient struct {
	id         types.EvaluatorID
	endpoint   string
	apiKey     string
	model      string
	httpClient *http.Client
	limiter    *ratelimit.RateLimiter
	budget     ratelimit.Rate
	metrics    *monitoring.Metrics
	logger     *monitoring.Logger
}

// HTTPOption customises an HTTPClient
type HTTPOption func(*HTTPClient)

// WithRateLimiter enforces the evaluator's requests_per_minute budget
// through Throttle
func WithRateLimiter(l *ratelimit.RateLimiter) HTTPOption {
	return func(c *HTTPClient) { c.limiter = l }
}

// WithMetrics records per call outcomes
func WithMetrics(m *monitoring.Metrics) HTTPOption {
	return func(c *HTTPClient) { c.metrics = m }
}

// WithLogger sets the logger used for backend call logs
func WithLogger(l *monitoring.Logger) HTTPOption {
	return func(c *HTTPClient) { c.logger = l }
}

// WithHTTPClient replaces the underlying transport client
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(c *HTTPClient) { c.httpClient = hc }
}

// NewHTTPClient builds a backend from its configuration entry
func NewHTTPClient(cfg config.EvaluatorConfig, opts ...HTTPOption) *HTTPClient {
	transport := &http.Transport{
		MaxIdleConns:          20,
		MaxConnsPerHost:       10,
		MaxIdleConnsPerHost:   5,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	c := &HTTPClient{
		id:       types.EvaluatorID(cfg.ID),
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		// per-attempt deadlines come from the caller's context; Timeout is a backstop
		httpClient: &http.Client{Transport: transport, Timeout: cfg.Timeout},
		budget:     ratelimit.PerMinute(cfg.RequestsPerMinute),
		logger:     monitoring.NopLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ID returns the evaluator ID
func (c *HTTPClient) ID() types.EvaluatorID {
	return c.id
}

type evaluateRequest struct {
	ArtifactID  types.ArtifactID  `json:"artifact_id"`
	CriterionID types.CriterionID `json:"criterion_id"`
	Context     string            `json:"context"`
	Model       string            `json:"model,omitempty"`
}

type evaluateResponse struct {
	Score      *float64 `json:"score"`
	Rationale  string   `json:"rationale"`
	Confidence *float64 `json:"confidence"`
}

// Throttle blocks until the evaluator's request budget allows one more call
func (c *HTTPClient) Throttle(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx, string(c.id), c.budget)
}

// Evaluate asks the backend to score one (artifact, criterion) pair. It does
// not take budget; see Throttle.
func (c *HTTPClient) Evaluate(ctx context.Context, req Request) (types.Score, error) {
	body, err := json.Marshal(evaluateRequest{
		ArtifactID:  req.ArtifactID,
		CriterionID: req.CriterionID,
		Context:     req.Context,
		Model:       c.model,
	})
	if err != nil {
		return types.Score{}, errors.NonRetryable(err)
	}

	respBody, err := c.do(ctx, http.MethodPost, "/evaluate", body)
	if err != nil {
		return types.Score{}, err
	}

	var out evaluateResponse
	if err := json.Unmarshal([]byte(cleanJSON(string(respBody))), &out); err != nil {
		return types.Score{}, errors.NewExternalAPIError(string(c.id), fmt.Errorf("decoding score: %w", err))
	}
	if out.Score == nil {
		return types.Score{}, errors.NewExternalAPIError(string(c.id), fmt.Errorf("response has no score"))
	}

	confidence := defaultConfidence
	if out.Confidence != nil {
		confidence = *out.Confidence
	}

	score, err := types.NewScore(*out.Score, out.Rationale, confidence)
	if err != nil {
		return types.Score{}, errors.NewValidationError(fmt.Sprintf("evaluator %s returned an invalid score", c.id), err)
	}
	return score, nil
}

// Probe performs a liveness check without scoring
func (c *HTTPClient) Probe(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/health", nil)
	return err
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, reader)
	if err != nil {
		return nil, errors.NonRetryable(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start)
	if err != nil {
		c.record(method, path, 0, duration, false)
		return nil, errors.ToAppError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.record(method, path, resp.StatusCode, duration, false)
		return nil, errors.NewNetworkError("reading evaluator response", err)
	}

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	c.record(method, path, resp.StatusCode, duration, ok)
	if ok {
		return respBody, nil
	}

	return nil, c.statusError(resp, respBody)
}

func (c *HTTPClient) statusError(resp *http.Response, body []byte) error {
	cause := fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errors.NewAuthenticationError(fmt.Sprintf("evaluator %s rejected credentials", c.id), cause)
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := resp.Header.Get("Retry-After")
		if retryAfter == "" {
			retryAfter = "unknown"
		}
		return errors.WrapError(errors.NewRateLimitError(retryAfter), "evaluator %s", c.id)
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return errors.NewValidationError(fmt.Sprintf("evaluator %s rejected the request", c.id), cause)
	default:
		return errors.NewExternalAPIError(string(c.id), cause)
	}
}

func (c *HTTPClient) record(method, path string, status int, duration time.Duration, success bool) {
	if c.metrics != nil {
		c.metrics.RecordEvaluatorCall(string(c.id), success)
	}
	c.logger.ExternalAPILogger(string(c.id), method, path, status, duration, success)
}

// cleanJSON strips a markdown code fence (```json ... ```) some judges wrap
// around their JSON output
func cleanJSON(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// BuildRegistry registers one backend per configured evaluator, in order
func BuildRegistry(cfgs []config.EvaluatorConfig, opts ...HTTPOption) (*Registry, error) {
	registry, _ := NewRegistry()
	for _, ec := range cfgs {
		switch ec.Kind {
		case "http":
			if err := registry.Register(NewHTTPClient(ec, opts...)); err != nil {
				return nil, err
			}
		default:
			return nil, errors.NewConfigurationError(fmt.Sprintf("evaluator %s: unsupported kind %q", ec.ID, ec.Kind), nil)
		}
	}
	return registry, nil
}
