package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// AlertSeverity represents the severity level of an alert
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityError    AlertSeverity = "error"
	SeverityCritical AlertSeverity = "critical"
)

// AlertStatus represents the status of an alert
type AlertStatus string

const (
	StatusActive     AlertStatus = "active"
	StatusResolved   AlertStatus = "resolved"
	StatusSuppressed AlertStatus = "suppressed"
)

// Alert represents a monitoring alert
type Alert struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Severity    AlertSeverity     `json:"severity"`
	Status      AlertStatus       `json:"status"`
	Service     string            `json:"service"`
	Labels      map[string]string `json:"labels,omitempty"`
	Value       float64           `json:"value,omitempty"`
	Threshold   float64           `json:"threshold,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	FiredAt     time.Time         `json:"fired_at"`
	ResolvedAt  *time.Time        `json:"resolved_at,omitempty"`
}

// AlertRule is a threshold condition evaluated against Metrics
type AlertRule struct {
	Name        string
	Query       string  // "error_rate", "p95_response_ms", "not_available_rate", "fatal_dispatches"
	Threshold   float64 // Threshold value
	Operator    string  // "gt", "lt", "gte", "lte"
	Severity    AlertSeverity
	Service     string
	Description string
	For         time.Duration // minimum time an alert stays active
	Delta       bool          // compare the growth since the previous evaluation, for counters
}

// AlertNotifier defines the interface for sending alert notifications
type AlertNotifier interface {
	SendAlert(ctx context.Context, alert Alert) error
	ResolveAlert(ctx context.Context, alert Alert) error
}

// LogNotifier writes alerts to the structured log
type LogNotifier struct {
	logger *Logger
}

// NewLogNotifier creates a log-backed notifier
func NewLogNotifier(logger *Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// SendAlert logs a fired alert
func (n *LogNotifier) SendAlert(ctx context.Context, alert Alert) error {
	n.logger.Log(ctx, slog.LevelWarn, "Alert Fired",
		"alert", alert.Name,
		"service", alert.Service,
		"severity", alert.Severity,
		"description", alert.Description,
	)
	return nil
}

// ResolveAlert logs a resolved alert
func (n *LogNotifier) ResolveAlert(ctx context.Context, alert Alert) error {
	n.logger.Info("Alert Resolved", "alert", alert.Name, "service", alert.Service)
	return nil
}

// WebhookNotifier posts alerts as JSON to an HTTP endpoint
type WebhookNotifier struct {
	URL    string
	client *http.Client
}

// NewWebhookNotifier creates a new webhook notifier
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		URL:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// SendAlert posts a fired alert
func (w *WebhookNotifier) SendAlert(ctx context.Context, alert Alert) error {
	return w.post(ctx, alert)
}

// ResolveAlert posts a resolved alert
func (w *WebhookNotifier) ResolveAlert(ctx context.Context, alert Alert) error {
	return w.post(ctx, alert)
}

func (w *WebhookNotifier) post(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// AlertManager tracks alerts raised by engine events and threshold rules
type AlertManager struct {
	mu            sync.RWMutex
	rules         []AlertRule
	alerts        map[string]*Alert
	notifiers     []AlertNotifier
	metrics       *Metrics
	logger        *Logger
	checkInterval time.Duration
	now           func() time.Time
	inflight      sync.WaitGroup
	sent          int64
	lastValues    map[string]float64
}

// NewAlertManager creates a new alert manager
func NewAlertManager(logger *Logger, metrics *Metrics, checkInterval time.Duration) *AlertManager {
	return &AlertManager{
		alerts:        make(map[string]*Alert),
		lastValues:    make(map[string]float64),
		metrics:       metrics,
		logger:        logger,
		checkInterval: checkInterval,
		now:           time.Now,
	}
}

// AddRule adds an alert rule
func (am *AlertManager) AddRule(rule AlertRule) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.rules = append(am.rules, rule)
}

// AddNotifier adds a notifier
func (am *AlertManager) AddNotifier(notifier AlertNotifier) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.notifiers = append(am.notifiers, notifier)
}

// Start begins the rule evaluation loop
func (am *AlertManager) Start(ctx context.Context) {
	ticker := time.NewTicker(am.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			am.EvaluateRules(ctx)
		}
	}
}

// Fire raises (or re-raises) an alert keyed by service and name
func (am *AlertManager) Fire(ctx context.Context, service, name, description string, severity AlertSeverity, labels map[string]string) {
	key := service + ":" + name
	now := am.now()

	am.mu.Lock()
	alert, exists := am.alerts[key]
	if exists && alert.Status == StatusActive {
		am.mu.Unlock()
		return
	}
	if !exists {
		alert = &Alert{ID: key, Name: name, Service: service, CreatedAt: now}
		am.alerts[key] = alert
	}
	alert.Description = description
	alert.Severity = severity
	alert.Labels = labels
	alert.Status = StatusActive
	alert.FiredAt = now
	alert.ResolvedAt = nil
	snapshot := *alert
	am.mu.Unlock()

	am.notify(ctx, snapshot, true)
}

// Resolve closes an active alert; unknown or inactive keys are ignored
func (am *AlertManager) Resolve(ctx context.Context, service, name string) {
	key := service + ":" + name
	now := am.now()

	am.mu.Lock()
	alert, exists := am.alerts[key]
	if !exists || alert.Status != StatusActive {
		am.mu.Unlock()
		return
	}
	alert.Status = StatusResolved
	alert.ResolvedAt = &now
	snapshot := *alert
	am.mu.Unlock()

	am.notify(ctx, snapshot, false)
}

// EvaluateRules checks every threshold rule against current metrics
func (am *AlertManager) EvaluateRules(ctx context.Context) {
	am.mu.RLock()
	rules := append([]AlertRule(nil), am.rules...)
	am.mu.RUnlock()

	for _, rule := range rules {
		am.evaluateRule(ctx, rule)
	}
}

func (am *AlertManager) evaluateRule(ctx context.Context, rule AlertRule) {
	value, ok := am.readMetric(rule.Query)
	if !ok {
		am.logger.SystemLogger("unknown_alert_query", fmt.Sprintf("Unknown query type: %s", rule.Query))
		return
	}
	if rule.Delta {
		key := rule.Service + ":" + rule.Name
		am.mu.Lock()
		prev := am.lastValues[key]
		am.lastValues[key] = value
		am.mu.Unlock()
		value -= prev
	}

	if checkCondition(value, rule.Operator, rule.Threshold) {
		am.Fire(ctx, rule.Service, rule.Name, rule.Description, rule.Severity, nil)
		am.mu.Lock()
		if a := am.alerts[rule.Service+":"+rule.Name]; a != nil {
			a.Value = value
			a.Threshold = rule.Threshold
		}
		am.mu.Unlock()
		return
	}

	am.mu.RLock()
	alert, exists := am.alerts[rule.Service+":"+rule.Name]
	stale := exists && alert.Status == StatusActive && am.now().Sub(alert.FiredAt) >= rule.For
	am.mu.RUnlock()
	if stale {
		am.Resolve(ctx, rule.Service, rule.Name)
	}
}

func (am *AlertManager) readMetric(query string) (float64, bool) {
	m := am.metrics
	if m == nil {
		return 0, false
	}

	switch query {
	case "error_rate":
		requests := atomic.LoadInt64(&m.RequestCount)
		if requests == 0 {
			return 0, true
		}
		return float64(atomic.LoadInt64(&m.ErrorCount)) / float64(requests) * 100, true
	case "p95_response_ms":
		return float64(m.GetPercentileResponseTime(95).Milliseconds()), true
	case "not_available_rate":
		dispatches := atomic.LoadInt64(&m.Dispatches)
		if dispatches == 0 {
			return 0, true
		}
		return float64(atomic.LoadInt64(&m.NotAvailable)) / float64(dispatches), true
	case "fatal_dispatches":
		return float64(atomic.LoadInt64(&m.FatalDispatches)), true
	default:
		return 0, false
	}
}

func checkCondition(value float64, operator string, threshold float64) bool {
	switch operator {
	case "gt":
		return value > threshold
	case "lt":
		return value < threshold
	case "gte":
		return value >= threshold
	case "lte":
		return value <= threshold
	default:
		return false
	}
}

func (am *AlertManager) notify(ctx context.Context, alert Alert, firing bool) {
	if firing {
		am.logger.SystemLogger("alert_fired", fmt.Sprintf("Alert %s fired with severity %s", alert.Name, alert.Severity))
	} else {
		am.logger.SystemLogger("alert_resolved", fmt.Sprintf("Alert %s resolved", alert.Name))
	}

	am.mu.RLock()
	notifiers := append([]AlertNotifier(nil), am.notifiers...)
	am.mu.RUnlock()

	// notifications must not hold up the dispatch path
	ctx = context.WithoutCancel(ctx)
	for _, notifier := range notifiers {
		am.inflight.Add(1)
		go func(n AlertNotifier) {
			defer am.inflight.Done()
			var err error
			if firing {
				err = n.SendAlert(ctx, alert)
			} else {
				err = n.ResolveAlert(ctx, alert)
			}
			if err != nil {
				am.logger.SystemLogger("alert_notification_failed", fmt.Sprintf("Failed to notify alert %s: %v", alert.Name, err))
				return
			}
			atomic.AddInt64(&am.sent, 1)
		}(notifier)
	}
}

// Flush waits for in-flight notifications
func (am *AlertManager) Flush() {
	am.inflight.Wait()
}

// GetAlerts returns every known alert, newest first
func (am *AlertManager) GetAlerts() []Alert {
	return am.collect(func(*Alert) bool { return true })
}

// GetActiveAlerts returns only active alerts, newest first
func (am *AlertManager) GetActiveAlerts() []Alert {
	return am.collect(func(a *Alert) bool { return a.Status == StatusActive })
}

func (am *AlertManager) collect(keep func(*Alert) bool) []Alert {
	am.mu.RLock()
	defer am.mu.RUnlock()

	out := make([]Alert, 0, len(am.alerts))
	for _, a := range am.alerts {
		if keep(a) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FiredAt.Equal(out[j].FiredAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].FiredAt.After(out[j].FiredAt)
	})
	return out
}

// SilenceAlert suppresses an alert until it fires again
func (am *AlertManager) SilenceAlert(alertID string) bool {
	am.mu.Lock()
	defer am.mu.Unlock()

	alert, exists := am.alerts[alertID]
	if !exists {
		return false
	}
	alert.Status = StatusSuppressed
	am.logger.SystemLogger("alert_silenced", fmt.Sprintf("Alert %s silenced", alert.Name))
	return true
}

// DefaultAlertRules are installed by the server at startup
var DefaultAlertRules = []AlertRule{
	{
		Name:        "HighErrorRate",
		Query:       "error_rate",
		Threshold:   10.0,
		Operator:    "gt",
		Severity:    SeverityWarning,
		Service:     "api",
		Description: "API error rate is above 10%",
		For:         5 * time.Minute,
	},
	{
		Name:        "EvaluatorsMostlyUnavailable",
		Query:       "not_available_rate",
		Threshold:   0.5,
		Operator:    "gt",
		Severity:    SeverityError,
		Service:     "dispatcher",
		Description: "More than half of evaluator slots per dispatch return NotAvailable",
		For:         5 * time.Minute,
	},
	{
		Name:        "NoEvaluatorsAvailable",
		Query:       "fatal_dispatches",
		Threshold:   0,
		Operator:    "gt",
		Severity:    SeverityCritical,
		Service:     "dispatcher",
		Description: "A dispatch failed because every evaluator was down",
		For:         10 * time.Minute,
		Delta:       true,
	},
}
