package monitoring

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Logger provides structured logging with engine event helpers
type Logger struct {
	*slog.Logger
}

// NewLogger creates a logger writing to stdout at the given level ("debug",
// "info", "warn", "error") and format ("json" or "text").
func NewLogger(level, format string) *Logger {
	return NewLoggerTo(os.Stdout, level, format)
}

// NewLoggerTo is NewLogger with an explicit sink
func NewLoggerTo(w io.Writer, level, format string) *Logger {
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(level),
		AddSource: true,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.Attr{
					Key:   "timestamp",
					Value: slog.StringValue(a.Value.Time().Format(time.RFC3339)),
				}
			}
			return a
		},
	}

	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return &Logger{Logger: slog.New(handler)}
}

// NopLogger discards everything. Used by tests and library callers that do
// not care about output.
func NopLogger() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// ParseLevel maps a config level name to a slog level, defaulting to info
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// RequestLogger logs HTTP request details
func (l *Logger) RequestLogger(method, path, ip, userAgent string, statusCode int, duration time.Duration) {
	l.Info("HTTP Request",
		"method", method,
		"path", path,
		"ip", ip,
		"user_agent", userAgent,
		"status_code", statusCode,
		"duration_ms", duration.Milliseconds(),
	)
}

// DispatchLogger logs one evaluator attempt inside a dispatch
func (l *Logger) DispatchLogger(evaluator, artifact, criterion string, attempt int, duration time.Duration, err error) {
	if err != nil {
		l.Warn("Evaluator Attempt Failed",
			"evaluator", evaluator,
			"artifact", artifact,
			"criterion", criterion,
			"attempt", attempt,
			"duration_ms", duration.Milliseconds(),
			"error", err.Error(),
		)
		return
	}

	l.Debug("Evaluator Attempt Succeeded",
		"evaluator", evaluator,
		"artifact", artifact,
		"criterion", criterion,
		"attempt", attempt,
		"duration_ms", duration.Milliseconds(),
	)
}

// TransitionLogger logs an availability level change
func (l *Logger) TransitionLogger(evaluator, from, to, reason string, at time.Time) {
	level := slog.LevelInfo
	if to != "live" {
		level = slog.LevelWarn
	}

	l.Log(context.Background(), level, "Evaluator Availability Changed",
		"evaluator", evaluator,
		"from", from,
		"to", to,
		"reason", reason,
		"at", at.Format(time.RFC3339Nano),
	)
}

// ResolutionLogger logs how one (artifact, criterion) pair was resolved
func (l *Logger) ResolutionLogger(artifact, criterion, severity, method, status string, confidence float64, degraded bool) {
	l.Info("Score Resolved",
		"artifact", artifact,
		"criterion", criterion,
		"severity", severity,
		"method", method,
		"status", status,
		"confidence", confidence,
		"degraded", degraded,
	)
}

// EscalationLogger logs ticket lifecycle events
func (l *Logger) EscalationLogger(event, ticketID, artifact, criterion string) {
	l.Info("Escalation Event",
		"event", event,
		"ticket_id", ticketID,
		"artifact", artifact,
		"criterion", criterion,
	)
}

// ExternalAPILogger logs evaluator backend calls
func (l *Logger) ExternalAPILogger(apiName, method, endpoint string, statusCode int, duration time.Duration, success bool) {
	level := slog.LevelInfo
	if !success {
		level = slog.LevelWarn
	}

	l.Log(context.Background(), level, "External API Call",
		"api_name", apiName,
		"method", method,
		"endpoint", endpoint,
		"status_code", statusCode,
		"duration_ms", duration.Milliseconds(),
		"success", success,
	)
}

// SystemLogger logs system-level events
func (l *Logger) SystemLogger(event, details string) {
	l.Info("System Event",
		"event", event,
		"details", details,
		"uptime", time.Since(startTime).String(),
	)
}

// SecurityLogger logs security-related events
func (l *Logger) SecurityLogger(event, ip, userAgent string, details map[string]interface{}) {
	attrs := []any{
		"event", event,
		"ip", ip,
		"user_agent", userAgent,
	}

	for key, value := range details {
		attrs = append(attrs, key, value)
	}

	l.Warn("Security Event", attrs...)
}

var startTime = time.Now()
