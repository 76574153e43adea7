package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/ZanzyTHEbar/errbuilder-go"
	"github.com/gin-gonic/gin"
)

// ErrorCategory defines the type of error for proper handling
type ErrorCategory string

const (
	CategoryValidation     ErrorCategory = "validation"
	CategoryNetwork        ErrorCategory = "network"
	CategoryTimeout        ErrorCategory = "timeout"
	CategoryRateLimit      ErrorCategory = "rate_limit"
	CategoryInternal       ErrorCategory = "internal"
	CategoryExternalAPI    ErrorCategory = "external_api"
	CategoryConfiguration  ErrorCategory = "configuration"
	CategoryAuthentication ErrorCategory = "authentication"
	CategoryUnavailable    ErrorCategory = "unavailable"
	CategoryNotFound       ErrorCategory = "not_found"
	CategoryConflict       ErrorCategory = "conflict"
)

var categoryCodes = map[ErrorCategory]string{
	CategoryValidation:     "VALIDATION_ERROR",
	CategoryNetwork:        "NETWORK_ERROR",
	CategoryTimeout:        "TIMEOUT_ERROR",
	CategoryRateLimit:      "RATE_LIMIT_EXCEEDED",
	CategoryInternal:       "INTERNAL_ERROR",
	CategoryExternalAPI:    "EXTERNAL_API_ERROR",
	CategoryConfiguration:  "CONFIGURATION_ERROR",
	CategoryAuthentication: "AUTHENTICATION_ERROR",
	CategoryUnavailable:    "NO_EVALUATORS_AVAILABLE",
	CategoryNotFound:       "NOT_FOUND",
	CategoryConflict:       "CONFLICT",
}

// AppError wraps errbuilder error with the category used for retry and HTTP mapping
type AppError struct {
	*errbuilder.ErrBuilder
	Category   ErrorCategory `json:"category"`
	HTTPStatus int           `json:"http_status"`
	Timestamp  time.Time     `json:"timestamp"`
	RequestID  string        `json:"request_id,omitempty"`
	StackTrace string        `json:"stack_trace,omitempty"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	codeStr, ok := categoryCodes[e.Category]
	if !ok {
		codeStr = "UNKNOWN_ERROR"
	}

	if cause := e.ErrBuilder.Unwrap(); cause != nil {
		return fmt.Sprintf("[%s] %s: %v", codeStr, e.ErrBuilder.Msg, cause)
	}
	return fmt.Sprintf("[%s] %s", codeStr, e.ErrBuilder.Msg)
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.ErrBuilder.Unwrap()
}

// MarshalJSON renders the API error body
func (e *AppError) MarshalJSON() ([]byte, error) {
	body := struct {
		Code       string        `json:"code"`
		Message    string        `json:"message"`
		Category   ErrorCategory `json:"category"`
		HTTPStatus int           `json:"http_status"`
		Timestamp  time.Time     `json:"timestamp"`
		RequestID  string        `json:"request_id,omitempty"`
	}{
		Code:       categoryCodes[e.Category],
		Message:    e.ErrBuilder.Msg,
		Category:   e.Category,
		HTTPStatus: e.HTTPStatus,
		Timestamp:  e.Timestamp,
		RequestID:  e.RequestID,
	}
	return json.Marshal(body)
}

// NewAppError creates an AppError from errbuilder with additional context
func NewAppError(builder *errbuilder.ErrBuilder, category ErrorCategory, httpStatus int) *AppError {
	return &AppError{
		ErrBuilder: builder,
		Category:   category,
		HTTPStatus: httpStatus,
		Timestamp:  time.Now(),
	}
}

func withCause(builder *errbuilder.ErrBuilder, cause error) *errbuilder.ErrBuilder {
	if cause != nil {
		builder = builder.WithCause(cause)
	}
	return builder
}

// NewValidationError creates a validation error using errbuilder
func NewValidationError(message string, details ...interface{}) *AppError {
	builder := errbuilder.New().
		WithCode(errbuilder.CodeInvalidArgument).
		WithMsg(message)

	if len(details) > 0 {
		errorMap := errbuilder.ErrorMap{}
		errorMap.Set("validation_details", fmt.Errorf("%v", details[0]))
		builder = builder.WithDetails(errbuilder.NewErrDetails(errorMap))
	}

	return NewAppError(builder, CategoryValidation, http.StatusBadRequest)
}

// NewNetworkError creates a network error using errbuilder
func NewNetworkError(message string, cause error) *AppError {
	builder := errbuilder.New().
		WithCode(errbuilder.CodeUnavailable).
		WithMsg(message)

	return NewAppError(withCause(builder, cause), CategoryNetwork, http.StatusBadGateway)
}

// NewTimeoutError creates a timeout error using errbuilder
func NewTimeoutError(message string, cause error) *AppError {
	builder := errbuilder.New().
		WithCode(errbuilder.CodeDeadlineExceeded).
		WithMsg(message)

	return NewAppError(withCause(builder, cause), CategoryTimeout, http.StatusGatewayTimeout)
}

// NewRateLimitError creates a rate limit error using errbuilder
func NewRateLimitError(retryAfter string) *AppError {
	errorMap := errbuilder.ErrorMap{}
	errorMap.Set("retry_after", errors.New(retryAfter))

	builder := errbuilder.New().
		WithCode(errbuilder.CodeResourceExhausted).
		WithMsg("Rate limit exceeded").
		WithDetails(errbuilder.NewErrDetails(errorMap))

	return NewAppError(builder, CategoryRateLimit, http.StatusTooManyRequests)
}

// NewExternalAPIError creates an evaluator backend error using errbuilder
func NewExternalAPIError(apiName string, cause error) *AppError {
	errorMap := errbuilder.ErrorMap{}
	errorMap.Set("api_name", errors.New(apiName))

	builder := withCause(errbuilder.New().
		WithCode(errbuilder.CodeUnavailable).
		WithMsg(fmt.Sprintf("%s API error", apiName)), cause).
		WithDetails(errbuilder.NewErrDetails(errorMap))

	return NewAppError(builder, CategoryExternalAPI, http.StatusBadGateway)
}

// NewAuthenticationError marks a credential failure. Never retried.
func NewAuthenticationError(message string, cause error) *AppError {
	builder := errbuilder.New().
		WithCode(errbuilder.CodeFailedPrecondition).
		WithMsg(message)

	return NewAppError(withCause(builder, cause), CategoryAuthentication, http.StatusUnauthorized)
}

// NewNotFoundError reports a missing resource
func NewNotFoundError(resource, id string) *AppError {
	builder := errbuilder.New().
		WithCode(errbuilder.CodeInvalidArgument).
		WithMsg(fmt.Sprintf("%s %q not found", resource, id))

	return NewAppError(builder, CategoryNotFound, http.StatusNotFound)
}

// NewConflictError reports a state transition that is not allowed
func NewConflictError(message string) *AppError {
	builder := errbuilder.New().
		WithCode(errbuilder.CodeFailedPrecondition).
		WithMsg(message)

	return NewAppError(builder, CategoryConflict, http.StatusConflict)
}

// NewNoEvaluatorsAvailableError is the single fatal-for-request condition:
// zero evaluators configured, or every evaluator Down at dispatch time.
func NewNoEvaluatorsAvailableError(reason string) *AppError {
	errorMap := errbuilder.ErrorMap{}
	errorMap.Set("reason", errors.New(reason))

	builder := errbuilder.New().
		WithCode(errbuilder.CodeUnavailable).
		WithMsg("No evaluators available").
		WithDetails(errbuilder.NewErrDetails(errorMap))

	return NewAppError(builder, CategoryUnavailable, http.StatusServiceUnavailable)
}

// IsNoEvaluatorsAvailable reports whether err is the fatal-for-request error
func IsNoEvaluatorsAvailable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Category == CategoryUnavailable
	}
	return false
}

// NewInternalError creates an internal server error using errbuilder
func NewInternalError(message string, cause error) *AppError {
	errorMap := errbuilder.ErrorMap{}
	errorMap.Set("internal_details", errors.New(message))

	builder := withCause(errbuilder.New().
		WithCode(errbuilder.CodeInternal).
		WithMsg("Internal server error"), cause).
		WithDetails(errbuilder.NewErrDetails(errorMap))

	appErr := NewAppError(builder, CategoryInternal, http.StatusInternalServerError)

	if gin.Mode() == gin.DebugMode || gin.Mode() == gin.TestMode {
		appErr.StackTrace = captureStackTrace()
	}

	return appErr
}

// NewConfigurationError creates a configuration error using errbuilder
func NewConfigurationError(message string, cause error) *AppError {
	errorMap := errbuilder.ErrorMap{}
	errorMap.Set("config_details", errors.New(message))

	builder := withCause(errbuilder.New().
		WithCode(errbuilder.CodeFailedPrecondition).
		WithMsg("Configuration error"), cause).
		WithDetails(errbuilder.NewErrDetails(errorMap))

	return NewAppError(builder, CategoryConfiguration, http.StatusInternalServerError)
}

// nonRetryableError tags an arbitrary error so the dispatcher gives up immediately
type nonRetryableError struct {
	err error
}

func (e *nonRetryableError) Error() string { return e.err.Error() }
func (e *nonRetryableError) Unwrap() error { return e.err }

// NonRetryable tags err as not worth retrying
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryableError{err: err}
}

func captureStackTrace() string {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}

// ErrorHandler is a Gin middleware that provides centralized error handling
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 {
			err := c.Errors.Last().Err

			appErr := ToAppError(err)
			LogError(c, appErr)

			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
	}
}

// RecoveryHandler provides panic recovery with structured error responses
func RecoveryHandler() gin.HandlerFunc {
	return gin.RecoveryWithWriter(nil, func(c *gin.Context, err interface{}) {
		appErr := NewInternalError(
			fmt.Sprintf("Panic recovered: %v", err),
			fmt.Errorf("%v", err),
		)
		appErr.StackTrace = captureStackTrace()

		LogError(c, appErr)
		c.AbortWithStatusJSON(appErr.HTTPStatus, appErr)
	})
}

// ToAppError converts any error to an AppError
func ToAppError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	if ebErr, ok := err.(*errbuilder.ErrBuilder); ok {
		return NewAppError(ebErr, CategoryInternal, http.StatusInternalServerError)
	}

	if errors.Is(err, context.Canceled) {
		return NewTimeoutError("Request cancelled", err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewTimeoutError("Request deadline exceeded", err)
	}

	errMsg := err.Error()

	if strings.Contains(errMsg, "connection refused") ||
		strings.Contains(errMsg, "connection reset") ||
		strings.Contains(errMsg, "no such host") ||
		strings.Contains(errMsg, "network is unreachable") {
		return NewNetworkError("Network connection failed", err)
	}

	if strings.Contains(errMsg, "timeout") ||
		strings.Contains(errMsg, "deadline exceeded") {
		return NewTimeoutError("Request timeout", err)
	}

	return NewInternalError("An unexpected error occurred", err)
}

// LogError logs an error with appropriate level and context
func LogError(c *gin.Context, err *AppError) {
	logEntry := slog.With(
		"error_category", err.Category,
		"error_code", err.ErrBuilder.ErrCode(),
		"http_status", err.HTTPStatus,
		"ip", c.ClientIP(),
		"method", c.Request.Method,
		"path", c.Request.URL.Path,
		"request_id", c.GetHeader("X-Request-ID"),
	)

	errorMsg := err.ErrBuilder.Msg
	errorDetails := err.ErrBuilder.Details

	switch err.Category {
	case CategoryValidation, CategoryRateLimit, CategoryNotFound, CategoryConflict, CategoryAuthentication:
		if len(errorDetails.Errors) > 0 {
			logEntry.Warn(errorMsg, "details", errorDetails.Errors)
		} else {
			logEntry.Warn(errorMsg)
		}
	case CategoryNetwork, CategoryTimeout, CategoryExternalAPI:
		if cause := err.ErrBuilder.Unwrap(); cause != nil {
			logEntry.Info(errorMsg, "cause", cause)
		} else {
			logEntry.Info(errorMsg)
		}
	default:
		if cause := err.ErrBuilder.Unwrap(); cause != nil {
			logEntry.Error(errorMsg, "cause", cause)
		} else {
			logEntry.Error(errorMsg)
		}
	}

	if err.StackTrace != "" && (gin.Mode() == gin.DebugMode || gin.Mode() == gin.TestMode) {
		logEntry.Debug("stack_trace", "trace", err.StackTrace)
	}
}

// IsRetryableError checks if an evaluator error should trigger a retry.
// Any error is retryable unless it is explicitly tagged otherwise or the
// caller cancelled.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var nr *nonRetryableError
	if errors.As(err, &nr) {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		switch appErr.Category {
		case CategoryValidation, CategoryAuthentication, CategoryConfiguration,
			CategoryNotFound, CategoryConflict, CategoryUnavailable:
			return false
		}
	}

	return true
}

// WrapError wraps an error with additional context
func WrapError(err error, message string, args ...interface{}) error {
	if err == nil {
		return nil
	}

	contextMsg := fmt.Sprintf(message, args...)
	return fmt.Errorf("%s: %w", contextMsg, err)
}

// SafeClose safely closes a resource and logs any errors
func SafeClose(closer interface{ Close() error }, resourceName string) {
	if closer == nil {
		return
	}

	if err := closer.Close(); err != nil {
		slog.Warn("Failed to close resource",
			"resource", resourceName,
			"error", err)
	}
}

// NewValidationErrorWithMap creates a validation error using ErrorMap for multiple validation issues
func NewValidationErrorWithMap(validationErrors map[string]string) *AppError {
	errMap := errbuilder.ErrorMap{}

	for field, message := range validationErrors {
		errMap.Set(field, errbuilder.New().
			WithCode(errbuilder.CodeInvalidArgument).
			WithMsg(message))
	}

	builder := errbuilder.New().
		WithCode(errbuilder.CodeInvalidArgument).
		WithMsg("Multiple validation errors").
		WithDetails(errbuilder.NewErrDetails(errMap))

	return NewAppError(builder, CategoryValidation, http.StatusBadRequest)
}
