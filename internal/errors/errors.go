package errors

import (
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"time"
)

// ErrorCode identifies a class of failure
type ErrorCode string

const (
	// Selection
	ErrCodeNoHealthyServers ErrorCode = "NO_HEALTHY_SERVERS"
	ErrCodeServerNotFound   ErrorCode = "SERVER_NOT_FOUND"
	ErrCodeInvalidAlgorithm ErrorCode = "INVALID_ALGORITHM"

	// Background work, logged and counted but never returned from Select
	ErrCodeDiscoveryFailed    ErrorCode = "DISCOVERY_FAILED"
	ErrCodeProbeFailed        ErrorCode = "PROBE_FAILED"
	ErrCodeCircuitBreakerOpen ErrorCode = "CIRCUIT_BREAKER_OPEN"

	// Infrastructure
	ErrCodeConfigLoad     ErrorCode = "CONFIG_LOAD_FAILED"
	ErrCodeAlreadyStarted ErrorCode = "ALREADY_STARTED"

	// Admin API
	ErrCodeInvalidRequest    ErrorCode = "INVALID_REQUEST"
	ErrCodeUnauthorized      ErrorCode = "UNAUTHORIZED"
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"

	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// Sentinels for errors.Is; matching is by code.
var (
	ErrNoHealthyServers = &LoadBalancerError{Code: ErrCodeNoHealthyServers}
	ErrServerNotFound   = &LoadBalancerError{Code: ErrCodeServerNotFound}
)

// LoadBalancerError represents a structured error with context
type LoadBalancerError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	Details    string                 `json:"details,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	RequestID  string                 `json:"request_id,omitempty"`
	Component  string                 `json:"component,omitempty"`
	StackTrace string                 `json:"stack_trace,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Cause      error                  `json:"-"`
}

// Error implements the error interface
func (e *LoadBalancerError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("[%s][%s] %s: %s", e.RequestID, e.Code, e.Component, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Component, e.Message)
}

// Unwrap returns the underlying error
func (e *LoadBalancerError) Unwrap() error {
	return e.Cause
}

// Is reports whether target carries the same error code
func (e *LoadBalancerError) Is(target error) bool {
	if t, ok := target.(*LoadBalancerError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithMetadata adds metadata to the error
func (e *LoadBalancerError) WithMetadata(key string, value interface{}) *LoadBalancerError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// WithRequestID adds request ID to the error
func (e *LoadBalancerError) WithRequestID(requestID string) *LoadBalancerError {
	e.RequestID = requestID
	return e
}

// WithStackTrace adds stack trace to the error
func (e *LoadBalancerError) WithStackTrace() *LoadBalancerError {
	e.StackTrace = getStackTrace()
	return e
}

// HTTPStatusCode maps the error code onto the admin API status
func (e *LoadBalancerError) HTTPStatusCode() int {
	switch e.Code {
	case ErrCodeInvalidRequest, ErrCodeInvalidAlgorithm:
		return http.StatusBadRequest
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeServerNotFound:
		return http.StatusNotFound
	case ErrCodeAlreadyStarted:
		return http.StatusConflict
	case ErrCodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case ErrCodeNoHealthyServers, ErrCodeCircuitBreakerOpen:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// NewError creates a new LoadBalancerError
func NewError(code ErrorCode, component, message string) *LoadBalancerError {
	return &LoadBalancerError{
		Code:      code,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewErrorWithCause creates a new LoadBalancerError with an underlying cause
func NewErrorWithCause(code ErrorCode, component, message string, cause error) *LoadBalancerError {
	e := NewError(code, component, message)
	if cause != nil {
		e.Cause = cause
		e.Details = cause.Error()
	}
	return e
}

// WrapError wraps err, returning nil for a nil err
func WrapError(err error, code ErrorCode, component, message string) *LoadBalancerError {
	if err == nil {
		return nil
	}
	return NewErrorWithCause(code, component, message, err)
}

// NewNoHealthyServersError is the exhaustion error returned by selection
func NewNoHealthyServersError(algorithm string) *LoadBalancerError {
	return NewError(
		ErrCodeNoHealthyServers,
		"load_balancer",
		"no healthy servers available",
	).WithMetadata("algorithm", algorithm)
}

// NewServerNotFoundError reports an unknown server id
func NewServerNotFoundError(serverID string) *LoadBalancerError {
	return NewError(
		ErrCodeServerNotFound,
		"server_pool",
		fmt.Sprintf("server %s not found", serverID),
	).WithMetadata("server_id", serverID)
}

// NewProbeError wraps a failed health probe
func NewProbeError(serverID, checkType string, cause error) *LoadBalancerError {
	return NewErrorWithCause(
		ErrCodeProbeFailed,
		"health_checker",
		fmt.Sprintf("%s probe failed for server %s", checkType, serverID),
		cause,
	).WithMetadata("server_id", serverID)
}

// NewDiscoveryError wraps a failed discovery poll
func NewDiscoveryError(provider, service string, cause error) *LoadBalancerError {
	return NewErrorWithCause(
		ErrCodeDiscoveryFailed,
		"discovery",
		fmt.Sprintf("%s discovery of %s failed", provider, service),
		cause,
	).WithMetadata("provider", provider)
}

// NewRateLimitError creates an error for rate limiting
func NewRateLimitError(clientID string, limit float64) *LoadBalancerError {
	return NewError(
		ErrCodeRateLimitExceeded,
		"rate_limiter",
		fmt.Sprintf("rate limit exceeded for client %s", clientID),
	).WithMetadata("client", clientID).WithMetadata("limit", limit)
}

// NewUnauthorizedError creates an authentication error
func NewUnauthorizedError(reason string) *LoadBalancerError {
	return NewError(
		ErrCodeUnauthorized,
		"auth",
		fmt.Sprintf("authentication failed: %s", reason),
	)
}

// NewCircuitBreakerError creates a circuit breaker error
func NewCircuitBreakerError(serverID string) *LoadBalancerError {
	return NewError(
		ErrCodeCircuitBreakerOpen,
		"circuit_breaker",
		fmt.Sprintf("circuit breaker is open for server %s", serverID),
	).WithMetadata("server_id", serverID)
}

func getStackTrace() string {
	buf := make([]byte, 1024)
	for {
		n := runtime.Stack(buf, false)
		if n < len(buf) {
			return string(buf[:n])
		}
		buf = make([]byte, 2*len(buf))
	}
}

// IsLoadBalancerError checks if an error is a LoadBalancerError
func IsLoadBalancerError(err error) bool {
	var lbErr *LoadBalancerError
	return errors.As(err, &lbErr)
}

// GetErrorCode extracts the error code from an error
func GetErrorCode(err error) ErrorCode {
	var lbErr *LoadBalancerError
	if errors.As(err, &lbErr) {
		return lbErr.Code
	}
	return ErrCodeInternalError
}

// GetHTTPStatusCode gets the appropriate HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	var lbErr *LoadBalancerError
	if errors.As(err, &lbErr) {
		return lbErr.HTTPStatusCode()
	}
	return http.StatusInternalServerError
}
