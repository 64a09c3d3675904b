package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorsIsMatchesByCode(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("select: %w", NewNoHealthyServersError("round_robin"))

	assert.True(t, errors.Is(err, ErrNoHealthyServers))
	assert.False(t, errors.Is(err, ErrServerNotFound))
	assert.Equal(t, ErrCodeNoHealthyServers, GetErrorCode(err))
	assert.Equal(t, http.StatusServiceUnavailable, GetHTTPStatusCode(err))
}

func TestWrapError(t *testing.T) {
	t.Parallel()

	assert.Nil(t, WrapError(nil, ErrCodeInternalError, "x", "y"))

	cause := errors.New("connection refused")
	err := NewProbeError("eu-1", "tcp", cause)
	require.NotNil(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "connection refused", err.Details)
	assert.Equal(t, "eu-1", err.Metadata["server_id"])
	assert.Contains(t, err.Error(), "PROBE_FAILED")
}

func TestHTTPStatusCodes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err    *LoadBalancerError
		status int
	}{
		{NewServerNotFoundError("a"), http.StatusNotFound},
		{NewError(ErrCodeInvalidRequest, "admin", "bad"), http.StatusBadRequest},
		{NewUnauthorizedError("missing token"), http.StatusUnauthorized},
		{NewRateLimitError("p1", 5), http.StatusTooManyRequests},
		{NewCircuitBreakerError("a"), http.StatusServiceUnavailable},
		{NewDiscoveryError("consul", "game_server", errors.New("timeout")), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.err.Code), func(t *testing.T) {
			assert.Equal(t, tt.status, tt.err.HTTPStatusCode())
		})
	}

	assert.Equal(t, http.StatusInternalServerError, GetHTTPStatusCode(errors.New("plain")))
	assert.Equal(t, ErrCodeInternalError, GetErrorCode(errors.New("plain")))
}

func TestWithRequestID(t *testing.T) {
	t.Parallel()

	err := NewServerNotFoundError("a").WithRequestID("req-1")
	assert.Contains(t, err.Error(), "[req-1]")
	assert.True(t, IsLoadBalancerError(err))
}
