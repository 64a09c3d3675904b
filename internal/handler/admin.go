package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/mir00r/gameserver-lb/internal/domain"
	lberrors "github.com/mir00r/gameserver-lb/internal/errors"
	"github.com/mir00r/gameserver-lb/internal/middleware"
	"github.com/mir00r/gameserver-lb/internal/service"
	"github.com/mir00r/gameserver-lb/pkg/logger"
)

// maxBodyBytes bounds every JSON request body
const maxBodyBytes = 1 << 20

// Balancer is the load balancer surface driven by the admin API
type Balancer interface {
	Select(ctx context.Context, req domain.SelectionRequest) (domain.ServerEndpoint, error)
	GetServers() []domain.ServerState
	GetServersInRegion(region string) []domain.ServerState
	GetServer(serverID string) (service.ServerDetails, error)
	RegisterServer(endpoint domain.ServerEndpoint) (bool, error)
	RemoveServer(serverID string) error
	MarkServerHealthy(serverID string) error
	MarkServerUnhealthy(serverID string) error
	UpdateServerMetrics(serverID string, connections int, responseTime time.Duration) error
	ReportSuccess(serverID string) error
	ReportFailure(serverID string) error
	CheckServer(ctx context.Context, serverID string) (domain.HealthCheck, error)
	SetAlgorithm(config domain.AlgorithmConfig) error
	Algorithm() string
	GetMetrics() domain.LoadBalancerMetrics
	GetStats() map[string]interface{}
	IsRunning() bool
}

// AdminHandler provides administrative API endpoints
type AdminHandler struct {
	loadBalancer Balancer
	rateLimiter  *middleware.RateLimiter
	logger       *logger.Logger
	startTime    time.Time
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(loadBalancer Balancer, log *logger.Logger) *AdminHandler {
	return &AdminHandler{
		loadBalancer: loadBalancer,
		logger:       log.WithField("component", "admin_api"),
		startTime:    time.Now(),
	}
}

// SelectResponse is returned by POST /select
type SelectResponse struct {
	Server    domain.ServerEndpoint `json:"server"`
	Algorithm string                `json:"algorithm"`
}

// ServerResponse represents server information in API responses
type ServerResponse struct {
	Endpoint              domain.ServerEndpoint `json:"endpoint"`
	Health                string                `json:"health"`
	Circuit               string                `json:"circuit"`
	CurrentConnections    int                   `json:"current_connections"`
	LoadFactor            float64               `json:"load_factor"`
	StickySessions        int                   `json:"sticky_sessions"`
	AverageResponseTimeMs float64               `json:"average_response_time_ms"`
	ResponseSamples       int                   `json:"response_samples"`
	LastHealthCheck       time.Time             `json:"last_health_check"`
	LastSeen              time.Time             `json:"last_seen"`
}

// BreakerResponse is the circuit breaker view of one server
type BreakerResponse struct {
	State        string     `json:"state"`
	FailureCount int        `json:"failure_count"`
	LastFailure  *time.Time `json:"last_failure,omitempty"`
	NextAttempt  *time.Time `json:"next_attempt,omitempty"`
}

// ServerDetailsResponse is returned by GET /servers/{id}
type ServerDetailsResponse struct {
	ServerResponse
	HealthCheck *domain.HealthCheck `json:"health_check,omitempty"`
	Breaker     BreakerResponse     `json:"breaker"`
}

// MetricsRequest reports the load of one server
type MetricsRequest struct {
	Connections    int     `json:"connections"`
	ResponseTimeMs float64 `json:"response_time_ms"`
}

// StatsResponse wraps component statistics
type StatsResponse struct {
	Uptime    string                     `json:"uptime"`
	Metrics   domain.LoadBalancerMetrics `json:"metrics"`
	Stats     map[string]interface{}     `json:"stats"`
	RateLimit map[string]interface{}     `json:"rate_limit,omitempty"`
}

func newServerResponse(s domain.ServerState) ServerResponse {
	return ServerResponse{
		Endpoint:              s.Endpoint,
		Health:                s.HealthStatus.String(),
		Circuit:               s.CircuitState.String(),
		CurrentConnections:    s.CurrentConnections,
		LoadFactor:            s.LoadFactor(),
		StickySessions:        s.StickySessions,
		AverageResponseTimeMs: float64(s.AverageResponseTime) / float64(time.Millisecond),
		ResponseSamples:       s.ResponseSamples,
		LastHealthCheck:       s.LastHealthCheck,
		LastSeen:              s.LastSeen,
	}
}

// SelectHandler handles POST /select
func (h *AdminHandler) SelectHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.SelectionRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.RequiredCapacity < 0 {
		h.writeError(w, r, invalidRequest("required_capacity cannot be negative"))
		return
	}

	server, err := h.loadBalancer.Select(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, SelectResponse{
		Server:    server,
		Algorithm: h.loadBalancer.Algorithm(),
	})
}

// ListServersHandler handles GET /servers, optionally filtered by ?region=
func (h *AdminHandler) ListServersHandler(w http.ResponseWriter, r *http.Request) {
	var servers []domain.ServerState
	if region := r.URL.Query().Get("region"); region != "" {
		servers = h.loadBalancer.GetServersInRegion(region)
	} else {
		servers = h.loadBalancer.GetServers()
	}
	response := make([]ServerResponse, 0, len(servers))
	for _, s := range servers {
		response = append(response, newServerResponse(s))
	}
	h.writeJSON(w, http.StatusOK, response)
}

// GetServerHandler handles GET /servers/{id}
func (h *AdminHandler) GetServerHandler(w http.ResponseWriter, r *http.Request) {
	details, err := h.loadBalancer.GetServer(mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, ServerDetailsResponse{
		ServerResponse: newServerResponse(details.Server),
		HealthCheck:    details.Health,
		Breaker: BreakerResponse{
			State:        details.Circuit.State.String(),
			FailureCount: details.Circuit.FailureCount,
			LastFailure:  details.Circuit.LastFailure,
			NextAttempt:  details.Circuit.NextAttempt,
		},
	})
}

// RegisterServerHandler handles POST /servers
func (h *AdminHandler) RegisterServerHandler(w http.ResponseWriter, r *http.Request) {
	var endpoint domain.ServerEndpoint
	if !h.decode(w, r, &endpoint) {
		return
	}
	if endpoint.Address == "" || endpoint.Port <= 0 || endpoint.Port > 65535 {
		h.writeError(w, r, invalidRequest("address and a valid port are required"))
		return
	}

	added, err := h.loadBalancer.RegisterServer(endpoint)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	details, err := h.loadBalancer.GetServer(endpoint.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if added {
		status = http.StatusCreated
		h.logger.WithFields(map[string]interface{}{
			"action":    "register_server",
			"server_id": endpoint.ID,
			"subject":   middleware.SubjectFromContext(r.Context()),
		}).Info("Registered server")
	}
	h.writeJSON(w, status, newServerResponse(details.Server))
}

// RemoveServerHandler handles DELETE /servers/{id}
func (h *AdminHandler) RemoveServerHandler(w http.ResponseWriter, r *http.Request) {
	serverID := mux.Vars(r)["id"]
	if err := h.loadBalancer.RemoveServer(serverID); err != nil {
		h.writeError(w, r, err)
		return
	}

	h.logger.WithFields(map[string]interface{}{
		"action":    "remove_server",
		"server_id": serverID,
		"subject":   middleware.SubjectFromContext(r.Context()),
	}).Info("Removed server")
	w.WriteHeader(http.StatusNoContent)
}

// serverAction adapts a per-server mutation to a 204 handler
func (h *AdminHandler) serverAction(action string, fn func(serverID string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serverID := mux.Vars(r)["id"]
		if err := fn(serverID); err != nil {
			h.writeError(w, r, err)
			return
		}
		h.logger.WithFields(map[string]interface{}{
			"action":    action,
			"server_id": serverID,
		}).Debug("Server action applied")
		w.WriteHeader(http.StatusNoContent)
	}
}

// UpdateMetricsHandler handles PUT /servers/{id}/metrics
func (h *AdminHandler) UpdateMetricsHandler(w http.ResponseWriter, r *http.Request) {
	var req MetricsRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.ResponseTimeMs < 0 {
		h.writeError(w, r, invalidRequest("response_time_ms cannot be negative"))
		return
	}

	responseTime := time.Duration(req.ResponseTimeMs * float64(time.Millisecond))
	if err := h.loadBalancer.UpdateServerMetrics(mux.Vars(r)["id"], req.Connections, responseTime); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CheckServerHandler handles POST /servers/{id}/check
func (h *AdminHandler) CheckServerHandler(w http.ResponseWriter, r *http.Request) {
	check, err := h.loadBalancer.CheckServer(r.Context(), mux.Vars(r)["id"])
	if err != nil && lberrors.GetErrorCode(err) != lberrors.ErrCodeProbeFailed {
		h.writeError(w, r, err)
		return
	}
	// a failed probe is still a completed check
	h.writeJSON(w, http.StatusOK, check)
}

// SetAlgorithmHandler handles PUT /algorithm
func (h *AdminHandler) SetAlgorithmHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.AlgorithmConfig
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.loadBalancer.SetAlgorithm(req); err != nil {
		h.writeError(w, r, err)
		return
	}

	h.logger.WithFields(map[string]interface{}{
		"action":    "set_algorithm",
		"algorithm": req.Type,
		"subject":   middleware.SubjectFromContext(r.Context()),
	}).Info("Algorithm changed")
	h.writeJSON(w, http.StatusOK, map[string]string{"algorithm": h.loadBalancer.Algorithm()})
}

// GetStatsHandler handles GET /stats
func (h *AdminHandler) GetStatsHandler(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{
		Uptime:  time.Since(h.startTime).Round(time.Second).String(),
		Metrics: h.loadBalancer.GetMetrics(),
		Stats:   h.loadBalancer.GetStats(),
	}
	if h.rateLimiter != nil {
		resp.RateLimit = h.rateLimiter.GetStats()
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func invalidRequest(message string) error {
	return lberrors.NewError(lberrors.ErrCodeInvalidRequest, "admin_api", message)
}

func (h *AdminHandler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			err = fmt.Errorf("request body is empty")
		}
		h.writeError(w, r, lberrors.NewErrorWithCause(lberrors.ErrCodeInvalidRequest, "admin_api", "invalid JSON body", err))
		return false
	}
	return true
}

func (h *AdminHandler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.WithError(err).Warn("Failed to encode response")
	}
}

// writeError writes a standardized error response
func (h *AdminHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := lberrors.GetHTTPStatusCode(err)
	entry := h.logger.WithFields(map[string]interface{}{
		"code":       lberrors.GetErrorCode(err),
		"status":     status,
		"path":       r.URL.Path,
		"request_id": middleware.RequestIDFromContext(r.Context()),
	}).WithError(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		entry.Error("API error response")
	} else {
		entry.Debug("API error response")
	}
	middleware.WriteError(w, r, err)
}
