package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/mir00r/gameserver-lb/internal/domain"
)

// HealthHandler provides the liveness and readiness endpoints of the balancer itself
type HealthHandler struct {
	loadBalancer Balancer
	startTime    time.Time
	version      string
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(loadBalancer Balancer, version string) *HealthHandler {
	return &HealthHandler{
		loadBalancer: loadBalancer,
		startTime:    time.Now(),
		version:      version,
	}
}

// HealthResponse is the body of /healthz and /readyz
type HealthResponse struct {
	Status         string    `json:"status"`
	Version        string    `json:"version,omitempty"`
	Uptime         string    `json:"uptime"`
	TotalServers   int       `json:"total_servers"`
	HealthyServers int       `json:"healthy_servers"`
	Timestamp      time.Time `json:"timestamp"`
}

func (h *HealthHandler) response(status string) HealthResponse {
	servers := h.loadBalancer.GetServers()
	healthy := 0
	for _, s := range servers {
		if s.HealthStatus == domain.HealthHealthy {
			healthy++
		}
	}
	return HealthResponse{
		Status:         status,
		Version:        h.version,
		Uptime:         time.Since(h.startTime).Round(time.Second).String(),
		TotalServers:   len(servers),
		HealthyServers: healthy,
		Timestamp:      time.Now().UTC(),
	}
}

// LivenessHandler reports that the process is serving requests
func (h *HealthHandler) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeHealth(w, http.StatusOK, h.response("alive"))
}

// ReadinessHandler reports ready once the maintenance loops run and at least
// one server can take players
func (h *HealthHandler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	resp := h.response("ready")
	status := http.StatusOK
	switch {
	case !h.loadBalancer.IsRunning():
		resp.Status = "starting"
		status = http.StatusServiceUnavailable
	case resp.HealthyServers == 0:
		resp.Status = "no_healthy_servers"
		status = http.StatusServiceUnavailable
	}
	writeHealth(w, status, resp)
}

func writeHealth(w http.ResponseWriter, status int, resp HealthResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
