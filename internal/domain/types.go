package domain

import (
	"time"
)

// MaxResponseTimeSamples bounds the rolling response-time window kept per server
const MaxResponseTimeSamples = 100

// HealthStatus represents the health status of a game server
type HealthStatus int

const (
	// HealthUnknown indicates the server has not completed a health check yet
	HealthUnknown HealthStatus = iota
	// HealthHealthy indicates the server is healthy and may receive players
	HealthHealthy
	// HealthDegraded indicates the server is reachable but impaired
	HealthDegraded
	// HealthUnhealthy indicates the server must not receive players
	HealthUnhealthy
)

// String returns the string representation of HealthStatus
func (s HealthStatus) String() string {
	switch s {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// CircuitState represents the state of a per-server circuit breaker
type CircuitState int

const (
	// CircuitClosed - traffic flows normally
	CircuitClosed CircuitState = iota
	// CircuitOpen - traffic is refused until the recovery timeout elapses
	CircuitOpen
	// CircuitHalfOpen - a single trial request decides recovery
	CircuitHalfOpen
)

// String returns the string representation of CircuitState
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// GeoLocation is a client or server position
type GeoLocation struct {
	Latitude    float64 `json:"latitude" yaml:"latitude"`
	Longitude   float64 `json:"longitude" yaml:"longitude"`
	CountryCode string  `json:"country_code,omitempty" yaml:"country_code,omitempty"`
	City        string  `json:"city,omitempty" yaml:"city,omitempty"`
}

// ServerEndpoint is a game server as reported by service discovery.
// It is treated as immutable for the duration of a discovery cycle.
type ServerEndpoint struct {
	ID           string            `json:"id" yaml:"id"`
	Address      string            `json:"address" yaml:"address"`
	Port         int               `json:"port" yaml:"port"`
	Protocol     string            `json:"protocol,omitempty" yaml:"protocol,omitempty"`
	Region       string            `json:"region" yaml:"region"`
	Capacity     int               `json:"capacity" yaml:"capacity"`
	LatencyScore float64           `json:"latency_score" yaml:"latency_score"`
	Weight       int               `json:"weight,omitempty" yaml:"weight,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// LoadBalancedServer wraps an endpoint with the state owned by the load balancer.
// Instances live inside the server pool and are only mutated under its lock.
type LoadBalancedServer struct {
	Endpoint           ServerEndpoint
	HealthStatus       HealthStatus
	CurrentConnections int
	Weight             int
	ResponseTimes      []time.Duration
	LastHealthCheck    time.Time
	CircuitState       CircuitState
	StickySessions     map[string]string // session id -> client id
	LastSeen           time.Time
}

// NewLoadBalancedServer creates server state for a freshly discovered endpoint
func NewLoadBalancedServer(endpoint ServerEndpoint, now time.Time) *LoadBalancedServer {
	weight := endpoint.Weight
	if weight < 1 {
		weight = 1
	}
	return &LoadBalancedServer{
		Endpoint:       endpoint,
		HealthStatus:   HealthUnknown,
		Weight:         weight,
		ResponseTimes:  make([]time.Duration, 0, 8),
		CircuitState:   CircuitClosed,
		StickySessions: make(map[string]string),
		LastSeen:       now,
	}
}

// RecordResponseTime appends a sample, evicting the oldest once the window is full
func (s *LoadBalancedServer) RecordResponseTime(rt time.Duration) {
	s.ResponseTimes = append(s.ResponseTimes, rt)
	if over := len(s.ResponseTimes) - MaxResponseTimeSamples; over > 0 {
		s.ResponseTimes = append(s.ResponseTimes[:0], s.ResponseTimes[over:]...)
	}
}

// Snapshot returns a copy that is safe to read without the pool lock
func (s *LoadBalancedServer) Snapshot() ServerState {
	state := ServerState{
		Endpoint:           s.Endpoint,
		HealthStatus:       s.HealthStatus,
		CurrentConnections: s.CurrentConnections,
		Weight:             s.Weight,
		LastHealthCheck:    s.LastHealthCheck,
		CircuitState:       s.CircuitState,
		StickySessions:     len(s.StickySessions),
		LastSeen:           s.LastSeen,
	}
	if n := len(s.ResponseTimes); n > 0 {
		state.LastResponseTime = s.ResponseTimes[n-1]
		state.HasResponseTime = true
		var total time.Duration
		for _, rt := range s.ResponseTimes {
			total += rt
		}
		state.AverageResponseTime = total / time.Duration(n)
		state.ResponseSamples = n
	}
	return state
}

// ServerState is an immutable view of a LoadBalancedServer
type ServerState struct {
	Endpoint            ServerEndpoint `json:"endpoint"`
	HealthStatus        HealthStatus   `json:"-"`
	CurrentConnections  int            `json:"current_connections"`
	Weight              int            `json:"weight"`
	LastHealthCheck     time.Time      `json:"last_health_check"`
	CircuitState        CircuitState   `json:"-"`
	StickySessions      int            `json:"sticky_sessions"`
	LastSeen            time.Time      `json:"last_seen"`
	LastResponseTime    time.Duration  `json:"-"`
	HasResponseTime     bool           `json:"-"`
	AverageResponseTime time.Duration  `json:"-"`
	ResponseSamples     int            `json:"response_samples"`
}

// ID returns the server id
func (s ServerState) ID() string {
	return s.Endpoint.ID
}

// LoadFactor returns 1 - connections/capacity; a server without capacity has no headroom
func (s ServerState) LoadFactor() float64 {
	if s.Endpoint.Capacity <= 0 {
		return 0
	}
	return 1 - float64(s.CurrentConnections)/float64(s.Endpoint.Capacity)
}

// Headroom returns how many more connections the server can take
func (s ServerState) Headroom() int {
	return s.Endpoint.Capacity - s.CurrentConnections
}

// HealthCheck is the per-server probe record kept by the health checker
type HealthCheck struct {
	ServerID             string          `json:"server_id"`
	CheckType            HealthCheckType `json:"check_type"`
	LastCheck            time.Time       `json:"last_check"`
	ConsecutiveFailures  int             `json:"consecutive_failures"`
	ConsecutiveSuccesses int             `json:"consecutive_successes"`
	ResponseTime         *time.Duration  `json:"response_time,omitempty"`
	LastError            string          `json:"last_error,omitempty"`
}

// CircuitBreakerStatus is a read-only view of one server's breaker
type CircuitBreakerStatus struct {
	ServerID     string       `json:"server_id"`
	State        CircuitState `json:"-"`
	FailureCount int          `json:"failure_count"`
	LastFailure  *time.Time   `json:"last_failure,omitempty"`
	NextAttempt  *time.Time   `json:"next_attempt,omitempty"`
}

// SelectionRequest carries everything a selection algorithm may consider
type SelectionRequest struct {
	ClientID         string       `json:"client_id"`
	SessionID        string       `json:"session_id,omitempty"`
	Location         *GeoLocation `json:"location,omitempty"`
	RequiredCapacity int          `json:"required_capacity,omitempty"`
	PreferredRegion  string       `json:"preferred_region,omitempty"`
	PeerServerIDs    []string     `json:"peer_server_ids,omitempty"`
}

// LoadBalancerMetrics is a point-in-time copy of the balancer counters
type LoadBalancerMetrics struct {
	TotalRequests          uint64             `json:"total_requests"`
	SuccessfulRequests     uint64             `json:"successful_requests"`
	FailedRequests         uint64             `json:"failed_requests"`
	CircuitBreakerTrips    uint64             `json:"circuit_breaker_trips"`
	AffinityHits           uint64             `json:"affinity_hits"`
	AverageResponseTime    time.Duration      `json:"average_response_time"`
	RequestsPerSecond      float64            `json:"requests_per_second"`
	AverageLoad            float64            `json:"average_load"`
	LoadBalancingDecisions map[string]uint64  `json:"load_balancing_decisions"`
	ServerUtilization      map[string]float64 `json:"server_utilization"`
	LastAggregation        time.Time          `json:"last_aggregation"`
}
