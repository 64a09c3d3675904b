package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mir00r/gameserver-lb/internal/domain"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	metrics domain.LoadBalancerMetrics
	servers []domain.ServerState
}

func (f *fakeSource) GetMetrics() domain.LoadBalancerMetrics { return f.metrics }
func (f *fakeSource) GetServers() []domain.ServerState { return f.servers }

func newFakeSource() *fakeSource {
	return &fakeSource{
		metrics: domain.LoadBalancerMetrics{
			TotalRequests:          9,
			SuccessfulRequests:     7,
			FailedRequests:         2,
			CircuitBreakerTrips:    1,
			AffinityHits:           3,
			AverageResponseTime:    250 * time.Millisecond,
			RequestsPerSecond:      1.5,
			AverageLoad:            30,
			LoadBalancingDecisions: map[string]uint64{"least_connections": 4},
			ServerUtilization:      map[string]float64{"eu-1": 30},
		},
		servers: []domain.ServerState{
			{
				Endpoint:           domain.ServerEndpoint{ID: "eu-1", Region: "eu-west", Capacity: 10},
				HealthStatus:       domain.HealthHealthy,
				CurrentConnections: 3,
				CircuitState:       domain.CircuitClosed,
			},
			{
				Endpoint:     domain.ServerEndpoint{ID: "us-1", Region: "us-east", Capacity: 20},
				HealthStatus: domain.HealthUnhealthy,
				CircuitState: domain.CircuitOpen,
			},
		},
	}
}

func TestCollector(t *testing.T) {
	t.Parallel()

	c := NewCollector(newFakeSource())

	expected := `
# HELP gameserver_lb_selections_total Total number of server selections by result
# TYPE gameserver_lb_selections_total counter
gameserver_lb_selections_total{result="failure"} 2
gameserver_lb_selections_total{result="success"} 7
# HELP gameserver_lb_decisions_total Total number of algorithm decisions
# TYPE gameserver_lb_decisions_total counter
gameserver_lb_decisions_total{algorithm="least_connections"} 4
# HELP gameserver_lb_servers Number of known servers by health status
# TYPE gameserver_lb_servers gauge
gameserver_lb_servers{health="degraded"} 0
gameserver_lb_servers{health="healthy"} 1
gameserver_lb_servers{health="unhealthy"} 1
gameserver_lb_servers{health="unknown"} 0
# HELP gameserver_lb_server_circuit_state Circuit breaker state (0=closed, 1=open, 2=half-open)
# TYPE gameserver_lb_server_circuit_state gauge
gameserver_lb_server_circuit_state{region="eu-west",server_id="eu-1"} 0
gameserver_lb_server_circuit_state{region="us-east",server_id="us-1"} 1
# HELP gameserver_lb_average_response_time_seconds Mean reported server response time
# TYPE gameserver_lb_average_response_time_seconds gauge
gameserver_lb_average_response_time_seconds 0.25
`
	err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"gameserver_lb_selections_total",
		"gameserver_lb_decisions_total",
		"gameserver_lb_servers",
		"gameserver_lb_server_circuit_state",
		"gameserver_lb_average_response_time_seconds",
	)
	require.NoError(t, err)

	assert.Equal(t, 2, testutil.CollectAndCount(c, "gameserver_lb_server_healthy"))
	assert.Equal(t, 1, testutil.CollectAndCount(c, "gameserver_lb_server_utilization_percent"))
}

func TestHandlerServesRegistry(t *testing.T) {
	t.Parallel()

	httpMetrics := NewHTTPMetrics()
	reg := NewRegistry(newFakeSource(), httpMetrics.Collectors()...)

	srv := httptest.NewServer(Handler(reg))
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `gameserver_lb_server_connections{region="eu-west",server_id="eu-1"} 3`)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestHTTPMetricsInstrument(t *testing.T) {
	t.Parallel()

	m := NewHTTPMetrics()
	h := m.Instrument("select", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("fail") != "" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	for _, target := range []string{"/select", "/select", "/select?fail=1"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, target, nil))
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("select", "post", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("select", "post", "503")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.inFlight))
}
