package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoadBalancedServerDefaults(t *testing.T) {
	t.Parallel()

	now := time.Now()
	server := NewLoadBalancedServer(ServerEndpoint{ID: "eu-1", Capacity: 10}, now)

	assert.Equal(t, HealthUnknown, server.HealthStatus)
	assert.Equal(t, CircuitClosed, server.CircuitState)
	assert.Equal(t, 1, server.Weight, "missing weight should default to 1")
	assert.Zero(t, server.CurrentConnections)
	assert.Equal(t, now, server.LastSeen)

	weighted := NewLoadBalancedServer(ServerEndpoint{ID: "eu-2", Weight: 4}, now)
	assert.Equal(t, 4, weighted.Weight)
}

func TestRecordResponseTimeEvictsOldest(t *testing.T) {
	t.Parallel()

	server := NewLoadBalancedServer(ServerEndpoint{ID: "eu-1"}, time.Now())
	for i := 1; i <= MaxResponseTimeSamples+5; i++ {
		server.RecordResponseTime(time.Duration(i) * time.Millisecond)
	}

	require.Len(t, server.ResponseTimes, MaxResponseTimeSamples)
	assert.Equal(t, 6*time.Millisecond, server.ResponseTimes[0])
	assert.Equal(t, time.Duration(MaxResponseTimeSamples+5)*time.Millisecond, server.ResponseTimes[MaxResponseTimeSamples-1])
}

func TestSnapshot(t *testing.T) {
	t.Parallel()

	server := NewLoadBalancedServer(ServerEndpoint{ID: "eu-1", Capacity: 10}, time.Now())
	server.CurrentConnections = 4
	server.StickySessions["s1"] = "p1"

	state := server.Snapshot()
	assert.False(t, state.HasResponseTime)
	assert.Equal(t, 1, state.StickySessions)

	server.RecordResponseTime(10 * time.Millisecond)
	server.RecordResponseTime(30 * time.Millisecond)
	state = server.Snapshot()
	assert.True(t, state.HasResponseTime)
	assert.Equal(t, 30*time.Millisecond, state.LastResponseTime)
	assert.Equal(t, 20*time.Millisecond, state.AverageResponseTime)
	assert.Equal(t, 2, state.ResponseSamples)

	// snapshot must not alias the live server
	server.CurrentConnections = 9
	assert.Equal(t, 4, state.CurrentConnections)
}

func TestLoadFactor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		conns    int
		capacity int
		expected float64
	}{
		{"idle", 0, 10, 1},
		{"half full", 5, 10, 0.5},
		{"full", 10, 10, 0},
		{"zero capacity", 3, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := ServerState{
				Endpoint:           ServerEndpoint{Capacity: tt.capacity},
				CurrentConnections: tt.conns,
			}
			assert.InDelta(t, tt.expected, state.LoadFactor(), 1e-9)
		})
	}
}

func TestStatusStrings(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "healthy", HealthHealthy.String())
	assert.Equal(t, "unhealthy", HealthUnhealthy.String())
	assert.Equal(t, "degraded", HealthDegraded.String())
	assert.Equal(t, "unknown", HealthUnknown.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half-open", CircuitHalfOpen.String())
	assert.Equal(t, "closed", CircuitClosed.String())
}

func TestAlgorithmConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		config  AlgorithmConfig
		wantErr bool
	}{
		{"empty type", AlgorithmConfig{}, true},
		{"unknown type", AlgorithmConfig{Type: "ip_hash"}, true},
		{"round robin", AlgorithmConfig{Type: RoundRobinStrategyType}, false},
		{"weighted without weights", AlgorithmConfig{Type: WeightedRoundRobinStrategyType}, false},
		{"bad weight", AlgorithmConfig{Type: WeightedRoundRobinStrategyType, Weights: map[string]int{"a": 0}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFilters(t *testing.T) {
	t.Parallel()

	servers := []ServerState{
		{Endpoint: ServerEndpoint{ID: "a", Region: "eu", Capacity: 10}, CurrentConnections: 9},
		{Endpoint: ServerEndpoint{ID: "b", Region: "us", Capacity: 10}, CurrentConnections: 2},
		{Endpoint: ServerEndpoint{ID: "c", Region: "eu", Capacity: 10}, CurrentConnections: 5},
	}

	ids := func(in []ServerState) []string {
		out := make([]string, 0, len(in))
		for _, s := range in {
			out = append(out, s.ID())
		}
		return out
	}

	assert.Equal(t, []string{"b", "c"}, ids(CapacityFilter{Required: 4}.Filter(servers)))
	assert.Equal(t, []string{"a", "b", "c"}, ids(CapacityFilter{}.Filter(servers)))
	assert.Equal(t, []string{"a", "c"}, ids(ExcludeFilter{IDs: map[string]struct{}{"b": {}}}.Filter(servers)))
	assert.Equal(t, []string{"a", "c"}, ids(RegionFilter{Region: "eu"}.Filter(servers)))
	assert.Equal(t, []string{"a", "b", "c"}, ids(RegionFilter{Region: "ap"}.Filter(servers)), "no match keeps all")

	combined := ApplyFilters(servers,
		RegionFilter{Region: "eu"},
		CapacityFilter{Required: 2},
	)
	assert.Equal(t, []string{"c"}, ids(combined))
}

func TestProbeConfigValidate(t *testing.T) {
	t.Parallel()

	assert.NoError(t, ProbeConfig{Type: HTTPCheck, Timeout: time.Second, ExpectedStatus: 200}.Validate())
	assert.Error(t, ProbeConfig{Type: CustomCheck, Timeout: time.Second}.Validate())
	assert.Error(t, ProbeConfig{Type: "smoke", Timeout: time.Second}.Validate())
	assert.Error(t, ProbeConfig{Type: TCPCheck}.Validate())
}
