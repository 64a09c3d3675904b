package service

import (
	"testing"
	"time"

	"github.com/mir00r/gameserver-lb/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestMetricsCounters(t *testing.T) {
	t.Parallel()

	m := NewMetrics()
	m.IncrementRequests()
	m.IncrementRequests()
	m.IncrementSuccesses()
	m.IncrementFailures()
	m.IncrementTrips()
	m.IncrementAffinityHit()
	m.RecordDecision("round_robin")
	m.RecordDecision("round_robin")
	m.RecordDecision("least_connections")

	snap := m.Snapshot()
	assert.Equal(t, uint64(2), snap.TotalRequests)
	assert.Equal(t, uint64(1), snap.SuccessfulRequests)
	assert.Equal(t, uint64(1), snap.FailedRequests)
	assert.Equal(t, uint64(1), snap.CircuitBreakerTrips)
	assert.Equal(t, uint64(1), snap.AffinityHits)
	assert.Equal(t, map[string]uint64{"round_robin": 2, "least_connections": 1}, snap.LoadBalancingDecisions)

	snap.LoadBalancingDecisions["round_robin"] = 99
	assert.Equal(t, uint64(2), m.Snapshot().LoadBalancingDecisions["round_robin"], "snapshots are copies")
}

func TestMetricsAggregate(t *testing.T) {
	t.Parallel()

	busy := server("busy", 8, 10)
	busy.ResponseSamples = 2
	busy.AverageResponseTime = 30 * time.Millisecond
	idle := server("idle", 2, 10)
	empty := server("empty", 0, 0)
	down := server("down", 5, 10)
	down.HealthStatus = domain.HealthUnhealthy
	down.ResponseSamples = 1
	down.AverageResponseTime = 60 * time.Millisecond

	m := NewMetrics()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.Aggregate([]domain.ServerState{busy, idle, empty, down}, now)

	snap := m.Snapshot()
	assert.Equal(t, map[string]float64{"busy": 80, "idle": 20, "empty": 0}, snap.ServerUtilization)
	assert.InDelta(t, 100.0/3, snap.AverageLoad, 1e-9)
	assert.Equal(t, 40*time.Millisecond, snap.AverageResponseTime, "averaged over every sample")
	assert.Equal(t, 0.0, snap.RequestsPerSecond, "no rate before a second aggregation")
	assert.Equal(t, now, snap.LastAggregation)

	for i := 0; i < 30; i++ {
		m.IncrementRequests()
	}
	m.Aggregate(nil, now.Add(10*time.Second))

	snap = m.Snapshot()
	assert.InDelta(t, 3.0, snap.RequestsPerSecond, 1e-9)
	assert.Empty(t, snap.ServerUtilization)
	assert.Equal(t, 0.0, snap.AverageLoad)
	assert.Equal(t, time.Duration(0), snap.AverageResponseTime)
}
