package service

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/mir00r/gameserver-lb/internal/domain"
)

// Metrics holds the load balancer counters. Counters are lock-free; the
// decision and utilization maps share one lock.
type Metrics struct {
	totalRequests      uint64
	successfulRequests uint64
	failedRequests     uint64
	circuitTrips       uint64
	affinityHits       uint64

	mu                  sync.RWMutex
	decisions           map[string]uint64
	utilization         map[string]float64
	averageResponseTime time.Duration
	averageLoad         float64
	requestsPerSecond   float64
	lastAggregation     time.Time
	lastTotal           uint64
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		decisions:   make(map[string]uint64),
		utilization: make(map[string]float64),
	}
}

func (m *Metrics) IncrementRequests() { atomic.AddUint64(&m.totalRequests, 1) }
func (m *Metrics) IncrementSuccesses() { atomic.AddUint64(&m.successfulRequests, 1) }
func (m *Metrics) IncrementFailures() { atomic.AddUint64(&m.failedRequests, 1) }
func (m *Metrics) IncrementTrips() { atomic.AddUint64(&m.circuitTrips, 1) }
func (m *Metrics) IncrementAffinityHit() { atomic.AddUint64(&m.affinityHits, 1) }

// RecordDecision counts one selection made by algorithm
func (m *Metrics) RecordDecision(algorithm string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions[algorithm]++
}

// Aggregate recomputes the derived gauges from a pool snapshot. Utilization
// and average load cover healthy servers only; the response time average
// covers every sample of every server.
func (m *Metrics) Aggregate(servers []domain.ServerState, now time.Time) {
	utilization := make(map[string]float64)
	var loadSum float64
	var rtSum time.Duration
	var rtSamples int

	for _, s := range servers {
		if s.ResponseSamples > 0 {
			rtSum += s.AverageResponseTime * time.Duration(s.ResponseSamples)
			rtSamples += s.ResponseSamples
		}
		if s.HealthStatus != domain.HealthHealthy {
			continue
		}
		var pct float64
		if s.Endpoint.Capacity > 0 {
			pct = float64(s.CurrentConnections) / float64(s.Endpoint.Capacity) * 100
		}
		utilization[s.ID()] = pct
		loadSum += pct
	}

	total := atomic.LoadUint64(&m.totalRequests)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.utilization = utilization
	m.averageLoad = 0
	if len(utilization) > 0 {
		m.averageLoad = loadSum / float64(len(utilization))
	}
	m.averageResponseTime = 0
	if rtSamples > 0 {
		m.averageResponseTime = rtSum / time.Duration(rtSamples)
	}
	if !m.lastAggregation.IsZero() {
		if elapsed := now.Sub(m.lastAggregation).Seconds(); elapsed > 0 {
			m.requestsPerSecond = float64(total-m.lastTotal) / elapsed
		}
	}
	m.lastTotal = total
	m.lastAggregation = now
}

// Snapshot returns a copy of every metric
func (m *Metrics) Snapshot() domain.LoadBalancerMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	decisions := make(map[string]uint64, len(m.decisions))
	for k, v := range m.decisions {
		decisions[k] = v
	}
	utilization := make(map[string]float64, len(m.utilization))
	for k, v := range m.utilization {
		utilization[k] = v
	}

	return domain.LoadBalancerMetrics{
		TotalRequests:          atomic.LoadUint64(&m.totalRequests),
		SuccessfulRequests:     atomic.LoadUint64(&m.successfulRequests),
		FailedRequests:         atomic.LoadUint64(&m.failedRequests),
		CircuitBreakerTrips:    atomic.LoadUint64(&m.circuitTrips),
		AffinityHits:           atomic.LoadUint64(&m.affinityHits),
		AverageResponseTime:    m.averageResponseTime,
		RequestsPerSecond:      m.requestsPerSecond,
		AverageLoad:            m.averageLoad,
		LoadBalancingDecisions: decisions,
		ServerUtilization:      utilization,
		LastAggregation:        m.lastAggregation,
	}
}
