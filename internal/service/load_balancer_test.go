package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mir00r/gameserver-lb/internal/domain"
	lberrors "github.com/mir00r/gameserver-lb/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLoadBalancer(t *testing.T, mutate func(*domain.LoadBalancerConfig), discoverer Discoverer, opts ...Option) (*LoadBalancer, *fakeProber) {
	t.Helper()
	config := domain.DefaultLoadBalancerConfig()
	if mutate != nil {
		mutate(&config)
	}
	prober := newFakeProber()
	opts = append([]Option{WithProber(prober)}, opts...)
	lb, err := NewLoadBalancer(config, discoverer, createTestLogger(t), opts...)
	require.NoError(t, err)
	return lb, prober
}

func addHealthyServer(t *testing.T, lb *LoadBalancer, id string, connections, capacity int) {
	t.Helper()
	_, err := lb.RegisterServer(domain.ServerEndpoint{
		ID:       id,
		Address:  "10.0.0.1",
		Port:     7777,
		Region:   "eu-west",
		Capacity: capacity,
	})
	require.NoError(t, err)
	require.NoError(t, lb.MarkServerHealthy(id))
	require.NoError(t, lb.UpdateServerMetrics(id, connections, 0))
}

func selectID(t *testing.T, lb *LoadBalancer, req domain.SelectionRequest) string {
	t.Helper()
	endpoint, err := lb.Select(context.Background(), req)
	require.NoError(t, err)
	return endpoint.ID
}

func TestNewLoadBalancerValidation(t *testing.T) {
	t.Parallel()

	config := domain.DefaultLoadBalancerConfig()
	config.Algorithm.Type = "random"
	_, err := NewLoadBalancer(config, nil, createTestLogger(t))
	require.Error(t, err)
	assert.Equal(t, lberrors.ErrCodeConfigLoad, lberrors.GetErrorCode(err))

	lb, _ := newTestLoadBalancer(t, func(c *domain.LoadBalancerConfig) {
		c.HealthCheck.FailureThreshold = 0
		c.CircuitBreaker.FailureThreshold = 7
	}, nil)
	stats := lb.GetStats()["health_checker"].(map[string]interface{})
	assert.Equal(t, 7, stats["failure_threshold"], "health failures default to the breaker threshold")
}

func TestSelectPrefersLeastConnections(t *testing.T) {
	t.Parallel()

	lb, _ := newTestLoadBalancer(t, func(c *domain.LoadBalancerConfig) {
		c.Algorithm.Type = domain.LeastConnectionsStrategyType
	}, nil)
	addHealthyServer(t, lb, "A", 5, 10)
	addHealthyServer(t, lb, "B", 1, 10)

	endpoint, err := lb.Select(context.Background(), domain.SelectionRequest{ClientID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, "B", endpoint.ID)
	assert.Equal(t, 7777, endpoint.Port)

	metrics := lb.GetMetrics()
	assert.Equal(t, uint64(1), metrics.TotalRequests)
	assert.Equal(t, uint64(1), metrics.SuccessfulRequests)
	assert.Equal(t, map[string]uint64{"least_connections": 1}, metrics.LoadBalancingDecisions)
}

func TestSelectWithoutHealthyServers(t *testing.T) {
	t.Parallel()

	lb, _ := newTestLoadBalancer(t, nil, nil)

	_, err := lb.Select(context.Background(), domain.SelectionRequest{ClientID: "p1"})
	assert.ErrorIs(t, err, lberrors.ErrNoHealthyServers)

	_, err = lb.RegisterServer(domain.ServerEndpoint{ID: "A", Address: "10.0.0.1", Port: 7777, Capacity: 10})
	require.NoError(t, err)
	_, err = lb.Select(context.Background(), domain.SelectionRequest{ClientID: "p1"})
	assert.ErrorIs(t, err, lberrors.ErrNoHealthyServers, "servers of unknown health are not eligible")

	metrics := lb.GetMetrics()
	assert.Equal(t, uint64(2), metrics.TotalRequests)
	assert.Equal(t, uint64(2), metrics.FailedRequests)
	assert.Empty(t, metrics.LoadBalancingDecisions)
}

func TestSelectHonoursCancelledContext(t *testing.T) {
	t.Parallel()

	lb, _ := newTestLoadBalancer(t, nil, nil)
	addHealthyServer(t, lb, "A", 0, 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := lb.Select(ctx, domain.SelectionRequest{ClientID: "p1"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, uint64(0), lb.GetMetrics().TotalRequests)
}

func TestStickySessionHolds(t *testing.T) {
	t.Parallel()

	lb, _ := newTestLoadBalancer(t, nil, nil)
	addHealthyServer(t, lb, "A", 0, 10)
	addHealthyServer(t, lb, "B", 0, 10)
	addHealthyServer(t, lb, "C", 0, 10)

	first := selectID(t, lb, domain.SelectionRequest{ClientID: "p1", SessionID: "match-1"})
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, selectID(t, lb, domain.SelectionRequest{ClientID: "p1"}))
	}
	assert.NotEqual(t, first, selectID(t, lb, domain.SelectionRequest{ClientID: "p2"}), "other clients keep rotating")

	metrics := lb.GetMetrics()
	assert.Equal(t, uint64(5), metrics.AffinityHits)
	assert.Equal(t, uint64(2), metrics.LoadBalancingDecisions["round_robin"])
	assert.Equal(t, uint64(7), metrics.SuccessfulRequests)

	details, err := lb.GetServer(first)
	require.NoError(t, err)
	assert.Equal(t, 1, details.Server.StickySessions)
}

func TestStickySessionFailsOverFromUnhealthyServer(t *testing.T) {
	t.Parallel()

	lb, _ := newTestLoadBalancer(t, nil, nil)
	addHealthyServer(t, lb, "A", 0, 10)
	addHealthyServer(t, lb, "B", 0, 10)

	require.Equal(t, "A", selectID(t, lb, domain.SelectionRequest{ClientID: "p1"}))
	require.NoError(t, lb.MarkServerUnhealthy("A"))

	for i := 0; i < 3; i++ {
		assert.Equal(t, "B", selectID(t, lb, domain.SelectionRequest{ClientID: "p1"}))
	}

	require.NoError(t, lb.MarkServerHealthy("A"))
	assert.Equal(t, "B", selectID(t, lb, domain.SelectionRequest{ClientID: "p1"}), "the client is now bound to its new server")
}

func TestStickySessionExpires(t *testing.T) {
	t.Parallel()

	clock := newManualClock()
	lb, _ := newTestLoadBalancer(t, func(c *domain.LoadBalancerConfig) {
		c.SessionAffinity.SessionTimeout = time.Minute
	}, nil, WithNow(clock.Now))
	addHealthyServer(t, lb, "A", 0, 10)
	addHealthyServer(t, lb, "B", 0, 10)

	require.Equal(t, "A", selectID(t, lb, domain.SelectionRequest{ClientID: "p1"}))
	clock.Advance(2 * time.Minute)
	assert.Equal(t, "B", selectID(t, lb, domain.SelectionRequest{ClientID: "p1"}), "an expired binding falls through to the algorithm")

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, lb.SweepSessions())
	assert.Equal(t, 0, lb.SweepSessions())
}

func TestStickySessionsDisabled(t *testing.T) {
	t.Parallel()

	lb, _ := newTestLoadBalancer(t, func(c *domain.LoadBalancerConfig) {
		c.SessionAffinity.Enabled = false
	}, nil)
	addHealthyServer(t, lb, "A", 0, 10)
	addHealthyServer(t, lb, "B", 0, 10)

	assert.Equal(t, "A", selectID(t, lb, domain.SelectionRequest{ClientID: "p1"}))
	assert.Equal(t, "B", selectID(t, lb, domain.SelectionRequest{ClientID: "p1"}))
	assert.Equal(t, uint64(0), lb.GetMetrics().AffinityHits)
}

func TestSelectRequiredCapacity(t *testing.T) {
	t.Parallel()

	lb, _ := newTestLoadBalancer(t, nil, nil)
	addHealthyServer(t, lb, "A", 8, 10)
	addHealthyServer(t, lb, "B", 2, 10)

	require.Equal(t, "A", selectID(t, lb, domain.SelectionRequest{ClientID: "p1"}))

	for i := 0; i < 3; i++ {
		assert.Equal(t, "B", selectID(t, lb, domain.SelectionRequest{ClientID: "p1", RequiredCapacity: 5}),
			"a bound server without headroom is skipped")
	}

	_, err := lb.Select(context.Background(), domain.SelectionRequest{ClientID: "p2", RequiredCapacity: 9})
	assert.ErrorIs(t, err, lberrors.ErrNoHealthyServers)
}

func TestSelectPlayerAffinity(t *testing.T) {
	t.Parallel()

	lb, _ := newTestLoadBalancer(t, func(c *domain.LoadBalancerConfig) {
		c.Algorithm.Type = domain.PlayerAffinityStrategyType
	}, nil)
	addHealthyServer(t, lb, "A", 0, 10)
	addHealthyServer(t, lb, "B", 6, 10)

	assert.Equal(t, "B", selectID(t, lb, domain.SelectionRequest{ClientID: "p3", PeerServerIDs: []string{"B", "B"}}))
	assert.Equal(t, "A", selectID(t, lb, domain.SelectionRequest{ClientID: "p4"}))
}

func TestCircuitBreakerExcludesAndRecovers(t *testing.T) {
	t.Parallel()

	lb, prober := newTestLoadBalancer(t, func(c *domain.LoadBalancerConfig) {
		c.SessionAffinity.Enabled = false
		c.CircuitBreaker.FailureThreshold = 3
		c.CircuitBreaker.RecoveryTimeout = 50 * time.Millisecond
	}, nil)
	addHealthyServer(t, lb, "A", 0, 10)
	addHealthyServer(t, lb, "B", 0, 10)

	for i := 0; i < 3; i++ {
		require.NoError(t, lb.ReportFailure("A"))
	}

	for i := 0; i < 10; i++ {
		assert.Equal(t, "B", selectID(t, lb, domain.SelectionRequest{}), "an open breaker excludes a healthy server")
	}

	details, err := lb.GetServer("A")
	require.NoError(t, err)
	assert.Equal(t, domain.CircuitOpen, details.Server.CircuitState)
	assert.Equal(t, domain.CircuitOpen, details.Circuit.State)
	assert.Equal(t, 3, details.Circuit.FailureCount)
	assert.Equal(t, uint64(1), lb.GetMetrics().CircuitBreakerTrips)

	time.Sleep(80 * time.Millisecond)
	details, err = lb.GetServer("A")
	require.NoError(t, err)
	assert.Equal(t, domain.CircuitHalfOpen, details.Circuit.State)

	// a successful probe is the half-open trial
	_, err = lb.CheckServer(context.Background(), "A")
	require.NoError(t, err)
	assert.Equal(t, 1, prober.callCount("A"))

	details, err = lb.GetServer("A")
	require.NoError(t, err)
	assert.Equal(t, domain.CircuitClosed, details.Circuit.State)
	assert.Equal(t, domain.CircuitClosed, details.Server.CircuitState)
	require.NotNil(t, details.Health)
	assert.Equal(t, 1, details.Health.ConsecutiveSuccesses)

	seen := make(map[string]bool)
	for i := 0; i < 4; i++ {
		seen[selectID(t, lb, domain.SelectionRequest{})] = true
	}
	assert.True(t, seen["A"], "a closed breaker readmits the server")
}

func TestHalfOpenServerTakesOneSelection(t *testing.T) {
	t.Parallel()

	lb, _ := newTestLoadBalancer(t, func(c *domain.LoadBalancerConfig) {
		c.SessionAffinity.Enabled = false
		c.CircuitBreaker.FailureThreshold = 3
		c.CircuitBreaker.RecoveryTimeout = 30 * time.Millisecond
	}, nil)
	addHealthyServer(t, lb, "A", 0, 10)
	addHealthyServer(t, lb, "B", 0, 10)

	for i := 0; i < 3; i++ {
		require.NoError(t, lb.ReportFailure("A"))
	}
	time.Sleep(60 * time.Millisecond)

	details, err := lb.GetServer("A")
	require.NoError(t, err)
	require.Equal(t, domain.CircuitHalfOpen, details.Circuit.State)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		onA int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			endpoint, err := lb.Select(context.Background(), domain.SelectionRequest{})
			if err != nil {
				return
			}
			if endpoint.ID == "A" {
				mu.Lock()
				onA++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, onA, 1, "a half-open server takes a single trial selection")

	for i := 0; i < 10; i++ {
		assert.Equal(t, "B", selectID(t, lb, domain.SelectionRequest{}))
	}

	// the trial succeeds and the server is back in rotation
	require.NoError(t, lb.ReportSuccess("A"))
	seen := make(map[string]bool)
	for i := 0; i < 4; i++ {
		seen[selectID(t, lb, domain.SelectionRequest{})] = true
	}
	assert.True(t, seen["A"])
}

func TestStickyBindingToHalfOpenServer(t *testing.T) {
	t.Parallel()

	lb, _ := newTestLoadBalancer(t, func(c *domain.LoadBalancerConfig) {
		c.Algorithm = domain.AlgorithmConfig{Type: domain.LeastConnectionsStrategyType}
		c.CircuitBreaker.FailureThreshold = 1
		c.CircuitBreaker.RecoveryTimeout = 30 * time.Millisecond
	}, nil)
	addHealthyServer(t, lb, "A", 0, 10)
	addHealthyServer(t, lb, "B", 5, 10)

	for _, client := range []string{"p1", "p2"} {
		require.Equal(t, "A", selectID(t, lb, domain.SelectionRequest{ClientID: client}))
	}

	require.NoError(t, lb.ReportFailure("A"))
	time.Sleep(60 * time.Millisecond)

	first := selectID(t, lb, domain.SelectionRequest{ClientID: "p1"})
	second := selectID(t, lb, domain.SelectionRequest{ClientID: "p2"})
	assert.Equal(t, "A", first, "the first bound client takes the trial")
	assert.Equal(t, "B", second, "later clients fail over while the trial is pending")
}

func TestStaleStickyBindingIsDropped(t *testing.T) {
	t.Parallel()

	lb, _ := newTestLoadBalancer(t, nil, nil)
	addHealthyServer(t, lb, "A", 0, 10)
	require.Equal(t, "A", selectID(t, lb, domain.SelectionRequest{ClientID: "p1"}))

	// removal races the lookup: the pool forgets A before its bindings go
	require.True(t, lb.pool.Remove("A"))
	_, err := lb.Select(context.Background(), domain.SelectionRequest{ClientID: "p1"})
	require.ErrorIs(t, err, lberrors.ErrNoHealthyServers)

	_, bound := lb.affinity.Get("p1")
	assert.False(t, bound)
}

func TestHealthFailuresMarkServerUnhealthy(t *testing.T) {
	t.Parallel()

	lb, prober := newTestLoadBalancer(t, func(c *domain.LoadBalancerConfig) {
		c.HealthCheck.FailureThreshold = 5
	}, nil)
	addHealthyServer(t, lb, "C", 0, 10)
	prober.set("C", errors.New("connection refused"))

	for i := 1; i <= 4; i++ {
		_, err := lb.CheckServer(context.Background(), "C")
		require.Error(t, err)
		details, _ := lb.GetServer("C")
		assert.Equal(t, domain.HealthHealthy, details.Server.HealthStatus, "failure %d", i)
	}

	_, err := lb.CheckServer(context.Background(), "C")
	assert.Equal(t, lberrors.ErrCodeProbeFailed, lberrors.GetErrorCode(err))
	details, _ := lb.GetServer("C")
	assert.Equal(t, domain.HealthUnhealthy, details.Server.HealthStatus)
}

func TestReportOutcomeForUnknownServer(t *testing.T) {
	t.Parallel()

	lb, _ := newTestLoadBalancer(t, nil, nil)

	assert.ErrorIs(t, lb.ReportFailure("ghost"), lberrors.ErrServerNotFound)
	assert.ErrorIs(t, lb.ReportSuccess("ghost"), lberrors.ErrServerNotFound)
	assert.ErrorIs(t, lb.MarkServerHealthy("ghost"), lberrors.ErrServerNotFound)
	assert.ErrorIs(t, lb.UpdateServerMetrics("ghost", 1, 0), lberrors.ErrServerNotFound)
	_, err := lb.GetServer("ghost")
	assert.ErrorIs(t, err, lberrors.ErrServerNotFound)
}

func TestRegisterAndRemoveServer(t *testing.T) {
	t.Parallel()

	lb, _ := newTestLoadBalancer(t, nil, nil)

	_, err := lb.RegisterServer(domain.ServerEndpoint{Address: "10.0.0.1"})
	assert.Equal(t, lberrors.ErrCodeInvalidRequest, lberrors.GetErrorCode(err))
	_, err = lb.RegisterServer(domain.ServerEndpoint{ID: "A", Capacity: -1})
	assert.Equal(t, lberrors.ErrCodeInvalidRequest, lberrors.GetErrorCode(err))

	addHealthyServer(t, lb, "A", 0, 10)
	added, err := lb.RegisterServer(domain.ServerEndpoint{ID: "A", Address: "10.0.0.9", Capacity: 50})
	require.NoError(t, err)
	assert.False(t, added)

	require.Equal(t, "A", selectID(t, lb, domain.SelectionRequest{ClientID: "p1"}))
	require.NoError(t, lb.ReportFailure("A"))

	require.NoError(t, lb.RemoveServer("A"))
	assert.Empty(t, lb.GetServers())
	assert.ErrorIs(t, lb.RemoveServer("A"), lberrors.ErrServerNotFound)

	addHealthyServer(t, lb, "A", 0, 10)
	details, err := lb.GetServer("A")
	require.NoError(t, err)
	assert.Nil(t, details.Health)
	assert.Equal(t, 0, details.Circuit.FailureCount, "re-registration starts with a fresh breaker")

	assert.Equal(t, "A", selectID(t, lb, domain.SelectionRequest{ClientID: "p1"}))
	assert.Equal(t, uint64(0), lb.GetMetrics().AffinityHits, "the old binding went away with the server")
}

func TestUpdateServerMetrics(t *testing.T) {
	t.Parallel()

	lb, _ := newTestLoadBalancer(t, nil, nil)
	addHealthyServer(t, lb, "A", 0, 10)

	require.NoError(t, lb.UpdateServerMetrics("A", 4, 20*time.Millisecond))
	require.NoError(t, lb.UpdateServerMetrics("A", -3, 40*time.Millisecond))

	details, err := lb.GetServer("A")
	require.NoError(t, err)
	assert.Equal(t, 0, details.Server.CurrentConnections)
	assert.Equal(t, 40*time.Millisecond, details.Server.LastResponseTime)
	assert.Equal(t, 30*time.Millisecond, details.Server.AverageResponseTime)
	assert.Equal(t, 2, details.Server.ResponseSamples)

	lb.AggregateMetrics()
	metrics := lb.GetMetrics()
	assert.Equal(t, map[string]float64{"A": 0}, metrics.ServerUtilization)
	assert.Equal(t, 30*time.Millisecond, metrics.AverageResponseTime)
}

func TestSetAlgorithm(t *testing.T) {
	t.Parallel()

	lb, _ := newTestLoadBalancer(t, func(c *domain.LoadBalancerConfig) {
		c.SessionAffinity.Enabled = false
	}, nil)
	addHealthyServer(t, lb, "A", 5, 10)
	addHealthyServer(t, lb, "B", 1, 10)

	err := lb.SetAlgorithm(domain.AlgorithmConfig{Type: "random"})
	assert.Equal(t, lberrors.ErrCodeInvalidAlgorithm, lberrors.GetErrorCode(err))
	assert.Equal(t, "round_robin", lb.Algorithm())

	require.NoError(t, lb.SetAlgorithm(domain.AlgorithmConfig{Type: domain.LeastConnectionsStrategyType}))
	assert.Equal(t, "least_connections", lb.Algorithm())
	for i := 0; i < 3; i++ {
		assert.Equal(t, "B", selectID(t, lb, domain.SelectionRequest{}))
	}
}

func TestDiscoverOnce(t *testing.T) {
	t.Parallel()

	discoverer := &fakeDiscoverer{}
	discoverer.set([]domain.ServerEndpoint{
		{ID: "A", Address: "10.0.0.1", Port: 7777, Region: "eu-west", Capacity: 10},
		{ID: "B", Address: "10.0.0.2", Port: 7777, Region: "us-east", Capacity: 20},
		{Address: "10.0.0.3"},
	}, nil)

	lb, _ := newTestLoadBalancer(t, nil, discoverer)
	require.NoError(t, lb.DiscoverOnce(context.Background()))

	servers := lb.GetServers()
	assert.Equal(t, []string{"A", "B"}, ids(servers), "endpoints without an id are ignored")
	for _, s := range servers {
		assert.Equal(t, domain.HealthUnknown, s.HealthStatus)
	}

	discoverer.set([]domain.ServerEndpoint{{ID: "A", Address: "10.0.0.1", Port: 7777, Region: "eu-west", Capacity: 99}}, nil)
	require.NoError(t, lb.DiscoverOnce(context.Background()))
	details, _ := lb.GetServer("A")
	assert.Equal(t, 10, details.Server.Endpoint.Capacity, "known servers keep their metadata by default")
	assert.Len(t, lb.GetServers(), 2, "discovery is additive by default")

	discoverer.set(nil, errors.New("registry unavailable"))
	assert.Error(t, lb.DiscoverOnce(context.Background()))
	assert.Len(t, lb.GetServers(), 2)
}

func TestDiscoverOnceRefreshesMetadata(t *testing.T) {
	t.Parallel()

	discoverer := &fakeDiscoverer{}
	discoverer.set([]domain.ServerEndpoint{{ID: "A", Address: "10.0.0.1", Port: 7777, Region: "eu-west", Capacity: 10}}, nil)

	lb, _ := newTestLoadBalancer(t, func(c *domain.LoadBalancerConfig) {
		c.Discovery.RefreshMetadata = true
	}, discoverer)
	require.NoError(t, lb.DiscoverOnce(context.Background()))
	require.NoError(t, lb.MarkServerHealthy("A"))

	discoverer.set([]domain.ServerEndpoint{{ID: "A", Address: "10.0.0.1", Port: 7777, Region: "eu-central", Capacity: 64}}, nil)
	require.NoError(t, lb.DiscoverOnce(context.Background()))

	details, err := lb.GetServer("A")
	require.NoError(t, err)
	assert.Equal(t, 64, details.Server.Endpoint.Capacity)
	assert.Equal(t, "eu-central", details.Server.Endpoint.Region)
	assert.Equal(t, domain.HealthHealthy, details.Server.HealthStatus, "operational state survives a refresh")
}

func TestDiscoverOnceEvictsStaleServers(t *testing.T) {
	t.Parallel()

	clock := newManualClock()
	discoverer := &fakeDiscoverer{}
	discoverer.set([]domain.ServerEndpoint{
		{ID: "A", Address: "10.0.0.1", Port: 7777, Capacity: 10},
		{ID: "B", Address: "10.0.0.2", Port: 7777, Capacity: 10},
	}, nil)

	lb, _ := newTestLoadBalancer(t, func(c *domain.LoadBalancerConfig) {
		c.Discovery.EvictAfter = time.Minute
	}, discoverer, WithNow(clock.Now))
	require.NoError(t, lb.DiscoverOnce(context.Background()))

	clock.Advance(2 * time.Minute)
	discoverer.set([]domain.ServerEndpoint{{ID: "A", Address: "10.0.0.1", Port: 7777, Capacity: 10}}, nil)
	require.NoError(t, lb.DiscoverOnce(context.Background()))
	assert.Equal(t, []string{"A"}, ids(lb.GetServers()))

	clock.Advance(2 * time.Minute)
	discoverer.set(nil, errors.New("registry unavailable"))
	require.Error(t, lb.DiscoverOnce(context.Background()))
	assert.Equal(t, []string{"A"}, ids(lb.GetServers()), "a failed poll never evicts")
}

func TestStartStop(t *testing.T) {
	t.Parallel()

	discoverer := &fakeDiscoverer{}
	discoverer.set([]domain.ServerEndpoint{{ID: "A", Address: "10.0.0.1", Port: 7777, Capacity: 10}}, nil)

	lb, prober := newTestLoadBalancer(t, func(c *domain.LoadBalancerConfig) {
		c.HealthCheck.Interval = 10 * time.Millisecond
		c.HealthCheck.SuccessThreshold = 1
		c.Discovery.Interval = 10 * time.Millisecond
		c.AggregationInterval = 10 * time.Millisecond
		c.SessionAffinity.CleanupInterval = 10 * time.Millisecond
	}, discoverer)

	require.NoError(t, lb.Stop(context.Background()), "stopping before start is a no-op")

	require.NoError(t, lb.Start(context.Background()))
	assert.True(t, lb.IsRunning())

	err := lb.Start(context.Background())
	assert.Equal(t, lberrors.ErrCodeAlreadyStarted, lberrors.GetErrorCode(err))

	assert.Eventually(t, func() bool {
		_, err := lb.Select(context.Background(), domain.SelectionRequest{ClientID: "p1"})
		return err == nil
	}, 2*time.Second, 10*time.Millisecond, "discovery and probing make the server eligible")
	assert.Eventually(t, func() bool {
		return !lb.GetMetrics().LastAggregation.IsZero()
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, lb.Stop(ctx))
	assert.False(t, lb.IsRunning())

	probes, polls := prober.callCount("A"), discoverer.callCount()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, probes, prober.callCount("A"), "no probes after stop")
	assert.Equal(t, polls, discoverer.callCount(), "no discovery after stop")

	require.NoError(t, lb.Start(context.Background()), "a stopped balancer can start again")
	require.NoError(t, lb.Stop(ctx))
}

func TestRunLoopRecoversPanics(t *testing.T) {
	t.Parallel()

	lb, _ := newTestLoadBalancer(t, nil, nil)
	err := lb.runLoop(context.Background(), "boom", time.Hour, func(context.Context) {
		panic("tick failed")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom loop panicked")
}

func TestConcurrentSelectAndHealthChanges(t *testing.T) {
	t.Parallel()

	lb, _ := newTestLoadBalancer(t, nil, nil)
	addHealthyServer(t, lb, "A", 0, 100)
	addHealthyServer(t, lb, "B", 0, 100)
	addHealthyServer(t, lb, "C", 0, 100)

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_ = lb.MarkServerUnhealthy("B")
				_ = lb.MarkServerHealthy("B")
				_ = lb.ReportFailure("C")
			}
		}
	}()

	var selectWG sync.WaitGroup
	errs := make(chan error, 8)
	for g := 0; g < 8; g++ {
		selectWG.Add(1)
		go func(g int) {
			defer selectWG.Done()
			for i := 0; i < 200; i++ {
				req := domain.SelectionRequest{ClientID: "player", SessionID: "s"}
				if i%2 == 0 {
					req.ClientID = ""
				}
				if _, err := lb.Select(context.Background(), req); err != nil {
					errs <- err
					return
				}
			}
		}(g)
	}
	selectWG.Wait()
	close(stop)
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("unexpected selection error: %v", err)
	}
	metrics := lb.GetMetrics()
	assert.Equal(t, uint64(1600), metrics.TotalRequests)
	assert.Equal(t, uint64(1600), metrics.SuccessfulRequests)
}
