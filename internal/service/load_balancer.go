package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mir00r/gameserver-lb/internal/domain"
	lberrors "github.com/mir00r/gameserver-lb/internal/errors"
	"github.com/mir00r/gameserver-lb/internal/repository"
	"github.com/mir00r/gameserver-lb/pkg/logger"
	"golang.org/x/sync/errgroup"
)

// Discoverer returns the current endpoints registered for a service name
type Discoverer interface {
	Discover(ctx context.Context, serviceName string) ([]domain.ServerEndpoint, error)
}

// ServerDetails is the full admin view of one server
type ServerDetails struct {
	Server  domain.ServerState          `json:"server"`
	Health  *domain.HealthCheck         `json:"health,omitempty"`
	Circuit domain.CircuitBreakerStatus `json:"circuit"`
}

// LoadBalancer selects game servers for clients and owns the four
// maintenance loops: health checking, discovery, metrics aggregation and
// session cleanup.
type LoadBalancer struct {
	config        domain.LoadBalancerConfig
	pool          *repository.ServerPool
	healthChecker *HealthChecker
	breaker       *CircuitBreaker
	affinity      *SessionAffinityManager
	metrics       *Metrics
	discoverer    Discoverer
	logger        *logger.Logger
	now           func() time.Time

	selectorMu sync.RWMutex
	selector   Selector

	lifecycleMu sync.Mutex
	running     bool
	cancel      context.CancelFunc
	done        chan struct{}
}

// Option customises a LoadBalancer
type Option func(*lbOptions)

type lbOptions struct {
	prober Prober
	pool   *repository.ServerPool
	now    func() time.Time
}

// WithProber overrides the prober built from the health check config
func WithProber(p Prober) Option {
	return func(o *lbOptions) { o.prober = p }
}

// WithServerPool supplies a pre-populated pool
func WithServerPool(pool *repository.ServerPool) Option {
	return func(o *lbOptions) { o.pool = pool }
}

// WithNow replaces time.Now for the pool, affinity table and metrics
func WithNow(now func() time.Time) Option {
	return func(o *lbOptions) { o.now = now }
}

// NewLoadBalancer wires the load balancer. discoverer may be nil, in which
// case servers only arrive through RegisterServer.
func NewLoadBalancer(config domain.LoadBalancerConfig, discoverer Discoverer, log *logger.Logger, opts ...Option) (*LoadBalancer, error) {
	if config.HealthCheck.FailureThreshold == 0 {
		config.HealthCheck.FailureThreshold = config.CircuitBreaker.FailureThreshold
	}
	if err := config.Validate(); err != nil {
		return nil, lberrors.NewErrorWithCause(lberrors.ErrCodeConfigLoad, "load_balancer", "invalid load balancer configuration", err)
	}

	o := lbOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	selector, err := NewSelector(config.Algorithm)
	if err != nil {
		return nil, err
	}

	prober := o.prober
	if prober == nil {
		prober, err = NewProber(config.HealthCheck.Probe)
		if err != nil {
			return nil, lberrors.NewErrorWithCause(lberrors.ErrCodeConfigLoad, "load_balancer", "invalid health probe", err)
		}
	}

	pool := o.pool
	if pool == nil {
		pool = repository.NewServerPool(repository.WithPoolClock(o.now))
	}

	lb := &LoadBalancer{
		config:     config,
		pool:       pool,
		breaker:    NewCircuitBreaker(config.CircuitBreaker, log),
		affinity:   NewSessionAffinityManager(config.SessionAffinity.SessionTimeout, log, WithClock(o.now)),
		selector:   selector,
		metrics:    NewMetrics(),
		discoverer: discoverer,
		logger:     log.LoadBalancerLogger(),
		now:        o.now,
	}
	lb.healthChecker = NewHealthChecker(config.HealthCheck, prober, pool, log)
	lb.healthChecker.now = o.now

	lb.breaker.SetListener(lb.onCircuitChange)
	lb.healthChecker.SetObserver(lb.onProbe)

	lb.logger.WithField("algorithm", selector.Name()).
		WithField("sticky_sessions", config.SessionAffinity.Enabled).
		WithField("health_check", string(prober.Type())).
		Info("Load balancer initialized")

	return lb, nil
}

func (lb *LoadBalancer) onCircuitChange(serverID string, _, to domain.CircuitState) {
	if to == domain.CircuitOpen {
		lb.metrics.IncrementTrips()
	}
	// the breaker may outlive a server evicted a moment ago
	_ = lb.pool.SetCircuitState(serverID, to)
}

// onProbe lets a probe act as the trial request of a half-open breaker
func (lb *LoadBalancer) onProbe(serverID string, probeErr error) {
	if lb.breaker.State(serverID) != domain.CircuitHalfOpen {
		return
	}
	if probeErr == nil {
		lb.breaker.RecordSuccess(serverID)
	} else {
		lb.breaker.RecordFailure(serverID)
	}
}

// Select chooses a server for req.ClientID. A live sticky binding wins;
// otherwise the configured algorithm runs over the healthy servers whose
// breaker admits traffic and that have the required capacity. A half-open
// server is handed to at most one caller per recovery attempt.
func (lb *LoadBalancer) Select(ctx context.Context, req domain.SelectionRequest) (domain.ServerEndpoint, error) {
	if err := ctx.Err(); err != nil {
		return domain.ServerEndpoint{}, err
	}

	lb.metrics.IncrementRequests()
	sticky := lb.config.SessionAffinity.Enabled && req.ClientID != ""

	if sticky {
		if endpoint, ok := lb.stickyServer(req); ok {
			lb.metrics.IncrementSuccesses()
			lb.metrics.IncrementAffinityHit()
			return endpoint, nil
		}
	}

	healthy := lb.pool.HealthyServers()
	excluded := lb.breaker.UnavailableServers()
	selector := lb.currentSelector()

	var (
		candidates []domain.ServerState
		chosenID   string
	)
	for {
		candidates = domain.ApplyFilters(healthy,
			domain.ExcludeFilter{IDs: excluded},
			domain.CapacityFilter{Required: req.RequiredCapacity},
		)

		var err error
		chosenID, err = selector.Select(candidates, req)
		if err != nil {
			lb.metrics.IncrementFailures()
			lb.logger.WithField("client_id", req.ClientID).
				WithField("algorithm", selector.Name()).
				Warn("No eligible server for selection")
			return domain.ServerEndpoint{}, err
		}
		if lb.breaker.Admit(chosenID) {
			break
		}
		// another caller claimed the half-open trial first
		excluded[chosenID] = struct{}{}
	}

	var chosen domain.ServerEndpoint
	for _, c := range candidates {
		if c.ID() == chosenID {
			chosen = c.Endpoint
			break
		}
	}

	if sticky {
		lb.affinity.Set(req.ClientID, chosenID)
		if req.SessionID != "" {
			_ = lb.pool.RecordStickySession(chosenID, req.SessionID, req.ClientID)
		}
	}

	lb.metrics.IncrementSuccesses()
	lb.metrics.RecordDecision(selector.Name())

	lb.logger.WithField("client_id", req.ClientID).
		WithField("server_id", chosenID).
		WithField("algorithm", selector.Name()).
		Debug("Server selected")

	return chosen, nil
}

func (lb *LoadBalancer) stickyServer(req domain.SelectionRequest) (domain.ServerEndpoint, bool) {
	serverID, ok := lb.affinity.Get(req.ClientID)
	if !ok {
		return domain.ServerEndpoint{}, false
	}

	state, err := lb.pool.Get(serverID)
	if err != nil {
		lb.affinity.Remove(req.ClientID)
		return domain.ServerEndpoint{}, false
	}
	if state.HealthStatus != domain.HealthHealthy {
		return domain.ServerEndpoint{}, false
	}
	if req.RequiredCapacity > 0 && state.Headroom() < req.RequiredCapacity {
		return domain.ServerEndpoint{}, false
	}
	if !lb.breaker.Admit(serverID) {
		return domain.ServerEndpoint{}, false
	}

	lb.affinity.Touch(req.ClientID)
	return state.Endpoint, true
}

// MarkServerHealthy forces serverID healthy, bypassing probe hysteresis
func (lb *LoadBalancer) MarkServerHealthy(serverID string) error {
	changed, err := lb.pool.MarkHealthy(serverID)
	if err != nil {
		return err
	}
	if changed {
		lb.logger.WithField("server_id", serverID).Info("Server manually marked healthy")
	}
	return nil
}

// MarkServerUnhealthy forces serverID unhealthy, bypassing probe hysteresis
func (lb *LoadBalancer) MarkServerUnhealthy(serverID string) error {
	changed, err := lb.pool.MarkUnhealthy(serverID)
	if err != nil {
		return err
	}
	if changed {
		lb.logger.WithField("server_id", serverID).Warn("Server manually marked unhealthy")
	}
	return nil
}

// UpdateServerMetrics stores caller-reported load for serverID
func (lb *LoadBalancer) UpdateServerMetrics(serverID string, connections int, responseTime time.Duration) error {
	return lb.pool.UpdateMetrics(serverID, connections, responseTime)
}

// ReportSuccess feeds a successful request outcome to the breaker of serverID
func (lb *LoadBalancer) ReportSuccess(serverID string) error {
	if _, err := lb.pool.Get(serverID); err != nil {
		return err
	}
	lb.breaker.RecordSuccess(serverID)
	return nil
}

// ReportFailure feeds a failed request outcome to the breaker of serverID
func (lb *LoadBalancer) ReportFailure(serverID string) error {
	if _, err := lb.pool.Get(serverID); err != nil {
		return err
	}
	lb.breaker.RecordFailure(serverID)
	return nil
}

// RegisterServer adds endpoint to the pool in Unknown health
func (lb *LoadBalancer) RegisterServer(endpoint domain.ServerEndpoint) (bool, error) {
	if endpoint.ID == "" {
		return false, lberrors.NewError(lberrors.ErrCodeInvalidRequest, "load_balancer", "server id cannot be empty")
	}
	if endpoint.Capacity < 0 {
		return false, lberrors.NewError(lberrors.ErrCodeInvalidRequest, "load_balancer", "server capacity cannot be negative")
	}
	added := lb.pool.Upsert(endpoint)
	if added {
		lb.logger.WithField("server_id", endpoint.ID).
			WithField("region", endpoint.Region).
			Info("Server registered")
	}
	return added, nil
}

// RemoveServer forgets serverID together with its probe record, breaker and
// sticky bindings
func (lb *LoadBalancer) RemoveServer(serverID string) error {
	if !lb.pool.Remove(serverID) {
		return lberrors.NewServerNotFoundError(serverID)
	}
	lb.healthChecker.Remove(serverID)
	lb.breaker.Remove(serverID)
	unbound := lb.affinity.RemoveServer(serverID)

	lb.logger.WithField("server_id", serverID).
		WithField("sessions_unbound", unbound).
		Info("Server removed")
	return nil
}

// CheckServer probes serverID once, outside the regular schedule
func (lb *LoadBalancer) CheckServer(ctx context.Context, serverID string) (domain.HealthCheck, error) {
	return lb.healthChecker.Check(ctx, serverID)
}

// GetMetrics returns a snapshot of the metrics
func (lb *LoadBalancer) GetMetrics() domain.LoadBalancerMetrics {
	return lb.metrics.Snapshot()
}

// GetServers returns every known server in registration order
func (lb *LoadBalancer) GetServers() []domain.ServerState {
	return lb.pool.All()
}

// GetServersInRegion returns the servers registered in region
func (lb *LoadBalancer) GetServersInRegion(region string) []domain.ServerState {
	return lb.pool.ServersByRegion(region)
}

// GetServer returns the admin view of serverID
func (lb *LoadBalancer) GetServer(serverID string) (ServerDetails, error) {
	state, err := lb.pool.Get(serverID)
	if err != nil {
		return ServerDetails{}, err
	}
	details := ServerDetails{
		Server:  state,
		Circuit: lb.breaker.Status(serverID),
	}
	if check, ok := lb.healthChecker.GetCheck(serverID); ok {
		details.Health = &check
	}
	return details, nil
}

func (lb *LoadBalancer) currentSelector() Selector {
	lb.selectorMu.RLock()
	defer lb.selectorMu.RUnlock()
	return lb.selector
}

// Algorithm returns the configured algorithm name
func (lb *LoadBalancer) Algorithm() string {
	return lb.currentSelector().Name()
}

// SetAlgorithm swaps the selection algorithm. Rotation state of the previous
// algorithm is discarded.
func (lb *LoadBalancer) SetAlgorithm(config domain.AlgorithmConfig) error {
	selector, err := NewSelector(config)
	if err != nil {
		return err
	}

	lb.selectorMu.Lock()
	previous := lb.selector
	lb.selector = selector
	lb.selectorMu.Unlock()

	lb.logger.WithField("from", previous.Name()).
		WithField("to", selector.Name()).
		Info("Selection algorithm changed")
	return nil
}

// IsRunning reports whether the maintenance loops are active
func (lb *LoadBalancer) IsRunning() bool {
	lb.lifecycleMu.Lock()
	defer lb.lifecycleMu.Unlock()
	return lb.running
}

// GetStats returns statistics for every component
func (lb *LoadBalancer) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"algorithm":       lb.Algorithm(),
		"running":         lb.IsRunning(),
		"pool":            lb.pool.Stats(),
		"health_checker":  lb.healthChecker.GetStats(),
		"circuit_breaker": lb.breaker.GetStats(),
		"sticky_sessions": map[string]interface{}{
			"enabled":  lb.config.SessionAffinity.Enabled,
			"bindings": lb.affinity.Len(),
			"timeout":  lb.config.SessionAffinity.SessionTimeout.String(),
		},
		"metrics": lb.metrics.Snapshot(),
	}
}

// DiscoverOnce polls discovery and folds the result into the pool. A failed
// poll is logged and leaves the pool untouched.
func (lb *LoadBalancer) DiscoverOnce(ctx context.Context) error {
	if lb.discoverer == nil {
		return nil
	}

	log := lb.logger.WithField("service", lb.config.Discovery.ServiceName)
	endpoints, err := lb.discoverer.Discover(ctx, lb.config.Discovery.ServiceName)
	if err != nil {
		log.WithError(err).Warn("Server discovery failed")
		return err
	}

	added, refreshed := 0, 0
	for _, ep := range endpoints {
		if ep.ID == "" {
			continue
		}
		if lb.pool.Upsert(ep) {
			added++
			lb.logger.WithField("server_id", ep.ID).
				WithField("region", ep.Region).
				WithField("capacity", ep.Capacity).
				Info("Discovered new server")
			continue
		}
		if lb.config.Discovery.RefreshMetadata && lb.pool.Refresh(ep) {
			refreshed++
		}
	}

	evicted := 0
	if lb.config.Discovery.EvictAfter > 0 {
		for _, id := range lb.pool.StaleServers(lb.config.Discovery.EvictAfter) {
			if err := lb.RemoveServer(id); err == nil {
				evicted++
			}
		}
	}

	log.WithField("reported", len(endpoints)).
		WithField("added", added).
		WithField("refreshed", refreshed).
		WithField("evicted", evicted).
		Debug("Discovery cycle complete")
	return nil
}

// AggregateMetrics recomputes utilization, load and throughput gauges
func (lb *LoadBalancer) AggregateMetrics() {
	lb.metrics.Aggregate(lb.pool.All(), lb.now())
}

// SweepSessions removes expired sticky bindings
func (lb *LoadBalancer) SweepSessions() int {
	return lb.affinity.Sweep()
}

// Start launches the maintenance loops. Each loop runs once immediately and
// then on its own interval until Stop is called or ctx is cancelled.
func (lb *LoadBalancer) Start(ctx context.Context) error {
	lb.lifecycleMu.Lock()
	defer lb.lifecycleMu.Unlock()

	if lb.running {
		return lberrors.NewError(lberrors.ErrCodeAlreadyStarted, "load_balancer", "load balancer is already running")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(loopCtx)

	g.Go(func() error {
		return lb.runLoop(gctx, "health_check", lb.config.HealthCheck.Interval, func(ctx context.Context) {
			if err := lb.healthChecker.RunOnce(ctx); err != nil && ctx.Err() == nil {
				lb.logger.WithError(err).Warn("Health check round failed")
			}
		})
	})
	if lb.discoverer != nil {
		g.Go(func() error {
			return lb.runLoop(gctx, "discovery", lb.config.Discovery.Interval, func(ctx context.Context) {
				_ = lb.DiscoverOnce(ctx)
			})
		})
	}
	g.Go(func() error {
		return lb.runLoop(gctx, "metrics", lb.config.AggregationInterval, func(context.Context) {
			lb.AggregateMetrics()
		})
	})
	g.Go(func() error {
		return lb.runLoop(gctx, "session_cleanup", lb.config.SessionAffinity.CleanupInterval, func(context.Context) {
			lb.SweepSessions()
		})
	})

	done := make(chan struct{})
	go func() {
		if err := g.Wait(); err != nil {
			lb.logger.WithError(err).Error("Maintenance loop exited with error")
		}
		close(done)
	}()

	lb.running = true
	lb.cancel = cancel
	lb.done = done

	lb.logger.WithField("health_interval", lb.config.HealthCheck.Interval.String()).
		WithField("discovery_interval", lb.config.Discovery.Interval.String()).
		Info("Load balancer started")
	return nil
}

func (lb *LoadBalancer) runLoop(ctx context.Context, name string, interval time.Duration, tick func(context.Context)) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s loop panicked: %v", name, r)
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	tick(ctx)
	for {
		select {
		case <-ctx.Done():
			lb.logger.WithField("loop", name).Debug("Maintenance loop stopped")
			return nil
		case <-ticker.C:
			tick(ctx)
		}
	}
}

// Stop cancels the maintenance loops and waits for them to return or for ctx
// to expire. Stopping a balancer that is not running is a no-op.
func (lb *LoadBalancer) Stop(ctx context.Context) error {
	lb.lifecycleMu.Lock()
	if !lb.running {
		lb.lifecycleMu.Unlock()
		return nil
	}
	cancel, done := lb.cancel, lb.done
	lb.running = false
	lb.cancel = nil
	lb.done = nil
	lb.lifecycleMu.Unlock()

	cancel()
	select {
	case <-done:
		lb.logger.Info("Load balancer stopped")
		return nil
	case <-ctx.Done():
		lb.logger.Warn("Load balancer stop timed out waiting for loops")
		return ctx.Err()
	}
}
