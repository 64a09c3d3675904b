package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mir00r/gameserver-lb/internal/domain"
	lberrors "github.com/mir00r/gameserver-lb/internal/errors"
	"github.com/mir00r/gameserver-lb/internal/repository"
	"github.com/mir00r/gameserver-lb/pkg/logger"
	"golang.org/x/sync/errgroup"
)

// ProbeObserver is told about every probe outcome after it has been committed
type ProbeObserver func(serverID string, probeErr error)

// HealthChecker probes every pooled server and applies threshold hysteresis
// before moving a server between the healthy and unhealthy lists.
type HealthChecker struct {
	config   domain.HealthCheckConfig
	prober   Prober
	pool     *repository.ServerPool
	logger   *logger.Logger
	now      func() time.Time
	observer ProbeObserver

	mu     sync.RWMutex
	checks map[string]*domain.HealthCheck

	totalProbes  uint64
	failedProbes uint64
	rounds       uint64
}

type probeResult struct {
	serverID string
	duration time.Duration
	err      error
}

// NewHealthChecker creates a new health checker instance
func NewHealthChecker(config domain.HealthCheckConfig, prober Prober, pool *repository.ServerPool, log *logger.Logger) *HealthChecker {
	if config.SuccessThreshold < 1 {
		config.SuccessThreshold = 1
	}
	if config.FailureThreshold < 1 {
		config.FailureThreshold = 1
	}
	if config.MaxConcurrent < 1 {
		config.MaxConcurrent = 1
	}
	return &HealthChecker{
		config: config,
		prober: prober,
		pool:   pool,
		logger: log.HealthCheckLogger(),
		now:    time.Now,
		checks: make(map[string]*domain.HealthCheck),
	}
}

// SetObserver registers fn to receive probe outcomes. It must be called before RunOnce.
func (hc *HealthChecker) SetObserver(fn ProbeObserver) {
	hc.observer = fn
}

// RunOnce probes every known server concurrently and commits the results.
// Probe failures are recorded, never returned.
func (hc *HealthChecker) RunOnce(ctx context.Context) error {
	servers := hc.pool.All()
	if len(servers) == 0 {
		return nil
	}

	results := make([]probeResult, len(servers))
	var g errgroup.Group
	g.SetLimit(hc.config.MaxConcurrent)
	for i, server := range servers {
		i, endpoint := i, server.Endpoint
		g.Go(func() error {
			results[i] = hc.probe(ctx, endpoint)
			return nil
		})
	}
	_ = g.Wait()

	// a cancelled round says nothing about the servers
	if err := ctx.Err(); err != nil {
		return err
	}

	hc.commit(results)
	atomic.AddUint64(&hc.rounds, 1)
	return nil
}

// Check probes a single server immediately and commits the result
func (hc *HealthChecker) Check(ctx context.Context, serverID string) (domain.HealthCheck, error) {
	server, err := hc.pool.Get(serverID)
	if err != nil {
		return domain.HealthCheck{}, err
	}

	result := hc.probe(ctx, server.Endpoint)
	hc.commit([]probeResult{result})

	check, _ := hc.GetCheck(serverID)
	if result.err != nil {
		return check, lberrors.NewProbeError(serverID, string(hc.prober.Type()), result.err)
	}
	return check, nil
}

func (hc *HealthChecker) probe(ctx context.Context, endpoint domain.ServerEndpoint) probeResult {
	probeCtx, cancel := context.WithTimeout(ctx, hc.config.Probe.Timeout)
	defer cancel()

	start := time.Now()
	err := hc.prober.Probe(probeCtx, endpoint)
	return probeResult{
		serverID: endpoint.ID,
		duration: time.Since(start),
		err:      err,
	}
}

type healthTransition struct {
	serverID string
	status   domain.HealthStatus
}

// commit folds results into the check table, then applies the resulting
// transitions to the pool. The two lock regions are never held together.
func (hc *HealthChecker) commit(results []probeResult) {
	var transitions []healthTransition

	hc.mu.Lock()
	now := hc.now()
	for _, r := range results {
		atomic.AddUint64(&hc.totalProbes, 1)

		check, exists := hc.checks[r.serverID]
		if !exists {
			check = &domain.HealthCheck{ServerID: r.serverID, CheckType: hc.prober.Type()}
			hc.checks[r.serverID] = check
		}
		check.LastCheck = now

		if r.err == nil {
			rt := r.duration
			check.ResponseTime = &rt
			check.ConsecutiveSuccesses++
			check.ConsecutiveFailures = 0
			check.LastError = ""
			if check.ConsecutiveSuccesses >= hc.config.SuccessThreshold {
				transitions = append(transitions, healthTransition{r.serverID, domain.HealthHealthy})
			}
			continue
		}

		atomic.AddUint64(&hc.failedProbes, 1)
		check.ResponseTime = nil
		check.ConsecutiveFailures++
		check.ConsecutiveSuccesses = 0
		check.LastError = r.err.Error()
		if check.ConsecutiveFailures >= hc.config.FailureThreshold {
			transitions = append(transitions, healthTransition{r.serverID, domain.HealthUnhealthy})
		}
	}
	hc.mu.Unlock()

	// drop records of servers removed while their check was in flight
	gone := make(map[string]bool)
	for _, r := range results {
		if _, err := hc.pool.Get(r.serverID); err != nil {
			gone[r.serverID] = true
			hc.Remove(r.serverID)
		}
	}

	for _, r := range results {
		if r.err != nil {
			hc.logger.WithField("server_id", r.serverID).
				WithError(r.err).
				Debug("Health probe failed")
		}
	}

	for _, t := range transitions {
		var (
			changed bool
			err     error
		)
		if t.status == domain.HealthHealthy {
			changed, err = hc.pool.MarkHealthy(t.serverID)
		} else {
			changed, err = hc.pool.MarkUnhealthy(t.serverID)
		}
		if err != nil {
			// removed from the pool while its probe was in flight
			hc.logger.WithField("server_id", t.serverID).WithError(err).Debug("Skipping health transition")
			continue
		}
		if changed {
			hc.logger.WithField("server_id", t.serverID).
				WithField("status", t.status.String()).
				Info("Server health changed")
		}
	}

	if hc.observer != nil {
		for _, r := range results {
			if !gone[r.serverID] {
				hc.observer(r.serverID, r.err)
			}
		}
	}
}

// GetCheck returns a copy of the probe record for serverID
func (hc *HealthChecker) GetCheck(serverID string) (domain.HealthCheck, bool) {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	check, exists := hc.checks[serverID]
	if !exists {
		return domain.HealthCheck{}, false
	}
	return *check, true
}

// Remove forgets the probe record of serverID
func (hc *HealthChecker) Remove(serverID string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	delete(hc.checks, serverID)
}

// GetStats returns health checker statistics
func (hc *HealthChecker) GetStats() map[string]interface{} {
	hc.mu.RLock()
	tracked := len(hc.checks)
	hc.mu.RUnlock()

	return map[string]interface{}{
		"check_type":        string(hc.prober.Type()),
		"interval":          hc.config.Interval.String(),
		"success_threshold": hc.config.SuccessThreshold,
		"failure_threshold": hc.config.FailureThreshold,
		"tracked_servers":   tracked,
		"total_probes":      atomic.LoadUint64(&hc.totalProbes),
		"failed_probes":     atomic.LoadUint64(&hc.failedProbes),
		"rounds":            atomic.LoadUint64(&hc.rounds),
	}
}
