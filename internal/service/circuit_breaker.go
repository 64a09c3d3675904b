package service

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/mir00r/gameserver-lb/internal/domain"
	"github.com/mir00r/gameserver-lb/pkg/logger"
	"github.com/sony/gobreaker"
)

// CircuitStateListener is called on every breaker transition
type CircuitStateListener func(serverID string, from, to domain.CircuitState)

// CircuitBreaker keeps one fast-fail breaker per server. Breakers are created
// on the first reported outcome; a server without one is Closed.
//
// Closed trips to Open after FailureThreshold failures inside Window. Open
// becomes HalfOpen once RecoveryTimeout has elapsed. A half-open server takes
// one trial selection, and the next reported outcome decides between Closed
// and Open again.
type CircuitBreaker struct {
	config   domain.CircuitBreakerConfig
	logger   *logger.Logger
	listener CircuitStateListener

	mu       sync.RWMutex
	breakers map[string]*serverBreaker

	trips uint64
}

type serverBreaker struct {
	cb *gobreaker.TwoStepCircuitBreaker

	mu           sync.Mutex
	failureCount int
	lastFailure  time.Time
	nextAttempt  time.Time
	// trialTaken is set once a selection claims the half-open trial
	trialTaken bool
}

// NewCircuitBreaker creates the breaker table
func NewCircuitBreaker(config domain.CircuitBreakerConfig, log *logger.Logger) *CircuitBreaker {
	if config.FailureThreshold < 1 {
		config.FailureThreshold = 1
	}
	return &CircuitBreaker{
		config:   config,
		logger:   log.CircuitBreakerLogger(),
		breakers: make(map[string]*serverBreaker),
	}
}

// SetListener registers fn for state transitions. It must be called before any outcome is recorded.
func (c *CircuitBreaker) SetListener(fn CircuitStateListener) {
	c.listener = fn
}

func (c *CircuitBreaker) get(serverID string) (*serverBreaker, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.breakers[serverID]
	return b, ok
}

func (c *CircuitBreaker) getOrCreate(serverID string) *serverBreaker {
	if b, ok := c.get(serverID); ok {
		return b
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.breakers[serverID]; ok {
		return b
	}

	b := &serverBreaker{}
	threshold := uint32(c.config.FailureThreshold)
	b.cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        serverID,
		MaxRequests: 1,
		Interval:    c.config.Window,
		Timeout:     c.config.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.TotalFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.onStateChange(b, name, from, to)
		},
	})
	c.breakers[serverID] = b
	return b
}

func (c *CircuitBreaker) onStateChange(b *serverBreaker, serverID string, from, to gobreaker.State) {
	b.mu.Lock()
	b.trialTaken = false
	switch to {
	case gobreaker.StateOpen:
		b.nextAttempt = time.Now().Add(c.config.RecoveryTimeout)
	case gobreaker.StateClosed:
		b.failureCount = 0
		b.nextAttempt = time.Time{}
	default:
		b.nextAttempt = time.Time{}
	}
	b.mu.Unlock()

	if to == gobreaker.StateOpen {
		atomic.AddUint64(&c.trips, 1)
		c.logger.WithField("server_id", serverID).
			WithField("from", from.String()).
			Warn("Circuit breaker opened")
	} else {
		c.logger.WithField("server_id", serverID).
			WithField("from", from.String()).
			WithField("to", to.String()).
			Info("Circuit breaker state changed")
	}

	if c.listener != nil {
		c.listener(serverID, toCircuitState(from), toCircuitState(to))
	}
}

// RecordSuccess reports a successful request to serverID
func (c *CircuitBreaker) RecordSuccess(serverID string) {
	c.record(serverID, true)
}

// RecordFailure reports a failed request to serverID
func (c *CircuitBreaker) RecordFailure(serverID string) {
	c.record(serverID, false)
}

func (c *CircuitBreaker) record(serverID string, success bool) {
	b := c.getOrCreate(serverID)

	done, err := b.cb.Allow()
	if err != nil {
		// Open, or the half-open trial is already taken
		return
	}

	if !success {
		b.mu.Lock()
		b.failureCount++
		b.lastFailure = time.Now()
		b.mu.Unlock()
	}
	done(success)
}

// State returns the current state for serverID, advancing Open to HalfOpen
// once the recovery timeout has passed
func (c *CircuitBreaker) State(serverID string) domain.CircuitState {
	b, ok := c.get(serverID)
	if !ok {
		return domain.CircuitClosed
	}
	return toCircuitState(b.cb.State())
}

// Allows reports whether serverID may receive traffic: Closed, or HalfOpen
// with the trial still free
func (c *CircuitBreaker) Allows(serverID string) bool {
	b, ok := c.get(serverID)
	if !ok {
		return true
	}
	switch b.cb.State() {
	case gobreaker.StateOpen:
		return false
	case gobreaker.StateHalfOpen:
		b.mu.Lock()
		defer b.mu.Unlock()
		return !b.trialTaken
	default:
		return true
	}
}

// Admit claims a selection for serverID. Closed servers are always admitted;
// a half-open server admits only the first caller until its next transition.
func (c *CircuitBreaker) Admit(serverID string) bool {
	b, ok := c.get(serverID)
	if !ok {
		return true
	}
	// State may fire onStateChange, which takes b.mu
	switch b.cb.State() {
	case gobreaker.StateOpen:
		return false
	case gobreaker.StateHalfOpen:
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.trialTaken {
			return false
		}
		b.trialTaken = true
		return true
	default:
		return true
	}
}

// Status returns a read-only view of the breaker for serverID
func (c *CircuitBreaker) Status(serverID string) domain.CircuitBreakerStatus {
	status := domain.CircuitBreakerStatus{ServerID: serverID, State: domain.CircuitClosed}
	b, ok := c.get(serverID)
	if !ok {
		return status
	}

	status.State = toCircuitState(b.cb.State())

	b.mu.Lock()
	defer b.mu.Unlock()
	status.FailureCount = b.failureCount
	if !b.lastFailure.IsZero() {
		lf := b.lastFailure
		status.LastFailure = &lf
	}
	if status.State == domain.CircuitOpen && !b.nextAttempt.IsZero() {
		na := b.nextAttempt
		status.NextAttempt = &na
	}
	return status
}

// UnavailableServers returns the ids that may not be selected: Open, or
// HalfOpen with the trial already claimed
func (c *CircuitBreaker) UnavailableServers() map[string]struct{} {
	c.mu.RLock()
	breakers := make(map[string]*serverBreaker, len(c.breakers))
	for id, b := range c.breakers {
		breakers[id] = b
	}
	c.mu.RUnlock()

	unavailable := make(map[string]struct{})
	for id, b := range breakers {
		switch b.cb.State() {
		case gobreaker.StateOpen:
			unavailable[id] = struct{}{}
		case gobreaker.StateHalfOpen:
			b.mu.Lock()
			if b.trialTaken {
				unavailable[id] = struct{}{}
			}
			b.mu.Unlock()
		}
	}
	return unavailable
}

// Remove drops the breaker for serverID
func (c *CircuitBreaker) Remove(serverID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.breakers, serverID)
}

// Trips returns how many times any breaker has opened
func (c *CircuitBreaker) Trips() uint64 {
	return atomic.LoadUint64(&c.trips)
}

// GetStats returns circuit breaker statistics
func (c *CircuitBreaker) GetStats() map[string]interface{} {
	c.mu.RLock()
	breakers := make(map[string]*serverBreaker, len(c.breakers))
	for id, b := range c.breakers {
		breakers[id] = b
	}
	c.mu.RUnlock()

	states := map[string]int{"closed": 0, "open": 0, "half-open": 0}
	for _, b := range breakers {
		states[toCircuitState(b.cb.State()).String()]++
	}

	return map[string]interface{}{
		"failure_threshold": c.config.FailureThreshold,
		"recovery_timeout":  c.config.RecoveryTimeout.String(),
		"window":            c.config.Window.String(),
		"tracked_servers":   len(breakers),
		"states":            states,
		"trips":             atomic.LoadUint64(&c.trips),
	}
}

func toCircuitState(s gobreaker.State) domain.CircuitState {
	switch s {
	case gobreaker.StateOpen:
		return domain.CircuitOpen
	case gobreaker.StateHalfOpen:
		return domain.CircuitHalfOpen
	default:
		return domain.CircuitClosed
	}
}
