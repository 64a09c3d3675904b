package domain

import (
	"fmt"
	"time"
)

// HealthCheckConfig configures periodic probing
type HealthCheckConfig struct {
	Probe            ProbeConfig   `json:"probe" yaml:"probe"`
	Interval         time.Duration `json:"interval" yaml:"interval"`
	SuccessThreshold int           `json:"success_threshold" yaml:"success_threshold"`
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold"`
	MaxConcurrent    int           `json:"max_concurrent" yaml:"max_concurrent"`
}

// CircuitBreakerConfig configures the per-server breakers
type CircuitBreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `json:"recovery_timeout" yaml:"recovery_timeout"`
	// Window is how long failures are counted before the tally resets
	Window time.Duration `json:"window" yaml:"window"`
}

// SessionAffinityConfig configures sticky sessions
type SessionAffinityConfig struct {
	Enabled         bool          `json:"enabled" yaml:"enabled"`
	SessionTimeout  time.Duration `json:"session_timeout" yaml:"session_timeout"`
	CleanupInterval time.Duration `json:"cleanup_interval" yaml:"cleanup_interval"`
}

// DiscoveryPolicy controls how discovery results are folded into the pool
type DiscoveryPolicy struct {
	ServiceName string        `json:"service_name" yaml:"service_name"`
	Interval    time.Duration `json:"interval" yaml:"interval"`
	// RefreshMetadata updates capacity, region and latency of known servers
	RefreshMetadata bool `json:"refresh_metadata" yaml:"refresh_metadata"`
	// EvictAfter removes servers discovery has not reported for this long; zero disables
	EvictAfter time.Duration `json:"evict_after" yaml:"evict_after"`
}

// LoadBalancerConfig holds everything the load balancer service needs
type LoadBalancerConfig struct {
	Algorithm           AlgorithmConfig       `json:"algorithm" yaml:"algorithm"`
	HealthCheck         HealthCheckConfig     `json:"health_check" yaml:"health_check"`
	CircuitBreaker      CircuitBreakerConfig  `json:"circuit_breaker" yaml:"circuit_breaker"`
	SessionAffinity     SessionAffinityConfig `json:"session_affinity" yaml:"session_affinity"`
	Discovery           DiscoveryPolicy       `json:"discovery" yaml:"discovery"`
	AggregationInterval time.Duration         `json:"aggregation_interval" yaml:"aggregation_interval"`
}

// DefaultLoadBalancerConfig returns the stock settings
func DefaultLoadBalancerConfig() LoadBalancerConfig {
	return LoadBalancerConfig{
		Algorithm: AlgorithmConfig{Type: RoundRobinStrategyType},
		HealthCheck: HealthCheckConfig{
			Probe: ProbeConfig{
				Type:           TCPCheck,
				Timeout:        5 * time.Second,
				Path:           "/health",
				ExpectedStatus: 200,
			},
			Interval:         10 * time.Second,
			SuccessThreshold: 2,
			FailureThreshold: 5,
			MaxConcurrent:    16,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  30 * time.Second,
			Window:           60 * time.Second,
		},
		SessionAffinity: SessionAffinityConfig{
			Enabled:         true,
			SessionTimeout:  4 * time.Hour,
			CleanupInterval: 5 * time.Minute,
		},
		Discovery: DiscoveryPolicy{
			ServiceName: "game_server",
			Interval:    30 * time.Second,
		},
		AggregationInterval: 60 * time.Second,
	}
}

// Validate checks the load balancer configuration
func (c *LoadBalancerConfig) Validate() error {
	if err := c.Algorithm.Validate(); err != nil {
		return fmt.Errorf("invalid algorithm: %w", err)
	}
	if err := c.HealthCheck.Probe.Validate(); err != nil {
		return fmt.Errorf("invalid health check: %w", err)
	}
	if c.HealthCheck.Interval <= 0 {
		return fmt.Errorf("health check interval must be positive")
	}
	if c.HealthCheck.SuccessThreshold < 1 || c.HealthCheck.FailureThreshold < 1 {
		return fmt.Errorf("health check thresholds must be at least 1")
	}
	if c.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("circuit breaker failure threshold must be at least 1")
	}
	if c.CircuitBreaker.RecoveryTimeout <= 0 {
		return fmt.Errorf("circuit breaker recovery timeout must be positive")
	}
	if c.SessionAffinity.Enabled && c.SessionAffinity.SessionTimeout <= 0 {
		return fmt.Errorf("session timeout must be positive")
	}
	if c.SessionAffinity.CleanupInterval <= 0 {
		return fmt.Errorf("session cleanup interval must be positive")
	}
	if c.Discovery.Interval <= 0 {
		return fmt.Errorf("discovery interval must be positive")
	}
	if c.AggregationInterval <= 0 {
		return fmt.Errorf("metrics aggregation interval must be positive")
	}
	return nil
}
