package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mir00r/gameserver-lb/internal/domain"
	"github.com/mir00r/gameserver-lb/pkg/logger"
	"gopkg.in/yaml.v2"
)

// Config represents the main configuration structure
type Config struct {
	LoadBalancer    LoadBalancerConfig    `yaml:"load_balancer"`
	HealthCheck     HealthCheckConfig     `yaml:"health_check"`
	CircuitBreaker  CircuitBreakerConfig  `yaml:"circuit_breaker"`
	SessionAffinity SessionAffinityConfig `yaml:"session_affinity"`
	Discovery       DiscoveryConfig       `yaml:"discovery"`
	Metrics         MetricsConfig         `yaml:"metrics"`
	Admin           AdminConfig           `yaml:"admin"`
	Logging         logger.Config         `yaml:"logging"`
}

// LoadBalancerConfig selects the balancing algorithm
type LoadBalancerConfig struct {
	Algorithm string         `yaml:"algorithm"`
	Weights   map[string]int `yaml:"weights,omitempty"`
}

// HealthCheckConfig contains probe configuration
type HealthCheckConfig struct {
	Type             string        `yaml:"type"`
	Interval         time.Duration `yaml:"interval"`
	Timeout          time.Duration `yaml:"timeout"`
	Path             string        `yaml:"path"`
	ExpectedStatus   int           `yaml:"expected_status"`
	Port             int           `yaml:"port"`
	Service          string        `yaml:"service"`
	Command          string        `yaml:"command"`
	SuccessThreshold int           `yaml:"success_threshold"`
	FailureThreshold int           `yaml:"failure_threshold"`
	MaxConcurrent    int           `yaml:"max_concurrent"`
}

// CircuitBreakerConfig contains per-server breaker configuration
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
	Window           time.Duration `yaml:"window"`
}

// SessionAffinityConfig contains sticky session configuration
type SessionAffinityConfig struct {
	Enabled         bool          `yaml:"enabled"`
	SessionTimeout  time.Duration `yaml:"session_timeout"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DiscoveryConfig contains service discovery configuration
type DiscoveryConfig struct {
	// Provider is one of static, http or consul
	Provider    string        `yaml:"provider"`
	ServiceName string        `yaml:"service_name"`
	Interval    time.Duration `yaml:"interval"`
	Timeout     time.Duration `yaml:"timeout"`
	// Endpoints are catalogue base URLs for the http provider
	Endpoints       []string                `yaml:"endpoints,omitempty"`
	ConsulAddress   string                  `yaml:"consul_address"`
	ConsulToken     string                  `yaml:"consul_token"`
	Datacenter      string                  `yaml:"datacenter"`
	Tag             string                  `yaml:"tag"`
	RefreshMetadata bool                    `yaml:"refresh_metadata"`
	EvictAfter      time.Duration           `yaml:"evict_after"`
	Servers         []domain.ServerEndpoint `yaml:"servers,omitempty"`
}

// MetricsConfig contains metrics configuration
type MetricsConfig struct {
	AggregationInterval time.Duration `yaml:"aggregation_interval"`
	PrometheusEnabled   bool          `yaml:"prometheus_enabled"`
	Path                string        `yaml:"path"`
}

// AdminConfig contains admin API configuration
type AdminConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// JWTSecret enables bearer auth on mutating routes when set
	JWTSecret      string  `yaml:"jwt_secret"`
	JWTIssuer      string  `yaml:"jwt_issuer,omitempty"`
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	lb := domain.DefaultLoadBalancerConfig()
	return &Config{
		LoadBalancer: LoadBalancerConfig{
			Algorithm: string(lb.Algorithm.Type),
		},
		HealthCheck: HealthCheckConfig{
			Type:             string(lb.HealthCheck.Probe.Type),
			Interval:         lb.HealthCheck.Interval,
			Timeout:          lb.HealthCheck.Probe.Timeout,
			Path:             lb.HealthCheck.Probe.Path,
			ExpectedStatus:   lb.HealthCheck.Probe.ExpectedStatus,
			SuccessThreshold: lb.HealthCheck.SuccessThreshold,
			FailureThreshold: lb.HealthCheck.FailureThreshold,
			MaxConcurrent:    lb.HealthCheck.MaxConcurrent,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: lb.CircuitBreaker.FailureThreshold,
			RecoveryTimeout:  lb.CircuitBreaker.RecoveryTimeout,
			Window:           lb.CircuitBreaker.Window,
		},
		SessionAffinity: SessionAffinityConfig{
			Enabled:         lb.SessionAffinity.Enabled,
			SessionTimeout:  lb.SessionAffinity.SessionTimeout,
			CleanupInterval: lb.SessionAffinity.CleanupInterval,
		},
		Discovery: DiscoveryConfig{
			Provider:    "static",
			ServiceName: lb.Discovery.ServiceName,
			Interval:    lb.Discovery.Interval,
			Timeout:     5 * time.Second,
		},
		Metrics: MetricsConfig{
			AggregationInterval: lb.AggregationInterval,
			PrometheusEnabled:   true,
			Path:                "/metrics",
		},
		Admin: AdminConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			RateLimitRPS:    50,
			RateLimitBurst:  100,
		},
		Logging: logger.Config{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		},
	}
}

// LoadFromFile loads configuration from a YAML file on top of the defaults
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filename, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Validate validates the configuration for correctness
func (c *Config) Validate() error {
	lb := c.ToLoadBalancerConfig()
	if err := lb.Validate(); err != nil {
		return err
	}

	switch c.Discovery.Provider {
	case "static":
		seen := make(map[string]bool)
		for i, s := range c.Discovery.Servers {
			if s.ID == "" {
				return fmt.Errorf("discovery.servers[%d]: id cannot be empty", i)
			}
			if seen[s.ID] {
				return fmt.Errorf("discovery.servers[%d]: duplicate id '%s'", i, s.ID)
			}
			seen[s.ID] = true
			if s.Capacity < 0 {
				return fmt.Errorf("discovery.servers[%d]: capacity cannot be negative", i)
			}
		}
	case "http":
		if len(c.Discovery.Endpoints) == 0 {
			return fmt.Errorf("discovery.endpoints must be set for the http provider")
		}
	case "consul":
	default:
		return fmt.Errorf("unsupported discovery provider: %s", c.Discovery.Provider)
	}
	if c.Discovery.Timeout <= 0 {
		return fmt.Errorf("discovery.timeout must be positive")
	}
	if c.Discovery.EvictAfter < 0 {
		return fmt.Errorf("discovery.evict_after cannot be negative")
	}

	if c.Admin.Port <= 0 || c.Admin.Port > 65535 {
		return fmt.Errorf("invalid admin port: %d", c.Admin.Port)
	}
	if c.Admin.RateLimitRPS < 0 || c.Admin.RateLimitBurst < 0 {
		return fmt.Errorf("admin rate limit cannot be negative")
	}
	if c.Admin.RateLimitRPS > 0 && c.Admin.RateLimitBurst == 0 {
		return fmt.Errorf("admin.rate_limit_burst must be positive when rate limiting is enabled")
	}

	if c.Metrics.PrometheusEnabled && c.Metrics.Path == "" {
		return fmt.Errorf("metrics.path cannot be empty")
	}

	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	validOutputs := map[string]bool{"stdout": true, "stderr": true, "file": true, "discard": true}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("invalid log output: %s", c.Logging.Output)
	}

	return nil
}

// ToLoadBalancerConfig converts to domain LoadBalancerConfig
// A zero health failure threshold follows the circuit breaker threshold.
func (c *Config) ToLoadBalancerConfig() domain.LoadBalancerConfig {
	healthFailures := c.HealthCheck.FailureThreshold
	if healthFailures == 0 {
		healthFailures = c.CircuitBreaker.FailureThreshold
	}
	return domain.LoadBalancerConfig{
		Algorithm: c.AlgorithmConfig(),
		HealthCheck: domain.HealthCheckConfig{
			Probe: domain.ProbeConfig{
				Type:           domain.HealthCheckType(c.HealthCheck.Type),
				Timeout:        c.HealthCheck.Timeout,
				Path:           c.HealthCheck.Path,
				ExpectedStatus: c.HealthCheck.ExpectedStatus,
				Port:           c.HealthCheck.Port,
				Service:        c.HealthCheck.Service,
				Command:        c.HealthCheck.Command,
			},
			Interval:         c.HealthCheck.Interval,
			SuccessThreshold: c.HealthCheck.SuccessThreshold,
			FailureThreshold: healthFailures,
			MaxConcurrent:    c.HealthCheck.MaxConcurrent,
		},
		CircuitBreaker: domain.CircuitBreakerConfig{
			FailureThreshold: c.CircuitBreaker.FailureThreshold,
			RecoveryTimeout:  c.CircuitBreaker.RecoveryTimeout,
			Window:           c.CircuitBreaker.Window,
		},
		SessionAffinity: domain.SessionAffinityConfig{
			Enabled:         c.SessionAffinity.Enabled,
			SessionTimeout:  c.SessionAffinity.SessionTimeout,
			CleanupInterval: c.SessionAffinity.CleanupInterval,
		},
		Discovery: domain.DiscoveryPolicy{
			ServiceName:     c.Discovery.ServiceName,
			Interval:        c.Discovery.Interval,
			RefreshMetadata: c.Discovery.RefreshMetadata,
			EvictAfter:      c.Discovery.EvictAfter,
		},
		AggregationInterval: c.Metrics.AggregationInterval,
	}
}

// AlgorithmConfig returns the configured selection algorithm
func (c *Config) AlgorithmConfig() domain.AlgorithmConfig {
	var weights map[string]int
	if len(c.LoadBalancer.Weights) > 0 {
		weights = make(map[string]int, len(c.LoadBalancer.Weights))
		for id, w := range c.LoadBalancer.Weights {
			weights[id] = w
		}
	}
	return domain.AlgorithmConfig{
		Type:    domain.StrategyType(c.LoadBalancer.Algorithm),
		Weights: weights,
	}
}

// SaveToFile saves the configuration to a YAML file
func (c *Config) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", filename, err)
	}

	return nil
}
