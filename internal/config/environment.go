package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mir00r/gameserver-lb/internal/domain"
)

// LoadFromEnvironment loads the defaults with LB_* environment overrides applied
func LoadFromEnvironment() (*Config, error) {
	config := DefaultConfig()
	if err := applyEnvironment(config); err != nil {
		return nil, err
	}
	return config, nil
}

// LoadConfig loads configuration with priority: env vars > config file > defaults.
// The file is read from CONFIG_FILE when it is set and exists.
func LoadConfig() (*Config, error) {
	config := DefaultConfig()

	if configFile := getEnv("CONFIG_FILE", ""); configFile != "" {
		if _, err := os.Stat(configFile); err == nil {
			config, err = LoadFromFile(configFile)
			if err != nil {
				return nil, err
			}
		}
	}

	if err := applyEnvironment(config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Source describes where the configuration came from, for startup logging
func Source() string {
	if configFile := os.Getenv("CONFIG_FILE"); configFile != "" {
		if _, err := os.Stat(configFile); err == nil {
			return "file+env"
		}
	}
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "LB_") {
			return "environment"
		}
	}
	return "defaults"
}

func applyEnvironment(c *Config) error {
	e := &envReader{}

	// Load balancer
	e.str("LB_STRATEGY", &c.LoadBalancer.Algorithm)
	e.str("LB_ALGORITHM", &c.LoadBalancer.Algorithm)
	if weights := getEnv("LB_WEIGHTS", ""); weights != "" {
		parsed, err := parseWeights(weights)
		if err != nil {
			return fmt.Errorf("LB_WEIGHTS: %w", err)
		}
		c.LoadBalancer.Weights = parsed
	}

	// Health checks
	e.str("LB_HEALTH_CHECK_TYPE", &c.HealthCheck.Type)
	e.duration("LB_HEALTH_CHECK_INTERVAL", &c.HealthCheck.Interval)
	e.duration("LB_HEALTH_CHECK_TIMEOUT", &c.HealthCheck.Timeout)
	e.str("LB_HEALTH_CHECK_PATH", &c.HealthCheck.Path)
	e.integer("LB_HEALTH_CHECK_EXPECTED_STATUS", &c.HealthCheck.ExpectedStatus)
	e.integer("LB_HEALTH_CHECK_PORT", &c.HealthCheck.Port)
	e.str("LB_HEALTH_CHECK_SERVICE", &c.HealthCheck.Service)
	e.str("LB_HEALTH_CHECK_COMMAND", &c.HealthCheck.Command)
	e.integer("LB_HEALTH_CHECK_SUCCESS_THRESHOLD", &c.HealthCheck.SuccessThreshold)
	e.integer("LB_HEALTH_CHECK_FAILURE_THRESHOLD", &c.HealthCheck.FailureThreshold)
	e.integer("LB_HEALTH_CHECK_MAX_CONCURRENT", &c.HealthCheck.MaxConcurrent)

	// Circuit breaker
	e.integer("LB_CIRCUIT_BREAKER_FAILURE_THRESHOLD", &c.CircuitBreaker.FailureThreshold)
	e.duration("LB_CIRCUIT_BREAKER_RECOVERY_TIMEOUT", &c.CircuitBreaker.RecoveryTimeout)
	e.duration("LB_CIRCUIT_BREAKER_WINDOW", &c.CircuitBreaker.Window)

	// Sticky sessions
	e.boolean("LB_STICKY_SESSIONS", &c.SessionAffinity.Enabled)
	e.duration("LB_SESSION_TIMEOUT", &c.SessionAffinity.SessionTimeout)
	e.duration("LB_SESSION_CLEANUP_INTERVAL", &c.SessionAffinity.CleanupInterval)

	// Discovery
	e.str("LB_DISCOVERY_PROVIDER", &c.Discovery.Provider)
	e.str("LB_DISCOVERY_SERVICE_NAME", &c.Discovery.ServiceName)
	e.duration("LB_DISCOVERY_INTERVAL", &c.Discovery.Interval)
	e.duration("LB_DISCOVERY_TIMEOUT", &c.Discovery.Timeout)
	if endpoints := getEnv("LB_DISCOVERY_ENDPOINTS", ""); endpoints != "" {
		c.Discovery.Endpoints = splitList(endpoints)
	}
	e.str("LB_CONSUL_ADDRESS", &c.Discovery.ConsulAddress)
	e.str("LB_CONSUL_TOKEN", &c.Discovery.ConsulToken)
	e.str("LB_CONSUL_DATACENTER", &c.Discovery.Datacenter)
	e.str("LB_DISCOVERY_TAG", &c.Discovery.Tag)
	e.boolean("LB_DISCOVERY_REFRESH_METADATA", &c.Discovery.RefreshMetadata)
	e.duration("LB_DISCOVERY_EVICT_AFTER", &c.Discovery.EvictAfter)
	if servers := getEnv("LB_SERVERS", ""); servers != "" {
		parsed, err := parseServersFromEnv(servers)
		if err != nil {
			return fmt.Errorf("LB_SERVERS: %w", err)
		}
		c.Discovery.Servers = parsed
	}

	// Metrics
	e.duration("LB_METRICS_AGGREGATION_INTERVAL", &c.Metrics.AggregationInterval)
	e.boolean("LB_METRICS_ENABLED", &c.Metrics.PrometheusEnabled)
	e.str("LB_METRICS_PATH", &c.Metrics.Path)

	// Admin API
	e.integer("LB_PORT", &c.Admin.Port)
	e.duration("LB_SHUTDOWN_TIMEOUT", &c.Admin.ShutdownTimeout)
	e.str("LB_JWT_SECRET", &c.Admin.JWTSecret)
	e.str("LB_JWT_ISSUER", &c.Admin.JWTIssuer)
	e.float("LB_RATE_LIMIT_RPS", &c.Admin.RateLimitRPS)
	e.integer("LB_RATE_LIMIT_BURST", &c.Admin.RateLimitBurst)

	// Logging
	e.str("LB_LOG_LEVEL", &c.Logging.Level)
	e.str("LB_LOG_FORMAT", &c.Logging.Format)
	e.str("LB_LOG_OUTPUT", &c.Logging.Output)
	e.str("LB_LOG_FILE", &c.Logging.File)

	return e.err
}

// envReader applies overrides and keeps the first parse error
type envReader struct {
	err error
}

func (e *envReader) fail(key, value string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("invalid value %q for %s: %w", value, key, err)
	}
}

func (e *envReader) str(key string, dst *string) {
	if value := getEnv(key, ""); value != "" {
		*dst = value
	}
}

func (e *envReader) integer(key string, dst *int) {
	value := getEnv(key, "")
	if value == "" {
		return
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		e.fail(key, value, err)
		return
	}
	*dst = n
}

func (e *envReader) float(key string, dst *float64) {
	value := getEnv(key, "")
	if value == "" {
		return
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		e.fail(key, value, err)
		return
	}
	*dst = f
}

func (e *envReader) duration(key string, dst *time.Duration) {
	value := getEnv(key, "")
	if value == "" {
		return
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		e.fail(key, value, err)
		return
	}
	*dst = d
}

func (e *envReader) boolean(key string, dst *bool) {
	value := getEnv(key, "")
	if value == "" {
		return
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		e.fail(key, value, err)
		return
	}
	*dst = b
}

// getEnv gets environment variable with fallback to default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseWeights parses "id1=3,id2=1"
func parseWeights(s string) (map[string]int, error) {
	weights := make(map[string]int)
	for _, pair := range splitList(s) {
		id, w, ok := strings.Cut(pair, "=")
		if !ok || id == "" {
			return nil, fmt.Errorf("expected id=weight, got %q", pair)
		}
		n, err := strconv.Atoi(w)
		if err != nil {
			return nil, fmt.Errorf("weight for %s: %w", id, err)
		}
		weights[id] = n
	}
	return weights, nil
}

// parseServersFromEnv parses static servers from an environment variable
// Format: "id=host:port[=capacity[=region]]" separated by commas
// Example: "eu-1=10.0.0.1:7777=100=eu-west,us-1=10.0.1.1:7777=80=us-east"
func parseServersFromEnv(s string) ([]domain.ServerEndpoint, error) {
	var servers []domain.ServerEndpoint
	for _, pair := range splitList(s) {
		parts := strings.Split(pair, "=")
		if len(parts) < 2 || parts[0] == "" {
			return nil, fmt.Errorf("expected id=host:port, got %q", pair)
		}

		host, portStr, err := net.SplitHostPort(parts[1])
		if err != nil {
			return nil, fmt.Errorf("server %s: %w", parts[0], err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("server %s port: %w", parts[0], err)
		}

		server := domain.ServerEndpoint{
			ID:       parts[0],
			Address:  host,
			Port:     port,
			Protocol: "udp",
		}
		if len(parts) >= 3 {
			capacity, err := strconv.Atoi(parts[2])
			if err != nil {
				return nil, fmt.Errorf("server %s capacity: %w", parts[0], err)
			}
			server.Capacity = capacity
		}
		if len(parts) >= 4 {
			server.Region = parts[3]
		}
		servers = append(servers, server)
	}
	return servers, nil
}
