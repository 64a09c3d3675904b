package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mir00r/gameserver-lb/internal/config"
	"github.com/mir00r/gameserver-lb/internal/discovery"
	"github.com/mir00r/gameserver-lb/internal/middleware"
	"github.com/mir00r/gameserver-lb/internal/service"
	"github.com/mir00r/gameserver-lb/pkg/logger"
)

// Admin commands run once against the configured environment and exit.

func adminLogger(cfg *config.Config) (*logger.Logger, error) {
	logCfg := cfg.Logging
	logCfg.Output = "stderr"
	return logger.New(logCfg)
}

// runHealthCheck discovers the servers and probes each of them once
func runHealthCheck() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log, err := adminLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	provider, err := discovery.New(cfg.Discovery, log)
	if err != nil {
		return err
	}
	lb, err := service.NewLoadBalancer(cfg.ToLoadBalancerConfig(), provider, log)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := lb.DiscoverOnce(ctx); err != nil {
		return err
	}

	servers := lb.GetServers()
	fmt.Printf("Checking health of %d servers...\n", len(servers))

	failed := 0
	for _, s := range servers {
		check, err := lb.CheckServer(ctx, s.ID())
		status := "healthy"
		if check.ResponseTime != nil {
			status = fmt.Sprintf("healthy (%s)", *check.ResponseTime)
		}
		if err != nil {
			failed++
			status = fmt.Sprintf("unhealthy: %v", err)
		}
		fmt.Printf("Server %s (%s:%d, %s): %s\n", s.ID(), s.Endpoint.Address, s.Endpoint.Port, s.Endpoint.Region, status)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d servers failed their health check", failed, len(servers))
	}
	return nil
}

// runConfigValidation validates the current configuration
func runConfigValidation() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	fmt.Println("Configuration validation passed")
	fmt.Printf("Source: %s\n", config.Source())
	fmt.Printf("Algorithm: %s\n", cfg.LoadBalancer.Algorithm)
	fmt.Printf("Health check: %s every %s\n", cfg.HealthCheck.Type, cfg.HealthCheck.Interval)
	fmt.Printf("Discovery: %s (%s)\n", cfg.Discovery.Provider, cfg.Discovery.ServiceName)
	fmt.Printf("Sticky sessions: %t\n", cfg.SessionAffinity.Enabled)
	fmt.Printf("Admin port: %d\n", cfg.Admin.Port)
	return nil
}

// runDiscover prints what the discovery provider currently returns
func runDiscover() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log, err := adminLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	provider, err := discovery.New(cfg.Discovery, log)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := provider.Health(ctx); err != nil {
		return fmt.Errorf("%s provider is unhealthy: %w", provider.Name(), err)
	}
	endpoints, err := provider.Discover(ctx, cfg.Discovery.ServiceName)
	if err != nil {
		return err
	}

	fmt.Printf("Provider %s returned %d servers for %q\n", provider.Name(), len(endpoints), cfg.Discovery.ServiceName)
	for _, ep := range endpoints {
		fmt.Printf("  %s %s:%d region=%s capacity=%d latency=%.1f\n",
			ep.ID, ep.Address, ep.Port, ep.Region, ep.Capacity, ep.LatencyScore)
	}
	return nil
}

// runIssueToken prints an admin bearer token for the configured secret
func runIssueToken(subject string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Admin.JWTSecret == "" {
		return fmt.Errorf("no JWT secret configured")
	}
	log, err := adminLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	token, err := middleware.NewJWTAuthMiddleware(cfg.Admin.JWTSecret, cfg.Admin.JWTIssuer, log).IssueToken(subject, 24*time.Hour)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

// runAdminProcess handles admin process execution
func runAdminProcess() {
	args := adminArgs()
	if len(args) == 0 {
		fmt.Println("Usage: gameserver-lb -admin <command>")
		fmt.Println("Commands:")
		fmt.Println("  health-check     - Discover and probe every server once")
		fmt.Println("  discover         - Print the servers the discovery provider returns")
		fmt.Println("  validate-config  - Validate configuration")
		fmt.Println("  token [subject]  - Issue an admin API token valid for 24h")
		os.Exit(1)
	}

	var err error
	switch args[0] {
	case "health-check":
		err = runHealthCheck()
	case "discover":
		err = runDiscover()
	case "validate-config", "validate":
		err = runConfigValidation()
	case "token":
		subject := "admin"
		if len(args) > 1 && strings.TrimSpace(args[1]) != "" {
			subject = args[1]
		}
		err = runIssueToken(subject)
	default:
		fmt.Printf("Unknown command: %s\n", args[0])
		os.Exit(1)
	}

	if err != nil {
		fmt.Printf("Command failed: %v\n", err)
		os.Exit(1)
	}
}

// adminArgs returns the arguments following -admin
func adminArgs() []string {
	for i, arg := range os.Args {
		if arg == "-admin" {
			return os.Args[i+1:]
		}
	}
	return nil
}

func checkIfAdminMode() bool {
	for _, arg := range os.Args {
		if arg == "-admin" {
			return true
		}
	}
	return false
}
