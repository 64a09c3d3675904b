package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mir00r/gameserver-lb/internal/config"
	"github.com/mir00r/gameserver-lb/internal/discovery"
	"github.com/mir00r/gameserver-lb/internal/handler"
	"github.com/mir00r/gameserver-lb/internal/observability"
	"github.com/mir00r/gameserver-lb/internal/service"
	"github.com/mir00r/gameserver-lb/pkg/logger"
)

// rateLimiterIdle is how long a client may stay silent before its
// /select token bucket is dropped
const rateLimiterIdle = 10 * time.Minute

// version is overridden at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if checkIfAdminMode() {
		runAdminProcess()
		return
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	if err := run(cfg, log); err != nil {
		log.WithError(err).Error("Load balancer exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	log.WithFields(map[string]interface{}{
		"version":       version,
		"algorithm":     cfg.LoadBalancer.Algorithm,
		"discovery":     cfg.Discovery.Provider,
		"service_name":  cfg.Discovery.ServiceName,
		"port":          cfg.Admin.Port,
		"config_source": config.Source(),
		"process":       getProcessInfo(),
	}).Info("Starting game server load balancer")

	provider, err := discovery.New(cfg.Discovery, log)
	if err != nil {
		return err
	}

	loadBalancer, err := service.NewLoadBalancer(cfg.ToLoadBalancerConfig(), provider, log)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := loadBalancer.Start(ctx); err != nil {
		return err
	}

	routerConfig := handler.RouterConfig{
		Version:        version,
		JWTSecret:      cfg.Admin.JWTSecret,
		JWTIssuer:      cfg.Admin.JWTIssuer,
		RateLimitRPS:   cfg.Admin.RateLimitRPS,
		RateLimitBurst: cfg.Admin.RateLimitBurst,
	}
	if cfg.Metrics.PrometheusEnabled {
		httpMetrics := observability.NewHTTPMetrics()
		routerConfig.HTTPMetrics = httpMetrics
		routerConfig.MetricsPath = cfg.Metrics.Path
		routerConfig.Gatherer = observability.NewRegistry(loadBalancer, httpMetrics.Collectors()...)
	}
	router := handler.NewRouter(loadBalancer, routerConfig, log)
	if router.RateLimiter != nil {
		go router.RateLimiter.Run(ctx, time.Minute, rateLimiterIdle)
	}
	if cfg.Admin.JWTSecret == "" {
		log.Warn("Admin API mutations are unauthenticated; set LB_JWT_SECRET to protect them")
	}

	port := getPort(cfg.Admin.Port)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  cfg.Admin.ReadTimeout,
		WriteTimeout: cfg.Admin.WriteTimeout,
		IdleTimeout:  cfg.Admin.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.WithField("port", port).Info("Starting admin API server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	var runErr error
wait:
	for {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				reloadAlgorithm(loadBalancer, log)
				continue
			}
			log.WithField("signal", sig.String()).Info("Shutdown signal received")
			break wait
		case err, ok := <-serverErr:
			if ok {
				runErr = fmt.Errorf("admin API server failed: %w", err)
			}
			break wait
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Admin.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Error shutting down admin API server")
	}
	if err := loadBalancer.Stop(shutdownCtx); err != nil {
		log.WithError(err).Error("Error stopping load balancer")
	}

	log.Info("Load balancer stopped gracefully")
	return runErr
}

// reloadAlgorithm re-reads the configuration and swaps the selection
// algorithm. Other settings need a restart.
func reloadAlgorithm(lb *service.LoadBalancer, log *logger.Logger) {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.WithError(err).Error("Configuration reload failed, keeping current algorithm")
		return
	}
	if err := lb.SetAlgorithm(cfg.AlgorithmConfig()); err != nil {
		log.WithError(err).Error("Configuration reload rejected algorithm")
		return
	}
	log.WithField("algorithm", lb.Algorithm()).Info("Configuration reloaded")
}
