package handler

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/mir00r/gameserver-lb/internal/middleware"
	"github.com/mir00r/gameserver-lb/internal/observability"
	"github.com/mir00r/gameserver-lb/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
)

// RouterConfig wires optional admin API features
type RouterConfig struct {
	Version string
	// JWTSecret protects mutating routes when set
	JWTSecret string
	JWTIssuer string
	// RateLimitRPS of zero disables rate limiting of POST /select
	RateLimitRPS   float64
	RateLimitBurst int
	// MetricsPath and Gatherer expose Prometheus metrics when Gatherer is set
	MetricsPath string
	Gatherer    prometheus.Gatherer
	HTTPMetrics *observability.HTTPMetrics
}

// Router is the admin API. RateLimiter is nil when rate limiting is disabled.
type Router struct {
	http.Handler
	RateLimiter *middleware.RateLimiter
}

// SelectClientKey identifies the client of a select request for rate
// limiting: the X-Client-ID header when present, the client address otherwise
func SelectClientKey(r *http.Request) string {
	if id := r.Header.Get("X-Client-ID"); id != "" {
		return "client:" + id
	}
	return "ip:" + middleware.ClientIP(r)
}

// NewRouter builds the admin API routes
func NewRouter(lb Balancer, cfg RouterConfig, log *logger.Logger) *Router {
	admin := NewAdminHandler(lb, log)
	health := NewHealthHandler(lb, cfg.Version)

	r := mux.NewRouter()
	r.Use(
		middleware.RequestIDMiddleware(),
		middleware.RecoveryMiddleware(log),
		middleware.LoggingMiddleware(log),
		middleware.SecurityHeadersMiddleware(),
	)

	instrument := func(route string, h http.Handler) http.Handler {
		if cfg.HTTPMetrics == nil {
			return h
		}
		return cfg.HTTPMetrics.Instrument(route, h)
	}

	router := &Router{Handler: r}

	// Probes and metrics
	r.Handle("/healthz", http.HandlerFunc(health.LivenessHandler)).Methods(http.MethodGet)
	r.Handle("/readyz", http.HandlerFunc(health.ReadinessHandler)).Methods(http.MethodGet)
	if cfg.Gatherer != nil {
		path := cfg.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, observability.Handler(cfg.Gatherer)).Methods(http.MethodGet)
	}

	// Selection
	var selectHandler http.Handler = http.HandlerFunc(admin.SelectHandler)
	if cfg.RateLimitRPS > 0 {
		router.RateLimiter = middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, log,
			middleware.WithKeyFunc(SelectClientKey))
		selectHandler = router.RateLimiter.RateLimitMiddleware()(selectHandler)
		admin.rateLimiter = router.RateLimiter
	}
	r.Handle("/select", instrument("select", selectHandler)).Methods(http.MethodPost)

	// Read-only views
	r.Handle("/servers", instrument("list_servers", http.HandlerFunc(admin.ListServersHandler))).Methods(http.MethodGet)
	r.Handle("/servers/{id}", instrument("get_server", http.HandlerFunc(admin.GetServerHandler))).Methods(http.MethodGet)
	r.Handle("/stats", instrument("stats", http.HandlerFunc(admin.GetStatsHandler))).Methods(http.MethodGet)

	// Mutations
	mutations := r.NewRoute().Subrouter()
	if cfg.JWTSecret != "" {
		mutations.Use(middleware.NewJWTAuthMiddleware(cfg.JWTSecret, cfg.JWTIssuer, log).JWTAuth())
	}
	lbActions := map[string]func(string) error{
		"healthy":   lb.MarkServerHealthy,
		"unhealthy": lb.MarkServerUnhealthy,
		"success":   lb.ReportSuccess,
		"failure":   lb.ReportFailure,
	}
	for action, fn := range lbActions {
		mutations.Handle("/servers/{id}/"+action, instrument("server_"+action, admin.serverAction(action, fn))).Methods(http.MethodPost)
	}
	mutations.Handle("/servers", instrument("register_server", http.HandlerFunc(admin.RegisterServerHandler))).Methods(http.MethodPost)
	mutations.Handle("/servers/{id}", instrument("remove_server", http.HandlerFunc(admin.RemoveServerHandler))).Methods(http.MethodDelete)
	mutations.Handle("/servers/{id}/metrics", instrument("server_metrics", http.HandlerFunc(admin.UpdateMetricsHandler))).Methods(http.MethodPut)
	mutations.Handle("/servers/{id}/check", instrument("server_check", http.HandlerFunc(admin.CheckServerHandler))).Methods(http.MethodPost)
	mutations.Handle("/algorithm", instrument("set_algorithm", http.HandlerFunc(admin.SetAlgorithmHandler))).Methods(http.MethodPut)

	return router
}
