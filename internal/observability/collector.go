// Package observability exports load balancer state to Prometheus.
package observability

import (
	"net/http"

	"github.com/mir00r/gameserver-lb/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gameserver_lb"

const (
	labelServerID  = "server_id"
	labelRegion    = "region"
	labelAlgorithm = "algorithm"
	labelResult    = "result"
	labelHealth    = "health"
)

// Source is the read side of the load balancer the collector scrapes
type Source interface {
	GetMetrics() domain.LoadBalancerMetrics
	GetServers() []domain.ServerState
}

// Collector reads a consistent snapshot from Source on every scrape instead
// of mirroring counters into client_golang vectors.
type Collector struct {
	source Source

	selections          *prometheus.Desc
	circuitTrips        *prometheus.Desc
	affinityHits        *prometheus.Desc
	decisions           *prometheus.Desc
	requestsPerSecond   *prometheus.Desc
	averageLoad         *prometheus.Desc
	averageResponseTime *prometheus.Desc
	servers             *prometheus.Desc
	serverHealthy       *prometheus.Desc
	serverCircuitState  *prometheus.Desc
	serverConnections   *prometheus.Desc
	serverCapacity      *prometheus.Desc
	serverUtilization   *prometheus.Desc
}

// NewCollector returns a prometheus.Collector over source
func NewCollector(source Source) *Collector {
	serverLabels := []string{labelServerID, labelRegion}
	return &Collector{
		source: source,

		selections: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "selections_total"),
			"Total number of server selections by result",
			[]string{labelResult}, nil,
		),
		circuitTrips: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "circuit_breaker", "trips_total"),
			"Total number of circuit breaker trips",
			nil, nil,
		),
		affinityHits: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "sticky_session", "hits_total"),
			"Total number of selections answered by a sticky session",
			nil, nil,
		),
		decisions: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "decisions_total"),
			"Total number of algorithm decisions",
			[]string{labelAlgorithm}, nil,
		),
		requestsPerSecond: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "requests_per_second"),
			"Selection rate over the last aggregation interval",
			nil, nil,
		),
		averageLoad: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "average_load_percent"),
			"Mean utilization of healthy servers",
			nil, nil,
		),
		averageResponseTime: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "average_response_time_seconds"),
			"Mean reported server response time",
			nil, nil,
		),
		servers: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "servers"),
			"Number of known servers by health status",
			[]string{labelHealth}, nil,
		),
		serverHealthy: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "server", "healthy"),
			"Whether the server is healthy (1) or not (0)",
			serverLabels, nil,
		),
		serverCircuitState: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "server", "circuit_state"),
			"Circuit breaker state (0=closed, 1=open, 2=half-open)",
			serverLabels, nil,
		),
		serverConnections: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "server", "connections"),
			"Current player connections",
			serverLabels, nil,
		),
		serverCapacity: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "server", "capacity"),
			"Configured player capacity",
			serverLabels, nil,
		),
		serverUtilization: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "server", "utilization_percent"),
			"Utilization computed at the last aggregation",
			[]string{labelServerID}, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.selections
	ch <- c.circuitTrips
	ch <- c.affinityHits
	ch <- c.decisions
	ch <- c.requestsPerSecond
	ch <- c.averageLoad
	ch <- c.averageResponseTime
	ch <- c.servers
	ch <- c.serverHealthy
	ch <- c.serverCircuitState
	ch <- c.serverConnections
	ch <- c.serverCapacity
	ch <- c.serverUtilization
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	m := c.source.GetMetrics()

	ch <- prometheus.MustNewConstMetric(c.selections, prometheus.CounterValue, float64(m.SuccessfulRequests), "success")
	ch <- prometheus.MustNewConstMetric(c.selections, prometheus.CounterValue, float64(m.FailedRequests), "failure")
	ch <- prometheus.MustNewConstMetric(c.circuitTrips, prometheus.CounterValue, float64(m.CircuitBreakerTrips))
	ch <- prometheus.MustNewConstMetric(c.affinityHits, prometheus.CounterValue, float64(m.AffinityHits))
	for algorithm, n := range m.LoadBalancingDecisions {
		ch <- prometheus.MustNewConstMetric(c.decisions, prometheus.CounterValue, float64(n), algorithm)
	}
	ch <- prometheus.MustNewConstMetric(c.requestsPerSecond, prometheus.GaugeValue, m.RequestsPerSecond)
	ch <- prometheus.MustNewConstMetric(c.averageLoad, prometheus.GaugeValue, m.AverageLoad)
	ch <- prometheus.MustNewConstMetric(c.averageResponseTime, prometheus.GaugeValue, m.AverageResponseTime.Seconds())
	for id, u := range m.ServerUtilization {
		ch <- prometheus.MustNewConstMetric(c.serverUtilization, prometheus.GaugeValue, u, id)
	}

	counts := map[domain.HealthStatus]int{}
	for _, s := range c.source.GetServers() {
		counts[s.HealthStatus]++
		labels := []string{s.ID(), s.Endpoint.Region}

		healthy := 0.0
		if s.HealthStatus == domain.HealthHealthy {
			healthy = 1
		}
		ch <- prometheus.MustNewConstMetric(c.serverHealthy, prometheus.GaugeValue, healthy, labels...)
		ch <- prometheus.MustNewConstMetric(c.serverCircuitState, prometheus.GaugeValue, float64(s.CircuitState), labels...)
		ch <- prometheus.MustNewConstMetric(c.serverConnections, prometheus.GaugeValue, float64(s.CurrentConnections), labels...)
		ch <- prometheus.MustNewConstMetric(c.serverCapacity, prometheus.GaugeValue, float64(s.Endpoint.Capacity), labels...)
	}
	for _, status := range []domain.HealthStatus{domain.HealthHealthy, domain.HealthDegraded, domain.HealthUnhealthy, domain.HealthUnknown} {
		ch <- prometheus.MustNewConstMetric(c.servers, prometheus.GaugeValue, float64(counts[status]), status.String())
	}
}

// NewRegistry returns a registry holding the collector and the Go runtime
// and process collectors
func NewRegistry(source Source, extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(extra...)
	reg.MustRegister(
		NewCollector(source),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves the registry in the Prometheus exposition format
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
