/*
Package service implements the game server load balancer.

LoadBalancer is the entry point. It owns a repository.ServerPool and four
collaborators, each guarding its own state with its own lock:

  - HealthChecker probes servers and moves them between healthy and
    unhealthy after SuccessThreshold or FailureThreshold consecutive results.
  - CircuitBreaker keeps a gobreaker two-step breaker per server, fed by
    ReportSuccess and ReportFailure. Servers with an open breaker are never
    selected.
  - SessionAffinityManager remembers which server each client was sent to.
  - Metrics counts requests and aggregates utilization.

Selection:

	lb, err := service.NewLoadBalancer(cfg, discoverer, log)
	if err != nil {
		return err
	}
	if err := lb.Start(ctx); err != nil {
		return err
	}
	defer lb.Stop(context.Background())

	endpoint, err := lb.Select(ctx, domain.SelectionRequest{
		ClientID: "player-42",
		Location: &domain.GeoLocation{Latitude: 52.5, Longitude: 13.4},
	})
	if errors.Is(err, lberrors.ErrNoHealthyServers) {
		// nothing eligible; the caller decides whether to retry
	}

Selectors:

Six Selector implementations are available through NewSelector: round robin,
least connections, smooth weighted round robin, geographic proximity,
resource based and player affinity. Each one is a function of the candidate
list and the request, plus rotation state for the two round robin variants.

Probes:

NewProber builds an HTTP, TCP, UDP, ICMP ping, gRPC health or shell command
prober. Every probe runs under the configured timeout.

Maintenance loops:

Start runs health checking, discovery polling, metrics aggregation and
session cleanup under one errgroup. Each loop fires immediately and then on
its interval. Stop cancels them and waits until they return.
*/
package service
