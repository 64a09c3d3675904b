/*
Package domain contains the core entities shared by the game server load balancer.

The package is free of infrastructure concerns. It defines the server model,
selection inputs and outputs, and the configuration value objects consumed by
the service layer.

Server Model:

ServerEndpoint is what service discovery reports: identity, address, region,
capacity and a latency score. LoadBalancedServer wraps it with the state the
balancer owns (health, connections, response-time window, circuit state).
LoadBalancedServer is only mutated by the server pool under its lock; every
reader receives a ServerState value copy.

	server := domain.NewLoadBalancedServer(endpoint, time.Now())
	server.RecordResponseTime(35 * time.Millisecond)
	state := server.Snapshot()
	fmt.Println(state.LoadFactor())

Selection Strategies:

Six strategies are supported, named by StrategyType:
- Round Robin: rotates a shared cursor over the healthy list
- Least Connections: fewest current connections wins
- Weighted Round Robin: smooth weighted rotation
- Geographic Proximity: blends load and latency score
- Resource Based: blends load and last response time
- Player Affinity: prefers servers already hosting the client's peers

	config := domain.AlgorithmConfig{
		Type: domain.WeightedRoundRobinStrategyType,
		Weights: map[string]int{
			"eu-1": 3,
			"eu-2": 1,
		},
	}

Candidate Filtering:

Filters narrow the healthy snapshot before a strategy runs:

	candidates := domain.ApplyFilters(healthy,
		domain.ExcludeFilter{IDs: openCircuits},
		domain.CapacityFilter{Required: 4},
	)
*/
package domain
