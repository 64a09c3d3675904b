package domain

import (
	"fmt"
)

// StrategyType represents the type of server selection strategy
type StrategyType string

const (
	RoundRobinStrategyType          StrategyType = "round_robin"
	LeastConnectionsStrategyType    StrategyType = "least_connections"
	WeightedRoundRobinStrategyType  StrategyType = "weighted_round_robin"
	GeographicProximityStrategyType StrategyType = "geographic_proximity"
	ResourceBasedStrategyType       StrategyType = "resource_based"
	PlayerAffinityStrategyType      StrategyType = "player_affinity"
)

// AvailableStrategies returns all supported strategy types
func AvailableStrategies() []StrategyType {
	return []StrategyType{
		RoundRobinStrategyType,
		LeastConnectionsStrategyType,
		WeightedRoundRobinStrategyType,
		GeographicProximityStrategyType,
		ResourceBasedStrategyType,
		PlayerAffinityStrategyType,
	}
}

// AlgorithmConfig holds configuration for strategy creation
type AlgorithmConfig struct {
	Type StrategyType `json:"type" yaml:"type"`

	// Weights is only consulted by weighted round robin. Servers missing
	// from the map fall back to their own weight.
	Weights map[string]int `json:"weights,omitempty" yaml:"weights,omitempty"`
}

// Validate validates the strategy configuration
func (ac *AlgorithmConfig) Validate() error {
	if ac.Type == "" {
		return fmt.Errorf("strategy type cannot be empty")
	}

	known := false
	for _, t := range AvailableStrategies() {
		if t == ac.Type {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("unknown strategy type: %s", ac.Type)
	}

	for id, w := range ac.Weights {
		if w < 1 {
			return fmt.Errorf("weight for server %s must be at least 1, got %d", id, w)
		}
	}

	return nil
}

// ServerFilter narrows the candidate list handed to a strategy
type ServerFilter interface {
	Filter(servers []ServerState) []ServerState
	Name() string
}

// CapacityFilter keeps servers with at least Required free slots
type CapacityFilter struct {
	Required int
}

func (f CapacityFilter) Filter(servers []ServerState) []ServerState {
	if f.Required <= 0 {
		return servers
	}
	var filtered []ServerState
	for _, s := range servers {
		if s.Headroom() >= f.Required {
			filtered = append(filtered, s)
		}
	}
	return filtered
}

func (f CapacityFilter) Name() string {
	return "capacity"
}

// ExcludeFilter drops the listed server ids
type ExcludeFilter struct {
	IDs map[string]struct{}
}

func (f ExcludeFilter) Filter(servers []ServerState) []ServerState {
	if len(f.IDs) == 0 {
		return servers
	}
	var filtered []ServerState
	for _, s := range servers {
		if _, skip := f.IDs[s.ID()]; !skip {
			filtered = append(filtered, s)
		}
	}
	return filtered
}

func (f ExcludeFilter) Name() string {
	return "exclude"
}

// RegionFilter keeps servers in Region. If none match the input is returned unchanged.
type RegionFilter struct {
	Region string
}

func (f RegionFilter) Filter(servers []ServerState) []ServerState {
	if f.Region == "" {
		return servers
	}
	var filtered []ServerState
	for _, s := range servers {
		if s.Endpoint.Region == f.Region {
			filtered = append(filtered, s)
		}
	}
	if len(filtered) == 0 {
		return servers
	}
	return filtered
}

func (f RegionFilter) Name() string {
	return "region"
}

// ApplyFilters runs filters in order
func ApplyFilters(servers []ServerState, filters ...ServerFilter) []ServerState {
	for _, f := range filters {
		servers = f.Filter(servers)
	}
	return servers
}
