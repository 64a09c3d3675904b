package service

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/mir00r/gameserver-lb/internal/domain"
	lberrors "github.com/mir00r/gameserver-lb/internal/errors"
)

// Selector picks one server id out of the eligible candidates. Candidates
// are value copies in pool order; implementations must not retain them.
type Selector interface {
	Select(candidates []domain.ServerState, req domain.SelectionRequest) (string, error)
	Name() string
}

// NewSelector builds the selector for config.Type
func NewSelector(config domain.AlgorithmConfig) (Selector, error) {
	if err := config.Validate(); err != nil {
		return nil, lberrors.NewErrorWithCause(lberrors.ErrCodeInvalidAlgorithm, "strategy",
			fmt.Sprintf("invalid algorithm %q", config.Type), err)
	}

	switch config.Type {
	case domain.RoundRobinStrategyType:
		return NewRoundRobinStrategy(), nil
	case domain.LeastConnectionsStrategyType:
		return NewLeastConnectionsStrategy(), nil
	case domain.WeightedRoundRobinStrategyType:
		return NewWeightedRoundRobinStrategy(config.Weights), nil
	case domain.GeographicProximityStrategyType:
		return NewGeographicProximityStrategy(), nil
	case domain.ResourceBasedStrategyType:
		return NewResourceBasedStrategy(), nil
	case domain.PlayerAffinityStrategyType:
		return NewPlayerAffinityStrategy(), nil
	}
	return nil, lberrors.NewError(lberrors.ErrCodeInvalidAlgorithm, "strategy",
		fmt.Sprintf("unsupported algorithm %q", config.Type))
}

func exhausted(strategy string) error {
	return lberrors.NewNoHealthyServersError(strategy)
}

// RoundRobinStrategy rotates a shared cursor over the candidates
type RoundRobinStrategy struct {
	index uint64
}

func NewRoundRobinStrategy() *RoundRobinStrategy {
	return &RoundRobinStrategy{}
}

func (s *RoundRobinStrategy) Select(candidates []domain.ServerState, _ domain.SelectionRequest) (string, error) {
	if len(candidates) == 0 {
		return "", exhausted(s.Name())
	}
	next := atomic.AddUint64(&s.index, 1)
	return candidates[(next-1)%uint64(len(candidates))].ID(), nil
}

func (s *RoundRobinStrategy) Name() string {
	return string(domain.RoundRobinStrategyType)
}

// LeastConnectionsStrategy picks the fewest current connections; the first
// encountered wins ties
type LeastConnectionsStrategy struct{}

func NewLeastConnectionsStrategy() *LeastConnectionsStrategy {
	return &LeastConnectionsStrategy{}
}

func (s *LeastConnectionsStrategy) Select(candidates []domain.ServerState, _ domain.SelectionRequest) (string, error) {
	if len(candidates) == 0 {
		return "", exhausted(s.Name())
	}
	return leastConnections(candidates).ID(), nil
}

func leastConnections(candidates []domain.ServerState) domain.ServerState {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.CurrentConnections < best.CurrentConnections {
			best = c
		}
	}
	return best
}

func (s *LeastConnectionsStrategy) Name() string {
	return string(domain.LeastConnectionsStrategyType)
}

// WeightedRoundRobinStrategy is smooth weighted round robin: each pick adds
// every candidate's weight to its running score, takes the highest score and
// subtracts the total weight from the winner.
type WeightedRoundRobinStrategy struct {
	weights map[string]int

	mu             sync.Mutex
	currentWeights map[string]int
}

func NewWeightedRoundRobinStrategy(weights map[string]int) *WeightedRoundRobinStrategy {
	copied := make(map[string]int, len(weights))
	for id, w := range weights {
		copied[id] = w
	}
	return &WeightedRoundRobinStrategy{
		weights:        copied,
		currentWeights: make(map[string]int),
	}
}

func (s *WeightedRoundRobinStrategy) weightOf(server domain.ServerState) int {
	if w, ok := s.weights[server.ID()]; ok && w > 0 {
		return w
	}
	if server.Weight > 0 {
		return server.Weight
	}
	return 1
}

func (s *WeightedRoundRobinStrategy) Select(candidates []domain.ServerState, _ domain.SelectionRequest) (string, error) {
	if len(candidates) == 0 {
		return "", exhausted(s.Name())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	bestIdx := -1
	bestWeight := math.MinInt
	for i, c := range candidates {
		w := s.weightOf(c)
		total += w
		s.currentWeights[c.ID()] += w
		if s.currentWeights[c.ID()] > bestWeight {
			bestWeight = s.currentWeights[c.ID()]
			bestIdx = i
		}
	}

	chosen := candidates[bestIdx].ID()
	s.currentWeights[chosen] -= total
	return chosen, nil
}

func (s *WeightedRoundRobinStrategy) Name() string {
	return string(domain.WeightedRoundRobinStrategyType)
}

// geographicScore blends free capacity with the precomputed latency score
func geographicScore(s domain.ServerState) float64 {
	latencyFactor := 1 - math.Min(s.Endpoint.LatencyScore/1000, 1)
	return 0.6*s.LoadFactor() + 0.4*latencyFactor
}

// resourceScore blends free capacity with the latest response time
func resourceScore(s domain.ServerState) float64 {
	responseFactor := 0.5
	if s.HasResponseTime {
		ms := float64(s.LastResponseTime.Microseconds()) / 1000
		responseFactor = 1 - math.Min(ms/1000, 1)
	}
	return 0.7*s.LoadFactor() + 0.3*responseFactor
}

func maxScore(candidates []domain.ServerState, score func(domain.ServerState) float64) domain.ServerState {
	best := candidates[0]
	bestScore := score(best)
	for _, c := range candidates[1:] {
		if sc := score(c); sc > bestScore {
			best, bestScore = c, sc
		}
	}
	return best
}

// GeographicProximityStrategy scores 0.6*load + 0.4*latency. Without a client
// location it behaves like least connections. A preferred region narrows the
// candidates when at least one of them is in it.
type GeographicProximityStrategy struct{}

func NewGeographicProximityStrategy() *GeographicProximityStrategy {
	return &GeographicProximityStrategy{}
}

func (s *GeographicProximityStrategy) Select(candidates []domain.ServerState, req domain.SelectionRequest) (string, error) {
	if len(candidates) == 0 {
		return "", exhausted(s.Name())
	}
	return s.pick(candidates, req).ID(), nil
}

func (s *GeographicProximityStrategy) pick(candidates []domain.ServerState, req domain.SelectionRequest) domain.ServerState {
	candidates = domain.RegionFilter{Region: req.PreferredRegion}.Filter(candidates)
	if req.Location == nil {
		return leastConnections(candidates)
	}
	return maxScore(candidates, geographicScore)
}

func (s *GeographicProximityStrategy) Name() string {
	return string(domain.GeographicProximityStrategyType)
}

// ResourceBasedStrategy scores 0.7*load + 0.3*response
type ResourceBasedStrategy struct{}

func NewResourceBasedStrategy() *ResourceBasedStrategy {
	return &ResourceBasedStrategy{}
}

func (s *ResourceBasedStrategy) Select(candidates []domain.ServerState, _ domain.SelectionRequest) (string, error) {
	if len(candidates) == 0 {
		return "", exhausted(s.Name())
	}
	return maxScore(candidates, resourceScore).ID(), nil
}

func (s *ResourceBasedStrategy) Name() string {
	return string(domain.ResourceBasedStrategyType)
}

// PlayerAffinityStrategy sends a client to the candidate hosting most of its
// party. Ties go to the better geographic score. With no peer on any
// candidate it falls back to geographic proximity.
type PlayerAffinityStrategy struct {
	geo GeographicProximityStrategy
}

func NewPlayerAffinityStrategy() *PlayerAffinityStrategy {
	return &PlayerAffinityStrategy{}
}

func (s *PlayerAffinityStrategy) Select(candidates []domain.ServerState, req domain.SelectionRequest) (string, error) {
	if len(candidates) == 0 {
		return "", exhausted(s.Name())
	}

	peers := make(map[string]int, len(req.PeerServerIDs))
	for _, id := range req.PeerServerIDs {
		peers[id]++
	}

	var hosting []domain.ServerState
	bestCount := 0
	for _, c := range candidates {
		n := peers[c.ID()]
		switch {
		case n == 0:
		case n > bestCount:
			bestCount = n
			hosting = append(hosting[:0], c)
		case n == bestCount:
			hosting = append(hosting, c)
		}
	}

	if len(hosting) == 0 {
		return s.geo.pick(candidates, req).ID(), nil
	}
	return maxScore(hosting, geographicScore).ID(), nil
}

func (s *PlayerAffinityStrategy) Name() string {
	return string(domain.PlayerAffinityStrategyType)
}
