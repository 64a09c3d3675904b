package repository

import (
	"sync"
	"time"

	"github.com/mir00r/gameserver-lb/internal/domain"
	lberrors "github.com/mir00r/gameserver-lb/internal/errors"
)

// ServerPool is the authoritative in-memory set of known game servers.
//
// A server id sits in at most one of the healthy and unhealthy lists, and in
// exactly one once its health has been determined. Unknown servers are in
// neither.
type ServerPool struct {
	mu        sync.RWMutex
	servers   map[string]*domain.LoadBalancedServer
	order     []string
	healthy   []string
	unhealthy []string
	regions   map[string][]string
	now       func() time.Time
}

// PoolOption configures a ServerPool
type PoolOption func(*ServerPool)

// WithPoolClock replaces time.Now, for tests
func WithPoolClock(now func() time.Time) PoolOption {
	return func(p *ServerPool) {
		p.now = now
	}
}

// NewServerPool creates an empty pool
func NewServerPool(opts ...PoolOption) *ServerPool {
	p := &ServerPool{
		servers: make(map[string]*domain.LoadBalancedServer),
		regions: make(map[string][]string),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Upsert adds endpoint in Unknown health if its id is new. For a known id
// only LastSeen is refreshed. It reports whether the server was added.
func (p *ServerPool) Upsert(endpoint domain.ServerEndpoint) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if server, exists := p.servers[endpoint.ID]; exists {
		server.LastSeen = p.now()
		return false
	}

	p.servers[endpoint.ID] = domain.NewLoadBalancedServer(endpoint, p.now())
	p.order = append(p.order, endpoint.ID)
	p.regions[endpoint.Region] = append(p.regions[endpoint.Region], endpoint.ID)
	return true
}

// Refresh replaces the endpoint metadata of a known server while keeping its
// operational state. It reports whether the id was known.
func (p *ServerPool) Refresh(endpoint domain.ServerEndpoint) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	server, exists := p.servers[endpoint.ID]
	if !exists {
		return false
	}

	if server.Endpoint.Region != endpoint.Region {
		p.regions[server.Endpoint.Region] = removeID(p.regions[server.Endpoint.Region], endpoint.ID)
		if len(p.regions[server.Endpoint.Region]) == 0 {
			delete(p.regions, server.Endpoint.Region)
		}
		p.regions[endpoint.Region] = append(p.regions[endpoint.Region], endpoint.ID)
	}
	server.Endpoint = endpoint
	if endpoint.Weight >= 1 {
		server.Weight = endpoint.Weight
	}
	server.LastSeen = p.now()
	return true
}

// MarkHealthy moves id to the healthy list. Marking an already healthy server
// only refreshes LastHealthCheck and reports changed=false.
func (p *ServerPool) MarkHealthy(id string) (bool, error) {
	return p.setHealth(id, domain.HealthHealthy)
}

// MarkUnhealthy moves id to the unhealthy list
func (p *ServerPool) MarkUnhealthy(id string) (bool, error) {
	return p.setHealth(id, domain.HealthUnhealthy)
}

func (p *ServerPool) setHealth(id string, status domain.HealthStatus) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	server, exists := p.servers[id]
	if !exists {
		return false, lberrors.NewServerNotFoundError(id)
	}

	server.LastHealthCheck = p.now()
	if server.HealthStatus == status {
		return false, nil
	}
	server.HealthStatus = status

	p.healthy = removeID(p.healthy, id)
	p.unhealthy = removeID(p.unhealthy, id)
	if status == domain.HealthHealthy {
		p.healthy = append(p.healthy, id)
	} else {
		p.unhealthy = append(p.unhealthy, id)
	}
	return true, nil
}

// SnapshotHealthy returns the healthy ids in healthy-list order
func (p *ServerPool) SnapshotHealthy() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ids := make([]string, len(p.healthy))
	copy(ids, p.healthy)
	return ids
}

// HealthyServers returns value copies of the healthy servers, in the same
// order as SnapshotHealthy
func (p *ServerPool) HealthyServers() []domain.ServerState {
	p.mu.RLock()
	defer p.mu.RUnlock()

	states := make([]domain.ServerState, 0, len(p.healthy))
	for _, id := range p.healthy {
		states = append(states, p.servers[id].Snapshot())
	}
	return states
}

// Get returns a copy of one server
func (p *ServerPool) Get(id string) (domain.ServerState, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	server, exists := p.servers[id]
	if !exists {
		return domain.ServerState{}, lberrors.NewServerNotFoundError(id)
	}
	return server.Snapshot(), nil
}

// All returns copies of every server in insertion order
func (p *ServerPool) All() []domain.ServerState {
	p.mu.RLock()
	defer p.mu.RUnlock()

	states := make([]domain.ServerState, 0, len(p.order))
	for _, id := range p.order {
		states = append(states, p.servers[id].Snapshot())
	}
	return states
}

// IsHealthy reports whether id is currently in the healthy list
func (p *ServerPool) IsHealthy(id string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	server, exists := p.servers[id]
	return exists && server.HealthStatus == domain.HealthHealthy
}

// UpdateMetrics stores caller-reported connections and, when positive, appends
// a response time sample to the server's rolling window
func (p *ServerPool) UpdateMetrics(id string, connections int, responseTime time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	server, exists := p.servers[id]
	if !exists {
		return lberrors.NewServerNotFoundError(id)
	}

	if connections < 0 {
		connections = 0
	}
	server.CurrentConnections = connections
	if responseTime > 0 {
		server.RecordResponseTime(responseTime)
	}
	return nil
}

// SetCircuitState mirrors the breaker state onto the server record
func (p *ServerPool) SetCircuitState(id string, state domain.CircuitState) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	server, exists := p.servers[id]
	if !exists {
		return lberrors.NewServerNotFoundError(id)
	}
	server.CircuitState = state
	return nil
}

// RecordStickySession notes that sessionID of clientID is pinned to server id
func (p *ServerPool) RecordStickySession(id, sessionID, clientID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	server, exists := p.servers[id]
	if !exists {
		return lberrors.NewServerNotFoundError(id)
	}
	server.StickySessions[sessionID] = clientID
	return nil
}

// Remove drops a server and its index entries. It reports whether id existed.
func (p *ServerPool) Remove(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	server, exists := p.servers[id]
	if !exists {
		return false
	}

	delete(p.servers, id)
	p.order = removeID(p.order, id)
	p.healthy = removeID(p.healthy, id)
	p.unhealthy = removeID(p.unhealthy, id)
	region := server.Endpoint.Region
	p.regions[region] = removeID(p.regions[region], id)
	if len(p.regions[region]) == 0 {
		delete(p.regions, region)
	}
	return true
}

// StaleServers returns ids whose LastSeen is older than maxAge
func (p *ServerPool) StaleServers(maxAge time.Duration) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	cutoff := p.now().Add(-maxAge)
	var stale []string
	for _, id := range p.order {
		if p.servers[id].LastSeen.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	return stale
}

// ServersByRegion returns copies of the servers registered in region
func (p *ServerPool) ServersByRegion(region string) []domain.ServerState {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ids := p.regions[region]
	states := make([]domain.ServerState, 0, len(ids))
	for _, id := range ids {
		states = append(states, p.servers[id].Snapshot())
	}
	return states
}

// Len returns the number of known servers
func (p *ServerPool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.servers)
}

// Stats returns pool statistics
func (p *ServerPool) Stats() map[string]interface{} {
	p.mu.RLock()
	defer p.mu.RUnlock()

	regions := make(map[string]int, len(p.regions))
	for region, ids := range p.regions {
		regions[region] = len(ids)
	}

	return map[string]interface{}{
		"total_servers":     len(p.servers),
		"healthy_servers":   len(p.healthy),
		"unhealthy_servers": len(p.unhealthy),
		"unknown_servers":   len(p.servers) - len(p.healthy) - len(p.unhealthy),
		"regions":           regions,
	}
}

func removeID(ids []string, id string) []string {
	for i, existing := range ids {
		if existing == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
