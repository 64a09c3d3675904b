package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mir00r/gameserver-lb/internal/domain"
	"github.com/mir00r/gameserver-lb/pkg/logger"
	"github.com/stretchr/testify/require"
)

func createTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{
		Level:  "error",
		Format: "json",
		Output: "discard",
	})
	require.NoError(t, err)
	return log
}

// fakeProber returns a scripted result per server id
type fakeProber struct {
	mu      sync.Mutex
	results map[string]error
	calls   map[string]int
}

func newFakeProber() *fakeProber {
	return &fakeProber{
		results: make(map[string]error),
		calls:   make(map[string]int),
	}
}

func (f *fakeProber) set(serverID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[serverID] = err
}

func (f *fakeProber) callCount(serverID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[serverID]
}

func (f *fakeProber) Probe(_ context.Context, endpoint domain.ServerEndpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[endpoint.ID]++
	return f.results[endpoint.ID]
}

func (f *fakeProber) Type() domain.HealthCheckType { return domain.TCPCheck }

// fakeDiscoverer returns a settable endpoint list
type fakeDiscoverer struct {
	mu        sync.Mutex
	endpoints []domain.ServerEndpoint
	err       error
	calls     int
}

func (f *fakeDiscoverer) set(endpoints []domain.ServerEndpoint, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endpoints = endpoints
	f.err = err
}

func (f *fakeDiscoverer) Discover(_ context.Context, _ string) ([]domain.ServerEndpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]domain.ServerEndpoint, len(f.endpoints))
	copy(out, f.endpoints)
	return out, nil
}

func (f *fakeDiscoverer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// manualClock is a settable time source
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func server(id string, conns, capacity int) domain.ServerState {
	return domain.ServerState{
		Endpoint: domain.ServerEndpoint{
			ID:       id,
			Address:  "10.0.0.1",
			Port:     7777,
			Region:   "eu-west",
			Capacity: capacity,
		},
		HealthStatus:       domain.HealthHealthy,
		CurrentConnections: conns,
		Weight:             1,
	}
}

func ids(servers []domain.ServerState) []string {
	out := make([]string, 0, len(servers))
	for _, s := range servers {
		out = append(out, s.ID())
	}
	return out
}
