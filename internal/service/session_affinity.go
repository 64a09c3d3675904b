package service

import (
	"sync"
	"time"

	"github.com/mir00r/gameserver-lb/pkg/logger"
)

type affinityEntry struct {
	serverID    string
	lastTouched time.Time
}

// SessionAffinityManager pins clients to the server they were last sent to.
// Bindings are advisory; the caller decides whether the server is still usable.
type SessionAffinityManager struct {
	mu      sync.RWMutex
	entries map[string]affinityEntry
	timeout time.Duration
	now     func() time.Time
	logger  *logger.Logger
}

// AffinityOption configures a SessionAffinityManager
type AffinityOption func(*SessionAffinityManager)

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) AffinityOption {
	return func(m *SessionAffinityManager) {
		m.now = now
	}
}

// NewSessionAffinityManager creates an empty affinity table
func NewSessionAffinityManager(timeout time.Duration, log *logger.Logger, opts ...AffinityOption) *SessionAffinityManager {
	m := &SessionAffinityManager{
		entries: make(map[string]affinityEntry),
		timeout: timeout,
		now:     time.Now,
		logger:  log.AffinityLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *SessionAffinityManager) expired(e affinityEntry, now time.Time) bool {
	return now.Sub(e.lastTouched) > m.timeout
}

// Get returns the server bound to clientID. Entries past the timeout are
// reported as missing even before the sweep removes them.
func (m *SessionAffinityManager) Get(clientID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[clientID]
	if !ok || m.expired(e, m.now()) {
		return "", false
	}
	return e.serverID, true
}

// Set binds clientID to serverID, overwriting any previous binding
func (m *SessionAffinityManager) Set(clientID, serverID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[clientID] = affinityEntry{serverID: serverID, lastTouched: m.now()}
}

// Touch refreshes the binding of clientID. It reports whether one existed.
func (m *SessionAffinityManager) Touch(clientID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[clientID]
	if !ok {
		return false
	}
	e.lastTouched = m.now()
	m.entries[clientID] = e
	return true
}

// Remove drops the binding of clientID
func (m *SessionAffinityManager) Remove(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, clientID)
}

// RemoveServer drops every binding to serverID and returns how many were removed
func (m *SessionAffinityManager) RemoveServer(serverID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for clientID, e := range m.entries {
		if e.serverID == serverID {
			delete(m.entries, clientID)
			removed++
		}
	}
	return removed
}

// Sweep removes bindings idle for longer than the session timeout
func (m *SessionAffinityManager) Sweep() int {
	m.mu.Lock()
	now := m.now()
	removed := 0
	for clientID, e := range m.entries {
		if m.expired(e, now) {
			delete(m.entries, clientID)
			removed++
		}
	}
	remaining := len(m.entries)
	m.mu.Unlock()

	if removed > 0 {
		m.logger.WithField("removed", removed).
			WithField("remaining", remaining).
			Debug("Expired session affinities swept")
	}
	return removed
}

// Len returns the number of stored bindings, expired or not
func (m *SessionAffinityManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
