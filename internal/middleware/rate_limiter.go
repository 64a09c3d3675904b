package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	lberrors "github.com/mir00r/gameserver-lb/internal/errors"
	"github.com/mir00r/gameserver-lb/pkg/logger"
	"golang.org/x/time/rate"
)

// RateLimiter manages token buckets per client
type RateLimiter struct {
	limiters map[string]*clientLimiter
	mu       sync.Mutex
	rate     rate.Limit
	burst    int

	// maxClients bounds the limiter table; the least recently seen client
	// is evicted to make room
	maxClients int
	keyFunc    func(*http.Request) string
	now        func() time.Time
	logger     *logger.Logger
}

// DefaultMaxClients is the limiter table bound unless WithMaxClients is set
const DefaultMaxClients = 10000

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiterOption configures a RateLimiter
type RateLimiterOption func(*RateLimiter)

// WithKeyFunc overrides how requests are mapped to clients
func WithKeyFunc(fn func(*http.Request) string) RateLimiterOption {
	return func(rl *RateLimiter) { rl.keyFunc = fn }
}

// WithMaxClients bounds how many clients are tracked at once
func WithMaxClients(n int) RateLimiterOption {
	return func(rl *RateLimiter) {
		if n > 0 {
			rl.maxClients = n
		}
	}
}

// WithLimiterClock sets the time source used for token accounting
func WithLimiterClock(now func() time.Time) RateLimiterOption {
	return func(rl *RateLimiter) { rl.now = now }
}

// NewRateLimiter creates a limiter allowing rps requests per second with the
// given burst for every client
func NewRateLimiter(rps float64, burst int, log *logger.Logger, opts ...RateLimiterOption) *RateLimiter {
	rl := &RateLimiter{
		limiters:   make(map[string]*clientLimiter),
		rate:       rate.Limit(rps),
		burst:      burst,
		maxClients: DefaultMaxClients,
		keyFunc:    ClientIP,
		now:        time.Now,
		logger:     log.MiddlewareLogger("rate_limiter"),
	}
	for _, opt := range opts {
		opt(rl)
	}
	return rl
}

// Allow consumes a token for client
func (rl *RateLimiter) Allow(client string) bool {
	now := rl.now()

	rl.mu.Lock()
	cl, exists := rl.limiters[client]
	if !exists {
		if len(rl.limiters) >= rl.maxClients {
			rl.evictOldestLocked()
		}
		cl = &clientLimiter{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[client] = cl
	}
	cl.lastSeen = now
	rl.mu.Unlock()

	return cl.limiter.AllowN(now, 1)
}

// Cleanup forgets clients idle for longer than maxIdle and returns how many
// were removed
func (rl *RateLimiter) Cleanup(maxIdle time.Duration) int {
	cutoff := rl.now().Add(-maxIdle)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for client, cl := range rl.limiters {
		if cl.lastSeen.Before(cutoff) {
			delete(rl.limiters, client)
			removed++
		}
	}
	return removed
}

func (rl *RateLimiter) evictOldestLocked() {
	var (
		oldest   string
		oldestAt time.Time
	)
	for client, cl := range rl.limiters {
		if oldest == "" || cl.lastSeen.Before(oldestAt) {
			oldest, oldestAt = client, cl.lastSeen
		}
	}
	delete(rl.limiters, oldest)
}

// Run calls Cleanup every interval until ctx is done
func (rl *RateLimiter) Run(ctx context.Context, interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := rl.Cleanup(maxIdle); removed > 0 {
				rl.logger.WithField("removed", removed).Debug("Cleaned up idle rate limiters")
			}
		}
	}
}

// RateLimitMiddleware rejects requests over the client's rate with 429
func (rl *RateLimiter) RateLimitMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := rl.keyFunc(r)
			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%.2f", float64(rl.rate)))

			if !rl.Allow(client) {
				rl.logger.WithFields(map[string]interface{}{
					"client": client,
					"path":   r.URL.Path,
					"method": r.Method,
				}).Warn("Rate limit exceeded")

				w.Header().Set("X-RateLimit-Remaining", "0")
				w.Header().Set("Retry-After", "1")
				WriteError(w, r, lberrors.NewRateLimitError(client, float64(rl.rate)))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP extracts the client address, preferring the first X-Forwarded-For hop
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// GetStats returns rate limiter statistics
func (rl *RateLimiter) GetStats() map[string]interface{} {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	return map[string]interface{}{
		"rate_limit":     float64(rl.rate),
		"burst_size":     rl.burst,
		"active_clients": len(rl.limiters),
		"max_clients":    rl.maxClients,
	}
}
