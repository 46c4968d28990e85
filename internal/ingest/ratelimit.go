package ingest

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// client tracks a per-caller token bucket and when it was last used.
type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles scan submissions per caller IP. Buckets for
// callers idle longer than ten minutes are evicted in the background.
type RateLimiter struct {
	clients sync.Map
	limit   rate.Limit
	burst   int
	done    chan struct{}
}

func NewRateLimiter(limit rate.Limit, burst int) *RateLimiter {
	rl := &RateLimiter{
		limit: limit,
		burst: burst,
		done:  make(chan struct{}),
	}
	go rl.evictIdle()
	return rl
}

func (rl *RateLimiter) evictIdle() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-10 * time.Minute)
			rl.clients.Range(func(key, value any) bool {
				if value.(*client).lastSeen.Before(cutoff) {
					rl.clients.Delete(key)
				}
				return true
			})
		}
	}
}

// Stop halts the eviction goroutine.
func (rl *RateLimiter) Stop() {
	close(rl.done)
}

func (rl *RateLimiter) allow(key string) bool {
	value, ok := rl.clients.Load(key)
	if !ok {
		value, _ = rl.clients.LoadOrStore(key, &client{
			limiter: rate.NewLimiter(rl.limit, rl.burst),
		})
	}
	c := value.(*client)
	c.lastSeen = time.Now()
	return c.limiter.Allow()
}

// Middleware rejects requests over the per-IP budget with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(clientKey(r)) {
			renderJSONError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientKey relies on the RealIP middleware having rewritten RemoteAddr.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
