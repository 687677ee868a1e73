// Package ratelimit provides a token-bucket request limiter for HTTP
// handlers, backed by golang.org/x/time/rate.
package ratelimit

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// Config configures a RateLimiter's token bucket.
type Config struct {
	RequestsPerSecond float64
	Burst             int
}

// DefaultConfig returns a generous default suitable for a small
// operator-facing admin surface.
func DefaultConfig() Config {
	return Config{RequestsPerSecond: 20, Burst: 40}
}

// RateLimiter wraps rate.Limiter behind a Config, reconstructible via
// Reset for tests that want a clean bucket.
type RateLimiter struct {
	mu      sync.RWMutex
	limiter *rate.Limiter
	config  Config
}

// New returns a RateLimiter. A non-positive RequestsPerSecond becomes
// DefaultConfig's 20; a non-positive Burst becomes twice the resulting
// rate, which is DefaultConfig's 40 only when the rate is the default.
func New(cfg Config) *RateLimiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 20
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond * 2)
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		config:  cfg,
	}
}

// Allow reports whether one request may proceed right now.
func (r *RateLimiter) Allow() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.limiter.Allow()
}

// Reset replaces the bucket with a fresh one at the same config.
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiter = rate.NewLimiter(rate.Limit(r.config.RequestsPerSecond), r.config.Burst)
}

// Middleware wraps next, responding 429 once the bucket is exhausted.
func (r *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !r.Allow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, req)
	})
}
