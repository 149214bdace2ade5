// Package middleware holds the HTTP middleware for the coordinator API.
package middleware

import (
	"log"
	"net"
	"net/http"
	"sync"
	"time"
)

// RateLimiter enforces a per-client sliding-window limit on API calls.
// Quote generation runs the planner, so letting one client hammer it is an
// easy way to burn money.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	cfg     RateLimitConfig
	logger  *log.Logger
	stop    chan struct{}
}

// RateLimitConfig defines the limits.
type RateLimitConfig struct {
	MaxCallsPerMinute int
	BurstSize         int // momentary ceiling above the per-minute limit
}

type window struct {
	count int
	start time.Time
}

// NewRateLimiter creates a limiter and starts its window sweeper.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.MaxCallsPerMinute == 0 {
		cfg.MaxCallsPerMinute = 60
	}
	if cfg.BurstSize == 0 {
		cfg.BurstSize = cfg.MaxCallsPerMinute * 2
	}

	rl := &RateLimiter{
		windows: make(map[string]*window),
		cfg:     cfg,
		logger:  log.New(log.Writer(), "[RateLimit] ", log.LstdFlags),
		stop:    make(chan struct{}),
	}
	go rl.sweep()
	return rl
}

// Allow reports whether the key may make another call right now.
func (rl *RateLimiter) Allow(key string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows[key]
	if !ok || now.Sub(w.start) > time.Minute {
		rl.windows[key] = &window{count: 1, start: now}
		return true
	}

	w.count++
	if w.count > rl.cfg.BurstSize {
		rl.logger.Printf("burst limit exceeded: key=%s count=%d", key, w.count)
		return false
	}
	if w.count > rl.cfg.MaxCallsPerMinute {
		rl.logger.Printf("rate limit exceeded: key=%s count=%d", key, w.count)
		return false
	}
	return true
}

// Middleware limits by client address, preferring X-Forwarded-For when a
// proxy fronts the coordinator.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Forwarded-For")
		if key == "" {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			key = host
		}

		if !rl.Allow(key) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limit exceeded","retryAfterSeconds":60}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Close stops the sweeper.
func (rl *RateLimiter) Close() { close(rl.stop) }

func (rl *RateLimiter) sweep() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			now := time.Now()
			rl.mu.Lock()
			for key, w := range rl.windows {
				if now.Sub(w.start) > 2*time.Minute {
					delete(rl.windows, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}
