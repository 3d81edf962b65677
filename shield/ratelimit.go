// CLAUDE:SUMMARY In-memory token-bucket rate limiter keyed by API key prefix or client IP, with X-RateLimit headers.
package shield

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig tunes the token-bucket limiter.
type RateLimitConfig struct {
	// RequestsPerMinute is the sustained rate. Default: 60.
	RequestsPerMinute int
	// Burst is the bucket capacity. Default: RequestsPerMinute.
	Burst int
	// Exclude lists path prefixes that bypass rate limiting.
	Exclude []string
}

func (c *RateLimitConfig) defaults() {
	if c.RequestsPerMinute <= 0 {
		c.RequestsPerMinute = 60
	}
	if c.Burst <= 0 {
		c.Burst = c.RequestsPerMinute
	}
}

type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func (b *tokenBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed < 0 {
		// A bucket created after the caller read its clock must not lose
		// tokens to a negative refill.
		elapsed = 0
	}
	b.tokens = min(b.capacity, b.tokens+elapsed*b.refillRate)
	b.lastRefill = now
}

// consume takes one token if available. Returns (allowed, remaining,
// secondsUntilNextToken).
func (b *tokenBucket) consume(now time.Time) (bool, int, float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(now)
	if b.tokens >= 1 {
		b.tokens--
		return true, int(b.tokens), 0
	}
	return false, 0, (1 - b.tokens) / b.refillRate
}

// RateLimiter applies per-caller token buckets. Callers are keyed by API key
// prefix ("mdwb_…" in X-API-Key) when present, otherwise by client IP.
type RateLimiter struct {
	cfg     RateLimitConfig
	buckets sync.Map // key string -> *tokenBucket
}

// NewRateLimiter creates a limiter with the given config.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	cfg.defaults()
	return &RateLimiter{cfg: cfg}
}

// Key extracts the rate-limit key from a request: a valid-looking API key
// prefix, or the client IP.
func (rl *RateLimiter) Key(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); strings.HasPrefix(key, "mdwb_") && len(key) == 37 {
		return "api_key:" + key[:12]
	}
	return "ip:" + ExtractIP(r)
}

func (rl *RateLimiter) bucket(key string) *tokenBucket {
	if v, ok := rl.buckets.Load(key); ok {
		return v.(*tokenBucket)
	}
	b := &tokenBucket{
		tokens:     float64(rl.cfg.Burst),
		capacity:   float64(rl.cfg.Burst),
		refillRate: float64(rl.cfg.RequestsPerMinute) / 60.0,
		lastRefill: time.Now(),
	}
	actual, _ := rl.buckets.LoadOrStore(key, b)
	return actual.(*tokenBucket)
}

// GC removes buckets idle for longer than maxAge. Returns the number removed.
func (rl *RateLimiter) GC(maxAge time.Duration) int {
	now := time.Now()
	removed := 0
	rl.buckets.Range(func(key, value any) bool {
		b := value.(*tokenBucket)
		b.mu.Lock()
		idle := now.Sub(b.lastRefill)
		b.mu.Unlock()
		if idle > maxAge {
			rl.buckets.Delete(key)
			removed++
		}
		return true
	})
	return removed
}

// StartGC runs GC every interval until done is closed.
func (rl *RateLimiter) StartGC(done <-chan struct{}, interval time.Duration) {
	tick := time.NewTicker(interval)
	go func() {
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				rl.GC(time.Hour)
			}
		}
	}()
}

// Middleware enforces the rate limit and sets X-RateLimit-* headers on every
// response. Blocked requests get 429 with Retry-After.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, prefix := range rl.cfg.Exclude {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}

		key := rl.Key(r)
		now := time.Now()
		allowed, remaining, wait := rl.bucket(key).consume(now)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.cfg.RequestsPerMinute))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(now.Add(time.Duration(wait*float64(time.Second))).Unix(), 10))

		if !allowed {
			slog.Warn("ratelimit: request blocked", "key", key, "path", r.URL.Path)
			w.Header().Set("Retry-After", strconv.Itoa(int(wait)+1))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]string{
				"error": "rate limit exceeded",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}
