package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// pruneThreshold bounds how many idle keys accumulate before expired windows
// are swept.
const pruneThreshold = 1024

// RateLimiter counts hits per key in fixed windows. The relay keys publishes
// by client IP, the admin API keys requests by client IP.
type RateLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]*hitWindow
}

type hitWindow struct {
	hits    int
	resetAt time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return NewRateLimiterWithNow(limit, window, time.Now)
}

func NewRateLimiterWithNow(limit int, window time.Duration, now func() time.Time) *RateLimiter {
	return &RateLimiter{
		limit:   limit,
		window:  window,
		now:     now,
		windows: make(map[string]*hitWindow),
	}
}

// Allow records a hit for key. A nil limiter or a limit that is not positive
// allows everything.
func (rl *RateLimiter) Allow(key string) bool {
	ok, _, _ := rl.take(key)
	return ok
}

// take records a hit and reports the hits left in the window and when the
// window resets.
func (rl *RateLimiter) take(key string) (bool, int, time.Time) {
	if rl == nil || rl.limit <= 0 {
		return true, math.MaxInt32, time.Time{}
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	w := rl.windows[key]
	if w == nil || !now.Before(w.resetAt) {
		if len(rl.windows) >= pruneThreshold {
			rl.pruneLocked(now)
		}
		w = &hitWindow{resetAt: now.Add(rl.window)}
		rl.windows[key] = w
	}
	if w.hits >= rl.limit {
		return false, 0, w.resetAt
	}
	w.hits++
	return true, rl.limit - w.hits, w.resetAt
}

func (rl *RateLimiter) pruneLocked(now time.Time) {
	for key, w := range rl.windows {
		if !now.Before(w.resetAt) {
			delete(rl.windows, key)
		}
	}
}

// Tracked reports how many keys currently hold a window.
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.windows)
}

// RateLimitMiddleware rejects requests over the limit with 429 and a
// Retry-After header.
func RateLimitMiddleware(rl *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, remaining, resetAt := rl.take(c.ClientIP())
		if rl != nil && rl.limit > 0 {
			c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		}
		if !ok {
			wait := int(math.Ceil(resetAt.Sub(rl.now()).Seconds()))
			if wait < 1 {
				wait = 1
			}
			c.Header("Retry-After", strconv.Itoa(wait))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
