package protocol

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// RateLimiter is a per-caller token bucket. Keyed here by participant PID
// when the request carries one (an authenticated envelope) and falls back
// to client IP otherwise, since a single operator token can front many
// distinct participants and a pure per-IP bucket would let one misbehaving
// participant starve the others behind the same gateway. A bare-IP caller
// has not presented a PID at all, so it gets a smaller bucket than an
// authenticated one — unauthenticatedFactor trades off how much budget an
// anonymous prober gets before PID-keyed accounting can even start.
const cleanupIdleDuration = 10 * time.Minute
const unauthenticatedFactor = 4.0

type tokenBucket struct {
	tokens   float64
	lastSeen time.Time
	mu       sync.Mutex
}

type RateLimiter struct {
	rate        float64 // tokens added per second, PID-keyed callers
	burst       float64
	unauthRate  float64 // tokens added per second, IP-keyed callers
	unauthBurst float64
	mu          sync.Mutex
	buckets     map[string]*tokenBucket
}

// NewRateLimiter allows ratePerMin requests per minute per authenticated
// (PID-keyed) caller, with burst capacity up to burst requests.
// Unauthenticated (IP-keyed) callers get unauthenticatedFactor less of both.
func NewRateLimiter(ratePerMin, burst int) *RateLimiter {
	rl := &RateLimiter{
		rate:        float64(ratePerMin) / 60.0,
		burst:       float64(burst),
		unauthRate:  float64(ratePerMin) / 60.0 / unauthenticatedFactor,
		unauthBurst: float64(burst) / unauthenticatedFactor,
		buckets:     make(map[string]*tokenBucket),
	}
	go rl.cleanupLoop()
	return rl
}

func (rl *RateLimiter) allow(key string, rate, burst float64) (bool, time.Duration) {
	rl.mu.Lock()
	bucket, ok := rl.buckets[key]
	if !ok {
		bucket = &tokenBucket{tokens: burst}
		rl.buckets[key] = bucket
	}
	rl.mu.Unlock()

	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(bucket.lastSeen).Seconds()
	bucket.tokens += elapsed * rate
	if bucket.tokens > burst {
		bucket.tokens = burst
	}
	bucket.lastSeen = now

	if bucket.tokens >= 1.0 {
		bucket.tokens--
		return true, 0
	}
	retryAfter := time.Duration((1.0-bucket.tokens)/rate*1000) * time.Millisecond
	return false, retryAfter
}

// Middleware enforces the rate limit, keyed by the request's PID header if
// present, else client IP at a stricter rate.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("X-Participant-PID")
		rate, burst := rl.rate, rl.burst
		if key == "" {
			key = "ip:" + c.ClientIP()
			rate, burst = rl.unauthRate, rl.unauthBurst
		}
		allowed, retryAfter := rl.allow(key, rate, burst)
		if !allowed {
			c.Header("Retry-After", retryAfter.String())
			c.JSON(http.StatusTooManyRequests, gin.H{
				"code":       CodeOperationTimeout,
				"message":    "rate limit exceeded",
				"retryAfter": retryAfter.String(),
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupIdleDuration)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-cleanupIdleDuration)
		rl.mu.Lock()
		for key, b := range rl.buckets {
			b.mu.Lock()
			idle := b.lastSeen.Before(cutoff)
			b.mu.Unlock()
			if idle {
				delete(rl.buckets, key)
			}
		}
		rl.mu.Unlock()
	}
}
