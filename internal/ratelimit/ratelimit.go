// Package ratelimit throttles payment verification requests per client.
// A successful verification claims a payment, so guessing amounts in a
// loop must be slow.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/paydash/internal/metrics"
)

// Config configures rate limiting
type Config struct {
	// PerMinute is the sustained verifications allowed per client per minute
	PerMinute int
	// Burst allows brief bursts above the sustained rate
	Burst int
	// CleanupInterval is how often idle clients are forgotten
	CleanupInterval time.Duration
}

// DefaultConfig allows one verification every two seconds with bursts of 5.
func DefaultConfig() Config {
	return Config{
		PerMinute:       30,
		Burst:           5,
		CleanupInterval: time.Minute,
	}
}

// Limiter is a token bucket per key
type Limiter struct {
	cfg      Config
	now      func() time.Time
	mu       sync.Mutex
	buckets  map[string]*bucket
	stop     chan struct{}
	stopOnce sync.Once
}

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

// New creates a limiter and starts its cleanup loop. Non-positive values
// fall back to DefaultConfig.
func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.PerMinute <= 0 {
		cfg.PerMinute = def.PerMinute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	l := &Limiter{
		cfg:     cfg,
		now:     time.Now,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

func (l *Limiter) ratePerSecond() float64 {
	return float64(l.cfg.PerMinute) / 60.0
}

// idleAfter is how long a bucket takes to refill completely; a bucket idle
// that long is indistinguishable from a new one.
func (l *Limiter) idleAfter() time.Duration {
	return time.Duration(float64(l.cfg.Burst) / l.ratePerSecond() * float64(time.Second))
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.idleAfter())
	for key, b := range l.buckets {
		if b.lastCheck.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Allow takes a token for key. When none is left it reports how long until
// the next one.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		l.buckets[key] = &bucket{tokens: float64(l.cfg.Burst - 1), lastCheck: now}
		return true, 0
	}

	b.tokens += now.Sub(b.lastCheck).Seconds() * l.ratePerSecond()
	if b.tokens > float64(l.cfg.Burst) {
		b.tokens = float64(l.cfg.Burst)
	}
	b.lastCheck = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	wait := (1 - b.tokens) / l.ratePerSecond()
	return false, time.Duration(wait * float64(time.Second))
}

// Tracked returns the number of keys with live buckets.
func (l *Limiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Middleware limits by client IP
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, wait := l.Allow(c.ClientIP())
		if !ok {
			retryAfter := int(math.Ceil(wait.Seconds()))
			metrics.RateLimitedTotal.Inc()
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many verification attempts. Please slow down.",
				"retry_after": retryAfter,
			})
			return
		}
		c.Next()
	}
}
