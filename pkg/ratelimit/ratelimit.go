package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/fhirfactory/hestia-audit-relay/pkg/metrics"
)

// Config holds rate limiter configuration
type Config struct {
	// Rate is the number of requests allowed per second
	Rate float64
	// Burst is the maximum number of requests allowed in a burst
	Burst int
	// CleanupInterval is how often to clean up stale entries
	CleanupInterval time.Duration
	// MaxAge is how long to keep an entry after last access
	MaxAge time.Duration
}

// DefaultIngressConfig returns the default per-producer limit: 50 req/s with
// a burst of 100, enough for a producer flushing a backlog in batches.
func DefaultIngressConfig() Config {
	return Config{
		Rate:            50,
		Burst:           100,
		CleanupInterval: time.Minute,
		MaxAge:          5 * time.Minute,
	}
}

// KeyFunc derives the bucket key for a request.
type KeyFunc func(c *gin.Context) string

// ClientIP keys buckets by the client address gin resolves, honoring
// trusted proxies.
func ClientIP(c *gin.Context) string {
	return c.ClientIP()
}

// entry holds rate limiter and last access time for a key
type entry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Limiter implements keyed rate limiting with automatic cleanup
type Limiter struct {
	mu      sync.Mutex
	entries map[string]*entry
	config  Config
	key     KeyFunc
	done    chan struct{}
	once    sync.Once
}

// New creates a limiter keyed by client IP.
func New(cfg Config) *Limiter {
	return NewKeyed(cfg, ClientIP)
}

// NewKeyed creates a limiter keyed by key.
func NewKeyed(cfg Config, key KeyFunc) *Limiter {
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.MaxAge == 0 {
		cfg.MaxAge = 5 * time.Minute
	}
	if key == nil {
		key = ClientIP
	}

	rl := &Limiter{
		entries: make(map[string]*entry),
		config:  cfg,
		key:     key,
		done:    make(chan struct{}),
	}

	go rl.cleanup()

	return rl
}

// Allow reports whether a request for key may proceed.
func (rl *Limiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	e, exists := rl.entries[key]
	if !exists {
		e = &entry{
			limiter: rate.NewLimiter(rate.Limit(rl.config.Rate), rl.config.Burst),
		}
		rl.entries[key] = e
	}
	e.lastAccess = time.Now()

	return e.limiter.Allow()
}

// Middleware returns a Gin middleware that rejects requests over the limit
// with 429. Rejections are counted per route.
func (rl *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.Allow(rl.key(c)) {
			metrics.RateLimited.WithLabelValues(c.FullPath()).Inc()
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded, please try again later",
			})
			return
		}
		c.Next()
	}
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (rl *Limiter) Stop() {
	rl.once.Do(func() { close(rl.done) })
}

func (rl *Limiter) cleanup() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
			rl.evict(time.Now())
		}
	}
}

// evict removes entries idle for longer than MaxAge.
func (rl *Limiter) evict(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for k, e := range rl.entries {
		if now.Sub(e.lastAccess) > rl.config.MaxAge {
			delete(rl.entries, k)
		}
	}
}

// Len returns the current number of tracked keys.
func (rl *Limiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.entries)
}

// Config returns a copy of the current configuration.
func (rl *Limiter) Config() Config {
	return rl.config
}
