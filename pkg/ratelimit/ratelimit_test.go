package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestDefaultIngressConfig(t *testing.T) {
	cfg := DefaultIngressConfig()
	assert.Equal(t, float64(50), cfg.Rate)
	assert.Equal(t, 100, cfg.Burst)
	assert.Equal(t, time.Minute, cfg.CleanupInterval)
	assert.Equal(t, 5*time.Minute, cfg.MaxAge)
}

func TestNew(t *testing.T) {
	t.Run("creates limiter with config", func(t *testing.T) {
		rl := New(Config{Rate: 10, Burst: 20, CleanupInterval: time.Second, MaxAge: time.Minute})
		defer rl.Stop()

		assert.Equal(t, float64(10), rl.Config().Rate)
		assert.Equal(t, 20, rl.Config().Burst)
	})

	t.Run("applies cleanup defaults", func(t *testing.T) {
		rl := New(Config{Rate: 10, Burst: 20})
		defer rl.Stop()

		assert.Equal(t, time.Minute, rl.Config().CleanupInterval)
		assert.Equal(t, 5*time.Minute, rl.Config().MaxAge)
	})
}

func TestAllow(t *testing.T) {
	t.Run("allows requests within burst limit", func(t *testing.T) {
		rl := New(Config{Rate: 1, Burst: 5, CleanupInterval: time.Hour, MaxAge: time.Hour})
		defer rl.Stop()

		for i := 0; i < 5; i++ {
			assert.True(t, rl.Allow("192.168.1.1"), "request %d should be allowed", i)
		}
		assert.False(t, rl.Allow("192.168.1.1"), "request over burst should be denied")
	})

	t.Run("keys are independent", func(t *testing.T) {
		rl := New(Config{Rate: 1, Burst: 1, CleanupInterval: time.Hour, MaxAge: time.Hour})
		defer rl.Stop()

		assert.True(t, rl.Allow("a"))
		assert.False(t, rl.Allow("a"))
		assert.True(t, rl.Allow("b"))
		assert.Equal(t, 2, rl.Len())
	})

	t.Run("safe for concurrent use", func(t *testing.T) {
		rl := New(Config{Rate: 1000, Burst: 1000, CleanupInterval: time.Hour, MaxAge: time.Hour})
		defer rl.Stop()

		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				rl.Allow("shared")
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, rl.Len())
	})
}

func TestEvict(t *testing.T) {
	rl := New(Config{Rate: 1, Burst: 1, CleanupInterval: time.Hour, MaxAge: time.Minute})
	defer rl.Stop()

	rl.Allow("stale")
	require.Equal(t, 1, rl.Len())

	rl.evict(time.Now())
	assert.Equal(t, 1, rl.Len(), "recent entry must survive")

	rl.evict(time.Now().Add(2 * time.Minute))
	assert.Equal(t, 0, rl.Len())
}

func TestMiddleware(t *testing.T) {
	rl := NewKeyed(Config{Rate: 1, Burst: 2, CleanupInterval: time.Hour, MaxAge: time.Hour}, func(c *gin.Context) string {
		return c.GetHeader("X-Producer")
	})
	defer rl.Stop()

	r := gin.New()
	r.Use(rl.Middleware())
	r.POST("/api/v1/audit-events", func(c *gin.Context) { c.Status(http.StatusCreated) })

	send := func(producer string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/audit-events", nil)
		req.Header.Set("X-Producer", producer)
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusCreated, send("p1").Code)
	assert.Equal(t, http.StatusCreated, send("p1").Code)

	w := send("p1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "Rate limit exceeded")

	assert.Equal(t, http.StatusCreated, send("p2").Code)
}

func TestStopIsIdempotent(t *testing.T) {
	rl := New(DefaultIngressConfig())
	rl.Stop()
	rl.Stop()
}
