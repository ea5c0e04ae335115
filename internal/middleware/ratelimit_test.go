package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

func newRateLimitRouter(t *testing.T, cfg RateLimitConfig) (*miniredis.Miniredis, *gin.Engine) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	r := gin.New()
	r.Use(RateLimitMiddleware(NewRateLimiter(rdb, cfg)))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })
	return mr, r
}

func TestRateLimit_AllowsWithinLimit(t *testing.T) {
	_, r := newRateLimitRouter(t, RateLimitConfig{RequestsPerMinute: 60, Burst: 10})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if w.Header().Get("X-RateLimit-Limit") != "60" {
		t.Errorf("X-RateLimit-Limit = %q, want 60", w.Header().Get("X-RateLimit-Limit"))
	}
	if w.Header().Get("X-RateLimit-Remaining") == "" {
		t.Error("X-RateLimit-Remaining not set")
	}
}

func TestRateLimit_BlocksPastBurst(t *testing.T) {
	// Tiny burst so the test trips the limiter quickly.
	_, r := newRateLimitRouter(t, RateLimitConfig{RequestsPerMinute: 1, Burst: 2})

	var blocked *httptest.ResponseRecorder
	for i := 0; i < 10; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
		if w.Code == http.StatusTooManyRequests {
			blocked = w
			break
		}
	}

	if blocked == nil {
		t.Fatal("limiter never returned 429 within 10 requests at burst 2")
	}
	if blocked.Header().Get("Retry-After") == "" {
		t.Error("429 response missing Retry-After header")
	}
}

func TestRateLimit_FailsOpenWhenRedisDown(t *testing.T) {
	mr, r := newRateLimitRouter(t, RateLimitConfig{RequestsPerMinute: 1, Burst: 1})
	mr.Close()

	// With Redis gone the limiter must admit traffic, not shed it.
	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200 (fail open)", i, w.Code)
		}
	}
}

func TestRateLimitConfigs(t *testing.T) {
	def := DefaultRateLimitConfig()
	if def.RequestsPerMinute != 300 || def.Burst != 60 {
		t.Errorf("DefaultRateLimitConfig = %+v, want 300/60", def)
	}

	admin := AdminRateLimitConfig()
	if admin.RequestsPerMinute != 60 || admin.Burst != 10 {
		t.Errorf("AdminRateLimitConfig = %+v, want 60/10", admin)
	}
	if admin.RequestsPerMinute >= def.RequestsPerMinute {
		t.Error("admin surface should be limited more strictly than the consumer surface")
	}
}
