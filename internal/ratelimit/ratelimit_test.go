package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/chanescrow/internal/auth"
)

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newLimiter(t *testing.T, rpm, burst int) (*Limiter, *manualClock) {
	t.Helper()
	clock := &manualClock{t: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	l := New(Config{RequestsPerMinute: rpm, BurstSize: burst, CleanupInterval: time.Hour}).WithClock(clock.now)
	t.Cleanup(l.Stop)
	return l, clock
}

func TestLimiterAllow(t *testing.T) {
	l, clock := newLimiter(t, 60, 5)

	for i := 0; i < 5; i++ {
		if !l.Allow("k") {
			t.Fatalf("request %d should be allowed (within burst)", i)
		}
	}
	if l.Allow("k") {
		t.Fatal("request after burst should be denied")
	}

	clock.advance(time.Second)
	if !l.Allow("k") {
		t.Error("one token should refill after a second at 60/min")
	}
	if l.Allow("k") {
		t.Error("only one token should have refilled")
	}
}

func TestLimiterSeparateKeys(t *testing.T) {
	l, _ := newLimiter(t, 60, 2)
	l.Allow("a")
	l.Allow("a")
	if l.Allow("a") {
		t.Error("a should be limited")
	}
	if !l.Allow("b") {
		t.Error("b should not share a's bucket")
	}
}

func TestLimiterRefillCapsAtBurst(t *testing.T) {
	l, clock := newLimiter(t, 600, 3)
	l.Allow("k")
	clock.advance(time.Hour)
	for i := 0; i < 3; i++ {
		if !l.Allow("k") {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if l.Allow("k") {
		t.Error("refill must cap at burst size")
	}
}

func TestLimiterPrune(t *testing.T) {
	l, clock := newLimiter(t, 60, 1)
	l.Allow("k")
	clock.advance(3 * time.Minute)
	l.prune()
	l.mu.Lock()
	n := len(l.buckets)
	l.mu.Unlock()
	if n != 0 {
		t.Errorf("buckets = %d after prune, want 0", n)
	}
}

func TestMiddlewareKeysByUser(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l, _ := newLimiter(t, 60, 1)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		if u := c.GetHeader("X-Test-User"); u != "" {
			c.Set(auth.ContextKeyUserID, u)
		}
		c.Next()
	}, l.Middleware())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(user string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if user != "" {
			req.Header.Set("X-Test-User", user)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	if do("alice") != http.StatusOK {
		t.Fatal("first alice request should pass")
	}
	if code := do("alice"); code != http.StatusTooManyRequests {
		t.Fatalf("second alice request = %d, want 429", code)
	}
	if do("bob") != http.StatusOK {
		t.Error("bob has a separate bucket")
	}
	if do("") != http.StatusOK {
		t.Error("anonymous callers are keyed by IP")
	}
}
