package httpx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

func TestMemoryRateLimiterWindow(t *testing.T) {
	rl := NewMemoryRateLimiter()
	defer rl.Close()

	for i := 0; i < 2; i++ {
		if d := rl.Allow("ip:1.2.3.4", 2, time.Minute); !d.allowed {
			t.Fatalf("request %d unexpectedly denied", i)
		}
	}
	d := rl.Allow("ip:1.2.3.4", 2, time.Minute)
	if d.allowed || d.count != 2 {
		t.Fatalf("expected denial at count 2, got %+v", d)
	}
	if !rl.Allow("ip:5.6.7.8", 2, time.Minute).allowed {
		t.Fatal("expected separate key to be allowed")
	}
	if !rl.Allow("ip:1.2.3.4", 0, time.Minute).allowed {
		t.Fatal("expected zero limit to disable limiting")
	}
}

func TestRedisRateLimiterSharesCounter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	rl, err := NewRedisRateLimiter(context.Background(), client, testLogger())
	if err != nil {
		t.Fatalf("NewRedisRateLimiter: %v", err)
	}
	if d := rl.Allow("owner:a", 1, time.Minute); !d.allowed {
		t.Fatalf("first request denied: %+v", d)
	}
	d := rl.Allow("owner:a", 1, time.Minute)
	if d.allowed || d.count != 2 {
		t.Fatalf("expected second request denied, got %+v", d)
	}
	if ttl := mr.TTL(redisRateLimitPrefix + "owner:a"); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("expected window ttl, got %s", ttl)
	}
}

func TestRateKeyPrefersOwner(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/deployment/history/brave-otter", nil)
	req.RemoteAddr = "10.0.0.7:5123"
	if key, scope := rateKey(req); key != "ip:10.0.0.7" || scope != "ip" {
		t.Fatalf("expected address key, got %q %q", key, scope)
	}

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if key, _ := rateKey(req); key != "ip:203.0.113.9" {
		t.Fatalf("expected forwarded address key, got %q", key)
	}

	owned := req.WithContext(context.WithValue(req.Context(), contextKeyOwner, "owner-9"))
	if key, scope := rateKey(owned); key != "owner:owner-9" || scope != "owner" {
		t.Fatalf("expected owner key, got %q %q", key, scope)
	}
}

func TestWriteRateHeadersOnRejection(t *testing.T) {
	rec := httptest.NewRecorder()
	policy := ratePolicy{name: "deploy", limit: 2, window: time.Minute}
	writeRateHeaders(rec, policy, rateDecision{count: 2, resetAt: time.Now().Add(30 * time.Second)})

	if got := rec.Header().Get("X-RateLimit-Limit"); got != "2" {
		t.Fatalf("unexpected limit header %q", got)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Fatalf("unexpected remaining header %q", got)
	}
	retry, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	if err != nil || retry < 1 || retry > 30 {
		t.Fatalf("unexpected Retry-After %q", rec.Header().Get("Retry-After"))
	}
}

func TestRouteLabelDropsMethod(t *testing.T) {
	cases := map[string]string{
		"GET /logs/{slug}/stream":      "/logs/{slug}/stream",
		"POST /queue/failed/{id}/retry": "/queue/failed/{id}/retry",
		"/healthz":                      "/healthz",
	}
	for in, want := range cases {
		if got := routeLabel(in); got != want {
			t.Fatalf("routeLabel(%q) = %q, want %q", in, got, want)
		}
	}
}
