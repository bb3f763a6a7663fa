package httpx

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

const rateSweepInterval = 5 * time.Minute

// ratePolicy is a request budget shared by the routes that name it.
type ratePolicy struct {
	name   string
	limit  int
	window time.Duration
}

var (
	policyRead   = ratePolicy{name: "read", limit: 120, window: time.Minute}
	policyStream = ratePolicy{name: "stream", limit: 30, window: 30 * time.Second}
	policyQueue  = ratePolicy{name: "queue_admin", limit: 30, window: time.Minute}
)

func (r *Router) deployPolicy() ratePolicy {
	return ratePolicy{name: "deploy", limit: r.opts.DeployRateLimit, window: time.Minute}
}

// RateLimiter counts requests per key inside fixed windows.
type RateLimiter interface {
	Allow(key string, limit int, window time.Duration) rateDecision
	Close()
}

type rateDecision struct {
	allowed bool
	count   int
	resetAt time.Time
}

func (d rateDecision) remaining(limit int) int {
	return max(limit-d.count, 0)
}

type memoryRateLimiter struct {
	mu      sync.Mutex
	windows map[string]*fixedWindow
	stop    chan struct{}
	once    sync.Once
	now     func() time.Time
}

type fixedWindow struct {
	count   int
	resetAt time.Time
}

// NewMemoryRateLimiter returns a limiter local to this process.
func NewMemoryRateLimiter() RateLimiter {
	rl := &memoryRateLimiter{
		windows: make(map[string]*fixedWindow),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	go rl.sweep()
	return rl
}

func (rl *memoryRateLimiter) Allow(key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &fixedWindow{resetAt: now.Add(window)}
		rl.windows[key] = w
	}
	// Rejected requests do not count against the next caller.
	if w.count >= limit {
		return rateDecision{count: w.count, resetAt: w.resetAt}
	}
	w.count++
	return rateDecision{allowed: true, count: w.count, resetAt: w.resetAt}
}

func (rl *memoryRateLimiter) sweep() {
	ticker := time.NewTicker(rateSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			now := rl.now()
			rl.mu.Lock()
			for key, w := range rl.windows {
				if !now.Before(w.resetAt) {
					delete(rl.windows, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}

func (rl *memoryRateLimiter) Close() {
	rl.once.Do(func() { close(rl.stop) })
}

// withRateLimit charges each request to the policy's budget for its caller. Callers are
// told apart by owner when the route resolved one, otherwise by client address.
func (r *Router) withRateLimit(policy ratePolicy, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if policy.limit <= 0 || r.limiter == nil {
			next(w, req)
			return
		}
		key, scope := rateKey(req)
		decision := r.limiter.Allow(policy.name+"|"+key, policy.limit, policy.window)
		writeRateHeaders(w, policy, decision)
		if !decision.allowed {
			r.metrics.rateLimitedRequest(policy.name, scope)
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded for "+policy.name)
			return
		}
		next(w, req)
	}
}

// rateKey returns the budget key for the caller and whether it is an owner or an address.
func rateKey(req *http.Request) (key, scope string) {
	if owner := ownerFromContext(req.Context()); owner != "" {
		return "owner:" + owner, "owner"
	}
	ip := clientIP(req)
	if ip == "" {
		ip = "unknown"
	}
	return "ip:" + ip, "ip"
}

func writeRateHeaders(w http.ResponseWriter, policy ratePolicy, d rateDecision) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(policy.limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.remaining(policy.limit)))
	if d.resetAt.IsZero() {
		return
	}
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.resetAt.Unix(), 10))
	if !d.allowed {
		wait := int(time.Until(d.resetAt).Seconds() + 0.5)
		h.Set("Retry-After", strconv.Itoa(max(wait, 1)))
	}
}
