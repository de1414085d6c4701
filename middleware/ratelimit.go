package middleware

import (
	"container/list"
	"net/http"
	"sync"
	"time"

	"github.com/mnehpets/lineserve/endpoint"
	"github.com/mnehpets/lineserve/instrumentation"
	"github.com/mnehpets/lineserve/logging"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultMaxLimiters bounds the number of client addresses tracked at once.
const DefaultMaxLimiters = 10000

type limiterEntry struct {
	key        string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter keeps a token bucket per key with LRU eviction.
type RateLimiter struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	lru        *list.List
	limit      rate.Limit
	burst      int
	maxEntries int
	now        func() time.Time
}

// NewRateLimiter allows rps requests per second per key with the given
// burst. maxEntries <= 0 uses DefaultMaxLimiters.
func NewRateLimiter(rps float64, burst, maxEntries int) *RateLimiter {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxLimiters
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		entries:    make(map[string]*list.Element),
		lru:        list.New(),
		limit:      rate.Limit(rps),
		burst:      burst,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Allow reports whether a request for key may proceed now.
func (rl *RateLimiter) Allow(key string) bool {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, ok := rl.entries[key]; ok {
		rl.lru.MoveToFront(elem)
		e := elem.Value.(*limiterEntry)
		e.lastAccess = now
		return e.limiter.AllowN(now, 1)
	}

	if len(rl.entries) >= rl.maxEntries {
		if back := rl.lru.Back(); back != nil {
			delete(rl.entries, back.Value.(*limiterEntry).key)
			rl.lru.Remove(back)
		}
	}
	e := &limiterEntry{key: key, limiter: rate.NewLimiter(rl.limit, rl.burst), lastAccess: now}
	rl.entries[key] = rl.lru.PushFront(e)
	return e.limiter.AllowN(now, 1)
}

// Cleanup drops limiters idle for longer than maxIdle and returns how many
// were removed.
func (rl *RateLimiter) Cleanup(maxIdle time.Duration) int {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for elem := rl.lru.Back(); elem != nil; {
		e := elem.Value.(*limiterEntry)
		if now.Sub(e.lastAccess) <= maxIdle {
			break
		}
		prev := elem.Prev()
		delete(rl.entries, e.key)
		rl.lru.Remove(elem)
		removed++
		elem = prev
	}
	return removed
}

// Len returns the number of tracked keys.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.entries)
}

// RateLimitProcessor rejects requests with 429 once a client address
// exhausts its bucket. Route labels the metric.
type RateLimitProcessor struct {
	Limiter *RateLimiter
	Route   string
	Inst    *instrumentation.Instrumentation
	// ClientIP keys the limiter. The zero value uses the peer address only.
	ClientIP ClientIPResolver
}

// Process implements endpoint.Processor. A nil Limiter allows everything.
func (p *RateLimitProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	if p.Limiter == nil || p.Limiter.Allow(p.ClientIP.ClientIP(r)) {
		return next(w, r)
	}
	if p.Inst != nil {
		p.Inst.Metrics().RecordRateLimitExceeded(r.Context(), p.Route)
	}
	logging.FromContext(r.Context()).Warn("rate limit exceeded",
		zap.String("event", "rate_limited"), zap.String("route", p.Route))
	w.Header().Set("Retry-After", "1")
	return endpoint.Error(http.StatusTooManyRequests, "too many requests", nil)
}

var _ endpoint.Processor = (*RateLimitProcessor)(nil)
