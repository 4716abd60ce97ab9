package middleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// maxTrackedClients bounds the throttle table. Past this point new clients
// are refused outright rather than admitted untracked.
const maxTrackedClients = 1 << 16

// RateLimiter throttles requests per client address with a token bucket.
// The session and decision endpoints are cheap to hammer and expensive to
// serve (each Advance can drive model calls), so the limiter sits in front
// of the whole API surface.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     float64 // sustained tokens per second
	burst    float64
	capacity int
	now      func() time.Time // for testing
}

type visitor struct {
	tokens   float64
	refilled time.Time
	seen     time.Time
}

// NewRateLimiter returns a limiter that admits perSecond sustained requests
// per client with the given burst headroom.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		visitors: make(map[string]*visitor),
		rate:     perSecond,
		burst:    float64(burst),
		capacity: maxTrackedClients,
		now:      time.Now,
	}
}

// Handler wraps next with the throttle. Rejected requests get a 429 with a
// Retry-After hint in whole seconds.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v := rl.take(clientKey(r))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(v.remaining))
		if !v.allowed {
			w.Header().Set("Retry-After", strconv.Itoa(v.retryAfter))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"too many requests"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type verdict struct {
	allowed    bool
	remaining  int
	retryAfter int
}

// take spends one token for the client, refilling the bucket lazily from
// the time elapsed since the last request.
func (rl *RateLimiter) take(key string) verdict {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	v, ok := rl.visitors[key]
	if !ok {
		if len(rl.visitors) >= rl.capacity {
			// Refusing is safer than letting unknown clients through
			// unthrottled while the table is full.
			return verdict{retryAfter: wholeSeconds(1 / rl.rate)}
		}
		v = &visitor{tokens: rl.burst, refilled: now}
		rl.visitors[key] = v
	}
	v.seen = now

	elapsed := now.Sub(v.refilled).Seconds()
	v.tokens = math.Min(rl.burst, v.tokens+elapsed*rl.rate)
	v.refilled = now

	if v.tokens < 1 {
		return verdict{retryAfter: wholeSeconds((1 - v.tokens) / rl.rate)}
	}
	v.tokens--
	return verdict{allowed: true, remaining: int(v.tokens)}
}

func wholeSeconds(s float64) int {
	return int(math.Ceil(s))
}

// StartCleanup sweeps idle visitors every interval so one-off clients do not
// pin table entries forever. The returned func stops the sweeper.
func (rl *RateLimiter) StartCleanup(interval, maxIdle time.Duration) func() {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.sweep(maxIdle)
			}
		}
	}()
	return cancel
}

func (rl *RateLimiter) sweep(maxIdle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-maxIdle)
	for key, v := range rl.visitors {
		if v.seen.Before(cutoff) {
			delete(rl.visitors, key)
		}
	}
}

// Len reports how many clients are currently tracked.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.visitors)
}

// clientKey identifies the caller by RemoteAddr. No forwarding headers are
// read here; behind a trusted proxy the RealIP middleware rewrites
// RemoteAddr before the limiter runs, and everywhere else those headers are
// caller-controlled and would let a client rotate identities at will.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
