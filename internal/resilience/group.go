package resilience

import (
	"sync"
	"time"
)

// Group manages a set of named circuit breakers sharing the same
// threshold and timeout. Each model client role gets its own breaker so
// a misbehaving guard endpoint does not trip the orchestrator's circuit.
type Group struct {
	mu          sync.Mutex
	breakers    map[string]*Breaker
	maxFailures int
	timeout     time.Duration
}

// NewGroup creates a breaker group. New breakers are created lazily on
// first Get for a name.
func NewGroup(maxFailures int, timeout time.Duration) *Group {
	return &Group{
		breakers:    make(map[string]*Breaker),
		maxFailures: maxFailures,
		timeout:     timeout,
	}
}

// Get returns the breaker for the given name, creating it if needed.
func (g *Group) Get(name string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	b, ok := g.breakers[name]
	if !ok {
		b = NewBreaker(g.maxFailures, g.timeout)
		g.breakers[name] = b
	}
	return b
}

// States returns a snapshot of breaker states keyed by name.
func (g *Group) States() map[string]string {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make(map[string]string, len(g.breakers))
	for name, b := range g.breakers {
		out[name] = b.State()
	}
	return out
}
