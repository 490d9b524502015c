package syncer

import (
	"sync"

	"github.com/tillbook/tillbook/internal/record"
)

type key struct {
	tenantID string
	kind     record.Kind
}

// gate admits one session per key. A request that arrives while a session
// is running marks the key pending; the running session then performs one
// trailing pass no matter how many requests arrived.
type gate struct {
	mu      sync.Mutex
	flights map[key]bool // running key -> pending
}

func newGate() *gate {
	return &gate{flights: make(map[key]bool)}
}

// acquire returns true if the caller should run the session.
func (g *gate) acquire(k key) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, running := g.flights[k]; running {
		g.flights[k] = true
		return false
	}
	g.flights[k] = false
	return true
}

// next consumes the pending mark. It returns false, releasing the key, when
// nothing is pending or stop is set.
func (g *gate) next(k key, stop bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.flights[k] && !stop {
		g.flights[k] = false
		return true
	}
	delete(g.flights, k)
	return false
}

func (g *gate) running(k key) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.flights[k]
	return ok
}
