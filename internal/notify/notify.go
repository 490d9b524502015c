// Package notify carries "kind changed" hints between devices of a tenant so
// they can pull without waiting for their next scheduled sync.
//
// Hints are best effort. A lost message only delays convergence until the
// next periodic pull.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tillbook/tillbook/internal/record"
)

// Change announces that a device pushed records of Kind.
type Change struct {
	Kind   record.Kind `json:"kind"`
	Device string      `json:"device"`
}

// Feed publishes and receives changes per tenant.
type Feed interface {
	Publish(ctx context.Context, tenantID string, c Change) error
	// Subscribe delivers changes until ctx ends, then closes the channel.
	Subscribe(ctx context.Context, tenantID string) (<-chan Change, error)
	Close() error
}

// Channel returns the pub/sub channel name of a tenant.
func Channel(tenantID string) string {
	return "tillbook:changes:" + tenantID
}

func encode(c Change) ([]byte, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode change: %w", err)
	}
	return b, nil
}

func decode(payload []byte) (Change, error) {
	var c Change
	if err := json.Unmarshal(payload, &c); err != nil {
		return Change{}, fmt.Errorf("decode change: %w", err)
	}
	if c.Kind == "" {
		return Change{}, fmt.Errorf("decode change: missing kind")
	}
	return c, nil
}

// Bus is an in-process Feed.
type Bus struct {
	mu     sync.Mutex
	subs   map[string]map[chan Change]struct{}
	closed bool
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[chan Change]struct{})}
}

// Publish implements Feed. Slow subscribers miss messages.
func (b *Bus) Publish(_ context.Context, tenantID string, c Change) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[tenantID] {
		select {
		case ch <- c:
		default:
		}
	}
	return nil
}

// Subscribe implements Feed.
func (b *Bus) Subscribe(ctx context.Context, tenantID string) (<-chan Change, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("bus closed")
	}

	ch := make(chan Change, 16)
	if b.subs[tenantID] == nil {
		b.subs[tenantID] = make(map[chan Change]struct{})
	}
	b.subs[tenantID][ch] = struct{}{}

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[tenantID][ch]; ok {
			delete(b.subs[tenantID], ch)
			close(ch)
		}
	}()
	return ch, nil
}

// Close implements Feed; every subscription channel is closed.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for tenantID, set := range b.subs {
		for ch := range set {
			close(ch)
		}
		delete(b.subs, tenantID)
	}
	return nil
}
