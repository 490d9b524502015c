package local

import (
	"sync"

	"github.com/tillbook/tillbook/internal/record"
)

type partition struct {
	kind     record.Kind
	tenantID string
}

// hub fans out change signals per partition. Each subscriber channel has a
// buffer of one: signals arriving while one is pending are merged, so a slow
// reader costs the writer nothing.
type hub struct {
	mu   sync.Mutex
	subs map[partition]map[chan struct{}]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[partition]map[chan struct{}]struct{})}
}

func (h *hub) subscribe(p partition) chan struct{} {
	ch := make(chan struct{}, 1)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[p] == nil {
		h.subs[p] = make(map[chan struct{}]struct{})
	}
	h.subs[p][ch] = struct{}{}
	return ch
}

func (h *hub) unsubscribe(p partition, ch chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[p][ch]; !ok {
		return
	}
	delete(h.subs[p], ch)
	if len(h.subs[p]) == 0 {
		delete(h.subs, p)
	}
	close(ch)
}

func (h *hub) publish(kind record.Kind, tenantID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[partition{kind, tenantID}] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for p, set := range h.subs {
		for ch := range set {
			close(ch)
		}
		delete(h.subs, p)
	}
}

// Subscribe returns a channel that receives a signal after every committed
// mutation of the (kind, tenantID) partition, and a cancel func that releases
// it. Signals carry no payload; readers re-query the store. The channel is
// closed by cancel or when the store is closed.
func (s *Store) Subscribe(kind record.Kind, tenantID string) (<-chan struct{}, func()) {
	p := partition{kind, tenantID}
	ch := s.hub.subscribe(p)
	var once sync.Once
	return ch, func() {
		once.Do(func() { s.hub.unsubscribe(p, ch) })
	}
}
