package fabric

import (
	"sync"
	"sync/atomic"

	"github.com/mattjoyce/fabricgw/internal/controller"
)

// hub fans engine events out to subscribers. Publishing never blocks: a
// subscriber whose buffer is full misses the event.
type hub struct {
	buffer  int
	dropped atomic.Uint64

	mu     sync.Mutex
	subs   map[int]chan controller.Event
	nextID int
	closed bool
}

func newHub(buffer int) *hub {
	if buffer <= 0 {
		buffer = 128
	}
	return &hub{buffer: buffer, subs: make(map[int]chan controller.Event)}
}

func (h *hub) publish(ev controller.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *hub) subscribe() (<-chan controller.Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan controller.Event, h.buffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// close ends every subscription.
func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
