package papersources

import (
	"sync"
)

// Status describes the fetcher's current throttling state.
type Status struct {
	IsThrottling bool `json:"is_throttling"`
	QueuedCount  int  `json:"queued_count"`
	InFlight     int  `json:"in_flight"`
}

// statusHub fans status changes out to subscribers. Each subscriber holds
// a one-element channel that always carries the latest value, so slow
// readers skip intermediate states instead of blocking publishers.
type statusHub struct {
	mu       sync.Mutex
	snapshot func() Status
	last     Status
	nextID   int
	subs     map[int]chan Status
}

func newStatusHub(snapshot func() Status) *statusHub {
	return &statusHub{
		snapshot: snapshot,
		subs:     make(map[int]chan Status),
	}
}

// publish samples the current status and delivers it if it changed.
func (h *statusHub) publish() {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.snapshot()
	if s == h.last {
		return
	}
	h.last = s
	for _, ch := range h.subs {
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
}

func (h *statusHub) current() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}

// subscribe returns a channel primed with the current status and a function
// that unsubscribes and closes it. The function may be called repeatedly.
func (h *statusHub) subscribe() (<-chan Status, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan Status, 1)
	ch <- h.last
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs, id)
			close(ch)
		})
	}
}
