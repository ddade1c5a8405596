package papersources

import (
	"container/list"
	"context"
	"sync"
)

// Gate bounds the number of concurrent requests. Callers that cannot enter
// immediately wait in strict arrival order; a released slot is handed to
// the oldest waiter, so later arrivals can never overtake it.
type Gate struct {
	mu       sync.Mutex
	limit    int
	active   int
	waiters  list.List // of chan struct{}
	onChange func(queued, active int)
}

// NewGate creates a gate admitting limit concurrent holders. onChange, if
// set, is called with the new occupancy while the gate lock is held and
// must not block or call back into the gate.
func NewGate(limit int, onChange func(queued, active int)) *Gate {
	if limit < 1 {
		limit = 1
	}
	return &Gate{limit: limit, onChange: onChange}
}

// Acquire waits for a slot. On cancellation the caller leaves the queue and
// ctx.Err() is returned; a slot granted concurrently is passed on.
func (g *Gate) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	g.mu.Lock()
	if g.active < g.limit && g.waiters.Len() == 0 {
		g.active++
		g.changed()
		g.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	el := g.waiters.PushBack(ready)
	g.changed()
	g.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		g.mu.Lock()
		select {
		case <-ready:
			g.mu.Unlock()
			g.Release()
		default:
			g.waiters.Remove(el)
			g.changed()
			g.mu.Unlock()
		}
		return ctx.Err()
	}
}

// Release returns a slot, handing it to the oldest waiter if there is one.
func (g *Gate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if front := g.waiters.Front(); front != nil {
		g.waiters.Remove(front)
		close(front.Value.(chan struct{}))
	} else if g.active > 0 {
		g.active--
	}
	g.changed()
}

// Occupancy returns the number of queued callers and slot holders.
func (g *Gate) Occupancy() (queued, active int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.waiters.Len(), g.active
}

func (g *Gate) changed() {
	if g.onChange != nil {
		g.onChange(g.waiters.Len(), g.active)
	}
}
