package refgraph

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Class groups requests that supersede each other.
type Class string

const (
	ClassList       Class = "list"
	ClassRelated    Class = "related"
	ClassEnrichment Class = "enrichment"
)

// SupersededRecorder counts requests cancelled by a newer one of the same
// class. *observability.Metrics satisfies it.
type SupersededRecorder interface {
	RecordSuperseded(class string)
}

type nopSuperseded struct{}

func (nopSuperseded) RecordSuperseded(string) {}

// Token identifies one active request.
type Token struct {
	ID    uuid.UUID
	Class Class
	Scope string

	cancel context.CancelFunc
}

type slot struct {
	scope string
	class Class
}

// Tracker keeps the current request per (scope, class). Beginning a request
// cancels the previous one in its slot, and results are applied only while
// their token is still current.
type Tracker struct {
	mu       sync.Mutex
	active   map[slot]*Token
	recorder SupersededRecorder
}

// NewTracker creates an empty tracker. rec may be nil.
func NewTracker(rec SupersededRecorder) *Tracker {
	if rec == nil {
		rec = nopSuperseded{}
	}
	return &Tracker{active: make(map[slot]*Token), recorder: rec}
}

// Begin registers a new request and returns its token and a context that is
// cancelled when the request is superseded or ended.
func (t *Tracker) Begin(ctx context.Context, scope string, class Class) (*Token, context.Context) {
	rctx, cancel := context.WithCancel(ctx)
	tok := &Token{ID: uuid.New(), Class: class, Scope: scope, cancel: cancel}

	t.mu.Lock()
	prev := t.active[slot{scope, class}]
	t.active[slot{scope, class}] = tok
	t.mu.Unlock()

	if prev != nil {
		prev.cancel()
		t.recorder.RecordSuperseded(string(class))
	}
	return tok, rctx
}

// Current reports whether tok is still the active request of its slot.
func (t *Tracker) Current(tok *Token) bool {
	if tok == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active[slot{tok.Scope, tok.Class}] == tok
}

// Guard runs fn while holding the tracker lock if tok is current, so no
// newer request can begin between the check and the mutation.
func (t *Tracker) Guard(tok *Token, fn func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active[slot{tok.Scope, tok.Class}] != tok {
		return false
	}
	fn()
	return true
}

// End releases tok's context and clears its slot if it is still current.
func (t *Tracker) End(tok *Token) {
	t.mu.Lock()
	if t.active[slot{tok.Scope, tok.Class}] == tok {
		delete(t.active, slot{tok.Scope, tok.Class})
	}
	t.mu.Unlock()
	tok.cancel()
}

// Cancel aborts the active request of a slot, if any.
func (t *Tracker) Cancel(scope string, class Class) bool {
	t.mu.Lock()
	tok := t.active[slot{scope, class}]
	delete(t.active, slot{scope, class})
	t.mu.Unlock()
	if tok == nil {
		return false
	}
	tok.cancel()
	return true
}

// CancelAll aborts every active request.
func (t *Tracker) CancelAll() {
	t.mu.Lock()
	active := t.active
	t.active = make(map[slot]*Token)
	t.mu.Unlock()
	for _, tok := range active {
		tok.cancel()
	}
}

// Active returns the number of requests in flight.
func (t *Tracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}
