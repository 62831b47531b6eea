package events

import (
	"database/sql"
	"sync"
)

// Event is the in-process fanout payload mirrored from an events row.
type Event struct {
	TS        string       `json:"ts"`
	Type      string       `json:"type"`
	BatchID   string       `json:"batch_id,omitempty"`
	PhaseName string       `json:"phase_name,omitempty"`
	ActorID   string       `json:"actor_id"`
	Payload   EventPayload `json:"payload,omitempty"`
}

// Handler receives published events.
type Handler func(e Event)

// Bus is a simple in-memory pub/sub fanout for live consumers
// (websocket feed, dashboards). Handlers run on their own goroutine so
// a slow consumer cannot stall a command.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]Handler

	stagedMu sync.Mutex
	staged   map[*sql.Tx][]Event
}

func NewBus() *Bus {
	return &Bus{handlers: map[int]Handler{}, staged: map[*sql.Tx][]Event{}}
}

// Subscribe registers a handler and returns its unsubscribe func.
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, id)
	}
}

func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, h := range b.handlers {
		go h(e)
	}
}

// stage parks an event under its transaction. It is only delivered by
// flush after the transaction committed; discard drops it on rollback.
func (b *Bus) stage(tx *sql.Tx, e Event) {
	b.stagedMu.Lock()
	defer b.stagedMu.Unlock()
	b.staged[tx] = append(b.staged[tx], e)
}

func (b *Bus) flush(tx *sql.Tx) {
	b.stagedMu.Lock()
	staged := b.staged[tx]
	delete(b.staged, tx)
	b.stagedMu.Unlock()
	for _, e := range staged {
		b.Publish(e)
	}
}

func (b *Bus) discard(tx *sql.Tx) {
	b.stagedMu.Lock()
	defer b.stagedMu.Unlock()
	delete(b.staged, tx)
}
