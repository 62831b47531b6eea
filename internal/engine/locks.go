package engine

import "sync"

// batchLocks serializes commands per batch. SQLite serializes writers
// globally, but read-check-write sequences inside a command still need
// a batch-level critical section.
type batchLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newBatchLocks() *batchLocks {
	return &batchLocks{locks: map[string]*sync.Mutex{}}
}

func (b *batchLocks) lock(batchID string) func() {
	b.mu.Lock()
	m, ok := b.locks[batchID]
	if !ok {
		m = &sync.Mutex{}
		b.locks[batchID] = m
	}
	b.mu.Unlock()
	m.Lock()
	return m.Unlock
}
