// Package dedup records relay ids that were already applied in this process.
package dedup

import (
	"container/list"
	"sync"
)

// DefaultCapacity is the number of ids remembered before the oldest is evicted.
const DefaultCapacity = 5000

// Ledger is a bounded FIFO set of ids. An id evicted by capacity and seen
// again is treated as new.
type Ledger struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	index    map[string]*list.Element
}

// NewLedger creates a ledger. A non-positive capacity selects DefaultCapacity.
func NewLedger(capacity int) *Ledger {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ledger{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element, capacity),
	}
}

// Seen reports whether id is currently recorded.
func (l *Ledger) Seen(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.index[id]
	return ok
}

// Mark records id. Marking a recorded id does not refresh its position.
func (l *Ledger) Mark(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.markLocked(id)
}

// Claim records id and reports whether the caller is the first to do so.
// Concurrent claims of the same id let exactly one caller through.
func (l *Ledger) Claim(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.index[id]; ok {
		return false
	}
	l.markLocked(id)
	return true
}

// Forget drops id so a later Claim succeeds again. Callers use it to
// release a claim whose work failed.
func (l *Ledger) Forget(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.index[id]; ok {
		l.order.Remove(el)
		delete(l.index, id)
	}
}

// Len returns the number of recorded ids.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.order.Len()
}

// Capacity returns the eviction threshold.
func (l *Ledger) Capacity() int {
	return l.capacity
}

func (l *Ledger) markLocked(id string) {
	if _, ok := l.index[id]; ok {
		return
	}
	l.index[id] = l.order.PushBack(id)
	for l.order.Len() > l.capacity {
		oldest := l.order.Front()
		l.order.Remove(oldest)
		delete(l.index, oldest.Value.(string))
	}
}
