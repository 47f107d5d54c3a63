package sanago

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// ============================================================================
// Event Emitter
// ============================================================================

// listeners is a registry of callbacks for one payload type. Callbacks run
// synchronously in registration order; a panicking callback is logged and
// skipped.
//
// Owners that snapshot state under their own lock publish with queue (while
// still holding that lock) followed by drain (after releasing it). Values
// then reach callbacks in the order they were queued, even when several
// goroutines publish at once.
type listeners[T any] struct {
	mu   sync.RWMutex
	next uint64
	fns  map[uint64]func(T)

	pendingMu sync.Mutex
	pending   []T
	draining  bool
}

// add registers fn and returns a function that removes it.
func (l *listeners[T]) add(fn func(T)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[uint64]func(T))
	}
	id := l.next
	l.next++
	l.fns[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.fns, id)
			l.mu.Unlock()
		})
	}
}

func (l *listeners[T]) emit(v T) {
	l.mu.RLock()
	ids := make([]uint64, 0, len(l.fns))
	for id := range l.fns {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(T), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, l.fns[id])
	}
	l.mu.RUnlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Warn().Interface("panic", r).Msg("listener panicked")
				}
			}()
			fn(v)
		}()
	}
}

// queue appends v to the delivery backlog. It never calls a callback, so it
// is safe under the owner's lock.
func (l *listeners[T]) queue(v T) {
	l.pendingMu.Lock()
	l.pending = append(l.pending, v)
	l.pendingMu.Unlock()
}

// drain delivers the backlog in order. When another goroutine is already
// draining, it returns at once and that goroutine delivers the rest.
func (l *listeners[T]) drain() {
	l.pendingMu.Lock()
	if l.draining {
		l.pendingMu.Unlock()
		return
	}
	l.draining = true
	for len(l.pending) > 0 {
		v := l.pending[0]
		var zero T
		l.pending[0] = zero
		l.pending = l.pending[1:]
		l.pendingMu.Unlock()
		l.emit(v)
		l.pendingMu.Lock()
	}
	l.pending = nil
	l.draining = false
	l.pendingMu.Unlock()
}

func (l *listeners[T]) removeAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fns = nil
}
