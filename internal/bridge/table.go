package bridge

import (
	"fmt"
	"sync"

	"github.com/danmuck/netbridge/internal/errs"
)

var ErrInvalidHandle = errs.New(errs.InvalidHandle, "bridge: invalid handle")

// Handle is an opaque identifier for an object owned by a Table. Handles
// are never reused, so stale handles fail instead of aliasing.
type Handle uint64

// Table maps handles to live objects.
type Table[T any] struct {
	mu    sync.RWMutex
	next  Handle
	items map[Handle]T
}

func NewTable[T any]() *Table[T] {
	return &Table[T]{items: make(map[Handle]T)}
}

func (t *Table[T]) Insert(v T) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	t.items[t.next] = v
	return t.next
}

func (t *Table[T]) Get(h Handle) (T, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.items[h]
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %d", ErrInvalidHandle, h)
	}
	return v, nil
}

func (t *Table[T]) Remove(h Handle) (T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.items[h]
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %d", ErrInvalidHandle, h)
	}
	delete(t.items, h)
	return v, nil
}

func (t *Table[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.items)
}
