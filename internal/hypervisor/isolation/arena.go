package isolation

import (
	"sync"

	apperrors "apexhv/pkg/errors"
)

// arena stores per-partition runtimes in fixed slots. Each spawn into a slot
// bumps its generation, invalidating older handles.
type arena[T any] struct {
	mu     sync.RWMutex
	slots  []arenaSlot[T]
	byName map[string]int
}

type arenaSlot[T any] struct {
	name       string
	generation uint64
	value      T
	live       bool
}

func newArena[T any]() *arena[T] {
	return &arena[T]{byName: make(map[string]int)}
}

// insert stores value for name and returns its new handle.
func (a *arena[T]) insert(name string, value T) Handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx, ok := a.byName[name]
	if !ok {
		idx = len(a.slots)
		a.slots = append(a.slots, arenaSlot[T]{name: name})
		a.byName[name] = idx
	}
	slot := &a.slots[idx]
	slot.generation++
	slot.value = value
	slot.live = true
	return Handle{Index: idx, Generation: slot.generation}
}

// get returns the value for h if h is the current live incarnation.
func (a *arena[T]) get(h Handle) (T, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var zero T
	if h.Index < 0 || h.Index >= len(a.slots) {
		return zero, apperrors.Newf(apperrors.HandleInvalid, "unknown handle index %d", h.Index)
	}
	slot := a.slots[h.Index]
	if !slot.live || slot.generation != h.Generation {
		return zero, apperrors.Newf(apperrors.HandleInvalid, "stale handle for %s (generation %d, current %d)",
			slot.name, h.Generation, slot.generation)
	}
	return slot.value, nil
}

// release marks h dead. Releasing a stale handle is a no-op.
func (a *arena[T]) release(h Handle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if h.Index < 0 || h.Index >= len(a.slots) {
		return
	}
	slot := &a.slots[h.Index]
	if slot.generation == h.Generation {
		slot.live = false
		var zero T
		slot.value = zero
	}
}

// live returns handles of every live slot.
func (a *arena[T]) live() []Handle {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []Handle
	for i, s := range a.slots {
		if s.live {
			out = append(out, Handle{Index: i, Generation: s.generation})
		}
	}
	return out
}
