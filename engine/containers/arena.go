package containers

import "fmt"

// Handle addresses a slot in an Arena. The low 32 bits are the slot index,
// the high 32 bits the generation the slot had when the handle was issued.
// The zero Handle is never issued.
type Handle uint64

func makeHandle(index, generation uint32) Handle {
	return Handle(uint64(generation)<<32 | uint64(index))
}

func (h Handle) Index() uint32      { return uint32(h) }
func (h Handle) Generation() uint32 { return uint32(h >> 32) }
func (h Handle) IsNil() bool        { return h == 0 }

func (h Handle) String() string {
	return fmt.Sprintf("%d@%d", h.Index(), h.Generation())
}

type arenaSlot[T any] struct {
	value      T
	generation uint32
	live       bool
}

// Arena is a dense slot array with generation checked handles. Removing an
// entry bumps the slot generation so stale handles stop resolving. Freed
// slots are reused only when ReuseSlots is set.
type Arena[T any] struct {
	slots      []arenaSlot[T]
	free       []uint32
	live       int
	ReuseSlots bool
}

func NewArena[T any]() *Arena[T] {
	return &Arena[T]{}
}

// Insert stores v and returns its handle.
func (a *Arena[T]) Insert(v T) Handle {
	if a.ReuseSlots && len(a.free) > 0 {
		idx := a.free[len(a.free)-1]
		a.free = a.free[:len(a.free)-1]
		s := &a.slots[idx]
		s.value = v
		s.live = true
		a.live++
		return makeHandle(idx, s.generation)
	}
	idx := uint32(len(a.slots))
	a.slots = append(a.slots, arenaSlot[T]{value: v, generation: 1, live: true})
	a.live++
	return makeHandle(idx, 1)
}

// Get returns a pointer to the value stored for h, or nil when h is stale.
// The pointer is invalidated by the next Insert.
func (a *Arena[T]) Get(h Handle) *T {
	idx := h.Index()
	if h.IsNil() || int(idx) >= len(a.slots) {
		return nil
	}
	s := &a.slots[idx]
	if !s.live || s.generation != h.Generation() {
		return nil
	}
	return &s.value
}

func (a *Arena[T]) Contains(h Handle) bool {
	return a.Get(h) != nil
}

// Remove frees the slot addressed by h. It reports false for stale handles.
func (a *Arena[T]) Remove(h Handle) bool {
	if a.Get(h) == nil {
		return false
	}
	idx := h.Index()
	s := &a.slots[idx]
	var zero T
	s.value = zero
	s.live = false
	s.generation++
	a.live--
	a.free = append(a.free, idx)
	return true
}

// Len returns the number of live entries.
func (a *Arena[T]) Len() int {
	return a.live
}

// Cap returns the number of slots ever allocated, live or not.
func (a *Arena[T]) Cap() int {
	return len(a.slots)
}

// Each calls fn for every live entry in slot order.
func (a *Arena[T]) Each(fn func(Handle, *T)) {
	for i := range a.slots {
		s := &a.slots[i]
		if s.live {
			fn(makeHandle(uint32(i), s.generation), &s.value)
		}
	}
}
