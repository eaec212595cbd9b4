package hostfunc

import (
	"sort"
	"sync"
)

// Registration is a pending continuation: the function to call and the
// opaque context it gets back.
type Registration[T any] struct {
	Fn       func(T, uint32)
	Userdata uint32
}

// Registry maps registration ids to pending continuations. Entries are
// added when an operation starts and removed by the single Fire that
// completes it.
type Registry[T any] struct {
	mu   sync.RWMutex
	next uint64
	regs map[uint64]Registration[T]
}

func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{regs: make(map[uint64]Registration[T])}
}

func (r *Registry[T]) Register(fn func(T, uint32), userdata uint32) uint64 {
	r.mu.Lock()
	r.next++
	id := r.next
	r.regs[id] = Registration[T]{Fn: fn, Userdata: userdata}
	r.mu.Unlock()
	return id
}

// Take removes and returns the registration for id.
func (r *Registry[T]) Take(id uint64) (Registration[T], bool) {
	r.mu.Lock()
	reg, ok := r.regs[id]
	if ok {
		delete(r.regs, id)
	}
	r.mu.Unlock()
	return reg, ok
}

// Fire invokes the registration for id with v. It returns false when id was
// never registered or has already fired.
func (r *Registry[T]) Fire(id uint64, v T) bool {
	reg, ok := r.Take(id)
	if !ok {
		return false
	}
	if reg.Fn != nil {
		reg.Fn(v, reg.Userdata)
	}
	return true
}

func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.regs)
}

// List returns the ids still waiting to fire, oldest first.
func (r *Registry[T]) List() []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]uint64, 0, len(r.regs))
	for id := range r.regs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
