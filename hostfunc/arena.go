package hostfunc

import "sync"

// Arena is an in-process Memory with a bump allocator. It lets Go code
// drive the transfer protocol without a guest.
type Arena struct {
	mu  sync.Mutex
	buf []byte
}

func NewArena() *Arena {
	// offset 0 stays reserved as the null pointer
	return &Arena{buf: make([]byte, 8, 4096)}
}

// Alloc has the PreAllocFunc signature.
func (a *Arena) Alloc(n uint32, _ uint32) (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ptr := uint32(len(a.buf))
	a.buf = append(a.buf, make([]byte, n)...)
	return ptr, nil
}

func (a *Arena) Write(offset uint32, v []byte) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	end := uint64(offset) + uint64(len(v))
	if end > uint64(len(a.buf)) {
		return false
	}
	copy(a.buf[offset:], v)
	return true
}

// Read returns a copy of n bytes at offset.
func (a *Arena) Read(offset, n uint32) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	end := uint64(offset) + uint64(n)
	if end > uint64(len(a.buf)) {
		return nil, false
	}
	out := make([]byte, n)
	copy(out, a.buf[offset:end])
	return out, true
}

// Reset frees everything allocated so far.
func (a *Arena) Reset() {
	a.mu.Lock()
	a.buf = a.buf[:8]
	a.mu.Unlock()
}
