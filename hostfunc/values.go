package hostfunc

import (
	"bytes"
	"io"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Handle is an opaque guest-visible token for a host-resident value.
// The zero Handle is never issued.
type Handle uint32

// InvalidHandle is returned where no value could be produced.
const InvalidHandle Handle = 0

// Values is the host-side table behind handles. Each handle has a single
// owner; there is no reference counting.
type Values struct {
	mu      sync.RWMutex
	entries []valueEntry
	free    []Handle
	globals map[string]any
	log     *zap.Logger
}

type valueEntry struct {
	value any
	valid bool
}

// Source is a value whose bytes can be transferred to the guest.
type Source interface {
	Reader() io.Reader
}

// Bytes is a byte-string value owned by the handle table.
type Bytes []byte

func (b Bytes) Reader() io.Reader { return bytes.NewReader(b) }

func NewValues(log *zap.Logger) *Values {
	if log == nil {
		log = Logger()
	}
	return &Values{
		entries: make([]valueEntry, 0, 64),
		free:    make([]Handle, 0, 16),
		globals: make(map[string]any),
		log:     log,
	}
}

// Create stores value and returns a fresh handle for it.
func (v *Values) Create(value any) Handle {
	v.mu.Lock()
	defer v.mu.Unlock()

	e := valueEntry{value: value, valid: true}
	if n := len(v.free); n > 0 {
		h := v.free[n-1]
		v.free = v.free[:n-1]
		v.entries[h-1] = e
		return h
	}
	v.entries = append(v.entries, e)
	return Handle(len(v.entries))
}

// NewBytes stores a copy of p.
func (v *Values) NewBytes(p []byte) Handle {
	return v.Create(Bytes(bytes.Clone(p)))
}

func (v *Values) Get(h Handle) (any, bool) {
	if h == InvalidHandle {
		return nil, false
	}
	v.mu.RLock()
	defer v.mu.RUnlock()

	idx := int(h) - 1
	if idx >= len(v.entries) || !v.entries[idx].valid {
		return nil, false
	}
	return v.entries[idx].value, true
}

// Destroy releases the value behind h. Values implementing io.Closer are
// closed. Unknown handles are ignored.
func (v *Values) Destroy(h Handle) {
	value, ok := v.take(h)
	if !ok {
		v.log.Debug("destroy of unknown handle", zap.Uint32("handle", uint32(h)))
		return
	}
	if c, ok := value.(io.Closer); ok {
		if err := c.Close(); err != nil {
			v.log.Debug("close on destroy", zap.Uint32("handle", uint32(h)), zap.Error(err))
		}
	}
}

func (v *Values) take(h Handle) (any, bool) {
	if h == InvalidHandle {
		return nil, false
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	idx := int(h) - 1
	if idx >= len(v.entries) || !v.entries[idx].valid {
		return nil, false
	}
	value := v.entries[idx].value
	v.entries[idx] = valueEntry{}
	v.free = append(v.free, h)
	return value, true
}

// Equals reports whether a and b refer to strictly equal values: the same
// byte contents for byte values, identity for everything else.
func (v *Values) Equals(a, b Handle) bool {
	va, ok := v.Get(a)
	if !ok {
		return false
	}
	vb, ok := v.Get(b)
	if !ok {
		return false
	}
	switch x := va.(type) {
	case Bytes:
		y, ok := vb.(Bytes)
		return ok && bytes.Equal(x, y)
	case string:
		y, ok := vb.(string)
		return ok && x == y
	case *response:
		y, ok := vb.(*response)
		return ok && x == y
	default:
		return a == b
	}
}

// SetGlobal exposes value under name for LookupGlobal.
func (v *Values) SetGlobal(name string, value any) {
	v.mu.Lock()
	v.globals[name] = value
	v.mu.Unlock()
}

// LookupGlobal returns a new handle for the global called name. The caller
// owns the handle. A missing name yields InvalidHandle.
func (v *Values) LookupGlobal(name string) Handle {
	v.mu.RLock()
	value, ok := v.globals[name]
	v.mu.RUnlock()
	if !ok {
		v.log.Debug("global not found", zap.String("name", name))
		return InvalidHandle
	}
	if b, ok := value.(Bytes); ok {
		value = Bytes(bytes.Clone(b))
	}
	return v.Create(value)
}

// Globals returns the names of all registered globals.
func (v *Values) Globals() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	names := make([]string, 0, len(v.globals))
	for name := range v.globals {
		names = append(names, name)
	}
	return names
}

// Len returns the number of live handles.
func (v *Values) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.entries) - len(v.free)
}

// Close destroys every live value.
func (v *Values) Close() error {
	v.mu.Lock()
	entries := v.entries
	v.entries = nil
	v.free = nil
	v.mu.Unlock()

	var err error
	for _, e := range entries {
		if !e.valid {
			continue
		}
		if c, ok := e.value.(io.Closer); ok {
			err = multierr.Append(err, c.Close())
		}
	}
	return err
}
