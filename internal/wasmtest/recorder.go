package wasmtest

import (
	"context"
	"sync"

	"github.com/caffeineduck/embridge/hostfunc"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// RecorderModule is the host module name guests built by NewGuest import.
const RecorderModule = "testguest"

type Response struct {
	Callback uint32
	Status   hostfunc.Status
	Code     uint32
	Headers  []hostfunc.Header
	Handle   hostfunc.Handle
	Userdata uint32
}

type Alloc struct {
	Callback uint32
	Len      uint32
	Userdata uint32
	Ptr      uint32
}

type Fill struct {
	Callback uint32
	Status   hostfunc.Status
	Ptr      uint32
	Len      uint32
	Userdata uint32
	Data     []byte
}

type File struct {
	Callback uint32
	Status   hostfunc.Status
	Data     []byte
	Modified int64
	Name     hostfunc.Handle
	Userdata uint32
}

type StatusCall struct {
	Callback uint32
	Status   hostfunc.Status
	Userdata uint32
}

// Recorder is the Go side of a test guest. It serves the guest's allocator
// and records every callback the host makes.
type Recorder struct {
	// OnResponse, if set, picks what the guest does with a response
	// handle. The default is KeepHandle.
	OnResponse func(Response) int32

	mu        sync.Mutex
	heap      uint32
	pending   bool
	overlap   bool
	responses []Response
	allocs    []Alloc
	fills     []Fill
	files     []File
	statuses  []StatusCall
	values    []int32
	frees     []uint32
}

// Instantiate registers the recorder module in rt. Guests must be
// instantiated after it.
func (r *Recorder) Instantiate(ctx context.Context, rt wazero.Runtime) error {
	b := rt.NewHostModuleBuilder(RecorderModule)
	fn := func(name string, f api.GoModuleFunc, params, results []api.ValueType) {
		b.NewFunctionBuilder().WithGoModuleFunction(f, params, results).WithName(name).Export(name)
	}
	fn("malloc", r.malloc, ints(1), ints(1))
	fn("free", r.free, ints(1), nil)
	fn("record", r.record, ints(1), nil)
	fn("on_response", r.onResponse, ints(7), ints(1))
	fn("on_pre", r.onPre, ints(3), ints(1))
	fn("on_post", r.onPost, ints(5), nil)
	fn("on_file", r.onFile, []api.ValueType{I32, I32, I32, I32, I64, I32, I32}, nil)
	fn("on_status", r.onStatus, ints(3), nil)
	_, err := b.Instantiate(ctx)
	return err
}

// Reset forgets every record and rewinds the allocator. Memory handed out
// before is reused, so call it only between guest calls.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.heap = HeapBase
	r.pending, r.overlap = false, false
	r.responses, r.allocs, r.fills = nil, nil, nil
	r.files, r.statuses, r.values, r.frees = nil, nil, nil, nil
}

func (r *Recorder) alloc(mod api.Module, n uint32) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.heap < HeapBase {
		r.heap = HeapBase
	}
	ptr := (r.heap + 7) &^ 7
	if uint64(ptr)+uint64(n) > uint64(mod.Memory().Size()) {
		return 0
	}
	r.heap = ptr + n
	return ptr
}

func (r *Recorder) malloc(_ context.Context, mod api.Module, stack []uint64) {
	stack[0] = uint64(r.alloc(mod, api.DecodeU32(stack[0])))
}

func (r *Recorder) free(_ context.Context, _ api.Module, stack []uint64) {
	r.mu.Lock()
	r.frees = append(r.frees, api.DecodeU32(stack[0]))
	r.mu.Unlock()
}

func (r *Recorder) record(_ context.Context, _ api.Module, stack []uint64) {
	r.mu.Lock()
	r.values = append(r.values, api.DecodeI32(stack[0]))
	r.mu.Unlock()
}

// (cb, status, code, headers_ptr, headers_len, handle, ud) -> mode
func (r *Recorder) onResponse(_ context.Context, mod api.Module, stack []uint64) {
	mem := mod.Memory()
	resp := Response{
		Callback: api.DecodeU32(stack[0]),
		Status:   hostfunc.Status(api.DecodeU32(stack[1])),
		Code:     api.DecodeU32(stack[2]),
		Handle:   hostfunc.Handle(api.DecodeU32(stack[5])),
		Userdata: api.DecodeU32(stack[6]),
	}
	ptr, n := api.DecodeU32(stack[3]), api.DecodeU32(stack[4])
	for k := uint32(0); k < n; k++ {
		e := ptr + k*16
		resp.Headers = append(resp.Headers, hostfunc.Header{
			Name:  readStr(mem, e, e+4),
			Value: readStr(mem, e+8, e+12),
		})
	}

	r.mu.Lock()
	r.responses = append(r.responses, resp)
	hook := r.OnResponse
	r.mu.Unlock()

	mode := KeepHandle
	if hook != nil {
		mode = hook(resp)
	}
	stack[0] = api.EncodeI32(mode)
}

func readStr(mem api.Memory, ptrAt, lenAt uint32) string {
	p, _ := mem.ReadUint32Le(ptrAt)
	n, _ := mem.ReadUint32Le(lenAt)
	b, _ := mem.Read(p, n)
	return string(b)
}

// (cb, len, ud) -> ptr
func (r *Recorder) onPre(_ context.Context, mod api.Module, stack []uint64) {
	a := Alloc{
		Callback: api.DecodeU32(stack[0]),
		Len:      api.DecodeU32(stack[1]),
		Userdata: api.DecodeU32(stack[2]),
	}
	a.Ptr = r.alloc(mod, a.Len)

	r.mu.Lock()
	if r.pending {
		r.overlap = true
	}
	r.pending = true
	r.allocs = append(r.allocs, a)
	r.mu.Unlock()

	stack[0] = uint64(a.Ptr)
}

// (cb, status, ptr, len, ud)
func (r *Recorder) onPost(_ context.Context, mod api.Module, stack []uint64) {
	f := Fill{
		Callback: api.DecodeU32(stack[0]),
		Status:   hostfunc.Status(api.DecodeU32(stack[1])),
		Ptr:      api.DecodeU32(stack[2]),
		Len:      api.DecodeU32(stack[3]),
		Userdata: api.DecodeU32(stack[4]),
	}
	if f.Len > 0 {
		if b, ok := mod.Memory().Read(f.Ptr, f.Len); ok {
			f.Data = append([]byte(nil), b...)
		}
	}

	r.mu.Lock()
	r.pending = false
	r.fills = append(r.fills, f)
	r.mu.Unlock()
}

// (cb, status, ptr, len, mtime i64, name, ud)
func (r *Recorder) onFile(_ context.Context, mod api.Module, stack []uint64) {
	f := File{
		Callback: api.DecodeU32(stack[0]),
		Status:   hostfunc.Status(api.DecodeU32(stack[1])),
		Modified: int64(stack[4]),
		Name:     hostfunc.Handle(api.DecodeU32(stack[5])),
		Userdata: api.DecodeU32(stack[6]),
	}
	ptr, n := api.DecodeU32(stack[2]), api.DecodeU32(stack[3])
	if n > 0 {
		if b, ok := mod.Memory().Read(ptr, n); ok {
			f.Data = append([]byte(nil), b...)
		}
	}

	r.mu.Lock()
	r.pending = false
	r.files = append(r.files, f)
	r.mu.Unlock()
}

// (cb, status, ud)
func (r *Recorder) onStatus(_ context.Context, _ api.Module, stack []uint64) {
	r.mu.Lock()
	r.statuses = append(r.statuses, StatusCall{
		Callback: api.DecodeU32(stack[0]),
		Status:   hostfunc.Status(api.DecodeU32(stack[1])),
		Userdata: api.DecodeU32(stack[2]),
	})
	r.mu.Unlock()
}

func (r *Recorder) Responses() []Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Response(nil), r.responses...)
}

func (r *Recorder) Allocs() []Alloc {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Alloc(nil), r.allocs...)
}

func (r *Recorder) Fills() []Fill {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Fill(nil), r.fills...)
}

func (r *Recorder) Files() []File {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]File(nil), r.files...)
}

func (r *Recorder) Statuses() []StatusCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StatusCall(nil), r.statuses...)
}

func (r *Recorder) Values() []int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int32(nil), r.values...)
}

func (r *Recorder) Frees() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint32(nil), r.frees...)
}

// Overlapped reports whether a second buffer was requested before the
// previous one was filled.
func (r *Recorder) Overlapped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.overlap
}

// Body concatenates the data of every successful fill, in order.
func (r *Recorder) Body() []byte {
	var out []byte
	for _, f := range r.Fills() {
		if f.Status == hostfunc.StatusSuccess {
			out = append(out, f.Data...)
		}
	}
	return out
}
