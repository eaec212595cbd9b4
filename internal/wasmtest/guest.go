package wasmtest

import (
	"encoding/binary"
	"time"

	"github.com/caffeineduck/embridge/executor"
	"github.com/caffeineduck/embridge/hostfunc"
	"github.com/tetratelabs/wazero/api"
)

// Guest memory layout. Constant data lives between DataBase and HeapBase;
// the recorder's allocator hands out memory above HeapBase.
const (
	DataBase    = 1024
	HeapBase    = 64 << 10
	MemoryPages = 4
)

// Modes a Recorder.OnResponse hook returns to steer the guest.
const (
	KeepHandle int32 = iota
	ReadBytes
	ReadChunks
	DestroyHandle
)

// Callback ids the guest passes when it reads a response body. The post
// userdata is the response's own userdata.
const (
	PreCallback  = 11
	PreUserdata  = 12
	PostCallback = 21
)

// Bridge holds the function indices of the bridge imports, for use with
// Call in guest code.
type Bridge struct {
	SendRequest       uint32
	GetResponseBytes  uint32
	GetResponseChunks uint32
	DestroyValue      uint32
	GetGlobal         uint32
	ValueFromBytes    uint32
	ValueEquals       uint32
	ClockOffsetUTC    uint32
	ClockOffsetLocal  uint32
	FileLoad          uint32
	FileSave          uint32
	SetTimeout        uint32
	ConsoleLog        uint32

	// Record appends its i32 argument to the recorder's values.
	Record uint32
}

// Guest is a bridge-complete guest under construction. Every callback
// export forwards to the recorder module; the response callback
// additionally reads or destroys the handle as the recorder directs.
type Guest struct {
	Bridge
	b    *ModuleBuilder
	next uint32
}

func ints(n int) []api.ValueType {
	out := make([]api.ValueType, n)
	for k := range out {
		out[k] = I32
	}
	return out
}

func NewGuest() *Guest {
	b := NewModuleBuilder()

	malloc := b.Import(RecorderModule, "malloc", ints(1), ints(1))
	free := b.Import(RecorderModule, "free", ints(1), nil)
	onResponse := b.Import(RecorderModule, "on_response", ints(7), ints(1))
	onPre := b.Import(RecorderModule, "on_pre", ints(3), ints(1))
	onPost := b.Import(RecorderModule, "on_post", ints(5), nil)
	fileParams := []api.ValueType{I32, I32, I32, I32, I64, I32, I32}
	onFile := b.Import(RecorderModule, "on_file", fileParams, nil)
	onStatus := b.Import(RecorderModule, "on_status", ints(3), nil)

	g := &Guest{b: b, next: DataBase}
	g.Record = b.Import(RecorderModule, "record", ints(1), nil)

	bridge := func(name string, params, results []api.ValueType) uint32 {
		return b.Import(executor.HostModule, name, params, results)
	}
	g.SendRequest = bridge(executor.FuncSendRequest, ints(7), nil)
	g.GetResponseBytes = bridge(executor.FuncGetResponseBytes, ints(5), nil)
	g.GetResponseChunks = bridge(executor.FuncGetResponseChunks, ints(5), nil)
	g.DestroyValue = bridge(executor.FuncDestroyValue, ints(1), nil)
	g.GetGlobal = bridge(executor.FuncGetGlobal, ints(2), ints(1))
	g.ValueFromBytes = bridge(executor.FuncValueFromBytes, ints(2), ints(1))
	g.ValueEquals = bridge(executor.FuncValueEquals, ints(2), ints(1))
	g.ClockOffsetUTC = bridge(executor.FuncClockOffsetUTC, []api.ValueType{F64}, ints(1))
	g.ClockOffsetLocal = bridge(executor.FuncClockOffsetLocal, ints(6), ints(1))
	g.FileLoad = bridge(executor.FuncFileLoad, ints(6), nil)
	g.FileSave = bridge(executor.FuncFileSave, ints(10), nil)
	g.SetTimeout = bridge(executor.FuncSetTimeout, ints(3), nil)
	g.ConsoleLog = bridge(executor.FuncConsoleLog, ints(3), nil)

	b.Memory(MemoryPages)
	b.Export(executor.ExportMalloc, b.Forward(malloc, ints(1), ints(1)))
	b.Export(executor.ExportFree, b.Forward(free, ints(1), nil))
	b.Export(executor.ExportOnBytesPre, b.Forward(onPre, ints(3), ints(1)))
	b.Export(executor.ExportOnBytesPost, b.Forward(onPost, ints(5), nil))
	b.Export(executor.ExportOnFile, b.Forward(onFile, fileParams, nil))
	b.Export(executor.ExportOnStatus, b.Forward(onStatus, ints(3), nil))

	// (cb, status, code, headers_ptr, headers_len, handle, ud), local 7 = mode
	readWith := func(fn uint32) [][]byte {
		return [][]byte{LocalGet(5), I32Const(PreCallback), I32Const(PreUserdata), I32Const(PostCallback), LocalGet(6), Call(fn)}
	}
	b.Export(executor.ExportOnResponse, b.Func(ints(7), nil, ints(1),
		LocalGet(0), LocalGet(1), LocalGet(2), LocalGet(3), LocalGet(4), LocalGet(5), LocalGet(6),
		Call(onResponse),
		LocalSet(7),
		IfEq(7, ReadBytes, readWith(g.GetResponseBytes)...),
		IfEq(7, ReadChunks, readWith(g.GetResponseChunks)...),
		IfEq(7, DestroyHandle, LocalGet(5), Call(g.DestroyValue)),
	))

	return g
}

// Put places p in the data region and returns its address and length.
func (g *Guest) Put(p []byte) (ptr, n int32) {
	ptr = int32(g.next)
	g.b.Data(g.next, p)
	g.next += (uint32(len(p)) + 7) &^ 7
	if g.next >= HeapBase {
		panic("wasmtest: data region full")
	}
	return ptr, int32(len(p))
}

func (g *Guest) PutString(s string) (ptr, n int32) {
	return g.Put([]byte(s))
}

// Str pushes the address and length of s.
func (g *Guest) Str(s string) []byte {
	ptr, n := g.PutString(s)
	return append(I32Const(ptr), I32Const(n)...)
}

// Attrs places a request attrs record and returns its address. A nil body
// means no body.
func (g *Guest) Attrs(timeout time.Duration, headers []hostfunc.Header, body []byte) int32 {
	le := binary.LittleEndian

	var table []byte
	for _, h := range headers {
		np, nn := g.PutString(h.Name)
		vp, vn := g.PutString(h.Value)
		e := make([]byte, executor.HeaderSize)
		le.PutUint32(e[0:], uint32(np))
		le.PutUint32(e[4:], uint32(nn))
		le.PutUint32(e[8:], uint32(vp))
		le.PutUint32(e[12:], uint32(vn))
		table = append(table, e...)
	}

	attrs := make([]byte, executor.AttrsSize)
	le.PutUint64(attrs[0:], uint64(timeout.Milliseconds()))
	if len(table) > 0 {
		hp, _ := g.Put(table)
		le.PutUint32(attrs[8:], uint32(hp))
		le.PutUint32(attrs[12:], uint32(len(headers)))
	}
	if body != nil {
		bp, bn := g.Put(body)
		le.PutUint32(attrs[16:], uint32(bp))
		le.PutUint32(attrs[20:], uint32(bn))
	}
	ptr, _ := g.Put(attrs)
	return ptr
}

// StringList places a (ptr, len) table for items and pushes its address
// and count.
func (g *Guest) StringList(items ...string) []byte {
	if len(items) == 0 {
		return append(I32Const(0), I32Const(0)...)
	}
	le := binary.LittleEndian
	table := make([]byte, 0, len(items)*executor.StringEntrySize)
	for _, s := range items {
		p, n := g.PutString(s)
		e := make([]byte, executor.StringEntrySize)
		le.PutUint32(e[0:], uint32(p))
		le.PutUint32(e[4:], uint32(n))
		table = append(table, e...)
	}
	ptr, _ := g.Put(table)
	return append(I32Const(ptr), I32Const(int32(len(items)))...)
}

// Get issues a request from guest code: method and url, attrs at attrs (0
// for defaults), completion callback cb with userdata ud.
func (g *Guest) Get(url string, attrs int32, cb, ud int32) []byte {
	var code []byte
	code = append(code, g.Str("GET")...)
	code = append(code, g.Str(url)...)
	code = append(code, I32Const(attrs)...)
	code = append(code, I32Const(cb)...)
	code = append(code, I32Const(ud)...)
	return append(code, Call(g.SendRequest)...)
}

// Start defines the _start entry.
func (g *Guest) Start(code ...[]byte) {
	g.Export(executor.DefaultEntry, code...)
}

// Export defines a parameterless export.
func (g *Guest) Export(name string, code ...[]byte) {
	g.b.Export(name, g.b.Func(nil, nil, nil, code...))
}

func (g *Guest) Build() []byte {
	return g.b.Build()
}
