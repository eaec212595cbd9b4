// Package wasmtest assembles small WASM guests for tests, without a
// toolchain. Guests forward their bridge callbacks to a Go [Recorder].
package wasmtest

import (
	"encoding/binary"
	"math"

	"github.com/tetratelabs/wazero/api"
)

// Shorthand value types.
var (
	I32 = api.ValueTypeI32
	I64 = api.ValueTypeI64
	F64 = api.ValueTypeF64
)

// Opcodes used by the instruction helpers.
const (
	opUnreachable = 0x00
	opIf          = 0x04
	opEnd         = 0x0b
	opCall        = 0x10
	opDrop        = 0x1a
	opLocalGet    = 0x20
	opLocalSet    = 0x21
	opI32Const    = 0x41
	opI64Const    = 0x42
	opF64Const    = 0x44
	opI32Eq       = 0x46
	blockEmpty    = 0x40
)

// ModuleBuilder builds a module from imported functions, defined
// functions, one memory and data segments. Imports must be added before
// any function is defined, since they share the function index space.
type ModuleBuilder struct {
	types   [][]byte
	imports [][]byte
	funcs   []uint32
	bodies  [][]byte
	exports [][]byte
	pages   uint32
	data    [][]byte
}

func NewModuleBuilder() *ModuleBuilder {
	return &ModuleBuilder{}
}

func (b *ModuleBuilder) addType(params, results []api.ValueType) uint32 {
	t := []byte{0x60}
	t = append(t, EncodeULEB128(uint32(len(params)))...)
	t = append(t, params...)
	t = append(t, EncodeULEB128(uint32(len(results)))...)
	t = append(t, results...)
	b.types = append(b.types, t)
	return uint32(len(b.types) - 1)
}

// Import adds a function import and returns its function index.
func (b *ModuleBuilder) Import(module, name string, params, results []api.ValueType) uint32 {
	if len(b.funcs) > 0 {
		panic("wasmtest: import after function definition")
	}
	typeIdx := b.addType(params, results)
	var entry []byte
	entry = append(entry, encodeName(module)...)
	entry = append(entry, encodeName(name)...)
	entry = append(entry, 0x00)
	entry = append(entry, EncodeULEB128(typeIdx)...)
	b.imports = append(b.imports, entry)
	return uint32(len(b.imports) - 1)
}

// Func defines a function from its instructions and returns its index.
func (b *ModuleBuilder) Func(params, results, locals []api.ValueType, code ...[]byte) uint32 {
	b.funcs = append(b.funcs, b.addType(params, results))

	var body []byte
	body = append(body, EncodeULEB128(uint32(len(locals)))...)
	for _, l := range locals {
		body = append(body, 0x01, l)
	}
	for _, c := range code {
		body = append(body, c...)
	}
	body = append(body, opEnd)

	b.bodies = append(b.bodies, append(EncodeULEB128(uint32(len(body))), body...))
	return uint32(len(b.imports) + len(b.funcs) - 1)
}

// Forward defines a function that passes its parameters to fn and returns
// fn's results.
func (b *ModuleBuilder) Forward(fn uint32, params, results []api.ValueType) uint32 {
	code := make([][]byte, 0, len(params)+1)
	for k := range params {
		code = append(code, LocalGet(uint32(k)))
	}
	code = append(code, Call(fn))
	return b.Func(params, results, nil, code...)
}

// Export exports the function at index fn.
func (b *ModuleBuilder) Export(name string, fn uint32) {
	entry := encodeName(name)
	entry = append(entry, 0x00)
	entry = append(entry, EncodeULEB128(fn)...)
	b.exports = append(b.exports, entry)
}

// Memory defines a memory of pages 64KiB pages, exported as "memory".
func (b *ModuleBuilder) Memory(pages uint32) {
	b.pages = pages
	entry := encodeName("memory")
	entry = append(entry, 0x02, 0x00)
	b.exports = append(b.exports, entry)
}

// Data places p at offset when the module is instantiated.
func (b *ModuleBuilder) Data(offset uint32, p []byte) {
	seg := []byte{0x00}
	seg = append(seg, I32Const(int32(offset))...)
	seg = append(seg, opEnd)
	seg = append(seg, EncodeULEB128(uint32(len(p)))...)
	seg = append(seg, p...)
	b.data = append(b.data, seg)
}

// Build generates the module bytes.
func (b *ModuleBuilder) Build() []byte {
	wasm := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	wasm = appendSection(wasm, 0x01, b.types)
	wasm = appendSection(wasm, 0x02, b.imports)

	funcs := make([][]byte, len(b.funcs))
	for i, t := range b.funcs {
		funcs[i] = EncodeULEB128(t)
	}
	wasm = appendSection(wasm, 0x03, funcs)

	if b.pages > 0 {
		limits := append([]byte{0x00}, EncodeULEB128(b.pages)...)
		wasm = appendSection(wasm, 0x05, [][]byte{limits})
	}

	wasm = appendSection(wasm, 0x07, b.exports)
	wasm = appendSection(wasm, 0x0a, b.bodies)
	wasm = appendSection(wasm, 0x0b, b.data)
	return wasm
}

func appendSection(wasm []byte, id byte, entries [][]byte) []byte {
	if len(entries) == 0 {
		return wasm
	}
	payload := EncodeULEB128(uint32(len(entries)))
	for _, e := range entries {
		payload = append(payload, e...)
	}
	wasm = append(wasm, id)
	wasm = append(wasm, EncodeULEB128(uint32(len(payload)))...)
	return append(wasm, payload...)
}

func encodeName(s string) []byte {
	return append(EncodeULEB128(uint32(len(s))), s...)
}

// EncodeULEB128 encodes an unsigned value in LEB128 format.
func EncodeULEB128(v uint32) []byte {
	var result []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		result = append(result, b)
		if v == 0 {
			break
		}
	}
	return result
}

// EncodeSLEB128 encodes a signed value in LEB128 format.
func EncodeSLEB128[T int32 | int64](v T) []byte {
	var result []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			result = append(result, b)
			break
		}
		result = append(result, b|0x80)
	}
	return result
}

func LocalGet(idx uint32) []byte {
	return append([]byte{opLocalGet}, EncodeULEB128(idx)...)
}

func LocalSet(idx uint32) []byte {
	return append([]byte{opLocalSet}, EncodeULEB128(idx)...)
}

func I32Const(v int32) []byte {
	return append([]byte{opI32Const}, EncodeSLEB128(v)...)
}

func I64Const(v int64) []byte {
	return append([]byte{opI64Const}, EncodeSLEB128(v)...)
}

func F64Const(v float64) []byte {
	out := make([]byte, 9)
	out[0] = opF64Const
	binary.LittleEndian.PutUint64(out[1:], math.Float64bits(v))
	return out
}

func Call(fn uint32) []byte {
	return append([]byte{opCall}, EncodeULEB128(fn)...)
}

// Drop discards the top of the stack.
func Drop() []byte { return []byte{opDrop} }

// Unreachable traps.
func Unreachable() []byte { return []byte{opUnreachable} }

// IfEq runs code when local equals v.
func IfEq(local uint32, v int32, code ...[]byte) []byte {
	out := LocalGet(local)
	out = append(out, I32Const(v)...)
	out = append(out, opI32Eq, opIf, blockEmpty)
	for _, c := range code {
		out = append(out, c...)
	}
	return append(out, opEnd)
}
