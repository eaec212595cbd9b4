package wasmtest

import (
	"encoding/binary"

	"github.com/caffeineduck/embridge/executor"
	"github.com/caffeineduck/embridge/hostfunc"
	"github.com/tetratelabs/wazero/api"
)

// Hello builds a guest that needs nothing but WASI and the bridge: its
// _start writes text to stdout and logs it at info level through the
// console. The bridge callbacks are no-ops and its allocator always fails.
func Hello(text string) []byte {
	b := NewModuleBuilder()

	fdWrite := b.Import("wasi_snapshot_preview1", "fd_write", ints(4), ints(1))
	consoleLog := b.Import(executor.HostModule, executor.FuncConsoleLog, ints(3), nil)

	b.Memory(1)

	const (
		iovec    = 16
		nwritten = 32
		textAt   = 64
	)
	iov := make([]byte, 8)
	binary.LittleEndian.PutUint32(iov[0:], textAt)
	binary.LittleEndian.PutUint32(iov[4:], uint32(len(text)))
	b.Data(iovec, iov)
	b.Data(textAt, []byte(text))

	b.Export(executor.DefaultEntry, b.Func(nil, nil, nil,
		I32Const(1), I32Const(iovec), I32Const(1), I32Const(nwritten),
		Call(fdWrite), Drop(),
		I32Const(int32(hostfunc.ConsoleInfo)), I32Const(textAt), I32Const(int32(len(text))),
		Call(consoleLog),
	))

	nop := func(params, results []api.ValueType) uint32 {
		var code [][]byte
		for range results {
			code = append(code, I32Const(0))
		}
		return b.Func(params, results, nil, code...)
	}
	b.Export(executor.ExportMalloc, nop(ints(1), ints(1)))
	b.Export(executor.ExportFree, nop(ints(1), nil))
	b.Export(executor.ExportOnResponse, nop(ints(7), nil))
	b.Export(executor.ExportOnBytesPre, nop(ints(3), ints(1)))
	b.Export(executor.ExportOnBytesPost, nop(ints(5), nil))

	return b.Build()
}
