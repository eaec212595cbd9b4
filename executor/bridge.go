package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/caffeineduck/embridge/hostfunc"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
)

// bridgeFunc is a host function bound to the instance that called it.
type bridgeFunc func(i *Instance, mod api.Module, stack []uint64)

// instantiateBridge registers the embridge host module. It is instantiated
// once per runtime; each call finds its Instance through the calling
// module's name.
func (e *Executor) instantiateBridge(ctx context.Context) error {
	i32, f64 := api.ValueTypeI32, api.ValueTypeF64
	ints := func(n int) []api.ValueType {
		out := make([]api.ValueType, n)
		for k := range out {
			out[k] = i32
		}
		return out
	}

	builder := e.runtime.NewHostModuleBuilder(HostModule)
	export := func(name string, fn bridgeFunc, params, results []api.ValueType) {
		builder.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(func(_ context.Context, mod api.Module, stack []uint64) {
				inst := e.instance(mod.Name())
				if inst == nil {
					e.log.Error("bridge call from unknown module",
						zap.String("module", mod.Name()),
						zap.String("func", name))
					for k := range results {
						stack[k] = 0
					}
					return
				}
				fn(inst, mod, stack)
			}), params, results).
			WithName(name).
			Export(name)
	}

	export(FuncSendRequest, (*Instance).sendRequest, ints(7), nil)
	export(FuncGetResponseBytes, (*Instance).getResponseBytes, ints(5), nil)
	export(FuncGetResponseChunks, (*Instance).getResponseChunks, ints(5), nil)
	export(FuncDestroyValue, (*Instance).destroyValue, ints(1), nil)
	export(FuncGetGlobal, (*Instance).getGlobal, ints(2), ints(1))
	export(FuncValueFromBytes, (*Instance).valueFromBytes, ints(2), ints(1))
	export(FuncValueEquals, (*Instance).valueEquals, ints(2), ints(1))
	export(FuncClockOffsetUTC, (*Instance).clockOffsetUTC, []api.ValueType{f64}, ints(1))
	export(FuncClockOffsetLocal, (*Instance).clockOffsetLocal, ints(6), ints(1))
	export(FuncFileLoad, (*Instance).fileLoad, ints(6), nil)
	export(FuncFileSave, (*Instance).fileSave, ints(10), nil)
	export(FuncSetTimeout, (*Instance).setTimeout, ints(3), nil)
	export(FuncConsoleLog, (*Instance).consoleLog, ints(3), nil)

	_, err := builder.Instantiate(ctx)
	return err
}

func u32(v uint64) uint32 { return api.DecodeU32(v) }

// send_request(method_ptr, method_len, url_ptr, url_len, attrs_ptr, cb, ud)
func (i *Instance) sendRequest(mod api.Module, stack []uint64) {
	mem := mod.Memory()
	cb, ud := u32(stack[5]), u32(stack[6])

	req, err := func() (hostfunc.Request, error) {
		method, err := readString(mem, u32(stack[0]), u32(stack[1]))
		if err != nil {
			return hostfunc.Request{}, fmt.Errorf("method: %w", err)
		}
		url, err := readString(mem, u32(stack[2]), u32(stack[3]))
		if err != nil {
			return hostfunc.Request{}, fmt.Errorf("url: %w", err)
		}
		return decodeRequest(mem, method, url, u32(stack[4]))
	}()
	if err != nil {
		i.log.Error("request rejected", zap.Error(err))
		i.host.Loop.Post(func() {
			i.deliverResponse(cb, hostfunc.Response{Status: hostfunc.StatusException}, ud)
		})
		return
	}

	i.host.HTTP.Send(req, func(resp hostfunc.Response, ud uint32) {
		i.deliverResponse(cb, resp, ud)
	}, ud)
}

// deliverResponse copies the headers into guest memory, calls the guest's
// response callback and frees the headers once it returns.
func (i *Instance) deliverResponse(cb uint32, resp hostfunc.Response, ud uint32) {
	var ptr uint32
	if len(resp.Headers) > 0 {
		p, err := i.placeHeaders(resp.Headers)
		if err != nil {
			i.log.Error("response headers not delivered", zap.Error(err))
			i.host.Values.Destroy(resp.Handle)
			resp = hostfunc.Response{Status: hostfunc.StatusException}
		} else {
			ptr = p
			defer i.invoke(i.free, uint64(p))
		}
	}

	i.invoke(i.onResponse,
		uint64(cb),
		uint64(resp.Status),
		uint64(uint32(resp.Code)),
		uint64(ptr),
		uint64(len(resp.Headers)),
		uint64(resp.Handle),
		uint64(ud))
}

func (i *Instance) placeHeaders(headers []hostfunc.Header) (uint32, error) {
	size := headersSize(headers)
	res, err := i.invoke(i.malloc, uint64(size))
	if err != nil {
		return 0, err
	}
	ptr := u32(res[0])
	if ptr == 0 {
		return 0, fmt.Errorf("malloc %d bytes: null pointer", size)
	}
	if !i.mod.Memory().Write(ptr, encodeHeaders(headers, ptr)) {
		i.invoke(i.free, uint64(ptr))
		return 0, fmt.Errorf("write %d bytes at %#x: out of range", size, ptr)
	}
	return ptr, nil
}

// sink routes a byte transfer through the guest's pre-allocate and fill
// exports, tagging each call with the guest's callback ids.
func (i *Instance) sink(preCb, preUd, postCb, postUd uint32) hostfunc.Sink {
	return hostfunc.Sink{
		Memory: i.mod.Memory(),
		PreAlloc: func(n, ud uint32) (uint32, error) {
			res, err := i.invoke(i.onBytesPre, uint64(preCb), uint64(n), uint64(ud))
			if err != nil {
				return 0, err
			}
			return u32(res[0]), nil
		},
		PreUserdata: preUd,
		PostFill: func(status hostfunc.Status, ptr, n, ud uint32) {
			i.invoke(i.onBytesPost, uint64(postCb), uint64(status), uint64(ptr), uint64(n), uint64(ud))
		},
		PostUserdata: postUd,
	}
}

// get_response_bytes(handle, pre_cb, pre_ud, post_cb, post_ud)
func (i *Instance) getResponseBytes(_ api.Module, stack []uint64) {
	i.host.HTTP.ReadAll(hostfunc.Handle(u32(stack[0])),
		i.sink(u32(stack[1]), u32(stack[2]), u32(stack[3]), u32(stack[4])))
}

// get_response_chunks(handle, pre_cb, pre_ud, post_cb, post_ud)
func (i *Instance) getResponseChunks(_ api.Module, stack []uint64) {
	i.host.HTTP.ReadChunks(hostfunc.Handle(u32(stack[0])),
		i.sink(u32(stack[1]), u32(stack[2]), u32(stack[3]), u32(stack[4])))
}

func (i *Instance) destroyValue(_ api.Module, stack []uint64) {
	i.host.Values.Destroy(hostfunc.Handle(u32(stack[0])))
}

// get_global(name_ptr, name_len) -> handle
func (i *Instance) getGlobal(mod api.Module, stack []uint64) {
	name, err := readString(mod.Memory(), u32(stack[0]), u32(stack[1]))
	if err != nil {
		i.log.Debug("get_global: bad name", zap.Error(err))
		stack[0] = 0
		return
	}
	stack[0] = uint64(i.host.Values.LookupGlobal(name))
}

// value_from_bytes(ptr, len) -> handle
func (i *Instance) valueFromBytes(mod api.Module, stack []uint64) {
	data, err := readRaw(mod.Memory(), u32(stack[0]), u32(stack[1]))
	if err != nil {
		i.log.Debug("value_from_bytes: bad range", zap.Error(err))
		stack[0] = 0
		return
	}
	stack[0] = uint64(i.host.Values.NewBytes(data))
}

// value_equals(a, b) -> 0/1
func (i *Instance) valueEquals(_ api.Module, stack []uint64) {
	var eq uint64
	if i.host.Values.Equals(hostfunc.Handle(u32(stack[0])), hostfunc.Handle(u32(stack[1]))) {
		eq = 1
	}
	stack[0] = eq
}

// clock_offset_utc(f64 utc_millis) -> minutes
func (i *Instance) clockOffsetUTC(_ api.Module, stack []uint64) {
	stack[0] = api.EncodeI32(i.host.Clock.OffsetFromUTC(api.DecodeF64(stack[0])))
}

// clock_offset_local(year, month0, day, hour, min, sec) -> minutes
func (i *Instance) clockOffsetLocal(_ api.Module, stack []uint64) {
	d := func(k int) int32 { return api.DecodeI32(stack[k]) }
	stack[0] = api.EncodeI32(i.host.Clock.OffsetFromLocal(d(0), d(1), d(2), d(3), d(4), d(5)))
}

// file_load(accept_ptr, accept_len, pre_cb, pre_ud, load_cb, load_ud)
func (i *Instance) fileLoad(mod api.Module, stack []uint64) {
	if i.onFile == nil {
		i.log.Error("file_load needs the " + ExportOnFile + " export")
		return
	}
	preCb, preUd := u32(stack[2]), u32(stack[3])
	cb, ud := u32(stack[4]), u32(stack[5])

	onLoad := func(res hostfunc.LoadResult, ud uint32) {
		i.invoke(i.onFile,
			uint64(cb),
			uint64(res.Status),
			uint64(res.Ptr),
			uint64(res.Len),
			api.EncodeI64(res.LastModified),
			uint64(res.Name),
			uint64(ud))
	}

	accept, err := decodeStringList(mod.Memory(), u32(stack[0]), u32(stack[1]))
	if err != nil {
		i.log.Error("file_load: bad accept list", zap.Error(err))
		i.host.Loop.Post(func() { onLoad(hostfunc.LoadResult{Status: hostfunc.StatusException}, ud) })
		return
	}

	i.host.Files.Load(accept, i.sink(preCb, preUd, 0, 0), onLoad, ud)
}

// file_save(data_ptr, data_len, name_ptr, name_len, mime_ptr, mime_len, types_ptr, types_len, cb, ud)
func (i *Instance) fileSave(mod api.Module, stack []uint64) {
	if i.onStatus == nil {
		i.log.Error("file_save needs the " + ExportOnStatus + " export")
		return
	}
	mem := mod.Memory()
	cb, ud := u32(stack[8]), u32(stack[9])
	onSaved := func(status hostfunc.Status, ud uint32) {
		i.invoke(i.onStatus, uint64(cb), uint64(status), uint64(ud))
	}

	data, err := readRaw(mem, u32(stack[0]), u32(stack[1]))
	var name, mime string
	var types []string
	if err == nil {
		name, err = readString(mem, u32(stack[2]), u32(stack[3]))
	}
	if err == nil {
		mime, err = readString(mem, u32(stack[4]), u32(stack[5]))
	}
	if err == nil {
		types, err = decodeStringList(mem, u32(stack[6]), u32(stack[7]))
	}
	if err != nil {
		i.log.Error("file_save: bad arguments", zap.Error(err))
		i.host.Loop.Post(func() { onSaved(hostfunc.StatusException, ud) })
		return
	}

	// Save copies data before returning
	i.host.Files.Save(data, name, mime, types, onSaved, ud)
}

// set_timeout(millis, cb, ud)
func (i *Instance) setTimeout(_ api.Module, stack []uint64) {
	if i.onStatus == nil {
		i.log.Error("set_timeout needs the " + ExportOnStatus + " export")
		return
	}
	d := time.Duration(u32(stack[0])) * time.Millisecond
	cb, ud := u32(stack[1]), u32(stack[2])
	i.host.Loop.After(d, func() {
		i.invoke(i.onStatus, uint64(cb), uint64(hostfunc.StatusSuccess), uint64(ud))
	})
}

// console_log(level, ptr, len)
func (i *Instance) consoleLog(mod api.Module, stack []uint64) {
	msg, err := readString(mod.Memory(), u32(stack[1]), u32(stack[2]))
	if err != nil {
		i.log.Debug("console_log: bad range", zap.Error(err))
		return
	}
	i.host.Console.Log(u32(stack[0]), msg)
}
