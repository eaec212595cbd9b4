// Package hostfunc implements the host side of the guest bridge: the
// capabilities a sandboxed WASM guest reaches through callbacks because its
// own entry points cannot wait.
//
// # Overview
//
// Every capability follows the same shape. The guest calls in, the host
// starts the work and returns at once, and later the host re-enters the
// guest with a [Status] and a result. Re-entry only happens on the [Loop],
// the host's single scheduling thread.
//
// # Requests
//
// [HTTP.Send] issues one request. The completion callback fires exactly once
// with [StatusSuccess] and a response [Handle], [StatusTimedOut], or
// [StatusException]. Failures are logged on the host and never surface any
// other way.
//
//	host := hostfunc.NewHost(hostfunc.Config{
//	    HTTP: hostfunc.HTTPConfig{AllowedHosts: []string{"api.example.com"}},
//	})
//	defer host.Close()
//
//	host.HTTP.Send(hostfunc.Request{Method: "GET", URL: "https://api.example.com/"},
//	    func(resp hostfunc.Response, _ uint32) {
//	        fmt.Println(resp.Status, resp.Code)
//	        host.Values.Destroy(resp.Handle)
//	    }, 0)
//	host.Loop.Run(ctx)
//
// # Byte transfer
//
// Bodies reach the guest through a two-phase handoff described by a [Sink]:
// the host asks the guest to pre-allocate n bytes, writes them, and then
// passes ownership with the fill callback. [HTTP.ReadAll] does one cycle for
// the whole body; [HTTP.ReadChunks] does one per chunk, strictly in order,
// followed by a single [StatusStreamEnded] or error cycle.
//
// # Handles
//
// [Values] maps handles to host-resident values. A handle has one owner and
// is released with [Values.Destroy]. [Values.LookupGlobal] returns
// [InvalidHandle] for names that were never registered.
//
// # Peripheral bridges
//
// [Clock] answers timezone offset queries. [Files] runs the file picker and
// save flows, falling back to the downloads mount when no save dialog is
// attached. [Console] forwards guest log lines.
package hostfunc
