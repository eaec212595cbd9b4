// Package embridge hosts WebAssembly guests behind a bridge of asynchronous
// host capabilities.
//
// # Overview
//
// A guest imports the "embridge" host module and reaches the outside world
// only through it. Every bridged operation returns immediately and completes
// later through a callback export the guest names, carrying a [hostfunc.Status]
// and the userdata the guest passed in. Callbacks run on the instance's event
// loop, one at a time, never on the goroutine doing the host work.
//
// Capabilities:
//
//   - send_request issues an HTTP request; the response body stays on the host
//     behind an opaque handle until the guest reads it
//   - get_response_bytes and get_response_chunks move a body into guest memory
//     with a pre-allocate/fill handoff, in one piece or chunk by chunk
//   - get_global, value_from_bytes, value_equals and destroy_value manage
//     opaque handles
//   - file_load and file_save bridge a file picker and a save dialog, with a
//     downloads mount as fallback
//   - clock_offset_utc and clock_offset_local answer timezone offset queries
//
// Nothing is reachable by default: hosts must be allowed, directories mounted
// and globals registered explicitly.
//
// # Basic Usage
//
//	exec, _ := executor.New()
//	defer exec.Close()
//
//	guest, _ := executor.LoadFile("app.wasm")
//	result := exec.Run(ctx, guest,
//	    executor.WithAllowedHosts([]string{"api.example.com"}),
//	    executor.WithMount("/downloads", "./out", executor.MountReadWriteCreate))
//	fmt.Println(result.Output)
//
//	// Long-lived instance
//	inst, _ := exec.NewInstance(ctx, guest)
//	inst.Call(ctx, "refresh")
//
// The embridge command runs guests from the shell, serves them over HTTP
// and offers a console that drives the bridge by hand.
//
// See the [executor], [hostfunc] and [sandbox] packages for detailed API
// documentation.
package embridge
