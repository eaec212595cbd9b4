// Package executor runs WebAssembly guests against the embridge host
// module: asynchronous HTTP, chunked byte transfer, opaque value handles,
// file dialogs, timers and clock queries.
//
// # Overview
//
// The executor owns the wazero runtime, compiles and caches guest modules
// and instantiates the bridge once. Each [Instance] gets its own
// [hostfunc.Host]: an event loop, a handle table and the capabilities the
// options enable. Guest code only runs on the goroutine driving
// [Instance.Run] or [Instance.Call]; completions from background work are
// queued and delivered there.
//
// # Basic Usage
//
//	exec, err := executor.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer exec.Close()
//
//	guest, err := executor.LoadFile("app.wasm")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result := exec.Run(ctx, guest,
//	    executor.WithAllowedHosts([]string{"api.example.com"}),
//	)
//	fmt.Println(result.Output)
//
// # Long-lived instances
//
// An instance stays alive across calls, keeping its handles:
//
//	inst, err := exec.NewInstance(ctx, guest)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer inst.Close()
//
//	inst.Run(ctx)                 // _start, then every callback it caused
//	inst.Call(ctx, "on_click", 7) // another export, same handles
//
// # Guest contract
//
// Guests import the functions named Func* from the [HostModule] module and
// export memory plus the _bridge_* callbacks named Export*. Memory records
// exchanged through them are laid out as described on [AttrsSize],
// [HeaderSize] and [StringEntrySize].
//
// # Capabilities
//
// By default a guest can reach no host, no file and no dialog. Enable
// capabilities explicitly:
//
//	inst, _ := exec.NewInstance(ctx, guest,
//	    executor.WithAllowedHosts([]string{"api.example.com"}),
//	    executor.WithMount("/downloads", "./out", executor.MountReadWriteCreate),
//	    executor.WithGlobal("config", `{"theme":"dark"}`),
//	)
package executor
