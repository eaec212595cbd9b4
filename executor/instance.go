package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/caffeineduck/embridge/hostfunc"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Instance is one live guest with its own host: event loop, handle table
// and capabilities. Guest code only ever runs on the goroutine driving Run
// or Call, one driver at a time.
type Instance struct {
	exec  *Executor
	name  string
	guest Guest
	cfg   runConfig
	host  *hostfunc.Host
	mod   api.Module
	log   *zap.Logger

	malloc      api.Function
	free        api.Function
	onResponse  api.Function
	onBytesPre  api.Function
	onBytesPost api.Function
	onFile      api.Function // optional
	onStatus    api.Function // optional

	// callCtx is the context of the current Run or Call. Only the driving
	// goroutine reads it.
	callCtx context.Context

	mu     sync.Mutex
	closed bool
}

// NewInstance compiles guest if needed, instantiates it against the bridge
// and runs its _initialize export when present. The entry is not called
// until Run.
func (e *Executor) NewInstance(ctx context.Context, guest Guest, opts ...Option) (*Instance, error) {
	cfg := defaultRunConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	compiled, err := e.getCompiled(ctx, guest)
	if err != nil {
		return nil, err
	}

	name := fmt.Sprintf("%s#%d", guest.Name(), e.seq.Add(1))
	log := e.log.With(zap.String("instance", name))
	inst := &Instance{
		exec:    e,
		name:    name,
		guest:   guest,
		cfg:     cfg,
		host:    hostfunc.NewHost(cfg.hostConfig(log)),
		log:     log,
		callCtx: ctx,
	}

	// bridge calls made while instantiating must resolve
	if err := e.register(inst); err != nil {
		inst.host.Close()
		return nil, err
	}

	moduleConfig := wazero.NewModuleConfig().
		WithName(name).
		WithArgs(guest.Args()...).
		WithStartFunctions().
		WithSysWalltime().
		WithSysNanotime().
		WithSysNanosleep()
	if cfg.stdout != nil {
		moduleConfig = moduleConfig.WithStdout(cfg.stdout)
	}
	if cfg.stderr != nil {
		moduleConfig = moduleConfig.WithStderr(cfg.stderr)
	}
	for k, v := range cfg.env {
		moduleConfig = moduleConfig.WithEnv(k, v)
	}

	mod, err := e.runtime.InstantiateModule(ctx, compiled, moduleConfig)
	if err != nil {
		e.unregister(name)
		inst.host.Close()
		return nil, fmt.Errorf("instantiate %s: %w", guest.Name(), err)
	}
	inst.mod = mod

	if err := inst.bindExports(); err != nil {
		inst.Close()
		return nil, err
	}

	if mod.ExportedFunction(ExportInitialize) != nil {
		if _, err := inst.Call(ctx, ExportInitialize); err != nil {
			inst.Close()
			return nil, fmt.Errorf("initialize: %w", err)
		}
	}

	log.Debug("instance created", zap.String("guest", guest.Name()))
	return inst, nil
}

func (i *Instance) bindExports() error {
	if i.mod.ExportedMemory(ExportMemory) == nil {
		return fmt.Errorf("%w: %s", ErrMissingExport, ExportMemory)
	}

	required := []struct {
		name string
		fn   *api.Function
	}{
		{ExportMalloc, &i.malloc},
		{ExportFree, &i.free},
		{ExportOnResponse, &i.onResponse},
		{ExportOnBytesPre, &i.onBytesPre},
		{ExportOnBytesPost, &i.onBytesPost},
	}
	var err error
	for _, r := range required {
		*r.fn = i.mod.ExportedFunction(r.name)
		if *r.fn == nil {
			err = multierr.Append(err, fmt.Errorf("%w: %s", ErrMissingExport, r.name))
		}
	}
	if err != nil {
		return err
	}

	i.onFile = i.mod.ExportedFunction(ExportOnFile)
	i.onStatus = i.mod.ExportedFunction(ExportOnStatus)
	return nil
}

// Run calls the configured entry export and then keeps delivering bridge
// callbacks until no bridged work is left.
func (i *Instance) Run(ctx context.Context) error {
	_, err := i.Call(ctx, i.cfg.entry)
	return err
}

// Call invokes an exported guest function on the event loop and drives the
// loop until it is idle. The function's results are returned even when a
// later callback fails.
func (i *Instance) Call(ctx context.Context, export string, params ...uint64) ([]uint64, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.closed {
		return nil, ErrInstanceClosed
	}

	fn := i.mod.ExportedFunction(export)
	if fn == nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingExport, export)
	}

	if i.cfg.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.cfg.timeout)
		defer cancel()
	}
	i.callCtx = ctx

	var results []uint64
	i.host.Loop.Post(func() {
		res, err := i.invoke(fn, params...)
		if err == nil {
			results = res
		}
	})

	if err := i.host.Loop.Run(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return results, fmt.Errorf("timeout after %v", i.cfg.timeout)
		}
		return results, fmt.Errorf("%s: %w", export, err)
	}
	return results, nil
}

// invoke calls a guest function from a loop task. Traps stop the loop; a
// clean exit does not.
func (i *Instance) invoke(fn api.Function, params ...uint64) ([]uint64, error) {
	res, err := fn.Call(i.callCtx, params...)
	if err == nil {
		return res, nil
	}

	var exit *sys.ExitError
	if errors.As(err, &exit) && exit.ExitCode() == 0 {
		i.log.Debug("guest exited", zap.String("func", fn.Definition().Name()))
		return nil, err
	}
	i.host.Loop.Fail(fmt.Errorf("guest %s: %w", fn.Definition().Name(), err))
	return nil, err
}

// Name returns the unique module name of this instance.
func (i *Instance) Name() string { return i.name }

// Guest returns the guest this instance was created from.
func (i *Instance) Guest() Guest { return i.guest }

// Host exposes the instance's capabilities, mainly for inspection.
func (i *Instance) Host() *hostfunc.Host { return i.host }

// Module returns the underlying wazero module.
func (i *Instance) Module() api.Module { return i.mod }

// Close releases the guest module and every handle it still owns.
func (i *Instance) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.closed {
		return nil
	}
	i.closed = true
	i.exec.unregister(i.name)

	err := i.host.Close()
	if i.mod != nil {
		err = multierr.Append(err, i.mod.Close(context.Background()))
	}
	i.log.Debug("instance closed")
	return err
}
