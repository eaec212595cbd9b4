package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/caffeineduck/embridge/hostfunc"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	ErrExecutorClosed = errors.New("executor closed")
	ErrInstanceClosed = errors.New("instance closed")
	ErrMissingExport  = errors.New("missing export")
)

// Result holds the output and metadata from one run.
type Result struct {
	Output   string
	Duration time.Duration
	Error    error
}

// Executor manages the WASM runtime, the bridge host module and compiled
// module caching. Guests are instantiated from it with NewInstance.
type Executor struct {
	runtime   wazero.Runtime
	cache     wazero.CompilationCache
	compiled  map[string]wazero.CompiledModule
	instances map[string]*Instance
	seq       atomic.Uint64
	log       *zap.Logger
	mu        sync.RWMutex
	closed    bool
}

// New creates an Executor with WASI and the bridge host module installed.
func New(opts ...ExecutorOption) (*Executor, error) {
	cfg := defaultExecutorConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	log := cfg.logger
	if log == nil {
		log = hostfunc.Logger()
	}

	ctx := context.Background()

	var cache wazero.CompilationCache
	var err error

	if cfg.diskCache {
		cacheDir := cfg.cacheDir
		if cacheDir == "" {
			cacheDir = DefaultCacheDir()
		}
		cache, err = wazero.NewCompilationCacheWithDir(cacheDir)
		if err != nil {
			return nil, fmt.Errorf("create disk cache: %w", err)
		}
	}

	rtConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cache != nil {
		rtConfig = rtConfig.WithCompilationCache(cache)
	}
	if cfg.memoryLimitPages > 0 {
		rtConfig = rtConfig.WithMemoryLimitPages(cfg.memoryLimitPages)
	}

	e := &Executor{
		runtime:   wazero.NewRuntimeWithConfig(ctx, rtConfig),
		cache:     cache,
		compiled:  make(map[string]wazero.CompiledModule),
		instances: make(map[string]*Instance),
		log:       log,
	}

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, e.runtime); err != nil {
		e.Close()
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}
	if err := e.instantiateBridge(ctx); err != nil {
		e.Close()
		return nil, fmt.Errorf("instantiate %s: %w", HostModule, err)
	}
	for _, fn := range cfg.hostModules {
		if err := fn(ctx, e.runtime); err != nil {
			e.Close()
			return nil, fmt.Errorf("instantiate host module: %w", err)
		}
	}

	for _, guest := range cfg.precompile {
		if _, err := e.getCompiled(ctx, guest); err != nil {
			e.Close()
			return nil, fmt.Errorf("precompile %s: %w", guest.Name(), err)
		}
	}

	return e, nil
}

// Run instantiates guest, runs its entry until no bridged work is left, and
// closes the instance. Output collects stdout followed by stderr.
func (e *Executor) Run(ctx context.Context, guest Guest, opts ...Option) Result {
	start := time.Now()

	var stdout, stderr bytes.Buffer
	opts = append([]Option{WithStdout(&stdout), WithStderr(&stderr)}, opts...)

	inst, err := e.NewInstance(ctx, guest, opts...)
	if err != nil {
		return Result{Error: err, Duration: time.Since(start)}
	}

	runErr := inst.Run(ctx)
	closeErr := inst.Close()

	return Result{
		Output:   stdout.String() + stderr.String(),
		Duration: time.Since(start),
		Error:    multierr.Append(runErr, closeErr),
	}
}

// getCompiled returns a cached compiled module, compiling if necessary.
func (e *Executor) getCompiled(ctx context.Context, guest Guest) (wazero.CompiledModule, error) {
	name := guest.Name()

	e.mu.RLock()
	if compiled, ok := e.compiled[name]; ok {
		e.mu.RUnlock()
		return compiled, nil
	}
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, ErrExecutorClosed
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if compiled, ok := e.compiled[name]; ok {
		return compiled, nil
	}

	compiled, err := e.runtime.CompileModule(ctx, guest.Module())
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}

	e.compiled[name] = compiled
	return compiled, nil
}

func (e *Executor) register(inst *Instance) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrExecutorClosed
	}
	e.instances[inst.name] = inst
	return nil
}

func (e *Executor) unregister(name string) {
	e.mu.Lock()
	delete(e.instances, name)
	e.mu.Unlock()
}

// instance returns the live instance for a guest module name.
func (e *Executor) instance(name string) *Instance {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.instances[name]
}

// Instances returns the number of live instances.
func (e *Executor) Instances() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.instances)
}

// Close releases all resources held by the Executor, including instances
// that were never closed.
func (e *Executor) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	live := make([]*Instance, 0, len(e.instances))
	for _, inst := range e.instances {
		live = append(live, inst)
	}
	e.mu.Unlock()

	var err error
	for _, inst := range live {
		err = multierr.Append(err, inst.Close())
	}

	ctx := context.Background()
	err = multierr.Append(err, e.runtime.Close(ctx))
	if e.cache != nil {
		err = multierr.Append(err, e.cache.Close(ctx))
	}
	return err
}

// DefaultCacheDir is where WithDiskCache keeps compiled modules when no
// directory is given.
func DefaultCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "embridge")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "embridge")
	}
	return filepath.Join(os.TempDir(), "embridge-cache")
}
