// Package sandbox runs a guest module once against a throwaway executor.
// Use the executor package directly to share compiled modules between runs
// or to keep instances alive.
package sandbox

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/caffeineduck/embridge/executor"
	"github.com/caffeineduck/embridge/hostfunc"
)

type Result struct {
	Output   string
	Duration time.Duration
	Error    error
}

type Config struct {
	Timeout      time.Duration
	Entry        string
	Args         []string
	AllowedHosts []string
	Globals      map[string]string
	Mounts       []hostfunc.Mount
	Location     *time.Location
	MemoryLimit  uint32 // pages; 0 means no limit
	HostModules  []executor.HostModuleFunc
	Logger       *zap.Logger
}

func DefaultConfig() Config {
	return Config{
		Timeout: 30 * time.Second,
	}
}

func (c Config) executorOptions() []executor.ExecutorOption {
	var opts []executor.ExecutorOption
	if c.Logger != nil {
		opts = append(opts, executor.WithLogger(c.Logger))
	}
	if c.MemoryLimit > 0 {
		opts = append(opts, executor.WithMemoryLimit(c.MemoryLimit))
	}
	for _, fn := range c.HostModules {
		opts = append(opts, executor.WithHostModule(fn))
	}
	return opts
}

func (c Config) runOptions() []executor.Option {
	opts := []executor.Option{
		executor.WithTimeout(c.Timeout),
		executor.WithEntry(c.Entry),
		executor.WithLocation(c.Location),
	}
	if len(c.AllowedHosts) > 0 {
		opts = append(opts, executor.WithAllowedHosts(c.AllowedHosts))
	}
	for name, value := range c.Globals {
		opts = append(opts, executor.WithGlobal(name, value))
	}
	for _, m := range c.Mounts {
		opts = append(opts, executor.WithMount(m.VirtualPath, m.HostPath, m.Mode))
	}
	return opts
}

// Run instantiates wasm, calls its entry and waits for every bridged
// operation it started.
func Run(wasm []byte, cfg Config) Result {
	return RunContext(context.Background(), wasm, cfg)
}

func RunContext(ctx context.Context, wasm []byte, cfg Config) Result {
	start := time.Now()

	exec, err := executor.New(cfg.executorOptions()...)
	if err != nil {
		return Result{Error: fmt.Errorf("executor: %w", err), Duration: time.Since(start)}
	}

	res := exec.Run(ctx, executor.NewBinary("guest", wasm, cfg.Args...), cfg.runOptions()...)

	return Result{
		Output:   res.Output,
		Duration: time.Since(start),
		Error:    multierr.Append(res.Error, exec.Close()),
	}
}
