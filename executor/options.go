package executor

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/caffeineduck/embridge/hostfunc"
	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"
)

// DefaultEntry is the export Run calls when no entry is configured.
const DefaultEntry = "_start"

// Option configures one guest instance.
type Option func(*runConfig)

type runConfig struct {
	timeout time.Duration
	entry   string
	stdout  io.Writer
	stderr  io.Writer
	env     map[string]string
	globals map[string]string

	allowedHosts     []string
	httpMaxURLLength int
	httpMaxBodySize  int64
	httpMaxTimeout   time.Duration
	chunkSize        int
	transport        http.RoundTripper

	mounts        []hostfunc.Mount
	fsMaxFileSize int64
	picker        hostfunc.Picker
	saveDialog    hostfunc.SaveDialog

	location *time.Location
}

func defaultRunConfig() runConfig {
	return runConfig{
		timeout: 30 * time.Second,
		entry:   DefaultEntry,
		env:     make(map[string]string),
		globals: make(map[string]string),
	}
}

func (c *runConfig) hostConfig(log *zap.Logger) hostfunc.Config {
	return hostfunc.Config{
		HTTP: hostfunc.HTTPConfig{
			AllowedHosts: c.allowedHosts,
			MaxBodySize:  c.httpMaxBodySize,
			MaxURLLength: c.httpMaxURLLength,
			MaxTimeout:   c.httpMaxTimeout,
			ChunkSize:    c.chunkSize,
			Transport:    c.transport,
		},
		Files: hostfunc.FilesConfig{
			Mounts:      c.mounts,
			MaxFileSize: c.fsMaxFileSize,
			Picker:      c.picker,
			SaveDialog:  c.saveDialog,
		},
		Location: c.location,
		Globals:  c.globals,
		Logger:   log,
	}
}

// HostConfig applies opts and returns the host configuration an instance
// would get, for driving a [hostfunc.Host] without a guest.
func HostConfig(log *zap.Logger, opts ...Option) hostfunc.Config {
	cfg := defaultRunConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg.hostConfig(log)
}

// WithTimeout bounds each Run or Call, including the callbacks it waits for.
// Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(c *runConfig) {
		c.timeout = d
	}
}

// WithEntry sets the export Run calls.
func WithEntry(name string) Option {
	return func(c *runConfig) {
		if name != "" {
			c.entry = name
		}
	}
}

// WithStdout sets where the guest's stdout goes.
func WithStdout(w io.Writer) Option {
	return func(c *runConfig) {
		c.stdout = w
	}
}

// WithStderr sets where the guest's stderr goes.
func WithStderr(w io.Writer) Option {
	return func(c *runConfig) {
		c.stderr = w
	}
}

func WithEnv(key, value string) Option {
	return func(c *runConfig) {
		c.env[key] = value
	}
}

// WithGlobal exposes value to the guest under name, reachable with
// get_global.
func WithGlobal(name, value string) Option {
	return func(c *runConfig) {
		c.globals[name] = value
	}
}

// WithAllowedHosts sets the list of hosts that requests can access.
func WithAllowedHosts(hosts []string) Option {
	return func(c *runConfig) {
		c.allowedHosts = hosts
	}
}

// WithHTTPMaxURLLength sets the maximum URL length for requests.
func WithHTTPMaxURLLength(size int) Option {
	return func(c *runConfig) {
		c.httpMaxURLLength = size
	}
}

// WithHTTPMaxBodySize caps request bodies and bulk response reads.
func WithHTTPMaxBodySize(size int64) Option {
	return func(c *runConfig) {
		c.httpMaxBodySize = size
	}
}

// WithHTTPMaxTimeout caps every request deadline, including requests that
// asked for none.
func WithHTTPMaxTimeout(d time.Duration) Option {
	return func(c *runConfig) {
		c.httpMaxTimeout = d
	}
}

// WithChunkSize sets the largest chunk handed to the guest while streaming.
func WithChunkSize(n int) Option {
	return func(c *runConfig) {
		c.chunkSize = n
	}
}

// WithTransport replaces the HTTP transport used for guest requests.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *runConfig) {
		c.transport = rt
	}
}

// Mount permission modes (re-exported from hostfunc for convenience).
const (
	MountReadOnly        = hostfunc.MountReadOnly
	MountReadWrite       = hostfunc.MountReadWrite
	MountReadWriteCreate = hostfunc.MountReadWriteCreate
)

// WithMount adds a directory the file bridge may load from or save into.
// Saves without a dialog go to the mount at [hostfunc.DownloadsPath].
//
// Examples:
//
//	executor.WithMount("/data", "./input", executor.MountReadOnly)
//	executor.WithMount("/downloads", "./out", executor.MountReadWriteCreate)
func WithMount(virtualPath, hostPath string, mode hostfunc.MountMode) Option {
	return func(c *runConfig) {
		c.mounts = append(c.mounts, hostfunc.Mount{
			VirtualPath: virtualPath,
			HostPath:    hostPath,
			Mode:        mode,
		})
	}
}

// WithFSMaxFileSize sets the maximum size of a loaded file.
func WithFSMaxFileSize(size int64) Option {
	return func(c *runConfig) {
		c.fsMaxFileSize = size
	}
}

// WithPicker attaches the dialog used by file_load.
func WithPicker(p hostfunc.Picker) Option {
	return func(c *runConfig) {
		c.picker = p
	}
}

// WithSaveDialog attaches the dialog used by file_save.
func WithSaveDialog(d hostfunc.SaveDialog) Option {
	return func(c *runConfig) {
		c.saveDialog = d
	}
}

// WithLocation sets the zone clock queries answer for. Default is the
// host's local zone.
func WithLocation(loc *time.Location) Option {
	return func(c *runConfig) {
		c.location = loc
	}
}

// ExecutorOption configures the Executor at creation time.
type ExecutorOption func(*executorConfig)

// HostModuleFunc instantiates an extra host module into the executor's
// runtime.
type HostModuleFunc func(ctx context.Context, rt wazero.Runtime) error

type executorConfig struct {
	diskCache        bool
	cacheDir         string
	precompile       []Guest
	memoryLimitPages uint32 // Max memory pages (each page = 64KB), 0 = default (4GB)
	logger           *zap.Logger
	hostModules      []HostModuleFunc
}

func defaultExecutorConfig() executorConfig {
	return executorConfig{
		diskCache:        false,
		memoryLimitPages: 0, // 0 means use wazero default (65536 pages = 4GB)
	}
}

// WithDiskCache enables persistent compilation cache for faster CLI startup.
// Optionally provide a custom directory; otherwise uses ~/.cache/embridge or
// XDG_CACHE_HOME/embridge.
//
// Examples:
//
//	executor.New(executor.WithDiskCache())            // default dir
//	executor.New(executor.WithDiskCache("/tmp/cache")) // custom dir
func WithDiskCache(dir ...string) ExecutorOption {
	return func(c *executorConfig) {
		c.diskCache = true
		if len(dir) > 0 && dir[0] != "" {
			c.cacheDir = dir[0]
		}
	}
}

// WithPrecompile compiles the given guests at Executor creation time.
// This moves the compilation cost to startup rather than first instance.
func WithPrecompile(guests ...Guest) ExecutorOption {
	return func(c *executorConfig) {
		c.precompile = guests
	}
}

// WithMemoryLimit sets the maximum memory available to WASM modules.
// Each page is 64KB. Examples:
//   - WithMemoryLimit(16) = 1MB max
//   - WithMemoryLimit(256) = 16MB max
//   - WithMemoryLimit(1024) = 64MB max
//
// Default is 0 (no limit, up to 4GB).
func WithMemoryLimit(pages uint32) ExecutorOption {
	return func(c *executorConfig) {
		c.memoryLimitPages = pages
	}
}

// WithLogger sets the logger for the executor and every host it creates.
func WithLogger(log *zap.Logger) ExecutorOption {
	return func(c *executorConfig) {
		c.logger = log
	}
}

// WithHostModule instantiates an extra host module next to the bridge, for
// guests that import more than the bridge provides.
func WithHostModule(fn HostModuleFunc) ExecutorOption {
	return func(c *executorConfig) {
		c.hostModules = append(c.hostModules, fn)
	}
}

// Memory limit constants for convenience.
const (
	MemoryLimit1MB   uint32 = 16    // 1 MB
	MemoryLimit16MB  uint32 = 256   // 16 MB
	MemoryLimit64MB  uint32 = 1024  // 64 MB
	MemoryLimit256MB uint32 = 4096  // 256 MB
	MemoryLimit1GB   uint32 = 16384 // 1 GB
)
