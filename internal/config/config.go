// Package config loads the embridge configuration file.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/caffeineduck/embridge/executor"
	"github.com/caffeineduck/embridge/hostfunc"
)

// Config mirrors the YAML file. Every field is optional; command line flags
// override what the file sets.
type Config struct {
	Entry       string            `yaml:"entry,omitempty" jsonschema:"description=Export called by run,default=_start"`
	Timeout     string            `yaml:"timeout,omitempty" validate:"omitempty,duration" jsonschema:"description=Bound on one run including the callbacks it waits for,example=30s"`
	Timezone    string            `yaml:"timezone,omitempty" validate:"omitempty,timezone" jsonschema:"description=IANA zone clock queries answer for,example=Europe/Berlin"`
	MemoryPages uint32            `yaml:"memory_pages,omitempty" validate:"lte=65536" jsonschema:"description=Guest memory limit in 64KiB pages; 0 means no limit"`
	Env         map[string]string `yaml:"env,omitempty" jsonschema:"description=Environment variables visible to the guest"`
	Globals     map[string]string `yaml:"globals,omitempty" jsonschema:"description=Named values the guest can look up with get_global"`
	HTTP        HTTP              `yaml:"http,omitempty"`
	Files       Files             `yaml:"files,omitempty"`
	Log         Log               `yaml:"log,omitempty"`
}

type HTTP struct {
	AllowedHosts []string `yaml:"allowed_hosts,omitempty" validate:"dive,required" jsonschema:"description=Hosts requests may reach; * allows any"`
	MaxURLLength int      `yaml:"max_url_length,omitempty" validate:"gte=0"`
	MaxBodySize  int64    `yaml:"max_body_size,omitempty" validate:"gte=0" jsonschema:"description=Largest response body read_all accepts in bytes"`
	MaxTimeout   string   `yaml:"max_timeout,omitempty" validate:"omitempty,duration"`
	ChunkSize    int      `yaml:"chunk_size,omitempty" validate:"gte=0" jsonschema:"description=Largest chunk handed to the guest while streaming"`
}

type Files struct {
	Mounts      []Mount `yaml:"mounts,omitempty" validate:"dive"`
	MaxFileSize int64   `yaml:"max_file_size,omitempty" validate:"gte=0"`
	Dialogs     *bool   `yaml:"dialogs,omitempty" jsonschema:"description=Show terminal dialogs for file_load and file_save when attached to a terminal,default=true"`
}

type Mount struct {
	Virtual string `yaml:"virtual" validate:"required,startswith=/"`
	Host    string `yaml:"host" validate:"required"`
	Mode    string `yaml:"mode,omitempty" validate:"omitempty,oneof=ro rw rwc" jsonschema:"enum=ro,enum=rw,enum=rwc,default=ro"`
}

type Log struct {
	Level  string `yaml:"level,omitempty" validate:"omitempty,oneof=debug info warn error" jsonschema:"enum=debug,enum=info,enum=warn,enum=error,default=warn"`
	Format string `yaml:"format,omitempty" validate:"omitempty,oneof=console json" jsonschema:"enum=console,enum=json,default=console"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		_, err := time.ParseDuration(fl.Field().String())
		return err == nil
	})
	return v
}

// Load reads and validates the file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML and validates the result. Unknown keys are errors.
func Parse(data []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// Schema returns the JSON schema of the file format.
func Schema() ([]byte, error) {
	reflector := jsonschema.Reflector{
		ExpandedStruct: true,
		FieldNameTag:   "yaml",
	}
	schema := reflector.Reflect(&Config{})
	schema.Title = "embridge configuration"

	out, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return out, nil
}

// ParseMount parses virtual:host[:mode] as given on the command line.
func ParseMount(s string) (Mount, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return Mount{}, fmt.Errorf("invalid mount %q: want virtual:host[:mode]", s)
	}
	m := Mount{Virtual: parts[0], Host: parts[1]}
	if len(parts) == 3 {
		m.Mode = parts[2]
	}
	if err := validate.Struct(m); err != nil {
		return Mount{}, fmt.Errorf("invalid mount %q: %w", s, err)
	}
	return m, nil
}

func (m Mount) mode() hostfunc.MountMode {
	switch m.Mode {
	case "rw":
		return hostfunc.MountReadWrite
	case "rwc":
		return hostfunc.MountReadWriteCreate
	default:
		return hostfunc.MountReadOnly
	}
}

// DialogsEnabled reports whether terminal dialogs may be used.
func (f Files) DialogsEnabled() bool {
	return f.Dialogs == nil || *f.Dialogs
}

// RunOptions translates the file into instance options. c must be valid.
func (c Config) RunOptions() ([]executor.Option, error) {
	var opts []executor.Option

	if c.Entry != "" {
		opts = append(opts, executor.WithEntry(c.Entry))
	}
	if c.Timeout != "" {
		d, err := time.ParseDuration(c.Timeout)
		if err != nil {
			return nil, fmt.Errorf("timeout: %w", err)
		}
		opts = append(opts, executor.WithTimeout(d))
	}
	if c.Timezone != "" {
		loc, err := time.LoadLocation(c.Timezone)
		if err != nil {
			return nil, fmt.Errorf("timezone: %w", err)
		}
		opts = append(opts, executor.WithLocation(loc))
	}
	for k, v := range c.Env {
		opts = append(opts, executor.WithEnv(k, v))
	}
	for k, v := range c.Globals {
		opts = append(opts, executor.WithGlobal(k, v))
	}

	h := c.HTTP
	if len(h.AllowedHosts) > 0 {
		opts = append(opts, executor.WithAllowedHosts(h.AllowedHosts))
	}
	if h.MaxURLLength > 0 {
		opts = append(opts, executor.WithHTTPMaxURLLength(h.MaxURLLength))
	}
	if h.MaxBodySize > 0 {
		opts = append(opts, executor.WithHTTPMaxBodySize(h.MaxBodySize))
	}
	if h.MaxTimeout != "" {
		d, err := time.ParseDuration(h.MaxTimeout)
		if err != nil {
			return nil, fmt.Errorf("http.max_timeout: %w", err)
		}
		opts = append(opts, executor.WithHTTPMaxTimeout(d))
	}
	if h.ChunkSize > 0 {
		opts = append(opts, executor.WithChunkSize(h.ChunkSize))
	}

	for _, m := range c.Files.Mounts {
		opts = append(opts, executor.WithMount(m.Virtual, m.Host, m.mode()))
	}
	if c.Files.MaxFileSize > 0 {
		opts = append(opts, executor.WithFSMaxFileSize(c.Files.MaxFileSize))
	}
	return opts, nil
}

// ExecutorOptions translates the executor-wide settings.
func (c Config) ExecutorOptions() []executor.ExecutorOption {
	var opts []executor.ExecutorOption
	if c.MemoryPages > 0 {
		opts = append(opts, executor.WithMemoryLimit(c.MemoryPages))
	}
	return opts
}

// Logger builds the process logger. The default level is warn.
func (l Log) Logger() (*zap.Logger, error) {
	level := l.Level
	if level == "" {
		level = "warn"
	}
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	zc := zap.NewDevelopmentConfig()
	if l.Format == "json" {
		zc = zap.NewProductionConfig()
	}
	zc.Level = lvl
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	return zc.Build()
}
