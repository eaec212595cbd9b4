package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/caffeineduck/embridge/executor"
	"github.com/caffeineduck/embridge/hostfunc"
	"github.com/caffeineduck/embridge/internal/config"
	"github.com/caffeineduck/embridge/internal/picker"
)

var rootCmd = &cobra.Command{
	Use:   "embridge",
	Short: "Host bridge for WebAssembly guests",
	Long: `embridge - Run WebAssembly guests against a host bridge.

Guests reach the outside world only through the embridge host module:
asynchronous HTTP requests with bulk or chunked body transfer, opaque
handles, named globals, file load and save dialogs, and clock offsets.
Nothing is reachable until it is enabled with flags or a config file.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().Bool("no-cache", false, "Disable compilation cache")
}

type stringSliceValue []string

func (s *stringSliceValue) String() string { return strings.Join(*s, ",") }
func (s *stringSliceValue) Set(v string) error {
	*s = append(*s, v)
	return nil
}
func (s *stringSliceValue) Type() string { return "string" }

// settings is everything a command needs after flags and the config file
// have been merged.
type settings struct {
	cfg      config.Config
	log      *zap.Logger
	run      []executor.Option
	executor []executor.ExecutorOption
}

// loadSettings reads --config, lets explicitly set flags override it and
// builds the logger and executor options.
func loadSettings(cmd *cobra.Command) (*settings, error) {
	var cfg config.Config
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	if err := applyFlags(cmd, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log, err := cfg.Log.Logger()
	if err != nil {
		return nil, err
	}
	hostfunc.SetLogger(log)

	runOpts, err := cfg.RunOptions()
	if err != nil {
		return nil, err
	}
	if cfg.Files.DialogsEnabled() && picker.Available() {
		term := picker.New(nil, nil)
		runOpts = append(runOpts, executor.WithPicker(term), executor.WithSaveDialog(term))
	}

	execOpts := append(cfg.ExecutorOptions(), executor.WithLogger(log))
	if noCache, _ := cmd.Flags().GetBool("no-cache"); !noCache {
		execOpts = append(execOpts, executor.WithDiskCache())
	}

	return &settings{cfg: cfg, log: log, run: runOpts, executor: execOpts}, nil
}

// applyFlags copies every flag the user set onto cfg. Flags a command does
// not define are skipped.
func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	changed := func(name string) bool {
		f := flags.Lookup(name)
		return f != nil && f.Changed
	}

	if changed("log-level") {
		cfg.Log.Level, _ = flags.GetString("log-level")
	}
	if changed("entry") {
		cfg.Entry, _ = flags.GetString("entry")
	}
	if changed("timeout") {
		d, _ := flags.GetDuration("timeout")
		cfg.Timeout = d.String()
	}
	if changed("tz") {
		cfg.Timezone, _ = flags.GetString("tz")
	}
	if changed("memory") {
		s, _ := flags.GetString("memory")
		pages, err := parseMemoryLimit(s)
		if err != nil {
			return err
		}
		cfg.MemoryPages = pages
	}
	if changed("env") {
		env, _ := flags.GetStringToString("env")
		if cfg.Env == nil {
			cfg.Env = make(map[string]string)
		}
		for k, v := range env {
			cfg.Env[k] = v
		}
	}
	if changed("global") {
		globals, _ := flags.GetStringToString("global")
		if cfg.Globals == nil {
			cfg.Globals = make(map[string]string)
		}
		for k, v := range globals {
			cfg.Globals[k] = v
		}
	}

	if changed("allow-host") {
		cfg.HTTP.AllowedHosts, _ = flags.GetStringSlice("allow-host")
	}
	if changed("http-max-url") {
		cfg.HTTP.MaxURLLength, _ = flags.GetInt("http-max-url")
	}
	if changed("http-max-body") {
		cfg.HTTP.MaxBodySize, _ = flags.GetInt64("http-max-body")
	}
	if changed("http-max-timeout") {
		d, _ := flags.GetDuration("http-max-timeout")
		cfg.HTTP.MaxTimeout = d.String()
	}
	if changed("chunk-size") {
		cfg.HTTP.ChunkSize, _ = flags.GetInt("chunk-size")
	}

	if changed("mount") {
		specs, _ := flags.GetStringSlice("mount")
		for _, spec := range specs {
			m, err := config.ParseMount(spec)
			if err != nil {
				return err
			}
			cfg.Files.Mounts = append(cfg.Files.Mounts, m)
		}
	}
	if changed("fs-max-file") {
		cfg.Files.MaxFileSize, _ = flags.GetInt64("fs-max-file")
	}
	if changed("dialogs") {
		on, _ := flags.GetBool("dialogs")
		cfg.Files.Dialogs = &on
	}
	return nil
}

// addHostFlags registers the flags shared by every command that creates
// guest instances.
func addHostFlags(cmd *cobra.Command) {
	cmd.Flags().Duration("timeout", 0, "Bound on one run including callbacks (default 30s)")
	cmd.Flags().String("tz", "", "IANA zone clock offsets answer for (default: local)")
	cmd.Flags().StringToString("global", nil, "Expose a global to get_global as name=value (repeatable)")
	cmd.Flags().StringToString("env", nil, "Environment variable for the guest as KEY=VALUE (repeatable)")

	cmd.Flags().StringSlice("allow-host", nil, "Allow HTTP to host (repeatable, * for any)")
	cmd.Flags().Int("http-max-url", 0, "Max HTTP URL length (default 8192)")
	cmd.Flags().Int64("http-max-body", 0, "Max request body and read_all size in bytes (default 1MiB)")
	cmd.Flags().Duration("http-max-timeout", 0, "Cap on every request deadline")
	cmd.Flags().Int("chunk-size", 0, "Largest chunk handed out while streaming (default 16KiB)")

	cmd.Flags().StringSlice("mount", nil, "Mount directory virtual:host[:mode] for file_load/file_save (repeatable)")
	cmd.Flags().Int64("fs-max-file", 0, "Max size of a loaded file in bytes (default 10MiB)")
	cmd.Flags().Bool("dialogs", true, "Show terminal dialogs for file_load and file_save")
}

func parseMemoryLimit(s string) (uint32, error) {
	switch strings.ToLower(s) {
	case "", "0", "none":
		return 0, nil
	case "1mb":
		return executor.MemoryLimit1MB, nil
	case "16mb":
		return executor.MemoryLimit16MB, nil
	case "64mb":
		return executor.MemoryLimit64MB, nil
	case "256mb":
		return executor.MemoryLimit256MB, nil
	case "1gb":
		return executor.MemoryLimit1GB, nil
	default:
		return 0, fmt.Errorf("invalid memory limit %q (expected 1mb, 16mb, 64mb, 256mb or 1gb)", s)
	}
}
