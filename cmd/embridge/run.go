package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/caffeineduck/embridge/executor"
)

var runCmd = &cobra.Command{
	Use:   "run <guest.wasm> [-- args...]",
	Short: "Run a guest until it has no bridged work left",
	Long: `Instantiate a WebAssembly guest against the bridge, call its entry
export and keep delivering callbacks until every request, transfer,
dialog and timer it started has completed.

Arguments after the module path are passed to the guest as argv:
  embridge run app.wasm -- --verbose input.json

Examples:
  embridge run app.wasm --allow-host api.example.com
  embridge run app.wasm --mount /downloads:./out:rwc --global token=abc
  embridge run app.wasm --config embridge.yaml --tz Europe/Berlin`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().String("entry", "", "Export to call (default _start)")
	runCmd.Flags().String("memory", "", "Memory limit: 1mb, 16mb, 64mb, 256mb, 1gb")
	addHostFlags(runCmd)
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	s, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	defer s.log.Sync()

	guest, err := executor.LoadFile(args[0], args[1:]...)
	if err != nil {
		return err
	}

	exec, err := executor.New(s.executor...)
	if err != nil {
		return err
	}
	defer exec.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	opts := append(s.run,
		executor.WithStdout(cmd.OutOrStdout()),
		executor.WithStderr(cmd.ErrOrStderr()),
	)
	inst, err := exec.NewInstance(ctx, guest, opts...)
	if err != nil {
		return err
	}
	defer inst.Close()

	if err := inst.Run(ctx); err != nil {
		if ctx.Err() == context.Canceled {
			return fmt.Errorf("interrupted")
		}
		return err
	}
	s.log.Debug("guest finished", zap.String("instance", inst.Name()))
	return nil
}
