package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/caffeineduck/embridge/executor"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Compilation cache management commands",
	Long: `Manage the on-disk cache of compiled guest modules. run, repl and
serve use it unless --no-cache is given.`,
}

var cacheDirCmd = &cobra.Command{
	Use:   "dir",
	Short: "Print the cache directory",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), cacheDir)
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear compiled module cache",
	Args:  cobra.NoArgs,
	RunE:  runCacheClear,
}

var cacheDir = executor.DefaultCacheDir()

func init() {
	cacheCmd.AddCommand(cacheDirCmd)
	cacheCmd.AddCommand(cacheClearCmd)
	rootCmd.AddCommand(cacheCmd)
}

func runCacheClear(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(cacheDir); os.IsNotExist(err) {
		fmt.Fprintln(cmd.OutOrStdout(), "Cache already empty")
		return nil
	}
	if err := os.RemoveAll(cacheDir); err != nil {
		return fmt.Errorf("clearing cache: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cleared %s\n", cacheDir)
	return nil
}
