package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/caffeineduck/embridge/executor"
	"github.com/caffeineduck/embridge/hostfunc"
	"github.com/caffeineduck/embridge/internal/config"
	"github.com/caffeineduck/embridge/internal/wasmtest"
)

func executeCommand(root *cobra.Command, args ...string) (string, error) {
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestCLIHelp(t *testing.T) {
	output, err := executeCommand(rootCmd, "--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedPhrases := []string{
		"embridge",
		"WebAssembly",
		"run",
		"repl",
		"serve",
		"schema",
		"cache",
		"--config",
	}

	for _, phrase := range expectedPhrases {
		if !strings.Contains(output, phrase) {
			t.Errorf("help output should contain %q", phrase)
		}
	}
}

func TestCLIRunHelp(t *testing.T) {
	output, err := executeCommand(rootCmd, "run", "--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedPhrases := []string{
		"--entry",
		"--timeout",
		"--allow-host",
		"--mount",
		"--global",
		"--tz",
		"--chunk-size",
		"--memory",
	}

	for _, phrase := range expectedPhrases {
		if !strings.Contains(output, phrase) {
			t.Errorf("run help output should contain %q", phrase)
		}
	}
}

func TestCLIReplHelp(t *testing.T) {
	output, err := executeCommand(rootCmd, "repl", "--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedPhrases := []string{
		"--history",
		"--allow-host",
		"Command history",
		"Line editing",
	}

	for _, phrase := range expectedPhrases {
		if !strings.Contains(output, phrase) {
			t.Errorf("repl help output should contain %q", phrase)
		}
	}
}

func TestCLIServeHelp(t *testing.T) {
	output, err := executeCommand(rootCmd, "serve", "--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedPhrases := []string{
		"--port",
		"--instance-ttl",
		"/run",
		"/instances",
		"/health",
	}

	for _, phrase := range expectedPhrases {
		if !strings.Contains(output, phrase) {
			t.Errorf("serve help output should contain %q", phrase)
		}
	}
}

func TestCLIRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hello.wasm")
	if err := os.WriteFile(path, wasmtest.Hello("hello from guest\n"), 0644); err != nil {
		t.Fatal(err)
	}

	output, err := executeCommand(rootCmd, "run", "--no-cache", path)
	if err != nil {
		t.Fatalf("unexpected error: %v\n%s", err, output)
	}
	if !strings.Contains(output, "hello from guest") {
		t.Errorf("expected guest output, got: %q", output)
	}
}

func TestCLIRunMissingFile(t *testing.T) {
	_, err := executeCommand(rootCmd, "run", "--no-cache", filepath.Join(t.TempDir(), "nope.wasm"))
	if err == nil {
		t.Fatal("expected error for missing module")
	}
	if !strings.Contains(err.Error(), "read guest") {
		t.Errorf("error should mention the module, got: %v", err)
	}
}

func TestCLISchema(t *testing.T) {
	output, err := executeCommand(rootCmd, "schema")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var schema map[string]any
	if err := json.Unmarshal([]byte(output), &schema); err != nil {
		t.Fatalf("schema is not json: %v", err)
	}
	if schema["title"] != "embridge configuration" {
		t.Errorf("unexpected title %v", schema["title"])
	}
}

func TestCLICacheClear(t *testing.T) {
	orig := cacheDir
	defer func() { cacheDir = orig }()

	cacheDir = filepath.Join(t.TempDir(), "cache")
	os.MkdirAll(cacheDir, 0755)
	os.WriteFile(filepath.Join(cacheDir, "module.bin"), []byte("compiled"), 0644)

	output, err := executeCommand(rootCmd, "cache", "clear")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(output, "Cleared") {
		t.Errorf("expected confirmation, got: %q", output)
	}
	if _, err := os.Stat(cacheDir); !os.IsNotExist(err) {
		t.Error("cache directory should be removed")
	}

	output, err = executeCommand(rootCmd, "cache", "clear")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(output, "already empty") {
		t.Errorf("expected empty message, got: %q", output)
	}
}

func TestCLIMemoryLimit(t *testing.T) {
	tests := []struct {
		in      string
		want    uint32
		wantErr bool
	}{
		{"", 0, false},
		{"1mb", executor.MemoryLimit1MB, false},
		{"16MB", executor.MemoryLimit16MB, false},
		{"1gb", executor.MemoryLimit1GB, false},
		{"2tb", 0, true},
	}

	for _, tc := range tests {
		got, err := parseMemoryLimit(tc.in)
		if tc.wantErr != (err != nil) {
			t.Errorf("parseMemoryLimit(%q) error = %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("parseMemoryLimit(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestApplyFlags(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("entry", "", "")
	cmd.Flags().String("memory", "", "")
	addHostFlags(cmd)

	err := cmd.ParseFlags([]string{
		"--entry", "main",
		"--timeout", "2s",
		"--memory", "16mb",
		"--allow-host", "api.example.com",
		"--mount", "/downloads:./out:rwc",
		"--global", "token=abc",
		"--dialogs=false",
	})
	if err != nil {
		t.Fatal(err)
	}

	cfg := config.Config{
		Timezone: "UTC",
		Globals:  map[string]string{"theme": "dark"},
	}
	if err := applyFlags(cmd, &cfg); err != nil {
		t.Fatalf("applyFlags: %v", err)
	}

	if cfg.Entry != "main" || cfg.Timeout != "2s" || cfg.MemoryPages != executor.MemoryLimit16MB {
		t.Errorf("unexpected run settings: %+v", cfg)
	}
	if cfg.Timezone != "UTC" {
		t.Errorf("unset flag should keep config value, got %q", cfg.Timezone)
	}
	if cfg.Globals["theme"] != "dark" || cfg.Globals["token"] != "abc" {
		t.Errorf("globals should merge, got %v", cfg.Globals)
	}
	if len(cfg.HTTP.AllowedHosts) != 1 || cfg.HTTP.AllowedHosts[0] != "api.example.com" {
		t.Errorf("unexpected hosts %v", cfg.HTTP.AllowedHosts)
	}
	if len(cfg.Files.Mounts) != 1 || cfg.Files.Mounts[0].Mode != "rwc" {
		t.Errorf("unexpected mounts %v", cfg.Files.Mounts)
	}
	if cfg.Files.DialogsEnabled() {
		t.Error("dialogs should be disabled")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("merged config should be valid: %v", err)
	}
}

func TestApplyFlagsBadMount(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	addHostFlags(cmd)
	if err := cmd.ParseFlags([]string{"--mount", "relative:./x"}); err != nil {
		t.Fatal(err)
	}
	var cfg config.Config
	if err := applyFlags(cmd, &cfg); err == nil {
		t.Error("expected error for relative virtual path")
	}
}

func TestCLICompletionCommands(t *testing.T) {
	// Verify completion subcommand exists
	found := false
	for _, cmd := range rootCmd.Commands() {
		if cmd.Name() == "completion" {
			found = true
			break
		}
	}
	if !found {
		t.Error("completion command should exist (provided by cobra)")
	}
}

func newTestConsole(t *testing.T, opts ...executor.Option) (*console, *bytes.Buffer) {
	t.Helper()
	opts = append([]executor.Option{executor.WithAllowedHosts([]string{"127.0.0.1"})}, opts...)
	host := hostfunc.NewHost(executor.HostConfig(zap.NewNop(), opts...))
	t.Cleanup(func() { host.Close() })

	out := new(bytes.Buffer)
	return newConsole(host, out), out
}

func run(t *testing.T, c *console, line string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	quit, err := c.exec(ctx, line)
	if err != nil {
		t.Fatalf("%s: %v", line, err)
	}
	if quit {
		t.Fatalf("%s: unexpected quit", line)
	}
}

func TestConsoleGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Echo", r.Header.Get("X-Test"))
		fmt.Fprintf(w, "%s hello world", r.Method)
	}))
	defer srv.Close()

	c, out := newTestConsole(t)
	run(t, c, "header X-Test: yes")
	run(t, c, "get "+srv.URL)

	got := out.String()
	for _, want := range []string{"200", "X-Echo: yes", "GET hello world"} {
		if !strings.Contains(got, want) {
			t.Errorf("output should contain %q, got: %q", want, got)
		}
	}
	if n := c.host.Values.Len(); n != 0 {
		t.Errorf("response handle should be released, %d live", n)
	}

	out.Reset()
	run(t, c, "header")
	if !strings.Contains(out.String(), "X-Test: yes") {
		t.Errorf("header list missing X-Test: %q", out.String())
	}
	run(t, c, "header clear")
	if len(c.headers) != 0 {
		t.Errorf("headers should be cleared, got %v", c.headers)
	}
}

func TestConsoleFetchAndStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)
		fmt.Fprintf(w, "%s [%s]", r.Method, body.String())
	}))
	defer srv.Close()

	c, out := newTestConsole(t, executor.WithChunkSize(4))
	run(t, c, "fetch post "+srv.URL+" some data")
	if !strings.Contains(out.String(), "POST [some data]") {
		t.Errorf("unexpected fetch output: %q", out.String())
	}

	out.Reset()
	run(t, c, "stream "+srv.URL)
	if !strings.Contains(out.String(), "GET []") || !strings.Contains(out.String(), "chunks]") {
		t.Errorf("unexpected stream output: %q", out.String())
	}
}

func TestConsoleRequestDenied(t *testing.T) {
	c, out := newTestConsole(t)
	run(t, c, "get http://example.com/")
	if !strings.Contains(out.String(), "exception") {
		t.Errorf("expected exception status, got: %q", out.String())
	}
}

func TestConsoleGlobal(t *testing.T) {
	c, out := newTestConsole(t, executor.WithGlobal("greeting", "hello"))
	run(t, c, "global greeting")
	if strings.TrimSpace(out.String()) != "hello" {
		t.Errorf("unexpected global output: %q", out.String())
	}

	_, err := c.exec(context.Background(), "global missing")
	if err == nil || !strings.Contains(err.Error(), "greeting") {
		t.Errorf("missing global should list known names, got: %v", err)
	}
}

func TestConsoleOffset(t *testing.T) {
	c, out := newTestConsole(t, executor.WithLocation(time.FixedZone("UTC+2", 2*60*60)))
	run(t, c, "offset 2024-01-01T00:00:00Z")
	if !strings.Contains(out.String(), "utc=-120 local=-120") {
		t.Errorf("unexpected offset output: %q", out.String())
	}
}

func TestConsoleSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	c, out := newTestConsole(t, executor.WithMount(hostfunc.DownloadsPath, dir, executor.MountReadWriteCreate))

	run(t, c, "save notes.txt remember the milk")
	data, err := os.ReadFile(filepath.Join(dir, "notes.txt"))
	if err != nil {
		t.Fatalf("saved file missing: %v (output %q)", err, out.String())
	}
	if string(data) != "remember the milk" {
		t.Errorf("unexpected contents %q", data)
	}

	// no picker is attached
	out.Reset()
	run(t, c, "load .txt")
	if !strings.Contains(out.String(), "exception") {
		t.Errorf("expected exception without a picker, got: %q", out.String())
	}
}

func TestConsoleCommands(t *testing.T) {
	c, out := newTestConsole(t)

	run(t, c, "help")
	if !strings.Contains(out.String(), "stream URL") {
		t.Errorf("help should list commands, got: %q", out.String())
	}

	out.Reset()
	run(t, c, "handles")
	if strings.TrimSpace(out.String()) != "0 live" {
		t.Errorf("unexpected handles output: %q", out.String())
	}

	run(t, c, "timeout 250ms")
	if c.timeout != 250*time.Millisecond {
		t.Errorf("timeout not applied: %v", c.timeout)
	}

	for _, bad := range []string{"frobnicate", "get", "timeout soon", "fetch GET", "header : x"} {
		if _, err := c.exec(context.Background(), bad); err == nil {
			t.Errorf("%q should fail", bad)
		}
	}

	quit, err := c.exec(context.Background(), "exit")
	if err != nil || !quit {
		t.Errorf("exit should quit, got quit=%v err=%v", quit, err)
	}
}
