package sandbox

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/caffeineduck/embridge/executor"
	"github.com/caffeineduck/embridge/hostfunc"
	"github.com/caffeineduck/embridge/internal/wasmtest"
)

// Integration tests - one full run per test
// Unit tests for individual components are in their respective packages

func TestBasicExecution(t *testing.T) {
	result := Run(wasmtest.Hello("hello\n"), DefaultConfig())
	if result.Error != nil {
		t.Fatalf("unexpected error: %v", result.Error)
	}
	if strings.TrimSpace(result.Output) != "hello" {
		t.Errorf("expected 'hello', got %q", result.Output)
	}
}

func TestDurationTracked(t *testing.T) {
	result := Run(wasmtest.Hello("x"), DefaultConfig())
	if result.Duration <= 0 {
		t.Error("expected positive duration")
	}
}

func TestInvalidModule(t *testing.T) {
	result := Run([]byte("definitely not wasm"), DefaultConfig())
	if result.Error == nil {
		t.Fatal("expected error for invalid module")
	}
}

func TestMissingEntry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Entry = "main"
	result := Run(wasmtest.Hello("x"), cfg)
	if result.Error == nil || !strings.Contains(result.Error.Error(), "missing export") {
		t.Errorf("expected missing export error, got %v", result.Error)
	}
}

func TestHTTPActuallyMakesRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/test-path" {
			t.Errorf("expected path /test-path, got %s", r.URL.Path)
		}
		w.WriteHeader(201)
		io.WriteString(w, `{"received": true}`)
	}))
	defer server.Close()

	rec := &wasmtest.Recorder{}
	rec.OnResponse = func(wasmtest.Response) int32 { return wasmtest.ReadBytes }

	g := wasmtest.NewGuest()
	g.Start(g.Get(server.URL+"/test-path", 0, 1, 9))

	cfg := DefaultConfig()
	cfg.AllowedHosts = []string{"127.0.0.1"}
	cfg.HostModules = []executor.HostModuleFunc{rec.Instantiate}

	result := Run(g.Build(), cfg)
	if result.Error != nil {
		t.Fatalf("unexpected error: %v", result.Error)
	}

	resps := rec.Responses()
	if len(resps) != 1 {
		t.Fatalf("expected one response, got %d", len(resps))
	}
	if resps[0].Status != hostfunc.StatusSuccess || resps[0].Code != 201 {
		t.Errorf("unexpected response %+v", resps[0])
	}
	if body := string(rec.Body()); !strings.Contains(body, "received") {
		t.Errorf("expected 'received' in body, got %q", body)
	}
}

func TestHTTPBlockedByDefault(t *testing.T) {
	rec := &wasmtest.Recorder{}

	g := wasmtest.NewGuest()
	g.Start(g.Get("http://example.com/", 0, 1, 1))

	cfg := DefaultConfig()
	cfg.HostModules = []executor.HostModuleFunc{rec.Instantiate}

	result := Run(g.Build(), cfg)
	if result.Error != nil {
		t.Fatalf("unexpected error: %v", result.Error)
	}
	resps := rec.Responses()
	if len(resps) != 1 || resps[0].Status != hostfunc.StatusException {
		t.Errorf("expected one exception response, got %+v", resps)
	}
}

func TestTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	rec := &wasmtest.Recorder{}
	g := wasmtest.NewGuest()
	g.Start(g.Get(server.URL, 0, 1, 1))

	cfg := Config{
		Timeout:      200 * time.Millisecond,
		AllowedHosts: []string{"127.0.0.1"},
		HostModules:  []executor.HostModuleFunc{rec.Instantiate},
	}
	result := Run(g.Build(), cfg)
	if result.Error == nil {
		t.Fatal("expected timeout error")
	}
	if !strings.Contains(result.Error.Error(), "timeout") {
		t.Errorf("expected timeout error, got %v", result.Error)
	}
	if len(rec.Responses()) != 0 {
		t.Error("callback should not fire after the run timed out")
	}
}

func TestRunsAreIsolated(t *testing.T) {
	rec := &wasmtest.Recorder{}
	rec.OnResponse = func(wasmtest.Response) int32 { return wasmtest.KeepHandle }

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "kept")
	}))
	defer server.Close()

	g := wasmtest.NewGuest()
	g.Start(g.Get(server.URL, 0, 1, 1))
	cfg := DefaultConfig()
	cfg.AllowedHosts = []string{"127.0.0.1"}
	cfg.HostModules = []executor.HostModuleFunc{rec.Instantiate}

	first := Run(g.Build(), cfg)
	second := Run(g.Build(), cfg)
	if first.Error != nil || second.Error != nil {
		t.Fatalf("unexpected errors: %v, %v", first.Error, second.Error)
	}

	// each run starts with an empty handle table
	resps := rec.Responses()
	if len(resps) != 2 {
		t.Fatalf("expected two responses, got %d", len(resps))
	}
	if resps[0].Handle != resps[1].Handle {
		t.Errorf("handles should be numbered per run, got %d and %d", resps[0].Handle, resps[1].Handle)
	}
}
