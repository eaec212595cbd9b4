package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/caffeineduck/embridge/executor"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start HTTP server for running guests",
	Long: `Start an HTTP server that runs WebAssembly guests uploaded as request
bodies. Host settings come from flags and --config and apply to every
guest the server starts; file dialogs are never shown.

Endpoints:
  POST   /run?entry=&timeout=     Run a guest once (body: wasm)
  POST   /instances               Create a long-lived instance, returns {"instance_id":"..."}
  POST   /instances/{id}/call     Call an export {"export":"...","params":[...]}
  DELETE /instances/{id}          Close an instance
  GET    /health                  Health check`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	serveCmd.Flags().Duration("instance-ttl", 15*time.Minute, "Close instances idle for longer than this")
	serveCmd.Flags().Int64("max-module-size", 32<<20, "Largest accepted module in bytes")
	serveCmd.Flags().String("memory", "", "Memory limit: 1mb, 16mb, 64mb, 256mb, 1gb")
	addHostFlags(serveCmd)
	rootCmd.AddCommand(serveCmd)
}

type instanceManager struct {
	instances map[string]*serverInstance
	mu        sync.RWMutex
	ttl       time.Duration
	stop      chan struct{}
	once      sync.Once
}

type serverInstance struct {
	inst     *executor.Instance
	output   *lockedBuffer
	mu       sync.Mutex
	lastUsed time.Time
}

// lockedBuffer collects guest output written from the loop while a
// handler may be draining it.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// drain returns and clears what was written so far.
func (b *lockedBuffer) drain() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.buf.String()
	b.buf.Reset()
	return s
}

func newInstanceManager(ttl time.Duration) *instanceManager {
	im := &instanceManager{
		instances: make(map[string]*serverInstance),
		ttl:       ttl,
		stop:      make(chan struct{}),
	}
	go im.cleanup()
	return im
}

func (im *instanceManager) create(ctx context.Context, exec *executor.Executor, guest executor.Guest, opts ...executor.Option) (string, error) {
	out := new(lockedBuffer)
	opts = append(opts, executor.WithStdout(out), executor.WithStderr(out))
	inst, err := exec.NewInstance(ctx, guest, opts...)
	if err != nil {
		return "", err
	}

	id := generateInstanceID()
	im.mu.Lock()
	im.instances[id] = &serverInstance{
		inst:     inst,
		output:   out,
		lastUsed: time.Now(),
	}
	im.mu.Unlock()
	return id, nil
}

func (im *instanceManager) get(id string) (*serverInstance, bool) {
	im.mu.Lock()
	defer im.mu.Unlock()
	si, ok := im.instances[id]
	if ok {
		si.lastUsed = time.Now()
	}
	return si, ok
}

func (im *instanceManager) close(id string) bool {
	im.mu.Lock()
	si, ok := im.instances[id]
	delete(im.instances, id)
	im.mu.Unlock()
	if ok {
		si.inst.Close()
	}
	return ok
}

func (im *instanceManager) len() int {
	im.mu.RLock()
	defer im.mu.RUnlock()
	return len(im.instances)
}

func (im *instanceManager) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-im.stop:
			return
		case <-ticker.C:
			im.expire(time.Now())
		}
	}
}

// expire closes every instance idle since before now minus the ttl.
func (im *instanceManager) expire(now time.Time) {
	im.mu.Lock()
	var stale []*serverInstance
	for id, si := range im.instances {
		if now.Sub(si.lastUsed) > im.ttl {
			stale = append(stale, si)
			delete(im.instances, id)
		}
	}
	im.mu.Unlock()
	for _, si := range stale {
		si.inst.Close()
	}
}

func (im *instanceManager) closeAll() {
	im.once.Do(func() { close(im.stop) })
	im.mu.Lock()
	all := im.instances
	im.instances = make(map[string]*serverInstance)
	im.mu.Unlock()
	for _, si := range all {
		si.inst.Close()
	}
}

func generateInstanceID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%x", b)
}

type runResponse struct {
	Output     string `json:"output"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

type createInstanceResponse struct {
	InstanceID string `json:"instance_id"`
}

type callRequest struct {
	Export string   `json:"export"`
	Params []uint64 `json:"params,omitempty"`
}

type callResponse struct {
	Results    []uint64 `json:"results"`
	Output     string   `json:"output"`
	DurationMs int64    `json:"duration_ms"`
	Error      string   `json:"error,omitempty"`
}

type server struct {
	exec      *executor.Executor
	opts      []executor.Option
	instances *instanceManager
	maxModule int64
	log       *zap.Logger
}

func newServer(exec *executor.Executor, opts []executor.Option, ttl time.Duration, log *zap.Logger) *server {
	return &server{
		exec:      exec,
		opts:      opts,
		instances: newInstanceManager(ttl),
		maxModule: 32 << 20,
		log:       log,
	}
}

func (s *server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /run", s.handleRun)
	mux.HandleFunc("POST /instances", s.handleCreate)
	mux.HandleFunc("POST /instances/{id}/call", s.handleCall)
	mux.HandleFunc("DELETE /instances/{id}", s.handleDelete)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

func (s *server) close() {
	s.instances.closeAll()
}

// readGuest reads the uploaded module from the request body.
func (s *server) readGuest(w http.ResponseWriter, r *http.Request) (executor.Guest, bool) {
	wasm, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxModule))
	if err != nil {
		http.Error(w, fmt.Sprintf("reading module: %v", err), http.StatusRequestEntityTooLarge)
		return nil, false
	}
	if len(wasm) == 0 {
		http.Error(w, "module required", http.StatusBadRequest)
		return nil, false
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		name = "guest"
	}
	return executor.NewBinary(name, wasm), true
}

func (s *server) handleRun(w http.ResponseWriter, r *http.Request) {
	guest, ok := s.readGuest(w, r)
	if !ok {
		return
	}

	opts := append([]executor.Option(nil), s.opts...)
	q := r.URL.Query()
	if entry := q.Get("entry"); entry != "" {
		opts = append(opts, executor.WithEntry(entry))
	}
	if t := q.Get("timeout"); t != "" {
		d, err := time.ParseDuration(t)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid timeout: %v", err), http.StatusBadRequest)
			return
		}
		opts = append(opts, executor.WithTimeout(d))
	}

	result := s.exec.Run(r.Context(), guest, opts...)

	resp := runResponse{
		Output:     result.Output,
		DurationMs: result.Duration.Milliseconds(),
	}
	if result.Error != nil {
		resp.Error = result.Error.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleCreate(w http.ResponseWriter, r *http.Request) {
	guest, ok := s.readGuest(w, r)
	if !ok {
		return
	}

	id, err := s.instances.create(r.Context(), s.exec, guest, s.opts...)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to create instance: %v", err), http.StatusUnprocessableEntity)
		return
	}
	s.log.Debug("instance created", zap.String("id", id))
	writeJSON(w, http.StatusCreated, createInstanceResponse{InstanceID: id})
}

func (s *server) handleCall(w http.ResponseWriter, r *http.Request) {
	si, ok := s.instances.get(r.PathValue("id"))
	if !ok {
		http.Error(w, "instance not found", http.StatusNotFound)
		return
	}

	var req callRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Export == "" {
		http.Error(w, "export required", http.StatusBadRequest)
		return
	}

	si.mu.Lock()
	start := time.Now()
	results, err := si.inst.Call(r.Context(), req.Export, req.Params...)
	duration := time.Since(start)
	output := si.output.drain()
	si.mu.Unlock()

	resp := callResponse{
		Results:    results,
		Output:     output,
		DurationMs: duration.Milliseconds(),
	}
	if err != nil {
		resp.Error = err.Error()
	}
	if errors.Is(err, executor.ErrInstanceClosed) {
		writeJSON(w, http.StatusGone, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if !s.instances.close(r.PathValue("id")) {
		http.Error(w, "instance not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func runServe(cmd *cobra.Command, args []string) error {
	port, _ := cmd.Flags().GetInt("port")
	ttl, _ := cmd.Flags().GetDuration("instance-ttl")
	maxModule, _ := cmd.Flags().GetInt64("max-module-size")

	// a server has no terminal to show dialogs on
	if !cmd.Flags().Changed("dialogs") {
		cmd.Flags().Set("dialogs", "false")
	}

	st, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	defer st.log.Sync()

	exec, err := executor.New(st.executor...)
	if err != nil {
		return err
	}
	defer exec.Close()

	srv := newServer(exec, st.run, ttl, st.log)
	srv.maxModule = maxModule
	defer srv.close()

	addr := fmt.Sprintf(":%d", port)
	hs := &http.Server{Addr: addr, Handler: srv.handler()}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	errc := make(chan error, 1)
	go func() { errc <- hs.ListenAndServe() }()
	fmt.Fprintf(cmd.ErrOrStderr(), "embridge server listening on %s\n", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return hs.Shutdown(shutdownCtx)
}
