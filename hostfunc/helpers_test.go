package hostfunc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// newTestHost returns a host whose logs are captured by the returned
// observer.
func newTestHost(t *testing.T, cfg Config) (*Host, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	cfg.Logger = zap.New(core)
	host := NewHost(cfg)
	t.Cleanup(func() { host.Close() })
	return host, logs
}

func runLoop(t *testing.T, host *Host) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, host.Loop.Run(ctx))
}

type fillCall struct {
	status Status
	ptr    uint32
	n      uint32
	data   []byte
	ud     uint32
}

// recorder is a guest stand-in: an arena for memory plus a log of every
// fill callback, with overlap detection between cycles.
type recorder struct {
	arena   *Arena
	mu      sync.Mutex
	calls   []fillCall
	open    bool
	overlap bool
	preUD   []uint32
}

func newRecorder() *recorder {
	return &recorder{arena: NewArena()}
}

func (r *recorder) sink(preUD, postUD uint32) Sink {
	return Sink{
		Memory:       r.arena,
		PreAlloc:     r.preAlloc,
		PreUserdata:  preUD,
		PostFill:     r.postFill,
		PostUserdata: postUD,
	}
}

func (r *recorder) preAlloc(n, ud uint32) (uint32, error) {
	r.mu.Lock()
	if r.open {
		r.overlap = true
	}
	r.open = true
	r.preUD = append(r.preUD, ud)
	r.mu.Unlock()
	return r.arena.Alloc(n, ud)
}

func (r *recorder) postFill(status Status, ptr, n, ud uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.open = false
	call := fillCall{status: status, ptr: ptr, n: n, ud: ud}
	if n > 0 {
		call.data, _ = r.arena.Read(ptr, n)
	}
	r.calls = append(r.calls, call)
}

func (r *recorder) snapshot() []fillCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]fillCall(nil), r.calls...)
}

// send issues req and runs the loop until the response arrives.
func send(t *testing.T, host *Host, req Request) Response {
	t.Helper()
	var got []Response
	host.HTTP.Send(req, func(resp Response, _ uint32) {
		got = append(got, resp)
	}, 0)
	runLoop(t, host)
	require.Len(t, got, 1)
	return got[0]
}
