package hostfunc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"
)

var errBodyTooLarge = errors.New("body exceeds max size")

// ReadAll reads the whole value behind handle on the host, then hands it to
// the guest in a single pre-allocate/fill cycle.
func (h *HTTP) ReadAll(handle Handle, sink Sink) {
	post := h.loop.Reserve()

	src, err := h.acquire(handle)
	if err != nil {
		h.log.Error("read rejected", zap.Uint32("handle", uint32(handle)), zap.Error(err))
		post(func() { sink.PostFill(StatusException, 0, 0, sink.PostUserdata) })
		return
	}

	go func() {
		defer src.release()

		data, err := readLimited(src.r, h.cfg.MaxBodySize)
		if err != nil {
			status := h.readFailed(handle, src, err)
			post(func() { sink.PostFill(status, 0, 0, sink.PostUserdata) })
			return
		}

		post(func() {
			if err := fill(sink, data); err != nil {
				h.log.Error("transfer failed", zap.Uint32("handle", uint32(handle)), zap.Error(err))
				sink.PostFill(StatusException, 0, 0, sink.PostUserdata)
			}
		})
	}()
}

// ReadChunks hands the value behind handle to the guest one chunk at a time,
// in order. The next chunk is not read until the previous PostFill has
// returned. The stream ends with exactly one terminal PostFill.
func (h *HTTP) ReadChunks(handle Handle, sink Sink) {
	done := h.loop.Reserve()

	src, err := h.acquire(handle)
	if err != nil {
		h.log.Error("read rejected", zap.Uint32("handle", uint32(handle)), zap.Error(err))
		done(func() { sink.PostFill(StatusException, 0, 0, sink.PostUserdata) })
		return
	}

	go func() {
		defer src.release()

		buf := make([]byte, h.cfg.ChunkSize)
		for {
			n, err := src.r.Read(buf)
			if n > 0 {
				if !h.cycle(sink, buf[:n]) {
					src.abort()
					done(nil)
					return
				}
			}
			if err == io.EOF {
				done(func() { sink.PostFill(StatusStreamEnded, 0, 0, sink.PostUserdata) })
				return
			}
			if err != nil {
				status := h.readFailed(handle, src, err)
				done(func() { sink.PostFill(status, 0, 0, sink.PostUserdata) })
				return
			}
		}
	}()
}

// cycle runs one pre/post cycle for chunk on the loop and waits for it. On
// failure the terminal Exception has already been delivered.
func (h *HTTP) cycle(sink Sink, chunk []byte) bool {
	post := h.loop.Reserve()
	ack := make(chan bool, 1)

	post(func() {
		if err := fill(sink, chunk); err != nil {
			h.log.Error("chunk transfer failed", zap.Int("len", len(chunk)), zap.Error(err))
			sink.PostFill(StatusException, 0, 0, sink.PostUserdata)
			ack <- false
			return
		}
		ack <- true
	})

	select {
	case ok := <-ack:
		return ok
	case <-h.loop.Done():
		return false
	}
}

func (h *HTTP) readFailed(handle Handle, src *source, err error) Status {
	status := classify(src.ctx, err)
	src.abort()
	if status == StatusTimedOut {
		h.log.Debug("read timed out", zap.Uint32("handle", uint32(handle)))
	} else {
		h.log.Error("read failed", zap.Uint32("handle", uint32(handle)), zap.Error(err))
	}
	return status
}

// fill performs one cycle: place data in guest memory and pass ownership
// with PostFill.
func fill(sink Sink, data []byte) error {
	ptr, err := place(sink, data)
	if err != nil {
		return err
	}
	sink.PostFill(StatusSuccess, ptr, uint32(len(data)), sink.PostUserdata)
	return nil
}

// place asks the guest for len(data) bytes and copies data there.
func place(sink Sink, data []byte) (uint32, error) {
	n := uint32(len(data))
	ptr, err := sink.PreAlloc(n, sink.PreUserdata)
	if err != nil {
		return 0, fmt.Errorf("pre-allocate %d bytes: %w", n, err)
	}
	if n > 0 {
		if ptr == 0 {
			return 0, fmt.Errorf("pre-allocate %d bytes: null pointer", n)
		}
		if !sink.Memory.Write(ptr, data) {
			return 0, fmt.Errorf("write %d bytes at %#x: out of range", n, ptr)
		}
	}
	return ptr, nil
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

// source is a value checked out for one read operation.
type source struct {
	r       io.Reader
	ctx     context.Context
	release func()
	abort   func()
}

func (h *HTTP) acquire(handle Handle) (*source, error) {
	value, ok := h.values.Get(handle)
	if !ok {
		return nil, fmt.Errorf("unknown handle %d", handle)
	}

	noop := func() {}
	switch v := value.(type) {
	case *response:
		if !v.busy.CompareAndSwap(false, true) {
			return nil, fmt.Errorf("handle %d busy", handle)
		}
		return &source{
			r:       v.Reader(),
			ctx:     v.ctx,
			release: func() { v.busy.Store(false) },
			abort:   func() { _ = v.Close() },
		}, nil
	case Source:
		return &source{r: v.Reader(), release: noop, abort: noop}, nil
	case string:
		return &source{r: strings.NewReader(v), release: noop, abort: noop}, nil
	case []byte:
		return &source{r: bytes.NewReader(v), release: noop, abort: noop}, nil
	default:
		return nil, fmt.Errorf("handle %d is not readable (%T)", handle, value)
	}
}
