package hostfunc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultMaxURLLength = 8192
	DefaultMaxBodySize  = 1 << 20 // 1MB
	DefaultChunkSize    = 16 << 10
)

// HTTPConfig controls which requests the guest may issue and how bodies are
// transferred back.
type HTTPConfig struct {
	AllowedHosts []string // "*" allows any host; empty disables HTTP
	MaxBodySize  int64    // bound on request bodies and bulk reads
	MaxURLLength int
	MaxTimeout   time.Duration // caps every request deadline; 0 = no cap
	ChunkSize    int           // largest chunk handed out by ReadChunks
	Transport    http.RoundTripper
}

// HTTP is the request dispatcher. Requests run on their own goroutines and
// complete on the loop.
type HTTP struct {
	cfg     HTTPConfig
	client  *http.Client
	loop    *Loop
	values  *Values
	pending *Registry[Response]
	ctx     context.Context
	cancel  context.CancelFunc
	log     *zap.Logger
}

func NewHTTP(cfg HTTPConfig, loop *Loop, values *Values, log *zap.Logger) *HTTP {
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	if cfg.MaxURLLength <= 0 {
		cfg.MaxURLLength = DefaultMaxURLLength
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if log == nil {
		log = Logger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &HTTP{
		cfg:     cfg,
		client:  &http.Client{Transport: cfg.Transport},
		loop:    loop,
		values:  values,
		pending: NewRegistry[Response](),
		ctx:     ctx,
		cancel:  cancel,
		log:     log.Named("http"),
	}
}

// Send issues req and returns immediately. onResponse runs exactly once on
// the loop when the request completes.
func (h *HTTP) Send(req Request, onResponse ResponseFunc, userdata uint32) {
	id := h.pending.Register(onResponse, userdata)
	post := h.loop.Reserve()

	go func() {
		resp := h.roundTrip(req)
		post(func() {
			if !h.pending.Fire(id, resp) {
				h.log.Warn("response already delivered", zap.Uint64("id", id))
			}
		})
	}()
}

// Pending returns the ids of requests whose callback has not fired yet,
// oldest first.
func (h *HTTP) Pending() []uint64 {
	return h.pending.List()
}

func (h *HTTP) roundTrip(req Request) Response {
	hreq, cancel, err := h.newRequest(req)
	if err != nil {
		h.log.Error("request rejected",
			zap.String("method", req.Method),
			zap.String("url", req.URL),
			zap.Error(err))
		return Response{Status: StatusException}
	}

	resp, err := h.client.Do(hreq)
	if err != nil {
		cancel()
		status := classify(hreq.Context(), err)
		if status == StatusTimedOut {
			h.log.Debug("request timed out", zap.String("url", req.URL), zap.Duration("timeout", req.Timeout))
		} else {
			h.log.Error("request failed",
				zap.String("method", hreq.Method),
				zap.String("url", req.URL),
				zap.Error(err))
		}
		return Response{Status: status}
	}

	r := &response{resp: resp, ctx: hreq.Context(), cancel: cancel}
	return Response{
		Status:  StatusSuccess,
		Code:    resp.StatusCode,
		Headers: FlattenHeaders(resp.Header),
		Handle:  h.values.Create(r),
	}
}

func (h *HTTP) newRequest(req Request) (*http.Request, context.CancelFunc, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	switch method {
	case "GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS":
	default:
		return nil, nil, fmt.Errorf("unsupported method: %s", method)
	}

	if req.URL == "" {
		return nil, nil, errors.New("url required")
	}
	if len(req.URL) > h.cfg.MaxURLLength {
		return nil, nil, errors.New("url exceeds max length")
	}

	parsed, err := url.Parse(req.URL)
	if err != nil {
		return nil, nil, errors.New("invalid url")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, nil, errors.New("scheme must be http or https")
	}

	if len(h.cfg.AllowedHosts) == 0 {
		return nil, nil, errors.New("http not enabled")
	}
	host := parsed.Hostname()
	if !h.isHostAllowed(host) {
		return nil, nil, fmt.Errorf("host not allowed: %s", host)
	}

	var body io.Reader
	if req.Body != nil {
		if int64(len(req.Body)) > h.cfg.MaxBodySize {
			return nil, nil, errors.New("request body exceeds max size")
		}
		body = bytes.NewReader(req.Body)
	}

	timeout := req.Timeout
	if h.cfg.MaxTimeout > 0 && (timeout == 0 || timeout > h.cfg.MaxTimeout) {
		timeout = h.cfg.MaxTimeout
	}

	var ctx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(h.ctx, timeout)
	} else {
		ctx, cancel = context.WithCancel(h.ctx)
	}

	hreq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	applyHeaders(hreq.Header, req.Headers)

	return hreq, cancel, nil
}

func (h *HTTP) isHostAllowed(host string) bool {
	ip := net.ParseIP(host)
	for _, allowed := range h.cfg.AllowedHosts {
		if allowed == "*" {
			return true
		}
		// IPs only match IPs, never through the subdomain rule
		if ip != nil {
			if aip := net.ParseIP(allowed); aip != nil && aip.Equal(ip) {
				return true
			}
			continue
		}
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

// Close cancels every in-flight request.
func (h *HTTP) Close() {
	h.cancel()
}

// classify maps a transport or read error to a status. Deadline expiry of
// ctx counts as a timeout even when the error itself does not say so.
func classify(ctx context.Context, err error) Status {
	if ctx != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return StatusTimedOut
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return StatusTimedOut
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return StatusTimedOut
	}
	return StatusException
}

// response is the host-resident value behind a response handle. Its
// deadline context lives until the handle is destroyed so body reads stay
// bounded by the request timeout.
type response struct {
	resp   *http.Response
	ctx    context.Context
	cancel context.CancelFunc
	busy   atomic.Bool
}

func (r *response) Reader() io.Reader { return r.resp.Body }

func (r *response) Close() error {
	err := r.resp.Body.Close()
	r.cancel()
	return err
}
