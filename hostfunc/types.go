package hostfunc

import "time"

// Header is one (name, value) pair. Multi-valued headers appear as several
// pairs with the same name.
type Header struct {
	Name  string
	Value string
}

// Request describes one outgoing host call.
type Request struct {
	Method  string
	URL     string
	Headers []Header
	Body    []byte        // nil means no body
	Timeout time.Duration // 0 means no automatic cancellation
}

// Response is what the dispatcher hands to the completion callback.
// Code and Handle are only meaningful when Status is StatusSuccess.
type Response struct {
	Status  Status
	Code    int
	Headers []Header
	Handle  Handle
}

// ResponseFunc receives the outcome of [HTTP.Send] together with the
// userdata passed at call time.
type ResponseFunc func(resp Response, userdata uint32)

// Memory is the guest linear memory as seen by the transfer protocol.
// wazero's api.Memory satisfies it.
type Memory interface {
	Write(offset uint32, v []byte) bool
}

// PreAllocFunc asks the guest for n writable bytes and returns their address.
type PreAllocFunc func(n uint32, userdata uint32) (uint32, error)

// PostFillFunc tells the guest that n bytes at ptr are filled and now owned
// by it. Terminal calls carry a null pointer and zero length.
type PostFillFunc func(status Status, ptr, n uint32, userdata uint32)

// StatusFunc receives a bare completion status.
type StatusFunc func(status Status, userdata uint32)

// Sink is the destination of a byte transfer: the guest memory plus the
// pre-allocate/fill callback pair with their userdata.
type Sink struct {
	Memory       Memory
	PreAlloc     PreAllocFunc
	PreUserdata  uint32
	PostFill     PostFillFunc
	PostUserdata uint32
}

// LoadResult is delivered when the file picker flow finishes.
type LoadResult struct {
	Status       Status
	Ptr          uint32
	Len          uint32
	LastModified int64 // unix milliseconds
	Name         Handle
}

// LoadFunc receives the outcome of [Files.Load].
type LoadFunc func(res LoadResult, userdata uint32)
