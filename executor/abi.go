package executor

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/caffeineduck/embridge/hostfunc"
)

// HostModule is the import module name guests link the bridge under.
const HostModule = "embridge"

// Functions the bridge exports to the guest.
const (
	FuncSendRequest       = "send_request"
	FuncGetResponseBytes  = "get_response_bytes"
	FuncGetResponseChunks = "get_response_chunks"
	FuncDestroyValue      = "destroy_value"
	FuncGetGlobal         = "get_global"
	FuncValueFromBytes    = "value_from_bytes"
	FuncValueEquals       = "value_equals"
	FuncClockOffsetUTC    = "clock_offset_utc"
	FuncClockOffsetLocal  = "clock_offset_local"
	FuncFileLoad          = "file_load"
	FuncFileSave          = "file_save"
	FuncSetTimeout        = "set_timeout"
	FuncConsoleLog        = "console_log"
)

// Functions the guest exports for the host to call back into.
const (
	ExportMemory      = "memory"
	ExportMalloc      = "_bridge_malloc"
	ExportFree        = "_bridge_free"
	ExportOnResponse  = "_bridge_on_response"
	ExportOnBytesPre  = "_bridge_on_bytes_pre"
	ExportOnBytesPost = "_bridge_on_bytes_post"
	ExportOnFile      = "_bridge_on_file"
	ExportOnStatus    = "_bridge_on_status"
	ExportInitialize  = "_initialize"
)

// Sizes of the fixed records exchanged through guest memory. All fields
// are little endian uint32 unless noted.
const (
	// timeout_ms u64, headers_ptr, headers_len, body_ptr, body_len
	AttrsSize = 24
	// name_ptr, name_len, value_ptr, value_len
	HeaderSize = 16
	// ptr, len
	StringEntrySize = 8
)

// maxTimeoutMillis keeps the millisecond timeout representable as a
// time.Duration.
const maxTimeoutMillis = math.MaxInt64 / int64(time.Millisecond)

// memoryReader is the read side of guest memory; api.Memory satisfies it.
type memoryReader interface {
	Read(offset, byteCount uint32) ([]byte, bool)
}

func readRaw(mem memoryReader, ptr, n uint32) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	b, ok := mem.Read(ptr, n)
	if !ok {
		return nil, fmt.Errorf("read %d bytes at %#x: out of range", n, ptr)
	}
	return b, nil
}

func readString(mem memoryReader, ptr, n uint32) (string, error) {
	b, err := readRaw(mem, ptr, n)
	return string(b), err
}

// readBytes copies n bytes out of guest memory.
func readBytes(mem memoryReader, ptr, n uint32) ([]byte, error) {
	b, err := readRaw(mem, ptr, n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

// readTable reads count fixed-size records starting at ptr.
func readTable(mem memoryReader, ptr, count, size uint32) ([]byte, error) {
	total := uint64(count) * uint64(size)
	if total > math.MaxUint32 {
		return nil, fmt.Errorf("table of %d entries too large", count)
	}
	return readRaw(mem, ptr, uint32(total))
}

// decodeRequest builds a request from the attrs record at ptr. A zero ptr
// means defaults: no timeout, no headers, no body.
func decodeRequest(mem memoryReader, method, url string, ptr uint32) (hostfunc.Request, error) {
	req := hostfunc.Request{Method: method, URL: url}
	if ptr == 0 {
		return req, nil
	}

	raw, err := readRaw(mem, ptr, AttrsSize)
	if err != nil {
		return req, fmt.Errorf("attrs: %w", err)
	}
	le := binary.LittleEndian

	if ms := le.Uint64(raw[0:]); ms > 0 {
		if ms > uint64(maxTimeoutMillis) {
			ms = uint64(maxTimeoutMillis)
		}
		req.Timeout = time.Duration(ms) * time.Millisecond
	}

	req.Headers, err = decodeHeaders(mem, le.Uint32(raw[8:]), le.Uint32(raw[12:]))
	if err != nil {
		return req, err
	}

	if bodyPtr := le.Uint32(raw[16:]); bodyPtr != 0 {
		body, err := readBytes(mem, bodyPtr, le.Uint32(raw[20:]))
		if err != nil {
			return req, fmt.Errorf("body: %w", err)
		}
		if body == nil {
			body = []byte{}
		}
		req.Body = body
	}
	return req, nil
}

func decodeHeaders(mem memoryReader, ptr, count uint32) ([]hostfunc.Header, error) {
	if count == 0 {
		return nil, nil
	}
	table, err := readTable(mem, ptr, count, HeaderSize)
	if err != nil {
		return nil, fmt.Errorf("headers: %w", err)
	}

	le := binary.LittleEndian
	headers := make([]hostfunc.Header, count)
	for i := range headers {
		e := table[i*HeaderSize:]
		name, err := readString(mem, le.Uint32(e[0:]), le.Uint32(e[4:]))
		if err != nil {
			return nil, fmt.Errorf("header %d name: %w", i, err)
		}
		value, err := readString(mem, le.Uint32(e[8:]), le.Uint32(e[12:]))
		if err != nil {
			return nil, fmt.Errorf("header %d value: %w", i, err)
		}
		headers[i] = hostfunc.Header{Name: name, Value: value}
	}
	return headers, nil
}

func decodeStringList(mem memoryReader, ptr, count uint32) ([]string, error) {
	if count == 0 {
		return nil, nil
	}
	table, err := readTable(mem, ptr, count, StringEntrySize)
	if err != nil {
		return nil, err
	}

	le := binary.LittleEndian
	out := make([]string, count)
	for i := range out {
		e := table[i*StringEntrySize:]
		s, err := readString(mem, le.Uint32(e[0:]), le.Uint32(e[4:]))
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		out[i] = s
	}
	return out, nil
}

// headersSize is the size of the block encodeHeaders produces.
func headersSize(headers []hostfunc.Header) uint32 {
	n := len(headers) * HeaderSize
	for _, h := range headers {
		n += len(h.Name) + len(h.Value)
	}
	return uint32(n)
}

// encodeHeaders lays out the header table followed by its strings, with
// pointers relative to base, the block's address in guest memory.
func encodeHeaders(headers []hostfunc.Header, base uint32) []byte {
	buf := make([]byte, headersSize(headers))
	le := binary.LittleEndian

	str := uint32(len(headers) * HeaderSize)
	put := func(entry []byte, s string) {
		le.PutUint32(entry[0:], base+str)
		le.PutUint32(entry[4:], uint32(len(s)))
		copy(buf[str:], s)
		str += uint32(len(s))
	}
	for i, h := range headers {
		e := buf[i*HeaderSize:]
		put(e[0:8], h.Name)
		put(e[8:16], h.Value)
	}
	return buf
}
