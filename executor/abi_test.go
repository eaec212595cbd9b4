package executor

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/caffeineduck/embridge/hostfunc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func put(t *testing.T, a *hostfunc.Arena, p []byte) uint32 {
	t.Helper()
	ptr, err := a.Alloc(uint32(len(p)), 0)
	require.NoError(t, err)
	require.True(t, a.Write(ptr, p))
	return ptr
}

func putString(t *testing.T, a *hostfunc.Arena, s string) (uint32, uint32) {
	return put(t, a, []byte(s)), uint32(len(s))
}

func putAttrs(t *testing.T, a *hostfunc.Arena, timeoutMs uint64, headers []hostfunc.Header, body []byte, withBody bool) uint32 {
	t.Helper()
	le := binary.LittleEndian

	var table []byte
	for _, h := range headers {
		np, nn := putString(t, a, h.Name)
		vp, vn := putString(t, a, h.Value)
		e := make([]byte, HeaderSize)
		le.PutUint32(e[0:], np)
		le.PutUint32(e[4:], nn)
		le.PutUint32(e[8:], vp)
		le.PutUint32(e[12:], vn)
		table = append(table, e...)
	}

	attrs := make([]byte, AttrsSize)
	le.PutUint64(attrs[0:], timeoutMs)
	if len(table) > 0 {
		le.PutUint32(attrs[8:], put(t, a, table))
		le.PutUint32(attrs[12:], uint32(len(headers)))
	}
	if withBody {
		// a zero-length body still needs a non-null pointer
		bp := put(t, a, append([]byte{0}, body...)) + 1
		le.PutUint32(attrs[16:], bp)
		le.PutUint32(attrs[20:], uint32(len(body)))
	}
	return put(t, a, attrs)
}

func TestDecodeRequestDefaults(t *testing.T) {
	req, err := decodeRequest(hostfunc.NewArena(), "GET", "https://x/ok", 0)
	require.NoError(t, err)
	assert.Equal(t, "GET", req.Method)
	assert.Equal(t, "https://x/ok", req.URL)
	assert.Zero(t, req.Timeout)
	assert.Nil(t, req.Headers)
	assert.Nil(t, req.Body)
}

func TestDecodeRequestAttrs(t *testing.T) {
	a := hostfunc.NewArena()
	headers := []hostfunc.Header{
		{Name: "Accept", Value: "text/plain"},
		{Name: "X-Trace", Value: "1"},
		{Name: "X-Trace", Value: "2"},
	}
	ptr := putAttrs(t, a, 250, headers, []byte(`{"a":1}`), true)

	req, err := decodeRequest(a, "POST", "https://x/post", ptr)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, req.Timeout)
	assert.Equal(t, headers, req.Headers)
	assert.Equal(t, `{"a":1}`, string(req.Body))
}

func TestDecodeRequestEmptyBody(t *testing.T) {
	a := hostfunc.NewArena()
	ptr := putAttrs(t, a, 0, nil, nil, true)

	req, err := decodeRequest(a, "POST", "https://x/", ptr)
	require.NoError(t, err)
	require.NotNil(t, req.Body)
	assert.Empty(t, req.Body)
}

func TestDecodeRequestHugeTimeout(t *testing.T) {
	a := hostfunc.NewArena()
	ptr := putAttrs(t, a, ^uint64(0), nil, nil, false)

	req, err := decodeRequest(a, "GET", "https://x/", ptr)
	require.NoError(t, err)
	assert.Positive(t, req.Timeout)
}

func TestDecodeRequestOutOfRange(t *testing.T) {
	a := hostfunc.NewArena()

	_, err := decodeRequest(a, "GET", "https://x/", 1<<20)
	assert.ErrorContains(t, err, "attrs")

	attrs := make([]byte, AttrsSize)
	binary.LittleEndian.PutUint32(attrs[8:], 1<<20)
	binary.LittleEndian.PutUint32(attrs[12:], 2)
	_, err = decodeRequest(a, "GET", "https://x/", put(t, a, attrs))
	assert.ErrorContains(t, err, "headers")

	attrs = make([]byte, AttrsSize)
	binary.LittleEndian.PutUint32(attrs[16:], 1<<20)
	binary.LittleEndian.PutUint32(attrs[20:], 4)
	_, err = decodeRequest(a, "GET", "https://x/", put(t, a, attrs))
	assert.ErrorContains(t, err, "body")
}

func TestDecodeStringList(t *testing.T) {
	a := hostfunc.NewArena()
	le := binary.LittleEndian

	var table []byte
	for _, s := range []string{".txt", "image/png", ""} {
		p, n := putString(t, a, s)
		e := make([]byte, StringEntrySize)
		le.PutUint32(e[0:], p)
		le.PutUint32(e[4:], n)
		table = append(table, e...)
	}
	got, err := decodeStringList(a, put(t, a, table), 3)
	require.NoError(t, err)
	assert.Equal(t, []string{".txt", "image/png", ""}, got)

	got, err = decodeStringList(a, 0, 0)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = decodeStringList(a, 1<<20, 1)
	assert.Error(t, err)
}

func TestEncodeHeaders(t *testing.T) {
	headers := []hostfunc.Header{
		{Name: "Content-Type", Value: "text/plain"},
		{Name: "X-Empty", Value: ""},
	}
	a := hostfunc.NewArena()
	size := headersSize(headers)
	assert.Equal(t, uint32(2*HeaderSize+len("Content-Type")+len("text/plain")+len("X-Empty")), size)

	base, err := a.Alloc(size, 0)
	require.NoError(t, err)
	require.True(t, a.Write(base, encodeHeaders(headers, base)))

	got, err := decodeHeaders(a, base, uint32(len(headers)))
	require.NoError(t, err)
	assert.Equal(t, headers, got)
}

func TestReadBytesCopies(t *testing.T) {
	a := hostfunc.NewArena()
	ptr, n := putString(t, a, "abc")

	b, err := readBytes(a, ptr, n)
	require.NoError(t, err)
	require.True(t, a.Write(ptr, []byte("xyz")))
	assert.Equal(t, "abc", string(b))

	b, err = readBytes(a, 0, 0)
	require.NoError(t, err)
	assert.Nil(t, b)
}
