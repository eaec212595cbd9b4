package hostfunc

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlattenHeaders(t *testing.T) {
	h := http.Header{}
	h.Add("x-b", "2")
	h.Add("Content-Type", "text/plain")
	h.Add("X-B", "1")
	h.Add("Set-Cookie", "a=1")
	h.Add("Set-Cookie", "b=2")

	assert.Equal(t, []Header{
		{"Content-Type", "text/plain"},
		{"Set-Cookie", "a=1"},
		{"Set-Cookie", "b=2"},
		{"X-B", "2"},
		{"X-B", "1"},
	}, FlattenHeaders(h))
}

func TestFlattenHeadersEmpty(t *testing.T) {
	assert.Nil(t, FlattenHeaders(nil))
	assert.Nil(t, FlattenHeaders(http.Header{}))
}

func TestApplyHeadersKeepsRepeats(t *testing.T) {
	h := http.Header{}
	applyHeaders(h, []Header{
		{"accept", "text/html"},
		{"Accept", "application/json"},
		{"X-Trace", "abc"},
	})
	assert.Equal(t, []string{"text/html", "application/json"}, h.Values("Accept"))
	assert.Equal(t, "abc", h.Get("X-Trace"))
}
