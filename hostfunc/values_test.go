package hostfunc

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type closeCounter struct {
	n   int
	err error
}

func (c *closeCounter) Close() error {
	c.n++
	return c.err
}

func TestValuesNeverIssueZero(t *testing.T) {
	v := NewValues(nil)
	for i := 0; i < 10; i++ {
		h := v.Create(i)
		if h == InvalidHandle {
			t.Fatalf("create %d returned the invalid handle", i)
		}
	}
}

func TestValuesDestroyReusesSlot(t *testing.T) {
	v := NewValues(nil)
	a := v.Create("a")
	b := v.Create("b")

	v.Destroy(a)
	if _, ok := v.Get(a); ok {
		t.Error("destroyed handle still resolves")
	}
	if got, _ := v.Get(b); got != "b" {
		t.Errorf("expected b to survive, got %v", got)
	}

	c := v.Create("c")
	if c != a {
		t.Errorf("expected slot %d to be reused, got %d", a, c)
	}
	if v.Len() != 2 {
		t.Errorf("expected 2 live handles, got %d", v.Len())
	}
}

func TestValuesDestroyClosesValue(t *testing.T) {
	v := NewValues(nil)
	c := &closeCounter{}
	h := v.Create(c)

	v.Destroy(h)
	v.Destroy(h)
	assert.Equal(t, 1, c.n, "second destroy must be a no-op")
}

func TestValuesDestroyUnknownIsNoop(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	v := NewValues(zap.New(core))

	v.Destroy(InvalidHandle)
	v.Destroy(99)
	assert.Equal(t, 2, logs.FilterMessage("destroy of unknown handle").Len())
	assert.Zero(t, v.Len())
}

func TestValuesDestroyLogsCloseError(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	v := NewValues(zap.New(core))

	v.Destroy(v.Create(&closeCounter{err: errors.New("boom")}))
	require.Equal(t, 1, logs.FilterMessage("close on destroy").Len())
}

func TestValuesLookupGlobal(t *testing.T) {
	v := NewValues(nil)
	v.SetGlobal("location", Bytes("https://app.example.com/"))

	h1 := v.LookupGlobal("location")
	h2 := v.LookupGlobal("location")
	require.NotEqual(t, InvalidHandle, h1)
	require.NotEqual(t, h1, h2, "each lookup hands out a fresh owned handle")
	assert.True(t, v.Equals(h1, h2))

	// mutating one copy must not affect the other or the global
	got, _ := v.Get(h1)
	got.(Bytes)[0] = 'X'
	assert.False(t, v.Equals(h1, h2))

	v.Destroy(h1)
	v.Destroy(h2)
	h3 := v.LookupGlobal("location")
	got, _ = v.Get(h3)
	assert.Equal(t, "https://app.example.com/", string(got.(Bytes)))
}

func TestValuesLookupMissingGlobal(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	v := NewValues(zap.New(core))

	assert.Equal(t, InvalidHandle, v.LookupGlobal("document"))
	assert.Equal(t, 1, logs.FilterMessage("global not found").Len())
	assert.Zero(t, v.Len())
}

func TestValuesEquals(t *testing.T) {
	v := NewValues(nil)
	r := &response{}
	ra := v.Create(r)
	rb := v.Create(r)
	other := v.Create(&response{})

	tests := []struct {
		name string
		a, b Handle
		want bool
	}{
		{"same bytes", v.NewBytes([]byte("x")), v.NewBytes([]byte("x")), true},
		{"different bytes", v.NewBytes([]byte("x")), v.NewBytes([]byte("y")), false},
		{"same string", v.Create("s"), v.Create("s"), true},
		{"bytes vs string", v.NewBytes([]byte("s")), v.Create("s"), false},
		{"same response", ra, rb, true},
		{"different response", ra, other, false},
		{"invalid", InvalidHandle, InvalidHandle, false},
		{"self", ra, ra, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := v.Equals(tt.a, tt.b); got != tt.want {
				t.Errorf("Equals(%d, %d) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestValuesCloseCombinesErrors(t *testing.T) {
	v := NewValues(nil)
	a := &closeCounter{err: errors.New("a")}
	b := &closeCounter{err: errors.New("b")}
	ok := &closeCounter{}
	v.Create(a)
	v.Destroy(v.Create(ok))
	v.Create(b)

	err := v.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a")
	assert.Contains(t, err.Error(), "b")
	assert.Equal(t, 1, a.n)
	assert.Equal(t, 1, b.n)
	assert.Equal(t, 1, ok.n, "destroyed values are not closed twice")
}

func TestValuesGlobals(t *testing.T) {
	v := NewValues(nil)
	v.SetGlobal("a", "1")
	v.SetGlobal("b", "2")
	assert.ElementsMatch(t, []string{"a", "b"}, v.Globals())
}
