package hostfunc

import (
	"net/http"
	"sort"
)

// FlattenHeaders turns h into (name, value) pairs: names in sorted canonical
// form, one pair per value, values in their original order.
func FlattenHeaders(h http.Header) []Header {
	if len(h) == 0 {
		return nil
	}
	names := make([]string, 0, len(h))
	n := 0
	for name, values := range h {
		names = append(names, name)
		n += len(values)
	}
	sort.Strings(names)

	pairs := make([]Header, 0, n)
	for _, name := range names {
		for _, value := range h[name] {
			pairs = append(pairs, Header{Name: http.CanonicalHeaderKey(name), Value: value})
		}
	}
	return pairs
}

// applyHeaders adds pairs to h, keeping repeated names as separate values.
func applyHeaders(h http.Header, pairs []Header) {
	for _, p := range pairs {
		h.Add(p.Name, p.Value)
	}
}
