// Package header implements the ordered, case-insensitive header
// multimap the wire protocol needs: net/http's http.Header canonicalises
// keys and loses duplicate-key ordering, neither of which is acceptable
// when headers must be relayed byte-for-byte in their original order.
package header

import "strings"

// entry preserves the header's original key casing alongside its value;
// lookups key on the lowercased form.
type entry struct {
	key   string
	value string
}

// Headers is an ordered list of name/value pairs with case-insensitive
// lookup, preserving both insertion order and duplicate entries exactly
// as received on the wire.
type Headers struct {
	entries []entry
}

// New returns an empty Headers ready for use.
func New() *Headers {
	return &Headers{}
}

// Add appends a header, preserving any existing entries with the same
// name (case-insensitively) rather than replacing them.
func (h *Headers) Add(key, value string) {
	h.entries = append(h.entries, entry{key: key, value: value})
}

// Set replaces all existing entries for key (case-insensitively) with a
// single entry, preserving the position of the first match if any, or
// appending if key is not already present.
func (h *Headers) Set(key, value string) {
	lower := strings.ToLower(key)
	for i, e := range h.entries {
		if strings.ToLower(e.key) == lower {
			h.entries[i] = entry{key: key, value: value}
			h.removeFrom(i + 1)
			return
		}
	}
	h.Add(key, value)
}

// removeFrom deletes every remaining entry sharing the key at from-1,
// used by Set to collapse duplicate entries onto the first occurrence.
func (h *Headers) removeFrom(from int) {
	if from >= len(h.entries) {
		return
	}
	lower := strings.ToLower(h.entries[from-1].key)
	kept := h.entries[:from]
	for _, e := range h.entries[from:] {
		if strings.ToLower(e.key) != lower {
			kept = append(kept, e)
		}
	}
	h.entries = kept
}

// Get returns the first value for key (case-insensitively), or "" if
// absent.
func (h *Headers) Get(key string) string {
	lower := strings.ToLower(key)
	for _, e := range h.entries {
		if strings.ToLower(e.key) == lower {
			return e.value
		}
	}
	return ""
}

// Values returns every value for key in insertion order.
func (h *Headers) Values(key string) []string {
	lower := strings.ToLower(key)
	var out []string
	for _, e := range h.entries {
		if strings.ToLower(e.key) == lower {
			out = append(out, e.value)
		}
	}
	return out
}

// Del removes every entry for key (case-insensitively).
func (h *Headers) Del(key string) {
	lower := strings.ToLower(key)
	kept := h.entries[:0]
	for _, e := range h.entries {
		if strings.ToLower(e.key) != lower {
			kept = append(kept, e)
		}
	}
	h.entries = kept
}

// Has reports whether key is present (case-insensitively).
func (h *Headers) Has(key string) bool {
	lower := strings.ToLower(key)
	for _, e := range h.entries {
		if strings.ToLower(e.key) == lower {
			return true
		}
	}
	return false
}

// Each calls fn for every header in insertion order, with the original
// casing of each key.
func (h *Headers) Each(fn func(key, value string)) {
	for _, e := range h.entries {
		fn(e.key, e.value)
	}
}

// Len reports the number of header entries, counting duplicates.
func (h *Headers) Len() int {
	return len(h.entries)
}

// Clone returns an independent copy of h.
func (h *Headers) Clone() *Headers {
	c := &Headers{entries: make([]entry, len(h.entries))}
	copy(c.entries, h.entries)
	return c
}
