package headers

import "strings"

// Header is a single name/value pair exactly as received.
type Header struct {
	Name  string
	Value string
}

// Set is an ordered header list. Order is wire order; casing and
// duplicates are preserved.
type Set []Header

// Get returns the first value for name, matched case-insensitively.
func (s Set) Get(name string) (string, bool) {
	for _, h := range s {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// Values returns every value for name in wire order.
func (s Set) Values(name string) []string {
	var out []string
	for _, h := range s {
		if strings.EqualFold(h.Name, name) {
			out = append(out, h.Value)
		}
	}
	return out
}

func (s Set) Has(name string) bool {
	_, ok := s.Get(name)
	return ok
}

func (s Set) Count(name string) int {
	n := 0
	for _, h := range s {
		if strings.EqualFold(h.Name, name) {
			n++
		}
	}
	return n
}

// Names returns header names in wire order with original casing.
func (s Set) Names() []string {
	out := make([]string, len(s))
	for i, h := range s {
		out[i] = h.Name
	}
	return out
}

// Groups returns the values of each distinct lowercased name, keyed in
// first-seen order.
func (s Set) Groups() ([]string, map[string][]string) {
	order := make([]string, 0, len(s))
	groups := make(map[string][]string, len(s))
	for _, h := range s {
		key := strings.ToLower(h.Name)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], h.Value)
	}
	return order, groups
}

// With returns a copy of s with h appended.
func (s Set) With(h Header) Set {
	out := make(Set, len(s), len(s)+1)
	copy(out, s)
	return append(out, h)
}
