package rules

import "errors"

// AhoMatcher finds any of a fixed set of literal patterns in one pass.
// The automaton is fully expanded at construction, so a scan is one table
// lookup per input byte and never walks failure links.
type AhoMatcher struct {
	delta [][256]int32
	// emit[s] is the length of a pattern ending in state s, 0 for none.
	emit []int
}

func NewAhoMatcher(patterns []string) (*AhoMatcher, error) {
	m := &AhoMatcher{delta: make([][256]int32, 1), emit: make([]int, 1)}

	for _, pattern := range patterns {
		if pattern == "" {
			continue
		}
		state := int32(0)
		for i := 0; i < len(pattern); i++ {
			next := m.delta[state][pattern[i]]
			if next == 0 {
				m.delta = append(m.delta, [256]int32{})
				m.emit = append(m.emit, 0)
				next = int32(len(m.delta) - 1)
				m.delta[state][pattern[i]] = next
			}
			state = next
		}
		if m.emit[state] == 0 {
			m.emit[state] = len(pattern)
		}
	}
	if len(m.delta) == 1 {
		return nil, errors.New("no non-empty patterns")
	}

	// Breadth-first, so every failure target is complete before it is
	// copied into a deeper state. Root is 0, which doubles as "no edge".
	fail := make([]int32, len(m.delta))
	queue := make([]int32, 0, len(m.delta))
	for b := 0; b < 256; b++ {
		if child := m.delta[0][b]; child != 0 {
			queue = append(queue, child)
		}
	}
	for len(queue) > 0 {
		state := queue[0]
		queue = queue[1:]
		for b := 0; b < 256; b++ {
			child := m.delta[state][b]
			if child == 0 {
				m.delta[state][b] = m.delta[fail[state]][b]
				continue
			}
			fail[child] = m.delta[fail[state]][b]
			if m.emit[child] == 0 {
				m.emit[child] = m.emit[fail[child]]
			}
			queue = append(queue, child)
		}
	}

	return m, nil
}

// Match reports the first pattern occurrence to end in input, with the
// matched bytes as evidence.
func (m *AhoMatcher) Match(input string) (bool, string) {
	state := int32(0)
	for i := 0; i < len(input); i++ {
		state = m.delta[state][input[i]]
		if n := m.emit[state]; n > 0 {
			return true, snippet(input[i+1-n : i+1])
		}
	}
	return false, ""
}

