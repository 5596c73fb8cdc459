package normalize

import (
	"html"
	"net/url"
	"strings"
	"unicode/utf8"
)

type Options struct {
	// MaxDecodeDepth bounds percent-decoding passes; 0 means 2.
	MaxDecodeDepth int
	SkipDecode     bool
	Lowercase      bool
	HTMLEntity     bool
}

type Result struct {
	Raw        string
	Normalized string
	// Depth is the number of percent-decoding passes that changed the input.
	Depth int
}

func Apply(input string, opts Options) Result {
	res := Result{Raw: input, Normalized: input}

	depth := opts.MaxDecodeDepth
	if depth <= 0 {
		depth = 2
	}

	decoded := res.Normalized
	if opts.SkipDecode {
		depth = 0
	}
	for i := 0; i < depth; i++ {
		next, ok := decodeOnce(decoded)
		if !ok || next == decoded {
			break
		}
		decoded = next
		res.Depth++
	}

	res.Normalized = decoded

	if opts.HTMLEntity {
		res.Normalized = html.UnescapeString(res.Normalized)
	}
	if opts.Lowercase {
		res.Normalized = strings.ToLower(res.Normalized)
	}

	return res
}

// Cap truncates value to at most max bytes and reports whether it did.
// The cut backs up to a rune boundary when one is within reach, so valid
// UTF-8 stays valid; bytes that are not UTF-8 are cut at max.
func Cap(value string, max int) (string, bool) {
	if max <= 0 || len(value) <= max {
		return value, false
	}
	cut := max
	for cut > 0 && cut > max-utf8.UTFMax+1 && !utf8.RuneStart(value[cut]) {
		cut--
	}
	// Only back up for a rune that really straddles the limit.
	if r, size := utf8.DecodeRuneInString(value[cut:]); (r == utf8.RuneError && size <= 1) || cut+size <= max {
		cut = max
	}
	return value[:cut], true
}

// IsControl reports bytes that have no business in a header value:
// C0 controls other than horizontal tab, and DEL.
func IsControl(b byte) bool {
	return (b < 0x20 && b != '\t') || b == 0x7f
}

func decodeOnce(input string) (string, bool) {
	if !strings.Contains(input, "%") {
		return input, false
	}
	decoded, err := url.PathUnescape(input)
	if err != nil {
		return input, false
	}
	return decoded, true
}
