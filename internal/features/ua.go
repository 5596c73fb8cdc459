package features

import (
	"regexp"
	"strings"

	"github.com/xweirdfor/xweirdfor/internal/headers"
	"github.com/xweirdfor/xweirdfor/internal/normalize"
)

type uaPattern struct {
	re       *regexp.Regexp
	severity float64
}

var suspiciousUA = []uaPattern{
	{regexp.MustCompile(`(?i)\bcurl\b`), 1.0},
	{regexp.MustCompile(`(?i)\bwget\b`), 1.0},
	{regexp.MustCompile(`(?i)\bpython-requests\b`), 1.0},
	{regexp.MustCompile(`(?i)\bscrapy\b`), 1.0},
	{regexp.MustCompile(`(?i)\bgo-http-client\b`), 1.0},
	{regexp.MustCompile(`(?i)\bbot\b`), 0.7},
	{regexp.MustCompile(`(?i)\bspider\b`), 0.7},
	{regexp.MustCompile(`(?i)\bcrawler\b`), 0.7},
	{regexp.MustCompile(`(?i)\bscraper\b`), 0.7},
	{regexp.MustCompile(`(?i)\bjava\b`), 0.4},
	{regexp.MustCompile(`(?i)\bruby\b`), 0.4},
	{regexp.MustCompile(`(?i)\bperl\b`), 0.4},
}

var legitimateUA = []*regexp.Regexp{
	regexp.MustCompile(`Mozilla/5\.0`),
	regexp.MustCompile(`AppleWebKit`),
	regexp.MustCompile(`Chrome/\d+`),
	regexp.MustCompile(`Safari/\d+`),
	regexp.MustCompile(`Firefox/\d+`),
	regexp.MustCompile(`Edge?/\d+`),
}

func extractUserAgent(v Vector, hs headers.Set) {
	values := hs.Values("User-Agent")
	if len(values) == 0 {
		v[SlotUALength] = Missing
		v[SlotUAEntropy] = Missing
		v[SlotUACharDiversity] = Missing
		v[SlotUAClassDiversity] = Missing
		return
	}

	ua, _ := normalize.Cap(strings.Join(values, ", "), MaxValueBytes)

	v[SlotUALength] = float64(len(ua))
	v[SlotUASuspicion] = UASuspicion(ua)

	var legit int
	for _, re := range legitimateUA {
		if re.MatchString(ua) {
			legit++
		}
	}
	v[SlotUALegitimate] = float64(legit) / float64(len(legitimateUA))

	v[SlotUAEntropy] = entropy(ua)
	v[SlotUACharDiversity] = charDiversity(ua)
	v[SlotUAClassDiversity] = classDiversity(ua)
}

// UASuspicion returns the highest severity among known non-browser
// user-agent patterns, 0 when none match.
func UASuspicion(ua string) float64 {
	var score float64
	for _, p := range suspiciousUA {
		if p.severity > score && p.re.MatchString(ua) {
			score = p.severity
		}
	}
	return score
}
