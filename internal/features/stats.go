package features

import (
	"math"
	"regexp"
)

// entropy is the Shannon entropy of value in bits per byte.
func entropy(value string) float64 {
	if value == "" {
		return 0
	}
	var counts [256]int
	for i := 0; i < len(value); i++ {
		counts[value[i]]++
	}
	n := float64(len(value))
	var h float64
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / n
		h -= p * math.Log2(p)
	}
	return h
}

func charDiversity(value string) float64 {
	if value == "" {
		return 0
	}
	var seen [256]bool
	unique := 0
	for i := 0; i < len(value); i++ {
		if !seen[value[i]] {
			seen[value[i]] = true
			unique++
		}
	}
	return float64(unique) / float64(len(value))
}

const numClasses = 6

// classDiversity is the fraction of character classes (lower, upper, digit,
// space, symbol, non-ASCII) present in value.
func classDiversity(value string) float64 {
	if value == "" {
		return 0
	}
	var present [numClasses]bool
	for i := 0; i < len(value); i++ {
		b := value[i]
		switch {
		case b >= 'a' && b <= 'z':
			present[0] = true
		case b >= 'A' && b <= 'Z':
			present[1] = true
		case b >= '0' && b <= '9':
			present[2] = true
		case b == ' ' || b == '\t':
			present[3] = true
		case b >= 0x80:
			present[5] = true
		default:
			present[4] = true
		}
	}
	n := 0
	for _, p := range present {
		if p {
			n++
		}
	}
	return float64(n) / numClasses
}

// meanStd returns the mean and population standard deviation.
func meanStd(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var sq float64
	for _, x := range xs {
		sq += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(sq / float64(len(xs)))
}

var (
	percentEscape = regexp.MustCompile(`%[0-9A-Fa-f]{2}`)
	base64Blob    = regexp.MustCompile(`^[A-Za-z0-9+/]{20,}={0,2}$`)
	hexBlob       = regexp.MustCompile(`^[0-9a-fA-F]{16,}$`)
)

// encodingAnomaly scores excessive percent-encoding and opaque blobs.
func encodingAnomaly(value string) float64 {
	var score float64
	if PercentEncodedRatio(value) > 0.3 {
		score += 0.5
	}
	if base64Blob.MatchString(value) {
		score += 0.3
	}
	if hexBlob.MatchString(value) {
		score += 0.3
	}
	return math.Min(score, 1.0)
}

// PercentEncodedRatio is the share of value made of %XX escapes.
func PercentEncodedRatio(value string) float64 {
	if value == "" {
		return 0
	}
	escapes := len(percentEscape.FindAllStringIndex(value, -1))
	return float64(escapes*3) / float64(len(value))
}

type mimePattern struct {
	re       *regexp.Regexp
	severity float64
}

var suspiciousMIME = []mimePattern{
	{regexp.MustCompile(`(?i)application/x-msdownload`), 0.8},
	{regexp.MustCompile(`(?i)application/x-sh`), 0.7},
	{regexp.MustCompile(`(?i)application/x-executable`), 0.8},
	{regexp.MustCompile(`(?i)application/hta`), 0.9},
	{regexp.MustCompile(`(?i)application/x-httpd-php`), 0.6},
	{regexp.MustCompile(`(?i)text/scriptlet`), 0.7},
	{regexp.MustCompile(`(?i)multipart/x-mixed-replace`), 0.5},
	{regexp.MustCompile(`(?i)application/octet-stream`), 0.3},
	{regexp.MustCompile(`(?i)^text/plain.*<script`), 0.9},
	{regexp.MustCompile(`[;\s].*[<>]`), 0.6},
	{regexp.MustCompile(`^\s*$`), 0.4},
}

// MIMESuspicion scores a present Content-Type. The first matching
// pattern wins.
func MIMESuspicion(contentType string) float64 {
	for _, p := range suspiciousMIME {
		if p.re.MatchString(contentType) {
			return p.severity
		}
	}
	return 0
}

