// Package features turns a header set into a fixed-length numeric vector.
//
// Extraction is pure: no clock, randomness or shared state is consulted,
// and iteration always follows wire order or a fixed table order so the
// same input yields a bit-identical vector.
package features

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strings"

	"github.com/xweirdfor/xweirdfor/internal/headers"
	"github.com/xweirdfor/xweirdfor/internal/normalize"
)

const (
	// MaxValueBytes caps every header value before length and entropy work.
	MaxValueBytes = 8192
	// Missing is written to slots whose source header is absent.
	Missing = -1.0

	numExpected = 15
)

// Slot indices after the per-header presence block.
const (
	SlotCompleteness = numExpected + iota
	SlotUALength
	SlotUASuspicion
	SlotUALegitimate
	SlotUAEntropy
	SlotUACharDiversity
	SlotUAClassDiversity
	SlotHeaderCount
	SlotAvgValueLength
	SlotMaxValueLength
	SlotMinValueLength
	SlotStdValueLength
	SlotDuplicateCount
	SlotDuplicateValueStd
	SlotTruncatedCount
	SlotAvgEntropy
	SlotMaxEntropy
	SlotEncodingAnomaly
	SlotOrderDeviation
	SlotCaseConsistency
	SlotOrderFingerprint
	SlotXHeaderCount
	SlotSuspiciousMIME
	SlotInjection
	SlotControlChars
	SlotNonASCII

	// Dim is the vector length. It never varies with input.
	Dim
)

// Vector is a fixed-length feature encoding of one header set.
type Vector []float64

type expected struct {
	name   string
	weight float64
}

var expectedHeaders = [numExpected]expected{
	{"Host", 2.0},
	{"User-Agent", 2.0},
	{"Accept", 1.5},
	{"Accept-Encoding", 1.5},
	{"Accept-Language", 1.5},
	{"Connection", 1.5},
	{"Content-Type", 1.0},
	{"Content-Length", 1.0},
	{"Referer", 1.0},
	{"Cookie", 1.0},
	{"Authorization", 1.0},
	{"Cache-Control", 1.0},
	{"X-Forwarded-For", 0.8},
	{"X-Real-IP", 0.8},
	{"X-Forwarded-Proto", 0.8},
}

var typicalOrder = []string{"host", "user-agent", "accept", "accept-language", "accept-encoding", "referer", "cookie"}

var names = buildNames()

func buildNames() []string {
	out := make([]string, 0, Dim)
	for _, e := range expectedHeaders {
		out = append(out, "has_"+strings.ReplaceAll(strings.ToLower(e.name), "-", "_"))
	}
	return append(out,
		"weighted_header_completeness",
		"ua_length",
		"ua_suspicion_score",
		"ua_legitimate_score",
		"ua_entropy",
		"ua_char_diversity",
		"ua_char_class_diversity",
		"header_count",
		"avg_value_length",
		"max_value_length",
		"min_value_length",
		"std_value_length",
		"duplicate_header_count",
		"duplicate_value_std",
		"truncated_value_count",
		"avg_entropy",
		"max_entropy",
		"encoding_anomaly_score",
		"header_order_deviation",
		"case_consistency",
		"order_fingerprint",
		"x_header_count",
		"suspicious_mime_type",
		"injection_attempt_score",
		"control_char_count",
		"non_ascii_count",
	)
}

// Names returns the slot names in vector order.
func Names() []string {
	out := make([]string, len(names))
	copy(out, names)
	return out
}

// Name returns the name of slot i, or "" when i is out of range.
func Name(i int) string {
	if i < 0 || i >= len(names) {
		return ""
	}
	return names[i]
}

// Extract encodes hs. It never fails and never emits NaN or Inf.
func Extract(hs headers.Set) Vector {
	v := make(Vector, Dim)

	extractPresence(v, hs)
	extractUserAgent(v, hs)
	extractValueStats(v, hs)
	extractStructure(v, hs)
	extractAnomalies(v, hs)

	for i, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			v[i] = Missing
		}
	}
	return v
}

func extractPresence(v Vector, hs headers.Set) {
	var total, present float64
	for i, e := range expectedHeaders {
		total += e.weight
		if hs.Has(e.name) {
			v[i] = 1
			present += e.weight
		}
	}
	v[SlotCompleteness] = present / total
}

func extractValueStats(v Vector, hs headers.Set) {
	v[SlotHeaderCount] = float64(len(hs))
	if len(hs) == 0 {
		return
	}

	lengths := make([]float64, len(hs))
	var truncated int
	var entropySum, entropyMax, encodingSum float64
	for i, h := range hs {
		value, cut := normalize.Cap(h.Value, MaxValueBytes)
		if cut {
			truncated++
		}
		lengths[i] = float64(len(value))

		e := entropy(value)
		entropySum += e
		entropyMax = math.Max(entropyMax, e)
		encodingSum += encodingAnomaly(value)
	}

	mean, std := meanStd(lengths)
	minLen, maxLen := lengths[0], lengths[0]
	for _, l := range lengths[1:] {
		minLen = math.Min(minLen, l)
		maxLen = math.Max(maxLen, l)
	}

	n := float64(len(hs))
	v[SlotAvgValueLength] = mean
	v[SlotMaxValueLength] = maxLen
	v[SlotMinValueLength] = minLen
	v[SlotStdValueLength] = std
	v[SlotTruncatedCount] = float64(truncated)
	v[SlotAvgEntropy] = entropySum / n
	v[SlotMaxEntropy] = entropyMax
	v[SlotEncodingAnomaly] = encodingSum / n

	order, groups := hs.Groups()
	var duplicates int
	var dupStd float64
	for _, key := range order {
		values := groups[key]
		if len(values) < 2 {
			continue
		}
		duplicates += len(values) - 1
		groupLengths := make([]float64, len(values))
		for i, value := range values {
			capped, _ := normalize.Cap(value, MaxValueBytes)
			groupLengths[i] = float64(len(capped))
		}
		_, s := meanStd(groupLengths)
		dupStd = math.Max(dupStd, s)
	}
	v[SlotDuplicateCount] = float64(duplicates)
	v[SlotDuplicateValueStd] = dupStd
}

func extractStructure(v Vector, hs headers.Set) {
	lowered := make([]string, len(hs))
	for i, h := range hs {
		lowered[i] = strings.ToLower(h.Name)
	}

	var deviation float64
	for i, name := range typicalOrder {
		for pos, got := range lowered {
			if got == name {
				deviation += math.Abs(float64(i-pos)) / float64(len(typicalOrder))
				break
			}
		}
	}
	v[SlotOrderDeviation] = deviation / float64(len(typicalOrder))

	if len(hs) > 0 {
		var canonical int
		for _, h := range hs {
			if headers.Canonical(h.Name) {
				canonical++
			}
		}
		v[SlotCaseConsistency] = float64(canonical) / float64(len(hs))
	}

	v[SlotOrderFingerprint] = orderFingerprint(lowered)
}

// orderFingerprint maps the lowercased name sequence to [0,1).
func orderFingerprint(lowered []string) float64 {
	sum := sha256.Sum256([]byte(strings.Join(lowered, "\n")))
	return float64(binary.BigEndian.Uint32(sum[:4])) / (1 << 32)
}

func extractAnomalies(v Vector, hs headers.Set) {
	var xHeaders, injected, control, nonASCII int
	for _, h := range hs {
		if len(h.Name) >= 2 && strings.EqualFold(h.Name[:2], "x-") {
			xHeaders++
		}

		value, _ := normalize.Cap(h.Value, MaxValueBytes)
		if HasLineBreak(value) {
			injected++
		}
		for i := 0; i < len(value); i++ {
			switch {
			case normalize.IsControl(value[i]):
				control++
			case value[i] >= 0x80:
				nonASCII++
			}
		}
	}

	v[SlotXHeaderCount] = float64(xHeaders)
	if ct, ok := hs.Get("Content-Type"); ok {
		capped, _ := normalize.Cap(ct, MaxValueBytes)
		v[SlotSuspiciousMIME] = MIMESuspicion(capped)
	}
	if len(hs) > 0 {
		v[SlotInjection] = float64(injected) / float64(len(hs))
	}
	v[SlotControlChars] = float64(control)
	v[SlotNonASCII] = float64(nonASCII)
}

// HasLineBreak reports a raw or percent-encoded CR or LF in value.
func HasLineBreak(value string) bool {
	if strings.ContainsAny(value, "\r\n") {
		return true
	}
	decoded := normalize.Apply(value, normalize.Options{MaxDecodeDepth: 2})
	return strings.ContainsAny(decoded.Normalized, "\r\n")
}
