package features

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"sort"

	"github.com/xweirdfor/xweirdfor/internal/headers"
)

// Baseline holds per-slot statistics of the data a model was fitted on.
type Baseline struct {
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
}

// Valid reports whether the baseline matches the vector length.
func (b *Baseline) Valid() bool {
	return b != nil && len(b.Mean) == Dim && len(b.Std) == Dim
}

// Contribution is one feature's deviation from the baseline.
type Contribution struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Z     float64 `json:"z"`
}

const minStd = 1e-9

// Summarize returns up to n features ranked by absolute z-score against
// the baseline. Slots that sit exactly on the baseline are skipped.
func Summarize(v Vector, baseline *Baseline, n int) []Contribution {
	if n <= 0 || len(v) != Dim || !baseline.Valid() {
		return nil
	}

	out := make([]Contribution, 0, Dim)
	for i, x := range v {
		diff := x - baseline.Mean[i]
		if diff == 0 {
			continue
		}
		std := baseline.Std[i]
		if std < minStd {
			std = 1
		}
		out = append(out, Contribution{Name: names[i], Value: x, Z: diff / std})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return math.Abs(out[i].Z) > math.Abs(out[j].Z)
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// FitBaseline computes per-slot mean and population std over vectors.
func FitBaseline(vectors []Vector) *Baseline {
	b := &Baseline{Mean: make([]float64, Dim), Std: make([]float64, Dim)}
	if len(vectors) == 0 {
		return b
	}
	column := make([]float64, len(vectors))
	for i := 0; i < Dim; i++ {
		for j, v := range vectors {
			column[j] = v[i]
		}
		b.Mean[i], b.Std[i] = meanStd(column)
	}
	return b
}

// Key identifies a header set exactly (names, values, order), for caching
// extraction results.
func Key(hs headers.Set) string {
	h := sha256.New()
	var size [8]byte
	for _, hdr := range hs {
		binary.BigEndian.PutUint64(size[:], uint64(len(hdr.Name)))
		h.Write(size[:])
		h.Write([]byte(hdr.Name))
		binary.BigEndian.PutUint64(size[:], uint64(len(hdr.Value)))
		h.Write(size[:])
		h.Write([]byte(hdr.Value))
	}
	return hex.EncodeToString(h.Sum(nil))
}
