package forest

import (
	"errors"
	"math"
	"math/rand"
)

// Params configures Fit. Fit exists to build fixtures and test models;
// production artifacts are produced elsewhere.
type Params struct {
	Trees         int
	SubSampleSize int
	// MaxDepth of 0 means ceil(log2(SubSampleSize)).
	MaxDepth int
	Seed     int64
}

// Fit grows an isolation forest over data. The same data and params always
// produce the same forest.
func Fit(data [][]float64, p Params) (*Forest, error) {
	if len(data) == 0 {
		return nil, errors.New("no training data")
	}
	if p.Trees < 1 {
		return nil, errors.New("trees must be >= 1")
	}
	dim := len(data[0])
	for _, row := range data {
		if len(row) != dim {
			return nil, errors.New("training rows differ in length")
		}
	}

	psi := p.SubSampleSize
	if psi <= 0 || psi > len(data) {
		psi = len(data)
	}
	maxDepth := p.MaxDepth
	if maxDepth <= 0 {
		maxDepth = int(math.Ceil(math.Log2(math.Max(float64(psi), 2))))
	}

	b := builder{rng: rand.New(rand.NewSource(p.Seed)), dim: dim, maxDepth: maxDepth}
	f := &Forest{SubSampleSize: psi, Trees: make([]Tree, 0, p.Trees)}
	for i := 0; i < p.Trees; i++ {
		sample := b.sample(data, psi)
		var t Tree
		b.grow(&t, sample, 0)
		f.Trees = append(f.Trees, t)
	}
	return f, nil
}

type builder struct {
	rng      *rand.Rand
	dim      int
	maxDepth int
}

// sample draws psi rows without replacement (partial Fisher-Yates).
func (b *builder) sample(data [][]float64, psi int) [][]float64 {
	idx := make([]int, len(data))
	for i := range idx {
		idx[i] = i
	}
	out := make([][]float64, psi)
	for i := 0; i < psi; i++ {
		j := i + b.rng.Intn(len(idx)-i)
		idx[i], idx[j] = idx[j], idx[i]
		out[i] = data[idx[i]]
	}
	return out
}

// grow appends the subtree for rows to t and returns its root index.
func (b *builder) grow(t *Tree, rows [][]float64, depth int) int {
	at := len(t.Nodes)
	t.Nodes = append(t.Nodes, Node{Left: Leaf, Right: Leaf, Size: len(rows)})
	if len(rows) <= 1 || depth >= b.maxDepth {
		return at
	}

	// Only features that vary can split.
	var candidates []int
	for f := 0; f < b.dim; f++ {
		lo, hi := bounds(rows, f)
		if hi > lo {
			candidates = append(candidates, f)
		}
	}
	if len(candidates) == 0 {
		return at
	}

	feature := candidates[b.rng.Intn(len(candidates))]
	lo, hi := bounds(rows, feature)
	split := lo + b.rng.Float64()*(hi-lo)
	if split <= lo {
		split = math.Nextafter(lo, hi)
	}

	var left, right [][]float64
	for _, r := range rows {
		if r[feature] < split {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}

	l := b.grow(t, left, depth+1)
	r := b.grow(t, right, depth+1)
	t.Nodes[at] = Node{Feature: feature, Split: split, Left: l, Right: r}
	return at
}

func bounds(rows [][]float64, feature int) (float64, float64) {
	lo, hi := rows[0][feature], rows[0][feature]
	for _, r := range rows[1:] {
		lo = math.Min(lo, r[feature])
		hi = math.Max(hi, r[feature])
	}
	return lo, hi
}
