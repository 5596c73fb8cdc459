// Package forest holds isolation forest models: stored trees, path-length
// scoring and the versioned JSON artifact they ship in.
package forest

import (
	"errors"
	"fmt"
	"math"
)

const eulerGamma = 0.5772156649

// Leaf marks a node without children.
const Leaf = -1

// Node is one tree node in flattened form. Children always have larger
// indices than their parent.
type Node struct {
	Feature int     `json:"f,omitempty"`
	Split   float64 `json:"s,omitempty"`
	Left    int     `json:"l"`
	Right   int     `json:"r"`
	// Size is the number of training samples that reached a leaf.
	Size int `json:"n,omitempty"`
}

func (n Node) IsLeaf() bool {
	return n.Left == Leaf
}

type Tree struct {
	Nodes []Node `json:"nodes"`
}

// Forest is a fitted isolation forest. It is read-only after construction
// and safe for concurrent use.
type Forest struct {
	SubSampleSize int    `json:"sub_sample_size"`
	Trees         []Tree `json:"trees"`
}

var (
	ErrEmptyForest = errors.New("forest has no trees")
	ErrBadTree     = errors.New("malformed tree")
)

// Validate checks tree structure against the feature dimension.
func (f *Forest) Validate(dim int) error {
	if len(f.Trees) == 0 {
		return ErrEmptyForest
	}
	if f.SubSampleSize < 1 {
		return fmt.Errorf("sub_sample_size must be >= 1, got %d", f.SubSampleSize)
	}
	for i, t := range f.Trees {
		if err := t.validate(dim); err != nil {
			return fmt.Errorf("trees[%d]: %w", i, err)
		}
	}
	return nil
}

func (t Tree) validate(dim int) error {
	if len(t.Nodes) == 0 {
		return fmt.Errorf("%w: no nodes", ErrBadTree)
	}
	for i, n := range t.Nodes {
		if n.IsLeaf() {
			if n.Right != Leaf {
				return fmt.Errorf("%w: node %d has one child", ErrBadTree, i)
			}
			if n.Size < 0 {
				return fmt.Errorf("%w: node %d has negative size", ErrBadTree, i)
			}
			continue
		}
		if n.Feature < 0 || n.Feature >= dim {
			return fmt.Errorf("%w: node %d splits on feature %d of %d", ErrBadTree, i, n.Feature, dim)
		}
		if n.Left <= i || n.Right <= i || n.Left >= len(t.Nodes) || n.Right >= len(t.Nodes) {
			return fmt.Errorf("%w: node %d has child out of order", ErrBadTree, i)
		}
		if math.IsNaN(n.Split) || math.IsInf(n.Split, 0) {
			return fmt.Errorf("%w: node %d has non-finite split", ErrBadTree, i)
		}
	}
	return nil
}

// PathLength is the mean isolation depth of x across trees, with the
// unresolved leaf population adjusted by c(size).
func (f *Forest) PathLength(x []float64) float64 {
	var total float64
	for _, t := range f.Trees {
		total += t.pathLength(x)
	}
	return total / float64(len(f.Trees))
}

func (t Tree) pathLength(x []float64) float64 {
	i, depth := 0, 0
	for {
		n := t.Nodes[i]
		if n.IsLeaf() {
			return float64(depth) + AveragePathLength(n.Size)
		}
		if x[n.Feature] < n.Split {
			i = n.Left
		} else {
			i = n.Right
		}
		depth++
	}
}

// Score returns 2^(-E[h(x)]/c(psi)) in (0, 1]. Values near 1 are
// anomalous; values well below 0.5 are normal.
func (f *Forest) Score(x []float64) float64 {
	c := AveragePathLength(f.SubSampleSize)
	if c == 0 {
		return 0.5
	}
	return math.Pow(2, -f.PathLength(x)/c)
}

// AveragePathLength is c(n), the expected path length of an unsuccessful
// binary search tree lookup among n points.
func AveragePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	harmonic := math.Log(float64(n-1)) + eulerGamma
	return 2*harmonic - 2*float64(n-1)/float64(n)
}
