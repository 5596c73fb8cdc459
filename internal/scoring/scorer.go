// Package scoring turns feature vectors into normalized anomaly scores and
// combines several scorers into an ensemble.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/xweirdfor/xweirdfor/internal/features"
	"github.com/xweirdfor/xweirdfor/internal/forest"
)

var (
	ErrDimension = errors.New("vector dimension mismatch")
	ErrNonFinite = errors.New("vector has non-finite values")
)

// ScoringFault is a failure to score one vector. Index is the position in
// the batch, or -1 for a single Score call.
type ScoringFault struct {
	Scorer string
	Index  int
	Err    error
}

func (e *ScoringFault) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("scorer %s: %v", e.Scorer, e.Err)
	}
	return fmt.Sprintf("scorer %s: record %d: %v", e.Scorer, e.Index, e.Err)
}

func (e *ScoringFault) Unwrap() error {
	return e.Err
}

// Score is a model's raw output and its calibrated value in [0, 1].
type Score struct {
	Raw        float64 `json:"raw"`
	Normalized float64 `json:"normalized"`
}

// Scorer is a loaded model. Implementations are read-only after
// construction and safe for concurrent use.
type Scorer interface {
	Name() string
	Dim() int
	Score(v features.Vector) (Score, error)
	ScoreBatch(ctx context.Context, vs []features.Vector) ([]Score, error)
}

// ForestScorer scores with one isolation forest member.
type ForestScorer struct {
	member forest.Member
	dim    int
}

func NewForestScorer(member forest.Member, dim int) *ForestScorer {
	return &ForestScorer{member: member, dim: dim}
}

func (s *ForestScorer) Name() string { return s.member.Name }

func (s *ForestScorer) Dim() int { return s.dim }

func (s *ForestScorer) Score(v features.Vector) (Score, error) {
	score, err := s.score(v)
	if err != nil {
		return Score{}, &ScoringFault{Scorer: s.member.Name, Index: -1, Err: err}
	}
	return score, nil
}

func (s *ForestScorer) score(v features.Vector) (Score, error) {
	if len(v) != s.dim {
		return Score{}, fmt.Errorf("%w: got %d, want %d", ErrDimension, len(v), s.dim)
	}
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return Score{}, ErrNonFinite
		}
	}
	raw := s.member.Score(v)
	return Score{Raw: raw, Normalized: s.member.Calibration.Normalize(raw)}, nil
}

// ScoreBatch scores vs across a bounded worker group. Any fault fails
// the whole batch; callers fall back to Score to isolate the record.
func (s *ForestScorer) ScoreBatch(ctx context.Context, vs []features.Vector) ([]Score, error) {
	out := make([]Score, len(vs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))

	const chunk = 64
	for start := 0; start < len(vs); start += chunk {
		start, end := start, min(start+chunk, len(vs))
		g.Go(func() error {
			for i := start; i < end; i++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				score, err := s.score(vs[i])
				if err != nil {
					return &ScoringFault{Scorer: s.member.Name, Index: i, Err: err}
				}
				out[i] = score
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// FromArtifact builds one scorer per artifact member, restricted to names
// when names is non-empty, in the order given.
func FromArtifact(a *forest.Artifact, names []string) ([]Scorer, error) {
	if len(names) == 0 {
		out := make([]Scorer, 0, len(a.Members))
		for _, m := range a.Members {
			out = append(out, NewForestScorer(m, a.FeatureDim))
		}
		return out, nil
	}

	out := make([]Scorer, 0, len(names))
	for _, name := range names {
		m, ok := a.Member(name)
		if !ok {
			return nil, fmt.Errorf("model has no member %q", name)
		}
		out = append(out, NewForestScorer(m, a.FeatureDim))
	}
	return out, nil
}
