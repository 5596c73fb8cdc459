package scoring

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/xweirdfor/xweirdfor/internal/features"
)

type Aggregate string

type Disagreement string

const (
	AggregateMean   Aggregate = "mean"
	AggregateMedian Aggregate = "median"
	AggregateMax    Aggregate = "max"

	// DisagreementVariance is the sample variance of normalized member
	// scores.
	DisagreementVariance Disagreement = "variance"
	// DisagreementVote is 1 - |2f - 1| where f is the fraction of members
	// above the anomaly threshold: 0 when unanimous, 1 on an even split.
	DisagreementVote Disagreement = "vote"
)

type Options struct {
	Aggregate        Aggregate
	Disagreement     Disagreement
	AnomalyThreshold float64
}

func DefaultOptions() Options {
	return Options{Aggregate: AggregateMean, Disagreement: DisagreementVote, AnomalyThreshold: 0.5}
}

// MemberScore is one member's contribution to an ensemble result.
type MemberScore struct {
	Model string `json:"model"`
	Score
}

type Result struct {
	Members      []MemberScore `json:"members"`
	Score        float64       `json:"score"`
	Disagreement float64       `json:"disagreement"`
	VoteFraction float64       `json:"vote_fraction"`
}

// Ensemble scores with every member and combines the normalized scores.
// It holds no mutable state.
type Ensemble struct {
	members []Scorer
	opts    Options
}

func NewEnsemble(members []Scorer, opts Options) (*Ensemble, error) {
	if len(members) == 0 {
		return nil, fmt.Errorf("ensemble needs at least one member")
	}
	switch opts.Aggregate {
	case AggregateMean, AggregateMedian, AggregateMax:
	default:
		return nil, fmt.Errorf("unknown aggregate %q", opts.Aggregate)
	}
	switch opts.Disagreement {
	case DisagreementVariance, DisagreementVote:
	default:
		return nil, fmt.Errorf("unknown disagreement %q", opts.Disagreement)
	}
	if opts.AnomalyThreshold < 0 || opts.AnomalyThreshold > 1 {
		return nil, fmt.Errorf("anomaly threshold must be in [0, 1]")
	}

	dim := members[0].Dim()
	seen := map[string]struct{}{}
	for _, m := range members {
		if m.Dim() != dim {
			return nil, fmt.Errorf("member %s has dimension %d, want %d", m.Name(), m.Dim(), dim)
		}
		if _, dup := seen[m.Name()]; dup {
			return nil, fmt.Errorf("duplicate member %q", m.Name())
		}
		seen[m.Name()] = struct{}{}
	}
	return &Ensemble{members: append([]Scorer(nil), members...), opts: opts}, nil
}

func (e *Ensemble) Dim() int {
	return e.members[0].Dim()
}

func (e *Ensemble) Names() []string {
	out := make([]string, len(e.members))
	for i, m := range e.members {
		out[i] = m.Name()
	}
	return out
}

func (e *Ensemble) Options() Options {
	return e.opts
}

// Evaluate scores one vector with every member, in member order.
func (e *Ensemble) Evaluate(v features.Vector) (Result, error) {
	scores := make([]MemberScore, len(e.members))
	for i, m := range e.members {
		s, err := m.Score(v)
		if err != nil {
			return Result{}, err
		}
		scores[i] = MemberScore{Model: m.Name(), Score: s}
	}
	return Combine(scores, e.opts), nil
}

// EvaluateBatch scores vs member by member through ScoreBatch. A fault in
// any member fails the batch.
func (e *Ensemble) EvaluateBatch(ctx context.Context, vs []features.Vector) ([]Result, error) {
	perMember := make([][]Score, len(e.members))
	for i, m := range e.members {
		scores, err := m.ScoreBatch(ctx, vs)
		if err != nil {
			return nil, err
		}
		if len(scores) != len(vs) {
			return nil, &ScoringFault{Scorer: m.Name(), Index: -1, Err: fmt.Errorf("returned %d scores for %d vectors", len(scores), len(vs))}
		}
		perMember[i] = scores
	}

	out := make([]Result, len(vs))
	for j := range vs {
		scores := make([]MemberScore, len(e.members))
		for i, m := range e.members {
			scores[i] = MemberScore{Model: m.Name(), Score: perMember[i][j]}
		}
		out[j] = Combine(scores, e.opts)
	}
	return out, nil
}

// Combine aggregates member scores. It is pure and order-preserving.
func Combine(scores []MemberScore, opts Options) Result {
	r := Result{Members: scores}
	n := len(scores)
	if n == 0 {
		return r
	}

	values := make([]float64, n)
	var above int
	for i, s := range scores {
		values[i] = s.Normalized
		if s.Normalized > opts.AnomalyThreshold {
			above++
		}
	}
	r.VoteFraction = float64(above) / float64(n)

	switch opts.Aggregate {
	case AggregateMedian:
		r.Score = median(values)
	case AggregateMax:
		r.Score = values[0]
		for _, x := range values[1:] {
			r.Score = math.Max(r.Score, x)
		}
	default:
		r.Score = mean(values)
	}

	switch opts.Disagreement {
	case DisagreementVariance:
		r.Disagreement = sampleVariance(values)
	default:
		r.Disagreement = 1 - math.Abs(2*r.VoteFraction-1)
	}
	return r
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func median(xs []float64) float64 {
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// sampleVariance uses n-1; a single member has no spread.
func sampleVariance(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	var sq float64
	for _, x := range xs {
		sq += (x - m) * (x - m)
	}
	return sq / float64(len(xs)-1)
}
