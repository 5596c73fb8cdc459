package scoring

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xweirdfor/xweirdfor/internal/features"
	"github.com/xweirdfor/xweirdfor/internal/forest"
)

type constScorer struct {
	name  string
	value float64
	dim   int
	err   error
}

func (c constScorer) Name() string { return c.name }
func (c constScorer) Dim() int {
	if c.dim == 0 {
		return features.Dim
	}
	return c.dim
}

func (c constScorer) Score(features.Vector) (Score, error) {
	if c.err != nil {
		return Score{}, &ScoringFault{Scorer: c.name, Index: -1, Err: c.err}
	}
	return Score{Raw: c.value, Normalized: c.value}, nil
}

func (c constScorer) ScoreBatch(_ context.Context, vs []features.Vector) ([]Score, error) {
	out := make([]Score, len(vs))
	for i := range vs {
		s, err := c.Score(vs[i])
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

func ensembleOf(t *testing.T, opts Options, values ...float64) *Ensemble {
	t.Helper()
	members := make([]Scorer, len(values))
	for i, v := range values {
		members[i] = constScorer{name: string(rune('a' + i)), value: v}
	}
	e, err := NewEnsemble(members, opts)
	require.NoError(t, err)
	return e
}

func TestCombineAggregates(t *testing.T) {
	v := make(features.Vector, features.Dim)
	cases := []struct {
		agg  Aggregate
		want float64
	}{
		{AggregateMean, 0.5},
		{AggregateMedian, 0.4},
		{AggregateMax, 0.9},
	}
	for _, tc := range cases {
		opts := DefaultOptions()
		opts.Aggregate = tc.agg
		r, err := ensembleOf(t, opts, 0.2, 0.4, 0.9).Evaluate(v)
		require.NoError(t, err)
		assert.InDelta(t, tc.want, r.Score, 1e-12, string(tc.agg))
		assert.Len(t, r.Members, 3)
		assert.Equal(t, "a", r.Members[0].Model)
	}

	opts := DefaultOptions()
	opts.Aggregate = AggregateMedian
	r, err := ensembleOf(t, opts, 0.1, 0.3, 0.5, 0.9).Evaluate(v)
	require.NoError(t, err)
	assert.InDelta(t, 0.4, r.Score, 1e-12)
}

func TestCombineDisagreement(t *testing.T) {
	v := make(features.Vector, features.Dim)

	variance := Options{Aggregate: AggregateMean, Disagreement: DisagreementVariance, AnomalyThreshold: 0.5}
	r, err := ensembleOf(t, variance, 0.2, 0.4, 0.9).Evaluate(v)
	require.NoError(t, err)
	assert.InDelta(t, 0.13, r.Disagreement, 1e-12)
	assert.InDelta(t, 1.0/3, r.VoteFraction, 1e-12)

	vote := Options{Aggregate: AggregateMean, Disagreement: DisagreementVote, AnomalyThreshold: 0.5}
	r, err = ensembleOf(t, vote, 0.2, 0.4, 0.9).Evaluate(v)
	require.NoError(t, err)
	assert.InDelta(t, 2.0/3, r.Disagreement, 1e-12)

	r, err = ensembleOf(t, vote, 0.9, 0.1, 0.8, 0.2).Evaluate(v)
	require.NoError(t, err)
	assert.Equal(t, 1.0, r.Disagreement)

	r, err = ensembleOf(t, vote, 0.9, 0.8).Evaluate(v)
	require.NoError(t, err)
	assert.Equal(t, 0.0, r.Disagreement)
}

// With four members and the default options only an even split passes a
// 0.5 gray-zone threshold; one or three votes sit exactly on it.
func TestDefaultVoteOnFourMembers(t *testing.T) {
	v := make(features.Vector, features.Dim)
	cases := []struct {
		scores []float64
		want   float64
	}{
		{[]float64{0.1, 0.1, 0.1, 0.1}, 0},
		{[]float64{0.9, 0.1, 0.1, 0.1}, 0.5},
		{[]float64{0.9, 0.9, 0.1, 0.1}, 1},
		{[]float64{0.9, 0.9, 0.9, 0.1}, 0.5},
		{[]float64{0.9, 0.9, 0.9, 0.9}, 0},
	}
	for _, tt := range cases {
		r, err := ensembleOf(t, DefaultOptions(), tt.scores...).Evaluate(v)
		require.NoError(t, err)
		assert.InDelta(t, tt.want, r.Disagreement, 1e-12, "%v", tt.scores)
	}
}

func TestSingleMemberHasNoDisagreement(t *testing.T) {
	v := make(features.Vector, features.Dim)
	for _, d := range []Disagreement{DisagreementVariance, DisagreementVote} {
		opts := Options{Aggregate: AggregateMean, Disagreement: d, AnomalyThreshold: 0.5}
		r, err := ensembleOf(t, opts, 0.7).Evaluate(v)
		require.NoError(t, err)
		assert.Equal(t, 0.0, r.Disagreement, string(d))
		assert.Equal(t, 0.7, r.Score)
		assert.Equal(t, 1.0, r.VoteFraction)
	}
}

func TestNewEnsembleValidates(t *testing.T) {
	_, err := NewEnsemble(nil, DefaultOptions())
	assert.Error(t, err)

	_, err = NewEnsemble([]Scorer{constScorer{name: "a"}, constScorer{name: "a"}}, DefaultOptions())
	assert.Error(t, err)

	_, err = NewEnsemble([]Scorer{constScorer{name: "a"}, constScorer{name: "b", dim: 3}}, DefaultOptions())
	assert.Error(t, err)

	opts := DefaultOptions()
	opts.Aggregate = "mode"
	_, err = NewEnsemble([]Scorer{constScorer{name: "a"}}, opts)
	assert.Error(t, err)
}

func TestEnsemblePropagatesFaults(t *testing.T) {
	boom := errors.New("boom")
	e, err := NewEnsemble([]Scorer{constScorer{name: "ok", value: 0.1}, constScorer{name: "bad", err: boom}}, DefaultOptions())
	require.NoError(t, err)

	_, err = e.Evaluate(make(features.Vector, features.Dim))
	var fault *ScoringFault
	require.True(t, errors.As(err, &fault))
	assert.Equal(t, "bad", fault.Scorer)
	assert.ErrorIs(t, err, boom)

	_, err = e.EvaluateBatch(context.Background(), []features.Vector{make(features.Vector, features.Dim)})
	assert.ErrorIs(t, err, boom)
}

func fixtureArtifact(t *testing.T) *forest.Artifact {
	t.Helper()
	rng := rand.New(rand.NewSource(5))
	vectors := make([]features.Vector, 60)
	for i := range vectors {
		v := make(features.Vector, features.Dim)
		for j := range v {
			v[j] = rng.Float64()
		}
		vectors[i] = v
	}
	a, err := forest.Build(vectors, []forest.Personality{
		{Name: "first", Params: forest.Params{Trees: 8, SubSampleSize: 32, Seed: 1}, Calibration: forest.CalibrationSigmoid},
		{Name: "second", Params: forest.Params{Trees: 8, SubSampleSize: 32, Seed: 2}, Calibration: forest.CalibrationMinMax},
	})
	require.NoError(t, err)
	return a
}

func TestForestScorer(t *testing.T) {
	a := fixtureArtifact(t)
	scorers, err := FromArtifact(a, nil)
	require.NoError(t, err)
	require.Len(t, scorers, 2)

	s := scorers[0]
	assert.Equal(t, "first", s.Name())
	assert.Equal(t, features.Dim, s.Dim())

	v := make(features.Vector, features.Dim)
	score, err := s.Score(v)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, score.Normalized, 0.0)
	assert.LessOrEqual(t, score.Normalized, 1.0)
	assert.Greater(t, score.Raw, 0.0)

	_, err = s.Score(v[:3])
	var fault *ScoringFault
	require.True(t, errors.As(err, &fault))
	assert.ErrorIs(t, err, ErrDimension)
	assert.Equal(t, -1, fault.Index)

	bad := make(features.Vector, features.Dim)
	bad[4] = math.NaN()
	_, err = s.Score(bad)
	assert.ErrorIs(t, err, ErrNonFinite)
}

func TestForestScorerBatchMatchesSingle(t *testing.T) {
	scorers, err := FromArtifact(fixtureArtifact(t), []string{"second"})
	require.NoError(t, err)
	require.Len(t, scorers, 1)
	s := scorers[0]

	rng := rand.New(rand.NewSource(9))
	vs := make([]features.Vector, 150)
	for i := range vs {
		v := make(features.Vector, features.Dim)
		for j := range v {
			v[j] = rng.Float64() * 2
		}
		vs[i] = v
	}

	batch, err := s.ScoreBatch(context.Background(), vs)
	require.NoError(t, err)
	require.Len(t, batch, len(vs))
	for i, v := range vs {
		single, err := s.Score(v)
		require.NoError(t, err)
		assert.Equal(t, single, batch[i])
	}

	vs[77] = vs[77][:2]
	_, err = s.ScoreBatch(context.Background(), vs)
	var fault *ScoringFault
	require.True(t, errors.As(err, &fault))
	assert.Equal(t, 77, fault.Index)
}

func TestFromArtifactUnknownMember(t *testing.T) {
	_, err := FromArtifact(fixtureArtifact(t), []string{"missing"})
	assert.Error(t, err)
}

func TestScoreBatchCancelled(t *testing.T) {
	scorers, err := FromArtifact(fixtureArtifact(t), nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = scorers[0].ScoreBatch(ctx, []features.Vector{make(features.Vector, features.Dim)})
	assert.ErrorIs(t, err, context.Canceled)
}
