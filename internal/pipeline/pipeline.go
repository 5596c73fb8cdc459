// Package pipeline drives header sets through extraction, heuristics,
// scoring and fusion, isolating per-record failures.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xweirdfor/xweirdfor/internal/features"
	"github.com/xweirdfor/xweirdfor/internal/headers"
	"github.com/xweirdfor/xweirdfor/internal/policy"
	"github.com/xweirdfor/xweirdfor/internal/rules"
	"github.com/xweirdfor/xweirdfor/internal/scoring"
)

// Input is one record: raw JSON to decode, or an already decoded set.
type Input struct {
	ID      string
	Raw     json.RawMessage
	Headers headers.Set
}

func RawInputs(raws []json.RawMessage) []Input {
	out := make([]Input, len(raws))
	for i, raw := range raws {
		out[i] = Input{Raw: raw}
	}
	return out
}

func SetInputs(sets []headers.Set) []Input {
	out := make([]Input, len(sets))
	for i, hs := range sets {
		out[i] = Input{Headers: hs}
	}
	return out
}

// Reporter receives each outcome after fusion. Failures are logged and
// never change the outcome.
type Reporter interface {
	Report(ctx context.Context, o Outcome) error
}

type ReporterFunc func(ctx context.Context, o Outcome) error

func (f ReporterFunc) Report(ctx context.Context, o Outcome) error {
	return f(ctx, o)
}

// Observer is told how long each stage took for a batch.
type Observer interface {
	ObserveStage(stage string, d time.Duration)
}

type Options struct {
	// Workers bounds extraction concurrency; 0 means GOMAXPROCS.
	Workers int
	// CacheSize enables an LRU of feature vectors keyed by header content.
	CacheSize  int
	SummaryTop int
	Baseline   *features.Baseline
	Reporters  []Reporter
	Observer   Observer
	Logger     *zap.Logger
}

// Pipeline is safe for concurrent use; Run calls share only immutable
// scorers, the rule evaluator and the feature cache.
type Pipeline struct {
	rules    rules.Evaluator
	ensemble *scoring.Ensemble
	fuser    *policy.Fuser
	opts     Options
	cache    *lru.Cache[string, features.Vector]
	logger   *zap.Logger
}

// New builds a pipeline. A nil ensemble runs heuristics only.
func New(evaluator rules.Evaluator, ensemble *scoring.Ensemble, fuser *policy.Fuser, opts Options) (*Pipeline, error) {
	if evaluator == nil {
		return nil, errors.New("rule evaluator is required")
	}
	if fuser == nil {
		return nil, errors.New("fuser is required")
	}
	if ensemble != nil && ensemble.Dim() != features.Dim {
		return nil, fmt.Errorf("ensemble expects %d features, extractor produces %d", ensemble.Dim(), features.Dim)
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	p := &Pipeline{rules: evaluator, ensemble: ensemble, fuser: fuser, opts: opts, logger: opts.Logger}
	if opts.CacheSize > 0 {
		cache, err := lru.New[string, features.Vector](opts.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("feature cache: %w", err)
		}
		p.cache = cache
	}
	return p, nil
}

// HeuristicOnly reports whether the pipeline runs without a model.
func (p *Pipeline) HeuristicOnly() bool {
	return p.ensemble == nil
}

type record struct {
	Outcome
	vector    features.Vector
	heuristic rules.Result
	ml        *scoring.Result
}

// Run classifies inputs and returns exactly one outcome per input, in
// input order. If ctx is cancelled Run returns ctx's error and no
// outcomes.
func (p *Pipeline) Run(ctx context.Context, inputs []Input) ([]Outcome, error) {
	batchID := uuid.NewString()
	logger := p.logger.With(zap.String("batch_id", batchID), zap.Int("records", len(inputs)))

	recs := make([]*record, len(inputs))
	for i, in := range inputs {
		recs[i] = &record{Outcome: Outcome{Index: i, ID: in.ID, State: StateReceived}}
	}

	start := time.Now()
	if err := p.extract(ctx, inputs, recs); err != nil {
		return nil, err
	}
	p.observe("extract", start)

	start = time.Now()
	if err := p.score(ctx, recs, logger); err != nil {
		return nil, err
	}
	p.observe("score", start)

	for _, r := range recs {
		if r.State != StateScored {
			continue
		}
		summary := features.Summarize(r.vector, p.opts.Baseline, p.opts.SummaryTop)
		verdict := p.fuser.Fuse(r.heuristic, r.ml, summary)
		r.Verdict = &verdict
		r.State = StateFused
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]Outcome, len(recs))
	for i, r := range recs {
		for _, rep := range p.opts.Reporters {
			if err := rep.Report(ctx, r.Outcome); err != nil {
				logger.Warn("reporter failed", zap.String("record_id", r.ID), zap.Error(err))
			}
		}
		if r.State == StateFused {
			r.State = StateReported
		}
		out[i] = r.Outcome
	}

	failed := 0
	for _, o := range out {
		if o.Failed() {
			failed++
		}
	}
	logger.Debug("batch classified", zap.Int("errored", failed))
	return out, nil
}

// Classify runs a single header set.
func (p *Pipeline) Classify(ctx context.Context, hs headers.Set) (Outcome, error) {
	out, err := p.Run(ctx, []Input{{Headers: hs}})
	if err != nil {
		return Outcome{}, err
	}
	return out[0], nil
}

// extract decodes, extracts features and evaluates heuristics on a
// bounded worker group. Per-record failures land in the record.
func (p *Pipeline) extract(ctx context.Context, inputs []Input, recs []*record) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Workers)

	for i := range inputs {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			r := recs[i]
			in := inputs[i]

			hs := in.Headers
			if in.Raw != nil {
				rec, err := headers.ParseRecord(in.Raw)
				if rec.ID != "" && r.ID == "" {
					r.ID = rec.ID
				}
				if err != nil {
					r.fail(err)
					return nil
				}
				hs = rec.Headers
			}
			if r.ID == "" {
				r.ID = uuid.NewString()
			}

			r.vector = p.vectorFor(hs)
			r.heuristic = p.rules.Evaluate(hs)
			r.State = StateExtracted
			return nil
		})
	}
	return g.Wait()
}

func (p *Pipeline) vectorFor(hs headers.Set) features.Vector {
	if p.cache == nil {
		return features.Extract(hs)
	}
	key := features.Key(hs)
	if v, ok := p.cache.Get(key); ok {
		return v
	}
	v := features.Extract(hs)
	p.cache.Add(key, v)
	return v
}

// score runs the ensemble over every extracted record in one batch. If the
// batch fails, each record is rescored alone so a single bad vector only
// errors its own record.
func (p *Pipeline) score(ctx context.Context, recs []*record, logger *zap.Logger) error {
	var pending []*record
	for _, r := range recs {
		if r.State == StateExtracted {
			pending = append(pending, r)
		}
	}

	if p.ensemble == nil {
		for _, r := range pending {
			r.State = StateScored
		}
		return nil
	}
	if len(pending) == 0 {
		return nil
	}

	vectors := make([]features.Vector, len(pending))
	for i, r := range pending {
		vectors[i] = r.vector
	}

	results, err := p.ensemble.EvaluateBatch(ctx, vectors)
	if err == nil {
		for i, r := range pending {
			res := results[i]
			r.ml = &res
			r.State = StateScored
		}
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	logger.Warn("batch scoring failed, scoring records individually", zap.Error(err))
	for _, r := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := p.ensemble.Evaluate(r.vector)
		if err != nil {
			var fault *scoring.ScoringFault
			if errors.As(err, &fault) {
				err = &scoring.ScoringFault{Scorer: fault.Scorer, Index: r.Index, Err: fault.Err}
			}
			r.fail(err)
			continue
		}
		r.ml = &res
		r.State = StateScored
	}
	return nil
}

func (r *record) fail(err error) {
	r.Err = err
	r.State = StateErrored
}

func (p *Pipeline) observe(stage string, start time.Time) {
	if p.opts.Observer != nil {
		p.opts.Observer.ObserveStage(stage, time.Since(start))
	}
}
