package policy

import (
	"errors"
	"fmt"
	"math"

	"github.com/xweirdfor/xweirdfor/internal/features"
	"github.com/xweirdfor/xweirdfor/internal/rules"
	"github.com/xweirdfor/xweirdfor/internal/scoring"
)

type Band string

const (
	BandLow    Band = "low"
	BandMedium Band = "medium"
	BandHigh   Band = "high"
)

const (
	mediumFrom = 0.3
	highAbove  = 0.6
)

// BandFor maps a combined score to a band: low below 0.3, medium from
// 0.3 through 0.6, high above 0.6.
func BandFor(score float64) Band {
	switch {
	case score < mediumFrom:
		return BandLow
	case score <= highAbove:
		return BandMedium
	default:
		return BandHigh
	}
}

type Options struct {
	HeuristicWeight float64
	ModelWeight     float64
	// VetoScore is the floor applied when a critical rule matches. It
	// must land in the high band.
	VetoScore         float64
	GrayZoneThreshold float64
}

func DefaultOptions() Options {
	return Options{HeuristicWeight: 0.5, ModelWeight: 0.5, VetoScore: 0.9, GrayZoneThreshold: 0.5}
}

func (o Options) Validate() error {
	var problems []error
	if !(o.HeuristicWeight >= 0) || !(o.ModelWeight >= 0) || math.IsInf(o.HeuristicWeight+o.ModelWeight, 0) {
		problems = append(problems, errors.New("weights must be finite and >= 0"))
	} else if o.HeuristicWeight+o.ModelWeight == 0 {
		problems = append(problems, errors.New("weights must not both be 0"))
	}
	if !(o.VetoScore > highAbove && o.VetoScore <= 1) {
		problems = append(problems, fmt.Errorf("veto score must be in (%v, 1]", highAbove))
	}
	if !(o.GrayZoneThreshold >= 0 && o.GrayZoneThreshold <= 1) {
		problems = append(problems, errors.New("gray zone threshold must be in [0, 1]"))
	}
	return errors.Join(problems...)
}

type Weights struct {
	Heuristic float64 `json:"heuristic"`
	Model     float64 `json:"model"`
}

// Evidence holds every input of a decision, so it can be reproduced from
// the verdict alone.
type Evidence struct {
	HeuristicRisk float64               `json:"heuristic_risk"`
	MLScore       float64               `json:"ml_score"`
	MLScores      []scoring.MemberScore `json:"ml_scores,omitempty"`
	Disagreement  float64               `json:"disagreement"`
	VoteFraction  float64               `json:"vote_fraction"`
	Weights       Weights               `json:"weights"`
	Vetoed        bool                  `json:"vetoed"`
	HeuristicOnly bool                  `json:"heuristic_only,omitempty"`
	Matches       []rules.Match         `json:"matches,omitempty"`
	ErroredRules  []string              `json:"errored_rules,omitempty"`
}

type Verdict struct {
	Score          float64                 `json:"score"`
	Risk           Band                    `json:"risk"`
	GrayZone       bool                    `json:"gray_zone"`
	Rules          []string                `json:"rules"`
	FeatureSummary []features.Contribution `json:"feature_summary"`
	Evidence       Evidence                `json:"evidence"`
}

// Fuser combines heuristic and model evidence into verdicts. It is
// immutable and safe for concurrent use.
type Fuser struct {
	opts    Options
	weights Weights
}

func NewFuser(opts Options) (*Fuser, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("fusion options: %w", err)
	}
	sum := opts.HeuristicWeight + opts.ModelWeight
	return &Fuser{
		opts:    opts,
		weights: Weights{Heuristic: opts.HeuristicWeight / sum, Model: opts.ModelWeight / sum},
	}, nil
}

func (f *Fuser) Options() Options {
	return f.opts
}

// Fuse produces a verdict. A nil ml result means heuristic-only
// operation: the heuristic risk carries the full weight and there is no
// disagreement.
func (f *Fuser) Fuse(h rules.Result, ml *scoring.Result, summary []features.Contribution) Verdict {
	ev := Evidence{
		HeuristicRisk: h.Risk,
		Weights:       f.weights,
		Matches:       append([]rules.Match(nil), h.Matches...),
		ErroredRules:  h.ErroredIDs(),
	}
	if len(ev.ErroredRules) == 0 {
		ev.ErroredRules = nil
	}
	if ml == nil {
		ev.HeuristicOnly = true
		ev.Weights = Weights{Heuristic: 1}
	} else {
		ev.MLScore = ml.Score
		ev.MLScores = append([]scoring.MemberScore(nil), ml.Members...)
		ev.Disagreement = ml.Disagreement
		ev.VoteFraction = ml.VoteFraction
	}

	combined := clamp01(ev.Weights.Heuristic*h.Risk + ev.Weights.Model*ev.MLScore)
	if h.Critical && combined < f.opts.VetoScore {
		combined = f.opts.VetoScore
		ev.Vetoed = true
	}

	if summary == nil {
		summary = []features.Contribution{}
	}
	return Verdict{
		Score:          combined,
		Risk:           BandFor(combined),
		GrayZone:       ev.Disagreement > f.opts.GrayZoneThreshold,
		Rules:          h.RuleIDs(),
		FeatureSummary: append([]features.Contribution{}, summary...),
		Evidence:       ev,
	}
}

func clamp01(x float64) float64 {
	switch {
	case math.IsNaN(x), x < 0:
		return 0
	case x > 1:
		return 1
	}
	return x
}
