package main

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/xweirdfor/xweirdfor/internal/config"
	"github.com/xweirdfor/xweirdfor/internal/features"
	"github.com/xweirdfor/xweirdfor/internal/forest"
	"github.com/xweirdfor/xweirdfor/internal/logging"
	"github.com/xweirdfor/xweirdfor/internal/observability"
	"github.com/xweirdfor/xweirdfor/internal/pipeline"
	"github.com/xweirdfor/xweirdfor/internal/policy"
	"github.com/xweirdfor/xweirdfor/internal/review"
	"github.com/xweirdfor/xweirdfor/internal/rules"
	"github.com/xweirdfor/xweirdfor/internal/scoring"
)

// app holds everything built from one configuration.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	rules    *rules.Holder
	pipeline *pipeline.Pipeline
	registry *prometheus.Registry
	metrics  *observability.Metrics
	closers  []func() error
}

func loadConfig(path string) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func buildEngine(cfg *config.Config) (*rules.Engine, error) {
	engine, err := rules.BuildEngine(cfg)
	if err != nil {
		return nil, fmt.Errorf("build rules: %w", err)
	}
	return engine, nil
}

// loadEnsemble returns a nil ensemble when no model is configured.
func loadEnsemble(cfg *config.Config) (*scoring.Ensemble, *features.Baseline, error) {
	if cfg.Model.Path == "" {
		return nil, nil, nil
	}
	artifact, err := forest.Load(cfg.ResolvePath(cfg.Model.Path))
	if err != nil {
		return nil, nil, err
	}
	scorers, err := scoring.FromArtifact(artifact, cfg.Ensemble.Members)
	if err != nil {
		return nil, nil, err
	}
	ensemble, err := scoring.NewEnsemble(scorers, scoring.Options{
		Aggregate:        scoring.Aggregate(cfg.Ensemble.Aggregate),
		Disagreement:     scoring.Disagreement(cfg.Ensemble.Disagreement),
		AnomalyThreshold: cfg.Ensemble.AnomalyThreshold,
	})
	if err != nil {
		return nil, nil, err
	}
	return ensemble, artifact.Baseline, nil
}

// newApp wires the pipeline and its reporters. Metrics are only built
// when withMetrics is set and enabled in the config.
func newApp(cfg *config.Config, withMetrics bool) (*app, error) {
	logger, closeLog, err := logging.NewLogger(cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, closers: []func() error{closeLog}}

	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	engine, err := buildEngine(cfg)
	if err != nil {
		return nil, err
	}
	a.rules = rules.NewHolder(engine)

	ensemble, baseline, err := loadEnsemble(cfg)
	if err != nil {
		return nil, err
	}
	if ensemble == nil {
		logger.Warn("no model configured, running heuristics only")
	}

	fuser, err := policy.NewFuser(policy.Options{
		HeuristicWeight:   cfg.Fusion.HeuristicWeight,
		ModelWeight:       cfg.Fusion.ModelWeight,
		VetoScore:         cfg.Fusion.VetoScore,
		GrayZoneThreshold: cfg.Fusion.GrayZoneThreshold,
	})
	if err != nil {
		return nil, err
	}

	opts := pipeline.Options{
		Workers:    cfg.Pipeline.Workers,
		CacheSize:  cfg.Pipeline.FeatureCacheSize,
		SummaryTop: cfg.Pipeline.SummaryTop,
		Baseline:   baseline,
		Logger:     logger,
	}

	if cfg.Logging.VerdictLog != "" {
		verdicts, closeFn, err := logging.OpenVerdictLog(cfg.ResolvePath(cfg.Logging.VerdictLog), cfg.Logging)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, closeFn)
		opts.Reporters = append(opts.Reporters, verdicts)
	}
	if cfg.Review.Enabled {
		store, err := review.Open(cfg.ResolvePath(cfg.Review.Path))
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		opts.Reporters = append(opts.Reporters, store)
	}
	if withMetrics && cfg.Metrics.Enabled {
		a.registry = prometheus.NewRegistry()
		a.metrics = observability.NewMetrics(a.registry)
		opts.Reporters = append(opts.Reporters, a.metrics)
		opts.Observer = a.metrics
	}

	p, err := pipeline.New(a.rules, ensemble, fuser, opts)
	if err != nil {
		return nil, err
	}
	a.pipeline = p
	ok = true
	return a, nil
}

// Close releases reporters in reverse order. The log file opened first
// is closed last.
func (a *app) Close() error {
	_ = a.logger.Sync()
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}
