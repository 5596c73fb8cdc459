package config

import (
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

type ValidationError struct {
	Problems []string
}

func (v *ValidationError) Add(format string, args ...any) {
	v.Problems = append(v.Problems, fmt.Sprintf(format, args...))
}

func (v *ValidationError) Error() string {
	return fmt.Sprintf("%d validation error(s)", len(v.Problems))
}

func (v *ValidationError) result() error {
	if len(v.Problems) == 0 {
		return nil
	}
	sort.Strings(v.Problems)
	return v
}

func (c *Config) Validate() error {
	v := &ValidationError{}

	if c.ConfigVersion != 1 {
		v.Add("configVersion must be 1")
	}

	if c.Model.Path != "" {
		if err := requireFile(c.resolvePath(c.Model.Path)); err != nil {
			v.Add("model.path invalid: %v", err)
		}
	}

	f := c.Fusion
	if !unit(f.HeuristicWeight) || f.HeuristicWeight < 0 {
		v.Add("fusion.heuristicWeight must be >= 0")
	}
	if !unit(f.ModelWeight) || f.ModelWeight < 0 {
		v.Add("fusion.modelWeight must be >= 0")
	}
	if f.HeuristicWeight+f.ModelWeight <= 0 {
		v.Add("fusion weights must not both be 0")
	}
	if !(f.VetoScore > 0.6 && f.VetoScore <= 1) {
		v.Add("fusion.vetoScore must be in (0.6, 1]")
	}
	if !inRange(f.GrayZoneThreshold) {
		v.Add("fusion.grayZoneThreshold must be in [0, 1]")
	}

	switch c.Ensemble.Aggregate {
	case AggregateMean, AggregateMedian, AggregateMax:
	default:
		v.Add("ensemble.aggregate must be mean|median|max")
	}
	switch c.Ensemble.Disagreement {
	case DisagreementVariance, DisagreementVote:
	default:
		v.Add("ensemble.disagreement must be variance|vote")
	}
	if !inRange(c.Ensemble.AnomalyThreshold) {
		v.Add("ensemble.anomalyThreshold must be in [0, 1]")
	}
	for i, name := range c.Ensemble.Members {
		if strings.TrimSpace(name) == "" {
			v.Add("ensemble.members[%d] is empty", i)
		}
	}

	if c.Pipeline.Workers < 0 {
		v.Add("pipeline.workers must be >= 0")
	}
	if c.Pipeline.FeatureCacheSize < 0 {
		v.Add("pipeline.featureCacheSize must be >= 0")
	}
	if c.Pipeline.SummaryTop < 0 {
		v.Add("pipeline.summaryTop must be >= 0")
	}

	validateRules(v, c.Rules, c.baseDir, "rules")
	for i, id := range c.DisabledRules {
		if strings.TrimSpace(id) == "" {
			v.Add("disabledRules[%d] is empty", i)
		}
	}
	if c.RulesFile != "" {
		if err := requireFile(c.resolvePath(c.RulesFile)); err != nil {
			v.Add("rulesFile invalid: %v", err)
		}
	} else if c.WatchRules {
		v.Add("watchRules requires rulesFile")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		v.Add("logging.level must be debug|info|warn|error")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		v.Add("logging.format must be json|console")
	}
	if c.Logging.MaxSizeMB < 0 || c.Logging.MaxBackups < 0 || c.Logging.MaxAgeDays < 0 {
		v.Add("logging rotation settings must be >= 0")
	}
	if c.Logging.VerdictLog != "" {
		if err := ensureWritable(c.resolvePath(c.Logging.VerdictLog)); err != nil {
			v.Add("logging.verdictLog invalid: %v", err)
		}
	}

	if c.Metrics.Enabled {
		if err := validateListen(c.Metrics.Listen); err != nil {
			v.Add("metrics.listen invalid: %v", err)
		}
	}

	if err := validateListen(c.Server.Listen); err != nil {
		v.Add("server.listen invalid: %v", err)
	}
	if c.Server.MaxBodyBytes <= 0 {
		v.Add("server.maxBodyBytes must be > 0")
	}
	if c.Server.ReadTimeout <= 0 {
		v.Add("server.readTimeout must be > 0")
	}
	if c.Server.RateLimit.Enabled {
		if c.Server.RateLimit.RPS <= 0 {
			v.Add("server.rateLimit.rps must be > 0")
		}
		if c.Server.RateLimit.Burst <= 0 {
			v.Add("server.rateLimit.burst must be > 0")
		}
		switch c.Server.RateLimit.Key {
		case "", "ip", "ip_path":
		default:
			v.Add("server.rateLimit.key must be ip|ip_path")
		}
	}

	if c.Review.Enabled {
		if c.Review.Path == "" {
			v.Add("review.path is required when review.enabled is true")
		} else if err := ensureWritable(c.resolvePath(c.Review.Path)); err != nil {
			v.Add("review.path invalid: %v", err)
		}
	}

	return v.result()
}

func validateRules(v *ValidationError, rules []Rule, baseDir, prefix string) {
	ids := map[string]struct{}{}
	for i, rule := range rules {
		if rule.ID == "" {
			v.Add("%s[%d].id is required", prefix, i)
		} else if _, exists := ids[rule.ID]; exists {
			v.Add("%s[%d].id %q is duplicated", prefix, i, rule.ID)
		} else {
			ids[rule.ID] = struct{}{}
		}

		switch rule.Category {
		case "injection", "encoding", "missing-header", "suspicious-ua", "mutation":
		default:
			v.Add("%s[%d].category must be injection|encoding|missing-header|suspicious-ua|mutation", prefix, i)
		}

		if math.IsNaN(rule.Weight) || rule.Weight <= 0 || rule.Weight > 1 {
			v.Add("%s[%d].weight must be in (0, 1]", prefix, i)
		}

		switch rule.Target {
		case "", "values", "names":
		case "header":
			if rule.Header == "" {
				v.Add("%s[%d].header is required for target header", prefix, i)
			}
		default:
			v.Add("%s[%d].target must be values|names|header", prefix, i)
		}

		for _, t := range rule.Transforms {
			switch t {
			case "lowercase", "html_entity", "url_decode":
			default:
				v.Add("%s[%d].transforms has unknown transform %q", prefix, i, t)
			}
		}

		switch rule.Match.Type {
		case "aho":
			if rule.Match.PatternsFile == "" && len(rule.Match.Patterns) == 0 {
				v.Add("%s[%d].match.patterns or patternsFile is required for aho", prefix, i)
			}
			if rule.Match.PatternsFile != "" {
				if err := requireFile(resolveAgainst(baseDir, rule.Match.PatternsFile)); err != nil {
					v.Add("%s[%d].match.patternsFile invalid: %v", prefix, i, err)
				}
			}
		case "regex":
			if rule.Match.Pattern == "" {
				v.Add("%s[%d].match.pattern is required for regex", prefix, i)
			} else if _, err := regexp.Compile(rule.Match.Pattern); err != nil {
				v.Add("%s[%d].match.pattern invalid: %v", prefix, i, err)
			}
		default:
			v.Add("%s[%d].match.type must be aho|regex", prefix, i)
		}
	}
}

func unit(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

func inRange(x float64) bool {
	return x >= 0 && x <= 1
}

func validateListen(addr string) error {
	if strings.TrimSpace(addr) == "" {
		return errors.New("address is required")
	}
	if _, err := net.ResolveTCPAddr("tcp", addr); err != nil {
		return err
	}
	return nil
}

func requireFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	return nil
}

func ensureWritable(path string) error {
	dir := filepath.Dir(path)
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}

	file, err := os.CreateTemp(dir, "xweirdfor-validate-*")
	if err != nil {
		return err
	}
	name := file.Name()
	if err := file.Close(); err != nil {
		return err
	}
	return os.Remove(name)
}
