package rules

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xweirdfor/xweirdfor/internal/config"
	"github.com/xweirdfor/xweirdfor/internal/features"
	"github.com/xweirdfor/xweirdfor/internal/headers"
	"github.com/xweirdfor/xweirdfor/internal/normalize"
)

// BuildEngine assembles the built-in rules minus cfg.DisabledRules, then
// inline config rules, then rules from cfg.RulesFile, in that order.
func BuildEngine(cfg *config.Config) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	disabled := make(map[string]bool, len(cfg.DisabledRules))
	for _, id := range cfg.DisabledRules {
		disabled[id] = false
	}

	var rules []Rule
	for _, rule := range Builtin() {
		if _, off := disabled[rule.ID]; off {
			disabled[rule.ID] = true
			continue
		}
		rules = append(rules, rule)
	}

	for _, raw := range cfg.Rules {
		compiled, err := compileRule(raw, cfg.BaseDir())
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", raw.ID, err)
		}
		rules = append(rules, compiled)
	}

	if cfg.RulesFile != "" {
		path := cfg.ResolvePath(cfg.RulesFile)
		raws, err := config.LoadRules(path)
		if err != nil {
			return nil, err
		}
		for _, raw := range raws {
			compiled, err := compileRule(raw, filepath.Dir(path))
			if err != nil {
				return nil, fmt.Errorf("%s: rule %s: %w", path, raw.ID, err)
			}
			rules = append(rules, compiled)
		}
	}

	for _, id := range cfg.DisabledRules {
		if !disabled[id] {
			return nil, fmt.Errorf("disabledRules: unknown rule %q", id)
		}
	}

	return NewEngine(rules)
}

func compileRule(raw config.Rule, baseDir string) (Rule, error) {
	transforms, err := mapTransforms(raw.Transforms)
	if err != nil {
		return Rule{}, err
	}

	var matcher Matcher
	switch MatchType(raw.Match.Type) {
	case MatchRegex:
		if raw.Match.Pattern == "" {
			return Rule{}, fmt.Errorf("regex pattern is required")
		}
		matcher, err = NewRegexMatcher(raw.Match.Pattern)
	case MatchAho:
		patterns := append([]string(nil), raw.Match.Patterns...)
		if raw.Match.PatternsFile != "" {
			fromFile, readErr := readPatterns(resolvePath(baseDir, raw.Match.PatternsFile))
			if readErr != nil {
				return Rule{}, readErr
			}
			patterns = append(patterns, fromFile...)
		}
		if len(patterns) == 0 {
			return Rule{}, fmt.Errorf("patterns or patternsFile is required")
		}
		patterns = applyPatternTransforms(patterns, transforms)
		matcher, err = NewAhoMatcher(patterns)
	default:
		return Rule{}, fmt.Errorf("unknown match type %q", raw.Match.Type)
	}
	if err != nil {
		return Rule{}, err
	}

	target := Target(raw.Target)
	if target == "" {
		target = TargetValues
	}
	predicate, err := targetPredicate(target, raw.Header, transforms, matcher)
	if err != nil {
		return Rule{}, err
	}

	return Rule{
		ID:        raw.ID,
		Category:  Category(raw.Category),
		Weight:    raw.Weight,
		Critical:  raw.Critical,
		Predicate: predicate,
	}, nil
}

func targetPredicate(target Target, header string, transforms []Transform, m Matcher) (Predicate, error) {
	switch target {
	case TargetValues:
		return matchValues(m, transforms), nil
	case TargetNames:
		return func(hs headers.Set) (bool, string, error) {
			for _, h := range hs {
				input, err := applyTransforms(h.Name, transforms)
				if err != nil {
					return false, "", err
				}
				if ok, evidence := m.Match(input); ok {
					return true, evidence, nil
				}
			}
			return false, "", nil
		}, nil
	case TargetHeader:
		if header == "" {
			return nil, fmt.Errorf("header is required for target %q", target)
		}
		return func(hs headers.Set) (bool, string, error) {
			for _, value := range hs.Values(header) {
				capped, _ := normalize.Cap(value, features.MaxValueBytes)
				input, err := applyTransforms(capped, transforms)
				if err != nil {
					return false, "", err
				}
				if ok, evidence := m.Match(input); ok {
					return true, header + ": " + evidence, nil
				}
			}
			return false, "", nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown target %q", target)
	}
}

func mapTransforms(raw []string) ([]Transform, error) {
	out := make([]Transform, 0, len(raw))
	for _, item := range raw {
		transform := Transform(strings.TrimSpace(item))
		switch transform {
		case TransformLowercase, TransformHTMLEntity, TransformURLDecode:
			out = append(out, transform)
		default:
			return nil, fmt.Errorf("unknown transform %q", item)
		}
	}
	return out, nil
}

func applyPatternTransforms(patterns []string, transforms []Transform) []string {
	lower := false
	for _, t := range transforms {
		if t == TransformLowercase {
			lower = true
			break
		}
	}
	if !lower {
		return patterns
	}

	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, strings.ToLower(p))
	}
	return out
}

func readPatterns(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()

	var patterns []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return patterns, nil
}

func resolvePath(baseDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if baseDir == "" {
		return path
	}
	return filepath.Join(baseDir, path)
}
