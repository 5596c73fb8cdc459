package rules

import (
	"errors"
	"fmt"
	"math"

	"github.com/xweirdfor/xweirdfor/internal/headers"
)

// Engine evaluates a fixed rule set. It is immutable after construction
// and safe for concurrent use.
type Engine struct {
	rules []Rule
}

// Evaluator is anything that can score a header set with rules: an
// Engine, or a Holder swapping engines on reload.
type Evaluator interface {
	Evaluate(hs headers.Set) Result
}

// NewEngine registers rules in order. IDs must be unique and weights in
// (0, 1].
func NewEngine(rules []Rule) (*Engine, error) {
	seen := make(map[string]struct{}, len(rules))
	out := make([]Rule, 0, len(rules))
	for i, rule := range rules {
		if rule.ID == "" {
			return nil, fmt.Errorf("rules[%d]: id is required", i)
		}
		if _, dup := seen[rule.ID]; dup {
			return nil, fmt.Errorf("rule %s: duplicate id", rule.ID)
		}
		seen[rule.ID] = struct{}{}
		if !knownCategory(rule.Category) {
			return nil, fmt.Errorf("rule %s: unknown category %q", rule.ID, rule.Category)
		}
		if math.IsNaN(rule.Weight) || rule.Weight <= 0 || rule.Weight > 1 {
			return nil, fmt.Errorf("rule %s: weight must be in (0, 1], got %v", rule.ID, rule.Weight)
		}
		if rule.Predicate == nil {
			return nil, fmt.Errorf("rule %s: predicate is required", rule.ID)
		}
		out = append(out, rule)
	}
	return &Engine{rules: out}, nil
}

// Rules returns the registered rules in evaluation order.
func (e *Engine) Rules() []Rule {
	return append([]Rule(nil), e.rules...)
}

func (e *Engine) Len() int {
	return len(e.rules)
}

// Evaluate runs every rule in registration order. Risk combines matched
// weights as 1 - prod(1 - w), so it stays in [0, 1] and never decreases
// when another rule matches.
func (e *Engine) Evaluate(hs headers.Set) Result {
	result := Result{}
	survival := 1.0

	for _, rule := range e.rules {
		matched, evidence, err := evaluate(rule, hs)
		if err != nil {
			result.Errors = append(result.Errors, &RuleError{RuleID: rule.ID, Err: err})
			continue
		}
		if !matched {
			continue
		}

		survival *= 1 - rule.Weight
		if rule.Critical {
			result.Critical = true
		}
		result.Matches = append(result.Matches, Match{
			RuleID:   rule.ID,
			Category: rule.Category,
			Weight:   rule.Weight,
			Critical: rule.Critical,
			Evidence: snippet(evidence),
		})
	}

	result.Risk = clamp01(1 - survival)
	return result
}

func evaluate(rule Rule, hs headers.Set) (matched bool, evidence string, err error) {
	defer func() {
		if r := recover(); r != nil {
			matched, evidence = false, ""
			err = fmt.Errorf("%w: %v", ErrPanicked, r)
		}
	}()
	matched, evidence, err = rule.Predicate(hs)
	if err == nil && matched && evidence == "" {
		evidence = rule.ID
	}
	return matched, evidence, err
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

// IsPanic reports whether err came from a recovered predicate panic.
func IsPanic(err error) bool {
	return errors.Is(err, ErrPanicked)
}
