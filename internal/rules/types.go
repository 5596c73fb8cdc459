package rules

import "github.com/xweirdfor/xweirdfor/internal/headers"

type Category string

type MatchType string

type Transform string

// Target selects which part of a header set a compiled rule inspects.
type Target string

const (
	CategoryInjection     Category = "injection"
	CategoryEncoding      Category = "encoding"
	CategoryMissingHeader Category = "missing-header"
	CategorySuspiciousUA  Category = "suspicious-ua"
	CategoryMutation      Category = "mutation"
)

const (
	MatchRegex MatchType = "regex"
	MatchAho   MatchType = "aho"
)

const (
	TransformLowercase  Transform = "lowercase"
	TransformHTMLEntity Transform = "html_entity"
	TransformURLDecode  Transform = "url_decode"
)

const (
	TargetValues Target = "values"
	TargetNames  Target = "names"
	TargetHeader Target = "header"
)

// Predicate reports whether a rule fires on hs, with a short evidence
// snippet. Predicates must not mutate hs.
type Predicate func(hs headers.Set) (bool, string, error)

type Rule struct {
	ID       string
	Category Category
	// Weight is the rule's independent probability of indicating an
	// anomaly, in (0, 1].
	Weight    float64
	Critical  bool
	Predicate Predicate
}

type Match struct {
	RuleID   string   `json:"id"`
	Category Category `json:"category"`
	Weight   float64  `json:"weight"`
	Critical bool     `json:"critical,omitempty"`
	Evidence string   `json:"evidence,omitempty"`
}

type Result struct {
	Risk     float64
	Matches  []Match
	Errors   []*RuleError
	Critical bool
}

// RuleIDs returns matched rule IDs in evaluation order.
func (r Result) RuleIDs() []string {
	out := make([]string, len(r.Matches))
	for i, m := range r.Matches {
		out[i] = m.RuleID
	}
	return out
}

// ErroredIDs returns the IDs of rules that failed to evaluate.
func (r Result) ErroredIDs() []string {
	out := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		out[i] = e.RuleID
	}
	return out
}

// Matcher returns true if the input matches and an evidence snippet of at
// most 64 bytes.
type Matcher interface {
	Match(input string) (bool, string)
}

func knownCategory(c Category) bool {
	switch c {
	case CategoryInjection, CategoryEncoding, CategoryMissingHeader, CategorySuspiciousUA, CategoryMutation:
		return true
	}
	return false
}
