package rules

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/xweirdfor/xweirdfor/internal/config"
	"github.com/xweirdfor/xweirdfor/internal/headers"
)

func TestBuildEngineOrderAndDisabled(t *testing.T) {
	cfg := config.Default()
	cfg.DisabledRules = []string{"missing-accept"}
	cfg.Rules = []config.Rule{
		{
			ID:         "debug-header",
			Category:   "mutation",
			Weight:     0.4,
			Target:     "names",
			Transforms: []string{"lowercase"},
			Match:      config.RuleMatch{Type: "regex", Pattern: `^x-debug`},
		},
	}

	engine, err := BuildEngine(cfg)
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	rules := engine.Rules()
	if len(rules) != len(Builtin()) {
		t.Fatalf("expected %d rules, got %d", len(Builtin()), len(rules))
	}
	if rules[len(rules)-1].ID != "debug-header" {
		t.Fatalf("expected config rule last, got %s", rules[len(rules)-1].ID)
	}
	for _, r := range rules {
		if r.ID == "missing-accept" {
			t.Fatalf("expected missing-accept disabled")
		}
	}

	result := engine.Evaluate(headers.Set{
		{Name: "Host", Value: "a"},
		{Name: "User-Agent", Value: "Mozilla/5.0"},
		{Name: "X-Debug-Mode", Value: "1"},
	})
	if ids := result.RuleIDs(); len(ids) != 1 || ids[0] != "debug-header" {
		t.Fatalf("unexpected matches %v", ids)
	}
	if result.Matches[0].Evidence != "x-debug" {
		t.Fatalf("unexpected evidence %q", result.Matches[0].Evidence)
	}
}

func TestBuildEngineUnknownDisabledRule(t *testing.T) {
	cfg := config.Default()
	cfg.DisabledRules = []string{"no-such-rule"}
	if _, err := BuildEngine(cfg); err == nil || !strings.Contains(err.Error(), "no-such-rule") {
		t.Fatalf("expected unknown rule error, got %v", err)
	}
}

func TestBuildEngineRulesFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "agents.txt"), []byte("MassCan\nzgrab\n"), 0o644); err != nil {
		t.Fatalf("write patterns: %v", err)
	}
	rulesPath := filepath.Join(dir, "rules.yaml")
	body := `
rules:
  - id: custom-scanner
    category: suspicious-ua
    weight: 0.6
    target: header
    header: User-Agent
    transforms: [lowercase]
    match:
      type: aho
      patternsFile: agents.txt
`
	if err := os.WriteFile(rulesPath, []byte(body), 0o644); err != nil {
		t.Fatalf("write rules: %v", err)
	}

	cfg := config.Default()
	cfg.RulesFile = rulesPath
	engine, err := BuildEngine(cfg)
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}

	result := engine.Evaluate(headers.Set{
		{Name: "Host", Value: "a"},
		{Name: "Accept", Value: "*/*"},
		{Name: "User-Agent", Value: "MASSCAN/1.3"},
	})
	if !contains(result.RuleIDs(), "custom-scanner") {
		t.Fatalf("expected custom-scanner match, got %v", result.RuleIDs())
	}
}

func TestCompileRuleErrors(t *testing.T) {
	cases := map[string]config.Rule{
		"transform": {ID: "a", Category: "mutation", Weight: 0.5, Transforms: []string{"rot13"}, Match: config.RuleMatch{Type: "regex", Pattern: "a"}},
		"match":     {ID: "a", Category: "mutation", Weight: 0.5, Match: config.RuleMatch{Type: "glob"}},
		"target":    {ID: "a", Category: "mutation", Weight: 0.5, Target: "body", Match: config.RuleMatch{Type: "regex", Pattern: "a"}},
		"header":    {ID: "a", Category: "mutation", Weight: 0.5, Target: "header", Match: config.RuleMatch{Type: "regex", Pattern: "a"}},
		"patterns":  {ID: "a", Category: "mutation", Weight: 0.5, Match: config.RuleMatch{Type: "aho"}},
	}
	for name, raw := range cases {
		if _, err := compileRule(raw, ""); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
