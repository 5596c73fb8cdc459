package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/xweirdfor/xweirdfor/internal/config"
	"github.com/xweirdfor/xweirdfor/internal/features"
	"github.com/xweirdfor/xweirdfor/internal/forest"
	"github.com/xweirdfor/xweirdfor/internal/headers"
	"github.com/xweirdfor/xweirdfor/internal/policy"
	"github.com/xweirdfor/xweirdfor/internal/review"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "xweirdfor.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

type outcomeJSON struct {
	Index   int             `json:"index"`
	State   string          `json:"state"`
	Verdict *policy.Verdict `json:"verdict"`
	Error   *struct {
		Kind string `json:"kind"`
	} `json:"error"`
}

func TestClassifyInlineHeaders(t *testing.T) {
	out, err := execute(t, "", "classify", "-H", "Host: example.com", "-H", "User-Agent: curl/8.4.0")
	if err != nil {
		t.Fatalf("classify error: %v", err)
	}

	var o outcomeJSON
	if err := json.Unmarshal([]byte(out), &o); err != nil {
		t.Fatalf("invalid json %q: %v", out, err)
	}
	if o.State != "reported" || o.Verdict == nil {
		t.Fatalf("unexpected outcome: %s", out)
	}
	found := false
	for _, id := range o.Verdict.Rules {
		if id == "suspicious-ua-cli" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected suspicious-ua-cli in %v", o.Verdict.Rules)
	}
}

func TestClassifyRejectsBadInlineHeader(t *testing.T) {
	if _, err := execute(t, "", "classify", "-H", "no colon here"); err == nil {
		t.Fatalf("expected error for malformed -H")
	}
}

func TestClassifyStdinRecord(t *testing.T) {
	record := `{"headers": [["Host", "example.com"], ["User-Agent", "Mozilla/5.0"], ["X-Note", "a\r\nb"]]}`
	out, err := execute(t, record, "classify")
	if err != nil {
		t.Fatalf("classify error: %v", err)
	}
	var o outcomeJSON
	if err := json.Unmarshal([]byte(out), &o); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if o.Verdict == nil || o.Verdict.Risk != policy.BandHigh {
		t.Fatalf("expected high risk, got %s", out)
	}
}

func TestBatchJSONLines(t *testing.T) {
	input := strings.Join([]string{
		`{"headers": [["Host", "a.example"], ["User-Agent", "Mozilla/5.0"], ["Accept", "*/*"]]}`,
		`{"headers": "nope"}`,
		`{"headers": {"Host": "b.example", "User-Agent": "sqlmap/1.7"}}`,
	}, "\n")

	out, err := execute(t, input, "batch")
	if err != nil {
		t.Fatalf("batch error: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 outcome lines, got %d: %s", len(lines), out)
	}
	for i, line := range lines {
		var o outcomeJSON
		if err := json.Unmarshal([]byte(line), &o); err != nil {
			t.Fatalf("line %d invalid: %v", i, err)
		}
		if o.Index != i {
			t.Fatalf("line %d has index %d", i, o.Index)
		}
		if (i == 1) != (o.Error != nil) {
			t.Fatalf("line %d unexpected error state: %s", i, line)
		}
	}
}

func TestBatchEnvelopeJSONFormat(t *testing.T) {
	input := `{"requests": [{"headers": [["Host", "a.example"]]}, {"headers": [["Host", "b.example"]]}]}`
	out, err := execute(t, input, "batch", "--format", "json")
	if err != nil {
		t.Fatalf("batch error: %v", err)
	}
	var resp struct {
		Outcomes []outcomeJSON `json:"outcomes"`
		Errored  int           `json:"errored"`
	}
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(resp.Outcomes) != 2 || resp.Errored != 0 {
		t.Fatalf("unexpected response: %s", out)
	}
}

func TestParseBatchInput(t *testing.T) {
	raws, err := parseBatchInput([]byte("{\n  \"headers\": [[\"Host\", \"a\"]]\n}\n"))
	if err != nil || len(raws) != 1 {
		t.Fatalf("expected one pretty-printed record, got %d (%v)", len(raws), err)
	}
	if _, err := parseBatchInput([]byte(`{"requests": 3}`)); err == nil {
		t.Fatalf("expected broken envelope to fail")
	}
	if _, err := parseBatchInput([]byte("  \n")); err == nil {
		t.Fatalf("expected empty input to fail")
	}
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	good := writeConfig(t, dir, "configVersion: 1\nlogging:\n  level: error\n")
	out, err := execute(t, "", "validate", "-c", good)
	if err != nil {
		t.Fatalf("validate error: %v", err)
	}
	if strings.TrimSpace(out) != "config ok" {
		t.Fatalf("unexpected output %q", out)
	}

	bad := writeConfig(t, dir, "configVersion: 2\nmodel:\n  path: missing.json\nfusion:\n  vetoScore: 0.5\n")
	_, err = execute(t, "", "validate", "-c", bad)
	var verr *config.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(verr.Problems) < 3 {
		t.Fatalf("expected every problem reported, got %v", verr.Problems)
	}
}

func TestValidateRequiresConfig(t *testing.T) {
	if _, err := execute(t, "", "validate"); err == nil {
		t.Fatalf("expected error without --config")
	}
}

func trainingVectors(n int) []features.Vector {
	out := make([]features.Vector, n)
	for i := range out {
		hs := headers.Set{
			{Name: "Host", Value: fmt.Sprintf("shop%d.example.com", i%7)},
			{Name: "User-Agent", Value: fmt.Sprintf("Mozilla/5.0 (Windows NT 10.0; Win64; x64) Chrome/%d.0", 100+i%20)},
			{Name: "Accept", Value: "text/html,application/xhtml+xml"},
			{Name: "Accept-Language", Value: "en-US,en;q=0.9"},
			{Name: "Accept-Encoding", Value: "gzip, deflate, br"},
		}
		out[i] = features.Extract(hs)
	}
	return out
}

func TestClassifyWithModelAndReport(t *testing.T) {
	dir := t.TempDir()
	artifact, err := forest.Build(trainingVectors(64), []forest.Personality{
		{Name: "a", Params: forest.Params{Trees: 10, SubSampleSize: 32, Seed: 1}, Calibration: forest.CalibrationMinMax},
		{Name: "b", Params: forest.Params{Trees: 10, SubSampleSize: 32, Seed: 2}, Calibration: forest.CalibrationSigmoid},
	})
	if err != nil {
		t.Fatalf("build model: %v", err)
	}
	if err := artifact.Save(filepath.Join(dir, "model.json")); err != nil {
		t.Fatalf("save model: %v", err)
	}
	cfgPath := writeConfig(t, dir, strings.Join([]string{
		"configVersion: 1",
		"model:",
		"  path: model.json",
		"logging:",
		"  level: error",
		"  verdictLog: verdicts.jsonl",
	}, "\n")+"\n")

	input := `{"requests": [` +
		`{"headers": [["Host", "shop1.example.com"], ["User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) Chrome/110.0"], ["Accept", "text/html,application/xhtml+xml"], ["Accept-Language", "en-US,en;q=0.9"], ["Accept-Encoding", "gzip, deflate, br"]]},` +
		`{"headers": [["User-Agent", "sqlmap/1.7"], ["X-Test", "1' OR '1'='1"]]}` +
		`]}`
	out, err := execute(t, input, "batch", "-c", cfgPath, "--format", "json")
	if err != nil {
		t.Fatalf("batch error: %v", err)
	}
	var resp struct {
		Outcomes []outcomeJSON `json:"outcomes"`
	}
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(resp.Outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(resp.Outcomes))
	}
	for _, o := range resp.Outcomes {
		if o.Verdict == nil || o.Verdict.Evidence.HeuristicOnly || len(o.Verdict.Evidence.MLScores) != 2 {
			t.Fatalf("expected model evidence from both members: %+v", o.Verdict)
		}
	}
	if resp.Outcomes[1].Verdict.Score <= resp.Outcomes[0].Verdict.Score {
		t.Fatalf("expected scanner record to score above the benign one")
	}

	out, err = execute(t, "", "report", "-c", cfgPath, "--format", "json")
	if err != nil {
		t.Fatalf("report error: %v", err)
	}
	var summary struct {
		Total int `json:"total"`
	}
	if err := json.Unmarshal([]byte(out), &summary); err != nil {
		t.Fatalf("invalid report json: %v", err)
	}
	if summary.Total != 2 {
		t.Fatalf("expected 2 logged verdicts, got %d", summary.Total)
	}
}

func TestReviewCommands(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "review.db")
	store, err := review.Open(dbPath)
	if err != nil {
		t.Fatalf("open review: %v", err)
	}
	verdict := policy.Verdict{Score: 0.5, Risk: policy.BandMedium, GrayZone: true, Rules: []string{"missing-accept"}}
	if _, err := store.Enqueue(context.Background(), "rec-1", verdict); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	store.Close()

	out, err := execute(t, "", "review", "list", "--db", dbPath, "--json")
	if err != nil {
		t.Fatalf("list error: %v", err)
	}
	var items []review.Item
	if err := json.Unmarshal([]byte(out), &items); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(items) != 1 || items[0].RecordID != "rec-1" {
		t.Fatalf("unexpected items: %s", out)
	}

	if _, err := execute(t, "", "review", "resolve", "1", "--db", dbPath, "--status", "dismissed", "--note", "load test"); err != nil {
		t.Fatalf("resolve error: %v", err)
	}
	out, err = execute(t, "", "review", "stats", "--db", dbPath)
	if err != nil {
		t.Fatalf("stats error: %v", err)
	}
	if !strings.Contains(out, "pending: 0") || !strings.Contains(out, "dismissed: 1") {
		t.Fatalf("unexpected stats:\n%s", out)
	}

	if _, err := execute(t, "", "review", "resolve", "1", "--db", dbPath); err == nil {
		t.Fatalf("expected resolving twice to fail")
	}
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "", "version")
	if err != nil {
		t.Fatalf("version error: %v", err)
	}
	if !strings.HasPrefix(out, "version=dev") {
		t.Fatalf("unexpected version output %q", out)
	}
}
