package logging

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/xweirdfor/xweirdfor/internal/config"
	"github.com/xweirdfor/xweirdfor/internal/pipeline"
)

const maxEvidence = 64

// Entry is written as a single JSON object per classified record.
type Entry struct {
	Timestamp    time.Time     `json:"ts"`
	RecordID     string        `json:"record_id"`
	Index        int           `json:"index"`
	State        string        `json:"state"`
	Score        float64       `json:"score"`
	Risk         string        `json:"risk,omitempty"`
	GrayZone     bool          `json:"gray_zone"`
	Vetoed       bool          `json:"vetoed"`
	MLScore      float64       `json:"ml_score"`
	Disagreement float64       `json:"disagreement"`
	MatchedRules []MatchedRule `json:"matched_rules"`
	ErroredRules []string      `json:"errored_rules,omitempty"`
	ErrorKind    string        `json:"error_kind,omitempty"`
	Error        string        `json:"error,omitempty"`
}

type MatchedRule struct {
	ID       string  `json:"id"`
	Category string  `json:"category"`
	Weight   float64 `json:"weight"`
	Critical bool    `json:"critical,omitempty"`
	Evidence string  `json:"evidence"`
}

// VerdictLogger appends entries as JSON lines. It is safe for concurrent
// use and doubles as a pipeline reporter.
type VerdictLogger struct {
	mu  sync.Mutex
	w   io.Writer
	now func() time.Time
}

func NewVerdictLogger(w io.Writer) *VerdictLogger {
	return &VerdictLogger{w: w, now: time.Now}
}

// OpenVerdictLog opens path for appending through a size-based rotator.
func OpenVerdictLog(path string, cfg config.LoggingConfig) (*VerdictLogger, func() error, error) {
	r := rotator(path, cfg)
	return NewVerdictLogger(r), r.Close, nil
}

func (l *VerdictLogger) Write(entry Entry) error {
	entry.MatchedRules = sanitizeMatchedRules(entry.MatchedRules)

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.w.Write(append(data, '\n'))
	return err
}

func (l *VerdictLogger) Report(_ context.Context, o pipeline.Outcome) error {
	return l.Write(EntryFor(o, l.now()))
}

// EntryFor flattens an outcome into a log entry.
func EntryFor(o pipeline.Outcome, ts time.Time) Entry {
	e := Entry{
		Timestamp: ts.UTC(),
		RecordID:  o.ID,
		Index:     o.Index,
		State:     string(o.State),
	}
	if o.Err != nil {
		e.ErrorKind = pipeline.ErrorKind(o.Err)
		e.Error = o.Err.Error()
	}
	if v := o.Verdict; v != nil {
		e.Score = v.Score
		e.Risk = string(v.Risk)
		e.GrayZone = v.GrayZone
		e.Vetoed = v.Evidence.Vetoed
		e.MLScore = v.Evidence.MLScore
		e.Disagreement = v.Evidence.Disagreement
		e.ErroredRules = v.Evidence.ErroredRules
		for _, m := range v.Evidence.Matches {
			e.MatchedRules = append(e.MatchedRules, MatchedRule{
				ID:       m.RuleID,
				Category: string(m.Category),
				Weight:   m.Weight,
				Critical: m.Critical,
				Evidence: m.Evidence,
			})
		}
	}
	return e
}

func sanitizeMatchedRules(rules []MatchedRule) []MatchedRule {
	if len(rules) == 0 {
		return nil
	}
	out := make([]MatchedRule, len(rules))
	for i, rule := range rules {
		out[i] = rule
		out[i].Evidence = truncate(rule.Evidence, maxEvidence)
	}
	return out
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
