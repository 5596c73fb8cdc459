package pipeline

import (
	"encoding/json"
	"errors"

	"github.com/xweirdfor/xweirdfor/internal/headers"
	"github.com/xweirdfor/xweirdfor/internal/policy"
	"github.com/xweirdfor/xweirdfor/internal/scoring"
)

// State is a record's position in the pipeline. Records move forward only:
// Received, Extracted, Scored, Fused, Reported. Errored is terminal and
// reachable from Received or Extracted.
type State string

const (
	StateReceived  State = "received"
	StateExtracted State = "extracted"
	StateScored    State = "scored"
	StateFused     State = "fused"
	StateReported  State = "reported"
	StateErrored   State = "errored"
)

// Outcome is the single result for one input record.
type Outcome struct {
	Index   int
	ID      string
	State   State
	Verdict *policy.Verdict
	Err     error
}

func (o Outcome) Failed() bool {
	return o.State == StateErrored
}

const (
	KindValidation = "validation"
	KindScoring    = "scoring"
	KindInternal   = "internal"
)

// ErrorKind classifies a per-record error.
func ErrorKind(err error) string {
	var verr *headers.ValidationError
	var fault *scoring.ScoringFault
	switch {
	case err == nil:
		return ""
	case errors.As(err, &verr):
		return KindValidation
	case errors.As(err, &fault):
		return KindScoring
	default:
		return KindInternal
	}
}

type outcomeError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type outcomeJSON struct {
	Index   int             `json:"index"`
	ID      string          `json:"id"`
	State   State           `json:"state"`
	Verdict *policy.Verdict `json:"verdict,omitempty"`
	Error   *outcomeError   `json:"error,omitempty"`
}

func (o Outcome) MarshalJSON() ([]byte, error) {
	out := outcomeJSON{Index: o.Index, ID: o.ID, State: o.State, Verdict: o.Verdict}
	if o.Err != nil {
		out.Error = &outcomeError{Kind: ErrorKind(o.Err), Message: o.Err.Error()}
	}
	return json.Marshal(out)
}
