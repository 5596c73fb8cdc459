package rules

import (
	"errors"
	"fmt"
)

// ErrPanicked marks a rule whose predicate panicked.
var ErrPanicked = errors.New("rule panicked")

// RuleError records a rule that could not be evaluated against one header
// set. Evaluation of the remaining rules continues.
type RuleError struct {
	RuleID string
	Err    error
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("rule %s: %v", e.RuleID, e.Err)
}

func (e *RuleError) Unwrap() error {
	return e.Err
}
