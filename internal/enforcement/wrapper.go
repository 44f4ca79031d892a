// Package enforcement gates tool execution behind kernel decisions (§4.5).
// Two modes share one predicate: allow(decision) = !decision.Halted. The
// in-process wrapper in this file and the HTTP proxy in proxy.go both
// reduce to that same check; neither ever executes an action before it.
package enforcement

import (
	"fmt"

	"github.com/runtime-governor/governor/internal/governor"
)

// BlockedError is returned when an action is rejected because the kernel
// has halted. Grounded on internal/governance/constitutional.go's
// ConstitutionalViolation: a typed error carrying the classification so
// callers can branch on Failure rather than parsing Error() strings.
type BlockedError struct {
	Failure governor.FailureKind
	Reason  string
	Step    int
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("blocked by governor: %s at step %d: %s", e.Failure, e.Step, e.Reason)
}

// Action is any tool body the wrapper may invoke when the kernel allows it.
type Action func(args map[string]any) (result any, err error)

// Enforce evaluates decision and, only on GO, invokes action(args). On
// HALT it raises *BlockedError without calling action at all — the action
// body must never run before the check, and Enforce must never swallow an
// error action returns (that remains the caller's concern).
func Enforce(decision governor.Decision, action Action, args map[string]any) (any, error) {
	if decision.Halted {
		return nil, &BlockedError{
			Failure: decision.Failure,
			Reason:  decision.Reason,
			Step:    decision.StepIndex,
		}
	}
	return action(args)
}

// EnforceStep is a convenience that steps the kernel and immediately
// enforces the resulting decision in one call, mirroring the decorator
// pattern described for auto-signal capture (§9): the caller synthesizes
// Signals from observed execution facts, and this function keeps the
// kernel itself ignorant of wall-clock or retries.
func EnforceStep(k *governor.Kernel, signals governor.Signals, action Action, args map[string]any) (governor.Decision, any, error) {
	decision := k.Step(signals)
	result, err := Enforce(decision, action, args)
	return decision, result, err
}
