package governor

import (
	"fmt"
	"sync/atomic"
)

// ContractViolation is the typed error raised by a ContractChecker when a
// runtime invariant is violated. Grounded on
// internal/governance/constitutional.go's ConstitutionalViolation: a
// violation always forces the kernel to HALTED with failure EXTERNAL
// (§4.7), it is never swallowed.
type ContractViolation struct {
	Rule    string
	Message string
}

func (v *ContractViolation) Error() string {
	return fmt.Sprintf("contract violation [%s]: %s", v.Rule, v.Message)
}

// ContractChecker holds the runtime assertions of §4.7, attached when
// GOVERNANCE_CONTRACTS_ENABLED=1. Disabled by default; the daemon decides
// once at startup (see cmd/governor) whether to attach one to each Kernel.
// Kernel.Step calls only CheckMonotonicity; Kernel never calls
// CheckHaltIrreversible, and no check guards against the kernel invoking
// action handlers.
type ContractChecker struct {
	// persistenceGainCeiling bounds how much persistence may legitimately
	// rise in one step, per the budget monotonicity rule's
	// "persistence' <= persistence + pers_gain_ceiling" clause.
	persistenceGainCeiling float64

	violations atomic.Uint64
}

// NewContractChecker creates a ContractChecker. persistenceGainCeiling
// should match the profile's PersistenceGain; a zero value allows no rise
// in persistence at all, on top of the effort and risk monotonicity
// checks.
func NewContractChecker(persistenceGainCeiling float64) *ContractChecker {
	return &ContractChecker{persistenceGainCeiling: persistenceGainCeiling}
}

// CheckMonotonicity enforces budget monotonicity (§4.7, P4): post-step
// effort must not increase, consumed risk must not decrease, and
// persistence must not rise by more than the configured ceiling.
func (c *ContractChecker) CheckMonotonicity(prev, next Budgets) error {
	if next.Effort > prev.Effort {
		c.violations.Add(1)
		return &ContractViolation{
			Rule:    "budget_monotonicity",
			Message: fmt.Sprintf("effort increased: %.6f -> %.6f", prev.Effort, next.Effort),
		}
	}
	consumedPrev := 1 - prev.Risk
	consumedNext := 1 - next.Risk
	if consumedNext < consumedPrev {
		c.violations.Add(1)
		return &ContractViolation{
			Rule:    "budget_monotonicity",
			Message: fmt.Sprintf("consumed risk decreased: %.6f -> %.6f", consumedPrev, consumedNext),
		}
	}
	if next.Persistence > prev.Persistence+c.persistenceGainCeiling {
		c.violations.Add(1)
		return &ContractViolation{
			Rule: "budget_monotonicity",
			Message: fmt.Sprintf("persistence rose beyond ceiling: %.6f -> %.6f (ceiling %.6f)",
				prev.Persistence, next.Persistence, c.persistenceGainCeiling),
		}
	}
	return nil
}

// CheckHaltIrreversible enforces that halted never reverts to false
// outside of an explicit Reset (§4.7). Kernel.Reset does not go through
// this checker, so any caller finding wasHalted=true, isHalted=false here
// has bypassed the public API incorrectly.
func (c *ContractChecker) CheckHaltIrreversible(wasHalted, isHalted bool) error {
	if wasHalted && !isHalted {
		c.violations.Add(1)
		return &ContractViolation{
			Rule:    "halt_irreversible",
			Message: "halted transitioned to false outside of Reset",
		}
	}
	return nil
}

// Violations returns the lifetime count of contract violations observed.
func (c *ContractChecker) Violations() uint64 {
	return c.violations.Load()
}
