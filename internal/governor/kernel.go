package governor

import (
	"fmt"
	"math"
	"sync"
)

// Kernel orchestrates one governed agent: evaluate -> advance -> classify
// -> emit, serialized under a single mutex exactly as the teacher's
// escalation.ProcessState serializes per-PID mutation (§5: one step() at a
// time per kernel).
type Kernel struct {
	mu    sync.Mutex
	state KernelState

	// contracts, when non-nil, checks budget monotonicity (§4.7) after
	// every Advance in Step. DenyBudget, ForceCascadeHalt and Reset are
	// not checked.
	contracts *ContractChecker
}

// NewKernel creates a Kernel in the RUNNING state with a fresh KernelState
// for the given profile.
func NewKernel(profile Profile) *Kernel {
	return &Kernel{state: NewKernelState(profile)}
}

// WithContracts attaches a ContractChecker. Mirrors
// GOVERNANCE_CONTRACTS_ENABLED being read once at process startup — the
// caller decides once, at construction, whether contracts are active.
func (k *Kernel) WithContracts(c *ContractChecker) *Kernel {
	k.contracts = c
	return k
}

// State returns a copy of the kernel's current state. Safe for concurrent
// use; the returned value is a snapshot and will not reflect subsequent
// steps.
func (k *Kernel) State() KernelState {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state
}

// Step runs one iteration of the governance algorithm (§4.3). If the
// kernel is already halted, it is a no-op that returns the cached terminal
// decision. Otherwise it evaluates signals, advances mechanics, classifies
// against the fixed-priority halt predicates, and returns the Decision.
//
// Commit-or-rollback: the new state is computed out of place and only
// swapped into k.state once classification has completed, so a panic
// during evaluation/advance (e.g. from a malformed profile producing NaN)
// never leaves the kernel in a partially-updated state — it is caught and
// converted into a terminal EXTERNAL halt instead.
func (k *Kernel) Step(signals Signals) (decision Decision) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.state.Halted {
		return k.cachedDecision()
	}

	if k.state.cascadeHalt != "" {
		return k.applyCascadeHalt()
	}

	defer func() {
		if r := recover(); r != nil {
			k.state.Halted = true
			k.state.Failure = FailureExternal
			k.state.Reason = fmt.Sprintf("arithmetic exception: %v", r)
			k.state.Budgets = freezeOnException(k.state.Budgets)
			decision = k.cachedDecision()
		}
	}()

	working := k.state
	working.StepIndex++

	eff := Evaluate(signals, working.Profile)
	if eff.TrustCollapsed {
		working.trustCollapseStreak++
	} else {
		working.trustCollapseStreak = 0
	}

	working = Advance(working, eff, working.Profile)
	assertFinite(working.Budgets)

	if k.contracts != nil {
		if err := k.contracts.CheckMonotonicity(k.state.Budgets, working.Budgets); err != nil {
			working.Halted = true
			working.Failure = FailureExternal
			working.Reason = err.Error()
			k.state = working
			return k.cachedDecision()
		}
	}

	failure, reason := classify(working)
	if failure != FailureNone {
		working.Halted = true
		working.Failure = failure
		working.Reason = reason
	}

	k.state = working
	return Decision{
		Halted:    working.Halted,
		Failure:   working.Failure,
		Reason:    working.Reason,
		Budgets:   working.Budgets,
		StepIndex: working.StepIndex,
	}
}

// Reset clears a halted kernel back to a fresh, non-halted KernelState
// under the same profile. This is the sole privileged mutation that may
// transition HALTED -> RUNNING (§4.3's state machine, §3's KernelState
// lifecycle). Not part of the normal Step path.
func (k *Kernel) Reset() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.state = NewKernelState(k.state.Profile)
}

// ForceCascadeHalt marks the kernel to resolve its next Step immediately
// as an EXTERNAL halt with the given reason, without running evaluation or
// mechanics. Used exclusively by the coordinator package's CascadeDetector
// (§4.6) to propagate a preventive halt to a neighbor.
func (k *Kernel) ForceCascadeHalt(reason string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.state.Halted {
		return
	}
	k.state.cascadeHalt = reason
}

// DenyBudget immediately halts the kernel as if the step's budget draw
// against a SharedBudgetPool had been denied before mechanics ran (§4.6:
// "the kernel treats the step as if the relevant budget reached its halt
// threshold, classifying as EXHAUSTION or OVERRISK respectively"). Bypasses
// evaluation and mechanics entirely, the same way ForceCascadeHalt bypasses
// them, but resolves synchronously against the current step rather than
// being deferred to the next call to Step. failure must be
// FailureExhaustion or FailureOverrisk; any other value panics, since the
// coordinator never denies a draw for another reason.
func (k *Kernel) DenyBudget(failure FailureKind, reason string) Decision {
	if failure != FailureExhaustion && failure != FailureOverrisk {
		panic(fmt.Sprintf("governor: DenyBudget called with invalid failure kind %s", failure))
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if k.state.Halted {
		return k.cachedDecision()
	}

	k.state.StepIndex++
	k.state.Halted = true
	k.state.Failure = failure
	k.state.Reason = reason
	return k.cachedDecision()
}

func (k *Kernel) applyCascadeHalt() Decision {
	k.state.StepIndex++
	k.state.Halted = true
	k.state.Failure = FailureExternal
	k.state.Reason = k.state.cascadeHalt
	k.state.cascadeHalt = ""
	return k.cachedDecision()
}

func (k *Kernel) cachedDecision() Decision {
	return Decision{
		Halted:    k.state.Halted,
		Failure:   k.state.Failure,
		Reason:    k.state.Reason,
		Budgets:   k.state.Budgets,
		StepIndex: k.state.StepIndex,
	}
}

// classify evaluates the fixed-priority halt predicates of §4.3 step 4.
// First match wins, ensuring stable reason attribution.
func classify(state KernelState) (FailureKind, string) {
	profile := state.Profile
	b := state.Budgets

	if b.Exploration > profile.MaxExploration {
		return FailureSafety, fmt.Sprintf(
			"exploration %.6f exceeds max_exploration %.6f", b.Exploration, profile.MaxExploration)
	}

	consumedRisk := 1 - b.Risk
	if consumedRisk > profile.MaxRisk {
		return FailureOverrisk, fmt.Sprintf(
			"consumed risk %.6f exceeds max_risk %.6f", consumedRisk, profile.MaxRisk)
	}

	if b.Effort <= profile.MinEffort {
		return FailureExhaustion, fmt.Sprintf(
			"effort %.6f at or below min_effort %.6f", b.Effort, profile.MinEffort)
	}

	if state.History.full() {
		meanReward, meanDrain := state.History.meanRewardAndDrain()
		if meanReward < profile.StagnationRewardCeiling && meanDrain > profile.StagnationEffortFloor {
			return FailureStagnation, fmt.Sprintf(
				"mean reward %.6f below ceiling %.6f and mean effort drain %.6f above floor %.6f over window %d",
				meanReward, profile.StagnationRewardCeiling, meanDrain, profile.StagnationEffortFloor, profile.StagnationWindow)
		}
	}

	if state.StepIndex >= profile.MaxSteps {
		return FailureExternal, fmt.Sprintf(
			"step_index %d reached max_steps %d", state.StepIndex, profile.MaxSteps)
	}

	collapseWindow := profile.TrustCollapseWindow
	if collapseWindow <= 0 {
		collapseWindow = 5
	}
	if state.trustCollapseStreak >= collapseWindow {
		return FailureTrustCollapse, fmt.Sprintf(
			"trust below epsilon for %d consecutive steps (window %d)",
			state.trustCollapseStreak, collapseWindow)
	}

	return FailureNone, ""
}

// assertFinite panics if any budget field is NaN or infinite. Caught by
// Step's recover and converted into a terminal EXTERNAL halt (§4.3:
// "internal arithmetic exceptions... are fatal to the step").
func assertFinite(b Budgets) {
	for _, v := range []float64{b.Effort, b.Risk, b.Persistence, b.Exploration} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			panic(fmt.Sprintf("non-finite budget value %v", v))
		}
	}
}

// freezeOnException returns the last known-finite budgets, substituting
// zero for any non-finite field so a Decision snapshot is always safe to
// serialize.
func freezeOnException(b Budgets) Budgets {
	fix := func(v float64) float64 {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0
		}
		return v
	}
	return Budgets{
		Effort:      fix(b.Effort),
		Risk:        fix(b.Risk),
		Persistence: fix(b.Persistence),
		Exploration: fix(b.Exploration),
	}
}
