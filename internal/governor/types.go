// Package governor implements the deterministic governance kernel: the
// state machine that advances pressures and budgets on every agent step
// and emits a GO/HALT decision.
//
// Everything in this package is pure with respect to wall-clock time and
// randomness. The only mutable state is KernelState, and it is mutated
// exclusively by the Kernel methods Step, Reset, DenyBudget and
// ForceCascadeHalt.
package governor

import "fmt"

// Signals is the per-step input describing one intended agent action.
// All fields are expected in [0,1]; out-of-range values are clamped by
// Evaluate rather than rejected.
type Signals struct {
	Reward  float64
	Novelty float64
	Urgency float64

	// Trust is the credibility of the signal source. TrustSet distinguishes
	// an explicit 0 from "omitted" — both are treated as fail-closed (0),
	// but omission does not require the caller to know the zero value.
	Trust    float64
	TrustSet bool
}

// Pressures are unbounded-above monotone accumulators, clamped at 0 below.
type Pressures struct {
	Frustration float64
	UrgencyAcc  float64
	Uncertainty float64
}

// Budgets are bounded in [0,1] and monotone non-increasing under normal
// operation. Risk is a decreasing budget: consumed risk = 1 - Risk.
type Budgets struct {
	Effort      float64
	Risk        float64
	Persistence float64
	Exploration float64
}

// FailureKind is the closed set of halt classifications.
type FailureKind int

const (
	// FailureNone indicates a GO decision; there is no failure.
	FailureNone FailureKind = iota
	FailureSafety
	FailureOverrisk
	FailureExhaustion
	FailureStagnation
	FailureExternal
	FailureTrustCollapse
)

// String returns the wire/log name for a FailureKind.
func (f FailureKind) String() string {
	switch f {
	case FailureNone:
		return "NONE"
	case FailureSafety:
		return "SAFETY"
	case FailureOverrisk:
		return "OVERRISK"
	case FailureExhaustion:
		return "EXHAUSTION"
	case FailureStagnation:
		return "STAGNATION"
	case FailureExternal:
		return "EXTERNAL"
	case FailureTrustCollapse:
		return "TRUST_COLLAPSE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(f))
	}
}

// historyPoint is one entry of the stagnation-detection ring buffer.
type historyPoint struct {
	effectiveReward float64
	effortDelta     float64
}

// History is an ordered ring buffer of the last profile.StagnationWindow
// effective rewards and effort deltas. Used solely by stagnation detection.
type History struct {
	window int
	points []historyPoint
}

// newHistory creates an empty History sized to hold window points.
func newHistory(window int) History {
	if window < 0 {
		window = 0
	}
	return History{window: window, points: make([]historyPoint, 0, window)}
}

// push appends a point, dropping the oldest if the window is full.
// Returns the updated History (History is a value type; callers must
// reassign, mirroring the rest of this package's out-of-place updates).
func (h History) push(effectiveReward, effortDelta float64) History {
	points := append(append([]historyPoint(nil), h.points...), historyPoint{effectiveReward, effortDelta})
	if h.window > 0 && len(points) > h.window {
		points = points[len(points)-h.window:]
	}
	return History{window: h.window, points: points}
}

// full reports whether the history has accumulated a full window.
func (h History) full() bool {
	return h.window > 0 && len(h.points) >= h.window
}

// meanRewardAndDrain returns the mean effective reward and mean effort
// drain across the current history contents.
func (h History) meanRewardAndDrain() (meanReward, meanDrain float64) {
	if len(h.points) == 0 {
		return 0, 0
	}
	var sumReward, sumDrain float64
	for _, p := range h.points {
		sumReward += p.effectiveReward
		sumDrain += p.effortDelta
	}
	n := float64(len(h.points))
	return sumReward / n, sumDrain / n
}

// Decision is the kernel's per-step output.
type Decision struct {
	Halted    bool
	Failure   FailureKind
	Reason    string
	Budgets   Budgets
	StepIndex int
}

// KernelState is the full mutable state of one governed agent. It is
// created by the caller with a Profile, mutated only by the Kernel's Step,
// Reset, DenyBudget and ForceCascadeHalt methods, and destroyed only by
// the caller (Reset clears it back to a fresh start,
// it does not destroy the KernelState value itself).
type KernelState struct {
	StepIndex int
	Pressures Pressures
	Budgets   Budgets
	History   History

	Halted  bool
	Failure FailureKind
	Reason  string

	Profile Profile

	// trustCollapseStreak counts consecutive steps with Trust below ε.
	// Not part of the spec's public data model; internal bookkeeping for
	// the TRUST_COLLAPSE flag described in §4.1.
	trustCollapseStreak int

	// cascadeHalt, when non-empty, forces the next Step to resolve
	// immediately as an EXTERNAL halt with this reason, per the
	// Coordinator's preventive cascade propagation (§4.6). Set only by
	// the coordinator package via ForceCascadeHalt.
	cascadeHalt string
}

// NewKernelState creates a fresh, non-halted KernelState for the given
// profile. Budgets start at their maximum values (1.0); pressures start
// at zero.
func NewKernelState(profile Profile) KernelState {
	return KernelState{
		Budgets: Budgets{
			Effort:      1.0,
			Risk:        1.0,
			Persistence: 1.0,
			Exploration: 0.0,
		},
		History: newHistory(profile.StagnationWindow),
		Profile: profile,
	}
}

// trustEpsilon is the threshold below which Trust is considered collapsed
// for the purposes of the TRUST_COLLAPSE streak counter.
const trustEpsilon = 1e-9
