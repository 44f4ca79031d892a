package governor

import "math"

// EffectiveSignals is the output of Evaluate: trust-gated signal values
// ready for Advance.
type EffectiveSignals struct {
	Reward  float64
	Novelty float64
	Urgency float64

	// TrustCollapsed is true when trust was absent, NaN, or below
	// trustEpsilon on this step.
	TrustCollapsed bool
}

// Evaluate transforms raw Signals into EffectiveSignals via trust gating.
// Pure function: no field of state or profile is mutated.
//
// Trust gating (§4.1): effective_reward = reward*trust,
// effective_novelty = novelty*trust, effective_urgency = urgency
// (urgency is not dampened — negative feedback must pass through
// undiminished). A missing or NaN trust is treated as 0, fail-closed.
func Evaluate(signals Signals, profile Profile) EffectiveSignals {
	reward := clamp(signals.Reward, 0, 1)
	novelty := clamp(signals.Novelty, 0, 1)
	urgency := clamp(signals.Urgency, 0, 1)

	trust := signals.Trust
	if !signals.TrustSet || math.IsNaN(trust) {
		trust = 0
	}
	trust = clamp(trust, 0, 1)

	return EffectiveSignals{
		Reward:         reward * trust,
		Novelty:        novelty * trust,
		Urgency:        urgency,
		TrustCollapsed: trust < trustEpsilon,
	}
}
