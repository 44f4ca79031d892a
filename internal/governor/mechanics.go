package governor

// Advance applies the fixed-order deterministic update rules of §4.2 to
// produce the next Pressures, Budgets, and History. Pure function: state
// is never mutated in place, a new KernelState value is returned so the
// caller can commit-or-discard atomically (§5's rollback guarantee).
//
// Order is load-bearing — swapping steps changes results:
//  1. frustration  2. urgency_acc  3. uncertainty  4. effort
//  5. risk         6. persistence  7. exploration  8. history push
func Advance(state KernelState, eff EffectiveSignals, profile Profile) KernelState {
	p := state.Pressures
	b := state.Budgets

	// 1. frustration' = max(0, frustration + gain*(1-eff_reward) - decay*eff_reward)
	frustration := p.Frustration + profile.FrustrationGain*(1-eff.Reward) - profile.FrustrationDecay*eff.Reward
	frustration = maxFloat(0, frustration)

	// 2. urgency_acc' = urgency_acc*(1-urgency_decay) + eff_urgency
	urgencyAcc := p.UrgencyAcc*(1-profile.UrgencyDecay) + eff.Urgency

	// 3. uncertainty' = max(0, uncertainty + unc_gain*eff_novelty*(1-eff_reward) - unc_decay*eff_reward)
	uncertainty := p.Uncertainty + profile.UncertaintyGain*eff.Novelty*(1-eff.Reward) - profile.UncertaintyDecay*eff.Reward
	uncertainty = maxFloat(0, uncertainty)

	// 4. effort' = max(0, effort - drain_base - drain_per_frustration*frustration')
	prevEffort := b.Effort
	effort := maxFloat(0, b.Effort-profile.EffortDrainBase-profile.EffortDrainPerFrustration*frustration)

	// 5. risk' = max(0, risk - risk_gain_per_novelty*eff_novelty - risk_gain_per_urgency*eff_urgency)
	risk := maxFloat(0, b.Risk-profile.RiskGainPerNovelty*eff.Novelty-profile.RiskGainPerUrgency*eff.Urgency)

	// 6. persistence' = clamp(persistence - pers_loss*frustration' + pers_gain*eff_reward, 0, 1)
	persistence := clamp(b.Persistence-profile.PersistenceLoss*frustration+profile.PersistenceGain*eff.Reward, 0, 1)

	// 7. exploration' = clamp(exploration + expl_gain*eff_novelty - expl_decay, 0, max_exploration+eps_overflow)
	exploration := clamp(
		b.Exploration+profile.ExplorationGain*eff.Novelty-profile.ExplorationDecay,
		0,
		profile.MaxExploration+epsOverflow,
	)

	// 8. push (eff_reward, previous_effort - effort') into history.
	history := state.History.push(eff.Reward, prevEffort-effort)

	next := state
	next.Pressures = Pressures{Frustration: frustration, UrgencyAcc: urgencyAcc, Uncertainty: uncertainty}
	next.Budgets = Budgets{Effort: effort, Risk: risk, Persistence: persistence, Exploration: exploration}
	next.History = history
	return next
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
