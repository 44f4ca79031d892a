package governor

import "testing"

func TestContractCheckerMonotonicityViolations(t *testing.T) {
	c := NewContractChecker(0.1)

	tests := []struct {
		name    string
		prev    Budgets
		next    Budgets
		wantErr bool
	}{
		{
			name:    "normal decay is fine",
			prev:    Budgets{Effort: 0.5, Risk: 0.5, Persistence: 0.5},
			next:    Budgets{Effort: 0.4, Risk: 0.4, Persistence: 0.52},
			wantErr: false,
		},
		{
			name:    "effort increase violates",
			prev:    Budgets{Effort: 0.5, Risk: 0.5, Persistence: 0.5},
			next:    Budgets{Effort: 0.6, Risk: 0.4, Persistence: 0.5},
			wantErr: true,
		},
		{
			name:    "consumed risk decrease violates",
			prev:    Budgets{Effort: 0.5, Risk: 0.3, Persistence: 0.5},
			next:    Budgets{Effort: 0.4, Risk: 0.5, Persistence: 0.5},
			wantErr: true,
		},
		{
			name:    "persistence jump beyond ceiling violates",
			prev:    Budgets{Effort: 0.5, Risk: 0.5, Persistence: 0.5},
			next:    Budgets{Effort: 0.4, Risk: 0.4, Persistence: 0.7},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.CheckMonotonicity(tt.prev, tt.next)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}

func TestContractCheckerHaltIrreversible(t *testing.T) {
	c := NewContractChecker(0.1)

	if err := c.CheckHaltIrreversible(false, true); err != nil {
		t.Errorf("halting is always allowed, got error: %v", err)
	}
	if err := c.CheckHaltIrreversible(true, true); err != nil {
		t.Errorf("staying halted is fine, got error: %v", err)
	}
	if err := c.CheckHaltIrreversible(true, false); err == nil {
		t.Error("expected violation for halted->false outside Reset")
	}
}

func TestKernelWithContractsAllowsLegitimateSequence(t *testing.T) {
	profile := BalancedProfile()
	checker := NewContractChecker(profile.PersistenceGain)
	k := NewKernel(profile).WithContracts(checker)

	// A legitimate sequence should never trip the checker.
	for i := 0; i < 10; i++ {
		d := k.Step(sig(0.3, 0.3, 0.1, 1.0))
		if d.Halted && d.Failure != FailureExhaustion && d.Failure != FailureStagnation &&
			d.Failure != FailureOverrisk && d.Failure != FailureSafety && d.Failure != FailureExternal {
			t.Fatalf("unexpected halt reason under normal operation: %+v", d)
		}
		if d.Halted {
			break
		}
	}
	if v := checker.Violations(); v != 0 {
		t.Fatalf("contract checker tripped %d times on a legitimate sequence", v)
	}
}
