package enforcement

import (
	"errors"
	"testing"

	"github.com/runtime-governor/governor/internal/governor"
)

func TestEnforceAllowsOnGo(t *testing.T) {
	decision := governor.Decision{Halted: false, StepIndex: 1}
	called := false
	result, err := Enforce(decision, func(args map[string]any) (any, error) {
		called = true
		return args["x"], nil
	}, map[string]any{"x": 42})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("action was not invoked on GO")
	}
	if result != 42 {
		t.Fatalf("result = %v, want 42", result)
	}
}

func TestEnforceBlocksOnHalt(t *testing.T) {
	decision := governor.Decision{
		Halted:    true,
		Failure:   governor.FailureExhaustion,
		Reason:    "effort <= min_effort",
		StepIndex: 7,
	}
	called := false
	_, err := Enforce(decision, func(args map[string]any) (any, error) {
		called = true
		return nil, nil
	}, nil)

	if called {
		t.Fatal("action body must not run when halted")
	}
	var blocked *BlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("expected *BlockedError, got %T: %v", err, err)
	}
	if blocked.Failure != governor.FailureExhaustion {
		t.Fatalf("Failure = %v, want FailureExhaustion", blocked.Failure)
	}
	if blocked.Step != 7 {
		t.Fatalf("Step = %d, want 7", blocked.Step)
	}
}

func TestEnforceDoesNotSwallowActionError(t *testing.T) {
	decision := governor.Decision{Halted: false}
	wantErr := errors.New("upstream failed")
	_, err := Enforce(decision, func(args map[string]any) (any, error) {
		return nil, wantErr
	}, nil)

	if !errors.Is(err, wantErr) {
		t.Fatalf("error = %v, want %v propagated unchanged", err, wantErr)
	}
}

func TestEnforceStepHaltsEventually(t *testing.T) {
	profile := governor.BalancedProfile()
	profile.MaxSteps = 3
	k := governor.NewKernel(profile)

	var lastDecision governor.Decision
	var blockedCount int
	for i := 0; i < 5; i++ {
		d, _, err := EnforceStep(k, governor.Signals{Reward: 0.5, Novelty: 0.5, Urgency: 0.1, Trust: 1.0, TrustSet: true},
			func(args map[string]any) (any, error) { return "ok", nil }, nil)
		lastDecision = d
		if err != nil {
			blockedCount++
		}
	}
	if !lastDecision.Halted {
		t.Fatal("expected kernel to be halted by step 5 with max_steps=3")
	}
	if blockedCount == 0 {
		t.Fatal("expected at least one blocked invocation after halt")
	}
}
