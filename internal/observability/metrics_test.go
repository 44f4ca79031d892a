package observability

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/runtime-governor/governor/internal/governor"
)

func TestObserveStepUpdatesGauges(t *testing.T) {
	m := NewMetrics()
	m.ObserveStep(governor.Decision{
		Halted:  false,
		Budgets: governor.Budgets{Effort: 0.7, Risk: 0.9, Persistence: 0.8, Exploration: 0.1},
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)
	body := rec.Body.String()

	for _, want := range []string{
		"governance_steps_total 1",
		"governance_effort 0.7",
		"governance_risk 0.9",
		"governance_persistence 0.8",
		"governance_exploration 0.1",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q\n%s", want, body)
		}
	}
}

func TestObserveStepRecordsHaltReason(t *testing.T) {
	m := NewMetrics()
	m.ObserveStep(governor.Decision{Halted: true, Failure: governor.FailureOverrisk})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)
	body := rec.Body.String()

	if !strings.Contains(body, `governance_halts_total{reason="OVERRISK"} 1`) {
		t.Fatalf("expected labelled halt counter in output:\n%s", body)
	}
}

func TestObserveStepOnGoDoesNotIncrementHalts(t *testing.T) {
	m := NewMetrics()
	m.ObserveStep(governor.Decision{Halted: false})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)
	body := rec.Body.String()

	if strings.Contains(body, "governance_halts_total{reason=") {
		t.Fatalf("did not expect any halt label series before a halt occurred:\n%s", body)
	}
}
