package enforcement

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/runtime-governor/governor/internal/audit"
	"github.com/runtime-governor/governor/internal/coordinator"
	"github.com/runtime-governor/governor/internal/governor"
)

func newTestProxy(t *testing.T, profile governor.Profile) (*Proxy, *audit.Log) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.log")
	log, err := audit.Open(path)
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	t.Cleanup(func() { log.Close() })

	k := governor.NewKernel(profile)
	p := NewProxy(k, log, nil, nil, "test-agent")
	return p, log
}

func postTool(t *testing.T, handler http.Handler, name string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request: %v", err)
		}
	}
	req := httptest.NewRequest(http.MethodPost, "/tool/"+name, &buf)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestProxyExecutesOnGo(t *testing.T) {
	p, _ := newTestProxy(t, governor.BalancedProfile())
	p.Register("echo", func(args map[string]any) (any, error) {
		return args["msg"], nil
	})

	rec := postTool(t, p.Handler(), "echo", map[string]any{
		"params":  map[string]any{"msg": "hi"},
		"signals": map[string]any{"reward": 0.5, "novelty": 0.1, "urgency": 0.1, "trust": 1.0},
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["result"] != "hi" {
		t.Fatalf("result = %v, want hi", resp["result"])
	}
}

func TestProxyRejectsMalformedBody(t *testing.T) {
	p, log := newTestProxy(t, governor.BalancedProfile())
	p.Register("echo", func(args map[string]any) (any, error) { return "ok", nil })

	req := httptest.NewRequest(http.MethodPost, "/tool/echo", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var resp map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["error"] != "malformed" {
		t.Fatalf("error = %v, want malformed", resp["error"])
	}
	if log.Len() != 1 {
		t.Fatalf("expected one audit entry for the malformed request, got %d", log.Len())
	}
}

func TestProxyBlocksOnHalt(t *testing.T) {
	profile := governor.BalancedProfile()
	profile.MaxSteps = 2
	p, log := newTestProxy(t, profile)
	calls := 0
	p.Register("echo", func(args map[string]any) (any, error) {
		calls++
		return "ok", nil
	})

	body := map[string]any{
		"params":  map[string]any{},
		"signals": map[string]any{"reward": 0.5, "novelty": 0.5, "urgency": 0.1, "trust": 1.0},
	}
	first := postTool(t, p.Handler(), "echo", body)
	second := postTool(t, p.Handler(), "echo", body)

	if first.Code != http.StatusOK {
		t.Fatalf("first call status = %d, want 200: %s", first.Code, first.Body.String())
	}
	if second.Code != http.StatusForbidden {
		t.Fatalf("second call status = %d, want 403 (step cap exceeded): body=%s",
			second.Code, second.Body.String())
	}
	var resp map[string]any
	_ = json.Unmarshal(second.Body.Bytes(), &resp)
	if resp["halted"] != true {
		t.Fatalf("expected halted=true in response: %v", resp)
	}
	if calls > 1 {
		t.Fatalf("tool invoked %d times, want at most 1 (never invoked while halted)", calls)
	}
	if log.Len() != 2 {
		t.Fatalf("expected 2 audit entries, got %d", log.Len())
	}
}

func TestProxyUpstreamErrorIs502(t *testing.T) {
	p, _ := newTestProxy(t, governor.BalancedProfile())
	p.Register("broken", func(args map[string]any) (any, error) {
		return nil, assertErr{"tool exploded"}
	})

	rec := postTool(t, p.Handler(), "broken", map[string]any{
		"params":  map[string]any{},
		"signals": map[string]any{"reward": 0.5, "novelty": 0.1, "urgency": 0.1, "trust": 1.0},
	})

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
}

func TestProxyHealthNeverConsultsKernel(t *testing.T) {
	profile := governor.BalancedProfile()
	profile.MaxSteps = 0 // already-exhausted step budget
	p, _ := newTestProxy(t, profile)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 regardless of kernel state", rec.Code)
	}
}

func TestProxyAuditEndpoint(t *testing.T) {
	p, _ := newTestProxy(t, governor.BalancedProfile())
	p.Register("echo", func(args map[string]any) (any, error) { return "ok", nil })
	postTool(t, p.Handler(), "echo", map[string]any{
		"params":  map[string]any{},
		"signals": map[string]any{"reward": 0.5, "novelty": 0.1, "urgency": 0.1, "trust": 1.0},
	})

	req := httptest.NewRequest(http.MethodGet, "/audit", nil)
	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, req)

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["entries"].(float64) != 1 {
		t.Fatalf("entries = %v, want 1", resp["entries"])
	}
}

func TestProxyBlocksOnBudgetPoolDenial(t *testing.T) {
	profile := governor.BalancedProfile()
	p, log := newTestProxy(t, profile)
	calls := 0
	p.Register("echo", func(args map[string]any) (any, error) {
		calls++
		return "ok", nil
	})

	// Capacity below a single step's guaranteed effort drain: the very
	// first request must be denied before the kernel ever steps.
	pool := coordinator.NewSharedBudgetPool(map[coordinator.BudgetKind]float64{
		coordinator.KindEffort: profile.EffortDrainBase / 2,
	})
	p.WithBudgetPool(pool)

	rec := postTool(t, p.Handler(), "echo", map[string]any{
		"params":  map[string]any{},
		"signals": map[string]any{"reward": 0.5, "novelty": 0.1, "urgency": 0.1, "trust": 1.0},
	})

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["failure"] != "EXHAUSTION" {
		t.Fatalf("failure = %v, want EXHAUSTION", resp["failure"])
	}
	if calls != 0 {
		t.Fatalf("tool invoked %d times, want 0 (denied before mechanics ran)", calls)
	}
	if log.Len() != 1 {
		t.Fatalf("expected 1 audit entry, got %d", log.Len())
	}
}

func TestProxyPropagatesCascadeOnHalt(t *testing.T) {
	profile := governor.BalancedProfile()
	profile.MaxSteps = 1
	p, _ := newTestProxy(t, profile)
	p.Register("echo", func(args map[string]any) (any, error) { return "ok", nil })

	neighbor := governor.NewKernel(governor.BalancedProfile())
	detector := coordinator.NewCascadeDetector()
	detector.RegisterKernel("test-agent", p.kernel)
	detector.RegisterKernel("neighbor", neighbor)
	detector.Connect("test-agent", "neighbor")
	p.WithCascadeDetector(detector)

	body := map[string]any{
		"params":  map[string]any{},
		"signals": map[string]any{"reward": 0.5, "novelty": 0.5, "urgency": 0.1, "trust": 1.0},
	}
	postTool(t, p.Handler(), "echo", body) // step 1: halts on max_steps

	next := neighbor.Step(governor.Signals{Reward: 0.5, Novelty: 0.1, Urgency: 0.1, Trust: 1.0, TrustSet: true})
	if !next.Halted || next.Failure != governor.FailureExternal {
		t.Fatalf("expected neighbor to receive a cascade halt, got %+v", next)
	}
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }
