package enforcement

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/runtime-governor/governor/internal/audit"
	"github.com/runtime-governor/governor/internal/coordinator"
	"github.com/runtime-governor/governor/internal/governor"
)

// MetricsRecorder is the narrow interface the proxy needs from the
// observability package, kept local so enforcement does not depend on
// observability's concrete Prometheus types. Mirrors the
// StateRegistry-as-interface seam internal/operator/server.go uses to
// decouple its transport from the escalation engine's concrete type.
type MetricsRecorder interface {
	ObserveStep(decision governor.Decision)
}

// Tool is a named, registered action the proxy may dispatch to on GO.
type Tool struct {
	Name   string
	Action Action
}

// Proxy is the HTTP enforcement surface (§4.5): one POST /tool/{name}
// endpoint gated by the kernel, plus /health, /metrics, /audit. Grounded
// on internal/observability/metrics.go's ServeMux/timeouts/graceful
// shutdown shape and internal/operator/server.go's JSON request/response
// envelope pattern, adapted from a Unix-socket command protocol to HTTP.
type Proxy struct {
	kernel       *governor.Kernel
	log          *audit.Log
	tools        map[string]Action
	metrics      MetricsRecorder
	defaultAgent string
	metricsMux   http.Handler

	// budgetPool and cascade are optional Coordinator (§4.6) hooks, wired
	// by the daemon only when coordinator.enabled. Left nil, the proxy
	// behaves exactly as a single-agent deployment: no pool draw, no
	// cascade propagation.
	budgetPool *coordinator.SharedBudgetPool
	cascade    *coordinator.CascadeDetector
}

// NewProxy constructs a Proxy. metricsHandler is mounted verbatim under
// GET /metrics (the observability package owns its own Registry and
// promhttp.HandlerFor wiring; the proxy just forwards to it).
func NewProxy(kernel *governor.Kernel, log *audit.Log, metrics MetricsRecorder, metricsHandler http.Handler, defaultAgent string) *Proxy {
	return &Proxy{
		kernel:       kernel,
		log:          log,
		tools:        make(map[string]Action),
		metrics:      metrics,
		defaultAgent: defaultAgent,
		metricsMux:   metricsHandler,
	}
}

// Register adds a named tool handler. Not safe to call concurrently with
// ServeHTTP; register all tools before starting the server.
func (p *Proxy) Register(name string, action Action) {
	p.tools[name] = action
}

// WithBudgetPool wires a SharedBudgetPool into the governed step path.
// Before every kernel.Step, the proxy draws this agent's projected
// effort and risk consumption from the pool; a denial halts the step as
// EXHAUSTION or OVERRISK without running Evaluate/Advance (§4.6). Returns
// the proxy for chaining at construction time.
func (p *Proxy) WithBudgetPool(pool *coordinator.SharedBudgetPool) *Proxy {
	p.budgetPool = pool
	return p
}

// WithCascadeDetector wires a CascadeDetector so that any halting
// decision for this proxy's agent (whether from Step, a denied budget
// draw, or a prior cascade) is propagated to its registered neighbors
// (§4.6). Returns the proxy for chaining at construction time.
func (p *Proxy) WithCascadeDetector(detector *coordinator.CascadeDetector) *Proxy {
	p.cascade = detector
	return p
}

// Handler returns the assembled http.Handler for the proxy's routes.
func (p *Proxy) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", p.handleHealth)
	mux.HandleFunc("/audit", p.handleAudit)
	if p.metricsMux != nil {
		mux.Handle("/metrics", p.metricsMux)
	}
	mux.HandleFunc("/tool/", p.handleTool)
	return mux
}

func (p *Proxy) handleHealth(w http.ResponseWriter, r *http.Request) {
	// Liveness only; never consults the kernel (§4.5).
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (p *Proxy) handleAudit(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"entries":   p.log.Len(),
		"head_hash": p.log.HeadHash(),
	})
}

type toolRequest struct {
	Params   map[string]any `json:"params"`
	Signals  signalsInput   `json:"signals"`
	AgentID  string         `json:"agent_id,omitempty"`
}

type signalsInput struct {
	Reward  float64  `json:"reward"`
	Novelty float64  `json:"novelty"`
	Urgency float64  `json:"urgency"`
	Trust   *float64 `json:"trust,omitempty"`
}

func (s signalsInput) toSignals() governor.Signals {
	sig := governor.Signals{Reward: s.Reward, Novelty: s.Novelty, Urgency: s.Urgency}
	if s.Trust != nil {
		sig.Trust = *s.Trust
		sig.TrustSet = true
	}
	return sig
}

// handleTool implements the §4.5 flow for POST /tool/{name}. The entire
// pre-kernel path (body parse, kernel step, halt check) is wrapped so that
// any panic is converted into the same fail-closed 403 response the spec
// requires for exceptions in steps 1-3 — the proxy never defaults to GO
// on error.
func (p *Proxy) handleTool(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Path[len("/tool/"):]
	if r.Method != http.MethodPost || name == "" {
		http.NotFound(w, r)
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			p.auditBlocked(name, nil, governor.Signals{}, "internal error: panic during enforcement")
			writeJSON(w, http.StatusForbidden, map[string]any{
				"halted":  true,
				"failure": governor.FailureExternal.String(),
				"reason":  "internal error: request rejected fail-closed",
			})
		}
	}()

	var req toolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		p.auditBlocked(name, nil, governor.Signals{}, "malformed request body")
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "malformed"})
		return
	}

	agentID := req.AgentID
	if agentID == "" {
		agentID = p.defaultAgent
	}

	signals := req.Signals.toSignals()

	if denied, failure, reason := p.checkBudgetPool(agentID); denied {
		decision := p.kernel.DenyBudget(failure, reason)
		p.finishHalted(w, agentID, name, req.Params, signals, decision)
		return
	}

	decision := p.kernel.Step(signals)
	if decision.Halted {
		p.finishHalted(w, agentID, name, req.Params, signals, decision)
		return
	}
	if p.metrics != nil {
		p.metrics.ObserveStep(decision)
	}

	action, ok := p.tools[name]
	if !ok {
		p.auditDecision(agentID, name, req.Params, signals, decision, "unknown tool")
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": "upstream"})
		return
	}

	result, err := action(req.Params)
	if err != nil {
		p.auditDecision(agentID, name, req.Params, signals, decision, err.Error())
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": "upstream"})
		return
	}

	p.auditDecision(agentID, name, req.Params, signals, decision, "")
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

// checkBudgetPool draws this step's projected effort and risk consumption
// from the wired SharedBudgetPool, if any (§4.6: "All member kernels call
// request before their per-step mechanics"). The effort amount is the
// profile's guaranteed per-step drain floor (EffortDrainBase); the risk
// amount is the worst-case per-step risk gain (RiskGainPerNovelty +
// RiskGainPerUrgency, since both signal terms are clamped to [0,1]).
// Mechanics has not run yet at this point in the flow, so the frustration-
// dependent and reward-dependent parts of the real drain are not yet
// known; the pool is charged these fixed amounts (a lower bound for effort,
// an upper bound for risk) rather than the exact draw. Returns the
// FailureKind to classify if either draw is denied.
func (p *Proxy) checkBudgetPool(agentID string) (denied bool, failure governor.FailureKind, reason string) {
	if p.budgetPool == nil {
		return false, governor.FailureNone, ""
	}

	profile := p.kernel.State().Profile
	if !p.budgetPool.Request(agentID, coordinator.KindEffort, profile.EffortDrainBase) {
		return true, governor.FailureExhaustion, "shared budget pool denied effort draw"
	}

	riskAmount := profile.RiskGainPerNovelty + profile.RiskGainPerUrgency
	if !p.budgetPool.Request(agentID, coordinator.KindRisk, riskAmount) {
		return true, governor.FailureOverrisk, "shared budget pool denied risk draw"
	}

	return false, governor.FailureNone, ""
}

// finishHalted records metrics and the audit entry for a halting
// decision, propagates it to cascade neighbors if a detector is wired,
// and writes the fail-closed 403 response. Shared by the natural
// kernel.Step halt path and the budget-pool-denial path.
func (p *Proxy) finishHalted(w http.ResponseWriter, agentID, name string, params map[string]any, signals governor.Signals, decision governor.Decision) {
	if p.metrics != nil {
		p.metrics.ObserveStep(decision)
	}
	p.auditDecision(agentID, name, params, signals, decision, "")
	if p.cascade != nil {
		p.cascade.Propagate(agentID, decision.Failure)
	}
	writeJSON(w, http.StatusForbidden, map[string]any{
		"halted":  true,
		"failure": decision.Failure.String(),
		"reason":  decision.Reason,
		"step":    decision.StepIndex,
	})
}

// auditBlocked records a pre-kernel rejection (malformed body, internal
// panic) where no Decision was produced.
func (p *Proxy) auditBlocked(name string, params map[string]any, signals governor.Signals, reason string) {
	p.auditDecision(p.defaultAgent, name, params, signals, governor.Decision{
		Halted:  true,
		Failure: governor.FailureExternal,
		Reason:  reason,
	}, "")
}

func (p *Proxy) auditDecision(agentID, toolName string, params map[string]any, signals governor.Signals, decision governor.Decision, executionError string) {
	reason := decision.Reason
	if executionError != "" {
		if reason != "" {
			reason += "; "
		}
		reason += "execution_error: " + executionError
	}
	_, _ = p.log.Append(audit.AppendInput{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		AgentID:    agentID,
		StepIndex:  decision.StepIndex,
		ActionName: toolName,
		Params:     params,
		Signals: audit.SignalsSnapshot{
			Reward:  signals.Reward,
			Novelty: signals.Novelty,
			Urgency: signals.Urgency,
			Trust:   signals.Trust,
		},
		Decision: audit.DecisionSnapshot{
			Halted:  decision.Halted,
			Failure: decision.Failure.String(),
			Reason:  reason,
			Budgets: decision.Budgets,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
