// Package observability exposes the governor's Prometheus metrics (§6).
//
// Endpoint: GET /metrics, mounted by the enforcement proxy or served
// standalone via ServeMetrics.
// Format: Prometheus text exposition format (OpenMetrics compatible).
//
// All metrics are registered on a dedicated prometheus.Registry, not the
// default global registry, to avoid collisions with other instrumented
// libraries in the same process — the same isolation the teacher's own
// NewMetrics constructor uses.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/runtime-governor/governor/internal/governor"
)

// Metrics holds the governance_* Prometheus descriptors named in §6:
// governance_steps_total, governance_effort, governance_risk,
// governance_halts_total{reason}, governance_persistence,
// governance_exploration.
type Metrics struct {
	registry *prometheus.Registry

	StepsTotal  prometheus.Counter
	Effort      prometheus.Gauge
	Risk        prometheus.Gauge
	Persistence prometheus.Gauge
	Exploration prometheus.Gauge

	// HaltsTotal is labelled by reason (the FailureKind string), e.g.
	// EXHAUSTION, OVERRISK, STAGNATION, EXTERNAL, SAFETY, TRUST_COLLAPSE.
	HaltsTotal *prometheus.CounterVec

	startTime time.Time
}

// NewMetrics creates and registers all governor Prometheus metrics on a
// fresh, dedicated Registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		StepsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "governance",
			Name:      "steps_total",
			Help:      "Total kernel steps processed across all agents.",
		}),
		Effort: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "governance",
			Name:      "effort",
			Help:      "Effort budget of the most recently stepped kernel.",
		}),
		Risk: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "governance",
			Name:      "risk",
			Help:      "Risk budget (1 - consumed risk) of the most recently stepped kernel.",
		}),
		Persistence: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "governance",
			Name:      "persistence",
			Help:      "Persistence budget of the most recently stepped kernel.",
		}),
		Exploration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "governance",
			Name:      "exploration",
			Help:      "Exploration budget of the most recently stepped kernel.",
		}),
		HaltsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "governance",
			Name:      "halts_total",
			Help:      "Total halts, by failure reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		m.StepsTotal,
		m.Effort,
		m.Risk,
		m.Persistence,
		m.Exploration,
		m.HaltsTotal,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ObserveStep records one kernel Decision. Implements
// enforcement.MetricsRecorder.
func (m *Metrics) ObserveStep(decision governor.Decision) {
	m.StepsTotal.Inc()
	m.Effort.Set(decision.Budgets.Effort)
	m.Risk.Set(decision.Budgets.Risk)
	m.Persistence.Set(decision.Budgets.Persistence)
	m.Exploration.Set(decision.Budgets.Exploration)
	if decision.Halted {
		m.HaltsTotal.WithLabelValues(decision.Failure.String()).Inc()
	}
}

// Handler returns the http.Handler serving GET /metrics in Prometheus text
// format against this Metrics' dedicated registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

// ServeMetrics starts a standalone Prometheus metrics HTTP server on addr.
// Blocks until ctx is cancelled. cmd/governor does not call it; the daemon
// mounts Handler under the enforcement proxy's GET /metrics instead.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}
