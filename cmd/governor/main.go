// Package main — cmd/governor/main.go
//
// Governor daemon entrypoint.
//
// Startup sequence:
//  1. Load and validate the policy file.
//  2. Initialise structured logger (zap, JSON format).
//  3. Open the hash-chained audit log (and optional BoltDB mirror).
//  4. Build the kernel Profile and construct the Kernel, wiring contracts
//     if GOVERNANCE_CONTRACTS_ENABLED=1.
//  5. Register the Prometheus metrics (served under the proxy's GET /metrics).
//  6. Start the SharedBudgetPool / CascadeDetector if coordinator.enabled.
//  7. Start the operator override socket, if enabled.
//  8. Start the HTTP enforcement proxy.
//  9. Register SIGHUP handler that re-parses and validates the policy file
//     and logs the outcome; no setting is applied until a restart.
// 10. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel the root context (stops the operator server).
//  2. Stop accepting new HTTP connections (graceful drain).
//  3. Close the audit log and BoltDB mirror.
//  4. Flush the logger.
//  5. Exit 0.
//
// On config validation failure: exit 1 immediately.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/runtime-governor/governor/internal/audit"
	"github.com/runtime-governor/governor/internal/config"
	"github.com/runtime-governor/governor/internal/coordinator"
	"github.com/runtime-governor/governor/internal/enforcement"
	"github.com/runtime-governor/governor/internal/governor"
	"github.com/runtime-governor/governor/internal/observability"
	"github.com/runtime-governor/governor/internal/operator"
)

// buildVersion is injected by the Makefile via -ldflags, mirroring the
// teacher's config.Version/GitCommit/BuildTime triple.
var (
	buildVersion = "dev"
	buildCommit  = "unknown"
	buildTime    = "unknown"
)

// kernelRegistry is the single-process agent_id -> Kernel map shared by the
// enforcement proxy and the operator server. A governor daemon instance
// governs exactly one agent in this wiring; the map exists so the operator
// protocol's reset/status/list commands have a uniform interface even at
// N=1, and so a future multi-agent deployment can register more without an
// interface change.
type kernelRegistry struct {
	mu      sync.RWMutex
	kernels map[string]*governor.Kernel
}

func newKernelRegistry() *kernelRegistry {
	return &kernelRegistry{kernels: make(map[string]*governor.Kernel)}
}

func (r *kernelRegistry) put(agentID string, k *governor.Kernel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kernels[agentID] = k
}

func (r *kernelRegistry) Get(agentID string) (*governor.Kernel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.kernels[agentID]
	return k, ok
}

func (r *kernelRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.kernels))
	for name := range r.kernels {
		names = append(names, name)
	}
	return names
}

func main() {
	configPath := flag.String("config", "/etc/governor/policy.yaml", "Path to policy.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("governor %s (commit=%s built=%s)\n", buildVersion, buildCommit, buildTime)
		os.Exit(0)
	}

	// ── Step 1: Load config ───────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	// ── Step 2: Logger ────────────────────────────────────────────────────
	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("governor starting",
		zap.String("version", buildVersion),
		zap.String("commit", buildCommit),
		zap.String("built", buildTime),
		zap.String("profile", cfg.ProfileName),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Step 3: Audit log ─────────────────────────────────────────────────
	auditLog, err := audit.Open(cfg.Audit.Path)
	if err != nil {
		log.Fatal("audit log open failed", zap.Error(err), zap.String("path", cfg.Audit.Path))
	}
	defer auditLog.Close() //nolint:errcheck
	log.Info("audit log opened", zap.String("path", cfg.Audit.Path), zap.Uint64("entries", auditLog.Len()))

	var store *audit.Store
	if cfg.Audit.StorePath != "" {
		store, err = audit.OpenStore(cfg.Audit.StorePath)
		if err != nil {
			log.Fatal("audit store open failed", zap.Error(err), zap.String("path", cfg.Audit.StorePath))
		}
		defer store.Close() //nolint:errcheck
		log.Info("audit store opened", zap.String("path", cfg.Audit.StorePath))
	}

	// ── Step 4: Kernel ────────────────────────────────────────────────────
	profile := cfg.BuildProfile()
	k := governor.NewKernel(profile)
	if config.ContractsEnabled() {
		k = k.WithContracts(governor.NewContractChecker(profile.PersistenceGain))
		log.Info("contract checking enabled (GOVERNANCE_CONTRACTS_ENABLED=1)")
	}

	registry := newKernelRegistry()
	registry.put(cfg.Enforcement.DefaultAgent, k)

	// ── Step 5: Metrics ───────────────────────────────────────────────────
	metrics := observability.NewMetrics()
	log.Info("metrics registered", zap.String("endpoint", "/metrics"))

	// ── Step 6: Coordinator (optional) ───────────────────────────────────
	var pool *coordinator.SharedBudgetPool
	var detector *coordinator.CascadeDetector
	if cfg.Coordinator.Enabled {
		pool = coordinator.NewSharedBudgetPool(map[coordinator.BudgetKind]float64{
			coordinator.KindEffort: cfg.Coordinator.EffortCapacity,
			coordinator.KindRisk:   cfg.Coordinator.RiskCapacity,
		})
		detector = coordinator.NewCascadeDetector()
		detector.RegisterKernel(cfg.Enforcement.DefaultAgent, k)
		for from, tos := range cfg.Coordinator.CascadeEdges {
			for _, to := range tos {
				detector.Connect(from, to)
			}
		}
		log.Info("coordinator enabled",
			zap.Float64("effort_capacity", cfg.Coordinator.EffortCapacity),
			zap.Float64("risk_capacity", cfg.Coordinator.RiskCapacity),
			zap.Int("cascade_edges", len(cfg.Coordinator.CascadeEdges)),
		)
	}

	// ── Step 7: Operator socket (optional) ───────────────────────────────
	if cfg.Operator.Enabled {
		opSrv := operator.NewServer(cfg.Operator.SocketPath, registry, log)
		go func() {
			if err := opSrv.ListenAndServe(ctx); err != nil {
				log.Error("operator server error", zap.Error(err))
			}
		}()
		log.Info("operator socket listening", zap.String("path", cfg.Operator.SocketPath))
	}

	// ── Step 8: Enforcement proxy ─────────────────────────────────────────
	proxy := enforcement.NewProxy(k, auditLog, metrics, metrics.Handler(), cfg.Enforcement.DefaultAgent)
	// No tool handlers are registered by the daemon itself: the governor is
	// a policy layer, not a tool implementation. Embedding applications
	// call proxy.Register for each tool they expose; an unregistered name
	// fails closed with 502, never GO.
	if pool != nil {
		proxy.WithBudgetPool(pool)
	}
	if detector != nil {
		proxy.WithCascadeDetector(detector)
	}

	srv := &http.Server{
		Addr:         cfg.Enforcement.ListenAddr,
		Handler:      proxy.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		log.Info("enforcement proxy listening", zap.String("addr", cfg.Enforcement.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("enforcement proxy error", zap.Error(err))
		}
	}()

	// ── Step 9: SIGHUP hot-reload ─────────────────────────────────────────
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — reloading config...")
			if _, err := config.Load(*configPath); err != nil {
				log.Error("config hot-reload failed — retaining old config", zap.Error(err))
				continue
			}
			log.Warn("config hot-reload parsed successfully but no setting is applied until a restart")
		}
	}()

	// ── Step 10: Wait for shutdown signal ─────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("enforcement proxy shutdown error", zap.Error(err))
	}

	log.Info("governor shutdown complete")
}

// buildLogger constructs a zap.Logger with the given level and format,
// identical in shape to the teacher's cmd/octoreflex buildLogger.
func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}
