// Package config loads and validates the governor's YAML policy file
// (§6) into a governor.Profile plus the surrounding daemon Config, using
// the same Defaults-then-Load-then-Validate shape the teacher's own
// config package uses for OCTOREFLEX's agent configuration.
package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/runtime-governor/governor/internal/governor"
)

// SchemaVersion is the only value Config.SchemaVersion currently accepts.
// Future incompatible changes bump this and add a migration path, mirroring
// the teacher's own single-version schema check.
const SchemaVersion = "1"

// Config is the root configuration for the governor daemon: the kernel
// Profile plus the ambient daemon settings (audit, HTTP, operator socket,
// metrics). Unknown YAML keys are rejected at Load time (fail-closed, §6).
type Config struct {
	SchemaVersion string `yaml:"schema_version"`

	// ProfileName selects a built-in preset (conservative, balanced,
	// aggressive) used as the base before Limits/Stagnation/Rates
	// overrides are applied. Default: "balanced".
	ProfileName string `yaml:"profile"`

	Limits     LimitsConfig     `yaml:"limits"`
	Stagnation StagnationConfig `yaml:"stagnation"`
	Rates      RatesConfig      `yaml:"rates"`

	Audit         AuditConfig         `yaml:"audit"`
	Enforcement   EnforcementConfig   `yaml:"enforcement"`
	Coordinator   CoordinatorConfig   `yaml:"coordinator"`
	Observability ObservabilityConfig `yaml:"observability"`
	Operator      OperatorConfig      `yaml:"operator"`
}

// LimitsConfig mirrors §6's example `limits` block.
type LimitsConfig struct {
	MaxSteps       int     `yaml:"max_steps"`
	MaxRisk        float64 `yaml:"max_risk"`
	MinEffort      float64 `yaml:"min_effort"`
	MaxExploration float64 `yaml:"max_exploration"`
}

// StagnationConfig mirrors §6's example `stagnation` block.
type StagnationConfig struct {
	Window        int     `yaml:"window"`
	EffortFloor   float64 `yaml:"effort_floor"`
	RewardCeiling float64 `yaml:"reward_ceiling"`
}

// RatesConfig mirrors §6's example `rates` block (truncated in the spec
// with "..." — the full field set is the mechanics rate constants of §4.2).
type RatesConfig struct {
	FrustrationGain        float64 `yaml:"frustration_gain"`
	FrustrationDecay       float64 `yaml:"frustration_decay"`
	UrgencyDecay           float64 `yaml:"urgency_decay"`
	UncertaintyGain        float64 `yaml:"uncertainty_gain"`
	UncertaintyDecay       float64 `yaml:"uncertainty_decay"`
	EffortDrainBase        float64 `yaml:"effort_drain_base"`
	EffortDrainPerFrustration float64 `yaml:"effort_drain_per_frustration"`
	RiskGainPerNovelty     float64 `yaml:"risk_gain_per_novelty"`
	RiskGainPerUrgency     float64 `yaml:"risk_gain_per_urgency"`
	PersistenceLoss        float64 `yaml:"persistence_loss"`
	PersistenceGain        float64 `yaml:"persistence_gain"`
	ExplorationGain        float64 `yaml:"exploration_gain"`
	ExplorationDecay       float64 `yaml:"exploration_decay"`
	TrustCollapseWindow    int     `yaml:"trust_collapse_window"`
}

// AuditConfig controls the hash-chained audit log (§4.4, §6).
type AuditConfig struct {
	// Path is the audit log file location. Overridable at runtime by the
	// GOVERNANCE_AUDIT_PATH environment variable (§6), which always wins
	// over this field.
	Path string `yaml:"path"`

	// StorePath is the optional BoltDB mirror/snapshot file. Empty disables
	// the mirror.
	StorePath string `yaml:"store_path"`
}

// EnforcementConfig controls the HTTP proxy (§4.5).
type EnforcementConfig struct {
	ListenAddr  string `yaml:"listen_addr"`
	DefaultAgent string `yaml:"default_agent"`
}

// CoordinatorConfig controls cross-kernel shared state (§4.6).
type CoordinatorConfig struct {
	Enabled          bool               `yaml:"enabled"`
	EffortCapacity   float64            `yaml:"effort_capacity"`
	RiskCapacity     float64            `yaml:"risk_capacity"`
	CascadeEdges     map[string][]string `yaml:"cascade_edges"`
}

// ObservabilityConfig controls the Prometheus metrics endpoint.
type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
}

// OperatorConfig controls the Unix-socket override surface.
type OperatorConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SocketPath string `yaml:"socket_path"`
}

// Defaults returns a Config built from the BALANCED profile preset plus
// conservative ambient defaults.
func Defaults() Config {
	return Config{
		SchemaVersion: SchemaVersion,
		ProfileName:   "balanced",
		Audit: AuditConfig{
			Path: "/var/lib/governor/audit.log",
		},
		Enforcement: EnforcementConfig{
			ListenAddr:   "127.0.0.1:8089",
			DefaultAgent: "default",
		},
		Coordinator: CoordinatorConfig{
			Enabled: false,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Operator: OperatorConfig{
			Enabled:    true,
			SocketPath: "/run/governor/operator.sock",
		},
	}
}

// Load reads, strictly decodes (rejecting unknown keys, §6), and
// validates the policy file at path. GOVERNANCE_AUDIT_PATH is applied
// after YAML decode and before validation, so it always wins over file
// contents.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	applyEnv(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}
	return &cfg, nil
}

// applyEnv applies GOVERNANCE_AUDIT_PATH, the only environment variable
// stored on Config. GOVERNANCE_CONTRACTS_ENABLED is consumed by the caller via ContractsEnabled,
// not stored on Config, since §9 mandates it be frozen per-kernel rather than
// re-read mid-run.
func applyEnv(cfg *Config) {
	if p := os.Getenv("GOVERNANCE_AUDIT_PATH"); p != "" {
		cfg.Audit.Path = p
	}
}

// ContractsEnabled reads GOVERNANCE_CONTRACTS_ENABLED once, per §9's "read
// once at startup and freeze" design note. Any value other than "1"
// disables contracts.
func ContractsEnabled() bool {
	return os.Getenv("GOVERNANCE_CONTRACTS_ENABLED") == "1"
}

// Validate checks all config fields, returning a single error describing
// every violation found (mirrors the teacher's accumulate-then-report
// Validate shape).
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != SchemaVersion {
		errs = append(errs, fmt.Sprintf("schema_version must be %q, got %q", SchemaVersion, cfg.SchemaVersion))
	}
	switch cfg.ProfileName {
	case "conservative", "balanced", "aggressive", "":
	default:
		errs = append(errs, fmt.Sprintf("profile must be one of conservative|balanced|aggressive, got %q", cfg.ProfileName))
	}
	if cfg.Limits.MaxRisk < 0 || cfg.Limits.MaxRisk > 1 {
		errs = append(errs, fmt.Sprintf("limits.max_risk must be in [0,1], got %f", cfg.Limits.MaxRisk))
	}
	if cfg.Limits.MinEffort < 0 || cfg.Limits.MinEffort > 1 {
		errs = append(errs, fmt.Sprintf("limits.min_effort must be in [0,1], got %f", cfg.Limits.MinEffort))
	}
	if cfg.Limits.MaxExploration < 0 {
		errs = append(errs, fmt.Sprintf("limits.max_exploration must be >= 0, got %f", cfg.Limits.MaxExploration))
	}
	if cfg.Limits.MaxSteps < 0 {
		errs = append(errs, fmt.Sprintf("limits.max_steps must be >= 0, got %d", cfg.Limits.MaxSteps))
	}
	if cfg.Stagnation.Window < 0 {
		errs = append(errs, fmt.Sprintf("stagnation.window must be >= 0, got %d", cfg.Stagnation.Window))
	}
	if cfg.Audit.Path == "" {
		errs = append(errs, "audit.path must not be empty")
	}
	if cfg.Coordinator.Enabled {
		if cfg.Coordinator.EffortCapacity < 0 || cfg.Coordinator.RiskCapacity < 0 {
			errs = append(errs, "coordinator.effort_capacity and risk_capacity must be >= 0 when coordinator is enabled")
		}
	}
	switch cfg.Observability.LogLevel {
	case "debug", "info", "warn", "error", "":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_level must be one of debug|info|warn|error, got %q", cfg.Observability.LogLevel))
	}

	if len(errs) > 0 {
		msg := errs[0]
		for _, e := range errs[1:] {
			msg += "; " + e
		}
		return fmt.Errorf("%s", msg)
	}
	return nil
}

// BuildProfile resolves the Config into a governor.Profile: start from the
// named preset, then overlay any non-zero Limits/Stagnation/Rates fields
// the file set explicitly. A zero-valued override field is treated as
// "not set" and the preset's value is kept — consistent with Defaults()
// being the base that Load layers onto, never the reverse.
func (c Config) BuildProfile() governor.Profile {
	var p governor.Profile
	switch c.ProfileName {
	case "conservative":
		p = governor.ConservativeProfile()
	case "aggressive":
		p = governor.AggressiveProfile()
	default:
		p = governor.BalancedProfile()
	}

	if c.Limits.MaxSteps != 0 {
		p.MaxSteps = c.Limits.MaxSteps
	}
	if c.Limits.MaxRisk != 0 {
		p.MaxRisk = c.Limits.MaxRisk
	}
	if c.Limits.MinEffort != 0 {
		p.MinEffort = c.Limits.MinEffort
	}
	if c.Limits.MaxExploration != 0 {
		p.MaxExploration = c.Limits.MaxExploration
	}

	if c.Stagnation.Window != 0 {
		p.StagnationWindow = c.Stagnation.Window
	}
	if c.Stagnation.EffortFloor != 0 {
		p.StagnationEffortFloor = c.Stagnation.EffortFloor
	}
	if c.Stagnation.RewardCeiling != 0 {
		p.StagnationRewardCeiling = c.Stagnation.RewardCeiling
	}

	r := c.Rates
	overlayIfSet(&p.FrustrationGain, r.FrustrationGain)
	overlayIfSet(&p.FrustrationDecay, r.FrustrationDecay)
	overlayIfSet(&p.UrgencyDecay, r.UrgencyDecay)
	overlayIfSet(&p.UncertaintyGain, r.UncertaintyGain)
	overlayIfSet(&p.UncertaintyDecay, r.UncertaintyDecay)
	overlayIfSet(&p.EffortDrainBase, r.EffortDrainBase)
	overlayIfSet(&p.EffortDrainPerFrustration, r.EffortDrainPerFrustration)
	overlayIfSet(&p.RiskGainPerNovelty, r.RiskGainPerNovelty)
	overlayIfSet(&p.RiskGainPerUrgency, r.RiskGainPerUrgency)
	overlayIfSet(&p.PersistenceLoss, r.PersistenceLoss)
	overlayIfSet(&p.PersistenceGain, r.PersistenceGain)
	overlayIfSet(&p.ExplorationGain, r.ExplorationGain)
	overlayIfSet(&p.ExplorationDecay, r.ExplorationDecay)
	if r.TrustCollapseWindow != 0 {
		p.TrustCollapseWindow = r.TrustCollapseWindow
	}

	return p
}

func overlayIfSet(field *float64, override float64) {
	if override != 0 {
		*field = override
	}
}
