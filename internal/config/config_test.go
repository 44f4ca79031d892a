package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/runtime-governor/governor/internal/governor"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaultsAndOverrides(t *testing.T) {
	path := writeConfig(t, `
schema_version: "1"
profile: conservative
limits:
  max_steps: 42
  max_risk: 0.6
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ProfileName != "conservative" {
		t.Fatalf("ProfileName = %q, want conservative", cfg.ProfileName)
	}
	if cfg.Audit.Path == "" {
		t.Fatal("expected default audit path to survive when unset in file")
	}

	profile := cfg.BuildProfile()
	if profile.MaxSteps != 42 {
		t.Fatalf("MaxSteps = %d, want 42 (file override)", profile.MaxSteps)
	}
	if profile.MaxRisk != 0.6 {
		t.Fatalf("MaxRisk = %f, want 0.6 (file override)", profile.MaxRisk)
	}

	conservative := governor.ConservativeProfile()
	if profile.MinEffort != conservative.MinEffort {
		t.Fatalf("MinEffort = %f, want preset default %f (not overridden)", profile.MinEffort, conservative.MinEffort)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
schema_version: "1"
not_a_real_field: true
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected Load to reject an unknown top-level key")
	}
}

func TestLoadRejectsInvalidSchemaVersion(t *testing.T) {
	path := writeConfig(t, `
schema_version: "99"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected Load to reject an unsupported schema_version")
	}
}

func TestLoadRejectsOutOfRangeLimit(t *testing.T) {
	path := writeConfig(t, `
schema_version: "1"
limits:
  max_risk: 1.5
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected Load to reject max_risk outside [0,1]")
	}
}

func TestGovernanceAuditPathEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
schema_version: "1"
audit:
  path: /var/lib/governor/from-file.log
`)
	t.Setenv("GOVERNANCE_AUDIT_PATH", "/tmp/from-env.log")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Audit.Path != "/tmp/from-env.log" {
		t.Fatalf("Audit.Path = %q, want env override", cfg.Audit.Path)
	}
}

func TestContractsEnabledReadsExactValue(t *testing.T) {
	t.Setenv("GOVERNANCE_CONTRACTS_ENABLED", "1")
	if !ContractsEnabled() {
		t.Fatal("expected contracts enabled for \"1\"")
	}
	t.Setenv("GOVERNANCE_CONTRACTS_ENABLED", "true")
	if ContractsEnabled() {
		t.Fatal("expected contracts disabled for any value other than \"1\"")
	}
}

func TestBuildProfileDefaultsToBalanced(t *testing.T) {
	cfg := Defaults()
	profile := cfg.BuildProfile()
	balanced := governor.BalancedProfile()
	if profile.MaxSteps != balanced.MaxSteps {
		t.Fatalf("MaxSteps = %d, want balanced preset %d", profile.MaxSteps, balanced.MaxSteps)
	}
}
