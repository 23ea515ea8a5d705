package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	if err := Validate(&cfg); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `schema_version: "1"
enforcement:
  bpffs_root: /custom/bpf
  deny_log_budget: 5
  deny_log_refill: 30s
observability:
  log_level: debug
  log_format: console
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Enforcement.BPFFSRoot != "/custom/bpf" {
		t.Errorf("bpffs_root = %q", cfg.Enforcement.BPFFSRoot)
	}
	if cfg.Enforcement.DenyLogBudget != 5 || cfg.Enforcement.DenyLogRefill != 30*time.Second {
		t.Errorf("deny log config = %d/%s", cfg.Enforcement.DenyLogBudget, cfg.Enforcement.DenyLogRefill)
	}
	// Untouched fields keep defaults.
	if cfg.Enforcement.CgroupRoot != "/sys/fs/cgroup/cgfence" {
		t.Errorf("cgroup_root lost its default: %q", cfg.Enforcement.CgroupRoot)
	}
	if cfg.Ledger.Path != "/var/lib/cgfence/cgfence.db" {
		t.Errorf("ledger path lost its default: %q", cfg.Ledger.Path)
	}
}

func TestValidate_CollectsAllViolations(t *testing.T) {
	cfg := Defaults()
	cfg.SchemaVersion = "9"
	cfg.Enforcement.BPFFSRoot = "relative/path"
	cfg.Enforcement.DenyLogBudget = 0
	cfg.Observability.LogLevel = "loud"

	err := Validate(&cfg)
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"schema_version", "bpffs_root", "deny_log_budget", "log_level"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error does not mention %s: %v", want, err)
		}
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
