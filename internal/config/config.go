// Package config provides configuration loading and validation for the
// cgfence daemon.
//
// Configuration file: /etc/cgfence/config.yaml (default)
// Schema version: 1
//
// Validation:
//   - All file paths must be absolute.
//   - Numeric ranges enforced (retention ≥ 1, deny budget ≥ 1).
//   - Invalid config on startup: daemon refuses to start (fatal error).

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected by the Makefile via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for cgfence.
// All fields have defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1".
	SchemaVersion string `yaml:"schema_version"`

	// Enforcement configures the BPF LSM backend.
	Enforcement EnforcementConfig `yaml:"enforcement"`

	// Ledger configures the BoltDB rule/denial ledger.
	Ledger LedgerConfig `yaml:"ledger"`

	// Observability configures metrics and logging.
	Observability ObservabilityConfig `yaml:"observability"`

	// Operator configures the control Unix socket.
	Operator OperatorConfig `yaml:"operator"`

	// ProfileDirs lists directories scanned for user-defined profile
	// YAML files at startup.
	ProfileDirs []string `yaml:"profile_dirs"`
}

// EnforcementConfig holds the kernel-facing parameters.
type EnforcementConfig struct {
	// BPFFSRoot is the bpf filesystem mount point the pin directory
	// lives under. Default: /sys/fs/bpf.
	BPFFSRoot string `yaml:"bpffs_root"`

	// CgroupRoot is the directory per-container cgroup directories are
	// created under by the cgroup-setup collaborator.
	// Default: /sys/fs/cgroup/cgfence.
	CgroupRoot string `yaml:"cgroup_root"`

	// DenyLogBudget is the number of denial log lines allowed per refill
	// period. Default: 100.
	DenyLogBudget int `yaml:"deny_log_budget"`

	// DenyLogRefill is the denial log budget refill period. Default: 10s.
	DenyLogRefill time.Duration `yaml:"deny_log_refill"`
}

// LedgerConfig holds BoltDB parameters.
type LedgerConfig struct {
	// Path is the absolute path to the ledger file.
	// Default: /var/lib/cgfence/cgfence.db.
	Path string `yaml:"path"`

	// DenialRetentionDays is how long denial audit records are kept.
	// Default: 14.
	DenialRetentionDays int `yaml:"denial_retention_days"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9611.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	// Default: info.
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	// Default: json.
	LogFormat string `yaml:"log_format"`
}

// OperatorConfig holds control socket parameters.
type OperatorConfig struct {
	// Enabled controls whether the operator socket is active.
	// Default: true.
	Enabled bool `yaml:"enabled"`

	// SocketPath is the Unix domain socket path for operator commands.
	// Permissions: 0600, owned by root. Default: /run/cgfence/control.sock.
	SocketPath string `yaml:"socket_path"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	return Config{
		SchemaVersion: "1",
		Enforcement: EnforcementConfig{
			BPFFSRoot:     "/sys/fs/bpf",
			CgroupRoot:    "/sys/fs/cgroup/cgfence",
			DenyLogBudget: 100,
			DenyLogRefill: 10 * time.Second,
		},
		Ledger: LedgerConfig{
			Path:                "/var/lib/cgfence/cgfence.db",
			DenialRetentionDays: 14,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9611",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Operator: OperatorConfig{
			Enabled:    true,
			SocketPath: "/run/cgfence/control.sock",
		},
	}
}

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks all config fields for correctness.
// Returns a descriptive error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	for name, p := range map[string]string{
		"enforcement.bpffs_root":  cfg.Enforcement.BPFFSRoot,
		"enforcement.cgroup_root": cfg.Enforcement.CgroupRoot,
		"ledger.path":             cfg.Ledger.Path,
		"operator.socket_path":    cfg.Operator.SocketPath,
	} {
		if !filepath.IsAbs(p) {
			errs = append(errs, fmt.Sprintf("%s must be an absolute path, got %q", name, p))
		}
	}
	if cfg.Enforcement.DenyLogBudget < 1 {
		errs = append(errs, fmt.Sprintf("enforcement.deny_log_budget must be >= 1, got %d", cfg.Enforcement.DenyLogBudget))
	}
	if cfg.Enforcement.DenyLogRefill < time.Second {
		errs = append(errs, fmt.Sprintf("enforcement.deny_log_refill must be >= 1s, got %s", cfg.Enforcement.DenyLogRefill))
	}
	if cfg.Ledger.DenialRetentionDays < 1 {
		errs = append(errs, fmt.Sprintf("ledger.denial_retention_days must be >= 1, got %d", cfg.Ledger.DenialRetentionDays))
	}
	switch cfg.Observability.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_level must be one of debug/info/warn/error, got %q", cfg.Observability.LogLevel))
	}
	switch cfg.Observability.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_format must be json or console, got %q", cfg.Observability.LogFormat))
	}
	for i, d := range cfg.ProfileDirs {
		if !filepath.IsAbs(d) {
			errs = append(errs, fmt.Sprintf("profile_dirs[%d] must be an absolute path, got %q", i, d))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
