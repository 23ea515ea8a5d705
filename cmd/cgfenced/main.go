// Package main — cmd/cgfenced/main.go
//
// cgfence daemon entrypoint.
//
// Startup sequence:
//  1. Root check — abort if not running as root.
//  2. Load and validate config from /etc/cgfence/config.yaml.
//  3. Initialise structured logger (zap, JSON or console format).
//  4. Load user-defined profile files.
//  5. Open the rule/denial ledger; prune stale denial records.
//  6. Initialise the enforcement manager (probe, load, pin, attach).
//     An unusable BPF LSM downgrades to no-op enforcement, it does not
//     abort: the seccomp collaborator is the backstop.
//  7. Start Prometheus metrics server (127.0.0.1:9611).
//  8. Start the operator control socket.
//  9. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel root context (stops metrics and operator servers).
//  2. Manager shutdown (stop deny consumer, unpin, destroy programs).
//  3. Close the ledger.
//  4. Flush logger. Exit 0.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cgfence/cgfence/internal/config"
	"github.com/cgfence/cgfence/internal/manager"
	"github.com/cgfence/cgfence/internal/observability"
	"github.com/cgfence/cgfence/internal/operator"
	"github.com/cgfence/cgfence/internal/policy"
	"github.com/cgfence/cgfence/internal/ruledb"
)

func main() {
	configPath := flag.String("config", "/etc/cgfence/config.yaml", "Path to config.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("cgfenced %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	// ── Step 1: Root check ────────────────────────────────────────────────────
	if os.Getuid() != 0 {
		fmt.Fprintln(os.Stderr, "FATAL: cgfenced must run as root (UID 0)")
		os.Exit(1)
	}

	// ── Step 2: Load config ───────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	// ── Step 3: Initialise logger ─────────────────────────────────────────────
	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("cgfence starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Step 4: User-defined profiles ─────────────────────────────────────────
	for _, dir := range cfg.ProfileDirs {
		loadProfileDir(dir, log)
	}

	// ── Step 5: Open the ledger ───────────────────────────────────────────────
	if err := os.MkdirAll(filepath.Dir(cfg.Ledger.Path), 0o700); err != nil {
		log.Fatal("ledger directory creation failed", zap.Error(err))
	}
	db, err := ruledb.Open(cfg.Ledger.Path, cfg.Ledger.DenialRetentionDays)
	if err != nil {
		log.Fatal("ledger open failed", zap.Error(err),
			zap.String("path", cfg.Ledger.Path))
	}
	defer db.Close() //nolint:errcheck
	log.Info("ledger opened", zap.String("path", cfg.Ledger.Path))

	if pruned, err := db.PruneOldDenials(); err != nil {
		log.Warn("denial pruning failed", zap.Error(err))
	} else if pruned > 0 {
		log.Info("denial records pruned", zap.Int("deleted", pruned))
	}

	// ── Step 6: Enforcement manager ───────────────────────────────────────────
	metrics := observability.NewMetrics()
	mgr := manager.New(manager.Options{
		BPFFSRoot:     cfg.Enforcement.BPFFSRoot,
		CgroupRoot:    cfg.Enforcement.CgroupRoot,
		DenyLogBudget: cfg.Enforcement.DenyLogBudget,
		DenyLogRefill: cfg.Enforcement.DenyLogRefill,
		DB:            db,
		Metrics:       metrics,
		Logger:        log,
	})
	if err := mgr.Initialize(); err != nil {
		log.Fatal("manager initialize failed", zap.Error(err))
	}
	defer mgr.Shutdown()
	log.Info("enforcement manager initialized", zap.Bool("lsm_available", mgr.IsAvailable()))

	// ── Step 7: Prometheus metrics ────────────────────────────────────────────
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	// ── Step 8: Operator socket ───────────────────────────────────────────────
	if cfg.Operator.Enabled {
		srv := operator.NewServer(cfg.Operator.SocketPath, mgr, log)
		go func() {
			if err := srv.ListenAndServe(ctx); err != nil {
				log.Error("operator socket failed", zap.Error(err))
			}
		}()
	}

	// ── Step 9: Signal loop ───────────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", zap.String("signal", sig.String()))
	cancel()
}

// loadProfileDir registers every .yaml profile file in dir. Individual
// file failures are logged and skipped.
func loadProfileDir(dir string, log *zap.Logger) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Warn("profile directory unreadable", zap.String("dir", dir), zap.Error(err))
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".yaml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		name, err := policy.LoadProfileFile(path)
		if err != nil {
			log.Warn("profile file rejected", zap.String("path", path), zap.Error(err))
			continue
		}
		log.Info("profile loaded", zap.String("name", name), zap.String("path", path))
	}
}

// buildLogger constructs the zap logger from the configured level and
// format.
func buildLogger(level, format string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = format
	if format == "console" {
		cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	return cfg.Build()
}
