// Package observability — Prometheus metrics for the cgfence daemon.
//
// Endpoint: GET /metrics on 127.0.0.1:9611 (configurable).
// Bind: the configured address as given; the default is loopback.
//
// Metric naming convention: cgfence_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - outcome, rule kind and hook name are the only labels (bounded sets).
//   - Container id is NOT a label (unbounded cardinality); per-container
//     numbers are served by the operator socket instead.

package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for cgfence.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Policy lifecycle ────────────────────────────────────────────────────

	// PopulateTotal counts populate operations, by outcome (ok, failed).
	// Populates skipped because enforcement is unavailable are not counted.
	PopulateTotal *prometheus.CounterVec

	// CleanupTotal counts cleanup operations, by outcome.
	CleanupTotal *prometheus.CounterVec

	// PopulateDuration records populate latency. Large recursive
	// subtrees put populate in the hundreds of milliseconds.
	PopulateDuration prometheus.Histogram

	// CleanupDuration records cleanup latency.
	CleanupDuration prometheus.Histogram

	// RulesInstalledTotal counts installed map entries, by rule kind.
	RulesInstalledTotal *prometheus.CounterVec

	// RulesRemovedTotal counts removed map entries, by rule kind.
	RulesRemovedTotal *prometheus.CounterVec

	// ActiveContainers is the current number of tracked containers.
	ActiveContainers prometheus.Gauge

	// ─── Kernel interface ────────────────────────────────────────────────────

	// DenyEventsTotal counts kernel denial records, by hook name.
	DenyEventsTotal *prometheus.CounterVec

	// DenyLogsSuppressed counts denial logs dropped by the rate limiter.
	DenyLogsSuppressed prometheus.Counter

	// BatchFallbackTotal counts batch deletes degraded to per-key
	// deletion on legacy kernels.
	BatchFallbackTotal prometheus.Counter

	// UptimeSeconds is the number of seconds since daemon start.
	UptimeSeconds prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers all cgfence Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		PopulateTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cgfence",
			Subsystem: "policy",
			Name:      "populate_total",
			Help:      "Total populate operations, by outcome.",
		}, []string{"outcome"}),

		CleanupTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cgfence",
			Subsystem: "policy",
			Name:      "cleanup_total",
			Help:      "Total cleanup operations, by outcome.",
		}, []string{"outcome"}),

		PopulateDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "cgfence",
			Subsystem: "policy",
			Name:      "populate_duration_seconds",
			Help:      "Latency of populate operations.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),

		CleanupDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "cgfence",
			Subsystem: "policy",
			Name:      "cleanup_duration_seconds",
			Help:      "Latency of cleanup operations.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}),

		RulesInstalledTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cgfence",
			Subsystem: "rules",
			Name:      "installed_total",
			Help:      "Total kernel map entries installed, by rule kind.",
		}, []string{"kind"}),

		RulesRemovedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cgfence",
			Subsystem: "rules",
			Name:      "removed_total",
			Help:      "Total kernel map entries removed, by rule kind.",
		}, []string{"kind"}),

		ActiveContainers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cgfence",
			Subsystem: "policy",
			Name:      "active_containers",
			Help:      "Current number of containers with installed rules.",
		}),

		DenyEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cgfence",
			Subsystem: "kernel",
			Name:      "deny_events_total",
			Help:      "Total denial records consumed from the ring buffer, by hook.",
		}, []string{"hook"}),

		DenyLogsSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cgfence",
			Subsystem: "kernel",
			Name:      "deny_logs_suppressed_total",
			Help:      "Denial log lines dropped by the rate limiter.",
		}),

		BatchFallbackTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cgfence",
			Subsystem: "kernel",
			Name:      "batch_fallback_total",
			Help:      "Batch deletes degraded to per-key deletion.",
		}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cgfence",
			Subsystem: "daemon",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the daemon started.",
		}),
	}

	reg.MustRegister(
		m.PopulateTotal,
		m.CleanupTotal,
		m.PopulateDuration,
		m.CleanupDuration,
		m.RulesInstalledTotal,
		m.RulesRemovedTotal,
		m.ActiveContainers,
		m.DenyEventsTotal,
		m.DenyLogsSuppressed,
		m.BatchFallbackTotal,
		m.UptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on addr.
// Blocks until ctx is cancelled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
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

	go m.updateUptime(ctx)

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

func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
