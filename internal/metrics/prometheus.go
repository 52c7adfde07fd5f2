package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/gftdcojp/objtier/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Scan metrics
	ScanPasses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "objtier_scan_passes_total",
		Help: "Completed migration scan passes",
	})

	ScanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "objtier_scan_duration_seconds",
		Help:    "Duration of a migration scan pass",
		Buckets: []float64{0.1, 1, 10, 60, 300, 900, 3600},
	})

	LastScanTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "objtier_last_scan_timestamp_seconds",
		Help: "Unix time of the last completed scan pass",
	})

	ObjectsScanned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "objtier_objects_scanned_total",
		Help: "Hot objects evaluated by the migration policy",
	})

	ObjectsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "objtier_objects_skipped_total",
		Help: "Hot objects left in place by the scanner",
	}, []string{"reason"})

	// Migration metrics
	ObjectsMigrated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "objtier_objects_migrated_total",
		Help: "Objects moved from hot to cold",
	})

	BytesMigrated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "objtier_bytes_migrated_total",
		Help: "Payload bytes moved from hot to cold",
	})

	MigrationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "objtier_migration_errors_total",
		Help: "Migration failures by stage",
	}, []string{"stage"})

	MigrationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "objtier_migration_duration_seconds",
		Help:    "Time to migrate a single object",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	})

	// Read path metrics
	ReadRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "objtier_read_requests_total",
		Help: "Reads by operation and answering tier",
	}, []string{"op", "tier"})

	ReadLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "objtier_read_latency_seconds",
		Help:    "Read request latency",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"op", "tier"})

	ReadFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "objtier_read_fallbacks_total",
		Help: "Reads that missed hot and were retried on cold",
	}, []string{"op"})

	// Scheduler metrics
	TaskPanics = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "objtier_scheduler_task_panics_total",
		Help: "Scheduled task runs that panicked",
	}, []string{"task"})
)

// RunServer starts the Prometheus metrics HTTP server.
func RunServer(ctx context.Context, cfg config.MetricsConfig) error {
	mux := http.NewServeMux()
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux.Handle(path, promhttp.Handler())

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
