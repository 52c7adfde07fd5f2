package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/gftdcojp/objtier/internal/config"
	"github.com/gftdcojp/objtier/internal/meta"
	"github.com/nats-io/nats.go"
)

// HealthStatus represents the overall health state.
type HealthStatus struct {
	OK     bool    `json:"ok"`
	Checks []Check `json:"checks,omitempty"`
}

// Check represents an individual health check.
type Check struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Pinger is a dependency that can report its connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker runs health probes.
type HealthChecker struct {
	natsConn *nats.Conn
	meta     meta.Store
	backends map[string]Pinger
}

// NewHealthChecker creates a new health checker. backends maps a check name
// (e.g. "hot", "cold") to the backend probed for readiness.
func NewHealthChecker(nc *nats.Conn, metaStore meta.Store, backends map[string]Pinger) *HealthChecker {
	return &HealthChecker{
		natsConn: nc,
		meta:     metaStore,
		backends: backends,
	}
}

// Liveness checks if the process is alive.
func (h *HealthChecker) Liveness() HealthStatus {
	return HealthStatus{OK: true}
}

// Readiness checks if the service can handle requests.
func (h *HealthChecker) Readiness() HealthStatus {
	status := HealthStatus{OK: true}

	if h.natsConn != nil {
		if !h.natsConn.IsConnected() {
			status.OK = false
			status.Checks = append(status.Checks, Check{
				Name: "nats", Status: "disconnected",
			})
		} else {
			status.Checks = append(status.Checks, Check{
				Name: "nats", Status: "connected",
			})
		}
	}

	if h.meta != nil {
		if err := h.meta.Ping(); err != nil {
			status.OK = false
			status.Checks = append(status.Checks, Check{
				Name: "journal", Status: "error", Error: err.Error(),
			})
		} else {
			status.Checks = append(status.Checks, Check{
				Name: "journal", Status: "ok",
			})
		}
	}

	names := make([]string, 0, len(h.backends))
	for name := range h.backends {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := h.backends[name].Ping(ctx)
		cancel()
		if err != nil {
			status.OK = false
			status.Checks = append(status.Checks, Check{
				Name: name, Status: "error", Error: err.Error(),
			})
		} else {
			status.Checks = append(status.Checks, Check{
				Name: name, Status: "ok",
			})
		}
	}

	return status
}

// RunHealthServer starts the health check HTTP server.
func RunHealthServer(ctx context.Context, cfg config.HealthConfig, checker *HealthChecker) error {
	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: healthMux(cfg, checker),
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

func healthMux(cfg config.HealthConfig, checker *HealthChecker) *http.ServeMux {
	mux := http.NewServeMux()

	livenessPath := cfg.LivenessPath
	if livenessPath == "" {
		livenessPath = "/healthz"
	}
	readinessPath := cfg.ReadinessPath
	if readinessPath == "" {
		readinessPath = "/readyz"
	}

	mux.HandleFunc(livenessPath, func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, checker.Liveness())
	})
	mux.HandleFunc(readinessPath, func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, checker.Readiness())
	})
	return mux
}

func writeStatus(w http.ResponseWriter, status HealthStatus) {
	code := http.StatusOK
	if !status.OK {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}
