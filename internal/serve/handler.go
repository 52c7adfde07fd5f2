package serve

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gftdcojp/objtier/internal/config"
	"github.com/gftdcojp/objtier/internal/meta"
	"github.com/gftdcojp/objtier/internal/tier"
	"github.com/gftdcojp/objtier/internal/types"
	"go.uber.org/zap"
)

const defaultPassLimit = 20

type handler struct {
	store   *tier.Store
	journal meta.Store
	logger  *zap.Logger
}

// NewHandler returns the HTTP API for store. journal may be nil when the
// migration journal is disabled.
func NewHandler(store *tier.Store, journal meta.Store, logger *zap.Logger) http.Handler {
	h := &handler{
		store:   store,
		journal: journal,
		logger:  logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/status", h.handleStatus)
	mux.HandleFunc("POST /v1/admin/scan", h.handleScan)
	mux.HandleFunc("GET /v1/passes", h.handlePasses)
	mux.HandleFunc("GET /v1/migrations/{container}", h.handleListMigrations)
	mux.HandleFunc("GET /v1/migrations/{container}/{name...}", h.handleGetMigration)

	h.registerObjRoutes(mux)
	return mux
}

// RunHTTP starts the HTTP API server and blocks until ctx is cancelled.
func RunHTTP(ctx context.Context, cfg config.APIConfig, store *tier.Store, journal meta.Store, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: NewHandler(store, journal, logger),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("HTTP API listening", zap.String("addr", cfg.Listen))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func statusOf(store *tier.Store) types.Status {
	status := types.Status{
		Status:       "ok",
		Scanning:     store.Scanning(),
		Threshold:    store.Threshold().String(),
		ScanInterval: store.ScanInterval().String(),
	}
	if last, ok := store.LastPass(); ok {
		status.LastPass = &last
	}
	return status
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusOf(h.store))
}

// handleScan runs a pass and replies once it completes. A pass already in
// progress is waited for first.
func (h *handler) handleScan(w http.ResponseWriter, r *http.Request) {
	h.logger.Info("scan requested over HTTP", zap.String("remote", r.RemoteAddr))
	stats := h.store.ScanNow(r.Context())
	writeJSON(w, http.StatusOK, stats)
}

func (h *handler) handlePasses(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "journal disabled"})
		return
	}
	limit := defaultPassLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = n
	}

	passes, err := h.journal.ListPasses(r.Context(), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if passes == nil {
		passes = []meta.PassRecord{}
	}
	writeJSON(w, http.StatusOK, passes)
}

func (h *handler) handleListMigrations(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "journal disabled"})
		return
	}
	records, err := h.journal.ListMigrations(r.Context(), r.PathValue("container"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if records == nil {
		records = []meta.MigrationRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *handler) handleGetMigration(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "journal disabled"})
		return
	}
	rec, err := h.journal.LookupMigration(r.Context(), r.PathValue("container"), r.PathValue("name"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, tier.ErrNotFound), errors.Is(err, meta.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, tier.ErrNotModified):
		return http.StatusNotModified
	case errors.Is(err, tier.ErrPreconditionFailed):
		return http.StatusPreconditionFailed
	case errors.Is(err, tier.ErrInvalidRange):
		return http.StatusRequestedRangeNotSatisfiable
	case errors.Is(err, tier.ErrInvalidName):
		return http.StatusBadRequest
	case errors.Is(err, tier.ErrContainerNotEmpty):
		return http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusNotModified {
		w.WriteHeader(code)
		return
	}
	if code >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	if r.Method == http.MethodHead {
		w.WriteHeader(code)
		return
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
