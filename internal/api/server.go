package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/pantry/internal/inventory"
	"github.com/kalambet/pantry/internal/pipeline"
	"github.com/kalambet/pantry/internal/scheduler"
	"github.com/kalambet/pantry/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

const (
	defaultInventoryCacheTTL = 5 * time.Second
	defaultBatchLimit        = 50
	maxBatchLimit            = 500
)

// ImageSaver persists uploaded capture images and returns their reference.
type ImageSaver interface {
	Save(ctx context.Context, deviceID, captureID string, data []byte) (string, error)
}

// Deps holds the services the HTTP API is built on.
type Deps struct {
	Store      *storage.Store
	Images     ImageSaver
	Driver     *pipeline.Driver
	Inventory  *inventory.Reconciler
	Tasks      *scheduler.Scheduler
	Token      string
	Gatherer   prometheus.Gatherer // optional; /metrics is omitted when nil
	StaleAfter time.Duration
	BatchLimit int
	CacheTTL   time.Duration
}

// NewHandler returns the pantry HTTP API. /health and /metrics are
// unauthenticated; everything else requires the bearer token.
func NewHandler(deps Deps) http.Handler {
	if deps.StaleAfter <= 0 {
		deps.StaleAfter = inventory.DefaultStaleAfter
	}
	if deps.BatchLimit <= 0 {
		deps.BatchLimit = defaultBatchLimit
	}
	if deps.CacheTTL <= 0 {
		deps.CacheTTL = defaultInventoryCacheTTL
	}
	invCache := cache.New(deps.CacheTTL, 2*deps.CacheTTL)

	r := chi.NewRouter()
	r.Get("/health", handleHealth(deps))
	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/captures", handleCreateCapture(deps))
		r.Get("/captures", handleListCaptures(deps))
		r.Post("/captures/process-pending", handleProcessPending(deps))
		r.Get("/captures/{id}", handleGetCapture(deps))
		r.Post("/captures/{id}/process", handleProcessCapture(deps, invCache))
		r.Post("/captures/{id}/retry", handleRetryCapture(deps))

		r.Get("/inventory", handleListInventory(deps, invCache))
		r.Post("/inventory/override", handleOverride(deps, invCache))
		r.Post("/inventory/adjust", handleAdjust(deps, invCache))
		r.Post("/inventory/mark-stale", handleMarkStale(deps, invCache))
		r.Get("/inventory/events", handleRecentEvents(deps))
		r.Get("/inventory/stale-items", handleStaleItems(deps))
		r.Get("/inventory/export", handleExport(deps))
		r.Get("/inventory/verify", handleVerify(deps))
		r.Get("/inventory/items/{name}/history", handleItemHistory(deps))
		r.Get("/inventory/items/{name}/count", handleItemCount(deps))

		r.Get("/tasks/{id}", handleTaskStatus(deps))
		r.Delete("/tasks/{id}", handleRevokeTask(deps))

		r.Get("/stats", handleStats(deps))
	})

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.DB().PingContext(r.Context()); err != nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "database unavailable: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// writeServiceError maps domain errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	var ve *inventory.ValidationError
	var nf *inventory.NotFoundError
	switch {
	case errors.As(err, &ve):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.As(err, &nf),
		errors.Is(err, pipeline.ErrCaptureNotFound),
		errors.Is(err, scheduler.ErrTaskNotFound):
		httpError(w, http.StatusNotFound, "not_found_error", "%v", err)
	case errors.Is(err, pipeline.ErrNotStored),
		errors.Is(err, pipeline.ErrNotFailed),
		errors.Is(err, pipeline.ErrNotAnalyzing),
		errors.Is(err, scheduler.ErrTaskFinished):
		httpError(w, http.StatusConflict, "conflict_error", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

// decodeOptionalBody is decodeBody for endpoints whose body may be absent.
// An empty body, chunked or not, leaves v untouched.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, limit int64, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func parseBoolParam(r *http.Request, key string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return v
}
