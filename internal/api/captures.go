package api

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/kalambet/pantry/internal/storage"
)

const maxCaptureBodySize = 15 << 20 // 15MB, room for a base64 JPEG

// CreateCaptureRequest registers a capture. Exactly one of ImageRef (an image
// already in the image store) or Image (base64 bytes to store) is required.
type CreateCaptureRequest struct {
	ID          string    `json:"id"`
	DeviceID    string    `json:"device_id"`
	TriggerType string    `json:"trigger_type"`
	CapturedAt  time.Time `json:"captured_at"`
	ImageRef    string    `json:"image_ref"`
	Image       string    `json:"image"`
	Process     bool      `json:"process"`
}

func handleCreateCapture(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateCaptureRequest
		if !decodeBody(w, r, maxCaptureBodySize, &req) {
			return
		}

		req.DeviceID = strings.TrimSpace(req.DeviceID)
		if req.DeviceID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "device_id is required")
			return
		}
		if (req.ImageRef == "") == (req.Image == "") {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "exactly one of image_ref or image is required")
			return
		}
		if req.ID == "" {
			req.ID = uuid.New().String()
		}

		ref := req.ImageRef
		if req.Image != "" {
			if deps.Images == nil {
				httpError(w, http.StatusServiceUnavailable, "api_error", "image uploads are not enabled")
				return
			}
			data, err := base64.StdEncoding.DecodeString(req.Image)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid base64 image")
				return
			}
			if ref, err = deps.Images.Save(r.Context(), req.DeviceID, req.ID, data); err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to store image: %v", err)
				return
			}
		}

		c := storage.Capture{
			ID:          req.ID,
			DeviceID:    req.DeviceID,
			TriggerType: req.TriggerType,
			CapturedAt:  req.CapturedAt,
			ImageRef:    ref,
		}
		if err := deps.Store.CreateCapture(r.Context(), c); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to create capture: %v", err)
			return
		}
		created, err := deps.Store.GetCapture(r.Context(), c.ID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read capture: %v", err)
			return
		}

		resp := map[string]any{"capture": newCaptureView(created)}
		if req.Process {
			taskID, err := deps.Driver.Submit(r.Context(), c.ID)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "capture stored but not queued: %v", err)
				return
			}
			resp["task_id"] = taskID
		}
		writeJSON(w, http.StatusCreated, resp)
	}
}

func handleListCaptures(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := storage.CaptureStatus(r.URL.Query().Get("status"))
		switch status {
		case "", storage.CaptureStored, storage.CaptureAnalyzing, storage.CaptureComplete, storage.CaptureFailed:
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown status %q", status)
			return
		}
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		captures, err := deps.Store.ListCaptures(r.Context(), status, limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list captures: %v", err)
			return
		}
		views := make([]captureView, len(captures))
		for i, c := range captures {
			views[i] = newCaptureView(c)
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func handleGetCapture(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		c, err := deps.Store.GetCapture(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "capture %s not found", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get capture: %v", err)
			return
		}

		resp := struct {
			captureView
			Observation *observationView `json:"observation,omitempty"`
		}{captureView: newCaptureView(c)}

		if c.Status == storage.CaptureComplete {
			obs, err := deps.Store.GetObservationByCapture(r.Context(), id)
			switch {
			case err == nil:
				resp.Observation = newObservationView(obs)
			case !errors.Is(err, storage.ErrNotFound):
				httpError(w, http.StatusInternalServerError, "api_error", "failed to get observation: %v", err)
				return
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleProcessCapture(deps Deps, invCache *cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		if parseBoolParam(r, "sync") {
			out, err := deps.Driver.ProcessNow(r.Context(), id)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			invCache.Flush()
			writeJSON(w, http.StatusOK, map[string]any{
				"claim":   out.Claim.String(),
				"outcome": out,
			})
			return
		}

		taskID, err := deps.Driver.Submit(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"capture_id": id, "task_id": taskID, "status": "queued"})
	}
}

func handleRetryCapture(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		taskID, err := deps.Driver.Retry(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"capture_id": id, "task_id": taskID, "status": "queued"})
	}
}

func handleProcessPending(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", deps.BatchLimit, maxBatchLimit)
		report, err := deps.Driver.ProcessPending(r.Context(), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to process pending captures: %v", err)
			return
		}
		writeJSON(w, http.StatusAccepted, report)
	}
}
