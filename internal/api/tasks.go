package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/pantry/internal/inventory"
	"github.com/kalambet/pantry/internal/storage"
)

const highConfidence = 0.85

func handleTaskStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, err := deps.Tasks.Status(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, info)
	}
}

func handleRevokeTask(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := deps.Tasks.Revoke(r.Context(), id); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "revoked"})
	}
}

// ItemStats summarizes inventory state by confidence band.
type ItemStats struct {
	Total  int `json:"total"`
	High   int `json:"high_confidence"`
	Medium int `json:"medium_confidence"`
	Low    int `json:"low_confidence"`
	Stale  int `json:"stale"`
	Manual int `json:"manual"`
}

type Stats struct {
	Items    ItemStats                     `json:"items"`
	Captures map[storage.CaptureStatus]int `json:"captures"`
	Tasks    map[storage.JobStatus]int     `json:"tasks"`
}

func itemStats(recs []storage.ItemRecord) ItemStats {
	var s ItemStats
	for _, rec := range recs {
		s.Total++
		if rec.State.IsManual {
			s.Manual++
		}
		switch c := rec.State.Confidence; {
		case c >= highConfidence:
			s.High++
		case c >= inventory.AcceptanceThreshold:
			s.Medium++
		case c > 0:
			s.Low++
		default:
			s.Stale++
		}
	}
	return s
}

func handleStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recs, err := deps.Inventory.Inventory(r.Context(), storage.InventoryFilter{IncludeStale: true})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		captures, err := deps.Store.CaptureCounts(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to count captures: %v", err)
			return
		}
		tasks, err := deps.Store.JobCounts(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to count tasks: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, Stats{Items: itemStats(recs), Captures: captures, Tasks: tasks})
	}
}
