package api

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/patrickmn/go-cache"

	"github.com/kalambet/pantry/internal/inventory"
	"github.com/kalambet/pantry/internal/storage"
)

const (
	defaultHistoryDays    = 30
	maxHistoryDays        = 365
	maxStaleThresholdDays = 90
)

type OverrideRequest struct {
	Name  string `json:"name"`
	Count *int   `json:"count"`
	Notes string `json:"notes"`
}

type AdjustRequest struct {
	Name  string `json:"name"`
	Delta int    `json:"delta"`
	Notes string `json:"notes"`
}

type MarkStaleRequest struct {
	StaleAfterDays int `json:"stale_after_days"`
}

func handleListInventory(deps Deps, invCache *cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f := storage.InventoryFilter{IncludeStale: parseBoolParam(r, "include_stale")}
		if r.URL.Query().Get("max_count") != "" {
			n := parseIntParam(r, "max_count", 0, 0)
			f.MaxCount = &n
		}

		key := r.URL.RawQuery
		if cached, ok := invCache.Get(key); ok {
			writeJSON(w, http.StatusOK, cached)
			return
		}

		recs, err := deps.Inventory.Inventory(r.Context(), f)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		views := newItemViews(recs)
		invCache.SetDefault(key, views)
		writeJSON(w, http.StatusOK, views)
	}
}

func handleOverride(deps Deps, invCache *cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req OverrideRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		if req.Count == nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "count is required")
			return
		}

		ch, err := deps.Inventory.ManualOverride(r.Context(), req.Name, *req.Count, req.Notes)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		invCache.Flush()
		writeJSON(w, http.StatusOK, ch)
	}
}

func handleAdjust(deps Deps, invCache *cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AdjustRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}

		ch, err := deps.Inventory.Adjust(r.Context(), req.Name, req.Delta, req.Notes)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		invCache.Flush()
		writeJSON(w, http.StatusOK, ch)
	}
}

func handleMarkStale(deps Deps, invCache *cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req MarkStaleRequest
		if !decodeOptionalBody(w, r, maxRequestBodySize, &req) {
			return
		}
		staleAfter := deps.StaleAfter
		if req.StaleAfterDays > 0 {
			staleAfter = time.Duration(req.StaleAfterDays) * 24 * time.Hour
		}

		n, err := deps.Inventory.MarkStale(r.Context(), time.Now().UTC(), staleAfter)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		invCache.Flush()
		writeJSON(w, http.StatusOK, map[string]any{"marked": n, "stale_after": staleAfter.String()})
	}
}

func handleItemHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		days := parseIntParam(r, "days", defaultHistoryDays, maxHistoryDays)
		since := time.Now().UTC().Add(-time.Duration(days) * 24 * time.Hour)

		h, err := deps.Inventory.History(r.Context(), name, since)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, newHistoryView(h))
	}
}

func handleItemCount(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		at := time.Now().UTC()
		if s := r.URL.Query().Get("at"); s != "" {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "at must be RFC 3339: %v", err)
				return
			}
			at = t
		}

		count, err := deps.Inventory.CountAt(r.Context(), name, at)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"name": name, "at": at, "count": count})
	}
}

func handleRecentEvents(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		days := parseIntParam(r, "days", 7, maxHistoryDays)
		f := storage.EventFilter{
			Since: time.Now().UTC().Add(-time.Duration(days) * 24 * time.Hour),
			Type:  storage.EventType(r.URL.Query().Get("event_type")),
			Limit: parseIntParam(r, "limit", 100, 1000),
		}

		events, err := deps.Inventory.RecentChanges(r.Context(), f)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		views := make([]eventView, len(events))
		for i, ev := range events {
			views[i] = newEventView(ev.Event, ev.ItemName)
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func handleVerify(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mismatches, err := deps.Inventory.Verify(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		type mismatchView struct {
			Name          string `json:"name"`
			CountEstimate int    `json:"count_estimate"`
			DeltaSum      int    `json:"delta_sum"`
		}
		views := make([]mismatchView, len(mismatches))
		for i, m := range mismatches {
			views[i] = mismatchView{Name: m.CanonicalName, CountEstimate: m.CountEstimate, DeltaSum: m.DeltaSum}
		}
		writeJSON(w, http.StatusOK, map[string]any{"consistent": len(mismatches) == 0, "mismatches": views})
	}
}

type staleItemView struct {
	Name          string     `json:"name"`
	Brand         string     `json:"brand,omitempty"`
	LastCount     int        `json:"last_count"`
	LastSeenAt    *time.Time `json:"last_seen_at"`
	DaysSinceSeen *int       `json:"days_since_seen"`
	Confidence    float64    `json:"confidence"`
}

func handleStaleItems(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		days := parseIntParam(r, "days_threshold", int(deps.StaleAfter/(24*time.Hour)), maxStaleThresholdDays)
		if days < 1 {
			days = 1
		}

		items, err := deps.Inventory.StaleItems(r.Context(), time.Now().UTC(), time.Duration(days)*24*time.Hour)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		views := make([]staleItemView, len(items))
		for i, it := range items {
			views[i] = staleItemView{
				Name:          it.Item.CanonicalName,
				Brand:         it.Item.Brand,
				LastCount:     it.State.CountEstimate,
				LastSeenAt:    it.State.LastSeenAt,
				DaysSinceSeen: it.DaysSinceSeen,
				Confidence:    it.State.Confidence,
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"threshold_days": days,
			"item_count":     len(views),
			"items":          views,
		})
	}
}

type exportEventView struct {
	Type      storage.EventType `json:"type"`
	Delta     int               `json:"delta"`
	CreatedAt time.Time         `json:"created_at"`
}

type exportItemView struct {
	itemView
	RecentEvents []exportEventView `json:"recent_events,omitempty"`
}

var exportCSVHeader = []string{"name", "brand", "package_kind", "count", "confidence", "last_seen", "manual"}

func handleExport(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		format := r.URL.Query().Get("format")
		if format == "" {
			format = "json"
		}
		if format != "json" && format != "csv" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "format must be json or csv, got %q", format)
			return
		}

		exp, err := deps.Inventory.Export(r.Context(), format == "json" && parseBoolParam(r, "include_history"))
		if err != nil {
			writeServiceError(w, err)
			return
		}

		if format == "csv" {
			writeExportCSV(w, exp)
			return
		}

		items := make([]exportItemView, len(exp.Items))
		for i, it := range exp.Items {
			items[i] = exportItemView{itemView: newItemView(it.Item, it.State)}
			for _, ev := range it.RecentEvents {
				items[i].RecentEvents = append(items[i].RecentEvents, exportEventView{Type: ev.Type, Delta: ev.Delta, CreatedAt: ev.CreatedAt})
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"format":      "json",
			"exported_at": exp.ExportedAt,
			"item_count":  len(items),
			"items":       items,
		})
	}
}

func writeExportCSV(w http.ResponseWriter, exp inventory.Export) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="pantry-%s.csv"`, exp.ExportedAt.Format("20060102-150405")))
	w.WriteHeader(http.StatusOK)

	cw := csv.NewWriter(w)
	cw.Write(exportCSVHeader)
	for _, it := range exp.Items {
		lastSeen := ""
		if it.State.LastSeenAt != nil {
			lastSeen = it.State.LastSeenAt.Format(time.RFC3339)
		}
		manual := "no"
		if it.State.IsManual {
			manual = "yes"
		}
		cw.Write([]string{
			it.Item.CanonicalName,
			it.Item.Brand,
			it.Item.PackageKind,
			strconv.Itoa(it.State.CountEstimate),
			strconv.FormatFloat(it.State.Confidence, 'f', 2, 64),
			lastSeen,
			manual,
		})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		slog.Warn("writing csv export failed", "error", err)
	}
}
