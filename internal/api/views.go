package api

import (
	"encoding/json"
	"time"

	"github.com/kalambet/pantry/internal/inventory"
	"github.com/kalambet/pantry/internal/storage"
)

type captureView struct {
	ID              string                `json:"id"`
	DeviceID        string                `json:"device_id"`
	TriggerType     string                `json:"trigger_type,omitempty"`
	CapturedAt      time.Time             `json:"captured_at"`
	ImageRef        string                `json:"image_ref"`
	Status          storage.CaptureStatus `json:"status"`
	ErrorMessage    string                `json:"error_message,omitempty"`
	CreatedAt       time.Time             `json:"created_at"`
	StatusChangedAt time.Time             `json:"status_changed_at"`
}

func newCaptureView(c storage.Capture) captureView {
	return captureView{
		ID:              c.ID,
		DeviceID:        c.DeviceID,
		TriggerType:     c.TriggerType,
		CapturedAt:      c.CapturedAt,
		ImageRef:        c.ImageRef,
		Status:          c.Status,
		ErrorMessage:    c.ErrorMessage,
		CreatedAt:       c.CreatedAt,
		StatusChangedAt: c.StatusChangedAt,
	}
}

type observationView struct {
	ID              string          `json:"id"`
	SceneConfidence float64         `json:"scene_confidence"`
	Result          json.RawMessage `json:"result"`
	CreatedAt       time.Time       `json:"created_at"`
}

func newObservationView(o storage.Observation) *observationView {
	raw := json.RawMessage(o.RawJSON)
	if !json.Valid(raw) {
		b, _ := json.Marshal(o.RawJSON)
		raw = b
	}
	return &observationView{ID: o.ID, SceneConfidence: o.SceneConfidence, Result: raw, CreatedAt: o.CreatedAt}
}

type itemView struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Brand         string     `json:"brand,omitempty"`
	PackageKind   string     `json:"package_kind,omitempty"`
	CountEstimate int        `json:"count_estimate"`
	Confidence    float64    `json:"confidence"`
	LastSeenAt    *time.Time `json:"last_seen_at,omitempty"`
	IsManual      bool       `json:"is_manual"`
	Notes         string     `json:"notes,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func newItemView(item storage.Item, st storage.State) itemView {
	return itemView{
		ID:            item.ID,
		Name:          item.CanonicalName,
		Brand:         item.Brand,
		PackageKind:   item.PackageKind,
		CountEstimate: st.CountEstimate,
		Confidence:    st.Confidence,
		LastSeenAt:    st.LastSeenAt,
		IsManual:      st.IsManual,
		Notes:         st.Notes,
		UpdatedAt:     st.UpdatedAt,
	}
}

func newItemViews(recs []storage.ItemRecord) []itemView {
	views := make([]itemView, len(recs))
	for i, rec := range recs {
		views[i] = newItemView(rec.Item, rec.State)
	}
	return views
}

type eventView struct {
	Seq        int64             `json:"seq"`
	ID         string            `json:"id"`
	ItemName   string            `json:"item_name,omitempty"`
	CaptureID  string            `json:"capture_id,omitempty"`
	Type       storage.EventType `json:"event_type"`
	Delta      int               `json:"delta"`
	CountAfter *int              `json:"count_after,omitempty"`
	Details    json.RawMessage   `json:"details,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

func newEventView(ev storage.Event, itemName string) eventView {
	v := eventView{
		Seq:       ev.Seq,
		ID:        ev.ID,
		ItemName:  itemName,
		CaptureID: ev.CaptureID,
		Type:      ev.Type,
		Delta:     ev.Delta,
		CreatedAt: ev.CreatedAt,
	}
	if ev.Details != "" && json.Valid([]byte(ev.Details)) {
		v.Details = json.RawMessage(ev.Details)
	}
	return v
}

type historyView struct {
	Item         itemView    `json:"item"`
	Since        time.Time   `json:"since"`
	CountAtSince int         `json:"count_at_since"`
	Events       []eventView `json:"events"`
}

func newHistoryView(h inventory.History) historyView {
	v := historyView{
		Item:         newItemView(h.Item, h.State),
		Since:        h.Since,
		CountAtSince: h.CountAtSince,
		Events:       make([]eventView, len(h.Entries)),
	}
	for i, e := range h.Entries {
		ev := newEventView(e.Event, "")
		count := e.CountAfter
		ev.CountAfter = &count
		v.Events[i] = ev
	}
	return v
}
