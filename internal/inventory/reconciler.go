// Package inventory folds observations and manual corrections into per-item
// running state while keeping an append-only ledger of every change.
package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/pantry/internal/metrics"
	"github.com/kalambet/pantry/internal/storage"
	"github.com/kalambet/pantry/internal/vision"
)

const (
	// AcceptanceThreshold is the minimum per-item confidence for a sighting
	// to touch inventory state.
	AcceptanceThreshold = 0.70

	// DefaultStaleAfter is how long an item may go unseen before its
	// confidence is zeroed.
	DefaultStaleAfter = 7 * 24 * time.Hour

	maxConflictRetries = 3
)

// Ledger defines the storage operations the Reconciler needs.
// Implemented by storage.Store.
type Ledger interface {
	Update(ctx context.Context, fn func(tx *storage.Tx) error) error
	View(ctx context.Context, fn func(tx *storage.Tx) error) error
	ListInventory(ctx context.Context, f storage.InventoryFilter) ([]storage.ItemRecord, error)
	RecentEvents(ctx context.Context, f storage.EventFilter) ([]storage.EventRecord, error)
	StaleItems(ctx context.Context, cutoff time.Time) ([]storage.ItemRecord, error)
	MarkStale(ctx context.Context, cutoff, now time.Time) (int, error)
	AuditLedger(ctx context.Context) ([]storage.LedgerMismatch, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// Observation is an analysis result ready to be applied.
type Observation struct {
	ID        string // generated when empty
	CaptureID string
	Result    vision.Result
	RawJSON   string // marshalled from Result when empty
}

// Change describes the effect of one ledger event on an item.
type Change struct {
	ItemID      string            `json:"item_id"`
	Name        string            `json:"name"`
	Event       storage.EventType `json:"event_type"`
	Delta       int               `json:"delta"`
	Count       int               `json:"count"`
	Confidence  float64           `json:"confidence"`
	ItemCreated bool              `json:"item_created"`
}

// Summary reports what ApplyObservation did.
type Summary struct {
	ObservationID string   `json:"observation_id"`
	Applied       []Change `json:"applied"`
	Rejected      []string `json:"rejected,omitempty"` // below threshold or blank
}

// FinalizeFunc runs inside the observation's transaction after all item
// updates; returning an error rolls the whole observation back.
type FinalizeFunc func(ctx context.Context, tx *storage.Tx) error

// Reconciler owns per-item inventory state.
type Reconciler struct {
	ledger  Ledger
	clock   Clock
	metrics *metrics.InventoryMetrics
	logger  *slog.Logger
}

// NewReconciler creates a Reconciler on the wall clock. m may be nil.
func NewReconciler(ledger Ledger, m *metrics.InventoryMetrics) *Reconciler {
	return NewReconcilerWithClock(ledger, realClock{}, m)
}

// NewReconcilerWithClock creates a Reconciler with a custom clock (for testing).
func NewReconcilerWithClock(ledger Ledger, clock Clock, m *metrics.InventoryMetrics) *Reconciler {
	return &Reconciler{
		ledger:  ledger,
		clock:   clock,
		metrics: m,
		logger:  slog.Default().With("component", "inventory"),
	}
}

// ApplyObservation persists obs and merges every sighting at or above the
// acceptance threshold into inventory state. The observation row, all item
// updates and events, and finalize commit in a single transaction.
func (r *Reconciler) ApplyObservation(ctx context.Context, obs Observation, finalize FinalizeFunc) (Summary, error) {
	if obs.ID == "" {
		obs.ID = uuid.New().String()
	}
	if obs.RawJSON == "" {
		b, err := json.Marshal(obs.Result)
		if err != nil {
			return Summary{}, fmt.Errorf("encoding observation: %w", err)
		}
		obs.RawJSON = string(b)
	}

	var sum Summary
	err := r.update(ctx, "applying observation", func(tx *storage.Tx) error {
		sum = Summary{ObservationID: obs.ID}
		now := r.clock.Now()

		if err := tx.InsertObservation(ctx, storage.Observation{
			ID:              obs.ID,
			CaptureID:       obs.CaptureID,
			RawJSON:         obs.RawJSON,
			SceneConfidence: obs.Result.SceneConfidence,
			CreatedAt:       now,
		}); err != nil {
			return err
		}

		for _, cand := range obs.Result.Items {
			cand.Name = canonicalName(cand.Name)
			if cand.Name == "" || cand.Confidence < AcceptanceThreshold {
				sum.Rejected = append(sum.Rejected, cand.Name)
				continue
			}
			ch, err := r.applySighting(ctx, tx, obs, cand, now)
			if err != nil {
				return err
			}
			sum.Applied = append(sum.Applied, ch)
		}

		if finalize != nil {
			if err := finalize(ctx, tx); err != nil {
				return &finalizeError{err: err}
			}
		}
		return nil
	})
	if err != nil {
		return Summary{}, err
	}

	for range sum.Applied {
		r.metrics.IncEvent(string(storage.EventSeen))
	}
	r.metrics.AddRejected(len(sum.Rejected))
	r.logger.Info("observation applied", "observation_id", sum.ObservationID, "capture_id", obs.CaptureID,
		"applied", len(sum.Applied), "rejected", len(sum.Rejected))
	return sum, nil
}

type seenDetails struct {
	SceneConfidence float64 `json:"scene_confidence"`
	Brand           string  `json:"brand,omitempty"`
	PackageKind     string  `json:"package_kind,omitempty"`
}

func (r *Reconciler) applySighting(ctx context.Context, tx *storage.Tx, obs Observation, cand vision.Item, now time.Time) (Change, error) {
	item, st, created, err := resolve(ctx, tx, cand.Name, cand.Brand, cand.PackageKind, now)
	if err != nil {
		return Change{}, err
	}

	var delta int
	if cand.QuantityEstimate != nil {
		delta = *cand.QuantityEstimate - st.CountEstimate
		st.CountEstimate = *cand.QuantityEstimate
	} else {
		delta = 1
		st.CountEstimate++
	}
	st.Confidence = cand.Confidence
	st.LastSeenAt = &now
	st.IsManual = false
	st.UpdatedAt = now
	if err := tx.UpdateState(ctx, st); err != nil {
		return Change{}, err
	}

	details, err := json.Marshal(seenDetails{
		SceneConfidence: obs.Result.SceneConfidence,
		Brand:           cand.Brand,
		PackageKind:     cand.PackageKind,
	})
	if err != nil {
		return Change{}, err
	}
	if _, err := tx.AppendEvent(ctx, storage.Event{
		ID:        uuid.New().String(),
		ItemID:    item.ID,
		CaptureID: obs.CaptureID,
		Type:      storage.EventSeen,
		Delta:     delta,
		Details:   string(details),
		CreatedAt: now,
	}); err != nil {
		return Change{}, err
	}

	return Change{
		ItemID:      item.ID,
		Name:        item.CanonicalName,
		Event:       storage.EventSeen,
		Delta:       delta,
		Count:       st.CountEstimate,
		Confidence:  st.Confidence,
		ItemCreated: created,
	}, nil
}

// ManualOverride sets an item's count outright, creating the item if needed.
func (r *Reconciler) ManualOverride(ctx context.Context, name string, newCount int, notes string) (Change, error) {
	name = canonicalName(name)
	if name == "" {
		return Change{}, &ValidationError{Field: "item_name", Message: "must not be blank"}
	}
	if newCount < 0 {
		return Change{}, &ValidationError{Field: "count", Message: fmt.Sprintf("must be >= 0, got %d", newCount)}
	}

	var ch Change
	err := r.update(ctx, "applying manual override", func(tx *storage.Tx) error {
		now := r.clock.Now()
		item, st, created, err := resolve(ctx, tx, name, "", "", now)
		if err != nil {
			return err
		}

		delta := newCount - st.CountEstimate
		st.CountEstimate = newCount
		st.Confidence = 1.0
		st.IsManual = true
		st.Notes = notes
		st.LastSeenAt = &now
		st.UpdatedAt = now
		if err := tx.UpdateState(ctx, st); err != nil {
			return err
		}

		details, err := json.Marshal(map[string]string{"notes": notes})
		if err != nil {
			return err
		}
		if _, err := tx.AppendEvent(ctx, storage.Event{
			ID:        uuid.New().String(),
			ItemID:    item.ID,
			Type:      storage.EventManualOverride,
			Delta:     delta,
			Details:   string(details),
			CreatedAt: now,
		}); err != nil {
			return err
		}

		ch = Change{
			ItemID:      item.ID,
			Name:        item.CanonicalName,
			Event:       storage.EventManualOverride,
			Delta:       delta,
			Count:       newCount,
			Confidence:  1.0,
			ItemCreated: created,
		}
		return nil
	})
	if err != nil {
		return Change{}, err
	}

	r.metrics.IncEvent(string(storage.EventManualOverride))
	r.logger.Info("manual override applied", "item", name, "count", ch.Count, "delta", ch.Delta)
	return ch, nil
}

// Adjust applies a relative correction to an existing item. Confidence and
// the manual flag are left as they are.
func (r *Reconciler) Adjust(ctx context.Context, name string, delta int, notes string) (Change, error) {
	name = canonicalName(name)
	if name == "" {
		return Change{}, &ValidationError{Field: "item_name", Message: "must not be blank"}
	}
	if delta == 0 {
		return Change{}, &ValidationError{Field: "delta", Message: "must not be zero"}
	}

	var ch Change
	err := r.update(ctx, "applying adjustment", func(tx *storage.Tx) error {
		now := r.clock.Now()
		item, err := tx.ItemByName(ctx, name)
		if errors.Is(err, storage.ErrNotFound) {
			return &NotFoundError{Name: name}
		}
		if err != nil {
			return err
		}
		st, err := tx.StateForItem(ctx, item.ID)
		if err != nil {
			return err
		}
		if st.CountEstimate+delta < 0 {
			return &ValidationError{Field: "delta", Message: fmt.Sprintf("would make count negative (%d%+d)", st.CountEstimate, delta)}
		}

		st.CountEstimate += delta
		if notes != "" {
			st.Notes = notes
		}
		st.UpdatedAt = now
		if err := tx.UpdateState(ctx, st); err != nil {
			return err
		}

		details, err := json.Marshal(map[string]string{"notes": notes})
		if err != nil {
			return err
		}
		if _, err := tx.AppendEvent(ctx, storage.Event{
			ID:        uuid.New().String(),
			ItemID:    item.ID,
			Type:      storage.EventAdjusted,
			Delta:     delta,
			Details:   string(details),
			CreatedAt: now,
		}); err != nil {
			return err
		}

		ch = Change{
			ItemID:     item.ID,
			Name:       item.CanonicalName,
			Event:      storage.EventAdjusted,
			Delta:      delta,
			Count:      st.CountEstimate,
			Confidence: st.Confidence,
		}
		return nil
	})
	if err != nil {
		return Change{}, err
	}

	r.metrics.IncEvent(string(storage.EventAdjusted))
	r.logger.Info("inventory adjusted", "item", name, "count", ch.Count, "delta", delta)
	return ch, nil
}

// MarkStale zeroes the confidence of every item not seen within staleAfter
// of now. Counts and the event log are untouched. It returns the number of
// items marked.
func (r *Reconciler) MarkStale(ctx context.Context, now time.Time, staleAfter time.Duration) (int, error) {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	n, err := r.ledger.MarkStale(ctx, now.Add(-staleAfter), now)
	if err != nil {
		return 0, &StorageError{Op: "marking stale items", Err: err}
	}
	r.metrics.AddStale(n)
	if n > 0 {
		r.logger.Info("items marked stale", "count", n, "stale_after", staleAfter)
	}
	return n, nil
}

// canonicalName is the lookup key for every entry point: surrounding
// whitespace is dropped, case is kept.
func canonicalName(name string) string {
	return strings.TrimSpace(name)
}

// resolve finds or creates the item and its state row.
func resolve(ctx context.Context, tx *storage.Tx, name, brand, packageKind string, now time.Time) (storage.Item, storage.State, bool, error) {
	name = canonicalName(name)
	if name == "" {
		return storage.Item{}, storage.State{}, false, &ValidationError{Field: "item_name", Message: "must not be blank"}
	}
	created := false
	item, err := tx.ItemByName(ctx, name)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		item = storage.Item{
			ID:            uuid.New().String(),
			CanonicalName: name,
			Brand:         brand,
			PackageKind:   packageKind,
			CreatedAt:     now,
		}
		if err := tx.CreateItem(ctx, item); err != nil {
			return storage.Item{}, storage.State{}, false, err
		}
		created = true
	case err != nil:
		return storage.Item{}, storage.State{}, false, err
	case (brand != "" && item.Brand == "") || (packageKind != "" && item.PackageKind == ""):
		if err := tx.FillItemMetadata(ctx, item.ID, brand, packageKind); err != nil {
			return storage.Item{}, storage.State{}, false, err
		}
	}

	st, err := tx.StateForItem(ctx, item.ID)
	if errors.Is(err, storage.ErrNotFound) {
		st = storage.State{ItemID: item.ID, UpdatedAt: now}
		if err := tx.InsertState(ctx, st); err != nil {
			return storage.Item{}, storage.State{}, false, err
		}
		st.Version = 1
		err = nil
	}
	if err != nil {
		return storage.Item{}, storage.State{}, false, err
	}
	return item, st, created, nil
}

// update runs fn in a ledger transaction, retrying the whole transaction when
// a concurrent writer bumped an item's version first.
func (r *Reconciler) update(ctx context.Context, op string, fn func(tx *storage.Tx) error) error {
	var err error
	for attempt := 0; attempt <= maxConflictRetries; attempt++ {
		err = r.ledger.Update(ctx, fn)
		if err == nil {
			return nil
		}

		var fe *finalizeError
		var ve *ValidationError
		var nf *NotFoundError
		switch {
		case errors.As(err, &fe):
			return fe.err
		case errors.As(err, &ve), errors.As(err, &nf):
			return err
		case errors.Is(err, storage.ErrConflict):
			r.metrics.IncConflictRetry()
			r.logger.Debug("ledger conflict, retrying", "op", op, "attempt", attempt+1)
			continue
		default:
			return &StorageError{Op: op, Err: err}
		}
	}
	return &StorageError{Op: op, Err: fmt.Errorf("giving up after %d conflict retries: %w", maxConflictRetries, err)}
}
