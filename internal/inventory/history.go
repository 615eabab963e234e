package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/pantry/internal/storage"
)

// TimelineEntry is one ledger event with the item's count right after it.
type TimelineEntry struct {
	storage.Event
	CountAfter int
}

// History is an item's recent ledger, newest first. CountAtSince is the count
// just before the oldest entry.
type History struct {
	Item         storage.Item
	State        storage.State
	Since        time.Time
	CountAtSince int
	Entries      []TimelineEntry
}

// History replays an item's events created at or after since. Running counts
// are reconstructed by walking newest-first from the current count and
// subtracting each delta.
func (r *Reconciler) History(ctx context.Context, name string, since time.Time) (History, error) {
	var h History
	err := r.ledger.View(ctx, func(tx *storage.Tx) error {
		item, st, err := lookup(ctx, tx, name)
		if err != nil {
			return err
		}
		events, err := tx.EventsSince(ctx, item.ID, since)
		if err != nil {
			return err
		}

		h = History{Item: item, State: st, Since: since, Entries: make([]TimelineEntry, 0, len(events))}
		running := st.CountEstimate
		for _, ev := range events {
			h.Entries = append(h.Entries, TimelineEntry{Event: ev, CountAfter: running})
			running -= ev.Delta
		}
		h.CountAtSince = running
		return nil
	})
	if err != nil {
		return History{}, wrapRead("reading item history", err)
	}
	return h, nil
}

// CountAt returns the item's count as of at, derived from the event log.
// Items that did not exist yet report zero.
func (r *Reconciler) CountAt(ctx context.Context, name string, at time.Time) (int, error) {
	var count int
	err := r.ledger.View(ctx, func(tx *storage.Tx) error {
		item, st, err := lookup(ctx, tx, name)
		if err != nil {
			return err
		}
		events, err := tx.EventsSince(ctx, item.ID, at.Add(time.Nanosecond))
		if err != nil {
			return err
		}
		count = st.CountEstimate
		for _, ev := range events {
			count -= ev.Delta
		}
		return nil
	})
	if err != nil {
		return 0, wrapRead("reading item count", err)
	}
	return count, nil
}

// Verify returns every item whose count disagrees with its event log.
func (r *Reconciler) Verify(ctx context.Context) ([]storage.LedgerMismatch, error) {
	mismatches, err := r.ledger.AuditLedger(ctx)
	if err != nil {
		return nil, &StorageError{Op: "auditing ledger", Err: err}
	}
	for _, m := range mismatches {
		r.logger.Error("ledger mismatch", "item", m.CanonicalName, "count", m.CountEstimate, "delta_sum", m.DeltaSum)
	}
	return mismatches, nil
}

// Inventory lists current item states.
func (r *Reconciler) Inventory(ctx context.Context, f storage.InventoryFilter) ([]storage.ItemRecord, error) {
	recs, err := r.ledger.ListInventory(ctx, f)
	if err != nil {
		return nil, &StorageError{Op: "listing inventory", Err: err}
	}
	return recs, nil
}

// RecentChanges lists ledger events across all items matching f.
func (r *Reconciler) RecentChanges(ctx context.Context, f storage.EventFilter) ([]storage.EventRecord, error) {
	if f.Type != "" && !f.Type.Valid() {
		return nil, &ValidationError{Field: "event_type", Message: fmt.Sprintf("unknown event type %q", f.Type)}
	}
	events, err := r.ledger.RecentEvents(ctx, f)
	if err != nil {
		return nil, &StorageError{Op: "listing recent changes", Err: err}
	}
	return events, nil
}

func lookup(ctx context.Context, tx *storage.Tx, name string) (storage.Item, storage.State, error) {
	name = canonicalName(name)
	item, err := tx.ItemByName(ctx, name)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Item{}, storage.State{}, &NotFoundError{Name: name}
	}
	if err != nil {
		return storage.Item{}, storage.State{}, err
	}
	st, err := tx.StateForItem(ctx, item.ID)
	if err != nil {
		return storage.Item{}, storage.State{}, err
	}
	return item, st, nil
}

func wrapRead(op string, err error) error {
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
