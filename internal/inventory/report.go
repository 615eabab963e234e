package inventory

import (
	"context"
	"time"

	"github.com/kalambet/pantry/internal/storage"
)

// exportHistoryLimit caps the events attached to each exported item.
const exportHistoryLimit = 10

// StaleItem is an item that has gone unseen past a threshold.
type StaleItem struct {
	storage.ItemRecord
	// DaysSinceSeen is nil for items that were never seen.
	DaysSinceSeen *int
}

// StaleItems lists items not seen within threshold of now, longest unseen
// first. Unlike MarkStale it changes nothing.
func (r *Reconciler) StaleItems(ctx context.Context, now time.Time, threshold time.Duration) ([]StaleItem, error) {
	if threshold <= 0 {
		return nil, &ValidationError{Field: "days_threshold", Message: "must be positive"}
	}
	recs, err := r.ledger.StaleItems(ctx, now.Add(-threshold))
	if err != nil {
		return nil, &StorageError{Op: "listing stale items", Err: err}
	}

	items := make([]StaleItem, len(recs))
	for i, rec := range recs {
		items[i] = StaleItem{ItemRecord: rec}
		if rec.State.LastSeenAt != nil {
			days := int(now.Sub(*rec.State.LastSeenAt) / (24 * time.Hour))
			items[i].DaysSinceSeen = &days
		}
	}
	return items, nil
}

// ExportItem is one item of an inventory export. RecentEvents is only
// filled when history was requested.
type ExportItem struct {
	storage.ItemRecord
	RecentEvents []storage.Event
}

// Export is a consistent snapshot of every item, stale ones included.
type Export struct {
	ExportedAt time.Time
	Items      []ExportItem
}

// Export snapshots the inventory in one read transaction. With
// includeHistory each item carries its newest events.
func (r *Reconciler) Export(ctx context.Context, includeHistory bool) (Export, error) {
	var exp Export
	err := r.ledger.View(ctx, func(tx *storage.Tx) error {
		recs, err := tx.Inventory(ctx)
		if err != nil {
			return err
		}
		exp = Export{ExportedAt: r.clock.Now(), Items: make([]ExportItem, len(recs))}
		for i, rec := range recs {
			exp.Items[i] = ExportItem{ItemRecord: rec}
			if !includeHistory {
				continue
			}
			if exp.Items[i].RecentEvents, err = tx.LatestEvents(ctx, rec.Item.ID, exportHistoryLimit); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Export{}, &StorageError{Op: "exporting inventory", Err: err}
	}
	r.logger.Info("inventory exported", "items", len(exp.Items), "history", includeHistory)
	return exp, nil
}
