package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}

	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("applied migrations = %v, want 2", versions)
	}
	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{"idx_captures_status", "idx_captures_created", "idx_item_states_last_seen",
		"idx_inventory_events_item", "idx_inventory_events_created", "idx_jobs_status_run_after"}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

func TestTimeFormatSortsLexically(t *testing.T) {
	a := time.Date(2025, 1, 1, 9, 0, 0, 5, time.UTC)
	b := a.Add(time.Nanosecond)
	if !(formatTime(a) < formatTime(b)) {
		t.Errorf("formatTime(%v)=%q should sort before %q", a, formatTime(a), formatTime(b))
	}
	// Non-UTC inputs are normalised.
	loc := time.FixedZone("X", 3*3600)
	got, err := parseTime(formatTime(a.In(loc)))
	if err != nil {
		t.Fatalf("parseTime: %v", err)
	}
	if !got.Equal(a) {
		t.Errorf("round trip = %v, want %v", got, a)
	}
}

// --- Captures ---

func createTestCapture(t *testing.T, s *Store, id string) {
	t.Helper()
	err := s.CreateCapture(context.Background(), Capture{
		ID:          id,
		DeviceID:    "dev-1",
		TriggerType: "door",
		ImageRef:    id + ".jpg",
	})
	if err != nil {
		t.Fatalf("CreateCapture(%s): %v", id, err)
	}
}

func TestCreateAndGetCapture(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	capturedAt := time.Date(2025, 3, 1, 8, 30, 0, 0, time.UTC)
	if err := s.CreateCapture(ctx, Capture{
		ID:          "cap-1",
		DeviceID:    "pi-kitchen",
		TriggerType: "light",
		CapturedAt:  capturedAt,
		ImageRef:    "2025/03/01/cap-1.jpg",
	}); err != nil {
		t.Fatalf("CreateCapture: %v", err)
	}

	got, err := s.GetCapture(ctx, "cap-1")
	if err != nil {
		t.Fatalf("GetCapture: %v", err)
	}
	if got.Status != CaptureStored {
		t.Errorf("Status = %q, want %q", got.Status, CaptureStored)
	}
	if got.DeviceID != "pi-kitchen" || got.TriggerType != "light" || got.ImageRef != "2025/03/01/cap-1.jpg" {
		t.Errorf("unexpected capture fields: %+v", got)
	}
	if !got.CapturedAt.Equal(capturedAt) {
		t.Errorf("CapturedAt = %v, want %v", got.CapturedAt, capturedAt)
	}
	if got.ErrorMessage != "" {
		t.Errorf("ErrorMessage = %q, want empty", got.ErrorMessage)
	}
}

func TestGetCaptureNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetCapture(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestTransitionCapture(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	createTestCapture(t, s, "cap-t")

	if err := s.TransitionCapture(ctx, "cap-t", CaptureStored, CaptureAnalyzing, ""); err != nil {
		t.Fatalf("stored->analyzing: %v", err)
	}

	err := s.TransitionCapture(ctx, "cap-t", CaptureStored, CaptureAnalyzing, "")
	var te *TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("second claim error = %v, want *TransitionError", err)
	}
	if te.Current != CaptureAnalyzing {
		t.Errorf("Current = %q, want %q", te.Current, CaptureAnalyzing)
	}
	if !errors.Is(err, ErrStatusMismatch) {
		t.Error("TransitionError should unwrap to ErrStatusMismatch")
	}

	if err := s.TransitionCapture(ctx, "cap-t", CaptureAnalyzing, CaptureFailed, "vision: timeout"); err != nil {
		t.Fatalf("analyzing->failed: %v", err)
	}
	got, _ := s.GetCapture(ctx, "cap-t")
	if got.ErrorMessage != "vision: timeout" {
		t.Errorf("ErrorMessage = %q, want %q", got.ErrorMessage, "vision: timeout")
	}

	// Reclaiming a failed capture clears the error text.
	if err := s.TransitionCapture(ctx, "cap-t", CaptureFailed, CaptureAnalyzing, ""); err != nil {
		t.Fatalf("failed->analyzing: %v", err)
	}
	got, _ = s.GetCapture(ctx, "cap-t")
	if got.ErrorMessage != "" {
		t.Errorf("ErrorMessage = %q after reclaim, want empty", got.ErrorMessage)
	}

	if err := s.TransitionCapture(ctx, "nope", CaptureStored, CaptureAnalyzing, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown capture error = %v, want ErrNotFound", err)
	}
}

func TestTransitionCapture_ConcurrentClaims(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	createTestCapture(t, s, "cap-race")

	const n = 8
	errs := make(chan error, n)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		go func() {
			<-start
			errs <- s.TransitionCapture(ctx, "cap-race", CaptureStored, CaptureAnalyzing, "")
		}()
	}
	close(start)

	wins := 0
	for i := 0; i < n; i++ {
		err := <-errs
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrStatusMismatch):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("successful claims = %d, want 1", wins)
	}
}

func TestListCapturesAndPending(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"c1", "c2", "c3"} {
		s.now = func() time.Time { return base.Add(time.Duration(i) * time.Minute) }
		createTestCapture(t, s, id)
	}
	if err := s.TransitionCapture(ctx, "c2", CaptureStored, CaptureAnalyzing, ""); err != nil {
		t.Fatalf("TransitionCapture: %v", err)
	}

	all, err := s.ListCaptures(ctx, "", 10, 0)
	if err != nil {
		t.Fatalf("ListCaptures: %v", err)
	}
	if len(all) != 3 || all[0].ID != "c3" {
		t.Errorf("ListCaptures = %d items, first %q; want 3, first c3", len(all), firstCaptureID(all))
	}

	stored, err := s.ListCaptures(ctx, CaptureStored, 10, 0)
	if err != nil {
		t.Fatalf("ListCaptures(stored): %v", err)
	}
	if len(stored) != 2 {
		t.Errorf("stored captures = %d, want 2", len(stored))
	}

	ids, err := s.PendingCaptureIDs(ctx, 1)
	if err != nil {
		t.Fatalf("PendingCaptureIDs: %v", err)
	}
	if len(ids) != 1 || ids[0] != "c1" {
		t.Errorf("PendingCaptureIDs(1) = %v, want [c1]", ids)
	}

	counts, err := s.CaptureCounts(ctx)
	if err != nil {
		t.Fatalf("CaptureCounts: %v", err)
	}
	if counts[CaptureStored] != 2 || counts[CaptureAnalyzing] != 1 || counts[CaptureComplete] != 0 {
		t.Errorf("CaptureCounts = %v", counts)
	}
}

func firstCaptureID(cs []Capture) string {
	if len(cs) == 0 {
		return ""
	}
	return cs[0].ID
}

func TestRecoverStuckCaptures(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }
	createTestCapture(t, s, "old")
	createTestCapture(t, s, "fresh")
	if err := s.TransitionCapture(ctx, "old", CaptureStored, CaptureAnalyzing, ""); err != nil {
		t.Fatal(err)
	}
	s.now = func() time.Time { return base.Add(10 * time.Minute) }
	if err := s.TransitionCapture(ctx, "fresh", CaptureStored, CaptureAnalyzing, ""); err != nil {
		t.Fatal(err)
	}

	ids, err := s.RecoverStuckCaptures(ctx, base.Add(5*time.Minute), "analysis abandoned")
	if err != nil {
		t.Fatalf("RecoverStuckCaptures: %v", err)
	}
	if len(ids) != 1 || ids[0] != "old" {
		t.Errorf("recovered = %v, want [old]", ids)
	}

	old, _ := s.GetCapture(ctx, "old")
	if old.Status != CaptureFailed || old.ErrorMessage != "analysis abandoned" {
		t.Errorf("old capture = %s/%q, want failed/analysis abandoned", old.Status, old.ErrorMessage)
	}
	fresh, _ := s.GetCapture(ctx, "fresh")
	if fresh.Status != CaptureAnalyzing {
		t.Errorf("fresh capture status = %s, want analyzing", fresh.Status)
	}
}

// --- Ledger ---

func seedItem(t *testing.T, s *Store, id, name string, count int, conf float64, lastSeen *time.Time) {
	t.Helper()
	err := s.Update(context.Background(), func(tx *Tx) error {
		if err := tx.CreateItem(context.Background(), Item{ID: id, CanonicalName: name}); err != nil {
			return err
		}
		if err := tx.InsertState(context.Background(), State{ItemID: id, CountEstimate: count, Confidence: conf, LastSeenAt: lastSeen}); err != nil {
			return err
		}
		if count != 0 {
			_, err := tx.AppendEvent(context.Background(), Event{ID: "ev-" + id, ItemID: id, Type: EventSeen, Delta: count})
			return err
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seeding item %s: %v", name, err)
	}
}

func TestUpdateRollsBackOnError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	createTestCapture(t, s, "cap-rb")

	boom := errors.New("boom")
	err := s.Update(ctx, func(tx *Tx) error {
		if err := tx.InsertObservation(ctx, Observation{ID: "obs-1", CaptureID: "cap-rb", RawJSON: "{}", SceneConfidence: 0.9}); err != nil {
			return err
		}
		if err := tx.CreateItem(ctx, Item{ID: "it-1", CanonicalName: "rice"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Update error = %v, want boom", err)
	}

	if _, err := s.GetObservationByCapture(ctx, "cap-rb"); !errors.Is(err, ErrNotFound) {
		t.Errorf("observation survived rollback: err = %v", err)
	}
	err = s.View(ctx, func(tx *Tx) error {
		_, err := tx.ItemByName(ctx, "rice")
		return err
	})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("item survived rollback: err = %v", err)
	}
}

func TestUpdateStateVersionConflict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedItem(t, s, "it-v", "beans", 2, 0.8, nil)

	var st State
	err := s.View(ctx, func(tx *Tx) error {
		var err error
		st, err = tx.StateForItem(ctx, "it-v")
		return err
	})
	if err != nil {
		t.Fatalf("StateForItem: %v", err)
	}
	if st.Version != 1 {
		t.Fatalf("Version = %d, want 1", st.Version)
	}

	st.CountEstimate = 3
	if err := s.Update(ctx, func(tx *Tx) error { return tx.UpdateState(ctx, st) }); err != nil {
		t.Fatalf("first UpdateState: %v", err)
	}
	// st still carries version 1, which is now outdated.
	err = s.Update(ctx, func(tx *Tx) error { return tx.UpdateState(ctx, st) })
	if !errors.Is(err, ErrConflict) {
		t.Errorf("stale UpdateState error = %v, want ErrConflict", err)
	}
}

func TestEventsAreAppendOnly(t *testing.T) {
	s := openTestStore(t)
	seedItem(t, s, "it-a", "salt", 1, 0.9, nil)

	if _, err := s.db.Exec(`UPDATE inventory_events SET delta = 5`); err == nil {
		t.Error("expected UPDATE on inventory_events to be rejected")
	}
	if _, err := s.db.Exec(`DELETE FROM inventory_events`); err == nil {
		t.Error("expected DELETE on inventory_events to be rejected")
	}
}

func TestFillItemMetadataKeepsExisting(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.Update(ctx, func(tx *Tx) error {
		if err := tx.CreateItem(ctx, Item{ID: "it-m", CanonicalName: "oats", Brand: "Quaker"}); err != nil {
			return err
		}
		return tx.FillItemMetadata(ctx, "it-m", "Other", "box")
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	var it Item
	s.View(ctx, func(tx *Tx) error {
		it, err = tx.ItemByName(ctx, "oats")
		return err
	})
	if it.Brand != "Quaker" {
		t.Errorf("Brand = %q, want Quaker", it.Brand)
	}
	if it.PackageKind != "box" {
		t.Errorf("PackageKind = %q, want box", it.PackageKind)
	}
}

func TestMarkStale(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
	old := now.Add(-8 * 24 * time.Hour)
	recent := now.Add(-1 * 24 * time.Hour)
	seedItem(t, s, "it-old", "flour", 4, 0.9, &old)
	seedItem(t, s, "it-new", "sugar", 2, 0.8, &recent)
	seedItem(t, s, "it-never", "honey", 0, 0.5, nil)

	n, err := s.MarkStale(ctx, now.Add(-7*24*time.Hour), now)
	if err != nil {
		t.Fatalf("MarkStale: %v", err)
	}
	if n != 2 {
		t.Errorf("MarkStale changed %d rows, want 2", n)
	}

	// A second sweep finds nothing left to zero.
	n, err = s.MarkStale(ctx, now.Add(-7*24*time.Hour), now)
	if err != nil {
		t.Fatalf("MarkStale: %v", err)
	}
	if n != 0 {
		t.Errorf("second MarkStale changed %d rows, want 0", n)
	}

	visible, err := s.ListInventory(ctx, InventoryFilter{})
	if err != nil {
		t.Fatalf("ListInventory: %v", err)
	}
	if len(visible) != 1 || visible[0].Item.CanonicalName != "sugar" {
		t.Errorf("visible inventory = %+v, want only sugar", visible)
	}

	all, err := s.ListInventory(ctx, InventoryFilter{IncludeStale: true})
	if err != nil {
		t.Fatalf("ListInventory(include stale): %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("inventory with stale = %d, want 3", len(all))
	}
	for _, rec := range all {
		if rec.Item.CanonicalName == "flour" && rec.State.CountEstimate != 4 {
			t.Errorf("flour count = %d, want 4", rec.State.CountEstimate)
		}
	}
}

func TestListInventoryMaxCount(t *testing.T) {
	s := openTestStore(t)
	seedItem(t, s, "it-1", "pasta", 1, 0.9, nil)
	seedItem(t, s, "it-2", "rice", 6, 0.9, nil)

	max := 2
	got, err := s.ListInventory(context.Background(), InventoryFilter{MaxCount: &max})
	if err != nil {
		t.Fatalf("ListInventory: %v", err)
	}
	if len(got) != 1 || got[0].Item.CanonicalName != "pasta" {
		t.Errorf("low stock = %+v, want only pasta", got)
	}
}

func TestStaleItems(t *testing.T) {
	s := openTestStore(t)
	now := time.Date(2025, 3, 20, 0, 0, 0, 0, time.UTC)
	old := now.Add(-30 * 24 * time.Hour)
	older := now.Add(-60 * 24 * time.Hour)
	recent := now.Add(-time.Hour)
	seedItem(t, s, "it-1", "flour", 2, 0.9, &old)
	seedItem(t, s, "it-2", "yeast", 1, 0, &older)
	seedItem(t, s, "it-3", "milk", 1, 0.9, &recent)

	got, err := s.StaleItems(context.Background(), now.Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("StaleItems: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("stale = %+v, want 2", got)
	}
	if got[0].Item.CanonicalName != "yeast" || got[1].Item.CanonicalName != "flour" {
		t.Errorf("order = %s, %s; want longest unseen first", got[0].Item.CanonicalName, got[1].Item.CanonicalName)
	}
	if got[1].State.CountEstimate != 2 || !got[1].State.LastSeenAt.Equal(old) {
		t.Errorf("flour state = %+v", got[1].State)
	}
}

func TestInventoryAndLatestEventsInTx(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedItem(t, s, "it-b", "beans", 2, 0.9, nil)
	seedItem(t, s, "it-a", "apples", 0, 0, nil)
	err := s.Update(ctx, func(tx *Tx) error {
		for _, id := range []string{"ev-b2", "ev-b3"} {
			if _, err := tx.AppendEvent(ctx, Event{ID: id, ItemID: "it-b", Type: EventAdjusted, Delta: 1}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}

	err = s.View(ctx, func(tx *Tx) error {
		recs, err := tx.Inventory(ctx)
		if err != nil {
			return err
		}
		if len(recs) != 2 || recs[0].Item.CanonicalName != "apples" {
			t.Errorf("inventory = %+v, want apples first including stale", recs)
		}
		events, err := tx.LatestEvents(ctx, "it-b", 2)
		if err != nil {
			return err
		}
		if len(events) != 2 || events[0].ID != "ev-b3" || events[1].ID != "ev-b2" {
			t.Errorf("latest = %+v, want ev-b3, ev-b2", events)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View: %v", err)
	}
}

func TestAuditLedger(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedItem(t, s, "it-ok", "tea", 3, 0.9, nil)
	seedItem(t, s, "it-bad", "coffee", 2, 0.9, nil)

	if _, err := s.db.Exec(`UPDATE item_states SET count_estimate = 7 WHERE item_id = 'it-bad'`); err != nil {
		t.Fatalf("corrupting state: %v", err)
	}

	mismatches, err := s.AuditLedger(ctx)
	if err != nil {
		t.Fatalf("AuditLedger: %v", err)
	}
	if len(mismatches) != 1 {
		t.Fatalf("mismatches = %+v, want 1", mismatches)
	}
	m := mismatches[0]
	if m.CanonicalName != "coffee" || m.CountEstimate != 7 || m.DeltaSum != 2 {
		t.Errorf("mismatch = %+v", m)
	}
}

func TestRecentEventsAndEventsSince(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }
	seedItem(t, s, "it-e", "milk", 2, 0.9, nil)

	s.now = func() time.Time { return base.Add(48 * time.Hour) }
	err := s.Update(ctx, func(tx *Tx) error {
		_, err := tx.AppendEvent(ctx, Event{ID: "ev-2", ItemID: "it-e", Type: EventAdjusted, Delta: -1})
		return err
	})
	if err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}

	recent, err := s.RecentEvents(ctx, EventFilter{Since: base.Add(24 * time.Hour), Limit: 10})
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(recent) != 1 || recent[0].ID != "ev-2" || recent[0].ItemName != "milk" {
		t.Errorf("RecentEvents = %+v, want only ev-2 for milk", recent)
	}

	seen, err := s.RecentEvents(ctx, EventFilter{Type: EventSeen})
	if err != nil {
		t.Fatalf("RecentEvents by type: %v", err)
	}
	if len(seen) != 1 || seen[0].ID != "ev-it-e" {
		t.Errorf("seen events = %+v, want only ev-it-e", seen)
	}
	if all, _ := s.RecentEvents(ctx, EventFilter{}); len(all) != 2 {
		t.Errorf("unfiltered events = %d, want 2", len(all))
	}

	var events []Event
	err = s.View(ctx, func(tx *Tx) error {
		var err error
		events, err = tx.EventsSince(ctx, "it-e", time.Time{})
		return err
	})
	if err != nil {
		t.Fatalf("EventsSince: %v", err)
	}
	if len(events) != 2 || events[0].ID != "ev-2" || events[1].ID != "ev-it-e" {
		t.Errorf("EventsSince order = %+v, want newest first", events)
	}
	if events[0].Seq <= events[1].Seq {
		t.Errorf("seq not increasing: %d then %d", events[1].Seq, events[0].Seq)
	}
}

func TestObservationUniquePerCapture(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	createTestCapture(t, s, "cap-o")

	insert := func(id string) error {
		return s.Update(ctx, func(tx *Tx) error {
			return tx.InsertObservation(ctx, Observation{ID: id, CaptureID: "cap-o", RawJSON: `{"items":[]}`, SceneConfidence: 0.5})
		})
	}
	if err := insert("obs-a"); err != nil {
		t.Fatalf("first InsertObservation: %v", err)
	}
	if err := insert("obs-b"); err == nil {
		t.Error("expected second observation for the same capture to be rejected")
	}

	got, err := s.GetObservationByCapture(ctx, "cap-o")
	if err != nil {
		t.Fatalf("GetObservationByCapture: %v", err)
	}
	if got.ID != "obs-a" || got.SceneConfidence != 0.5 {
		t.Errorf("observation = %+v", got)
	}
}
