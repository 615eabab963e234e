package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// --- Items and states (transactional) ---

func (tx *Tx) ItemByName(ctx context.Context, name string) (Item, error) {
	var it Item
	var createdAt string
	err := tx.tx.QueryRowContext(ctx,
		`SELECT id, canonical_name, brand, package_kind, created_at FROM items WHERE canonical_name = ?`, name).
		Scan(&it.ID, &it.CanonicalName, &it.Brand, &it.PackageKind, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, ErrNotFound
	}
	if err != nil {
		return Item{}, fmt.Errorf("reading item %q: %w", name, err)
	}
	if it.CreatedAt, err = parseTime(createdAt); err != nil {
		return Item{}, fmt.Errorf("parsing created_at for item %s: %w", it.ID, err)
	}
	return it, nil
}

func (tx *Tx) CreateItem(ctx context.Context, it Item) error {
	if it.CreatedAt.IsZero() {
		it.CreatedAt = tx.now()
	}
	_, err := tx.tx.ExecContext(ctx,
		`INSERT INTO items (id, canonical_name, brand, package_kind, created_at) VALUES (?, ?, ?, ?, ?)`,
		it.ID, it.CanonicalName, it.Brand, it.PackageKind, formatTime(it.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting item %q: %w", it.CanonicalName, err)
	}
	return nil
}

// FillItemMetadata sets brand and package kind only where they are still empty.
func (tx *Tx) FillItemMetadata(ctx context.Context, itemID, brand, packageKind string) error {
	_, err := tx.tx.ExecContext(ctx, `
		UPDATE items SET
			brand = CASE WHEN brand = '' THEN ? ELSE brand END,
			package_kind = CASE WHEN package_kind = '' THEN ? ELSE package_kind END
		WHERE id = ?`,
		brand, packageKind, itemID)
	if err != nil {
		return fmt.Errorf("updating item %s metadata: %w", itemID, err)
	}
	return nil
}

func (tx *Tx) StateForItem(ctx context.Context, itemID string) (State, error) {
	row := tx.tx.QueryRowContext(ctx, `
		SELECT item_id, count_estimate, confidence, last_seen_at, is_manual, notes, version, updated_at
		FROM item_states WHERE item_id = ?`, itemID)
	st, err := scanState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return State{}, ErrNotFound
	}
	if err != nil {
		return State{}, fmt.Errorf("reading state for item %s: %w", itemID, err)
	}
	return st, nil
}

// InsertState creates the state row for an item at version 1.
func (tx *Tx) InsertState(ctx context.Context, st State) error {
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = tx.now()
	}
	_, err := tx.tx.ExecContext(ctx, `
		INSERT INTO item_states (item_id, count_estimate, confidence, last_seen_at, is_manual, notes, version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?)`,
		st.ItemID, st.CountEstimate, st.Confidence, formatNullTime(st.LastSeenAt),
		boolToInt(st.IsManual), st.Notes, formatTime(st.UpdatedAt))
	if err != nil {
		return fmt.Errorf("inserting state for item %s: %w", st.ItemID, err)
	}
	return nil
}

// UpdateState writes st only if the stored version still equals st.Version,
// and bumps the version. A lost race returns ErrConflict.
func (tx *Tx) UpdateState(ctx context.Context, st State) error {
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = tx.now()
	}
	res, err := tx.tx.ExecContext(ctx, `
		UPDATE item_states SET
			count_estimate = ?, confidence = ?, last_seen_at = ?, is_manual = ?, notes = ?,
			version = version + 1, updated_at = ?
		WHERE item_id = ? AND version = ?`,
		st.CountEstimate, st.Confidence, formatNullTime(st.LastSeenAt), boolToInt(st.IsManual),
		st.Notes, formatTime(st.UpdatedAt), st.ItemID, st.Version)
	if err != nil {
		return fmt.Errorf("updating state for item %s: %w", st.ItemID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking updated state rows: %w", err)
	}
	if n != 1 {
		return ErrConflict
	}
	return nil
}

// AppendEvent inserts a ledger event and returns its sequence number.
func (tx *Tx) AppendEvent(ctx context.Context, ev Event) (int64, error) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = tx.now()
	}
	if ev.Details == "" {
		ev.Details = "{}"
	}
	res, err := tx.tx.ExecContext(ctx, `
		INSERT INTO inventory_events (id, item_id, capture_id, event_type, delta, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.ItemID, nullString(ev.CaptureID), string(ev.Type), ev.Delta, ev.Details, formatTime(ev.CreatedAt))
	if err != nil {
		return 0, fmt.Errorf("appending %s event for item %s: %w", ev.Type, ev.ItemID, err)
	}
	return res.LastInsertId()
}

func (tx *Tx) InsertObservation(ctx context.Context, o Observation) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = tx.now()
	}
	_, err := tx.tx.ExecContext(ctx, `
		INSERT INTO observations (id, capture_id, raw_json, scene_confidence, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		o.ID, o.CaptureID, o.RawJSON, o.SceneConfidence, formatTime(o.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting observation for capture %s: %w", o.CaptureID, err)
	}
	return nil
}

// EventsSince returns an item's events created at or after since, newest first.
func (tx *Tx) EventsSince(ctx context.Context, itemID string, since time.Time) ([]Event, error) {
	rows, err := tx.tx.QueryContext(ctx, `
		SELECT seq, id, item_id, capture_id, event_type, delta, details, created_at
		FROM inventory_events
		WHERE item_id = ? AND created_at >= ?
		ORDER BY seq DESC`,
		itemID, formatTime(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// --- Non-transactional reads and sweeps ---

// InventoryFilter narrows ListInventory. Stale rows (confidence 0) are hidden
// unless IncludeStale is set; MaxCount, when non-nil, keeps only items whose
// count is at or below it.
type InventoryFilter struct {
	IncludeStale bool
	MaxCount     *int
}

// ListInventory returns items with their state ordered by canonical name.
func (s *Store) ListInventory(ctx context.Context, f InventoryFilter) ([]ItemRecord, error) {
	query := itemRecordSelect + ` WHERE 1 = 1`
	var args []any
	if !f.IncludeStale {
		query += ` AND st.confidence > 0`
	}
	if f.MaxCount != nil {
		query += ` AND st.count_estimate <= ?`
		args = append(args, *f.MaxCount)
	}
	query += ` ORDER BY i.canonical_name ASC`
	return queryItemRecords(ctx, s.db, query, args...)
}

// StaleItems returns items last seen before cutoff (or never seen), longest
// unseen first. Confidence is not considered.
func (s *Store) StaleItems(ctx context.Context, cutoff time.Time) ([]ItemRecord, error) {
	return queryItemRecords(ctx, s.db, itemRecordSelect+`
		WHERE st.last_seen_at IS NULL OR st.last_seen_at < ?
		ORDER BY st.last_seen_at ASC, i.canonical_name ASC`,
		formatTime(cutoff))
}

// Inventory returns every item with its state ordered by canonical name.
func (tx *Tx) Inventory(ctx context.Context) ([]ItemRecord, error) {
	return queryItemRecords(ctx, tx.tx, itemRecordSelect+` ORDER BY i.canonical_name ASC`)
}

// LatestEvents returns at most limit of an item's newest events, newest first.
func (tx *Tx) LatestEvents(ctx context.Context, itemID string, limit int) ([]Event, error) {
	rows, err := tx.tx.QueryContext(ctx, `
		SELECT seq, id, item_id, capture_id, event_type, delta, details, created_at
		FROM inventory_events
		WHERE item_id = ?
		ORDER BY seq DESC
		LIMIT ?`,
		itemID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

const itemRecordSelect = `
		SELECT i.id, i.canonical_name, i.brand, i.package_kind, i.created_at,
			st.item_id, st.count_estimate, st.confidence, st.last_seen_at, st.is_manual, st.notes, st.version, st.updated_at
		FROM items i JOIN item_states st ON st.item_id = i.id`

func queryItemRecords(ctx context.Context, q querier, query string, args ...any) ([]ItemRecord, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ItemRecord
	for rows.Next() {
		var rec ItemRecord
		var createdAt string
		var st stateColumns
		if err := rows.Scan(&rec.Item.ID, &rec.Item.CanonicalName, &rec.Item.Brand, &rec.Item.PackageKind, &createdAt,
			&st.itemID, &st.count, &st.confidence, &st.lastSeen, &st.manual, &st.notes, &st.version, &st.updatedAt); err != nil {
			return nil, err
		}
		if rec.Item.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for item %s: %w", rec.Item.ID, err)
		}
		if rec.State, err = st.state(); err != nil {
			return nil, err
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}

// EventFilter narrows RecentEvents. An empty Type matches every event type
// and a non-positive Limit returns every match.
type EventFilter struct {
	Since time.Time
	Type  EventType
	Limit int
}

// RecentEvents returns events across all items created at or after
// f.Since, newest first.
func (s *Store) RecentEvents(ctx context.Context, f EventFilter) ([]EventRecord, error) {
	query := `
		SELECT e.seq, e.id, e.item_id, e.capture_id, e.event_type, e.delta, e.details, e.created_at, i.canonical_name
		FROM inventory_events e JOIN items i ON i.id = e.item_id
		WHERE e.created_at >= ?`
	args := []any{formatTime(f.Since)}
	if f.Type != "" {
		query += ` AND e.event_type = ?`
		args = append(args, string(f.Type))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	query += ` ORDER BY e.seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []EventRecord
	for rows.Next() {
		var rec EventRecord
		var captureID sql.NullString
		var typ, createdAt string
		if err := rows.Scan(&rec.Seq, &rec.ID, &rec.ItemID, &captureID, &typ, &rec.Delta, &rec.Details,
			&createdAt, &rec.ItemName); err != nil {
			return nil, err
		}
		rec.CaptureID = captureID.String
		rec.Type = EventType(typ)
		if rec.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for event %s: %w", rec.ID, err)
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}

// MarkStale zeroes confidence on every state not seen since cutoff (or never
// seen) whose confidence is still above zero. Counts and the event log are
// left untouched. It returns the number of rows changed.
func (s *Store) MarkStale(ctx context.Context, cutoff, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE item_states SET confidence = 0, version = version + 1, updated_at = ?
		WHERE confidence > 0 AND (last_seen_at IS NULL OR last_seen_at < ?)`,
		formatTime(now), formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("marking stale items: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// AuditLedger returns every item whose count differs from the sum of its event deltas.
func (s *Store) AuditLedger(ctx context.Context) ([]LedgerMismatch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.id, i.canonical_name, st.count_estimate, COALESCE(SUM(e.delta), 0) AS total
		FROM items i
		JOIN item_states st ON st.item_id = i.id
		LEFT JOIN inventory_events e ON e.item_id = i.id
		GROUP BY i.id, i.canonical_name, st.count_estimate
		HAVING st.count_estimate != total
		ORDER BY i.canonical_name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []LedgerMismatch
	for rows.Next() {
		var m LedgerMismatch
		if err := rows.Scan(&m.ItemID, &m.CanonicalName, &m.CountEstimate, &m.DeltaSum); err != nil {
			return nil, err
		}
		results = append(results, m)
	}
	return results, rows.Err()
}

func (s *Store) GetObservationByCapture(ctx context.Context, captureID string) (Observation, error) {
	var o Observation
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, capture_id, raw_json, scene_confidence, created_at
		FROM observations WHERE capture_id = ?`, captureID).
		Scan(&o.ID, &o.CaptureID, &o.RawJSON, &o.SceneConfidence, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Observation{}, ErrNotFound
	}
	if err != nil {
		return Observation{}, fmt.Errorf("reading observation for capture %s: %w", captureID, err)
	}
	if o.CreatedAt, err = parseTime(createdAt); err != nil {
		return Observation{}, fmt.Errorf("parsing created_at for observation %s: %w", o.ID, err)
	}
	return o, nil
}

type stateColumns struct {
	itemID     string
	count      int
	confidence float64
	lastSeen   sql.NullString
	manual     int
	notes      string
	version    int
	updatedAt  string
}

func (c stateColumns) state() (State, error) {
	st := State{
		ItemID:        c.itemID,
		CountEstimate: c.count,
		Confidence:    c.confidence,
		IsManual:      c.manual != 0,
		Notes:         c.notes,
		Version:       c.version,
	}
	var err error
	if st.LastSeenAt, err = parseNullTime(c.lastSeen); err != nil {
		return State{}, fmt.Errorf("parsing last_seen_at for item %s: %w", c.itemID, err)
	}
	if st.UpdatedAt, err = parseTime(c.updatedAt); err != nil {
		return State{}, fmt.Errorf("parsing updated_at for item %s: %w", c.itemID, err)
	}
	return st, nil
}

func scanState(row rowScanner) (State, error) {
	var c stateColumns
	if err := row.Scan(&c.itemID, &c.count, &c.confidence, &c.lastSeen, &c.manual, &c.notes, &c.version, &c.updatedAt); err != nil {
		return State{}, err
	}
	return c.state()
}

func scanEvent(row rowScanner) (Event, error) {
	var ev Event
	var captureID sql.NullString
	var typ, createdAt string
	if err := row.Scan(&ev.Seq, &ev.ID, &ev.ItemID, &captureID, &typ, &ev.Delta, &ev.Details, &createdAt); err != nil {
		return Event{}, err
	}
	ev.CaptureID = captureID.String
	ev.Type = EventType(typ)
	var err error
	if ev.CreatedAt, err = parseTime(createdAt); err != nil {
		return Event{}, fmt.Errorf("parsing created_at for event %s: %w", ev.ID, err)
	}
	return ev, nil
}
