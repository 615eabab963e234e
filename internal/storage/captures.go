package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const captureColumns = `id, device_id, trigger_type, captured_at, image_ref, status, error_message, created_at, status_changed_at`

// CreateCapture inserts a new capture. Status defaults to stored and timestamps
// default to now when left zero.
func (s *Store) CreateCapture(ctx context.Context, c Capture) error {
	now := s.now().UTC()
	if c.Status == "" {
		c.Status = CaptureStored
	}
	if c.CapturedAt.IsZero() {
		c.CapturedAt = now
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO captures (`+captureColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.DeviceID, c.TriggerType, formatTime(c.CapturedAt), c.ImageRef, string(c.Status),
		nullString(c.ErrorMessage), formatTime(c.CreatedAt), formatTime(c.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting capture %s: %w", c.ID, err)
	}
	return nil
}

func (s *Store) GetCapture(ctx context.Context, id string) (Capture, error) {
	return getCapture(ctx, s.db, id)
}

func getCapture(ctx context.Context, q querier, id string) (Capture, error) {
	row := q.QueryRowContext(ctx, `SELECT `+captureColumns+` FROM captures WHERE id = ?`, id)
	c, err := scanCapture(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Capture{}, ErrNotFound
	}
	if err != nil {
		return Capture{}, fmt.Errorf("reading capture %s: %w", id, err)
	}
	return c, nil
}

// ListCaptures returns captures newest first. An empty status lists all captures.
func (s *Store) ListCaptures(ctx context.Context, status CaptureStatus, limit, offset int) ([]Capture, error) {
	query := `SELECT ` + captureColumns + ` FROM captures`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Capture
	for rows.Next() {
		c, err := scanCapture(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

// PendingCaptureIDs returns up to limit ids of captures in the stored state, oldest first.
func (s *Store) PendingCaptureIDs(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM captures WHERE status = ? ORDER BY created_at ASC LIMIT ?`,
		string(CaptureStored), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// TransitionCapture moves a capture from one status to another only if it is
// currently in from. It returns ErrNotFound for an unknown id and a
// *TransitionError when the capture is in any other status.
func (s *Store) TransitionCapture(ctx context.Context, id string, from, to CaptureStatus, errMsg string) error {
	return transitionCapture(ctx, s.db, s.now(), id, from, to, errMsg)
}

// TransitionCapture is the transactional variant used to finalize a capture
// together with its ledger writes.
func (tx *Tx) TransitionCapture(ctx context.Context, id string, from, to CaptureStatus, errMsg string) error {
	return transitionCapture(ctx, tx.tx, tx.now(), id, from, to, errMsg)
}

func transitionCapture(ctx context.Context, q querier, now time.Time, id string, from, to CaptureStatus, errMsg string) error {
	res, err := q.ExecContext(ctx, `
		UPDATE captures SET status = ?, error_message = ?, status_changed_at = ?
		WHERE id = ? AND status = ?`,
		string(to), nullString(errMsg), formatTime(now), id, string(from),
	)
	if err != nil {
		return fmt.Errorf("updating capture %s status: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking updated capture rows: %w", err)
	}
	if n == 1 {
		return nil
	}

	var current string
	err = q.QueryRowContext(ctx, `SELECT status FROM captures WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("reading capture %s status: %w", id, err)
	}
	return &TransitionError{CaptureID: id, Want: from, Current: CaptureStatus(current)}
}

// RecoverStuckCaptures fails every capture that entered analyzing before cutoff
// and returns their ids.
func (s *Store) RecoverStuckCaptures(ctx context.Context, cutoff time.Time, errMsg string) ([]string, error) {
	var ids []string
	err := s.Update(ctx, func(tx *Tx) error {
		rows, err := tx.tx.QueryContext(ctx,
			`SELECT id FROM captures WHERE status = ? AND status_changed_at < ?`,
			string(CaptureAnalyzing), formatTime(cutoff))
		if err != nil {
			return err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		for _, id := range ids {
			if err := tx.TransitionCapture(ctx, id, CaptureAnalyzing, CaptureFailed, errMsg); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("recovering stuck captures: %w", err)
	}
	return ids, nil
}

// CaptureCounts returns the number of captures per status.
func (s *Store) CaptureCounts(ctx context.Context) (map[CaptureStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM captures GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[CaptureStatus]int{
		CaptureStored:    0,
		CaptureAnalyzing: 0,
		CaptureComplete:  0,
		CaptureFailed:    0,
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[CaptureStatus(status)] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCapture(row rowScanner) (Capture, error) {
	var c Capture
	var status, capturedAt, createdAt, changedAt string
	var errMsg sql.NullString
	if err := row.Scan(&c.ID, &c.DeviceID, &c.TriggerType, &capturedAt, &c.ImageRef, &status,
		&errMsg, &createdAt, &changedAt); err != nil {
		return Capture{}, err
	}
	c.Status = CaptureStatus(status)
	c.ErrorMessage = errMsg.String

	var err error
	if c.CapturedAt, err = parseTime(capturedAt); err != nil {
		return Capture{}, fmt.Errorf("parsing captured_at for capture %s: %w", c.ID, err)
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return Capture{}, fmt.Errorf("parsing created_at for capture %s: %w", c.ID, err)
	}
	if c.StatusChangedAt, err = parseTime(changedAt); err != nil {
		return Capture{}, fmt.Errorf("parsing status_changed_at for capture %s: %w", c.ID, err)
	}
	return c, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
