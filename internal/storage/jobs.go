package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const jobColumns = `id, type, payload_json, status, attempts, max_attempts, timeout_ms, run_after, created_at, updated_at, last_error`

func (s *Store) EnqueueJob(ctx context.Context, job Job) error {
	now := s.now().UTC()
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = job.RunAfter
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, timeout_ms, run_after, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?, ?)`,
		job.ID, job.Type, job.PayloadJSON, maxAttempts, job.Timeout.Milliseconds(),
		formatTime(runAfter), formatTime(now), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("inserting job %s: %w", job.ID, err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("reading job %s: %w", id, err)
	}
	return j, nil
}

// ClaimNextJob atomically moves the oldest runnable pending job of one of the
// given types to started. It returns nil when nothing is runnable.
func (s *Store) ClaimNextJob(ctx context.Context, types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}

	now := formatTime(s.now())
	placeholders := strings.Repeat(",?", len(types)-1)
	query := `SELECT ` + jobColumns + `
		FROM jobs
		WHERE status = 'pending' AND run_after <= ? AND type IN (?` + placeholders + `)
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`

	args := make([]any, 0, len(types)+1)
	args = append(args, now)
	for _, t := range types {
		args = append(args, t)
	}

	var claimed *Job
	err := s.Update(ctx, func(tx *Tx) error {
		j, err := scanJob(tx.tx.QueryRowContext(ctx, query, args...))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("selecting next job: %w", err)
		}

		res, err := tx.tx.ExecContext(ctx,
			`UPDATE jobs SET status = 'started', updated_at = ? WHERE id = ? AND status = 'pending'`, now, j.ID)
		if err != nil {
			return fmt.Errorf("updating job status: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("checking updated job rows: %w", err)
		}
		if n != 1 {
			return nil
		}

		j.Status = JobStarted
		if j.UpdatedAt, err = parseTime(now); err != nil {
			return err
		}
		claimed = &j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// CompleteJob marks a started job succeeded. A job that is no longer started
// (revoked meanwhile) yields ErrStatusMismatch.
func (s *Store) CompleteJob(ctx context.Context, id string) error {
	return s.finishJob(ctx, id, `UPDATE jobs SET status = 'succeeded', updated_at = ? WHERE id = ? AND status = 'started'`,
		formatTime(s.now()), id)
}

// RetryJob records a failed attempt and returns the job to pending until runAfter.
func (s *Store) RetryJob(ctx context.Context, id, errMsg string, runAfter time.Time) error {
	return s.finishJob(ctx, id, `
		UPDATE jobs SET status = 'pending', attempts = attempts + 1, last_error = ?, run_after = ?, updated_at = ?
		WHERE id = ? AND status = 'started'`,
		errMsg, formatTime(runAfter), formatTime(s.now()), id)
}

// FailJob records a final failed attempt.
func (s *Store) FailJob(ctx context.Context, id, errMsg string) error {
	return s.finishJob(ctx, id, `
		UPDATE jobs SET status = 'failed', attempts = attempts + 1, last_error = ?, updated_at = ?
		WHERE id = ? AND status = 'started'`,
		errMsg, formatTime(s.now()), id)
}

func (s *Store) finishJob(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := s.GetJob(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("job %s is not started: %w", id, ErrStatusMismatch)
}

// RevokeJob marks a pending or started job revoked and returns the status it
// had. Finished jobs are left alone and reported with ErrStatusMismatch.
func (s *Store) RevokeJob(ctx context.Context, id string) (JobStatus, error) {
	var prev JobStatus
	err := s.Update(ctx, func(tx *Tx) error {
		var status string
		err := tx.tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		prev = JobStatus(status)
		if prev != JobPending && prev != JobStarted {
			return fmt.Errorf("job %s already %s: %w", id, prev, ErrStatusMismatch)
		}
		_, err = tx.tx.ExecContext(ctx, `UPDATE jobs SET status = 'revoked', updated_at = ? WHERE id = ?`,
			formatTime(tx.now()), id)
		return err
	})
	return prev, err
}

// RequeueStartedJobs returns jobs left started by a previous process to pending.
func (s *Store) RequeueStartedJobs(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = 'pending', updated_at = ? WHERE status = 'started'`,
		formatTime(s.now()))
	if err != nil {
		return 0, fmt.Errorf("requeueing started jobs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// JobCounts returns the number of jobs per status.
func (s *Store) JobCounts(ctx context.Context) (map[JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[JobStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[JobStatus(status)] = n
	}
	return counts, rows.Err()
}

func scanJob(row rowScanner) (Job, error) {
	var j Job
	var status, runAfter, createdAt, updatedAt string
	var timeoutMS int64
	var lastError sql.NullString
	if err := row.Scan(&j.ID, &j.Type, &j.PayloadJSON, &status, &j.Attempts, &j.MaxAttempts, &timeoutMS,
		&runAfter, &createdAt, &updatedAt, &lastError); err != nil {
		return Job{}, err
	}
	j.Status = JobStatus(status)
	j.Timeout = time.Duration(timeoutMS) * time.Millisecond
	j.LastError = lastError.String

	var err error
	if j.RunAfter, err = parseTime(runAfter); err != nil {
		return Job{}, fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return Job{}, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Job{}, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return j, nil
}
