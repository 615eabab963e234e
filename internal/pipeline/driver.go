// Package pipeline drives captures through analysis: claiming a stored
// capture, calling the vision analyzer, and folding the result into the
// inventory ledger in the same transaction that finalizes the capture.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/pantry/internal/imagestore"
	"github.com/kalambet/pantry/internal/inventory"
	"github.com/kalambet/pantry/internal/metrics"
	"github.com/kalambet/pantry/internal/scheduler"
	"github.com/kalambet/pantry/internal/storage"
	"github.com/kalambet/pantry/internal/vision"
)

// TaskKind is the scheduler kind for capture processing units.
const TaskKind = "process_capture"

const defaultTaskTimeout = 300 * time.Second

var (
	ErrCaptureNotFound = errors.New("capture not found")
	ErrNotAnalyzing    = errors.New("capture is not analyzing")
	ErrNotStored       = errors.New("capture is not stored")
	ErrNotFailed       = errors.New("capture is not failed")
)

// CaptureStore is the capture side of the ledger store.
type CaptureStore interface {
	GetCapture(ctx context.Context, id string) (storage.Capture, error)
	TransitionCapture(ctx context.Context, id string, from, to storage.CaptureStatus, errMsg string) error
	PendingCaptureIDs(ctx context.Context, limit int) ([]string, error)
	RecoverStuckCaptures(ctx context.Context, cutoff time.Time, errMsg string) ([]string, error)
}

// ImageSource loads capture images by reference.
type ImageSource interface {
	Load(ctx context.Context, ref string) ([]byte, error)
}

// Reconciler folds an analysis result into inventory state.
type Reconciler interface {
	ApplyObservation(ctx context.Context, obs inventory.Observation, finalize inventory.FinalizeFunc) (inventory.Summary, error)
}

// Scheduler accepts units of work.
type Scheduler interface {
	Enqueue(ctx context.Context, u scheduler.Unit) (string, error)
}

// ClaimResult is the outcome of a claim attempt.
type ClaimResult int

const (
	Claimed ClaimResult = iota
	AlreadyHandled
)

func (r ClaimResult) String() string {
	if r == Claimed {
		return "claimed"
	}
	return "already_handled"
}

// Outcome describes what processing did to a capture.
//
// Status is the capture's status afterwards as far as this run knows. When
// the run failed, Err holds the cause and Retryable whether another attempt
// may succeed. Discarded means the capture was finalized by someone else while
// the analysis ran, so nothing from this run was written.
type Outcome struct {
	CaptureID     string                `json:"capture_id"`
	Claim         ClaimResult           `json:"-"`
	Status        storage.CaptureStatus `json:"status"`
	ObservationID string                `json:"observation_id,omitempty"`
	Summary       *inventory.Summary    `json:"summary,omitempty"`
	Err           error                 `json:"-"`
	Error         string                `json:"error,omitempty"`
	Retryable     bool                  `json:"retryable,omitempty"`
	Discarded     bool                  `json:"discarded,omitempty"`
}

// Config tunes a Driver.
type Config struct {
	// MaxRetries is the retry budget for scheduled units; 0 takes the
	// scheduler default.
	MaxRetries int
	// TaskTimeout bounds one processing attempt.
	TaskTimeout time.Duration
}

// Driver implements the capture state machine.
type Driver struct {
	captures   CaptureStore
	images     ImageSource
	analyzer   vision.Analyzer
	reconciler Reconciler
	sched      Scheduler
	cfg        Config
	metrics    *metrics.PipelineMetrics
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a Driver. sched may be nil when only synchronous processing is used.
func New(captures CaptureStore, images ImageSource, analyzer vision.Analyzer, reconciler Reconciler, sched Scheduler, cfg Config, m *metrics.PipelineMetrics) *Driver {
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = defaultTaskTimeout
	}
	return &Driver{
		captures:   captures,
		images:     images,
		analyzer:   analyzer,
		reconciler: reconciler,
		sched:      sched,
		cfg:        cfg,
		metrics:    m,
		logger:     slog.Default().With("component", "pipeline"),
		now:        time.Now,
	}
}

// Claim moves a stored capture to analyzing. Only one caller can ever claim a
// given capture; everyone else gets AlreadyHandled.
func (d *Driver) Claim(ctx context.Context, captureID string) (ClaimResult, error) {
	return d.claimFrom(ctx, captureID, storage.CaptureStored)
}

// claimFrom moves the capture to analyzing from the first of the given
// statuses it is in.
func (d *Driver) claimFrom(ctx context.Context, captureID string, from ...storage.CaptureStatus) (ClaimResult, error) {
	var err error
	for _, st := range from {
		err = d.captures.TransitionCapture(ctx, captureID, st, storage.CaptureAnalyzing, "")
		if err == nil {
			d.metrics.IncClaim(Claimed.String())
			d.metrics.IncTransition(string(storage.CaptureAnalyzing))
			d.logger.Info("capture claimed", "capture_id", captureID, "from", st)
			return Claimed, nil
		}
		if !errors.Is(err, storage.ErrStatusMismatch) {
			break
		}
	}

	switch {
	case errors.Is(err, storage.ErrStatusMismatch):
		d.metrics.IncClaim(AlreadyHandled.String())
		d.logger.Debug("capture already handled", "capture_id", captureID, "reason", err)
		return AlreadyHandled, nil
	case errors.Is(err, storage.ErrNotFound):
		return AlreadyHandled, fmt.Errorf("%w: %s", ErrCaptureNotFound, captureID)
	default:
		return AlreadyHandled, fmt.Errorf("claiming capture %s: %w", captureID, err)
	}
}

// Run analyzes a claimed capture and finalizes it. Analysis and storage
// failures are reported through the Outcome with the capture marked failed;
// the returned error is reserved for precondition and bookkeeping failures.
func (d *Driver) Run(ctx context.Context, captureID string) (Outcome, error) {
	c, err := d.getCapture(ctx, captureID)
	if err != nil {
		return Outcome{}, err
	}
	if c.Status != storage.CaptureAnalyzing {
		return Outcome{}, fmt.Errorf("%w: %s is %s", ErrNotAnalyzing, captureID, c.Status)
	}
	logger := d.logger.With("capture_id", captureID, "device_id", c.DeviceID)

	img, err := d.images.Load(ctx, c.ImageRef)
	if err != nil {
		retryable := !errors.Is(err, imagestore.ErrNotFound) && !errors.Is(err, imagestore.ErrInvalidRef)
		return d.fail(ctx, logger, captureID, fmt.Errorf("loading image %s: %w", c.ImageRef, err), retryable)
	}

	start := time.Now()
	result, err := d.analyzer.Analyze(ctx, img)
	if err != nil {
		var ve *vision.Error
		retryable := !errors.As(err, &ve) || ve.Retryable()
		return d.fail(ctx, logger, captureID, err, retryable)
	}
	logger.Debug("analysis finished", "items", len(result.Items), "duration", time.Since(start))

	finalize := func(ctx context.Context, tx *storage.Tx) error {
		return tx.TransitionCapture(ctx, captureID, storage.CaptureAnalyzing, storage.CaptureComplete, "")
	}
	// The analysis is done; committing it should not be abandoned halfway by
	// the unit's deadline.
	sum, err := d.reconciler.ApplyObservation(context.WithoutCancel(ctx), inventory.Observation{
		CaptureID: captureID,
		Result:    result,
	}, finalize)
	switch {
	case err == nil:
		d.metrics.IncTransition(string(storage.CaptureComplete))
		logger.Info("capture complete", "observation_id", sum.ObservationID,
			"applied", len(sum.Applied), "rejected", len(sum.Rejected))
		return Outcome{
			CaptureID:     captureID,
			Claim:         Claimed,
			Status:        storage.CaptureComplete,
			ObservationID: sum.ObservationID,
			Summary:       &sum,
		}, nil
	case errors.Is(err, storage.ErrStatusMismatch):
		return d.discard(logger, captureID, err), nil
	default:
		return d.fail(ctx, logger, captureID, err, true)
	}
}

// fail records cause on the capture, unless it was finalized meanwhile.
func (d *Driver) fail(ctx context.Context, logger *slog.Logger, captureID string, cause error, retryable bool) (Outcome, error) {
	err := d.captures.TransitionCapture(context.WithoutCancel(ctx), captureID,
		storage.CaptureAnalyzing, storage.CaptureFailed, cause.Error())
	if errors.Is(err, storage.ErrStatusMismatch) {
		return d.discard(logger, captureID, err), nil
	}
	if err != nil {
		logger.Error("recording capture failure", "cause", cause, "error", err)
		return Outcome{}, fmt.Errorf("marking capture %s failed: %w", captureID, err)
	}

	d.metrics.IncTransition(string(storage.CaptureFailed))
	logger.Warn("capture failed", "error", cause, "retryable", retryable)
	return Outcome{
		CaptureID: captureID,
		Claim:     Claimed,
		Status:    storage.CaptureFailed,
		Err:       cause,
		Error:     cause.Error(),
		Retryable: retryable,
	}, nil
}

func (d *Driver) discard(logger *slog.Logger, captureID string, reason error) Outcome {
	d.metrics.IncDiscarded()
	logger.Warn("capture finalized elsewhere, discarding result", "reason", reason)
	out := Outcome{CaptureID: captureID, Claim: Claimed, Discarded: true}
	var te *storage.TransitionError
	if errors.As(reason, &te) {
		out.Status = te.Current
	}
	return out
}

// Process is one unit of work: claim the capture and run it. The first
// attempt claims from stored. Later attempts, and resumed units, reclaim a
// capture a previous attempt left failed, or one it never got to claim.
func (d *Driver) Process(ctx context.Context, captureID string, attempt int, resume bool) (Outcome, error) {
	from := []storage.CaptureStatus{storage.CaptureStored}
	if attempt > 0 || resume {
		from = []storage.CaptureStatus{storage.CaptureFailed, storage.CaptureStored}
	}

	res, err := d.claimFrom(ctx, captureID, from...)
	if err != nil {
		return Outcome{}, err
	}
	if res == AlreadyHandled {
		out := Outcome{CaptureID: captureID, Claim: AlreadyHandled}
		if c, err := d.getCapture(ctx, captureID); err == nil {
			out.Status = c.Status
		}
		return out, nil
	}
	return d.Run(ctx, captureID)
}

// ProcessNow claims and runs a capture synchronously within the task time limit.
func (d *Driver) ProcessNow(ctx context.Context, captureID string) (Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.TaskTimeout)
	defer cancel()
	return d.Process(ctx, captureID, 0, false)
}

type taskPayload struct {
	CaptureID string `json:"capture_id"`
	Resume    bool   `json:"resume,omitempty"`
}

// Handle is the scheduler handler for TaskKind units.
func (d *Driver) Handle(ctx context.Context, task scheduler.Task) error {
	var p taskPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil || p.CaptureID == "" {
		return scheduler.Permanent(fmt.Errorf("invalid %s payload %q", TaskKind, task.Payload))
	}

	out, err := d.Process(ctx, p.CaptureID, task.Attempt, p.Resume)
	switch {
	case errors.Is(err, ErrCaptureNotFound):
		return scheduler.Permanent(err)
	case err != nil:
		return err
	case out.Status == storage.CaptureFailed && out.Err != nil:
		if !out.Retryable {
			return scheduler.Permanent(out.Err)
		}
		if task.LastAttempt() {
			d.logger.Error("capture retries exhausted", "capture_id", p.CaptureID, "attempts", task.Attempt+1, "error", out.Err)
		}
		return out.Err
	}
	return nil
}

// Submit enqueues a single stored capture and returns the task handle.
func (d *Driver) Submit(ctx context.Context, captureID string) (string, error) {
	c, err := d.getCapture(ctx, captureID)
	if err != nil {
		return "", err
	}
	if c.Status != storage.CaptureStored {
		return "", fmt.Errorf("%w: %s is %s", ErrNotStored, captureID, c.Status)
	}
	return d.enqueue(ctx, taskPayload{CaptureID: captureID})
}

// Retry re-submits a failed capture. The unit reclaims the capture straight
// from failed.
func (d *Driver) Retry(ctx context.Context, captureID string) (string, error) {
	c, err := d.getCapture(ctx, captureID)
	if err != nil {
		return "", err
	}
	if c.Status != storage.CaptureFailed {
		return "", fmt.Errorf("%w: %s is %s", ErrNotFailed, captureID, c.Status)
	}
	return d.enqueue(ctx, taskPayload{CaptureID: captureID, Resume: true})
}

func (d *Driver) enqueue(ctx context.Context, p taskPayload) (string, error) {
	if d.sched == nil {
		return "", errors.New("no scheduler configured")
	}
	id, err := d.sched.Enqueue(ctx, scheduler.Unit{
		Kind:       TaskKind,
		Payload:    p,
		MaxRetries: d.cfg.MaxRetries,
		TimeLimit:  d.cfg.TaskTimeout,
	})
	if err != nil {
		return "", fmt.Errorf("enqueueing capture %s: %w", p.CaptureID, err)
	}
	d.logger.Debug("capture enqueued", "capture_id", p.CaptureID, "task_id", id, "resume", p.Resume)
	return id, nil
}

// QueuedCapture pairs a capture with the task processing it.
type QueuedCapture struct {
	CaptureID string `json:"capture_id"`
	TaskID    string `json:"task_id"`
}

// EnqueueFailure records a capture that could not be enqueued.
type EnqueueFailure struct {
	CaptureID string `json:"capture_id"`
	Error     string `json:"error"`
}

// PendingReport is the result of a ProcessPending sweep.
type PendingReport struct {
	Found  int              `json:"found"`
	Queued []QueuedCapture  `json:"queued"`
	Failed []EnqueueFailure `json:"failed,omitempty"`
}

// ProcessPending enqueues a unit for each of up to limit stored captures.
// A failed enqueue is recorded in the report and does not stop the sweep.
// Captures enqueued twice are harmless: the later unit finds them handled.
func (d *Driver) ProcessPending(ctx context.Context, limit int) (PendingReport, error) {
	ids, err := d.captures.PendingCaptureIDs(ctx, limit)
	if err != nil {
		return PendingReport{}, fmt.Errorf("listing stored captures: %w", err)
	}

	report := PendingReport{Found: len(ids), Queued: make([]QueuedCapture, 0, len(ids))}
	for _, id := range ids {
		taskID, err := d.enqueue(ctx, taskPayload{CaptureID: id})
		if err != nil {
			d.logger.Warn("skipping capture", "capture_id", id, "error", err)
			report.Failed = append(report.Failed, EnqueueFailure{CaptureID: id, Error: err.Error()})
			continue
		}
		report.Queued = append(report.Queued, QueuedCapture{CaptureID: id, TaskID: taskID})
	}
	if len(ids) > 0 {
		d.logger.Info("pending captures enqueued", "found", len(ids), "queued", len(report.Queued), "failed", len(report.Failed))
	}
	return report, nil
}

// RecoverStuck fails captures that have been analyzing for longer than
// olderThan, e.g. after a crash mid-analysis.
func (d *Driver) RecoverStuck(ctx context.Context, olderThan time.Duration) ([]string, error) {
	msg := fmt.Sprintf("analysis abandoned: no result within %s", olderThan)
	ids, err := d.captures.RecoverStuckCaptures(ctx, d.now().Add(-olderThan), msg)
	if err != nil {
		return nil, err
	}
	for range ids {
		d.metrics.IncTransition(string(storage.CaptureFailed))
	}
	d.metrics.AddRecovered(len(ids))
	if len(ids) > 0 {
		d.logger.Warn("recovered stuck captures", "count", len(ids), "capture_ids", ids)
	}
	return ids, nil
}

func (d *Driver) getCapture(ctx context.Context, id string) (storage.Capture, error) {
	c, err := d.captures.GetCapture(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Capture{}, fmt.Errorf("%w: %s", ErrCaptureNotFound, id)
	}
	if err != nil {
		return storage.Capture{}, fmt.Errorf("reading capture %s: %w", id, err)
	}
	return c, nil
}
