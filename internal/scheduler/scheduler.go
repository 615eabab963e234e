// Package scheduler runs units of work from the durable job queue on a
// worker pool, with retry-with-backoff, per-unit time limits, status polling
// and revocation.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/pantry/internal/metrics"
	"github.com/kalambet/pantry/internal/storage"
)

const (
	defaultWorkers      = 4
	defaultPollInterval = 500 * time.Millisecond
	defaultMaxRetries   = 3
	defaultTimeLimit    = 300 * time.Second
	maxBackoff          = 600 * time.Second
)

var (
	// ErrTaskNotFound is returned for unknown task handles.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskFinished is returned when revoking a task that already ended.
	ErrTaskFinished = errors.New("task already finished")
)

// Queue abstracts the durable job queue. Implemented by storage.Store.
type Queue interface {
	EnqueueJob(ctx context.Context, job storage.Job) error
	GetJob(ctx context.Context, id string) (storage.Job, error)
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	RetryJob(ctx context.Context, id, errMsg string, runAfter time.Time) error
	FailJob(ctx context.Context, id, errMsg string) error
	RevokeJob(ctx context.Context, id string) (storage.JobStatus, error)
	RequeueStartedJobs(ctx context.Context) (int, error)
}

// Unit is a unit of work to enqueue. Zero MaxRetries and TimeLimit take the
// scheduler defaults; use NoRetries for a unit that must run exactly once.
type Unit struct {
	Kind       string
	Payload    any
	MaxRetries int
	TimeLimit  time.Duration
}

// NoRetries disables retries when used as Unit.MaxRetries.
const NoRetries = -1

// Task is what a Handler receives. Attempt counts from 0.
type Task struct {
	ID          string
	Kind        string
	Payload     json.RawMessage
	Attempt     int
	MaxAttempts int
}

// LastAttempt reports whether a failure of this attempt is final.
func (t Task) LastAttempt() bool {
	return t.Attempt+1 >= t.MaxAttempts
}

// Handler executes one task. A nil error completes the task; errors are
// retried unless wrapped with Permanent.
type Handler func(ctx context.Context, task Task) error

// Status mirrors the job lifecycle.
type Status string

const (
	StatusPending   Status = Status(storage.JobPending)
	StatusStarted   Status = Status(storage.JobStarted)
	StatusSucceeded Status = Status(storage.JobSucceeded)
	StatusFailed    Status = Status(storage.JobFailed)
	StatusRevoked   Status = Status(storage.JobRevoked)
)

// TaskInfo is the pollable status of a task.
type TaskInfo struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	Status      Status    `json:"status"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	LastError   string    `json:"last_error,omitempty"`
	RunAfter    time.Time `json:"run_after"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Config tunes a Scheduler. Zero values take defaults.
type Config struct {
	Workers           int
	PollInterval      time.Duration
	DefaultMaxRetries int
	DefaultTimeLimit  time.Duration
	// Backoff returns the delay before retrying after the given attempt.
	Backoff func(attempt int) time.Duration
}

// Scheduler dispatches queued tasks to registered handlers.
type Scheduler struct {
	queue    Queue
	cfg      Config
	handlers map[string]Handler
	kinds    []string
	metrics  *metrics.SchedulerMetrics
	logger   *slog.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wake    chan struct{}
}

// New creates a Scheduler over queue. m may be nil.
func New(queue Queue, cfg Config, m *metrics.SchedulerMetrics) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.DefaultMaxRetries == 0 {
		cfg.DefaultMaxRetries = defaultMaxRetries
	}
	if cfg.DefaultTimeLimit <= 0 {
		cfg.DefaultTimeLimit = defaultTimeLimit
	}
	if cfg.Backoff == nil {
		cfg.Backoff = Backoff
	}
	return &Scheduler{
		queue:    queue,
		cfg:      cfg,
		handlers: make(map[string]Handler),
		metrics:  m,
		logger:   slog.Default().With("component", "scheduler"),
		running:  make(map[string]context.CancelFunc),
		wake:     make(chan struct{}, 1),
	}
}

// Register binds a handler to a task kind. Call before Run.
func (s *Scheduler) Register(kind string, h Handler) {
	if _, ok := s.handlers[kind]; !ok {
		s.kinds = append(s.kinds, kind)
	}
	s.handlers[kind] = h
}

// Backoff is the default retry delay: min(2^attempt, 600) seconds.
func Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= 10 {
		return maxBackoff
	}
	return min(time.Duration(1<<attempt)*time.Second, maxBackoff)
}

// Enqueue stores a unit for execution and returns its handle.
func (s *Scheduler) Enqueue(ctx context.Context, u Unit) (string, error) {
	if u.Kind == "" {
		return "", errors.New("enqueue: unit kind is required")
	}
	payload, err := json.Marshal(u.Payload)
	if err != nil {
		return "", fmt.Errorf("encoding %s payload: %w", u.Kind, err)
	}

	retries := u.MaxRetries
	switch {
	case retries == 0:
		retries = s.cfg.DefaultMaxRetries
	case retries < 0:
		retries = 0
	}
	limit := u.TimeLimit
	if limit <= 0 {
		limit = s.cfg.DefaultTimeLimit
	}

	id := uuid.New().String()
	if err := s.queue.EnqueueJob(ctx, storage.Job{
		ID:          id,
		Type:        u.Kind,
		PayloadJSON: string(payload),
		MaxAttempts: retries + 1,
		Timeout:     limit,
	}); err != nil {
		return "", err
	}

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return id, nil
}

// Status returns the current state of a task.
func (s *Scheduler) Status(ctx context.Context, id string) (TaskInfo, error) {
	j, err := s.queue.GetJob(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return TaskInfo{}, ErrTaskNotFound
	}
	if err != nil {
		return TaskInfo{}, err
	}
	return TaskInfo{
		ID:          j.ID,
		Kind:        j.Type,
		Status:      Status(j.Status),
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		LastError:   j.LastError,
		RunAfter:    j.RunAfter,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
	}, nil
}

// Revoke marks a queued or running task revoked. A task running in this
// process has its context cancelled; the handler may still finish, but its
// result is no longer recorded on the task.
func (s *Scheduler) Revoke(ctx context.Context, id string) error {
	prev, err := s.queue.RevokeJob(ctx, id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return ErrTaskNotFound
	case errors.Is(err, storage.ErrStatusMismatch):
		return fmt.Errorf("%w: %s", ErrTaskFinished, prev)
	case err != nil:
		return err
	}

	s.mu.Lock()
	cancel, ok := s.running[id]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	s.logger.Info("task revoked", "task_id", id, "previous_status", prev, "was_running_here", ok)
	return nil
}

// Run starts the worker pool and blocks until ctx is cancelled. Tasks left
// started by a previous process are returned to the queue first.
func (s *Scheduler) Run(ctx context.Context) error {
	if n, err := s.queue.RequeueStartedJobs(ctx); err != nil {
		return fmt.Errorf("requeueing interrupted tasks: %w", err)
	} else if n > 0 {
		s.logger.Warn("requeued tasks interrupted by a previous shutdown", "count", n)
	}

	g, gCtx := errgroup.WithContext(ctx)
	for i := 0; i < s.cfg.Workers; i++ {
		g.Go(func() error {
			s.work(gCtx)
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) work(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := s.RunOnce(ctx)
		if err != nil {
			s.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-time.After(s.cfg.PollInterval):
		}
	}
}

// RunOnce claims and executes a single task. It returns true if a task was
// executed, regardless of its outcome.
func (s *Scheduler) RunOnce(ctx context.Context) (bool, error) {
	job, err := s.queue.ClaimNextJob(ctx, s.kinds)
	if err != nil {
		return false, fmt.Errorf("claiming task: %w", err)
	}
	if job == nil {
		return false, nil
	}
	s.execute(ctx, job)
	return true, nil
}

func (s *Scheduler) execute(ctx context.Context, job *storage.Job) {
	logger := s.logger.With("task_id", job.ID, "kind", job.Type, "attempt", job.Attempts)
	task := Task{
		ID:          job.ID,
		Kind:        job.Type,
		Payload:     json.RawMessage(job.PayloadJSON),
		Attempt:     job.Attempts,
		MaxAttempts: job.MaxAttempts,
	}

	h, ok := s.handlers[job.Type]
	if !ok {
		err := s.queue.FailJob(context.WithoutCancel(ctx), job.ID, "no handler registered for "+job.Type)
		s.record(logger, job, "failed", 0, err)
		return
	}

	limit := job.Timeout
	if limit <= 0 {
		limit = s.cfg.DefaultTimeLimit
	}
	taskCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	s.mu.Lock()
	s.running[job.ID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, job.ID)
		s.mu.Unlock()
	}()

	s.metrics.TaskStarted()
	start := time.Now()
	err := call(taskCtx, h, task)
	s.metrics.TaskFinished()

	// Terminal bookkeeping must survive cancellation of the task context.
	bg := context.WithoutCancel(ctx)
	outcome := "succeeded"
	var recErr error
	switch {
	case err != nil && ctx.Err() != nil:
		// Shutting down: the attempt is returned to the queue unless it was
		// the last one the task had.
		outcome = "interrupted"
		if task.LastAttempt() {
			recErr = s.queue.FailJob(bg, job.ID, err.Error())
			logger.Warn("task interrupted by shutdown on its last attempt", "error", err, "attempts", job.Attempts+1)
			break
		}
		recErr = s.queue.RetryJob(bg, job.ID, err.Error(), time.Now())
		logger.Warn("task interrupted by shutdown", "error", err)
	case err == nil:
		recErr = s.queue.CompleteJob(bg, job.ID)
		logger.Debug("task succeeded", "duration", time.Since(start))
	case IsPermanent(err) || task.LastAttempt():
		outcome = "failed"
		recErr = s.queue.FailJob(bg, job.ID, err.Error())
		logger.Error("task failed", "error", err, "permanent", IsPermanent(err), "attempts", job.Attempts+1)
	default:
		outcome = "retried"
		delay := s.cfg.Backoff(job.Attempts)
		recErr = s.queue.RetryJob(bg, job.ID, err.Error(), time.Now().Add(delay))
		logger.Warn("task failed, will retry", "error", err, "retry_in", delay)
	}
	s.record(logger, job, outcome, time.Since(start), recErr)
}

// record logs and counts the outcome. A status mismatch means the task was
// revoked while it ran, so its result was not stored.
func (s *Scheduler) record(logger *slog.Logger, job *storage.Job, outcome string, d time.Duration, err error) {
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrStatusMismatch):
		logger.Info("task was revoked while running; result not recorded", "outcome", outcome)
		outcome = "revoked"
	default:
		logger.Error("recording task outcome", "outcome", outcome, "error", err)
	}
	s.metrics.ObserveTask(job.Type, outcome, d)
}

// call runs h, converting a panic into a permanent error.
func call(ctx context.Context, h Handler, task Task) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = Permanent(fmt.Errorf("panic: %v\n%s", p, debug.Stack()))
		}
	}()
	return h(ctx, task)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
