package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/pantry/internal/imagestore"
	"github.com/kalambet/pantry/internal/inventory"
	"github.com/kalambet/pantry/internal/scheduler"
	"github.com/kalambet/pantry/internal/storage"
	"github.com/kalambet/pantry/internal/vision"
)

type fakeImages struct {
	err error
}

func (f *fakeImages) Load(_ context.Context, ref string) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []byte("jpeg:" + ref), nil
}

type fakeAnalyzer struct {
	mu      sync.Mutex
	calls   int
	analyze func(calls int) (vision.Result, error)
}

func (f *fakeAnalyzer) Analyze(_ context.Context, image []byte) (vision.Result, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	if len(image) == 0 {
		return vision.Result{}, errors.New("empty image")
	}
	return f.analyze(n)
}

func (f *fakeAnalyzer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingScheduler struct {
	units  []scheduler.Unit
	failOn map[string]bool
}

func (r *recordingScheduler) Enqueue(_ context.Context, u scheduler.Unit) (string, error) {
	p := u.Payload.(taskPayload)
	if r.failOn[p.CaptureID] {
		return "", errors.New("queue unavailable")
	}
	r.units = append(r.units, u)
	return fmt.Sprintf("task-%d", len(r.units)), nil
}

func okResult(items ...vision.Item) func(int) (vision.Result, error) {
	return func(int) (vision.Result, error) {
		return vision.Result{SceneConfidence: 0.9, Items: items}, nil
	}
}

func qty(n int) *int { return &n }

type harness struct {
	store    *storage.Store
	analyzer *fakeAnalyzer
	images   *fakeImages
	sched    *recordingScheduler
	driver   *Driver
}

func newHarness(t *testing.T, analyze func(int) (vision.Result, error)) *harness {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	h := &harness{
		store:    store,
		analyzer: &fakeAnalyzer{analyze: analyze},
		images:   &fakeImages{},
		sched:    &recordingScheduler{failOn: map[string]bool{}},
	}
	h.driver = New(store, h.images, h.analyzer, inventory.NewReconciler(store, nil), h.sched,
		Config{MaxRetries: 2, TaskTimeout: 5 * time.Second}, nil)
	return h
}

func (h *harness) newCapture(t *testing.T, id string) {
	t.Helper()
	if err := h.store.CreateCapture(context.Background(), storage.Capture{
		ID: id, DeviceID: "pi-kitchen", TriggerType: "door", ImageRef: "images/" + id + ".jpg",
	}); err != nil {
		t.Fatalf("CreateCapture: %v", err)
	}
}

func (h *harness) capture(t *testing.T, id string) storage.Capture {
	t.Helper()
	c, err := h.store.GetCapture(context.Background(), id)
	if err != nil {
		t.Fatalf("GetCapture: %v", err)
	}
	return c
}

func (h *harness) inventory(t *testing.T) []storage.ItemRecord {
	t.Helper()
	recs, err := h.store.ListInventory(context.Background(), storage.InventoryFilter{IncludeStale: true})
	if err != nil {
		t.Fatalf("ListInventory: %v", err)
	}
	return recs
}

func TestProcessCompletesCapture(t *testing.T) {
	h := newHarness(t, okResult(
		vision.Item{Name: "peanut butter", QuantityEstimate: qty(2), Confidence: 0.92},
		vision.Item{Name: "mystery jar", Confidence: 0.4},
	))
	h.newCapture(t, "c1")

	out, err := h.driver.Process(context.Background(), "c1", 0, false)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if out.Status != storage.CaptureComplete || out.ObservationID == "" || out.Discarded {
		t.Errorf("outcome = %+v", out)
	}
	if out.Summary == nil || len(out.Summary.Applied) != 1 || len(out.Summary.Rejected) != 1 {
		t.Errorf("summary = %+v", out.Summary)
	}

	c := h.capture(t, "c1")
	if c.Status != storage.CaptureComplete || c.ErrorMessage != "" {
		t.Errorf("capture = %+v", c)
	}
	obs, err := h.store.GetObservationByCapture(context.Background(), "c1")
	if err != nil {
		t.Fatalf("GetObservationByCapture: %v", err)
	}
	if !strings.Contains(obs.RawJSON, "mystery jar") {
		t.Errorf("raw observation should keep rejected candidates: %s", obs.RawJSON)
	}

	recs := h.inventory(t)
	if len(recs) != 1 || recs[0].Item.CanonicalName != "peanut butter" || recs[0].State.CountEstimate != 2 {
		t.Errorf("inventory = %+v", recs)
	}
}

func TestProcessIsIdempotentOnRedelivery(t *testing.T) {
	h := newHarness(t, okResult(vision.Item{Name: "rice", Confidence: 0.9}))
	h.newCapture(t, "c1")

	for i := 0; i < 3; i++ {
		if _, err := h.driver.Process(context.Background(), "c1", 0, false); err != nil {
			t.Fatalf("Process #%d: %v", i, err)
		}
	}
	if h.analyzer.Calls() != 1 {
		t.Errorf("analyzer calls = %d, want 1", h.analyzer.Calls())
	}
	recs := h.inventory(t)
	if len(recs) != 1 || recs[0].State.CountEstimate != 1 {
		t.Errorf("inventory = %+v, want rice x1", recs)
	}
}

func TestClaimIsExclusive(t *testing.T) {
	h := newHarness(t, okResult())
	h.newCapture(t, "c1")

	const workers = 8
	results := make(chan ClaimResult, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.driver.Claim(context.Background(), "c1")
			if err != nil {
				t.Errorf("Claim: %v", err)
				return
			}
			results <- res
		}()
	}
	wg.Wait()
	close(results)

	claimed := 0
	for res := range results {
		if res == Claimed {
			claimed++
		}
	}
	if claimed != 1 {
		t.Errorf("claimed = %d, want exactly 1", claimed)
	}
}

func TestClaimUnknownCapture(t *testing.T) {
	h := newHarness(t, okResult())
	if _, err := h.driver.Claim(context.Background(), "ghost"); !errors.Is(err, ErrCaptureNotFound) {
		t.Errorf("error = %v, want ErrCaptureNotFound", err)
	}
}

func TestRunRequiresAnalyzing(t *testing.T) {
	h := newHarness(t, okResult())
	h.newCapture(t, "c1")

	if _, err := h.driver.Run(context.Background(), "c1"); !errors.Is(err, ErrNotAnalyzing) {
		t.Errorf("error = %v, want ErrNotAnalyzing", err)
	}
	if h.analyzer.Calls() != 0 {
		t.Error("analyzer must not be called for an unclaimed capture")
	}
}

func TestVisionFailureMarksCaptureFailed(t *testing.T) {
	visionErr := &vision.Error{Kind: vision.KindRateLimited, Err: errors.New("429 Too Many Requests")}
	h := newHarness(t, func(int) (vision.Result, error) { return vision.Result{}, visionErr })
	h.newCapture(t, "c1")

	out, err := h.driver.Process(context.Background(), "c1", 0, false)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if out.Status != storage.CaptureFailed || !out.Retryable || !errors.Is(out.Err, visionErr) {
		t.Errorf("outcome = %+v", out)
	}

	c := h.capture(t, "c1")
	if c.Status != storage.CaptureFailed || c.ErrorMessage != visionErr.Error() {
		t.Errorf("capture = %+v, want failed with %q", c, visionErr.Error())
	}
	if _, err := h.store.GetObservationByCapture(context.Background(), "c1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("observation lookup error = %v, want ErrNotFound", err)
	}
	if len(h.inventory(t)) != 0 {
		t.Error("inventory should be untouched by a failed analysis")
	}
}

func TestMissingImageIsNotRetryable(t *testing.T) {
	h := newHarness(t, okResult())
	h.images.err = imagestore.ErrNotFound
	h.newCapture(t, "c1")

	out, err := h.driver.Process(context.Background(), "c1", 0, false)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if out.Status != storage.CaptureFailed || out.Retryable {
		t.Errorf("outcome = %+v, want non-retryable failure", out)
	}

	payload, _ := json.Marshal(taskPayload{CaptureID: "c1"})
	err = h.driver.Handle(context.Background(), scheduler.Task{ID: "t1", Kind: TaskKind, Payload: payload, Attempt: 1, MaxAttempts: 3})
	if !scheduler.IsPermanent(err) || !errors.Is(err, imagestore.ErrNotFound) {
		t.Errorf("Handle error = %v, want permanent image-not-found", err)
	}
}

func TestResultDiscardedWhenCaptureFinalizedMeanwhile(t *testing.T) {
	var h *harness
	h = newHarness(t, func(int) (vision.Result, error) {
		// Another actor gives up on the capture while analysis is in flight.
		if err := h.store.TransitionCapture(context.Background(), "c1",
			storage.CaptureAnalyzing, storage.CaptureFailed, "analysis abandoned"); err != nil {
			t.Errorf("TransitionCapture: %v", err)
		}
		return vision.Result{SceneConfidence: 0.9, Items: []vision.Item{{Name: "oats", Confidence: 0.95}}}, nil
	})
	h.newCapture(t, "c1")

	out, err := h.driver.Process(context.Background(), "c1", 0, false)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !out.Discarded || out.Status != storage.CaptureFailed {
		t.Errorf("outcome = %+v, want discarded with status failed", out)
	}

	c := h.capture(t, "c1")
	if c.Status != storage.CaptureFailed || c.ErrorMessage != "analysis abandoned" {
		t.Errorf("capture = %+v", c)
	}
	if _, err := h.store.GetObservationByCapture(context.Background(), "c1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("late result must not persist an observation, got %v", err)
	}
	if len(h.inventory(t)) != 0 {
		t.Error("late result must not touch inventory")
	}
}

func TestLaterAttemptReclaimsFailedCapture(t *testing.T) {
	h := newHarness(t, func(n int) (vision.Result, error) {
		if n == 1 {
			return vision.Result{}, &vision.Error{Kind: vision.KindNetwork, Err: errors.New("connection refused")}
		}
		return vision.Result{SceneConfidence: 0.8, Items: []vision.Item{{Name: "tea", Confidence: 0.9}}}, nil
	})
	h.newCapture(t, "c1")

	payload, _ := json.Marshal(taskPayload{CaptureID: "c1"})
	task := scheduler.Task{ID: "t1", Kind: TaskKind, Payload: payload, MaxAttempts: 3}

	err := h.driver.Handle(context.Background(), task)
	if err == nil || scheduler.IsPermanent(err) {
		t.Fatalf("first attempt error = %v, want retryable", err)
	}
	if c := h.capture(t, "c1"); c.Status != storage.CaptureFailed {
		t.Fatalf("status after first attempt = %s", c.Status)
	}

	task.Attempt = 1
	if err := h.driver.Handle(context.Background(), task); err != nil {
		t.Fatalf("second attempt: %v", err)
	}
	c := h.capture(t, "c1")
	if c.Status != storage.CaptureComplete || c.ErrorMessage != "" {
		t.Errorf("capture = %+v, want complete with error cleared", c)
	}
}

// flakyCaptures fails the first n capture transitions before they reach the store.
type flakyCaptures struct {
	*storage.Store
	mu       sync.Mutex
	failures int
}

func (f *flakyCaptures) TransitionCapture(ctx context.Context, id string, from, to storage.CaptureStatus, errMsg string) error {
	f.mu.Lock()
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return errors.New("database is locked")
	}
	return f.Store.TransitionCapture(ctx, id, from, to, errMsg)
}

func TestRetryClaimsCaptureFirstAttemptNeverClaimed(t *testing.T) {
	h := newHarness(t, okResult(vision.Item{Name: "tea", Confidence: 0.9, QuantityEstimate: qty(2)}))
	h.driver = New(&flakyCaptures{Store: h.store, failures: 1}, h.images, h.analyzer,
		inventory.NewReconciler(h.store, nil), h.sched, Config{MaxRetries: 2, TaskTimeout: 5 * time.Second}, nil)
	h.newCapture(t, "c1")

	payload, _ := json.Marshal(taskPayload{CaptureID: "c1"})
	task := scheduler.Task{ID: "t1", Kind: TaskKind, Payload: payload, MaxAttempts: 3}

	err := h.driver.Handle(context.Background(), task)
	if err == nil || scheduler.IsPermanent(err) {
		t.Fatalf("first attempt error = %v, want retryable", err)
	}
	if c := h.capture(t, "c1"); c.Status != storage.CaptureStored {
		t.Fatalf("status after first attempt = %s, want stored", c.Status)
	}

	task.Attempt = 1
	if err := h.driver.Handle(context.Background(), task); err != nil {
		t.Fatalf("second attempt: %v", err)
	}
	if c := h.capture(t, "c1"); c.Status != storage.CaptureComplete {
		t.Errorf("status = %s, want complete", c.Status)
	}
	if h.analyzer.Calls() != 1 {
		t.Errorf("analyzer calls = %d, want 1", h.analyzer.Calls())
	}
	if recs := h.inventory(t); len(recs) != 1 || recs[0].State.CountEstimate != 2 {
		t.Errorf("inventory = %+v", recs)
	}
}

func TestRetryLeavesFinishedCaptureAlone(t *testing.T) {
	h := newHarness(t, okResult(vision.Item{Name: "tea", Confidence: 0.9}))
	h.newCapture(t, "c1")
	if _, err := h.driver.ProcessNow(context.Background(), "c1"); err != nil {
		t.Fatalf("ProcessNow: %v", err)
	}

	out, err := h.driver.Process(context.Background(), "c1", 1, false)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if out.Claim != AlreadyHandled || out.Status != storage.CaptureComplete {
		t.Errorf("outcome = %+v, want already handled complete", out)
	}
	if h.analyzer.Calls() != 1 {
		t.Errorf("analyzer calls = %d, want 1", h.analyzer.Calls())
	}
}

func TestHandleRejectsBadPayload(t *testing.T) {
	h := newHarness(t, okResult())
	err := h.driver.Handle(context.Background(), scheduler.Task{Kind: TaskKind, Payload: json.RawMessage(`{}`)})
	if !scheduler.IsPermanent(err) {
		t.Errorf("error = %v, want permanent", err)
	}
	payload, _ := json.Marshal(taskPayload{CaptureID: "ghost"})
	err = h.driver.Handle(context.Background(), scheduler.Task{Kind: TaskKind, Payload: payload})
	if !scheduler.IsPermanent(err) || !errors.Is(err, ErrCaptureNotFound) {
		t.Errorf("error = %v, want permanent ErrCaptureNotFound", err)
	}
}

func TestSubmitAndRetry(t *testing.T) {
	h := newHarness(t, okResult())
	h.newCapture(t, "stored")
	h.newCapture(t, "failed")
	if err := h.store.TransitionCapture(context.Background(), "failed", storage.CaptureStored, storage.CaptureFailed, "boom"); err != nil {
		t.Fatalf("TransitionCapture: %v", err)
	}
	ctx := context.Background()

	if _, err := h.driver.Submit(ctx, "stored"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := h.driver.Submit(ctx, "failed"); !errors.Is(err, ErrNotStored) {
		t.Errorf("Submit(failed) error = %v, want ErrNotStored", err)
	}
	if _, err := h.driver.Retry(ctx, "stored"); !errors.Is(err, ErrNotFailed) {
		t.Errorf("Retry(stored) error = %v, want ErrNotFailed", err)
	}
	if _, err := h.driver.Retry(ctx, "failed"); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if _, err := h.driver.Submit(ctx, "ghost"); !errors.Is(err, ErrCaptureNotFound) {
		t.Errorf("Submit(ghost) error = %v, want ErrCaptureNotFound", err)
	}

	if len(h.sched.units) != 2 {
		t.Fatalf("units = %d, want 2", len(h.sched.units))
	}
	first, second := h.sched.units[0], h.sched.units[1]
	if first.Kind != TaskKind || first.MaxRetries != 2 || first.TimeLimit != 5*time.Second {
		t.Errorf("unit = %+v", first)
	}
	if p := second.Payload.(taskPayload); p.CaptureID != "failed" || !p.Resume {
		t.Errorf("retry payload = %+v, want resume of failed", p)
	}

	// The resumed unit reclaims straight from failed.
	out, err := h.driver.Process(ctx, "failed", 0, true)
	if err != nil {
		t.Fatalf("Process(resume): %v", err)
	}
	if out.Status != storage.CaptureComplete {
		t.Errorf("status = %s, want complete", out.Status)
	}
}

func TestProcessPendingIsBestEffort(t *testing.T) {
	h := newHarness(t, okResult())
	for _, id := range []string{"c1", "c2", "c3"} {
		h.newCapture(t, id)
	}
	h.newCapture(t, "done")
	if err := h.store.TransitionCapture(context.Background(), "done", storage.CaptureStored, storage.CaptureComplete, ""); err != nil {
		t.Fatalf("TransitionCapture: %v", err)
	}
	h.sched.failOn["c2"] = true

	report, err := h.driver.ProcessPending(context.Background(), 10)
	if err != nil {
		t.Fatalf("ProcessPending: %v", err)
	}
	if report.Found != 3 || len(report.Queued) != 2 || len(report.Failed) != 1 {
		t.Fatalf("report = %+v", report)
	}
	if report.Failed[0].CaptureID != "c2" {
		t.Errorf("failed = %+v, want c2", report.Failed)
	}

	limited, err := h.driver.ProcessPending(context.Background(), 1)
	if err != nil {
		t.Fatalf("ProcessPending(1): %v", err)
	}
	if limited.Found != 1 {
		t.Errorf("found = %d, want 1", limited.Found)
	}
}

func TestRecoverStuck(t *testing.T) {
	h := newHarness(t, okResult(vision.Item{Name: "flour", Confidence: 0.9}))
	h.newCapture(t, "stuck")
	h.newCapture(t, "fresh")
	ctx := context.Background()

	if res, err := h.driver.Claim(ctx, "stuck"); err != nil || res != Claimed {
		t.Fatalf("Claim: %v %v", res, err)
	}

	// A crashed worker left "stuck" analyzing; an hour later the sweep runs.
	h.driver.now = func() time.Time { return time.Now().Add(time.Hour) }
	ids, err := h.driver.RecoverStuck(ctx, 10*time.Minute)
	if err != nil {
		t.Fatalf("RecoverStuck: %v", err)
	}
	if len(ids) != 1 || ids[0] != "stuck" {
		t.Fatalf("recovered = %v, want [stuck]", ids)
	}
	c := h.capture(t, "stuck")
	if c.Status != storage.CaptureFailed || !strings.Contains(c.ErrorMessage, "analysis abandoned") {
		t.Errorf("capture = %+v", c)
	}
	if c := h.capture(t, "fresh"); c.Status != storage.CaptureStored {
		t.Errorf("stored capture touched: %s", c.Status)
	}

	// The crashed worker's late Run finds the capture no longer analyzing.
	if _, err := h.driver.Run(ctx, "stuck"); !errors.Is(err, ErrNotAnalyzing) {
		t.Errorf("late Run error = %v, want ErrNotAnalyzing", err)
	}

	// An operator retry brings it to completion.
	out, err := h.driver.Process(ctx, "stuck", 0, true)
	if err != nil || out.Status != storage.CaptureComplete {
		t.Errorf("resume: %+v %v", out, err)
	}
}

func TestDriverWithScheduler(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer store.Close()

	analyzer := &fakeAnalyzer{analyze: func(n int) (vision.Result, error) {
		if n < 3 {
			return vision.Result{}, &vision.Error{Kind: vision.KindMalformed, Err: errors.New("response is not JSON")}
		}
		return vision.Result{SceneConfidence: 0.9, Items: []vision.Item{{Name: "pasta", QuantityEstimate: qty(4), Confidence: 0.88}}}, nil
	}}
	sched := scheduler.New(store, scheduler.Config{Backoff: func(int) time.Duration { return 0 }}, nil)
	d := New(store, &fakeImages{}, analyzer, inventory.NewReconciler(store, nil), sched,
		Config{MaxRetries: 3, TaskTimeout: 5 * time.Second}, nil)
	sched.Register(TaskKind, d.Handle)

	ctx := context.Background()
	if err := store.CreateCapture(ctx, storage.Capture{ID: "c1", DeviceID: "pi", ImageRef: "images/c1.jpg"}); err != nil {
		t.Fatalf("CreateCapture: %v", err)
	}
	taskID, err := d.Submit(ctx, "c1")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	for {
		ran, err := sched.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
		if !ran {
			break
		}
	}

	if analyzer.Calls() != 3 {
		t.Errorf("analyzer calls = %d, want 3", analyzer.Calls())
	}
	info, err := sched.Status(ctx, taskID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if info.Status != scheduler.StatusSucceeded || info.Attempts != 2 {
		t.Errorf("task = %+v, want succeeded after 2 retries", info)
	}
	c, err := store.GetCapture(ctx, "c1")
	if err != nil {
		t.Fatalf("GetCapture: %v", err)
	}
	if c.Status != storage.CaptureComplete {
		t.Errorf("capture status = %s, want complete", c.Status)
	}
}

func TestRetriesExhaustedLeavesCaptureFailed(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer store.Close()

	analyzer := &fakeAnalyzer{analyze: func(int) (vision.Result, error) {
		return vision.Result{}, &vision.Error{Kind: vision.KindNetwork, Err: errors.New("connection refused")}
	}}
	sched := scheduler.New(store, scheduler.Config{Backoff: func(int) time.Duration { return 0 }}, nil)
	d := New(store, &fakeImages{}, analyzer, inventory.NewReconciler(store, nil), sched,
		Config{MaxRetries: 1}, nil)
	sched.Register(TaskKind, d.Handle)

	ctx := context.Background()
	if err := store.CreateCapture(ctx, storage.Capture{ID: "c1", DeviceID: "pi", ImageRef: "images/c1.jpg"}); err != nil {
		t.Fatalf("CreateCapture: %v", err)
	}
	report, err := d.ProcessPending(ctx, 10)
	if err != nil || len(report.Queued) != 1 {
		t.Fatalf("ProcessPending: %+v %v", report, err)
	}

	for {
		ran, err := sched.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
		if !ran {
			break
		}
	}

	if analyzer.Calls() != 2 {
		t.Errorf("analyzer calls = %d, want 2", analyzer.Calls())
	}
	info, _ := sched.Status(ctx, report.Queued[0].TaskID)
	if info.Status != scheduler.StatusFailed {
		t.Errorf("task status = %s, want failed", info.Status)
	}
	c, _ := store.GetCapture(ctx, "c1")
	if c.Status != storage.CaptureFailed || !strings.Contains(c.ErrorMessage, "connection refused") {
		t.Errorf("capture = %+v", c)
	}
}
