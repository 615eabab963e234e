// Package metrics provides the Prometheus collectors exported on /metrics.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the per-component collectors. A nil component (or a nil
// *Metrics) is valid and records nothing, so packages can be used without
// a registry in tests.
type Metrics struct {
	Vision    *VisionMetrics
	Pipeline  *PipelineMetrics
	Inventory *InventoryMetrics
	Scheduler *SchedulerMetrics
}

// New creates and registers every component's collectors on registry.
func New(registry *prometheus.Registry) (*Metrics, error) {
	vm, err := NewVisionMetrics(registry)
	if err != nil {
		return nil, err
	}
	pm, err := NewPipelineMetrics(registry)
	if err != nil {
		return nil, err
	}
	im, err := NewInventoryMetrics(registry)
	if err != nil {
		return nil, err
	}
	sm, err := NewSchedulerMetrics(registry)
	if err != nil {
		return nil, err
	}
	return &Metrics{Vision: vm, Pipeline: pm, Inventory: im, Scheduler: sm}, nil
}

func register(registry *prometheus.Registry, name string, cs ...prometheus.Collector) error {
	for _, c := range cs {
		if err := registry.Register(c); err != nil {
			return fmt.Errorf("failed to register %s metrics: %w", name, err)
		}
	}
	return nil
}

// VisionMetrics tracks calls to the vision service.
type VisionMetrics struct {
	Requests *prometheus.CounterVec
	Duration prometheus.Histogram
	Items    prometheus.Histogram
}

func NewVisionMetrics(registry *prometheus.Registry) (*VisionMetrics, error) {
	m := &VisionMetrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pantry_vision_requests_total",
			Help: "Vision analysis requests by outcome (ok or error kind).",
		}, []string{"outcome"}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pantry_vision_request_duration_seconds",
			Help:    "Duration of vision analysis requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		Items: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pantry_vision_items_per_result",
			Help:    "Number of candidate items returned per successful analysis.",
			Buckets: prometheus.LinearBuckets(0, 5, 8),
		}),
	}
	if err := register(registry, "vision", m.Requests, m.Duration, m.Items); err != nil {
		return nil, err
	}
	return m, nil
}

// ObserveRequest records one analysis call.
func (m *VisionMetrics) ObserveRequest(outcome string, d time.Duration, items int) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(outcome).Inc()
	m.Duration.Observe(d.Seconds())
	if outcome == "ok" {
		m.Items.Observe(float64(items))
	}
}

// PipelineMetrics tracks capture state transitions.
type PipelineMetrics struct {
	Claims      *prometheus.CounterVec
	Transitions *prometheus.CounterVec
	Discarded   prometheus.Counter
	Recovered   prometheus.Counter
}

func NewPipelineMetrics(registry *prometheus.Registry) (*PipelineMetrics, error) {
	m := &PipelineMetrics{
		Claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pantry_capture_claims_total",
			Help: "Capture claim attempts by result (claimed, already_handled).",
		}, []string{"result"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pantry_capture_transitions_total",
			Help: "Capture status transitions by target status.",
		}, []string{"status"}),
		Discarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pantry_capture_results_discarded_total",
			Help: "Analysis results dropped because the capture was no longer analyzing.",
		}),
		Recovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pantry_capture_recovered_total",
			Help: "Captures failed after being stuck in analyzing.",
		}),
	}
	if err := register(registry, "pipeline", m.Claims, m.Transitions, m.Discarded, m.Recovered); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *PipelineMetrics) IncClaim(result string) {
	if m == nil {
		return
	}
	m.Claims.WithLabelValues(result).Inc()
}

func (m *PipelineMetrics) IncTransition(status string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(status).Inc()
}

func (m *PipelineMetrics) IncDiscarded() {
	if m == nil {
		return
	}
	m.Discarded.Inc()
}

func (m *PipelineMetrics) AddRecovered(n int) {
	if m == nil {
		return
	}
	m.Recovered.Add(float64(n))
}

// InventoryMetrics tracks ledger writes.
type InventoryMetrics struct {
	Events          *prometheus.CounterVec
	Rejected        prometheus.Counter
	ConflictRetries prometheus.Counter
	StaleMarked     prometheus.Counter
}

func NewInventoryMetrics(registry *prometheus.Registry) (*InventoryMetrics, error) {
	m := &InventoryMetrics{
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pantry_inventory_events_total",
			Help: "Ledger events appended by type.",
		}, []string{"type"}),
		Rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pantry_inventory_candidates_rejected_total",
			Help: "Observed candidates dropped for falling below the acceptance threshold.",
		}),
		ConflictRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pantry_inventory_conflict_retries_total",
			Help: "Ledger transactions retried after a concurrent state update.",
		}),
		StaleMarked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pantry_inventory_stale_marked_total",
			Help: "Item states whose confidence was zeroed by the staleness sweep.",
		}),
	}
	if err := register(registry, "inventory", m.Events, m.Rejected, m.ConflictRetries, m.StaleMarked); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *InventoryMetrics) IncEvent(eventType string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(eventType).Inc()
}

func (m *InventoryMetrics) AddRejected(n int) {
	if m == nil || n == 0 {
		return
	}
	m.Rejected.Add(float64(n))
}

func (m *InventoryMetrics) IncConflictRetry() {
	if m == nil {
		return
	}
	m.ConflictRetries.Inc()
}

func (m *InventoryMetrics) AddStale(n int) {
	if m == nil {
		return
	}
	m.StaleMarked.Add(float64(n))
}

// SchedulerMetrics tracks task execution.
type SchedulerMetrics struct {
	Tasks    *prometheus.CounterVec
	Duration prometheus.Histogram
	Running  prometheus.Gauge
}

func NewSchedulerMetrics(registry *prometheus.Registry) (*SchedulerMetrics, error) {
	m := &SchedulerMetrics{
		Tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pantry_tasks_total",
			Help: "Task executions by kind and outcome (succeeded, retried, failed, revoked, interrupted).",
		}, []string{"kind", "outcome"}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pantry_task_duration_seconds",
			Help:    "Duration of task executions in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		Running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pantry_tasks_running",
			Help: "Tasks currently executing.",
		}),
	}
	if err := register(registry, "scheduler", m.Tasks, m.Duration, m.Running); err != nil {
		return nil, err
	}
	return m, nil
}

// ObserveTask records one finished execution.
func (m *SchedulerMetrics) ObserveTask(kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Tasks.WithLabelValues(kind, outcome).Inc()
	m.Duration.Observe(d.Seconds())
}

func (m *SchedulerMetrics) TaskStarted() {
	if m == nil {
		return
	}
	m.Running.Inc()
}

func (m *SchedulerMetrics) TaskFinished() {
	if m == nil {
		return
	}
	m.Running.Dec()
}
