package storage

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a versioned update lost a race with another writer.
	ErrConflict = errors.New("concurrent update conflict")

	// ErrStatusMismatch is returned when a conditional status transition finds the
	// row in a different status than expected.
	ErrStatusMismatch = errors.New("status mismatch")
)

// CaptureStatus is the processing state of a capture.
type CaptureStatus string

const (
	CaptureStored    CaptureStatus = "stored"
	CaptureAnalyzing CaptureStatus = "analyzing"
	CaptureComplete  CaptureStatus = "complete"
	CaptureFailed    CaptureStatus = "failed"
)

// Terminal reports whether no further transition is expected for the current attempt.
func (s CaptureStatus) Terminal() bool {
	return s == CaptureComplete || s == CaptureFailed
}

// TransitionError describes a lost compare-and-set on a capture status.
type TransitionError struct {
	CaptureID string
	Want      CaptureStatus
	Current   CaptureStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("capture %s: expected status %s, found %s", e.CaptureID, e.Want, e.Current)
}

func (e *TransitionError) Unwrap() error { return ErrStatusMismatch }

type Capture struct {
	ID              string
	DeviceID        string
	TriggerType     string
	CapturedAt      time.Time
	ImageRef        string
	Status          CaptureStatus
	ErrorMessage    string
	CreatedAt       time.Time
	StatusChangedAt time.Time
}

type Observation struct {
	ID              string
	CaptureID       string
	RawJSON         string
	SceneConfidence float64
	CreatedAt       time.Time
}

type Item struct {
	ID            string
	CanonicalName string
	Brand         string
	PackageKind   string
	CreatedAt     time.Time
}

// State is the single mutable aggregate per item. Version is bumped on every
// write and used for compare-and-set updates.
type State struct {
	ItemID        string
	CountEstimate int
	Confidence    float64
	LastSeenAt    *time.Time
	IsManual      bool
	Notes         string
	Version       int
	UpdatedAt     time.Time
}

// EventType classifies an inventory ledger entry.
type EventType string

const (
	EventSeen           EventType = "seen"
	EventAdjusted       EventType = "adjusted"
	EventManualOverride EventType = "manual_override"
)

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	switch t {
	case EventSeen, EventAdjusted, EventManualOverride:
		return true
	}
	return false
}

type Event struct {
	Seq       int64
	ID        string
	ItemID    string
	CaptureID string // empty for manual events
	Type      EventType
	Delta     int
	Details   string // JSON object stored as text
	CreatedAt time.Time
}

// ItemRecord joins an item with its current state.
type ItemRecord struct {
	Item  Item
	State State
}

// EventRecord is an event annotated with its item's canonical name.
type EventRecord struct {
	Event
	ItemName string
}

// LedgerMismatch reports an item whose count does not equal the sum of its event deltas.
type LedgerMismatch struct {
	ItemID        string
	CanonicalName string
	CountEstimate int
	DeltaSum      int
}

// JobStatus is the lifecycle state of a queued unit of work.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobStarted   JobStatus = "started"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobRevoked   JobStatus = "revoked"
)

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      JobStatus
	Attempts    int
	MaxAttempts int
	Timeout     time.Duration
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
