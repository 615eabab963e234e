// Package vision turns shelf images into structured, confidence-scored item lists.
package vision

import (
	"context"
	"fmt"
)

// Item is one candidate the analyzer believes is on the shelf.
type Item struct {
	Name             string  `json:"name"`
	Brand            string  `json:"brand,omitempty"`
	PackageKind      string  `json:"package_type,omitempty"`
	QuantityEstimate *int    `json:"quantity_estimate,omitempty"`
	Confidence       float64 `json:"confidence"`
}

// Result is the structured outcome of analyzing one image.
type Result struct {
	SceneConfidence float64 `json:"scene_confidence"`
	Items           []Item  `json:"items"`
	Notes           string  `json:"notes,omitempty"`
}

// Analyzer is the vision service consumed by the capture pipeline.
type Analyzer interface {
	Analyze(ctx context.Context, image []byte) (Result, error)
}

// ErrorKind classifies an analysis failure.
type ErrorKind string

const (
	KindNetwork     ErrorKind = "network"
	KindRateLimited ErrorKind = "rate_limited"
	KindMalformed   ErrorKind = "malformed"
	KindNotFound    ErrorKind = "not_found"
	KindUnknown     ErrorKind = "unknown"
)

// Error is returned by analyzers for every failure.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("vision %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether a later attempt may succeed. Every kind is
// retried, including malformed responses, since model output varies per call.
func (e *Error) Retryable() bool { return true }
