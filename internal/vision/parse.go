package vision

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type rawItem struct {
	Name             string   `json:"name"`
	Brand            *string  `json:"brand"`
	PackageKind      *string  `json:"package_type"`
	QuantityEstimate *int     `json:"quantity_estimate"`
	Confidence       *float64 `json:"confidence"`
}

type rawResult struct {
	SceneConfidence *float64  `json:"scene_confidence"`
	Items           []rawItem `json:"items"`
	Notes           *string   `json:"notes"`
}

// ParseResult decodes a model response into a Result. Markdown code fences
// around the JSON are tolerated. Items without a name are dropped and negative
// quantities are treated as unknown; missing or out-of-range confidences make
// the whole response malformed.
func ParseResult(raw string) (Result, error) {
	body := stripFences(raw)

	var rr rawResult
	if err := json.Unmarshal([]byte(body), &rr); err != nil {
		return Result{}, &Error{Kind: KindMalformed, Err: fmt.Errorf("invalid JSON in response: %w", err)}
	}
	if rr.SceneConfidence == nil {
		return Result{}, &Error{Kind: KindMalformed, Err: errors.New("missing scene_confidence")}
	}
	if !inUnitRange(*rr.SceneConfidence) {
		return Result{}, &Error{Kind: KindMalformed, Err: fmt.Errorf("scene_confidence %v out of range", *rr.SceneConfidence)}
	}

	res := Result{SceneConfidence: *rr.SceneConfidence, Items: make([]Item, 0, len(rr.Items))}
	if rr.Notes != nil {
		res.Notes = *rr.Notes
	}

	for i, ri := range rr.Items {
		name := strings.TrimSpace(ri.Name)
		if name == "" {
			continue
		}
		if ri.Confidence == nil {
			return Result{}, &Error{Kind: KindMalformed, Err: fmt.Errorf("item %d (%s): missing confidence", i, name)}
		}
		if !inUnitRange(*ri.Confidence) {
			return Result{}, &Error{Kind: KindMalformed, Err: fmt.Errorf("item %d (%s): confidence %v out of range", i, name, *ri.Confidence)}
		}
		it := Item{Name: name, Confidence: *ri.Confidence}
		if ri.Brand != nil {
			it.Brand = strings.TrimSpace(*ri.Brand)
		}
		if ri.PackageKind != nil {
			it.PackageKind = strings.TrimSpace(*ri.PackageKind)
		}
		if ri.QuantityEstimate != nil && *ri.QuantityEstimate >= 0 {
			q := *ri.QuantityEstimate
			it.QuantityEstimate = &q
		}
		res.Items = append(res.Items, it)
	}
	return res, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func inUnitRange(f float64) bool {
	return f >= 0 && f <= 1
}
