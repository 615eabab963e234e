package vision

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/pantry/internal/ollama"
)

// mockChatter implements OllamaChatter for testing.
type mockChatter struct {
	response string
	err      error
	delay    time.Duration
	messages []ollama.Message
	schema   *ollama.Schema
}

func (m *mockChatter) Chat(ctx context.Context, model string, messages []ollama.Message, jsonSchema *ollama.Schema) (string, error) {
	m.messages = messages
	m.schema = jsonSchema
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return m.response, m.err
}

func newTestAnalyzer(c OllamaChatter, timeout time.Duration) *OllamaAnalyzer {
	return NewOllamaAnalyzer(c, OllamaConfig{Model: "llava", Timeout: timeout, RateLimit: 1000, Burst: 100}, nil)
}

func TestAnalyze_Success(t *testing.T) {
	mock := &mockChatter{
		response: `{"scene_confidence":0.92,"items":[{"name":"peanut butter","brand":"Jif","package_type":"jar","quantity_estimate":3,"confidence":0.85},{"name":"rice","confidence":0.6}],"notes":"top shelf dim"}`,
	}
	a := newTestAnalyzer(mock, time.Second)

	got, err := a.Analyze(context.Background(), []byte("jpeg-bytes"))
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if got.SceneConfidence != 0.92 || got.Notes != "top shelf dim" {
		t.Errorf("result = %+v", got)
	}
	if len(got.Items) != 2 {
		t.Fatalf("items = %d, want 2", len(got.Items))
	}
	pb := got.Items[0]
	if pb.Name != "peanut butter" || pb.Brand != "Jif" || pb.PackageKind != "jar" || pb.QuantityEstimate == nil || *pb.QuantityEstimate != 3 {
		t.Errorf("first item = %+v", pb)
	}
	if got.Items[1].QuantityEstimate != nil {
		t.Errorf("rice quantity = %v, want nil", *got.Items[1].QuantityEstimate)
	}

	if len(mock.messages) != 1 || len(mock.messages[0].Images) != 1 {
		t.Errorf("expected one message with one image, got %+v", mock.messages)
	}
	if mock.schema == nil || mock.schema.Properties["items"].Items == nil {
		t.Error("expected items schema to describe array elements")
	}
}

func TestAnalyze_ErrorKinds(t *testing.T) {
	tests := []struct {
		name string
		mock *mockChatter
		want ErrorKind
	}{
		{"rate limited", &mockChatter{err: &ollama.StatusError{Op: "chat", Code: http.StatusTooManyRequests}}, KindRateLimited},
		{"server error", &mockChatter{err: &ollama.StatusError{Op: "chat", Code: http.StatusBadGateway}}, KindNetwork},
		{"model missing", &mockChatter{err: &ollama.StatusError{Op: "chat", Code: http.StatusNotFound}}, KindNotFound},
		{"bad request", &mockChatter{err: &ollama.StatusError{Op: "chat", Code: http.StatusBadRequest}}, KindUnknown},
		{"malformed", &mockChatter{response: `I see a shelf with jars`}, KindMalformed},
		{"other", &mockChatter{err: fmt.Errorf("boom")}, KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestAnalyzer(tt.mock, time.Second).Analyze(context.Background(), []byte("img"))
			var verr *Error
			if !errors.As(err, &verr) {
				t.Fatalf("error = %v, want *Error", err)
			}
			if verr.Kind != tt.want {
				t.Errorf("Kind = %q, want %q", verr.Kind, tt.want)
			}
			if !verr.Retryable() {
				t.Error("vision errors should be retryable")
			}
		})
	}
}

func TestAnalyze_Timeout(t *testing.T) {
	mock := &mockChatter{response: `{"scene_confidence":1,"items":[]}`, delay: 5 * time.Second}
	a := newTestAnalyzer(mock, 50*time.Millisecond)

	start := time.Now()
	_, err := a.Analyze(context.Background(), []byte("img"))
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Analyze took %v, want the per-call timeout to apply", elapsed)
	}
	var verr *Error
	if !errors.As(err, &verr) || verr.Kind != KindNetwork {
		t.Errorf("error = %v, want network kind", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error should wrap context.DeadlineExceeded, got %v", err)
	}
}

func TestAnalyze_EmptyImage(t *testing.T) {
	_, err := newTestAnalyzer(&mockChatter{}, time.Second).Analyze(context.Background(), nil)
	var verr *Error
	if !errors.As(err, &verr) || verr.Kind != KindNotFound {
		t.Errorf("error = %v, want not_found kind", err)
	}
}

func TestErrorMessageIncludesKind(t *testing.T) {
	err := &Error{Kind: KindRateLimited, Err: errors.New("slow down")}
	if !strings.Contains(err.Error(), "rate_limited") || !strings.Contains(err.Error(), "slow down") {
		t.Errorf("Error() = %q", err.Error())
	}
}
