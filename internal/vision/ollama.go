package vision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/kalambet/pantry/internal/metrics"
	"github.com/kalambet/pantry/internal/ollama"
)

const (
	defaultTimeout   = 60 * time.Second
	defaultRateLimit = 1.0 // requests per second
	defaultBurst     = 2
)

// OllamaChatter is the interface for chat completion via Ollama.
type OllamaChatter interface {
	Chat(ctx context.Context, model string, messages []ollama.Message, jsonSchema *ollama.Schema) (string, error)
}

// OllamaConfig tunes an OllamaAnalyzer. Zero values take defaults.
type OllamaConfig struct {
	Model     string
	Timeout   time.Duration
	RateLimit float64
	Burst     int
}

// OllamaAnalyzer analyzes images with a multimodal Ollama model.
type OllamaAnalyzer struct {
	client  OllamaChatter
	model   string
	timeout time.Duration
	limiter *rate.Limiter
	metrics *metrics.VisionMetrics
	logger  *slog.Logger
}

// NewOllamaAnalyzer creates an analyzer. m may be nil.
func NewOllamaAnalyzer(client OllamaChatter, cfg OllamaConfig, m *metrics.VisionMetrics) *OllamaAnalyzer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultBurst
	}
	return &OllamaAnalyzer{
		client:  client,
		model:   cfg.Model,
		timeout: cfg.Timeout,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		metrics: m,
		logger:  slog.Default().With("component", "vision"),
	}
}

// Analyze sends the image to the model and parses its structured answer.
// Every failure is returned as *Error.
func (a *OllamaAnalyzer) Analyze(ctx context.Context, image []byte) (Result, error) {
	start := time.Now()
	res, err := a.analyze(ctx, image)

	outcome := "ok"
	var verr *Error
	if errors.As(err, &verr) {
		outcome = string(verr.Kind)
	}
	a.metrics.ObserveRequest(outcome, time.Since(start), len(res.Items))

	if err != nil {
		a.logger.Warn("image analysis failed", "model", a.model, "kind", outcome, "error", err)
		return Result{}, err
	}
	a.logger.Info("image analyzed", "model", a.model, "items", len(res.Items),
		"scene_confidence", res.SceneConfidence, "duration", time.Since(start))
	return res, nil
}

func (a *OllamaAnalyzer) analyze(ctx context.Context, image []byte) (Result, error) {
	if len(image) == 0 {
		return Result{}, &Error{Kind: KindNotFound, Err: errors.New("empty image")}
	}

	if err := a.limiter.Wait(ctx); err != nil {
		return Result{}, &Error{Kind: KindRateLimited, Err: fmt.Errorf("rate limiter: %w", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	raw, err := a.client.Chat(ctx, a.model, BuildMessages(image), resultSchema())
	if err != nil {
		return Result{}, classify(err)
	}
	return ParseResult(raw)
}

// classify maps a transport-level failure onto an error kind.
func classify(err error) *Error {
	var se *ollama.StatusError
	if errors.As(err, &se) {
		switch {
		case se.Code == http.StatusTooManyRequests:
			return &Error{Kind: KindRateLimited, Err: err}
		case se.Code == http.StatusNotFound:
			// Ollama answers 404 when the model is not present.
			return &Error{Kind: KindNotFound, Err: err}
		case se.Code >= 500:
			return &Error{Kind: KindNetwork, Err: err}
		default:
			return &Error{Kind: KindUnknown, Err: err}
		}
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.As(err, &netErr) {
		return &Error{Kind: KindNetwork, Err: err}
	}
	return &Error{Kind: KindUnknown, Err: err}
}
