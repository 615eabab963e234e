package ollama

import (
	"context"
	"fmt"
	"io"
)

// EnsureReady checks that Ollama is reachable and the vision model is present,
// pulling it with progress written to w when missing.
func EnsureReady(ctx context.Context, c *Client, visionModel string, w io.Writer) error {
	if !c.IsRunning(ctx) {
		return fmt.Errorf("Ollama is not running at %s. Start it with: ollama serve", c.baseURL)
	}

	if c.HasModel(ctx, visionModel) {
		fmt.Fprintf(w, "model %s: ready\n", visionModel)
		return nil
	}

	fmt.Fprintf(w, "model %s: pulling...\n", visionModel)
	err := c.PullModel(ctx, visionModel, func(p PullProgress) {
		if p.Total > 0 {
			pct := float64(p.Completed) / float64(p.Total) * 100
			fmt.Fprintf(w, "  %s %.0f%%\n", p.Status, pct)
		} else {
			fmt.Fprintf(w, "  %s\n", p.Status)
		}
	})
	if err != nil {
		return fmt.Errorf("pulling model %s: %w", visionModel, err)
	}
	fmt.Fprintf(w, "model %s: ready\n", visionModel)
	return nil
}
