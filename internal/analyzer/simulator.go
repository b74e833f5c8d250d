package analyzer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/finsight/analysis-engine/internal/engine"
)

// Simulator is a local Executor used when no analysis service is
// configured. It waits a fixed latency and fabricates a result
// reference, which keeps development and demo deployments runnable.
type Simulator struct {
	latency time.Duration
}

// NewSimulator creates a simulator with the given per-job latency.
func NewSimulator(latency time.Duration) *Simulator {
	return &Simulator{latency: latency}
}

var _ engine.Executor = (*Simulator)(nil)

// Execute waits the configured latency, honoring cancellation, then
// returns a deterministic reference for the key pair.
func (s *Simulator) Execute(ctx context.Context, subjectKey, parameterKey string) (string, error) {
	if s.latency > 0 {
		timer := time.NewTimer(s.latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Sprintf("local/%s/%s",
		strings.ToLower(subjectKey),
		strings.ToLower(parameterKey)), nil
}
