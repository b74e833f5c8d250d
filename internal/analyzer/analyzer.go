// Package analyzer provides the reference Executor implementation: it
// delegates analysis work to an external HTTP service and classifies
// transport and status failures for the retry policy.
package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/finsight/analysis-engine/internal/engine"
)

// DefaultRequestTimeout bounds a single analysis call when the config
// does not specify one.
const DefaultRequestTimeout = 2 * time.Minute

// HTTPAnalyzer calls an external analysis service over HTTP.
type HTTPAnalyzer struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// analyzeRequest is the wire format sent to the analysis service.
type analyzeRequest struct {
	SubjectKey   string `json:"subject_key"`
	ParameterKey string `json:"parameter_key"`
}

// analyzeResponse is the wire format returned by the analysis service.
type analyzeResponse struct {
	ResultRef string `json:"result_ref"`
}

// NewHTTPAnalyzer creates an analyzer client for the given base URL.
func NewHTTPAnalyzer(baseURL string, timeout time.Duration, logger *slog.Logger) *HTTPAnalyzer {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &HTTPAnalyzer{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With("component", "http_analyzer"),
	}
}

// Verify HTTPAnalyzer implements engine.Executor.
var _ engine.Executor = (*HTTPAnalyzer)(nil)

// Execute runs one analysis attempt. Transport errors and 5xx responses
// are transient; 4xx responses are permanent.
func (a *HTTPAnalyzer) Execute(ctx context.Context, subjectKey, parameterKey string) (string, error) {
	body, err := json.Marshal(analyzeRequest{
		SubjectKey:   subjectKey,
		ParameterKey: parameterKey,
	})
	if err != nil {
		return "", engine.NewSystemError(fmt.Errorf("failed to encode analysis request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.baseURL+"/analyze", bytes.NewReader(body))
	if err != nil {
		return "", engine.NewSystemError(fmt.Errorf("failed to build analysis request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		// Honor cancellation over transport classification.
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", engine.NewTransientError(fmt.Errorf("analysis request failed: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
		var out analyzeResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", engine.NewTransientError(fmt.Errorf("failed to decode analysis response: %w", err))
		}
		if out.ResultRef == "" {
			return "", engine.NewPermanentError(fmt.Errorf("analysis service returned empty result reference"))
		}
		return out.ResultRef, nil

	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= http.StatusInternalServerError:
		a.logger.Warn("analysis service unavailable",
			"status_code", resp.StatusCode,
			"subject_key", subjectKey)
		return "", engine.NewTransientError(
			fmt.Errorf("analysis service returned status %d: %s",
				resp.StatusCode, readErrorBody(resp.Body)))

	default:
		return "", engine.NewPermanentError(
			fmt.Errorf("analysis rejected with status %d: %s",
				resp.StatusCode, readErrorBody(resp.Body)))
	}
}

// readErrorBody returns a bounded snippet of the response body for error
// messages.
func readErrorBody(r io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(r, 512))
	if err != nil || len(b) == 0 {
		return "no response body"
	}
	return string(b)
}
