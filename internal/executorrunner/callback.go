package executorrunner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/sandboxctl/control-plane/internal/logger"
	"github.com/sandboxctl/control-plane/internal/model"
)

// resultCallbackBody mirrors dispatch.ResultCallback's wire shape; kept as
// a local type so this package never imports internal/dispatch.
type resultCallbackBody struct {
	Status       model.ExecutionStatus    `json:"status"`
	ExitCode     *int                     `json:"exit_code,omitempty"`
	ErrorMessage string                   `json:"error_message,omitempty"`
	Stdout       string                   `json:"stdout,omitempty"`
	Stderr       string                   `json:"stderr,omitempty"`
	Artifacts    []model.ArtifactMetadata `json:"artifacts,omitempty"`
	Metrics      model.Metrics            `json:"metrics"`
	ReturnValue  json.RawMessage          `json:"return_value,omitempty"`
	Attempt      int                      `json:"attempt"`
}

// resultsDir is where a result is persisted for later scrape once every
// callback retry has been exhausted (spec §4.5 "final failure"). A var
// rather than a const so tests can redirect it under t.TempDir().
var resultsDir = "/tmp/results"

// callbackBackoff is the spec §4.5 bounded exponential schedule: 1s, 2s,
// 4s, 8s, capped at 10s. finish waits these five delays between up to 6
// attempts in total.
var callbackBackoff = []time.Duration{
	1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second,
}

// finish posts an execution's terminal result to the control plane,
// retrying with backoff, and persists to disk if every attempt fails.
func (r *Runner) finish(ctx context.Context, j *job, res capturedResult) {
	body := resultCallbackBody{
		Status:       res.status,
		ExitCode:     res.exitCode,
		ErrorMessage: res.errorMessage,
		Stdout:       res.stdout,
		Stderr:       res.stderr,
		Artifacts:    res.artifacts,
		Metrics:      res.metrics,
		ReturnValue:  res.returnValue,
	}

	var lastErr error
	for attempt := 1; attempt <= len(callbackBackoff)+1; attempt++ {
		body.Attempt = attempt
		if err := r.postResult(ctx, j.req.ExecutionID, body); err != nil {
			lastErr = err
			logger.Executor().Warn().Err(err).Str("execution_id", j.req.ExecutionID).Int("attempt", attempt).Msg("result callback failed")
			if attempt <= len(callbackBackoff) {
				select {
				case <-time.After(callbackBackoff[attempt-1]):
				case <-ctx.Done():
					return
				}
				continue
			}
			break
		}
		return
	}

	logger.Executor().Error().Err(lastErr).Str("execution_id", j.req.ExecutionID).Msg("result callback exhausted retries, persisting to disk")
	r.persistResult(j.req.ExecutionID, body)
}

func (r *Runner) postResult(ctx context.Context, executionID string, body resultCallbackBody) error {
	return r.postJSON(ctx, fmt.Sprintf("/internal/executions/%s/result", executionID), body)
}

// persistResult writes an exhausted-retry result to resultsDir for later
// offline scrape, per spec §4.5.
func (r *Runner) persistResult(executionID string, body resultCallbackBody) {
	if err := os.MkdirAll(resultsDir, 0o755); err != nil {
		logger.Executor().Error().Err(err).Msg("failed to create results directory")
		return
	}
	data, err := json.Marshal(body)
	if err != nil {
		logger.Executor().Error().Err(err).Msg("failed to marshal result for disk persistence")
		return
	}
	path := filepath.Join(resultsDir, executionID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		logger.Executor().Error().Err(err).Str("path", path).Msg("failed to persist result to disk")
	}
}

// postJSON is the shared outbound-call helper for every control-plane
// callback this executor makes (container_ready, container_exited, result,
// heartbeat), all bearer-authenticated with INTERNAL_API_TOKEN.
func (r *Runner) postJSON(ctx context.Context, path string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.ControlPlaneURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.cfg.InternalAPIToken)

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("executorrunner: %s returned status %d", path, resp.StatusCode)
	}
	return nil
}
