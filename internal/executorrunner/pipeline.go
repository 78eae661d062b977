package executorrunner

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sandboxctl/control-plane/internal/logger"
	"github.com/sandboxctl/control-plane/internal/model"
)

// capturedResult is the executor-local shape of an execution outcome,
// translated to dispatch.ResultCallback's wire fields by finish.
type capturedResult struct {
	status       model.ExecutionStatus
	exitCode     *int
	errorMessage string
	stdout       string
	stderr       string
	returnValue  []byte
	artifacts    []model.ArtifactMetadata
	metrics      model.Metrics
}

// runWorker is the Runner's single background consumer: it pulls at most
// one job at a time off the bounded queue and runs it to completion before
// taking the next, satisfying spec §5's "single-in-flight by contract".
func (r *Runner) runWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-r.work:
			r.setActive(j)
			r.runJob(ctx, j)
			r.clearActive()
		}
	}
}

// runJob implements spec §4.5 steps 1-7 for one execution.
func (r *Runner) runJob(ctx context.Context, j *job) {
	log := logger.Executor().With().Str("execution_id", j.req.ExecutionID).Logger()
	log.Info().Msg("execution starting")

	entryPath, err := writeWorkspaceFiles(r.cfg.WorkspacePath, j.req.Language, j.req.Code)
	if err != nil {
		r.finish(ctx, j, capturedResult{
			status:       model.ExecutionFailed,
			errorMessage: err.Error(),
		})
		return
	}

	timeout := time.Duration(j.req.Timeout) * time.Second
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	r.setCancel(cancel)
	defer cancel()

	heartbeatDone := r.startHeartbeat(ctx, j.req.ExecutionID)
	defer close(heartbeatDone)

	cmd, err := r.buildCommand(execCtx, j.req.Language, entryPath)
	if err != nil {
		r.finish(ctx, j, capturedResult{status: model.ExecutionFailed, errorMessage: err.Error()})
		return
	}

	if len(j.req.Event) > 0 {
		cmd.Stdin = bytes.NewReader(j.req.Event)
	} else {
		cmd.Stdin = strings.NewReader("{}")
	}

	var stdout, stderr cappedBuffer
	stdout.limit = model.MaxStdoutBytes
	stderr.limit = model.MaxStderrBytes
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	for k, v := range j.req.EnvVars {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	// Ensure the whole process group dies even if the isolated process
	// spawned children that outlive cmd.Run()'s direct child.
	if cmd.Process != nil {
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	res := capturedResult{
		stdout: stdout.String(),
		stderr: stderr.String(),
		metrics: model.Metrics{
			DurationMS: duration.Milliseconds(),
		},
	}

	switch {
	case execCtx.Err() == context.DeadlineExceeded:
		res.status = model.ExecutionTimeout
		res.errorMessage = "execution exceeded its timeout"
	case runErr != nil:
		res.status = model.ExecutionCrashed
		res.errorMessage = runErr.Error()
		if exitErr, ok := asExitError(runErr); ok {
			code := exitErr.ExitCode()
			res.exitCode = &code
			if code >= 0 {
				res.status = model.ExecutionFailed
			}
		}
	default:
		zero := 0
		res.exitCode = &zero
		res.status = model.ExecutionCompleted
		if rv, ok := extractReturnValue(res.stdout); ok {
			res.returnValue = rv
		}
	}

	if artifacts, err := scanArtifacts(r.cfg.WorkspacePath); err != nil {
		log.Warn().Err(err).Msg("artifact scan failed")
	} else {
		res.artifacts = artifacts
	}

	log.Info().Str("status", string(res.status)).Dur("duration", duration).Msg("execution finished")
	r.finish(ctx, j, res)
}

// extractReturnValue implements the spec §6.3 sentinel protocol: stdout
// between the two markers is the JSON return value; its absence means
// return_value stays null while the rest of stdout is preserved verbatim.
func extractReturnValue(stdout string) (json []byte, ok bool) {
	startIdx := strings.Index(stdout, sentinelStart)
	if startIdx == -1 {
		return nil, false
	}
	rest := stdout[startIdx+len(sentinelStart):]
	endIdx := strings.Index(rest, sentinelEnd)
	if endIdx == -1 {
		return nil, false
	}
	payload := strings.TrimSpace(rest[:endIdx])
	if payload == "" {
		return nil, false
	}
	return []byte(payload), true
}

// cappedBuffer truncates writes once limit bytes have accumulated, so a
// runaway process can't exhaust the executor's memory capturing output
// (spec §4.5 step 4: "10 MiB cap each").
type cappedBuffer struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	limit  int
	capped bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.capped {
		return len(p), nil
	}
	remaining := c.limit - c.buf.Len()
	if remaining <= 0 {
		c.capped = true
		return len(p), nil
	}
	if len(p) > remaining {
		c.buf.Write(p[:remaining])
		c.buf.WriteString(model.TruncationMarker)
		c.capped = true
		return len(p), nil
	}
	c.buf.Write(p)
	return len(p), nil
}

func (c *cappedBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

func asExitError(err error) (interface{ ExitCode() int }, bool) {
	type exitCoder interface{ ExitCode() int }
	ec, ok := err.(exitCoder)
	return ec, ok
}
