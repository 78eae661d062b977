package executorrunner

import (
	"context"
	"time"

	"github.com/sandboxctl/control-plane/internal/logger"
)

type heartbeatBody struct {
	Timestamp time.Time `json:"timestamp"`
}

// startHeartbeat implements spec §4.5's "every 5 s during an active
// execution, POST {timestamp}" loop. The caller closes the returned
// channel when the execution completes, which stops the ticker.
func (r *Runner) startHeartbeat(ctx context.Context, executionID string) chan struct{} {
	done := make(chan struct{})
	interval := r.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				body := heartbeatBody{Timestamp: time.Now()}
				if err := r.postJSON(ctx, "/internal/executions/"+executionID+"/heartbeat", body); err != nil {
					logger.Executor().Warn().Err(err).Str("execution_id", executionID).Msg("heartbeat post failed")
				}
			}
		}
	}()

	return done
}
