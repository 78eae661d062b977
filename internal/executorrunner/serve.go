package executorrunner

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sandboxctl/control-plane/internal/logger"
)

// Run starts the worker goroutine and the HTTP server, and blocks until ctx
// is cancelled, at which point it shuts the server down gracefully. The
// in-flight execution (if any) runs under a context derived from ctx, so
// it is cancelled rather than drained.
func (r *Runner) Run(ctx context.Context) error {
	go r.runWorker(ctx)
	go r.runControlChannel(ctx)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", r.cfg.ExecutorPort),
		Handler: r.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Executor().Info().Int("port", r.cfg.ExecutorPort).Msg("executor daemon listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
