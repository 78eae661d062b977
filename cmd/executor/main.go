// Command executor is the process that runs inside a session's sandbox
// container. It owns exactly one execution slot at a time, isolates the
// user's code under bwrap, and reports back to the control plane over the
// internal callback surface.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sandboxctl/control-plane/internal/executorrunner"
	"github.com/sandboxctl/control-plane/internal/logger"
)

func main() {
	logger.Initialize(getEnvOrDefault("LOG_LEVEL", "info"), getEnvOrDefault("LOG_PRETTY", "false") == "true")
	log := logger.Log

	port, err := strconv.Atoi(getEnvOrDefault("EXECUTOR_PORT", "7000"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "executor: invalid EXECUTOR_PORT:", err)
		os.Exit(1)
	}
	heartbeatSeconds, err := strconv.Atoi(getEnvOrDefault("EXECUTOR_HEARTBEAT_INTERVAL_SECONDS", "5"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "executor: invalid EXECUTOR_HEARTBEAT_INTERVAL_SECONDS:", err)
		os.Exit(1)
	}

	cfg := executorrunner.Config{
		SessionID:         os.Getenv("SESSION_ID"),
		ControlPlaneURL:   os.Getenv("CONTROL_PLANE_URL"),
		InternalAPIToken:  os.Getenv("INTERNAL_API_TOKEN"),
		WorkspacePath:     getEnvOrDefault("WORKSPACE_PATH", "/workspace"),
		ExecutorPort:      port,
		RuntimeKind:       os.Getenv("RUNTIME_KIND"),
		DisableBwrap:      getEnvOrDefault("DISABLE_BWRAP", "false") == "true",
		HeartbeatInterval: time.Duration(heartbeatSeconds) * time.Second,
	}

	runner, err := executorrunner.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build executor runner")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- runner.Run(ctx)
	}()

	go func() {
		announceCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := runner.Announce(announceCtx); err != nil {
			log.Error().Err(err).Msg("failed to announce container readiness")
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			log.Error().Err(err).Msg("executor server stopped")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	runner.Shutdown(shutdownCtx, executorrunner.ExitSIGTERM)
	log.Info().Msg("executor stopped")
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
