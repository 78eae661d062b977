// Package logger wires the control plane's structured logging around
// zerolog, the way api/internal/logger does for StreamSpace: a global logger
// built once at startup, component-scoped children for each subsystem.
package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log is the process-wide base logger. Component loggers below derive from it.
var Log zerolog.Logger

// Initialize configures the global logger. Call once at process start.
func Initialize(level string, pretty bool) {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	Log = log.With().Str("service", "sandboxctl").Logger()
	Log.Info().Str("level", logLevel.String()).Bool("pretty", pretty).Msg("logger initialized")
}

// Scheduler returns a child logger scoped to the scheduler component.
func Scheduler() *zerolog.Logger { return component("scheduler") }

// Dispatch returns a child logger scoped to the dispatch engine.
func Dispatch() *zerolog.Logger { return component("dispatch") }

// Reconciler returns a child logger scoped to the reconciler/reaper.
func Reconciler() *zerolog.Logger { return component("reconciler") }

// Backend returns a child logger scoped to a backend adapter.
func Backend() *zerolog.Logger { return component("backend") }

// Executor returns a child logger scoped to the in-container runner.
func Executor() *zerolog.Logger { return component("executor") }

// HTTP returns a child logger scoped to the REST façade.
func HTTP() *zerolog.Logger { return component("http") }

// Component returns a child logger scoped to an arbitrary named component,
// for packages (events, cache) that don't warrant a dedicated accessor.
func Component(name string) *zerolog.Logger { return component(name) }

func component(name string) *zerolog.Logger {
	l := Log.With().Str("component", name).Logger()
	return &l
}
