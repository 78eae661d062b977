package handlers

import (
	"time"

	"github.com/sandboxctl/control-plane/internal/backend"
	"github.com/sandboxctl/control-plane/internal/config"
	"github.com/sandboxctl/control-plane/internal/dispatch"
	"github.com/sandboxctl/control-plane/internal/reconcile"
	"github.com/sandboxctl/control-plane/internal/scheduler"
	"github.com/sandboxctl/control-plane/internal/store"
)

// Handler wires every public and internal route to the core collaborators
// built at the composition root (cmd/controlplane/main.go). It holds no
// state of its own beyond those references.
type Handler struct {
	Store     *store.Store
	Backend   backend.Port
	Scheduler *scheduler.Scheduler
	Engine    *dispatch.Engine
	Reconciler *reconcile.Reconciler
	Settings  *config.Settings
}

// New builds a Handler from the composition root's fully-wired collaborators.
func New(st *store.Store, be backend.Port, sched *scheduler.Scheduler, engine *dispatch.Engine, recon *reconcile.Reconciler, settings *config.Settings) *Handler {
	return &Handler{
		Store:      st,
		Backend:    be,
		Scheduler:  sched,
		Engine:     engine,
		Reconciler: recon,
		Settings:   settings,
	}
}

func durationOrDefault(seconds, fallbackSeconds int) time.Duration {
	if seconds <= 0 {
		seconds = fallbackSeconds
	}
	return time.Duration(seconds) * time.Second
}
