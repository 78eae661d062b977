// Package reconcile implements the control plane's background reconciler
// and reaper (spec §4.6): a startup state-sync pass that repairs drift
// between the backend and the session table, plus a periodic reap loop
// gated by leader election so only one replica acts.
//
// Scheduling is grounded on the teacher's api/internal/plugins/scheduler.go,
// which wraps robfig/cron/v3 for all of its periodic jobs; the reap loop
// here uses the same library with an "@every" expression instead of a
// calendar schedule, since the interval is operator-configured rather than
// fixed.
package reconcile

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/google/uuid"

	"github.com/sandboxctl/control-plane/internal/backend"
	"github.com/sandboxctl/control-plane/internal/cache"
	"github.com/sandboxctl/control-plane/internal/events"
	"github.com/sandboxctl/control-plane/internal/logger"
	"github.com/sandboxctl/control-plane/internal/model"
	"github.com/sandboxctl/control-plane/internal/reconcile/leaderelection"
	"github.com/sandboxctl/control-plane/internal/store"
)

// Elector is the subset of leaderelection.Elector the reconciler needs,
// narrowed so tests can fake it without standing up a real lock backend.
type Elector interface {
	IsLeader() bool
}

var _ Elector = (*leaderelection.Elector)(nil)

// Reconciler owns the startup sync and periodic reap loop.
type Reconciler struct {
	store           *store.Store
	backend         backend.Port
	elector         Elector
	idleThreshold   time.Duration
	idleDisabled    bool
	maxLifetime     time.Duration
	lifetimeDisabled bool
	reapInterval    time.Duration
	cron            *cron.Cron
	activity        *cache.ActivityCache
	events          *events.Bus
}

// SetActivityCache attaches the activity cache so terminated sessions evict
// their cached idle clock rather than leaving a stale entry behind.
func (r *Reconciler) SetActivityCache(a *cache.ActivityCache) { r.activity = a }

// SetEventBus attaches an optional domain event publisher.
func (r *Reconciler) SetEventBus(b *events.Bus) { r.events = b }

// Config carries the reap thresholds pulled from config.Settings. The
// *Disabled flags mirror the -1 sentinel convention: a disabled rule is
// simply skipped rather than given an infinite threshold.
type Config struct {
	IdleThreshold    time.Duration
	IdleDisabled     bool
	MaxLifetime      time.Duration
	LifetimeDisabled bool
	ReapInterval     time.Duration
}

// New builds a Reconciler. elector may be nil, in which case the periodic
// reap loop always runs (useful for single-replica deployments/tests that
// don't exercise leader election).
func New(st *store.Store, be backend.Port, elector Elector, cfg Config) *Reconciler {
	return &Reconciler{
		store:            st,
		backend:          be,
		elector:          elector,
		idleThreshold:    cfg.IdleThreshold,
		idleDisabled:     cfg.IdleDisabled,
		maxLifetime:      cfg.MaxLifetime,
		lifetimeDisabled: cfg.LifetimeDisabled,
		reapInterval:     cfg.ReapInterval,
	}
}

// Sync runs the startup state-sync exactly once, before the control plane
// accepts traffic: it joins the backend's sandbox-labelled containers
// against the non-terminal session rows and repairs every drift case named
// in spec §4.6.
func (r *Reconciler) Sync(ctx context.Context) error {
	log := logger.Reconciler()

	containerIDs, err := r.backend.ListSandboxContainers(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: list sandbox containers: %w", err)
	}
	liveContainers := make(map[string]bool, len(containerIDs))
	for _, id := range containerIDs {
		liveContainers[id] = true
	}

	sessions, err := r.store.Sessions.NonTerminalSessions(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: list non-terminal sessions: %w", err)
	}

	claimed := make(map[string]bool, len(sessions))
	for _, sess := range sessions {
		if sess.ContainerID != "" {
			claimed[sess.ContainerID] = true
		}

		if r.sessionExpiredByLifetime(sess) {
			if err := r.terminateSession(ctx, sess, model.SessionTerminated, "max lifetime exceeded at startup"); err != nil {
				log.Warn().Err(err).Str("session_id", sess.ID).Msg("failed to terminate expired session during sync")
			}
			continue
		}

		if sess.ContainerID == "" || !liveContainers[sess.ContainerID] {
			log.Warn().Str("session_id", sess.ID).Str("container_id", sess.ContainerID).
				Msg("session has no live container at startup, marking failed")
			if err := r.failSession(ctx, sess); err != nil {
				log.Warn().Err(err).Str("session_id", sess.ID).Msg("failed to fail orphaned session during sync")
			}
			continue
		}

		insp, err := r.backend.Inspect(ctx, sess.ContainerID)
		if err != nil || insp.State != backend.StateRunning {
			log.Warn().Str("session_id", sess.ID).Str("container_id", sess.ContainerID).
				Msg("session's container is not running at startup, marking failed")
			if err := r.failSession(ctx, sess); err != nil {
				log.Warn().Err(err).Str("session_id", sess.ID).Msg("failed to fail stopped-container session during sync")
			}
		}
	}

	for _, id := range containerIDs {
		if claimed[id] {
			continue
		}
		log.Warn().Str("container_id", id).Msg("orphan sandbox container found at startup, destroying")
		if err := r.backend.Delete(ctx, id, true); err != nil {
			log.Warn().Err(err).Str("container_id", id).Msg("failed to destroy orphan container")
		}
	}

	log.Info().Int("sessions_checked", len(sessions)).Int("containers_seen", len(containerIDs)).
		Msg("startup state-sync complete")
	return nil
}

func (r *Reconciler) sessionExpiredByLifetime(sess *model.Session) bool {
	if r.lifetimeDisabled {
		return false
	}
	return time.Since(sess.CreatedAt) > r.maxLifetime
}

// failSession marks a session FAILED and any RUNNING execution CRASHED,
// persisting intent before the (best-effort) container delete, per spec
// §4.6's ordering rule.
func (r *Reconciler) failSession(ctx context.Context, sess *model.Session) error {
	if err := r.crashRunningExecutions(ctx, sess.ID); err != nil {
		logger.Reconciler().Warn().Err(err).Str("session_id", sess.ID).
			Msg("failed to crash running executions for orphaned session")
	}
	return r.terminateSession(ctx, sess, model.SessionFailed, "container missing or stopped at startup")
}

// crashRunningExecutions marks every still-RUNNING execution of a session
// CRASHED, used when the startup sync discovers the session's container is
// gone or stopped (spec §4.6: "mark any RUNNING execution CRASHED").
func (r *Reconciler) crashRunningExecutions(ctx context.Context, sessionID string) error {
	executions, err := r.store.Executions.ListBySession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("reconcile: list executions for session %s: %w", sessionID, err)
	}
	for _, ex := range executions {
		if ex.Status != model.ExecutionRunning {
			continue
		}
		ex.Status = model.ExecutionCrashed
		ex.ErrorMessage = "session container was not running at startup"
		if _, err := r.store.Executions.CompareAndSetTerminal(ctx, ex); err != nil {
			return fmt.Errorf("reconcile: crash execution %s: %w", ex.ID, err)
		}
	}
	return nil
}

// Run starts the periodic reap loop. It blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	log := logger.Reconciler()
	r.cron = cron.New()

	interval := r.reapInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	_, err := r.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		if r.elector != nil && !r.elector.IsLeader() {
			return
		}
		reapCtx, cancel := context.WithTimeout(context.Background(), interval)
		defer cancel()
		if err := r.reapOnce(reapCtx); err != nil {
			log.Warn().Err(err).Msg("reap pass failed")
		}
	})
	if err != nil {
		return fmt.Errorf("reconcile: schedule reap job: %w", err)
	}

	r.cron.Start()
	log.Info().Dur("interval", interval).Msg("reaper started")

	<-ctx.Done()
	stopCtx := r.cron.Stop()
	<-stopCtx.Done()
	return nil
}

// reapOnce runs the three reap rules once (a separate method so tests can
// drive a single pass synchronously without waiting on the cron tick).
func (r *Reconciler) reapOnce(ctx context.Context) error {
	log := logger.Reconciler()
	now := time.Now()

	if !r.idleDisabled {
		idle, err := r.store.Sessions.IdleSessions(ctx, now.Add(-r.idleThreshold))
		if err != nil {
			return fmt.Errorf("reconcile: query idle sessions: %w", err)
		}
		for _, sess := range idle {
			log.Info().Str("session_id", sess.ID).Msg("idle reap")
			if err := r.terminateSession(ctx, sess, model.SessionTerminated, "idle timeout"); err != nil {
				log.Warn().Err(err).Str("session_id", sess.ID).Msg("idle reap failed")
			}
		}
	}

	if !r.lifetimeDisabled {
		expired, err := r.store.Sessions.ExpiredLifetimeSessions(ctx, now.Add(-r.maxLifetime))
		if err != nil {
			return fmt.Errorf("reconcile: query expired-lifetime sessions: %w", err)
		}
		for _, sess := range expired {
			log.Info().Str("session_id", sess.ID).Msg("lifetime reap")
			if err := r.terminateSession(ctx, sess, model.SessionTerminated, "max lifetime exceeded"); err != nil {
				log.Warn().Err(err).Str("session_id", sess.ID).Msg("lifetime reap failed")
			}
		}
	}

	if err := r.reapStaleHeartbeats(ctx, now); err != nil {
		return err
	}

	return nil
}

// reapStaleHeartbeats implements the heartbeat-reap rule: executions RUNNING
// for more than 2x their declared timeout, whose container is unreachable,
// become CRASHED and their session FAILED.
func (r *Reconciler) reapStaleHeartbeats(ctx context.Context, now time.Time) error {
	log := logger.Reconciler()

	// RunningOlderThan filters on created_at, so the cutoff here is the
	// loosest possible bound (smallest plausible timeout doubled); the
	// per-execution deadline is re-checked below against its own timeout.
	candidates, err := r.store.Executions.RunningOlderThan(ctx, now.Add(-2*time.Second))
	if err != nil {
		return fmt.Errorf("reconcile: query stale running executions: %w", err)
	}

	for _, ex := range candidates {
		deadline := ex.CreatedAt.Add(2 * time.Duration(ex.Timeout) * time.Second)
		if now.Before(deadline) {
			continue
		}

		sess, err := r.store.Sessions.Get(ctx, ex.SessionID)
		if err != nil {
			log.Warn().Err(err).Str("execution_id", ex.ID).Msg("heartbeat reap: session lookup failed")
			continue
		}

		reachable := r.containerReachable(ctx, sess)
		if reachable {
			continue
		}

		ex.Status = model.ExecutionCrashed
		ex.ErrorMessage = "execution container became unreachable"
		if _, err := r.store.Executions.CompareAndSetTerminal(ctx, ex); err != nil {
			log.Warn().Err(err).Str("execution_id", ex.ID).Msg("heartbeat reap: CAS failed")
			continue
		}
		log.Info().Str("execution_id", ex.ID).Str("session_id", sess.ID).Msg("heartbeat reap: execution crashed")

		if err := r.terminateSession(ctx, sess, model.SessionFailed, "execution heartbeat lost"); err != nil {
			log.Warn().Err(err).Str("session_id", sess.ID).Msg("heartbeat reap: session fail failed")
		}
	}
	return nil
}

func (r *Reconciler) containerReachable(ctx context.Context, sess *model.Session) bool {
	if sess.ContainerID == "" {
		return false
	}
	insp, err := r.backend.Inspect(ctx, sess.ContainerID)
	if err != nil {
		return false
	}
	return insp.State == backend.StateRunning
}

// Terminate applies a user-initiated DELETE /sessions/{id} (spec §6.1),
// reusing the reaper's own terminateSession path so an operator-requested
// termination and an idle/lifetime reap leave identical traces: terminal
// status persisted first, container best-effort deleted, activity cache
// evicted, reaper-action event published with reason "requested".
func (r *Reconciler) Terminate(ctx context.Context, sess *model.Session) error {
	return r.terminateSession(ctx, sess, model.SessionTerminated, "requested")
}

// terminateSession persists the terminal status first, then best-effort
// deletes the backend container, per spec §4.6's ordering rule: a crash
// between the two leaves a next-pass reconcile item, never a dangling
// TERMINATED-but-still-running container.
func (r *Reconciler) terminateSession(ctx context.Context, sess *model.Session, to model.SessionStatus, reason string) error {
	log := logger.Reconciler()

	var containerID string
	err := r.store.WithSessionLock(ctx, sess.ID, func(tx *sql.Tx) error {
		current, err := store.GetTx(ctx, tx, sess.ID)
		if err != nil {
			return err
		}
		if current.Status.IsTerminal() {
			containerID = current.ContainerID
			return nil
		}
		if !model.CanTransition(current.Status, to) {
			// Already moved on by a concurrent actor (scheduler/dispatch);
			// nothing left for the reaper to do.
			containerID = current.ContainerID
			return nil
		}

		now := time.Now()
		current.Status = to
		current.CompletedAt = &now
		if err := store.UpdateTx(ctx, tx, current); err != nil {
			return err
		}
		containerID = current.ContainerID
		return nil
	})
	if err != nil {
		return fmt.Errorf("reconcile: persist terminal status for session %s: %w", sess.ID, err)
	}

	if containerID != "" {
		if err := r.backend.Delete(ctx, containerID, true); err != nil {
			log.Warn().Err(err).Str("session_id", sess.ID).Str("container_id", containerID).
				Msg("failed to delete container after session termination, will be re-discovered as orphan")
		}
	}

	if r.activity != nil {
		if err := r.activity.Evict(ctx, sess.ID); err != nil {
			log.Warn().Err(err).Str("session_id", sess.ID).Msg("failed to evict activity cache entry")
		}
	}

	if r.events != nil {
		if err := r.events.PublishReaperAction(events.ReaperActionEvent{
			EventID:   uuid.New().String(),
			Timestamp: time.Now(),
			SessionID: sess.ID,
			Reason:    reason,
		}); err != nil {
			log.Warn().Err(err).Str("session_id", sess.ID).Msg("failed to publish reaper action event")
		}
	}

	log.Info().Str("session_id", sess.ID).Str("status", string(to)).Str("reason", reason).Msg("session reaped")
	return nil
}
