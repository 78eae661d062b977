// Package leaderelection elects a single control-plane replica to run the
// reaper. There are exactly two lock substrates (a local lock file for
// single-host deployments, Redis for multi-replica ones) and the reconciler
// only ever asks one question of the result ("am I the leader right now?"),
// so the elector drives both through a single poll-and-compare loop over a
// narrow lock interface rather than a port-with-adapters shape.
package leaderelection

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sandboxctl/control-plane/internal/logger"
)

// Backend selects the leader election lock substrate.
type Backend string

const (
	BackendFile  Backend = "file"
	BackendRedis Backend = "redis"
)

// Config configures the leader elector.
type Config struct {
	AgentID        string
	Backend        Backend
	InstanceID     string
	LockFilePath   string
	RedisClient    *redis.Client
	RedisKeyPrefix string
	LeaseDuration  time.Duration
	RetryPeriod    time.Duration
}

// DefaultConfig fills in the reconciler's standard timings.
func DefaultConfig(agentID string, backend Backend) *Config {
	instanceID, err := os.Hostname()
	if err != nil {
		instanceID = fmt.Sprintf("instance-%d", time.Now().Unix())
	}

	cfg := &Config{
		AgentID:        agentID,
		Backend:        backend,
		InstanceID:     instanceID,
		LeaseDuration:  15 * time.Second,
		RetryPeriod:    5 * time.Second,
		RedisKeyPrefix: "sandboxctl:reaper:leader:",
	}
	if backend == BackendFile {
		cfg.LockFilePath = filepath.Join(os.TempDir(), fmt.Sprintf("sandboxctl-reaper-%s.lock", agentID))
	}
	return cfg
}

// lock is the narrow interface both substrates implement: Acquire is a
// single idempotent call that grabs the lease if it's free, refreshes it if
// we already hold it, and returns false without error if someone else holds
// it. Folding try-acquire and renew into one call means the elector never
// has to tell the lock which of the two it meant — the lock already knows,
// since it owns the lease record.
type lock interface {
	Acquire(ctx context.Context, holderID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, holderID string) error
	Close() error
}

// Elector polls a lock on a fixed interval and reports leadership changes.
type Elector struct {
	config   *Config
	lock     lock
	stopChan chan struct{}
	mu       sync.RWMutex
	isLeader bool
}

// New builds an Elector for the given backend.
func New(cfg *Config) (*Elector, error) {
	var l lock
	var err error
	switch cfg.Backend {
	case BackendFile:
		l, err = newFileLock(cfg)
	case BackendRedis:
		if cfg.RedisClient == nil {
			return nil, fmt.Errorf("leaderelection: redis client is required for redis backend")
		}
		l = newRedisLock(cfg)
	default:
		return nil, fmt.Errorf("leaderelection: unsupported backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return &Elector{
		config:   cfg,
		lock:     l,
		stopChan: make(chan struct{}),
	}, nil
}

// Run polls the lock every RetryPeriod until ctx is cancelled or Stop is
// called, invoking onBecomeLeader/onLoseLeadership on transitions.
func (e *Elector) Run(ctx context.Context, onBecomeLeader, onLoseLeadership func()) error {
	log := logger.Reconciler()
	log.Info().Str("agent_id", e.config.AgentID).Str("instance_id", e.config.InstanceID).
		Str("backend", string(e.config.Backend)).Msg("starting leader election")

	ticker := time.NewTicker(e.config.RetryPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.relinquish()
			return nil
		case <-e.stopChan:
			e.relinquish()
			return nil
		case <-ticker.C:
			e.poll(ctx, onBecomeLeader, onLoseLeadership)
		}
	}
}

func (e *Elector) poll(ctx context.Context, onBecomeLeader, onLoseLeadership func()) {
	log := logger.Reconciler()

	held, err := e.lock.Acquire(ctx, e.config.InstanceID, e.config.LeaseDuration)
	if err != nil {
		log.Warn().Err(err).Msg("leader election poll failed")
		return
	}

	e.mu.Lock()
	was := e.isLeader
	e.isLeader = held
	e.mu.Unlock()

	switch {
	case held && !was:
		log.Info().Str("agent_id", e.config.AgentID).Msg("became reaper leader")
		if onBecomeLeader != nil {
			onBecomeLeader()
		}
	case !held && was:
		log.Warn().Msg("lost reaper leadership")
		if onLoseLeadership != nil {
			onLoseLeadership()
		}
	}
}

// Stop ends the election loop.
func (e *Elector) Stop() { close(e.stopChan) }

// IsLeader reports current leadership.
func (e *Elector) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isLeader
}

func (e *Elector) relinquish() {
	e.mu.RLock()
	was := e.isLeader
	e.mu.RUnlock()

	if was {
		if err := e.lock.Release(context.Background(), e.config.InstanceID); err != nil {
			logger.Reconciler().Warn().Err(err).Msg("error releasing leadership")
		}
		e.mu.Lock()
		e.isLeader = false
		e.mu.Unlock()
	}
	if err := e.lock.Close(); err != nil {
		logger.Reconciler().Warn().Err(err).Msg("error closing leader election lock")
	}
}
