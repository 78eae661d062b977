// Package config builds the control plane's typed settings record from the
// closed set of recognized environment variables.
//
// The source's dynamic config/env dicts are deliberately not carried over: every
// recognized option is named here, parsed once at startup, validated, and passed
// by reference to the rest of the process. Nothing downstream reads os.Getenv
// directly.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Backend selects which container backend adapter the scheduler binds to.
type Backend string

const (
	BackendLocal   Backend = "local"
	BackendCluster Backend = "cluster"
)

// LeaderBackend selects the reconciler's leader-election lock implementation.
type LeaderBackend string

const (
	LeaderBackendFile  LeaderBackend = "file"
	LeaderBackendRedis LeaderBackend = "redis"
)

// Settings is the closed set of options recognized by spec §6.4, built once at
// process start and passed by reference to every collaborator that needs it.
type Settings struct {
	DatabaseURL     string
	ControlPlaneURL string
	InternalAPIToken string

	DefaultTimeout time.Duration
	MaxTimeout     time.Duration

	IdleThreshold      time.Duration // -1 (sentinel) disables idle reap
	IdleThresholdUnset bool          // true when IDLE_THRESHOLD_MINUTES == -1
	MaxLifetime        time.Duration
	MaxLifetimeUnset    bool

	CleanupInterval time.Duration

	DisableBwrap bool

	WorkspacePath string
	ExecutorPort  int

	Backend         Backend
	DockerHost      string
	DockerNetwork   string
	ClusterNamespace string

	LogLevel  string
	LogPretty bool

	NATSURL string
	RedisURL string

	ReconcilerLeaderBackend LeaderBackend
	ReconcilerLockPath      string

	ExecutorHeartbeatInterval time.Duration

	APIPort string

	S3Endpoint    string
	S3AccessKey   string
	S3SecretKey   string
	S3Bucket      string

	OTLPEndpoint string

	// TemplateSeedPath optionally names a YAML file of operator-maintained
	// template definitions to upsert at startup (spec §3). Empty disables
	// seeding entirely.
	TemplateSeedPath string
}

// Load reads the environment and returns validated Settings.
func Load() (*Settings, error) {
	s := &Settings{
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		ControlPlaneURL:  os.Getenv("CONTROL_PLANE_URL"),
		InternalAPIToken: os.Getenv("INTERNAL_API_TOKEN"),
		WorkspacePath:    getEnvOrDefault("WORKSPACE_PATH", "/workspace"),
		Backend:          Backend(getEnvOrDefault("CONTAINER_BACKEND", string(BackendLocal))),
		DockerHost:       os.Getenv("DOCKER_HOST"),
		DockerNetwork:    getEnvOrDefault("DOCKER_NETWORK", "bridge"),
		ClusterNamespace: getEnvOrDefault("CLUSTER_NAMESPACE", "default"),
		LogLevel:         getEnvOrDefault("LOG_LEVEL", "info"),
		LogPretty:        getEnvOrDefault("LOG_PRETTY", "false") == "true",
		NATSURL:          os.Getenv("NATS_URL"),
		RedisURL:         os.Getenv("REDIS_URL"),
		ReconcilerLeaderBackend: LeaderBackend(getEnvOrDefault("RECONCILER_LEADER_BACKEND", string(LeaderBackendFile))),
		ReconcilerLockPath:      getEnvOrDefault("RECONCILER_LOCK_PATH", "/var/run/sandboxctl/reconciler.lock"),
		APIPort:   getEnvOrDefault("API_PORT", "8080"),
		S3Endpoint:  os.Getenv("S3_ENDPOINT"),
		S3AccessKey: os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey: os.Getenv("S3_SECRET_KEY"),
		S3Bucket:    os.Getenv("S3_BUCKET"),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TemplateSeedPath: os.Getenv("TEMPLATE_SEED_PATH"),
	}

	defaultTimeout, err := getEnvIntOrDefault("DEFAULT_TIMEOUT", 300)
	if err != nil {
		return nil, err
	}
	s.DefaultTimeout = time.Duration(defaultTimeout) * time.Second

	maxTimeout, err := getEnvIntOrDefault("MAX_TIMEOUT", 3600)
	if err != nil {
		return nil, err
	}
	s.MaxTimeout = time.Duration(maxTimeout) * time.Second

	idleMinutes, err := getEnvIntOrDefault("IDLE_THRESHOLD_MINUTES", 30)
	if err != nil {
		return nil, err
	}
	if idleMinutes == -1 {
		s.IdleThresholdUnset = true
	} else {
		s.IdleThreshold = time.Duration(idleMinutes) * time.Minute
	}

	maxLifetimeHours, err := getEnvIntOrDefault("MAX_LIFETIME_HOURS", 6)
	if err != nil {
		return nil, err
	}
	if maxLifetimeHours == -1 {
		s.MaxLifetimeUnset = true
	} else {
		s.MaxLifetime = time.Duration(maxLifetimeHours) * time.Hour
	}

	cleanupSeconds, err := getEnvIntOrDefault("CLEANUP_INTERVAL_SECONDS", 300)
	if err != nil {
		return nil, err
	}
	s.CleanupInterval = time.Duration(cleanupSeconds) * time.Second

	executorPort, err := getEnvIntOrDefault("EXECUTOR_PORT", 7000)
	if err != nil {
		return nil, err
	}
	s.ExecutorPort = executorPort

	heartbeatSeconds, err := getEnvIntOrDefault("EXECUTOR_HEARTBEAT_INTERVAL_SECONDS", 5)
	if err != nil {
		return nil, err
	}
	s.ExecutorHeartbeatInterval = time.Duration(heartbeatSeconds) * time.Second

	// DISABLE_BWRAP default is true in dev; production deployments must set it
	// false explicitly. The executor refuses to start without an isolation
	// binary unless this is exactly "true" (see internal/executorrunner).
	s.DisableBwrap = getEnvOrDefault("DISABLE_BWRAP", "true") == "true"

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate rejects settings combinations that would make the process unsafe or
// meaningless to start.
func (s *Settings) Validate() error {
	if s.DefaultTimeout <= 0 || s.DefaultTimeout > 3600*time.Second {
		return fmt.Errorf("config: DEFAULT_TIMEOUT must be in 1..3600 seconds")
	}
	if s.MaxTimeout < s.DefaultTimeout {
		return fmt.Errorf("config: MAX_TIMEOUT must be >= DEFAULT_TIMEOUT")
	}
	if s.Backend != BackendLocal && s.Backend != BackendCluster {
		return fmt.Errorf("config: CONTAINER_BACKEND must be 'local' or 'cluster', got %q", s.Backend)
	}
	if s.ReconcilerLeaderBackend != LeaderBackendFile && s.ReconcilerLeaderBackend != LeaderBackendRedis {
		return fmt.Errorf("config: RECONCILER_LEADER_BACKEND must be 'file' or 'redis', got %q", s.ReconcilerLeaderBackend)
	}
	if s.ReconcilerLeaderBackend == LeaderBackendRedis && s.RedisURL == "" {
		return fmt.Errorf("config: RECONCILER_LEADER_BACKEND=redis requires REDIS_URL")
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be an integer, got %q: %w", key, v, err)
	}
	return n, nil
}
