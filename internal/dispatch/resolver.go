package dispatch

import (
	"context"
	"fmt"

	"github.com/sandboxctl/control-plane/internal/backend"
	"github.com/sandboxctl/control-plane/internal/store"
)

// PortResolver implements AddressResolver over a live backend.Port: it
// looks up a session's container id in the store, then asks the backend
// for that container's network address, and combines it with the fixed
// executor port every sandbox image listens on.
type PortResolver struct {
	sessions     *store.SessionStore
	backend      backend.Port
	executorPort int
}

// NewPortResolver builds a PortResolver. executorPort is the same
// EXECUTOR_PORT every sandbox container is configured with (spec §6.4).
func NewPortResolver(sessions *store.SessionStore, port backend.Port, executorPort int) *PortResolver {
	return &PortResolver{sessions: sessions, backend: port, executorPort: executorPort}
}

// ExecutorURL satisfies dispatch.AddressResolver.
func (r *PortResolver) ExecutorURL(ctx context.Context, sessionID string) (string, error) {
	sess, err := r.sessions.Get(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("dispatch: resolve session %s: %w", sessionID, err)
	}
	if sess.ContainerID == "" {
		return "", fmt.Errorf("dispatch: session %s has no container yet", sessionID)
	}
	addr, err := r.backend.ContainerAddress(ctx, sess.ContainerID)
	if err != nil {
		return "", fmt.Errorf("dispatch: resolve address for session %s: %w", sessionID, err)
	}
	return fmt.Sprintf("http://%s:%d", addr, r.executorPort), nil
}
