package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// activityKey namespaces per-session activity timestamps, following the
// teacher's "prefix:resource:identifier" key convention from
// api/internal/cache/keys.go.
func activityKey(sessionID string) string {
	return fmt.Sprintf("activity:session:%s", sessionID)
}

// ActivityCache is a write-through front for last_activity_at, letting the
// dispatch engine avoid a Postgres round trip on every execute call (spec
// §6.4's "activity / idle-clock cache"). The session store row remains the
// durable source of truth; a cache miss or disabled cache simply means the
// caller falls back to it.
type ActivityCache struct {
	cache *Cache
}

// NewActivityCache wraps an existing Cache.
func NewActivityCache(c *Cache) *ActivityCache {
	return &ActivityCache{cache: c}
}

// Touch records now as the session's last-activity timestamp.
func (a *ActivityCache) Touch(ctx context.Context, sessionID string, now time.Time) error {
	return a.cache.Set(ctx, activityKey(sessionID), now, 24*time.Hour)
}

// Get returns the cached last-activity timestamp, ok=false on a miss or
// disabled cache (the caller should fall back to the session store).
func (a *ActivityCache) Get(ctx context.Context, sessionID string) (t time.Time, ok bool) {
	if !a.cache.IsEnabled() {
		return time.Time{}, false
	}
	var out time.Time
	if err := a.cache.Get(ctx, activityKey(sessionID), &out); err != nil {
		if err != redis.Nil {
			return time.Time{}, false
		}
		return time.Time{}, false
	}
	return out, true
}

// Evict drops the cached timestamp, used when a session terminates.
func (a *ActivityCache) Evict(ctx context.Context, sessionID string) error {
	return a.cache.Delete(ctx, activityKey(sessionID))
}
