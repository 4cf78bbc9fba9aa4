package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/jackg825/dream-forge-web-sub003/meshgen"
)

// PollCache memoizes provider task status lookups for a short window.
// A nil *PollCache is valid and disables caching, so callers never
// need to branch on configuration.
type PollCache struct {
	manager *Manager
	ttl     time.Duration
}

// NewPollCache wraps a Manager. ttl 0 uses the manager default.
func NewPollCache(manager *Manager, ttl time.Duration) *PollCache {
	return &PollCache{manager: manager, ttl: ttl}
}

func statusKey(provider, taskID string) string {
	return fmt.Sprintf("dreamforge:poll:%s:%s", provider, taskID)
}

// GetTaskStatus returns a cached status, or false on miss.
func (c *PollCache) GetTaskStatus(ctx context.Context, provider, taskID string) (*meshgen.TaskStatus, bool) {
	if c == nil || c.manager == nil {
		return nil, false
	}
	var status meshgen.TaskStatus
	if err := c.manager.GetJSON(ctx, statusKey(provider, taskID), &status); err != nil {
		return nil, false
	}
	return &status, true
}

// PutTaskStatus caches a poll result. Terminal states are stored with
// a long TTL since they never change; in-flight states use the short
// poll window. Errors are swallowed, the cache is best-effort.
func (c *PollCache) PutTaskStatus(ctx context.Context, provider, taskID string, status *meshgen.TaskStatus) {
	if c == nil || c.manager == nil || status == nil {
		return
	}
	ttl := c.ttl
	if status.State == meshgen.TaskCompleted || status.State == meshgen.TaskFailed {
		ttl = time.Hour
	}
	_ = c.manager.SetJSON(ctx, statusKey(provider, taskID), status, ttl)
}

// Invalidate drops a cached status, used when a task is resubmitted.
func (c *PollCache) Invalidate(ctx context.Context, provider, taskID string) {
	if c == nil || c.manager == nil {
		return
	}
	_ = c.manager.Delete(ctx, statusKey(provider, taskID))
}
