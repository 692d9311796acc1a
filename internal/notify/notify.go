// Package notify implements the Notify Channel: a per-agent bounded,
// transient wake-signal list. It intentionally contains no
// in-process channels or condition variables, since the store's
// blocking-pop list is both queue and condvar and must keep working
// the same way across stateless broker replicas. Token loss is
// tolerated by design; the inbox remains the source of truth.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/meshbroker/broker/internal/store"
)

const keyPrefix = "notify:"

// Channel is the Notify Channel, backed by a store.Store.
type Channel struct {
	store store.Store
	cap   int64
}

// New returns a Channel backed by s, capping each agent's wake-token
// list at capacity tokens (any value >=1 is correct; callers choose
// the default through config).
func New(s store.Store, capacity int) *Channel {
	if capacity < 1 {
		capacity = 1
	}
	return &Channel{store: s, cap: int64(capacity)}
}

func key(agent string) string {
	return keyPrefix + agent
}

// Notify pushes one wake token for agent and trims the list to the
// configured cap, dropping the oldest tokens on overflow.
func (c *Channel) Notify(ctx context.Context, agent string) error {
	if err := c.store.ListPushTail(ctx, key(agent), "1"); err != nil {
		return err
	}
	// Keep only the newest cap tokens.
	return c.store.ListTrim(ctx, key(agent), -c.cap, -1)
}

// Result is the outcome of a Wait call.
type Result struct {
	Status  string // "ready" or "timeout"
	Pending int64  // valid when Status == "ready"
}

// Wait blocks on agent's notify list for up to timeout (already
// clamped to [1, MAX_WAIT] by the caller), using the store's native
// blocking pop. Callers must still call the inbox's Drain/Peek to
// fetch messages — the token carries no payload.
func (c *Channel) Wait(ctx context.Context, agent string, timeout time.Duration, pendingCount func(context.Context) (int64, error)) (Result, error) {
	if timeout < time.Second {
		timeout = time.Second
	}
	_, ok, err := c.store.ListPopHeadBlocking(ctx, key(agent), timeout)
	if err != nil {
		return Result{}, fmt.Errorf("notify wait for %s: %w", agent, err)
	}
	if !ok {
		return Result{Status: "timeout"}, nil
	}
	pending, err := pendingCount(ctx)
	if err != nil {
		return Result{}, err
	}
	return Result{Status: "ready", Pending: pending}, nil
}
