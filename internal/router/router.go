// Package router implements the Response Router: matching a reply to
// the specific request a sender is blocked on, even when replies
// arrive out of order or multiple waiters share the same queue.
package router

import (
	"context"
	"encoding/json"
	"time"

	"github.com/meshbroker/broker/internal/inbox"
	"github.com/meshbroker/broker/internal/store"
)

const repliesPrefix = "replies:"

func repliesKey(agent string) string { return repliesPrefix + agent }

// Router reads directly from the replies:<agent> list maintained by
// internal/inbox's Reply method.
type Router struct {
	store store.Store
}

// New returns a Router backed by s.
func New(s store.Store) *Router {
	return &Router{store: s}
}

// WaitForResponse loops until deadline: blocking-pop one entry from
// agent's reply queue; if it matches requestID, return it; otherwise
// put it back at the tail and keep waiting. Put-back-at-tail preserves
// FIFO for other waiters on the same queue. Returns nil, nil on
// timeout.
func (r *Router) WaitForResponse(ctx context.Context, agent, requestID string, timeout time.Duration) (*inbox.Message, error) {
	deadline := time.Now().Add(timeout)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		// Inner pop timeout clamped to [1s, remaining]; the 1s floor is
		// the store's own blocking-pop granularity.
		popTimeout := remaining
		if popTimeout < time.Second {
			popTimeout = time.Second
		}

		raw, ok, err := r.store.ListPopHeadBlocking(ctx, repliesKey(agent), popTimeout)
		if err != nil {
			return nil, err
		}
		if !ok {
			if time.Now().After(deadline) {
				return nil, nil
			}
			continue
		}

		var msg inbox.Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			// Malformed entry: drop it and keep waiting rather than
			// wedging the queue.
			continue
		}
		if msg.ReplyTo == requestID {
			return &msg, nil
		}
		if err := r.store.ListPushTail(ctx, repliesKey(agent), raw); err != nil {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
	}
}
