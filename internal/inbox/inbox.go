// Package inbox implements the Inbox Engine: per-recipient FIFO
// message queues with TTL filtering, an acknowledgement set, and lazy
// compaction triggered opportunistically by ack_messages.
package inbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/meshbroker/broker/internal/brokererr"
	"github.com/meshbroker/broker/internal/id"
	"github.com/meshbroker/broker/internal/notify"
	"github.com/meshbroker/broker/internal/store"
	"github.com/meshbroker/broker/internal/util/timefmt"
	"github.com/meshbroker/broker/internal/validate"
)

const (
	inboxPrefix   = "inbox:"
	repliesPrefix = "replies:"
	ackedPrefix   = "acked:"

	typeMessage = "message"
	typeReply   = "reply"
)

// Message is the persisted wire record for both top-level sends and
// mirrored replies.
type Message struct {
	ID        string `json:"id"`
	FromAgent string `json:"from_agent"`
	ToAgent   string `json:"to_agent"`
	Message   string `json:"message"`
	Context   string `json:"context,omitempty"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	ReplyTo   string `json:"reply_to,omitempty"`

	// Acked reflects membership in the acked set at read time; the
	// stored message JSON always carries false, and only Drain/Peek
	// set it from the acked set.
	Acked bool `json:"acked"`
}

// AckResult is the wire response of ack_messages.
type AckResult struct {
	Acked     int  `json:"acked"`
	Compacted bool `json:"compacted"`
}

// Engine is the Inbox Engine, backed by a store.Store and a notify.Channel.
type Engine struct {
	store            store.Store
	notify           *notify.Channel
	messageTTL       time.Duration
	compactThreshold int64
	now              func() time.Time
}

// New returns an Engine. messageTTL bounds how long a message survives
// before being filtered from reads; compactThreshold is the inbox
// length above which an ack triggers compaction.
func New(s store.Store, n *notify.Channel, messageTTL time.Duration, compactThreshold int) *Engine {
	return &Engine{
		store:            s,
		notify:           n,
		messageTTL:       messageTTL,
		compactThreshold: int64(compactThreshold),
		now:              time.Now,
	}
}

func (e *Engine) clock() time.Time {
	if e.now != nil {
		return e.now()
	}
	return time.Now()
}

func inboxKey(agent string) string   { return inboxPrefix + agent }
func repliesKey(agent string) string { return repliesPrefix + agent }
func ackedKey(agent string) string   { return ackedPrefix + agent }

// Send constructs a message from `from` to `to`, appends it to to's
// inbox, refreshes the inbox's TTL, and notifies any waiter.
func (e *Engine) Send(ctx context.Context, from, to, body, msgContext string) (*Message, error) {
	if err := validate.AgentID(from); err != nil {
		return nil, err
	}
	if err := validate.AgentID(to); err != nil {
		return nil, err
	}
	if err := validate.Body("message", []byte(body)); err != nil {
		return nil, err
	}
	if err := validate.Body("context", []byte(msgContext)); err != nil {
		return nil, err
	}

	msg := &Message{
		ID:        fmt.Sprintf("%s::%s::%s", from, to, id.Nonce8()),
		FromAgent: from,
		ToAgent:   to,
		Message:   body,
		Context:   msgContext,
		Timestamp: timefmt.Format(e.clock()),
		Type:      typeMessage,
	}
	if err := e.push(ctx, inboxKey(to), msg); err != nil {
		return nil, err
	}
	if e.notify != nil {
		if err := e.notify.Notify(ctx, to); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

// Reply parses requestID to recover the original sender/recipient,
// pushes a reply record onto the original sender's reply queue, and
// mirrors it into that sender's inbox with type=reply.
func (e *Engine) Reply(ctx context.Context, requestID, from, body, status string) (*Message, error) {
	originalSender, _, err := validate.Fingerprint(requestID)
	if err != nil {
		return nil, brokererr.Invalidf("invalid request_id %q", requestID)
	}
	if err := validate.Body("response", []byte(body)); err != nil {
		return nil, err
	}

	reply := &Message{
		ID:        fmt.Sprintf("%s::%s::%s", from, originalSender, id.Nonce8()),
		FromAgent: from,
		ToAgent:   originalSender,
		Message:   body,
		Timestamp: timefmt.Format(e.clock()),
		Type:      typeReply,
		ReplyTo:   requestID,
	}

	if err := e.push(ctx, repliesKey(originalSender), reply); err != nil {
		return nil, err
	}
	if err := e.push(ctx, inboxKey(originalSender), reply); err != nil {
		return nil, err
	}
	if e.notify != nil {
		if err := e.notify.Notify(ctx, originalSender); err != nil {
			return nil, err
		}
	}
	return reply, nil
}

func (e *Engine) push(ctx context.Context, key string, msg *Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message %s: %w", msg.ID, err)
	}
	if err := e.store.ListPushTail(ctx, key, string(b)); err != nil {
		return err
	}
	return e.store.Expire(ctx, key, e.messageTTL)
}

// Drain returns agent's inbox contents oldest-first, with expired
// entries filtered, each annotated with its acked status. It never
// physically removes entries.
func (e *Engine) Drain(ctx context.Context, agent string) ([]*Message, error) {
	return e.read(ctx, agent)
}

// Peek is the read-only twin of Drain (identical today: Drain never
// removes either).
func (e *Engine) Peek(ctx context.Context, agent string) ([]*Message, error) {
	return e.read(ctx, agent)
}

func (e *Engine) read(ctx context.Context, agent string) ([]*Message, error) {
	raw, err := e.store.ListRange(ctx, inboxKey(agent), 0, -1)
	if err != nil {
		return nil, err
	}
	acked, err := e.ackedSet(ctx, agent)
	if err != nil {
		return nil, err
	}

	out := make([]*Message, 0, len(raw))
	for _, r := range raw {
		msg, ok := e.decodeIfFresh(r)
		if !ok {
			continue
		}
		msg.Acked = acked[msg.ID]
		out = append(out, msg)
	}
	return out, nil
}

func (e *Engine) decodeIfFresh(raw string) (*Message, bool) {
	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return nil, false
	}
	if e.expired(msg.Timestamp) {
		return nil, false
	}
	return &msg, true
}

func (e *Engine) expired(timestamp string) bool {
	t, err := time.Parse(timefmt.ISO8601, timestamp)
	if err != nil {
		return false
	}
	return e.clock().Sub(t) > e.messageTTL
}

func (e *Engine) ackedSet(ctx context.Context, agent string) (map[string]bool, error) {
	fields, err := e.store.HashGetAll(ctx, ackedKey(agent))
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(fields))
	for f := range fields {
		out[f] = true
	}
	return out, nil
}

// PendingCount returns agent's raw inbox length (no TTL filtering, so
// it stays cheap).
func (e *Engine) PendingCount(ctx context.Context, agent string) (int64, error) {
	return e.store.ListLen(ctx, inboxKey(agent))
}

// Wait blocks on the notify channel for agent up to timeout, clamped
// by the caller to [1, MAX_WAIT]. The notify signal is advisory only;
// callers must still call Drain to fetch messages.
func (e *Engine) Wait(ctx context.Context, agent string, timeout time.Duration) (notify.Result, error) {
	return e.notify.Wait(ctx, agent, timeout, func(ctx context.Context) (int64, error) {
		return e.PendingCount(ctx, agent)
	})
}

// Ack validates every id against the fingerprint grammar (rejecting
// the whole batch on any malformed id), adds them to agent's acked
// set, and runs compaction if the inbox has grown past the configured
// threshold.
func (e *Engine) Ack(ctx context.Context, agent string, ids []string) (*AckResult, error) {
	if err := validate.FingerprintBatch(ids); err != nil {
		return nil, err
	}

	err := e.store.Pipeline(ctx, func(p store.Pipeliner) {
		for _, id := range ids {
			p.HashSet(ackedKey(agent), id, "1")
		}
	})
	if err != nil {
		return nil, err
	}

	n, err := e.store.ListLen(ctx, inboxKey(agent))
	if err != nil {
		return nil, err
	}

	compacted := false
	if n > e.compactThreshold {
		if err := e.compact(ctx, agent); err != nil {
			return nil, err
		}
		compacted = true
	}

	return &AckResult{Acked: len(ids), Compacted: compacted}, nil
}

// compact rebuilds the inbox keeping only unacked, unexpired entries,
// replaces it atomically if it changed, then prunes acked ids that no
// longer appear in the kept list. The acked set itself is never
// wholesale deleted, only pruned, so a message that reappears after
// TTL expiry can't silently read back as unacked.
func (e *Engine) compact(ctx context.Context, agent string) error {
	raw, err := e.store.ListRange(ctx, inboxKey(agent), 0, -1)
	if err != nil {
		return err
	}
	acked, err := e.ackedSet(ctx, agent)
	if err != nil {
		return err
	}

	kept := make([]string, 0, len(raw))
	keptIDs := make(map[string]bool, len(raw))
	changed := false
	for _, r := range raw {
		var msg Message
		if err := json.Unmarshal([]byte(r), &msg); err != nil {
			changed = true
			continue
		}
		if acked[msg.ID] || e.expired(msg.Timestamp) {
			changed = true
			continue
		}
		kept = append(kept, r)
		keptIDs[msg.ID] = true
	}

	if changed {
		if err := e.store.ListReplace(ctx, inboxKey(agent), kept); err != nil {
			return err
		}
	}

	var prune []string
	for ackedID := range acked {
		if !keptIDs[ackedID] {
			prune = append(prune, ackedID)
		}
	}
	if len(prune) > 0 {
		if err := e.store.HashDelete(ctx, ackedKey(agent), prune...); err != nil {
			return err
		}
	}
	return nil
}
