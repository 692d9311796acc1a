// Package audit implements the Audit Log: a best-effort,
// head-inserted, capped event log with a fixed retention window.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/meshbroker/broker/internal/store"
	"github.com/meshbroker/broker/internal/util/timefmt"
)

const (
	auditKey   = "audit"
	maxEntries = 1000
	retention  = 7 * 24 * time.Hour
)

// Event names used across the broker's authentication, presence, and
// messaging paths.
const (
	EventAuthSuccess        = "auth_success"
	EventAuthFailure        = "auth_failure"
	EventAgentRegister      = "agent_register"
	EventAgentUnregister    = "agent_unregister"
	EventMessageSend        = "message_send"
	EventMessageRespond     = "message_respond"
	EventMessageReceive     = "message_receive"
	EventAdminKeyCreate     = "admin_key_create"
	EventAdminKeyRevoke     = "admin_key_revoke"
	EventAuthorizationDenied = "authorization_denied"
)

// Entry is one audit log record.
type Entry struct {
	Event     string                 `json:"event"`
	Timestamp string                 `json:"timestamp"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Log is the Audit Log, backed by a store.Store.
type Log struct {
	store store.Store
	now   func() time.Time
}

// New returns a Log backed by s.
func New(s store.Store) *Log {
	return &Log{store: s, now: time.Now}
}

func (l *Log) clock() time.Time {
	if l.now != nil {
		return l.now()
	}
	return time.Now()
}

// Write appends an audit entry. Failures are logged at WARN and
// swallowed: audit logging must never affect the outcome of the
// operation it observes.
func (l *Log) Write(ctx context.Context, event string, fields map[string]interface{}) {
	entry := Entry{
		Event:     event,
		Timestamp: timefmt.Format(l.clock()),
		Fields:    fields,
	}
	b, err := json.Marshal(entry)
	if err != nil {
		slog.Warn("audit: encode entry failed", "event", event, "error", err)
		return
	}
	if err := l.store.ListPushHead(ctx, auditKey, string(b)); err != nil {
		slog.Warn("audit: write failed", "event", event, "error", err)
		return
	}
	if err := l.store.ListTrim(ctx, auditKey, 0, maxEntries-1); err != nil {
		slog.Warn("audit: trim failed", "error", err)
	}
	if err := l.store.Expire(ctx, auditKey, retention); err != nil {
		slog.Warn("audit: expire failed", "error", err)
	}
}

// Recent returns up to limit newest-first entries, optionally filtered
// to a single event name.
func (l *Log) Recent(ctx context.Context, limit int, eventFilter string) ([]Entry, error) {
	if limit <= 0 {
		limit = maxEntries
	}
	raw, err := l.store.ListRange(ctx, auditKey, 0, int64(limit)-1)
	if err != nil {
		return nil, fmt.Errorf("audit recent: %w", err)
	}
	out := make([]Entry, 0, len(raw))
	for _, r := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			continue
		}
		if eventFilter != "" && e.Event != eventFilter {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
