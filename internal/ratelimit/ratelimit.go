// Package ratelimit implements the Rate Limiter: a sliding-window
// per-(operation, identity) request counter backed by the store's
// sorted sets.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/meshbroker/broker/internal/brokererr"
	"github.com/meshbroker/broker/internal/id"
	"github.com/meshbroker/broker/internal/store"
)

const keyPrefix = "rate:"

// Rule is a (max requests, window) pair for one operation.
type Rule struct {
	Max    int64
	Window time.Duration
}

// defaultRule is used for any operation not present in the table:
// unknown operations get a generous default.
var defaultRule = Rule{Max: 60, Window: time.Minute}

// Table is the fixed per-operation rate table, ported from the
// coordinator's rate-limit table.
var Table = map[string]Rule{
	"send_message":       {Max: 100, Window: time.Minute},
	"reply":              {Max: 100, Window: time.Minute},
	"get_messages":       {Max: 30, Window: time.Minute},
	"peek_messages":      {Max: 30, Window: time.Minute},
	"wait_for_message":   {Max: 30, Window: time.Minute},
	"wait_for_response":  {Max: 30, Window: time.Minute},
	"ack_messages":       {Max: 30, Window: time.Minute},
	"list_agents":        {Max: 30, Window: time.Minute},
	"register_agent":     {Max: 20, Window: time.Minute},
	"set_description":    {Max: 20, Window: time.Minute},
	"rest_register":      {Max: 5, Window: time.Minute},
	"rest_pending":       {Max: 30, Window: time.Minute},
	"rest_unregister":    {Max: 5, Window: time.Minute},
	"admin_agents_purge": {Max: 30, Window: time.Minute},
	"admin_keys_create":  {Max: 30, Window: time.Minute},
	"admin_keys_list":    {Max: 30, Window: time.Minute},
	"admin_keys_revoke":  {Max: 30, Window: time.Minute},
	"admin_audit":        {Max: 30, Window: time.Minute},
}

// adminRule applies to admin_* operations without their own table
// entry, e.g. admin_keys and admin_keys_<id> as named by the dispatcher.
var adminRule = Rule{Max: 30, Window: time.Minute}

// ruleFor returns the configured rule for op, or the default.
func ruleFor(op string) Rule {
	if r, ok := Table[op]; ok {
		return r
	}
	if strings.HasPrefix(op, "admin_") {
		return adminRule
	}
	return defaultRule
}

// Limiter is the Rate Limiter, backed by a store.Store.
type Limiter struct {
	store store.Store
	now   func() time.Time
}

// New returns a Limiter backed by s.
func New(s store.Store) *Limiter {
	return &Limiter{store: s, now: time.Now}
}

func (l *Limiter) clock() time.Time {
	if l.now != nil {
		return l.now()
	}
	return time.Now()
}

func bucketKey(op, identity string) string {
	return fmt.Sprintf("%s%s:%s", keyPrefix, op, identity)
}

// CheckAndRecord trims the window, counts remaining entries, and if
// under the operation's max, admits the request and records it.
// Returns an error (brokererr.RateLimited) on denial.
func (l *Limiter) CheckAndRecord(ctx context.Context, op, identity string) error {
	rule := ruleFor(op)
	key := bucketKey(op, identity)
	now := l.clock()
	windowStart := now.Add(-rule.Window).UnixNano()

	if err := l.store.SortedSetRemoveByScore(ctx, key, 0, float64(windowStart)); err != nil {
		return err
	}
	count, err := l.store.SortedSetCard(ctx, key)
	if err != nil {
		return err
	}
	if count >= rule.Max {
		return brokererr.Limited(int(rule.Window.Seconds()))
	}

	if err := l.store.SortedSetAdd(ctx, key, float64(now.UnixNano()), id.Nonce8()+"-"+now.Format(time.RFC3339Nano)); err != nil {
		return err
	}
	return l.store.Expire(ctx, key, 2*rule.Window)
}

// CheckOnly performs the same trim-and-count read without recording a
// new request.
func (l *Limiter) CheckOnly(ctx context.Context, op, identity string) error {
	rule := ruleFor(op)
	key := bucketKey(op, identity)
	now := l.clock()
	windowStart := now.Add(-rule.Window).UnixNano()

	if err := l.store.SortedSetRemoveByScore(ctx, key, 0, float64(windowStart)); err != nil {
		return err
	}
	count, err := l.store.SortedSetCard(ctx, key)
	if err != nil {
		return err
	}
	if count >= rule.Max {
		return brokererr.Limited(int(rule.Window.Seconds()))
	}
	return nil
}
