// Package presence implements the Presence Registry: agent identity,
// liveness-derived status, and the collision-resolution rules used on
// registration.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gobwas/glob"

	"github.com/meshbroker/broker/internal/brokererr"
	"github.com/meshbroker/broker/internal/store"
	"github.com/meshbroker/broker/internal/util/timefmt"
)

// agentsKey is the hash of id -> agent-record JSON.
const agentsKey = "agents"

// Status values derived on every read, never stored.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Record is the persisted agent record plus computed status.
type Record struct {
	ID           string   `json:"id"`
	SessionID    string   `json:"session_id,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Description  string   `json:"description,omitempty"`
	RegisteredAt string   `json:"registered_at"`
	LastSeen     string   `json:"last_seen"`
	Status       string   `json:"status"`
}

// Registry is the Presence Registry, backed by a store.Store.
type Registry struct {
	store    store.Store
	liveness time.Duration
	now      func() time.Time
}

// New returns a Registry backed by s, treating an agent as online when
// now-last_seen < liveness.
func New(s store.Store, liveness time.Duration) *Registry {
	return &Registry{store: s, liveness: liveness, now: time.Now}
}

func (r *Registry) clock() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now()
}

func (r *Registry) load(ctx context.Context, id string) (*Record, bool, error) {
	raw, ok, err := r.store.HashGet(ctx, agentsKey, id)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, false, fmt.Errorf("decode agent record %s: %w", id, err)
	}
	return &rec, true, nil
}

func (r *Registry) save(ctx context.Context, rec *Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode agent record %s: %w", rec.ID, err)
	}
	return r.store.HashSet(ctx, agentsKey, rec.ID, string(b))
}

func (r *Registry) withStatus(rec *Record) *Record {
	cp := *rec
	cp.Status = r.statusOf(rec.LastSeen)
	return &cp
}

func (r *Registry) statusOf(lastSeen string) string {
	t, err := time.Parse(timefmt.ISO8601, lastSeen)
	if err != nil {
		return StatusOffline
	}
	if r.clock().Sub(t) < r.liveness {
		return StatusOnline
	}
	return StatusOffline
}

// Register resolves a registration request against any existing
// record for the id: same session updates in place, a live session
// collision gets a numeric suffix, anything else creates or overwrites.
func (r *Registry) Register(ctx context.Context, reqID, sessionID string, capabilities []string) (*Record, error) {
	if existing, ok, err := r.load(ctx, reqID); err != nil {
		return nil, err
	} else if ok {
		if sessionID != "" && existing.SessionID == sessionID {
			existing.LastSeen = timefmt.Format(r.clock())
			if len(capabilities) > 0 {
				existing.Capabilities = capabilities
			}
			if err := r.save(ctx, existing); err != nil {
				return nil, err
			}
			return r.withStatus(existing), nil
		}
		if r.statusOf(existing.LastSeen) == StatusOnline {
			derivedID, err := r.nextFreeSuffix(ctx, reqID)
			if err != nil {
				return nil, err
			}
			return r.create(ctx, derivedID, sessionID, capabilities)
		}
	}
	return r.create(ctx, reqID, sessionID, capabilities)
}

func (r *Registry) create(ctx context.Context, id, sessionID string, capabilities []string) (*Record, error) {
	now := timefmt.Format(r.clock())
	rec := &Record{
		ID:           id,
		SessionID:    sessionID,
		Capabilities: capabilities,
		RegisteredAt: now,
		LastSeen:     now,
	}
	if err := r.save(ctx, rec); err != nil {
		return nil, err
	}
	return r.withStatus(rec), nil
}

// nextFreeSuffix finds the smallest k>=2 such that base-k is not
// currently held by an online agent, reusing the first offline or
// vacant suffix.
func (r *Registry) nextFreeSuffix(ctx context.Context, base string) (string, error) {
	for k := 2; ; k++ {
		candidate := fmt.Sprintf("%s-%d", base, k)
		existing, ok, err := r.load(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !ok || r.statusOf(existing.LastSeen) == StatusOffline {
			return candidate, nil
		}
	}
}

// Get returns the record for id with computed status, or not-found.
func (r *Registry) Get(ctx context.Context, id string) (*Record, error) {
	rec, ok, err := r.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, brokererr.NotFound(id)
	}
	return r.withStatus(rec), nil
}

// List returns every registered agent with computed status, sorted by id.
func (r *Registry) List(ctx context.Context) ([]*Record, error) {
	all, err := r.store.HashGetAll(ctx, agentsKey)
	if err != nil {
		return nil, err
	}
	out := make([]*Record, 0, len(all))
	for _, raw := range all {
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		out = append(out, r.withStatus(&rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CountOnline returns the number of agents currently online.
func (r *Registry) CountOnline(ctx context.Context) (int, error) {
	all, err := r.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range all {
		if rec.Status == StatusOnline {
			n++
		}
	}
	return n, nil
}

// SetDescription updates id's description, failing not-found if unknown.
func (r *Registry) SetDescription(ctx context.Context, id, text string) (*Record, error) {
	rec, ok, err := r.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, brokererr.NotFound(id)
	}
	rec.Description = text
	if err := r.save(ctx, rec); err != nil {
		return nil, err
	}
	return r.withStatus(rec), nil
}

// Remove deletes id's record, returning not-found if it never existed.
// cleanupKeys, when non-nil, is invoked to remove the agent's inbox,
// reply, acked, and notify keys in the same pipelined group.
func (r *Registry) Remove(ctx context.Context, id string, cleanupKeys func(p store.Pipeliner)) error {
	if _, ok, err := r.load(ctx, id); err != nil {
		return err
	} else if !ok {
		return brokererr.NotFound(id)
	}
	return r.store.Pipeline(ctx, func(p store.Pipeliner) {
		p.HashDelete(agentsKey, id)
		if cleanupKeys != nil {
			cleanupKeys(p)
		}
	})
}

// RemoveByPattern removes every agent id matching the glob pattern,
// returning the removed ids.
func (r *Registry) RemoveByPattern(ctx context.Context, pattern string, cleanupKeys func(id string, p store.Pipeliner)) ([]string, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, brokererr.Invalidf("invalid pattern %q: %v", pattern, err)
	}
	all, err := r.store.HashGetAll(ctx, agentsKey)
	if err != nil {
		return nil, err
	}
	var removed []string
	for id := range all {
		if g.Match(id) {
			removed = append(removed, id)
		}
	}
	if len(removed) == 0 {
		return removed, nil
	}
	sort.Strings(removed)
	err = r.store.Pipeline(ctx, func(p store.Pipeliner) {
		p.HashDelete(agentsKey, removed...)
		if cleanupKeys != nil {
			for _, id := range removed {
				cleanupKeys(id, p)
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// FindByBase returns the first online record whose id starts with
// baseID (used when a caller cannot supply a project suffix). Returns
// nil, nil when there is no match.
func (r *Registry) FindByBase(ctx context.Context, baseID string) (*Record, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, rec := range all {
		if rec.Status == StatusOnline && strings.HasPrefix(rec.ID, baseID) {
			return rec, nil
		}
	}
	return nil, nil
}
