// Package storetest provides an in-memory stand-in for store.Store so
// engine unit tests don't require a live Redis, grounded on the
// teacher's own habit of hand-rolled fakes for connection-shaped
// dependencies in its worker-manager tests.
package storetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/meshbroker/broker/internal/store"
)

// Fake is a minimal in-memory implementation of store.Store. It is
// not a faithful Redis reimplementation: blocking pop polls an
// internal condition variable instead of a store-native primitive,
// which is acceptable here because the fake exists only to exercise
// engine logic, not the store adapter itself.
type Fake struct {
	mu       sync.Mutex
	cond     *sync.Cond
	hashes   map[string]map[string]string
	lists    map[string][]string
	zsets    map[string]map[string]float64
	expireAt map[string]time.Time
}

// New returns an empty Fake store.
func New() *Fake {
	f := &Fake{
		hashes:   make(map[string]map[string]string),
		lists:    make(map[string][]string),
		zsets:    make(map[string]map[string]float64),
		expireAt: make(map[string]time.Time),
	}
	f.cond = sync.NewCond(&f.mu)
	return f
}

var _ store.Store = (*Fake)(nil)

func (f *Fake) HashGet(_ context.Context, key, field string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hashes[key]
	if !ok {
		return "", false, nil
	}
	v, ok := h[field]
	return v, ok, nil
}

func (f *Fake) HashSet(_ context.Context, key, field, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hashes[key]
	if !ok {
		h = make(map[string]string)
		f.hashes[key] = h
	}
	h[field] = value
	return nil
}

func (f *Fake) HashDelete(_ context.Context, key string, fields ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hashes[key]
	if !ok {
		return nil
	}
	for _, field := range fields {
		delete(h, field)
	}
	return nil
}

func (f *Fake) HashGetAll(_ context.Context, key string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string)
	for k, v := range f.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (f *Fake) ListPushTail(_ context.Context, key string, values ...string) error {
	f.mu.Lock()
	f.lists[key] = append(f.lists[key], values...)
	f.mu.Unlock()
	f.cond.Broadcast()
	return nil
}

func (f *Fake) ListPushHead(_ context.Context, key string, values ...string) error {
	f.mu.Lock()
	rev := make([]string, len(values))
	for i, v := range values {
		rev[len(values)-1-i] = v
	}
	f.lists[key] = append(rev, f.lists[key]...)
	f.mu.Unlock()
	f.cond.Broadcast()
	return nil
}

func (f *Fake) ListPopHeadBlocking(ctx context.Context, key string, timeout time.Duration) (string, bool, error) {
	deadline := time.Now().Add(timeout)
	f.mu.Lock()
	defer f.mu.Unlock()
	for {
		if v, ok := f.popHeadLocked(key); ok {
			return v, true, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", false, nil
		}
		waitCh := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
			case <-time.After(remaining):
			}
			f.mu.Lock()
			close(waitCh)
			f.cond.Broadcast()
			f.mu.Unlock()
		}()
		f.cond.Wait()
		select {
		case <-waitCh:
			// Either the context ended or the timer fired; re-check the
			// list once more before giving up.
			if v, ok := f.popHeadLocked(key); ok {
				return v, true, nil
			}
			if ctx.Err() != nil || time.Now().After(deadline) {
				return "", false, nil
			}
		default:
		}
	}
}

func (f *Fake) popHeadLocked(key string) (string, bool) {
	l := f.lists[key]
	if len(l) == 0 {
		return "", false
	}
	v := l[0]
	f.lists[key] = l[1:]
	return v, true
}

func (f *Fake) ListRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l := f.lists[key]
	n := int64(len(l))
	if n == 0 {
		return []string{}, nil
	}
	start, stop = normalizeRange(start, stop, n)
	if start > stop {
		return []string{}, nil
	}
	out := make([]string, stop-start+1)
	copy(out, l[start:stop+1])
	return out, nil
}

func normalizeRange(start, stop, n int64) (int64, int64) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	return start, stop
}

func (f *Fake) ListLen(_ context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.lists[key])), nil
}

func (f *Fake) ListDelete(_ context.Context, key string) error {
	f.mu.Lock()
	delete(f.lists, key)
	f.mu.Unlock()
	return nil
}

func (f *Fake) ListTrim(_ context.Context, key string, start, stop int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	l := f.lists[key]
	n := int64(len(l))
	if n == 0 {
		return nil
	}
	start, stop = normalizeRange(start, stop, n)
	if start > stop {
		f.lists[key] = nil
		return nil
	}
	kept := make([]string, stop-start+1)
	copy(kept, l[start:stop+1])
	f.lists[key] = kept
	return nil
}

func (f *Fake) ListReplace(_ context.Context, key string, values []string) error {
	f.mu.Lock()
	cp := make([]string, len(values))
	copy(cp, values)
	f.lists[key] = cp
	f.mu.Unlock()
	return nil
}

func (f *Fake) SortedSetAdd(_ context.Context, key string, score float64, member string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	z, ok := f.zsets[key]
	if !ok {
		z = make(map[string]float64)
		f.zsets[key] = z
	}
	z[member] = score
	return nil
}

func (f *Fake) SortedSetRemoveByScore(_ context.Context, key string, min, max float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	z, ok := f.zsets[key]
	if !ok {
		return nil
	}
	for member, score := range z {
		if score >= min && score <= max {
			delete(z, member)
		}
	}
	return nil
}

func (f *Fake) SortedSetCard(_ context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.zsets[key])), nil
}

func (f *Fake) Expire(_ context.Context, key string, ttl time.Duration) error {
	f.mu.Lock()
	f.expireAt[key] = time.Now().Add(ttl)
	f.mu.Unlock()
	return nil
}

func (f *Fake) Pipeline(ctx context.Context, fn func(p store.Pipeliner)) error {
	fn(&fakePipeliner{ctx: ctx, f: f})
	return nil
}

type fakePipeliner struct {
	ctx context.Context
	f   *Fake
}

func (p *fakePipeliner) HashSet(key, field, value string) {
	_ = p.f.HashSet(p.ctx, key, field, value)
}

func (p *fakePipeliner) HashDelete(key string, fields ...string) {
	_ = p.f.HashDelete(p.ctx, key, fields...)
}

func (p *fakePipeliner) ListPushTail(key string, values ...string) {
	_ = p.f.ListPushTail(p.ctx, key, values...)
}

func (p *fakePipeliner) ListDelete(key string) {
	_ = p.f.ListDelete(p.ctx, key)
}

func (p *fakePipeliner) Expire(key string, ttl time.Duration) {
	_ = p.f.Expire(p.ctx, key, ttl)
}

// SortedSetMembers returns a snapshot of key's members in ascending
// score order, for tests asserting on rate-limit bucket contents.
func (f *Fake) SortedSetMembers(key string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	z := f.zsets[key]
	members := make([]string, 0, len(z))
	for m := range z {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool { return z[members[i]] < z[members[j]] })
	return members
}
