// Package store is the typed State Store Adapter: a thin wrapper over
// an external key/value+list store (Redis) exposing exactly the
// primitives the broker's engines need — hashes, blocking-pop lists,
// sorted sets, per-key TTL, and pipelined multi-key groups. No
// higher-level domain logic lives here.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"

	"github.com/meshbroker/broker/internal/brokererr"
)

// Store is implemented both by the production Redis-backed client and
// by storetest's in-memory fake, so engine packages depend on this
// interface rather than *redis.Client directly.
type Store interface {
	HashGet(ctx context.Context, key, field string) (string, bool, error)
	HashSet(ctx context.Context, key, field, value string) error
	HashDelete(ctx context.Context, key string, fields ...string) error
	HashGetAll(ctx context.Context, key string) (map[string]string, error)

	ListPushTail(ctx context.Context, key string, values ...string) error
	ListPushHead(ctx context.Context, key string, values ...string) error
	ListPopHeadBlocking(ctx context.Context, key string, timeout time.Duration) (string, bool, error)
	ListRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	ListLen(ctx context.Context, key string) (int64, error)
	ListDelete(ctx context.Context, key string) error
	ListTrim(ctx context.Context, key string, start, stop int64) error
	ListReplace(ctx context.Context, key string, values []string) error

	SortedSetAdd(ctx context.Context, key string, score float64, member string) error
	SortedSetRemoveByScore(ctx context.Context, key string, min, max float64) error
	SortedSetCard(ctx context.Context, key string) (int64, error)

	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Pipeline runs fn against a batch that is sent to the store as a
	// single round-trip; writes inside fn are not individually atomic
	// with reads outside the pipeline, but the batch itself executes
	// without interleaving from other pipelined batches on the same
	// connection multiplexer.
	Pipeline(ctx context.Context, fn func(p Pipeliner)) error
}

// Pipeliner mirrors the subset of Store's write operations usable
// inside a Pipeline batch.
type Pipeliner interface {
	HashSet(key, field, value string)
	HashDelete(key string, fields ...string)
	ListPushTail(key string, values ...string)
	ListDelete(key string)
	Expire(key string, ttl time.Duration)
}

// redisStore is the production Store implementation.
type redisStore struct {
	client *redis.Client
}

// newConnectBackoff builds the exponential backoff used to probe a
// freshly-opened connection: 100ms → 2s, doubling, ±20% jitter.
func newConnectBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.2
	b.Reset()
	return b
}

// Open connects to url, probing it with a PING round-trip (retried
// with exponential backoff) before returning, so the broker never
// starts serving traffic against a store it can't reach.
func Open(ctx context.Context, url string) (Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, client.Ping(ctx).Err()
	}, backoff.WithBackOff(newConnectBackoff()), backoff.WithMaxTries(5))
	if err != nil {
		return nil, brokererr.CoordUnavailable(err)
	}

	return &redisStore{client: client}, nil
}

func (s *redisStore) HashGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := s.client.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, brokererr.CoordUnavailable(err)
	}
	return v, true, nil
}

func (s *redisStore) HashSet(ctx context.Context, key, field, value string) error {
	if err := s.client.HSet(ctx, key, field, value).Err(); err != nil {
		return brokererr.CoordUnavailable(err)
	}
	return nil
}

func (s *redisStore) HashDelete(ctx context.Context, key string, fields ...string) error {
	if err := s.client.HDel(ctx, key, fields...).Err(); err != nil {
		return brokererr.CoordUnavailable(err)
	}
	return nil
}

func (s *redisStore) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, brokererr.CoordUnavailable(err)
	}
	return m, nil
}

func (s *redisStore) ListPushTail(ctx context.Context, key string, values ...string) error {
	if err := s.client.RPush(ctx, key, toAny(values)...).Err(); err != nil {
		return brokererr.CoordUnavailable(err)
	}
	return nil
}

func (s *redisStore) ListPushHead(ctx context.Context, key string, values ...string) error {
	if err := s.client.LPush(ctx, key, toAny(values)...).Err(); err != nil {
		return brokererr.CoordUnavailable(err)
	}
	return nil
}

// ListPopHeadBlocking blocks for up to timeout waiting for an entry at
// the head of key. Redis BLPOP takes a whole-second timeout, so
// sub-second remainders are rounded up to at least 1s by the caller
// (internal/notify and internal/router own that clamp).
func (s *redisStore) ListPopHeadBlocking(ctx context.Context, key string, timeout time.Duration) (string, bool, error) {
	res, err := s.client.BLPop(ctx, timeout, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, brokererr.CoordUnavailable(err)
	}
	// BLPOP returns [key, value].
	if len(res) != 2 {
		return "", false, nil
	}
	return res[1], true, nil
}

func (s *redisStore) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vals, err := s.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, brokererr.CoordUnavailable(err)
	}
	return vals, nil
}

func (s *redisStore) ListLen(ctx context.Context, key string) (int64, error) {
	n, err := s.client.LLen(ctx, key).Result()
	if err != nil {
		return 0, brokererr.CoordUnavailable(err)
	}
	return n, nil
}

func (s *redisStore) ListDelete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return brokererr.CoordUnavailable(err)
	}
	return nil
}

func (s *redisStore) ListTrim(ctx context.Context, key string, start, stop int64) error {
	if err := s.client.LTrim(ctx, key, start, stop).Err(); err != nil {
		return brokererr.CoordUnavailable(err)
	}
	return nil
}

// ListReplace atomically replaces key's contents with values,
// preserving order, via a single pipelined DEL+RPUSH — used by
// inbox compaction's list-replace step.
func (s *redisStore) ListReplace(ctx context.Context, key string, values []string) error {
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, key)
		if len(values) > 0 {
			p.RPush(ctx, key, toAny(values)...)
		}
		return nil
	})
	if err != nil {
		return brokererr.CoordUnavailable(err)
	}
	return nil
}

func (s *redisStore) SortedSetAdd(ctx context.Context, key string, score float64, member string) error {
	err := s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
	if err != nil {
		return brokererr.CoordUnavailable(err)
	}
	return nil
}

func (s *redisStore) SortedSetRemoveByScore(ctx context.Context, key string, min, max float64) error {
	err := s.client.ZRemRangeByScore(ctx, key, fmt.Sprintf("%f", min), fmt.Sprintf("%f", max)).Err()
	if err != nil {
		return brokererr.CoordUnavailable(err)
	}
	return nil
}

func (s *redisStore) SortedSetCard(ctx context.Context, key string) (int64, error) {
	n, err := s.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, brokererr.CoordUnavailable(err)
	}
	return n, nil
}

func (s *redisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
		return brokererr.CoordUnavailable(err)
	}
	return nil
}

func (s *redisStore) Pipeline(ctx context.Context, fn func(p Pipeliner)) error {
	_, err := s.client.Pipelined(ctx, func(rp redis.Pipeliner) error {
		fn(&redisPipeliner{ctx: ctx, p: rp})
		return nil
	})
	if err != nil {
		return brokererr.CoordUnavailable(err)
	}
	return nil
}

type redisPipeliner struct {
	ctx context.Context
	p   redis.Pipeliner
}

func (rp *redisPipeliner) HashSet(key, field, value string) {
	rp.p.HSet(rp.ctx, key, field, value)
}

func (rp *redisPipeliner) HashDelete(key string, fields ...string) {
	rp.p.HDel(rp.ctx, key, fields...)
}

func (rp *redisPipeliner) ListPushTail(key string, values ...string) {
	rp.p.RPush(rp.ctx, key, toAny(values)...)
}

func (rp *redisPipeliner) ListDelete(key string) {
	rp.p.Del(rp.ctx, key)
}

func (rp *redisPipeliner) Expire(key string, ttl time.Duration) {
	rp.p.Expire(rp.ctx, key, ttl)
}

func toAny(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
