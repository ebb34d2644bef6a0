package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/yourorg/valuation-api/internal/redisx"
)

// RedisStore persists entries as JSON envelopes. Redis expires keys on its
// own clock; ExpiresAt in the envelope is still checked so a skewed Redis
// clock cannot serve stale data.
type RedisStore struct {
	rdb  *redisx.Client
	opts options
}

func NewRedis(rdb *redisx.Client, opts ...Option) *RedisStore {
	return &RedisStore{rdb: rdb, opts: buildOptions(opts)}
}

func (s *RedisStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	val, ok, err := s.rdb.Get(ctx, key)
	if err != nil || !ok {
		return Entry{}, false, err
	}
	var e Entry
	if err := json.Unmarshal([]byte(val), &e); err != nil {
		// unreadable envelope: treat as a miss and drop it
		_ = s.rdb.Del(ctx, key)
		return Entry{}, false, nil
	}
	if e.Expired(s.opts.now()) {
		_ = s.rdb.Del(ctx, key)
		return Entry{}, false, nil
	}
	return e, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, payload []byte, class TTLClass) error {
	e, ttl, err := newEntry(s.opts, key, payload, class)
	if err != nil {
		return err
	}
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("cache: encode %s: %w", key, err)
	}
	return s.rdb.Set(ctx, key, string(b), ttl)
}

func (s *RedisStore) Has(ctx context.Context, key string) (bool, error) {
	_, ok, err := s.Get(ctx, key)
	return ok, err
}

func (s *RedisStore) Remove(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key)
}
