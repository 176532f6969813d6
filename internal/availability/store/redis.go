package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"domainhunter/internal/availability/models"
	"domainhunter/pkg/platform/sentinel"
)

const defaultRedisPrefix = "domainhunter:cache"

// RedisStore keeps one JSON value per domain and lets Redis expire it natively.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	now    func() time.Time
}

type RedisOption func(*RedisStore)

func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = strings.Trim(prefix, ":") }
}

func WithRedisClock(now func() time.Time) RedisOption {
	return func(s *RedisStore) { s.now = now }
}

func NewRedis(rdb *redis.Client, opts ...RedisOption) (*RedisStore, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	s := &RedisStore{rdb: rdb, prefix: defaultRedisPrefix, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *RedisStore) Close() error { return s.rdb.Close() }

func (s *RedisStore) key(domain string) string {
	return s.prefix + ":" + domain
}

func (s *RedisStore) Get(ctx context.Context, domain string) (*models.Entry, error) {
	raw, err := s.rdb.Get(ctx, s.key(domain)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("get cache key: %w", err)
	}
	var e models.Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode cache value: %w", err)
	}
	return &e, nil
}

func (s *RedisStore) Upsert(ctx context.Context, entry models.Entry) error {
	return s.UpsertMany(ctx, []models.Entry{entry})
}

// UpsertMany pipelines one SET per entry with the remaining lifetime as TTL.
// Entries that are already expired are skipped.
func (s *RedisStore) UpsertMany(ctx context.Context, entries []models.Entry) error {
	entries = sanitize(entries)
	now := s.now()

	pipe := s.rdb.Pipeline()
	queued := 0
	for _, e := range entries {
		ttl := e.ExpiresAt.Sub(now)
		if ttl <= 0 {
			continue
		}
		raw, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode %s: %w", e.Domain, err)
		}
		pipe.Set(ctx, s.key(e.Domain), raw, ttl)
		queued++
	}
	if queued == 0 {
		return nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("pipeline upsert of %d: %w", queued, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, domain string) error {
	if err := s.rdb.Del(ctx, s.key(domain)).Err(); err != nil {
		return fmt.Errorf("delete cache key: %w", err)
	}
	return nil
}

// DeleteExpired is a no-op: Redis evicts keys when their TTL lapses.
func (s *RedisStore) DeleteExpired(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

// DeleteAll removes every key under the store prefix.
func (s *RedisStore) DeleteAll(ctx context.Context) error {
	iter := s.rdb.Scan(ctx, 0, s.prefix+":*", 500).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= 500 {
			if err := s.rdb.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("delete cache keys: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan cache keys: %w", err)
	}
	if len(batch) > 0 {
		if err := s.rdb.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("delete cache keys: %w", err)
		}
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
