// Package store wraps the Redis client used as the single source of
// truth for the fleet registry. All mutations that must be atomic
// across concurrent registry processes are expressed as server-side
// scripts in scripts.go; everything else is a thin pass-through with a
// bounded per-call timeout.
package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultOpTimeout = 3 * time.Second

type Options struct {
	Addr     string
	Password string
	DB       int
	// OpTimeout bounds every single store round-trip. Defaults to 3s.
	OpTimeout time.Duration
}

type Store struct {
	rdb       *redis.Client
	opTimeout time.Duration
}

func New(opts Options) *Store {
	timeout := opts.OpTimeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return &Store{rdb: rdb, opTimeout: timeout}
}

// NewWithClient wraps an existing client. Used by tests to point the
// store at an in-process Redis.
func NewWithClient(rdb *redis.Client) *Store {
	return &Store{rdb: rdb, opTimeout: defaultOpTimeout}
}

func (s *Store) Client() *redis.Client { return s.rdb }

func (s *Store) Close() error { return s.rdb.Close() }

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	v, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.rdb.Set(ctx, key, value, 0).Err()
}

// SetEx writes a key that expires after ttl.
func (s *Store) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

// SetNX writes a key with a ttl only if it does not exist. Returns
// whether the write won.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.rdb.SetNX(ctx, key, value, ttl).Result()
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.rdb.Del(ctx, keys...).Err()
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	n, err := s.rdb.Exists(ctx, key).Result()
	return n > 0, err
}

func (s *Store) HGet(ctx context.Context, key, field string) (string, bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	v, err := s.rdb.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *Store) HSet(ctx context.Context, key, field, value string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.rdb.HSet(ctx, key, field, value).Err()
}

func (s *Store) HDel(ctx context.Context, key string, fields ...string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.rdb.HDel(ctx, key, fields...).Err()
}

func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.rdb.HGetAll(ctx, key).Result()
}

func (s *Store) SAdd(ctx context.Context, key string, members ...string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.rdb.SAdd(ctx, key, args...).Err()
}

func (s *Store) SRem(ctx context.Context, key string, members ...string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.rdb.SRem(ctx, key, args...).Err()
}

func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.rdb.SMembers(ctx, key).Result()
}

func (s *Store) SIsMember(ctx context.Context, key, member string) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.rdb.SIsMember(ctx, key, member).Result()
}

// ScanKeys walks the keyspace for the given pattern. Used only during
// startup re-hydration; never on a request path.
func (s *Store) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		scanCtx, cancel := s.opCtx(ctx)
		batch, next, err := s.rdb.Scan(scanCtx, cursor, pattern, 100).Result()
		cancel()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

func (s *Store) Publish(ctx context.Context, channel, payload string) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.rdb.Publish(ctx, channel, payload).Result()
}

func (s *Store) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return s.rdb.Subscribe(ctx, channels...)
}
