package securestore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore seals values with the same AEAD framing as FileStore and keeps
// them in Redis under a namespaced key. Entries do not expire; session
// lifetime is managed by the continuity store, not by TTL.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	sealer *sealer
}

func NewRedisStore(rdb *redis.Client, prefix string, key []byte) (*RedisStore, error) {
	if rdb == nil {
		return nil, fmt.Errorf("securestore: redis client is required")
	}
	s, err := newSealer(key)
	if err != nil {
		return nil, err
	}
	if prefix == "" {
		prefix = "securestore"
	}
	return &RedisStore{rdb: rdb, prefix: prefix, sealer: s}, nil
}

func (r *RedisStore) key(k string) string { return r.prefix + ":" + k }

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	sealed, err := r.rdb.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("securestore: read %q: %w", key, err)
	}
	plain, err := r.sealer.open(sealed)
	if err != nil {
		return nil, false, err
	}
	return plain, true, nil
}

func (r *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	sealed, err := r.sealer.seal(value)
	if err != nil {
		return err
	}
	if err := r.rdb.Set(ctx, r.key(key), sealed, 0).Err(); err != nil {
		return fmt.Errorf("securestore: write %q: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("securestore: delete %q: %w", key, err)
	}
	return nil
}
