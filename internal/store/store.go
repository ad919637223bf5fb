package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// KV is the narrow storage contract the credential, subscription and job
// layers are written against: get/set-with-TTL/delete/exists/scan over
// JSON-serialized records.
type KV struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *KV {
	return &KV{rdb: rdb}
}

// Get unmarshals the value at key into dst. Returns false when the key is
// absent (or expired).
func (s *KV) Get(ctx context.Context, key string, dst any) (bool, error) {
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, err
	}
	return true, nil
}

// Set marshals value and writes it under key. ttl <= 0 stores without expiry.
func (s *KV) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = 0 // redis: no expiration
	}
	return s.rdb.Set(ctx, key, raw, ttl).Err()
}

// Delete removes keys and returns how many existed.
func (s *KV) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	return s.rdb.Del(ctx, keys...).Result()
}

// Exists reports whether key is present.
func (s *KV) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ScanKeys returns all keys matching pattern. Uses SCAN, not KEYS, so large
// keyspaces do not block the server.
func (s *KV) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := s.rdb.Scan(ctx, cursor, pattern, 100).Result()
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

// Client exposes the underlying redis client for callers that need atomic
// primitives (INCRBY, SET NX, WATCH) the generic contract does not cover.
func (s *KV) Client() *redis.Client {
	return s.rdb
}
