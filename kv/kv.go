// Package kv is a thin typed adapter over the ephemeral key-value store.
//
// Every record type owns a short table prefix; keys on the wire are
// "<prefix>#<id>" so unrelated record types cannot collide in the flat
// keyspace. Values are JSON. All transport, serialization, and
// unexpected-reply failures collapse into ErrUnavailable; callers only
// ever distinguish "absent" from "store broken".
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnavailable covers every store failure that is not a plain miss:
// network errors, timeouts, serialization failures, and replies the
// adapter does not understand.
var ErrUnavailable = errors.New("ephemeral store unavailable")

// Store wraps a Redis client with the prefix#key naming scheme and JSON
// value encoding used by every session record type.
type Store struct {
	rdb redis.UniversalClient
}

func NewStore(rdb redis.UniversalClient) *Store {
	return &Store{rdb: rdb}
}

func namedKey(prefix, key string) string {
	return prefix + "#" + key
}

// GetJSON loads the record at prefix#key into out. The second return is
// false when the key is absent (expired or never written); that is a
// normal outcome, not an error.
func (s *Store) GetJSON(ctx context.Context, prefix, key string, out any) (bool, error) {
	data, err := s.rdb.Get(ctx, namedKey(prefix, key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("%w: get: %v", ErrUnavailable, err)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("%w: decode %s: %v", ErrUnavailable, prefix, err)
	}
	return true, nil
}

// SetJSON writes the record at prefix#key with the given TTL,
// unconditionally replacing any previous value.
func (s *Store) SetJSON(ctx context.Context, prefix, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", ErrUnavailable, prefix, err)
	}

	if err := s.rdb.Set(ctx, namedKey(prefix, key), data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: set: %v", ErrUnavailable, err)
	}
	return nil
}

// SetJSONIfAbsent writes the record only when the key is free (SET NX EX)
// and reports whether the write won. This is the sole concurrency-safety
// primitive behind key generation: concurrent creators race on the store,
// not on any in-process lock.
func (s *Store) SetJSONIfAbsent(ctx context.Context, prefix, key string, value any, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("%w: encode %s: %v", ErrUnavailable, prefix, err)
	}

	ok, err := s.rdb.SetNX(ctx, namedKey(prefix, key), data, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: setnx: %v", ErrUnavailable, err)
	}
	return ok, nil
}

// Delete removes the record at prefix#key. Deleting an absent key is not
// an error.
func (s *Store) Delete(ctx context.Context, prefix, key string) error {
	if err := s.rdb.Del(ctx, namedKey(prefix, key)).Err(); err != nil {
		return fmt.Errorf("%w: del: %v", ErrUnavailable, err)
	}
	return nil
}

// Ping reports point-in-time store reachability and latency.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return time.Since(start), fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return time.Since(start), nil
}
