// Package cache is the two-tier payload and credential store: an in-process
// expirable LRU in front of the durable key/value backing. Reads go
// memory, then durable, then miss; writes land in both tiers.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/zhihao-yuan/geohazard-warning-engine/internal/kv"
	"github.com/zhihao-yuan/geohazard-warning-engine/internal/observability"
)

// staleFactor stretches the durable TTL so an expired-but-recent payload can
// still serve as a fallback when a live fetch fails.
const staleFactor = 3

type envelope struct {
	StoredAt time.Time       `json:"stored_at"`
	Payload  json.RawMessage `json:"payload"`
}

type Store struct {
	mem *lru.LRU[string, envelope]
	kv  *kv.Client
}

func New(size int, client *kv.Client, maxTTL time.Duration) *Store {
	if size <= 0 {
		size = 1024
	}
	return &Store{
		mem: lru.NewLRU[string, envelope](size, nil, maxTTL*staleFactor),
		kv:  client,
	}
}

// Get returns the cached value for key if stored within ttl. When stale is
// true the entry is past ttl but inside the stale-retention horizon; callers
// use it only as a fallback after a failed live fetch.
func (s *Store) Get(ctx context.Context, key string, ttl time.Duration, out any) (hit, stale bool, err error) {
	now := time.Now()

	if env, ok := s.mem.Get(key); ok {
		age := now.Sub(env.StoredAt)
		if age <= ttl*staleFactor {
			observability.IncCacheHit("memory")
			if err := json.Unmarshal(env.Payload, out); err != nil {
				return false, false, fmt.Errorf("cache decode %q: %w", key, err)
			}
			return true, age > ttl, nil
		}
	}
	observability.IncCacheMiss("memory")

	raw, found, err := s.kv.Get(ctx, key)
	if err != nil {
		return false, false, err
	}
	if !found {
		observability.IncCacheMiss("durable")
		return false, false, nil
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return false, false, fmt.Errorf("cache envelope %q: %w", key, err)
	}
	age := now.Sub(env.StoredAt)
	if age > ttl*staleFactor {
		observability.IncCacheMiss("durable")
		return false, false, nil
	}
	observability.IncCacheHit("durable")
	s.mem.Add(key, env)
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return false, false, fmt.Errorf("cache decode %q: %w", key, err)
	}
	return true, age > ttl, nil
}

// Put writes v to both tiers. The durable entry lives staleFactor times
// longer than ttl so it can serve stale fallbacks.
func (s *Store) Put(ctx context.Context, key string, v any, ttl time.Duration) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache encode %q: %w", key, err)
	}
	env := envelope{StoredAt: time.Now(), Payload: payload}
	s.mem.Add(key, env)

	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("cache envelope encode %q: %w", key, err)
	}
	return s.kv.Set(ctx, key, raw, ttl*staleFactor)
}

// Delete removes a single key from both tiers.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mem.Remove(key)
	return s.kv.Del(ctx, key)
}

// ClearPrefix invalidates both tiers for a key prefix.
func (s *Store) ClearPrefix(ctx context.Context, prefix string) (int, error) {
	for _, k := range s.mem.Keys() {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			s.mem.Remove(k)
		}
	}
	return s.kv.DelPrefix(ctx, prefix)
}
