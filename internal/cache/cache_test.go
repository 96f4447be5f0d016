package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/zhihao-yuan/geohazard-warning-engine/internal/cache/keys"
	"github.com/zhihao-yuan/geohazard-warning-engine/internal/kv"
)

type payload struct {
	Rain float64 `json:"rain"`
}

func newStore(t *testing.T) *Store {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)

	c, err := kv.New(ctx, mr.Addr())
	if err != nil {
		t.Fatalf("kv.New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return New(16, c, 30*time.Minute)
}

func TestPutGet_FreshHit(t *testing.T) {
	s := newStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	key := keys.Scraper("weather_scraper", "R001")
	if err := s.Put(ctx, key, payload{Rain: 42.5}, 30*time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}

	var got payload
	hit, stale, err := s.Get(ctx, key, 30*time.Minute, &got)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !hit || stale {
		t.Fatalf("hit=%v stale=%v, want fresh hit", hit, stale)
	}
	if got.Rain != 42.5 {
		t.Fatalf("rain = %v", got.Rain)
	}
}

func TestGet_FallsThroughToDurable(t *testing.T) {
	s := newStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	key := keys.Scraper("weather_scraper", "R002")
	if err := s.Put(ctx, key, payload{Rain: 7}, 30*time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}
	// drop the memory tier; the durable entry must still answer
	s.mem.Remove(key)

	var got payload
	hit, stale, err := s.Get(ctx, key, 30*time.Minute, &got)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !hit || stale || got.Rain != 7 {
		t.Fatalf("hit=%v stale=%v rain=%v", hit, stale, got.Rain)
	}

	// a second read is served from memory again
	hit, _, err = s.Get(ctx, key, 30*time.Minute, &got)
	if err != nil || !hit {
		t.Fatalf("re-read: hit=%v err=%v", hit, err)
	}
}

func TestGet_StaleWithinRetention(t *testing.T) {
	s := newStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	key := keys.Scraper("weather_scraper", "R003")
	env := envelope{StoredAt: time.Now().Add(-45 * time.Minute)}
	var err error
	env.Payload, err = json.Marshal(payload{Rain: 3})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s.mem.Add(key, env)

	var got payload
	hit, stale, err := s.Get(ctx, key, 30*time.Minute, &got)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !hit || !stale {
		t.Fatalf("hit=%v stale=%v, want stale hit at 45m with 30m ttl", hit, stale)
	}
}

func TestGet_PastRetentionIsMiss(t *testing.T) {
	s := newStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	key := keys.Scraper("weather_scraper", "R004")
	env := envelope{StoredAt: time.Now().Add(-2 * time.Hour)}
	var err error
	env.Payload, err = json.Marshal(payload{Rain: 3})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s.mem.Add(key, env)

	var got payload
	hit, _, err := s.Get(ctx, key, 30*time.Minute, &got)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if hit {
		t.Fatalf("entry older than 3x ttl must miss")
	}
}

func TestClearPrefix_BothTiers(t *testing.T) {
	s := newStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	a := keys.Scraper("weather_scraper", "R005")
	b := keys.Scraper("geology_scraper", "R005")
	for _, k := range []string{a, b} {
		if err := s.Put(ctx, k, payload{Rain: 1}, 30*time.Minute); err != nil {
			t.Fatalf("Put %s: %v", k, err)
		}
	}
	if err := s.kv.Set(ctx, keys.WUActiveKey, []byte("k"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}

	n, err := s.ClearPrefix(ctx, keys.ScraperPrefix())
	if err != nil {
		t.Fatalf("ClearPrefix: %v", err)
	}
	if n != 2 {
		t.Fatalf("cleared %d durable keys, want 2", n)
	}

	var got payload
	if hit, _, _ := s.Get(ctx, a, 30*time.Minute, &got); hit {
		t.Fatalf("key survived ClearPrefix")
	}
	if _, found, _ := s.kv.Get(ctx, keys.WUActiveKey); !found {
		t.Fatalf("credential key outside prefix was cleared")
	}
}
