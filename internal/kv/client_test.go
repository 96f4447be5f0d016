package kv

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
)

// creates new client connected to miniredis for testing
func newMini(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)

	c, err := New(ctx, mr.Addr())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestGetSetDel_HappyPath(t *testing.T) {
	c, _ := newMini(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, found, err := c.Get(ctx, "missing"); err != nil || found {
		t.Fatalf("Get missing: found=%v err=%v", found, err)
	}

	if err := c.Set(ctx, "k1", []byte("v1"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, found, err := c.Get(ctx, "k1")
	if err != nil || !found || string(v) != "v1" {
		t.Fatalf("Get k1: %q found=%v err=%v", v, found, err)
	}

	if err := c.Del(ctx, "k1"); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if _, found, _ := c.Get(ctx, "k1"); found {
		t.Fatalf("k1 survived Del")
	}
}

func TestSetNX_WinsOnceOnly(t *testing.T) {
	c, _ := newMini(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	won, err := c.SetNX(ctx, "lock", []byte("a"), time.Minute)
	if err != nil || !won {
		t.Fatalf("first SetNX: won=%v err=%v", won, err)
	}
	won, err = c.SetNX(ctx, "lock", []byte("b"), time.Minute)
	if err != nil {
		t.Fatalf("second SetNX: %v", err)
	}
	if won {
		t.Fatalf("second SetNX won against a held key")
	}
	v, _, _ := c.Get(ctx, "lock")
	if string(v) != "a" {
		t.Fatalf("lock value = %q, want original holder", v)
	}
}

func TestDelPrefix_RemovesOnlyMatching(t *testing.T) {
	c, _ := newMini(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for _, k := range []string{"cache:scraper:a:1", "cache:scraper:a:2", "cache:wu:key_pool"} {
		if err := c.Set(ctx, k, []byte("x"), time.Minute); err != nil {
			t.Fatalf("Set %s: %v", k, err)
		}
	}

	n, err := c.DelPrefix(ctx, "cache:scraper:")
	if err != nil {
		t.Fatalf("DelPrefix: %v", err)
	}
	if n != 2 {
		t.Fatalf("DelPrefix removed %d keys, want 2", n)
	}
	if _, found, _ := c.Get(ctx, "cache:wu:key_pool"); !found {
		t.Fatalf("unrelated key was removed")
	}
}

func TestTTL_Expires(t *testing.T) {
	c, mr := newMini(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := c.Set(ctx, "k", []byte("v"), 30*time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}
	mr.FastForward(31 * time.Second)
	if _, found, _ := c.Get(ctx, "k"); found {
		t.Fatalf("key survived its TTL")
	}
}

func TestPublishSubscribe_Roundtrip(t *testing.T) {
	c, _ := newMini(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	msgs, closeSub := c.Subscribe(ctx, "warnings_channel")
	t.Cleanup(func() { _ = closeSub() })

	// subscription registration is async; give miniredis a beat
	time.Sleep(50 * time.Millisecond)

	if err := c.Publish(ctx, "warnings_channel", []byte(`{"results":[]}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case m := <-msgs:
		if m.Payload != `{"results":[]}` {
			t.Fatalf("payload = %q", m.Payload)
		}
	case <-ctx.Done():
		t.Fatalf("no message before deadline")
	}
}
