package invalidate

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
)

type fakeClearer struct {
	mu   sync.Mutex
	seen []string
	err  error
}

func (f *fakeClearer) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, key)
	return f.err
}

func newConsumer(cache CacheClearer) *Consumer {
	log := zerolog.Nop()
	return New(Config{Brokers: []string{"localhost:9092"}, Topic: "region-events"}, cache, &log)
}

func TestProcessOneClearsBothScraperCaches(t *testing.T) {
	fc := &fakeClearer{}
	c := newConsumer(fc)

	msg := &sarama.ConsumerMessage{Value: []byte(`{"region_code":"510101","op":"rename"}`)}
	if err := c.ProcessOne(context.Background(), msg); err != nil {
		t.Fatalf("process: %v", err)
	}

	if len(fc.seen) != 2 {
		t.Fatalf("cleared %d keys, want 2: %v", len(fc.seen), fc.seen)
	}
	for _, k := range fc.seen {
		if !strings.Contains(k, "510101") {
			t.Fatalf("key %q missing region code", k)
		}
	}
}

func TestProcessOneRejectsGarbage(t *testing.T) {
	c := newConsumer(&fakeClearer{})
	msg := &sarama.ConsumerMessage{Value: []byte(`not json`)}
	if err := c.ProcessOne(context.Background(), msg); err == nil {
		t.Fatalf("garbage payload must error")
	}
}

func TestProcessOneSkipsEmptyCode(t *testing.T) {
	fc := &fakeClearer{}
	c := newConsumer(fc)
	msg := &sarama.ConsumerMessage{Value: []byte(`{"op":"update"}`)}
	if err := c.ProcessOne(context.Background(), msg); err != nil {
		t.Fatalf("empty code must be skipped, not fail: %v", err)
	}
	if len(fc.seen) != 0 {
		t.Fatalf("nothing should be cleared: %v", fc.seen)
	}
}

func TestProcessOnePropagatesCacheError(t *testing.T) {
	fc := &fakeClearer{err: errors.New("boom")}
	c := newConsumer(fc)
	msg := &sarama.ConsumerMessage{Value: []byte(`{"region_code":"510101","op":"update"}`)}
	if err := c.ProcessOne(context.Background(), msg); err == nil {
		t.Fatalf("cache failure must propagate so the message is retried")
	}
}
