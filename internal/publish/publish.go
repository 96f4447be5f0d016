// Package publish broadcasts per-batch delta messages to downstream
// consumers. Publishing is best effort: a slow or unavailable broker never
// holds up a committed batch.
package publish

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"github.com/zhihao-yuan/geohazard-warning-engine/internal/kv"
	"github.com/zhihao-yuan/geohazard-warning-engine/internal/model"
	"github.com/zhihao-yuan/geohazard-warning-engine/internal/observability"
)

// Publisher delivers one delta message. Implementations must not block the
// run loop; delivery failures are logged and dropped.
type Publisher interface {
	Publish(ctx context.Context, msg model.DeltaMessage) error
	Close() error
}

// RedisPublisher pushes deltas over pub/sub so dashboard sessions receive
// incremental updates mid-run.
type RedisPublisher struct {
	kv      *kv.Client
	channel string
}

func NewRedisPublisher(client *kv.Client, channel string) *RedisPublisher {
	return &RedisPublisher{kv: client, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, msg model.DeltaMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode delta: %w", err)
	}
	err = p.kv.Publish(ctx, p.channel, b)
	observability.IncDeltaPublished("redis", err)
	if err != nil {
		return fmt.Errorf("publish delta: %w", err)
	}
	return nil
}

func (p *RedisPublisher) Close() error { return nil }

// KafkaPublisher feeds deltas into a topic through a bounded queue. A full
// queue drops the message instead of blocking the committing batch.
type KafkaPublisher struct {
	topic   string
	queue   chan model.DeltaMessage
	prod    sarama.AsyncProducer
	log     *zerolog.Logger
	stopped chan struct{}
}

func NewKafkaPublisher(brokers []string, topic string, queueSize int, log *zerolog.Logger) (*KafkaPublisher, error) {
	if queueSize <= 0 {
		queueSize = 256
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = false

	prod, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create async producer: %w", err)
	}

	p := &KafkaPublisher{
		topic:   topic,
		queue:   make(chan model.DeltaMessage, queueSize),
		prod:    prod,
		log:     log,
		stopped: make(chan struct{}),
	}

	go func() {
		defer close(p.stopped)
		for msg := range p.queue {
			b, err := json.Marshal(msg)
			if err != nil {
				p.log.Error().Err(err).Msg("encode delta for kafka")
				continue
			}
			p.prod.Input() <- &sarama.ProducerMessage{
				Topic: p.topic,
				Key:   sarama.StringEncoder(msg.RequestID),
				Value: sarama.ByteEncoder(b),
			}
			observability.IncDeltaPublished("kafka", nil)
		}
	}()

	go func() {
		for err := range p.prod.Errors() {
			if err != nil {
				p.log.Warn().Err(err).Msg("kafka producer error")
			}
		}
	}()

	return p, nil
}

func (p *KafkaPublisher) Publish(_ context.Context, msg model.DeltaMessage) error {
	select {
	case p.queue <- msg:
		return nil
	default:
		// queue full: drop rather than stall the run loop
		p.log.Warn().Str("request_id", msg.RequestID).Msg("kafka delta queue full, dropping")
		return nil
	}
}

func (p *KafkaPublisher) Close() error {
	close(p.queue)
	<-p.stopped
	if err := p.prod.Close(); err != nil {
		return fmt.Errorf("close producer: %w", err)
	}
	return nil
}

// Fanout delivers every delta to all configured drivers.
type Fanout struct {
	targets []Publisher
	log     *zerolog.Logger
}

func NewFanout(log *zerolog.Logger, targets ...Publisher) *Fanout {
	return &Fanout{targets: targets, log: log}
}

func (f *Fanout) Publish(ctx context.Context, msg model.DeltaMessage) error {
	for _, t := range f.targets {
		if err := t.Publish(ctx, msg); err != nil {
			f.log.Warn().Err(err).Str("request_id", msg.RequestID).Msg("delta publish failed")
		}
	}
	return nil
}

func (f *Fanout) Close() error {
	var firstErr error
	for _, t := range f.targets {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
