// Package invalidate consumes upstream region-change events and drops the
// affected regions' cached scraper payloads, so the next run re-fetches
// instead of serving data for a renamed or re-mapped region.
package invalidate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"github.com/zhihao-yuan/geohazard-warning-engine/internal/cache/keys"
)

// Event is the upstream notification shape. The regions table is owned by
// another system; it announces edits on a topic.
type Event struct {
	RegionCode string `json:"region_code"`
	Op         string `json:"op"` // update, rename, delete
}

// scraper sources whose cached payloads are keyed per region
var scraperSources = []string{"weather_scraper", "geology_scraper"}

// CacheClearer is the cache surface the consumer needs.
type CacheClearer interface {
	Delete(ctx context.Context, key string) error
}

type Config struct {
	Brokers          []string
	Topic            string
	GroupID          string
	SessionTimeout   time.Duration
	Heartbeat        time.Duration
	RebalanceTimeout time.Duration
}

type Consumer struct {
	cfg   Config
	cache CacheClearer
	log   *zerolog.Logger
}

func New(cfg Config, cache CacheClearer, log *zerolog.Logger) *Consumer {
	if cfg.GroupID == "" {
		cfg.GroupID = "warnd-region-invalidator"
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 30 * time.Second
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 3 * time.Second
	}
	if cfg.RebalanceTimeout <= 0 {
		cfg.RebalanceTimeout = 30 * time.Second
	}
	return &Consumer{cfg: cfg, cache: cache, log: log}
}

// Start consumes until ctx is cancelled, rejoining the group on errors.
func (c *Consumer) Start(ctx context.Context) error {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Consumer.Group.Session.Timeout = c.cfg.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = c.cfg.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = c.cfg.RebalanceTimeout
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	cfg.Consumer.Offsets.AutoCommit.Enable = true

	group, err := sarama.NewConsumerGroup(c.cfg.Brokers, c.cfg.GroupID, cfg)
	if err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}
	defer func() { _ = group.Close() }()

	handler := &groupHandler{process: c.ProcessOne}
	c.log.Info().Strs("brokers", c.cfg.Brokers).Str("topic", c.cfg.Topic).
		Str("group", c.cfg.GroupID).Msg("region event consumer starting")

	for {
		select {
		case <-ctx.Done():
			c.log.Info().Msg("region event consumer shutting down")
			return nil
		default:
			if err := group.Consume(ctx, []string{c.cfg.Topic}, handler); err != nil {
				c.log.Error().Err(err).Str("topic", c.cfg.Topic).Msg("consumer error")
				time.Sleep(2 * time.Second)
			}
		}
	}
}

// ProcessOne handles a single region event.
func (c *Consumer) ProcessOne(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var ev Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return fmt.Errorf("json decode: %w", err)
	}
	if ev.RegionCode == "" {
		c.log.Debug().Str("op", ev.Op).Msg("region event without code, skipping")
		return nil
	}

	for _, src := range scraperSources {
		if err := c.cache.Delete(ctx, keys.Scraper(src, ev.RegionCode)); err != nil {
			return fmt.Errorf("clear %s cache for %s: %w", src, ev.RegionCode, err)
		}
	}
	c.log.Debug().Str("region", ev.RegionCode).Str("op", ev.Op).Msg("region cache invalidated")
	return nil
}

type messageProcessor func(context.Context, *sarama.ConsumerMessage) error

type groupHandler struct {
	process messageProcessor
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("claim context done: %w", ctx.Err())
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := h.process(ctx, msg); err != nil {
				return fmt.Errorf("process failed (topic=%s, part=%d, off=%d): %w",
					msg.Topic, msg.Partition, msg.Offset, err)
			}
			sess.MarkMessage(msg, "")
		}
	}
}
