package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"bidwatch/internal/logger"
)

const (
	defaultBlockTimeout = 5 * time.Second
	defaultBatchSize    = 10
	readErrorBackoff    = time.Second
)

// Message is one stream entry handed to a Handler.
type Message struct {
	ID      string
	Payload []byte
}

// Handler processes one message. Returning an error leaves the entry
// pending so it is redelivered when the consumer restarts.
type Handler func(ctx context.Context, msg Message) error

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	Stream       string
	Group        string
	ConsumerID   string
	BlockTimeout time.Duration
	BatchSize    int64
}

// Consumer reads one stream through a consumer group.
type Consumer struct {
	rdb *redis.Client
	cfg ConsumerConfig
	log logger.Logger
}

// NewConsumer validates cfg and applies defaults.
func NewConsumer(rdb *redis.Client, cfg ConsumerConfig, log logger.Logger) (*Consumer, error) {
	if cfg.Stream == "" || cfg.Group == "" {
		return nil, errors.New("stream and group are required")
	}
	if cfg.ConsumerID == "" {
		return nil, errors.New("consumer ID is required")
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = defaultBlockTimeout
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	return &Consumer{
		rdb: rdb,
		cfg: cfg,
		log: log.With(
			logger.String("component", "consumer"),
			logger.String("stream", cfg.Stream),
			logger.String("group", cfg.Group),
		),
	}, nil
}

// Initialize creates the consumer group (and the stream) if missing.
func (c *Consumer) Initialize(ctx context.Context) error {
	err := c.rdb.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s: %w", c.cfg.Group, err)
	}
	return nil
}

// Read returns up to BatchSize new entries, blocking up to BlockTimeout.
func (c *Consumer) Read(ctx context.Context) ([]Message, error) {
	return c.read(ctx, ">", c.cfg.BlockTimeout)
}

// Pending returns entries delivered to this consumer but never acknowledged.
func (c *Consumer) Pending(ctx context.Context) ([]Message, error) {
	return c.read(ctx, "0", -1)
}

func (c *Consumer) read(ctx context.Context, id string, block time.Duration) ([]Message, error) {
	streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.ConsumerID,
		Streams:  []string{c.cfg.Stream, id},
		Count:    c.cfg.BatchSize,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup %s: %w", c.cfg.Stream, err)
	}

	var out []Message
	for _, s := range streams {
		for _, m := range s.Messages {
			out = append(out, Message{ID: m.ID, Payload: payloadOf(m)})
		}
	}
	return out, nil
}

func payloadOf(m redis.XMessage) []byte {
	switch v := m.Values[PayloadField].(type) {
	case string:
		return []byte(v)
	case []byte:
		return v
	}
	return nil
}

// Ack acknowledges processed entries.
func (c *Consumer) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.rdb.XAck(ctx, c.cfg.Stream, c.cfg.Group, ids...).Err(); err != nil {
		return fmt.Errorf("xack %s: %w", c.cfg.Stream, err)
	}
	return nil
}

// Run initializes the group, replays this consumer's pending entries once,
// then handles new entries until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context, h Handler) error {
	if err := c.Initialize(ctx); err != nil {
		return err
	}

	pending, err := c.Pending(ctx)
	if err != nil {
		c.log.Warn("Reading pending entries failed", logger.Error(err))
	}
	c.handle(ctx, h, pending)

	c.log.Info("Consumer started", logger.String("consumer_id", c.cfg.ConsumerID))
	for {
		if ctx.Err() != nil {
			c.log.Info("Consumer stopped")
			return nil
		}

		msgs, err := c.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			c.log.Error("Stream read failed", logger.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(readErrorBackoff):
			}
			continue
		}
		c.handle(ctx, h, msgs)
	}
}

func (c *Consumer) handle(ctx context.Context, h Handler, msgs []Message) {
	for _, m := range msgs {
		if err := h(ctx, m); err != nil {
			c.log.Error("Handler failed, entry left pending",
				logger.String("message_id", m.ID),
				logger.Error(err),
			)
			continue
		}
		if err := c.Ack(ctx, m.ID); err != nil {
			c.log.Warn("Ack failed", logger.String("message_id", m.ID), logger.Error(err))
		}
	}
}
