// Package queue moves work items and activity events over Redis Streams.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	// Stream keys.
	WorkStream     = "bidwatch:work"
	ActivityStream = "bidwatch:activity"

	// PayloadField holds the JSON body of every stream entry.
	PayloadField = "payload"

	defaultMaxStreamLen = 100000
)

// Producer appends JSON entries to one stream.
type Producer struct {
	rdb          *redis.Client
	stream       string
	maxStreamLen int64
}

// NewProducer creates a producer for stream. maxStreamLen <= 0 uses the default.
func NewProducer(rdb *redis.Client, stream string, maxStreamLen int64) *Producer {
	if maxStreamLen <= 0 {
		maxStreamLen = defaultMaxStreamLen
	}
	return &Producer{rdb: rdb, stream: stream, maxStreamLen: maxStreamLen}
}

// Stream returns the stream key.
func (p *Producer) Stream() string { return p.stream }

// Enqueue appends a work item and returns the stream entry ID.
func (p *Producer) Enqueue(ctx context.Context, item WorkItem) (string, error) {
	return p.Add(ctx, item)
}

// Add marshals v and appends it to the stream.
func (p *Producer) Add(ctx context.Context, v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("serialize entry: %w", err)
	}

	id, err := p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxStreamLen,
		Approx: true,
		Values: map[string]any{PayloadField: string(data)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return id, nil
}

// Depth returns the current stream length.
func (p *Producer) Depth(ctx context.Context) (int64, error) {
	return p.rdb.XLen(ctx, p.stream).Result()
}
