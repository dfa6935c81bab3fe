// Package alert delivers out-of-band alerts over Redis pub/sub.
package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Channels.
const (
	DetectionChannel = "bidwatch:alerts"
	OperatorChannel  = "bidwatch:alerts:operator"
)

// Body is the structured alert body. Only the fields relevant to the
// triggering record are set.
type Body struct {
	RecordType  string    `json:"recordType"`
	RecordID    string    `json:"recordId,omitempty"`
	RecipientID string    `json:"recipientId,omitempty"`
	CandidateID string    `json:"candidateId,omitempty"`
	ActorID     string    `json:"actorId,omitempty"`
	Severity    string    `json:"severity,omitempty"`
	Score       int       `json:"score,omitempty"`
	Message     string    `json:"message,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Alert is a subject line plus body.
type Alert struct {
	Subject string `json:"subject"`
	Body    Body   `json:"body"`
}

// Notifier sends detection alerts and operator alerts on separate routes.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
	NotifyOperator(ctx context.Context, a Alert) error
}

// RedisNotifier publishes alerts as JSON.
type RedisNotifier struct {
	rdb *redis.Client
}

// NewRedisNotifier returns a notifier backed by rdb.
func NewRedisNotifier(rdb *redis.Client) *RedisNotifier {
	return &RedisNotifier{rdb: rdb}
}

func (n *RedisNotifier) Notify(ctx context.Context, a Alert) error {
	return n.publish(ctx, DetectionChannel, a)
}

func (n *RedisNotifier) NotifyOperator(ctx context.Context, a Alert) error {
	return n.publish(ctx, OperatorChannel, a)
}

func (n *RedisNotifier) publish(ctx context.Context, channel string, a Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	if err := n.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish alert to %s: %w", channel, err)
	}
	return nil
}
