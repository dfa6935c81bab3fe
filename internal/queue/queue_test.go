package queue_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bidwatch/internal/logger"
	"bidwatch/internal/queue"
)

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func newConsumer(t *testing.T, rdb *redis.Client, group string) *queue.Consumer {
	t.Helper()
	c, err := queue.NewConsumer(rdb, queue.ConsumerConfig{
		Stream:       queue.WorkStream,
		Group:        group,
		ConsumerID:   "test-1",
		BlockTimeout: 50 * time.Millisecond,
	}, logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, c.Initialize(context.Background()))
	return c
}

func TestNewWorkItem_MinimalPayload(t *testing.T) {
	now := time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)
	item, err := queue.NewWorkItem(queue.TypeGenerateResponse,
		queue.GenerateResponse{RecipientID: "r1", CandidateID: "N-1", Score: 80}, now)
	require.NoError(t, err)

	raw, err := json.Marshal(item)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"type":"generate_response","data":{"recipientId":"r1","candidateId":"N-1","score":80},"timestamp":"2026-04-02T09:30:00Z"}`,
		string(raw))

	var back queue.GenerateResponse
	require.NoError(t, item.Decode(&back))
	assert.Equal(t, 80, back.Score)
}

func TestProducerConsumer_RoundTrip(t *testing.T) {
	ctx := context.Background()
	rdb := newRedis(t)
	c := newConsumer(t, rdb, "workers")
	p := queue.NewProducer(rdb, queue.WorkStream, 0)

	item, err := queue.NewWorkItem(queue.TypeCandidateIngested, queue.CandidateIngested{CandidateID: "N-9"}, time.Now())
	require.NoError(t, err)
	_, err = p.Enqueue(ctx, item)
	require.NoError(t, err)

	depth, err := p.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	msgs, err := c.Read(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	var got queue.WorkItem
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &got))
	assert.Equal(t, queue.TypeCandidateIngested, got.Type)

	require.NoError(t, c.Ack(ctx, msgs[0].ID))
	pending, err := rdb.XPending(ctx, queue.WorkStream, "workers").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
}

func TestConsumer_InitializeIsIdempotent(t *testing.T) {
	rdb := newRedis(t)
	c := newConsumer(t, rdb, "workers")
	assert.NoError(t, c.Initialize(context.Background()))
}

func TestConsumer_RunLeavesFailedEntriesPending(t *testing.T) {
	rdb := newRedis(t)
	c := newConsumer(t, rdb, "workers")
	p := queue.NewProducer(rdb, queue.WorkStream, 0)

	for _, id := range []string{"ok", "bad"} {
		_, err := p.Add(context.Background(), map[string]string{"id": id})
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	handled := make(chan string, 2)
	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx, func(_ context.Context, m queue.Message) error {
			var body map[string]string
			if err := json.Unmarshal(m.Payload, &body); err != nil {
				return err
			}
			handled <- body["id"]
			if body["id"] == "bad" {
				return errors.New("boom")
			}
			return nil
		})
	}()

	assert.Equal(t, "ok", <-handled)
	assert.Equal(t, "bad", <-handled)
	cancel()
	require.NoError(t, <-done)

	pending, err := rdb.XPending(context.Background(), queue.WorkStream, "workers").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending.Count)
}

func TestNewConsumer_Validation(t *testing.T) {
	_, err := queue.NewConsumer(nil, queue.ConsumerConfig{Stream: "s", Group: "g"}, logger.NewNop())
	assert.Error(t, err)
}
