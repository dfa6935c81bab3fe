package bus_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bidwatch/internal/bus"
	"bidwatch/internal/logger"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

type failing struct{}

func (failing) Publish(context.Context, bus.DomainEvent) error { return errors.New("down") }

func sampleEvent(t *testing.T) bus.DomainEvent {
	t.Helper()
	ev, err := bus.NewDomainEvent(bus.SourceDiscovery, bus.TypeMatchCreated,
		map[string]any{"recipientId": "r1", "candidateId": "N-1", "score": 80},
		time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return ev
}

func TestRedisPublisher_Publish(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	ctx := context.Background()
	sub := rdb.Subscribe(ctx, bus.DefaultChannel)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, bus.NewRedisPublisher(rdb, "").Publish(ctx, sampleEvent(t)))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)

	var got bus.DomainEvent
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
	assert.Equal(t, bus.TypeMatchCreated, got.Type)
	assert.JSONEq(t, `{"recipientId":"r1","candidateId":"N-1","score":80}`, string(got.Detail))
}

func TestKafkaPublisher_Publish(t *testing.T) {
	w := &fakeWriter{}
	require.NoError(t, bus.NewKafkaPublisher(w).Publish(context.Background(), sampleEvent(t)))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, []byte(bus.TypeMatchCreated), w.msgs[0].Key)
	assert.Equal(t, "source", w.msgs[0].Headers[0].Key)
}

func TestMulti_TriesEveryPublisher(t *testing.T) {
	w := &fakeWriter{}
	m := bus.Multi{failing{}, bus.NewKafkaPublisher(w)}

	err := m.Publish(context.Background(), sampleEvent(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "down")
	assert.Len(t, w.msgs, 1)
}

func TestNew_SinksFollowOptions(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	pub, closeFn := bus.New(rdb, bus.Options{}, logger.NewNop())
	assert.IsType(t, &bus.RedisPublisher{}, pub)
	closeFn()

	pub, closeFn = bus.New(rdb, bus.Options{KafkaBrokers: []string{"localhost:9092"}, KafkaTopic: "events"}, logger.NewNop())
	multi, ok := pub.(bus.Multi)
	require.True(t, ok)
	assert.Len(t, multi, 2)
	closeFn()
}
