package alert_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bidwatch/internal/alert"
)

func TestRedisNotifier_RoutesByChannel(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	ctx := context.Background()
	sub := rdb.Subscribe(ctx, alert.DetectionChannel, alert.OperatorChannel)
	defer sub.Close()
	for i := 0; i < 2; i++ {
		_, err := sub.Receive(ctx)
		require.NoError(t, err)
	}

	n := alert.NewRedisNotifier(rdb)
	ts := time.Date(2026, 4, 2, 3, 0, 0, 0, time.UTC)
	require.NoError(t, n.Notify(ctx, alert.Alert{
		Subject: "high security_alert",
		Body:    alert.Body{RecordType: "detection", RecordID: "d1", Severity: "high", Timestamp: ts},
	}))
	require.NoError(t, n.NotifyOperator(ctx, alert.Alert{
		Subject: "store unavailable",
		Body:    alert.Body{RecordType: "run", Message: "poll", Timestamp: ts},
	}))

	first, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, alert.DetectionChannel, first.Channel)

	var a alert.Alert
	require.NoError(t, json.Unmarshal([]byte(first.Payload), &a))
	assert.Equal(t, "d1", a.Body.RecordID)
	assert.Equal(t, "high", a.Body.Severity)

	second, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, alert.OperatorChannel, second.Channel)
}
