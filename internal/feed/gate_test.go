package feed_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bidwatch/internal/feed"
	"bidwatch/internal/logger"
	"bidwatch/internal/model"
	"bidwatch/internal/store/storetest"
)

func TestGate_StoreIsSourceOfTruth(t *testing.T) {
	ctx := context.Background()
	mem := storetest.NewMemory()
	g := feed.NewGate(mem, nil, logger.NewNop())

	seen, err := g.Exists(ctx, "N-1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, mem.UpsertCandidate(ctx, model.Candidate{ExternalID: "N-1"}))
	seen, err = g.Exists(ctx, "N-1")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestGate_CachesPositiveAnswers(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	mem := storetest.NewMemory()
	g := feed.NewGate(mem, rdb, logger.NewNop())

	require.NoError(t, mem.UpsertCandidate(ctx, model.Candidate{ExternalID: "N-2"}))
	seen, err := g.Exists(ctx, "N-2")
	require.NoError(t, err)
	require.True(t, seen)
	assert.True(t, mr.Exists("bidwatch:seen:candidate:N-2"))

	seen, err = g.Exists(ctx, "N-3")
	require.NoError(t, err)
	assert.False(t, seen)
	assert.False(t, mr.Exists("bidwatch:seen:candidate:N-3"))

	g.Remember(ctx, "N-4")
	seen, err = g.Exists(ctx, "N-4")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestGate_RedisOutageFallsBackToStore(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	mr.Close()

	mem := storetest.NewMemory()
	require.NoError(t, mem.UpsertCandidate(ctx, model.Candidate{ExternalID: "N-5"}))
	g := feed.NewGate(mem, rdb, logger.NewNop())

	seen, err := g.Exists(ctx, "N-5")
	require.NoError(t, err)
	assert.True(t, seen)

	seen, err = g.Exists(ctx, "N-6")
	require.NoError(t, err)
	assert.False(t, seen)
}
