package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"bidwatch/internal/logger"
)

const seenKeyTTL = 7 * 24 * time.Hour

// CandidateLookup is the durable point lookup behind the gate.
type CandidateLookup interface {
	CandidateExists(ctx context.Context, externalID string) (bool, error)
}

// Gate answers "has this external ID already been processed?". The durable
// store is the source of truth; the optional Redis cache only short-circuits
// positive answers, so a cache miss or Redis outage falls through to the store.
type Gate struct {
	store CandidateLookup
	rdb   *redis.Client
	log   logger.Logger
}

// NewGate builds a gate. rdb may be nil to disable the cache.
func NewGate(store CandidateLookup, rdb *redis.Client, log logger.Logger) *Gate {
	return &Gate{store: store, rdb: rdb, log: log.With(logger.String("component", "gate"))}
}

func seenKey(externalID string) string {
	return fmt.Sprintf("bidwatch:seen:candidate:%s", externalID)
}

// Exists reports whether the candidate was already stored.
func (g *Gate) Exists(ctx context.Context, externalID string) (bool, error) {
	if g.rdb != nil {
		n, err := g.rdb.Exists(ctx, seenKey(externalID)).Result()
		if err != nil {
			g.log.Warn("Gate cache lookup failed, using store",
				logger.String("external_id", externalID),
				logger.Error(err),
			)
		} else if n == 1 {
			return true, nil
		}
	}

	exists, err := g.store.CandidateExists(ctx, externalID)
	if err != nil {
		return false, fmt.Errorf("gate lookup %s: %w", externalID, err)
	}
	if exists {
		g.Remember(ctx, externalID)
	}
	return exists, nil
}

// Remember caches a positive answer after the candidate has been stored.
func (g *Gate) Remember(ctx context.Context, externalID string) {
	if g.rdb == nil {
		return
	}
	if err := g.rdb.Set(ctx, seenKey(externalID), "1", seenKeyTTL).Err(); err != nil {
		g.log.Warn("Gate cache write failed",
			logger.String("external_id", externalID),
			logger.Error(err),
		)
	}
}
