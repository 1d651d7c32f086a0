package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"e2ee-relay/internal/database"
	"e2ee-relay/pkg/cache"
	"e2ee-relay/pkg/logger"
)

// DedupRepository remembers upstream packets, keyed by sender address and
// message_id, in Redis so redelivered packets are recognised. While Redis is degraded it falls back to memory.
type DedupRepository struct {
	client   *database.RedisClient
	fallback *cache.MemoryCache
	ttl      time.Duration
}

// NewDedupRepository creates a new DedupRepository
func NewDedupRepository(client *database.RedisClient, fallback *cache.MemoryCache, ttl time.Duration) *DedupRepository {
	return &DedupRepository{
		client:   client,
		fallback: fallback,
		ttl:      ttl,
	}
}

// MarkSeen records the packet and reports whether this is its first sighting
func (r *DedupRepository) MarkSeen(ctx context.Context, from, messageID string) (bool, error) {
	key := fmt.Sprintf("relay:dedup:%d:%s:%s", len(from), from, messageID)

	if r.client.IsDegraded() {
		return r.fallback.SetIfAbsent(key, struct{}{}, r.ttl), nil
	}

	first, err := r.client.Client.SetNX(ctx, key, 1, r.ttl).Result()
	if err != nil {
		logger.Warn("Redis dedup failed, using in-memory fallback",
			zap.String("from", from),
			zap.String("message_id", messageID),
			zap.Error(err))
		r.client.SetDegraded(true)
		return r.fallback.SetIfAbsent(key, struct{}{}, r.ttl), nil
	}

	// Keep the fallback warm so a Redis outage does not re-dispatch recent packets.
	r.fallback.Set(key, struct{}{}, r.ttl)
	return first, nil
}
