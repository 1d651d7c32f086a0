package memory

import (
	"context"
	"fmt"
	"time"

	"e2ee-relay/pkg/cache"
)

// DedupRepository remembers upstream packets in process memory. A packet is
// identified by its sender address and message_id: clients pick message IDs
// themselves, so IDs alone collide across senders.
type DedupRepository struct {
	cache *cache.MemoryCache
	ttl   time.Duration
}

// NewDedupRepository creates a DedupRepository remembering IDs for ttl
func NewDedupRepository(c *cache.MemoryCache, ttl time.Duration) *DedupRepository {
	return &DedupRepository{cache: c, ttl: ttl}
}

// MarkSeen records the packet and reports whether this is its first sighting
func (r *DedupRepository) MarkSeen(_ context.Context, from, messageID string) (bool, error) {
	// Length-prefixed so addresses containing ':' cannot alias another pair.
	key := fmt.Sprintf("dedup:%d:%s:%s", len(from), from, messageID)
	return r.cache.SetIfAbsent(key, struct{}{}, r.ttl), nil
}
