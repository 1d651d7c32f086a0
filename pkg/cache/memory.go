package cache

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"e2ee-relay/pkg/logger"
)

// MemoryCache implements an in-memory cache with TTL support
type MemoryCache struct {
	mu      sync.RWMutex
	data    map[string]*cacheEntry
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// cacheEntry represents a single cache entry
type cacheEntry struct {
	value     any
	expiresAt time.Time
	createdAt time.Time
}

// NewMemoryCache creates a new in-memory cache
func NewMemoryCache(defaultTTL time.Duration, maxSize int) *MemoryCache {
	return &MemoryCache{
		data:    make(map[string]*cacheEntry),
		ttl:     defaultTTL,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Set stores a value in the cache with TTL
func (mc *MemoryCache) Set(key string, value any, ttl time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.setLocked(key, value, ttl)
}

// SetIfAbsent stores value only when key is missing or expired.
// It reports whether the value was stored.
func (mc *MemoryCache) SetIfAbsent(key string, value any, ttl time.Duration) bool {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if entry, exists := mc.data[key]; exists && mc.now().Before(entry.expiresAt) {
		return false
	}
	mc.setLocked(key, value, ttl)
	return true
}

func (mc *MemoryCache) setLocked(key string, value any, ttl time.Duration) {
	if ttl == 0 {
		ttl = mc.ttl
	}

	if _, exists := mc.data[key]; !exists && mc.maxSize > 0 && len(mc.data) >= mc.maxSize {
		mc.evictOldest()
	}

	now := mc.now()
	mc.data[key] = &cacheEntry{
		value:     value,
		expiresAt: now.Add(ttl),
		createdAt: now,
	}
}

// Get retrieves a value from the cache
func (mc *MemoryCache) Get(key string) (any, bool) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	entry, exists := mc.data[key]
	if !exists || mc.now().After(entry.expiresAt) {
		return nil, false
	}

	return entry.value, true
}

// Delete removes a value from the cache
func (mc *MemoryCache) Delete(key string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	delete(mc.data, key)
}

// Size returns the current number of entries in the cache, expired or not
func (mc *MemoryCache) Size() int {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return len(mc.data)
}

// evictOldest removes the oldest entry from the cache
func (mc *MemoryCache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time

	for key, entry := range mc.data {
		if oldestKey == "" || entry.createdAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.createdAt
		}
	}

	if oldestKey != "" {
		delete(mc.data, oldestKey)
		logger.Debug("Cache entry evicted",
			zap.String("key", oldestKey),
			zap.Time("created_at", oldestTime),
		)
	}
}

// cleanupExpired removes expired entries from the cache
func (mc *MemoryCache) cleanupExpired() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	now := mc.now()
	expiredCount := 0

	for key, entry := range mc.data {
		if now.After(entry.expiresAt) {
			delete(mc.data, key)
			expiredCount++
		}
	}

	if expiredCount > 0 {
		logger.Debug("Expired cache entries cleaned up",
			zap.Int("count", expiredCount),
			zap.Int("remaining", len(mc.data)),
		)
	}
	return expiredCount
}

// StartCleanup starts a goroutine to clean up expired entries
// Returns a stop function that can be called to cancel the cleanup goroutine
func (mc *MemoryCache) StartCleanup(interval time.Duration) func() {
	stop := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				mc.cleanupExpired()
			case <-stop:
				return
			}
		}
	}()
	return func() { once.Do(func() { close(stop) }) }
}
