package exposure

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"go.uber.org/zap"
)

type entry struct {
	itemIDs   []string
	updatedAt time.Time
}

// Cache tracks which knowledge items each user has already been shown, so
// retrieval never re-surfaces an item while it is still fresh in the
// session window. It is a pure exclusion filter, not a ranking signal.
type Cache struct {
	maxItems int
	ttl      time.Duration
	logger   *zap.Logger

	mu      sync.RWMutex
	entries map[string]*entry

	stop     chan struct{}
	stopOnce sync.Once
}

// NewCache creates an exposure cache holding at most maxItems recent item
// IDs per user, expiring untouched entries after ttl.
func NewCache(maxItems int, ttl time.Duration, logger *zap.Logger) *Cache {
	if maxItems <= 0 {
		maxItems = 50
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	c := &Cache{
		maxItems: maxItems,
		ttl:      ttl,
		logger:   logger,
		entries:  make(map[string]*entry),
		stop:     make(chan struct{}),
	}

	go c.sweepLoop()
	return c
}

// UserKey hashes a user identifier into the privacy-preserving cache key.
func UserKey(userID string) string {
	sum := sha256.Sum256([]byte(userID))
	return hex.EncodeToString(sum[:])[:16]
}

// GetShown returns the item IDs already shown to a user, most recent first.
// Expired or missing entries yield an empty slice; expired entries are
// removed lazily.
func (c *Cache) GetShown(userKey string) []string {
	var (
		expired bool
		out     []string
	)

	c.mu.RLock()
	if e, ok := c.entries[userKey]; ok {
		if time.Since(e.updatedAt) > c.ttl {
			expired = true
		} else {
			out = make([]string, len(e.itemIDs))
			for i, id := range e.itemIDs {
				out[len(out)-1-i] = id
			}
		}
	}
	c.mu.RUnlock()

	if expired {
		c.mu.Lock()
		// Re-check: a concurrent AddShown may have refreshed the entry.
		if cur, ok := c.entries[userKey]; ok && time.Since(cur.updatedAt) > c.ttl {
			delete(c.entries, userKey)
		}
		c.mu.Unlock()
	}
	return out
}

// AddShown merges new item IDs into a user's exposure set, deduplicated
// against existing members, keeps only the most recent maxItems (dropping
// oldest) and refreshes the TTL timestamp.
func (c *Cache) AddShown(userKey string, itemIDs []string) {
	if len(itemIDs) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[userKey]
	if !ok || time.Since(e.updatedAt) > c.ttl {
		e = &entry{}
		c.entries[userKey] = e
	}

	existing := make(map[string]struct{}, len(e.itemIDs))
	for _, id := range e.itemIDs {
		existing[id] = struct{}{}
	}
	for _, id := range itemIDs {
		if _, dup := existing[id]; dup {
			continue
		}
		existing[id] = struct{}{}
		e.itemIDs = append(e.itemIDs, id)
	}

	if len(e.itemIDs) > c.maxItems {
		e.itemIDs = e.itemIDs[len(e.itemIDs)-c.maxItems:]
	}
	e.updatedAt = time.Now()

	c.logger.Debug("Exposure set updated",
		zap.String("user_key", userKey),
		zap.Int("size", len(e.itemIDs)))
}

// Clear resets a single user's exposure set.
func (c *Cache) Clear(userKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userKey)
}

// ClearAll resets every exposure set.
func (c *Cache) ClearAll() {
	c.mu.Lock()
	count := len(c.entries)
	c.entries = make(map[string]*entry)
	c.mu.Unlock()
	c.logger.Info("Exposure cache cleared", zap.Int("users", count))
}

// Stats returns user and item counts for the monitoring endpoint.
func (c *Cache) Stats() map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	items := 0
	for _, e := range c.entries {
		items += len(e.itemIDs)
	}
	return map[string]int{
		"users": len(c.entries),
		"items": items,
	}
}

// Stop terminates the background sweep.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(c.ttl / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			removed := 0
			for key, e := range c.entries {
				if time.Since(e.updatedAt) > c.ttl {
					delete(c.entries, key)
					removed++
				}
			}
			c.mu.Unlock()
			if removed > 0 {
				c.logger.Info("Swept expired exposure entries", zap.Int("removed", removed))
			}
		case <-c.stop:
			return
		}
	}
}
