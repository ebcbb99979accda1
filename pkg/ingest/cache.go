package ingest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// shardCount is the number of last-seen cache shards. Per §5's
// shared-resource discipline: "the last-seen cache is a sharded map keyed
// by device; each shard is serialized."
const shardCount = 16

type shard struct {
	mu   sync.Mutex
	seen map[uuid.UUID]time.Time
}

// LastSeenStore is the subset of internal/store.Store the cache flushes to.
type LastSeenStore interface {
	TouchLastSeen(ctx context.Context, deviceIDs []uuid.UUID, at time.Time) error
}

// LastSeenCache batches device-last-seen updates in memory and flushes them
// to storage periodically, so the hot ingestion path never writes to
// devices on every request.
type LastSeenCache struct {
	shards [shardCount]*shard
	store  LastSeenStore
	logger *slog.Logger
}

// NewLastSeenCache creates a cache backed by store.
func NewLastSeenCache(store LastSeenStore, logger *slog.Logger) *LastSeenCache {
	c := &LastSeenCache{store: store, logger: logger}
	for i := range c.shards {
		c.shards[i] = &shard{seen: make(map[uuid.UUID]time.Time)}
	}
	return c
}

func (c *LastSeenCache) shardFor(id uuid.UUID) *shard {
	var h byte
	for _, b := range id {
		h ^= b
	}
	return c.shards[int(h)%shardCount]
}

// Touch records that deviceID was seen at t. Overwrites any earlier
// unflushed timestamp for the same device.
func (c *LastSeenCache) Touch(deviceID uuid.UUID, t time.Time) {
	s := c.shardFor(deviceID)
	s.mu.Lock()
	s.seen[deviceID] = t
	s.mu.Unlock()
}

// Run flushes accumulated last-seen timestamps every interval until ctx is
// cancelled, then performs one final flush before returning.
func (c *LastSeenCache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.flush(context.Background())
			return
		case <-ticker.C:
			c.flush(ctx)
		}
	}
}

func (c *LastSeenCache) flush(ctx context.Context) {
	// Drain each shard independently so a busy shard never blocks the
	// others from being flushed in the same pass.
	var ids []uuid.UUID
	var latest time.Time

	for _, s := range c.shards {
		s.mu.Lock()
		for id, t := range s.seen {
			ids = append(ids, id)
			if t.After(latest) {
				latest = t
			}
		}
		s.seen = make(map[uuid.UUID]time.Time)
		s.mu.Unlock()
	}

	if len(ids) == 0 {
		return
	}
	if err := c.store.TouchLastSeen(ctx, ids, latest); err != nil {
		c.logger.Error("flushing last-seen cache", "error", err, "devices", len(ids))
	}
}
