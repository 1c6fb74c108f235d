package core

import (
	"EscrowAudit/internal/observability"
	"container/list"
	"context"
	"sync"
)

// LRUBlockClock is a process-wide tier in front of a slower BlockClock
// (Redis, an RPC node). Sessions keep their own per-height cache; this one
// outlives them so concurrent and repeated replays share lookups.
//
// Safe for concurrent use.
type LRUBlockClock struct {
	next     BlockClock
	capacity int

	mu      sync.Mutex
	cache   map[uint64]*list.Element
	lruList *list.List

	evictions int64
	metrics   *observability.Metrics
}

type lruEntry struct {
	height uint64
	ts     int64
}

var _ BlockClock = (*LRUBlockClock)(nil)

func NewLRUBlockClock(next BlockClock, capacity int, metrics *observability.Metrics) *LRUBlockClock {
	if capacity <= 0 {
		capacity = 1
	}
	return &LRUBlockClock{
		next:     next,
		capacity: capacity,
		cache:    make(map[uint64]*list.Element, capacity),
		lruList:  list.New(),
		metrics:  metrics,
	}
}

// BlockTimestamp serves from the LRU (promoting the entry) or asks the next
// clock. Failed lookups are not cached.
func (c *LRUBlockClock) BlockTimestamp(ctx context.Context, height uint64) (int64, error) {
	if ts, ok := c.get(height); ok {
		c.record("lru_hit")
		return ts, nil
	}

	// Lookup happens outside the lock; two callers may race to fill the
	// same height, which is harmless since block timestamps are final.
	ts, err := c.next.BlockTimestamp(ctx, height)
	if err != nil {
		return 0, err
	}
	c.record("lru_miss")
	c.Add(height, ts)
	return ts, nil
}

func (c *LRUBlockClock) get(height uint64) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, exists := c.cache[height]
	if !exists {
		return 0, false
	}
	c.lruList.MoveToFront(elem)
	return elem.Value.(*lruEntry).ts, true
}

// Add inserts a timestamp (or promotes it if present).
func (c *LRUBlockClock) Add(height uint64, ts int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, exists := c.cache[height]; exists {
		c.lruList.MoveToFront(elem)
		return
	}

	elem := c.lruList.PushFront(&lruEntry{height: height, ts: ts})
	c.cache[height] = elem

	if c.lruList.Len() > c.capacity {
		c.evictOldest()
	}
}

func (c *LRUBlockClock) evictOldest() {
	elem := c.lruList.Back()
	if elem != nil {
		c.lruList.Remove(elem)
		delete(c.cache, elem.Value.(*lruEntry).height)
		c.evictions++
	}
}

// Size returns current number of entries
func (c *LRUBlockClock) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lruList.Len()
}

// Evictions returns total evictions
func (c *LRUBlockClock) Evictions() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictions
}

func (c *LRUBlockClock) record(result string) {
	if c.metrics != nil {
		c.metrics.BlockClockLookups.WithLabelValues(result).Inc()
	}
}
