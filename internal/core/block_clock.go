package core

import (
	"EscrowAudit/internal/observability"
	"context"
	"errors"
)

// ErrBlockNotFound is returned by a BlockClock that has no timestamp for a height.
var ErrBlockNotFound = errors.New("block timestamp not found")

// BlockClock resolves the Unix timestamp of a block height. Implementations
// may hit the network; the session caches results per height.
type BlockClock interface {
	BlockTimestamp(ctx context.Context, height uint64) (int64, error)
}

// BlockClockFunc adapts a function to BlockClock.
type BlockClockFunc func(ctx context.Context, height uint64) (int64, error)

func (f BlockClockFunc) BlockTimestamp(ctx context.Context, height uint64) (int64, error) {
	return f(ctx, height)
}

// blockTimestampCache memoizes lookups for one session. Not shared across
// sessions and not thread-safe.
type blockTimestampCache struct {
	clock   BlockClock
	known   map[uint64]int64
	metrics *observability.Metrics
}

func newBlockTimestampCache(clock BlockClock, metrics *observability.Metrics) *blockTimestampCache {
	return &blockTimestampCache{
		clock:   clock,
		known:   make(map[uint64]int64),
		metrics: metrics,
	}
}

// observe records a timestamp the event already carried, so later events in
// the same block never need a lookup.
func (c *blockTimestampCache) observe(height uint64, ts int64) {
	if ts == 0 {
		return
	}
	if _, ok := c.known[height]; !ok {
		c.known[height] = ts
	}
}

// resolve returns the cached timestamp or asks the clock once. With no clock
// configured an unknown height resolves to zero.
func (c *blockTimestampCache) resolve(ctx context.Context, height uint64) (int64, error) {
	if ts, ok := c.known[height]; ok {
		c.record("hit")
		return ts, nil
	}
	if c.clock == nil {
		return 0, nil
	}

	ts, err := c.clock.BlockTimestamp(ctx, height)
	if err != nil {
		c.record("error")
		return 0, err
	}
	c.record("miss")
	c.known[height] = ts
	return ts, nil
}

func (c *blockTimestampCache) record(result string) {
	if c.metrics != nil {
		c.metrics.BlockClockLookups.WithLabelValues(result).Inc()
	}
}
