package ingestion

import (
	"EscrowAudit/internal/core"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// StaticBlockClock serves block timestamps from a fixed height table.
type StaticBlockClock map[uint64]int64

var _ core.BlockClock = StaticBlockClock(nil)

func (c StaticBlockClock) BlockTimestamp(ctx context.Context, height uint64) (int64, error) {
	ts, ok := c[height]
	if !ok {
		return 0, core.ErrBlockNotFound
	}
	return ts, nil
}

// LoadStaticBlockClock reads a JSON object of block height to Unix seconds,
// e.g. {"7": 1574000000}. Values may be numbers or strings.
func LoadStaticBlockClock(path string) (StaticBlockClock, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read block timestamps: %w", err)
	}
	var raw map[string]flexNumber
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse block timestamps: %w", err)
	}

	clock := make(StaticBlockClock, len(raw))
	for k, v := range raw {
		height, err := strconv.ParseUint(k, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("block height %q: %w", k, err)
		}
		ts, err := strconv.ParseInt(string(v), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("timestamp for block %d: %w", height, err)
		}
		clock[height] = ts
	}
	return clock, nil
}

// RedisStore is the subset of redis.Cmdable the block clock needs.
type RedisStore interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// RedisBlockClock reads timestamps the indexer caches under
// block:ts:<height>.
type RedisBlockClock struct {
	store  RedisStore
	prefix string
}

var _ core.BlockClock = (*RedisBlockClock)(nil)

func NewRedisBlockClock(store RedisStore, prefix string) *RedisBlockClock {
	if prefix == "" {
		prefix = "block:ts:"
	}
	return &RedisBlockClock{store: store, prefix: prefix}
}

func (c *RedisBlockClock) Key(height uint64) string {
	return c.prefix + strconv.FormatUint(height, 10)
}

func (c *RedisBlockClock) BlockTimestamp(ctx context.Context, height uint64) (int64, error) {
	ts, err := c.store.Get(ctx, c.Key(height)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, core.ErrBlockNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("redis block timestamp %d: %w", height, err)
	}
	return ts, nil
}

// Store records a block timestamp. Block timestamps are final, so no expiry
// is set.
func (c *RedisBlockClock) Store(ctx context.Context, height uint64, ts int64) error {
	if err := c.store.Set(ctx, c.Key(height), ts, 0).Err(); err != nil {
		return fmt.Errorf("store block timestamp %d: %w", height, err)
	}
	return nil
}

// NewRedisClient builds a client from a redis:// URL or a host:port address
// and verifies connectivity.
func NewRedisClient(ctx context.Context, urlOrAddr string) (*redis.Client, error) {
	opts, err := redis.ParseURL(urlOrAddr)
	if err != nil {
		opts = &redis.Options{Addr: urlOrAddr}
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
