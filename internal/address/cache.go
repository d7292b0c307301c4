package address

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const cacheKeyPrefix = "addr:"

// Cache is a read-through Redis cache in front of another Lookup. Only
// found callers are stored, so a contact added to the address book is
// picked up on its next call. Redis failures are logged and bypassed; only
// the wrapped lookup can fail a call.
type Cache struct {
	next   Lookup
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewCache wraps next with a Redis cache. A zero ttl keeps entries until
// Redis evicts them.
func NewCache(next Lookup, rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Cache{next: next, rdb: rdb, ttl: ttl, logger: logger}
}

// NewRedisClient parses a redis:// or rediss:// URL and checks the
// connection.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	return rdb, nil
}

func (c *Cache) Lookup(ctx context.Context, number string) (Info, error) {
	key := cacheKeyPrefix + number

	raw, err := c.rdb.Get(ctx, key).Result()
	switch {
	case err == nil:
		var info Info
		if jerr := json.Unmarshal([]byte(raw), &info); jerr == nil {
			return info, nil
		}
		c.logger.Warn("dropping corrupt address cache entry", "key", key)
		c.rdb.Del(ctx, key)
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("address cache read failed", "key", key, "error", err)
	}

	info, err := c.next.Lookup(ctx, number)
	if err != nil {
		return Info{}, err
	}
	if info.Empty() {
		return info, nil
	}

	data, err := json.Marshal(info)
	if err != nil {
		return info, nil
	}
	if err := c.rdb.Set(ctx, key, string(data), c.ttl).Err(); err != nil {
		c.logger.Warn("address cache write failed", "key", key, "error", err)
	}
	return info, nil
}
