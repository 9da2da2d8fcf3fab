// Package quota tracks per-key daily usage in Redis with atomic Lua scripts.
// The counters complement the repository's usage columns: Redis gives a
// cheap, contention-free hot path, the repository remains the source of
// truth for quota enforcement.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// dailyIncrScript increments a daily counter and pins its expiry to the next
// UTC midnight so counters reset with the repository's daily reset job.
// KEYS[1] = counter key
// ARGV[1] = milliseconds until next UTC midnight
// Returns: the counter value after the increment.
var dailyIncrScript = redis.NewScript(`
		local count = redis.call('INCR', KEYS[1])
		if count == 1 then
			redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[1]))
		end
		return count
`)

// Counter records per-key request counts, one Redis key per API key per day.
type Counter struct {
	rdb *redis.Client
}

func NewCounter(rdb *redis.Client) *Counter {
	return &Counter{rdb: rdb}
}

func dayKey(keyID uint, day time.Time) string {
	return fmt.Sprintf("quota:key:%d:%s", keyID, day.UTC().Format("2006-01-02"))
}

func untilMidnightUTC(now time.Time) time.Duration {
	next := now.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
	return next.Sub(now.UTC())
}

// Increment counts one dispatch against the key's daily counter.
func (c *Counter) Increment(ctx context.Context, keyID uint) error {
	now := time.Now()
	_, err := dailyIncrScript.Run(ctx, c.rdb,
		[]string{dayKey(keyID, now)},
		untilMidnightUTC(now).Milliseconds(),
	).Int64()
	if err != nil {
		return fmt.Errorf("quota: increment key %d: %w", keyID, err)
	}
	return nil
}

// Today returns the key's usage count for the current UTC day. A missing
// counter reads as zero.
func (c *Counter) Today(ctx context.Context, keyID uint) (int64, error) {
	n, err := c.rdb.Get(ctx, dayKey(keyID, time.Now())).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("quota: read key %d: %w", keyID, err)
	}
	return n, nil
}
