package redisx

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/driftpost/driftpost-backend/internal/logger"
)

/*
RateBudget tracks proactive per-provider/per-destination dispatch budgets in
redis. This is the "don't get throttled" side; the reactive side (backing off
after an actual 429) lives in the retry engine. Counters roll over per window
via key expiry.
*/
type RateBudget interface {
	// Allow reports whether another dispatch fits the window, consuming one
	// slot when it does.
	Allow(ctx context.Context, bucket string, limit int, window time.Duration) (bool, error)
	Close() error
}

type rateBudget struct {
	log *logger.Logger
	rdb *goredis.Client
}

func NewRateBudget(log *logger.Logger) (RateBudget, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &rateBudget{
		log: log.With("service", "RedisRateBudget"),
		rdb: rdb,
	}, nil
}

func (b *rateBudget) Allow(ctx context.Context, bucket string, limit int, window time.Duration) (bool, error) {
	if b == nil || b.rdb == nil {
		return false, fmt.Errorf("rate budget not initialized")
	}
	if limit <= 0 {
		return true, nil
	}
	key := "ratebudget:" + bucket
	count, err := b.rdb.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis incr: %w", err)
	}
	if count == 1 {
		if err := b.rdb.Expire(ctx, key, window).Err(); err != nil {
			b.log.Warn("Failed to set rate budget expiry", "bucket", bucket, "error", err)
		}
	}
	if count > int64(limit) {
		return false, nil
	}
	return true, nil
}

func (b *rateBudget) Close() error {
	if b == nil || b.rdb == nil {
		return nil
	}
	return b.rdb.Close()
}
