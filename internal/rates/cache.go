package rates

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

// Cached decorates a Resolver with a Redis cache keyed by currency and day.
// Rate snapshots are immutable for a given day, so a hit never goes stale.
type Cached struct {
	next   Resolver
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
	group  singleflight.Group
}

// NewCached constructs the caching decorator.
func NewCached(next Resolver, rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *Cached {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Cached{next: next, rdb: rdb, ttl: ttl, logger: logger}
}

func cacheKey(currency string, at time.Time) string {
	return fmt.Sprintf("fx:rate:%s:%s", currency, at.Format("2006-01-02"))
}

// RateFor implements Resolver. Cache failures degrade to the upstream
// resolver, they never fail the lookup.
func (c *Cached) RateFor(ctx context.Context, currency string, at time.Time) (Quote, error) {
	key := cacheKey(currency, at)
	if c.rdb != nil {
		val, err := c.rdb.Get(ctx, key).Result()
		if err == nil {
			rate, perr := decimal.NewFromString(val)
			if perr == nil {
				return Quote{Currency: currency, Rate: rate, AsOf: at}, nil
			}
		} else if err != redis.Nil && c.logger != nil {
			c.logger.Warn("rate cache read", slog.String("key", key), slog.Any("error", err))
		}
	}

	// Concurrent misses for the same key share one upstream call.
	res, err, _ := c.group.Do(key, func() (any, error) {
		quote, err := c.next.RateFor(ctx, currency, at)
		if err != nil {
			return Quote{}, err
		}
		if c.rdb != nil {
			if err := c.rdb.Set(ctx, key, quote.Rate.String(), c.ttl).Err(); err != nil && c.logger != nil {
				c.logger.Warn("rate cache write", slog.String("key", key), slog.Any("error", err))
			}
		}
		return quote, nil
	})
	if err != nil {
		return Quote{}, err
	}
	return res.(Quote), nil
}
