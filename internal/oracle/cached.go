package oracle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// Cached wraps an Oracle with a Redis read-through cache. A cached price is
// reused for up to ttl; a trade still reads it exactly once.
type Cached struct {
	next Oracle
	rdb  redis.Cmdable
	ttl  time.Duration
}

// NewCached creates a cached oracle.
func NewCached(next Oracle, rdb redis.Cmdable, ttl time.Duration) *Cached {
	return &Cached{next: next, rdb: rdb, ttl: ttl}
}

func (c *Cached) Price(ctx context.Context, assetID string) (decimal.Decimal, error) {
	key := priceKey(assetID)

	if s, err := c.rdb.Get(ctx, key).Result(); err == nil {
		if p, err := decimal.NewFromString(s); err == nil && p.IsPositive() {
			return p, nil
		}
	}

	p, err := c.next.Price(ctx, assetID)
	if err != nil {
		return decimal.Zero, err
	}
	c.rdb.Set(ctx, key, p.String(), c.ttl)
	return p, nil
}

func priceKey(assetID string) string {
	return fmt.Sprintf("price:%s", strings.ToLower(assetID))
}
