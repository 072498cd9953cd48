package oracle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/simtrade/ledger-service/internal/asset"
)

// DefaultCoinGeckoURL is the public CoinGecko v3 API.
const DefaultCoinGeckoURL = "https://api.coingecko.com/api/v3"

// CoinGecko is a live crypto price feed backed by the CoinGecko simple/price
// endpoint. Concurrent lookups of the same asset share one HTTP round trip.
type CoinGecko struct {
	client  *resty.Client
	catalog *asset.Catalog
	timeout time.Duration
	group   singleflight.Group
}

// NewCoinGecko creates a CoinGecko feed. An empty baseURL selects the public API.
func NewCoinGecko(baseURL string, catalog *asset.Catalog, timeout time.Duration) *CoinGecko {
	if baseURL == "" {
		baseURL = DefaultCoinGeckoURL
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := resty.New().
		SetBaseURL(strings.TrimSuffix(baseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(1).
		SetRetryWaitTime(200 * time.Millisecond).
		SetHeader("Accept", "application/json")

	return &CoinGecko{client: client, catalog: catalog, timeout: timeout}
}

func (c *CoinGecko) Price(ctx context.Context, assetID string) (decimal.Decimal, error) {
	id := strings.ToLower(strings.TrimSpace(assetID))
	if a, ok := c.catalog.ByID(id); ok && a.Class != asset.ClassCrypto {
		return decimal.Zero, fmt.Errorf("%w: %s is a %s", ErrUnsupportedAsset, id, a.Class)
	}

	// The shared fetch is detached from whichever caller started it, so one
	// caller giving up does not fail the others. Each caller still stops
	// waiting when its own ctx ends.
	ch := c.group.DoChan(id, func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		return c.fetch(fctx, id)
	})
	select {
	case <-ctx.Done():
		return decimal.Zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return decimal.Zero, res.Err
		}
		return res.Val.(decimal.Decimal), nil
	}
}

func (c *CoinGecko) fetch(ctx context.Context, id string) (decimal.Decimal, error) {
	var out map[string]map[string]decimal.Decimal

	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"ids":           id,
			"vs_currencies": "usd",
		}).
		SetResult(&out).
		Get("/simple/price")
	if err != nil {
		return decimal.Zero, fmt.Errorf("coingecko: %w", err)
	}
	if resp.IsError() {
		return decimal.Zero, fmt.Errorf("coingecko: unexpected status %d", resp.StatusCode())
	}

	price, ok := out[id]["usd"]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: coingecko has no usd quote for %s", ErrPriceUnavailable, id)
	}
	return checkPrice(id, price)
}
