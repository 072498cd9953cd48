package oracle

import (
	"context"
	"fmt"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"

	"github.com/simtrade/ledger-service/internal/asset"
)

// Binance is a live crypto price feed reading the spot ticker <SYMBOL><QUOTE>
// from the public Binance API. No API key is needed for price reads.
type Binance struct {
	client  *binance.Client
	catalog *asset.Catalog
	quote   string
}

// NewBinance creates a Binance feed quoting against USDT.
func NewBinance(catalog *asset.Catalog) *Binance {
	return &Binance{
		client:  binance.NewClient("", ""),
		catalog: catalog,
		quote:   "USDT",
	}
}

func (b *Binance) Price(ctx context.Context, assetID string) (decimal.Decimal, error) {
	a, ok := b.catalog.ByID(assetID)
	if !ok || a.Class != asset.ClassCrypto || a.Symbol == b.quote {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnsupportedAsset, assetID)
	}

	pair := a.Symbol + b.quote
	prices, err := b.client.NewListPricesService().Symbol(pair).Do(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("binance: %s: %w", pair, err)
	}
	if len(prices) == 0 {
		return decimal.Zero, fmt.Errorf("%w: binance returned no price for %s", ErrPriceUnavailable, pair)
	}

	price, err := decimal.NewFromString(prices[0].Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("binance: parse price %q: %w", prices[0].Price, err)
	}
	return checkPrice(assetID, price)
}
