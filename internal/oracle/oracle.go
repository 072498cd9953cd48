// Package oracle supplies reference USD prices for assets.
//
// Every implementation satisfies Oracle. A trade captures exactly one price
// from an Oracle and uses it for its whole computation; implementations must
// therefore never return a non-positive price without an error.
package oracle

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrPriceUnavailable is returned when no usable price could be obtained.
	ErrPriceUnavailable = errors.New("oracle: price unavailable")

	// ErrUnsupportedAsset is returned by a feed that does not quote the asset
	// at all (e.g. a crypto feed asked for a stock). It is not a feed failure.
	ErrUnsupportedAsset = errors.New("oracle: asset not supported by feed")
)

// Oracle returns the current USD price of one unit of an asset.
type Oracle interface {
	Price(ctx context.Context, assetID string) (decimal.Decimal, error)
}

// Func adapts a function to the Oracle interface.
type Func func(ctx context.Context, assetID string) (decimal.Decimal, error)

func (f Func) Price(ctx context.Context, assetID string) (decimal.Decimal, error) {
	return f(ctx, assetID)
}

// Fixed is an operator-supplied override price. It ignores the asset id.
type Fixed struct {
	Value decimal.Decimal
}

func (f Fixed) Price(_ context.Context, assetID string) (decimal.Decimal, error) {
	return checkPrice(assetID, f.Value)
}

// checkPrice rejects zero and negative prices.
func checkPrice(assetID string, p decimal.Decimal) (decimal.Decimal, error) {
	if !p.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s quoted at %s", ErrPriceUnavailable, assetID, p)
	}
	return p, nil
}
