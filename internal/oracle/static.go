package oracle

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/simtrade/ledger-service/internal/asset"
)

// Static serves the catalog's reference prices. It is the fallback feed and
// the only feed for stocks and commodities.
type Static struct {
	catalog *asset.Catalog
}

// NewStatic creates a reference-price oracle over the catalog.
func NewStatic(catalog *asset.Catalog) *Static {
	return &Static{catalog: catalog}
}

func (s *Static) Price(_ context.Context, assetID string) (decimal.Decimal, error) {
	a, err := s.catalog.Resolve(assetID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}
	return checkPrice(assetID, a.ReferencePrice)
}
