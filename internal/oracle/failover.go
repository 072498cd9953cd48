package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/simtrade/ledger-service/internal/metrics"
)

// Failover serves prices from a live primary feed and falls back to a
// secondary (normally Static) when the primary fails or its breaker is open.
// Assets the primary does not quote go straight to the fallback without
// counting as failures.
type Failover struct {
	primary  Oracle
	fallback Oracle
	breaker  *Breaker
}

// NewFailover wires a primary feed, a fallback and the breaker guarding the primary.
func NewFailover(primary, fallback Oracle, breaker *Breaker) *Failover {
	return &Failover{primary: primary, fallback: fallback, breaker: breaker}
}

// Breaker exposes the breaker for health reporting.
func (f *Failover) Breaker() *Breaker { return f.breaker }

func (f *Failover) Price(ctx context.Context, assetID string) (decimal.Decimal, error) {
	if f.breaker.Allow() {
		p, err := f.primary.Price(ctx, assetID)
		switch {
		case err == nil:
			f.breaker.RecordSuccess()
			metrics.OracleRequests.WithLabelValues("primary", "ok").Inc()
			return p, nil
		case errors.Is(err, ErrUnsupportedAsset), errors.Is(err, ErrPriceUnavailable):
			metrics.OracleRequests.WithLabelValues("primary", "unquoted").Inc()
		case ctx.Err() != nil:
			return decimal.Zero, fmt.Errorf("%w: %w", ErrPriceUnavailable, ctx.Err())
		default:
			f.breaker.RecordFailure()
			metrics.OracleRequests.WithLabelValues("primary", "error").Inc()
			slog.Warn("live price feed failed, using fallback", "asset", assetID, "err", err)
		}
	}

	p, err := f.fallback.Price(ctx, assetID)
	if err != nil {
		metrics.OracleRequests.WithLabelValues("fallback", "error").Inc()
		return decimal.Zero, err
	}
	metrics.OracleRequests.WithLabelValues("fallback", "ok").Inc()
	return p, nil
}
