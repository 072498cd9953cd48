// Package ledger executes simulated trades against an account's cash balance
// and positions. A trade is one atomic transition: the balance update, the
// position upsert or delete, and the transaction record commit together or
// not at all.
//
// All monetary values use shopspring/decimal, never float64.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/simtrade/ledger-service/internal/asset"
	"github.com/simtrade/ledger-service/internal/metrics"
	"github.com/simtrade/ledger-service/internal/model"
	"github.com/simtrade/ledger-service/internal/oracle"
	"github.com/simtrade/ledger-service/internal/store"
)

// Direction is the side of a trade.
type Direction string

const (
	Buy  Direction = model.DirectionBuy
	Sell Direction = model.DirectionSell
)

// Initiators, used for metrics and logs.
const (
	InitiatorUser  = "user"
	InitiatorAdmin = "admin"
)

// Dust is the largest quantity treated as zero. A sell leaving this much or
// less closes the position, and a sell overshooting the holding by at most
// this much liquidates exactly what is held.
var Dust = decimal.New(1, -12)

// Request is one trade instruction. Amount is USD notional for both
// directions; the asset quantity is derived from the execution price.
type Request struct {
	AccountID string
	AssetID   string // price-feed id; defaults from Symbol via the catalog
	Symbol    string // ticker; defaults from AssetID via the catalog
	Direction Direction
	Amount    decimal.Decimal
}

// Policy controls the checks and price source of one trade. User and admin
// trades share every other rule.
type Policy struct {
	EnforceFunds bool
	PriceSource  oracle.Oracle // nil uses the engine's oracle
	Initiator    string
}

// UserPolicy is the policy for user-initiated trades: oracle price, funds
// enforced.
func UserPolicy() Policy {
	return Policy{EnforceFunds: true, Initiator: InitiatorUser}
}

// AdminPolicy is the policy for operator-initiated trades. A valid override
// replaces the oracle price for this trade only.
func AdminPolicy(enforceFunds bool, override decimal.NullDecimal) Policy {
	p := Policy{EnforceFunds: enforceFunds, Initiator: InitiatorAdmin}
	if override.Valid {
		p.PriceSource = oracle.Fixed{Value: override.Decimal}
	}
	return p
}

// Result is the outcome of a successful trade.
type Result struct {
	Transaction model.TransactionRecord `json:"transaction"`
	Balance     decimal.Decimal         `json:"balance"`
	Position    *model.Position         `json:"position"` // nil when the sell closed it
}

// Publisher receives executed trades, e.g. to fan them out over WebSocket.
type Publisher interface {
	PublishTrade(rec model.TransactionRecord)
}

// Engine executes trades. Safe for concurrent use; serialization per account
// is delegated to the store's atomic unit.
type Engine struct {
	store   store.LedgerStore
	oracle  oracle.Oracle
	catalog *asset.Catalog
	pub     Publisher
	now     func() time.Time
}

// NewEngine creates an engine. pub may be nil.
func NewEngine(st store.LedgerStore, o oracle.Oracle, catalog *asset.Catalog, pub Publisher) *Engine {
	return &Engine{
		store:   st,
		oracle:  o,
		catalog: catalog,
		pub:     pub,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// ExecuteTrade validates and applies one trade. Business refusals are
// *RejectionError values that unwrap to their sentinel; a failed commit wraps
// ErrPersistence. On any error no state has changed.
func (e *Engine) ExecuteTrade(ctx context.Context, req Request, pol Policy) (*Result, error) {
	start := time.Now()
	if pol.Initiator == "" {
		pol.Initiator = InitiatorUser
	}

	res, err := e.execute(ctx, req, pol)
	if err != nil {
		kind := KindOf(err)
		metrics.TradeRejections.WithLabelValues(string(kind)).Inc()
		if kind == KindPersistence {
			slog.Error("trade failed",
				"account", req.AccountID, "direction", req.Direction, "symbol", req.Symbol,
				"amount", req.Amount.String(), "initiator", pol.Initiator, "err", err)
		} else {
			slog.Info("trade rejected",
				"account", req.AccountID, "direction", req.Direction, "symbol", req.Symbol,
				"amount", req.Amount.String(), "initiator", pol.Initiator, "kind", kind, "reason", err.Error())
		}
		return nil, err
	}

	rec := res.Transaction
	metrics.TradesTotal.WithLabelValues(rec.Direction, pol.Initiator).Inc()
	metrics.TradeLatency.WithLabelValues(rec.Direction).Observe(time.Since(start).Seconds())
	metrics.TradeNotional.WithLabelValues(e.symbolLabel(rec.Symbol), rec.Direction).Add(rec.Total.InexactFloat64())

	slog.Info("trade executed",
		"tx_id", rec.ID,
		"account", rec.AccountID,
		"direction", rec.Direction,
		"symbol", rec.Symbol,
		"quantity", rec.Quantity.String(),
		"price", rec.Price.String(),
		"total", rec.Total.String(),
		"balance", res.Balance.String(),
		"initiator", pol.Initiator,
	)

	if e.pub != nil {
		e.pub.PublishTrade(rec)
	}
	return res, nil
}

func (e *Engine) execute(ctx context.Context, req Request, pol Policy) (*Result, error) {
	if !req.Amount.IsPositive() {
		return nil, reject(KindInvalidAmount, "amount must be greater than zero, got %s", req.Amount)
	}
	dir := Direction(strings.ToLower(string(req.Direction)))
	if dir != Buy && dir != Sell {
		return nil, reject(KindInvalidDirection, "direction must be %q or %q, got %q", Buy, Sell, req.Direction)
	}

	assetID, symbol, err := e.resolve(req.AssetID, req.Symbol)
	if err != nil {
		return nil, err
	}

	// The price is read once; every figure in this trade derives from it.
	price, err := e.price(ctx, pol, assetID)
	if err != nil {
		return nil, err
	}

	qty := divide(req.Amount, price)
	if !qty.IsPositive() {
		return nil, reject(KindInvalidAmount, "amount %s is too small to buy any %s at %s", req.Amount, symbol, price)
	}

	var res *Result
	err = e.store.WithAccountLock(ctx, req.AccountID, func(tx store.LedgerTx) error {
		var err error
		if dir == Buy {
			res, err = e.buy(ctx, tx, pol, assetID, symbol, req.Amount, price, qty)
		} else {
			res, err = e.sell(ctx, tx, assetID, symbol, req.Amount, price, qty)
		}
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return persistence(err)
		}
		return nil
	})

	var rej *RejectionError
	switch {
	case err == nil:
		return res, nil
	case errors.As(err, &rej):
		return nil, err
	case errors.Is(err, store.ErrNotFound):
		return nil, reject(KindAccountNotFound, "account %s not found", req.AccountID)
	default:
		return nil, persistence(err)
	}
}

func (e *Engine) resolve(assetID, symbol string) (string, string, error) {
	assetID = strings.ToLower(strings.TrimSpace(assetID))
	symbol = strings.TrimSpace(symbol)

	if symbol != "" {
		s, err := asset.NormalizeSymbol(symbol)
		if err != nil {
			return "", "", &RejectionError{Kind: KindInvalidAsset, Message: err.Error(), cause: err}
		}
		symbol = s
	}

	switch {
	case assetID != "" && symbol != "":
		// A catalog asset must be named consistently: the price is looked up
		// by id while the position is keyed by symbol.
		if a, ok := e.catalog.ByID(assetID); ok && a.Symbol != symbol {
			return "", "", reject(KindInvalidAsset, "asset %q has symbol %s, not %s", assetID, a.Symbol, symbol)
		}
		if a, ok := e.catalog.BySymbol(symbol); ok && a.ID != assetID {
			return "", "", reject(KindInvalidAsset, "symbol %s belongs to asset %q, not %q", symbol, a.ID, assetID)
		}
		return assetID, symbol, nil
	case assetID != "":
		a, ok := e.catalog.ByID(assetID)
		if !ok {
			return "", "", reject(KindInvalidAsset, "unknown asset %q: a symbol is required", assetID)
		}
		return a.ID, a.Symbol, nil
	case symbol != "":
		a, ok := e.catalog.BySymbol(symbol)
		if !ok {
			return "", "", reject(KindInvalidAsset, "unknown symbol %q: an asset id is required", symbol)
		}
		return a.ID, a.Symbol, nil
	default:
		return "", "", reject(KindInvalidAsset, "asset id or symbol is required")
	}
}

func (e *Engine) price(ctx context.Context, pol Policy, assetID string) (decimal.Decimal, error) {
	src := pol.PriceSource
	if src == nil {
		src = e.oracle
	}
	p, err := src.Price(ctx, assetID)
	if err != nil {
		return decimal.Zero, &RejectionError{
			Kind:    KindPriceUnavailable,
			Message: fmt.Sprintf("price unavailable for %s: %v", assetID, err),
			cause:   err,
		}
	}
	if !p.IsPositive() {
		return decimal.Zero, reject(KindPriceUnavailable, "price for %s must be positive, got %s", assetID, p)
	}
	return p, nil
}

func (e *Engine) buy(ctx context.Context, tx store.LedgerTx, pol Policy,
	assetID, symbol string, amount, price, qty decimal.Decimal) (*Result, error) {

	acct := tx.Account()
	if pol.EnforceFunds && acct.Balance.LessThan(amount) {
		shortfall := amount.Sub(acct.Balance)
		return nil, &RejectionError{
			Kind: KindInsufficientFunds,
			Message: fmt.Sprintf("insufficient balance: account has $%s but trade requires $%s (short $%s)",
				acct.Balance.StringFixed(2), amount.StringFixed(2), shortfall.StringFixed(2)),
			Shortfall: shortfall,
		}
	}

	pos, err := tx.Position(ctx, symbol)
	if err != nil {
		return nil, persistence(err)
	}

	if pos != nil && pos.AssetID != assetID {
		return nil, reject(KindInvalidAsset, "%s position is held as asset %q, not %q", symbol, pos.AssetID, assetID)
	}

	now := e.now()
	if pos == nil {
		pos = &model.Position{
			AccountID: acct.ID,
			Symbol:    symbol,
			AssetID:   assetID,
			Quantity:  qty,
			AvgCost:   price,
		}
	} else {
		// Cost-weighted mean: newAvg * newQty = oldAvg * oldQty + amount.
		newQty := pos.Quantity.Add(qty)
		pos.AvgCost = divide(pos.CostBasis().Add(amount), newQty)
		pos.Quantity = newQty
	}
	if !pos.Quantity.IsPositive() || !pos.AvgCost.IsPositive() {
		return nil, reject(KindInvalidAmount, "trade would leave %s with quantity %s at average cost %s",
			symbol, pos.Quantity, pos.AvgCost)
	}
	pos.UpdatedAt = now

	balance := acct.Balance.Sub(amount)
	rec := e.record(acct.ID, Buy, symbol, qty, price, amount, now)

	if err := tx.SetBalance(ctx, balance); err != nil {
		return nil, persistence(err)
	}
	if err := tx.PutPosition(ctx, pos); err != nil {
		return nil, persistence(err)
	}
	if err := tx.AppendTransaction(ctx, &rec); err != nil {
		return nil, persistence(err)
	}
	return &Result{Transaction: rec, Balance: balance, Position: pos}, nil
}

func (e *Engine) sell(ctx context.Context, tx store.LedgerTx,
	assetID, symbol string, amount, price, qty decimal.Decimal) (*Result, error) {

	acct := tx.Account()
	pos, err := tx.Position(ctx, symbol)
	if err != nil {
		return nil, persistence(err)
	}
	if pos == nil {
		return nil, reject(KindNoSuchHolding, "no %s position to sell", symbol)
	}
	if pos.AssetID != assetID {
		return nil, reject(KindInvalidAsset, "%s position is held as asset %q, not %q", symbol, pos.AssetID, assetID)
	}

	if qty.GreaterThan(pos.Quantity) {
		if qty.Sub(pos.Quantity).GreaterThan(Dust) {
			return nil, &RejectionError{
				Kind: KindInsufficientHolding,
				Message: fmt.Sprintf("insufficient holding: account holds %s %s but trade requires %s",
					pos.Quantity.StringFixed(8), symbol, qty.StringFixed(8)),
				Held:      pos.Quantity,
				Requested: qty,
			}
		}
		qty = pos.Quantity
	}

	now := e.now()
	balance := acct.Balance.Add(amount)
	rec := e.record(acct.ID, Sell, symbol, qty, price, amount, now)

	if err := tx.SetBalance(ctx, balance); err != nil {
		return nil, persistence(err)
	}

	remaining := pos.Quantity.Sub(qty)
	if remaining.LessThanOrEqual(Dust) {
		if err := tx.DeletePosition(ctx, symbol); err != nil {
			return nil, persistence(err)
		}
		pos = nil
	} else {
		// Average cost is unchanged by a sell.
		pos.Quantity = remaining
		pos.UpdatedAt = now
		if err := tx.PutPosition(ctx, pos); err != nil {
			return nil, persistence(err)
		}
	}

	if err := tx.AppendTransaction(ctx, &rec); err != nil {
		return nil, persistence(err)
	}
	return &Result{Transaction: rec, Balance: balance, Position: pos}, nil
}

// symbolLabel bounds metric label values to catalog symbols.
func (e *Engine) symbolLabel(symbol string) string {
	if _, ok := e.catalog.BySymbol(symbol); ok {
		return symbol
	}
	return "other"
}

// divide returns a/b with at least decimal.DivisionPrecision significant
// digits in the quotient, so very small results do not round to zero.
func divide(a, b decimal.Decimal) decimal.Decimal {
	places := int32(decimal.DivisionPrecision)
	if shift := magnitude(b) - magnitude(a); shift > 0 {
		places += shift
	}
	return a.DivRound(b, places)
}

// magnitude is the count of integer digits of x, negative for |x| < 0.1.
func magnitude(x decimal.Decimal) int32 {
	return int32(x.NumDigits()) + x.Exponent()
}

func (e *Engine) record(accountID string, dir Direction, symbol string,
	qty, price, total decimal.Decimal, at time.Time) model.TransactionRecord {
	return model.TransactionRecord{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Direction: string(dir),
		Symbol:    symbol,
		Quantity:  qty,
		Price:     price,
		Total:     total,
		CreatedAt: at,
	}
}
