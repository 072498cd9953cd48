// Package trade provides the HTTP handlers for executing trades and querying
// portfolios, transaction history, assets and prices.
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/simtrade/ledger-service/internal/asset"
	"github.com/simtrade/ledger-service/internal/ledger"
	"github.com/simtrade/ledger-service/internal/model"
	"github.com/simtrade/ledger-service/internal/oracle"
	"github.com/simtrade/ledger-service/internal/store"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

// Service exposes the ledger engine over HTTP. Trades for one account are
// serialized by the store, so handlers hold no locks of their own.
type Service struct {
	engine            *ledger.Engine
	store             store.Store
	oracle            oracle.Oracle
	catalog           *asset.Catalog
	adminEnforceFunds bool
}

// NewService creates a new trade service. adminEnforceFunds decides whether
// operator trades are held to the same balance check as user trades.
func NewService(engine *ledger.Engine, st store.Store, o oracle.Oracle, catalog *asset.Catalog, adminEnforceFunds bool) *Service {
	return &Service{
		engine:            engine,
		store:             st,
		oracle:            o,
		catalog:           catalog,
		adminEnforceFunds: adminEnforceFunds,
	}
}

// --- Request/Response types ---

// TradeRequest is the JSON body for POST /trade.
type TradeRequest struct {
	AccountID string          `json:"account_id"`
	AssetID   string          `json:"asset_id,omitempty"` // price-feed id, e.g. "bitcoin"
	Symbol    string          `json:"symbol,omitempty"`   // ticker, e.g. "BTC"
	Direction string          `json:"direction"`          // "buy" or "sell"
	Amount    decimal.Decimal `json:"amount"`             // USD notional
}

// AdminTradeRequest is the JSON body for POST /admin/trade. A non-null Price
// replaces the oracle for this trade.
type AdminTradeRequest struct {
	TradeRequest
	Price decimal.NullDecimal `json:"price"`
}

// ErrorResponse is the JSON body of a refused trade.
type ErrorResponse struct {
	Error     string           `json:"error"`
	Kind      ledger.Kind      `json:"kind,omitempty"`
	Shortfall *decimal.Decimal `json:"shortfall,omitempty"`
	Held      *decimal.Decimal `json:"held,omitempty"`
	Requested *decimal.Decimal `json:"requested,omitempty"`
}

// PriceResponse is the JSON body for GET /prices/{assetID}.
type PriceResponse struct {
	AssetID string          `json:"asset_id"`
	Symbol  string          `json:"symbol,omitempty"`
	Price   decimal.Decimal `json:"price"`
}

func (req TradeRequest) ledgerRequest() ledger.Request {
	return ledger.Request{
		AccountID: req.AccountID,
		AssetID:   req.AssetID,
		Symbol:    req.Symbol,
		Direction: ledger.Direction(req.Direction),
		Amount:    req.Amount,
	}
}

// --- HTTP Handlers ---

// ExecuteTrade handles POST /api/v1/trade
// User trades always use the oracle price and always enforce funds.
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.AccountID == "" {
		writeError(w, "account_id is required", http.StatusBadRequest)
		return
	}

	res, err := s.engine.ExecuteTrade(r.Context(), req.ledgerRequest(), ledger.UserPolicy())
	if err != nil {
		writeTradeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// AdminTrade handles POST /api/v1/admin/trade
// Executes on behalf of any account, optionally at an operator-supplied price.
func (s *Service) AdminTrade(w http.ResponseWriter, r *http.Request) {
	var req AdminTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.AccountID == "" {
		writeError(w, "account_id is required", http.StatusBadRequest)
		return
	}

	pol := ledger.AdminPolicy(s.adminEnforceFunds, req.Price)
	res, err := s.engine.ExecuteTrade(r.Context(), req.ledgerRequest(), pol)
	if err != nil {
		writeTradeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetPortfolio handles GET /api/v1/accounts/{accountID}/portfolio
// Returns cash, holdings marked to market, and unrealized P&L.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	p, err := s.Portfolio(r.Context(), chi.URLParam(r, "accountID"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "account not found", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("portfolio failed", "err", err)
		writeError(w, "failed to load portfolio", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Portfolio marks every position of accountID to the oracle price. A holding
// whose price cannot be fetched is valued at its average cost and reported
// with PriceSource "cost".
func (s *Service) Portfolio(ctx context.Context, accountID string) (*model.Portfolio, error) {
	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	positions, err := s.store.ListPositions(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}

	hundred := decimal.NewFromInt(100)
	p := &model.Portfolio{
		AccountID:     accountID,
		Cash:          acct.Balance,
		Holdings:      make([]model.Holding, 0, len(positions)),
		MarketValue:   decimal.Zero,
		Invested:      decimal.Zero,
		UnrealizedPnL: decimal.Zero,
	}
	for _, pos := range positions {
		h := model.Holding{Position: pos, CostBasis: pos.CostBasis()}

		price, err := s.oracle.Price(ctx, s.feedID(pos))
		if err != nil {
			slog.Warn("portfolio price unavailable, valuing at cost",
				"account", accountID, "symbol", pos.Symbol, "err", err)
			h.Price = pos.AvgCost
			h.PriceSource = "cost"
		} else {
			h.Price = price
			h.PriceSource = "oracle"
		}

		h.MarketValue = pos.Quantity.Mul(h.Price)
		h.UnrealizedPnL = h.MarketValue.Sub(h.CostBasis)
		if h.CostBasis.IsPositive() {
			h.PnLPercent = h.UnrealizedPnL.Div(h.CostBasis).Mul(hundred).Round(2)
		}

		p.Holdings = append(p.Holdings, h)
		p.MarketValue = p.MarketValue.Add(h.MarketValue)
		p.Invested = p.Invested.Add(h.CostBasis)
		p.UnrealizedPnL = p.UnrealizedPnL.Add(h.UnrealizedPnL)
	}
	p.TotalValue = p.Cash.Add(p.MarketValue)
	return p, nil
}

// feedID is the price-feed id for a position, falling back to the catalog
// when the position predates asset ids being recorded.
func (s *Service) feedID(pos model.Position) string {
	if pos.AssetID != "" {
		return pos.AssetID
	}
	if a, ok := s.catalog.BySymbol(pos.Symbol); ok {
		return a.ID
	}
	return pos.Symbol
}

// ListTransactions handles GET /api/v1/accounts/{accountID}/transactions
// Optional ?from= and ?to= (RFC 3339 or YYYY-MM-DD) and ?limit=.
func (s *Service) ListTransactions(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	q := r.URL.Query()

	var f store.TransactionFilter
	var err error
	if f.From, err = parseTime(q.Get("from"), false); err != nil {
		writeError(w, "invalid from: "+err.Error(), http.StatusBadRequest)
		return
	}
	if f.To, err = parseTime(q.Get("to"), true); err != nil {
		writeError(w, "invalid to: "+err.Error(), http.StatusBadRequest)
		return
	}
	if f.Limit, err = parseLimit(q.Get("limit")); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if _, err := s.store.GetAccount(r.Context(), accountID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "account not found", http.StatusNotFound)
			return
		}
		writeError(w, "failed to load account", http.StatusInternalServerError)
		return
	}

	txs, err := s.store.ListTransactions(r.Context(), accountID, f)
	if err != nil {
		writeError(w, "failed to list transactions", http.StatusInternalServerError)
		return
	}
	if txs == nil {
		txs = []model.TransactionRecord{}
	}
	writeJSON(w, http.StatusOK, txs)
}

// ListRecentTrades handles GET /api/v1/admin/trades
// Returns the most recent trades across all accounts.
func (s *Service) ListRecentTrades(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if limit == 0 {
		limit = defaultHistoryLimit
	}
	txs, err := s.store.ListRecentTransactions(r.Context(), limit)
	if err != nil {
		writeError(w, "failed to list trades", http.StatusInternalServerError)
		return
	}
	if txs == nil {
		txs = []model.TransactionRecord{}
	}
	writeJSON(w, http.StatusOK, txs)
}

// GetPrice handles GET /api/v1/prices/{assetID}
// assetID may be a feed id or a ticker symbol.
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "assetID")
	resp := PriceResponse{AssetID: key}
	if a, err := s.catalog.Resolve(key); err == nil {
		resp.AssetID, resp.Symbol = a.ID, a.Symbol
	}

	price, err := s.oracle.Price(r.Context(), resp.AssetID)
	if err != nil {
		writeError(w, "price unavailable for "+key, http.StatusServiceUnavailable)
		return
	}
	resp.Price = price
	writeJSON(w, http.StatusOK, resp)
}

// ListAssets handles GET /api/v1/assets
// Optionally filtered by ?class=crypto|stock|commodity.
func (s *Service) ListAssets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.catalog.List(r.URL.Query().Get("class")))
}

// --- Helpers ---

func parseTime(raw string, endOfDay bool) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected RFC 3339 or YYYY-MM-DD, got %q", raw)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("limit must be a non-negative integer, got %q", raw)
	}
	return min(n, maxHistoryLimit), nil
}

func statusForKind(kind ledger.Kind) int {
	switch kind {
	case ledger.KindInvalidAmount, ledger.KindInvalidDirection, ledger.KindInvalidAsset:
		return http.StatusBadRequest
	case ledger.KindAccountNotFound, ledger.KindNoSuchHolding:
		return http.StatusNotFound
	case ledger.KindInsufficientFunds, ledger.KindInsufficientHolding:
		return http.StatusConflict
	case ledger.KindPriceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeTradeError renders an engine error with its kind and diagnostics.
// Persistence failures hide the cause; it is already logged by the engine.
func writeTradeError(w http.ResponseWriter, err error) {
	kind := ledger.KindOf(err)
	status := statusForKind(kind)
	resp := ErrorResponse{Error: err.Error(), Kind: kind}

	var rej *ledger.RejectionError
	if errors.As(err, &rej) {
		switch rej.Kind {
		case ledger.KindInsufficientFunds:
			resp.Shortfall = &rej.Shortfall
		case ledger.KindInsufficientHolding:
			resp.Held = &rej.Held
			resp.Requested = &rej.Requested
		}
	} else if status == http.StatusInternalServerError {
		resp.Error = "trade could not be committed; nothing was applied, retry the whole trade"
		if kind == "" {
			resp.Kind = ledger.KindPersistence
		}
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
