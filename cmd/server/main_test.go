package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/simtrade/ledger-service/internal/account"
	"github.com/simtrade/ledger-service/internal/config"
	"github.com/simtrade/ledger-service/internal/ledger"
	"github.com/simtrade/ledger-service/internal/model"
	"github.com/simtrade/ledger-service/internal/store"
	"github.com/simtrade/ledger-service/internal/trade"
)

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	cfg := config.Default()
	cfg.Oracle.Feed = config.FeedStatic
	cfg.StartingBalance = decimal.NewFromInt(1000)

	catalog, err := cfg.Catalog()
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	st := store.NewMemoryStore()
	prices, breaker := buildOracle(&cfg, catalog, nil)
	hub := trade.NewWSHub()
	engine := ledger.NewEngine(st, prices, catalog, nil)
	return newRouter(&cfg, st, hub,
		trade.NewService(engine, st, prices, catalog, cfg.AdminEnforceFunds),
		account.NewService(st, cfg.StartingBalance),
		breaker)
}

func call(t *testing.T, h http.Handler, method, path, actor string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set(account.ActorHeader, actor)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	h := newTestServer(t)

	w := call(t, h, "GET", "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]any
	json.NewDecoder(w.Body).Decode(&resp)
	if resp["status"] != "ok" || resp["price_feed"] != "static" {
		t.Errorf("unexpected health %v", resp)
	}
}

func TestBuildOracle_StaticHasNoBreaker(t *testing.T) {
	cfg := config.Default()
	cfg.Oracle.Feed = config.FeedStatic
	catalog, _ := cfg.Catalog()

	_, breaker := buildOracle(&cfg, catalog, nil)
	if breaker != nil {
		t.Error("static feed should not have a breaker")
	}

	cfg.Oracle.Feed = config.FeedBinance
	_, breaker = buildOracle(&cfg, catalog, nil)
	if breaker == nil {
		t.Error("live feed should be guarded by a breaker")
	}
}

func TestEndToEnd_RegisterTradeAndAdmin(t *testing.T) {
	h := newTestServer(t)

	w := call(t, h, "POST", "/api/v1/accounts", "", account.RegisterRequest{Email: "ops@example.com"})
	if w.Code != http.StatusCreated {
		t.Fatalf("register: %d %s", w.Code, w.Body.String())
	}
	var admin model.Account
	json.NewDecoder(w.Body).Decode(&admin)

	w = call(t, h, "POST", "/api/v1/accounts", "", account.RegisterRequest{Email: "trader@example.com"})
	var user model.Account
	json.NewDecoder(w.Body).Decode(&user)

	// Trading for someone else is refused.
	w = call(t, h, "POST", "/api/v1/trade", user.ID, trade.TradeRequest{
		AccountID: admin.ID, Symbol: "AAPL", Direction: "buy", Amount: decimal.NewFromInt(100),
	})
	if w.Code != http.StatusForbidden {
		t.Errorf("trade for another account: expected 403, got %d", w.Code)
	}
	w = call(t, h, "POST", "/api/v1/trade", "", trade.TradeRequest{
		AccountID: user.ID, Symbol: "AAPL", Direction: "buy", Amount: decimal.NewFromInt(100),
	})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("trade without actor: expected 401, got %d", w.Code)
	}

	// Stocks are only quoted by the static reference table.
	w = call(t, h, "POST", "/api/v1/trade", user.ID, trade.TradeRequest{
		AccountID: user.ID, Symbol: "AAPL", Direction: "buy", Amount: decimal.NewFromInt(100),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("trade: %d %s", w.Code, w.Body.String())
	}

	w = call(t, h, "GET", "/api/v1/accounts/"+admin.ID+"/portfolio", user.ID, nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("another account's portfolio: expected 403, got %d", w.Code)
	}

	w = call(t, h, "GET", "/api/v1/accounts/"+user.ID+"/portfolio", user.ID, nil)
	var p model.Portfolio
	json.NewDecoder(w.Body).Decode(&p)
	if len(p.Holdings) != 1 || !p.Cash.Equal(decimal.NewFromInt(900)) {
		t.Errorf("unexpected portfolio %+v", p)
	}

	w = call(t, h, "GET", "/api/v1/admin/trades", user.ID, nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("user on admin route: expected 403, got %d", w.Code)
	}

	w = call(t, h, "POST", "/api/v1/admin/trade", admin.ID, map[string]any{
		"account_id": user.ID, "symbol": "AAPL", "direction": "sell", "amount": "50", "price": "1",
	})
	if w.Code != http.StatusConflict {
		t.Errorf("admin oversell: expected 409, got %d: %s", w.Code, w.Body.String())
	}

	w = call(t, h, "GET", "/api/v1/admin/trades?limit=5", admin.ID, nil)
	var txs []model.TransactionRecord
	json.NewDecoder(w.Body).Decode(&txs)
	if len(txs) != 1 {
		t.Errorf("expected 1 trade, got %d", len(txs))
	}

	w = call(t, h, "GET", "/api/v1/accounts/"+user.ID, admin.ID, nil)
	if w.Code != http.StatusOK {
		t.Errorf("admin reading an account: expected 200, got %d", w.Code)
	}
}
