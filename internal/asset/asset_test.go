package asset

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestNormalizeSymbol_Valid(t *testing.T) {
	tests := map[string]string{
		"btc":   "BTC",
		" eth ": "ETH",
		"AAPL":  "AAPL",
		"usdc":  "USDC",
		"googl": "GOOGL",
		"1inch": "1INCH",
	}
	for in, want := range tests {
		got, err := NormalizeSymbol(in)
		if err != nil {
			t.Errorf("NormalizeSymbol(%q): unexpected error: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("NormalizeSymbol(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeSymbol_Invalid(t *testing.T) {
	tests := []string{
		"",
		"   ",
		"BTC-USD",
		"BTC/USDT",
		"ÉTH",
		"THISSYMBOLISWAYTOOLONG",
	}
	for _, in := range tests {
		_, err := NormalizeSymbol(in)
		if !errors.Is(err, ErrInvalidSymbol) {
			t.Errorf("NormalizeSymbol(%q): expected ErrInvalidSymbol, got %v", in, err)
		}
	}
}

func TestDefaultCatalog_Resolve(t *testing.T) {
	c := Default()

	a, err := c.Resolve("bitcoin")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Symbol != "BTC" {
		t.Errorf("expected symbol BTC, got %s", a.Symbol)
	}

	a, err = c.Resolve("eth")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.ID != "ethereum" {
		t.Errorf("expected id ethereum, got %s", a.ID)
	}

	a, err = c.Resolve("XAU")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Class != ClassCommodity {
		t.Errorf("expected commodity, got %s", a.Class)
	}

	if _, err := c.Resolve("not-a-coin"); !errors.Is(err, ErrUnknownAsset) {
		t.Errorf("expected ErrUnknownAsset, got %v", err)
	}
}

func TestDefaultCatalog_ReferencePricesPositive(t *testing.T) {
	for _, a := range Default().List("") {
		if !a.ReferencePrice.IsPositive() {
			t.Errorf("asset %s has non-positive reference price %s", a.ID, a.ReferencePrice)
		}
	}
}

func TestCatalog_ListFiltersAndSorts(t *testing.T) {
	c, err := NewCatalog([]Asset{
		{ID: "b", Symbol: "BBB", Class: ClassStock, ReferencePrice: decimal.NewFromInt(1)},
		{ID: "a", Symbol: "AAA", Class: ClassStock, ReferencePrice: decimal.NewFromInt(1)},
		{ID: "c", Symbol: "CCC", ReferencePrice: decimal.NewFromInt(1)}, // class defaults to crypto
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stocks := c.List(ClassStock)
	if len(stocks) != 2 {
		t.Fatalf("expected 2 stocks, got %d", len(stocks))
	}
	if stocks[0].Symbol != "AAA" || stocks[1].Symbol != "BBB" {
		t.Errorf("expected AAA, BBB order, got %s, %s", stocks[0].Symbol, stocks[1].Symbol)
	}

	all := c.List("")
	if len(all) != 3 || all[0].Class != ClassCrypto {
		t.Errorf("expected crypto first in full listing, got %+v", all)
	}
}

func TestNewCatalog_RejectsBadEntries(t *testing.T) {
	if _, err := NewCatalog([]Asset{{ID: "x", Symbol: "BAD SYMBOL"}}); !errors.Is(err, ErrInvalidSymbol) {
		t.Errorf("expected ErrInvalidSymbol, got %v", err)
	}
	if _, err := NewCatalog([]Asset{{ID: "", Symbol: "OK"}}); !errors.Is(err, ErrUnknownAsset) {
		t.Errorf("expected ErrUnknownAsset for empty id, got %v", err)
	}
}
