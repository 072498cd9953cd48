// Package asset holds the catalog of tradable assets: their price-feed ids,
// ticker symbols, asset class, and the reference prices served when no live
// feed is reachable.
package asset

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Asset classes.
const (
	ClassCrypto    = "crypto"
	ClassStock     = "stock"
	ClassCommodity = "commodity"
)

// symbolRegex matches normalized ticker symbols: BTC, AAPL, XAU, AVAX...
var symbolRegex = regexp.MustCompile(`^[A-Z0-9]{1,15}$`)

var (
	ErrInvalidSymbol = errors.New("asset: invalid symbol")
	ErrUnknownAsset  = errors.New("asset: unknown asset")
)

// Asset describes one tradable instrument.
type Asset struct {
	ID             string          `json:"id" yaml:"id"`         // price-feed id, e.g. "bitcoin"
	Symbol         string          `json:"symbol" yaml:"symbol"` // ticker, e.g. "BTC"
	Name           string          `json:"name" yaml:"name"`
	Class          string          `json:"class" yaml:"class"`
	ReferencePrice decimal.Decimal `json:"reference_price" yaml:"reference_price"`
}

// NormalizeSymbol upper-cases and validates a ticker symbol.
func NormalizeSymbol(symbol string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if !symbolRegex.MatchString(s) {
		return "", fmt.Errorf("%w: %q (expected 1-15 letters or digits)", ErrInvalidSymbol, symbol)
	}
	return s, nil
}

// Catalog indexes assets by feed id and by symbol. It is immutable after
// construction and safe for concurrent use.
type Catalog struct {
	byID     map[string]Asset
	bySymbol map[string]Asset
}

// NewCatalog builds a catalog. Later entries win on duplicate id or symbol.
func NewCatalog(assets []Asset) (*Catalog, error) {
	c := &Catalog{
		byID:     make(map[string]Asset, len(assets)),
		bySymbol: make(map[string]Asset, len(assets)),
	}
	for _, a := range assets {
		sym, err := NormalizeSymbol(a.Symbol)
		if err != nil {
			return nil, err
		}
		a.Symbol = sym
		a.ID = strings.ToLower(strings.TrimSpace(a.ID))
		if a.ID == "" {
			return nil, fmt.Errorf("%w: asset %s has no id", ErrUnknownAsset, sym)
		}
		if a.Class == "" {
			a.Class = ClassCrypto
		}
		c.byID[a.ID] = a
		c.bySymbol[a.Symbol] = a
	}
	return c, nil
}

// Defaults returns a copy of the built-in asset table.
func Defaults() []Asset {
	return append([]Asset(nil), defaultAssets...)
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := NewCatalog(defaultAssets)
	if err != nil {
		panic(err) // static table
	}
	return c
}

// ByID looks up an asset by its feed id (case-insensitive).
func (c *Catalog) ByID(id string) (Asset, bool) {
	a, ok := c.byID[strings.ToLower(strings.TrimSpace(id))]
	return a, ok
}

// BySymbol looks up an asset by ticker symbol (case-insensitive).
func (c *Catalog) BySymbol(symbol string) (Asset, bool) {
	a, ok := c.bySymbol[strings.ToUpper(strings.TrimSpace(symbol))]
	return a, ok
}

// Resolve finds an asset by id first, then by symbol.
func (c *Catalog) Resolve(idOrSymbol string) (Asset, error) {
	if a, ok := c.ByID(idOrSymbol); ok {
		return a, nil
	}
	if a, ok := c.BySymbol(idOrSymbol); ok {
		return a, nil
	}
	return Asset{}, fmt.Errorf("%w: %s", ErrUnknownAsset, idOrSymbol)
}

// List returns all assets, optionally filtered by class, ordered by class then symbol.
func (c *Catalog) List(class string) []Asset {
	out := make([]Asset, 0, len(c.byID))
	for _, a := range c.byID {
		if class != "" && a.Class != class {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Class != out[j].Class {
			return out[i].Class < out[j].Class
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}
