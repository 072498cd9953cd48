// Package model defines the core domain types shared across the ledger service.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Roles.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Trade directions as stored on transaction records.
const (
	DirectionBuy  = "buy"
	DirectionSell = "sell"
)

// Withdrawal statuses.
const (
	WithdrawalPending  = "pending"
	WithdrawalApproved = "approved"
	WithdrawalRejected = "rejected"
)

// Referral statuses.
const (
	ReferralPending  = "pending"
	ReferralCredited = "credited"
)

// Account is a user's cash balance record. The balance is mutated only by the
// ledger engine, withdrawal approval and referral credit.
type Account struct {
	ID           string          `json:"id" db:"id"`
	Email        string          `json:"email" db:"email"`
	Name         string          `json:"name" db:"name"`
	Role         string          `json:"role" db:"role"`
	Balance      decimal.Decimal `json:"balance" db:"balance"`
	ReferralCode string          `json:"referral_code,omitempty" db:"referral_code"`
	ReferredBy   string          `json:"referred_by,omitempty" db:"referred_by"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// IsAdmin reports whether the account carries the admin role.
func (a *Account) IsAdmin() bool { return a.Role == RoleAdmin }

// Position is a held quantity and cost basis for one asset.
// At most one exists per (account, symbol); it never exists with quantity <= 0.
type Position struct {
	AccountID string          `json:"account_id" db:"account_id"`
	Symbol    string          `json:"symbol" db:"symbol"`
	AssetID   string          `json:"asset_id" db:"asset_id"`
	Quantity  decimal.Decimal `json:"quantity" db:"quantity"`
	AvgCost   decimal.Decimal `json:"avg_cost" db:"avg_cost"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// CostBasis is quantity * average cost.
func (p Position) CostBasis() decimal.Decimal {
	return p.Quantity.Mul(p.AvgCost)
}

// TransactionRecord is an immutable record of one executed trade.
// Once created, these are never modified or deleted.
type TransactionRecord struct {
	ID        string          `json:"id" db:"id"`
	AccountID string          `json:"account_id" db:"account_id"`
	Direction string          `json:"direction" db:"direction"` // "buy" or "sell"
	Symbol    string          `json:"symbol" db:"symbol"`
	Quantity  decimal.Decimal `json:"quantity" db:"quantity"` // asset units, always positive
	Price     decimal.Decimal `json:"price" db:"price"`       // unit price at execution
	Total     decimal.Decimal `json:"total" db:"total"`       // USD notional
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Withdrawal is a request to take cash out of an account.
type Withdrawal struct {
	ID        string          `json:"id" db:"id"`
	AccountID string          `json:"account_id" db:"account_id"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Status    string          `json:"status" db:"status"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Referral links a referring account to the account it brought in.
type Referral struct {
	ID         string          `json:"id" db:"id"`
	ReferrerID string          `json:"referrer_id" db:"referrer_id"`
	ReferredID string          `json:"referred_id" db:"referred_id"`
	Bonus      decimal.Decimal `json:"bonus" db:"bonus"`
	Status     string          `json:"status" db:"status"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// Holding is a position marked to market.
type Holding struct {
	Position
	Price         decimal.Decimal `json:"price"`
	PriceSource   string          `json:"price_source"` // "oracle" or "cost" when no price was available
	MarketValue   decimal.Decimal `json:"market_value"`
	CostBasis     decimal.Decimal `json:"cost_basis"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	PnLPercent    decimal.Decimal `json:"pnl_percent"`
}

// Portfolio aggregates cash and holdings for an account with P&L figures.
type Portfolio struct {
	AccountID     string          `json:"account_id"`
	Cash          decimal.Decimal `json:"cash"`
	Holdings      []Holding       `json:"holdings"`
	MarketValue   decimal.Decimal `json:"market_value"` // Σ holding market value
	Invested      decimal.Decimal `json:"invested"`     // Σ holding cost basis
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	TotalValue    decimal.Decimal `json:"total_value"` // cash + market value
}
