// Package store defines the persistence interface for the ledger service.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and development).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/simtrade/ledger-service/internal/model"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a write violates a uniqueness rule
	// (duplicate email, referral code already taken, account already referred).
	ErrConflict = errors.New("store: conflict")

	// ErrInsufficientBalance is returned when a settlement would overdraw an account.
	ErrInsufficientBalance = errors.New("store: insufficient balance")

	// ErrInvalidState is returned when a withdrawal or referral is not in the
	// state the requested transition starts from.
	ErrInvalidState = errors.New("store: invalid state transition")

	// ErrConstraint is returned when a row breaks a value rule, such as a
	// position with a non-positive quantity or average cost.
	ErrConstraint = errors.New("store: constraint violated")
)

// LedgerTx is one account's ledger inside an atomic unit. Reads observe the
// unit's own staged writes. Nothing is visible to other units until the
// callback passed to WithAccountLock returns nil.
type LedgerTx interface {
	// Account returns the locked account as of the start of the unit.
	Account() *model.Account

	// Position returns the account's position in symbol, or nil if none exists.
	Position(ctx context.Context, symbol string) (*model.Position, error)

	// SetBalance stages a new cash balance.
	SetBalance(ctx context.Context, balance decimal.Decimal) error

	// PutPosition stages an insert or update of a position.
	PutPosition(ctx context.Context, p *model.Position) error

	// DeletePosition stages removal of a position.
	DeletePosition(ctx context.Context, symbol string) error

	// AppendTransaction stages an immutable transaction record.
	AppendTransaction(ctx context.Context, rec *model.TransactionRecord) error
}

// LedgerStore provides the atomic unit the ledger engine trades in.
type LedgerStore interface {
	// WithAccountLock runs fn with exclusive access to the account's balance,
	// positions and transaction log. At most one unit per account is in
	// flight. If fn returns nil every staged write is committed together;
	// otherwise none is, and fn's error is returned unchanged. Returns
	// ErrNotFound without calling fn if the account does not exist.
	WithAccountLock(ctx context.Context, accountID string, fn func(tx LedgerTx) error) error
}

// TransactionFilter narrows a transaction listing. Zero values mean unbounded.
type TransactionFilter struct {
	From  time.Time
	To    time.Time
	Limit int
}

// WithdrawalFilter narrows a withdrawal listing. Empty fields match all.
type WithdrawalFilter struct {
	AccountID string
	Status    string
}

// Store is the full persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	LedgerStore

	// --- Accounts ---

	// CreateAccount persists a new account. ErrConflict on duplicate email.
	CreateAccount(ctx context.Context, a *model.Account) error

	// GetAccount retrieves an account by id.
	GetAccount(ctx context.Context, id string) (*model.Account, error)

	// FindAccountByEmail retrieves an account by email (case-insensitive).
	FindAccountByEmail(ctx context.Context, email string) (*model.Account, error)

	// FindAccountByReferralCode retrieves the owner of a referral code.
	FindAccountByReferralCode(ctx context.Context, code string) (*model.Account, error)

	// SearchAccounts returns accounts whose email contains query, ordered by email.
	SearchAccounts(ctx context.Context, query string, limit int) ([]model.Account, error)

	// SetReferralCode assigns a referral code. ErrConflict if the code is taken.
	SetReferralCode(ctx context.Context, accountID, code string) error

	// ClaimAdmin atomically claims the single first-admin slot for the
	// account and promotes it. Returns false if the slot was already taken.
	ClaimAdmin(ctx context.Context, accountID string) (bool, error)

	// --- Positions and transactions ---

	// ListPositions returns the account's positions ordered by symbol.
	ListPositions(ctx context.Context, accountID string) ([]model.Position, error)

	// ListTransactions returns the account's trades, newest first.
	ListTransactions(ctx context.Context, accountID string, f TransactionFilter) ([]model.TransactionRecord, error)

	// ListRecentTransactions returns the latest trades across all accounts.
	ListRecentTransactions(ctx context.Context, limit int) ([]model.TransactionRecord, error)

	// --- Withdrawals ---

	// CreateWithdrawal persists a new withdrawal request.
	CreateWithdrawal(ctx context.Context, w *model.Withdrawal) error

	// GetWithdrawal retrieves a withdrawal by id.
	GetWithdrawal(ctx context.Context, id string) (*model.Withdrawal, error)

	// ListWithdrawals returns withdrawals, newest first.
	ListWithdrawals(ctx context.Context, f WithdrawalFilter) ([]model.Withdrawal, error)

	// SettleWithdrawal moves a pending withdrawal to approved or rejected.
	// Approval debits the account under the account lock and fails with
	// ErrInsufficientBalance if the balance no longer covers the amount.
	SettleWithdrawal(ctx context.Context, id, status string) (*model.Withdrawal, error)

	// --- Referrals ---

	// CreateReferral records a referral and marks the referred account.
	// ErrConflict if the referred account already has a referral.
	CreateReferral(ctx context.Context, r *model.Referral) error

	// GetReferral retrieves a referral by id.
	GetReferral(ctx context.Context, id string) (*model.Referral, error)

	// ListReferrals returns referrals made by referrerID, or all when empty.
	ListReferrals(ctx context.Context, referrerID string) ([]model.Referral, error)

	// CreditReferral marks a pending referral credited with bonus and adds
	// the bonus to the referrer's balance, atomically.
	CreditReferral(ctx context.Context, id string, bonus decimal.Decimal) (*model.Referral, error)
}
