// Package account manages registration, the bootstrap admin, withdrawals and
// referrals. Balance changes made here go through the store's atomic
// operations so they serialize with trades on the same account.
package account

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/simtrade/ledger-service/internal/metrics"
	"github.com/simtrade/ledger-service/internal/model"
	"github.com/simtrade/ledger-service/internal/store"
)

const (
	// SearchLimit caps admin account search results.
	SearchLimit = 10
	// DetailTransactions is how many recent trades the admin detail view shows.
	DetailTransactions = 10

	codeAttempts = 10
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidEmail        = errors.New("a valid email is required")
	ErrInvalidRole         = errors.New("role must be user or admin")
	ErrEmailTaken          = errors.New("email already registered")
	ErrInvalidReferralCode = errors.New("invalid referral code")
	ErrSelfReferral        = errors.New("cannot use your own referral code")
	ErrAlreadyReferred     = errors.New("account has already used a referral code")
	ErrInvalidAmount       = errors.New("amount must be greater than zero")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAlreadyProcessed    = errors.New("already processed")
)

// Service implements account operations on top of a Store.
type Service struct {
	store           store.Store
	startingBalance decimal.Decimal
	newCode         func() (string, error)
}

// NewService creates an account service. New registrations start with
// startingBalance in cash.
func NewService(st store.Store, startingBalance decimal.Decimal) *Service {
	return &Service{
		store:           st,
		startingBalance: startingBalance,
		newCode:         randomCode,
	}
}

// randomCode returns 8 upper-case hex characters from crypto/rand.
func randomCode() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(b)), nil
}

// RegisterRequest is the JSON body for POST /api/v1/accounts.
type RegisterRequest struct {
	Email        string `json:"email"`
	Name         string `json:"name"`
	ReferralCode string `json:"referral_code,omitempty"`
}

// Register creates an account with the starting balance. The first account
// to win the admin claim becomes admin. An optional referral code links the
// new account to its referrer; an unknown code fails before anything is
// created.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*model.Account, error) {
	email, err := normalizeEmail(req.Email)
	if err != nil {
		return nil, err
	}

	var referrer *model.Account
	if code := strings.ToUpper(strings.TrimSpace(req.ReferralCode)); code != "" {
		referrer, err = s.store.FindAccountByReferralCode(ctx, code)
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidReferralCode
		}
		if err != nil {
			return nil, fmt.Errorf("find referrer: %w", err)
		}
	}

	acct := &model.Account{
		ID:        uuid.NewString(),
		Email:     email,
		Name:      strings.TrimSpace(req.Name),
		Role:      model.RoleUser,
		Balance:   s.startingBalance,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.create(ctx, acct); err != nil {
		return nil, err
	}

	claimed, err := s.store.ClaimAdmin(ctx, acct.ID)
	if err != nil {
		return nil, fmt.Errorf("claim admin: %w", err)
	}
	if claimed {
		acct.Role = model.RoleAdmin
		slog.Info("bootstrap admin claimed", "account", acct.ID, "email", acct.Email)
	}

	// The account exists at this point; a failed link is logged, not fatal.
	if referrer != nil {
		if _, err := s.applyReferral(ctx, referrer, acct); err != nil {
			slog.Warn("referral not applied", "account", acct.ID, "referrer", referrer.ID, "err", err)
		} else {
			acct.ReferredBy = referrer.ID
		}
	}
	return acct, nil
}

// CreateRequest is the JSON body for the admin create-account endpoint.
type CreateRequest struct {
	Email   string          `json:"email"`
	Name    string          `json:"name"`
	Role    string          `json:"role"`
	Balance decimal.Decimal `json:"balance"`
}

// Create is the admin path: role and initial balance are chosen by the
// operator and the admin claim is not touched.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*model.Account, error) {
	email, err := normalizeEmail(req.Email)
	if err != nil {
		return nil, err
	}
	role := req.Role
	if role == "" {
		role = model.RoleUser
	}
	if role != model.RoleUser && role != model.RoleAdmin {
		return nil, ErrInvalidRole
	}
	if req.Balance.IsNegative() {
		return nil, ErrInvalidAmount
	}

	acct := &model.Account{
		ID:        uuid.NewString(),
		Email:     email,
		Name:      strings.TrimSpace(req.Name),
		Role:      role,
		Balance:   req.Balance,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.create(ctx, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

func (s *Service) create(ctx context.Context, acct *model.Account) error {
	err := s.store.CreateAccount(ctx, acct)
	if errors.Is(err, store.ErrConflict) {
		return ErrEmailTaken
	}
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	metrics.AccountsCreated.Inc()
	slog.Info("account created", "account", acct.ID, "role", acct.Role, "balance", acct.Balance.String())
	return nil
}

func normalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", ErrInvalidEmail
	}
	return email, nil
}

// Get returns one account.
func (s *Service) Get(ctx context.Context, id string) (*model.Account, error) {
	a, err := s.store.GetAccount(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return a, err
}

// Search returns up to SearchLimit accounts whose email contains q.
func (s *Service) Search(ctx context.Context, q string) ([]model.Account, error) {
	return s.store.SearchAccounts(ctx, strings.TrimSpace(q), SearchLimit)
}

// Detail is the admin view of one account.
type Detail struct {
	Account      *model.Account            `json:"account"`
	Positions    []model.Position          `json:"positions"`
	Transactions []model.TransactionRecord `json:"transactions"`
}

// Detail loads an account with its positions and most recent trades.
func (s *Service) Detail(ctx context.Context, id string) (*Detail, error) {
	acct, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	positions, err := s.store.ListPositions(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	txs, err := s.store.ListTransactions(ctx, id, store.TransactionFilter{Limit: DetailTransactions})
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return &Detail{Account: acct, Positions: positions, Transactions: txs}, nil
}

// --- Referrals ---

// ReferralCode returns the account's referral code, generating one on first
// use. Generation retries on collision.
func (s *Service) ReferralCode(ctx context.Context, accountID string) (string, error) {
	acct, err := s.Get(ctx, accountID)
	if err != nil {
		return "", err
	}
	if acct.ReferralCode != "" {
		return acct.ReferralCode, nil
	}

	for i := 0; i < codeAttempts; i++ {
		code, err := s.newCode()
		if err != nil {
			return "", fmt.Errorf("generate referral code: %w", err)
		}
		err = s.store.SetReferralCode(ctx, accountID, code)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("set referral code: %w", err)
		}
		return code, nil
	}
	return "", fmt.Errorf("generate referral code: %d collisions", codeAttempts)
}

// ApplyReferral links accountID to the owner of code.
func (s *Service) ApplyReferral(ctx context.Context, accountID, code string) (*model.Referral, error) {
	acct, err := s.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	referrer, err := s.store.FindAccountByReferralCode(ctx, strings.ToUpper(strings.TrimSpace(code)))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidReferralCode
	}
	if err != nil {
		return nil, fmt.Errorf("find referrer: %w", err)
	}
	return s.applyReferral(ctx, referrer, acct)
}

func (s *Service) applyReferral(ctx context.Context, referrer, referred *model.Account) (*model.Referral, error) {
	if referrer.ID == referred.ID {
		return nil, ErrSelfReferral
	}
	if referred.ReferredBy != "" {
		return nil, ErrAlreadyReferred
	}

	ref := &model.Referral{
		ID:         uuid.NewString(),
		ReferrerID: referrer.ID,
		ReferredID: referred.ID,
		Bonus:      decimal.Zero,
		Status:     model.ReferralPending,
		CreatedAt:  time.Now().UTC(),
	}
	err := s.store.CreateReferral(ctx, ref)
	if errors.Is(err, store.ErrConflict) {
		return nil, ErrAlreadyReferred
	}
	if err != nil {
		return nil, fmt.Errorf("create referral: %w", err)
	}
	slog.Info("referral applied", "referral", ref.ID, "referrer", referrer.ID, "referred", referred.ID)
	return ref, nil
}

// Referrals lists referrals made by referrerID, or every referral when empty.
func (s *Service) Referrals(ctx context.Context, referrerID string) ([]model.Referral, error) {
	return s.store.ListReferrals(ctx, referrerID)
}

// CreditReferral pays bonus to the referrer and marks the referral credited.
func (s *Service) CreditReferral(ctx context.Context, id string, bonus decimal.Decimal) (*model.Referral, error) {
	if !bonus.IsPositive() {
		return nil, ErrInvalidAmount
	}
	r, err := s.store.CreditReferral(ctx, id, bonus)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	slog.Info("referral credited", "referral", r.ID, "referrer", r.ReferrerID, "bonus", bonus.String())
	return r, nil
}

// --- Withdrawals ---

// RequestWithdrawal records a pending withdrawal. The balance must cover the
// amount now; it is checked again, atomically, on approval.
func (s *Service) RequestWithdrawal(ctx context.Context, accountID string, amount decimal.Decimal) (*model.Withdrawal, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	acct, err := s.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if acct.Balance.LessThan(amount) {
		return nil, ErrInsufficientBalance
	}

	now := time.Now().UTC()
	w := &model.Withdrawal{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Amount:    amount,
		Status:    model.WithdrawalPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateWithdrawal(ctx, w); err != nil {
		return nil, mapStoreErr(err)
	}
	metrics.WithdrawalsTotal.WithLabelValues(model.WithdrawalPending).Inc()
	slog.Info("withdrawal requested", "withdrawal", w.ID, "account", accountID, "amount", amount.String())
	return w, nil
}

// Withdrawals lists withdrawals, optionally for one account and/or status.
func (s *Service) Withdrawals(ctx context.Context, accountID, status string) ([]model.Withdrawal, error) {
	return s.store.ListWithdrawals(ctx, store.WithdrawalFilter{AccountID: accountID, Status: status})
}

// ApproveWithdrawal debits the account and marks the withdrawal approved.
func (s *Service) ApproveWithdrawal(ctx context.Context, id string) (*model.Withdrawal, error) {
	return s.settle(ctx, id, model.WithdrawalApproved)
}

// RejectWithdrawal marks a pending withdrawal rejected without moving cash.
func (s *Service) RejectWithdrawal(ctx context.Context, id string) (*model.Withdrawal, error) {
	return s.settle(ctx, id, model.WithdrawalRejected)
}

func (s *Service) settle(ctx context.Context, id, status string) (*model.Withdrawal, error) {
	w, err := s.store.SettleWithdrawal(ctx, id, status)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	metrics.WithdrawalsTotal.WithLabelValues(status).Inc()
	slog.Info("withdrawal settled", "withdrawal", w.ID, "account", w.AccountID, "status", status, "amount", w.Amount.String())
	return w, nil
}

func mapStoreErr(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, store.ErrInsufficientBalance):
		return ErrInsufficientBalance
	case errors.Is(err, store.ErrInvalidState):
		return ErrAlreadyProcessed
	default:
		return err
	}
}
