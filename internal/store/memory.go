package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/simtrade/ledger-service/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Ledger units serialize per account on a channel-based lock so waiters can
// give up when their context ends; mu guards the maps themselves.
type MemoryStore struct {
	mu           sync.RWMutex
	accounts     map[string]*model.Account
	positions    map[string]map[string]*model.Position // account -> symbol -> position
	transactions []model.TransactionRecord
	withdrawals  map[string]*model.Withdrawal
	referrals    map[string]*model.Referral
	adminClaimed bool

	locksMu sync.Mutex
	locks   map[string]chan struct{}
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:    make(map[string]*model.Account),
		positions:   make(map[string]map[string]*model.Position),
		withdrawals: make(map[string]*model.Withdrawal),
		referrals:   make(map[string]*model.Referral),
		locks:       make(map[string]chan struct{}),
	}
}

// lockAccount blocks until the account's lock is held or ctx ends.
func (s *MemoryStore) lockAccount(ctx context.Context, accountID string) (func(), error) {
	s.locksMu.Lock()
	ch, ok := s.locks[accountID]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[accountID] = ch
	}
	s.locksMu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// --- Ledger unit ---

func (s *MemoryStore) WithAccountLock(ctx context.Context, accountID string, fn func(tx LedgerTx) error) error {
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return err
	}

	unlock, err := s.lockAccount(ctx, accountID)
	if err != nil {
		return err
	}
	defer unlock()

	// Re-read under the lock: the balance may have moved while we waited.
	acct, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}

	tx := &memTx{
		store:     s,
		account:   acct,
		positions: make(map[string]*model.Position),
	}
	if err := fn(tx); err != nil {
		return err
	}
	s.commit(tx)
	return nil
}

func (s *MemoryStore) commit(tx *memTx) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := tx.account.ID
	if tx.balance != nil {
		s.accounts[id].Balance = *tx.balance
	}
	for symbol, p := range tx.positions {
		if p == nil {
			delete(s.positions[id], symbol)
			continue
		}
		if s.positions[id] == nil {
			s.positions[id] = make(map[string]*model.Position)
		}
		s.positions[id][symbol] = p
	}
	s.transactions = append(s.transactions, tx.records...)
}

// memTx stages writes until the unit commits. A nil entry in positions marks
// a staged delete.
type memTx struct {
	store     *MemoryStore
	account   *model.Account
	balance   *decimal.Decimal
	positions map[string]*model.Position
	records   []model.TransactionRecord
}

func (t *memTx) Account() *model.Account {
	a := *t.account
	if t.balance != nil {
		a.Balance = *t.balance
	}
	return &a
}

func (t *memTx) Position(_ context.Context, symbol string) (*model.Position, error) {
	if p, ok := t.positions[symbol]; ok {
		if p == nil {
			return nil, nil
		}
		cp := *p
		return &cp, nil
	}

	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	p, ok := t.store.positions[t.account.ID][symbol]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (t *memTx) SetBalance(_ context.Context, balance decimal.Decimal) error {
	t.balance = &balance
	return nil
}

func (t *memTx) PutPosition(_ context.Context, p *model.Position) error {
	if !p.Quantity.IsPositive() || !p.AvgCost.IsPositive() {
		return fmt.Errorf("%w: position %s needs positive quantity and avg cost, got %s @ %s",
			ErrConstraint, p.Symbol, p.Quantity, p.AvgCost)
	}
	cp := *p
	cp.AccountID = t.account.ID
	t.positions[p.Symbol] = &cp
	return nil
}

func (t *memTx) DeletePosition(_ context.Context, symbol string) error {
	t.positions[symbol] = nil
	return nil
}

func (t *memTx) AppendTransaction(_ context.Context, rec *model.TransactionRecord) error {
	t.records = append(t.records, *rec)
	return nil
}

// --- Accounts ---

func (s *MemoryStore) CreateAccount(_ context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[a.ID]; ok {
		return ErrConflict
	}
	for _, existing := range s.accounts {
		if strings.EqualFold(existing.Email, a.Email) {
			return ErrConflict
		}
		if a.ReferralCode != "" && existing.ReferralCode == a.ReferralCode {
			return ErrConflict
		}
	}

	// Store a copy to avoid external mutation.
	cp := *a
	s.accounts[a.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) FindAccountByEmail(_ context.Context, email string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.accounts {
		if strings.EqualFold(a.Email, email) {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) FindAccountByReferralCode(_ context.Context, code string) (*model.Account, error) {
	if code == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.accounts {
		if a.ReferralCode == code {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) SearchAccounts(_ context.Context, query string, limit int) ([]model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := strings.ToLower(query)
	out := make([]model.Account, 0)
	for _, a := range s.accounts {
		if strings.Contains(strings.ToLower(a.Email), q) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) SetReferralCode(_ context.Context, accountID, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return ErrNotFound
	}
	for id, other := range s.accounts {
		if id != accountID && other.ReferralCode == code {
			return ErrConflict
		}
	}
	a.ReferralCode = code
	return nil
}

func (s *MemoryStore) ClaimAdmin(_ context.Context, accountID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return false, ErrNotFound
	}
	if s.adminClaimed {
		return false, nil
	}
	s.adminClaimed = true
	a.Role = model.RoleAdmin
	return true, nil
}

// --- Positions and transactions ---

func (s *MemoryStore) ListPositions(_ context.Context, accountID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Position, 0, len(s.positions[accountID]))
	for _, p := range s.positions[accountID] {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, accountID string, f TransactionFilter) ([]model.TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.TransactionRecord, 0)
	// Records are appended in commit order; walk backwards for newest first.
	for i := len(s.transactions) - 1; i >= 0; i-- {
		rec := s.transactions[i]
		if rec.AccountID != accountID || !inRange(rec.CreatedAt, f.From, f.To) {
			continue
		}
		out = append(out, rec)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) ListRecentTransactions(_ context.Context, limit int) ([]model.TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.TransactionRecord, 0)
	for i := len(s.transactions) - 1; i >= 0; i-- {
		out = append(out, s.transactions[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func inRange(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && t.After(to) {
		return false
	}
	return true
}

// --- Withdrawals ---

func (s *MemoryStore) CreateWithdrawal(_ context.Context, w *model.Withdrawal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[w.AccountID]; !ok {
		return ErrNotFound
	}
	if _, ok := s.withdrawals[w.ID]; ok {
		return ErrConflict
	}
	cp := *w
	s.withdrawals[w.ID] = &cp
	return nil
}

func (s *MemoryStore) GetWithdrawal(_ context.Context, id string) (*model.Withdrawal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.withdrawals[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (s *MemoryStore) ListWithdrawals(_ context.Context, f WithdrawalFilter) ([]model.Withdrawal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Withdrawal, 0)
	for _, w := range s.withdrawals {
		if f.AccountID != "" && w.AccountID != f.AccountID {
			continue
		}
		if f.Status != "" && w.Status != f.Status {
			continue
		}
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) SettleWithdrawal(ctx context.Context, id, status string) (*model.Withdrawal, error) {
	w, err := s.GetWithdrawal(ctx, id)
	if err != nil {
		return nil, err
	}

	// Approval moves cash, so it queues behind in-flight trades on the account.
	unlock, err := s.lockAccount(ctx, w.AccountID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.withdrawals[id]
	if cur.Status != model.WithdrawalPending {
		return nil, ErrInvalidState
	}
	if status == model.WithdrawalApproved {
		acct := s.accounts[cur.AccountID]
		if acct.Balance.LessThan(cur.Amount) {
			return nil, ErrInsufficientBalance
		}
		acct.Balance = acct.Balance.Sub(cur.Amount)
	}
	cur.Status = status
	cur.UpdatedAt = time.Now().UTC()
	cp := *cur
	return &cp, nil
}

// --- Referrals ---

func (s *MemoryStore) CreateReferral(_ context.Context, r *model.Referral) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	referred, ok := s.accounts[r.ReferredID]
	if !ok {
		return ErrNotFound
	}
	if _, ok := s.accounts[r.ReferrerID]; !ok {
		return ErrNotFound
	}
	if referred.ReferredBy != "" {
		return ErrConflict
	}
	for _, existing := range s.referrals {
		if existing.ReferredID == r.ReferredID {
			return ErrConflict
		}
	}

	cp := *r
	s.referrals[r.ID] = &cp
	referred.ReferredBy = r.ReferrerID
	return nil
}

func (s *MemoryStore) GetReferral(_ context.Context, id string) (*model.Referral, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.referrals[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) ListReferrals(_ context.Context, referrerID string) ([]model.Referral, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Referral, 0)
	for _, r := range s.referrals {
		if referrerID == "" || r.ReferrerID == referrerID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CreditReferral(ctx context.Context, id string, bonus decimal.Decimal) (*model.Referral, error) {
	r, err := s.GetReferral(ctx, id)
	if err != nil {
		return nil, err
	}

	unlock, err := s.lockAccount(ctx, r.ReferrerID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.referrals[id]
	if cur.Status != model.ReferralPending {
		return nil, ErrInvalidState
	}
	referrer, ok := s.accounts[cur.ReferrerID]
	if !ok {
		return nil, ErrNotFound
	}
	referrer.Balance = referrer.Balance.Add(bonus)
	cur.Bonus = bonus
	cur.Status = model.ReferralCredited
	cp := *cur
	return &cp, nil
}
