package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/simtrade/ledger-service/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// NewPool opens a pgx pool with shopspring decimals registered for NUMERIC
// columns and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	config.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// Migrate applies the embedded schema. Every statement is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Ledger units lock the account row with SELECT ... FOR UPDATE, which
// serializes every balance-moving operation on that account.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// inTx runs fn in a transaction, committing only if fn returns nil.
func (s *PostgresStore) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

// --- Ledger unit ---

func (s *PostgresStore) WithAccountLock(ctx context.Context, accountID string, fn func(tx LedgerTx) error) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		acct, err := scanAccount(tx.QueryRow(ctx,
			`SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, accountID))
		if err != nil {
			return err
		}
		return fn(&pgLedgerTx{tx: tx, account: acct})
	})
}

type pgLedgerTx struct {
	tx      pgx.Tx
	account *model.Account
}

func (t *pgLedgerTx) Account() *model.Account {
	cp := *t.account
	return &cp
}

func (t *pgLedgerTx) Position(ctx context.Context, symbol string) (*model.Position, error) {
	var p model.Position
	err := t.tx.QueryRow(ctx,
		`SELECT account_id, symbol, asset_id, quantity, avg_cost, updated_at
		 FROM positions WHERE account_id = $1 AND symbol = $2 FOR UPDATE`,
		t.account.ID, symbol).
		Scan(&p.AccountID, &p.Symbol, &p.AssetID, &p.Quantity, &p.AvgCost, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s/%s: %w", t.account.ID, symbol, err)
	}
	return &p, nil
}

func (t *pgLedgerTx) SetBalance(ctx context.Context, balance decimal.Decimal) error {
	if _, err := t.tx.Exec(ctx,
		`UPDATE accounts SET balance = $2 WHERE id = $1`, t.account.ID, balance); err != nil {
		return fmt.Errorf("set balance %s: %w", t.account.ID, err)
	}
	t.account.Balance = balance
	return nil
}

func (t *pgLedgerTx) PutPosition(ctx context.Context, p *model.Position) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO positions (account_id, symbol, asset_id, quantity, avg_cost, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (account_id, symbol) DO UPDATE
		 SET quantity = EXCLUDED.quantity, avg_cost = EXCLUDED.avg_cost, updated_at = EXCLUDED.updated_at`,
		t.account.ID, p.Symbol, p.AssetID, p.Quantity, p.AvgCost, p.UpdatedAt)
	if isCheckViolation(err) {
		return fmt.Errorf("put position %s/%s: %w: %w", t.account.ID, p.Symbol, ErrConstraint, err)
	}
	if err != nil {
		return fmt.Errorf("put position %s/%s: %w", t.account.ID, p.Symbol, err)
	}
	return nil
}

func (t *pgLedgerTx) DeletePosition(ctx context.Context, symbol string) error {
	if _, err := t.tx.Exec(ctx,
		`DELETE FROM positions WHERE account_id = $1 AND symbol = $2`, t.account.ID, symbol); err != nil {
		return fmt.Errorf("delete position %s/%s: %w", t.account.ID, symbol, err)
	}
	return nil
}

func (t *pgLedgerTx) AppendTransaction(ctx context.Context, rec *model.TransactionRecord) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO transactions (id, account_id, direction, symbol, quantity, price, total, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, t.account.ID, rec.Direction, rec.Symbol, rec.Quantity, rec.Price, rec.Total, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("append transaction %s: %w", rec.ID, err)
	}
	return nil
}

// --- Accounts ---

const accountColumns = `id, email, name, role, balance,
	COALESCE(referral_code, ''), COALESCE(referred_by, ''), created_at`

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, email, name, role, balance, referral_code, referred_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6::TEXT, ''), NULLIF($7::TEXT, ''), $8)`,
		a.ID, a.Email, a.Name, a.Role, a.Balance, a.ReferralCode, a.ReferredBy, a.CreatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return scanAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
}

func (s *PostgresStore) FindAccountByEmail(ctx context.Context, email string) (*model.Account, error) {
	return scanAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE lower(email) = lower($1)`, email))
}

func (s *PostgresStore) FindAccountByReferralCode(ctx context.Context, code string) (*model.Account, error) {
	return scanAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE referral_code = $1`, code))
}

func (s *PostgresStore) SearchAccounts(ctx context.Context, query string, limit int) ([]model.Account, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+accountColumns+` FROM accounts
		 WHERE email ILIKE '%' || $1::TEXT || '%'
		 ORDER BY email
		 LIMIT NULLIF($2::INT, 0)`, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Account, 0)
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetReferralCode(ctx context.Context, accountID, code string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE accounts SET referral_code = $2 WHERE id = $1`, accountID, code)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ClaimAdmin(ctx context.Context, accountID string) (bool, error) {
	claimed := false
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO admin_claim (account_id) VALUES ($1) ON CONFLICT DO NOTHING`, accountID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		tag, err = tx.Exec(ctx, `UPDATE accounts SET role = 'admin' WHERE id = $1`, accountID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		claimed = true
		return nil
	})
	return claimed, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*model.Account, error) {
	var a model.Account
	err := row.Scan(&a.ID, &a.Email, &a.Name, &a.Role, &a.Balance,
		&a.ReferralCode, &a.ReferredBy, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// --- Positions and transactions ---

func (s *PostgresStore) ListPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT account_id, symbol, asset_id, quantity, avg_cost, updated_at
		 FROM positions WHERE account_id = $1 ORDER BY symbol`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Position, 0)
	for rows.Next() {
		var p model.Position
		if err := rows.Scan(&p.AccountID, &p.Symbol, &p.AssetID, &p.Quantity, &p.AvgCost, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const transactionColumns = `id, account_id, direction, symbol, quantity, price, total, created_at`

func (s *PostgresStore) ListTransactions(ctx context.Context, accountID string, f TransactionFilter) ([]model.TransactionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		 WHERE account_id = $1
		   AND ($2::TIMESTAMPTZ IS NULL OR created_at >= $2)
		   AND ($3::TIMESTAMPTZ IS NULL OR created_at <= $3)
		 ORDER BY created_at DESC, id DESC
		 LIMIT NULLIF($4::INT, 0)`,
		accountID, nullTime(f.From), nullTime(f.To), f.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func (s *PostgresStore) ListRecentTransactions(ctx context.Context, limit int) ([]model.TransactionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		 ORDER BY created_at DESC, id DESC
		 LIMIT NULLIF($1::INT, 0)`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func scanTransactions(rows pgx.Rows) ([]model.TransactionRecord, error) {
	out := make([]model.TransactionRecord, 0)
	for rows.Next() {
		var r model.TransactionRecord
		if err := rows.Scan(&r.ID, &r.AccountID, &r.Direction, &r.Symbol,
			&r.Quantity, &r.Price, &r.Total, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// --- Withdrawals ---

const withdrawalColumns = `id, account_id, amount, status, created_at, updated_at`

func (s *PostgresStore) CreateWithdrawal(ctx context.Context, w *model.Withdrawal) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO withdrawals (id, account_id, amount, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		w.ID, w.AccountID, w.Amount, w.Status, w.CreatedAt, w.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *PostgresStore) GetWithdrawal(ctx context.Context, id string) (*model.Withdrawal, error) {
	return scanWithdrawal(s.pool.QueryRow(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1`, id))
}

func (s *PostgresStore) ListWithdrawals(ctx context.Context, f WithdrawalFilter) ([]model.Withdrawal, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawals
		 WHERE ($1::TEXT = '' OR account_id = $1) AND ($2::TEXT = '' OR status = $2)
		 ORDER BY created_at DESC`, f.AccountID, f.Status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Withdrawal, 0)
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SettleWithdrawal(ctx context.Context, id, status string) (*model.Withdrawal, error) {
	var settled *model.Withdrawal
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		w, err := scanWithdrawal(tx.QueryRow(ctx,
			`SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		if w.Status != model.WithdrawalPending {
			return ErrInvalidState
		}

		if status == model.WithdrawalApproved {
			var balance decimal.Decimal
			err := tx.QueryRow(ctx,
				`SELECT balance FROM accounts WHERE id = $1 FOR UPDATE`, w.AccountID).Scan(&balance)
			if err != nil {
				return fmt.Errorf("lock account %s: %w", w.AccountID, err)
			}
			if balance.LessThan(w.Amount) {
				return ErrInsufficientBalance
			}
			if _, err := tx.Exec(ctx,
				`UPDATE accounts SET balance = $2 WHERE id = $1`, w.AccountID, balance.Sub(w.Amount)); err != nil {
				return err
			}
		}

		settled, err = scanWithdrawal(tx.QueryRow(ctx,
			`UPDATE withdrawals SET status = $2, updated_at = now()
			 WHERE id = $1 RETURNING `+withdrawalColumns, id, status))
		return err
	})
	if err != nil {
		return nil, err
	}
	return settled, nil
}

func scanWithdrawal(row rowScanner) (*model.Withdrawal, error) {
	var w model.Withdrawal
	err := row.Scan(&w.ID, &w.AccountID, &w.Amount, &w.Status, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// --- Referrals ---

const referralColumns = `id, referrer_id, referred_id, bonus, status, created_at`

func (s *PostgresStore) CreateReferral(ctx context.Context, r *model.Referral) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE accounts SET referred_by = $2 WHERE id = $1 AND referred_by IS NULL`,
			r.ReferredID, r.ReferrerID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			if _, err := scanAccount(tx.QueryRow(ctx,
				`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, r.ReferredID)); err != nil {
				return err
			}
			return ErrConflict
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO referrals (id, referrer_id, referred_id, bonus, status, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			r.ID, r.ReferrerID, r.ReferredID, r.Bonus, r.Status, r.CreatedAt)
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return err
	})
}

func (s *PostgresStore) GetReferral(ctx context.Context, id string) (*model.Referral, error) {
	return scanReferral(s.pool.QueryRow(ctx,
		`SELECT `+referralColumns+` FROM referrals WHERE id = $1`, id))
}

func (s *PostgresStore) ListReferrals(ctx context.Context, referrerID string) ([]model.Referral, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+referralColumns+` FROM referrals
		 WHERE ($1::TEXT = '' OR referrer_id = $1)
		 ORDER BY created_at DESC`, referrerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Referral, 0)
	for rows.Next() {
		r, err := scanReferral(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreditReferral(ctx context.Context, id string, bonus decimal.Decimal) (*model.Referral, error) {
	var credited *model.Referral
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		r, err := scanReferral(tx.QueryRow(ctx,
			`SELECT `+referralColumns+` FROM referrals WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		if r.Status != model.ReferralPending {
			return ErrInvalidState
		}

		tag, err := tx.Exec(ctx,
			`UPDATE accounts SET balance = balance + $2 WHERE id = $1`, r.ReferrerID, bonus)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}

		credited, err = scanReferral(tx.QueryRow(ctx,
			`UPDATE referrals SET status = $2, bonus = $3
			 WHERE id = $1 RETURNING `+referralColumns,
			id, model.ReferralCredited, bonus))
		return err
	})
	if err != nil {
		return nil, err
	}
	return credited, nil
}

func scanReferral(row rowScanner) (*model.Referral, error) {
	var r model.Referral
	err := row.Scan(&r.ID, &r.ReferrerID, &r.ReferredID, &r.Bonus, &r.Status, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func isUniqueViolation(err error) bool { return hasCode(err, "23505") }

func isCheckViolation(err error) bool { return hasCode(err, "23514") }

func hasCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}
