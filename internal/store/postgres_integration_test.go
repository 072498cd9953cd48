//go:build integration

package store

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simtrade/ledger-service/internal/model"
)

// Run with: DATABASE_URL=postgres://... [REDIS_URL=redis://...] go test -tags integration ./internal/store/

func newPostgres(t *testing.T) (*PostgresStore, *pgxpool.Pool) {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := NewPool(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, Migrate(ctx, pool))
	require.NoError(t, Migrate(ctx, pool), "schema must be re-appliable")
	_, err = pool.Exec(ctx,
		`TRUNCATE accounts, positions, transactions, withdrawals, referrals, admin_claim CASCADE`)
	require.NoError(t, err)
	return NewPostgresStore(pool), pool
}

func pgSeed(t *testing.T, s Store, id, email, balance string) {
	t.Helper()
	require.NoError(t, s.CreateAccount(context.Background(), &model.Account{
		ID: id, Email: email, Role: model.RoleUser, Balance: d(balance), CreatedAt: time.Now().UTC(),
	}))
}

func TestPostgres_LedgerUnit(t *testing.T) {
	s, _ := newPostgres(t)
	ctx := context.Background()
	pgSeed(t, s, "acct-1", "a@example.com", "1000")

	err := s.WithAccountLock(ctx, "acct-1", func(tx LedgerTx) error {
		require.NoError(t, tx.SetBalance(ctx, d("600")))
		require.NoError(t, tx.PutPosition(ctx, &model.Position{
			Symbol: "X", AssetID: "x", Quantity: d("8"), AvgCost: d("50"), UpdatedAt: time.Now().UTC(),
		}))
		return tx.AppendTransaction(ctx, &model.TransactionRecord{
			ID: "tx-1", Direction: model.DirectionBuy, Symbol: "X",
			Quantity: d("8"), Price: d("50"), Total: d("400"), CreatedAt: time.Now().UTC(),
		})
	})
	require.NoError(t, err)

	acct, err := s.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(d("600")))

	positions, err := s.ListPositions(ctx, "acct-1")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.True(t, positions[0].AvgCost.Equal(d("50")))

	// A failing callback rolls back every staged write.
	boom := errors.New("boom")
	err = s.WithAccountLock(ctx, "acct-1", func(tx LedgerTx) error {
		require.NoError(t, tx.SetBalance(ctx, d("0")))
		require.NoError(t, tx.DeletePosition(ctx, "X"))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	acct, _ = s.GetAccount(ctx, "acct-1")
	assert.True(t, acct.Balance.Equal(d("600")))
	positions, _ = s.ListPositions(ctx, "acct-1")
	assert.Len(t, positions, 1)

	err = s.WithAccountLock(ctx, "ghost", func(LedgerTx) error {
		t.Fatal("callback must not run for an unknown account")
		return nil
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgres_PositionChecksRejectZeroQuantity(t *testing.T) {
	s, _ := newPostgres(t)
	ctx := context.Background()
	pgSeed(t, s, "acct-1", "a@example.com", "10")

	err := s.WithAccountLock(ctx, "acct-1", func(tx LedgerTx) error {
		return tx.PutPosition(ctx, &model.Position{Symbol: "X", AssetID: "x", Quantity: d("0"), AvgCost: d("1")})
	})
	assert.ErrorIs(t, err, ErrConstraint)
}

func TestPostgres_AccountLockSerializes(t *testing.T) {
	s, _ := newPostgres(t)
	ctx := context.Background()
	pgSeed(t, s, "acct-1", "a@example.com", "0")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.WithAccountLock(ctx, "acct-1", func(tx LedgerTx) error {
				return tx.SetBalance(ctx, tx.Account().Balance.Add(d("1")))
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	acct, err := s.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(d("20")), "got %s", acct.Balance)
}

func TestPostgres_AccountsAndAdminClaim(t *testing.T) {
	s, _ := newPostgres(t)
	ctx := context.Background()
	pgSeed(t, s, "a", "a@example.com", "0")
	pgSeed(t, s, "b", "b@example.com", "0")

	err := s.CreateAccount(ctx, &model.Account{ID: "c", Email: "A@example.com", Role: model.RoleUser, CreatedAt: time.Now()})
	assert.ErrorIs(t, err, ErrConflict, "emails are case-insensitively unique")

	require.NoError(t, s.SetReferralCode(ctx, "a", "ABCD1234"))
	assert.ErrorIs(t, s.SetReferralCode(ctx, "b", "ABCD1234"), ErrConflict)
	found, err := s.FindAccountByReferralCode(ctx, "ABCD1234")
	require.NoError(t, err)
	assert.Equal(t, "a", found.ID)

	var wins int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, id := range []string{"a", "b", "a", "b"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			ok, err := s.ClaimAdmin(ctx, id)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	list, err := s.SearchAccounts(ctx, "EXAMPLE", 1)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestPostgres_WithdrawalSettlement(t *testing.T) {
	s, _ := newPostgres(t)
	ctx := context.Background()
	pgSeed(t, s, "a", "a@example.com", "100")

	now := time.Now().UTC()
	for _, id := range []string{"w1", "w2"} {
		require.NoError(t, s.CreateWithdrawal(ctx, &model.Withdrawal{
			ID: id, AccountID: "a", Amount: d("60"), Status: model.WithdrawalPending, CreatedAt: now, UpdatedAt: now,
		}))
	}

	w, err := s.SettleWithdrawal(ctx, "w1", model.WithdrawalApproved)
	require.NoError(t, err)
	assert.Equal(t, model.WithdrawalApproved, w.Status)

	_, err = s.SettleWithdrawal(ctx, "w2", model.WithdrawalApproved)
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	_, err = s.SettleWithdrawal(ctx, "w1", model.WithdrawalRejected)
	assert.ErrorIs(t, err, ErrInvalidState)

	acct, _ := s.GetAccount(ctx, "a")
	assert.True(t, acct.Balance.Equal(d("40")))

	pending, err := s.ListWithdrawals(ctx, WithdrawalFilter{Status: model.WithdrawalPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "w2", pending[0].ID)
}

func TestPostgres_Referrals(t *testing.T) {
	s, _ := newPostgres(t)
	ctx := context.Background()
	pgSeed(t, s, "referrer", "r@example.com", "0")
	pgSeed(t, s, "new", "n@example.com", "0")

	ref := &model.Referral{
		ID: "ref-1", ReferrerID: "referrer", ReferredID: "new",
		Bonus: d("0"), Status: model.ReferralPending, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateReferral(ctx, ref))
	dup := *ref
	dup.ID = "ref-2"
	assert.ErrorIs(t, s.CreateReferral(ctx, &dup), ErrConflict)

	credited, err := s.CreditReferral(ctx, "ref-1", d("25"))
	require.NoError(t, err)
	assert.Equal(t, model.ReferralCredited, credited.Status)
	_, err = s.CreditReferral(ctx, "ref-1", d("25"))
	assert.ErrorIs(t, err, ErrInvalidState)

	acct, _ := s.GetAccount(ctx, "referrer")
	assert.True(t, acct.Balance.Equal(d("25")))
	referred, _ := s.GetAccount(ctx, "new")
	assert.Equal(t, "referrer", referred.ReferredBy)
}

func newCached(t *testing.T) (*CachedStore, *PostgresStore, *redis.Client) {
	t.Helper()
	pg, _ := newPostgres(t)
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opt)
	t.Cleanup(func() { rdb.Close() })
	rdb.Del(context.Background(), accountKey("acct-1"), positionsKey("acct-1"), genKey("acct-1"))
	return NewCachedStore(pg, rdb, time.Minute), pg, rdb
}

func TestCachedStore_InvalidatesOnLedgerCommit(t *testing.T) {
	s, _, rdb := newCached(t)
	ctx := context.Background()
	pgSeed(t, s, "acct-1", "a@example.com", "100")

	acct, err := s.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(d("100")))
	n, err := rdb.Exists(ctx, accountKey("acct-1")).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "read populates the cache")

	require.NoError(t, s.WithAccountLock(ctx, "acct-1", func(tx LedgerTx) error {
		return tx.SetBalance(ctx, d("40"))
	}))

	acct, err = s.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(d("40")), "commit invalidates the cached account")
}

func TestCachedStore_ReadOverlappingCommitIsNotCached(t *testing.T) {
	s, pg, rdb := newCached(t)
	ctx := context.Background()
	pgSeed(t, s, "acct-1", "a@example.com", "100")

	// A read takes its generation and loads the primary, then a commit lands
	// before the read fills the cache.
	gen, ok := s.generation(ctx, "acct-1")
	require.True(t, ok)
	stale, err := pg.GetAccount(ctx, "acct-1")
	require.NoError(t, err)

	require.NoError(t, s.WithAccountLock(ctx, "acct-1", func(tx LedgerTx) error {
		return tx.SetBalance(ctx, d("10"))
	}))
	s.fill(ctx, "acct-1", gen, accountKey("acct-1"), stale)

	n, err := rdb.Exists(ctx, accountKey("acct-1")).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 0, n, "superseded read must not be cached")

	acct, err := s.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(d("10")))
}
