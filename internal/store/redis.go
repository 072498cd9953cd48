package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/simtrade/ledger-service/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for accounts and positions. Writes go to the primary store and
// invalidate the affected keys once committed; reads check Redis first then
// fall back to the primary. Ledger units always read the primary, so a stale
// cache entry can never feed a trade decision.
//
// Every invalidation bumps a per-account generation counter. A read-through
// fill only lands if the generation is unchanged since before the primary
// read, so a slow read cannot put back a balance that a commit superseded.
//
// Methods not overridden here pass straight through to the primary.
type CachedStore struct {
	Store
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.UniversalClient, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) WithAccountLock(ctx context.Context, accountID string, fn func(tx LedgerTx) error) error {
	if err := s.Store.WithAccountLock(ctx, accountID, fn); err != nil {
		return err
	}
	s.invalidate(ctx, accountID, accountKey(accountID), positionsKey(accountID))
	return nil
}

func (s *CachedStore) SetReferralCode(ctx context.Context, accountID, code string) error {
	if err := s.Store.SetReferralCode(ctx, accountID, code); err != nil {
		return err
	}
	s.invalidate(ctx, accountID, accountKey(accountID))
	return nil
}

func (s *CachedStore) ClaimAdmin(ctx context.Context, accountID string) (bool, error) {
	ok, err := s.Store.ClaimAdmin(ctx, accountID)
	if err != nil {
		return false, err
	}
	if ok {
		s.invalidate(ctx, accountID, accountKey(accountID))
	}
	return ok, nil
}

func (s *CachedStore) SettleWithdrawal(ctx context.Context, id, status string) (*model.Withdrawal, error) {
	w, err := s.Store.SettleWithdrawal(ctx, id, status)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, w.AccountID, accountKey(w.AccountID))
	return w, nil
}

func (s *CachedStore) CreateReferral(ctx context.Context, r *model.Referral) error {
	if err := s.Store.CreateReferral(ctx, r); err != nil {
		return err
	}
	s.invalidate(ctx, r.ReferredID, accountKey(r.ReferredID))
	return nil
}

func (s *CachedStore) CreditReferral(ctx context.Context, id string, bonus decimal.Decimal) (*model.Referral, error) {
	r, err := s.Store.CreditReferral(ctx, id, bonus)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, r.ReferrerID, accountKey(r.ReferrerID))
	return r, nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	data, err := s.rdb.Get(ctx, accountKey(id)).Bytes()
	if err == nil {
		var a model.Account
		if json.Unmarshal(data, &a) == nil {
			return &a, nil
		}
	}

	// Cache miss: read from primary.
	gen, genOK := s.generation(ctx, id)
	a, err := s.Store.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if genOK {
		s.fill(ctx, id, gen, accountKey(id), a)
	}
	return a, nil
}

func (s *CachedStore) ListPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsKey(accountID)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	gen, genOK := s.generation(ctx, accountID)
	positions, err := s.Store.ListPositions(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if genOK {
		s.fill(ctx, accountID, gen, positionsKey(accountID), positions)
	}
	return positions, nil
}

// --- Cache helpers ---

// generation reads the account's cache generation. ok is false when Redis
// cannot be read, in which case the caller skips the fill.
func (s *CachedStore) generation(ctx context.Context, accountID string) (int64, bool) {
	gen, err := s.rdb.Get(ctx, genKey(accountID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, true
	}
	return gen, err == nil
}

// fill caches v under key unless the account's generation moved past seen.
func (s *CachedStore) fill(ctx context.Context, accountID string, seen int64, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		gen, err := tx.Get(ctx, genKey(accountID)).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if gen != seen {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, data, s.ttl)
			return nil
		})
		return err
	}, genKey(accountID))
	if err != nil && !errors.Is(err, redis.TxFailedErr) {
		slog.Debug("cache fill skipped", "key", key, "err", err)
	}
}

// invalidate bumps the account's generation and drops keys after a committed
// write. A failure only costs staleness up to the TTL, so it is logged rather
// than returned.
func (s *CachedStore) invalidate(ctx context.Context, accountID string, keys ...string) {
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Incr(ctx, genKey(accountID))
		p.Del(ctx, keys...)
		return nil
	})
	if err != nil {
		slog.Warn("cache invalidation failed", "keys", keys, "err", err)
	}
}

func accountKey(id string) string   { return fmt.Sprintf("account:%s", id) }
func positionsKey(id string) string { return fmt.Sprintf("positions:%s", id) }
func genKey(id string) string       { return fmt.Sprintf("cachegen:%s", id) }
