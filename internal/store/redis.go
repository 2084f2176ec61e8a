package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tradestash/ledger-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the hot reads: the balance aggregate and individual purchase
// lots. Writes go to the primary store and invalidate the affected keys;
// listings pass through uncached.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetBalance(ctx context.Context, userID string) (*model.BalanceAggregate, error) {
	data, err := s.rdb.Get(ctx, balanceKey(userID)).Bytes()
	if err == nil {
		var bal model.BalanceAggregate
		if json.Unmarshal(data, &bal) == nil {
			return &bal, nil
		}
	}

	bal, err := s.primary.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(bal); err == nil {
		s.rdb.Set(ctx, balanceKey(userID), data, s.ttl)
	}
	return bal, nil
}

func (s *CachedStore) GetPurchaseLot(ctx context.Context, id string) (*model.PurchaseLot, error) {
	data, err := s.rdb.Get(ctx, lotKey(id)).Bytes()
	if err == nil {
		var lot model.PurchaseLot
		if json.Unmarshal(data, &lot) == nil {
			return &lot, nil
		}
	}

	lot, err := s.primary.GetPurchaseLot(ctx, id)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(lot); err == nil {
		s.rdb.Set(ctx, lotKey(id), data, s.ttl)
	}
	return lot, nil
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CommitRecharge(ctx context.Context, lot *model.RechargeLot, delta BalanceDelta) error {
	if err := s.primary.CommitRecharge(ctx, lot, delta); err != nil {
		return err
	}
	s.rdb.Del(ctx, balanceKey(lot.UserID))
	return nil
}

func (s *CachedStore) CommitPurchase(ctx context.Context, lot *model.PurchaseLot, delta BalanceDelta) error {
	if err := s.primary.CommitPurchase(ctx, lot, delta); err != nil {
		return err
	}
	s.rdb.Del(ctx, balanceKey(lot.UserID), lotKey(lot.ID))
	return nil
}

func (s *CachedStore) CommitSell(ctx context.Context, rec *model.SellRecord, lotQuantity int64) error {
	if err := s.primary.CommitSell(ctx, rec, lotQuantity); err != nil {
		return err
	}
	// The lot itself is unchanged, but cached copies of it may be paired
	// with stale sold totals downstream; drop it to be safe.
	s.rdb.Del(ctx, lotKey(rec.PurchaseLotID))
	return nil
}

func (s *CachedStore) DeleteRechargeLot(ctx context.Context, lot *model.RechargeLot, delta BalanceDelta) error {
	if err := s.primary.DeleteRechargeLot(ctx, lot, delta); err != nil {
		return err
	}
	s.rdb.Del(ctx, balanceKey(lot.UserID))
	return nil
}

func (s *CachedStore) DeletePurchaseLot(ctx context.Context, id string, delta BalanceDelta) error {
	lot, lookupErr := s.primary.GetPurchaseLot(ctx, id)
	if err := s.primary.DeletePurchaseLot(ctx, id, delta); err != nil {
		return err
	}
	keys := []string{lotKey(id)}
	if lookupErr == nil {
		keys = append(keys, balanceKey(lot.UserID))
	}
	s.rdb.Del(ctx, keys...)
	return nil
}

func (s *CachedStore) DeleteSellRecord(ctx context.Context, id string) error {
	return s.primary.DeleteSellRecord(ctx, id)
}

func (s *CachedStore) ClearUser(ctx context.Context, userID string) error {
	// Collect the user's lot keys first so their cache entries go too.
	lots, lookupErr := s.primary.ListPurchaseLots(ctx, userID, ListOptions{})

	if err := s.primary.ClearUser(ctx, userID); err != nil {
		return err
	}

	keys := []string{balanceKey(userID)}
	if lookupErr == nil {
		for _, lot := range lots {
			keys = append(keys, lotKey(lot.ID))
		}
	}
	s.rdb.Del(ctx, keys...)
	return nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetRechargeLot(ctx context.Context, id string) (*model.RechargeLot, error) {
	return s.primary.GetRechargeLot(ctx, id)
}

func (s *CachedStore) ListRechargeLots(ctx context.Context, userID string, opt ListOptions) ([]model.RechargeLot, error) {
	return s.primary.ListRechargeLots(ctx, userID, opt)
}

func (s *CachedStore) ListPurchaseLots(ctx context.Context, userID string, opt ListOptions) ([]model.PurchaseLot, error) {
	return s.primary.ListPurchaseLots(ctx, userID, opt)
}

func (s *CachedStore) GetSellRecord(ctx context.Context, id string) (*model.SellRecord, error) {
	return s.primary.GetSellRecord(ctx, id)
}

func (s *CachedStore) ListSellRecords(ctx context.Context, userID string, opt ListOptions) ([]model.SellRecord, error) {
	return s.primary.ListSellRecords(ctx, userID, opt)
}

func (s *CachedStore) ListSellRecordsByLot(ctx context.Context, purchaseLotID string) ([]model.SellRecord, error) {
	return s.primary.ListSellRecordsByLot(ctx, purchaseLotID)
}

// --- Cache keys ---

func balanceKey(userID string) string { return fmt.Sprintf("balance:%s", userID) }
func lotKey(id string) string         { return fmt.Sprintf("lot:%s", id) }
