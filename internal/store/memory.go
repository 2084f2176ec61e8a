package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tradestash/ledger-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence). One mutex is
// the atomic unit: guards are re-checked under it, so commits observe the
// same serialize-or-conflict behavior as the SQL store.
type MemoryStore struct {
	mu        sync.RWMutex
	recharges map[string]*model.RechargeLot
	purchases map[string]*model.PurchaseLot
	sells     map[string]*model.SellRecord
	balances  map[string]*model.BalanceAggregate
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		recharges: make(map[string]*model.RechargeLot),
		purchases: make(map[string]*model.PurchaseLot),
		sells:     make(map[string]*model.SellRecord),
		balances:  make(map[string]*model.BalanceAggregate),
	}
}

// --- Reads ---

func (s *MemoryStore) GetRechargeLot(_ context.Context, id string) (*model.RechargeLot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lot, ok := s.recharges[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *lot
	return &cp, nil
}

func (s *MemoryStore) ListRechargeLots(_ context.Context, userID string, opt ListOptions) ([]model.RechargeLot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var lots []model.RechargeLot
	for _, lot := range s.recharges {
		if lot.UserID != userID {
			continue
		}
		if opt.OpenOnly && !lot.RemainingSpend.IsPositive() {
			continue
		}
		lots = append(lots, *lot)
	}
	sortByTime(lots, opt.Descending,
		func(l model.RechargeLot) (time.Time, string) { return l.CreatedAt, l.ID })
	lo, hi := Page(len(lots), opt)
	return lots[lo:hi], nil
}

func (s *MemoryStore) GetPurchaseLot(_ context.Context, id string) (*model.PurchaseLot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lot, ok := s.purchases[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *lot
	cp.AllocationTrail = append([]model.AllocationEntry(nil), lot.AllocationTrail...)
	return &cp, nil
}

func (s *MemoryStore) ListPurchaseLots(_ context.Context, userID string, opt ListOptions) ([]model.PurchaseLot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var lots []model.PurchaseLot
	for _, lot := range s.purchases {
		if lot.UserID != userID {
			continue
		}
		cp := *lot
		cp.AllocationTrail = append([]model.AllocationEntry(nil), lot.AllocationTrail...)
		lots = append(lots, cp)
	}
	sortByTime(lots, opt.Descending,
		func(l model.PurchaseLot) (time.Time, string) { return l.CreatedAt, l.ID })
	lo, hi := Page(len(lots), opt)
	return lots[lo:hi], nil
}

func (s *MemoryStore) GetSellRecord(_ context.Context, id string) (*model.SellRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.sells[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) ListSellRecords(_ context.Context, userID string, opt ListOptions) ([]model.SellRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var recs []model.SellRecord
	for _, rec := range s.sells {
		if rec.UserID != userID {
			continue
		}
		recs = append(recs, *rec)
	}
	sortByTime(recs, opt.Descending,
		func(r model.SellRecord) (time.Time, string) { return r.CreatedAt, r.ID })
	lo, hi := Page(len(recs), opt)
	return recs[lo:hi], nil
}

func (s *MemoryStore) ListSellRecordsByLot(_ context.Context, purchaseLotID string) ([]model.SellRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sellsByLotLocked(purchaseLotID), nil
}

func (s *MemoryStore) sellsByLotLocked(purchaseLotID string) []model.SellRecord {
	var recs []model.SellRecord
	for _, rec := range s.sells {
		if rec.PurchaseLotID == purchaseLotID {
			recs = append(recs, *rec)
		}
	}
	sortByTime(recs, false,
		func(r model.SellRecord) (time.Time, string) { return r.CreatedAt, r.ID })
	return recs
}

func (s *MemoryStore) GetBalance(_ context.Context, userID string) (*model.BalanceAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bal, ok := s.balances[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *bal
	return &cp, nil
}

// --- Atomic commits ---

func (s *MemoryStore) CommitRecharge(_ context.Context, lot *model.RechargeLot, delta BalanceDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *lot
	s.recharges[lot.ID] = &cp
	s.applyBalanceLocked(lot.UserID, delta)
	return nil
}

func (s *MemoryStore) CommitPurchase(_ context.Context, lot *model.PurchaseLot, delta BalanceDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate every guard before touching anything, so a failed commit
	// leaves no partial writes.
	for _, e := range lot.AllocationTrail {
		src, ok := s.recharges[e.RechargeLotID]
		if !ok || src.UserID != lot.UserID {
			return ErrConflict
		}
		if src.RemainingSpend.LessThan(e.SpendConsumed) {
			return ErrConflict
		}
	}

	for _, e := range lot.AllocationTrail {
		src := s.recharges[e.RechargeLotID]
		src.RemainingSpend = src.RemainingSpend.Sub(e.SpendConsumed)
	}

	cp := *lot
	cp.AllocationTrail = append([]model.AllocationEntry(nil), lot.AllocationTrail...)
	s.purchases[lot.ID] = &cp
	s.applyBalanceLocked(lot.UserID, delta)
	return nil
}

func (s *MemoryStore) CommitSell(_ context.Context, rec *model.SellRecord, lotQuantity int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.purchases[rec.PurchaseLotID]; !ok {
		return ErrConflict
	}

	var sold int64
	for _, existing := range s.sellsByLotLocked(rec.PurchaseLotID) {
		sold += existing.Quantity
	}
	if sold+rec.Quantity > lotQuantity {
		return ErrConflict
	}

	cp := *rec
	s.sells[rec.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteRechargeLot(_ context.Context, lot *model.RechargeLot, delta BalanceDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.recharges[lot.ID]
	if !ok {
		return ErrNotFound
	}
	// Guard: the full funded spend must still be unconsumed.
	if !current.RemainingSpend.Equal(current.FundedSpend) {
		return ErrConflict
	}

	delete(s.recharges, lot.ID)
	s.applyBalanceLocked(lot.UserID, delta)
	return nil
}

func (s *MemoryStore) DeletePurchaseLot(_ context.Context, id string, delta BalanceDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lot, ok := s.purchases[id]
	if !ok {
		return ErrNotFound
	}
	if len(s.sellsByLotLocked(id)) > 0 {
		return ErrConflict
	}

	delete(s.purchases, id)
	s.applyBalanceLocked(lot.UserID, delta)
	return nil
}

func (s *MemoryStore) DeleteSellRecord(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sells[id]; !ok {
		return ErrNotFound
	}
	delete(s.sells, id)
	return nil
}

func (s *MemoryStore) ClearUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, lot := range s.recharges {
		if lot.UserID == userID {
			delete(s.recharges, id)
		}
	}
	for id, lot := range s.purchases {
		if lot.UserID == userID {
			delete(s.purchases, id)
		}
	}
	for id, rec := range s.sells {
		if rec.UserID == userID {
			delete(s.sells, id)
		}
	}
	delete(s.balances, userID)
	return nil
}

func (s *MemoryStore) applyBalanceLocked(userID string, delta BalanceDelta) {
	bal, ok := s.balances[userID]
	if !ok {
		bal = &model.BalanceAggregate{UserID: userID}
		s.balances[userID] = bal
	}
	ApplyDelta(bal, delta)
	bal.UpdatedAt = time.Now().UTC()
}

// sortByTime orders records chronologically with id tie-break, matching the
// (user_id, created_at) index order of the SQL store.
func sortByTime[T any](items []T, descending bool, key func(T) (time.Time, string)) {
	sort.SliceStable(items, func(i, j int) bool {
		ti, idi := key(items[i])
		tj, idj := key(items[j])
		if !ti.Equal(tj) {
			if descending {
				return ti.After(tj)
			}
			return ti.Before(tj)
		}
		if descending {
			return idi > idj
		}
		return idi < idj
	})
}
