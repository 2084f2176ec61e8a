// Package store defines the persistence interface for the ledger engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Mutating commits are guarded atomic units: each implementation validates
// its guards inside one atomic section and returns ErrConflict when a guard
// no longer holds, so the caller can retry from a fresh read. No commit is
// ever partially applied.
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/tradestash/ledger-engine/internal/model"
)

var (
	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("store: record not found")

	// ErrConflict is returned when a commit's guard fails because another
	// writer changed the guarded state first. The whole unit was rolled
	// back; retry from a fresh read.
	ErrConflict = errors.New("store: conflicting concurrent write")
)

// ListOptions narrows a per-user listing.
type ListOptions struct {
	// Descending orders by created_at descending (id descending on ties)
	// instead of the default ascending.
	Descending bool

	// OpenOnly restricts recharge lots to those with remaining spend.
	// Ignored for other collections.
	OpenOnly bool

	// Offset/Limit page the result. Limit 0 means no limit.
	Offset int
	Limit  int
}

// BalanceDelta is a signed adjustment applied to a user's balance aggregate
// inside a commit. The store upserts the aggregate, clamps both totals at
// zero, and recomputes the average rate.
type BalanceDelta struct {
	Spend decimal.Decimal
	Cost  decimal.Decimal
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Recharge lots ---

	GetRechargeLot(ctx context.Context, id string) (*model.RechargeLot, error)
	ListRechargeLots(ctx context.Context, userID string, opt ListOptions) ([]model.RechargeLot, error)

	// --- Purchase lots ---

	GetPurchaseLot(ctx context.Context, id string) (*model.PurchaseLot, error)
	ListPurchaseLots(ctx context.Context, userID string, opt ListOptions) ([]model.PurchaseLot, error)

	// --- Sell records ---

	GetSellRecord(ctx context.Context, id string) (*model.SellRecord, error)
	ListSellRecords(ctx context.Context, userID string, opt ListOptions) ([]model.SellRecord, error)
	ListSellRecordsByLot(ctx context.Context, purchaseLotID string) ([]model.SellRecord, error)

	// --- Balance aggregate ---

	// GetBalance returns ErrNotFound before a user's first deposit.
	GetBalance(ctx context.Context, userID string) (*model.BalanceAggregate, error)

	// --- Atomic commits ---

	// CommitRecharge persists a new recharge lot and applies delta to the
	// balance aggregate, creating it if absent.
	CommitRecharge(ctx context.Context, lot *model.RechargeLot, delta BalanceDelta) error

	// CommitPurchase persists a new purchase lot, decrements each trail
	// entry's recharge lot remainder, and applies delta. Fails with
	// ErrConflict if any referenced lot no longer holds the consumed
	// remainder.
	CommitPurchase(ctx context.Context, lot *model.PurchaseLot, delta BalanceDelta) error

	// CommitSell persists a new sell record after re-checking, inside the
	// atomic unit, that the parent lot's sold total plus this quantity
	// still fits lotQuantity. Fails with ErrConflict otherwise.
	CommitSell(ctx context.Context, rec *model.SellRecord, lotQuantity int64) error

	// DeleteRechargeLot removes the lot and applies delta, guarded on the
	// lot still holding its full funded spend.
	DeleteRechargeLot(ctx context.Context, lot *model.RechargeLot, delta BalanceDelta) error

	// DeletePurchaseLot removes the lot and applies delta, guarded on no
	// sell record referencing it.
	DeletePurchaseLot(ctx context.Context, id string, delta BalanceDelta) error

	// DeleteSellRecord removes one sell record.
	DeleteSellRecord(ctx context.Context, id string) error

	// ClearUser removes all four collections for one user.
	ClearUser(ctx context.Context, userID string) error
}

// ApplyDelta folds a delta into a balance aggregate: totals are clamped at
// zero and the average rate recomputed at 4 decimal places. Shared by
// implementations so the cache math cannot diverge between them.
func ApplyDelta(bal *model.BalanceAggregate, delta BalanceDelta) {
	bal.SpendBalance = bal.SpendBalance.Add(delta.Spend)
	bal.CostTotal = bal.CostTotal.Add(delta.Cost)
	if bal.SpendBalance.IsNegative() {
		bal.SpendBalance = decimal.Zero
	}
	if bal.CostTotal.IsNegative() {
		bal.CostTotal = decimal.Zero
	}
	if bal.SpendBalance.GreaterThan(decimal.Zero) {
		bal.AverageRate = bal.CostTotal.Div(bal.SpendBalance).Round(4)
	} else {
		bal.AverageRate = decimal.Zero
	}
}

// Page applies offset/limit to a slice length and returns the bounds.
func Page(n int, opt ListOptions) (lo, hi int) {
	lo = opt.Offset
	if lo > n {
		lo = n
	}
	hi = n
	if opt.Limit > 0 && lo+opt.Limit < hi {
		hi = lo + opt.Limit
	}
	return lo, hi
}
