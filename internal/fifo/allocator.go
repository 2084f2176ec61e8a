// Package fifo implements the cost allocator that prices a spend amount
// against a user's recharge lots, oldest first.
//
// Allocation is a pure computation: it never mutates a lot. The caller
// applies the returned trail inside its own atomic unit, and re-runs the
// allocation from a fresh read if another writer consumed the same
// remainders first.
//
// All monetary values use shopspring/decimal — never float64 for money.
package fifo

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/tradestash/ledger-engine/internal/model"
)

// Tolerance is the spend-unit shortfall still considered fully covered.
// It absorbs the drift left by per-lot rounding.
var Tolerance = decimal.NewFromFloat(0.01)

// Result is the outcome of one allocation.
type Result struct {
	// AllocatedCost is the cost-unit total attributed to the target spend,
	// summed from per-lot contributions each rounded to 2 places.
	AllocatedCost decimal.Decimal

	// Trail lists the consumed lots in consumption order.
	Trail []model.AllocationEntry

	// Shortfall is the spend that could not be covered (zero when lots
	// sufficed exactly).
	Shortfall decimal.Decimal

	// OK reports whether the shortfall is within Tolerance.
	OK bool
}

// Allocate consumes lots oldest-first until targetSpend is covered.
// Lots are ordered by CreatedAt ascending, ties broken by ID ascending, so
// the result is deterministic for any input order. Lots with no remainder
// are skipped.
//
// Each lot's cost contribution is rounded to 2 places before summation.
// This per-lot rounding is the documented arithmetic of the allocator; the
// cumulative drift it produces is what Tolerance absorbs.
func Allocate(lots []model.RechargeLot, targetSpend decimal.Decimal) Result {
	ordered := make([]model.RechargeLot, len(lots))
	copy(ordered, lots)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
		}
		return ordered[i].ID < ordered[j].ID
	})

	need := targetSpend
	res := Result{AllocatedCost: decimal.Zero}

	for _, lot := range ordered {
		if need.LessThanOrEqual(decimal.Zero) {
			break
		}
		if lot.RemainingSpend.LessThanOrEqual(decimal.Zero) {
			continue
		}

		use := need
		if lot.RemainingSpend.LessThan(use) {
			use = lot.RemainingSpend
		}
		cost := use.Mul(lot.Rate).Round(2)

		res.AllocatedCost = res.AllocatedCost.Add(cost)
		res.Trail = append(res.Trail, model.AllocationEntry{
			RechargeLotID:   lot.ID,
			SpendConsumed:   use,
			RateUsed:        lot.Rate,
			CostContributed: cost,
		})
		need = need.Sub(use)
	}

	if need.GreaterThan(decimal.Zero) {
		res.Shortfall = need
	} else {
		res.Shortfall = decimal.Zero
	}
	res.OK = need.LessThanOrEqual(Tolerance)
	return res
}
