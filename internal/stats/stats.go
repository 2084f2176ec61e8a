// Package stats derives read-only inventory and profit figures from stored
// lots and sell records. Every function is a pure computation over its
// inputs; callers pass an unsynchronized snapshot.
package stats

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradestash/ledger-engine/internal/model"
)

// soldByLot sums sell quantities per purchase lot.
func soldByLot(sells []model.SellRecord) map[string]int64 {
	sold := make(map[string]int64, len(sells))
	for _, s := range sells {
		sold[s.PurchaseLotID] += s.Quantity
	}
	return sold
}

// BuildPairs matches each purchase lot against its sells and returns one
// completed transaction pair per lot that has at least one sell. Cost is
// pro-rated by the fraction of the lot's quantity sold.
func BuildPairs(lots []model.PurchaseLot, sells []model.SellRecord) []model.TransactionPair {
	byLot := make(map[string][]model.SellRecord)
	for _, s := range sells {
		byLot[s.PurchaseLotID] = append(byLot[s.PurchaseLotID], s)
	}

	var pairs []model.TransactionPair
	for _, lot := range lots {
		lotSells := byLot[lot.ID]
		if len(lotSells) == 0 || lot.Quantity <= 0 {
			continue
		}

		var soldQty int64
		realized := decimal.Zero
		var latest time.Time
		for _, s := range lotSells {
			soldQty += s.Quantity
			realized = realized.Add(s.TotalSell)
			if s.CreatedAt.After(latest) {
				latest = s.CreatedAt
			}
		}

		ratio := decimal.NewFromInt(soldQty).Div(decimal.NewFromInt(lot.Quantity))
		proRated := lot.AllocatedCost.Mul(ratio)

		pairs = append(pairs, model.TransactionPair{
			PurchaseLotID: lot.ID,
			ItemName:      lot.ItemName,
			ItemType:      lot.ItemType,
			LotQuantity:   lot.Quantity,
			SoldQuantity:  soldQty,
			SellRatio:     ratio,
			ProRatedCost:  proRated,
			RealizedSell:  realized,
			Profit:        realized.Sub(proRated),
			LatestSellAt:  latest,
		})
	}
	return pairs
}

// CategoryTotals sums pair figures per item type, sorted by profit
// descending.
func CategoryTotals(pairs []model.TransactionPair) []model.CategoryStat {
	byType := make(map[string]*model.CategoryStat)
	for _, p := range pairs {
		cs, ok := byType[p.ItemType]
		if !ok {
			cs = &model.CategoryStat{ItemType: p.ItemType}
			byType[p.ItemType] = cs
		}
		cs.SoldQuantity += p.SoldQuantity
		cs.ProRatedCost = cs.ProRatedCost.Add(p.ProRatedCost)
		cs.RealizedSell = cs.RealizedSell.Add(p.RealizedSell)
		cs.Profit = cs.Profit.Add(p.Profit)
	}

	out := make([]model.CategoryStat, 0, len(byType))
	for _, cs := range byType {
		out = append(out, *cs)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Profit.Equal(out[j].Profit) {
			return out[i].Profit.GreaterThan(out[j].Profit)
		}
		return out[i].ItemType < out[j].ItemType
	})
	return out
}

// MonthlyTrend buckets pairs into the trailing months calendar months ending
// at now, zero-filled and keyed "YYYY-MM". A pair lands in the month of its
// latest constituent sell; pairs outside the window are dropped from the
// trend (they still count toward lifetime totals elsewhere).
func MonthlyTrend(pairs []model.TransactionPair, months int, now time.Time) []model.MonthBucket {
	if months <= 0 {
		return nil
	}

	buckets := make([]model.MonthBucket, 0, months)
	index := make(map[string]int, months)
	for i := months - 1; i >= 0; i-- {
		m := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location()).AddDate(0, -i, 0)
		key := m.Format("2006-01")
		index[key] = len(buckets)
		buckets = append(buckets, model.MonthBucket{
			Month:        key,
			ProRatedCost: decimal.Zero,
			RealizedSell: decimal.Zero,
			Profit:       decimal.Zero,
		})
	}

	for _, p := range pairs {
		key := p.LatestSellAt.In(now.Location()).Format("2006-01")
		i, ok := index[key]
		if !ok {
			continue
		}
		buckets[i].ProRatedCost = buckets[i].ProRatedCost.Add(p.ProRatedCost)
		buckets[i].RealizedSell = buckets[i].RealizedSell.Add(p.RealizedSell)
		buckets[i].Profit = buckets[i].Profit.Add(p.Profit)
	}
	return buckets
}

// RemainingCost sums the pro-rated cost of every lot with remaining
// quantity, returning the total cost and unit count. Lots never sold count
// in full.
func RemainingCost(lots []model.PurchaseLot, sells []model.SellRecord) (decimal.Decimal, int64) {
	sold := soldByLot(sells)

	total := decimal.Zero
	var units int64
	for _, lot := range lots {
		remaining := lot.Quantity - sold[lot.ID]
		if remaining <= 0 {
			continue
		}
		total = total.Add(lot.UnitCostBasis().Mul(decimal.NewFromInt(remaining)))
		units += remaining
	}
	return total, units
}

// GroupInventory builds the per-item inventory view: lots with remaining
// quantity grouped by (name, type), group totals summed from member lots.
// Fully sold lots are excluded. Groups are ordered by most recent purchase
// first; lots within a group oldest first.
func GroupInventory(lots []model.PurchaseLot, sells []model.SellRecord) ([]model.InventoryItem, model.InventorySummary) {
	sold := soldByLot(sells)

	groups := make(map[model.ItemKey]*model.InventoryItem)
	for _, lot := range lots {
		remaining := lot.Quantity - sold[lot.ID]
		if remaining <= 0 {
			continue
		}

		key := model.ItemKey{Name: lot.ItemName, Type: lot.ItemType}
		item, ok := groups[key]
		if !ok {
			item = &model.InventoryItem{
				Key:             key,
				FirstPurchaseAt: lot.CreatedAt,
				LastPurchaseAt:  lot.CreatedAt,
			}
			groups[key] = item
		}

		unitCost := lot.UnitCostBasis()
		remainingCost := unitCost.Mul(decimal.NewFromInt(remaining))

		item.TotalQuantity += lot.Quantity
		item.Remaining += remaining
		item.RemainingCost = item.RemainingCost.Add(remainingCost)
		item.Lots = append(item.Lots, model.InventoryLot{
			LotID:         lot.ID,
			Quantity:      lot.Quantity,
			Remaining:     remaining,
			UnitCostBasis: unitCost,
			RemainingCost: remainingCost,
			CreatedAt:     lot.CreatedAt,
		})
		if lot.CreatedAt.Before(item.FirstPurchaseAt) {
			item.FirstPurchaseAt = lot.CreatedAt
		}
		if lot.CreatedAt.After(item.LastPurchaseAt) {
			item.LastPurchaseAt = lot.CreatedAt
		}
	}

	items := make([]model.InventoryItem, 0, len(groups))
	summary := model.InventorySummary{TotalCost: decimal.Zero}
	for _, item := range groups {
		sort.Slice(item.Lots, func(i, j int) bool {
			if !item.Lots[i].CreatedAt.Equal(item.Lots[j].CreatedAt) {
				return item.Lots[i].CreatedAt.Before(item.Lots[j].CreatedAt)
			}
			return item.Lots[i].LotID < item.Lots[j].LotID
		})
		items = append(items, *item)
		summary.TotalRemaining += item.Remaining
		summary.TotalCost = summary.TotalCost.Add(item.RemainingCost)
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].LastPurchaseAt.Equal(items[j].LastPurchaseAt) {
			return items[i].LastPurchaseAt.After(items[j].LastPurchaseAt)
		}
		if items[i].Key.Name != items[j].Key.Name {
			return items[i].Key.Name < items[j].Key.Name
		}
		return items[i].Key.Type < items[j].Key.Type
	})
	return items, summary
}

// AvailableLots lists lots that can still be sold against, newest first,
// each with its remaining quantity and pro-rated remaining cost.
func AvailableLots(lots []model.PurchaseLot, sells []model.SellRecord) []model.AvailableLot {
	sold := soldByLot(sells)

	var out []model.AvailableLot
	for _, lot := range lots {
		remaining := lot.Quantity - sold[lot.ID]
		if remaining <= 0 {
			continue
		}
		unitCost := lot.UnitCostBasis()
		out = append(out, model.AvailableLot{
			LotID:          lot.ID,
			ItemName:       lot.ItemName,
			ItemType:       lot.ItemType,
			Quantity:       lot.Quantity,
			Remaining:      remaining,
			UnitSpendPrice: lot.UnitSpendPrice,
			UnitCostBasis:  unitCost,
			RemainingCost:  unitCost.Mul(decimal.NewFromInt(remaining)).Round(2),
			CreatedAt:      lot.CreatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].LotID < out[j].LotID
	})
	return out
}

// Build assembles the full statistics snapshot for one user.
func Build(recharges []model.RechargeLot, lots []model.PurchaseLot, sells []model.SellRecord, months int, now time.Time) model.Stats {
	pairs := BuildPairs(lots, sells)

	completedProfit := decimal.Zero
	completedCost := decimal.Zero
	for _, p := range pairs {
		completedProfit = completedProfit.Add(p.Profit)
		completedCost = completedCost.Add(p.ProRatedCost)
	}

	totalInvestment := decimal.Zero
	totalFunded := decimal.Zero
	for _, r := range recharges {
		totalInvestment = totalInvestment.Add(r.DepositedCost)
		totalFunded = totalFunded.Add(r.FundedSpend)
	}
	averageRate := decimal.Zero
	if totalFunded.GreaterThan(decimal.Zero) {
		averageRate = totalInvestment.Div(totalFunded).Round(4)
	}

	totalIncome := decimal.Zero
	for _, s := range sells {
		totalIncome = totalIncome.Add(s.TotalSell)
	}
	totalAllocated := decimal.Zero
	for _, l := range lots {
		totalAllocated = totalAllocated.Add(l.AllocatedCost)
	}

	inventoryCost, inventoryItems := RemainingCost(lots, sells)

	return model.Stats{
		TotalProfit:     totalIncome.Sub(totalAllocated),
		CompletedProfit: completedProfit,
		CompletedCost:   completedCost,
		CompletedPairs:  len(pairs),
		InventoryCost:   inventoryCost,
		InventoryItems:  inventoryItems,
		TotalInvestment: totalInvestment,
		TotalIncome:     totalIncome,
		AverageRate:     averageRate,
		CategoryStats:   CategoryTotals(pairs),
		MonthlyTrend:    MonthlyTrend(pairs, months, now),
	}
}
