// Package ledger provides the cost-allocation engine and its HTTP handlers:
// recharges fund a per-user FIFO ledger, purchases draw it down through the
// allocator, sells realize profit against single purchase lots, and
// deletions reverse any of the three.
//
// All monetary values use shopspring/decimal — never float64 for money.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradestash/ledger-engine/internal/fifo"
	"github.com/tradestash/ledger-engine/internal/metrics"
	"github.com/tradestash/ledger-engine/internal/model"
	"github.com/tradestash/ledger-engine/internal/stats"
	"github.com/tradestash/ledger-engine/internal/store"
)

// maxCommitRetries bounds the abort-and-retry loop of guarded commits.
// Conflicts only arise between concurrent writers on one user's data, so a
// handful of attempts is plenty.
const maxCommitRetries = 5

// defaultTrendMonths is the stats trend window when the caller names none.
const defaultTrendMonths = 6

// Service executes engine operations against a Store. Mutations are short
// atomic units scoped to one user; conflicts resolve by abort-and-retry
// against a fresh read, never by queuing.
type Service struct {
	store       store.Store
	hub         *EventHub // optional event broadcast, may be nil
	trendMonths int
	now         func() time.Time
}

// NewService creates a new ledger service.
// Pass nil for hub if event broadcasting is not needed.
func NewService(st store.Store, hub *EventHub) *Service {
	return &Service{
		store:       st,
		hub:         hub,
		trendMonths: defaultTrendMonths,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetDefaultTrendMonths overrides the stats trend window used when a
// request names none.
func (s *Service) SetDefaultTrendMonths(n int) {
	if n > 0 {
		s.trendMonths = n
	}
}

// BalanceInfo is the balance aggregate plus the merged newest-first feed of
// the user's most recent activity.
type BalanceInfo struct {
	Balance model.BalanceAggregate    `json:"balance"`
	Recent  []model.RecentTransaction `json:"recent_transactions"`
}

// InventoryView is the grouped still-held inventory with its totals.
type InventoryView struct {
	Items   []model.InventoryItem  `json:"items"`
	Summary model.InventorySummary `json:"summary"`
}

// RecordPage is one page of a chronological (newest first) record listing.
// Only the slice for the requested kind is populated.
type RecordPage struct {
	Kind      model.RecordKind    `json:"kind"`
	Page      int                 `json:"page"`
	Limit     int                 `json:"limit"`
	Recharges []model.RechargeLot `json:"recharges,omitempty"`
	Purchases []model.PurchaseLot `json:"purchases,omitempty"`
	Sells     []model.SellRecord  `json:"sells,omitempty"`
}

// Recharge records a deposit: depositedCost paid in, fundedSpend credited,
// rate fixed at 4 decimal places. The balance aggregate is created on a
// user's first deposit.
func (s *Service) Recharge(ctx context.Context, userID string, depositedCost, fundedSpend decimal.Decimal) (*model.RechargeLot, error) {
	if userID == "" || !depositedCost.IsPositive() || !fundedSpend.IsPositive() {
		return nil, ErrValidation
	}

	lot := &model.RechargeLot{
		ID:             uuid.New().String(),
		UserID:         userID,
		DepositedCost:  depositedCost,
		FundedSpend:    fundedSpend,
		Rate:           depositedCost.Div(fundedSpend).Round(4),
		RemainingSpend: fundedSpend,
		CreatedAt:      s.now(),
	}

	delta := store.BalanceDelta{Spend: fundedSpend, Cost: depositedCost}
	if err := s.store.CommitRecharge(ctx, lot, delta); err != nil {
		return nil, err
	}

	metrics.RechargesTotal.Inc()
	slog.Info("recharge recorded",
		"id", lot.ID,
		"user", userID,
		"deposited_cost", depositedCost.String(),
		"funded_spend", fundedSpend.String(),
		"rate", lot.Rate.String(),
	)
	s.publish(Event{Type: EventRecharge, UserID: userID, RecordID: lot.ID, Amount: fundedSpend.String()})
	return lot, nil
}

// Purchase allocates targetSpend = unitSpendPrice × quantity from the
// user's recharge lots oldest-first and commits the lot, the ledger
// decrements, and the balance update as one unit. A conflicting concurrent
// allocation retries from a fresh read.
func (s *Service) Purchase(ctx context.Context, userID, itemName, itemType string, quantity int64, unitSpendPrice decimal.Decimal) (*model.PurchaseLot, error) {
	if userID == "" || itemName == "" || itemType == "" || quantity <= 0 || !unitSpendPrice.IsPositive() {
		return nil, ErrValidation
	}
	targetSpend := unitSpendPrice.Mul(decimal.NewFromInt(quantity))

	for attempt := 0; attempt < maxCommitRetries; attempt++ {
		open, err := s.store.ListRechargeLots(ctx, userID, store.ListOptions{OpenOnly: true})
		if err != nil {
			return nil, err
		}

		alloc := fifo.Allocate(open, targetSpend)
		if !alloc.OK {
			metrics.RejectionsTotal.WithLabelValues("insufficient_funds").Inc()
			return nil, fmt.Errorf("%w: short %s spend", ErrInsufficientFunds, alloc.Shortfall)
		}

		lot := &model.PurchaseLot{
			ID:              uuid.New().String(),
			UserID:          userID,
			ItemName:        itemName,
			ItemType:        itemType,
			Quantity:        quantity,
			UnitSpendPrice:  unitSpendPrice,
			TotalSpendPrice: targetSpend,
			AllocatedCost:   alloc.AllocatedCost,
			AllocationTrail: alloc.Trail,
			CreatedAt:       s.now(),
		}

		delta := store.BalanceDelta{Spend: targetSpend.Neg(), Cost: alloc.AllocatedCost.Neg()}
		err = s.store.CommitPurchase(ctx, lot, delta)
		if errors.Is(err, store.ErrConflict) {
			metrics.CommitConflictsTotal.WithLabelValues("purchase").Inc()
			continue
		}
		if err != nil {
			return nil, err
		}

		metrics.PurchasesTotal.Inc()
		slog.Info("purchase committed",
			"id", lot.ID,
			"user", userID,
			"item", itemName,
			"quantity", quantity,
			"total_spend", targetSpend.String(),
			"allocated_cost", alloc.AllocatedCost.String(),
			"lots_consumed", len(alloc.Trail),
		)
		s.publish(Event{Type: EventPurchase, UserID: userID, RecordID: lot.ID, Item: itemName, Amount: targetSpend.String()})
		return lot, nil
	}
	return nil, ErrConflict
}

// Sell matches a sale against exactly one purchase lot. Cost basis is
// pro-rated from the lot's own allocated cost, never re-derived from the
// recharge ledger. The balance aggregate is not touched: sell income lives
// outside the spend ledger.
func (s *Service) Sell(ctx context.Context, userID, purchaseLotID string, quantity int64, unitSellPrice decimal.Decimal) (*model.SellRecord, error) {
	if userID == "" || purchaseLotID == "" || quantity <= 0 || !unitSellPrice.IsPositive() {
		return nil, ErrValidation
	}

	for attempt := 0; attempt < maxCommitRetries; attempt++ {
		lot, err := s.store.GetPurchaseLot(ctx, purchaseLotID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		if lot.UserID != userID {
			metrics.RejectionsTotal.WithLabelValues("ownership").Inc()
			return nil, ErrOwnership
		}

		sells, err := s.store.ListSellRecordsByLot(ctx, purchaseLotID)
		if err != nil {
			return nil, err
		}
		var sold int64
		for _, rec := range sells {
			sold += rec.Quantity
		}
		remaining := lot.Quantity - sold
		if remaining <= 0 {
			metrics.RejectionsTotal.WithLabelValues("oversell").Inc()
			return nil, fmt.Errorf("%w: fully sold", ErrOversell)
		}
		if quantity > remaining {
			metrics.RejectionsTotal.WithLabelValues("oversell").Inc()
			return nil, fmt.Errorf("%w: insufficient remaining: %d", ErrOversell, remaining)
		}

		qty := decimal.NewFromInt(quantity)
		unitCostBasis := lot.UnitCostBasis()
		totalCost := unitCostBasis.Mul(qty).Round(2)
		totalSell := unitSellPrice.Mul(qty).Round(2)

		rec := &model.SellRecord{
			ID:            uuid.New().String(),
			UserID:        userID,
			PurchaseLotID: purchaseLotID,
			ItemName:      lot.ItemName,
			ItemType:      lot.ItemType,
			Quantity:      quantity,
			UnitCostBasis: unitCostBasis.Round(2),
			UnitSellPrice: unitSellPrice,
			TotalCost:     totalCost,
			TotalSell:     totalSell,
			Profit:        totalSell.Sub(totalCost),
			CreatedAt:     s.now(),
		}

		err = s.store.CommitSell(ctx, rec, lot.Quantity)
		if errors.Is(err, store.ErrConflict) {
			metrics.CommitConflictsTotal.WithLabelValues("sell").Inc()
			continue
		}
		if err != nil {
			return nil, err
		}

		metrics.SellsTotal.Inc()
		slog.Info("sell recorded",
			"id", rec.ID,
			"user", userID,
			"lot", purchaseLotID,
			"quantity", quantity,
			"total_sell", totalSell.String(),
			"profit", rec.Profit.String(),
		)
		s.publish(Event{Type: EventSell, UserID: userID, RecordID: rec.ID, Item: lot.ItemName, Amount: totalSell.String()})
		return rec, nil
	}
	return nil, ErrConflict
}

// Delete reverses one record. Ownership is verified before anything is
// touched. Policies: a recharge lot is deletable only while fully
// unconsumed; a purchase lot only while no sells reference it; deleting a
// sell removes the record alone (sells never touched the balance, so their
// deletion does not either).
func (s *Service) Delete(ctx context.Context, userID string, kind model.RecordKind, recordID string) error {
	if userID == "" || recordID == "" || !kind.Valid() {
		return ErrValidation
	}

	for attempt := 0; attempt < maxCommitRetries; attempt++ {
		var err error
		switch kind {
		case model.KindRecharge:
			err = s.deleteRecharge(ctx, userID, recordID)
		case model.KindPurchase:
			err = s.deletePurchase(ctx, userID, recordID)
		case model.KindSell:
			err = s.deleteSell(ctx, userID, recordID)
		}
		if errors.Is(err, store.ErrConflict) {
			metrics.CommitConflictsTotal.WithLabelValues("delete").Inc()
			continue
		}
		if err != nil {
			return err
		}

		metrics.DeletesTotal.WithLabelValues(string(kind)).Inc()
		slog.Info("record deleted", "user", userID, "kind", kind, "id", recordID)
		s.publish(Event{Type: EventDelete, UserID: userID, RecordID: recordID, Item: string(kind)})
		return nil
	}
	return ErrConflict
}

func (s *Service) deleteRecharge(ctx context.Context, userID, id string) error {
	lot, err := s.store.GetRechargeLot(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if lot.UserID != userID {
		return ErrOwnership
	}
	if !lot.RemainingSpend.Equal(lot.FundedSpend) {
		return ErrRechargeConsumed
	}

	// Fully unconsumed, so the restore is exact.
	delta := store.BalanceDelta{Spend: lot.FundedSpend.Neg(), Cost: lot.DepositedCost.Neg()}
	return s.store.DeleteRechargeLot(ctx, lot, delta)
}

func (s *Service) deletePurchase(ctx context.Context, userID, id string) error {
	lot, err := s.store.GetPurchaseLot(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if lot.UserID != userID {
		return ErrOwnership
	}

	sells, err := s.store.ListSellRecordsByLot(ctx, id)
	if err != nil {
		return err
	}
	if len(sells) > 0 {
		return ErrLotHasSells
	}

	// The full spend and cost go back to the balance; the consumed
	// recharge remainders are not restored (their spend re-enters the
	// balance, not the FIFO ledger).
	delta := store.BalanceDelta{Spend: lot.TotalSpendPrice, Cost: lot.AllocatedCost}
	return s.store.DeletePurchaseLot(ctx, id, delta)
}

func (s *Service) deleteSell(ctx context.Context, userID, id string) error {
	rec, err := s.store.GetSellRecord(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if rec.UserID != userID {
		return ErrOwnership
	}
	// The parent lot's remaining quantity recovers implicitly: sold totals
	// are always recomputed from the surviving sell records.
	return s.store.DeleteSellRecord(ctx, id)
}

// Balance returns the user's aggregate (zeros before the first deposit)
// plus the five most recent transactions merged across all three
// collections.
func (s *Service) Balance(ctx context.Context, userID string) (*BalanceInfo, error) {
	if userID == "" {
		return nil, ErrValidation
	}

	bal, err := s.store.GetBalance(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		bal = &model.BalanceAggregate{
			UserID:       userID,
			SpendBalance: decimal.Zero,
			CostTotal:    decimal.Zero,
			AverageRate:  decimal.Zero,
		}
	} else if err != nil {
		return nil, err
	}

	recent, err := s.recentTransactions(ctx, userID, 3, 5)
	if err != nil {
		return nil, err
	}
	return &BalanceInfo{Balance: *bal, Recent: recent}, nil
}

// recentTransactions reads the newest perKind records of each collection,
// merges them, and keeps the newest total overall.
func (s *Service) recentTransactions(ctx context.Context, userID string, perKind, total int) ([]model.RecentTransaction, error) {
	opt := store.ListOptions{Descending: true, Limit: perKind}

	recharges, err := s.store.ListRechargeLots(ctx, userID, opt)
	if err != nil {
		return nil, err
	}
	purchases, err := s.store.ListPurchaseLots(ctx, userID, opt)
	if err != nil {
		return nil, err
	}
	sells, err := s.store.ListSellRecords(ctx, userID, opt)
	if err != nil {
		return nil, err
	}

	merged := make([]model.RecentTransaction, 0, len(recharges)+len(purchases)+len(sells))
	for _, r := range recharges {
		merged = append(merged, model.RecentTransaction{
			Kind:          model.KindRecharge,
			Time:          r.CreatedAt,
			DepositedCost: r.DepositedCost,
			FundedSpend:   r.FundedSpend,
			Rate:          r.Rate,
		})
	}
	for _, p := range purchases {
		merged = append(merged, model.RecentTransaction{
			Kind:     model.KindPurchase,
			Time:     p.CreatedAt,
			ItemName: p.ItemName,
			ItemType: p.ItemType,
			Quantity: p.Quantity,
			Amount:   p.TotalSpendPrice,
		})
	}
	for _, rec := range sells {
		merged = append(merged, model.RecentTransaction{
			Kind:     model.KindSell,
			Time:     rec.CreatedAt,
			ItemName: rec.ItemName,
			ItemType: rec.ItemType,
			Quantity: rec.Quantity,
			Amount:   rec.TotalSell,
			Profit:   rec.Profit,
		})
	}
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Time.After(merged[j].Time) })
	if len(merged) > total {
		merged = merged[:total]
	}
	return merged, nil
}

// Inventory returns the still-held lots grouped by item, a pure function of
// stored state.
func (s *Service) Inventory(ctx context.Context, userID string) (*InventoryView, error) {
	if userID == "" {
		return nil, ErrValidation
	}

	lots, sells, err := s.lotsAndSells(ctx, userID)
	if err != nil {
		return nil, err
	}
	items, summary := stats.GroupInventory(lots, sells)
	if items == nil {
		items = []model.InventoryItem{}
	}
	return &InventoryView{Items: items, Summary: summary}, nil
}

// AvailableItems lists the purchase lots that can still be sold against.
func (s *Service) AvailableItems(ctx context.Context, userID string) ([]model.AvailableLot, error) {
	if userID == "" {
		return nil, ErrValidation
	}

	lots, sells, err := s.lotsAndSells(ctx, userID)
	if err != nil {
		return nil, err
	}
	avail := stats.AvailableLots(lots, sells)
	if avail == nil {
		avail = []model.AvailableLot{}
	}
	return avail, nil
}

// Stats builds the statistics snapshot over a trailing window of calendar
// months (default 6).
func (s *Service) Stats(ctx context.Context, userID string, trailingMonths int) (*model.Stats, error) {
	if userID == "" {
		return nil, ErrValidation
	}
	if trailingMonths <= 0 {
		trailingMonths = s.trendMonths
	}

	recharges, err := s.store.ListRechargeLots(ctx, userID, store.ListOptions{})
	if err != nil {
		return nil, err
	}
	lots, sells, err := s.lotsAndSells(ctx, userID)
	if err != nil {
		return nil, err
	}

	result := stats.Build(recharges, lots, sells, trailingMonths, s.now())
	if result.CategoryStats == nil {
		result.CategoryStats = []model.CategoryStat{}
	}
	return &result, nil
}

// Records returns one newest-first page of a single collection.
func (s *Service) Records(ctx context.Context, userID string, kind model.RecordKind, page, limit int) (*RecordPage, error) {
	if userID == "" || !kind.Valid() {
		return nil, ErrValidation
	}
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	opt := store.ListOptions{Descending: true, Offset: (page - 1) * limit, Limit: limit}
	out := &RecordPage{Kind: kind, Page: page, Limit: limit}

	var err error
	switch kind {
	case model.KindRecharge:
		out.Recharges, err = s.store.ListRechargeLots(ctx, userID, opt)
	case model.KindPurchase:
		out.Purchases, err = s.store.ListPurchaseLots(ctx, userID, opt)
	case model.KindSell:
		out.Sells, err = s.store.ListSellRecords(ctx, userID, opt)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ClearUserData removes all four collections for the user in one unit.
func (s *Service) ClearUserData(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrValidation
	}
	if err := s.store.ClearUser(ctx, userID); err != nil {
		return err
	}
	slog.Info("user data cleared", "user", userID)
	s.publish(Event{Type: EventClear, UserID: userID})
	return nil
}

func (s *Service) lotsAndSells(ctx context.Context, userID string) ([]model.PurchaseLot, []model.SellRecord, error) {
	lots, err := s.store.ListPurchaseLots(ctx, userID, store.ListOptions{})
	if err != nil {
		return nil, nil, err
	}
	sells, err := s.store.ListSellRecords(ctx, userID, store.ListOptions{})
	if err != nil {
		return nil, nil, err
	}
	return lots, sells, nil
}

func (s *Service) publish(ev Event) {
	if s.hub != nil {
		s.hub.Broadcast(ev)
	}
}
