// Package model defines the core domain types shared across the ledger engine.
// All monetary values use shopspring/decimal — never float64 for money.
//
// Two currency units appear throughout: the "spend" unit that funds
// purchases, and the "cost" unit that was paid in to acquire spend. Each
// recharge links the two with its own exchange rate.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// RecordKind identifies one of the three mutable record collections.
type RecordKind string

const (
	KindRecharge RecordKind = "recharge"
	KindPurchase RecordKind = "purchase"
	KindSell     RecordKind = "sell"
)

// Valid reports whether k names a known record collection.
func (k RecordKind) Valid() bool {
	return k == KindRecharge || k == KindPurchase || k == KindSell
}

// RechargeLot is one funding deposit. RemainingSpend starts equal to
// FundedSpend and only decreases as purchases draw it down FIFO.
// Invariant: 0 <= RemainingSpend <= FundedSpend.
type RechargeLot struct {
	ID             string          `json:"id" db:"id"`
	UserID         string          `json:"user_id" db:"user_id"`
	DepositedCost  decimal.Decimal `json:"deposited_cost" db:"deposited_cost"`
	FundedSpend    decimal.Decimal `json:"funded_spend" db:"funded_spend"`
	Rate           decimal.Decimal `json:"rate" db:"rate"` // deposited_cost / funded_spend, 4dp
	RemainingSpend decimal.Decimal `json:"remaining_spend" db:"remaining_spend"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// AllocationEntry records how much of one recharge lot funded a purchase.
type AllocationEntry struct {
	RechargeLotID   string          `json:"recharge_lot_id"`
	SpendConsumed   decimal.Decimal `json:"spend_consumed"`
	RateUsed        decimal.Decimal `json:"rate_used"`
	CostContributed decimal.Decimal `json:"cost_contributed"` // round2(spend_consumed * rate_used)
}

// PurchaseLot is one acquisition event, the unit sells are matched against.
// Immutable once created; removable only by deletion.
//
// Invariants: sum(trail.SpendConsumed) == TotalSpendPrice within 0.01 spend
// units; AllocatedCost == sum(trail.CostContributed).
type PurchaseLot struct {
	ID              string            `json:"id" db:"id"`
	UserID          string            `json:"user_id" db:"user_id"`
	ItemName        string            `json:"item_name" db:"item_name"`
	ItemType        string            `json:"item_type" db:"item_type"`
	Quantity        int64             `json:"quantity" db:"quantity"`
	UnitSpendPrice  decimal.Decimal   `json:"unit_spend_price" db:"unit_spend_price"`
	TotalSpendPrice decimal.Decimal   `json:"total_spend_price" db:"total_spend_price"`
	AllocatedCost   decimal.Decimal   `json:"allocated_cost" db:"allocated_cost"`
	AllocationTrail []AllocationEntry `json:"allocation_trail" db:"allocation_trail"`
	CreatedAt       time.Time         `json:"created_at" db:"created_at"`
}

// UnitCostBasis returns the lot's allocated cost per unit.
func (p *PurchaseLot) UnitCostBasis() decimal.Decimal {
	if p.Quantity <= 0 {
		return decimal.Zero
	}
	return p.AllocatedCost.Div(decimal.NewFromInt(p.Quantity))
}

// SellRecord ties a sale to exactly one purchase lot — never a cross-lot
// blend. All four money figures are rounded snapshots taken at sell time.
type SellRecord struct {
	ID            string          `json:"id" db:"id"`
	UserID        string          `json:"user_id" db:"user_id"`
	PurchaseLotID string          `json:"purchase_lot_id" db:"purchase_lot_id"`
	ItemName      string          `json:"item_name" db:"item_name"`
	ItemType      string          `json:"item_type" db:"item_type"`
	Quantity      int64           `json:"quantity" db:"quantity"`
	UnitCostBasis decimal.Decimal `json:"unit_cost_basis" db:"unit_cost_basis"` // lot cost / lot quantity
	UnitSellPrice decimal.Decimal `json:"unit_sell_price" db:"unit_sell_price"`
	TotalCost     decimal.Decimal `json:"total_cost" db:"total_cost"`
	TotalSell     decimal.Decimal `json:"total_sell" db:"total_sell"`
	Profit        decimal.Decimal `json:"profit" db:"profit"` // total_sell - total_cost
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// BalanceAggregate caches running totals per user. At any quiescent point it
// must equal the figures recomputable from the lot detail.
type BalanceAggregate struct {
	UserID       string          `json:"user_id" db:"user_id"`
	SpendBalance decimal.Decimal `json:"spend_balance" db:"spend_balance"`
	CostTotal    decimal.Decimal `json:"cost_total" db:"cost_total"`
	AverageRate  decimal.Decimal `json:"average_rate" db:"average_rate"` // cost_total / spend_balance, 0 if spend <= 0
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// ItemKey groups inventory by name and type without delimiter tricks.
type ItemKey struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// InventoryLot is one purchase lot's contribution to an inventory group.
type InventoryLot struct {
	LotID         string          `json:"lot_id"`
	Quantity      int64           `json:"quantity"`
	Remaining     int64           `json:"remaining"`
	UnitCostBasis decimal.Decimal `json:"unit_cost_basis"`
	RemainingCost decimal.Decimal `json:"remaining_cost"`
	CreatedAt     time.Time       `json:"created_at"`
}

// InventoryItem aggregates the still-held lots of one (name, type) group.
// Group totals are simple sums of member lot figures.
type InventoryItem struct {
	Key             ItemKey         `json:"key"`
	TotalQuantity   int64           `json:"total_quantity"`
	Remaining       int64           `json:"remaining"`
	RemainingCost   decimal.Decimal `json:"remaining_cost"`
	Lots            []InventoryLot  `json:"lots"`
	FirstPurchaseAt time.Time       `json:"first_purchase_at"`
	LastPurchaseAt  time.Time       `json:"last_purchase_at"`
}

// InventorySummary totals an inventory snapshot.
type InventorySummary struct {
	TotalRemaining int64           `json:"total_remaining"`
	TotalCost      decimal.Decimal `json:"total_cost"`
}

// TransactionPair is one purchase lot with at least one sell against it,
// the unit of realized-profit statistics.
type TransactionPair struct {
	PurchaseLotID string          `json:"purchase_lot_id"`
	ItemName      string          `json:"item_name"`
	ItemType      string          `json:"item_type"`
	LotQuantity   int64           `json:"lot_quantity"`
	SoldQuantity  int64           `json:"sold_quantity"`
	SellRatio     decimal.Decimal `json:"sell_ratio"`     // sold / lot quantity
	ProRatedCost  decimal.Decimal `json:"pro_rated_cost"` // allocated cost * ratio
	RealizedSell  decimal.Decimal `json:"realized_sell"`  // sum of sells' total_sell
	Profit        decimal.Decimal `json:"profit"`
	LatestSellAt  time.Time       `json:"latest_sell_at"`
}

// CategoryStat sums completed-pair figures per item type.
type CategoryStat struct {
	ItemType     string          `json:"item_type"`
	SoldQuantity int64           `json:"sold_quantity"`
	ProRatedCost decimal.Decimal `json:"pro_rated_cost"`
	RealizedSell decimal.Decimal `json:"realized_sell"`
	Profit       decimal.Decimal `json:"profit"`
}

// MonthBucket is one calendar month of the realized-profit trend,
// keyed "YYYY-MM".
type MonthBucket struct {
	Month        string          `json:"month"`
	ProRatedCost decimal.Decimal `json:"pro_rated_cost"`
	RealizedSell decimal.Decimal `json:"realized_sell"`
	Profit       decimal.Decimal `json:"profit"`
}

// Stats is the read-only statistics snapshot for one user.
type Stats struct {
	TotalProfit     decimal.Decimal `json:"total_profit"`     // lifetime Σ total_sell − Σ allocated_cost
	CompletedProfit decimal.Decimal `json:"completed_profit"` // over completed pairs only
	CompletedCost   decimal.Decimal `json:"completed_cost"`
	CompletedPairs  int             `json:"completed_pairs"`
	InventoryCost   decimal.Decimal `json:"inventory_cost"`
	InventoryItems  int64           `json:"inventory_items"`
	TotalInvestment decimal.Decimal `json:"total_investment"` // lifetime Σ deposited_cost
	TotalIncome     decimal.Decimal `json:"total_income"`     // lifetime Σ total_sell
	AverageRate     decimal.Decimal `json:"average_rate"`
	CategoryStats   []CategoryStat  `json:"category_stats"`
	MonthlyTrend    []MonthBucket   `json:"monthly_trend"`
}

// RecentTransaction is one entry of the merged newest-first activity feed
// returned with the balance. Only the fields for its kind are populated.
type RecentTransaction struct {
	Kind          RecordKind      `json:"kind"`
	Time          time.Time       `json:"time"`
	DepositedCost decimal.Decimal `json:"deposited_cost,omitempty"`
	FundedSpend   decimal.Decimal `json:"funded_spend,omitempty"`
	Rate          decimal.Decimal `json:"rate,omitempty"`
	ItemName      string          `json:"item_name,omitempty"`
	ItemType      string          `json:"item_type,omitempty"`
	Quantity      int64           `json:"quantity,omitempty"`
	Amount        decimal.Decimal `json:"amount,omitempty"` // spend for purchases, cost for sells
	Profit        decimal.Decimal `json:"profit,omitempty"`
}

// AvailableLot is a purchase lot that can still be sold against, reported
// with its remaining quantity and the pro-rated remaining cost.
type AvailableLot struct {
	LotID          string          `json:"lot_id"`
	ItemName       string          `json:"item_name"`
	ItemType       string          `json:"item_type"`
	Quantity       int64           `json:"quantity"`
	Remaining      int64           `json:"remaining"`
	UnitSpendPrice decimal.Decimal `json:"unit_spend_price"`
	UnitCostBasis  decimal.Decimal `json:"unit_cost_basis"`
	RemainingCost  decimal.Decimal `json:"remaining_cost"`
	CreatedAt      time.Time       `json:"created_at"`
}
