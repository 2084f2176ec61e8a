package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/tradestash/ledger-engine/internal/ledger"
	"github.com/tradestash/ledger-engine/internal/model"
	"github.com/tradestash/ledger-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newTestEnv creates a test Service with an in-memory store.
func newTestEnv(t *testing.T) (*ledger.Service, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	return ledger.NewService(ms, nil), ms
}

func mustRecharge(t *testing.T, svc *ledger.Service, user string, cost, spend float64) *model.RechargeLot {
	t.Helper()
	lot, err := svc.Recharge(context.Background(), user, d(cost), d(spend))
	if err != nil {
		t.Fatalf("recharge failed: %v", err)
	}
	return lot
}

func mustPurchase(t *testing.T, svc *ledger.Service, user, name, typ string, qty int64, unit float64) *model.PurchaseLot {
	t.Helper()
	lot, err := svc.Purchase(context.Background(), user, name, typ, qty, d(unit))
	if err != nil {
		t.Fatalf("purchase failed: %v", err)
	}
	return lot
}

// --- Recharge ---

func TestRecharge_FixesRateAtFourDecimals(t *testing.T) {
	svc, _ := newTestEnv(t)

	lot := mustRecharge(t, svc, "user1", 700, 100)
	if !lot.Rate.Equal(d(7)) {
		t.Errorf("rate = %s, want 7", lot.Rate)
	}
	if !lot.RemainingSpend.Equal(d(100)) {
		t.Errorf("remaining = %s, want 100", lot.RemainingSpend)
	}

	lot = mustRecharge(t, svc, "user1", 100, 30)
	if !lot.Rate.Equal(d(3.3333)) {
		t.Errorf("rate = %s, want 3.3333", lot.Rate)
	}
}

func TestRecharge_BalanceAveragesAcrossDeposits(t *testing.T) {
	svc, _ := newTestEnv(t)

	mustRecharge(t, svc, "user1", 700, 100)
	mustRecharge(t, svc, "user1", 360, 50)

	info, err := svc.Balance(context.Background(), "user1")
	if err != nil {
		t.Fatalf("balance failed: %v", err)
	}
	if !info.Balance.SpendBalance.Equal(d(150)) {
		t.Errorf("spend balance = %s, want 150", info.Balance.SpendBalance)
	}
	if !info.Balance.CostTotal.Equal(d(1060)) {
		t.Errorf("cost total = %s, want 1060", info.Balance.CostTotal)
	}
	// 1060 / 150 rounded to 4 places.
	if !info.Balance.AverageRate.Equal(d(7.0667)) {
		t.Errorf("average rate = %s, want 7.0667", info.Balance.AverageRate)
	}
}

func TestRecharge_RejectsNonPositiveAmounts(t *testing.T) {
	svc, _ := newTestEnv(t)

	if _, err := svc.Recharge(context.Background(), "user1", d(0), d(100)); !errors.Is(err, ledger.ErrValidation) {
		t.Errorf("zero cost: got %v, want validation error", err)
	}
	if _, err := svc.Recharge(context.Background(), "user1", d(100), d(-5)); !errors.Is(err, ledger.ErrValidation) {
		t.Errorf("negative spend: got %v, want validation error", err)
	}
}

// --- Purchase ---

func TestPurchase_AllocatesAcrossLotsOldestFirst(t *testing.T) {
	svc, _ := newTestEnv(t)
	mustRecharge(t, svc, "user1", 700, 100)
	second := mustRecharge(t, svc, "user1", 360, 50)

	lot := mustPurchase(t, svc, "user1", "widget", "tools", 12, 10)

	// 100 spend at 7.0 plus 20 spend at 7.2.
	if !lot.AllocatedCost.Equal(d(844)) {
		t.Errorf("allocated cost = %s, want 844", lot.AllocatedCost)
	}
	if len(lot.AllocationTrail) != 2 {
		t.Fatalf("trail length = %d, want 2", len(lot.AllocationTrail))
	}
	if !lot.AllocationTrail[0].CostContributed.Equal(d(700)) {
		t.Errorf("first trail cost = %s, want 700", lot.AllocationTrail[0].CostContributed)
	}
	if !lot.AllocationTrail[1].SpendConsumed.Equal(d(20)) {
		t.Errorf("second trail spend = %s, want 20", lot.AllocationTrail[1].SpendConsumed)
	}

	// Second lot keeps 30 remaining; balance drops to 30 spend.
	got, err := svc.Records(context.Background(), "user1", model.KindRecharge, 1, 10)
	if err != nil {
		t.Fatalf("records failed: %v", err)
	}
	for _, r := range got.Recharges {
		if r.ID == second.ID && !r.RemainingSpend.Equal(d(30)) {
			t.Errorf("second lot remaining = %s, want 30", r.RemainingSpend)
		}
	}

	info, _ := svc.Balance(context.Background(), "user1")
	if !info.Balance.SpendBalance.Equal(d(30)) {
		t.Errorf("spend balance = %s, want 30", info.Balance.SpendBalance)
	}
	if !info.Balance.CostTotal.Equal(d(216)) {
		t.Errorf("cost total = %s, want 216", info.Balance.CostTotal)
	}
}

func TestPurchase_InsufficientFundsLeavesStateUntouched(t *testing.T) {
	svc, _ := newTestEnv(t)
	mustRecharge(t, svc, "user1", 700, 100)

	_, err := svc.Purchase(context.Background(), "user1", "widget", "tools", 11, d(10))
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("got %v, want insufficient funds", err)
	}

	info, _ := svc.Balance(context.Background(), "user1")
	if !info.Balance.SpendBalance.Equal(d(100)) {
		t.Errorf("spend balance = %s, want 100 (unchanged)", info.Balance.SpendBalance)
	}
	page, _ := svc.Records(context.Background(), "user1", model.KindPurchase, 1, 10)
	if len(page.Purchases) != 0 {
		t.Errorf("purchase count = %d, want 0", len(page.Purchases))
	}
}

func TestPurchase_ToleranceCoversSubCentShortfall(t *testing.T) {
	svc, _ := newTestEnv(t)
	mustRecharge(t, svc, "user1", 700, 100)

	// Target 100.01 against 100 available: inside tolerance.
	lot, err := svc.Purchase(context.Background(), "user1", "widget", "tools", 1, d(100.01))
	if err != nil {
		t.Fatalf("purchase failed: %v", err)
	}
	if !lot.AllocatedCost.Equal(d(700)) {
		t.Errorf("allocated cost = %s, want 700", lot.AllocatedCost)
	}
}

// --- Sell ---

func TestSell_ProRatesCostBasisFromLot(t *testing.T) {
	svc, _ := newTestEnv(t)
	mustRecharge(t, svc, "user1", 3500, 500)
	lot := mustPurchase(t, svc, "user1", "widget", "tools", 10, 10)

	rec, err := svc.Sell(context.Background(), "user1", lot.ID, 4, d(80))
	if err != nil {
		t.Fatalf("sell failed: %v", err)
	}
	// Lot cost 700, basis 70/unit: 4 units cost 280, sold for 320.
	if !rec.TotalCost.Equal(d(280)) {
		t.Errorf("total cost = %s, want 280", rec.TotalCost)
	}
	if !rec.TotalSell.Equal(d(320)) {
		t.Errorf("total sell = %s, want 320", rec.TotalSell)
	}
	if !rec.Profit.Equal(d(40)) {
		t.Errorf("profit = %s, want 40", rec.Profit)
	}
	if rec.ItemName != "widget" || rec.ItemType != "tools" {
		t.Errorf("item = %s/%s, want widget/tools", rec.ItemName, rec.ItemType)
	}
}

func TestSell_NeverTouchesBalance(t *testing.T) {
	svc, _ := newTestEnv(t)
	mustRecharge(t, svc, "user1", 700, 100)
	lot := mustPurchase(t, svc, "user1", "widget", "tools", 10, 10)

	before, _ := svc.Balance(context.Background(), "user1")
	if _, err := svc.Sell(context.Background(), "user1", lot.ID, 10, d(99)); err != nil {
		t.Fatalf("sell failed: %v", err)
	}
	after, _ := svc.Balance(context.Background(), "user1")

	if !after.Balance.SpendBalance.Equal(before.Balance.SpendBalance) {
		t.Errorf("spend balance changed: %s -> %s", before.Balance.SpendBalance, after.Balance.SpendBalance)
	}
	if !after.Balance.CostTotal.Equal(before.Balance.CostTotal) {
		t.Errorf("cost total changed: %s -> %s", before.Balance.CostTotal, after.Balance.CostTotal)
	}
}

func TestSell_RejectsOversell(t *testing.T) {
	svc, _ := newTestEnv(t)
	mustRecharge(t, svc, "user1", 700, 100)
	lot := mustPurchase(t, svc, "user1", "widget", "tools", 10, 10)

	if _, err := svc.Sell(context.Background(), "user1", lot.ID, 6, d(12)); err != nil {
		t.Fatalf("first sell failed: %v", err)
	}
	if _, err := svc.Sell(context.Background(), "user1", lot.ID, 5, d(12)); !errors.Is(err, ledger.ErrOversell) {
		t.Fatalf("got %v, want oversell", err)
	}
	// Remaining 4 still sellable.
	if _, err := svc.Sell(context.Background(), "user1", lot.ID, 4, d(12)); err != nil {
		t.Fatalf("remaining sell failed: %v", err)
	}
	if _, err := svc.Sell(context.Background(), "user1", lot.ID, 1, d(12)); !errors.Is(err, ledger.ErrOversell) {
		t.Fatalf("got %v, want oversell on exhausted lot", err)
	}
}

func TestSell_RejectsForeignLot(t *testing.T) {
	svc, _ := newTestEnv(t)
	mustRecharge(t, svc, "user1", 700, 100)
	lot := mustPurchase(t, svc, "user1", "widget", "tools", 10, 10)

	if _, err := svc.Sell(context.Background(), "user2", lot.ID, 1, d(12)); !errors.Is(err, ledger.ErrOwnership) {
		t.Errorf("got %v, want ownership error", err)
	}
	if _, err := svc.Sell(context.Background(), "user1", "no-such-lot", 1, d(12)); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("got %v, want not found", err)
	}
}

// --- Delete ---

func TestDelete_PurchaseRestoresBalance(t *testing.T) {
	svc, _ := newTestEnv(t)
	mustRecharge(t, svc, "user1", 3500, 500)
	lot := mustPurchase(t, svc, "user1", "widget", "tools", 10, 10)

	before, _ := svc.Balance(context.Background(), "user1")
	if !before.Balance.SpendBalance.Equal(d(400)) {
		t.Fatalf("spend after purchase = %s, want 400", before.Balance.SpendBalance)
	}

	if err := svc.Delete(context.Background(), "user1", model.KindPurchase, lot.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	after, _ := svc.Balance(context.Background(), "user1")
	if !after.Balance.SpendBalance.Equal(d(500)) {
		t.Errorf("spend balance = %s, want 500", after.Balance.SpendBalance)
	}
	if !after.Balance.CostTotal.Equal(d(3500)) {
		t.Errorf("cost total = %s, want 3500", after.Balance.CostTotal)
	}
	page, _ := svc.Records(context.Background(), "user1", model.KindPurchase, 1, 10)
	if len(page.Purchases) != 0 {
		t.Errorf("purchase count = %d, want 0", len(page.Purchases))
	}
}

func TestDelete_PurchaseRefusedWhileSellsExist(t *testing.T) {
	svc, _ := newTestEnv(t)
	mustRecharge(t, svc, "user1", 700, 100)
	lot := mustPurchase(t, svc, "user1", "widget", "tools", 10, 10)
	rec, err := svc.Sell(context.Background(), "user1", lot.ID, 2, d(12))
	if err != nil {
		t.Fatalf("sell failed: %v", err)
	}

	if err := svc.Delete(context.Background(), "user1", model.KindPurchase, lot.ID); !errors.Is(err, ledger.ErrLotHasSells) {
		t.Fatalf("got %v, want lot-has-sells", err)
	}

	// After the sell goes, the lot becomes deletable.
	if err := svc.Delete(context.Background(), "user1", model.KindSell, rec.ID); err != nil {
		t.Fatalf("sell delete failed: %v", err)
	}
	if err := svc.Delete(context.Background(), "user1", model.KindPurchase, lot.ID); err != nil {
		t.Fatalf("purchase delete failed: %v", err)
	}
}

func TestDelete_RechargeRefusedOnceConsumed(t *testing.T) {
	svc, _ := newTestEnv(t)
	lot := mustRecharge(t, svc, "user1", 700, 100)
	mustPurchase(t, svc, "user1", "widget", "tools", 1, 10)

	if err := svc.Delete(context.Background(), "user1", model.KindRecharge, lot.ID); !errors.Is(err, ledger.ErrRechargeConsumed) {
		t.Errorf("got %v, want recharge-consumed", err)
	}
}

func TestDelete_UnconsumedRechargeReversesDeposit(t *testing.T) {
	svc, _ := newTestEnv(t)
	mustRecharge(t, svc, "user1", 700, 100)
	lot := mustRecharge(t, svc, "user1", 360, 50)

	if err := svc.Delete(context.Background(), "user1", model.KindRecharge, lot.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	info, _ := svc.Balance(context.Background(), "user1")
	if !info.Balance.SpendBalance.Equal(d(100)) {
		t.Errorf("spend balance = %s, want 100", info.Balance.SpendBalance)
	}
	if !info.Balance.CostTotal.Equal(d(700)) {
		t.Errorf("cost total = %s, want 700", info.Balance.CostTotal)
	}
}

func TestDelete_SellRestoresLotQuantity(t *testing.T) {
	svc, _ := newTestEnv(t)
	mustRecharge(t, svc, "user1", 700, 100)
	lot := mustPurchase(t, svc, "user1", "widget", "tools", 10, 10)
	rec, err := svc.Sell(context.Background(), "user1", lot.ID, 10, d(12))
	if err != nil {
		t.Fatalf("sell failed: %v", err)
	}

	before, _ := svc.Balance(context.Background(), "user1")
	if err := svc.Delete(context.Background(), "user1", model.KindSell, rec.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	after, _ := svc.Balance(context.Background(), "user1")

	if !after.Balance.SpendBalance.Equal(before.Balance.SpendBalance) {
		t.Errorf("spend balance changed by sell delete")
	}
	// Full quantity sellable again.
	if _, err := svc.Sell(context.Background(), "user1", lot.ID, 10, d(12)); err != nil {
		t.Errorf("re-sell after delete failed: %v", err)
	}
}

func TestDelete_OwnershipCheckedBeforePolicy(t *testing.T) {
	svc, _ := newTestEnv(t)
	lot := mustRecharge(t, svc, "user1", 700, 100)

	if err := svc.Delete(context.Background(), "user2", model.KindRecharge, lot.ID); !errors.Is(err, ledger.ErrOwnership) {
		t.Errorf("got %v, want ownership error", err)
	}
	if err := svc.Delete(context.Background(), "user1", model.KindRecharge, "missing"); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("got %v, want not found", err)
	}
	if err := svc.Delete(context.Background(), "user1", "bogus", lot.ID); !errors.Is(err, ledger.ErrValidation) {
		t.Errorf("got %v, want validation error", err)
	}
}

// --- Queries ---

func TestBalance_ZeroBeforeFirstDeposit(t *testing.T) {
	svc, _ := newTestEnv(t)

	info, err := svc.Balance(context.Background(), "fresh-user")
	if err != nil {
		t.Fatalf("balance failed: %v", err)
	}
	if !info.Balance.SpendBalance.IsZero() || !info.Balance.CostTotal.IsZero() {
		t.Errorf("expected zero aggregate, got %+v", info.Balance)
	}
	if len(info.Recent) != 0 {
		t.Errorf("recent = %d entries, want 0", len(info.Recent))
	}
}

func TestBalance_RecentMergesNewestFiveAcrossKinds(t *testing.T) {
	svc, _ := newTestEnv(t)
	mustRecharge(t, svc, "user1", 7000, 1000)
	mustRecharge(t, svc, "user1", 720, 100)
	lot := mustPurchase(t, svc, "user1", "widget", "tools", 10, 10)
	mustPurchase(t, svc, "user1", "gadget", "tools", 5, 20)
	if _, err := svc.Sell(context.Background(), "user1", lot.ID, 2, d(15)); err != nil {
		t.Fatalf("sell failed: %v", err)
	}
	if _, err := svc.Sell(context.Background(), "user1", lot.ID, 3, d(15)); err != nil {
		t.Fatalf("sell failed: %v", err)
	}

	info, err := svc.Balance(context.Background(), "user1")
	if err != nil {
		t.Fatalf("balance failed: %v", err)
	}
	if len(info.Recent) != 5 {
		t.Fatalf("recent = %d entries, want 5", len(info.Recent))
	}
	for i := 1; i < len(info.Recent); i++ {
		if info.Recent[i].Time.After(info.Recent[i-1].Time) {
			t.Errorf("recent not newest-first at %d", i)
		}
	}
	// Six events total, so the oldest recharge falls off.
	counts := map[model.RecordKind]int{}
	for _, r := range info.Recent {
		counts[r.Kind]++
	}
	if counts[model.KindSell] != 2 || counts[model.KindPurchase] != 2 || counts[model.KindRecharge] != 1 {
		t.Errorf("kind mix = %v, want 1 recharge, 2 purchases, 2 sells", counts)
	}
}

func TestRecords_PagesNewestFirst(t *testing.T) {
	svc, _ := newTestEnv(t)
	mustRecharge(t, svc, "user1", 70000, 10000)
	for i := 0; i < 5; i++ {
		mustPurchase(t, svc, "user1", "widget", "tools", 1, 10)
	}

	page1, err := svc.Records(context.Background(), "user1", model.KindPurchase, 1, 2)
	if err != nil {
		t.Fatalf("records failed: %v", err)
	}
	if len(page1.Purchases) != 2 {
		t.Fatalf("page 1 = %d entries, want 2", len(page1.Purchases))
	}
	page3, _ := svc.Records(context.Background(), "user1", model.KindPurchase, 3, 2)
	if len(page3.Purchases) != 1 {
		t.Errorf("page 3 = %d entries, want 1", len(page3.Purchases))
	}
	page9, _ := svc.Records(context.Background(), "user1", model.KindPurchase, 9, 2)
	if len(page9.Purchases) != 0 {
		t.Errorf("page 9 = %d entries, want 0", len(page9.Purchases))
	}
}

func TestInventory_GroupsHeldLots(t *testing.T) {
	svc, _ := newTestEnv(t)
	mustRecharge(t, svc, "user1", 7000, 1000)
	lot := mustPurchase(t, svc, "user1", "widget", "tools", 10, 10)
	mustPurchase(t, svc, "user1", "widget", "spares", 4, 5)
	if _, err := svc.Sell(context.Background(), "user1", lot.ID, 10, d(12)); err != nil {
		t.Fatalf("sell failed: %v", err)
	}

	view, err := svc.Inventory(context.Background(), "user1")
	if err != nil {
		t.Fatalf("inventory failed: %v", err)
	}
	// Same name, different type: distinct item. The sold-out lot vanishes.
	if len(view.Items) != 1 {
		t.Fatalf("items = %d, want 1", len(view.Items))
	}
	if view.Items[0].Key.Type != "spares" {
		t.Errorf("surviving item type = %s, want spares", view.Items[0].Key.Type)
	}
	if view.Summary.TotalRemaining != 4 {
		t.Errorf("total remaining = %d, want 4", view.Summary.TotalRemaining)
	}
}

func TestAvailableItems_ExcludesExhaustedLots(t *testing.T) {
	svc, _ := newTestEnv(t)
	mustRecharge(t, svc, "user1", 7000, 1000)
	sold := mustPurchase(t, svc, "user1", "widget", "tools", 2, 10)
	open := mustPurchase(t, svc, "user1", "gadget", "tools", 3, 10)
	if _, err := svc.Sell(context.Background(), "user1", sold.ID, 2, d(12)); err != nil {
		t.Fatalf("sell failed: %v", err)
	}

	avail, err := svc.AvailableItems(context.Background(), "user1")
	if err != nil {
		t.Fatalf("available failed: %v", err)
	}
	if len(avail) != 1 {
		t.Fatalf("available = %d lots, want 1", len(avail))
	}
	if avail[0].LotID != open.ID {
		t.Errorf("available lot = %s, want %s", avail[0].LotID, open.ID)
	}
	if avail[0].Remaining != 3 {
		t.Errorf("remaining = %d, want 3", avail[0].Remaining)
	}
}

func TestStats_LifetimeTotals(t *testing.T) {
	svc, _ := newTestEnv(t)
	mustRecharge(t, svc, "user1", 700, 100)
	mustRecharge(t, svc, "user1", 360, 50)
	lot := mustPurchase(t, svc, "user1", "widget", "tools", 10, 10)
	if _, err := svc.Sell(context.Background(), "user1", lot.ID, 4, d(80)); err != nil {
		t.Fatalf("sell failed: %v", err)
	}

	st, err := svc.Stats(context.Background(), "user1", 0)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if !st.TotalInvestment.Equal(d(1060)) {
		t.Errorf("total investment = %s, want 1060", st.TotalInvestment)
	}
	if !st.TotalIncome.Equal(d(320)) {
		t.Errorf("total income = %s, want 320", st.TotalIncome)
	}
	if len(st.MonthlyTrend) != 6 {
		t.Errorf("trend = %d buckets, want default 6", len(st.MonthlyTrend))
	}
}

func TestClearUserData_RemovesEverythingForOneUser(t *testing.T) {
	svc, _ := newTestEnv(t)
	mustRecharge(t, svc, "user1", 700, 100)
	mustPurchase(t, svc, "user1", "widget", "tools", 1, 10)
	mustRecharge(t, svc, "user2", 360, 50)

	if err := svc.ClearUserData(context.Background(), "user1"); err != nil {
		t.Fatalf("clear failed: %v", err)
	}

	info, _ := svc.Balance(context.Background(), "user1")
	if !info.Balance.SpendBalance.IsZero() {
		t.Errorf("user1 spend = %s, want 0", info.Balance.SpendBalance)
	}
	page, _ := svc.Records(context.Background(), "user1", model.KindPurchase, 1, 10)
	if len(page.Purchases) != 0 {
		t.Errorf("user1 purchases = %d, want 0", len(page.Purchases))
	}
	other, _ := svc.Balance(context.Background(), "user2")
	if !other.Balance.SpendBalance.Equal(d(50)) {
		t.Errorf("user2 spend = %s, want 50 (untouched)", other.Balance.SpendBalance)
	}
}

// --- Concurrency ---

func TestPurchase_ConcurrentAllocationsNeverOverdraw(t *testing.T) {
	svc, _ := newTestEnv(t)
	mustRecharge(t, svc, "user1", 700, 100)

	const workers = 8
	var wg sync.WaitGroup
	okCh := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Purchase(context.Background(), "user1", "widget", "tools", 3, d(10))
			okCh <- err == nil
		}()
	}
	wg.Wait()
	close(okCh)

	var succeeded int
	for ok := range okCh {
		if ok {
			succeeded++
		}
	}
	// 100 spend funds at most three 30-spend purchases.
	if succeeded > 3 {
		t.Errorf("%d purchases succeeded, at most 3 fundable", succeeded)
	}

	info, _ := svc.Balance(context.Background(), "user1")
	if info.Balance.SpendBalance.IsNegative() {
		t.Errorf("spend balance went negative: %s", info.Balance.SpendBalance)
	}
}

func TestSell_ConcurrentSellsNeverExceedLot(t *testing.T) {
	svc, _ := newTestEnv(t)
	mustRecharge(t, svc, "user1", 700, 100)
	lot := mustPurchase(t, svc, "user1", "widget", "tools", 10, 10)

	const workers = 8
	var wg sync.WaitGroup
	okCh := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Sell(context.Background(), "user1", lot.ID, 3, d(12))
			okCh <- err == nil
		}()
	}
	wg.Wait()
	close(okCh)

	var succeeded int
	for ok := range okCh {
		if ok {
			succeeded++
		}
	}
	if succeeded > 3 {
		t.Errorf("%d sells of 3 succeeded on a 10-unit lot", succeeded)
	}

	page, _ := svc.Records(context.Background(), "user1", model.KindSell, 1, 20)
	var sold int64
	for _, rec := range page.Sells {
		sold += rec.Quantity
	}
	if sold > 10 {
		t.Errorf("total sold = %d, exceeds lot quantity 10", sold)
	}
}
