package exchange

import (
	"sync"
	"testing"
	"time"

	"github.com/hollowforge/tradepost/params"
	"github.com/hollowforge/tradepost/pkg/exchange/account"
	"github.com/hollowforge/tradepost/pkg/exchange/memledger"
	"github.com/hollowforge/tradepost/pkg/exchange/order"
	"github.com/hollowforge/tradepost/pkg/util"
)

type fixture struct {
	ex     *Coordinator
	wallet *memledger.Wallet
	inv    *memledger.Inventory
	clock  *util.ManualClock
}

// newFixture builds an in-memory exchange with cooldowns disabled; tests
// that exercise rate limiting opt back in through cfg mutation.
func newFixture(t *testing.T, mutate func(*params.Config)) *fixture {
	t.Helper()

	cfg := params.Default()
	cfg.Cooldowns = params.Cooldowns{}
	if mutate != nil {
		mutate(&cfg)
	}

	clock := util.NewManualClock(time.UnixMilli(1_000_000))
	wallet := memledger.NewWallet()
	inv := memledger.NewInventory()
	ex := New(cfg, wallet, inv, nil, clock, nil)

	return &fixture{ex: ex, wallet: wallet, inv: inv, clock: clock}
}

// listSell stages and posts an enabled sell offer, failing the test on any
// non-success result.
func (f *fixture) listSell(t *testing.T, owner order.PlayerID, item order.ItemKind, qty, price int64) int64 {
	t.Helper()

	f.inv.Grant(owner, item, qty)
	if res := f.ex.StageSellItems(owner, "", item, qty); !res.OK() {
		t.Fatalf("stage: %v", res)
	}
	id, res := f.ex.CreateSellOffer(owner, "", price)
	if !res.OK() {
		t.Fatalf("create sell: %v", res)
	}
	slot := f.slotOfSell(t, owner, id)
	if res := f.ex.EnableSell(owner, slot); !res.OK() {
		t.Fatalf("enable sell: %v", res)
	}
	return id
}

// placeBuy funds, creates and enables a buy order.
func (f *fixture) placeBuy(t *testing.T, owner order.PlayerID, item order.ItemKind, qty, price int64) int64 {
	t.Helper()

	f.wallet.Credit(owner, qty*price)
	id, res := f.ex.CreateBuyOrder(owner, "", item, qty, price, 7)
	if !res.OK() {
		t.Fatalf("create buy: %v", res)
	}
	slot := f.slotOfBuy(t, owner, id)
	if res := f.ex.EnableBuy(owner, slot); !res.OK() {
		t.Fatalf("enable buy: %v", res)
	}
	return id
}

func (f *fixture) slotOfSell(t *testing.T, owner order.PlayerID, id int64) int {
	t.Helper()
	acc := f.ex.Accounts().Snapshot(owner)
	for i, v := range acc.SellSlots {
		if v == id {
			return i
		}
	}
	t.Fatalf("offer %d not in any sell slot", id)
	return -1
}

func (f *fixture) slotOfBuy(t *testing.T, owner order.PlayerID, id int64) int {
	t.Helper()
	acc := f.ex.Accounts().Snapshot(owner)
	for i, v := range acc.BuySlots {
		if v == id {
			return i
		}
	}
	t.Fatalf("order %d not in any buy slot", id)
	return -1
}

func (f *fixture) reconcile(t *testing.T) {
	t.Helper()
	if err := f.ex.Ledger().Reconcile(f.ex.Repository()); err != nil {
		t.Fatalf("escrow reconcile: %v", err)
	}
}

func TestSellThenMatchingBuy(t *testing.T) {
	f := newFixture(t, nil)

	sellID := f.listSell(t, 1, "ore:iron", 10, 50)
	buyID := f.placeBuy(t, 2, "ore:iron", 10, 50)

	sell := f.ex.Repository().SellOffer(sellID)
	buy := f.ex.Repository().BuyOrder(buyID)
	if sell.Status != order.StatusCompleted {
		t.Errorf("sell status = %v, want completed", sell.Status)
	}
	if buy.Status != order.StatusCompleted {
		t.Errorf("buy status = %v, want completed", buy.Status)
	}

	// Seller got coins, buyer got a collection entry with the goods.
	if got := f.wallet.Balance(1); got != 500 {
		t.Errorf("seller balance = %d, want 500", got)
	}
	buyerAcc := f.ex.Accounts().Snapshot(2)
	if len(buyerAcc.Collection) != 1 || buyerAcc.Collection[0].Item != "ore:iron" || buyerAcc.Collection[0].Qty != 10 {
		t.Errorf("buyer collection = %+v", buyerAcc.Collection)
	}

	// Slots freed, escrow fully released.
	if sellerAcc := f.ex.Accounts().Snapshot(1); sellerAcc.SellSlots[0] != 0 {
		t.Error("seller slot not cleared")
	}
	if buyerAcc.BuySlots[0] != 0 {
		t.Error("buyer slot not cleared")
	}
	if buy.EscrowedCoins != 0 {
		t.Errorf("residual escrow = %d", buy.EscrowedCoins)
	}
	f.reconcile(t)
}

func TestPartialFillAcrossOffers(t *testing.T) {
	f := newFixture(t, nil)

	// Two asks, cheaper one younger; buy for more than the cheap one holds.
	first := f.listSell(t, 1, "ore:iron", 5, 60)
	second := f.listSell(t, 3, "ore:iron", 5, 40)
	buyID := f.placeBuy(t, 2, "ore:iron", 8, 60)

	// Cheap ask consumed first, expensive ask partially.
	if got := f.ex.Repository().SellOffer(second); got.Status != order.StatusCompleted {
		t.Errorf("cheap ask = %v, want completed", got.Status)
	}
	exp := f.ex.Repository().SellOffer(first)
	if exp.Status != order.StatusPartial || exp.QtyRemaining != 2 {
		t.Errorf("expensive ask = %v remaining %d, want partial 2", exp.Status, exp.QtyRemaining)
	}

	buy := f.ex.Repository().BuyOrder(buyID)
	if buy.Status != order.StatusCompleted || buy.QtyRemaining != 0 {
		t.Errorf("buy = %v remaining %d", buy.Status, buy.QtyRemaining)
	}

	// Fills execute at maker prices: 5*40 + 3*60 = 380 spent of 480 escrow.
	if buy.EscrowedCoins != 0 {
		t.Errorf("escrow = %d, want 0 (refund on completion)", buy.EscrowedCoins)
	}
	if got := f.wallet.Balance(2); got != 100 {
		t.Errorf("buyer refund = %d, want 100", got)
	}
	if got := f.wallet.Balance(3); got != 200 {
		t.Errorf("cheap seller proceeds = %d, want 200", got)
	}
	if got := f.wallet.Balance(1); got != 180 {
		t.Errorf("expensive seller proceeds = %d, want 180", got)
	}
	f.reconcile(t)
}

func TestRestingBuyMatchedBySell(t *testing.T) {
	f := newFixture(t, nil)

	buyID := f.placeBuy(t, 2, "gem:ruby", 4, 90)
	sellID := f.listSell(t, 1, "gem:ruby", 4, 80)

	// Maker price wins: the resting bid at 90 pays 90.
	if got := f.wallet.Balance(1); got != 360 {
		t.Errorf("seller proceeds = %d, want 360 (maker price)", got)
	}
	if f.ex.Repository().BuyOrder(buyID).Status != order.StatusCompleted {
		t.Error("resting buy not completed")
	}
	if f.ex.Repository().SellOffer(sellID).Status != order.StatusCompleted {
		t.Error("incoming sell not completed")
	}
	f.reconcile(t)
}

func TestDisableKeepsEscrowEnableTopsUp(t *testing.T) {
	f := newFixture(t, nil)

	buyID := f.placeBuy(t, 2, "ore:iron", 10, 50) // escrow 500, rests
	slot := f.slotOfBuy(t, 2, buyID)

	if res := f.ex.DisableBuy(2, slot); !res.OK() {
		t.Fatalf("disable: %v", res)
	}
	buy := f.ex.Repository().BuyOrder(buyID)
	if buy.Status != order.StatusDisabled || buy.EscrowedCoins != 500 {
		t.Fatalf("disabled buy = %v escrow %d, want disabled 500", buy.Status, buy.EscrowedCoins)
	}
	if f.wallet.Balance(2) != 0 {
		t.Error("disable must not refund")
	}

	// Re-enable needs no extra coins: escrow already covers the remainder.
	if res := f.ex.EnableBuy(2, slot); !res.OK() {
		t.Fatalf("re-enable: %v", res)
	}
	f.reconcile(t)
}

func TestCancelBuyRefunds(t *testing.T) {
	f := newFixture(t, nil)

	buyID := f.placeBuy(t, 2, "ore:iron", 10, 50)
	slot := f.slotOfBuy(t, 2, buyID)

	if res := f.ex.CancelBuy(2, slot); !res.OK() {
		t.Fatalf("cancel: %v", res)
	}
	if got := f.wallet.Balance(2); got != 500 {
		t.Errorf("refund = %d, want 500", got)
	}
	buy := f.ex.Repository().BuyOrder(buyID)
	if buy.Status != order.StatusCancelled || buy.EscrowedCoins != 0 {
		t.Errorf("cancelled buy = %v escrow %d", buy.Status, buy.EscrowedCoins)
	}
	if acc := f.ex.Accounts().Snapshot(2); acc.BuySlots[slot] != 0 {
		t.Error("slot not cleared")
	}

	// Cancelled orders never match.
	f.listSell(t, 1, "ore:iron", 10, 50)
	if f.ex.Repository().SellOffer(2).Status == order.StatusCompleted {
		t.Error("sell matched a cancelled buy")
	}
	f.reconcile(t)
}

func TestCancelSellRoutesGoodsToCollection(t *testing.T) {
	f := newFixture(t, nil)

	sellID := f.listSell(t, 1, "ore:iron", 10, 50)
	f.placeBuy(t, 2, "ore:iron", 3, 50) // partial fill first

	slot := f.slotOfSell(t, 1, sellID)
	if res := f.ex.CancelSell(1, slot); !res.OK() {
		t.Fatalf("cancel: %v", res)
	}

	acc := f.ex.Accounts().Snapshot(1)
	var refund *account.CollectionEntry
	for i := range acc.Collection {
		if acc.Collection[i].Source == "refund" {
			refund = &acc.Collection[i]
		}
	}
	if refund == nil || refund.Qty != 7 || refund.Item != "ore:iron" {
		t.Fatalf("refund entry = %+v, want 7 ore:iron", refund)
	}
	if acc.SellSlots[slot] != 0 {
		t.Error("slot not cleared")
	}
	f.reconcile(t)
}

func TestInsufficientFundsLeavesNoState(t *testing.T) {
	f := newFixture(t, nil)

	f.wallet.Credit(2, 100) // not enough for 10*50
	id, res := f.ex.CreateBuyOrder(2, "", "ore:iron", 10, 50, 7)
	if !res.OK() {
		t.Fatalf("create: %v", res)
	}
	slot := f.slotOfBuy(t, 2, id)

	if res := f.ex.EnableBuy(2, slot); res != InsufficientFunds {
		t.Fatalf("enable = %v, want InsufficientFunds", res)
	}
	buy := f.ex.Repository().BuyOrder(id)
	if buy.Status != order.StatusDisabled || buy.EscrowedCoins != 0 || buy.Enabled {
		t.Errorf("failed enable mutated order: %+v", buy)
	}
	if f.wallet.Balance(2) != 100 {
		t.Error("failed enable touched the wallet")
	}
	f.reconcile(t)
}

func TestStagingAllOrNothing(t *testing.T) {
	f := newFixture(t, nil)

	f.inv.Grant(1, "ore:iron", 3)
	if res := f.ex.StageSellItems(1, "", "ore:iron", 10); res != InsufficientInventory {
		t.Fatalf("stage = %v, want InsufficientInventory", res)
	}
	// The partial removal went back.
	if got := f.inv.Count(1, "ore:iron"); got != 3 {
		t.Errorf("inventory = %d, want 3", got)
	}
	if acc := f.ex.Accounts().Snapshot(1); acc.Staging != nil {
		t.Error("failed stage left items staged")
	}
}

func TestPriceBounds(t *testing.T) {
	f := newFixture(t, func(cfg *params.Config) {
		cfg.Exchange.MinPrice = 10
		cfg.Exchange.MaxPrice = 100
	})

	f.inv.Grant(1, "ore:iron", 5)
	if res := f.ex.StageSellItems(1, "", "ore:iron", 5); !res.OK() {
		t.Fatal(res)
	}
	if _, res := f.ex.CreateSellOffer(1, "", 9); res != PriceOutOfRange {
		t.Errorf("below min = %v, want PriceOutOfRange", res)
	}
	if _, res := f.ex.CreateSellOffer(1, "", 101); res != PriceOutOfRange {
		t.Errorf("above max = %v, want PriceOutOfRange", res)
	}
	if _, res := f.ex.CreateSellOffer(1, "", 100); !res.OK() {
		t.Errorf("at max = %v, want Success", res)
	}
}

func TestRateLimiting(t *testing.T) {
	f := newFixture(t, func(cfg *params.Config) {
		cfg.Cooldowns.BuyCreate = 2 * time.Second
	})

	f.wallet.Credit(2, 10_000)
	if _, res := f.ex.CreateBuyOrder(2, "", "ore:iron", 1, 50, 7); !res.OK() {
		t.Fatal(res)
	}
	if _, res := f.ex.CreateBuyOrder(2, "", "ore:iron", 1, 50, 7); res != RateLimited {
		t.Fatalf("immediate retry = %v, want RateLimited", res)
	}

	f.clock.Advance(2 * time.Second)
	if _, res := f.ex.CreateBuyOrder(2, "", "ore:iron", 1, 50, 7); !res.OK() {
		t.Fatalf("after cooldown = %v, want Success", res)
	}
}

func TestBuyExpiryRefundsOnTouch(t *testing.T) {
	f := newFixture(t, nil)

	buyID := f.placeBuy(t, 2, "ore:iron", 10, 50)
	slot := f.slotOfBuy(t, 2, buyID)

	f.clock.Advance(8 * 24 * time.Hour) // past the 7 day duration

	if res := f.ex.DisableBuy(2, slot); res != InvalidItemState {
		t.Fatalf("touch after expiry = %v, want InvalidItemState", res)
	}
	buy := f.ex.Repository().BuyOrder(buyID)
	if buy.Status != order.StatusExpired || buy.EscrowedCoins != 0 {
		t.Errorf("expired buy = %v escrow %d", buy.Status, buy.EscrowedCoins)
	}
	if got := f.wallet.Balance(2); got != 500 {
		t.Errorf("refund = %d, want 500", got)
	}
	f.reconcile(t)
}

func TestSweepExpired(t *testing.T) {
	f := newFixture(t, nil)

	f.listSell(t, 1, "ore:iron", 10, 50)
	f.placeBuy(t, 2, "gem:ruby", 5, 90)

	f.clock.Advance(31 * 24 * time.Hour)

	if n := f.ex.SweepExpired(); n != 2 {
		t.Fatalf("swept = %d, want 2", n)
	}
	if n := f.ex.SweepExpired(); n != 0 {
		t.Errorf("second sweep = %d, want 0", n)
	}

	// Seller's goods went to the collection box, buyer's coins came back.
	sellerAcc := f.ex.Accounts().Snapshot(1)
	if len(sellerAcc.Collection) != 1 || sellerAcc.Collection[0].Qty != 10 {
		t.Errorf("seller collection = %+v", sellerAcc.Collection)
	}
	if got := f.wallet.Balance(2); got != 450 {
		t.Errorf("buyer refund = %d, want 450", got)
	}
	f.reconcile(t)
}

func TestTaxDeductedFromProceeds(t *testing.T) {
	f := newFixture(t, func(cfg *params.Config) {
		cfg.Exchange.TaxBps = 500 // 5%
	})

	f.listSell(t, 1, "ore:iron", 10, 50)
	f.placeBuy(t, 2, "ore:iron", 10, 50)

	// 500 gross, 25 tax, 475 net to the seller.
	if got := f.wallet.Balance(1); got != 475 {
		t.Errorf("seller net = %d, want 475", got)
	}
	if got := f.ex.Ledger().TaxCollected(); got != 25 {
		t.Errorf("tax collected = %d, want 25", got)
	}
	f.reconcile(t)
}

func TestCoinProceedsToCollection(t *testing.T) {
	f := newFixture(t, func(cfg *params.Config) {
		cfg.Exchange.CoinProceedsToCollection = true
	})

	f.listSell(t, 1, "ore:iron", 10, 50)
	f.placeBuy(t, 2, "ore:iron", 10, 50)

	if got := f.wallet.Balance(1); got != 0 {
		t.Fatalf("wallet credited directly: %d", got)
	}
	acc := f.ex.Accounts().Snapshot(1)
	var coins *account.CollectionEntry
	for i := range acc.Collection {
		if acc.Collection[i].Item == account.CoinItem {
			coins = &acc.Collection[i]
		}
	}
	if coins == nil || coins.Qty != 500 {
		t.Fatalf("coin entry = %+v, want 500 coins", coins)
	}

	// Claiming the entry pays the wallet.
	if res := f.ex.ClaimCollectionEntry(1, coins.ID); !res.OK() {
		t.Fatalf("claim: %v", res)
	}
	if got := f.wallet.Balance(1); got != 500 {
		t.Errorf("balance after claim = %d, want 500", got)
	}
	f.reconcile(t)
}

func TestClaimGoodsEntry(t *testing.T) {
	f := newFixture(t, nil)

	f.listSell(t, 1, "ore:iron", 10, 50)
	f.placeBuy(t, 2, "ore:iron", 10, 50)

	acc := f.ex.Accounts().Snapshot(2)
	entryID := acc.Collection[0].ID
	if res := f.ex.ClaimCollectionEntry(2, entryID); !res.OK() {
		t.Fatalf("claim: %v", res)
	}
	if got := f.inv.Count(2, "ore:iron"); got != 10 {
		t.Errorf("inventory = %d, want 10", got)
	}
	if acc := f.ex.Accounts().Snapshot(2); len(acc.Collection) != 0 {
		t.Error("claimed entry still in box")
	}

	if res := f.ex.ClaimCollectionEntry(2, entryID); res != NotFound {
		t.Errorf("double claim = %v, want NotFound", res)
	}
}

func TestMarketSnapshotFilterSortPage(t *testing.T) {
	f := newFixture(t, func(cfg *params.Config) {
		cfg.Exchange.SnapshotPageSize = 2
	})

	f.listSell(t, 1, "ore:iron", 5, 50)
	f.listSell(t, 1, "ore:gold", 5, 90)
	f.listSell(t, 3, "herb:sage", 5, 20)

	all := f.ex.MarketSnapshot(SnapshotQuery{Sort: SortPriceAsc})
	if all.Total != 3 || all.TotalPages != 2 {
		t.Fatalf("total = %d pages = %d, want 3/2", all.Total, all.TotalPages)
	}
	if all.Listings[0].Price != 20 || all.Listings[1].Price != 50 {
		t.Errorf("page 0 = %+v", all.Listings)
	}

	page1 := f.ex.MarketSnapshot(SnapshotQuery{Sort: SortPriceAsc, Page: 1})
	if len(page1.Listings) != 1 || page1.Listings[0].Price != 90 {
		t.Errorf("page 1 = %+v", page1.Listings)
	}

	ores := f.ex.MarketSnapshot(SnapshotQuery{Category: "ore"})
	if ores.Total != 2 {
		t.Errorf("ore category total = %d, want 2", ores.Total)
	}

	named := f.ex.MarketSnapshot(SnapshotQuery{Filter: "sage"})
	if named.Total != 1 || named.Listings[0].Item != "herb:sage" {
		t.Errorf("filter = %+v", named.Listings)
	}

	// Out of range pages are empty but keep the totals.
	far := f.ex.MarketSnapshot(SnapshotQuery{Page: 9})
	if len(far.Listings) != 0 || far.Total != 3 {
		t.Errorf("far page = %+v", far)
	}
}

func TestMarketDepthAndStats(t *testing.T) {
	f := newFixture(t, nil)

	f.listSell(t, 1, "ore:iron", 10, 50)
	f.placeBuy(t, 2, "ore:iron", 4, 50)

	d := f.ex.MarketDepth("ore:iron")
	if d.BestAsk != 50 {
		t.Errorf("best ask = %d, want 50", d.BestAsk)
	}
	if len(d.SellLevels) != 1 || d.SellLevels[0].Qty != 6 {
		t.Errorf("ask levels = %+v", d.SellLevels)
	}

	s := f.ex.ItemStats("ore:iron")
	if s.Trades != 1 || s.UnitVolume != 4 || s.VWAP != 50 {
		t.Errorf("stats = %+v", s)
	}
}

func TestAccountSnapshotResolvesSlots(t *testing.T) {
	f := newFixture(t, nil)

	sellID := f.listSell(t, 1, "ore:iron", 10, 50)
	f.wallet.Credit(1, 500)
	buyID, res := f.ex.CreateBuyOrder(1, "alice", "gem:ruby", 5, 100, 7)
	if !res.OK() {
		t.Fatal(res)
	}

	view := f.ex.AccountSnapshot(1)
	if view == nil {
		t.Fatal("nil view for active player")
	}
	if len(view.SellOffers) != 1 || view.SellOffers[0].ID != sellID {
		t.Errorf("sell offers = %+v", view.SellOffers)
	}
	if len(view.BuyOrders) != 1 || view.BuyOrders[0].ID != buyID {
		t.Errorf("buy orders = %+v", view.BuyOrders)
	}

	if f.ex.AccountSnapshot(999) != nil {
		t.Error("unknown player should yield nil")
	}
}

func TestTradeListenerFires(t *testing.T) {
	f := newFixture(t, nil)

	var events []TradeEvent
	f.ex.SetTradeListener(func(ev TradeEvent) { events = append(events, ev) })

	f.listSell(t, 1, "ore:iron", 10, 50)
	f.placeBuy(t, 2, "ore:iron", 4, 50)

	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	ev := events[0]
	if ev.Item != "ore:iron" || ev.Price != 50 || ev.Qty != 4 || ev.Seller != 1 || ev.Buyer != 2 {
		t.Errorf("event = %+v", ev)
	}
	if ev.TradeID == "" {
		t.Error("empty trade id")
	}
}

func TestConservationAcrossMixedOps(t *testing.T) {
	f := newFixture(t, nil)

	f.listSell(t, 1, "ore:iron", 10, 50)
	f.placeBuy(t, 2, "ore:iron", 4, 55)
	f.placeBuy(t, 3, "ore:iron", 20, 45) // rests
	f.reconcile(t)

	slot := f.slotOfBuy(t, 3, f.ex.Repository().ActiveBuysByItem("ore:iron")[0].ID)
	f.ex.DisableBuy(3, slot)
	f.reconcile(t)

	f.ex.EnableBuy(3, slot)
	f.reconcile(t)

	f.ex.CancelBuy(3, slot)
	f.reconcile(t)

	f.clock.Advance(40 * 24 * time.Hour)
	f.ex.SweepExpired()
	f.reconcile(t)

	if got := f.ex.Ledger().Custodied(); got != 0 {
		t.Errorf("custodied after teardown = %d, want 0", got)
	}
}

func TestPartialClaimReplacesEntry(t *testing.T) {
	f := newFixture(t, nil)

	f.listSell(t, 1, "ore:iron", 10, 50)
	f.placeBuy(t, 2, "ore:iron", 10, 50)

	// Buyer can only hold 4 more units; the other 6 must stay in the box
	// as a fresh entry, never as an edit of the claimed one.
	f.inv.SetCapacity(2, "ore:iron", 4)

	acc := f.ex.Accounts().Snapshot(2)
	oldID := acc.Collection[0].ID
	if res := f.ex.ClaimCollectionEntry(2, oldID); !res.OK() {
		t.Fatalf("claim: %v", res)
	}
	if got := f.inv.Count(2, "ore:iron"); got != 4 {
		t.Fatalf("delivered = %d, want 4", got)
	}

	acc = f.ex.Accounts().Snapshot(2)
	if len(acc.Collection) != 1 {
		t.Fatalf("collection entries = %d, want 1", len(acc.Collection))
	}
	rest := acc.Collection[0]
	if rest.ID == oldID {
		t.Error("remainder kept the claimed entry's id")
	}
	if rest.Qty != 6 || rest.Item != "ore:iron" || rest.Source != "purchase" {
		t.Errorf("remainder entry = %+v, want 6 ore:iron from purchase", rest)
	}

	// Box is full now; a claim that fits nothing is rejected untouched.
	if res := f.ex.ClaimCollectionEntry(2, rest.ID); res != Rejected {
		t.Fatalf("claim with no room = %v, want Rejected", res)
	}
	f.inv.SetCapacity(2, "ore:iron", 10)
	if res := f.ex.ClaimCollectionEntry(2, rest.ID); !res.OK() {
		t.Fatalf("claim after making room: %v", res)
	}
	if got := f.inv.Count(2, "ore:iron"); got != 10 {
		t.Errorf("inventory = %d, want 10", got)
	}
	if acc := f.ex.Accounts().Snapshot(2); len(acc.Collection) != 0 {
		t.Error("claimed remainder still in box")
	}
}

func TestSettledOrdersStayTerminal(t *testing.T) {
	f := newFixture(t, nil)

	sellID := f.listSell(t, 1, "ore:iron", 10, 50)
	buyID := f.placeBuy(t, 2, "ore:iron", 10, 50)

	// Let the lifetime windows lapse. A settled order must keep its
	// terminal state; the sweep only moves live orders to Expired.
	f.clock.Advance(31 * 24 * time.Hour)
	if n := f.ex.SweepExpired(); n != 0 {
		t.Fatalf("swept = %d, want 0", n)
	}
	if got := f.ex.Repository().SellOffer(sellID).Status; got != order.StatusCompleted {
		t.Errorf("sell status = %v, want completed", got)
	}
	if got := f.ex.Repository().BuyOrder(buyID).Status; got != order.StatusCompleted {
		t.Errorf("buy status = %v, want completed", got)
	}
}

func TestPruneTerminalDropsSettledOrders(t *testing.T) {
	f := newFixture(t, nil)

	sellID := f.listSell(t, 1, "ore:iron", 10, 50)
	buyID := f.placeBuy(t, 2, "ore:iron", 10, 50)

	// Still inside the lifetime window: nothing to prune yet.
	if n := f.ex.PruneTerminal(); n != 0 {
		t.Fatalf("early prune = %d, want 0", n)
	}

	f.clock.Advance(31 * 24 * time.Hour)
	if n := f.ex.PruneTerminal(); n != 2 {
		t.Fatalf("pruned = %d, want 2", n)
	}
	if f.ex.Repository().SellOffer(sellID) != nil {
		t.Error("pruned sell offer still in repository")
	}
	if f.ex.Repository().BuyOrder(buyID) != nil {
		t.Error("pruned buy order still in repository")
	}
	// The item's book had nothing resting and no live orders left.
	if got := f.ex.Diagnostics().Books; got != 0 {
		t.Errorf("books = %d, want 0", got)
	}
	f.reconcile(t)
}

// churn performs best-effort exchange activity for one player pair,
// tolerating cooldowns, full slots and empty inventories.
func (f *fixture) churn(seller, buyer order.PlayerID, i int) {
	f.inv.Grant(seller, "ore:iron", 5)
	if f.ex.StageSellItems(seller, "", "ore:iron", 5).OK() {
		if _, res := f.ex.CreateSellOffer(seller, "", 50); res.OK() {
			for slot := 0; slot < 8; slot++ {
				if f.ex.EnableSell(seller, slot).OK() {
					break
				}
			}
		} else {
			f.ex.UnstageSellItems(seller)
		}
	}

	f.wallet.Credit(buyer, 250)
	if _, res := f.ex.CreateBuyOrder(buyer, "", "ore:iron", 5, 50, 7); res.OK() {
		for slot := 0; slot < 4; slot++ {
			if f.ex.EnableBuy(buyer, slot).OK() {
				break
			}
		}
	}

	switch i % 4 {
	case 0:
		f.ex.CancelSell(seller, i%8)
	case 1:
		f.ex.CancelBuy(buyer, i%4)
	case 2:
		if entries, _, res := f.ex.CollectionPage(buyer, 0); res.OK() && len(entries) > 0 {
			f.ex.ClaimCollectionEntry(buyer, entries[0].ID)
		}
	}
}

func TestConcurrentSnapshotsDuringMutation(t *testing.T) {
	f := newFixture(t, nil)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				f.ex.AccountSnapshot(1)
				f.ex.AccountSnapshot(2)
				f.ex.CollectionPage(2, 0)
				f.ex.MarketSnapshot(SnapshotQuery{})
				f.ex.Diagnostics()
			}
		}()
	}

	for i := 0; i < 300; i++ {
		f.churn(1, 2, i)
	}
	close(stop)
	wg.Wait()
	f.reconcile(t)
}

func TestConcurrentMutatorsAndSweep(t *testing.T) {
	f := newFixture(t, nil)

	var wg sync.WaitGroup
	for w := 0; w < 2; w++ {
		seller := order.PlayerID(1 + 2*w)
		buyer := order.PlayerID(2 + 2*w)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				f.churn(seller, buyer, i)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			f.ex.SweepExpired()
		}
	}()
	wg.Wait()

	// Serialized operations must leave ids unique and escrow conserved.
	seen := make(map[int64]bool)
	for _, o := range f.ex.Repository().AllSellOffers() {
		if seen[o.ID] {
			t.Fatalf("duplicate order id %d", o.ID)
		}
		seen[o.ID] = true
		if o.QtyRemaining < 0 {
			t.Fatalf("offer %d has negative remainder", o.ID)
		}
	}
	for _, o := range f.ex.Repository().AllBuyOrders() {
		if seen[o.ID] {
			t.Fatalf("duplicate order id %d", o.ID)
		}
		seen[o.ID] = true
		if o.QtyRemaining < 0 {
			t.Fatalf("order %d has negative remainder", o.ID)
		}
	}
	f.reconcile(t)
}
