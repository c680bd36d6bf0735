// Package exchange composes the trading core: the order repository, the
// per-item books, the escrow ledger, the exchange accounts, the rate
// limiter and the analytics tracker, all behind a coordinator facade.
//
// Mutating calls arrive from the world tick thread and return a closed
// Result code. Validation exhausts every failure path before any state
// mutation begins, so a non-Success result never leaves partial state
// behind. An operations lock serializes mutating calls and synchronizes
// them against account readers, so a second writer (an expiry sweep, a
// load generator) and concurrent API reads stay safe. Readers only ever
// receive copies.
package exchange

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hollowforge/tradepost/params"
	"github.com/hollowforge/tradepost/pkg/exchange/account"
	"github.com/hollowforge/tradepost/pkg/exchange/analytics"
	"github.com/hollowforge/tradepost/pkg/exchange/book"
	"github.com/hollowforge/tradepost/pkg/exchange/escrow"
	"github.com/hollowforge/tradepost/pkg/exchange/order"
	"github.com/hollowforge/tradepost/pkg/exchange/ratelimit"
	"github.com/hollowforge/tradepost/pkg/exchange/store"
	"github.com/hollowforge/tradepost/pkg/util"
)

// TradeEvent describes one executed match, for the WebSocket ticker and the
// trade log.
type TradeEvent struct {
	TradeID string         `json:"tradeId"`
	Item    order.ItemKind `json:"item"`
	Price   int64          `json:"price"`
	Qty     int64          `json:"qty"`
	SellID  int64          `json:"sellId"`
	BuyID   int64          `json:"buyId"`
	Seller  order.PlayerID `json:"seller"`
	Buyer   order.PlayerID `json:"buyer"`
	At      int64          `json:"at"` // unix millis
}

// Coordinator orchestrates every exchange operation. One instance per
// world; it is handed to callers by reference, never global.
type Coordinator struct {
	cfg   params.Config
	log   *zap.SugaredLogger
	clock util.Clock

	repo      *order.Repository
	seq       *order.Sequence
	ledger    *escrow.Ledger
	accounts  *account.Manager
	limiter   *ratelimit.Limiter
	analytics *analytics.Tracker
	store     *store.Store // nil = in-memory only

	booksMu sync.RWMutex
	books   map[order.ItemKind]*book.Book

	// opMu serializes mutating operations. Every mutation of an account
	// happens under the write side; readers that clone account state take
	// the read side so they never observe a half-applied operation.
	opMu sync.RWMutex

	onTrade func(TradeEvent)
}

// New wires a coordinator. st may be nil for an in-memory exchange (tests).
func New(cfg params.Config, wallet escrow.Wallet, inventory escrow.Inventory, st *store.Store, clock util.Clock, log *zap.SugaredLogger) *Coordinator {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if clock == nil {
		clock = util.RealClock{}
	}

	var persist account.Persistence
	if st != nil {
		persist = st
	}

	return &Coordinator{
		cfg:    cfg,
		log:    log,
		clock:  clock,
		repo:   order.NewRepository(),
		seq:    order.NewSequence(1),
		ledger: escrow.NewLedger(wallet, inventory, cfg.Exchange.TaxBps, log),
		accounts: account.NewManager(persist, cfg.Exchange.SellSlots,
			cfg.Exchange.BuySlots, log),
		limiter: ratelimit.New(clock, map[ratelimit.Action]time.Duration{
			ratelimit.SellCreate: cfg.Cooldowns.SellCreate,
			ratelimit.SellToggle: cfg.Cooldowns.SellToggle,
			ratelimit.BuyCreate:  cfg.Cooldowns.BuyCreate,
			ratelimit.BuyToggle:  cfg.Cooldowns.BuyToggle,
		}),
		analytics: analytics.NewTracker(clock, time.Hour),
		store:     st,
		books:     make(map[order.ItemKind]*book.Book),
	}
}

// SetTradeListener registers a callback invoked after each executed match.
// The callback receives a copy and must not block the tick thread.
func (c *Coordinator) SetTradeListener(fn func(TradeEvent)) { c.onTrade = fn }

// Repository exposes read access for the API surface; all reads hand out
// copies.
func (c *Coordinator) Repository() *order.Repository { return c.repo }

// Accounts exposes read access to account snapshots.
func (c *Coordinator) Accounts() *account.Manager { return c.accounts }

// Ledger exposes the escrow ledger for diagnostics and tests.
func (c *Coordinator) Ledger() *escrow.Ledger { return c.ledger }

// Analytics exposes the rolling trade statistics tracker.
func (c *Coordinator) Analytics() *analytics.Tracker { return c.analytics }

func (c *Coordinator) now() int64 { return c.clock.Now().UnixMilli() }

// bookFor returns the book for an item, creating it lazily.
func (c *Coordinator) bookFor(item order.ItemKind) *book.Book {
	c.booksMu.RLock()
	b, ok := c.books[item]
	c.booksMu.RUnlock()
	if ok {
		return b
	}

	c.booksMu.Lock()
	defer c.booksMu.Unlock()
	if b, ok = c.books[item]; ok {
		return b
	}
	b = book.New(item)
	c.books[item] = b
	return b
}

// peekBook returns the book if one exists, without creating it.
func (c *Coordinator) peekBook(item order.ItemKind) *book.Book {
	c.booksMu.RLock()
	defer c.booksMu.RUnlock()
	return c.books[item]
}

// priceInRange validates against the configured guide bounds.
func (c *Coordinator) priceInRange(price int64) bool {
	return price >= c.cfg.Exchange.MinPrice && price <= c.cfg.Exchange.MaxPrice
}

// ---- sell side ----

// StageSellItems pulls qty units of item out of the owner's inventory into
// the staging slot. All-or-nothing: a partial removal is returned and the
// call fails, so the staged quantity always matches what the player asked
// to list.
func (c *Coordinator) StageSellItems(owner order.PlayerID, name string, item order.ItemKind, qty int64) Result {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if item == "" || qty <= 0 || qty > c.cfg.Exchange.MaxOrderQty {
		return Rejected
	}

	acc := c.accounts.Get(owner, name)
	if acc.Staging != nil {
		return InvalidItemState
	}

	removed, remainder := c.ledger.EscrowItems(owner, item, qty)
	if remainder > 0 {
		if removed > 0 {
			c.ledger.ReturnItems(owner, item, removed)
		}
		return InsufficientInventory
	}

	acc.Staging = &account.StagedItem{Item: item, Qty: qty}
	c.persistAccount(acc)
	return Success
}

// UnstageSellItems aborts staging: the held items go to the collection box
// (never straight back to inventory, which may have filled meanwhile).
func (c *Coordinator) UnstageSellItems(owner order.PlayerID) Result {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	acc := c.accounts.Get(owner, "")
	if acc.Staging == nil {
		return NoItemInSlot
	}

	st := *acc.Staging
	acc.Staging = nil
	acc.PushCollection(account.NewCollectionEntry(st.Item, st.Qty, c.now(), "refund"))
	c.persistAccount(acc)
	return Success
}

// CreateSellOffer drafts an offer from the staging slot at the given price.
// The draft occupies a sell slot but does not rest on the book until
// EnableSell.
func (c *Coordinator) CreateSellOffer(owner order.PlayerID, name string, price int64) (int64, Result) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if remaining := c.limiter.Check(owner, ratelimit.SellCreate); remaining > 0 {
		return 0, RateLimited
	}
	if !c.priceInRange(price) {
		return 0, PriceOutOfRange
	}

	acc := c.accounts.Get(owner, name)
	if acc.Staging == nil {
		return 0, NoItemInSlot
	}
	slot, err := acc.FreeSellSlot()
	if err != nil {
		return 0, NoAvailableSlot
	}

	now := c.now()
	offer := &order.SellOffer{
		ID:           c.seq.Next(),
		Owner:        owner,
		OwnerName:    acc.Name,
		Item:         acc.Staging.Item,
		QtyTotal:     acc.Staging.Qty,
		QtyRemaining: acc.Staging.Qty,
		Price:        price,
		Status:       order.StatusDraft,
		CreatedAt:    now,
		ExpiresAt:    now + int64(c.cfg.Exchange.SellDurationDays)*millisPerDay,
	}

	acc.Staging = nil
	acc.SellSlots[slot] = offer.ID
	c.repo.SaveSellOffer(offer)

	c.limiter.Record(owner, ratelimit.SellCreate)
	acc.Cooldowns = c.limiter.Export(owner)

	c.persistOp(func(b *store.Batch) {
		b.SaveSellOffer(offer)
		b.SaveAccount(acc)
		b.SaveSequence(c.seq.Peek())
	})
	c.log.Infow("sell_offer_drafted", "offer", offer.ID, "owner", owner, "item", offer.Item, "qty", offer.QtyTotal, "price", price)
	return offer.ID, Success
}

// EnableSell posts the offer in a sell slot onto its book and matches it
// against resting buys. Items were escrowed at staging time; enabling does
// not touch escrow again.
func (c *Coordinator) EnableSell(owner order.PlayerID, slot int) Result {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if remaining := c.limiter.Check(owner, ratelimit.SellToggle); remaining > 0 {
		return RateLimited
	}

	acc := c.accounts.Get(owner, "")
	id, err := acc.SellSlotID(slot)
	if err != nil {
		return slotResult(err)
	}
	offer := c.repo.SellOffer(id)
	if offer == nil {
		return NotFound
	}
	if c.expireSellIfDue(offer, acc) {
		return InvalidItemState
	}
	if offer.Enabled || offer.Status.Terminal() {
		return InvalidItemState
	}
	if acc.ActiveSells >= c.cfg.Exchange.MaxActiveSells {
		return MaxActiveOffersReached
	}

	offer.Enabled = true
	if offer.QtyRemaining < offer.QtyTotal {
		offer.Status = order.StatusPartial
	} else {
		offer.Status = order.StatusActive
	}
	acc.ActiveSells++

	b := c.bookFor(offer.Item)
	taker := &book.Taker{ID: offer.ID, Owner: offer.Owner, Qty: offer.QtyRemaining, Limit: offer.Price}
	fills := b.MatchSell(taker)

	touched := c.applyFills(b, offer.Item, fills, offer, nil)

	offer.QtyRemaining = taker.Qty
	if offer.QtyRemaining == 0 {
		offer.Status = order.StatusCompleted
		offer.Enabled = false
		acc.ActiveSells--
		acc.ClearSellSlot(offer.ID)
	} else {
		if len(fills) > 0 {
			offer.Status = order.StatusPartial
		}
		b.InsertSell(book.Entry{ID: offer.ID, Owner: offer.Owner, Qty: offer.QtyRemaining}, offer.Price)
	}
	c.repo.SaveSellOffer(offer)

	c.limiter.Record(owner, ratelimit.SellToggle)
	acc.Cooldowns = c.limiter.Export(owner)
	touched.accounts[acc.Owner] = acc
	touched.sells[offer.ID] = offer
	touched.books[offer.Item] = b
	c.persistTouched(touched)

	c.log.Infow("sell_offer_enabled", "offer", offer.ID, "owner", owner, "fills", len(fills), "remaining", offer.QtyRemaining)
	return Success
}

// DisableSell pulls the offer off the book. The unmatched remainder stays
// pledged; only cancel refunds.
func (c *Coordinator) DisableSell(owner order.PlayerID, slot int) Result {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if remaining := c.limiter.Check(owner, ratelimit.SellToggle); remaining > 0 {
		return RateLimited
	}

	acc := c.accounts.Get(owner, "")
	id, err := acc.SellSlotID(slot)
	if err != nil {
		return slotResult(err)
	}
	offer := c.repo.SellOffer(id)
	if offer == nil {
		return NotFound
	}
	if c.expireSellIfDue(offer, acc) {
		return InvalidItemState
	}
	if !offer.Enabled || offer.Status.Terminal() {
		return InvalidItemState
	}

	if b := c.peekBook(offer.Item); b != nil {
		b.Remove(offer.ID)
	}
	offer.Enabled = false
	offer.Status = order.StatusDisabled
	acc.ActiveSells--
	c.repo.SaveSellOffer(offer)

	c.limiter.Record(owner, ratelimit.SellToggle)
	acc.Cooldowns = c.limiter.Export(owner)
	c.persistOp(func(b *store.Batch) {
		b.SaveSellOffer(offer)
		b.SaveAccount(acc)
		c.saveBookRecord(b, offer.Item)
	})
	return Success
}

// CancelSell terminates the offer and routes its remaining pledge to the
// owner's collection box. Matched history is untouched.
func (c *Coordinator) CancelSell(owner order.PlayerID, slot int) Result {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if remaining := c.limiter.Check(owner, ratelimit.SellToggle); remaining > 0 {
		return RateLimited
	}

	acc := c.accounts.Get(owner, "")
	id, err := acc.SellSlotID(slot)
	if err != nil {
		return slotResult(err)
	}
	offer := c.repo.SellOffer(id)
	if offer == nil {
		return NotFound
	}
	if offer.Status.Terminal() {
		return InvalidItemState
	}

	if b := c.peekBook(offer.Item); b != nil {
		b.Remove(offer.ID)
	}
	if offer.Enabled {
		acc.ActiveSells--
	}
	offer.Enabled = false
	offer.Status = order.StatusCancelled
	if offer.QtyRemaining > 0 {
		acc.PushCollection(account.NewCollectionEntry(offer.Item, offer.QtyRemaining, c.now(), "refund"))
	}
	acc.ClearSellSlot(offer.ID)
	c.repo.SaveSellOffer(offer)

	c.limiter.Record(owner, ratelimit.SellToggle)
	acc.Cooldowns = c.limiter.Export(owner)
	c.persistOp(func(b *store.Batch) {
		b.SaveSellOffer(offer)
		b.SaveAccount(acc)
		c.saveBookRecord(b, offer.Item)
	})
	c.log.Infow("sell_offer_cancelled", "offer", offer.ID, "owner", owner, "refund_qty", offer.QtyRemaining)
	return Success
}

// ---- buy side ----

// CreateBuyOrder places a draft buy order into a free buy slot. No coins
// move until EnableBuy.
func (c *Coordinator) CreateBuyOrder(owner order.PlayerID, name string, item order.ItemKind, qty, price int64, durationDays int) (int64, Result) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if remaining := c.limiter.Check(owner, ratelimit.BuyCreate); remaining > 0 {
		return 0, RateLimited
	}
	if item == "" || qty <= 0 || qty > c.cfg.Exchange.MaxOrderQty {
		return 0, Rejected
	}
	if !c.priceInRange(price) {
		return 0, PriceOutOfRange
	}
	if durationDays <= 0 || durationDays > c.cfg.Exchange.MaxBuyDurationDays {
		return 0, Rejected
	}

	acc := c.accounts.Get(owner, name)
	slot, err := acc.FreeBuySlot()
	if err != nil {
		return 0, NoAvailableSlot
	}

	now := c.now()
	o := &order.BuyOrder{
		ID:           c.seq.Next(),
		Owner:        owner,
		OwnerName:    acc.Name,
		Item:         item,
		QtyTotal:     qty,
		QtyRemaining: qty,
		Price:        price,
		Status:       order.StatusDisabled,
		CreatedAt:    now,
		DurationDays: durationDays,
		ExpiresAt:    now + int64(durationDays)*millisPerDay,
	}

	acc.BuySlots[slot] = o.ID
	c.repo.SaveBuyOrder(o)

	c.limiter.Record(owner, ratelimit.BuyCreate)
	acc.Cooldowns = c.limiter.Export(owner)
	c.persistOp(func(b *store.Batch) {
		b.SaveBuyOrder(o)
		b.SaveAccount(acc)
		b.SaveSequence(c.seq.Peek())
	})
	c.log.Infow("buy_order_created", "order", o.ID, "owner", owner, "item", item, "qty", qty, "price", price)
	return o.ID, Success
}

// EnableBuy escrows the order's outstanding commitment and matches it
// against resting sells. Re-enabling after a disable only escrows the
// shortfall: a disabled order keeps its reserve.
func (c *Coordinator) EnableBuy(owner order.PlayerID, slot int) Result {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if remaining := c.limiter.Check(owner, ratelimit.BuyToggle); remaining > 0 {
		return RateLimited
	}

	acc := c.accounts.Get(owner, "")
	id, err := acc.BuySlotID(slot)
	if err != nil {
		return slotResult(err)
	}
	o := c.repo.BuyOrder(id)
	if o == nil {
		return NotFound
	}
	if c.expireBuyIfDue(o, acc) {
		return InvalidItemState
	}
	if o.Enabled || o.Status.Terminal() {
		return InvalidItemState
	}

	need := o.Price*o.QtyRemaining - o.EscrowedCoins
	if need > 0 {
		if !c.ledger.EscrowForBuy(owner, need) {
			return InsufficientFunds
		}
		o.EscrowedCoins += need
	}

	o.Enabled = true
	if o.QtyRemaining < o.QtyTotal {
		o.Status = order.StatusPartial
	} else {
		o.Status = order.StatusActive
	}

	b := c.bookFor(o.Item)
	taker := &book.Taker{ID: o.ID, Owner: o.Owner, Qty: o.QtyRemaining, Limit: o.Price}
	fills := b.MatchBuy(taker)

	touched := c.applyFills(b, o.Item, fills, nil, o)

	o.QtyRemaining = taker.Qty

	// Fills at maker prices below the limit leave excess escrow behind;
	// return it so EscrowedCoins == Price * QtyRemaining again.
	if excess := o.EscrowedCoins - o.Price*o.QtyRemaining; excess > 0 {
		c.ledger.RefundExcess(o, excess)
	}

	if o.QtyRemaining == 0 {
		o.Status = order.StatusCompleted
		o.Enabled = false
		acc.ClearBuySlot(o.ID)
	} else {
		if len(fills) > 0 {
			o.Status = order.StatusPartial
		}
		b.InsertBuy(book.Entry{ID: o.ID, Owner: o.Owner, Qty: o.QtyRemaining}, o.Price)
	}
	c.repo.SaveBuyOrder(o)

	c.limiter.Record(owner, ratelimit.BuyToggle)
	acc.Cooldowns = c.limiter.Export(owner)
	touched.accounts[acc.Owner] = acc
	touched.buys[o.ID] = o
	touched.books[o.Item] = b
	c.persistTouched(touched)

	c.log.Infow("buy_order_enabled", "order", o.ID, "owner", owner, "fills", len(fills), "remaining", o.QtyRemaining)
	return Success
}

// DisableBuy pulls the order off the book without refunding: the escrowed
// remainder stays reserved against re-enable.
func (c *Coordinator) DisableBuy(owner order.PlayerID, slot int) Result {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if remaining := c.limiter.Check(owner, ratelimit.BuyToggle); remaining > 0 {
		return RateLimited
	}

	acc := c.accounts.Get(owner, "")
	id, err := acc.BuySlotID(slot)
	if err != nil {
		return slotResult(err)
	}
	o := c.repo.BuyOrder(id)
	if o == nil {
		return NotFound
	}
	if c.expireBuyIfDue(o, acc) {
		return InvalidItemState
	}
	if !o.Enabled || o.Status.Terminal() {
		return InvalidItemState
	}

	if b := c.peekBook(o.Item); b != nil {
		b.Remove(o.ID)
	}
	o.Enabled = false
	o.Status = order.StatusDisabled
	c.repo.SaveBuyOrder(o)

	c.limiter.Record(owner, ratelimit.BuyToggle)
	acc.Cooldowns = c.limiter.Export(owner)
	c.persistOp(func(b *store.Batch) {
		b.SaveBuyOrder(o)
		b.SaveAccount(acc)
		c.saveBookRecord(b, o.Item)
	})
	return Success
}

// CancelBuy terminates the order and refunds its full remaining escrow to
// the owner's wallet.
func (c *Coordinator) CancelBuy(owner order.PlayerID, slot int) Result {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if remaining := c.limiter.Check(owner, ratelimit.BuyToggle); remaining > 0 {
		return RateLimited
	}

	acc := c.accounts.Get(owner, "")
	id, err := acc.BuySlotID(slot)
	if err != nil {
		return slotResult(err)
	}
	o := c.repo.BuyOrder(id)
	if o == nil {
		return NotFound
	}
	if o.Status.Terminal() {
		return InvalidItemState
	}

	if b := c.peekBook(o.Item); b != nil {
		b.Remove(o.ID)
	}
	refunded := c.ledger.RefundEscrow(o)
	o.Enabled = false
	o.Status = order.StatusCancelled
	acc.ClearBuySlot(o.ID)
	c.repo.SaveBuyOrder(o)

	c.limiter.Record(owner, ratelimit.BuyToggle)
	acc.Cooldowns = c.limiter.Export(owner)
	c.persistOp(func(b *store.Batch) {
		b.SaveBuyOrder(o)
		b.SaveAccount(acc)
		c.saveBookRecord(b, o.Item)
	})
	c.log.Infow("buy_order_cancelled", "order", o.ID, "owner", owner, "refunded", refunded)
	return Success
}

// ---- collection ----

// CollectionPage returns one page of the owner's collection box.
func (c *Coordinator) CollectionPage(owner order.PlayerID, page int) ([]account.CollectionEntry, int, Result) {
	c.opMu.RLock()
	defer c.opMu.RUnlock()

	acc := c.accounts.Snapshot(owner)
	if acc == nil {
		return nil, 0, NotFound
	}
	entries, total := acc.CollectionPage(page, c.cfg.Exchange.CollectionPageSize)
	return entries, total, Success
}

// ClaimCollectionEntry hands one pending payout back to the player: coins
// to the wallet, goods to the inventory. Goods that do not fit stay in the
// box as a smaller entry rather than vanish.
func (c *Coordinator) ClaimCollectionEntry(owner order.PlayerID, entryID string) Result {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	acc := c.accounts.Get(owner, "")

	var entry *account.CollectionEntry
	for i := range acc.Collection {
		if acc.Collection[i].ID == entryID {
			entry = &acc.Collection[i]
			break
		}
	}
	if entry == nil {
		return NotFound
	}

	if entry.Item == account.CoinItem {
		c.ledger.Payout(owner, entry.Qty)
		acc.RemoveCollectionEntry(entryID)
	} else {
		leftover := c.ledger.DeliverItems(owner, entry.Item, entry.Qty)
		if leftover == entry.Qty {
			return Rejected // inventory full, nothing moved
		}
		// Entries are immutable once created: the claimed one is removed
		// and any remainder that did not fit becomes a fresh entry.
		item, source := entry.Item, entry.Source
		acc.RemoveCollectionEntry(entryID)
		if leftover > 0 {
			acc.PushCollection(account.NewCollectionEntry(item, leftover, c.now(), source))
		}
	}

	c.persistAccount(acc)
	c.log.Infow("collection_claimed", "owner", owner, "entry", entryID)
	return Success
}

// ---- fill application ----

// touchedState accumulates everything one operation mutated, for a single
// atomic persistence commit.
type touchedState struct {
	sells    map[int64]*order.SellOffer
	buys     map[int64]*order.BuyOrder
	accounts map[order.PlayerID]*account.Account
	books    map[order.ItemKind]*book.Book
}

func newTouched() *touchedState {
	return &touchedState{
		sells:    make(map[int64]*order.SellOffer),
		buys:     make(map[int64]*order.BuyOrder),
		accounts: make(map[order.PlayerID]*account.Account),
		books:    make(map[order.ItemKind]*book.Book),
	}
}

// applyFills settles each fill: escrow release from the buy side, proceeds
// to the seller, goods into the buyer's collection box, maker state
// updates, counters and analytics. Exactly one of takerSell / takerBuy is
// the incoming order; its own quantity/state is finalized by the caller.
func (c *Coordinator) applyFills(b *book.Book, item order.ItemKind, fills []book.Fill, takerSell *order.SellOffer, takerBuy *order.BuyOrder) *touchedState {
	touched := newTouched()
	now := c.now()

	for _, f := range fills {
		// Resolve both sides. The taker is the caller's working copy; the
		// maker comes from the repository.
		var sell *order.SellOffer
		var buy *order.BuyOrder
		if takerSell != nil {
			sell = takerSell
			buy = touched.buys[f.BuyID]
			if buy == nil {
				buy = c.repo.BuyOrder(f.BuyID)
			}
		} else {
			buy = takerBuy
			sell = touched.sells[f.SellID]
			if sell == nil {
				sell = c.repo.SellOffer(f.SellID)
			}
		}
		if sell == nil || buy == nil {
			// Book/repository drift; should be impossible.
			c.log.Errorw("fill_references_unknown_order", "sell", f.SellID, "buy", f.BuyID)
			continue
		}

		net, tax, err := c.ledger.Release(buy, f.Qty, f.Price)
		if err != nil {
			c.log.Errorw("escrow_release_failed", "sell", f.SellID, "buy", f.BuyID, "err", err)
			continue
		}

		sellerAcc := c.accounts.Get(f.Seller, "")
		buyerAcc := c.accounts.Get(f.Buyer, "")

		if c.cfg.Exchange.CoinProceedsToCollection {
			sellerAcc.PushCollection(account.NewCollectionEntry(account.CoinItem, net, now, "sale"))
		} else {
			c.ledger.Payout(f.Seller, net)
		}
		buyerAcc.PushCollection(account.NewCollectionEntry(item, f.Qty, now, "purchase"))

		sellerAcc.LifetimeSold += f.Qty
		sellerAcc.LifetimeCoinVolume += f.Qty * f.Price
		buyerAcc.LifetimeBought += f.Qty
		buyerAcc.LifetimeCoinVolume += f.Qty * f.Price

		// Maker bookkeeping: the taker's quantity/state is settled by the
		// caller after the loop.
		if takerSell != nil {
			buy.QtyRemaining -= f.Qty
			if f.MakerRemaining == 0 {
				buy.Status = order.StatusCompleted
				buy.Enabled = false
				buyerAcc.ClearBuySlot(buy.ID)
			} else {
				buy.Status = order.StatusPartial
			}
			c.repo.SaveBuyOrder(buy)
			touched.buys[buy.ID] = buy
		} else {
			sell.QtyRemaining -= f.Qty
			if f.MakerRemaining == 0 {
				sell.Status = order.StatusCompleted
				sell.Enabled = false
				sellerAcc.ActiveSells--
				sellerAcc.ClearSellSlot(sell.ID)
			} else {
				sell.Status = order.StatusPartial
			}
			c.repo.SaveSellOffer(sell)
			touched.sells[sell.ID] = sell
		}

		touched.accounts[f.Seller] = sellerAcc
		touched.accounts[f.Buyer] = buyerAcc
		touched.books[item] = b

		c.analytics.Record(item, f.Price, f.Qty)

		ev := TradeEvent{
			TradeID: uuid.NewString(),
			Item:    item,
			Price:   f.Price,
			Qty:     f.Qty,
			SellID:  f.SellID,
			BuyID:   f.BuyID,
			Seller:  f.Seller,
			Buyer:   f.Buyer,
			At:      now,
		}
		c.log.Infow("trade_executed", "trade", ev.TradeID, "item", item, "price", f.Price, "qty", f.Qty, "tax", tax)
		if c.onTrade != nil {
			c.onTrade(ev)
		}
	}
	return touched
}

// ---- expiry ----

const millisPerDay = int64(24 * time.Hour / time.Millisecond)

// expireSellIfDue lazily expires an offer on touch. Returns true if the
// offer is now expired. The remaining goods go to the collection box.
func (c *Coordinator) expireSellIfDue(offer *order.SellOffer, acc *account.Account) bool {
	// Terminal states are monotonic: a completed or cancelled offer whose
	// window has since passed must not be re-marked.
	if offer.Status.Terminal() || !offer.Expired(c.now()) {
		return false
	}

	if b := c.peekBook(offer.Item); b != nil {
		b.Remove(offer.ID)
	}
	if offer.Enabled {
		acc.ActiveSells--
	}
	offer.Enabled = false
	offer.Status = order.StatusExpired
	if offer.QtyRemaining > 0 {
		acc.PushCollection(account.NewCollectionEntry(offer.Item, offer.QtyRemaining, c.now(), "cleanup"))
	}
	acc.ClearSellSlot(offer.ID)
	c.repo.SaveSellOffer(offer)

	c.persistOp(func(b *store.Batch) {
		b.SaveSellOffer(offer)
		b.SaveAccount(acc)
		c.saveBookRecord(b, offer.Item)
	})
	c.log.Infow("sell_offer_expired", "offer", offer.ID, "owner", offer.Owner)
	return true
}

// expireBuyIfDue lazily expires a buy order on touch, refunding its escrow
// in the same step so coins are never both custodied and expired.
func (c *Coordinator) expireBuyIfDue(o *order.BuyOrder, acc *account.Account) bool {
	if o.Status.Terminal() || !o.Expired(c.now()) {
		return false
	}

	if b := c.peekBook(o.Item); b != nil {
		b.Remove(o.ID)
	}
	refunded := c.ledger.RefundEscrow(o)
	o.Enabled = false
	o.Status = order.StatusExpired
	acc.ClearBuySlot(o.ID)
	c.repo.SaveBuyOrder(o)

	c.persistOp(func(b *store.Batch) {
		b.SaveBuyOrder(o)
		b.SaveAccount(acc)
		c.saveBookRecord(b, o.Item)
	})
	c.log.Infow("buy_order_expired", "order", o.ID, "owner", o.Owner, "refunded", refunded)
	return true
}

// SweepExpired walks every order and expires the overdue ones. Intended to
// run periodically from the world tick. Returns the number expired.
func (c *Coordinator) SweepExpired() int {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	now := c.now()
	expired := 0

	for _, offer := range c.repo.AllSellOffers() {
		if offer.Expired(now) {
			acc := c.accounts.Get(offer.Owner, "")
			if c.expireSellIfDue(offer, acc) {
				expired++
			}
		}
	}
	for _, o := range c.repo.AllBuyOrders() {
		if o.Expired(now) {
			acc := c.accounts.Get(o.Owner, "")
			if c.expireBuyIfDue(o, acc) {
				expired++
			}
		}
	}
	if expired > 0 {
		c.log.Infow("expiry_sweep", "expired", expired)
	}
	return expired
}

// PruneTerminal drops terminal orders whose lifetime window has passed
// from the repository and the store. Books left with nothing resting and
// no live orders for their item are dropped too, match counters included.
// Intended to run occasionally, well behind SweepExpired. Returns the
// number of orders pruned.
func (c *Coordinator) PruneTerminal() int {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	now := c.now()
	pruned := 0
	live := make(map[order.ItemKind]int)

	for _, o := range c.repo.AllSellOffers() {
		if o.Status.Terminal() && o.ExpiresAt > 0 && now >= o.ExpiresAt {
			c.repo.DeleteSellOffer(o.ID)
			if c.store != nil {
				if err := c.store.DeleteSellOffer(o.ID); err != nil {
					c.log.Errorw("prune_persist_failed", "offer", o.ID, "err", err)
				}
			}
			pruned++
		} else {
			live[o.Item]++
		}
	}
	for _, o := range c.repo.AllBuyOrders() {
		if o.Status.Terminal() && o.ExpiresAt > 0 && now >= o.ExpiresAt {
			c.repo.DeleteBuyOrder(o.ID)
			if c.store != nil {
				if err := c.store.DeleteBuyOrder(o.ID); err != nil {
					c.log.Errorw("prune_persist_failed", "order", o.ID, "err", err)
				}
			}
			pruned++
		} else {
			live[o.Item]++
		}
	}

	c.booksMu.Lock()
	for item, b := range c.books {
		if b.Empty() && live[item] == 0 {
			delete(c.books, item)
			if c.store != nil {
				if err := c.store.DeleteBook(item); err != nil {
					c.log.Errorw("prune_persist_failed", "book", item, "err", err)
				}
			}
		}
	}
	c.booksMu.Unlock()

	if pruned > 0 {
		c.log.Infow("terminal_orders_pruned", "pruned", pruned)
	}
	return pruned
}

// ---- persistence plumbing ----

func (c *Coordinator) persistAccount(acc *account.Account) {
	if err := c.accounts.Save(acc); err != nil {
		c.log.Errorw("account_persist_failed", "owner", acc.Owner, "err", err)
	}
}

// persistOp runs the writes of one operation in a single batch commit.
func (c *Coordinator) persistOp(fn func(b *store.Batch)) {
	if c.store == nil {
		return
	}
	batch := c.store.NewBatch()
	defer batch.Close()
	fn(batch)
	if err := batch.Commit(); err != nil {
		c.log.Errorw("persist_failed", "err", err)
	}
}

func (c *Coordinator) persistTouched(t *touchedState) {
	if c.store == nil {
		return
	}
	c.persistOp(func(b *store.Batch) {
		for _, o := range t.sells {
			b.SaveSellOffer(o)
		}
		for _, o := range t.buys {
			b.SaveBuyOrder(o)
		}
		for _, acc := range t.accounts {
			b.SaveAccount(acc)
		}
		for item := range t.books {
			c.saveBookRecord(b, item)
		}
		b.SaveSequence(c.seq.Peek())
	})
}

func (c *Coordinator) saveBookRecord(batch *store.Batch, item order.ItemKind) {
	b := c.peekBook(item)
	if b == nil {
		return
	}
	sells, buys := b.RestingIDs()
	matches, unitVol, coinVol := b.Counters()
	batch.SaveBook(&store.BookRecord{
		Item:       item,
		SellIDs:    sells,
		BuyIDs:     buys,
		Matches:    matches,
		UnitVolume: unitVol,
		CoinVolume: coinVol,
	})
}

func slotResult(err error) Result {
	switch err {
	case account.ErrInvalidSlot:
		return InvalidSlot
	case account.ErrSlotEmpty:
		return NoItemInSlot
	default:
		return Rejected
	}
}
