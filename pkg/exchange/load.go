package exchange

import (
	"fmt"

	"github.com/hollowforge/tradepost/pkg/exchange/book"
	"github.com/hollowforge/tradepost/pkg/exchange/ratelimit"
)

// Load restores exchange state from the store: the id sequence, every
// account, every order, and the per-item books. Call once at startup,
// before the tick thread starts.
func (c *Coordinator) Load() error {
	if c.store == nil {
		return nil
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	next, err := c.store.LoadSequence()
	if err != nil {
		return fmt.Errorf("load sequence: %w", err)
	}
	c.seq.Advance(next)

	accounts, err := c.store.LoadAccounts()
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}
	for _, acc := range accounts {
		c.accounts.Seed(acc)
		for action, at := range acc.Cooldowns {
			if a, ok := ratelimit.ActionFromString(action); ok {
				c.limiter.Seed(acc.Owner, a, at)
			}
		}
	}

	offers, err := c.store.LoadSellOffers()
	if err != nil {
		return fmt.Errorf("load sell offers: %w", err)
	}
	for _, o := range offers {
		c.repo.SaveSellOffer(o)
		c.seq.Advance(o.ID + 1)
	}

	buys, err := c.store.LoadBuyOrders()
	if err != nil {
		return fmt.Errorf("load buy orders: %w", err)
	}
	var custodied int64
	for _, o := range buys {
		c.repo.SaveBuyOrder(o)
		c.seq.Advance(o.ID + 1)
		if !o.Status.Terminal() {
			custodied += o.EscrowedCoins
		}
	}
	c.ledger.SetCustodied(custodied)

	if err := c.rebuildBooks(); err != nil {
		return err
	}

	c.log.Infow("exchange_state_loaded",
		"accounts", len(accounts), "sell_offers", len(offers), "buy_orders", len(buys),
		"custodied", custodied, "next_id", c.seq.Peek())
	return nil
}

// rebuildBooks reconstructs resting entries from the saved book records,
// validating each id against the repository. Orders were inserted without
// re-running the match because a persisted book is by construction
// uncrossed. A matchable order missing from every record (a crash between
// order and book writes) is re-inserted afterwards.
func (c *Coordinator) rebuildBooks() error {
	records, err := c.store.LoadBooks()
	if err != nil {
		return fmt.Errorf("load books: %w", err)
	}

	seen := make(map[int64]struct{})
	for _, rec := range records {
		b := c.bookFor(rec.Item)
		b.SetCounters(rec.Matches, rec.UnitVolume, rec.CoinVolume)

		for _, id := range rec.SellIDs {
			o := c.repo.SellOffer(id)
			if o == nil || !o.Enabled || !o.Status.Matchable() || o.Item != rec.Item {
				c.log.Warnw("stale_book_entry_skipped", "item", rec.Item, "sell", id)
				continue
			}
			b.InsertSell(book.Entry{ID: o.ID, Owner: o.Owner, Qty: o.QtyRemaining}, o.Price)
			seen[id] = struct{}{}
		}
		for _, id := range rec.BuyIDs {
			o := c.repo.BuyOrder(id)
			if o == nil || !o.Enabled || !o.Status.Matchable() || o.Item != rec.Item {
				c.log.Warnw("stale_book_entry_skipped", "item", rec.Item, "buy", id)
				continue
			}
			b.InsertBuy(book.Entry{ID: o.ID, Owner: o.Owner, Qty: o.QtyRemaining}, o.Price)
			seen[id] = struct{}{}
		}
	}

	// Catch-up: matchable orders absent from every record. Insert in id
	// order so time priority survives the rebuild.
	for _, o := range c.repo.AllSellOffers() {
		if _, ok := seen[o.ID]; ok || !o.Enabled || !o.Status.Matchable() {
			continue
		}
		c.log.Warnw("unindexed_sell_reinserted", "offer", o.ID, "item", o.Item)
		c.bookFor(o.Item).InsertSell(book.Entry{ID: o.ID, Owner: o.Owner, Qty: o.QtyRemaining}, o.Price)
	}
	for _, o := range c.repo.AllBuyOrders() {
		if _, ok := seen[o.ID]; ok || !o.Enabled || !o.Status.Matchable() {
			continue
		}
		c.log.Warnw("unindexed_buy_reinserted", "order", o.ID, "item", o.Item)
		c.bookFor(o.Item).InsertBuy(book.Entry{ID: o.ID, Owner: o.Owner, Qty: o.QtyRemaining}, o.Price)
	}
	return nil
}
