package exchange

import (
	"sort"
	"strings"

	"github.com/hollowforge/tradepost/pkg/exchange/analytics"
	"github.com/hollowforge/tradepost/pkg/exchange/book"
	"github.com/hollowforge/tradepost/pkg/exchange/order"
)

// SortMode orders market snapshot listings.
type SortMode int8

const (
	SortPriceAsc SortMode = iota
	SortPriceDesc
	SortNewest
	SortOldest
	SortQtyDesc
)

func SortModeFromString(s string) SortMode {
	switch strings.ToLower(s) {
	case "price_desc":
		return SortPriceDesc
	case "newest":
		return SortNewest
	case "oldest":
		return SortOldest
	case "qty":
		return SortQtyDesc
	default:
		return SortPriceAsc
	}
}

// Listing is one row of the market browser: a matchable sell offer as seen
// by any player.
type Listing struct {
	ID        int64          `json:"id"`
	Item      order.ItemKind `json:"item"`
	Category  string         `json:"category"`
	Qty       int64          `json:"qty"`
	Price     int64          `json:"price"`
	Seller    string         `json:"seller"`
	CreatedAt int64          `json:"createdAt"`
	ExpiresAt int64          `json:"expiresAt"`
}

// SnapshotQuery filters and orders the market browser.
type SnapshotQuery struct {
	Filter   string // substring match on item kind or seller name
	Category string // exact match on the item category prefix
	Sort     SortMode
	Page     int // zero-based
}

// Snapshot is one page of market listings.
type Snapshot struct {
	Listings   []Listing `json:"listings"`
	Page       int       `json:"page"`
	TotalPages int       `json:"totalPages"`
	Total      int       `json:"total"`
}

// MarketSnapshot returns one page of matchable sell offers. It takes read
// locks only and hands out copies, so it is safe to call from any
// goroutine while the tick thread mutates.
func (c *Coordinator) MarketSnapshot(q SnapshotQuery) Snapshot {
	now := c.now()
	all := c.repo.AllSellOffers()

	filter := strings.ToLower(q.Filter)
	listings := make([]Listing, 0, len(all))
	for _, o := range all {
		if !o.Enabled || !o.Status.Matchable() || o.Expired(now) {
			continue
		}
		if q.Category != "" && o.Item.Category() != q.Category {
			continue
		}
		if filter != "" &&
			!strings.Contains(strings.ToLower(string(o.Item)), filter) &&
			!strings.Contains(strings.ToLower(o.OwnerName), filter) {
			continue
		}
		listings = append(listings, Listing{
			ID:        o.ID,
			Item:      o.Item,
			Category:  o.Item.Category(),
			Qty:       o.QtyRemaining,
			Price:     o.Price,
			Seller:    o.OwnerName,
			CreatedAt: o.CreatedAt,
			ExpiresAt: o.ExpiresAt,
		})
	}

	sort.SliceStable(listings, func(i, j int) bool {
		a, b := listings[i], listings[j]
		switch q.Sort {
		case SortPriceDesc:
			if a.Price != b.Price {
				return a.Price > b.Price
			}
		case SortNewest:
			if a.CreatedAt != b.CreatedAt {
				return a.CreatedAt > b.CreatedAt
			}
		case SortOldest:
			if a.CreatedAt != b.CreatedAt {
				return a.CreatedAt < b.CreatedAt
			}
		case SortQtyDesc:
			if a.Qty != b.Qty {
				return a.Qty > b.Qty
			}
		default:
			if a.Price != b.Price {
				return a.Price < b.Price
			}
		}
		return a.ID < b.ID
	})

	size := c.cfg.Exchange.SnapshotPageSize
	total := len(listings)
	totalPages := (total + size - 1) / size
	page := q.Page
	if page < 0 {
		page = 0
	}
	start := page * size
	if start >= total {
		return Snapshot{Listings: []Listing{}, Page: page, TotalPages: totalPages, Total: total}
	}
	end := start + size
	if end > total {
		end = total
	}
	return Snapshot{Listings: listings[start:end], Page: page, TotalPages: totalPages, Total: total}
}

// MarketDepth returns aggregated price levels for an item's book.
func (c *Coordinator) MarketDepth(item order.ItemKind) book.Depth {
	b := c.peekBook(item)
	if b == nil {
		return book.Depth{Item: item}
	}
	return b.Depth()
}

// ItemStats returns rolling trade statistics for an item.
func (c *Coordinator) ItemStats(item order.ItemKind) analytics.Stats {
	return c.analytics.Stats(item)
}

// AccountView is the owner-facing view of an exchange account: slots with
// their resolved orders, staging, collection summary and cooldowns.
type AccountView struct {
	Owner      order.PlayerID     `json:"owner"`
	Name       string             `json:"name"`
	SellOffers []*order.SellOffer `json:"sellOffers"`
	BuyOrders  []*order.BuyOrder  `json:"buyOrders"`
	Staging    *StagingView       `json:"staging,omitempty"`
	Collection int                `json:"collectionEntries"`
	Cooldowns  map[string]int64   `json:"cooldowns,omitempty"`

	LifetimeSold       int64 `json:"lifetimeSold"`
	LifetimeBought     int64 `json:"lifetimeBought"`
	LifetimeCoinVolume int64 `json:"lifetimeCoinVolume"`
}

type StagingView struct {
	Item order.ItemKind `json:"item"`
	Qty  int64          `json:"qty"`
}

// AccountSnapshot resolves the owner's slots into full order copies.
// Returns nil for a player who has never touched the exchange.
func (c *Coordinator) AccountSnapshot(owner order.PlayerID) *AccountView {
	c.opMu.RLock()
	defer c.opMu.RUnlock()

	acc := c.accounts.Snapshot(owner)
	if acc == nil {
		return nil
	}

	view := &AccountView{
		Owner:              acc.Owner,
		Name:               acc.Name,
		Collection:         len(acc.Collection),
		Cooldowns:          acc.Cooldowns,
		LifetimeSold:       acc.LifetimeSold,
		LifetimeBought:     acc.LifetimeBought,
		LifetimeCoinVolume: acc.LifetimeCoinVolume,
	}
	if acc.Staging != nil {
		view.Staging = &StagingView{Item: acc.Staging.Item, Qty: acc.Staging.Qty}
	}
	for _, id := range acc.SellSlots {
		if id == 0 {
			continue
		}
		if o := c.repo.SellOffer(id); o != nil {
			view.SellOffers = append(view.SellOffers, o)
		}
	}
	for _, id := range acc.BuySlots {
		if id == 0 {
			continue
		}
		if o := c.repo.BuyOrder(id); o != nil {
			view.BuyOrders = append(view.BuyOrders, o)
		}
	}
	return view
}

// Diagnostics summarizes exchange state for the ops endpoint.
type Diagnostics struct {
	ActiveSells  int                  `json:"activeSells"`
	ActiveBuys   int                  `json:"activeBuys"`
	ByStatus     map[string]int       `json:"byStatus"`
	Accounts     int                  `json:"accounts"`
	Books        int                  `json:"books"`
	Custodied    int64                `json:"custodiedCoins"`
	TaxCollected int64                `json:"taxCollected"`
	BookCounters map[string]BookStats `json:"bookCounters"`
}

type BookStats struct {
	Matches    int64 `json:"matches"`
	UnitVolume int64 `json:"unitVolume"`
	CoinVolume int64 `json:"coinVolume"`
}

func (c *Coordinator) Diagnostics() Diagnostics {
	sells, buys := c.repo.CountActive()
	byStatus := make(map[string]int)
	for st, n := range c.repo.CountByStatus() {
		byStatus[st.String()] = n
	}

	c.booksMu.RLock()
	counters := make(map[string]BookStats, len(c.books))
	for item, b := range c.books {
		m, u, cv := b.Counters()
		counters[string(item)] = BookStats{Matches: m, UnitVolume: u, CoinVolume: cv}
	}
	nBooks := len(c.books)
	c.booksMu.RUnlock()

	return Diagnostics{
		ActiveSells:  sells,
		ActiveBuys:   buys,
		ByStatus:     byStatus,
		Accounts:     c.accounts.Count(),
		Books:        nBooks,
		Custodied:    c.ledger.Custodied(),
		TaxCollected: c.ledger.TaxCollected(),
		BookCounters: counters,
	}
}
