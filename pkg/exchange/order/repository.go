package order

import (
	"sort"
	"sync"
)

// Repository is the sole owner of sell offer and buy order state. It keeps a
// primary id map per side plus secondary indices by item and by owner, all
// mutated together under one lock so readers never observe drift between
// them. Mutations come from the world tick thread; concurrent readers
// (snapshots, diagnostics) get defensive copies.
type Repository struct {
	mu sync.RWMutex

	offers map[int64]*SellOffer
	buys   map[int64]*BuyOrder

	sellByItem  map[ItemKind]map[int64]struct{}
	buyByItem   map[ItemKind]map[int64]struct{}
	sellByOwner map[PlayerID]map[int64]struct{}
	buyByOwner  map[PlayerID]map[int64]struct{}
}

func NewRepository() *Repository {
	return &Repository{
		offers:      make(map[int64]*SellOffer),
		buys:        make(map[int64]*BuyOrder),
		sellByItem:  make(map[ItemKind]map[int64]struct{}),
		buyByItem:   make(map[ItemKind]map[int64]struct{}),
		sellByOwner: make(map[PlayerID]map[int64]struct{}),
		buyByOwner:  make(map[PlayerID]map[int64]struct{}),
	}
}

func indexAdd[K comparable](idx map[K]map[int64]struct{}, key K, id int64) {
	bucket, ok := idx[key]
	if !ok {
		bucket = make(map[int64]struct{})
		idx[key] = bucket
	}
	bucket[id] = struct{}{}
}

// indexRemove drops id from the bucket and removes the bucket itself once
// empty, so stale keys never accumulate.
func indexRemove[K comparable](idx map[K]map[int64]struct{}, key K, id int64) {
	bucket, ok := idx[key]
	if !ok {
		return
	}
	delete(bucket, id)
	if len(bucket) == 0 {
		delete(idx, key)
	}
}

// SaveSellOffer upserts an offer. If the offer's item or owner changed since
// the last save, the old index entries are removed before the new ones are
// added.
func (r *Repository) SaveSellOffer(o *SellOffer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.offers[o.ID]; ok {
		if prev.Item != o.Item {
			indexRemove(r.sellByItem, prev.Item, o.ID)
		}
		if prev.Owner != o.Owner {
			indexRemove(r.sellByOwner, prev.Owner, o.ID)
		}
	}
	r.offers[o.ID] = o.Clone()
	indexAdd(r.sellByItem, o.Item, o.ID)
	indexAdd(r.sellByOwner, o.Owner, o.ID)
}

func (r *Repository) SaveBuyOrder(o *BuyOrder) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.buys[o.ID]; ok {
		if prev.Item != o.Item {
			indexRemove(r.buyByItem, prev.Item, o.ID)
		}
		if prev.Owner != o.Owner {
			indexRemove(r.buyByOwner, prev.Owner, o.ID)
		}
	}
	r.buys[o.ID] = o.Clone()
	indexAdd(r.buyByItem, o.Item, o.ID)
	indexAdd(r.buyByOwner, o.Owner, o.ID)
}

// SellOffer returns a copy of the offer, or nil if unknown.
func (r *Repository) SellOffer(id int64) *SellOffer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if o, ok := r.offers[id]; ok {
		return o.Clone()
	}
	return nil
}

// BuyOrder returns a copy of the order, or nil if unknown.
func (r *Repository) BuyOrder(id int64) *BuyOrder {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if o, ok := r.buys[id]; ok {
		return o.Clone()
	}
	return nil
}

// ActiveSellsByItem returns copies of all matchable sell offers for an item,
// price ascending, creation order (id) within a price.
func (r *Repository) ActiveSellsByItem(item ItemKind) []*SellOffer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*SellOffer
	for id := range r.sellByItem[item] {
		o := r.offers[id]
		if o.Enabled && o.Status.Matchable() {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Price != out[j].Price {
			return out[i].Price < out[j].Price
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ActiveBuysByItem returns copies of all matchable buy orders for an item,
// price descending, creation order within a price.
func (r *Repository) ActiveBuysByItem(item ItemKind) []*BuyOrder {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*BuyOrder
	for id := range r.buyByItem[item] {
		o := r.buys[id]
		if o.Enabled && o.Status.Matchable() {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Price != out[j].Price {
			return out[i].Price > out[j].Price
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ByOwner returns copies of everything a player owns, id ascending.
func (r *Repository) ByOwner(owner PlayerID) ([]*SellOffer, []*BuyOrder) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var sells []*SellOffer
	for id := range r.sellByOwner[owner] {
		sells = append(sells, r.offers[id].Clone())
	}
	sort.Slice(sells, func(i, j int) bool { return sells[i].ID < sells[j].ID })

	var buys []*BuyOrder
	for id := range r.buyByOwner[owner] {
		buys = append(buys, r.buys[id].Clone())
	}
	sort.Slice(buys, func(i, j int) bool { return buys[i].ID < buys[j].ID })

	return sells, buys
}

// AllSellOffers returns copies of every sell offer, id ascending.
func (r *Repository) AllSellOffers() []*SellOffer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*SellOffer, 0, len(r.offers))
	for _, o := range r.offers {
		out = append(out, o.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AllBuyOrders returns copies of every buy order, id ascending.
func (r *Repository) AllBuyOrders() []*BuyOrder {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*BuyOrder, 0, len(r.buys))
	for _, o := range r.buys {
		out = append(out, o.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DeleteSellOffer removes an offer and its index entries. Unknown ids are a
// no-op.
func (r *Repository) DeleteSellOffer(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.offers[id]
	if !ok {
		return
	}
	delete(r.offers, id)
	indexRemove(r.sellByItem, o.Item, id)
	indexRemove(r.sellByOwner, o.Owner, id)
}

func (r *Repository) DeleteBuyOrder(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.buys[id]
	if !ok {
		return
	}
	delete(r.buys, id)
	indexRemove(r.buyByItem, o.Item, id)
	indexRemove(r.buyByOwner, o.Owner, id)
}

// CountActive returns the number of matchable orders on each side.
func (r *Repository) CountActive() (sells, buys int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, o := range r.offers {
		if o.Enabled && o.Status.Matchable() {
			sells++
		}
	}
	for _, o := range r.buys {
		if o.Enabled && o.Status.Matchable() {
			buys++
		}
	}
	return
}

// CountByStatus tallies orders per state for diagnostics.
func (r *Repository) CountByStatus() map[Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[Status]int)
	for _, o := range r.offers {
		counts[o.Status]++
	}
	for _, o := range r.buys {
		counts[o.Status]++
	}
	return counts
}
