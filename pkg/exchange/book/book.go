package book

import (
	"container/heap"
	"sort"
	"sync"

	"github.com/hollowforge/tradepost/pkg/exchange/order"
)

// Entry is a resting order reference: the id plus a remaining-quantity
// mirror the match loop works against. The repository stays the owner of
// full order state; the coordinator applies every fill to it in the same
// logical step, so mirror and repository never diverge.
type Entry struct {
	ID    int64
	Owner order.PlayerID
	Qty   int64
}

// Taker is the incoming side of a match: a working reference to the order
// that just became matchable.
type Taker struct {
	ID    int64
	Owner order.PlayerID
	Qty   int64
	Limit int64 // price bound: max for buys, min for sells
}

// Fill records one crossing. Price is always the maker (resting) price.
type Fill struct {
	SellID  int64
	BuyID   int64
	TakerID int64
	MakerID int64
	Seller  order.PlayerID
	Buyer   order.PlayerID
	Price   int64
	Qty     int64
	// MakerRemaining is the resting order's quantity after this fill.
	MakerRemaining int64
}

// PriceLevel aggregates resting quantity at one price.
type PriceLevel struct {
	Price int64 `json:"price"`
	Qty   int64 `json:"qty"`
}

// Depth is a read-only snapshot of both sides of a book.
type Depth struct {
	Item      order.ItemKind `json:"item"`
	BuyLevels []PriceLevel   `json:"buyLevels"`  // price descending
	SellLevels []PriceLevel  `json:"sellLevels"` // price ascending
	BestBid   int64          `json:"bestBid"`    // 0 if no bids
	BestAsk   int64          `json:"bestAsk"`    // 0 if no asks
	Spread    int64          `json:"spread"`     // 0 unless both sides present
}

// Book holds the resting orders for one item kind: sells price-ascending,
// buys price-descending, FIFO within a price level. Ids are assigned
// monotonically, so FIFO order within a level is creation order.
//
// Mutations come from the tick thread through the coordinator; the lock
// exists so snapshot readers on other threads never see a half-updated
// structure.
type Book struct {
	mu sync.RWMutex

	item order.ItemKind

	bidHeap *MaxPriceHeap
	askHeap *MinPriceHeap

	bids map[int64][]*Entry // price -> FIFO queue
	asks map[int64][]*Entry

	index map[int64]int64 // order id -> resting price, O(1) removal

	matches    int64
	unitVolume int64
	coinVolume int64
}

func New(item order.ItemKind) *Book {
	bidHeap := &MaxPriceHeap{}
	askHeap := &MinPriceHeap{}
	heap.Init(bidHeap)
	heap.Init(askHeap)

	return &Book{
		item:    item,
		bidHeap: bidHeap,
		askHeap: askHeap,
		bids:    make(map[int64][]*Entry),
		asks:    make(map[int64][]*Entry),
		index:   make(map[int64]int64),
	}
}

func (b *Book) Item() order.ItemKind { return b.item }

func (b *Book) bestBid() (int64, bool) {
	if b.bidHeap.Len() == 0 {
		return 0, false
	}
	return b.bidHeap.Peek(), true
}

func (b *Book) bestAsk() (int64, bool) {
	if b.askHeap.Len() == 0 {
		return 0, false
	}
	return b.askHeap.Peek(), true
}

// InsertSell rests a sell offer at price. The caller guarantees no crossing
// bid remains (it ran the match loop first).
func (b *Book) InsertSell(e Entry, price int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.asks[price]) == 0 {
		heap.Push(b.askHeap, price)
	}
	cp := e
	b.asks[price] = append(b.asks[price], &cp)
	b.index[e.ID] = price
}

// InsertBuy rests a buy order at price.
func (b *Book) InsertBuy(e Entry, price int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.bids[price]) == 0 {
		heap.Push(b.bidHeap, price)
	}
	cp := e
	b.bids[price] = append(b.bids[price], &cp)
	b.index[e.ID] = price
}

// Remove takes a resting order off the book. Returns false if the id is not
// resting here.
func (b *Book) Remove(id int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	price, ok := b.index[id]
	if !ok {
		return false
	}

	if arr, exists := b.asks[price]; exists {
		for i, e := range arr {
			if e.ID == id {
				b.asks[price] = append(arr[:i], arr[i+1:]...)
				if len(b.asks[price]) == 0 {
					delete(b.asks, price)
					b.removeFromAskHeap(price)
				}
				delete(b.index, id)
				return true
			}
		}
	}
	if arr, exists := b.bids[price]; exists {
		for i, e := range arr {
			if e.ID == id {
				b.bids[price] = append(arr[:i], arr[i+1:]...)
				if len(b.bids[price]) == 0 {
					delete(b.bids, price)
					b.removeFromBidHeap(price)
				}
				delete(b.index, id)
				return true
			}
		}
	}
	return false
}

// Contains reports whether id is resting on either side.
func (b *Book) Contains(id int64) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.index[id]
	return ok
}

func (b *Book) removeFromBidHeap(price int64) {
	for i := 0; i < b.bidHeap.Len(); i++ {
		if (*b.bidHeap)[i] == price {
			heap.Remove(b.bidHeap, i)
			return
		}
	}
}

func (b *Book) removeFromAskHeap(price int64) {
	for i := 0; i < b.askHeap.Len(); i++ {
		if (*b.askHeap)[i] == price {
			heap.Remove(b.askHeap, i)
			return
		}
	}
}

// MatchBuy runs the incoming buy against resting sells while the best ask is
// at or below the taker's limit. Fills execute at the resting (maker) price.
// The taker's Qty is decremented in place; the caller rests the remainder
// with InsertBuy if any.
func (b *Book) MatchBuy(t *Taker) []Fill {
	b.mu.Lock()
	defer b.mu.Unlock()

	var fills []Fill
	for t.Qty > 0 {
		askP, ok := b.bestAsk()
		if !ok || askP > t.Limit {
			break
		}
		level := b.asks[askP]
		if len(level) == 0 {
			delete(b.asks, askP)
			b.removeFromAskHeap(askP)
			continue
		}
		maker := level[0]
		matched := min64(t.Qty, maker.Qty)
		t.Qty -= matched
		maker.Qty -= matched

		fills = append(fills, Fill{
			SellID:         maker.ID,
			BuyID:          t.ID,
			TakerID:        t.ID,
			MakerID:        maker.ID,
			Seller:         maker.Owner,
			Buyer:          t.Owner,
			Price:          askP,
			Qty:            matched,
			MakerRemaining: maker.Qty,
		})
		b.matches++
		b.unitVolume += matched
		b.coinVolume += matched * askP

		if maker.Qty == 0 {
			b.asks[askP] = level[1:]
			delete(b.index, maker.ID)
			if len(b.asks[askP]) == 0 {
				delete(b.asks, askP)
				b.removeFromAskHeap(askP)
			}
		}
	}
	return fills
}

// MatchSell runs the incoming sell against resting buys while the best bid
// is at or above the taker's limit.
func (b *Book) MatchSell(t *Taker) []Fill {
	b.mu.Lock()
	defer b.mu.Unlock()

	var fills []Fill
	for t.Qty > 0 {
		bidP, ok := b.bestBid()
		if !ok || bidP < t.Limit {
			break
		}
		level := b.bids[bidP]
		if len(level) == 0 {
			delete(b.bids, bidP)
			b.removeFromBidHeap(bidP)
			continue
		}
		maker := level[0]
		matched := min64(t.Qty, maker.Qty)
		t.Qty -= matched
		maker.Qty -= matched

		fills = append(fills, Fill{
			SellID:         t.ID,
			BuyID:          maker.ID,
			TakerID:        t.ID,
			MakerID:        maker.ID,
			Seller:         t.Owner,
			Buyer:          maker.Owner,
			Price:          bidP,
			Qty:            matched,
			MakerRemaining: maker.Qty,
		})
		b.matches++
		b.unitVolume += matched
		b.coinVolume += matched * bidP

		if maker.Qty == 0 {
			b.bids[bidP] = level[1:]
			delete(b.index, maker.ID)
			if len(b.bids[bidP]) == 0 {
				delete(b.bids, bidP)
				b.removeFromBidHeap(bidP)
			}
		}
	}
	return fills
}

// Depth aggregates both sides into a snapshot for remote viewers.
func (b *Book) Depth() Depth {
	b.mu.RLock()
	defer b.mu.RUnlock()

	d := Depth{Item: b.item}
	for price, entries := range b.bids {
		var qty int64
		for _, e := range entries {
			qty += e.Qty
		}
		if qty > 0 {
			d.BuyLevels = append(d.BuyLevels, PriceLevel{Price: price, Qty: qty})
		}
	}
	sort.Slice(d.BuyLevels, func(i, j int) bool { return d.BuyLevels[i].Price > d.BuyLevels[j].Price })

	for price, entries := range b.asks {
		var qty int64
		for _, e := range entries {
			qty += e.Qty
		}
		if qty > 0 {
			d.SellLevels = append(d.SellLevels, PriceLevel{Price: price, Qty: qty})
		}
	}
	sort.Slice(d.SellLevels, func(i, j int) bool { return d.SellLevels[i].Price < d.SellLevels[j].Price })

	if len(d.BuyLevels) > 0 {
		d.BestBid = d.BuyLevels[0].Price
	}
	if len(d.SellLevels) > 0 {
		d.BestAsk = d.SellLevels[0].Price
	}
	if d.BestBid > 0 && d.BestAsk > 0 {
		d.Spread = d.BestAsk - d.BestBid
	}
	return d
}

// RestingIDs returns the ids resting on each side, id ascending. Used for
// the persisted book record.
func (b *Book) RestingIDs() (sells, buys []int64) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, level := range b.asks {
		for _, e := range level {
			sells = append(sells, e.ID)
		}
	}
	for _, level := range b.bids {
		for _, e := range level {
			buys = append(buys, e.ID)
		}
	}
	sort.Slice(sells, func(i, j int) bool { return sells[i] < sells[j] })
	sort.Slice(buys, func(i, j int) bool { return buys[i] < buys[j] })
	return
}

// Counters returns lifetime match count, unit volume and coin volume.
func (b *Book) Counters() (matches, unitVolume, coinVolume int64) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.matches, b.unitVolume, b.coinVolume
}

// SetCounters restores persisted counters on load.
func (b *Book) SetCounters(matches, unitVolume, coinVolume int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.matches = matches
	b.unitVolume = unitVolume
	b.coinVolume = coinVolume
}

// Empty reports whether both sides are empty.
func (b *Book) Empty() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.index) == 0
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
