package account

import (
	"errors"

	"github.com/google/uuid"

	"github.com/hollowforge/tradepost/pkg/exchange/order"
)

// CoinItem is the reserved item kind used when sale proceeds are routed
// through the collection box as coins.
const CoinItem order.ItemKind = "coin"

var (
	ErrInvalidSlot     = errors.New("slot index out of range")
	ErrSlotOccupied    = errors.New("slot already holds an order")
	ErrSlotEmpty       = errors.New("slot holds no order")
	ErrNoAvailableSlot = errors.New("no free slot")
	ErrNoItemStaged    = errors.New("staging slot is empty")
	ErrStagingOccupied = errors.New("staging slot already holds items")
	ErrMaxActiveOffers = errors.New("active sell offer cap reached")
)

// StagedItem holds goods pulled out of the player's inventory but not yet
// posted as an offer. The items are already escrowed: cancel of a draft
// routes them to the collection box, never silently back to inventory.
type StagedItem struct {
	Item order.ItemKind `json:"item"`
	Qty  int64          `json:"qty"`
}

// CollectionEntry is one pending payout awaiting an explicit claim.
// Immutable once created.
type CollectionEntry struct {
	ID        string         `json:"id"`
	Item      order.ItemKind `json:"item"`
	Qty       int64          `json:"qty"`
	Timestamp int64          `json:"timestamp"` // unix millis
	Source    string         `json:"source"`    // "sale", "refund", "cleanup", ...
}

// NewCollectionEntry stamps a fresh entry.
func NewCollectionEntry(item order.ItemKind, qty int64, now int64, source string) CollectionEntry {
	return CollectionEntry{
		ID:        uuid.NewString(),
		Item:      item,
		Qty:       qty,
		Timestamp: now,
		Source:    source,
	}
}

// Account is a player's exchange-side state: fixed sell/buy slot arrays
// holding order ids (0 = empty), the staging slot, the collection box and
// lifetime counters. Slots hold only ids; order state lives in the
// repository and is resolved at read time.
type Account struct {
	Owner order.PlayerID `json:"owner"`
	Name  string         `json:"name"`

	SellSlots []int64 `json:"sellSlots"`
	BuySlots  []int64 `json:"buySlots"`

	Staging *StagedItem `json:"staging,omitempty"`

	Collection []CollectionEntry `json:"collection"`

	ActiveSells int `json:"activeSells"`

	LifetimeSold       int64 `json:"lifetimeSold"`       // units sold
	LifetimeBought     int64 `json:"lifetimeBought"`     // units bought
	LifetimeCoinVolume int64 `json:"lifetimeCoinVolume"` // coins traded

	// Cooldowns holds the last-action stamp per action kind (unix millis).
	// The rate limiter is seeded from this on load.
	Cooldowns map[string]int64 `json:"cooldowns,omitempty"`
}

func New(owner order.PlayerID, name string, sellSlots, buySlots int) *Account {
	return &Account{
		Owner:     owner,
		Name:      name,
		SellSlots: make([]int64, sellSlots),
		BuySlots:  make([]int64, buySlots),
		Cooldowns: make(map[string]int64),
	}
}

// SellSlotID returns the order id in a sell slot after a bounds check.
func (a *Account) SellSlotID(slot int) (int64, error) {
	if slot < 0 || slot >= len(a.SellSlots) {
		return 0, ErrInvalidSlot
	}
	if a.SellSlots[slot] == 0 {
		return 0, ErrSlotEmpty
	}
	return a.SellSlots[slot], nil
}

func (a *Account) BuySlotID(slot int) (int64, error) {
	if slot < 0 || slot >= len(a.BuySlots) {
		return 0, ErrInvalidSlot
	}
	if a.BuySlots[slot] == 0 {
		return 0, ErrSlotEmpty
	}
	return a.BuySlots[slot], nil
}

// FreeSellSlot returns the lowest empty sell slot.
func (a *Account) FreeSellSlot() (int, error) {
	for i, id := range a.SellSlots {
		if id == 0 {
			return i, nil
		}
	}
	return 0, ErrNoAvailableSlot
}

func (a *Account) FreeBuySlot() (int, error) {
	for i, id := range a.BuySlots {
		if id == 0 {
			return i, nil
		}
	}
	return 0, ErrNoAvailableSlot
}

// ClearSellSlot empties whichever sell slot holds id.
func (a *Account) ClearSellSlot(id int64) {
	for i, v := range a.SellSlots {
		if v == id {
			a.SellSlots[i] = 0
			return
		}
	}
}

func (a *Account) ClearBuySlot(id int64) {
	for i, v := range a.BuySlots {
		if v == id {
			a.BuySlots[i] = 0
			return
		}
	}
}

// PushCollection appends a pending payout to the collection box.
func (a *Account) PushCollection(e CollectionEntry) {
	a.Collection = append(a.Collection, e)
}

// CollectionPage returns one page of collection entries (copies) plus the
// total page count. Pages are zero-based; out-of-range pages are empty.
func (a *Account) CollectionPage(page, pageSize int) ([]CollectionEntry, int) {
	if pageSize <= 0 {
		return nil, 0
	}
	total := (len(a.Collection) + pageSize - 1) / pageSize
	if page < 0 || page >= total {
		return nil, total
	}
	start := page * pageSize
	end := start + pageSize
	if end > len(a.Collection) {
		end = len(a.Collection)
	}
	out := make([]CollectionEntry, end-start)
	copy(out, a.Collection[start:end])
	return out, total
}

// RemoveCollectionEntry drops a claimed entry by id. Returns false if the id
// is unknown.
func (a *Account) RemoveCollectionEntry(id string) bool {
	for i, e := range a.Collection {
		if e.ID == id {
			a.Collection = append(a.Collection[:i], a.Collection[i+1:]...)
			return true
		}
	}
	return false
}

// Clone returns a deep defensive copy.
func (a *Account) Clone() *Account {
	cp := *a
	cp.SellSlots = append([]int64(nil), a.SellSlots...)
	cp.BuySlots = append([]int64(nil), a.BuySlots...)
	cp.Collection = append([]CollectionEntry(nil), a.Collection...)
	if a.Staging != nil {
		st := *a.Staging
		cp.Staging = &st
	}
	cp.Cooldowns = make(map[string]int64, len(a.Cooldowns))
	for k, v := range a.Cooldowns {
		cp.Cooldowns[k] = v
	}
	return &cp
}
