// Package memledger provides in-memory Wallet and Inventory backends for
// development nodes and tests. A live deployment implements those
// interfaces over the game's own player state instead.
package memledger

import (
	"sync"

	"github.com/hollowforge/tradepost/pkg/exchange/order"
)

// Wallet is a thread-safe in-memory coin balance per player.
type Wallet struct {
	mu       sync.Mutex
	balances map[order.PlayerID]int64
}

func NewWallet() *Wallet {
	return &Wallet{balances: make(map[order.PlayerID]int64)}
}

// Credit adds coins to a player, creating the balance entry if needed.
func (w *Wallet) Credit(owner order.PlayerID, amount int64) {
	w.mu.Lock()
	w.balances[owner] += amount
	w.mu.Unlock()
}

func (w *Wallet) TryWithdraw(owner order.PlayerID, amount int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.balances[owner] < amount {
		return false
	}
	w.balances[owner] -= amount
	return true
}

func (w *Wallet) Deposit(owner order.PlayerID, amount int64) {
	w.Credit(owner, amount)
}

func (w *Wallet) Balance(owner order.PlayerID) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balances[owner]
}

// Inventory is a thread-safe in-memory item store per player. Unlimited by
// default; SetCapacity caps a stack so delivery overflow paths can be
// exercised.
type Inventory struct {
	mu    sync.Mutex
	items map[order.PlayerID]map[order.ItemKind]int64
	caps  map[order.PlayerID]map[order.ItemKind]int64
}

func NewInventory() *Inventory {
	return &Inventory{
		items: make(map[order.PlayerID]map[order.ItemKind]int64),
		caps:  make(map[order.PlayerID]map[order.ItemKind]int64),
	}
}

// Grant adds items to a player, ignoring any capacity cap.
func (inv *Inventory) Grant(owner order.PlayerID, item order.ItemKind, qty int64) {
	inv.mu.Lock()
	inv.grant(owner, item, qty)
	inv.mu.Unlock()
}

func (inv *Inventory) grant(owner order.PlayerID, item order.ItemKind, qty int64) {
	bag := inv.items[owner]
	if bag == nil {
		bag = make(map[order.ItemKind]int64)
		inv.items[owner] = bag
	}
	bag[item] += qty
}

// SetCapacity caps how many units of item the player can hold.
func (inv *Inventory) SetCapacity(owner order.PlayerID, item order.ItemKind, max int64) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	caps := inv.caps[owner]
	if caps == nil {
		caps = make(map[order.ItemKind]int64)
		inv.caps[owner] = caps
	}
	caps[item] = max
}

// TryRemove takes up to qty units, returning how many were actually
// removed.
func (inv *Inventory) TryRemove(owner order.PlayerID, item order.ItemKind, qty int64) int64 {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	bag := inv.items[owner]
	have := bag[item]
	if have == 0 {
		return 0
	}
	take := qty
	if take > have {
		take = have
	}
	bag[item] -= take
	if bag[item] == 0 {
		delete(bag, item)
	}
	return take
}

// TryAdd inserts up to qty units, honoring any capacity cap, and returns
// the leftover that did not fit. Uncapped stacks always take everything.
func (inv *Inventory) TryAdd(owner order.PlayerID, item order.ItemKind, qty int64) int64 {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	fit := qty
	if max, ok := inv.caps[owner][item]; ok {
		room := max - inv.items[owner][item]
		if room < 0 {
			room = 0
		}
		if fit > room {
			fit = room
		}
	}
	if fit > 0 {
		inv.grant(owner, item, fit)
	}
	return qty - fit
}

func (inv *Inventory) Count(owner order.PlayerID, item order.ItemKind) int64 {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.items[owner][item]
}
