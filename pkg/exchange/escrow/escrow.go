package escrow

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/hollowforge/tradepost/pkg/exchange/order"
)

// Wallet is the external coin custodian (the game's bank). The ledger is the
// only exchange component allowed to call it.
type Wallet interface {
	// TryWithdraw removes amount from the player's balance. Returns false
	// with no state change if the balance is insufficient.
	TryWithdraw(owner order.PlayerID, amount int64) bool
	Deposit(owner order.PlayerID, amount int64)
	Balance(owner order.PlayerID) int64
}

// Inventory is the external item custodian (the player's storage).
type Inventory interface {
	// TryRemove takes up to qty units and returns how many actually came out.
	TryRemove(owner order.PlayerID, item order.ItemKind, qty int64) int64
	// TryAdd inserts up to qty units and returns the leftover that did not fit.
	TryAdd(owner order.PlayerID, item order.ItemKind, qty int64) int64
}

// Ledger custodies coins pledged by buy orders and accounts for items
// pledged by sell offers. Invariant: the custodied coin total always equals
// the sum of EscrowedCoins over non-terminal buy orders; Reconcile checks it.
type Ledger struct {
	mu sync.Mutex

	wallet    Wallet
	inventory Inventory

	custodied    int64 // coins currently held against buy orders
	taxCollected int64 // lifetime tax taken from proceeds
	taxBps       int64

	log *zap.SugaredLogger
}

func NewLedger(wallet Wallet, inventory Inventory, taxBps int64, log *zap.SugaredLogger) *Ledger {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Ledger{
		wallet:    wallet,
		inventory: inventory,
		taxBps:    taxBps,
		log:       log,
	}
}

// EscrowForBuy withdraws amount from the owner's wallet into custody.
// Returns false with no state change if the wallet refuses.
func (l *Ledger) EscrowForBuy(owner order.PlayerID, amount int64) bool {
	if amount <= 0 {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.wallet.TryWithdraw(owner, amount) {
		return false
	}
	l.custodied += amount
	return true
}

// Release moves qty*makerPrice out of the buy order's escrow during a match.
// This is internal bookkeeping, not a wallet call: the coins move from
// escrow accounting to a payout. Tax is floor-deducted here; the net amount
// is what the seller receives. The mutated buy order is the caller's working
// copy; the caller saves it back in the same logical step.
func (l *Ledger) Release(buy *order.BuyOrder, qty, makerPrice int64) (net, tax int64, err error) {
	amount := qty * makerPrice
	if amount <= 0 {
		return 0, 0, fmt.Errorf("release amount must be positive: qty=%d price=%d", qty, makerPrice)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if buy.EscrowedCoins < amount {
		return 0, 0, fmt.Errorf("buy order %d escrow %d below release %d", buy.ID, buy.EscrowedCoins, amount)
	}
	if l.custodied < amount {
		return 0, 0, fmt.Errorf("ledger custody %d below release %d", l.custodied, amount)
	}

	buy.EscrowedCoins -= amount
	l.custodied -= amount

	tax = amount * l.taxBps / 10000
	l.taxCollected += tax
	return amount - tax, tax, nil
}

// RefundEscrow deposits the order's full remaining escrow back to the
// owner's wallet and zeroes it. Used on cancel and expiry.
func (l *Ledger) RefundEscrow(buy *order.BuyOrder) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	amount := buy.EscrowedCoins
	if amount <= 0 {
		return 0
	}
	if l.custodied < amount {
		// A refund larger than custody means double-release; refuse and flag.
		l.log.Errorw("escrow_refund_exceeds_custody", "order", buy.ID, "escrow", amount, "custodied", l.custodied)
		return 0
	}

	buy.EscrowedCoins = 0
	l.custodied -= amount
	l.wallet.Deposit(buy.Owner, amount)
	return amount
}

// RefundExcess returns part of an order's escrow to the owner's wallet.
// Used when fills at better-than-limit maker prices leave the order holding
// more than its remaining commitment.
func (l *Ledger) RefundExcess(buy *order.BuyOrder, amount int64) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	if amount <= 0 || amount > buy.EscrowedCoins || amount > l.custodied {
		return 0
	}
	buy.EscrowedCoins -= amount
	l.custodied -= amount
	l.wallet.Deposit(buy.Owner, amount)
	return amount
}

// Payout deposits matched proceeds into the seller's wallet.
func (l *Ledger) Payout(owner order.PlayerID, amount int64) {
	if amount <= 0 {
		return
	}
	l.wallet.Deposit(owner, amount)
}

// EscrowItems removes up to qty units from the owner's inventory. The
// returned remainder is uncommitted: the caller either fails the operation
// (after ReturnItems) or sizes the offer down.
func (l *Ledger) EscrowItems(owner order.PlayerID, item order.ItemKind, qty int64) (removed, remainder int64) {
	if qty <= 0 {
		return 0, 0
	}
	removed = l.inventory.TryRemove(owner, item, qty)
	return removed, qty - removed
}

// DeliverItems hands claimed goods to the owner's inventory and returns the
// leftover that did not fit. The caller keeps the leftover pending.
func (l *Ledger) DeliverItems(owner order.PlayerID, item order.ItemKind, qty int64) int64 {
	if qty <= 0 {
		return 0
	}
	return l.inventory.TryAdd(owner, item, qty)
}

// ReturnItems puts an uncommitted removal back into the inventory.
func (l *Ledger) ReturnItems(owner order.PlayerID, item order.ItemKind, qty int64) {
	if qty <= 0 {
		return
	}
	if leftover := l.inventory.TryAdd(owner, item, qty); leftover > 0 {
		// Inventory filled up between remove and return. Should not happen on
		// the tick thread; log loudly rather than lose items silently.
		l.log.Errorw("item_return_overflow", "owner", owner, "item", item, "leftover", leftover)
	}
}

// Custodied returns the coin total currently held against buy orders.
func (l *Ledger) Custodied() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.custodied
}

// TaxCollected returns lifetime tax taken from proceeds.
func (l *Ledger) TaxCollected() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.taxCollected
}

// SetCustodied restores the custody counter when reloading persisted orders.
func (l *Ledger) SetCustodied(total int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.custodied = total
}

// Reconcile verifies the conservation invariant against the repository:
// the custodied total must equal the sum of escrow over non-terminal buy
// orders. A mismatch is a programming defect, not a runtime condition.
func (l *Ledger) Reconcile(repo *order.Repository) error {
	var sum int64
	for _, o := range repo.AllBuyOrders() {
		if !o.Status.Terminal() {
			sum += o.EscrowedCoins
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if sum != l.custodied {
		return fmt.Errorf("escrow drift: orders hold %d, ledger custodies %d", sum, l.custodied)
	}
	return nil
}
