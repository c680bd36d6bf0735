package order

import "fmt"

// PlayerID identifies a participant. IDs come from the surrounding world
// state; the exchange never mints them.
type PlayerID int64

// ItemKind names a fungible traded good. Kinds may carry a category prefix
// separated by a colon, e.g. "ore:iron_ingot".
type ItemKind string

// Category returns the portion before the first colon, or "" when the kind
// is uncategorized.
func (k ItemKind) Category() string {
	for i := 0; i < len(k); i++ {
		if k[i] == ':' {
			return string(k[:i])
		}
	}
	return ""
}

// Side of the book an order rests on.
type Side int8

const (
	SideSell Side = 1
	SideBuy  Side = -1
)

func (s Side) String() string {
	switch s {
	case SideSell:
		return "sell"
	case SideBuy:
		return "buy"
	default:
		return "unknown"
	}
}

// Status is the lifecycle state shared by sell offers and buy orders.
// Draft only occurs on sell offers while staged goods have not been posted.
// Completed, Expired and Cancelled are terminal.
type Status int8

const (
	StatusDraft Status = iota
	StatusActive
	StatusDisabled
	StatusPartial
	StatusCompleted
	StatusExpired
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusDraft:
		return "draft"
	case StatusActive:
		return "active"
	case StatusDisabled:
		return "disabled"
	case StatusPartial:
		return "partial"
	case StatusCompleted:
		return "completed"
	case StatusExpired:
		return "expired"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusExpired || s == StatusCancelled
}

// Matchable reports whether an order in this state may rest on the book.
func (s Status) Matchable() bool {
	return s == StatusActive || s == StatusPartial
}

// Transition validates a state change. Terminal states never revert.
func Transition(from, to Status) error {
	if from.Terminal() {
		return fmt.Errorf("order state %s is terminal, cannot move to %s", from, to)
	}
	return nil
}

// SellOffer is a standing commitment to sell QtyRemaining units of Item at
// Price coins per unit. The goods were escrowed out of the owner's inventory
// when the offer was staged; the offer itself is the item pledge.
type SellOffer struct {
	ID           int64
	Owner        PlayerID
	OwnerName    string
	Item         ItemKind
	QtyTotal     int64
	QtyRemaining int64
	Price        int64 // coins per unit
	Enabled      bool
	Status       Status
	CreatedAt    int64 // unix millis
	ExpiresAt    int64 // unix millis, 0 = never
}

// Clone returns a defensive copy.
func (o *SellOffer) Clone() *SellOffer {
	cp := *o
	return &cp
}

// Expired reports whether the offer's lifetime has elapsed at now (millis).
func (o *SellOffer) Expired(now int64) bool {
	return o.ExpiresAt > 0 && now >= o.ExpiresAt && !o.Status.Terminal()
}

// BuyOrder is a standing commitment to buy QtyRemaining units of Item at up
// to Price coins per unit, backed by EscrowedCoins held by the ledger.
// Invariant while enabled: EscrowedCoins == Price * QtyRemaining.
type BuyOrder struct {
	ID            int64
	Owner         PlayerID
	OwnerName     string
	Item          ItemKind
	QtyTotal      int64
	QtyRemaining  int64
	Price         int64
	Enabled       bool
	Status        Status
	EscrowedCoins int64
	CreatedAt     int64
	DurationDays  int
	ExpiresAt     int64
}

func (o *BuyOrder) Clone() *BuyOrder {
	cp := *o
	return &cp
}

func (o *BuyOrder) Expired(now int64) bool {
	return o.ExpiresAt > 0 && now >= o.ExpiresAt && !o.Status.Terminal()
}
