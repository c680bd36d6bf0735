package exchange

// Result is the closed set of outcomes a mutating coordinator call can
// produce. Caller input problems come back as codes, never as Go errors or
// panics, and never after partial mutation.
type Result int8

const (
	Success Result = iota
	InvalidSlot
	NoItemInSlot
	MaxActiveOffersReached
	PriceOutOfRange
	InvalidItemState
	NoAvailableSlot
	RateLimited
	InsufficientFunds
	InsufficientInventory
	NotFound
	Rejected
)

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case InvalidSlot:
		return "invalid_slot"
	case NoItemInSlot:
		return "no_item_in_slot"
	case MaxActiveOffersReached:
		return "max_active_offers_reached"
	case PriceOutOfRange:
		return "price_out_of_range"
	case InvalidItemState:
		return "invalid_item_state"
	case NoAvailableSlot:
		return "no_available_slot"
	case RateLimited:
		return "rate_limited"
	case InsufficientFunds:
		return "insufficient_funds"
	case InsufficientInventory:
		return "insufficient_inventory"
	case NotFound:
		return "not_found"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// OK reports whether the call succeeded.
func (r Result) OK() bool { return r == Success }
