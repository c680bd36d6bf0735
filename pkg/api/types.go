package api

// WebSocket message types and shared REST payloads. Most REST endpoints
// serve exchange types directly; only the wire-specific shapes live here.

// WSSubscribeRequest is sent by a client to manage channel subscriptions.
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g. ["trades", "trades:ore:iron", "depth:ore:iron"]
}

// TradeUpdate is broadcast on the "trades" channel (and "trades:<item>")
// when a match executes.
type TradeUpdate struct {
	Type      string `json:"type"` // "trade"
	TradeID   string `json:"tradeId"`
	Item      string `json:"item"`
	Price     int64  `json:"price"`
	Qty       int64  `json:"qty"`
	Timestamp int64  `json:"timestamp"`
}

// DepthUpdate is broadcast on "depth:<item>" after the item's book changes.
type DepthUpdate struct {
	Type      string       `json:"type"` // "depth"
	Item      string       `json:"item"`
	Buys      []PriceLevel `json:"buys"`
	Sells     []PriceLevel `json:"sells"`
	Timestamp int64        `json:"timestamp"`
}

// PriceLevel is a [price, qty] tuple of one aggregated book level.
type PriceLevel struct {
	Price int64 `json:"price"`
	Qty   int64 `json:"qty"`
}

// ErrorResponse is returned for all REST errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
