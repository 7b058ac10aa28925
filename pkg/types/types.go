// Package types provides the wire and event types shared by the streaming core.
package types

// PriceLevel represents a single price level in an order book.
// Prices and sizes are kept as wire strings so re-emitted snapshots compare
// equal to what the upstream sent.
type PriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// Auth holds the credentials for the authenticated user channel.
// Key doubles as the user identity.
type Auth struct {
	Key        string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// MarketMessage represents a message received on the market channel.
// The channel multiplexes several event types over one shape; fields not
// used by a given event type are left empty.
type MarketMessage struct {
	EventType      string        `json:"event_type"`
	Market         string        `json:"market,omitempty"`
	AssetID        string        `json:"asset_id,omitempty"`
	Timestamp      string        `json:"timestamp,omitempty"`
	Hash           string        `json:"hash,omitempty"`
	Bids           []PriceLevel  `json:"bids,omitempty"`
	Asks           []PriceLevel  `json:"asks,omitempty"`
	LastTradePrice string        `json:"last_trade_price,omitempty"`
	PriceChanges   []PriceChange `json:"price_changes,omitempty"`

	// price_change / last_trade_price details
	Price string `json:"price,omitempty"`
	Side  string `json:"side,omitempty"`
	Size  string `json:"size,omitempty"`

	// tick_size_change details
	OldTickSize string `json:"old_tick_size,omitempty"`
	NewTickSize string `json:"new_tick_size,omitempty"`
}

// PriceChange represents a single price level change within a price_change event.
type PriceChange struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`
	Size    string `json:"size"`
	Side    string `json:"side"` // "BUY" or "SELL"
	Hash    string `json:"hash,omitempty"`
	BestBid string `json:"best_bid,omitempty"`
	BestAsk string `json:"best_ask,omitempty"`
}

// MakerOrder is a maker fill inside a user-channel trade event.
type MakerOrder struct {
	OrderID       string `json:"order_id"`
	Owner         string `json:"owner,omitempty"`
	MakerAddress  string `json:"maker_address,omitempty"`
	MatchedAmount string `json:"matched_amount,omitempty"`
	Price         string `json:"price"`
	AssetID       string `json:"asset_id,omitempty"`
	Outcome       string `json:"outcome,omitempty"`
}

// UserMessage represents a message received on the authenticated user channel.
// Trade and order events share this shape and are dispatched verbatim.
type UserMessage struct {
	EventType   string       `json:"event_type"`
	ID          string       `json:"id,omitempty"`
	Market      string       `json:"market,omitempty"`
	AssetID     string       `json:"asset_id,omitempty"`
	Side        string       `json:"side,omitempty"`
	Price       string       `json:"price,omitempty"`
	Size        string       `json:"size,omitempty"`
	Outcome     string       `json:"outcome,omitempty"`
	Status      string       `json:"status,omitempty"`
	Owner       string       `json:"owner,omitempty"`
	OrderOwner  string       `json:"order_owner,omitempty"`
	Type        string       `json:"type,omitempty"`
	SizeMatched string       `json:"size_matched,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
	MakerOrders []MakerOrder `json:"maker_orders,omitempty"`
}

// PriceUpdate is the derived displayed-price event, fused from order-book and
// last-trade state: the midpoint when the spread is at most 0.10, otherwise
// the last trade price.
type PriceUpdate struct {
	EventType      string       `json:"event_type"`
	AssetID        string       `json:"asset_id"`
	Price          string       `json:"price"`
	Bids           []PriceLevel `json:"bids"`
	Asks           []PriceLevel `json:"asks"`
	LastTradePrice string       `json:"last_trade_price,omitempty"`
}

// Market channel event types.
const (
	EventTypeBook           = "book"
	EventTypePriceChange    = "price_change"
	EventTypeTickSizeChange = "tick_size_change"
	EventTypeLastTradePrice = "last_trade_price"

	// EventTypePriceUpdate is the synthetic displayed-price event emitted by
	// this library; it never appears on the wire.
	EventTypePriceUpdate = "polymarket_price_update"
)

// User channel event types.
const (
	EventTypeTrade = "trade"
	EventTypeOrder = "order"
)

// Order sides as they appear on the wire.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)
