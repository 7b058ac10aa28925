// Package book maintains per-asset order-book state and derives the
// displayed-price event from it.
package book

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/johan/polymarket-stream/pkg/types"
)

// maxDisplayedSpread is the widest bid/ask spread for which the midpoint is
// still shown as the displayed price; anything wider falls back to the last
// trade price.
var maxDisplayedSpread = decimal.RequireFromString("0.10")

var two = decimal.NewFromInt(2)

// level keeps the wire representation next to the parsed price so re-emitted
// snapshots compare equal to what the upstream sent.
type level struct {
	price decimal.Decimal
	wire  types.PriceLevel
}

type entry struct {
	bids []level // descending by price
	asks []level // ascending by price

	lastTrade     decimal.Decimal
	lastTradeWire string
	hasLastTrade  bool

	lastUpdate uint64
}

// Cache is the per-asset best-bid / best-ask / last-trade store. It is the
// only place order-book and last-trade state are fused. It never emits events
// itself; callers ask Derive for the optional displayed-price event after
// applying an update.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	seq     uint64
	log     *zap.Logger
}

// NewCache creates an empty cache.
func NewCache(log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{
		entries: make(map[string]*entry),
		log:     log,
	}
}

// ApplyBook replaces both sides of the book for an asset. A book event is
// authoritative for the levels but preserves the last trade price.
func (c *Cache) ApplyBook(assetID string, bids, asks []types.PriceLevel) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entry(assetID)
	e.bids = c.parseLevels(assetID, bids)
	e.asks = c.parseLevels(assetID, asks)
	sortSides(e)
	c.bump(e)
}

// ApplyPriceChange applies incremental level changes for one asset: a zero
// size removes the level at that price, anything else upserts it.
func (c *Cache) ApplyPriceChange(assetID string, changes []types.PriceChange) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entry(assetID)
	for _, ch := range changes {
		price, err := decimal.NewFromString(ch.Price)
		if err != nil {
			c.log.Warn("unparseable price in price_change",
				zap.String("asset_id", assetID),
				zap.String("price", ch.Price))
			continue
		}
		size, err := decimal.NewFromString(ch.Size)
		if err != nil {
			c.log.Warn("unparseable size in price_change",
				zap.String("asset_id", assetID),
				zap.String("size", ch.Size))
			continue
		}

		side := &e.bids
		if ch.Side == types.SideSell {
			side = &e.asks
		}

		if size.IsZero() {
			*side = removeLevel(*side, price)
			continue
		}
		*side = upsertLevel(*side, level{
			price: price,
			wire:  types.PriceLevel{Price: ch.Price, Size: ch.Size},
		})
	}

	sortSides(e)
	c.bump(e)
}

// ApplyLastTradePrice stores the asset's last trade price.
func (c *Cache) ApplyLastTradePrice(assetID, price string) {
	parsed, err := decimal.NewFromString(price)
	if err != nil {
		c.log.Warn("unparseable last trade price",
			zap.String("asset_id", assetID),
			zap.String("price", price))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entry(assetID)
	e.lastTrade = parsed
	e.lastTradeWire = price
	e.hasLastTrade = true
	c.bump(e)
}

// Derive computes the displayed-price event for an asset: the midpoint when
// both sides exist and the spread is at most 0.10, otherwise the last trade
// price when one is known. The second return is false when neither applies
// or the asset is unknown.
func (c *Cache) Derive(assetID string) (types.PriceUpdate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[assetID]
	if !ok {
		return types.PriceUpdate{}, false
	}

	update := types.PriceUpdate{
		EventType: types.EventTypePriceUpdate,
		AssetID:   assetID,
		Bids:      wireLevels(e.bids),
		Asks:      wireLevels(e.asks),
	}
	if e.hasLastTrade {
		update.LastTradePrice = e.lastTradeWire
	}

	if len(e.bids) > 0 && len(e.asks) > 0 {
		bestBid := e.bids[0].price
		bestAsk := e.asks[0].price
		if bestAsk.Sub(bestBid).Cmp(maxDisplayedSpread) <= 0 {
			update.Price = bestBid.Add(bestAsk).Div(two).String()
			return update, true
		}
	}

	if e.hasLastTrade {
		update.Price = e.lastTradeWire
		return update, true
	}

	return types.PriceUpdate{}, false
}

// DropAssets removes the entries for the given assets.
func (c *Cache) DropAssets(assetIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, id := range assetIDs {
		delete(c.entries, id)
	}
}

// Clear removes all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*entry)
}

// Len returns the number of tracked assets.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// entry returns the record for assetID, creating it if needed. Callers hold c.mu.
func (c *Cache) entry(assetID string) *entry {
	e, ok := c.entries[assetID]
	if !ok {
		e = &entry{}
		c.entries[assetID] = e
	}
	return e
}

// bump advances the monotonic update counter. Callers hold c.mu.
func (c *Cache) bump(e *entry) {
	c.seq++
	e.lastUpdate = c.seq
}

func (c *Cache) parseLevels(assetID string, wire []types.PriceLevel) []level {
	levels := make([]level, 0, len(wire))
	for _, pl := range wire {
		price, err := decimal.NewFromString(pl.Price)
		if err != nil {
			c.log.Warn("unparseable price in book level",
				zap.String("asset_id", assetID),
				zap.String("price", pl.Price))
			continue
		}
		levels = append(levels, level{price: price, wire: pl})
	}
	return levels
}

func sortSides(e *entry) {
	sort.SliceStable(e.bids, func(i, j int) bool {
		return e.bids[i].price.GreaterThan(e.bids[j].price)
	})
	sort.SliceStable(e.asks, func(i, j int) bool {
		return e.asks[i].price.LessThan(e.asks[j].price)
	})
}

func removeLevel(side []level, price decimal.Decimal) []level {
	out := side[:0]
	for _, l := range side {
		if !l.price.Equal(price) {
			out = append(out, l)
		}
	}
	return out
}

func upsertLevel(side []level, l level) []level {
	for i := range side {
		if side[i].price.Equal(l.price) {
			side[i] = l
			return side
		}
	}
	return append(side, l)
}

func wireLevels(side []level) []types.PriceLevel {
	out := make([]types.PriceLevel, len(side))
	for i, l := range side {
		out[i] = l.wire
	}
	return out
}
