package lob

import (
	"fmt"

	"github.com/google/btree"
	"github.com/holiman/uint256"

	"github.com/hotdex/node/core"
)

const btreeDegree = 32

// Book is a single asset's order book: two price-ordered ladders of
// resting orders plus an index for O(1) cancel-by-id lookup.
type Book struct {
	AssetID string

	bids *btree.BTree // priceLevelItem, best = highest price
	asks *btree.BTree // priceLevelItem, best = lowest price

	byID map[string]*restingOrder
	// levelOf tracks which side+price a resting order lives at, so Cancel
	// can find its priceLevel without a linear scan.
	levelOf map[string]*priceLevel

	selfTradePrevention bool
	seq                 uint64
}

// NewBook creates an empty order book for assetID.
func NewBook(assetID string, selfTradePrevention bool) *Book {
	return &Book{
		AssetID:             assetID,
		bids:                btree.New(btreeDegree),
		asks:                btree.New(btreeDegree),
		byID:                make(map[string]*restingOrder),
		levelOf:             make(map[string]*priceLevel),
		selfTradePrevention: selfTradePrevention,
	}
}

func (b *Book) ladder(side core.OrderSide) *btree.BTree {
	if side == core.SideBid {
		return b.bids
	}
	return b.asks
}

func opposite(side core.OrderSide) core.OrderSide {
	if side == core.SideBid {
		return core.SideAsk
	}
	return core.SideBid
}

func validatePrice(p *uint256.Int) error {
	if p == nil || p.IsZero() {
		return fmt.Errorf("%w: price must be > 0", ErrBadInput)
	}
	return nil
}

func validateSize(s *uint256.Int) error {
	if s == nil || s.IsZero() {
		return fmt.Errorf("%w: size must be > 0", ErrBadInput)
	}
	return nil
}

// crosses reports whether an order at (side, price) would immediately match
// against the opposite side's best price.
func (b *Book) crosses(side core.OrderSide, price *uint256.Int) bool {
	best := b.bestLevel(opposite(side))
	if best == nil {
		return false
	}
	if side == core.SideBid {
		return price.Cmp(best.price) >= 0
	}
	return price.Cmp(best.price) <= 0
}

func (b *Book) bestLevel(side core.OrderSide) *priceLevel {
	ladder := b.ladder(side)
	var found *priceLevel
	walk := func(i btree.Item) bool {
		found = i.(priceLevelItem).level
		return false
	}
	if side == core.SideBid {
		ladder.Descend(walk)
	} else {
		ladder.Ascend(walk)
	}
	return found
}

// PlaceLimit matches order against the book per price-time priority, then
// (subject to TIF) rests any unfilled remainder. Returns the fills produced
// in generation order (§4.10).
func (b *Book) PlaceLimit(order *core.Order) ([]Fill, error) {
	if err := validatePrice(order.Price); err != nil {
		return nil, err
	}
	if err := validateSize(order.Size); err != nil {
		return nil, err
	}

	if order.TIF == core.TIFPostOnly && b.crosses(order.Side, order.Price) {
		return nil, fmt.Errorf("%w", ErrWouldCross)
	}

	if order.TIF == core.TIFFOK {
		if !b.canFillFully(order.Side, order.Price, order.Size) {
			return nil, nil
		}
	}

	fills := b.match(order)

	remaining := new(uint256.Int).Sub(order.Size, order.Filled)
	if remaining.IsZero() {
		return fills, nil
	}
	switch order.TIF {
	case core.TIFIOC, core.TIFFOK:
		// Unfilled remainder is discarded, never rests.
		return fills, nil
	default:
		b.rest(order)
		return fills, nil
	}
}

// PlaceMarket walks the opposite side until size is exhausted or the book
// empties; the resulting order never rests (§4.10).
func (b *Book) PlaceMarket(side core.OrderSide, size *uint256.Int, orderID, trader string, now int64) ([]Fill, error) {
	if err := validateSize(size); err != nil {
		return nil, err
	}
	marketOrder := &core.Order{
		ID:        orderID,
		AssetID:   b.AssetID,
		Trader:    trader,
		Side:      side,
		Price:     marketSentinelPrice(side),
		Size:      size,
		Filled:    uint256.NewInt(0),
		Timestamp: now,
		TIF:       core.TIFIOC,
		Live:      true,
	}
	return b.match(marketOrder), nil
}

// marketSentinelPrice returns a price that crosses against any resting
// order on the opposite side: max uint256 for a buy, 1 for a sell (never 0,
// since 0 fails validatePrice if this order were ever inspected by it).
func marketSentinelPrice(side core.OrderSide) *uint256.Int {
	if side == core.SideBid {
		return new(uint256.Int).Not(uint256.NewInt(0))
	}
	return uint256.NewInt(1)
}

// canFillFully simulates whether size can be completely matched at or
// through price without mutating the book, for FOK admission (§4.10).
func (b *Book) canFillFully(side core.OrderSide, price, size *uint256.Int) bool {
	remaining := new(uint256.Int).Set(size)
	opp := b.ladder(opposite(side))
	done := false
	walk := func(i btree.Item) bool {
		level := i.(priceLevelItem).level
		if side == core.SideBid && level.price.Cmp(price) > 0 {
			return false
		}
		if side == core.SideAsk && level.price.Cmp(price) < 0 {
			return false
		}
		for _, ro := range level.orders {
			avail := new(uint256.Int).Sub(ro.order.Size, ro.order.Filled)
			if avail.Cmp(remaining) >= 0 {
				remaining.Clear()
				done = true
				return false
			}
			remaining.Sub(remaining, avail)
		}
		return true
	}
	if side == core.SideBid {
		opp.Ascend(walk)
	} else {
		opp.Descend(walk)
	}
	return done || remaining.IsZero()
}

// match walks the opposite side of the book, filling taker against resting
// makers FIFO-within-level, applying self-trade prevention if enabled.
func (b *Book) match(taker *core.Order) []Fill {
	var fills []Fill
	opp := b.ladder(opposite(taker.Side))

	for {
		remaining := new(uint256.Int).Sub(taker.Size, taker.Filled)
		if remaining.IsZero() {
			break
		}
		level := b.bestLevel(opposite(taker.Side))
		if level == nil {
			break
		}
		if taker.Side == core.SideBid && level.price.Cmp(taker.Price) > 0 {
			break
		}
		if taker.Side == core.SideAsk && level.price.Cmp(taker.Price) < 0 {
			break
		}

		idx := 0
		for idx < len(level.orders) {
			maker := level.orders[idx]

			if b.selfTradePrevention && maker.order.Trader == taker.Trader {
				fills = append(fills, Fill{
					TakerOrderID:       taker.ID,
					MakerOrderID:       maker.order.ID,
					AssetID:            b.AssetID,
					Price:              level.price,
					Size:               uint256.NewInt(0),
					Timestamp:          taker.Timestamp,
					SelfTradeCancelled: true,
				})
				b.removeFromLevel(level, idx)
				delete(b.byID, maker.order.ID)
				delete(b.levelOf, maker.order.ID)
				continue // re-check same idx, which now holds the next order
			}

			makerAvail := new(uint256.Int).Sub(maker.order.Size, maker.order.Filled)
			matchSize := new(uint256.Int).Set(remaining)
			if makerAvail.Cmp(matchSize) < 0 {
				matchSize = makerAvail
			}

			maker.order.Filled = new(uint256.Int).Add(maker.order.Filled, matchSize)
			taker.Filled = new(uint256.Int).Add(taker.Filled, matchSize)

			fills = append(fills, Fill{
				TakerOrderID: taker.ID,
				MakerOrderID: maker.order.ID,
				AssetID:      b.AssetID,
				Price:        level.price,
				Size:         matchSize,
				Timestamp:    taker.Timestamp,
			})

			if maker.order.Filled.Cmp(maker.order.Size) >= 0 {
				maker.order.Live = false
				b.removeFromLevel(level, idx)
				delete(b.byID, maker.order.ID)
				delete(b.levelOf, maker.order.ID)
			} else {
				idx++
			}

			remaining = new(uint256.Int).Sub(taker.Size, taker.Filled)
			if remaining.IsZero() {
				break
			}
		}

		if level.empty() {
			opp.Delete(priceLevelItem{level: level})
		}
	}

	if taker.Filled.Cmp(taker.Size) >= 0 {
		taker.Live = false
	}
	return fills
}

// removeFromLevel deletes the order at idx from level's FIFO queue.
func (b *Book) removeFromLevel(level *priceLevel, idx int) {
	level.orders = append(level.orders[:idx], level.orders[idx+1:]...)
}

// rest inserts order's unfilled remainder into the book at its limit price,
// appended to the end of that price's FIFO queue.
func (b *Book) rest(order *core.Order) {
	ladder := b.ladder(order.Side)
	key := priceKey(order.Price)
	var level *priceLevel
	if existing := ladder.Get(key); existing != nil {
		level = existing.(priceLevelItem).level
	} else {
		level = &priceLevel{price: order.Price}
		ladder.ReplaceOrInsert(priceLevelItem{level: level})
	}
	b.seq++
	ro := &restingOrder{order: order, seq: b.seq}
	level.orders = append(level.orders, ro)
	b.byID[order.ID] = ro
	b.levelOf[order.ID] = level
}

// Cancel removes a resting order from the book.
func (b *Book) Cancel(orderID string) error {
	ro, ok := b.byID[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	level := b.levelOf[orderID]
	for idx, o := range level.orders {
		if o.order.ID == orderID {
			b.removeFromLevel(level, idx)
			break
		}
	}
	ro.order.Live = false
	delete(b.byID, orderID)
	delete(b.levelOf, orderID)
	if level.empty() {
		ladder := b.ladder(ro.order.Side)
		ladder.Delete(priceLevelItem{level: level})
	}
	return nil
}

// SweepExpired removes all resting GTT orders whose expiry has passed
// (§4.10 "expire... at periodic sweeps"), called by the bridge once per
// applied block.
func (b *Book) SweepExpired(now int64) []string {
	var expired []string
	for id, ro := range b.byID {
		if ro.order.TIF == core.TIFGTT && ro.order.GTTExpiry > 0 && now >= ro.order.GTTExpiry {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		_ = b.Cancel(id)
	}
	return expired
}

// PriceLevelView is an aggregated, read-only view of one price level for
// external Snapshot queries.
type PriceLevelView struct {
	Price *uint256.Int
	Size  *uint256.Int
}

// Snapshot returns the top-depth aggregated levels on each side (§4.10).
func (b *Book) Snapshot(depth int) (bids, asks []PriceLevelView) {
	collect := func(ladder *btree.BTree, descend bool) []PriceLevelView {
		var out []PriceLevelView
		walk := func(i btree.Item) bool {
			level := i.(priceLevelItem).level
			total := uint256.NewInt(0)
			for _, ro := range level.orders {
				avail := new(uint256.Int).Sub(ro.order.Size, ro.order.Filled)
				total = new(uint256.Int).Add(total, avail)
			}
			out = append(out, PriceLevelView{Price: level.price, Size: total})
			return len(out) < depth
		}
		if descend {
			ladder.Descend(walk)
		} else {
			ladder.Ascend(walk)
		}
		return out
	}
	return collect(b.bids, true), collect(b.asks, false)
}

// BestPrices returns the current best bid and ask, or nil if a side is empty.
func (b *Book) BestPrices() (bid, ask *uint256.Int) {
	if l := b.bestLevel(core.SideBid); l != nil {
		bid = l.price
	}
	if l := b.bestLevel(core.SideAsk); l != nil {
		ask = l.price
	}
	return
}

// Get returns the live order state for orderID while it rests in the book;
// fully filled or cancelled orders are no longer found.
func (b *Book) Get(orderID string) (*core.Order, bool) {
	ro, ok := b.byID[orderID]
	if !ok {
		return nil, false
	}
	return ro.order, true
}
