// Package lob implements the per-asset limit order book: price-time
// priority matching for both the spot and perpetuals precompiles. Grounded
// on the teacher's module-handler idiom (decode → validate → mutate →
// emit) for operation shape, and on the pack's DEX reference types for
// price-level/fill vocabulary.
package lob

import (
	"github.com/google/btree"
	"github.com/holiman/uint256"

	"github.com/hotdex/node/core"
)

// Fill records one match produced during place_limit/place_market. Emitted
// in generation order within a block (§5 ordering guarantee).
type Fill struct {
	TakerOrderID string
	MakerOrderID string
	AssetID      string
	Price        *uint256.Int
	Size         *uint256.Int
	Timestamp    int64
	// SelfTradeCancelled is set when this fill's maker was cancelled by
	// self-trade prevention instead of matched (Size is zero in that case).
	SelfTradeCancelled bool
}

// restingOrder wraps a durable core.Order with the book's own FIFO sequence
// number, since two orders can share a timestamp but never a sequence.
type restingOrder struct {
	order *core.Order
	seq   uint64
}

// priceLevel holds all resting orders at one price, oldest first.
type priceLevel struct {
	price   *uint256.Int
	orders  []*restingOrder
}

func (pl *priceLevel) empty() bool { return len(pl.orders) == 0 }

// priceLevelItem adapts priceLevel for ordering inside a google/btree.BTree.
type priceLevelItem struct {
	level *priceLevel
}

func (i priceLevelItem) Less(than btree.Item) bool {
	other := than.(priceLevelItem)
	return i.level.price.Lt(other.level.price)
}

func priceKey(p *uint256.Int) priceLevelItem {
	return priceLevelItem{level: &priceLevel{price: p}}
}
