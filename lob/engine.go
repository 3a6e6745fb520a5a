package lob

import (
	"fmt"
	"sort"
	"sync"

	"github.com/holiman/uint256"

	"github.com/hotdex/node/core"
)

// Engine owns one Book per configured asset and is the entry point the
// bridge and precompile handlers call into. Matches spec §4.10's "Per-asset
// order book" framing: one Engine, many independently-matched books.
type Engine struct {
	mu                  sync.Mutex
	books               map[string]*Book
	selfTradePrevention bool
}

// NewEngine creates an Engine with no books; books are created lazily on
// first reference to keep asset configuration out of the matching engine.
func NewEngine(selfTradePrevention bool) *Engine {
	return &Engine{books: make(map[string]*Book), selfTradePrevention: selfTradePrevention}
}

// bookFor returns (creating if needed) the book for assetID.
func (e *Engine) bookFor(assetID string) *Book {
	if b, ok := e.books[assetID]; ok {
		return b
	}
	b := NewBook(assetID, e.selfTradePrevention)
	e.books[assetID] = b
	return b
}

// BookFor exposes the per-asset book for read-only queries (snapshot, best
// prices); returns nil if the asset has never been traded.
func (e *Engine) BookFor(assetID string) *Book {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.books[assetID]
}

// PlaceLimit places a limit order on behalf of trader under id — callers
// must derive id content-addressably (from the originating tx, §4.12.3)
// rather than mint a random one, so every validator assigns the same ID to
// the same order and the resulting state root stays identical across
// nodes. Returns the resulting fills.
func (e *Engine) PlaceLimit(id, assetID, trader string, side core.OrderSide, price, size *uint256.Int, tif core.TimeInForce, gttExpiry int64, reduceOnly bool, now int64) (string, []Fill, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if assetID == "" {
		return "", nil, ErrUnknownAsset
	}
	if tif == core.TIFGTT && gttExpiry > 0 && now >= gttExpiry {
		return "", nil, fmt.Errorf("%w: GTT order already expired", ErrBadInput)
	}

	order := &core.Order{
		ID:         id,
		AssetID:    assetID,
		Trader:     trader,
		Side:       side,
		Price:      price,
		Size:       size,
		Filled:     uint256.NewInt(0),
		Timestamp:  now,
		TIF:        tif,
		GTTExpiry:  gttExpiry,
		ReduceOnly: reduceOnly,
		Live:       true,
	}

	book := e.bookFor(assetID)
	fills, err := book.PlaceLimit(order)
	if err != nil {
		return "", nil, err
	}
	return order.ID, fills, nil
}

// PlaceMarket places a non-resting market order under id (see PlaceLimit's
// doc comment on why id is caller-derived rather than minted here).
func (e *Engine) PlaceMarket(id, assetID, trader string, side core.OrderSide, size *uint256.Int, now int64) (string, []Fill, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if assetID == "" {
		return "", nil, ErrUnknownAsset
	}
	book := e.bookFor(assetID)
	fills, err := book.PlaceMarket(side, size, id, trader, now)
	if err != nil {
		return "", nil, err
	}
	return id, fills, nil
}

// Cancel removes orderID from assetID's book.
func (e *Engine) Cancel(assetID, orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	book, ok := e.books[assetID]
	if !ok {
		return ErrUnknownAsset
	}
	return book.Cancel(orderID)
}

// FindOrder looks up an order across all books (the precompile ABI exposes
// getOrder by ID alone, without an asset hint).
func (e *Engine) FindOrder(orderID string) (*core.Order, string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for assetID, book := range e.books {
		if o, ok := book.Get(orderID); ok {
			return o, assetID, true
		}
	}
	return nil, "", false
}

// Assets returns the IDs of every book that has ever received an order, for
// callers (the bridge's per-block funding/liquidation sweep) that need to
// iterate all traded assets without separate configuration. Sorted: the
// sweep order it drives affects insurance-fund draws and ADL closures, so
// an unsorted (map-iteration) order would make the resulting state root
// diverge across validators.
func (e *Engine) Assets() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.books))
	for assetID := range e.books {
		out = append(out, assetID)
	}
	sort.Strings(out)
	return out
}

// SweepExpired sweeps GTT expiry across every book, returning the total
// number of orders cancelled.
func (e *Engine) SweepExpired(now int64) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	total := 0
	for _, book := range e.books {
		total += len(book.SweepExpired(now))
	}
	return total
}
