// Package margin implements perpetuals margining: admission checks, mark/
// index price sourcing, funding, liquidation and auto-deleveraging.
// Grounded on vm/modules/economy/token.go's balance-mutation idiom
// (get-account, check, mutate, set-account, emit) generalized to
// collateral accounts and positions.
package margin

import (
	"fmt"
	"time"

	"github.com/holiman/uint256"

	"github.com/hotdex/node/lob"
)

// PriceSourceKind selects how an asset's mark price is derived (§4.11).
type PriceSourceKind string

const (
	SourceOrderBook PriceSourceKind = "OrderBook"
	SourceExternal  PriceSourceKind = "External"
	SourceWeighted  PriceSourceKind = "Weighted"
)

// DefaultStaleness is the maximum age an External feed price may have
// before it is considered unusable (§4.11 default 60s).
const DefaultStaleness = 60 * time.Second

// externalQuote is one asset's last received off-chain feed price.
type externalQuote struct {
	price     *uint256.Int
	updatedAt int64
}

// Oracle resolves mark and index prices per asset from whichever source
// that asset is configured to use.
type Oracle struct {
	books     *lob.Engine
	sources   map[string]PriceSourceKind
	staleness time.Duration
	external  map[string]externalQuote
}

// NewOracle builds an Oracle reading book mid-prices from books and
// external feed prices injected via UpdateExternalPrice.
func NewOracle(books *lob.Engine, staleness time.Duration) *Oracle {
	if staleness <= 0 {
		staleness = DefaultStaleness
	}
	return &Oracle{
		books:     books,
		sources:   make(map[string]PriceSourceKind),
		staleness: staleness,
		external:  make(map[string]externalQuote),
	}
}

// SetSource configures which price source an asset uses.
func (o *Oracle) SetSource(asset string, kind PriceSourceKind) {
	o.sources[asset] = kind
}

// UpdateExternalPrice records a fresh off-chain feed price for asset, used
// both as the index price and as (part of) the mark price.
func (o *Oracle) UpdateExternalPrice(asset string, price *uint256.Int, now int64) {
	o.external[asset] = externalQuote{price: price, updatedAt: now}
}

func (o *Oracle) bookMid(asset string) (*uint256.Int, error) {
	book := o.books.BookFor(asset)
	if book == nil {
		return nil, fmt.Errorf("margin: no order book for asset %s", asset)
	}
	bid, ask := book.BestPrices()
	if bid == nil || ask == nil {
		return nil, fmt.Errorf("margin: book for %s has no two-sided market", asset)
	}
	return new(uint256.Int).Div(new(uint256.Int).Add(bid, ask), uint256.NewInt(2)), nil
}

func (o *Oracle) externalPrice(asset string, now int64) (*uint256.Int, bool) {
	q, ok := o.external[asset]
	if !ok {
		return nil, false
	}
	if now-q.updatedAt > int64(o.staleness/time.Second) {
		return nil, false
	}
	return q.price, true
}

// MarkPrice returns asset's current mark price per its configured source,
// used for unrealized PnL and liquidation checks (§4.11).
func (o *Oracle) MarkPrice(asset string, now int64) (*uint256.Int, error) {
	kind := o.sources[asset]
	switch kind {
	case SourceExternal:
		if p, ok := o.externalPrice(asset, now); ok {
			return p, nil
		}
		return nil, fmt.Errorf("margin: external price for %s is stale", asset)
	case SourceWeighted:
		ext, ok := o.externalPrice(asset, now)
		bookPrice, bookErr := o.bookMid(asset)
		if !ok {
			if bookErr != nil {
				return nil, bookErr
			}
			return bookPrice, nil
		}
		if bookErr != nil {
			return ext, nil
		}
		return new(uint256.Int).Div(new(uint256.Int).Add(ext, bookPrice), uint256.NewInt(2)), nil
	default: // SourceOrderBook
		return o.bookMid(asset)
	}
}

// IndexPrice returns asset's spot reference price, used for funding
// (§4.11). Always the external feed: the index is by definition the
// off-chain spot reference, not this venue's own book.
func (o *Oracle) IndexPrice(asset string, now int64) (*uint256.Int, error) {
	p, ok := o.externalPrice(asset, now)
	if !ok {
		return nil, fmt.Errorf("margin: no fresh index price for %s", asset)
	}
	return p, nil
}
