package abi

// Reserved precompile addresses (§6). They are not used for routing:
// vm/precompile.go dispatches LOB and margin operations by TxType through
// the same registry as the native modules.
const (
	SpotPrecompileAddress       = "0x0000000000000000000000000000000000000001"
	PerpetualsPrecompileAddress = "0x0000000000000000000000000000000000000002"
)

// Spot (0x...01) method selectors, computed once at init from the canonical
// signatures named in §6.
var (
	SelectorPlaceOrder   = Selector("placeOrder(string,uint256,uint256,bool)")
	SelectorCancelOrder  = Selector("cancelOrder(uint256)")
	SelectorGetOrder     = Selector("getOrder(uint256)")
	SelectorGetBestPrices = Selector("getBestPrices(string)")
	SelectorGetDepth     = Selector("getDepth(string,uint256)")
)

// Perpetuals (0x...02) method selectors.
var (
	SelectorOpenPosition  = Selector("openPosition(string,uint256,uint256,bool)")
	SelectorClosePosition = Selector("closePosition(uint256)")
	SelectorLiquidate     = Selector("liquidate(uint256)")
	SelectorGetPosition   = Selector("getPosition(uint256)")
	SelectorGetMarkPrice  = Selector("getMarkPrice(string)")
)

// Gas costs per §4.9: base cost plus a per-match surcharge for operations
// that can walk the book.
const (
	GasPlaceOrderBase  = 50_000
	GasPerMatch        = 30_000
	GasCancelOrder     = 20_000
	GasOpenPosition    = 100_000
	GasClosePosition   = 80_000
	GasLiquidate       = 120_000
	GasQuery           = 5_000
)
