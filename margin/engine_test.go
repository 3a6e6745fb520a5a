package margin

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hotdex/node/config"
	"github.com/hotdex/node/core"
	"github.com/hotdex/node/internal/testutil"
	"github.com/hotdex/node/lob"
	"github.com/hotdex/node/storage"
)

// ampleBalance comfortably covers this file's required-initial-margin
// calculations (size * price / priceScale * InitialRatio, see
// requiredInitialMargin) for every position size/price combination used below.
const ampleBalance = 10_000_000_000_000

func newTestEngine(t *testing.T) (*Engine, core.State, *Oracle) {
	t.Helper()
	state := storage.NewStateDB(testutil.NewMemDB())
	oracle := NewOracle(nil, 0)
	oracle.SetSource("BTC-PERP", SourceExternal)
	oracle.SetSource("ETH-PERP", SourceExternal)
	cfg := config.MarginConfig{InitialRatio: 0.10, MaintenanceRatio: 0.05, MaxLeverage: 20}
	funding := config.FundingConfig{IntervalSeconds: 3600, MaxRate: 0.01, Dampening: 0.9}
	return NewEngine(cfg, funding, oracle), state, oracle
}

func fund(t *testing.T, state core.State, user string, balance uint64) {
	t.Helper()
	require.NoError(t, state.SetCollateralAccount(&core.CollateralAccount{
		User:       user,
		Balances:   map[string]*uint256.Int{"USD": uint256.NewInt(balance)},
		UsedMargin: uint256.NewInt(0),
	}))
}

func TestOpenPositionRejectsLeverageAboveTier(t *testing.T) {
	e, state, oracle := newTestEngine(t)
	price := uint256.NewInt(600_000 * priceScale)
	oracle.UpdateExternalPrice("BTC-PERP", price, 0)
	fund(t, state, "alice", ampleBalance)

	_, err := e.OpenPosition(state, "pos-1", "alice", "BTC-PERP", uint256.NewInt(10), 10, true, core.MarginCross, 0)
	require.Error(t, err, "10 units at a 600k price (6M notional) sits in the >=500k tier capped at 5x")
}

func TestOpenAndCloseIsolatedPosition(t *testing.T) {
	e, state, oracle := newTestEngine(t)
	entryPrice := uint256.NewInt(100 * priceScale)
	oracle.UpdateExternalPrice("BTC-PERP", entryPrice, 0)
	fund(t, state, "alice", ampleBalance)

	size := uint256.NewInt(100)
	wantMargin := e.requiredInitialMargin(size, entryPrice)

	id, err := e.OpenPosition(state, "pos-1", "alice", "BTC-PERP", size, 20, true, core.MarginIsolated, 0)
	require.NoError(t, err)

	pos, err := state.GetPosition(id)
	require.NoError(t, err)
	assert.True(t, pos.SignedSize.IsLong())
	assert.EqualValues(t, 100, pos.SignedSize.Abs.Uint64())
	assert.Equal(t, wantMargin.Uint64(), pos.IsolatedCollateral.Uint64())

	collateral, err := state.GetCollateralAccount("alice")
	require.NoError(t, err)
	assert.Equal(t, wantMargin.Uint64(), collateral.UsedMargin.Uint64())

	exitPrice := uint256.NewInt(110 * priceScale)
	oracle.UpdateExternalPrice("BTC-PERP", exitPrice, 1)
	wantPnL := unrealizedPnL(pos, exitPrice, size)

	pnl, err := e.ClosePosition(state, id, nil, 1)
	require.NoError(t, err)
	assert.Equal(t, wantPnL, pnl, "closing the full size realizes the mark-to-entry gain")
	assert.Positive(t, pnl, "price rose above entry on a long position")

	_, err = state.GetPosition(id)
	assert.ErrorIs(t, err, core.ErrNotFound, "fully closed position is deleted")

	collateral, err = state.GetCollateralAccount("alice")
	require.NoError(t, err)
	assert.True(t, collateral.UsedMargin.IsZero(), "isolated margin released on full close")
	assert.Equal(t, uint64(pnl), collateral.Balances["BTC-PERP"].Uint64(), "realized gain credited to the asset balance")
}

func TestCheckAndLiquidatePartialReducesPosition(t *testing.T) {
	e, state, oracle := newTestEngine(t)
	entryPrice := uint256.NewInt(100 * priceScale)
	oracle.UpdateExternalPrice("BTC-PERP", entryPrice, 0)

	size := uint256.NewInt(100)
	required := e.requiredInitialMargin(size, entryPrice)
	// accountHealth sums the whole account balance (not just the isolated
	// slice) into equity, so alice must be funded right at the margin
	// requirement — a wide surplus would swamp the unrealized loss below
	// and never push health under maintenance.
	fund(t, state, "alice", required.Uint64())

	id, err := e.OpenPosition(state, "pos-1", "alice", "BTC-PERP", size, 20, true, core.MarginIsolated, 0)
	require.NoError(t, err)

	// A sharp drop pushes unrealized losses past the isolated collateral's
	// maintenance buffer.
	oracle.UpdateExternalPrice("BTC-PERP", uint256.NewInt(70*priceScale), 1)

	require.NoError(t, e.CheckAndLiquidate(state, "alice", LiquidationPartial, 1))

	pos, err := state.GetPosition(id)
	if err != nil {
		require.ErrorIs(t, err, core.ErrNotFound, "only a fully liquidated position may vanish")
		return
	}
	assert.True(t, pos.SignedSize.Abs.Cmp(uint256.NewInt(100)) < 0, "liquidation sweep reduced the position")
}

func TestWorstPositionPicksMostNegativeTotalPnL(t *testing.T) {
	e, state, oracle := newTestEngine(t)
	oracle.UpdateExternalPrice("BTC-PERP", uint256.NewInt(100*priceScale), 0)
	oracle.UpdateExternalPrice("ETH-PERP", uint256.NewInt(100*priceScale), 0)
	fund(t, state, "bob", ampleBalance)

	winID, err := e.OpenPosition(state, "pos-win", "bob", "BTC-PERP", uint256.NewInt(10), 5, true, core.MarginCross, 0)
	require.NoError(t, err)
	loseID, err := e.OpenPosition(state, "pos-lose", "bob", "ETH-PERP", uint256.NewInt(10), 5, true, core.MarginCross, 0)
	require.NoError(t, err)

	// BTC rallies (winning), ETH crashes (losing) — the losing position
	// should be picked regardless of having an identical RealizedPnL history.
	oracle.UpdateExternalPrice("BTC-PERP", uint256.NewInt(120*priceScale), 1)
	oracle.UpdateExternalPrice("ETH-PERP", uint256.NewInt(80*priceScale), 1)

	positions, err := state.ListPositionsByUser("bob")
	require.NoError(t, err)
	worst, err := e.worstPosition(positions, 1)
	require.NoError(t, err)
	assert.Equal(t, loseID, worst.ID)
	_ = winID
}

func TestAutoDeleverageClosesOnlyTheOppositeSide(t *testing.T) {
	e, state, oracle := newTestEngine(t)
	oracle.UpdateExternalPrice("BTC-PERP", uint256.NewInt(100*priceScale), 0)
	fund(t, state, "long-small", ampleBalance)
	fund(t, state, "long-big", ampleBalance)
	fund(t, state, "short-victim", ampleBalance)

	smallLongID, err := e.OpenPosition(state, "pos-small-long", "long-small", "BTC-PERP", uint256.NewInt(5), 5, true, core.MarginCross, 0)
	require.NoError(t, err)
	bigLongID, err := e.OpenPosition(state, "pos-big-long", "long-big", "BTC-PERP", uint256.NewInt(50), 5, true, core.MarginCross, 0)
	require.NoError(t, err)
	_, err = e.OpenPosition(state, "pos-short-victim", "short-victim", "BTC-PERP", uint256.NewInt(10), 5, false, core.MarginCross, 0)
	require.NoError(t, err)

	// Price rallies: longs are the profitable counterparties available to
	// absorb a short's bad debt. wantLong=true selects them.
	oracle.UpdateExternalPrice("BTC-PERP", uint256.NewInt(150*priceScale), 1)

	require.NoError(t, e.autoDeleverage(state, "BTC-PERP", true, 1, 1))

	// The larger, more profitable long should be deleveraged first; the
	// short side must be untouched.
	_, err = state.GetPosition(bigLongID)
	assert.ErrorIs(t, err, core.ErrNotFound, "highest pnl*leverage long closed first")
	smallLong, err := state.GetPosition(smallLongID)
	require.NoError(t, err)
	assert.EqualValues(t, 5, smallLong.SignedSize.Abs.Uint64(), "smaller long left untouched once debt absorbed")

	shorts, err := state.ListPositionsByAsset("BTC-PERP")
	require.NoError(t, err)
	for _, p := range shorts {
		if p.User == "short-victim" {
			assert.EqualValues(t, 10, p.SignedSize.Abs.Uint64(), "opposite side never touched by ADL")
		}
	}
}

func TestApplyFundingLongsPayWhenRatePositive(t *testing.T) {
	state := storage.NewStateDB(testutil.NewMemDB())
	books := lob.NewEngine(true)
	_, _, err := books.PlaceLimit("ord-bid", "BTC-PERP", "mm-bid", core.SideBid, uint256.NewInt(105*priceScale), uint256.NewInt(1_000), core.TIFGTC, 0, false, 0)
	require.NoError(t, err)
	_, _, err = books.PlaceLimit("ord-ask", "BTC-PERP", "mm-ask", core.SideAsk, uint256.NewInt(115*priceScale), uint256.NewInt(1_000), core.TIFGTC, 0, false, 0)
	require.NoError(t, err)

	oracle := NewOracle(books, 0)
	oracle.SetSource("BTC-PERP", SourceWeighted)
	oracle.UpdateExternalPrice("BTC-PERP", uint256.NewInt(100*priceScale), 0) // index below the 110 book mid: mark > index

	cfg := config.MarginConfig{InitialRatio: 0.10, MaintenanceRatio: 0.05, MaxLeverage: 20}
	fcfg := config.FundingConfig{IntervalSeconds: 3600, MaxRate: 0.01, Dampening: 0.9}
	e := NewEngine(cfg, fcfg, oracle)

	require.NoError(t, state.SetFundingState(&core.FundingState{Asset: "BTC-PERP"}))
	fund(t, state, "alice", ampleBalance)

	id, err := e.OpenPosition(state, "pos-1", "alice", "BTC-PERP", uint256.NewInt(10), 5, true, core.MarginCross, 0)
	require.NoError(t, err)

	// The index feed must be fresh (within DefaultStaleness) at funding time.
	oracle.UpdateExternalPrice("BTC-PERP", uint256.NewInt(100*priceScale), 3600)
	require.NoError(t, e.ApplyFunding(state, "BTC-PERP", 3600))

	pos, err := state.GetPosition(id)
	require.NoError(t, err)
	assert.Negative(t, pos.RealizedPnL, "mark above index means a positive premium: longs pay shorts")
}
