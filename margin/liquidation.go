package margin

import (
	"fmt"
	"sort"

	"github.com/holiman/uint256"

	"github.com/hotdex/node/core"
)

// LiquidationMode selects how much of a position is closed per trigger.
type LiquidationMode string

const (
	LiquidationPartial LiquidationMode = "Partial"
	LiquidationFull    LiquidationMode = "Full"
)

// partialReducePercent is the default fraction closed per partial
// liquidation pass (§4.11, "reduce the worst position by 25%").
const partialReducePercent = 25

// safetyBufferPpm biases the liquidation sweep price against the position
// (buffer applied in parts-per-million of price) so the sweep clears the
// book rather than resting at the exact mark price.
const safetyBufferPpm = 5_000 // 0.5%

// accountHealth returns total_equity_with_unrealized_pnl / used_margin for
// user, summing unrealized PnL across every open position (§4.11).
func (e *Engine) accountHealth(state core.State, user string, now int64) (float64, *core.CollateralAccount, []*core.Position, error) {
	collateral, err := state.GetCollateralAccount(user)
	if err != nil {
		return 0, nil, nil, err
	}
	positions, err := state.ListPositionsByUser(user)
	if err != nil {
		return 0, nil, nil, err
	}

	equity := int64(availableMargin(collateral).Uint64()) + int64(collateral.UsedMargin.Uint64())
	for _, pos := range positions {
		mark, err := e.oracle.MarkPrice(pos.Asset, now)
		if err != nil {
			continue // asset temporarily unpriceable; skip from this pass
		}
		equity += unrealizedPnL(pos, mark, pos.SignedSize.Abs) + pos.RealizedPnL
	}

	usedMargin := collateral.UsedMargin.Uint64()
	if usedMargin == 0 {
		return 1, collateral, positions, nil // no open risk, trivially healthy
	}
	return float64(equity) / float64(usedMargin), collateral, positions, nil
}

// CheckAndLiquidate evaluates user's account health and, if below the
// maintenance ratio, liquidates positions per mode: Partial repeats until
// health recovers to 110% of maintenance, Full closes worst positions until
// health is back at maintenance; both stop when no positions remain (§4.11).
func (e *Engine) CheckAndLiquidate(state core.State, user string, mode LiquidationMode, now int64) error {
	for {
		health, _, positions, err := e.accountHealth(state, user, now)
		if err != nil {
			return err
		}
		if health >= e.cfg.MaintenanceRatio || len(positions) == 0 {
			return nil
		}

		target, err := e.worstPosition(positions, now)
		if err != nil {
			return err
		}
		if err := e.liquidateOne(state, target, mode, now); err != nil {
			return fmt.Errorf("liquidate %s: %w", target.ID, err)
		}

		if mode == LiquidationFull {
			continue // recheck; repeat until healthy or no positions left
		}
		health, _, _, err = e.accountHealth(state, user, now)
		if err != nil {
			return err
		}
		if health >= 1.10*e.cfg.MaintenanceRatio {
			return nil
		}
	}
}

// worstPosition picks the position with the most negative total PnL
// (unrealized at current mark plus realized, ties broken by ID for
// determinism) — the position actually dragging the account's health down,
// not merely the one with the worst realized history.
func (e *Engine) worstPosition(positions []*core.Position, now int64) (*core.Position, error) {
	worst := positions[0]
	worstPnL, err := e.totalPnL(worst, now)
	if err != nil {
		return nil, err
	}
	for _, p := range positions[1:] {
		pnl, err := e.totalPnL(p, now)
		if err != nil {
			return nil, err
		}
		if pnl < worstPnL || (pnl == worstPnL && p.ID < worst.ID) {
			worst, worstPnL = p, pnl
		}
	}
	return worst, nil
}

// totalPnL is unrealized PnL at the asset's current mark price plus
// realized PnL already booked against the position.
func (e *Engine) totalPnL(pos *core.Position, now int64) (int64, error) {
	mark, err := e.oracle.MarkPrice(pos.Asset, now)
	if err != nil {
		return 0, fmt.Errorf("mark price for %s: %w", pos.Asset, err)
	}
	return unrealizedPnL(pos, mark, pos.SignedSize.Abs) + pos.RealizedPnL, nil
}

// liquidateOne closes all (Full) or partialReducePercent% (Partial) of
// target at a safety-buffered sweep price, drawing the insurance fund to
// cover any bad debt.
func (e *Engine) liquidateOne(state core.State, target *core.Position, mode LiquidationMode, now int64) error {
	closeSize := target.SignedSize.Abs
	if mode == LiquidationPartial {
		closeSize = new(uint256.Int).Div(
			new(uint256.Int).Mul(target.SignedSize.Abs, uint256.NewInt(partialReducePercent)),
			uint256.NewInt(100),
		)
		if closeSize.IsZero() {
			closeSize = target.SignedSize.Abs
		}
	}

	mark, err := e.oracle.MarkPrice(target.Asset, now)
	if err != nil {
		return err
	}
	sweepPrice := buffered(mark, target.SignedSize.IsLong())

	pnl := unrealizedPnL(target, sweepPrice, closeSize)
	badDebt := int64(0)
	if pnl < 0 && -pnl > int64(requiredMarginFor(target, closeSize, mark).Uint64()) {
		badDebt = -pnl - int64(requiredMarginFor(target, closeSize, mark).Uint64())
	}

	if _, err := e.ClosePosition(state, target.ID, closeSize, now); err != nil {
		return err
	}

	if badDebt > 0 {
		return e.coverBadDebt(state, target.User, target.Asset, target.SignedSize.IsLong(), badDebt, now)
	}
	return nil
}

// requiredMarginFor returns the notional value of size at price, in the
// same integer domain RealizedPnL/unrealizedPnL use, as the bad-debt
// comparison baseline for a liquidated slice of a position.
func requiredMarginFor(pos *core.Position, size, price *uint256.Int) *uint256.Int {
	n := new(uint256.Int).Mul(size, price)
	return new(uint256.Int).Div(n, uint256.NewInt(priceScale))
}

// buffered nudges price against the position direction by safetyBufferPpm
// parts-per-million, so a liquidation sweep reliably crosses the book.
func buffered(price *uint256.Int, isLong bool) *uint256.Int {
	adj := new(uint256.Int).Div(new(uint256.Int).Mul(price, uint256.NewInt(safetyBufferPpm)), uint256.NewInt(1_000_000))
	if isLong {
		return subFloor(price, adj)
	}
	return new(uint256.Int).Add(price, adj)
}

// coverBadDebt draws first from the insurance fund, then socializes any
// remaining shortfall via ADL against the opposite side of asset (§4.11).
// liquidatedWasLong identifies that opposite side: a liquidated long's loss
// mirrors short holders' unrealized gains, so those are the counterparties
// ADL closes, and vice versa.
func (e *Engine) coverBadDebt(state core.State, user, asset string, liquidatedWasLong bool, shortfall int64, now int64) error {
	fund, err := state.GetInsuranceFund()
	if err != nil {
		return err
	}
	draw := uint256.NewInt(uint64(shortfall))
	covered := draw
	if fund.Balance.Cmp(draw) < 0 {
		covered = fund.Balance
	}
	fund.Balance = subFloor(fund.Balance, covered)
	fund.Audit = append(fund.Audit, core.InsuranceEntry{
		Timestamp: now, Amount: covered, Payout: true, Reason: fmt.Sprintf("bad debt for %s on %s", user, asset),
	})
	if err := state.SetInsuranceFund(fund); err != nil {
		return err
	}

	remaining := int64(draw.Uint64()) - int64(covered.Uint64())
	if remaining <= 0 {
		return nil
	}
	return e.autoDeleverage(state, asset, !liquidatedWasLong, remaining, now)
}

// autoDeleverage closes counterparty positions on the opposite side of
// asset (wantLong selects which side is the counterparty: a liquidated
// short's loss is the long side's gain, and vice versa), ordered by
// pnl*leverage descending (largest first, §4.11/DESIGN.md Open Question
// #2), until remaining loss is absorbed.
func (e *Engine) autoDeleverage(state core.State, asset string, wantLong bool, remaining int64, now int64) error {
	positions, err := state.ListPositionsByAsset(asset)
	if err != nil {
		return err
	}
	mark, err := e.oracle.MarkPrice(asset, now)
	if err != nil {
		return err
	}

	counterparties := positions[:0]
	for _, pos := range positions {
		if pos.SignedSize.IsLong() == wantLong {
			counterparties = append(counterparties, pos)
		}
	}

	sort.Slice(counterparties, func(i, j int) bool {
		pi := adlPriority(counterparties[i], mark)
		pj := adlPriority(counterparties[j], mark)
		if pi != pj {
			return pi > pj
		}
		return counterparties[i].User < counterparties[j].User
	})

	for _, pos := range counterparties {
		if remaining <= 0 {
			return nil
		}
		pnl, err := e.ClosePosition(state, pos.ID, pos.SignedSize.Abs, now)
		if err != nil {
			return err
		}
		if pnl > 0 {
			remaining -= pnl
		}
	}
	return nil
}

// adlPriority ranks pos by pnl*leverage: unrealized PnL at mark plus
// realized PnL (floored at zero — a losing counterparty contributes nothing
// to absorb the loss)
// times an implied leverage of notional-at-mark over the margin backing the
// position (isolated collateral when isolated; the position's instantaneous
// notional for cross, since cross margin has no stored per-position split).
func adlPriority(pos *core.Position, mark *uint256.Int) int64 {
	pnl := unrealizedPnL(pos, mark, pos.SignedSize.Abs) + pos.RealizedPnL
	if pnl <= 0 {
		return 0
	}

	notional := new(uint256.Int).Div(new(uint256.Int).Mul(pos.SignedSize.Abs, mark), uint256.NewInt(priceScale))
	backing := pos.IsolatedCollateral
	if pos.MarginMode != core.MarginIsolated || backing == nil || backing.IsZero() {
		backing = notional
	}
	if backing.IsZero() {
		return pnl
	}
	leverageE6 := new(uint256.Int).Div(new(uint256.Int).Mul(notional, uint256.NewInt(priceScale)), backing)
	return pnl * int64(leverageE6.Uint64()) / priceScale
}
