package margin

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/hotdex/node/config"
	"github.com/hotdex/node/core"
)

// Sentinel errors for admission/operation failures (§4.11, §7).
var (
	ErrInsufficientMargin = errors.New("margin: insufficient margin")
	ErrRiskLimitExceeded  = errors.New("margin: risk limit exceeded")
	ErrPositionNotFound   = errors.New("margin: position not found")
)

// RiskLimits bounds per-asset exposure (§4.11 "Risk limits").
type RiskLimits struct {
	MaxLeverage      int
	MaxPositionSize  *uint256.Int
	MaxNotionalValue *uint256.Int
}

// tieredMaxLeverage returns the maximum leverage allowed for a position of
// the given notional value, a decreasing step function (§4.11 example
// tiers): <100k -> 20x, 100k-500k -> 10x, >=500k -> 5x.
func tieredMaxLeverage(notional *uint256.Int) int {
	tier100k := uint256.NewInt(100_000)
	tier500k := uint256.NewInt(500_000)
	switch {
	case notional.Cmp(tier100k) < 0:
		return 20
	case notional.Cmp(tier500k) < 0:
		return 10
	default:
		return 5
	}
}

// Engine implements collateral/position admission, funding and liquidation
// against core.State, using Oracle for mark/index prices.
type Engine struct {
	cfg        config.MarginConfig
	funding    config.FundingConfig
	oracle     *Oracle
	riskLimits map[string]RiskLimits
}

// NewEngine builds a margin Engine from its config sections.
func NewEngine(cfg config.MarginConfig, funding config.FundingConfig, oracle *Oracle) *Engine {
	return &Engine{cfg: cfg, funding: funding, oracle: oracle, riskLimits: make(map[string]RiskLimits)}
}

// SetRiskLimits overrides the default per-asset risk limits.
func (e *Engine) SetRiskLimits(asset string, limits RiskLimits) {
	e.riskLimits[asset] = limits
}

func (e *Engine) limitsFor(asset string) RiskLimits {
	if l, ok := e.riskLimits[asset]; ok {
		return l
	}
	return RiskLimits{MaxLeverage: e.cfg.MaxLeverage}
}

// notional returns size * price as a uint256 product. size is a real unit
// count; price carries an implicit priceScale (1e6) factor, so this product
// does too — callers needing a real-unit notional must divide by priceScale.
func notional(size, price *uint256.Int) *uint256.Int {
	return new(uint256.Int).Mul(size, price)
}

// requiredInitialMargin returns notional * initial_ratio in real (non
// fixed-point) units, matching the domain unrealizedPnL settles into:
// notional() multiplies a real size by a price carrying an implicit
// priceScale factor, so the first division by priceScale descales that
// product to a real notional before the ratio (itself expressed as an
// integer ratioPpm = ratio*1e6) is applied and descaled by the second.
func (e *Engine) requiredInitialMargin(size, price *uint256.Int) *uint256.Int {
	ratioPpm := uint256.NewInt(uint64(e.cfg.InitialRatio * 1_000_000))
	realNotional := new(uint256.Int).Div(notional(size, price), uint256.NewInt(priceScale))
	return new(uint256.Int).Div(new(uint256.Int).Mul(realNotional, ratioPpm), uint256.NewInt(1_000_000))
}

// OpenPosition admits and opens a new position for user under id, enforcing
// initial margin and tiered leverage limits (§4.11 Admission). id must be
// derived content-addressably by the caller (from the originating tx,
// §4.12.3) rather than minted here, so every validator assigns the same
// position ID to the same tx and the resulting state root stays identical
// across nodes.
func (e *Engine) OpenPosition(state core.State, id, user, asset string, size *uint256.Int, leverage int, isLong bool, mode core.MarginMode, now int64) (string, error) {
	if size == nil || size.IsZero() {
		return "", fmt.Errorf("%w: size must be > 0", ErrInsufficientMargin)
	}
	if leverage <= 0 {
		return "", fmt.Errorf("open position: leverage must be > 0")
	}

	markPrice, err := e.oracle.MarkPrice(asset, now)
	if err != nil {
		return "", fmt.Errorf("open position: %w", err)
	}

	n := new(uint256.Int).Div(notional(size, markPrice), uint256.NewInt(priceScale))
	limits := e.limitsFor(asset)
	maxLev := limits.MaxLeverage
	if tiered := tieredMaxLeverage(n); tiered < maxLev {
		maxLev = tiered
	}
	if leverage > maxLev {
		return "", fmt.Errorf("%w: leverage %d exceeds tiered max %d for notional", ErrRiskLimitExceeded, leverage, maxLev)
	}
	if limits.MaxPositionSize != nil && size.Cmp(limits.MaxPositionSize) > 0 {
		return "", fmt.Errorf("%w: position size exceeds max_position_size", ErrRiskLimitExceeded)
	}
	if limits.MaxNotionalValue != nil && n.Cmp(limits.MaxNotionalValue) > 0 {
		return "", fmt.Errorf("%w: notional exceeds max_notional_value", ErrRiskLimitExceeded)
	}

	required := e.requiredInitialMargin(size, markPrice)

	collateral, err := state.GetCollateralAccount(user)
	if err != nil {
		return "", err
	}

	var isolated *uint256.Int
	switch mode {
	case core.MarginIsolated:
		isolated = required
		fallthrough
	case core.MarginCross:
		avail := availableMargin(collateral)
		if avail.Cmp(required) < 0 {
			return "", fmt.Errorf("%w: need %s have %s", ErrInsufficientMargin, required, avail)
		}
		collateral.UsedMargin = new(uint256.Int).Add(collateral.UsedMargin, required)
	default:
		return "", fmt.Errorf("open position: unknown margin mode %q", mode)
	}
	if err := state.SetCollateralAccount(collateral); err != nil {
		return "", err
	}

	signed := core.NewSignedSize(signedMagnitude(size, isLong))
	pos := &core.Position{
		ID:                 id,
		User:               user,
		Asset:              asset,
		SignedSize:         signed,
		EntryPrice:         markPrice,
		MarginMode:         mode,
		IsolatedCollateral: isolated,
	}
	if err := state.SetPosition(pos); err != nil {
		return "", err
	}
	return pos.ID, nil
}

// signedMagnitude converts an unsigned size into an int64 magnitude with
// sign encoding direction, matching core.NewSignedSize's contract.
func signedMagnitude(size *uint256.Int, isLong bool) int64 {
	v := int64(size.Uint64())
	if !isLong {
		v = -v
	}
	return v
}

// availableMargin returns a cross account's spare capacity: sum of
// balances minus used margin.
func availableMargin(acc *core.CollateralAccount) *uint256.Int {
	total := uint256.NewInt(0)
	for _, bal := range acc.Balances {
		total = new(uint256.Int).Add(total, bal)
	}
	if total.Cmp(acc.UsedMargin) <= 0 {
		return uint256.NewInt(0)
	}
	return new(uint256.Int).Sub(total, acc.UsedMargin)
}

// ClosePosition reduces or fully closes a position by size at the current
// mark price, realizing PnL and releasing used margin proportionally.
func (e *Engine) ClosePosition(state core.State, positionID string, size *uint256.Int, now int64) (int64, error) {
	pos, err := state.GetPosition(positionID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPositionNotFound, err)
	}
	markPrice, err := e.oracle.MarkPrice(pos.Asset, now)
	if err != nil {
		return 0, err
	}

	closeSize := size
	if closeSize == nil || closeSize.Cmp(pos.SignedSize.Abs) > 0 {
		closeSize = pos.SignedSize.Abs
	}

	pnl := unrealizedPnL(pos, markPrice, closeSize)
	pos.RealizedPnL += pnl

	remaining := new(uint256.Int).Sub(pos.SignedSize.Abs, closeSize)
	released := e.requiredInitialMargin(closeSize, pos.EntryPrice)

	collateral, err := state.GetCollateralAccount(pos.User)
	if err != nil {
		return 0, err
	}
	collateral.UsedMargin = subFloor(collateral.UsedMargin, released)
	creditPnL(collateral, pos.Asset, pnl)
	if err := state.SetCollateralAccount(collateral); err != nil {
		return 0, err
	}

	if remaining.IsZero() {
		if err := state.DeletePosition(positionID); err != nil {
			return 0, err
		}
	} else {
		pos.SignedSize = core.NewSignedSize(signedMagnitude(remaining, pos.SignedSize.IsLong()))
		if err := state.SetPosition(pos); err != nil {
			return 0, err
		}
	}
	return pnl, nil
}

// priceScale is the fixed-point denominator prices are expressed in (§4.10:
// 6 decimal digits).
const priceScale = 1_000_000

// unrealizedPnL computes the PnL realized by closing closeSize of pos at
// markPrice: (mark - entry) * size / price_scale for longs, inverted for
// shorts. Settles into int64 to match core.Position.RealizedPnL.
func unrealizedPnL(pos *core.Position, markPrice, closeSize *uint256.Int) int64 {
	diff := int64(markPrice.Uint64()) - int64(pos.EntryPrice.Uint64())
	size := int64(closeSize.Uint64())
	pnl := diff * size / priceScale
	if pos.SignedSize.IsShort() {
		pnl = -pnl
	}
	return pnl
}

// ModifyMargin adjusts a position's isolated collateral by delta, crediting
// or debiting the user's cross balance accordingly (§4.11).
func (e *Engine) ModifyMargin(state core.State, positionID string, delta *uint256.Int, increase bool) error {
	pos, err := state.GetPosition(positionID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPositionNotFound, err)
	}
	if pos.MarginMode != core.MarginIsolated {
		return fmt.Errorf("modify margin: position %s is not isolated", positionID)
	}
	collateral, err := state.GetCollateralAccount(pos.User)
	if err != nil {
		return err
	}
	if increase {
		avail := availableMargin(collateral)
		if avail.Cmp(delta) < 0 {
			return fmt.Errorf("%w: need %s have %s", ErrInsufficientMargin, delta, avail)
		}
		pos.IsolatedCollateral = new(uint256.Int).Add(pos.IsolatedCollateral, delta)
		collateral.UsedMargin = new(uint256.Int).Add(collateral.UsedMargin, delta)
	} else {
		if pos.IsolatedCollateral.Cmp(delta) < 0 {
			return fmt.Errorf("modify margin: withdrawal %s exceeds isolated collateral %s", delta, pos.IsolatedCollateral)
		}
		pos.IsolatedCollateral = subFloor(pos.IsolatedCollateral, delta)
		collateral.UsedMargin = subFloor(collateral.UsedMargin, delta)
	}
	if err := state.SetPosition(pos); err != nil {
		return err
	}
	return state.SetCollateralAccount(collateral)
}

func subFloor(a, b *uint256.Int) *uint256.Int {
	if a.Cmp(b) <= 0 {
		return uint256.NewInt(0)
	}
	return new(uint256.Int).Sub(a, b)
}

func creditPnL(acc *core.CollateralAccount, asset string, pnl int64) {
	if acc.Balances == nil {
		acc.Balances = make(map[string]*uint256.Int)
	}
	bal, ok := acc.Balances[asset]
	if !ok {
		bal = uint256.NewInt(0)
	}
	if pnl >= 0 {
		acc.Balances[asset] = new(uint256.Int).Add(bal, uint256.NewInt(uint64(pnl)))
	} else {
		acc.Balances[asset] = subFloor(bal, uint256.NewInt(uint64(-pnl)))
	}
}
