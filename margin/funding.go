package margin

import (
	"fmt"
	"math"

	"github.com/holiman/uint256"

	"github.com/hotdex/node/core"
)

// clamp restricts v to [-bound, bound].
func clamp(v, bound float64) float64 {
	if v > bound {
		return bound
	}
	if v < -bound {
		return -bound
	}
	return v
}

// ApplyFunding runs one funding interval for asset: computes the premium
// from mark/index prices, updates the dampened cumulative premium, derives
// the clamped funding rate, and settles payments into every open position's
// realized PnL in ascending position-ID order (§4.11, DESIGN.md Open
// Question #3).
func (e *Engine) ApplyFunding(state core.State, asset string, now int64) error {
	fs, err := state.GetFundingState(asset)
	if err != nil {
		return err
	}
	if fs.LastFundingTimestamp != 0 && now-fs.LastFundingTimestamp < e.funding.IntervalSeconds {
		return nil // not yet due
	}

	mark, err := e.oracle.MarkPrice(asset, now)
	if err != nil {
		return fmt.Errorf("apply funding: mark price: %w", err)
	}
	index, err := e.oracle.IndexPrice(asset, now)
	if err != nil {
		return fmt.Errorf("apply funding: index price: %w", err)
	}
	if index.IsZero() {
		return fmt.Errorf("apply funding: index price is zero for %s", asset)
	}

	markF := float64(mark.Uint64())
	indexF := float64(index.Uint64())
	premium := (markF - indexF) / indexF

	fs.CumulativePremium = fs.CumulativePremium*e.funding.Dampening + premium
	rate := clamp(fs.CumulativePremium, e.funding.MaxRate)
	fs.CurrentRate = rate
	fs.LastFundingTimestamp = now

	positions, err := state.ListPositionsByAsset(asset)
	if err != nil {
		return err
	}
	for _, pos := range positions {
		payment := fundingPayment(pos, mark, rate)
		if payment == 0 {
			continue
		}
		pos.RealizedPnL += payment
		if err := state.SetPosition(pos); err != nil {
			return err
		}
		collateral, err := state.GetCollateralAccount(pos.User)
		if err != nil {
			return err
		}
		creditPnL(collateral, asset, payment)
		if err := state.SetCollateralAccount(collateral); err != nil {
			return err
		}
	}

	return state.SetFundingState(fs)
}

// fundingPayment computes a single position's funding settlement: longs pay
// when rate > 0, shorts receive, and vice versa (§4.11).
func fundingPayment(pos *core.Position, mark *uint256.Int, rate float64) int64 {
	size := float64(pos.SignedSize.Abs.Uint64())
	markF := float64(mark.Uint64())
	payment := size * markF * rate / priceScale
	if pos.SignedSize.IsLong() {
		payment = -payment
	}
	return int64(math.Round(payment))
}
