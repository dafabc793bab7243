package pool

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/uhyunpark/hyperlend/pkg/fixed"
)

// Accrue compounds both indices up to now and credits the protocol fee.
// Calling it twice with the same now is a no-op.
//
// Formula:
//
//	liquidityIndex *= 1 + liquidityRate * elapsed
//	borrowIndex    *= 1 + borrowRate * elapsed
//	fee = Δ totalDebt - Δ totalSupply
func (p *Pool) Accrue(now int64, model InterestRateModel) error {
	if now <= p.LastUpdateTimestamp {
		return nil
	}
	elapsed := fixed.New(uint64(now - p.LastUpdateTimestamp))

	prevSupply, err := p.TotalSupply()
	if err != nil {
		return err
	}
	prevDebt, err := p.TotalDebt()
	if err != nil {
		return err
	}

	if p.LiquidityIndex, err = compound(p.LiquidityIndex, p.LiquidityRate, elapsed); err != nil {
		return fmt.Errorf("failed to accrue liquidity index: %w", err)
	}
	if p.BorrowIndex, err = compound(p.BorrowIndex, p.BorrowRate, elapsed); err != nil {
		return fmt.Errorf("failed to accrue borrow index: %w", err)
	}

	supply, err := p.TotalSupply()
	if err != nil {
		return err
	}
	debt, err := p.TotalDebt()
	if err != nil {
		return err
	}

	// Interest not passed through to suppliers is the protocol's share
	fee := fixed.SubFloor(fixed.SubFloor(debt, prevDebt), fixed.SubFloor(supply, prevSupply))
	if !fee.IsZero() {
		if p.TotalFee, err = fixed.Add(p.TotalFee, fee); err != nil {
			return err
		}
		if p.UnclaimedFee, err = fixed.Add(p.UnclaimedFee, fee); err != nil {
			return err
		}
	}

	p.LastUpdateTimestamp = now
	return p.UpdateRates(model)
}

// UpdateRates recomputes the current rates from the pool's totals
func (p *Pool) UpdateRates(model InterestRateModel) error {
	liquidityRate, borrowRate, err := model.ComputeRates(p)
	if err != nil {
		return fmt.Errorf("failed to compute rates for %s: %w", p.Symbol, err)
	}
	p.LiquidityRate = liquidityRate
	p.BorrowRate = borrowRate
	return nil
}

// NormalizedIncome returns the liquidity index as of now without mutating the pool
func (p *Pool) NormalizedIncome(now int64) (*uint256.Int, error) {
	if now <= p.LastUpdateTimestamp {
		return fixed.Clone(p.LiquidityIndex), nil
	}
	return compound(p.LiquidityIndex, p.LiquidityRate, fixed.New(uint64(now-p.LastUpdateTimestamp)))
}

// NormalizedDebt returns the borrow index as of now without mutating the pool
func (p *Pool) NormalizedDebt(now int64) (*uint256.Int, error) {
	if now <= p.LastUpdateTimestamp {
		return fixed.Clone(p.BorrowIndex), nil
	}
	return compound(p.BorrowIndex, p.BorrowRate, fixed.New(uint64(now-p.LastUpdateTimestamp)))
}

// compound returns index * (RAY + rate * elapsed) / RAY
func compound(index, rate, elapsed *uint256.Int) (*uint256.Int, error) {
	if rate.IsZero() {
		return fixed.Clone(index), nil
	}
	growth, err := fixed.Mul(rate, elapsed)
	if err != nil {
		return nil, err
	}
	factor, err := fixed.Add(fixed.Ray(), growth)
	if err != nil {
		return nil, err
	}
	return fixed.RayMul(index, factor)
}
