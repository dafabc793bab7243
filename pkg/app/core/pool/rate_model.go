package pool

import (
	"github.com/holiman/uint256"

	"github.com/uhyunpark/hyperlend/pkg/fixed"
)

// InterestRateModel computes current per-second rates from pool state.
// Implementations must be pure: same pool fields in, same rates out.
type InterestRateModel interface {
	ComputeRates(p *Pool) (liquidityRate, borrowRate *uint256.Int, err error)
}

// KinkedRateModel is the two-slope utilization curve driven by each pool's RateStrategy
type KinkedRateModel struct{}

// ComputeRates returns per-second (liquidityRate, borrowRate)
func (KinkedRateModel) ComputeRates(p *Pool) (*uint256.Int, *uint256.Int, error) {
	liquidity, borrow, err := AnnualRates(p)
	if err != nil {
		return nil, nil, err
	}
	perSecond := fixed.New(fixed.SecondsPerYear)
	return new(uint256.Int).Div(liquidity, perSecond), new(uint256.Int).Div(borrow, perSecond), nil
}

// Utilization returns totalDebt / (totalDebt + availableLiquidity) in ray
// Returns 0 when the pool has no debt
func Utilization(p *Pool) (*uint256.Int, error) {
	debt, err := p.TotalDebt()
	if err != nil {
		return nil, err
	}
	if debt.IsZero() {
		return fixed.Zero(), nil
	}
	denom, err := fixed.Add(debt, p.AvailableLiquidity())
	if err != nil {
		return nil, err
	}
	return fixed.RayDiv(debt, denom)
}

// AnnualRates evaluates the kinked curve with annual parameters
//
// Formula:
//
//	U <= opt: borrowRate = base + slope1 * U / opt
//	U >  opt: borrowRate = base + slope1 + slope2 * (U - opt) / (1 - opt)
//	liquidityRate = borrowRate * U * (1 - feeFactor)
func AnnualRates(p *Pool) (liquidityRate, borrowRate *uint256.Int, err error) {
	s := p.Strategy
	if err := s.Validate(); err != nil {
		return nil, nil, err
	}

	u, err := Utilization(p)
	if err != nil {
		return nil, nil, err
	}
	ray := fixed.Ray()
	if u.Gt(ray) {
		u = ray
	}

	borrowRate = fixed.Clone(s.BaseRate)
	if u.Cmp(s.OptimalUsageRatio) <= 0 {
		step, err := fixed.RayMul(s.Slope1, u)
		if err != nil {
			return nil, nil, err
		}
		if step, err = fixed.RayDiv(step, s.OptimalUsageRatio); err != nil {
			return nil, nil, err
		}
		if borrowRate, err = fixed.Add(borrowRate, step); err != nil {
			return nil, nil, err
		}
	} else {
		excess := new(uint256.Int).Sub(u, s.OptimalUsageRatio)
		span := new(uint256.Int).Sub(ray, s.OptimalUsageRatio) // > 0 since opt < U <= 1
		ratio, err := fixed.RayDiv(excess, span)
		if err != nil {
			return nil, nil, err
		}
		step, err := fixed.RayMul(s.Slope2, ratio)
		if err != nil {
			return nil, nil, err
		}
		if borrowRate, err = fixed.Add(borrowRate, s.Slope1); err != nil {
			return nil, nil, err
		}
		if borrowRate, err = fixed.Add(borrowRate, step); err != nil {
			return nil, nil, err
		}
	}

	liquidityRate, err = fixed.RayMul(borrowRate, u)
	if err != nil {
		return nil, nil, err
	}
	keep := fixed.SubFloor(ray, p.FeeFactor)
	if liquidityRate, err = fixed.RayMul(liquidityRate, keep); err != nil {
		return nil, nil, err
	}
	return liquidityRate, borrowRate, nil
}
