package margin

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/hyperlend/pkg/app/core/errs"
	"github.com/uhyunpark/hyperlend/pkg/fixed"
	"github.com/uhyunpark/hyperlend/pkg/oracle"
)

// Exposure is an account's collateral and debt in one asset, in token units
type Exposure struct {
	Asset      common.Address
	Decimals   uint8
	Collateral *uint256.Int
	Debt       *uint256.Int
}

// Health is an account's aggregate margin state
type Health struct {
	CollateralUsd *uint256.Int `json:"collateralUsd"` // 8 decimals
	DebtUsd       *uint256.Int `json:"debtUsd"`       // 8 decimals
	HealthFactor  *uint256.Int `json:"healthFactor"`  // ray, fixed.Max without debt
}

// ComputeHealth values every exposure at oracle prices
//
// Formula:
//
//	collateralUsd = Σ collateral_i × price_i / 10^dec_i
//	debtUsd       = Σ debt_i × price_i / 10^dec_i
//	healthFactor  = collateralUsd × liquidationThresholdFactor / debtUsd
func ComputeHealth(ctx context.Context, o oracle.Oracle, factor *uint256.Int, exposures []Exposure) (*Health, error) {
	h := &Health{CollateralUsd: fixed.Zero(), DebtUsd: fixed.Zero()}

	for _, x := range exposures {
		if x.Collateral.IsZero() && x.Debt.IsZero() {
			continue
		}
		price, err := o.Price(ctx, x.Asset)
		if err != nil {
			return nil, errs.Wrap(errs.MissingPrice, x.Asset, err)
		}
		unit := fixed.Pow10(x.Decimals)

		coll, err := fixed.MulDiv(x.Collateral, price, unit)
		if err != nil {
			return nil, err
		}
		debt, err := fixed.MulDiv(x.Debt, price, unit)
		if err != nil {
			return nil, err
		}
		if h.CollateralUsd, err = fixed.Add(h.CollateralUsd, coll); err != nil {
			return nil, err
		}
		if h.DebtUsd, err = fixed.Add(h.DebtUsd, debt); err != nil {
			return nil, err
		}
	}

	if h.DebtUsd.IsZero() {
		h.HealthFactor = fixed.Max()
		return h, nil
	}
	hf, err := fixed.MulDiv(h.CollateralUsd, factor, h.DebtUsd)
	if err != nil {
		return nil, err
	}
	h.HealthFactor = hf
	return h, nil
}

// Safe reports whether hf clears both the 1.0 floor and the threshold
func Safe(hf, threshold *uint256.Int) bool {
	return hf.Gt(fixed.Ray()) && !hf.Lt(threshold)
}
