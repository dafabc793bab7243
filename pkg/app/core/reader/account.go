package reader

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/hyperlend/pkg/app/core/ledger"
	"github.com/uhyunpark/hyperlend/pkg/app/core/margin"
	"github.com/uhyunpark/hyperlend/pkg/app/core/pool"
	"github.com/uhyunpark/hyperlend/pkg/app/core/vault"
	"github.com/uhyunpark/hyperlend/pkg/fixed"
)

// MarginAndSupply is an account's margin and lending balances in one pool
type MarginAndSupply struct {
	UnderlyingAsset common.Address  `json:"underlyingAsset"`
	Account         common.Address  `json:"account"`
	Symbol          string          `json:"symbol"`
	Collateral      *uint256.Int    `json:"collateral"`
	Debt            *uint256.Int    `json:"debt"`
	BorrowAPY       decimal.Decimal `json:"borrowApy"`
	MaxRedeem       *uint256.Int    `json:"maxRedeemAmount"`
	Supply          *uint256.Int    `json:"supply"`
	SupplyAPY       decimal.Decimal `json:"supplyApy"`
}

// LiquidityAndDebt is an account's raw ledger balances in one pool
type LiquidityAndDebt struct {
	UnderlyingAsset common.Address `json:"underlyingAsset"`
	Account         common.Address `json:"account"`
	Supply          *uint256.Int   `json:"supply"`
	ScaledSupply    *uint256.Int   `json:"scaledSupply"`
	Collateral      *uint256.Int   `json:"collateral"`
	ScaledDebt      *uint256.Int   `json:"scaledDebt"`
	Debt            *uint256.Int   `json:"debt"`
}

// LiquidationHealthFactor is the account's health against the liquidation threshold
type LiquidationHealthFactor struct {
	HealthFactor          *uint256.Int `json:"healthFactor"`
	Threshold             *uint256.Int `json:"healthFactorLiquidationThreshold"`
	IsHigherThanThreshold bool         `json:"isHealthFactorHigherThanLiquidationThreshold"`
	CollateralUsd         *uint256.Int `json:"userTotalCollateralUsd"`
	DebtUsd               *uint256.Int `json:"userTotalDebtUsd"`
}

// LiquidationHealthFactor values the account at current prices
func (r *Reader) LiquidationHealthFactor(ctx context.Context, account common.Address) (*LiquidationHealthFactor, error) {
	v, release := r.at()
	defer release()

	risk, err := v.risk()
	if err != nil {
		return nil, err
	}
	exps, err := v.exposures(account)
	if err != nil {
		return nil, err
	}
	h, err := v.health(ctx, exps, risk)
	if err != nil {
		return nil, err
	}
	return &LiquidationHealthFactor{
		HealthFactor:          h.HealthFactor,
		Threshold:             fixed.Clone(risk.HealthFactorLiquidationThreshold),
		IsHigherThanThreshold: !h.HealthFactor.Lt(risk.HealthFactorLiquidationThreshold),
		CollateralUsd:         h.CollateralUsd,
		DebtUsd:               h.DebtUsd,
	}, nil
}

// MaxAmountToRedeem returns the most collateral of asset the account can redeem
// and stay at or above the liquidation threshold
//
// Formula: spareUsd = collateralUsd - ceil(threshold × debtUsd / factor)
//
//	max = min(collateral, spareUsd × 10^decimals / price)
func (r *Reader) MaxAmountToRedeem(ctx context.Context, account, asset common.Address) (*uint256.Int, error) {
	v, release := r.at()
	defer release()

	risk, err := v.risk()
	if err != nil {
		return nil, err
	}
	exps, err := v.exposures(account)
	if err != nil {
		return nil, err
	}
	return v.maxRedeem(ctx, exps, risk, asset)
}

func (r *Reader) maxRedeem(ctx context.Context, exps []exposure, risk margin.RiskConfig, asset common.Address) (*uint256.Int, error) {
	var target *exposure
	for i := range exps {
		if exps[i].pool.UnderlyingAsset == asset {
			target = &exps[i]
		}
	}
	if target == nil || target.collateral.IsZero() {
		return fixed.Zero(), nil
	}

	h, err := r.health(ctx, exps, risk)
	if err != nil {
		return nil, err
	}
	if h.DebtUsd.IsZero() {
		return fixed.Clone(target.collateral), nil
	}

	need, err := fixed.MulDivUp(h.DebtUsd, risk.HealthFactorLiquidationThreshold, risk.LiquidationThresholdFactor)
	if err != nil {
		return nil, err
	}
	if !h.CollateralUsd.Gt(need) {
		return fixed.Zero(), nil
	}
	spare := new(uint256.Int).Sub(h.CollateralUsd, need)

	price, err := r.price(ctx, asset)
	if err != nil {
		return nil, err
	}
	amount, err := fixed.MulDiv(spare, target.pool.Unit(), price)
	if err != nil {
		return nil, err
	}
	return fixed.Min(amount, target.collateral), nil
}

// MarginsAndSupplies returns the account's balances in every pool
func (r *Reader) MarginsAndSupplies(ctx context.Context, account common.Address) ([]MarginAndSupply, error) {
	v, release := r.at()
	defer release()

	risk, err := v.risk()
	if err != nil {
		return nil, err
	}
	pools, err := v.pools()
	if err != nil {
		return nil, err
	}
	exps, err := v.exposures(account)
	if err != nil {
		return nil, err
	}
	l := ledger.New(v.kv)

	out := make([]MarginAndSupply, 0, len(pools))
	for _, p := range pools {
		coll, err := l.BalanceOf(p, ledger.Collateral, account)
		if err != nil {
			return nil, err
		}
		debt, err := l.BalanceOf(p, ledger.Debt, account)
		if err != nil {
			return nil, err
		}
		supply, err := l.BalanceOf(p, ledger.Supply, account)
		if err != nil {
			return nil, err
		}
		supplyRate, borrowRate, err := pool.AnnualRates(p)
		if err != nil {
			return nil, err
		}
		maxRedeem, err := v.maxRedeem(ctx, exps, risk, p.UnderlyingAsset)
		if err != nil {
			return nil, err
		}
		out = append(out, MarginAndSupply{
			UnderlyingAsset: p.UnderlyingAsset,
			Account:         account,
			Symbol:          p.Symbol,
			Collateral:      coll,
			Debt:            debt,
			BorrowAPY:       ray(borrowRate),
			MaxRedeem:       maxRedeem,
			Supply:          supply,
			SupplyAPY:       ray(supplyRate),
		})
	}
	return out, nil
}

// LiquidityAndDebts returns the account's real and scaled balances in every pool
func (r *Reader) LiquidityAndDebts(account common.Address) ([]LiquidityAndDebt, error) {
	v, release := r.at()
	defer release()

	pools, err := v.pools()
	if err != nil {
		return nil, err
	}
	l := ledger.New(v.kv)

	out := make([]LiquidityAndDebt, 0, len(pools))
	for _, p := range pools {
		row := LiquidityAndDebt{UnderlyingAsset: p.UnderlyingAsset, Account: account}
		if row.ScaledSupply, err = l.ScaledBalanceOf(ledger.Supply, p.UnderlyingAsset, account); err != nil {
			return nil, err
		}
		if row.Supply, err = l.BalanceOf(p, ledger.Supply, account); err != nil {
			return nil, err
		}
		if row.Collateral, err = l.BalanceOf(p, ledger.Collateral, account); err != nil {
			return nil, err
		}
		if row.ScaledDebt, err = l.ScaledBalanceOf(ledger.Debt, p.UnderlyingAsset, account); err != nil {
			return nil, err
		}
		if row.Debt, err = l.BalanceOf(p, ledger.Debt, account); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, nil
}

// Wallet returns the account's token balance outside the pools
func (r *Reader) Wallet(account, asset common.Address) (*uint256.Int, error) {
	return vault.New(r.kv).WalletBalance(asset, account)
}

// NextNonce returns the nonce the account's next signed batch must carry
func (r *Reader) NextNonce(account common.Address) (uint64, error) {
	last, err := margin.LastNonce(r.kv, account)
	if err != nil {
		return 0, err
	}
	return last + 1, nil
}
