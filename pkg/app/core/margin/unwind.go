package margin

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/hyperlend/pkg/app/core/errs"
	"github.com/uhyunpark/hyperlend/pkg/app/core/ledger"
	"github.com/uhyunpark/hyperlend/pkg/app/core/pool"
	"github.com/uhyunpark/hyperlend/pkg/app/core/position"
	"github.com/uhyunpark/hyperlend/pkg/dex"
	"github.com/uhyunpark/hyperlend/pkg/fixed"
)

// close unwinds every position of the caller into USD collateral.
// The owner may only close a healthy account; unhealthy ones go through liquidate.
func (b *batch) close(op Close) (*OpResult, error) {
	usd, err := b.usdPool(op.UsdAsset)
	if err != nil {
		return nil, err
	}
	open, err := b.openPositions(b.account)
	if err != nil {
		return nil, err
	}
	if len(open) == 0 {
		return nil, errs.New(errs.EmptyPositions, op.UsdAsset, b.account, "")
	}

	// tokens sent earlier in the batch count toward the gate
	if err := b.creditTransferred(b.account); err != nil {
		return nil, err
	}
	h, err := b.health(b.account)
	if err != nil {
		return nil, err
	}
	if h.HealthFactor.Lt(b.risk.HealthFactorLiquidationThreshold) {
		return nil, errs.New(errs.HealthFactorLowerThanLiquidationThreshold, op.UsdAsset, b.account,
			"health factor %s below threshold %s, liquidate instead", h.HealthFactor.Dec(), b.risk.HealthFactorLiquidationThreshold.Dec())
	}

	if _, err := b.unwind(b.account, usd, false); err != nil {
		return nil, err
	}

	coll, err := b.ledger.BalanceOf(usd, ledger.Collateral, b.account)
	if err != nil {
		return nil, err
	}
	return &OpResult{Op: OpClose, Asset: op.UsdAsset, Amount: coll}, nil
}

// liquidate unwinds an unhealthy account and pays the caller a share of the
// remaining USD collateral
func (b *batch) liquidate(op Liquidate) (*OpResult, error) {
	usd, err := b.usdPool(op.UsdAsset)
	if err != nil {
		return nil, err
	}
	open, err := b.openPositions(op.Account)
	if err != nil {
		return nil, err
	}
	if len(open) == 0 {
		return nil, errs.New(errs.EmptyPositions, op.UsdAsset, op.Account, "")
	}

	h, err := b.health(op.Account)
	if err != nil {
		return nil, err
	}
	if !h.HealthFactor.Lt(b.risk.HealthFactorLiquidationThreshold) {
		return nil, errs.New(errs.HealthFactorHigherThanLiquidationThreshold, op.UsdAsset, op.Account,
			"health factor %s, threshold %s", h.HealthFactor.Dec(), b.risk.HealthFactorLiquidationThreshold.Dec())
	}

	shortfalls, err := b.unwind(op.Account, usd, true)
	if err != nil {
		return nil, err
	}
	for _, sf := range shortfalls {
		b.e.logger.Warnw("liquidation_shortfall",
			"account", op.Account.Hex(),
			"asset", sf.Asset.Hex(),
			"debt", sf.Debt.Dec(),
		)
	}

	// Formula: fee = remaining USD collateral × liquidationFeeBps / 10000
	coll, err := b.ledger.BalanceOf(usd, ledger.Collateral, op.Account)
	if err != nil {
		return nil, err
	}
	fee, err := fixed.MulDiv(coll, fixed.New(b.risk.LiquidationFeeBps), fixed.New(10000))
	if err != nil {
		return nil, err
	}
	if !fee.IsZero() {
		if _, _, err := b.ledger.Burn(usd, ledger.Collateral, op.Account, fee); err != nil {
			return nil, err
		}
		if _, err := b.ledger.Mint(usd, ledger.Collateral, b.account, fee); err != nil {
			return nil, err
		}
		if err := b.touchPosition(op.Account, usd); err != nil {
			return nil, err
		}
		if err := b.touchPosition(b.account, usd); err != nil {
			return nil, err
		}
	}

	b.e.logger.Infow("account_liquidated",
		"account", op.Account.Hex(),
		"liquidator", b.account.Hex(),
		"health_factor", h.HealthFactor.Dec(),
		"fee", fee.Dec(),
	)
	return &OpResult{Op: OpLiquidate, Asset: op.UsdAsset, Amount: fee}, nil
}

// usdPool loads the settlement pool and checks it is the single active USD pool
func (b *batch) usdPool(asset common.Address) (*pool.Pool, error) {
	p, err := b.load(asset)
	if err != nil {
		return nil, err
	}
	if !p.IsUsd {
		return nil, errs.New(errs.PoolIsNotUsd, asset, b.account, "%s is not the USD pool", p.Symbol)
	}
	usd, err := b.pools.UsdPools()
	if err != nil {
		return nil, err
	}
	if len(usd) > 1 {
		return nil, errs.New(errs.MultipleUsdPools, asset, b.account, "%d pools flagged USD", len(usd))
	}
	if err := p.CheckAction(pool.ActionClose, b.account); err != nil {
		return nil, err
	}
	return p, nil
}

// creditTransferred books tokens sent earlier in the batch as the account's collateral
func (b *batch) creditTransferred(account common.Address) error {
	pools, err := b.pools.List()
	if err != nil {
		return err
	}
	for _, stored := range pools {
		p, err := b.load(stored.UnderlyingAsset)
		if err != nil {
			return err
		}
		sent, err := b.transferred(p)
		if err != nil {
			return err
		}
		if sent.IsZero() {
			continue
		}
		if err := b.creditCollateral(p, account, sent); err != nil {
			return err
		}
	}
	return nil
}

// shortfall is debt an unwind could not buy back
type shortfall struct {
	Asset common.Address
	Debt  *uint256.Int
}

type leg struct {
	pos *position.Position
	p   *pool.Pool
}

// unwind settles every non-USD position of account into the USD pool, then
// repays USD debt from USD collateral. With c = collateral and d = debt:
//
//	pass 1, every position: repay min(c, d) from collateral, then sell leftover
//	        collateral for USD (long unwind)
//	pass 2, every position still in debt: buy the debt with USD collateral and
//	        repay it (short unwind)
//
// Every long is sold before any short is bought, so asset order does not
// matter. Without partial, debt the USD collateral cannot cover fails with
// InsufficientBalance. With partial, the remaining USD collateral buys what it
// can and the rest stays on the account and is returned.
func (b *batch) unwind(account common.Address, usd *pool.Pool, partial bool) ([]shortfall, error) {
	open, err := b.openPositions(account)
	if err != nil {
		return nil, err
	}

	legs := make([]leg, 0, len(open))
	for _, pos := range open {
		if pos.UnderlyingAsset == usd.UnderlyingAsset {
			continue
		}
		p, err := b.gated(pos.UnderlyingAsset, pool.ActionClose)
		if err != nil {
			return nil, err
		}
		c, err := b.ledger.BalanceOf(p, ledger.Collateral, account)
		if err != nil {
			return nil, err
		}
		d, err := b.ledger.BalanceOf(p, ledger.Debt, account)
		if err != nil {
			return nil, err
		}

		r := fixed.Min(c, d)
		if !r.IsZero() {
			if err := b.repayFromCollateral(p, account, r, r.Eq(d)); err != nil {
				return nil, err
			}
		}
		if c.Gt(r) {
			if err := b.sellCollateral(p, usd, account); err != nil {
				return nil, err
			}
		}
		legs = append(legs, leg{pos: pos, p: p})
	}

	var shortfalls []shortfall
	for _, l := range legs {
		left, err := b.buyAndRepay(l.p, usd, account, partial)
		if err != nil {
			return nil, err
		}
		if !left.IsZero() {
			shortfalls = append(shortfalls, shortfall{Asset: l.p.UnderlyingAsset, Debt: left})
		}
		l.pos.ResetDirectional()
		if err := b.savePosition(l.pos, l.p); err != nil {
			return nil, err
		}
	}

	d, err := b.ledger.BalanceOf(usd, ledger.Debt, account)
	if err != nil {
		return nil, err
	}
	if !d.IsZero() {
		c, err := b.ledger.BalanceOf(usd, ledger.Collateral, account)
		if err != nil {
			return nil, err
		}
		switch {
		case !c.Lt(d):
			if err := b.repayFromCollateral(usd, account, d, true); err != nil {
				return nil, err
			}
		case !partial:
			return nil, errs.New(errs.InsufficientBalance, usd.UnderlyingAsset, account,
				"USD debt %s exceeds USD collateral %s", d.Dec(), c.Dec())
		default:
			if !c.IsZero() {
				if err := b.repayFromCollateral(usd, account, c, false); err != nil {
					return nil, err
				}
			}
			shortfalls = append(shortfalls, shortfall{Asset: usd.UnderlyingAsset, Debt: new(uint256.Int).Sub(d, c)})
		}
	}
	if err := b.touchPosition(account, usd); err != nil {
		return nil, err
	}
	return shortfalls, nil
}

// repayFromCollateral nets amount of debt against the same asset's collateral
func (b *batch) repayFromCollateral(p *pool.Pool, account common.Address, amount *uint256.Int, full bool) error {
	if err := b.burnDebt(p, account, amount, full); err != nil {
		return err
	}
	_, _, err := b.ledger.Burn(p, ledger.Collateral, account, amount)
	return err
}

// sellCollateral sells the account's whole collateral in p for USD collateral.
// Dust the DEX cannot fill stays in the pool as liquidity.
func (b *batch) sellCollateral(p, usd *pool.Pool, account common.Address) error {
	sold, _, err := b.ledger.Burn(p, ledger.Collateral, account, fixed.Max())
	if err != nil {
		return err
	}
	bought, err := b.trade(p, usd, sold, nil)
	if err != nil {
		if errors.Is(err, dex.ErrZeroAmount) {
			b.e.logger.Debugw("unwind_dust_forfeited", "asset", p.UnderlyingAsset.Hex(), "amount", sold.Dec())
			return nil
		}
		return err
	}
	_, err = b.ledger.Mint(usd, ledger.Collateral, account, bought)
	return err
}

// buyAndRepay buys exactly the outstanding debt with USD collateral and repays it.
// When the collateral falls short and partial is set, it spends all of it instead
// and returns the debt left over.
func (b *batch) buyAndRepay(p, usd *pool.Pool, account common.Address, partial bool) (*uint256.Int, error) {
	need, err := b.ledger.BalanceOf(p, ledger.Debt, account)
	if err != nil {
		return nil, err
	}
	if need.IsZero() {
		return need, nil
	}
	budget, err := b.ledger.BalanceOf(usd, ledger.Collateral, account)
	if err != nil {
		return nil, err
	}

	cost, err := b.e.dex.SwapExactOut(b.ctx, usd.UnderlyingAsset, p.UnderlyingAsset, need, budget)
	if err != nil {
		if !errors.Is(err, dex.ErrSlippage) {
			return nil, errs.Wrap(errs.SwapFailed, p.UnderlyingAsset, err)
		}
		if !partial {
			return nil, errs.New(errs.InsufficientBalance, p.UnderlyingAsset, account,
				"USD collateral %s cannot buy back debt %s", budget.Dec(), need.Dec())
		}
		return b.buyWithAll(p, usd, account, need, budget)
	}

	if _, _, err := b.ledger.Burn(usd, ledger.Collateral, account, cost); err != nil {
		return nil, err
	}
	if err := b.recordOut(usd, cost); err != nil {
		return nil, err
	}
	if err := b.vault.Release(usd.UnderlyingAsset, cost); err != nil {
		return nil, err
	}
	if err := b.vault.Receive(p.UnderlyingAsset, need); err != nil {
		return nil, err
	}
	if err := b.recordIn(p, need); err != nil {
		return nil, err
	}
	return fixed.Zero(), b.burnDebt(p, account, need, true)
}

// buyWithAll sells the whole budget of USD collateral for p's token and repays
// what it bought, returning the debt left
func (b *batch) buyWithAll(p, usd *pool.Pool, account common.Address, need, budget *uint256.Int) (*uint256.Int, error) {
	if budget.IsZero() {
		return need, nil
	}
	bought, err := b.trade(usd, p, budget, nil)
	if err != nil {
		if errors.Is(err, dex.ErrZeroAmount) {
			return need, nil
		}
		return nil, err
	}
	if _, _, err := b.ledger.Burn(usd, ledger.Collateral, account, budget); err != nil {
		return nil, err
	}
	if err := b.burnDebt(p, account, bought, false); err != nil {
		return nil, err
	}
	return new(uint256.Int).Sub(need, bought), nil
}
