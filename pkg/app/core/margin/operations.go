package margin

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/hyperlend/pkg/app/core/errs"
	"github.com/uhyunpark/hyperlend/pkg/app/core/ledger"
	"github.com/uhyunpark/hyperlend/pkg/app/core/pool"
	"github.com/uhyunpark/hyperlend/pkg/fixed"
)

// ============================================================================
// Token movement
// ============================================================================

func (b *batch) sendTokens(op SendTokens) (*OpResult, error) {
	if _, err := b.load(op.Asset); err != nil {
		return nil, err
	}
	if err := b.positive(op.Asset, op.Amount, false); err != nil {
		return nil, err
	}
	if err := b.vault.TransferIn(op.Asset, b.account, op.Amount); err != nil {
		return nil, err
	}
	return &OpResult{Op: OpSendTokens, Asset: op.Asset, Amount: fixed.Clone(op.Amount)}, nil
}

// ============================================================================
// Lending side
// ============================================================================

// supply lends everything sent to the pool earlier in the batch
func (b *batch) supply(op Supply) (*OpResult, error) {
	p, err := b.gated(op.Asset, pool.ActionSupply)
	if err != nil {
		return nil, err
	}
	amount, err := b.transferred(p)
	if err != nil {
		return nil, err
	}
	if amount.IsZero() {
		return nil, errs.New(errs.EmptySupplyAmounts, op.Asset, b.account, "no tokens sent to %s pool", p.Symbol)
	}

	to := op.To
	if to == (common.Address{}) {
		to = b.account
	}
	if _, err := b.ledger.Mint(p, ledger.Supply, to, amount); err != nil {
		return nil, err
	}
	if err := b.recordIn(p, amount); err != nil {
		return nil, err
	}

	if !p.SupplyCapacity.IsZero() {
		total, err := p.TotalSupply()
		if err != nil {
			return nil, err
		}
		if total.Gt(p.SupplyCapacity) {
			return nil, errs.New(errs.SupplyCapacityExceeded, op.Asset, b.account,
				"total supply %s exceeds capacity %s", total.Dec(), p.SupplyCapacity.Dec())
		}
	}
	return &OpResult{Op: OpSupply, Asset: op.Asset, Amount: amount}, nil
}

func (b *batch) withdraw(op Withdraw) (*OpResult, error) {
	p, err := b.gated(op.Asset, pool.ActionWithdraw)
	if err != nil {
		return nil, err
	}
	if err := b.positive(op.Asset, op.Amount, true); err != nil {
		return nil, err
	}

	burned, _, err := b.ledger.Burn(p, ledger.Supply, b.account, op.Amount)
	if err != nil {
		return nil, err
	}
	if burned.Gt(p.AvailableLiquidity()) {
		return nil, errs.New(errs.InsufficientLiquidity, op.Asset, b.account,
			"withdraw %s, available %s", burned.Dec(), p.AvailableLiquidity().Dec())
	}
	if err := b.payOut(p, op.To, burned); err != nil {
		return nil, err
	}
	return &OpResult{Op: OpWithdraw, Asset: op.Asset, Amount: burned}, nil
}

// payOut sends custody tokens to a wallet, defaulting to the caller
func (b *batch) payOut(p *pool.Pool, to common.Address, amount *uint256.Int) error {
	if to == (common.Address{}) {
		to = b.account
	}
	if err := b.recordOut(p, amount); err != nil {
		return err
	}
	return b.vault.TransferOut(p.UnderlyingAsset, to, amount)
}

// ============================================================================
// Margin side
// ============================================================================

// deposit posts everything sent to the pool earlier in the batch as collateral
func (b *batch) deposit(op Deposit) (*OpResult, error) {
	p, err := b.gated(op.Asset, pool.ActionDeposit)
	if err != nil {
		return nil, err
	}
	amount, err := b.transferred(p)
	if err != nil {
		return nil, err
	}
	if amount.IsZero() {
		return nil, errs.New(errs.EmptyDepositAmounts, op.Asset, b.account, "no tokens sent to %s pool", p.Symbol)
	}
	if err := b.creditCollateral(p, b.account, amount); err != nil {
		return nil, err
	}
	return &OpResult{Op: OpDeposit, Asset: op.Asset, Amount: amount}, nil
}

// creditCollateral books tokens already in custody as the account's collateral
func (b *batch) creditCollateral(p *pool.Pool, account common.Address, amount *uint256.Int) error {
	if _, err := b.ledger.Mint(p, ledger.Collateral, account, amount); err != nil {
		return err
	}
	if err := b.recordIn(p, amount); err != nil {
		return err
	}
	return b.touchPosition(account, p)
}

// borrow mints debt and credits the borrowed tokens as collateral; they never leave custody
func (b *batch) borrow(op Borrow) (*OpResult, error) {
	p, err := b.gated(op.Asset, pool.ActionBorrow)
	if err != nil {
		return nil, err
	}
	if err := b.positive(op.Asset, op.Amount, false); err != nil {
		return nil, err
	}
	if op.Amount.Gt(p.AvailableLiquidity()) {
		return nil, errs.New(errs.InsufficientLiquidity, op.Asset, b.account,
			"borrow %s, available %s", op.Amount.Dec(), p.AvailableLiquidity().Dec())
	}

	if _, err := b.ledger.Mint(p, ledger.Debt, b.account, op.Amount); err != nil {
		return nil, err
	}
	if _, err := b.ledger.Mint(p, ledger.Collateral, b.account, op.Amount); err != nil {
		return nil, err
	}

	if !p.BorrowCapacity.IsZero() {
		total, err := p.TotalDebt()
		if err != nil {
			return nil, err
		}
		if total.Gt(p.BorrowCapacity) {
			return nil, errs.New(errs.BorrowCapacityExceeded, op.Asset, b.account,
				"total debt %s exceeds capacity %s", total.Dec(), p.BorrowCapacity.Dec())
		}
	}

	if err := b.touchPosition(b.account, p); err != nil {
		return nil, err
	}
	if err := b.requireHealthy(b.account, op.Asset); err != nil {
		return nil, err
	}
	return &OpResult{Op: OpBorrow, Asset: op.Asset, Amount: fixed.Clone(op.Amount)}, nil
}

// repay pays debt from tokens sent in this batch first, then from collateral.
// The amount is capped at the outstanding debt.
func (b *batch) repay(op Repay) (*OpResult, error) {
	p, err := b.gated(op.Asset, pool.ActionRepay)
	if err != nil {
		return nil, err
	}
	if err := b.positive(op.Asset, op.Amount, true); err != nil {
		return nil, err
	}
	debt, err := b.ledger.BalanceOf(p, ledger.Debt, b.account)
	if err != nil {
		return nil, err
	}
	if debt.IsZero() {
		return nil, errs.New(errs.NoDebtToRepay, op.Asset, b.account, "")
	}
	want := fixed.Min(op.Amount, debt)

	sent, err := b.transferred(p)
	if err != nil {
		return nil, err
	}
	fromSent := fixed.Min(sent, want)
	fromCollateral := new(uint256.Int).Sub(want, fromSent)
	if !fromCollateral.IsZero() {
		coll, err := b.ledger.BalanceOf(p, ledger.Collateral, b.account)
		if err != nil {
			return nil, err
		}
		if coll.Lt(fromCollateral) {
			return nil, errs.New(errs.InsufficientBalance, op.Asset, b.account,
				"repay needs %s from collateral, have %s", fromCollateral.Dec(), coll.Dec())
		}
	}

	if err := b.burnDebt(p, b.account, want, want.Eq(debt)); err != nil {
		return nil, err
	}
	if !fromSent.IsZero() {
		if err := b.recordIn(p, fromSent); err != nil {
			return nil, err
		}
	}
	if !fromCollateral.IsZero() {
		if _, _, err := b.ledger.Burn(p, ledger.Collateral, b.account, fromCollateral); err != nil {
			return nil, err
		}
	}

	if err := b.touchPosition(b.account, p); err != nil {
		return nil, err
	}
	return &OpResult{Op: OpRepay, Asset: op.Asset, Amount: want}, nil
}

// burnDebt burns amount of debt; full burns the whole scaled balance so no dust remains
func (b *batch) burnDebt(p *pool.Pool, account common.Address, amount *uint256.Int, full bool) error {
	if full {
		amount = fixed.Max()
	}
	_, _, err := b.ledger.Burn(p, ledger.Debt, account, amount)
	return err
}

// redeem burns collateral and sends the tokens out
func (b *batch) redeem(op Redeem) (*OpResult, error) {
	p, err := b.gated(op.Asset, pool.ActionRedeem)
	if err != nil {
		return nil, err
	}
	if err := b.positive(op.Asset, op.Amount, true); err != nil {
		return nil, err
	}
	burned, _, err := b.ledger.Burn(p, ledger.Collateral, b.account, op.Amount)
	if err != nil {
		return nil, err
	}
	if err := b.payOut(p, op.To, burned); err != nil {
		return nil, err
	}

	pos, err := b.position(b.account, op.Asset)
	if err != nil {
		return nil, err
	}
	pos.ReduceLong(burned)
	if err := b.savePosition(pos, p); err != nil {
		return nil, err
	}
	if err := b.requireHealthy(b.account, op.Asset); err != nil {
		return nil, err
	}
	return &OpResult{Op: OpRedeem, Asset: op.Asset, Amount: burned}, nil
}

// ============================================================================
// Trading
// ============================================================================

// swap sells assetIn collateral through the DEX and books the proceeds as assetOut collateral
//
// Direction rules for non-USD legs:
//
//	bought asset with debt    → short cover (accShort reduced)
//	bought asset without debt → long extension
//	sold asset with debt      → short extension
//	sold asset without debt   → long reduction
func (b *batch) swap(op Swap) (*OpResult, error) {
	if op.AssetIn == op.AssetOut {
		return nil, errs.New(errs.InvalidAmount, op.AssetIn, b.account, "swap assets must differ")
	}
	pin, err := b.gated(op.AssetIn, pool.ActionSwap)
	if err != nil {
		return nil, err
	}
	pout, err := b.gated(op.AssetOut, pool.ActionSwap)
	if err != nil {
		return nil, err
	}
	if err := b.positive(op.AssetIn, op.AmountIn, true); err != nil {
		return nil, err
	}

	sold, _, err := b.ledger.Burn(pin, ledger.Collateral, b.account, op.AmountIn)
	if err != nil {
		return nil, err
	}
	bought, err := b.trade(pin, pout, sold, op.MinAmountOut)
	if err != nil {
		return nil, err
	}
	if _, err := b.ledger.Mint(pout, ledger.Collateral, b.account, bought); err != nil {
		return nil, err
	}

	priceIn, priceOut, err := b.tradePrices(pin, pout, sold, bought)
	if err != nil {
		return nil, err
	}

	posIn, err := b.position(b.account, op.AssetIn)
	if err != nil {
		return nil, err
	}
	posOut, err := b.position(b.account, op.AssetOut)
	if err != nil {
		return nil, err
	}
	if !pout.IsUsd {
		if posOut.HasDebt {
			posOut.ReduceShort(bought)
		} else if err := posOut.ExtendLong(priceOut, bought); err != nil {
			return nil, err
		}
	}
	if !pin.IsUsd {
		if posIn.HasDebt {
			if err := posIn.ExtendShort(priceIn, sold); err != nil {
				return nil, err
			}
		} else {
			posIn.ReduceLong(sold)
		}
	}
	if err := b.savePosition(posIn, pin); err != nil {
		return nil, err
	}
	if err := b.savePosition(posOut, pout); err != nil {
		return nil, err
	}

	if err := b.requireHealthy(b.account, op.AssetIn); err != nil {
		return nil, err
	}
	return &OpResult{Op: OpSwap, Asset: op.AssetIn, Amount: sold, AssetOut: op.AssetOut, AmountOut: bought}, nil
}

// trade sells amount of pin's custody on the DEX and banks the proceeds in pout's custody
func (b *batch) trade(pin, pout *pool.Pool, amount, minOut *uint256.Int) (*uint256.Int, error) {
	out, err := b.e.dex.Swap(b.ctx, pin.UnderlyingAsset, pout.UnderlyingAsset, amount, minOut)
	if err != nil {
		return nil, errs.Wrap(errs.SwapFailed, pin.UnderlyingAsset, err)
	}
	if err := b.recordOut(pin, amount); err != nil {
		return nil, err
	}
	if err := b.vault.Release(pin.UnderlyingAsset, amount); err != nil {
		return nil, err
	}
	if err := b.vault.Receive(pout.UnderlyingAsset, out); err != nil {
		return nil, err
	}
	if err := b.recordIn(pout, out); err != nil {
		return nil, err
	}
	return out, nil
}

// tradePrices returns the fill price of each leg in USD per whole token (8 decimals).
// A leg against the USD pool is priced from the USD side of the fill; a cross trade
// between two non-USD assets is priced from the oracle.
func (b *batch) tradePrices(pin, pout *pool.Pool, amountIn, amountOut *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	switch {
	case pin.IsUsd:
		price, err := b.fillPrice(pin, amountIn, pout, amountOut)
		return fixed.Zero(), price, err
	case pout.IsUsd:
		price, err := b.fillPrice(pout, amountOut, pin, amountIn)
		return price, fixed.Zero(), err
	default:
		priceIn, err := b.price(pin.UnderlyingAsset)
		if err != nil {
			return nil, nil, err
		}
		priceOut, err := b.price(pout.UnderlyingAsset)
		if err != nil {
			return nil, nil, err
		}
		return priceIn, priceOut, nil
	}
}

// fillPrice values the USD leg and divides by the token leg
// Formula: price = usdAmount × usdPrice / 10^usdDec × 10^tokenDec / tokenAmount
func (b *batch) fillPrice(usd *pool.Pool, usdAmount *uint256.Int, token *pool.Pool, tokenAmount *uint256.Int) (*uint256.Int, error) {
	usdPrice, err := b.price(usd.UnderlyingAsset)
	if err != nil {
		return nil, err
	}
	value, err := fixed.MulDiv(usdAmount, usdPrice, fixed.Pow10(usd.Decimals))
	if err != nil {
		return nil, err
	}
	return fixed.MulDiv(value, fixed.Pow10(token.Decimals), tokenAmount)
}

func (b *batch) price(asset common.Address) (*uint256.Int, error) {
	price, err := b.e.oracle.Price(b.ctx, asset)
	if err != nil {
		return nil, errs.Wrap(errs.MissingPrice, asset, err)
	}
	return price, nil
}
