package margin

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/hyperlend/pkg/app/core/errs"
	"github.com/uhyunpark/hyperlend/pkg/app/core/pool"
	"github.com/uhyunpark/hyperlend/pkg/dex"
	"github.com/uhyunpark/hyperlend/pkg/fixed"
	"github.com/uhyunpark/hyperlend/pkg/storage"
)

// Admin changes pool and engine configuration. Each call is its own unit of work
// under the engine's execution lock.
type Admin struct {
	e *Engine
}

// Admin returns the configuration interface of the engine
func (e *Engine) Admin() *Admin {
	return &Admin{e: e}
}

// PoolParams describes a pool to create
type PoolParams struct {
	Asset          common.Address     `json:"asset"`
	Symbol         string             `json:"symbol"`
	Decimals       uint8              `json:"decimals"`
	IsUsd          bool               `json:"isUsd"`
	Strategy       *pool.RateStrategy `json:"strategy,omitempty"`
	FeeFactor      *uint256.Int       `json:"feeFactor,omitempty"`
	SupplyCapacity *uint256.Int       `json:"supplyCapacity,omitempty"`
	BorrowCapacity *uint256.Int       `json:"borrowCapacity,omitempty"`
}

type pairFee struct {
	TokenA common.Address `json:"tokenA"`
	TokenB common.Address `json:"tokenB"`
	FeeBps uint64         `json:"feeBps"`
}

// update runs fn in a unit of work with the clock's timestamp
func (a *Admin) update(ctx context.Context, fn func(b *batch) error) error {
	a.e.mu.Lock()
	defer a.e.mu.Unlock()

	tx := storage.NewTx(a.e.db)
	b, err := a.e.newBatch(ctx, tx, common.Address{})
	if err != nil {
		tx.Discard()
		return err
	}
	if err := fn(b); err != nil {
		tx.Discard()
		return err
	}
	if err := b.flush(); err != nil {
		tx.Discard()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit admin change: %w", err)
	}
	return nil
}

// CreatePool registers a new pool and makes its token tradable on the DEX
func (a *Admin) CreatePool(ctx context.Context, params PoolParams) (*pool.Pool, error) {
	strategy := pool.DefaultRateStrategy()
	if params.Strategy != nil {
		strategy = *params.Strategy
	}

	var created *pool.Pool
	err := a.update(ctx, func(b *batch) error {
		p := pool.NewPool(params.Asset, params.Symbol, params.Decimals, params.IsUsd, strategy, b.now)
		if params.FeeFactor != nil {
			p.FeeFactor = fixed.Clone(params.FeeFactor)
		}
		if params.SupplyCapacity != nil {
			p.SupplyCapacity = fixed.Clone(params.SupplyCapacity)
		}
		if params.BorrowCapacity != nil {
			p.BorrowCapacity = fixed.Clone(params.BorrowCapacity)
		}
		if err := b.pools.Create(p); err != nil {
			return err
		}
		created = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	if registrar, ok := a.e.dex.(tokenRegistrar); ok {
		registrar.RegisterToken(created.UnderlyingAsset, created.Decimals)
	}
	a.e.logger.Infow("pool_created",
		"asset", created.UnderlyingAsset.Hex(),
		"symbol", created.Symbol,
		"decimals", created.Decimals,
		"is_usd", created.IsUsd,
	)
	return created, nil
}

// modify accrues a pool to now, applies fn and saves it with fresh rates
func (a *Admin) modify(ctx context.Context, asset common.Address, fn func(p *pool.Pool) error) error {
	return a.update(ctx, func(b *batch) error {
		p, err := b.load(asset)
		if err != nil {
			return err
		}
		return fn(p)
	})
}

// SetSupplyCapacity caps total supply in token units (0 = unlimited)
func (a *Admin) SetSupplyCapacity(ctx context.Context, asset common.Address, capacity *uint256.Int) error {
	return a.modify(ctx, asset, func(p *pool.Pool) error {
		p.SupplyCapacity = fixed.Clone(capacity)
		return nil
	})
}

// SetBorrowCapacity caps total debt in token units (0 = unlimited)
func (a *Admin) SetBorrowCapacity(ctx context.Context, asset common.Address, capacity *uint256.Int) error {
	return a.modify(ctx, asset, func(p *pool.Pool) error {
		p.BorrowCapacity = fixed.Clone(capacity)
		return nil
	})
}

// SetFeeFactor sets the protocol's share of interest (ray, at most 1)
func (a *Admin) SetFeeFactor(ctx context.Context, asset common.Address, factor *uint256.Int) error {
	if factor == nil || factor.Gt(fixed.Ray()) {
		return errs.New(errs.InvalidConfig, asset, common.Address{}, "fee factor must be at most 1 ray")
	}
	return a.modify(ctx, asset, func(p *pool.Pool) error {
		p.FeeFactor = fixed.Clone(factor)
		return nil
	})
}

// SetRateStrategy replaces the pool's interest curve. Interest up to now accrues on the old curve.
func (a *Admin) SetRateStrategy(ctx context.Context, asset common.Address, s pool.RateStrategy) error {
	if err := s.Validate(); err != nil {
		return errs.New(errs.InvalidConfig, asset, common.Address{}, "%v", err)
	}
	return a.modify(ctx, asset, func(p *pool.Pool) error {
		p.Strategy = s
		return nil
	})
}

// SetStatus flips pool status flags
func (a *Admin) SetStatus(ctx context.Context, asset common.Address, u pool.StatusUpdate) error {
	var status string
	err := a.modify(ctx, asset, func(p *pool.Pool) error {
		if err := p.ApplyStatus(u); err != nil {
			return err
		}
		status = p.StatusString()
		return nil
	})
	if err == nil {
		a.e.logger.Infow("pool_status_changed", "asset", asset.Hex(), "status", status)
	}
	return err
}

// SetHealthFactorLiquidationThreshold sets the minimum health factor (ray, above 1)
func (a *Admin) SetHealthFactorLiquidationThreshold(ctx context.Context, threshold *uint256.Int) error {
	return a.update(ctx, func(b *batch) error {
		r := b.risk
		r.HealthFactorLiquidationThreshold = fixed.Clone(threshold)
		if err := r.Validate(); err != nil {
			return errs.New(errs.InvalidConfig, common.Address{}, common.Address{}, "%v", err)
		}
		return saveRisk(b.kv, r)
	})
}

// SetRiskConfig replaces every risk parameter
func (a *Admin) SetRiskConfig(ctx context.Context, r RiskConfig) error {
	if err := r.Validate(); err != nil {
		return errs.New(errs.InvalidConfig, common.Address{}, common.Address{}, "%v", err)
	}
	return a.update(ctx, func(b *batch) error {
		return saveRisk(b.kv, r)
	})
}

// SetDexPoolFee sets the swap fee of a token pair in basis points
func (a *Admin) SetDexPoolFee(ctx context.Context, tokenA, tokenB common.Address, feeBps uint64) error {
	if feeBps > dex.MaxFeeBps || tokenA == tokenB {
		return errs.New(errs.InvalidConfig, tokenA, common.Address{}, "invalid pair fee %d bps", feeBps)
	}
	err := a.update(ctx, func(b *batch) error {
		if _, err := b.load(tokenA); err != nil {
			return err
		}
		if _, err := b.load(tokenB); err != nil {
			return err
		}
		return storage.Save(b.kv, storage.DexFeeKey(tokenA, tokenB), &pairFee{TokenA: tokenA, TokenB: tokenB, FeeBps: feeBps})
	})
	if err != nil {
		return err
	}
	if setter, ok := a.e.dex.(dex.FeeSetter); ok {
		return setter.SetPairFee(tokenA, tokenB, feeBps)
	}
	return nil
}

// ClaimFees sends the pool's unclaimed protocol fee to a receiver wallet
func (a *Admin) ClaimFees(ctx context.Context, asset, receiver common.Address) (*uint256.Int, error) {
	var claimed *uint256.Int
	err := a.update(ctx, func(b *batch) error {
		p, err := b.load(asset)
		if err != nil {
			return err
		}
		amount := fixed.Clone(p.UnclaimedFee)
		if amount.IsZero() {
			claimed = amount
			return nil
		}
		if amount.Gt(p.AvailableLiquidity()) {
			return errs.New(errs.InsufficientLiquidity, asset, receiver,
				"unclaimed fee %s, available %s", amount.Dec(), p.AvailableLiquidity().Dec())
		}
		if err := b.recordOut(p, amount); err != nil {
			return err
		}
		if err := b.vault.TransferOut(asset, receiver, amount); err != nil {
			return err
		}
		p.UnclaimedFee = fixed.Zero()
		claimed = amount
		return nil
	})
	if err != nil {
		return nil, err
	}
	a.e.logger.Infow("fees_claimed", "asset", asset.Hex(), "receiver", receiver.Hex(), "amount", claimed.Dec())
	return claimed, nil
}

// Fund credits a wallet from outside the system (devnet faucet, bridge)
func (a *Admin) Fund(ctx context.Context, asset, account common.Address, amount *uint256.Int) error {
	return a.update(ctx, func(b *batch) error {
		if _, err := b.load(asset); err != nil {
			return err
		}
		return b.vault.Fund(asset, account, amount)
	})
}
