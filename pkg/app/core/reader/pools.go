package reader

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/hyperlend/pkg/app/core/pool"
	"github.com/uhyunpark/hyperlend/pkg/dex"
)

// PoolInfo is a pool record with its derived totals and rates
type PoolInfo struct {
	*pool.Pool

	TotalSupply        *uint256.Int    `json:"totalSupply"`
	TotalDebt          *uint256.Int    `json:"totalDebt"`
	AvailableLiquidity *uint256.Int    `json:"availableLiquidity"`
	Utilization        decimal.Decimal `json:"utilization"`
	SupplyAPY          decimal.Decimal `json:"supplyApy"`
	BorrowAPY          decimal.Decimal `json:"borrowApy"`
	Price              *uint256.Int    `json:"price,omitempty"` // nil when the oracle has none
}

// PoolPrice is the oracle price of a pool's asset
type PoolPrice struct {
	Asset    common.Address  `json:"asset"`
	Symbol   string          `json:"symbol"`
	Price    *uint256.Int    `json:"price"`
	PriceUsd decimal.Decimal `json:"priceUsd"`
}

// PoolInfo returns one pool as of now
func (r *Reader) PoolInfo(ctx context.Context, asset common.Address) (*PoolInfo, error) {
	v, release := r.at()
	defer release()

	p, err := v.pool(asset)
	if err != nil {
		return nil, err
	}
	return v.poolInfo(ctx, p)
}

// Pools returns every pool as of now
func (r *Reader) Pools(ctx context.Context) ([]*PoolInfo, error) {
	v, release := r.at()
	defer release()

	pools, err := v.pools()
	if err != nil {
		return nil, err
	}
	out := make([]*PoolInfo, 0, len(pools))
	for _, p := range pools {
		info, err := v.poolInfo(ctx, p)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

func (r *Reader) poolInfo(ctx context.Context, p *pool.Pool) (*PoolInfo, error) {
	supply, err := p.TotalSupply()
	if err != nil {
		return nil, err
	}
	debt, err := p.TotalDebt()
	if err != nil {
		return nil, err
	}
	u, err := pool.Utilization(p)
	if err != nil {
		return nil, err
	}
	supplyRate, borrowRate, err := pool.AnnualRates(p)
	if err != nil {
		return nil, err
	}

	info := &PoolInfo{
		Pool:               p,
		TotalSupply:        supply,
		TotalDebt:          debt,
		AvailableLiquidity: p.AvailableLiquidity(),
		Utilization:        ray(u),
		SupplyAPY:          ray(supplyRate),
		BorrowAPY:          ray(borrowRate),
	}
	if price, err := r.oracle.Price(ctx, p.UnderlyingAsset); err == nil {
		info.Price = price
	}
	return info, nil
}

// PoolsPrice returns the oracle price of every pool asset
func (r *Reader) PoolsPrice(ctx context.Context) ([]PoolPrice, error) {
	v, release := r.at()
	defer release()

	pools, err := pool.NewStore(v.kv).List()
	if err != nil {
		return nil, err
	}
	out := make([]PoolPrice, 0, len(pools))
	for _, p := range pools {
		price, err := v.price(ctx, p.UnderlyingAsset)
		if err != nil {
			return nil, err
		}
		out = append(out, PoolPrice{
			Asset:    p.UnderlyingAsset,
			Symbol:   p.Symbol,
			Price:    price,
			PriceUsd: usd(price),
		})
	}
	return out, nil
}

// DexPoolFeeAmount returns the swap fee of a pair in basis points
func (r *Reader) DexPoolFeeAmount(tokenA, tokenB common.Address) uint64 {
	fees, ok := r.dex.(dex.FeeSetter)
	if !ok {
		return 0
	}
	return fees.PairFee(tokenA, tokenB)
}
