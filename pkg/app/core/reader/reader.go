// Package reader aggregates pool, position and ledger state into read-only views.
//
// Views read committed state without taking the engine lock and never write. Each view
// reads from one storage snapshot, so it never mixes two commits. Pools are accrued in
// memory to the current clock, so balances reflect interest up to now.
package reader

import (
	"context"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/hyperlend/pkg/app/core/errs"
	"github.com/uhyunpark/hyperlend/pkg/app/core/ledger"
	"github.com/uhyunpark/hyperlend/pkg/app/core/margin"
	"github.com/uhyunpark/hyperlend/pkg/app/core/pool"
	"github.com/uhyunpark/hyperlend/pkg/app/core/position"
	"github.com/uhyunpark/hyperlend/pkg/dex"
	"github.com/uhyunpark/hyperlend/pkg/oracle"
	"github.com/uhyunpark/hyperlend/pkg/storage"
	"github.com/uhyunpark/hyperlend/pkg/util"
)

// Reader serves the read-only views
type Reader struct {
	db     storage.Backend
	kv     storage.KeyedStore // the snapshot a view is pinned to
	oracle oracle.Oracle
	dex    dex.DEX
	clock  util.Clock
	model  pool.InterestRateModel
	riskAt func(storage.KeyedStore) (margin.RiskConfig, error)
}

// New reads the engine's committed state with the engine's collaborators
func New(e *margin.Engine) *Reader {
	return &Reader{
		db:     e.Store(),
		kv:     e.Store(),
		oracle: e.Oracle(),
		dex:    e.DEX(),
		clock:  e.Clock(),
		model:  e.Model(),
		riskAt: e.RiskAt,
	}
}

// at returns a copy of r pinned to a snapshot of the committed state.
// The caller must call release when the view is built.
func (r *Reader) at() (v *Reader, release func()) {
	snap := r.db.Snapshot()
	pinned := *r
	pinned.kv = snap
	return &pinned, func() { snap.Close() }
}

func (r *Reader) risk() (margin.RiskConfig, error) {
	return r.riskAt(r.kv)
}

// pool loads a pool accrued to now
func (r *Reader) pool(asset common.Address) (*pool.Pool, error) {
	p, err := pool.NewStore(r.kv).MustGet(asset, common.Address{})
	if err != nil {
		return nil, err
	}
	if err := p.Accrue(r.clock.Now().Unix(), r.model); err != nil {
		return nil, fmt.Errorf("failed to accrue %s: %w", p.Symbol, err)
	}
	return p, nil
}

// pools loads every pool accrued to now
func (r *Reader) pools() ([]*pool.Pool, error) {
	stored, err := pool.NewStore(r.kv).List()
	if err != nil {
		return nil, err
	}
	now := r.clock.Now().Unix()
	for _, p := range stored {
		if err := p.Accrue(now, r.model); err != nil {
			return nil, fmt.Errorf("failed to accrue %s: %w", p.Symbol, err)
		}
	}
	return stored, nil
}

func (r *Reader) price(ctx context.Context, asset common.Address) (*uint256.Int, error) {
	price, err := r.oracle.Price(ctx, asset)
	if err != nil {
		return nil, errs.Wrap(errs.MissingPrice, asset, err)
	}
	return price, nil
}

// openPositions lists the account's open positions in ascending asset order
func (r *Reader) openPositions(account common.Address) ([]*position.Position, error) {
	open, err := position.NewStore(r.kv).ListOpen(account)
	if err != nil {
		return nil, err
	}
	sort.Slice(open, func(i, j int) bool {
		return open[i].UnderlyingAsset.Cmp(open[j].UnderlyingAsset) < 0
	})
	return open, nil
}

// exposure is one open position with its pool and balances as of now
type exposure struct {
	pos        *position.Position
	pool       *pool.Pool
	collateral *uint256.Int
	debt       *uint256.Int
}

func (r *Reader) exposures(account common.Address) ([]exposure, error) {
	open, err := r.openPositions(account)
	if err != nil {
		return nil, err
	}
	l := ledger.New(r.kv)
	out := make([]exposure, 0, len(open))
	for _, pos := range open {
		p, err := r.pool(pos.UnderlyingAsset)
		if err != nil {
			return nil, err
		}
		coll, err := l.BalanceOf(p, ledger.Collateral, account)
		if err != nil {
			return nil, err
		}
		debt, err := l.BalanceOf(p, ledger.Debt, account)
		if err != nil {
			return nil, err
		}
		out = append(out, exposure{pos: pos, pool: p, collateral: coll, debt: debt})
	}
	return out, nil
}

func (r *Reader) health(ctx context.Context, exps []exposure, risk margin.RiskConfig) (*margin.Health, error) {
	in := make([]margin.Exposure, len(exps))
	for i, x := range exps {
		in[i] = margin.Exposure{
			Asset:      x.pool.UnderlyingAsset,
			Decimals:   x.pool.Decimals,
			Collateral: x.collateral,
			Debt:       x.debt,
		}
	}
	return margin.ComputeHealth(ctx, r.oracle, risk.LiquidationThresholdFactor, in)
}

// ============================================================================
// Display conversions
// ============================================================================

// units renders a token amount in whole tokens
func units(x *uint256.Int, decimals uint8) decimal.Decimal {
	if x == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(x.ToBig(), -int32(decimals))
}

// usd renders an 8-decimal oracle value in dollars
func usd(x *uint256.Int) decimal.Decimal {
	return units(x, oracle.Decimals)
}

// ray renders a ray value as a plain ratio
func ray(x *uint256.Int) decimal.Decimal {
	return units(x, 27)
}
