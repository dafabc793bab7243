package pool

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"

	"github.com/uhyunpark/hyperlend/pkg/fixed"
)

// RateStrategy holds the kinked interest curve parameters (annual, ray)
type RateStrategy struct {
	BaseRate          *uint256.Int `json:"baseRate"`
	Slope1            *uint256.Int `json:"slope1"`
	Slope2            *uint256.Int `json:"slope2"`
	OptimalUsageRatio *uint256.Int `json:"optimalUsageRatio"`
}

// DefaultRateStrategy: 0% base, 4% slope1, 75% slope2, kink at 80% utilization
func DefaultRateStrategy() RateStrategy {
	return RateStrategy{
		BaseRate:          fixed.Zero(),
		Slope1:            fixed.FromBps(400),
		Slope2:            fixed.FromBps(7500),
		OptimalUsageRatio: fixed.FromBps(8000),
	}
}

// Pool is the per-asset money-market record
type Pool struct {
	UnderlyingAsset common.Address `json:"underlyingAsset"`
	PoolToken       common.Address `json:"poolToken"` // supply ledger identity
	DebtToken       common.Address `json:"debtToken"` // debt ledger identity
	Symbol          string         `json:"symbol"`
	Decimals        uint8          `json:"decimals"`

	// Cumulative compounding factors (ray), never decrease
	LiquidityIndex *uint256.Int `json:"liquidityIndex"`
	BorrowIndex    *uint256.Int `json:"borrowIndex"`

	// Current per-second rates (ray)
	LiquidityRate *uint256.Int `json:"liquidityRate"`
	BorrowRate    *uint256.Int `json:"borrowRate"`

	// Index-independent totals
	ScaledTotalSupply *uint256.Int `json:"scaledTotalSupply"`
	ScaledTotalDebt   *uint256.Int `json:"scaledTotalDebt"`
	// Margin collateral does not rebase, so the total is a real amount
	TotalCollateral *uint256.Int `json:"totalCollateral"`

	// Custody recorded after the last operation; anything above it was transferred in
	UnderlyingBalance *uint256.Int `json:"underlyingBalance"`

	TotalFee     *uint256.Int `json:"totalFee"`
	UnclaimedFee *uint256.Int `json:"unclaimedFee"`
	FeeFactor    *uint256.Int `json:"feeFactor"` // share of interest retained (ray)

	// 0 = unlimited
	SupplyCapacity *uint256.Int `json:"supplyCapacity"`
	BorrowCapacity *uint256.Int `json:"borrowCapacity"`

	Strategy RateStrategy `json:"strategy"`

	IsActive         bool `json:"isActive"`
	IsPaused         bool `json:"isPaused"`
	IsFrozen         bool `json:"isFrozen"`
	BorrowingEnabled bool `json:"borrowingEnabled"`
	IsUsd            bool `json:"isUsd"`

	LastUpdateTimestamp int64 `json:"lastUpdateTimestamp"` // unix seconds
}

// NewPool creates an active pool with unit indices and a 10% fee factor
func NewPool(asset common.Address, symbol string, decimals uint8, isUsd bool, strategy RateStrategy, now int64) *Pool {
	return &Pool{
		UnderlyingAsset:     asset,
		PoolToken:           ledgerToken(asset, "pool"),
		DebtToken:           ledgerToken(asset, "debt"),
		Symbol:              symbol,
		Decimals:            decimals,
		LiquidityIndex:      fixed.Ray(),
		BorrowIndex:         fixed.Ray(),
		LiquidityRate:       fixed.Zero(),
		BorrowRate:          fixed.Zero(),
		ScaledTotalSupply:   fixed.Zero(),
		ScaledTotalDebt:     fixed.Zero(),
		TotalCollateral:     fixed.Zero(),
		UnderlyingBalance:   fixed.Zero(),
		TotalFee:            fixed.Zero(),
		UnclaimedFee:        fixed.Zero(),
		FeeFactor:           fixed.FromBps(1000),
		SupplyCapacity:      fixed.Zero(),
		BorrowCapacity:      fixed.Zero(),
		Strategy:            strategy,
		IsActive:            true,
		BorrowingEnabled:    true,
		IsUsd:               isUsd,
		LastUpdateTimestamp: now,
	}
}

// ledgerToken derives a deterministic identity for one of the pool's ledgers
// Formula: last 20 bytes of keccak256(asset || tag)
func ledgerToken(asset common.Address, tag string) common.Address {
	h := sha3.NewLegacyKeccak256()
	h.Write(asset.Bytes())
	h.Write([]byte(tag))
	return common.BytesToAddress(h.Sum(nil)[12:])
}

// TotalSupply returns scaledTotalSupply * liquidityIndex / RAY
func (p *Pool) TotalSupply() (*uint256.Int, error) {
	return fixed.RayMul(p.ScaledTotalSupply, p.LiquidityIndex)
}

// TotalDebt returns scaledTotalDebt * borrowIndex / RAY
func (p *Pool) TotalDebt() (*uint256.Int, error) {
	return fixed.RayMul(p.ScaledTotalDebt, p.BorrowIndex)
}

// AvailableLiquidity returns the lendable tokens in custody
// Formula: underlyingBalance - totalCollateral (floored at zero)
func (p *Pool) AvailableLiquidity() *uint256.Int {
	return fixed.SubFloor(p.UnderlyingBalance, p.TotalCollateral)
}

// Unit returns 10^decimals, the size of one whole token
func (p *Pool) Unit() *uint256.Int {
	return fixed.Pow10(p.Decimals)
}

// Validate checks pool invariants
func (p *Pool) Validate() error {
	ray := fixed.Ray()
	if p.LiquidityIndex.Lt(ray) || p.BorrowIndex.Lt(ray) {
		return fmt.Errorf("index below 1 ray: liquidity=%s borrow=%s", p.LiquidityIndex.Dec(), p.BorrowIndex.Dec())
	}
	if p.FeeFactor.Gt(ray) {
		return fmt.Errorf("fee factor above 1 ray: %s", p.FeeFactor.Dec())
	}
	return p.Strategy.Validate()
}

// Validate checks the curve parameters
func (s RateStrategy) Validate() error {
	if s.BaseRate == nil || s.Slope1 == nil || s.Slope2 == nil || s.OptimalUsageRatio == nil {
		return fmt.Errorf("rate strategy has unset parameters")
	}
	if s.OptimalUsageRatio.IsZero() || s.OptimalUsageRatio.Gt(fixed.Ray()) {
		return fmt.Errorf("optimal usage ratio must be in (0, 1] ray: %s", s.OptimalUsageRatio.Dec())
	}
	return nil
}

// Action identifies an operation for status gating
type Action int

const (
	ActionSupply Action = iota
	ActionWithdraw
	ActionDeposit
	ActionBorrow
	ActionRepay
	ActionRedeem
	ActionSwap
	ActionClose
)

func (a Action) String() string {
	switch a {
	case ActionSupply:
		return "supply"
	case ActionWithdraw:
		return "withdraw"
	case ActionDeposit:
		return "deposit"
	case ActionBorrow:
		return "borrow"
	case ActionRepay:
		return "repay"
	case ActionRedeem:
		return "redeem"
	case ActionSwap:
		return "swap"
	case ActionClose:
		return "close"
	default:
		return "unknown"
	}
}

// increasesExposure reports whether the action adds funds or debt to the pool.
// Frozen pools only allow actions that reduce exposure.
func (a Action) increasesExposure() bool {
	switch a {
	case ActionSupply, ActionDeposit, ActionBorrow:
		return true
	default:
		return false
	}
}
