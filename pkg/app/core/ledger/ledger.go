// Package ledger keeps the scaled balances behind every pool:
// lender supply, borrower debt and margin collateral.
//
// Real balance = scaledBalance * index / RAY, so interest accrues by moving the pool
// index; holders are never rewritten. Rounding always favors the protocol:
// mint rounds the scaled amount down, burn rounds it up.
package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/hyperlend/pkg/app/core/errs"
	"github.com/uhyunpark/hyperlend/pkg/app/core/pool"
	"github.com/uhyunpark/hyperlend/pkg/fixed"
	"github.com/uhyunpark/hyperlend/pkg/storage"
)

// Side selects one of a pool's balance books
type Side string

const (
	Supply     Side = "supply"     // lender deposits, rebasing with liquidityIndex
	Debt       Side = "debt"       // borrower debt, rebasing with borrowIndex
	Collateral Side = "collateral" // margin collateral, constant RAY index
)

func (s Side) Valid() bool {
	return s == Supply || s == Debt || s == Collateral
}

// Entry is one holder's balance on one side of a pool
type Entry struct {
	Account       common.Address `json:"account"`
	Asset         common.Address `json:"asset"`
	Side          Side           `json:"side"`
	ScaledBalance *uint256.Int   `json:"scaledBalance"`
}

// Ledger reads and writes balance entries in a KeyedStore
type Ledger struct {
	kv storage.KeyedStore
}

// New wraps kv
func New(kv storage.KeyedStore) *Ledger {
	return &Ledger{kv: kv}
}

// Index returns the compounding index that applies to side of p
func Index(p *pool.Pool, side Side) *uint256.Int {
	switch side {
	case Supply:
		return p.LiquidityIndex
	case Debt:
		return p.BorrowIndex
	default:
		return fixed.Ray()
	}
}

// total returns the pool field that tracks the scaled total of side
func total(p *pool.Pool, side Side) **uint256.Int {
	switch side {
	case Supply:
		return &p.ScaledTotalSupply
	case Debt:
		return &p.ScaledTotalDebt
	default:
		return &p.TotalCollateral
	}
}

// ScaledBalanceOf returns the index-independent balance
func (l *Ledger) ScaledBalanceOf(side Side, asset, account common.Address) (*uint256.Int, error) {
	e, err := storage.Load[Entry](l.kv, storage.BalanceKey(string(side), asset, account))
	if err != nil {
		return nil, fmt.Errorf("failed to load %s balance: %w", side, err)
	}
	if e == nil || e.ScaledBalance == nil {
		return fixed.Zero(), nil
	}
	return e.ScaledBalance, nil
}

// BalanceOf returns the real balance at the pool's stored index
func (l *Ledger) BalanceOf(p *pool.Pool, side Side, account common.Address) (*uint256.Int, error) {
	return l.BalanceAt(p.UnderlyingAsset, side, account, Index(p, side))
}

// BalanceAt returns the real balance at an explicit index (e.g. a normalized view index)
func (l *Ledger) BalanceAt(asset common.Address, side Side, account common.Address, index *uint256.Int) (*uint256.Int, error) {
	scaled, err := l.ScaledBalanceOf(side, asset, account)
	if err != nil {
		return nil, err
	}
	return fixed.RayMul(scaled, index)
}

// Mint credits amount to account on side and grows the pool total.
// The pool must already be accrued; the caller persists it.
// Returns the scaled amount minted (rounded down).
func (l *Ledger) Mint(p *pool.Pool, side Side, account common.Address, amount *uint256.Int) (*uint256.Int, error) {
	if amount == nil || amount.IsZero() || fixed.IsMax(amount) {
		return nil, errs.New(errs.InvalidAmount, p.UnderlyingAsset, account, "mint %s amount must be positive", side)
	}

	scaled, err := fixed.RayDiv(amount, Index(p, side))
	if err != nil {
		return nil, fmt.Errorf("failed to scale %s mint: %w", side, err)
	}
	if scaled.IsZero() {
		return nil, errs.New(errs.InvalidAmount, p.UnderlyingAsset, account, "mint %s amount %s rounds to zero", side, amount.Dec())
	}

	balance, err := l.ScaledBalanceOf(side, p.UnderlyingAsset, account)
	if err != nil {
		return nil, err
	}
	if balance, err = fixed.Add(balance, scaled); err != nil {
		return nil, fmt.Errorf("failed to mint %s: %w", side, err)
	}
	t := total(p, side)
	if *t, err = fixed.Add(*t, scaled); err != nil {
		return nil, fmt.Errorf("failed to mint %s total: %w", side, err)
	}

	return scaled, l.put(p.UnderlyingAsset, side, account, balance)
}

// Burn debits amount from account on side and shrinks the pool total.
// fixed.Max burns the entire balance without rounding dust.
// Returns the real and scaled amounts burned.
func (l *Ledger) Burn(p *pool.Pool, side Side, account common.Address, amount *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	if amount == nil || amount.IsZero() {
		return nil, nil, errs.New(errs.InvalidAmount, p.UnderlyingAsset, account, "burn %s amount must be positive", side)
	}

	index := Index(p, side)
	balance, err := l.ScaledBalanceOf(side, p.UnderlyingAsset, account)
	if err != nil {
		return nil, nil, err
	}

	var scaled, burned *uint256.Int
	if fixed.IsMax(amount) {
		scaled = fixed.Clone(balance)
		if burned, err = fixed.RayMul(scaled, index); err != nil {
			return nil, nil, err
		}
	} else {
		if scaled, err = fixed.RayDivUp(amount, index); err != nil {
			return nil, nil, fmt.Errorf("failed to scale %s burn: %w", side, err)
		}
		burned = fixed.Clone(amount)
	}

	if scaled.Gt(balance) {
		have, _ := fixed.RayMul(balance, index)
		return nil, nil, errs.New(errs.InsufficientBalance, p.UnderlyingAsset, account,
			"%s balance %s, burn %s", side, have.Dec(), amount.Dec())
	}

	t := total(p, side)
	*t = fixed.SubFloor(*t, scaled)

	return burned, scaled, l.put(p.UnderlyingAsset, side, account, new(uint256.Int).Sub(balance, scaled))
}

// Holders visits every non-zero entry on one side of a pool
func (l *Ledger) Holders(side Side, asset common.Address, fn func(e *Entry) error) error {
	return storage.Scan(l.kv, storage.BalancePrefix(string(side), asset), func(_ []byte, e *Entry) error {
		return fn(e)
	})
}

func (l *Ledger) put(asset common.Address, side Side, account common.Address, scaled *uint256.Int) error {
	key := storage.BalanceKey(string(side), asset, account)
	if scaled.IsZero() {
		if err := l.kv.Delete(key); err != nil {
			return fmt.Errorf("failed to clear %s balance: %w", side, err)
		}
		return nil
	}
	return storage.Save(l.kv, key, &Entry{Account: account, Asset: asset, Side: side, ScaledBalance: scaled})
}
