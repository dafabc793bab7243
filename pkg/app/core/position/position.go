package position

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/hyperlend/pkg/fixed"
)

// Kind classifies a position. It is derived from the balances, never stored.
type Kind int

const (
	None Kind = iota
	Long
	Short
	CollateralOnly
)

func (k Kind) String() string {
	switch k {
	case None:
		return "None"
	case Long:
		return "Long"
	case Short:
		return "Short"
	case CollateralOnly:
		return "CollateralOnly"
	default:
		return "Unknown"
	}
}

// Position is an account's margin record for one underlying asset
type Position struct {
	Account         common.Address `json:"account"`
	UnderlyingAsset common.Address `json:"underlyingAsset"`

	// Volume-weighted average entry price (USD, 8 decimals per whole token)
	// Updated on each extension: newEntry = (entry × acc + price × amount) / (acc + amount)
	EntryLongPrice *uint256.Int `json:"entryLongPrice"`
	AccLongAmount  *uint256.Int `json:"accLongAmount"` // token units bought and held

	EntryShortPrice *uint256.Int `json:"entryShortPrice"`
	AccShortAmount  *uint256.Int `json:"accShortAmount"` // token units borrowed and sold

	// Mirror non-zero collateral / debt balances
	HasCollateral bool `json:"hasCollateral"`
	HasDebt       bool `json:"hasDebt"`
}

// New creates an empty placeholder position
func New(account, asset common.Address) *Position {
	return &Position{
		Account:         account,
		UnderlyingAsset: asset,
		EntryLongPrice:  fixed.Zero(),
		AccLongAmount:   fixed.Zero(),
		EntryShortPrice: fixed.Zero(),
		AccShortAmount:  fixed.Zero(),
	}
}

// Kind derives the classification
//
//	no collateral, no debt  → None
//	accumulated long        → Long
//	accumulated short       → Short
//	debt without collateral → Short
//	anything else           → CollateralOnly
func (p *Position) Kind() Kind {
	switch {
	case !p.HasCollateral && !p.HasDebt:
		return None
	case !p.AccLongAmount.IsZero():
		return Long
	case !p.AccShortAmount.IsZero():
		return Short
	case p.HasDebt && !p.HasCollateral:
		return Short
	default:
		return CollateralOnly
	}
}

// IsOpen returns true if the position holds collateral or debt
func (p *Position) IsOpen() bool {
	return p.HasCollateral || p.HasDebt
}

// ExtendLong adds amount bought at price to the long leg (VWAP)
func (p *Position) ExtendLong(price, amount *uint256.Int) error {
	entry, acc, err := vwap(p.EntryLongPrice, p.AccLongAmount, price, amount)
	if err != nil {
		return fmt.Errorf("failed to extend long: %w", err)
	}
	p.EntryLongPrice, p.AccLongAmount = entry, acc
	return nil
}

// ExtendShort adds amount sold at price to the short leg (VWAP)
func (p *Position) ExtendShort(price, amount *uint256.Int) error {
	entry, acc, err := vwap(p.EntryShortPrice, p.AccShortAmount, price, amount)
	if err != nil {
		return fmt.Errorf("failed to extend short: %w", err)
	}
	p.EntryShortPrice, p.AccShortAmount = entry, acc
	return nil
}

// ReduceLong removes up to amount from the long leg; the entry resets when it reaches zero
func (p *Position) ReduceLong(amount *uint256.Int) {
	p.AccLongAmount = fixed.SubFloor(p.AccLongAmount, amount)
	if p.AccLongAmount.IsZero() {
		p.EntryLongPrice = fixed.Zero()
	}
}

// ReduceShort removes up to amount from the short leg; the entry resets when it reaches zero
func (p *Position) ReduceShort(amount *uint256.Int) {
	p.AccShortAmount = fixed.SubFloor(p.AccShortAmount, amount)
	if p.AccShortAmount.IsZero() {
		p.EntryShortPrice = fixed.Zero()
	}
}

// ResetDirectional zeroes both entry legs
func (p *Position) ResetDirectional() {
	p.EntryLongPrice = fixed.Zero()
	p.AccLongAmount = fixed.Zero()
	p.EntryShortPrice = fixed.Zero()
	p.AccShortAmount = fixed.Zero()
}

// Sync mirrors the balance flags. A position with neither collateral nor debt is
// zeroed and kept as a placeholder.
func (p *Position) Sync(hasCollateral, hasDebt bool) {
	p.HasCollateral = hasCollateral
	p.HasDebt = hasDebt
	if !hasCollateral && !hasDebt {
		p.ResetDirectional()
	}
	if !hasDebt {
		// a short cannot outlive its debt
		p.EntryShortPrice = fixed.Zero()
		p.AccShortAmount = fixed.Zero()
	}
}

// UnrealizedPnL computes the mark-to-market profit/loss in USD (8 decimals)
// Formula: long (mark - entryLong) × accLong / unit + short (entryShort - mark) × accShort / unit
// Positive = profit, negative = loss
func (p *Position) UnrealizedPnL(markPrice, unit *uint256.Int) *big.Int {
	mark := markPrice.ToBig()
	u := unit.ToBig()
	pnl := new(big.Int)

	if !p.AccLongAmount.IsZero() {
		diff := new(big.Int).Sub(mark, p.EntryLongPrice.ToBig())
		diff.Mul(diff, p.AccLongAmount.ToBig())
		pnl.Add(pnl, diff.Quo(diff, u))
	}
	if !p.AccShortAmount.IsZero() {
		diff := new(big.Int).Sub(p.EntryShortPrice.ToBig(), mark)
		diff.Mul(diff, p.AccShortAmount.ToBig())
		pnl.Add(pnl, diff.Quo(diff, u))
	}
	return pnl
}

// Validate checks position invariants
func (p *Position) Validate() error {
	if !p.IsOpen() && (!p.AccLongAmount.IsZero() || !p.AccShortAmount.IsZero()) {
		return fmt.Errorf("closed position %s has directional amounts", p.UnderlyingAsset.Hex())
	}
	if p.AccLongAmount.IsZero() != p.EntryLongPrice.IsZero() {
		return fmt.Errorf("long entry price and amount out of sync for %s", p.UnderlyingAsset.Hex())
	}
	if p.AccShortAmount.IsZero() != p.EntryShortPrice.IsZero() {
		return fmt.Errorf("short entry price and amount out of sync for %s", p.UnderlyingAsset.Hex())
	}
	return nil
}

// vwap returns the volume-weighted entry and the new accumulated amount
func vwap(entry, acc, price, amount *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	newAcc, err := fixed.Add(acc, amount)
	if err != nil {
		return nil, nil, err
	}
	if newAcc.IsZero() {
		return fixed.Zero(), newAcc, nil
	}
	if acc.IsZero() {
		return fixed.Clone(price), newAcc, nil
	}

	weighted, err := fixed.Mul(entry, acc)
	if err != nil {
		return nil, nil, err
	}
	added, err := fixed.Mul(price, amount)
	if err != nil {
		return nil, nil, err
	}
	if weighted, err = fixed.Add(weighted, added); err != nil {
		return nil, nil, err
	}
	return new(uint256.Int).Div(weighted, newAcc), newAcc, nil
}
