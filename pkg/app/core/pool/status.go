package pool

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperlend/pkg/app/core/errs"
)

// StatusUpdate changes pool flags; nil fields are left unchanged
type StatusUpdate struct {
	IsActive         *bool `json:"isActive,omitempty"`
	IsPaused         *bool `json:"isPaused,omitempty"`
	IsFrozen         *bool `json:"isFrozen,omitempty"`
	BorrowingEnabled *bool `json:"borrowingEnabled,omitempty"`
}

// ApplyStatus validates and applies a status change
func (p *Pool) ApplyStatus(u StatusUpdate) error {
	// Active → Inactive: only when nothing is supplied, borrowed or posted as collateral
	// Inactive → Active: always allowed
	// Paused/Frozen/BorrowingEnabled: freely toggled (emergency halt, wind-down)
	if u.IsActive != nil && !*u.IsActive && p.IsActive {
		if !p.ScaledTotalSupply.IsZero() || !p.ScaledTotalDebt.IsZero() || !p.TotalCollateral.IsZero() {
			return errs.New(errs.InvalidConfig, p.UnderlyingAsset, common.Address{},
				"cannot deactivate pool %s with open supply, debt or collateral", p.Symbol)
		}
	}

	if u.IsActive != nil {
		p.IsActive = *u.IsActive
	}
	if u.IsPaused != nil {
		p.IsPaused = *u.IsPaused
	}
	if u.IsFrozen != nil {
		p.IsFrozen = *u.IsFrozen
	}
	if u.BorrowingEnabled != nil {
		p.BorrowingEnabled = *u.BorrowingEnabled
	}
	return nil
}

// CheckAction returns the status error that forbids action on this pool, if any
//
// Rules:
//   - inactive: nothing allowed
//   - paused: nothing allowed
//   - frozen: supply, deposit and borrow rejected; repay/withdraw/redeem/swap/close allowed
//   - borrowing disabled: borrow rejected
func (p *Pool) CheckAction(action Action, account common.Address) error {
	if !p.IsActive {
		return errs.New(errs.PoolIsInactive, p.UnderlyingAsset, account, "%s on inactive pool", action)
	}
	if p.IsPaused {
		return errs.New(errs.PoolIsPaused, p.UnderlyingAsset, account, "%s on paused pool", action)
	}
	if p.IsFrozen && action.increasesExposure() {
		return errs.New(errs.PoolIsFrozen, p.UnderlyingAsset, account, "%s on frozen pool", action)
	}
	if action == ActionBorrow && !p.BorrowingEnabled {
		return errs.New(errs.BorrowingDisabled, p.UnderlyingAsset, account, "")
	}
	return nil
}

// StatusString renders the flags for logs
func (p *Pool) StatusString() string {
	return fmt.Sprintf("active=%t paused=%t frozen=%t borrowing=%t usd=%t",
		p.IsActive, p.IsPaused, p.IsFrozen, p.BorrowingEnabled, p.IsUsd)
}
