// Package errs defines the named domain failures of the lending and margin engine.
//
// Every failure carries a Kind plus the offending asset and account, so callers can build
// user-facing messages. Match kinds with errors.Is against the Err* sentinels:
//
//	if errors.Is(err, errs.ErrEmptyPool) { ... }
package errs

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Kind names a domain failure
type Kind string

const (
	// Configuration / state errors
	EmptyPool              Kind = "EmptyPool"
	PoolIsNotUsd           Kind = "PoolIsNotUsd"
	PoolIsInactive         Kind = "PoolIsInactive"
	PoolIsPaused           Kind = "PoolIsPaused"
	PoolIsFrozen           Kind = "PoolIsFrozen"
	PoolAlreadyExists      Kind = "PoolAlreadyExists"
	MultipleUsdPools       Kind = "MultipleUsdPools"
	BorrowingDisabled      Kind = "BorrowingDisabled"
	SupplyCapacityExceeded Kind = "SupplyCapacityExceeded"
	BorrowCapacityExceeded Kind = "BorrowCapacityExceeded"
	InvalidConfig          Kind = "InvalidConfig"

	// Input errors
	EmptySupplyAmounts  Kind = "EmptySupplyAmounts"
	EmptyDepositAmounts Kind = "EmptyDepositAmounts"
	InvalidAmount       Kind = "InvalidAmount"
	UnknownOperation    Kind = "UnknownOperation"

	// Accounting errors
	InsufficientBalance   Kind = "InsufficientBalance"
	InsufficientLiquidity Kind = "InsufficientLiquidity"
	NoDebtToRepay         Kind = "NoDebtToRepay"
	EmptyPositions        Kind = "EmptyPositions"

	// Risk errors
	HealthFactorLowerThanLiquidationThreshold  Kind = "HealthFactorLowerThanLiquidationThreshold"
	HealthFactorHigherThanLiquidationThreshold Kind = "HealthFactorHigherThanLiquidationThreshold"

	// Collaborator errors
	MissingPrice     Kind = "MissingPrice"
	SwapFailed       Kind = "SwapFailed"
	InvalidSignature Kind = "InvalidSignature"
	InvalidNonce     Kind = "InvalidNonce"
)

// Error is a domain failure with the offending asset and account
type Error struct {
	Kind    Kind
	Asset   common.Address
	Account common.Address
	Detail  string
	Err     error // underlying collaborator error, if any
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Asset != (common.Address{}) {
		fmt.Fprintf(&b, " asset=%s", e.Asset.Hex())
	}
	if e.Account != (common.Address{}) {
		fmt.Fprintf(&b, " account=%s", e.Account.Hex())
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Is matches any *Error with the same Kind, so sentinels compare by kind only
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error for the given asset and account
func New(kind Kind, asset, account common.Address, format string, args ...any) *Error {
	e := &Error{Kind: kind, Asset: asset, Account: account}
	if format != "" {
		e.Detail = fmt.Sprintf(format, args...)
	}
	return e
}

// Wrap builds an Error carrying an underlying collaborator error
func Wrap(kind Kind, asset common.Address, err error) *Error {
	return &Error{Kind: kind, Asset: asset, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Sentinels for errors.Is
var (
	ErrEmptyPool              = &Error{Kind: EmptyPool}
	ErrPoolIsNotUsd           = &Error{Kind: PoolIsNotUsd}
	ErrPoolIsInactive         = &Error{Kind: PoolIsInactive}
	ErrPoolIsPaused           = &Error{Kind: PoolIsPaused}
	ErrPoolIsFrozen           = &Error{Kind: PoolIsFrozen}
	ErrPoolAlreadyExists      = &Error{Kind: PoolAlreadyExists}
	ErrMultipleUsdPools       = &Error{Kind: MultipleUsdPools}
	ErrBorrowingDisabled      = &Error{Kind: BorrowingDisabled}
	ErrSupplyCapacityExceeded = &Error{Kind: SupplyCapacityExceeded}
	ErrBorrowCapacityExceeded = &Error{Kind: BorrowCapacityExceeded}
	ErrInvalidConfig          = &Error{Kind: InvalidConfig}

	ErrEmptySupplyAmounts  = &Error{Kind: EmptySupplyAmounts}
	ErrEmptyDepositAmounts = &Error{Kind: EmptyDepositAmounts}
	ErrInvalidAmount       = &Error{Kind: InvalidAmount}
	ErrUnknownOperation    = &Error{Kind: UnknownOperation}

	ErrInsufficientBalance   = &Error{Kind: InsufficientBalance}
	ErrInsufficientLiquidity = &Error{Kind: InsufficientLiquidity}
	ErrNoDebtToRepay         = &Error{Kind: NoDebtToRepay}
	ErrEmptyPositions        = &Error{Kind: EmptyPositions}

	ErrHealthFactorLowerThanLiquidationThreshold  = &Error{Kind: HealthFactorLowerThanLiquidationThreshold}
	ErrHealthFactorHigherThanLiquidationThreshold = &Error{Kind: HealthFactorHigherThanLiquidationThreshold}

	ErrMissingPrice     = &Error{Kind: MissingPrice}
	ErrSwapFailed       = &Error{Kind: SwapFailed}
	ErrInvalidSignature = &Error{Kind: InvalidSignature}
	ErrInvalidNonce     = &Error{Kind: InvalidNonce}
)
