// Package dex is the swap venue the margin engine trades against.
//
// OracleDEX fills at oracle prices minus a per-pair fee, with no price impact.
// It stands in for an AMM router on devnets and in tests.
package dex

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/hyperlend/pkg/fixed"
	"github.com/uhyunpark/hyperlend/pkg/oracle"
)

// MaxFeeBps caps a pair fee below 100%
const MaxFeeBps = 9999

const bpsDenominator = 10000

var (
	ErrSlippage     = errors.New("dex: slippage limit exceeded")
	ErrUnknownToken = errors.New("dex: unknown token")
	ErrSamePair     = errors.New("dex: input and output token are the same")
	ErrZeroAmount   = errors.New("dex: zero amount")
	ErrInvalidFee   = errors.New("dex: invalid pair fee")
)

// DEX swaps one token for another
type DEX interface {
	// Quote returns the output for an exact input and the output token's USD price after the trade
	Quote(ctx context.Context, tokenIn, tokenOut common.Address, amountIn *uint256.Int) (amountOut, priceAfter *uint256.Int, err error)
	// Swap sells exactly amountIn, failing when the output is below minAmountOut
	Swap(ctx context.Context, tokenIn, tokenOut common.Address, amountIn, minAmountOut *uint256.Int) (*uint256.Int, error)
	// SwapExactOut buys exactly amountOut, failing when the input would exceed maxAmountIn
	SwapExactOut(ctx context.Context, tokenIn, tokenOut common.Address, amountOut, maxAmountIn *uint256.Int) (*uint256.Int, error)
}

// FeeSetter is implemented by venues whose pair fees are operator-configurable
type FeeSetter interface {
	SetPairFee(a, b common.Address, feeBps uint64) error
	PairFee(a, b common.Address) uint64
}

type pair struct {
	lo, hi common.Address
}

func newPair(a, b common.Address) pair {
	if a.Cmp(b) > 0 {
		a, b = b, a
	}
	return pair{lo: a, hi: b}
}

// OracleDEX fills swaps at oracle prices
type OracleDEX struct {
	oracle oracle.Oracle

	mu            sync.RWMutex
	decimals      map[common.Address]uint8
	fees          map[pair]uint64
	defaultFeeBps uint64
}

// NewOracleDEX creates a venue priced by o, charging defaultFeeBps on pairs without an explicit fee
func NewOracleDEX(o oracle.Oracle, defaultFeeBps uint64) *OracleDEX {
	if defaultFeeBps > MaxFeeBps {
		defaultFeeBps = MaxFeeBps
	}
	return &OracleDEX{
		oracle:        o,
		decimals:      make(map[common.Address]uint8),
		fees:          make(map[pair]uint64),
		defaultFeeBps: defaultFeeBps,
	}
}

// RegisterToken makes a token tradable
func (d *OracleDEX) RegisterToken(token common.Address, decimals uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.decimals[token] = decimals
}

// SetPairFee sets the fee of the (a, b) pair in either direction
func (d *OracleDEX) SetPairFee(a, b common.Address, feeBps uint64) error {
	if feeBps > MaxFeeBps {
		return fmt.Errorf("%w: %d bps", ErrInvalidFee, feeBps)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fees[newPair(a, b)] = feeBps
	return nil
}

// PairFee returns the fee of the (a, b) pair in bps
func (d *OracleDEX) PairFee(a, b common.Address) uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if fee, ok := d.fees[newPair(a, b)]; ok {
		return fee
	}
	return d.defaultFeeBps
}

// Quote prices an exact-input swap
// Formula: out = amountIn × priceIn × 10^decOut / (10^decIn × priceOut) × (1 - fee)
func (d *OracleDEX) Quote(ctx context.Context, tokenIn, tokenOut common.Address, amountIn *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	m, err := d.market(ctx, tokenIn, tokenOut)
	if err != nil {
		return nil, nil, err
	}
	if amountIn == nil || amountIn.IsZero() {
		return nil, nil, ErrZeroAmount
	}

	num, err := fixed.Mul(amountIn, fixed.Pow10(m.decOut))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to quote: %w", err)
	}
	den, err := fixed.Mul(fixed.Pow10(m.decIn), m.priceOut)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to quote: %w", err)
	}
	gross, err := fixed.MulDiv(num, m.priceIn, den)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to quote: %w", err)
	}
	out, err := fixed.MulDiv(gross, fixed.New(bpsDenominator-m.feeBps), fixed.New(bpsDenominator))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to quote: %w", err)
	}
	if out.IsZero() {
		return nil, nil, fmt.Errorf("%w: output rounds to zero", ErrZeroAmount)
	}
	return out, m.priceOut, nil
}

// Swap executes an exact-input swap
func (d *OracleDEX) Swap(ctx context.Context, tokenIn, tokenOut common.Address, amountIn, minAmountOut *uint256.Int) (*uint256.Int, error) {
	out, _, err := d.Quote(ctx, tokenIn, tokenOut, amountIn)
	if err != nil {
		return nil, err
	}
	if minAmountOut != nil && out.Lt(minAmountOut) {
		return nil, fmt.Errorf("%w: out %s < min %s", ErrSlippage, out.Dec(), minAmountOut.Dec())
	}
	return out, nil
}

// SwapExactOut executes an exact-output swap, rounding the input up
// Formula: in = ceil(amountOut / (1 - fee) × 10^decIn × priceOut / (10^decOut × priceIn))
func (d *OracleDEX) SwapExactOut(ctx context.Context, tokenIn, tokenOut common.Address, amountOut, maxAmountIn *uint256.Int) (*uint256.Int, error) {
	m, err := d.market(ctx, tokenIn, tokenOut)
	if err != nil {
		return nil, err
	}
	if amountOut == nil || amountOut.IsZero() {
		return nil, ErrZeroAmount
	}

	gross, err := fixed.MulDivUp(amountOut, fixed.New(bpsDenominator), fixed.New(bpsDenominator-m.feeBps))
	if err != nil {
		return nil, fmt.Errorf("failed to quote exact out: %w", err)
	}
	num, err := fixed.Mul(gross, fixed.Pow10(m.decIn))
	if err != nil {
		return nil, fmt.Errorf("failed to quote exact out: %w", err)
	}
	den, err := fixed.Mul(fixed.Pow10(m.decOut), m.priceIn)
	if err != nil {
		return nil, fmt.Errorf("failed to quote exact out: %w", err)
	}
	in, err := fixed.MulDivUp(num, m.priceOut, den)
	if err != nil {
		return nil, fmt.Errorf("failed to quote exact out: %w", err)
	}
	if maxAmountIn != nil && in.Gt(maxAmountIn) {
		return nil, fmt.Errorf("%w: in %s > max %s", ErrSlippage, in.Dec(), maxAmountIn.Dec())
	}
	return in, nil
}

type market struct {
	decIn, decOut     uint8
	priceIn, priceOut *uint256.Int
	feeBps            uint64
}

func (d *OracleDEX) market(ctx context.Context, tokenIn, tokenOut common.Address) (*market, error) {
	if tokenIn == tokenOut {
		return nil, ErrSamePair
	}

	d.mu.RLock()
	decIn, okIn := d.decimals[tokenIn]
	decOut, okOut := d.decimals[tokenOut]
	d.mu.RUnlock()
	if !okIn {
		return nil, fmt.Errorf("%w: %s", ErrUnknownToken, tokenIn.Hex())
	}
	if !okOut {
		return nil, fmt.Errorf("%w: %s", ErrUnknownToken, tokenOut.Hex())
	}

	priceIn, err := d.oracle.Price(ctx, tokenIn)
	if err != nil {
		return nil, err
	}
	priceOut, err := d.oracle.Price(ctx, tokenOut)
	if err != nil {
		return nil, err
	}

	return &market{
		decIn:    decIn,
		decOut:   decOut,
		priceIn:  priceIn,
		priceOut: priceOut,
		feeBps:   d.PairFee(tokenIn, tokenOut),
	}, nil
}
