package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Decimals is the fixed-point scale of every price: USD per whole token × 10^8
const Decimals = 8

var ErrPriceNotFound = errors.New("oracle: price not found")

// Oracle quotes USD prices. A missing price is a hard failure for the caller.
type Oracle interface {
	Price(ctx context.Context, asset common.Address) (*uint256.Int, error)
}

// StaticOracle serves prices set by an operator (devnet, tests)
type StaticOracle struct {
	mu     sync.RWMutex
	prices map[common.Address]*uint256.Int
}

// NewStaticOracle creates an oracle with no prices
func NewStaticOracle() *StaticOracle {
	return &StaticOracle{prices: make(map[common.Address]*uint256.Int)}
}

// SetPrice sets the USD price of asset (8 decimals)
func (o *StaticOracle) SetPrice(asset common.Address, price *uint256.Int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[asset] = new(uint256.Int).Set(price)
}

// Price returns the USD price of asset
func (o *StaticOracle) Price(ctx context.Context, asset common.Address) (*uint256.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	o.mu.RLock()
	defer o.mu.RUnlock()

	price, ok := o.prices[asset]
	if !ok || price.IsZero() {
		return nil, fmt.Errorf("%w: %s", ErrPriceNotFound, asset.Hex())
	}
	return new(uint256.Int).Set(price), nil
}

// Prices returns a snapshot of every configured price
func (o *StaticOracle) Prices() map[common.Address]*uint256.Int {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make(map[common.Address]*uint256.Int, len(o.prices))
	for asset, price := range o.prices {
		out[asset] = new(uint256.Int).Set(price)
	}
	return out
}
