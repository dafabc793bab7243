package margin

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/hyperlend/pkg/app/core/errs"
	"github.com/uhyunpark/hyperlend/pkg/app/core/ledger"
	"github.com/uhyunpark/hyperlend/pkg/app/core/pool"
	"github.com/uhyunpark/hyperlend/pkg/app/core/position"
	"github.com/uhyunpark/hyperlend/pkg/app/core/vault"
	"github.com/uhyunpark/hyperlend/pkg/fixed"
	"github.com/uhyunpark/hyperlend/pkg/storage"
)

// batch is the state of one unit of work. Every store it holds reads and writes
// through the same Tx.
type batch struct {
	ctx     context.Context
	e       *Engine
	kv      storage.KeyedStore
	now     int64
	account common.Address
	risk    RiskConfig

	pools     *pool.Store
	ledger    *ledger.Ledger
	vault     *vault.Vault
	positions *position.Store

	// Pools loaded (and accrued to now) by this batch, saved on flush
	cache   map[common.Address]*pool.Pool
	touched []common.Address

	receipt *Receipt
}

func (e *Engine) newBatch(ctx context.Context, kv storage.KeyedStore, account common.Address) (*batch, error) {
	risk, err := loadRisk(kv, e.risk)
	if err != nil {
		return nil, err
	}
	now := e.clock.Now().Unix()
	return &batch{
		ctx:       ctx,
		e:         e,
		kv:        kv,
		now:       now,
		account:   account,
		risk:      risk,
		pools:     pool.NewStore(kv),
		ledger:    ledger.New(kv),
		vault:     vault.New(kv),
		positions: position.NewStore(kv),
		cache:     make(map[common.Address]*pool.Pool),
		receipt:   &Receipt{Account: account, Timestamp: now},
	}, nil
}

// load returns the pool for asset, accrued to the batch timestamp
func (b *batch) load(asset common.Address) (*pool.Pool, error) {
	if p, ok := b.cache[asset]; ok {
		return p, nil
	}
	p, err := b.pools.MustGet(asset, b.account)
	if err != nil {
		return nil, err
	}
	if err := p.Accrue(b.now, b.e.model); err != nil {
		return nil, fmt.Errorf("failed to accrue %s: %w", p.Symbol, err)
	}
	b.cache[asset] = p
	b.touched = append(b.touched, asset)
	return p, nil
}

// gated loads a pool and applies its status gate for act
func (b *batch) gated(asset common.Address, act pool.Action) (*pool.Pool, error) {
	p, err := b.load(asset)
	if err != nil {
		return nil, err
	}
	if err := p.CheckAction(act, b.account); err != nil {
		return nil, err
	}
	return p, nil
}

// flush recomputes rates from the new totals and stages every loaded pool
func (b *batch) flush() error {
	for _, asset := range b.touched {
		p := b.cache[asset]
		if err := p.UpdateRates(b.e.model); err != nil {
			return err
		}
		if err := b.pools.Save(p); err != nil {
			return fmt.Errorf("failed to save pool %s: %w", p.Symbol, err)
		}
	}
	return nil
}

// transferred returns the tokens sent to the pool in this batch and not yet accounted for
func (b *batch) transferred(p *pool.Pool) (*uint256.Int, error) {
	return b.vault.Unrecorded(p.UnderlyingAsset, p.UnderlyingBalance)
}

// recordIn accounts for tokens entering pool custody
func (b *batch) recordIn(p *pool.Pool, amount *uint256.Int) error {
	sum, err := fixed.Add(p.UnderlyingBalance, amount)
	if err != nil {
		return err
	}
	p.UnderlyingBalance = sum
	return nil
}

// recordOut accounts for tokens leaving pool custody
func (b *batch) recordOut(p *pool.Pool, amount *uint256.Int) error {
	rest, err := fixed.Sub(p.UnderlyingBalance, amount)
	if err != nil {
		return errs.New(errs.InsufficientLiquidity, p.UnderlyingAsset, b.account,
			"pool holds %s, need %s", p.UnderlyingBalance.Dec(), amount.Dec())
	}
	p.UnderlyingBalance = rest
	return nil
}

// refundUnrecorded returns tokens sent in but never consumed to the sender's wallet
func (b *batch) refundUnrecorded() error {
	for _, asset := range b.touched {
		p := b.cache[asset]
		left, err := b.transferred(p)
		if err != nil {
			return err
		}
		if left.IsZero() {
			continue
		}
		if err := b.vault.TransferOut(asset, b.account, left); err != nil {
			return err
		}
	}
	return nil
}

// ============================================================================
// Positions
// ============================================================================

func (b *batch) position(account, asset common.Address) (*position.Position, error) {
	pos, err := b.positions.GetOrNew(account, asset)
	if err != nil {
		return nil, fmt.Errorf("failed to load position: %w", err)
	}
	return pos, nil
}

// savePosition mirrors the ledger balances into the position flags and stages it
func (b *batch) savePosition(pos *position.Position, p *pool.Pool) error {
	coll, err := b.ledger.ScaledBalanceOf(ledger.Collateral, p.UnderlyingAsset, pos.Account)
	if err != nil {
		return err
	}
	debt, err := b.ledger.ScaledBalanceOf(ledger.Debt, p.UnderlyingAsset, pos.Account)
	if err != nil {
		return err
	}
	pos.Sync(!coll.IsZero(), !debt.IsZero())
	if err := b.positions.Save(pos); err != nil {
		return fmt.Errorf("failed to save position: %w", err)
	}
	return nil
}

// touchPosition syncs a position without directional changes
func (b *batch) touchPosition(account common.Address, p *pool.Pool) error {
	pos, err := b.position(account, p.UnderlyingAsset)
	if err != nil {
		return err
	}
	return b.savePosition(pos, p)
}

// openPositions lists the account's positions with collateral or debt in ascending asset order
func (b *batch) openPositions(account common.Address) ([]*position.Position, error) {
	open, err := b.positions.ListOpen(account)
	if err != nil {
		return nil, err
	}
	sort.Slice(open, func(i, j int) bool {
		return bytes.Compare(open[i].UnderlyingAsset.Bytes(), open[j].UnderlyingAsset.Bytes()) < 0
	})
	return open, nil
}

// ============================================================================
// Health
// ============================================================================

// health values the account's open positions at the batch's accrued indices
func (b *batch) health(account common.Address) (*Health, error) {
	open, err := b.openPositions(account)
	if err != nil {
		return nil, err
	}
	exposures := make([]Exposure, 0, len(open))
	for _, pos := range open {
		p, err := b.load(pos.UnderlyingAsset)
		if err != nil {
			return nil, err
		}
		coll, err := b.ledger.BalanceOf(p, ledger.Collateral, account)
		if err != nil {
			return nil, err
		}
		debt, err := b.ledger.BalanceOf(p, ledger.Debt, account)
		if err != nil {
			return nil, err
		}
		exposures = append(exposures, Exposure{
			Asset:      p.UnderlyingAsset,
			Decimals:   p.Decimals,
			Collateral: coll,
			Debt:       debt,
		})
	}
	return ComputeHealth(b.ctx, b.e.oracle, b.risk.LiquidationThresholdFactor, exposures)
}

// requireHealthy fails when hf <= 1 or hf < threshold
func (b *batch) requireHealthy(account, asset common.Address) error {
	h, err := b.health(account)
	if err != nil {
		return err
	}
	if !Safe(h.HealthFactor, b.risk.HealthFactorLiquidationThreshold) {
		return errs.New(errs.HealthFactorLowerThanLiquidationThreshold, asset, account,
			"health factor %s, threshold %s", h.HealthFactor.Dec(), b.risk.HealthFactorLiquidationThreshold.Dec())
	}
	return nil
}

// ============================================================================
// Nonces
// ============================================================================

type nonceRecord struct {
	Nonce uint64 `json:"nonce"`
}

// LastNonce returns the last nonce consumed by account, 0 when none
func LastNonce(kv storage.KeyedStore, account common.Address) (uint64, error) {
	rec, err := storage.Load[nonceRecord](kv, storage.NonceKey(account))
	if err != nil {
		return 0, fmt.Errorf("failed to load nonce: %w", err)
	}
	if rec == nil {
		return 0, nil
	}
	return rec.Nonce, nil
}

// consumeNonce accepts only the successor of the last consumed nonce
func (b *batch) consumeNonce(nonce uint64) error {
	last, err := LastNonce(b.kv, b.account)
	if err != nil {
		return err
	}
	if nonce != last+1 {
		return errs.New(errs.InvalidNonce, common.Address{}, b.account, "expected nonce %d, got %d", last+1, nonce)
	}
	return storage.Save(b.kv, storage.NonceKey(b.account), &nonceRecord{Nonce: nonce})
}

// finish builds the receipt, valuing the final health factor when prices allow
func (b *batch) finish() *Receipt {
	r := b.receipt
	r.Touched = append([]common.Address{}, b.touched...)
	if h, err := b.health(b.account); err == nil {
		r.HealthFactor = h.HealthFactor
	}
	return r
}

// ============================================================================
// Dispatch
// ============================================================================

func (b *batch) apply(op Op) (*OpResult, error) {
	switch o := op.(type) {
	case SendTokens:
		return b.sendTokens(o)
	case Supply:
		return b.supply(o)
	case Withdraw:
		return b.withdraw(o)
	case Deposit:
		return b.deposit(o)
	case Borrow:
		return b.borrow(o)
	case Repay:
		return b.repay(o)
	case Redeem:
		return b.redeem(o)
	case Swap:
		return b.swap(o)
	case Close:
		return b.close(o)
	case Liquidate:
		return b.liquidate(o)
	default:
		// pointer forms decode to the same value ops
		if d, ok := deref(op); ok {
			return b.apply(d)
		}
		return nil, errs.New(errs.UnknownOperation, common.Address{}, b.account, "unknown op %T", op)
	}
}

// positive rejects nil, zero and (unless allowMax) the Max sentinel
func (b *batch) positive(asset common.Address, amount *uint256.Int, allowMax bool) error {
	if amount == nil || amount.IsZero() || (!allowMax && fixed.IsMax(amount)) {
		return errs.New(errs.InvalidAmount, asset, b.account, "amount must be positive")
	}
	return nil
}
