// Package margin runs lending and margin operations in atomic batches.
//
// A batch is a list of operations against one account. Every batch runs on a
// storage.Tx overlay under the engine's execution lock and commits all of its
// writes or none of them. One timestamp is taken per batch, so each pool accrues
// at most once per batch.
package margin

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperlend/pkg/app/core/errs"
	"github.com/uhyunpark/hyperlend/pkg/app/core/pool"
	"github.com/uhyunpark/hyperlend/pkg/crypto"
	"github.com/uhyunpark/hyperlend/pkg/dex"
	"github.com/uhyunpark/hyperlend/pkg/metrics"
	"github.com/uhyunpark/hyperlend/pkg/oracle"
	"github.com/uhyunpark/hyperlend/pkg/storage"
	"github.com/uhyunpark/hyperlend/pkg/util"
)

// Options wires the engine's collaborators. Store, Oracle and DEX are required.
type Options struct {
	Store   storage.Backend
	Oracle  oracle.Oracle
	DEX     dex.DEX
	Clock   util.Clock
	Model   pool.InterestRateModel
	Risk    RiskConfig
	ChainID int64
	Logger  *zap.SugaredLogger
	Metrics *metrics.Metrics
	Journal storage.Journal
}

// Engine is the margin engine
type Engine struct {
	mu sync.Mutex // serializes batches and admin changes

	db      storage.Backend
	oracle  oracle.Oracle
	dex     dex.DEX
	clock   util.Clock
	model   pool.InterestRateModel
	risk    RiskConfig // used until an admin override is stored
	eip712  *crypto.EIP712Signer
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
	journal storage.Journal

	listenersMu sync.RWMutex
	listeners   []func(*Receipt)
}

// OpResult reports what one operation moved
type OpResult struct {
	Op        OpKind         `json:"op"`
	Asset     common.Address `json:"asset"`
	Amount    *uint256.Int   `json:"amount,omitempty"`
	AssetOut  common.Address `json:"assetOut,omitempty"`
	AmountOut *uint256.Int   `json:"amountOut,omitempty"`
}

// Receipt is the outcome of a committed batch
type Receipt struct {
	Account      common.Address   `json:"account"`
	Nonce        uint64           `json:"nonce,omitempty"`
	Timestamp    int64            `json:"timestamp"`
	Results      []OpResult       `json:"results"`
	Touched      []common.Address `json:"touched"`
	HealthFactor *uint256.Int     `json:"healthFactor,omitempty"`
}

// NewEngine validates the options and registers the stored pools with the DEX
func NewEngine(opts Options) (*Engine, error) {
	if opts.Store == nil || opts.Oracle == nil || opts.DEX == nil {
		return nil, fmt.Errorf("margin engine requires a store, an oracle and a DEX")
	}
	if opts.Clock == nil {
		opts.Clock = util.RealClock{}
	}
	if opts.Model == nil {
		opts.Model = pool.KinkedRateModel{}
	}
	if opts.Risk.HealthFactorLiquidationThreshold == nil {
		opts.Risk = DefaultRiskConfig()
	}
	if err := opts.Risk.Validate(); err != nil {
		return nil, fmt.Errorf("invalid risk config: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Journal == nil {
		opts.Journal = storage.NewNopJournal()
	}
	chainID := opts.ChainID
	if chainID == 0 {
		chainID = 1337
	}
	domain := crypto.DefaultDomain()
	domain.ChainID = big.NewInt(chainID)

	e := &Engine{
		db:      opts.Store,
		oracle:  opts.Oracle,
		dex:     opts.DEX,
		clock:   opts.Clock,
		model:   opts.Model,
		risk:    opts.Risk,
		eip712:  crypto.NewEIP712Signer(domain),
		logger:  opts.Logger,
		metrics: opts.Metrics,
		journal: opts.Journal,
	}
	if err := e.restoreVenue(); err != nil {
		return nil, err
	}
	return e, nil
}

// Store returns the committed state the engine writes to
func (e *Engine) Store() storage.Backend { return e.db }

// Oracle returns the price source
func (e *Engine) Oracle() oracle.Oracle { return e.oracle }

// DEX returns the swap venue
func (e *Engine) DEX() dex.DEX { return e.dex }

// Clock returns the engine clock
func (e *Engine) Clock() util.Clock { return e.clock }

// Model returns the interest rate model pools accrue with
func (e *Engine) Model() pool.InterestRateModel { return e.model }

// Domain returns the EIP-712 signer batches must be signed against
func (e *Engine) Domain() *crypto.EIP712Signer { return e.eip712 }

// Risk returns the effective risk parameters
func (e *Engine) Risk() (RiskConfig, error) {
	return e.RiskAt(e.db)
}

// RiskAt returns the risk parameters as stored in kv
func (e *Engine) RiskAt(kv storage.KeyedStore) (RiskConfig, error) {
	return loadRisk(kv, e.risk)
}

// OnCommit registers fn to receive every committed receipt.
// Listeners run after the execution lock is released and must not block.
func (e *Engine) OnCommit(fn func(*Receipt)) {
	e.listenersMu.Lock()
	defer e.listenersMu.Unlock()
	e.listeners = append(e.listeners, fn)
}

// Execute runs ops for account as one atomic batch
func (e *Engine) Execute(ctx context.Context, account common.Address, ops ...Op) (*Receipt, error) {
	return e.run(ctx, account, 0, ops)
}

// run executes a batch; a non-zero nonce is consumed inside the same unit of work
func (e *Engine) run(ctx context.Context, account common.Address, nonce uint64, ops []Op) (*Receipt, error) {
	if len(ops) == 0 {
		return nil, errs.New(errs.UnknownOperation, common.Address{}, account, "empty batch")
	}
	kinds := make([]string, len(ops))
	for i, op := range ops {
		kinds[i] = string(op.Kind())
	}

	start := time.Now()
	e.mu.Lock()
	receipt, err := e.execute(ctx, account, nonce, ops)
	e.mu.Unlock()

	if err != nil {
		kind, ok := errs.KindOf(err)
		if !ok {
			kind = "Internal"
		}
		e.metrics.ObserveBatch(kinds, string(kind), time.Since(start))
		e.logger.Warnw("batch_failed",
			"account", account.Hex(),
			"ops", kinds,
			"kind", kind,
			"error", err,
		)
		return nil, err
	}

	e.metrics.ObserveBatch(kinds, "", time.Since(start))
	e.logger.Infow("batch_committed",
		"account", account.Hex(),
		"ops", kinds,
		"nonce", nonce,
		"touched", len(receipt.Touched),
	)
	e.journal.Append("batch_committed", map[string]any{
		"account":   account.Hex(),
		"nonce":     nonce,
		"ops":       kinds,
		"timestamp": receipt.Timestamp,
	})
	e.observePools(receipt.Touched)
	e.notify(receipt)
	return receipt, nil
}

func (e *Engine) execute(ctx context.Context, account common.Address, nonce uint64, ops []Op) (*Receipt, error) {
	tx := storage.NewTx(e.db)
	b, err := e.newBatch(ctx, tx, account)
	if err != nil {
		tx.Discard()
		return nil, err
	}

	if nonce != 0 {
		if err := b.consumeNonce(nonce); err != nil {
			tx.Discard()
			return nil, err
		}
	}

	for i, op := range ops {
		if err := ctx.Err(); err != nil {
			tx.Discard()
			return nil, err
		}
		res, err := b.apply(op)
		if err != nil {
			tx.Discard()
			e.logger.Debugw("op_failed", "index", i, "op", op.Kind(), "error", err)
			return nil, err
		}
		b.receipt.Results = append(b.receipt.Results, *res)
		if err := b.flush(); err != nil {
			tx.Discard()
			return nil, err
		}
	}

	if err := b.refundUnrecorded(); err != nil {
		tx.Discard()
		return nil, err
	}
	if err := b.flush(); err != nil {
		tx.Discard()
		return nil, err
	}

	receipt := b.finish()
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit batch: %w", err)
	}
	receipt.Nonce = nonce
	return receipt, nil
}

func (e *Engine) notify(r *Receipt) {
	e.listenersMu.RLock()
	listeners := append([]func(*Receipt){}, e.listeners...)
	e.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(r)
	}
}

// observePools refreshes the pool gauges after a commit
func (e *Engine) observePools(assets []common.Address) {
	if e.metrics == nil {
		return
	}
	store := pool.NewStore(e.db)
	for _, asset := range assets {
		p, err := store.Get(asset)
		if err != nil || p == nil {
			continue
		}
		supply, err := p.TotalSupply()
		if err != nil {
			continue
		}
		debt, err := p.TotalDebt()
		if err != nil {
			continue
		}
		u, err := pool.Utilization(p)
		if err != nil {
			continue
		}
		e.metrics.ObservePool(p.Symbol,
			decimal.NewFromBigInt(supply.ToBig(), -int32(p.Decimals)).InexactFloat64(),
			decimal.NewFromBigInt(debt.ToBig(), -int32(p.Decimals)).InexactFloat64(),
			decimal.NewFromBigInt(u.ToBig(), -27).InexactFloat64(),
		)
	}
}

// restoreVenue registers every stored pool token and pair fee with the DEX
func (e *Engine) restoreVenue() error {
	registrar, ok := e.dex.(tokenRegistrar)
	if ok {
		pools, err := pool.NewStore(e.db).List()
		if err != nil {
			return err
		}
		for _, p := range pools {
			registrar.RegisterToken(p.UnderlyingAsset, p.Decimals)
		}
	}

	setter, ok := e.dex.(dex.FeeSetter)
	if !ok {
		return nil
	}
	return storage.Scan(e.db, storage.DexFeePrefix(), func(_ []byte, f *pairFee) error {
		return setter.SetPairFee(f.TokenA, f.TokenB, f.FeeBps)
	})
}

type tokenRegistrar interface {
	RegisterToken(token common.Address, decimals uint8)
}
