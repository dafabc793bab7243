package margin

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperlend/pkg/app/core/errs"
	"github.com/uhyunpark/hyperlend/pkg/app/core/ledger"
	"github.com/uhyunpark/hyperlend/pkg/app/core/pool"
	"github.com/uhyunpark/hyperlend/pkg/app/core/position"
	"github.com/uhyunpark/hyperlend/pkg/app/core/vault"
	"github.com/uhyunpark/hyperlend/pkg/dex"
	"github.com/uhyunpark/hyperlend/pkg/fixed"
	"github.com/uhyunpark/hyperlend/pkg/metrics"
	"github.com/uhyunpark/hyperlend/pkg/oracle"
	"github.com/uhyunpark/hyperlend/pkg/storage"
	"github.com/uhyunpark/hyperlend/pkg/util"
)

var (
	usdt = common.HexToAddress("0x0000000000000000000000000000000000000011")
	uni  = common.HexToAddress("0x0000000000000000000000000000000000000022")
	weth = common.HexToAddress("0x0000000000000000000000000000000000000033")

	alice    = common.HexToAddress("0x1100000000000000000000000000000000000001")
	bob      = common.HexToAddress("0x2200000000000000000000000000000000000002")
	carol    = common.HexToAddress("0x3300000000000000000000000000000000000003")
	treasury = common.HexToAddress("0x4400000000000000000000000000000000000004")
)

// usd returns n whole USDT (6 decimals)
func usd(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), fixed.Pow10(6))
}

// tok returns n whole 18-decimal tokens
func tok(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), fixed.Pow10(18))
}

type testEngine struct {
	t      *testing.T
	ctx    context.Context
	engine *Engine
	store  *storage.MemStore
	oracle *oracle.StaticOracle
	dex    *dex.OracleDEX
	clock  *util.FixedClock
}

// newTestEngine creates pools USDT ($1, 6 decimals, USD) and UNI ($10, 18 decimals)
// on a zero-fee oracle DEX
func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	ctx := context.Background()

	o := oracle.NewStaticOracle()
	o.SetPrice(usdt, uint256.NewInt(1e8))
	o.SetPrice(uni, uint256.NewInt(10e8))

	store := storage.NewMemStore()
	d := dex.NewOracleDEX(o, 0)
	clock := util.NewFixedClock(time.Unix(1_700_000_000, 0))

	e, err := NewEngine(Options{
		Store:   store,
		Oracle:  o,
		DEX:     d,
		Clock:   clock,
		Logger:  zap.NewNop().Sugar(),
		Metrics: metrics.New(),
	})
	require.NoError(t, err)

	_, err = e.Admin().CreatePool(ctx, PoolParams{Asset: usdt, Symbol: "USDT", Decimals: 6, IsUsd: true})
	require.NoError(t, err)
	_, err = e.Admin().CreatePool(ctx, PoolParams{Asset: uni, Symbol: "UNI", Decimals: 18})
	require.NoError(t, err)

	return &testEngine{t: t, ctx: ctx, engine: e, store: store, oracle: o, dex: d, clock: clock}
}

// seedLiquidity has bob lend 2M USDT and 2M UNI
func (te *testEngine) seedLiquidity() {
	te.fund(usdt, bob, usd(2_000_000))
	te.fund(uni, bob, tok(2_000_000))
	te.exec(bob,
		SendTokens{Asset: usdt, Amount: usd(2_000_000)},
		Supply{Asset: usdt},
		SendTokens{Asset: uni, Amount: tok(2_000_000)},
		Supply{Asset: uni},
	)
}

func (te *testEngine) fund(asset, account common.Address, amount *uint256.Int) {
	te.t.Helper()
	require.NoError(te.t, te.engine.Admin().Fund(te.ctx, asset, account, amount))
}

func (te *testEngine) exec(account common.Address, ops ...Op) *Receipt {
	te.t.Helper()
	r, err := te.engine.Execute(te.ctx, account, ops...)
	require.NoError(te.t, err)
	return r
}

func (te *testEngine) pool(asset common.Address) *pool.Pool {
	te.t.Helper()
	p, err := pool.NewStore(te.store).Get(asset)
	require.NoError(te.t, err)
	require.NotNil(te.t, p)
	return p
}

func (te *testEngine) balance(side ledger.Side, asset, account common.Address) *uint256.Int {
	te.t.Helper()
	b, err := ledger.New(te.store).BalanceOf(te.pool(asset), side, account)
	require.NoError(te.t, err)
	return b
}

func (te *testEngine) wallet(asset, account common.Address) *uint256.Int {
	te.t.Helper()
	b, err := vault.New(te.store).WalletBalance(asset, account)
	require.NoError(te.t, err)
	return b
}

func (te *testEngine) position(account, asset common.Address) *position.Position {
	te.t.Helper()
	p, err := position.NewStore(te.store).GetOrNew(account, asset)
	require.NoError(te.t, err)
	return p
}

// requireCustodyRecorded checks every pool's custody equals its recorded balance
func (te *testEngine) requireCustodyRecorded() {
	te.t.Helper()
	v := vault.New(te.store)
	pools, err := pool.NewStore(te.store).List()
	require.NoError(te.t, err)
	for _, p := range pools {
		custody, err := v.Custody(p.UnderlyingAsset)
		require.NoError(te.t, err)
		require.Equal(te.t, p.UnderlyingBalance.Dec(), custody.Dec(), p.Symbol)
	}
}

// addWeth creates a WETH pool ($2000, 18 decimals) and has bob lend 1000 WETH
func (te *testEngine) addWeth() {
	te.t.Helper()
	te.oracle.SetPrice(weth, uint256.NewInt(2000e8))
	_, err := te.engine.Admin().CreatePool(te.ctx, PoolParams{Asset: weth, Symbol: "WETH", Decimals: 18})
	require.NoError(te.t, err)
	te.fund(weth, bob, tok(1000))
	te.exec(bob, SendTokens{Asset: weth, Amount: tok(1000)}, Supply{Asset: weth})
}

// depositAndBorrowUni deposits 1M USDT and borrows 100k UNI for alice
func (te *testEngine) depositAndBorrowUni() {
	te.fund(usdt, alice, usd(1_000_000))
	te.exec(alice,
		SendTokens{Asset: usdt, Amount: usd(1_000_000)},
		Deposit{Asset: usdt},
		Borrow{Asset: uni, Amount: tok(100_000)},
	)
}

// ============================================================================
// Close
// ============================================================================

func TestCloseRepaysBorrowFromCollateral(t *testing.T) {
	require := require.New(t)
	te := newTestEngine(t)
	te.seedLiquidity()
	te.depositAndBorrowUni()

	// Borrowed tokens are credited as collateral: UNI c = d = 100k
	require.Equal(tok(100_000).Dec(), te.balance(ledger.Collateral, uni, alice).Dec())
	require.Equal(tok(100_000).Dec(), te.balance(ledger.Debt, uni, alice).Dec())
	require.Equal(position.CollateralOnly, te.position(alice, uni).Kind())

	r := te.exec(alice, Close{UsdAsset: usdt})
	require.Equal(usd(1_000_000).Dec(), r.Results[0].Amount.Dec())

	require.Equal(usd(1_000_000).Dec(), te.balance(ledger.Collateral, usdt, alice).Dec())
	require.True(te.balance(ledger.Debt, usdt, alice).IsZero())
	require.True(te.balance(ledger.Collateral, uni, alice).IsZero())
	require.True(te.balance(ledger.Debt, uni, alice).IsZero())
	require.Equal(position.None, te.position(alice, uni).Kind())
	require.Equal(position.CollateralOnly, te.position(alice, usdt).Kind())
	require.True(fixed.IsMax(r.HealthFactor))
	te.requireCustodyRecorded()
}

func TestClosePreconditions(t *testing.T) {
	require := require.New(t)
	te := newTestEngine(t)
	te.seedLiquidity()
	te.depositAndBorrowUni()
	unknown := common.HexToAddress("0x0000000000000000000000000000000000000099")

	_, err := te.engine.Execute(te.ctx, alice, Close{UsdAsset: unknown})
	require.ErrorIs(err, errs.ErrEmptyPool)

	_, err = te.engine.Execute(te.ctx, alice, Close{UsdAsset: uni})
	require.ErrorIs(err, errs.ErrPoolIsNotUsd)

	_, err = te.engine.Execute(te.ctx, carol, Close{UsdAsset: usdt})
	require.ErrorIs(err, errs.ErrEmptyPositions)
}

func TestCloseFailsBelowRaisedThreshold(t *testing.T) {
	require := require.New(t)
	te := newTestEngine(t)
	te.seedLiquidity()
	te.depositAndBorrowUni()

	// hf = 2M / 1M = 200% < 400%
	require.NoError(te.engine.Admin().SetHealthFactorLiquidationThreshold(te.ctx, fixed.FromBps(40000)))
	_, err := te.engine.Execute(te.ctx, alice, Close{UsdAsset: usdt})
	require.ErrorIs(err, errs.ErrHealthFactorLowerThanLiquidationThreshold)

	// untouched
	require.Equal(tok(100_000).Dec(), te.balance(ledger.Debt, uni, alice).Dec())
}

func TestCloseLong(t *testing.T) {
	require := require.New(t)
	te := newTestEngine(t)
	te.seedLiquidity()
	te.fund(usdt, alice, usd(1_000_000))

	// 2x long: borrow 1M USDT and buy 100k UNI at $10
	te.exec(alice,
		SendTokens{Asset: usdt, Amount: usd(1_000_000)},
		Deposit{Asset: usdt},
		Borrow{Asset: usdt, Amount: usd(1_000_000)},
		Swap{AssetIn: usdt, AssetOut: uni, AmountIn: usd(1_000_000)},
	)
	long := te.position(alice, uni)
	require.Equal(position.Long, long.Kind())
	require.Equal(uint64(10e8), long.EntryLongPrice.Uint64())
	require.Equal(tok(100_000).Dec(), long.AccLongAmount.Dec())

	// UNI to $12: sell 100k UNI for 1.2M, repay 1M USDT debt
	te.oracle.SetPrice(uni, uint256.NewInt(12e8))
	te.exec(alice, Close{UsdAsset: usdt})

	require.Equal(usd(1_200_000).Dec(), te.balance(ledger.Collateral, usdt, alice).Dec())
	require.True(te.balance(ledger.Debt, usdt, alice).IsZero())
	require.True(te.balance(ledger.Collateral, uni, alice).IsZero())
	require.Equal(position.None, te.position(alice, uni).Kind())
	te.requireCustodyRecorded()
}

func TestCloseShort(t *testing.T) {
	require := require.New(t)
	te := newTestEngine(t)
	te.seedLiquidity()
	te.depositAndBorrowUni()

	// sell the borrowed UNI: short 100k at $10
	te.exec(alice, Swap{AssetIn: uni, AssetOut: usdt, AmountIn: fixed.Max()})
	short := te.position(alice, uni)
	require.Equal(position.Short, short.Kind())
	require.Equal(uint64(10e8), short.EntryShortPrice.Uint64())
	require.Equal(usd(2_000_000).Dec(), te.balance(ledger.Collateral, usdt, alice).Dec())

	// UNI to $8: buying back 100k UNI costs 800k
	te.oracle.SetPrice(uni, uint256.NewInt(8e8))
	te.exec(alice, Close{UsdAsset: usdt})

	require.Equal(usd(1_200_000).Dec(), te.balance(ledger.Collateral, usdt, alice).Dec())
	require.True(te.balance(ledger.Debt, uni, alice).IsZero())
	require.Equal(position.None, te.position(alice, uni).Kind())
	te.requireCustodyRecorded()
}

func TestCloseRepayAndSell(t *testing.T) {
	require := require.New(t)
	te := newTestEngine(t)
	te.seedLiquidity()
	te.fund(usdt, alice, usd(1_000_000))
	te.fund(uni, alice, tok(100_000))

	// UNI c = 150k, d = 50k
	te.exec(alice,
		SendTokens{Asset: usdt, Amount: usd(1_000_000)},
		Deposit{Asset: usdt},
		SendTokens{Asset: uni, Amount: tok(100_000)},
		Deposit{Asset: uni},
		Borrow{Asset: uni, Amount: tok(50_000)},
	)

	// repay 50k from collateral, sell 100k for 1M
	te.exec(alice, Close{UsdAsset: usdt})
	require.Equal(usd(2_000_000).Dec(), te.balance(ledger.Collateral, usdt, alice).Dec())
	require.True(te.balance(ledger.Collateral, uni, alice).IsZero())
	require.True(te.balance(ledger.Debt, uni, alice).IsZero())
	te.requireCustodyRecorded()
}

func TestCloseRepayBuyAndRepay(t *testing.T) {
	require := require.New(t)
	te := newTestEngine(t)
	te.seedLiquidity()
	te.depositAndBorrowUni()

	// sell half: UNI c = 50k, d = 100k, USDT c = 1.5M
	te.exec(alice, Swap{AssetIn: uni, AssetOut: usdt, AmountIn: tok(50_000)})

	// repay 50k from collateral, buy the other 50k for 500k and repay
	te.exec(alice, Close{UsdAsset: usdt})
	require.Equal(usd(1_000_000).Dec(), te.balance(ledger.Collateral, usdt, alice).Dec())
	require.True(te.balance(ledger.Collateral, uni, alice).IsZero())
	require.True(te.balance(ledger.Debt, uni, alice).IsZero())
	te.requireCustodyRecorded()
}

func TestCloseCreditsTokensSentInBatch(t *testing.T) {
	require := require.New(t)
	te := newTestEngine(t)
	te.seedLiquidity()
	te.depositAndBorrowUni()
	te.fund(usdt, alice, usd(500))

	te.exec(alice,
		SendTokens{Asset: usdt, Amount: usd(500)},
		Close{UsdAsset: usdt},
	)
	require.Equal(usd(1_000_500).Dec(), te.balance(ledger.Collateral, usdt, alice).Dec())
	require.True(te.wallet(usdt, alice).IsZero())
}

func TestCloseGateCountsTokensSentInBatch(t *testing.T) {
	require := require.New(t)
	te := newTestEngine(t)
	te.seedLiquidity()
	te.depositAndBorrowUni()
	te.fund(usdt, alice, usd(3_000_000))

	// hf = 2M / 1M = 200% alone, 500% with the 3M sent in
	require.NoError(te.engine.Admin().SetHealthFactorLiquidationThreshold(te.ctx, fixed.FromBps(40000)))
	te.exec(alice,
		SendTokens{Asset: usdt, Amount: usd(3_000_000)},
		Close{UsdAsset: usdt},
	)
	require.Equal(usd(4_000_000).Dec(), te.balance(ledger.Collateral, usdt, alice).Dec())
	require.True(te.balance(ledger.Debt, uni, alice).IsZero())
	te.requireCustodyRecorded()
}

func TestCloseAcrossAssetOrders(t *testing.T) {
	cases := map[string]struct {
		collateral, debt common.Address
		deposit, borrow  *uint256.Int
		want             *uint256.Int
	}{
		// UNI sorts before WETH: the short leg is unwound first
		"short leg first": {collateral: weth, debt: uni, deposit: tok(100), borrow: tok(1000), want: usd(200_000)},
		"long leg first":  {collateral: uni, debt: weth, deposit: tok(10_000), borrow: tok(5), want: usd(100_000)},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			require := require.New(t)
			te := newTestEngine(t)
			te.seedLiquidity()
			te.addWeth()
			te.fund(tc.collateral, alice, tc.deposit)

			// borrow $10k of the debt asset and swap it all into the collateral asset
			te.exec(alice,
				SendTokens{Asset: tc.collateral, Amount: tc.deposit},
				Deposit{Asset: tc.collateral},
				Borrow{Asset: tc.debt, Amount: tc.borrow},
				Swap{AssetIn: tc.debt, AssetOut: tc.collateral, AmountIn: fixed.Max()},
			)
			require.True(te.balance(ledger.Collateral, tc.debt, alice).IsZero())

			te.exec(alice, Close{UsdAsset: usdt})

			require.Equal(tc.want.Dec(), te.balance(ledger.Collateral, usdt, alice).Dec())
			require.True(te.balance(ledger.Debt, usdt, alice).IsZero())
			for _, asset := range []common.Address{uni, weth} {
				require.True(te.balance(ledger.Collateral, asset, alice).IsZero())
				require.True(te.balance(ledger.Debt, asset, alice).IsZero())
				require.Equal(position.None, te.position(alice, asset).Kind())
			}
			te.requireCustodyRecorded()
		})
	}
}

// ============================================================================
// Lending
// ============================================================================

func TestSupplyAndWithdraw(t *testing.T) {
	require := require.New(t)
	te := newTestEngine(t)
	te.fund(usdt, alice, usd(1_000))

	_, err := te.engine.Execute(te.ctx, alice, Supply{Asset: usdt})
	require.ErrorIs(err, errs.ErrEmptySupplyAmounts)

	r := te.exec(alice, SendTokens{Asset: usdt, Amount: usd(1_000)}, Supply{Asset: usdt})
	require.Equal(usd(1_000).Dec(), r.Results[1].Amount.Dec())
	require.Equal(usd(1_000).Dec(), te.balance(ledger.Supply, usdt, alice).Dec())
	require.True(te.wallet(usdt, alice).IsZero())

	te.exec(alice, Withdraw{Asset: usdt, Amount: fixed.Max(), To: carol})
	require.True(te.balance(ledger.Supply, usdt, alice).IsZero())
	require.Equal(usd(1_000).Dec(), te.wallet(usdt, carol).Dec())
	te.requireCustodyRecorded()
}

func TestSupplyCapacityExceededRollsBack(t *testing.T) {
	require := require.New(t)
	te := newTestEngine(t)
	require.NoError(te.engine.Admin().SetSupplyCapacity(te.ctx, usdt, usd(1_000)))
	te.fund(usdt, alice, usd(1_001))

	_, err := te.engine.Execute(te.ctx, alice,
		SendTokens{Asset: usdt, Amount: usd(1_001)},
		Supply{Asset: usdt},
	)
	require.ErrorIs(err, errs.ErrSupplyCapacityExceeded)

	// the transfer in the same batch is rolled back too
	require.Equal(usd(1_001).Dec(), te.wallet(usdt, alice).Dec())
	require.True(te.pool(usdt).ScaledTotalSupply.IsZero())

	te.exec(alice, SendTokens{Asset: usdt, Amount: usd(1_000)}, Supply{Asset: usdt})
}

func TestWithdrawNeedsLiquidity(t *testing.T) {
	require := require.New(t)
	te := newTestEngine(t)
	te.seedLiquidity()
	te.fund(usdt, alice, usd(1_000_000))

	// alice borrows 1.5M of bob's 2M USDT and posts it as collateral
	te.exec(alice,
		SendTokens{Asset: usdt, Amount: usd(1_000_000)},
		Deposit{Asset: usdt},
		Borrow{Asset: usdt, Amount: usd(1_500_000)},
	)
	_, err := te.engine.Execute(te.ctx, bob, Withdraw{Asset: usdt, Amount: usd(1_000_000)})
	require.ErrorIs(err, errs.ErrInsufficientLiquidity)

	te.exec(bob, Withdraw{Asset: usdt, Amount: usd(500_000)})
	require.Equal(usd(500_000).Dec(), te.wallet(usdt, bob).Dec())
}

func TestUnconsumedTransfersAreRefunded(t *testing.T) {
	require := require.New(t)
	te := newTestEngine(t)
	te.fund(usdt, alice, usd(1_000))
	te.fund(uni, alice, tok(5))

	te.exec(alice,
		SendTokens{Asset: usdt, Amount: usd(1_000)},
		SendTokens{Asset: uni, Amount: tok(5)},
		Deposit{Asset: usdt},
	)
	require.Equal(tok(5).Dec(), te.wallet(uni, alice).Dec())
	require.Equal(usd(1_000).Dec(), te.balance(ledger.Collateral, usdt, alice).Dec())
	te.requireCustodyRecorded()
}

// ============================================================================
// Risk
// ============================================================================

func TestBorrowHealthGate(t *testing.T) {
	require := require.New(t)
	te := newTestEngine(t)
	te.seedLiquidity()
	te.fund(usdt, alice, usd(1_000_000))
	te.exec(alice, SendTokens{Asset: usdt, Amount: usd(1_000_000)}, Deposit{Asset: usdt})

	// hf = (1M + 11M) / 11M ≈ 1.09 < 1.1
	_, err := te.engine.Execute(te.ctx, alice, Borrow{Asset: uni, Amount: tok(1_100_000)})
	require.ErrorIs(err, errs.ErrHealthFactorLowerThanLiquidationThreshold)
	require.True(te.balance(ledger.Debt, uni, alice).IsZero())

	// hf = 11M / 10M = 1.1 exactly passes
	r := te.exec(alice, Borrow{Asset: uni, Amount: tok(1_000_000)})
	require.Equal(fixed.FromBps(11000).Dec(), r.HealthFactor.Dec())
}

func TestRedeemHealthGate(t *testing.T) {
	require := require.New(t)
	te := newTestEngine(t)
	te.seedLiquidity()
	te.depositAndBorrowUni()

	// hf = (50k + 1M) / 1M = 1.05
	_, err := te.engine.Execute(te.ctx, alice, Redeem{Asset: usdt, Amount: usd(950_000)})
	require.ErrorIs(err, errs.ErrHealthFactorLowerThanLiquidationThreshold)

	te.exec(alice, Redeem{Asset: usdt, Amount: usd(900_000)})
	require.Equal(usd(900_000).Dec(), te.wallet(usdt, alice).Dec())
	te.requireCustodyRecorded()
}

func TestFailedBatchLeavesNoTrace(t *testing.T) {
	require := require.New(t)
	te := newTestEngine(t)
	te.seedLiquidity()
	te.fund(usdt, alice, usd(1_000))
	before := te.store.Len()

	_, err := te.engine.Execute(te.ctx, alice,
		SendTokens{Asset: usdt, Amount: usd(1_000)},
		Deposit{Asset: usdt},
		Borrow{Asset: uni, Amount: tok(1_000)}, // $10k against $1k
	)
	require.ErrorIs(err, errs.ErrHealthFactorLowerThanLiquidationThreshold)

	require.Equal(before, te.store.Len())
	require.Equal(usd(1_000).Dec(), te.wallet(usdt, alice).Dec())
	require.True(te.balance(ledger.Collateral, usdt, alice).IsZero())
	p, err := position.NewStore(te.store).Get(alice, usdt)
	require.NoError(err)
	require.Nil(p)
}

func TestLiquidate(t *testing.T) {
	require := require.New(t)
	te := newTestEngine(t)
	te.seedLiquidity()
	te.fund(usdt, alice, usd(1_000_000))

	// short 500k UNI: USDT c = 6M, UNI debt $5M, hf = 1.2
	te.exec(alice,
		SendTokens{Asset: usdt, Amount: usd(1_000_000)},
		Deposit{Asset: usdt},
		Borrow{Asset: uni, Amount: tok(500_000)},
		Swap{AssetIn: uni, AssetOut: usdt, AmountIn: tok(500_000)},
	)

	_, err := te.engine.Execute(te.ctx, carol, Liquidate{Account: alice, UsdAsset: usdt})
	require.ErrorIs(err, errs.ErrHealthFactorHigherThanLiquidationThreshold)

	// UNI to $11.5: debt $5.75M, hf ≈ 1.04
	te.oracle.SetPrice(uni, uint256.NewInt(115e7))
	_, err = te.engine.Execute(te.ctx, alice, Close{UsdAsset: usdt})
	require.ErrorIs(err, errs.ErrHealthFactorLowerThanLiquidationThreshold)

	// buy back costs 5.75M, 250k remains, 5% goes to carol
	r := te.exec(carol, Liquidate{Account: alice, UsdAsset: usdt})
	require.Equal(usd(12_500).Dec(), r.Results[0].Amount.Dec())
	require.Equal(usd(237_500).Dec(), te.balance(ledger.Collateral, usdt, alice).Dec())
	require.Equal(usd(12_500).Dec(), te.balance(ledger.Collateral, usdt, carol).Dec())
	require.True(te.balance(ledger.Debt, uni, alice).IsZero())
	require.Equal(position.None, te.position(alice, uni).Kind())
	require.Equal(position.CollateralOnly, te.position(carol, usdt).Kind())
	te.requireCustodyRecorded()
}

func TestLiquidateInsolventAccount(t *testing.T) {
	require := require.New(t)
	te := newTestEngine(t)
	te.seedLiquidity()
	te.fund(usdt, alice, usd(1_000_000))

	// short 500k UNI: USDT c = 6M
	te.exec(alice,
		SendTokens{Asset: usdt, Amount: usd(1_000_000)},
		Deposit{Asset: usdt},
		Borrow{Asset: uni, Amount: tok(500_000)},
		Swap{AssetIn: uni, AssetOut: usdt, AmountIn: tok(500_000)},
	)

	// UNI to $13: debt $6.5M, the 6M only buys back 6M / 13 UNI
	te.oracle.SetPrice(uni, uint256.NewInt(13e8))
	r := te.exec(carol, Liquidate{Account: alice, UsdAsset: usdt})
	require.True(r.Results[0].Amount.IsZero())

	bought := new(uint256.Int).Div(tok(6_000_000), uint256.NewInt(13))
	left := new(uint256.Int).Sub(tok(500_000), bought)
	require.Equal(left.Dec(), te.balance(ledger.Debt, uni, alice).Dec())
	require.True(te.balance(ledger.Collateral, usdt, alice).IsZero())
	require.True(te.balance(ledger.Collateral, usdt, carol).IsZero())
	require.True(te.position(alice, uni).HasDebt)
	te.requireCustodyRecorded()

	// the uncovered debt stays recorded in the pool
	total, err := te.pool(uni).TotalDebt()
	require.NoError(err)
	require.Equal(left.Dec(), total.Dec())
}

func TestMissingPriceFailsHealthCheck(t *testing.T) {
	require := require.New(t)
	te := newTestEngine(t)
	te.seedLiquidity()
	te.depositAndBorrowUni()

	te.oracle.SetPrice(uni, uint256.NewInt(0))
	_, err := te.engine.Execute(te.ctx, alice, Redeem{Asset: usdt, Amount: usd(1)})
	require.ErrorIs(err, errs.ErrMissingPrice)
}

// ============================================================================
// Interest and fees
// ============================================================================

func TestInterestAccruesAndFeesAreClaimable(t *testing.T) {
	require := require.New(t)
	te := newTestEngine(t)
	te.seedLiquidity()
	te.depositAndBorrowUni()

	te.clock.Advance(365 * 24 * time.Hour)
	te.fund(uni, alice, tok(10_000))

	// the debt has grown past the 100k credited as collateral
	r := te.exec(alice,
		SendTokens{Asset: uni, Amount: tok(10_000)},
		Repay{Asset: uni, Amount: fixed.Max()},
	)
	repaid := r.Results[1].Amount
	require.True(repaid.Gt(tok(100_000)))
	require.True(te.balance(ledger.Debt, uni, alice).IsZero())
	require.Equal(position.CollateralOnly, te.position(alice, uni).Kind())

	// lenders earned interest, the protocol kept its share
	require.True(te.balance(ledger.Supply, uni, bob).Gt(tok(2_000_000)))
	p := te.pool(uni)
	require.False(p.UnclaimedFee.IsZero())
	require.True(p.LiquidityIndex.Gt(fixed.Ray()))
	require.True(p.BorrowIndex.Gt(p.LiquidityIndex))

	claimed, err := te.engine.Admin().ClaimFees(te.ctx, uni, treasury)
	require.NoError(err)
	require.Equal(claimed.Dec(), te.wallet(uni, treasury).Dec())
	require.True(te.pool(uni).UnclaimedFee.IsZero())
	te.requireCustodyRecorded()
}

func TestRepayWithoutDebt(t *testing.T) {
	te := newTestEngine(t)
	_, err := te.engine.Execute(te.ctx, alice, Repay{Asset: uni, Amount: tok(1)})
	require.ErrorIs(t, err, errs.ErrNoDebtToRepay)
}

// ============================================================================
// Status gates
// ============================================================================

func TestFrozenPoolAllowsUnwind(t *testing.T) {
	require := require.New(t)
	te := newTestEngine(t)
	te.seedLiquidity()
	te.depositAndBorrowUni()

	frozen := true
	require.NoError(te.engine.Admin().SetStatus(te.ctx, uni, pool.StatusUpdate{IsFrozen: &frozen}))

	_, err := te.engine.Execute(te.ctx, alice, Borrow{Asset: uni, Amount: tok(1)})
	require.ErrorIs(err, errs.ErrPoolIsFrozen)

	te.exec(alice, Close{UsdAsset: usdt})

	paused := true
	require.NoError(te.engine.Admin().SetStatus(te.ctx, usdt, pool.StatusUpdate{IsPaused: &paused}))
	_, err = te.engine.Execute(te.ctx, alice, Redeem{Asset: usdt, Amount: usd(1)})
	require.ErrorIs(err, errs.ErrPoolIsPaused)
}

func TestBorrowingDisabled(t *testing.T) {
	te := newTestEngine(t)
	te.seedLiquidity()
	disabled := false
	require.NoError(t, te.engine.Admin().SetStatus(te.ctx, uni, pool.StatusUpdate{BorrowingEnabled: &disabled}))

	_, err := te.engine.Execute(te.ctx, alice, Borrow{Asset: uni, Amount: tok(1)})
	require.ErrorIs(t, err, errs.ErrBorrowingDisabled)
}

func TestOnCommitReceivesReceipts(t *testing.T) {
	require := require.New(t)
	te := newTestEngine(t)

	var got []*Receipt
	te.engine.OnCommit(func(r *Receipt) { got = append(got, r) })

	te.fund(usdt, alice, usd(10))
	te.exec(alice, SendTokens{Asset: usdt, Amount: usd(10)}, Deposit{Asset: usdt})
	_, err := te.engine.Execute(te.ctx, alice, Close{UsdAsset: uni})
	require.Error(err)

	require.Len(got, 1)
	require.Equal(alice, got[0].Account)
	require.Equal([]common.Address{usdt}, got[0].Touched)
}
