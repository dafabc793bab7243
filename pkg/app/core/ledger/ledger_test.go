package ledger

import (
	"math/rand"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/hyperlend/pkg/app/core/errs"
	"github.com/uhyunpark/hyperlend/pkg/app/core/pool"
	"github.com/uhyunpark/hyperlend/pkg/fixed"
	"github.com/uhyunpark/hyperlend/pkg/storage"
)

var (
	alice = common.HexToAddress("0x1100000000000000000000000000000000000001")
	bob   = common.HexToAddress("0x2200000000000000000000000000000000000002")
	uni   = common.HexToAddress("0x0000000000000000000000000000000000000022")
)

func newTestPool(liquidityIndexBps, borrowIndexBps uint64) *pool.Pool {
	p := pool.NewPool(uni, "UNI", 18, false, pool.DefaultRateStrategy(), 0)
	p.LiquidityIndex = fixed.FromBps(liquidityIndexBps)
	p.BorrowIndex = fixed.FromBps(borrowIndexBps)
	return p
}

func TestMintRoundsDown(t *testing.T) {
	require := require.New(t)
	l := New(storage.NewMemStore())
	p := newTestPool(15000, 10000) // liquidity index 1.5

	// 100 / 1.5 = 66.67 → 66 scaled
	scaled, err := l.Mint(p, Supply, alice, fixed.New(100))
	require.NoError(err)
	require.Equal(uint64(66), scaled.Uint64())
	require.Equal(uint64(66), p.ScaledTotalSupply.Uint64())

	// real = 66 * 1.5 = 99
	bal, err := l.BalanceOf(p, Supply, alice)
	require.NoError(err)
	require.Equal(uint64(99), bal.Uint64())
}

func TestBurnRoundsUp(t *testing.T) {
	require := require.New(t)
	l := New(storage.NewMemStore())
	p := newTestPool(15000, 10000)

	_, err := l.Mint(p, Supply, alice, fixed.New(150)) // 100 scaled
	require.NoError(err)

	// 10 / 1.5 = 6.67 → 7 scaled burned
	burned, scaled, err := l.Burn(p, Supply, alice, fixed.New(10))
	require.NoError(err)
	require.Equal(uint64(10), burned.Uint64())
	require.Equal(uint64(7), scaled.Uint64())

	left, err := l.ScaledBalanceOf(Supply, uni, alice)
	require.NoError(err)
	require.Equal(uint64(93), left.Uint64())
	require.Equal(uint64(93), p.ScaledTotalSupply.Uint64())
}

func TestBurnMaxClearsBalance(t *testing.T) {
	require := require.New(t)
	kv := storage.NewMemStore()
	l := New(kv)
	p := newTestPool(10000, 12345) // borrow index 1.2345

	_, err := l.Mint(p, Debt, alice, fixed.New(1_000_003))
	require.NoError(err)
	bal, err := l.BalanceOf(p, Debt, alice)
	require.NoError(err)

	burned, _, err := l.Burn(p, Debt, alice, fixed.Max())
	require.NoError(err)
	require.Equal(bal, burned)

	left, err := l.ScaledBalanceOf(Debt, uni, alice)
	require.NoError(err)
	require.True(left.IsZero())
	require.True(p.ScaledTotalDebt.IsZero())

	// Zeroed entries are removed from the store
	require.Equal(0, kv.Len())
}

func TestBurnInsufficientBalance(t *testing.T) {
	require := require.New(t)
	l := New(storage.NewMemStore())
	p := newTestPool(10000, 10000)

	_, err := l.Mint(p, Collateral, alice, fixed.New(50))
	require.NoError(err)

	_, _, err = l.Burn(p, Collateral, alice, fixed.New(51))
	require.ErrorIs(err, errs.ErrInsufficientBalance)

	_, _, err = l.Burn(p, Collateral, bob, fixed.New(1))
	require.ErrorIs(err, errs.ErrInsufficientBalance)

	// Failed burn leaves the balance and total untouched
	bal, err := l.BalanceOf(p, Collateral, alice)
	require.NoError(err)
	require.Equal(uint64(50), bal.Uint64())
	require.Equal(uint64(50), p.TotalCollateral.Uint64())
}

func TestInvalidAmounts(t *testing.T) {
	require := require.New(t)
	l := New(storage.NewMemStore())
	p := newTestPool(15000, 10000)

	_, err := l.Mint(p, Supply, alice, fixed.Zero())
	require.ErrorIs(err, errs.ErrInvalidAmount)

	_, err = l.Mint(p, Supply, alice, fixed.Max())
	require.ErrorIs(err, errs.ErrInvalidAmount)

	// 1 / 1.5 rounds to zero scaled
	_, err = l.Mint(p, Supply, alice, fixed.New(1))
	require.ErrorIs(err, errs.ErrInvalidAmount)

	_, _, err = l.Burn(p, Supply, alice, fixed.Zero())
	require.ErrorIs(err, errs.ErrInvalidAmount)
}

func TestCollateralDoesNotRebase(t *testing.T) {
	require := require.New(t)
	l := New(storage.NewMemStore())
	p := newTestPool(20000, 30000)

	_, err := l.Mint(p, Collateral, alice, fixed.New(777))
	require.NoError(err)

	bal, err := l.BalanceOf(p, Collateral, alice)
	require.NoError(err)
	require.Equal(uint64(777), bal.Uint64())
}

func TestBalanceGrowsWithIndex(t *testing.T) {
	require := require.New(t)
	l := New(storage.NewMemStore())
	p := newTestPool(10000, 10000)

	_, err := l.Mint(p, Supply, alice, fixed.New(1000))
	require.NoError(err)

	// Index moves from 1.0 to 1.1; no write to alice's entry
	p.LiquidityIndex = fixed.FromBps(11000)
	bal, err := l.BalanceOf(p, Supply, alice)
	require.NoError(err)
	require.Equal(uint64(1100), bal.Uint64())

	viewed, err := l.BalanceAt(uni, Supply, alice, fixed.FromBps(12000))
	require.NoError(err)
	require.Equal(uint64(1200), viewed.Uint64())
}

// TestConservationWithinRounding checks that the real balance reproduces the net of all
// mints and burns, never exceeding it and losing at most a couple of units per operation.
func TestConservationWithinRounding(t *testing.T) {
	require := require.New(t)
	l := New(storage.NewMemStore())
	p := newTestPool(10537, 10000) // 1.0537

	rng := rand.New(rand.NewSource(42))
	net := new(uint256.Int)
	ops := uint64(0)

	for i := 0; i < 200; i++ {
		amount := fixed.New(uint64(rng.Int63n(1_000_000_000)) + 1000)
		if rng.Intn(3) > 0 {
			_, err := l.Mint(p, Supply, alice, amount)
			require.NoError(err)
			net.Add(net, amount)
			ops++
			continue
		}

		bal, err := l.BalanceOf(p, Supply, alice)
		require.NoError(err)
		if amount.Gt(bal) {
			continue
		}
		_, _, err = l.Burn(p, Supply, alice, amount)
		require.NoError(err)
		net.Sub(net, amount)
		ops++
	}

	bal, err := l.BalanceOf(p, Supply, alice)
	require.NoError(err)
	require.False(bal.Gt(net), "balance %s exceeds net %s", bal.Dec(), net.Dec())

	loss := new(uint256.Int).Sub(net, bal)
	require.True(loss.Cmp(fixed.New(2*ops)) <= 0, "rounding loss %s over %d ops", loss.Dec(), ops)
}

func TestHolders(t *testing.T) {
	require := require.New(t)
	l := New(storage.NewMemStore())
	p := newTestPool(10000, 10000)

	_, err := l.Mint(p, Debt, alice, fixed.New(10))
	require.NoError(err)
	_, err = l.Mint(p, Debt, bob, fixed.New(20))
	require.NoError(err)
	_, err = l.Mint(p, Supply, bob, fixed.New(30))
	require.NoError(err)

	sum := new(uint256.Int)
	require.NoError(l.Holders(Debt, uni, func(e *Entry) error {
		sum.Add(sum, e.ScaledBalance)
		return nil
	}))
	require.Equal(uint64(30), sum.Uint64())
	require.True(Collateral.Valid())
	require.False(Side("other").Valid())
}
