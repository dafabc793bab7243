package fixed

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func TestRayConstants(t *testing.T) {
	require := require.New(t)

	require.Equal("1000000000000000000000000000", Ray().Dec())
	require.Equal("500000000000000000000000000", HalfRay().Dec())
	// 11000 bps = 1.1 RAY
	require.Equal("1100000000000000000000000000", FromBps(11000).Dec())
	require.True(IsMax(Max()))
	require.False(IsMax(Ray()))
}

func TestRayMulTruncates(t *testing.T) {
	require := require.New(t)

	// 0.04 * 0.5 = 0.02
	z, err := RayMul(FromBps(400), FromBps(5000))
	require.NoError(err)
	require.Equal(FromBps(200), z)

	// 3 * (1/3 RAY) = 0.999... truncated to 0
	third, err := RayDiv(New(1), New(3))
	require.NoError(err)
	z, err = RayMul(New(3), third)
	require.NoError(err)
	require.True(z.IsZero())
}

func TestRayDivRounding(t *testing.T) {
	require := require.New(t)

	index := FromBps(15000) // 1.5

	// 100 / 1.5 = 66.66 -> down 66, up 67
	down, err := RayDiv(New(100), index)
	require.NoError(err)
	require.Equal(uint64(66), down.Uint64())

	up, err := RayDivUp(New(100), index)
	require.NoError(err)
	require.Equal(uint64(67), up.Uint64())

	// exact division does not round up
	up, err = RayDivUp(New(150), index)
	require.NoError(err)
	require.Equal(uint64(100), up.Uint64())
}

func TestOverflowAndDivisionByZero(t *testing.T) {
	require := require.New(t)

	_, err := Add(Max(), New(1))
	require.ErrorIs(err, ErrOverflow)

	_, err = Sub(New(1), New(2))
	require.ErrorIs(err, ErrUnderflow)

	_, err = Mul(Max(), New(2))
	require.ErrorIs(err, ErrOverflow)

	_, err = RayMul(Max(), FromBps(20000))
	require.ErrorIs(err, ErrOverflow)

	_, err = RayDiv(New(1), Zero())
	require.ErrorIs(err, ErrDivisionByZero)
}

func TestMulDivWideIntermediate(t *testing.T) {
	require := require.New(t)

	// (2^200 * 2^100) / 2^150 = 2^150 needs a 512-bit product
	a := new(uint256.Int).Lsh(New(1), 200)
	b := new(uint256.Int).Lsh(New(1), 100)
	d := new(uint256.Int).Lsh(New(1), 150)
	z, err := MulDiv(a, b, d)
	require.NoError(err)
	require.Equal(d, z)
}

func TestParseFormat(t *testing.T) {
	require := require.New(t)

	x, err := Parse("max")
	require.NoError(err)
	require.True(IsMax(x))
	require.Equal("max", Format(x))

	x, err = Parse("123456789")
	require.NoError(err)
	require.Equal("123456789", Format(x))

	_, err = Parse("-1")
	require.Error(err)

	require.Equal("0", Format(nil))
	require.Equal(SubFloor(New(3), New(5)), Zero())
	require.Equal(Min(New(3), New(5)), New(3))
}
