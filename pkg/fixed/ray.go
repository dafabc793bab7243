// Package fixed implements ray (1e27) fixed-point arithmetic on 256-bit integers.
//
// Every operation is overflow-checked and documents its rounding direction:
//   - RayMul, MulDiv, RayDiv truncate toward zero (round down)
//   - RayDivUp, MulDivUp round up
//
// Amounts are plain token units; rates and indices are ray-scaled.
package fixed

import (
	"errors"

	"github.com/holiman/uint256"
)

// SecondsPerYear converts annual rates to per-second rates (365 days)
const SecondsPerYear = 365 * 24 * 60 * 60

var (
	ErrOverflow       = errors.New("fixed: arithmetic overflow")
	ErrUnderflow      = errors.New("fixed: arithmetic underflow")
	ErrDivisionByZero = errors.New("fixed: division by zero")
)

var (
	ray     = Pow10(27)
	halfRay = new(uint256.Int).Rsh(Pow10(27), 1)
	maxInt  = new(uint256.Int).SetAllOne()
)

// Ray returns a fresh copy of 1e27
func Ray() *uint256.Int { return new(uint256.Int).Set(ray) }

// HalfRay returns 0.5 in ray
func HalfRay() *uint256.Int { return new(uint256.Int).Set(halfRay) }

// Max returns the largest 256-bit value.
// Used as the "entire balance" amount sentinel and as the health factor when there is no debt.
func Max() *uint256.Int { return new(uint256.Int).Set(maxInt) }

// IsMax reports whether x is the Max sentinel
func IsMax(x *uint256.Int) bool { return x != nil && x.Eq(maxInt) }

// Zero returns a new zero value
func Zero() *uint256.Int { return new(uint256.Int) }

// New returns x as a 256-bit integer
func New(x uint64) *uint256.Int { return uint256.NewInt(x) }

// Pow10 returns 10^n
func Pow10(n uint8) *uint256.Int {
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(n)))
}

// FromBps converts basis points to ray (10000 bps = 1 RAY)
func FromBps(bps uint64) *uint256.Int {
	z := new(uint256.Int).Mul(uint256.NewInt(bps), Pow10(23))
	return z
}

// Clone returns a copy of x, treating nil as zero
func Clone(x *uint256.Int) *uint256.Int {
	if x == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(x)
}

// Add returns a + b
func Add(a, b *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// Sub returns a - b, failing when b > a
func Sub(a, b *uint256.Int) (*uint256.Int, error) {
	z, underflow := new(uint256.Int).SubOverflow(a, b)
	if underflow {
		return nil, ErrUnderflow
	}
	return z, nil
}

// SubFloor returns max(a - b, 0)
func SubFloor(a, b *uint256.Int) *uint256.Int {
	if b.Gt(a) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(a, b)
}

// Mul returns a * b
func Mul(a, b *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).MulOverflow(a, b)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// MulDiv returns floor(a * b / d) using a 512-bit intermediate product
func MulDiv(a, b, d *uint256.Int) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrDivisionByZero
	}
	z, overflow := new(uint256.Int).MulDivOverflow(a, b, d)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// MulDivUp returns ceil(a * b / d)
func MulDivUp(a, b, d *uint256.Int) (*uint256.Int, error) {
	z, err := MulDiv(a, b, d)
	if err != nil {
		return nil, err
	}
	if new(uint256.Int).MulMod(a, b, d).IsZero() {
		return z, nil
	}
	return Add(z, uint256.NewInt(1))
}

// RayMul returns a * b / RAY, truncated toward zero
func RayMul(a, b *uint256.Int) (*uint256.Int, error) {
	return MulDiv(a, b, ray)
}

// RayDiv returns a * RAY / b, rounded down
func RayDiv(a, b *uint256.Int) (*uint256.Int, error) {
	return MulDiv(a, ray, b)
}

// RayDivUp returns a * RAY / b, rounded up
func RayDivUp(a, b *uint256.Int) (*uint256.Int, error) {
	return MulDivUp(a, ray, b)
}

// Min returns the smaller of a and b (a copy)
func Min(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return new(uint256.Int).Set(a)
	}
	return new(uint256.Int).Set(b)
}

// Parse reads a decimal string amount. The literal "max" yields the Max sentinel.
func Parse(s string) (*uint256.Int, error) {
	if s == "max" {
		return Max(), nil
	}
	return uint256.FromDecimal(s)
}

// Format renders x as a decimal string, "max" for the sentinel
func Format(x *uint256.Int) string {
	if x == nil {
		return "0"
	}
	if IsMax(x) {
		return "max"
	}
	return x.Dec()
}
