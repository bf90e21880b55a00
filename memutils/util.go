package memutils

import (
	"math"
	"math/bits"

	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/exp/constraints"
)

func CheckPow2[T constraints.Integer](number T, name string) error {
	if number <= 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

func AlignDown(value int, alignment uint) int {
	return value & int(^(alignment - 1))
}

// CeilDiv divides n by d, rounding up. d must be positive.
func CeilDiv[T constraints.Integer](n, d T) T {
	q := n / d
	if n%d != 0 {
		q++
	}
	return q
}

// Log2Floor returns floor(log2(n)), or -1 when n is not positive
func Log2Floor[T constraints.Integer](n T) int {
	if n <= 0 {
		return -1
	}
	return bits.Len64(uint64(n)) - 1
}

// CheckedMul multiplies two non-negative ints. ok is false if either operand is negative or the
// product does not fit in an int.
func CheckedMul(a, b int) (product int, ok bool) {
	if a < 0 || b < 0 {
		return 0, false
	}

	hi, lo := bits.Mul64(uint64(a), uint64(b))
	if hi != 0 || lo > math.MaxInt {
		return 0, false
	}

	return int(lo), true
}
