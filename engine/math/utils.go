package math

import (
	m "math"

	"golang.org/x/exp/constraints"
)

/** @brief An approximate representation of PI. */
const K_PI float32 = 3.14159265358979323846

/** @brief A multiplier used to convert degrees to radians. */
const K_DEG2RAD_MULTIPLIER float32 = K_PI / 180.0

// Clamp returns the value `f` clamped to the range [low, high].
// It works for any numeric type (integers and floats).
func Clamp[T constraints.Ordered](f, low, high T) T {
	if f < low {
		return low
	}
	if f > high {
		return high
	}
	return f
}

func Max[T constraints.Ordered](a, b T) T {
	if a > b {
		return a
	}
	return b
}

func Min[T constraints.Ordered](a, b T) T {
	if a < b {
		return a
	}
	return b
}

// AlignUp rounds value up to the next multiple of alignment. Alignment must be
// a power of two.
func AlignUp[T constraints.Unsigned](value, alignment T) T {
	return (value + alignment - 1) &^ (alignment - 1)
}

func DegToRad(degrees float32) float32 {
	return degrees * K_DEG2RAD_MULTIPLIER
}

func ksin(x float32) float32 {
	return float32(m.Sin(float64(x)))
}

func kcos(x float32) float32 {
	return float32(m.Cos(float64(x)))
}

func ktan(x float32) float32 {
	return float32(m.Tan(float64(x)))
}

func ksqrt(x float32) float32 {
	return float32(m.Sqrt(float64(x)))
}
