// Package mathx holds the small numeric helpers the control math needs.
package mathx

import "golang.org/x/exp/constraints"

// Clamp limits v to the closed interval [lo, hi]. Reversed bounds are
// swapped rather than rejected.
func Clamp[T constraints.Ordered](v, lo, hi T) T {
	if hi < lo {
		lo, hi = hi, lo
	}
	switch {
	case v < lo:
		return lo
	case v > hi:
		return hi
	default:
		return v
	}
}
