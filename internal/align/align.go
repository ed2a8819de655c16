// Package align provides alignment helpers for GPU buffer layouts.
package align

import "golang.org/x/exp/constraints"

// Up rounds v up to the next multiple of alignment.
// An alignment of zero returns v unchanged.
func Up[T constraints.Integer](v, alignment T) T {
	if alignment == 0 {
		return v
	}
	if r := v % alignment; r != 0 {
		return v + alignment - r
	}
	return v
}

// IsAligned reports whether v is a multiple of alignment.
func IsAligned[T constraints.Integer](v, alignment T) bool {
	return alignment == 0 || v%alignment == 0
}

// IsPowerOfTwo reports whether v is a non-zero power of two.
func IsPowerOfTwo[T constraints.Unsigned](v T) bool {
	return v != 0 && v&(v-1) == 0
}
