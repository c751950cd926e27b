package interp

import (
	"math/bits"

	"pzrun/internal/layout"
)

// Stack slots are 64 bits regardless of platform; operations mask their
// results to the operand width.

func widthBits(w layout.Width) int {
	switch w {
	case layout.W8:
		return 8
	case layout.W16:
		return 16
	case layout.W32:
		return 32
	case layout.W64:
		return 64
	default: // WFast, WPtr
		return bits.UintSize
	}
}

func mask(w layout.Width) uint64 {
	b := widthBits(w)
	if b == 64 {
		return ^uint64(0)
	}
	return 1<<b - 1
}

// signExtend widens v from w to a signed 64-bit value.
func signExtend(v uint64, w layout.Width) int64 {
	b := widthBits(w)
	return int64(v<<(64-b)) >> (64 - b)
}
