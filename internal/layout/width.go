package layout

import (
	"fmt"
	"math/bits"
)

// Width is an operand width of the abstract machine. The on-disk byte
// values match the PZ format.
type Width uint8

const (
	W8    Width = 0
	W16   Width = 1
	W32   Width = 2
	W64   Width = 3
	WFast Width = 4 // the platform's natural integer width
	WPtr  Width = 5 // the platform's pointer width
)

// WordSize is the machine word size in bytes. The runtime only supports
// 32- and 64-bit platforms; machine init asserts this.
const WordSize = bits.UintSize / 8

// TagBits is how many low pointer bits may carry tags: 3 on 64-bit
// platforms, 2 on 32-bit.
const TagBits = WordSize/4 + 1

// TagMask masks the tag bits off a candidate pointer word.
const TagMask = 1<<TagBits - 1

// FromByte decodes an on-disk width byte.
func FromByte(b uint8) (Width, error) {
	if b > uint8(WPtr) {
		return 0, fmt.Errorf("invalid width byte %d", b)
	}
	return Width(b), nil
}

// Bytes returns the in-memory size of a value of this width.
func (w Width) Bytes() int {
	switch w {
	case W8:
		return 1
	case W16:
		return 2
	case W32:
		return 4
	case W64:
		return 8
	case WFast, WPtr:
		return WordSize
	default:
		panic(fmt.Sprintf("invalid width %d", w))
	}
}

func (w Width) String() string {
	switch w {
	case W8:
		return "w8"
	case W16:
		return "w16"
	case W32:
		return "w32"
	case W64:
		return "w64"
	case WFast:
		return "wfast"
	case WPtr:
		return "wptr"
	default:
		return "w?"
	}
}
