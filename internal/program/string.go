package program

import (
	"pzrun/internal/heap"
	"pzrun/internal/layout"
)

// Flat strings are immutable byte strings stored in a single cell: a length
// word followed by the bytes. Data entries of kind STRING produce them, and
// debug contexts read their file names back out of them.

// AllocString allocates a flat string cell with room for n bytes. The
// length word is set; the bytes are filled in by the caller.
func AllocString(h *heap.Heap, cap heap.Capability, n int) heap.Addr {
	s := h.AllocBytes(layout.WordSize+n, cap)
	if s != heap.NilAddr {
		h.StoreWord(s, uint(n))
	}
	return s
}

// NewString allocates a flat string holding str.
func NewString(h *heap.Heap, cap heap.Capability, str string) heap.Addr {
	s := AllocString(h, cap, len(str))
	if s != heap.NilAddr {
		copy(StringBytes(h, s), str)
	}
	return s
}

// StringLen returns the length of a flat string in bytes.
func StringLen(h *heap.Heap, s heap.Addr) int {
	return int(h.LoadWord(s))
}

// StringBytes returns a view of the string's bytes. The view stays valid
// while the string cell is live.
func StringBytes(h *heap.Heap, s heap.Addr) []byte {
	return h.Bytes(s+heap.Addr(layout.WordSize), StringLen(h, s))
}

// StringValue copies a flat string out of the heap.
func StringValue(h *heap.Heap, s heap.Addr) string {
	return string(StringBytes(h, s))
}
