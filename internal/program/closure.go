package program

import (
	"pzrun/internal/heap"
	"pzrun/internal/layout"
)

// A closure is a two-word heap cell: the code address it runs and the data
// (environment) address it closes over. Closures are referenced by their
// cell address, which is what the loader writes into data slots and call
// immediates.

const closureWords = 2

// AllocClosure allocates an uninitialized closure cell. Closure cells are
// preallocated before data entries are read, so forward references from
// data to closures always have a stable address.
func AllocClosure(h *heap.Heap, cap heap.Capability) heap.Addr {
	return h.Alloc(closureWords, cap)
}

// InitClosure fills a closure cell with its code and environment.
func InitClosure(h *heap.Heap, closure, code, data heap.Addr) {
	h.StoreWord(closure, uint(code))
	h.StoreWord(closure+heap.Addr(layout.WordSize), uint(data))
}

// ClosureCode returns the code address of a closure cell.
func ClosureCode(h *heap.Heap, closure heap.Addr) heap.Addr {
	return heap.Addr(h.LoadWord(closure))
}

// ClosureData returns the environment address of a closure cell.
func ClosureData(h *heap.Heap, closure heap.Addr) heap.Addr {
	return heap.Addr(h.LoadWord(closure + heap.Addr(layout.WordSize)))
}
