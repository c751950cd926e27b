package heap

import (
	"pzrun/internal/layout"
)

// MarkState carries the conservative mark phase: an explicit mark stack of
// cell addresses whose contents still need scanning.
type MarkState struct {
	heap      *Heap
	stack     []Addr
	numRoots  int
	numMarked int
}

// MarkRoot treats word as a candidate pointer: the tag bits are masked off
// and, if the result is the base of an allocated cell, the cell is marked
// and queued for scanning. Anything else is ignored.
func (ms *MarkState) MarkRoot(word uint) {
	if ms.markWord(word) {
		ms.numRoots++
	}
}

// markWord marks the cell addressed by word, if any. It reports whether a
// cell went from unmarked to marked.
func (ms *MarkState) markWord(word uint) bool {
	addr := Addr(word &^ layout.TagMask)
	if addr == NilAddr {
		return false
	}
	c := ms.heap.chunkFor(addr)
	if c == nil {
		return false
	}
	switch c.kind {
	case chunkBOP:
		b, blockBase := c.blockAt(addr)
		if b == nil {
			return false
		}
		cellBytes := b.cellWords * layout.WordSize
		off := int(addr - blockBase)
		if off%cellBytes != 0 {
			return false // interior of a cell, past the tag bytes
		}
		cell := off / cellBytes
		if cell >= b.numCells {
			return false // block tail slack
		}
		bits := b.cellBits(cell)
		if bits&bitAllocated == 0 || bits&bitMarked != 0 {
			return false
		}
		b.orCellBits(cell, bitMarked)
	case chunkFit:
		bits := c.fitBits(addr)
		if bits&bitAllocated == 0 || bits&bitMarked != 0 {
			return false
		}
		c.orFitBits(addr, bitMarked)
	}
	ms.numMarked++
	ms.stack = append(ms.stack, addr)
	return true
}

// drain scans queued cells, treating every word of a cell as a candidate
// pointer, until the mark stack is empty.
func (ms *MarkState) drain() {
	h := ms.heap
	for len(ms.stack) > 0 {
		addr := ms.stack[len(ms.stack)-1]
		ms.stack = ms.stack[:len(ms.stack)-1]

		words := h.cellWords(addr)
		for i := 0; i < words; i++ {
			ms.markWord(h.LoadWord(addr + Addr(i*layout.WordSize)))
		}
	}
}

// cellWords returns the payload size of an allocated cell, in words.
func (h *Heap) cellWords(addr Addr) int {
	c := h.chunkFor(addr)
	if c == nil {
		panic("heap: scanning address outside any chunk")
	}
	if c.kind == chunkBOP {
		b, _ := c.blockAt(addr)
		if b == nil {
			panic("heap: scanning address outside any block")
		}
		return b.cellWords
	}
	return c.fitCellSize(h, addr)
}
