package heap

import (
	"pzrun/internal/layout"
)

// CheckHeap walks the whole heap and verifies its internal invariants: the
// per-block allocation counts, the free lists and the fit chunks' cell
// chains. Any inconsistency is fatal. It is run around every collection
// when the slow-asserts option is on.
func (h *Heap) CheckHeap() {
	for ci, c := range h.chunks {
		switch c.kind {
		case chunkBOP:
			h.checkBOPChunk(ci, c)
		case chunkFit:
			h.checkFitChunk(ci, c)
		}
	}
}

func (h *Heap) checkBOPChunk(ci int, c *chunk) {
	for i, b := range c.blocks {
		if b == nil || !b.inUse {
			continue
		}
		blockBase := c.base + Addr(i*blockSize)
		cellBytes := b.cellWords * layout.WordSize

		allocated := 0
		for cell := 0; cell < b.numCells; cell++ {
			if b.cellBits(cell)&bitAllocated != 0 {
				allocated++
			}
		}
		if allocated != b.allocated {
			Fatalf("heap check: chunk %d block %d: %d cells have the allocated bit, counter says %d",
				ci, i, allocated, b.allocated)
		}

		// Every free-list entry must be a cell base of this block with the
		// allocated bit clear, and the list must account for every cell
		// that is not allocated.
		free := 0
		for addr := b.free; addr != NilAddr; addr = Addr(h.LoadWord(addr)) {
			if free > b.numCells {
				Fatalf("heap check: chunk %d block %d: free list cycle", ci, i)
			}
			off := int(addr - blockBase)
			if addr < blockBase || off >= blockSize || off%cellBytes != 0 {
				Fatalf("heap check: chunk %d block %d: free list entry 0x%x is not a cell base",
					ci, i, uint(addr))
			}
			if b.cellBits(off/cellBytes)&bitAllocated != 0 {
				Fatalf("heap check: chunk %d block %d: free cell 0x%x has the allocated bit",
					ci, i, uint(addr))
			}
			free++
		}
		if allocated+free != b.numCells {
			Fatalf("heap check: chunk %d block %d: %d allocated + %d free != %d cells",
				ci, i, allocated, free, b.numCells)
		}
	}
}

func (h *Heap) checkFitChunk(ci int, c *chunk) {
	// The cells must tile [base+wordsize, base+wilderness) exactly.
	cells := 0
	allocated := 0
	end := c.base + Addr(c.wilderness)
	addr := c.base + Addr(layout.WordSize)
	for addr < end {
		size := c.fitCellSize(h, addr)
		if size <= 0 {
			Fatalf("heap check: chunk %d: fit cell 0x%x has size %d", ci, uint(addr), size)
		}
		if c.fitBits(addr)&bitAllocated != 0 {
			allocated++
		}
		cells++
		addr += Addr((size + 1) * layout.WordSize)
	}
	if addr != end {
		Fatalf("heap check: chunk %d: fit cells overrun the wilderness by %d bytes",
			ci, int(addr-end))
	}

	free := 0
	for a := c.free; a != NilAddr; a = Addr(h.LoadWord(a)) {
		if free > cells {
			Fatalf("heap check: chunk %d: fit free list cycle", ci)
		}
		if !c.contains(a) || a < c.base+Addr(layout.WordSize) || a >= end {
			Fatalf("heap check: chunk %d: fit free list entry 0x%x outside the chunk's cells",
				ci, uint(a))
		}
		if c.fitBits(a)&bitAllocated != 0 {
			Fatalf("heap check: chunk %d: fit free cell 0x%x has the allocated bit", ci, uint(a))
		}
		free++
	}
	if free > cells-allocated {
		Fatalf("heap check: chunk %d: %d free list entries for %d unallocated cells",
			ci, free, cells-allocated)
	}
}
