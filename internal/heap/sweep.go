package heap

import (
	"pzrun/internal/layout"
)

// sweep frees every allocated-but-unmarked cell, clears the mark bits and
// rebuilds the free lists. It returns the number of cells freed.
func (h *Heap) sweep() int {
	swept := 0
	for _, c := range h.chunks {
		switch c.kind {
		case chunkBOP:
			swept += h.sweepBOP(c)
		case chunkFit:
			swept += h.sweepFit(c)
		}
	}
	return swept
}

func (h *Heap) sweepBOP(c *chunk) int {
	swept := 0
	for i, b := range c.blocks {
		if b == nil || !b.inUse {
			continue
		}
		blockBase := c.base + Addr(i*blockSize)
		cellBytes := b.cellWords * layout.WordSize

		// Rebuild the free list back-to-front so it stays in address order.
		b.free = NilAddr
		for cell := b.numCells - 1; cell >= 0; cell-- {
			addr := blockBase + Addr(cell*cellBytes)
			switch b.cellBits(cell) {
			case bitAllocated | bitMarked:
				b.andNotCellBits(cell, bitMarked)
				continue
			case bitAllocated:
				if h.opts.Poison {
					poison(h.mem(addr, cellBytes))
				}
				b.setCellBits(cell, 0)
				b.allocated--
				h.usedBytes -= cellBytes
				swept++
			}
			h.StoreWord(addr, uint(b.free))
			b.free = addr
		}

		if b.allocated == 0 {
			// Empty block; return it to the chunk's pool so it can serve a
			// different size class.
			b.inUse = false
			b.free = NilAddr
		}
	}
	return swept
}

func (h *Heap) sweepFit(c *chunk) int {
	swept := 0
	c.free = NilAddr
	end := c.base + Addr(c.wilderness)
	for addr := c.base + Addr(layout.WordSize); addr < end; {
		size := c.fitCellSize(h, addr)
		switch c.fitBits(addr) {
		case bitAllocated | bitMarked:
			c.andNotFitBits(addr, bitMarked)
		case bitAllocated:
			if h.opts.Poison {
				poison(h.mem(addr, size*layout.WordSize))
			}
			c.andNotFitBits(addr, bitAllocated)
			h.usedBytes -= (size + 1) * layout.WordSize
			swept++
			h.StoreWord(addr, uint(c.free))
			c.free = addr
		default:
			h.StoreWord(addr, uint(c.free))
			c.free = addr
		}
		addr += Addr((size + 1) * layout.WordSize)
	}
	return swept
}

func poison(b []byte) {
	for i := range b {
		b[i] = poisonByte
	}
}
