package heap

import (
	"pzrun/internal/layout"
)

// The heap is made of fixed-size chunks of memory. BOP ("blocks of
// pointers") chunks are subdivided into blocks, each serving cells of a
// single size class. Fit chunks serve larger, variable-sized cells with a
// size word stored before each cell.
const (
	blockSize      = 1 << 14
	chunkSize      = 1 << 20
	blocksPerChunk = chunkSize / blockSize

	// Cells larger than this many words go to a fit chunk.
	maxBopWords = 256
)

type chunkKind uint8

const (
	chunkBOP chunkKind = iota
	chunkFit
)

type chunk struct {
	kind chunkKind
	base Addr
	mem  []byte

	// BOP chunks only. blocks[i] == nil while block i is still in the
	// wilderness.
	blocks    []*block
	nextBlock int

	// Fit chunks only. The bitmap holds two bits per word (allocated,
	// marked) at cell-base words. wilderness is the byte offset of the
	// first never-allocated byte.
	bitmap     []uint8
	wilderness int
	free       Addr
}

// block is the metadata of one BOP block: its cell size class, a two-bit
// per cell bitmap (allocated, marked) and an intrusive free list threaded
// through the payload of free cells.
type block struct {
	cellWords int
	numCells  int
	inUse     bool
	bits      []uint8
	free      Addr
	allocated int
}

const (
	bitAllocated uint8 = 0x1
	bitMarked    uint8 = 0x2
)

func (b *block) cellBits(i int) uint8 {
	return (b.bits[i/4] >> ((i % 4) * 2)) & 0x3
}

func (b *block) setCellBits(i int, bits uint8) {
	shift := (i % 4) * 2
	b.bits[i/4] = b.bits[i/4]&^(0x3<<shift) | bits<<shift
}

func (b *block) orCellBits(i int, bits uint8) {
	b.bits[i/4] |= bits << ((i % 4) * 2)
}

func (b *block) andNotCellBits(i int, bits uint8) {
	b.bits[i/4] &^= bits << ((i % 4) * 2)
}

// contains reports whether addr falls inside this chunk.
func (c *chunk) contains(addr Addr) bool {
	return addr >= c.base && addr < c.base+Addr(len(c.mem))
}

func (h *Heap) chunkFor(addr Addr) *chunk {
	for _, c := range h.chunks {
		if c.contains(addr) {
			return c
		}
	}
	return nil
}

// newChunk reserves a chunk of the given kind, or returns nil if that
// would exceed the heap's maximum size.
func (h *Heap) newChunk(kind chunkKind) *chunk {
	if h.reserved+chunkSize > h.maxSize {
		return nil
	}
	c := &chunk{
		kind: kind,
		base: h.nextBase,
		mem:  make([]byte, chunkSize),
	}
	// Keep a guard gap between chunks so off-by-one addresses never land
	// in a neighbouring chunk.
	h.nextBase += chunkSize + Addr(h.pageSize)
	h.reserved += chunkSize
	switch kind {
	case chunkBOP:
		c.blocks = make([]*block, blocksPerChunk)
	case chunkFit:
		c.bitmap = make([]uint8, chunkSize/layout.WordSize/4+1)
		c.wilderness = layout.WordSize // room for the first cell's size word
	}
	h.chunks = append(h.chunks, c)
	return c
}

// sizeClassWords rounds a cell size up to its BOP size class.
func sizeClassWords(words int) int {
	class := 1
	for class < words {
		class <<= 1
	}
	return class
}

// initBlock sets up block i of a BOP chunk for the given cell class and
// threads every cell onto the free list.
func (c *chunk) initBlock(h *Heap, i, cellWords int) *block {
	cellBytes := cellWords * layout.WordSize
	b := &block{
		cellWords: cellWords,
		numCells:  blockSize / cellBytes,
		inUse:     true,
	}
	b.bits = make([]uint8, (b.numCells+3)/4)
	base := c.base + Addr(i*blockSize)
	b.free = NilAddr
	for cell := b.numCells - 1; cell >= 0; cell-- {
		addr := base + Addr(cell*cellBytes)
		h.StoreWord(addr, uint(b.free))
		b.free = addr
	}
	c.blocks[i] = b
	return b
}

// blockAt returns the block covering addr and the cell-relative geometry,
// or nil if addr is not inside an in-use block of this chunk.
func (c *chunk) blockAt(addr Addr) (*block, Addr) {
	if c.kind != chunkBOP {
		return nil, 0
	}
	i := int(addr-c.base) / blockSize
	b := c.blocks[i]
	if b == nil || !b.inUse {
		return nil, 0
	}
	return b, c.base + Addr(i*blockSize)
}

// allocFromBlock pops a free cell, or returns NilAddr.
func (c *chunk) allocFromBlock(h *Heap, b *block, blockBase Addr) Addr {
	if b.free == NilAddr {
		return NilAddr
	}
	addr := b.free
	b.free = Addr(h.LoadWord(addr))
	cell := int(addr-blockBase) / (b.cellWords * layout.WordSize)
	b.setCellBits(cell, bitAllocated)
	b.allocated++
	// Cells are handed out zeroed; the free-list link lived in word 0.
	clear(h.mem(addr, b.cellWords*layout.WordSize))
	return addr
}

// fit-chunk helpers

func (c *chunk) fitWordIndex(addr Addr) int {
	return int(addr-c.base) / layout.WordSize
}

func (c *chunk) fitBits(addr Addr) uint8 {
	i := c.fitWordIndex(addr)
	return (c.bitmap[i/4] >> ((i % 4) * 2)) & 0x3
}

func (c *chunk) setFitBits(addr Addr, bits uint8) {
	i := c.fitWordIndex(addr)
	shift := (i % 4) * 2
	c.bitmap[i/4] = c.bitmap[i/4]&^(0x3<<shift) | bits<<shift
}

func (c *chunk) orFitBits(addr Addr, bits uint8) {
	i := c.fitWordIndex(addr)
	c.bitmap[i/4] |= bits << ((i % 4) * 2)
}

func (c *chunk) andNotFitBits(addr Addr, bits uint8) {
	i := c.fitWordIndex(addr)
	c.bitmap[i/4] &^= bits << ((i % 4) * 2)
}

// fitCellSize reads the size word stored before a fit cell.
func (c *chunk) fitCellSize(h *Heap, addr Addr) int {
	return int(h.LoadWord(addr - Addr(layout.WordSize)))
}

func (c *chunk) setFitCellSize(h *Heap, addr Addr, words int) {
	h.StoreWord(addr-Addr(layout.WordSize), uint(words))
}

// allocFit serves a cell of the given word count from this fit chunk,
// best-fit over the free list first, then the wilderness.
func (c *chunk) allocFit(h *Heap, words int) Addr {
	var best, prevBest, prev Addr
	bestSize := 0
	for cell := c.free; cell != NilAddr; cell = Addr(h.LoadWord(cell)) {
		size := c.fitCellSize(h, cell)
		if size >= words && (best == NilAddr || size < bestSize) {
			best = cell
			bestSize = size
			prevBest = prev
		}
		prev = cell
	}
	if best != NilAddr {
		next := Addr(h.LoadWord(best))
		if prevBest == NilAddr {
			c.free = next
		} else {
			h.StoreWord(prevBest, uint(next))
		}
		oldSize := c.fitCellSize(h, best)
		if oldSize >= words+2 {
			// Split off the tail as a new free cell.
			c.setFitCellSize(h, best, words)
			tail := best + Addr((words+1)*layout.WordSize)
			c.setFitCellSize(h, tail, oldSize-(words+1))
			h.StoreWord(tail, uint(c.free))
			c.free = tail
		}
		c.orFitBits(best, bitAllocated)
		clear(h.mem(best, c.fitCellSize(h, best)*layout.WordSize))
		return best
	}

	// Wilderness: a size word followed by the payload.
	need := (words + 1) * layout.WordSize
	if c.wilderness+need > len(c.mem) {
		return NilAddr
	}
	addr := c.base + Addr(c.wilderness)
	c.wilderness += need
	c.setFitCellSize(h, addr, words)
	c.orFitBits(addr, bitAllocated)
	return addr
}
