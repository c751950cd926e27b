package heap

import (
	"fmt"
	"os"

	"pzrun/internal/layout"
)

// Heap is the runtime's garbage-collected memory. It is block-structured,
// non-moving and conservatively collected: any word inside a cell or a
// registered root that looks like a cell address keeps that cell alive.
//
// All allocation goes through a Capability (see capability.go), which
// decides whether a failed allocation may trigger a collection.
type Heap struct {
	opts Options

	chunks   []*chunk
	nextBase Addr
	pageSize int

	reserved    int // bytes held in chunks
	usedBytes   int // bytes of live cells, incl. fit size words
	maxSize     int
	collections uint64

	// globalTracer marks the process-wide roots (the module registry).
	// The capability chain's Root sentinel terminates at it.
	globalTracer func(*MarkState)
}

// DefaultMaxSize is the default heap ceiling.
const DefaultMaxSize = 64 << 20

// New creates an empty heap.
func New(opts Options) *Heap {
	pageSize := os.Getpagesize()
	h := &Heap{
		opts:     opts,
		pageSize: pageSize,
		maxSize:  DefaultMaxSize,
	}
	// Address 0 must never be a cell; start the address space one page in.
	h.nextBase = Addr(pageSize)
	return h
}

// Finalise releases all chunks. The heap must not be used afterwards.
func (h *Heap) Finalise() {
	h.chunks = nil
	h.reserved = 0
	h.usedBytes = 0
}

// SetGlobalTracer installs the process-wide root tracer.
func (h *Heap) SetGlobalTracer(fn func(*MarkState)) { h.globalTracer = fn }

// Size returns the bytes currently reserved from the OS.
func (h *Heap) Size() int { return h.reserved }

// Used returns the bytes held by live cells.
func (h *Heap) Used() int { return h.usedBytes }

// MaxSize returns the heap ceiling.
func (h *Heap) MaxSize() int { return h.maxSize }

// Collections returns how many collections have run.
func (h *Heap) Collections() uint64 { return h.collections }

// SetMaxSize adjusts the heap ceiling. The new size must be at least a
// page, block-aligned, and no smaller than the current heap size.
func (h *Heap) SetMaxSize(n int) error {
	switch {
	case n < h.pageSize:
		return fmt.Errorf("heap max size %d is smaller than the page size %d", n, h.pageSize)
	case n%blockSize != 0:
		return fmt.Errorf("heap max size %d is not a multiple of the block size %d", n, blockSize)
	case n < h.reserved:
		return fmt.Errorf("heap max size %d is smaller than the current heap size %d", n, h.reserved)
	}
	if h.opts.Trace {
		fmt.Fprintf(os.Stderr, "gc: new heap max size: %d\n", n)
	}
	h.maxSize = n
	return nil
}

// Alloc allocates words machine words and returns the cell address. If the
// capability permits collection, a failed allocation collects once and
// retries; a second failure is a fatal out-of-memory. If the capability
// forbids collection the failure is latched on it and NilAddr is returned.
func (h *Heap) Alloc(words int, cap Capability) Addr {
	if words <= 0 {
		words = 1
	}

	canGC := cap.CanGC()
	if h.opts.Zealous && canGC && h.reserved > 0 {
		h.Collect(cap)
	}

	addr := h.tryAllocate(words)
	if addr == NilAddr && canGC {
		h.Collect(cap)
		addr = h.tryAllocate(words)
	}
	if addr == NilAddr {
		cap.oom(words * layout.WordSize)
	}
	return addr
}

// AllocBytes allocates n bytes rounded up to whole words.
func (h *Heap) AllocBytes(n int, cap Capability) Addr {
	words := (n + layout.WordSize - 1) / layout.WordSize
	return h.Alloc(words, cap)
}

func (h *Heap) tryAllocate(words int) Addr {
	if words <= maxBopWords {
		return h.tryAllocateBOP(words)
	}
	return h.tryAllocateFit(words)
}

func (h *Heap) tryAllocateBOP(words int) Addr {
	class := sizeClassWords(words)

	// A block already serving this class with a free cell.
	for _, c := range h.chunks {
		if c.kind != chunkBOP {
			continue
		}
		for i, b := range c.blocks {
			if b == nil || !b.inUse || b.cellWords != class || b.free == NilAddr {
				continue
			}
			addr := c.allocFromBlock(h, b, c.base+Addr(i*blockSize))
			h.usedBytes += class * layout.WordSize
			return addr
		}
	}

	// An empty block, or a fresh one from a chunk's wilderness.
	for _, c := range h.chunks {
		if c.kind != chunkBOP {
			continue
		}
		for i, b := range c.blocks {
			if b != nil && !b.inUse {
				b = c.initBlock(h, i, class)
				addr := c.allocFromBlock(h, b, c.base+Addr(i*blockSize))
				h.usedBytes += class * layout.WordSize
				return addr
			}
		}
		if c.nextBlock < blocksPerChunk {
			i := c.nextBlock
			c.nextBlock++
			b := c.initBlock(h, i, class)
			addr := c.allocFromBlock(h, b, c.base+Addr(i*blockSize))
			h.usedBytes += class * layout.WordSize
			return addr
		}
	}

	// A new chunk, if the ceiling allows.
	c := h.newChunk(chunkBOP)
	if c == nil {
		return NilAddr
	}
	i := c.nextBlock
	c.nextBlock++
	b := c.initBlock(h, i, class)
	addr := c.allocFromBlock(h, b, c.base+Addr(i*blockSize))
	h.usedBytes += class * layout.WordSize
	return addr
}

func (h *Heap) tryAllocateFit(words int) Addr {
	for _, c := range h.chunks {
		if c.kind != chunkFit {
			continue
		}
		if addr := c.allocFit(h, words); addr != NilAddr {
			h.usedBytes += (c.fitCellSize(h, addr) + 1) * layout.WordSize
			return addr
		}
	}
	c := h.newChunk(chunkFit)
	if c == nil {
		return NilAddr
	}
	addr := c.allocFit(h, words)
	if addr != NilAddr {
		h.usedBytes += (c.fitCellSize(h, addr) + 1) * layout.WordSize
	}
	return addr
}

// Collect runs a full mark-sweep collection rooted at the capability chain
// and the global tracer.
func (h *Heap) Collect(cap Capability) {
	h.collections++

	if h.opts.SlowAsserts {
		h.CheckHeap()
	}

	ms := &MarkState{heap: h}
	cap.trace(ms)
	if h.globalTracer != nil {
		h.globalTracer(ms)
	}
	ms.drain()

	swept := h.sweep()

	if h.opts.Trace {
		fmt.Fprintf(os.Stderr, "gc: collection %d: marked %d roots, %d cells; swept %d cells\n",
			h.collections, ms.numRoots, ms.numMarked, swept)
	}
	if h.opts.SlowAsserts {
		h.CheckHeap()
	}
}
