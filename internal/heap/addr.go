package heap

import (
	"encoding/binary"

	"pzrun/internal/layout"
)

// Addr is a heap cell address. The heap hands out addresses in its own
// address space; 0 is never a valid cell. Addresses are stable for the
// life of the heap (the collector never moves cells).
type Addr uint

// NilAddr is the null heap address.
const NilAddr Addr = 0

func loadWordBytes(b []byte) uint {
	if layout.WordSize == 8 {
		return uint(binary.LittleEndian.Uint64(b))
	}
	return uint(binary.LittleEndian.Uint32(b))
}

func storeWordBytes(b []byte, v uint) {
	if layout.WordSize == 8 {
		binary.LittleEndian.PutUint64(b, uint64(v))
	} else {
		binary.LittleEndian.PutUint32(b, uint32(v))
	}
}

// mem returns the n bytes of heap memory starting at addr. It panics if
// the range is not inside a single chunk; callers hold addresses that the
// heap itself handed out.
func (h *Heap) mem(addr Addr, n int) []byte {
	c := h.chunkFor(addr)
	if c == nil {
		panic("heap: address outside any chunk")
	}
	off := int(addr - c.base)
	if off+n > len(c.mem) {
		panic("heap: address range crosses chunk end")
	}
	return c.mem[off : off+n]
}

// Bytes returns a view of n bytes of cell memory at addr. The view stays
// valid until the cell is collected.
func (h *Heap) Bytes(addr Addr, n int) []byte { return h.mem(addr, n) }

// LoadWord reads the machine word at addr.
func (h *Heap) LoadWord(addr Addr) uint { return loadWordBytes(h.mem(addr, layout.WordSize)) }

// StoreWord writes the machine word at addr.
func (h *Heap) StoreWord(addr Addr, v uint) { storeWordBytes(h.mem(addr, layout.WordSize), v) }

// LoadU8 reads the byte at addr.
func (h *Heap) LoadU8(addr Addr) uint8 { return h.mem(addr, 1)[0] }

// StoreU8 writes the byte at addr.
func (h *Heap) StoreU8(addr Addr, v uint8) { h.mem(addr, 1)[0] = v }

// LoadU16 reads a little-endian 16-bit value at addr.
func (h *Heap) LoadU16(addr Addr) uint16 { return binary.LittleEndian.Uint16(h.mem(addr, 2)) }

// StoreU16 writes a little-endian 16-bit value at addr.
func (h *Heap) StoreU16(addr Addr, v uint16) { binary.LittleEndian.PutUint16(h.mem(addr, 2), v) }

// LoadU32 reads a little-endian 32-bit value at addr.
func (h *Heap) LoadU32(addr Addr) uint32 { return binary.LittleEndian.Uint32(h.mem(addr, 4)) }

// StoreU32 writes a little-endian 32-bit value at addr.
func (h *Heap) StoreU32(addr Addr, v uint32) { binary.LittleEndian.PutUint32(h.mem(addr, 4), v) }

// LoadU64 reads a little-endian 64-bit value at addr.
func (h *Heap) LoadU64(addr Addr) uint64 { return binary.LittleEndian.Uint64(h.mem(addr, 8)) }

// StoreU64 writes a little-endian 64-bit value at addr.
func (h *Heap) StoreU64(addr Addr, v uint64) { binary.LittleEndian.PutUint64(h.mem(addr, 8), v) }
