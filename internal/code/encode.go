package code

import (
	"fmt"

	"pzrun/internal/heap"
	"pzrun/internal/layout"
)

// Encoder lays encoded instructions out in a proc's code cell: the opcode
// byte, the width bytes, then the immediate padded to its natural
// alignment. An encoder with no cell only measures, which is how the
// loader's first pass computes code sizes and block offsets.
type Encoder struct {
	heap *heap.Heap
	base heap.Addr
}

// NewEncoder returns an encoder writing into the code cell at base.
func NewEncoder(h *heap.Heap, base heap.Addr) Encoder {
	return Encoder{heap: h, base: base}
}

// Measurer returns an encoder that computes offsets without writing.
func Measurer() Encoder { return Encoder{} }

// Writing reports whether the encoder writes or only measures.
func (e Encoder) Writing() bool { return e.base != heap.NilAddr }

// WriteInstr encodes one instruction at offset and returns the offset of
// the next. The widths used are determined by the opcode (unused width
// arguments are ignored); imm carries the resolved immediate value for
// every immediate type, already narrowed by the loader.
func (e Encoder) WriteInstr(offset int, op Opcode, w1, w2 layout.Width, imm uint64) int {
	info := op.Info()

	e.putU8(offset, uint8(op))
	offset++
	if info.NumWidths > 0 {
		e.putU8(offset, uint8(w1))
		offset++
	}
	if info.NumWidths > 1 {
		e.putU8(offset, uint8(w2))
		offset++
	}

	if info.Imm == ImmNone {
		return offset
	}
	size, align := info.Imm.Enc(w1)
	offset = alignUp(offset, align)
	switch size {
	case 1:
		e.putU8(offset, uint8(imm))
	case 2:
		e.putU16(offset, uint16(imm))
	case 4:
		e.putU32(offset, uint32(imm))
	case 8:
		e.putU64(offset, imm)
	default:
		panic(fmt.Sprintf("unencodable immediate size %d", size))
	}
	return offset + size
}

// ImmOffset returns the offset of the instruction's immediate, given the
// offset of its opcode byte. The interpreter uses this to walk code.
func ImmOffset(offset int, op Opcode, w1 layout.Width) int {
	info := op.Info()
	offset += 1 + info.NumWidths
	_, align := info.Imm.Enc(w1)
	return alignUp(offset, align)
}

func (e Encoder) putU8(offset int, v uint8) {
	if e.Writing() {
		e.heap.StoreU8(e.base+heap.Addr(offset), v)
	}
}

func (e Encoder) putU16(offset int, v uint16) {
	if e.Writing() {
		e.heap.StoreU16(e.base+heap.Addr(offset), v)
	}
}

func (e Encoder) putU32(offset int, v uint32) {
	if e.Writing() {
		e.heap.StoreU32(e.base+heap.Addr(offset), v)
	}
}

func (e Encoder) putU64(offset int, v uint64) {
	if e.Writing() {
		e.heap.StoreU64(e.base+heap.Addr(offset), v)
	}
}

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}
