package code

import (
	"testing"

	"pzrun/internal/heap"
	"pzrun/internal/layout"
)

func TestImmEncSizes(t *testing.T) {
	cases := []struct {
		imm   ImmType
		w     layout.Width
		size  int
		align int
	}{
		{ImmNone, layout.W8, 0, 1},
		{ImmU8, layout.W8, 1, 1},
		{ImmU16, layout.W8, 2, 2},
		{ImmImportRef, layout.W8, 2, 2},
		{ImmStructRefField, layout.W8, 2, 2},
		{ImmNum, layout.W8, 1, 1},
		{ImmNum, layout.W32, 4, 4},
		{ImmNum, layout.WPtr, layout.WordSize, layout.WordSize},
		{ImmClosureRef, layout.W8, layout.WordSize, layout.WordSize},
		{ImmLabelRef, layout.W8, layout.WordSize, layout.WordSize},
	}
	for _, c := range cases {
		size, align := c.imm.Enc(c.w)
		if size != c.size || align != c.align {
			t.Errorf("imm %d width %v: got (%d,%d), want (%d,%d)",
				c.imm, c.w, size, align, c.size, c.align)
		}
	}
}

func TestMeasureMatchesWrite(t *testing.T) {
	h := heap.New(heap.Options{})
	root := heap.NewRoot(h)
	cell := h.AllocBytes(128, root)

	type instr struct {
		op     Opcode
		w1, w2 layout.Width
		imm    uint64
	}
	prog := []instr{
		{OpLoadImmediateNum, layout.W32, 0, 42},
		{OpZe, layout.W32, layout.W64, 0},
		{OpAdd, layout.W64, 0, 0},
		{OpRoll, 0, 0, 3},
		{OpJmp, 0, 0, 0x1234},
		{OpRet, 0, 0, 0},
	}

	measured := 0
	m := Measurer()
	for _, in := range prog {
		measured = m.WriteInstr(measured, in.op, in.w1, in.w2, in.imm)
	}

	written := 0
	e := NewEncoder(h, cell)
	for _, in := range prog {
		written = e.WriteInstr(written, in.op, in.w1, in.w2, in.imm)
	}
	if measured != written {
		t.Fatalf("measured %d bytes, wrote %d", measured, written)
	}
}

func TestWriteInstrLayout(t *testing.T) {
	h := heap.New(heap.Options{})
	root := heap.NewRoot(h)
	cell := h.AllocBytes(64, root)
	e := NewEncoder(h, cell)

	// Opcode, width, then the 4-byte immediate aligned to 4.
	end := e.WriteInstr(0, OpLoadImmediateNum, layout.W32, 0, 0xcafe)
	if got := h.LoadU8(cell); got != uint8(OpLoadImmediateNum) {
		t.Errorf("opcode byte = %d", got)
	}
	if got := h.LoadU8(cell + 1); got != uint8(layout.W32) {
		t.Errorf("width byte = %d", got)
	}
	immOff := ImmOffset(0, OpLoadImmediateNum, layout.W32)
	if immOff != 4 {
		t.Errorf("immediate offset = %d, want 4", immOff)
	}
	if got := h.LoadU32(cell + heap.Addr(immOff)); got != 0xcafe {
		t.Errorf("immediate = %#x", got)
	}
	if end != 8 {
		t.Errorf("next offset = %d, want 8", end)
	}

	// A no-width, no-immediate opcode is a single byte.
	if got := e.WriteInstr(end, OpRet, 0, 0, 0); got != end+1 {
		t.Errorf("ret encodes %d bytes", got-end)
	}
}

func TestOpcodeInFile(t *testing.T) {
	if !OpGetEnv.InFile() {
		t.Error("get_env must be a file opcode")
	}
	for _, op := range []Opcode{OpEnd, OpCCall, OpCCallAlloc} {
		if op.InFile() {
			t.Errorf("%v must not be a file opcode", op)
		}
	}
}
