package loader

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pzrun/internal/binfmt"
	"pzrun/internal/code"
	"pzrun/internal/heap"
	"pzrun/internal/layout"
	"pzrun/internal/program"
)

// builder assembles PZ module files for tests.
type builder struct {
	buf bytes.Buffer
}

func (b *builder) u8(v uint8)   { b.buf.WriteByte(v) }
func (b *builder) u16(v uint16) { binary.Write(&b.buf, binary.LittleEndian, v) }
func (b *builder) u32(v uint32) { binary.Write(&b.buf, binary.LittleEndian, v) }
func (b *builder) u64(v uint64) { binary.Write(&b.buf, binary.LittleEndian, v) }

func (b *builder) str(s string) {
	b.u16(uint16(len(s)))
	b.buf.WriteString(s)
}

// header writes the magic, description, version and an empty options block.
func (b *builder) header(magic uint32, desc string) {
	b.u32(magic)
	b.str(desc)
	b.u16(binfmt.FormatVersion)
	b.u16(0) // no options
}

// counts writes the name pool (empty) and the section counts.
func (b *builder) counts(imports, structs, datas, procs, closures, exports uint32) {
	b.u32(0) // no names
	b.u32(imports)
	b.u32(structs)
	b.u32(datas)
	b.u32(procs)
	b.u32(closures)
	b.u32(exports)
}

func (b *builder) write(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.pz")
	if err := os.WriteFile(path, b.buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

type fakeRegistry map[string]*program.Library

func (r fakeRegistry) LookupLibrary(name string) (*program.Library, bool) {
	lib, ok := r[name]
	return lib, ok
}

func load(t *testing.T, h *heap.Heap, b *builder, reg Registry, opts Options) (*program.Library, error) {
	t.Helper()
	if reg == nil {
		reg = fakeRegistry{}
	}
	root := heap.NewRoot(h)
	return Load(h, root, reg, "test", b.write(t), opts)
}

func mustLoad(t *testing.T, h *heap.Heap, b *builder, reg Registry, opts Options) *program.Library {
	t.Helper()
	lib, err := load(t, h, b, reg, opts)
	if err != nil {
		t.Fatal(err)
	}
	return lib
}

func TestLoadEmptyProgram(t *testing.T) {
	var b builder
	b.header(binfmt.MagicProgram, binfmt.DescPrefixProgram)
	b.counts(0, 0, 0, 0, 0, 0)

	h := heap.New(heap.Options{})
	lib := mustLoad(t, h, &b, nil, Options{})

	if lib.NumStructs()+lib.NumDatas()+lib.NumProcs()+lib.NumClosures()+lib.NumExports() != 0 {
		t.Error("empty program loaded non-empty sections")
	}
	if _, _, ok := lib.Entry(); ok {
		t.Error("empty program has an entry closure")
	}
}

func TestLoadStringData(t *testing.T) {
	var b builder
	b.header(binfmt.MagicProgram, binfmt.DescPrefixProgram)
	b.counts(0, 0, 1, 0, 0, 0)
	b.u8(binfmt.DataString)
	b.u16(5)
	for _, c := range []byte("hello") {
		b.u8(binfmt.EncNormal | 1)
		b.u8(c)
	}

	h := heap.New(heap.Options{})
	lib := mustLoad(t, h, &b, nil, Options{})

	d, err := lib.Data(0)
	if err != nil {
		t.Fatal(err)
	}
	if got := program.StringValue(h, d); got != "hello" {
		t.Errorf("string data = %q, want %q", got, "hello")
	}
}

func TestLoadDataDAG(t *testing.T) {
	var b builder
	b.header(binfmt.MagicProgram, binfmt.DescPrefixProgram)
	b.counts(0, 1, 2, 0, 0, 0)
	// One struct with a single pointer field.
	b.u32(1)
	b.u8(uint8(layout.WPtr))
	// Data 0: array of two bytes.
	b.u8(binfmt.DataArray)
	b.u16(2)
	b.u8(uint8(layout.W8))
	b.u8(binfmt.EncNormal | 1)
	b.u8(1)
	b.u8(binfmt.EncNormal | 1)
	b.u8(2)
	// Data 1: struct whose field references data 0.
	b.u8(binfmt.DataStruct)
	b.u32(0)
	b.u8(binfmt.EncData | 4)
	b.u32(0)

	h := heap.New(heap.Options{})
	lib := mustLoad(t, h, &b, nil, Options{})

	d0, _ := lib.Data(0)
	d1, _ := lib.Data(1)
	if got := h.Bytes(d0, 2); got[0] != 1 || got[1] != 2 {
		t.Errorf("array data = %v, want [1 2]", got)
	}
	if got := heap.Addr(h.LoadWord(d1)); got != d0 {
		t.Errorf("struct field = %#x, want data 0 at %#x", uint(got), uint(d0))
	}
}

func TestLoadMultiFieldStructLayout(t *testing.T) {
	var b builder
	b.header(binfmt.MagicProgram, binfmt.DescPrefixProgram)
	b.counts(0, 1, 1, 0, 0, 0)
	// Struct with mixed widths: u8, u16, u32.
	b.u32(3)
	b.u8(uint8(layout.W8))
	b.u8(uint8(layout.W16))
	b.u8(uint8(layout.W32))
	// Data 0: one entry of that struct.
	b.u8(binfmt.DataStruct)
	b.u32(0)
	b.u8(binfmt.EncNormal | 1)
	b.u8(0x11)
	b.u8(binfmt.EncNormal | 2)
	b.u16(0x2222)
	b.u8(binfmt.EncNormal | 4)
	b.u32(0x33333333)

	h := heap.New(heap.Options{})
	lib := mustLoad(t, h, &b, nil, Options{})

	s, err := lib.Struct(0)
	if err != nil {
		t.Fatal(err)
	}
	if s.NumFields() != 3 {
		t.Fatalf("struct has %d fields, want 3", s.NumFields())
	}
	if got := []int{s.FieldOffset(0), s.FieldOffset(1), s.FieldOffset(2)}; got[0] != 0 || got[1] != 2 || got[2] != 4 {
		t.Errorf("field offsets = %v, want [0 2 4]", got)
	}
	if s.TotalSize() != 8 {
		t.Errorf("total size = %d, want 8", s.TotalSize())
	}

	d0, _ := lib.Data(0)
	if got := h.LoadU8(d0 + heap.Addr(s.FieldOffset(0))); got != 0x11 {
		t.Errorf("field 0 = %#x, want 0x11", got)
	}
	if got := h.LoadU16(d0 + heap.Addr(s.FieldOffset(1))); got != 0x2222 {
		t.Errorf("field 1 = %#x, want 0x2222", got)
	}
	if got := h.LoadU32(d0 + heap.Addr(s.FieldOffset(2))); got != 0x33333333 {
		t.Errorf("field 2 = %#x, want 0x33333333", got)
	}
}

func TestLoadForwardDataRefRejected(t *testing.T) {
	var b builder
	b.header(binfmt.MagicProgram, binfmt.DescPrefixProgram)
	b.counts(0, 1, 1, 0, 0, 0)
	b.u32(1)
	b.u8(uint8(layout.WPtr))
	// Data 0 references data 1, which does not exist yet.
	b.u8(binfmt.DataStruct)
	b.u32(0)
	b.u8(binfmt.EncData | 4)
	b.u32(1)

	h := heap.New(heap.Options{})
	_, err := load(t, h, &b, nil, Options{})
	if err == nil || !strings.Contains(err.Error(), "forward data reference") {
		t.Errorf("forward data reference loaded: %v", err)
	}
}

// procBody writes a minimal one-block proc containing the given
// pre-serialized instruction stream objects.
func procBody(b *builder, name string, blocks ...[]byte) {
	b.str(name)
	b.u32(uint32(len(blocks)))
	for _, blk := range blocks {
		b.buf.Write(blk)
	}
}

// instr serializes one CODE_INSTR object.
func instr(parts ...[]byte) []byte {
	var out []byte
	out = append(out, binfmt.CodeInstr)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func u32le(v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return b[:]
}

// block serializes a block holding the given instruction objects.
func block(objs ...[]byte) []byte {
	var out []byte
	out = append(out, u32le(uint32(len(objs)))...)
	for _, o := range objs {
		out = append(out, o...)
	}
	return out
}

func TestLoadForwardClosureFromData(t *testing.T) {
	var b builder
	b.header(binfmt.MagicProgram, binfmt.DescPrefixProgram)
	b.counts(0, 1, 2, 1, 1, 0)
	// Struct with one pointer field.
	b.u32(1)
	b.u8(uint8(layout.WPtr))
	// Data 0 references closure 0, which is defined later in the file.
	b.u8(binfmt.DataStruct)
	b.u32(0)
	b.u8(binfmt.EncClosure | 4)
	b.u32(0)
	// Data 1: the closure's environment.
	b.u8(binfmt.DataArray)
	b.u16(1)
	b.u8(uint8(layout.W8))
	b.u8(binfmt.EncNormal | 1)
	b.u8(0)
	// Proc 0: a single ret.
	procBody(&b, "main", block(instr([]byte{uint8(code.OpRet)})))
	// Closure 0: proc 0 over data 1.
	b.u32(0)
	b.u32(1)

	h := heap.New(heap.Options{})
	lib := mustLoad(t, h, &b, nil, Options{})

	d0, _ := lib.Data(0)
	d1, _ := lib.Data(1)
	c0, _ := lib.Closure(0)
	p0, _ := lib.Proc(0)

	if got := heap.Addr(h.LoadWord(d0)); got != c0 {
		t.Errorf("data slot = %#x, want closure at %#x", uint(got), uint(c0))
	}
	if got := program.ClosureCode(h, c0); got != p0.Code() {
		t.Errorf("closure code = %#x, want proc code at %#x", uint(got), uint(p0.Code()))
	}
	if got := program.ClosureData(h, c0); got != d1 {
		t.Errorf("closure data = %#x, want data 1 at %#x", uint(got), uint(d1))
	}
}

func TestLoadLabelResolution(t *testing.T) {
	var b builder
	b.header(binfmt.MagicProgram, binfmt.DescPrefixProgram)
	b.counts(0, 0, 0, 1, 0, 0)
	// Block 0 jumps to block 1; block 1 returns.
	procBody(&b, "loop",
		block(instr([]byte{uint8(code.OpJmp)}, u32le(1))),
		block(instr([]byte{uint8(code.OpRet)})))

	h := heap.New(heap.Options{})
	lib := mustLoad(t, h, &b, nil, Options{})

	p, _ := lib.Proc(0)
	if p.NumBlocks() != 2 {
		t.Fatalf("proc has %d blocks, want 2", p.NumBlocks())
	}

	immOff := code.ImmOffset(p.BlockOffset(0), code.OpJmp, 0)
	got := heap.Addr(h.LoadWord(p.Code() + heap.Addr(immOff)))
	want := p.Code() + heap.Addr(p.BlockOffset(1))
	if got != want {
		t.Errorf("jmp immediate = %#x, want block 1 at %#x", uint(got), uint(want))
	}
	// The ret must sit exactly at block 1's offset.
	if gotOp := h.LoadU8(p.Code() + heap.Addr(p.BlockOffset(1))); gotOp != uint8(code.OpRet) {
		t.Errorf("block 1 starts with opcode %d, want ret", gotOp)
	}
}

func TestLoadEntryClosure(t *testing.T) {
	var b builder
	b.u32(binfmt.MagicProgram)
	b.str(binfmt.DescPrefixProgram + " v2026")
	b.u16(binfmt.FormatVersion)
	b.u16(2)
	// An unknown option that must be skipped by length.
	b.u16(0x7fff)
	b.u16(3)
	b.u8(1)
	b.u8(2)
	b.u8(3)
	// The entry closure option.
	b.u16(binfmt.OptEntryClosure)
	b.u16(binfmt.OptEntryClosureLen)
	b.u8(uint8(binfmt.EntrySigArgs))
	b.u32(0)

	b.counts(0, 0, 1, 1, 1, 0)
	b.u8(binfmt.DataArray)
	b.u16(1)
	b.u8(uint8(layout.W8))
	b.u8(binfmt.EncNormal | 1)
	b.u8(0)
	procBody(&b, "main", block(instr([]byte{uint8(code.OpRet)})))
	b.u32(0)
	b.u32(0)

	h := heap.New(heap.Options{})
	lib := mustLoad(t, h, &b, nil, Options{})

	sig, closure, ok := lib.Entry()
	if !ok {
		t.Fatal("entry closure not recorded")
	}
	if sig != binfmt.EntrySigArgs {
		t.Errorf("entry signature = %v, want args", sig)
	}
	if c0, _ := lib.Closure(0); closure != c0 {
		t.Errorf("entry closure = %#x, want closure 0", uint(closure))
	}
}

func TestLoadImports(t *testing.T) {
	h := heap.New(heap.Options{})

	// Module "a" exports a.f.
	var a builder
	a.header(binfmt.MagicLibrary, binfmt.DescPrefixLibrary)
	a.counts(0, 0, 1, 1, 1, 1)
	a.u8(binfmt.DataArray)
	a.u16(1)
	a.u8(uint8(layout.W8))
	a.u8(binfmt.EncNormal | 1)
	a.u8(0)
	procBody(&a, "f", block(instr([]byte{uint8(code.OpRet)})))
	a.u32(0)
	a.u32(0)
	a.str("a.f")
	a.u32(0)
	libA := mustLoad(t, h, &a, nil, Options{})
	reg := fakeRegistry{"a": libA}

	// Module "b" imports a.f and stores it in a data slot.
	var b builder
	b.header(binfmt.MagicProgram, binfmt.DescPrefixProgram)
	b.counts(1, 1, 1, 0, 0, 0)
	b.str("a")
	b.str("f")
	b.u32(1)
	b.u8(uint8(layout.WPtr))
	b.u8(binfmt.DataStruct)
	b.u32(0)
	b.u8(binfmt.EncImport | 4)
	b.u32(0)
	libB := mustLoad(t, h, &b, reg, Options{})

	_, want, _ := libA.Lookup("a.f")
	d0, _ := libB.Data(0)
	if got := heap.Addr(h.LoadWord(d0)); got != want {
		t.Errorf("imported slot = %#x, want a.f's closure %#x", uint(got), uint(want))
	}
}

func TestLoadUnknownImportModule(t *testing.T) {
	var b builder
	b.header(binfmt.MagicProgram, binfmt.DescPrefixProgram)
	b.counts(1, 0, 0, 0, 0, 0)
	b.str("nosuch")
	b.str("f")

	h := heap.New(heap.Options{})
	_, err := load(t, h, &b, nil, Options{})
	if err == nil || !strings.Contains(err.Error(), "module not found: nosuch") {
		t.Errorf("unknown import module loaded: %v", err)
	}
}

func TestLoadDebugContexts(t *testing.T) {
	build := func() *builder {
		var b builder
		b.header(binfmt.MagicProgram, binfmt.DescPrefixProgram)
		b.counts(0, 0, 1, 1, 0, 0)
		b.u8(binfmt.DataString)
		b.u16(6)
		for _, c := range []byte("main.p") {
			b.u8(binfmt.EncNormal | 1)
			b.u8(c)
		}
		procBody(&b, "main", block(
			append([]byte{binfmt.CodeMetaContext}, append(u32le(0), u32le(42)...)...),
			instr([]byte{uint8(code.OpRet)}),
			[]byte{binfmt.CodeMetaContextNil},
		))
		return &b
	}

	h := heap.New(heap.Options{})
	lib := mustLoad(t, h, build(), nil, Options{LoadDebugInfo: true})
	p, _ := lib.Proc(0)
	sc, ok := p.ContextAt(0)
	if !ok || sc.File != "main.p" || sc.Line != 42 {
		t.Errorf("context at 0 = %+v, %v; want main.p:42", sc, ok)
	}

	// Without debug info the metadata is skipped but the code is identical.
	lib2 := mustLoad(t, h, build(), nil, Options{})
	p2, _ := lib2.Proc(0)
	if _, ok := p2.ContextAt(0); ok {
		t.Error("contexts kept although debug info loading was off")
	}
	if p2.CodeSize() != p.CodeSize() {
		t.Errorf("code size differs with debug info: %d vs %d", p2.CodeSize(), p.CodeSize())
	}
}

func TestLoadRejectsBadFiles(t *testing.T) {
	cases := []struct {
		name  string
		build func(b *builder)
		want  string
	}{
		{"object magic", func(b *builder) {
			b.header(binfmt.MagicObject, binfmt.DescPrefixProgram)
			b.counts(0, 0, 0, 0, 0, 0)
		}, "link objects"},
		{"bad magic", func(b *builder) {
			b.header(0xdeadbeef, binfmt.DescPrefixProgram)
			b.counts(0, 0, 0, 0, 0, 0)
		}, "bad magic"},
		{"bad description", func(b *builder) {
			b.header(binfmt.MagicProgram, "Plasma bikeshed")
			b.counts(0, 0, 0, 0, 0, 0)
		}, "bad description"},
		{"bad version", func(b *builder) {
			b.u32(binfmt.MagicProgram)
			b.str(binfmt.DescPrefixProgram)
			b.u16(binfmt.FormatVersion + 1)
			b.u16(0)
			b.counts(0, 0, 0, 0, 0, 0)
		}, "incorrect PZ version"},
		{"bad option length", func(b *builder) {
			b.u32(binfmt.MagicProgram)
			b.str(binfmt.DescPrefixProgram)
			b.u16(binfmt.FormatVersion)
			b.u16(1)
			b.u16(binfmt.OptEntryClosure)
			b.u16(4)
			b.u32(0)
			b.counts(0, 0, 0, 0, 0, 0)
		}, "corrupt file"},
		{"junk after sections", func(b *builder) {
			b.header(binfmt.MagicProgram, binfmt.DescPrefixProgram)
			b.counts(0, 0, 0, 0, 0, 0)
			b.u8(0x77)
		}, "junk at end of file"},
		{"truncated", func(b *builder) {
			b.header(binfmt.MagicProgram, binfmt.DescPrefixProgram)
			b.u32(0)
			b.u32(1)
		}, "short read"},
		{"unknown opcode", func(b *builder) {
			b.header(binfmt.MagicProgram, binfmt.DescPrefixProgram)
			b.counts(0, 0, 0, 1, 0, 0)
			procBody(b, "f", block(instr([]byte{0xee})))
		}, "unknown opcode"},
		{"unknown code tag", func(b *builder) {
			b.header(binfmt.MagicProgram, binfmt.DescPrefixProgram)
			b.counts(0, 0, 0, 1, 0, 0)
			procBody(b, "f", block([]byte{0x09}))
		}, "unknown byte in instruction stream"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var b builder
			tc.build(&b)
			h := heap.New(heap.Options{})
			_, err := load(t, h, &b, nil, Options{})
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("got %v, want error containing %q", err, tc.want)
			}
		})
	}
}

func TestLoadSurvivesZealousCollection(t *testing.T) {
	// Loading with a collection before every allocation exercises the
	// loading aggregate's rooting of partially-read cells.
	var b builder
	b.header(binfmt.MagicProgram, binfmt.DescPrefixProgram)
	b.counts(0, 1, 2, 1, 1, 0)
	b.u32(1)
	b.u8(uint8(layout.WPtr))
	b.u8(binfmt.DataStruct)
	b.u32(0)
	b.u8(binfmt.EncClosure | 4)
	b.u32(0)
	b.u8(binfmt.DataString)
	b.u16(2)
	b.u8(binfmt.EncNormal | 1)
	b.u8('h')
	b.u8(binfmt.EncNormal | 1)
	b.u8('i')
	procBody(&b, "main", block(instr([]byte{uint8(code.OpRet)})))
	b.u32(0)
	b.u32(1)

	h := heap.New(heap.Options{Zealous: true, SlowAsserts: true})
	lib := mustLoad(t, h, &b, nil, Options{})

	d1, _ := lib.Data(1)
	if got := program.StringValue(h, d1); got != "hi" {
		t.Errorf("string data = %q after zealous load", got)
	}
	if h.Collections() == 0 {
		t.Error("zealous mode never collected during the load")
	}
}
