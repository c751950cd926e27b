package program

import (
	"testing"

	"pzrun/internal/heap"
)

func newTestHeap() (*heap.Heap, *heap.Tracer) {
	h := heap.New(heap.Options{})
	return h, heap.NewTracer(heap.NewRoot(h))
}

func TestClosureCell(t *testing.T) {
	h, tr := newTestHeap()

	code := h.AllocBytes(16, tr)
	data := h.AllocBytes(8, tr)
	c := AllocClosure(h, tr)
	InitClosure(h, c, code, data)

	if got := ClosureCode(h, c); got != code {
		t.Errorf("closure code = %#x, want %#x", uint(got), uint(code))
	}
	if got := ClosureData(h, c); got != data {
		t.Errorf("closure data = %#x, want %#x", uint(got), uint(data))
	}
}

func TestFlatString(t *testing.T) {
	h, tr := newTestHeap()

	s := NewString(h, tr, "hello")
	if got := StringLen(h, s); got != 5 {
		t.Errorf("length = %d, want 5", got)
	}
	if got := StringValue(h, s); got != "hello" {
		t.Errorf("value = %q", got)
	}
}

func TestProcContexts(t *testing.T) {
	h, tr := newTestHeap()
	p := NewProc(h, tr, "main", 32)

	p.AddContext(0, "main.p", 10)
	p.AddContextShort(8, 11) // inherits main.p
	p.ClearContext(16)
	p.AddContext(24, "other.p", 3)

	cases := []struct {
		offset int
		file   string
		line   uint32
		ok     bool
	}{
		{0, "main.p", 10, true},
		{7, "main.p", 10, true},
		{8, "main.p", 11, true},
		{16, "", 0, false},
		{23, "", 0, false},
		{24, "other.p", 3, true},
		{31, "other.p", 3, true},
	}
	for _, c := range cases {
		sc, ok := p.ContextAt(c.offset)
		if ok != c.ok || (ok && (sc.File != c.file || sc.Line != c.line)) {
			t.Errorf("ContextAt(%d) = %+v, %v; want %q:%d, %v",
				c.offset, sc, ok, c.file, c.line, c.ok)
		}
	}
}

func TestProcContains(t *testing.T) {
	h, tr := newTestHeap()
	p := NewProc(h, tr, "f", 16)

	if !p.Contains(p.Code()) || !p.Contains(p.Code()+15) {
		t.Error("Contains misses the proc's own code")
	}
	if p.Contains(p.Code() + 16) {
		t.Error("Contains extends past the code cell")
	}
}

func TestLibraryLookup(t *testing.T) {
	h, tr := newTestHeap()

	ll := NewLibraryLoading(0, 0, 1, 2)
	p := NewProc(h, tr, "f", 8)
	p.SetBlockOffsets([]int{0})
	ll.AddProc(p)
	ll.PreallocClosures(h, tr, 2)

	c0, _ := ll.Closure(0)
	c1, _ := ll.Closure(1)
	ll.AddExport("mod.f", c0)
	ll.AddExport("mod.g", c1)

	lib := ll.Finish("mod")
	id, closure, ok := lib.Lookup("mod.g")
	if !ok || id != 1 || closure != c1 {
		t.Errorf("Lookup(mod.g) = %d, %#x, %v", id, uint(closure), ok)
	}
	if _, _, ok := lib.Lookup("mod.h"); ok {
		t.Error("Lookup found a symbol that was never exported")
	}

	if _, err := lib.Closure(2); err == nil {
		t.Error("out-of-range closure id accepted")
	}
	if _, err := lib.Proc(1); err == nil {
		t.Error("out-of-range proc id accepted")
	}
}

func TestLoadingBackwardDataRefs(t *testing.T) {
	h, tr := newTestHeap()
	ll := NewLibraryLoading(0, 2, 0, 0)

	if _, err := ll.Data(0); err == nil {
		t.Error("forward data reference accepted")
	}
	d := h.AllocBytes(8, tr)
	ll.AddData(d)
	got, err := ll.Data(0)
	if err != nil || got != d {
		t.Errorf("Data(0) = %#x, %v", uint(got), err)
	}
	if _, err := ll.Data(1); err == nil {
		t.Error("forward data reference accepted")
	}
}

func TestLoadingTraceKeepsCells(t *testing.T) {
	h := heap.New(heap.Options{})
	root := heap.NewRoot(h)

	ll := NewLibraryLoading(0, 1, 1, 1)
	cap := heap.NewObjectTracer(root, ll)

	ll.AddData(NewString(h, cap, "data"))
	ll.AddProc(NewProc(h, cap, "f", 8))
	ll.PreallocClosures(h, cap, 1)

	h.Collect(cap)

	d, _ := ll.Data(0)
	if got := StringValue(h, d); got != "data" {
		t.Errorf("data string corrupted after collection: %q", got)
	}
	// All three cells survived, so their space is not reallocated.
	c, _ := ll.Closure(0)
	fresh := AllocClosure(h, cap)
	if fresh == c {
		t.Error("closure cell was swept while the loading aggregate was live")
	}
}
