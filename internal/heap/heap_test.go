package heap

import (
	"fmt"
	"strings"
	"testing"

	"pzrun/internal/layout"
)

// catchFatal replaces Fatalf for the duration of a test and returns the
// captured message via the pointer.
func catchFatal(t *testing.T, msg *string) {
	t.Helper()
	old := Fatalf
	Fatalf = func(format string, args ...any) {
		*msg = fmt.Sprintf(format, args...)
		panic("fatal")
	}
	t.Cleanup(func() { Fatalf = old })
}

func TestAllocReadWrite(t *testing.T) {
	h := New(Options{})
	root := NewRoot(h)

	a := h.Alloc(2, root)
	if a == NilAddr {
		t.Fatal("Alloc returned nil")
	}
	h.StoreWord(a, 0xdeadbeef)
	h.StoreWord(a+Addr(layout.WordSize), 42)
	if got := h.LoadWord(a); got != 0xdeadbeef {
		t.Errorf("word 0: got %#x, want 0xdeadbeef", got)
	}
	if got := h.LoadWord(a + Addr(layout.WordSize)); got != 42 {
		t.Errorf("word 1: got %d, want 42", got)
	}
}

func TestAllocZeroed(t *testing.T) {
	h := New(Options{})
	root := NewRoot(h)

	// Free a cell, then reallocate it and verify the old contents are gone.
	tr := NewTracer(root)
	a := h.Alloc(4, tr)
	for i := 0; i < 4; i++ {
		h.StoreWord(a+Addr(i*layout.WordSize), ^uint(0))
	}
	h.Collect(tr) // nothing roots a, so it is swept
	b := h.Alloc(4, tr)
	if b != a {
		t.Fatalf("expected the freed cell to be reused, got %#x want %#x", uint(b), uint(a))
	}
	for i := 0; i < 4; i++ {
		if got := h.LoadWord(b + Addr(i*layout.WordSize)); got != 0 {
			t.Errorf("word %d: got %#x, want 0", i, got)
		}
	}
}

func TestAllocSizeClasses(t *testing.T) {
	h := New(Options{})
	root := NewRoot(h)

	// Cells of the same class must come from the same block and not
	// overlap.
	a := h.Alloc(3, root) // class 4
	b := h.Alloc(4, root)
	if b != a+Addr(4*layout.WordSize) {
		t.Errorf("second class-4 cell at %#x, want %#x", uint(b), uint(a+Addr(4*layout.WordSize)))
	}

	// A large cell goes to a fit chunk with its size word before it.
	big := h.Alloc(maxBopWords+1, root)
	c := h.chunkFor(big)
	if c == nil || c.kind != chunkFit {
		t.Fatal("large cell not in a fit chunk")
	}
	if got := c.fitCellSize(h, big); got != maxBopWords+1 {
		t.Errorf("fit cell size: got %d, want %d", got, maxBopWords+1)
	}
}

func TestAllocBytesRoundsUp(t *testing.T) {
	h := New(Options{})
	root := NewRoot(h)

	a := h.AllocBytes(layout.WordSize+1, root)
	// Both words must be addressable.
	h.StoreWord(a+Addr(layout.WordSize), 7)
	if got := h.LoadWord(a + Addr(layout.WordSize)); got != 7 {
		t.Errorf("got %d, want 7", got)
	}
}

func TestCollectKeepsRootedCells(t *testing.T) {
	h := New(Options{SlowAsserts: true})
	root := NewRoot(h)
	tr := NewTracer(root)

	// A linked list rooted in one slot: every node reachable from the root
	// must survive, the abandoned node must not.
	var list Addr
	tr.AddRoot(&list)
	defer tr.RemoveRoot(&list)

	for i := 0; i < 3; i++ {
		node := h.Alloc(2, tr)
		h.StoreWord(node, uint(list))
		h.StoreWord(node+Addr(layout.WordSize), uint(i))
		list = node
	}
	abandoned := h.Alloc(2, tr)
	h.StoreWord(abandoned, 0xabcd)

	usedBefore := h.Used()
	h.Collect(tr)
	if got := usedBefore - h.Used(); got != 2*layout.WordSize {
		t.Errorf("collection freed %d bytes, want %d", got, 2*layout.WordSize)
	}

	// The list is intact.
	n := 0
	for node := list; node != NilAddr; node = Addr(h.LoadWord(node)) {
		n++
	}
	if n != 3 {
		t.Errorf("list has %d nodes after collection, want 3", n)
	}
}

func TestCollectHonoursTagBits(t *testing.T) {
	h := New(Options{})
	root := NewRoot(h)
	tr := NewTracer(root)

	cell := h.Alloc(1, tr)
	tagged := Addr(uint(cell) | layout.TagMask)
	tr.AddRoot(&tagged)
	defer tr.RemoveRoot(&tagged)

	h.Collect(tr)

	// The tagged root kept the cell alive; reallocating must hand out a
	// different cell.
	other := h.Alloc(1, tr)
	if other == cell {
		t.Error("tagged root did not keep its cell alive")
	}
}

func TestCollectIgnoresInteriorPointers(t *testing.T) {
	h := New(Options{})
	root := NewRoot(h)
	tr := NewTracer(root)

	cell := h.Alloc(4, tr)
	interior := cell + Addr(2*layout.WordSize)
	tr.AddRoot(&interior)
	defer tr.RemoveRoot(&interior)

	h.Collect(tr)
	if got := h.Alloc(4, tr); got != cell {
		t.Error("interior pointer kept its cell alive")
	}
}

func TestCollectRespectsNestedTracers(t *testing.T) {
	h := New(Options{})
	root := NewRoot(h)
	outer := NewTracer(root)
	inner := NewTracer(outer)

	a := h.Alloc(1, outer)
	outer.AddRoot(&a)
	defer outer.RemoveRoot(&a)

	// Collecting through the inner tracer must still trace the outer one.
	h.Collect(inner)
	if got := h.Alloc(1, inner); got == a {
		t.Error("outer tracer's root was not traced")
	}
}

func TestGlobalTracer(t *testing.T) {
	h := New(Options{})
	root := NewRoot(h)
	tr := NewTracer(root)

	global := h.Alloc(1, root)
	h.SetGlobalTracer(func(ms *MarkState) { ms.MarkRoot(uint(global)) })

	h.Collect(tr)
	if got := h.Alloc(1, tr); got == global {
		t.Error("global tracer's root was swept")
	}
}

func TestZealousCollects(t *testing.T) {
	h := New(Options{Zealous: true})
	root := NewRoot(h)
	tr := NewTracer(root)

	h.Alloc(1, tr) // creates the first chunk, no collection yet
	before := h.Collections()
	h.Alloc(1, tr)
	if h.Collections() != before+1 {
		t.Errorf("zealous allocation ran %d collections, want %d", h.Collections(), before+1)
	}

	// Allocations that cannot collect never do, zealous or not.
	before = h.Collections()
	h.Alloc(1, root)
	if h.Collections() != before {
		t.Error("allocation through the root capability collected")
	}
}

func TestSetMaxSize(t *testing.T) {
	h := New(Options{})
	if err := h.SetMaxSize(blockSize - 1); err == nil {
		t.Error("unaligned max size accepted")
	}
	if err := h.SetMaxSize(0); err == nil {
		t.Error("zero max size accepted")
	}
	if err := h.SetMaxSize(chunkSize); err != nil {
		t.Errorf("valid max size rejected: %v", err)
	}

	root := NewRoot(h)
	h.Alloc(1, root)
	if err := h.SetMaxSize(blockSize); err == nil {
		t.Error("max size below the current heap size accepted")
	}
}

func TestNoGCScopeLatchesOOM(t *testing.T) {
	h := New(Options{})
	if err := h.SetMaxSize(chunkSize); err != nil {
		t.Fatal(err)
	}
	root := NewRoot(h)
	tr := NewTracer(root)
	h.Alloc(1, tr) // reserve the only chunk the ceiling allows

	scope := NewNoGCScope(tr)
	// Exhaust the heap; each failure is latched, never fatal.
	var last Addr
	for i := 0; i < chunkSize/layout.WordSize; i++ {
		a := h.Alloc(maxBopWords, scope)
		if a == NilAddr {
			break
		}
		last = a
	}
	if last == NilAddr {
		t.Fatal("no allocation succeeded before the heap filled")
	}
	if !scope.IsOOM() {
		t.Error("scope did not latch the failed allocation")
	}
	if h.Collections() != 0 {
		t.Error("a no-GC scope triggered a collection")
	}
	scope.Close()
}

func TestNoGCScopeAbortIfOOM(t *testing.T) {
	var msg string
	catchFatal(t, &msg)

	h := New(Options{})
	if err := h.SetMaxSize(chunkSize); err != nil {
		t.Fatal(err)
	}
	root := NewRoot(h)
	scope := NewNoGCScope(NewTracer(root))
	for h.Alloc(maxBopWords, scope) != NilAddr {
	}

	func() {
		defer func() { recover() }()
		scope.AbortIfOOM("loading a module")
	}()
	if !strings.Contains(msg, "loading a module") {
		t.Errorf("abort message %q does not name the activity", msg)
	}
}

func TestNoGCScopeUncheckedCloseAborts(t *testing.T) {
	var msg string
	catchFatal(t, &msg)

	h := New(Options{})
	scope := NewNoGCScope(NewRoot(h))
	func() {
		defer func() { recover() }()
		scope.Close()
	}()
	if msg == "" {
		t.Error("closing an unchecked scope did not abort")
	}
}

func TestTracerRootsAreLIFO(t *testing.T) {
	h := New(Options{})
	tr := NewTracer(NewRoot(h))
	var a, b Addr
	tr.AddRoot(&a)
	tr.AddRoot(&b)

	defer func() {
		if recover() == nil {
			t.Error("out-of-order root removal did not panic")
		}
	}()
	tr.RemoveRoot(&a)
}

func TestSweepReturnsEmptyBlocks(t *testing.T) {
	h := New(Options{SlowAsserts: true, Poison: true})
	root := NewRoot(h)
	tr := NewTracer(root)

	// Fill a block's worth of one class, drop it all, then allocate a
	// different class: the emptied block must be reusable.
	cells := blockSize / (8 * layout.WordSize)
	for i := 0; i < cells; i++ {
		h.Alloc(8, tr)
	}
	sizeBefore := h.Size()
	h.Collect(tr)
	if h.Used() != 0 {
		t.Fatalf("%d bytes still used after collecting unrooted cells", h.Used())
	}

	for i := 0; i < cells; i++ {
		h.Alloc(16, tr)
	}
	if h.Size() != sizeBefore {
		t.Errorf("heap grew from %d to %d instead of reusing empty blocks", sizeBefore, h.Size())
	}
}

func TestSweepFitCells(t *testing.T) {
	h := New(Options{SlowAsserts: true})
	root := NewRoot(h)
	tr := NewTracer(root)

	var keep Addr
	tr.AddRoot(&keep)
	defer tr.RemoveRoot(&keep)

	keep = h.Alloc(maxBopWords+10, tr)
	h.StoreWord(keep, 0x1234)
	h.Alloc(maxBopWords+20, tr) // swept
	h.Collect(tr)

	if got := h.LoadWord(keep); got != 0x1234 {
		t.Errorf("kept fit cell corrupted: got %#x", got)
	}

	// The swept cell's space is reused before the wilderness grows.
	wildBefore := h.chunkFor(keep).wilderness
	h.Alloc(maxBopWords+5, tr)
	if h.chunkFor(keep).wilderness != wildBefore {
		t.Error("fit allocation grew the wilderness instead of reusing a free cell")
	}
}

func TestPoison(t *testing.T) {
	h := New(Options{Poison: true})
	root := NewRoot(h)
	tr := NewTracer(root)

	a := h.Alloc(2, tr)
	h.StoreWord(a, 0xffff)
	h.Collect(tr)

	// Word 0 now holds the free-list link; the rest is poisoned.
	b := h.mem(a+Addr(layout.WordSize), layout.WordSize)
	for i, v := range b {
		if v != poisonByte {
			t.Fatalf("byte %d of swept cell is %#x, want %#x", i, v, poisonByte)
		}
	}
}

func TestCanGCChain(t *testing.T) {
	h := New(Options{})
	root := NewRoot(h)
	if root.CanGC() {
		t.Error("the root capability must not collect for itself")
	}
	tr := NewTracer(root)
	if !tr.CanGC() {
		t.Error("a tracer under the root must be able to collect")
	}
	scope := NewNoGCScope(tr)
	if scope.CanGC() {
		t.Error("a no-GC scope must not collect")
	}
	inner := NewTracer(scope)
	if inner.CanGC() {
		t.Error("a tracer under a no-GC scope must not collect")
	}
	if scope.IsOOM() {
		t.Error("fresh scope reports OOM")
	}
	scope.Close()
}
