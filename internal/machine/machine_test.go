package machine

import (
	"testing"

	"pzrun/internal/heap"
	"pzrun/internal/program"
)

func TestRegistry(t *testing.T) {
	m, err := New(Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Finalise()

	ll := program.NewLibraryLoading(0, 0, 0, 0)
	lib := ll.Finish("mod")
	m.AddModule("mod", lib)

	got, ok := m.LookupLibrary("mod")
	if !ok || got != lib {
		t.Error("registered module not found")
	}
	if _, ok := m.LookupLibrary("other"); ok {
		t.Error("unregistered module found")
	}

	m.AddEntryModule(lib)
	if m.EntryModule() != lib {
		t.Error("entry module not recorded")
	}
}

func TestRegisteredModulesAreRoots(t *testing.T) {
	m, err := New(Options{Heap: heap.Options{SlowAsserts: true}})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Finalise()

	h := m.Heap()
	tr := heap.NewTracer(m.Root())

	ll := program.NewLibraryLoading(0, 1, 0, 1)
	ll.AddData(program.NewString(h, tr, "keep me"))
	ll.PreallocClosures(h, tr, 1)
	m.AddModule("mod", ll.Finish("mod"))

	// Nothing except the registry roots the library's cells now.
	h.Collect(tr)

	lib, _ := m.LookupLibrary("mod")
	d, _ := lib.Data(0)
	if got := program.StringValue(h, d); got != "keep me" {
		t.Errorf("module data corrupted after collection: %q", got)
	}
}

func TestHeapMaxSizeOption(t *testing.T) {
	if _, err := New(Options{HeapMaxSize: 12345}); err == nil {
		t.Error("unaligned heap max size accepted")
	}
	m, err := New(Options{HeapMaxSize: 1 << 20})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Finalise()
	if got := m.Heap().MaxSize(); got != 1<<20 {
		t.Errorf("heap max size = %d", got)
	}
}
