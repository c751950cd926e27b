// Package machine owns the process-wide runtime state: the heap, the root
// capability and the module registry. Everything the collector must treat
// as a global root hangs off the Machine.
package machine

import (
	"fmt"
	"math/bits"

	"pzrun/internal/heap"
	"pzrun/internal/program"
)

// Options configure a machine.
type Options struct {
	Heap heap.Options
	// HeapMaxSize overrides the heap ceiling when non-zero.
	HeapMaxSize int
}

// Machine is the runtime instance. It is single-threaded: the loader, the
// interpreter and the collector all run on the caller's goroutine.
type Machine struct {
	heap *heap.Heap
	root *heap.Root

	modules map[string]*program.Library
	order   []string
	entry   *program.Library
}

// New creates a machine with an empty registry.
func New(opts Options) (*Machine, error) {
	if bits.UintSize != 32 && bits.UintSize != 64 {
		return nil, fmt.Errorf("unsupported word size %d, expected 32 or 64", bits.UintSize)
	}

	h := heap.New(opts.Heap)
	if opts.HeapMaxSize > 0 {
		if err := h.SetMaxSize(opts.HeapMaxSize); err != nil {
			return nil, err
		}
	}

	m := &Machine{
		heap:    h,
		root:    heap.NewRoot(h),
		modules: make(map[string]*program.Library),
	}
	h.SetGlobalTracer(m.trace)
	return m, nil
}

// Finalise tears down the heap. The machine must not be used afterwards.
func (m *Machine) Finalise() {
	m.modules = nil
	m.entry = nil
	m.heap.Finalise()
}

// Heap returns the machine's heap.
func (m *Machine) Heap() *heap.Heap { return m.heap }

// Root returns the process-lifetime capability.
func (m *Machine) Root() heap.Capability { return m.root }

// AddModule registers a loaded library under a module name.
func (m *Machine) AddModule(name string, lib *program.Library) {
	if _, ok := m.modules[name]; !ok {
		m.order = append(m.order, name)
	}
	m.modules[name] = lib
}

// LookupLibrary resolves a module name. It implements the loader's
// Registry.
func (m *Machine) LookupLibrary(name string) (*program.Library, bool) {
	lib, ok := m.modules[name]
	return lib, ok
}

// AddEntryModule records which module's entry closure the program starts
// from.
func (m *Machine) AddEntryModule(lib *program.Library) { m.entry = lib }

// EntryModule returns the module recorded by AddEntryModule.
func (m *Machine) EntryModule() *program.Library { return m.entry }

// ModuleNames returns the registered module names in registration order.
func (m *Machine) ModuleNames() []string { return m.order }

// trace is the heap's global tracer: every registered library's cells are
// roots for the life of the process.
func (m *Machine) trace(ms *heap.MarkState) {
	for _, name := range m.order {
		m.modules[name].Trace(ms)
	}
	if m.entry != nil {
		m.entry.Trace(ms)
	}
}
