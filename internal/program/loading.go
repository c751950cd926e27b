package program

import (
	"fmt"

	"pzrun/internal/binfmt"
	"pzrun/internal/heap"
	"pzrun/internal/layout"
)

// LibraryLoading aggregates a module while the loader reads it. It is a
// RootSet, so a tracer built over it keeps every partially-loaded cell
// alive across collections during the load. On a failed load it is simply
// dropped and the next collection reclaims the cells.
type LibraryLoading struct {
	names    []string
	structs  []*layout.Struct
	datas    []heap.Addr
	procs    []*Proc
	closures []heap.Addr

	exports   []Export
	exportIDs map[string]uint32

	entrySig     binfmt.EntrySignature
	entryClosure heap.Addr
}

// NewLibraryLoading creates the loading aggregate with capacity hints from
// the file's section counts.
func NewLibraryLoading(numStructs, numDatas, numProcs, numClosures int) *LibraryLoading {
	return &LibraryLoading{
		structs:   make([]*layout.Struct, 0, numStructs),
		datas:     make([]heap.Addr, 0, numDatas),
		procs:     make([]*Proc, 0, numProcs),
		closures:  make([]heap.Addr, 0, numClosures),
		exportIDs: make(map[string]uint32),
	}
}

// SetNames records the file's name pool.
func (ll *LibraryLoading) SetNames(names []string) { ll.names = names }

// AddStruct appends a struct descriptor, assigning the next dense ID.
func (ll *LibraryLoading) AddStruct(s *layout.Struct) { ll.structs = append(ll.structs, s) }

// Struct returns struct descriptor id.
func (ll *LibraryLoading) Struct(id uint32) (*layout.Struct, error) {
	if int(id) >= len(ll.structs) {
		return nil, fmt.Errorf("invalid struct id %d", id)
	}
	return ll.structs[id], nil
}

// AddData appends a data entry's cell address, assigning the next dense ID.
func (ll *LibraryLoading) AddData(d heap.Addr) { ll.datas = append(ll.datas, d) }

// Data returns the cell address of data entry id. Entries not yet read are
// invalid: data references must point backward.
func (ll *LibraryLoading) Data(id uint32) (heap.Addr, error) {
	if int(id) >= len(ll.datas) {
		return heap.NilAddr, fmt.Errorf("invalid data id %d", id)
	}
	return ll.datas[id], nil
}

// AddProc appends a proc, assigning the next dense ID.
func (ll *LibraryLoading) AddProc(p *Proc) { ll.procs = append(ll.procs, p) }

// Proc returns procedure id.
func (ll *LibraryLoading) Proc(id uint32) (*Proc, error) {
	if int(id) >= len(ll.procs) {
		return nil, fmt.Errorf("invalid proc id %d", id)
	}
	return ll.procs[id], nil
}

// NumProcs returns how many procs have been added so far.
func (ll *LibraryLoading) NumProcs() int { return len(ll.procs) }

// PreallocClosures allocates every closure cell up front, before data is
// read, so closure references from data entries and instruction immediates
// always resolve even when they point forward in the file.
func (ll *LibraryLoading) PreallocClosures(h *heap.Heap, cap heap.Capability, n int) {
	for i := 0; i < n; i++ {
		ll.closures = append(ll.closures, AllocClosure(h, cap))
	}
}

// Closure returns the cell address of closure id.
func (ll *LibraryLoading) Closure(id uint32) (heap.Addr, error) {
	if int(id) >= len(ll.closures) {
		return heap.NilAddr, fmt.Errorf("invalid closure id %d", id)
	}
	return ll.closures[id], nil
}

// AddExport records an exported symbol, assigning the next dense export ID.
func (ll *LibraryLoading) AddExport(name string, closure heap.Addr) {
	ll.exportIDs[name] = uint32(len(ll.exports))
	ll.exports = append(ll.exports, Export{Name: name, Closure: closure})
}

// SetEntry records the module's entry closure.
func (ll *LibraryLoading) SetEntry(sig binfmt.EntrySignature, closure heap.Addr) {
	ll.entrySig = sig
	ll.entryClosure = closure
}

// Trace marks every cell added so far.
func (ll *LibraryLoading) Trace(ms *heap.MarkState) {
	for _, d := range ll.datas {
		ms.MarkRoot(uint(d))
	}
	for _, p := range ll.procs {
		p.Trace(ms)
	}
	for _, c := range ll.closures {
		ms.MarkRoot(uint(c))
	}
	ms.MarkRoot(uint(ll.entryClosure))
}

// Finish converts the loading aggregate into the final library.
func (ll *LibraryLoading) Finish(name string) *Library {
	return &Library{
		name:         name,
		structs:      ll.structs,
		datas:        ll.datas,
		procs:        ll.procs,
		closures:     ll.closures,
		exports:      ll.exports,
		exportIDs:    ll.exportIDs,
		entrySig:     ll.entrySig,
		entryClosure: ll.entryClosure,
	}
}
