package program

import (
	"fmt"

	"pzrun/internal/binfmt"
	"pzrun/internal/heap"
	"pzrun/internal/layout"
)

// Export is one exported symbol: a name and the closure it resolves to.
// Exports are addressed by dense ID in file order, which importing modules
// record alongside the closure address.
type Export struct {
	Name    string
	Closure heap.Addr
}

// Library is a loaded module. Structs, data entries, procs, closures and
// exports are addressed by dense 0-based IDs in file order. The library is
// a GC root for every cell it aggregates.
type Library struct {
	name     string
	structs  []*layout.Struct
	datas    []heap.Addr
	procs    []*Proc
	closures []heap.Addr

	exports   []Export
	exportIDs map[string]uint32

	entrySig     binfmt.EntrySignature
	entryClosure heap.Addr
}

// Name returns the module name the library was registered under.
func (l *Library) Name() string { return l.name }

// NumStructs returns the number of struct descriptors.
func (l *Library) NumStructs() int { return len(l.structs) }

// Struct returns struct descriptor id.
func (l *Library) Struct(id uint32) (*layout.Struct, error) {
	if int(id) >= len(l.structs) {
		return nil, fmt.Errorf("invalid struct id %d", id)
	}
	return l.structs[id], nil
}

// NumDatas returns the number of data entries.
func (l *Library) NumDatas() int { return len(l.datas) }

// Data returns the cell address of data entry id.
func (l *Library) Data(id uint32) (heap.Addr, error) {
	if int(id) >= len(l.datas) {
		return heap.NilAddr, fmt.Errorf("invalid data id %d", id)
	}
	return l.datas[id], nil
}

// NumProcs returns the number of procedures.
func (l *Library) NumProcs() int { return len(l.procs) }

// Proc returns procedure id.
func (l *Library) Proc(id uint32) (*Proc, error) {
	if int(id) >= len(l.procs) {
		return nil, fmt.Errorf("invalid proc id %d", id)
	}
	return l.procs[id], nil
}

// ProcAt returns the proc whose code cell contains addr, for diagnostics.
func (l *Library) ProcAt(addr heap.Addr) *Proc {
	for _, p := range l.procs {
		if p.Contains(addr) {
			return p
		}
	}
	return nil
}

// NumClosures returns the number of closures.
func (l *Library) NumClosures() int { return len(l.closures) }

// Closure returns the cell address of closure id.
func (l *Library) Closure(id uint32) (heap.Addr, error) {
	if int(id) >= len(l.closures) {
		return heap.NilAddr, fmt.Errorf("invalid closure id %d", id)
	}
	return l.closures[id], nil
}

// NumExports returns the number of exported symbols.
func (l *Library) NumExports() int { return len(l.exports) }

// ExportNames returns the exported symbol names in export-ID order.
func (l *Library) ExportNames() []string {
	names := make([]string, len(l.exports))
	for i, e := range l.exports {
		names[i] = e.Name
	}
	return names
}

// Lookup resolves an exported symbol to its export ID and closure.
func (l *Library) Lookup(symbol string) (uint32, heap.Addr, bool) {
	id, ok := l.exportIDs[symbol]
	if !ok {
		return 0, heap.NilAddr, false
	}
	return id, l.exports[id].Closure, true
}

// Entry returns the module's entry closure and signature, if it has one.
func (l *Library) Entry() (binfmt.EntrySignature, heap.Addr, bool) {
	return l.entrySig, l.entryClosure, l.entryClosure != heap.NilAddr
}

// Trace marks every cell the library aggregates.
func (l *Library) Trace(ms *heap.MarkState) {
	for _, d := range l.datas {
		ms.MarkRoot(uint(d))
	}
	for _, p := range l.procs {
		p.Trace(ms)
	}
	for _, c := range l.closures {
		ms.MarkRoot(uint(c))
	}
	for _, e := range l.exports {
		ms.MarkRoot(uint(e.Closure))
	}
	ms.MarkRoot(uint(l.entryClosure))
}

// Stats summarizes what a load produced, for verbose diagnostics.
type Stats struct {
	Structs  int
	Datas    int
	Procs    int
	CodeSize int
	Closures int
	Exports  int
}

// LoadedStats reports section counts and the total encoded code size.
func (l *Library) LoadedStats() Stats {
	s := Stats{
		Structs:  len(l.structs),
		Datas:    len(l.datas),
		Procs:    len(l.procs),
		Closures: len(l.closures),
		Exports:  len(l.exports),
	}
	for _, p := range l.procs {
		s.CodeSize += p.CodeSize()
	}
	return s
}
