// Package loader reads PZ module files into the heap and links them
// against already-loaded modules. Loading is destructive only to the
// LibraryLoading aggregate: a failed load drops the aggregate and the next
// collection reclaims its cells.
package loader

import (
	"fmt"

	"pzrun/internal/binfmt"
	"pzrun/internal/heap"
	"pzrun/internal/program"
)

// Options control a load.
type Options struct {
	// Verbose emits per-phase load diagnostics through Logf.
	Verbose bool
	// LoadDebugInfo keeps the source contexts embedded in procedure code.
	LoadDebugInfo bool
	// Logf receives verbose diagnostics. Nil discards them.
	Logf func(format string, args ...any)
}

func (o Options) logf(format string, args ...any) {
	if o.Verbose && o.Logf != nil {
		o.Logf(format, args...)
	}
}

// Registry resolves imported module names. The machine's module registry
// implements it.
type Registry interface {
	LookupLibrary(name string) (*program.Library, bool)
}

type reader struct {
	in   *binfmt.Input
	h    *heap.Heap
	cap  heap.Capability
	ll   *program.LibraryLoading
	reg  Registry
	opts Options

	// Parallel vectors of resolved imports: the exporting library's dense
	// export ID and the closure cell, both indexed by import ID.
	imports        []uint32
	importClosures []heap.Addr
}

type entryOption struct {
	sig       binfmt.EntrySignature
	closureID uint32
	present   bool
}

// Load reads the module file and links it. name is the module name the
// library will be registered under. parent is the capability the load runs
// under; the loader roots all partially-read cells itself.
func Load(h *heap.Heap, parent heap.Capability, reg Registry, name, filename string, opts Options) (*program.Library, error) {
	in, err := binfmt.Open(filename)
	if err != nil {
		return nil, err
	}
	defer in.Close()

	r := &reader{in: in, h: h, reg: reg, opts: opts}

	if err := r.readHeader(); err != nil {
		return nil, err
	}
	entry, err := r.readOptions()
	if err != nil {
		return nil, err
	}
	names, err := r.readNames()
	if err != nil {
		return nil, err
	}

	var counts [6]uint32
	for i := range counts {
		if counts[i], err = in.ReadU32(); err != nil {
			return nil, err
		}
	}
	numImports, numStructs, numDatas := counts[0], counts[1], counts[2]
	numProcs, numClosures, numExports := counts[3], counts[4], counts[5]

	// The aggregate and the closure cells are allocated before anything
	// else is read; forward closure references resolve against these cells.
	// Nothing roots them yet, so collection is off for the duration.
	{
		nogc := heap.NewNoGCScope(parent)
		r.ll = program.NewLibraryLoading(
			int(numStructs), int(numDatas), int(numProcs), int(numClosures))
		r.ll.SetNames(names)
		r.ll.PreallocClosures(h, nogc, int(numClosures))
		nogc.AbortIfOOM("loading a module")
		nogc.Close()
	}
	r.cap = heap.NewObjectTracer(parent, r.ll)

	if err := r.readImports(int(numImports)); err != nil {
		return nil, err
	}
	if err := r.readStructs(int(numStructs)); err != nil {
		return nil, err
	}
	if err := r.readData(int(numDatas)); err != nil {
		return nil, err
	}
	if err := r.readCode(int(numProcs)); err != nil {
		return nil, err
	}
	if err := r.readClosures(int(numClosures)); err != nil {
		return nil, err
	}
	if err := r.readExports(int(numExports)); err != nil {
		return nil, err
	}

	if !in.IsAtEOF() {
		return nil, fmt.Errorf("%s: junk at end of file", filename)
	}
	if err := in.Close(); err != nil {
		return nil, err
	}

	if entry.present {
		closure, err := r.ll.Closure(entry.closureID)
		if err != nil {
			return nil, fmt.Errorf("%s: entry closure: %w", filename, err)
		}
		r.ll.SetEntry(entry.sig, closure)
	}
	lib := r.ll.Finish(name)

	if opts.Verbose {
		s := lib.LoadedStats()
		opts.logf("loaded %s: %d structs, %d datas, %d procs (%d bytes of code), %d closures, %d exports",
			name, s.Structs, s.Datas, s.Procs, s.CodeSize, s.Closures, s.Exports)
	}
	return lib, nil
}

func (r *reader) readHeader() error {
	in := r.in

	magic, err := in.ReadU32()
	if err != nil {
		return err
	}
	switch magic {
	case binfmt.MagicObject:
		return fmt.Errorf("%s: cannot execute plasma objects, link objects into a program first", in.Name())
	case binfmt.MagicProgram, binfmt.MagicLibrary:
	default:
		return fmt.Errorf("%s: bad magic value, is this a PZ file?", in.Name())
	}

	desc, err := in.ReadLenString()
	if err != nil {
		return err
	}
	wantPrefix := binfmt.DescPrefixProgram
	if magic == binfmt.MagicLibrary {
		wantPrefix = binfmt.DescPrefixLibrary
	}
	if len(desc) < len(wantPrefix) || desc[:len(wantPrefix)] != wantPrefix {
		return fmt.Errorf("%s: bad description string, is this a PZ file?", in.Name())
	}

	version, err := in.ReadU16()
	if err != nil {
		return err
	}
	if version != binfmt.FormatVersion {
		return fmt.Errorf("%s: incorrect PZ version, found %d, expecting %d",
			in.Name(), version, binfmt.FormatVersion)
	}
	return nil
}

func (r *reader) readOptions() (entryOption, error) {
	in := r.in
	var entry entryOption

	numOptions, err := in.ReadU16()
	if err != nil {
		return entry, err
	}
	for i := 0; i < int(numOptions); i++ {
		typ, err := in.ReadU16()
		if err != nil {
			return entry, err
		}
		length, err := in.ReadU16()
		if err != nil {
			return entry, err
		}
		switch typ {
		case binfmt.OptEntryClosure:
			if length != binfmt.OptEntryClosureLen {
				return entry, fmt.Errorf("%s: corrupt file while reading options", in.Name())
			}
			sig, err := in.ReadU8()
			if err != nil {
				return entry, err
			}
			if sig > uint8(binfmt.EntrySigArgs) {
				return entry, fmt.Errorf("%s: invalid entry signature %d", in.Name(), sig)
			}
			closureID, err := in.ReadU32()
			if err != nil {
				return entry, err
			}
			entry = entryOption{
				sig:       binfmt.EntrySignature(sig),
				closureID: closureID,
				present:   true,
			}
		default:
			// Unknown options are skipped.
			if err := in.SeekCur(int64(length)); err != nil {
				return entry, err
			}
		}
	}
	return entry, nil
}

func (r *reader) readNames() ([]string, error) {
	numNames, err := r.in.ReadU32()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, numNames)
	for i := 0; i < int(numNames); i++ {
		name, err := r.in.ReadLenString()
		if err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, nil
}

func (r *reader) readImports(numImports int) error {
	for i := 0; i < numImports; i++ {
		moduleName, err := r.in.ReadLenString()
		if err != nil {
			return err
		}
		symbolName, err := r.in.ReadLenString()
		if err != nil {
			return err
		}

		lib, ok := r.reg.LookupLibrary(moduleName)
		if !ok {
			return fmt.Errorf("%s: module not found: %s", r.in.Name(), moduleName)
		}
		id, closure, ok := lib.Lookup(moduleName + "." + symbolName)
		if !ok {
			return fmt.Errorf("%s: procedure not found: %s.%s",
				r.in.Name(), moduleName, symbolName)
		}
		r.imports = append(r.imports, id)
		r.importClosures = append(r.importClosures, closure)
	}
	return nil
}

func (r *reader) readClosures(numClosures int) error {
	for i := 0; i < numClosures; i++ {
		procID, err := r.in.ReadU32()
		if err != nil {
			return err
		}
		proc, err := r.ll.Proc(procID)
		if err != nil {
			return fmt.Errorf("%s: closure %d: %w", r.in.Name(), i, err)
		}
		dataID, err := r.in.ReadU32()
		if err != nil {
			return err
		}
		data, err := r.ll.Data(dataID)
		if err != nil {
			return fmt.Errorf("%s: closure %d: %w", r.in.Name(), i, err)
		}

		closure, err := r.ll.Closure(uint32(i))
		if err != nil {
			return err
		}
		program.InitClosure(r.h, closure, proc.Code(), data)
	}
	return nil
}

func (r *reader) readExports(numExports int) error {
	for i := 0; i < numExports; i++ {
		name, err := r.in.ReadLenString()
		if err != nil {
			return err
		}
		closureID, err := r.in.ReadU32()
		if err != nil {
			return err
		}
		closure, err := r.ll.Closure(closureID)
		if err != nil {
			return fmt.Errorf("%s: export %s: %w", r.in.Name(), name, err)
		}
		r.ll.AddExport(name, closure)
	}
	return nil
}
