package interp

import (
	"strconv"

	"pzrun/internal/code"
	"pzrun/internal/heap"
	"pzrun/internal/machine"
	"pzrun/internal/program"
)

// The builtin module. Its procedures are stubs that trap into native Go
// functions through the ccall opcode; the immediate indexes the natives
// table.

type nativeFn func(it *Interp) error

const (
	nativePrint = iota
	nativeIntToString
	nativeStringConcat
	nativeStringLen
	nativeDie
	nativeCollect
)

var natives = []nativeFn{
	nativePrint:        (*Interp).builtinPrint,
	nativeIntToString:  (*Interp).builtinIntToString,
	nativeStringConcat: (*Interp).builtinStringConcat,
	nativeStringLen:    (*Interp).builtinStringLen,
	nativeDie:          (*Interp).builtinDie,
	nativeCollect:      (*Interp).builtinCollect,
}

var builtinNames = map[int]string{
	nativePrint:        "print",
	nativeIntToString:  "int_to_string",
	nativeStringConcat: "string_concat",
	nativeStringLen:    "string_len",
	nativeDie:          "die",
	nativeCollect:      "collect",
}

// SetupBuiltins builds the builtin module and registers it with the
// machine, so other modules can import from it.
func SetupBuiltins(m *machine.Machine) *program.Library {
	h := m.Heap()

	// Root the half-built library while its cells are allocated, the way the
	// loader does.
	ll := program.NewLibraryLoading(0, 0, len(natives), len(natives))
	cap := heap.NewObjectTracer(m.Root(), ll)
	ll.PreallocClosures(h, cap, len(natives))

	for i := range natives {
		name := builtinNames[i]

		// Each stub is a ccall followed by a ret.
		msr := code.Measurer()
		size := msr.WriteInstr(0, code.OpCCall, 0, 0, 0)
		size = msr.WriteInstr(size, code.OpRet, 0, 0, 0)

		p := program.NewProc(h, cap, "builtin."+name, size)
		p.SetBlockOffsets([]int{0})
		enc := code.NewEncoder(h, p.Code())
		off := enc.WriteInstr(0, code.OpCCall, 0, 0, uint64(i))
		enc.WriteInstr(off, code.OpRet, 0, 0, 0)
		ll.AddProc(p)

		closure, _ := ll.Closure(uint32(i))
		program.InitClosure(h, closure, p.Code(), heap.NilAddr)
		ll.AddExport("builtin."+name, closure)
	}

	lib := ll.Finish("builtin")
	m.AddModule("builtin", lib)
	return lib
}

// builtinPrint pops a string and writes it to the interpreter's output.
func (it *Interp) builtinPrint() error {
	s, err := it.ctx.pop()
	if err != nil {
		return err
	}
	if _, err := it.out.Write(program.StringBytes(it.h, heap.Addr(s))); err != nil {
		return it.ctx.faultCode(FaultNative, "print: %v", err)
	}
	return nil
}

// builtinIntToString pops a word and pushes its decimal representation.
func (it *Interp) builtinIntToString() error {
	v, err := it.ctx.pop()
	if err != nil {
		return err
	}
	s := program.NewString(it.h, it.cap, strconv.FormatInt(int64(v), 10))
	return it.ctx.push(uint64(s))
}

// builtinStringConcat pops two strings and pushes their concatenation.
func (it *Interp) builtinStringConcat() error {
	// Both operands stay on the stack, and rooted, across the allocation.
	b, err := it.ctx.peek(1)
	if err != nil {
		return err
	}
	a, err := it.ctx.peek(2)
	if err != nil {
		return err
	}
	la := program.StringLen(it.h, heap.Addr(a))
	lb := program.StringLen(it.h, heap.Addr(b))

	s := program.AllocString(it.h, it.cap, la+lb)
	buf := program.StringBytes(it.h, s)
	copy(buf, program.StringBytes(it.h, heap.Addr(a)))
	copy(buf[la:], program.StringBytes(it.h, heap.Addr(b)))

	it.ctx.pop()
	it.ctx.pop()
	return it.ctx.push(uint64(s))
}

// builtinStringLen pops a string and pushes its length in bytes.
func (it *Interp) builtinStringLen() error {
	s, err := it.ctx.pop()
	if err != nil {
		return err
	}
	return it.ctx.push(uint64(program.StringLen(it.h, heap.Addr(s))))
}

// builtinDie pops a string and aborts execution with it.
func (it *Interp) builtinDie() error {
	s, err := it.ctx.pop()
	if err != nil {
		return err
	}
	return it.ctx.faultCode(FaultUser, "%s", program.StringValue(it.h, heap.Addr(s)))
}

// builtinCollect forces a collection.
func (it *Interp) builtinCollect() error {
	it.h.Collect(it.cap)
	return nil
}
