package interp

import (
	"fmt"
	"io"

	"pzrun/internal/binfmt"
	"pzrun/internal/code"
	"pzrun/internal/heap"
	"pzrun/internal/layout"
	"pzrun/internal/machine"
	"pzrun/internal/program"
)

// Interp drives one program to completion.
type Interp struct {
	m   *machine.Machine
	h   *heap.Heap
	ctx *Context
	cap *heap.Tracer
	out io.Writer
}

// Run executes the entry module's entry closure and returns the program's
// exit code. args are passed to entry closures with the args signature.
func Run(m *machine.Machine, args []string, out io.Writer) (exitCode int, err error) {
	lib := m.EntryModule()
	if lib == nil {
		return 1, fmt.Errorf("no entry module")
	}
	sig, entry, ok := lib.Entry()
	if !ok {
		return 1, fmt.Errorf("module %s has no entry closure", lib.Name())
	}

	h := m.Heap()
	ctx := NewContext(h)
	it := &Interp{
		m:   m,
		h:   h,
		ctx: ctx,
		cap: heap.NewObjectTracer(m.Root(), ctx),
		out: out,
	}

	// The entry call returns into a stub holding a single end instruction.
	// It stays rooted until it sits on the return stack: the args setup
	// below allocates and may collect.
	endCode := h.AllocBytes(1, it.cap)
	it.cap.AddRoot(&endCode)
	code.NewEncoder(h, endCode).WriteInstr(0, code.OpEnd, 0, 0, 0)

	if sig == binfmt.EntrySigArgs {
		if err := it.pushArgs(args); err != nil {
			it.cap.RemoveRoot(&endCode)
			return 1, err
		}
	}
	if err := ctx.pushCall(endCode); err != nil {
		it.cap.RemoveRoot(&endCode)
		return 1, err
	}
	it.cap.RemoveRoot(&endCode)
	it.enterClosure(entry)

	// A wild pointer in malformed bytecode surfaces as a heap access panic;
	// report it as a fault at the current instruction.
	defer func() {
		if r := recover(); r != nil {
			err = it.decorate(ctx.fault("%v", r))
			exitCode = 1
		}
	}()

	return it.loop()
}

// pushArgs pushes an array of flat strings and its length, oldest argument
// first.
func (it *Interp) pushArgs(args []string) error {
	arr := it.h.Alloc(len(args), it.cap)
	it.cap.AddRoot(&arr)
	defer it.cap.RemoveRoot(&arr)

	for i, a := range args {
		s := program.NewString(it.h, it.cap, a)
		it.h.StoreWord(arr+heap.Addr(i*layout.WordSize), uint(s))
	}
	if err := it.ctx.push(uint64(arr)); err != nil {
		return err
	}
	return it.ctx.push(uint64(len(args)))
}

func (it *Interp) enterClosure(closure heap.Addr) {
	it.ctx.env = program.ClosureData(it.h, closure)
	it.ctx.ip = program.ClosureCode(it.h, closure)
}

// loop is the dispatch loop. It runs until an end instruction and returns
// the exit code from the top of the expression stack.
func (it *Interp) loop() (int, error) {
	ctx := it.ctx
	h := it.h

	for {
		instrIP := ctx.ip
		op := code.Opcode(h.LoadU8(ctx.ip))
		info := op.Info()

		p := ctx.ip + 1
		var w1, w2 layout.Width
		if info.NumWidths > 0 {
			var err error
			if w1, err = layout.FromByte(h.LoadU8(p)); err != nil {
				return 1, it.decorate(ctx.fault("corrupt code: %v", err))
			}
			p++
		}
		if info.NumWidths > 1 {
			var err error
			if w2, err = layout.FromByte(h.LoadU8(p)); err != nil {
				return 1, it.decorate(ctx.fault("corrupt code: %v", err))
			}
			p++
		}

		var imm uint64
		if info.Imm != code.ImmNone {
			size, align := info.Imm.Enc(w1)
			p = alignAddr(p, align)
			switch size {
			case 1:
				imm = uint64(h.LoadU8(p))
			case 2:
				imm = uint64(h.LoadU16(p))
			case 4:
				imm = uint64(h.LoadU32(p))
			case 8:
				imm = h.LoadU64(p)
			}
			p += heap.Addr(size)
		}
		next := p

		done, ec, err := it.step(op, w1, w2, imm, next)
		if err != nil {
			f, ok := err.(*Fault)
			if ok {
				f.IP = instrIP
				err = it.decorate(f)
			}
			return 1, err
		}
		if done {
			return ec, nil
		}
	}
}

// step executes one decoded instruction. It reports completion when an end
// instruction runs.
func (it *Interp) step(op code.Opcode, w1, w2 layout.Width, imm uint64, next heap.Addr) (bool, int, error) {
	ctx := it.ctx
	h := it.h
	ctx.ip = next

	switch op {
	case code.OpLoadImmediateNum:
		return false, 0, ctx.push(imm)

	case code.OpZe:
		v, err := ctx.pop()
		if err != nil {
			return false, 0, err
		}
		return false, 0, ctx.push(v & mask(w1) & mask(w2))

	case code.OpSe:
		v, err := ctx.pop()
		if err != nil {
			return false, 0, err
		}
		return false, 0, ctx.push(uint64(signExtend(v&mask(w1), w1)) & mask(w2))

	case code.OpTrunc:
		v, err := ctx.pop()
		if err != nil {
			return false, 0, err
		}
		return false, 0, ctx.push(v & mask(w2))

	case code.OpAdd, code.OpSub, code.OpMul, code.OpDiv, code.OpMod,
		code.OpLShift, code.OpRShift, code.OpAnd, code.OpOr, code.OpXor:
		return false, 0, it.arith(op, w1)

	case code.OpLtU, code.OpLtS, code.OpGtU, code.OpGtS, code.OpEq:
		return false, 0, it.compare(op, w1)

	case code.OpNot:
		v, err := ctx.pop()
		if err != nil {
			return false, 0, err
		}
		if v&mask(w1) == 0 {
			return false, 0, ctx.push(1)
		}
		return false, 0, ctx.push(0)

	case code.OpDup:
		v, err := ctx.peek(1)
		if err != nil {
			return false, 0, err
		}
		return false, 0, ctx.push(v)

	case code.OpDrop:
		_, err := ctx.pop()
		return false, 0, err

	case code.OpSwap:
		b, err := ctx.pop()
		if err != nil {
			return false, 0, err
		}
		a, err := ctx.pop()
		if err != nil {
			return false, 0, err
		}
		if err := ctx.push(b); err != nil {
			return false, 0, err
		}
		return false, 0, ctx.push(a)

	case code.OpRoll:
		return false, 0, it.roll(int(imm))

	case code.OpPick:
		v, err := ctx.peek(int(imm))
		if err != nil {
			return false, 0, err
		}
		return false, 0, ctx.push(v)

	case code.OpCall, code.OpCallImport:
		if err := ctx.pushCall(next); err != nil {
			return false, 0, err
		}
		it.enterClosure(heap.Addr(imm))

	case code.OpTCall, code.OpTCallImport:
		it.enterClosure(heap.Addr(imm))

	case code.OpCallInd:
		closure, err := ctx.pop()
		if err != nil {
			return false, 0, err
		}
		if err := ctx.pushCall(next); err != nil {
			return false, 0, err
		}
		it.enterClosure(heap.Addr(closure))

	case code.OpTCallInd:
		closure, err := ctx.pop()
		if err != nil {
			return false, 0, err
		}
		it.enterClosure(heap.Addr(closure))

	case code.OpCallProc:
		if err := ctx.pushCall(next); err != nil {
			return false, 0, err
		}
		ctx.ip = heap.Addr(imm)

	case code.OpTCallProc:
		ctx.ip = heap.Addr(imm)

	case code.OpCJmp:
		cond, err := ctx.pop()
		if err != nil {
			return false, 0, err
		}
		if cond&mask(w1) != 0 {
			ctx.ip = heap.Addr(imm)
		}

	case code.OpJmp:
		ctx.ip = heap.Addr(imm)

	case code.OpRet:
		ip, err := ctx.popCall()
		if err != nil {
			return false, 0, err
		}
		ctx.ip = ip

	case code.OpAlloc:
		cell := it.h.AllocBytes(int(imm), it.cap)
		return false, 0, ctx.push(uint64(cell))

	case code.OpMakeClosure:
		// The environment stays on the stack, and rooted, until the
		// closure cell is allocated.
		if _, err := ctx.peek(1); err != nil {
			return false, 0, err
		}
		cell := program.AllocClosure(h, it.cap)
		data, _ := ctx.pop()
		program.InitClosure(h, cell, heap.Addr(imm), heap.Addr(data))
		return false, 0, ctx.push(uint64(cell))

	case code.OpLoad:
		ptr, err := ctx.pop()
		if err != nil {
			return false, 0, err
		}
		if ptr == 0 {
			return false, 0, ctx.faultCode(FaultNullPointer, "load through a null pointer")
		}
		return false, 0, ctx.push(it.loadWidth(heap.Addr(ptr)+heap.Addr(imm), w1))

	case code.OpStore:
		ptr, err := ctx.pop()
		if err != nil {
			return false, 0, err
		}
		v, err := ctx.pop()
		if err != nil {
			return false, 0, err
		}
		if ptr == 0 {
			return false, 0, ctx.faultCode(FaultNullPointer, "store through a null pointer")
		}
		it.storeWidth(heap.Addr(ptr)+heap.Addr(imm), w1, v)

	case code.OpLoadNamed:
		return false, 0, ctx.push(it.loadWidth(ctx.env+heap.Addr(imm), w1))

	case code.OpGetEnv:
		return false, 0, ctx.push(uint64(ctx.env))

	case code.OpEnd:
		// The exit code is the top of the expression stack, 0 if empty.
		if len(ctx.expr) == 0 {
			return true, 0, nil
		}
		v, _ := ctx.pop()
		return true, int(int32(uint32(v))), nil

	case code.OpCCall, code.OpCCallAlloc:
		if int(imm) >= len(natives) {
			return false, 0, ctx.faultCode(FaultInvalidOpcode, "invalid native call %d", imm)
		}
		return false, 0, natives[imm](it)

	default:
		return false, 0, ctx.faultCode(FaultInvalidOpcode, "invalid opcode %d", op)
	}
	return false, 0, nil
}

func (it *Interp) arith(op code.Opcode, w layout.Width) error {
	ctx := it.ctx
	b, err := ctx.pop()
	if err != nil {
		return err
	}
	a, err := ctx.pop()
	if err != nil {
		return err
	}
	m := mask(w)

	var v uint64
	switch op {
	case code.OpAdd:
		v = (a + b) & m
	case code.OpSub:
		v = (a - b) & m
	case code.OpMul:
		v = (a * b) & m
	case code.OpDiv, code.OpMod:
		// Integer division is signed at every width.
		sb := signExtend(b&m, w)
		if sb == 0 {
			return ctx.faultCode(FaultDivideByZero, "divide by zero")
		}
		sa := signExtend(a&m, w)
		if op == code.OpDiv {
			v = uint64(sa/sb) & m
		} else {
			v = uint64(sa%sb) & m
		}
	case code.OpLShift:
		v = (a << (b & 63)) & m
	case code.OpRShift:
		v = ((a & m) >> (b & 63)) & m
	case code.OpAnd:
		v = a & b & m
	case code.OpOr:
		v = (a | b) & m
	case code.OpXor:
		v = (a ^ b) & m
	}
	return ctx.push(v)
}

func (it *Interp) compare(op code.Opcode, w layout.Width) error {
	ctx := it.ctx
	b, err := ctx.pop()
	if err != nil {
		return err
	}
	a, err := ctx.pop()
	if err != nil {
		return err
	}
	m := mask(w)

	var r bool
	switch op {
	case code.OpLtU:
		r = a&m < b&m
	case code.OpLtS:
		r = signExtend(a&m, w) < signExtend(b&m, w)
	case code.OpGtU:
		r = a&m > b&m
	case code.OpGtS:
		r = signExtend(a&m, w) > signExtend(b&m, w)
	case code.OpEq:
		r = a&m == b&m
	}
	if r {
		return ctx.push(1)
	}
	return ctx.push(0)
}

// roll moves the n-th stack item (1 is the top) to the top.
func (it *Interp) roll(n int) error {
	ctx := it.ctx
	if n < 1 || n > len(ctx.expr) {
		return ctx.faultCode(FaultStackUnderflow, "expression stack underflow")
	}
	i := len(ctx.expr) - n
	v := ctx.expr[i]
	copy(ctx.expr[i:], ctx.expr[i+1:])
	ctx.expr[len(ctx.expr)-1] = v
	return nil
}

func (it *Interp) loadWidth(addr heap.Addr, w layout.Width) uint64 {
	switch w {
	case layout.W8:
		return uint64(it.h.LoadU8(addr))
	case layout.W16:
		return uint64(it.h.LoadU16(addr))
	case layout.W32:
		return uint64(it.h.LoadU32(addr))
	case layout.W64:
		return it.h.LoadU64(addr)
	default: // WFast, WPtr
		return uint64(it.h.LoadWord(addr))
	}
}

func (it *Interp) storeWidth(addr heap.Addr, w layout.Width, v uint64) {
	switch w {
	case layout.W8:
		it.h.StoreU8(addr, uint8(v))
	case layout.W16:
		it.h.StoreU16(addr, uint16(v))
	case layout.W32:
		it.h.StoreU32(addr, uint32(v))
	case layout.W64:
		it.h.StoreU64(addr, v)
	default:
		it.h.StoreWord(addr, uint(v))
	}
}

// decorate attaches the procedure name and source context covering the
// fault's instruction pointer.
func (it *Interp) decorate(f *Fault) *Fault {
	for _, name := range it.m.ModuleNames() {
		lib, _ := it.m.LookupLibrary(name)
		p := lib.ProcAt(f.IP)
		if p == nil {
			continue
		}
		f.Proc = p.Name()
		if sc, ok := p.ContextAt(int(f.IP - p.Code())); ok {
			f.File = sc.File
			f.Line = sc.Line
		}
		break
	}
	return f
}

func alignAddr(a heap.Addr, align int) heap.Addr {
	return (a + heap.Addr(align) - 1) &^ (heap.Addr(align) - 1)
}
