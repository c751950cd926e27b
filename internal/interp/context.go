// Package interp executes loaded bytecode. The interpreter is a stack
// machine reading the exact layout the loader's encoder wrote; its stacks
// are traced conservatively, so any stack slot holding a cell address keeps
// that cell alive across collections.
package interp

import (
	"fmt"

	"pzrun/internal/heap"
)

const (
	exprStackSize   = 4096
	returnStackSize = 2048
)

// Context is one execution context: the instruction pointer, the current
// closure environment, the expression stack and the return stack. Return
// stack entries come in pairs, the saved environment below the saved
// instruction pointer.
type Context struct {
	h *heap.Heap

	ip  heap.Addr
	env heap.Addr

	expr   []uint64
	rstack []heap.Addr
}

// NewContext creates an empty context over the machine's heap.
func NewContext(h *heap.Heap) *Context {
	return &Context{
		h:      h,
		expr:   make([]uint64, 0, exprStackSize),
		rstack: make([]heap.Addr, 0, returnStackSize),
	}
}

func (c *Context) push(v uint64) error {
	if len(c.expr) == cap(c.expr) {
		return c.faultCode(FaultStackOverflow, "expression stack overflow")
	}
	c.expr = append(c.expr, v)
	return nil
}

func (c *Context) pop() (uint64, error) {
	if len(c.expr) == 0 {
		return 0, c.faultCode(FaultStackUnderflow, "expression stack underflow")
	}
	v := c.expr[len(c.expr)-1]
	c.expr = c.expr[:len(c.expr)-1]
	return v, nil
}

func (c *Context) peek(depth int) (uint64, error) {
	if depth < 1 || depth > len(c.expr) {
		return 0, c.faultCode(FaultStackUnderflow, "expression stack underflow")
	}
	return c.expr[len(c.expr)-depth], nil
}

// pushCall saves the caller's environment and return address.
func (c *Context) pushCall(retIP heap.Addr) error {
	if len(c.rstack)+2 > cap(c.rstack) {
		return c.faultCode(FaultStackOverflow, "return stack overflow")
	}
	c.rstack = append(c.rstack, c.env, retIP)
	return nil
}

// popCall restores the saved environment and returns the return address.
func (c *Context) popCall() (heap.Addr, error) {
	if len(c.rstack) < 2 {
		return heap.NilAddr, c.faultCode(FaultStackUnderflow, "return stack underflow")
	}
	retIP := c.rstack[len(c.rstack)-1]
	c.env = c.rstack[len(c.rstack)-2]
	c.rstack = c.rstack[:len(c.rstack)-2]
	return retIP, nil
}

// Trace marks everything the context may reference: the environment, the
// saved environments and return addresses, and every expression stack slot
// as a candidate pointer.
func (c *Context) Trace(ms *heap.MarkState) {
	ms.MarkRoot(uint(c.ip))
	ms.MarkRoot(uint(c.env))
	for _, v := range c.expr {
		ms.MarkRoot(uint(v))
	}
	for _, a := range c.rstack {
		ms.MarkRoot(uint(a))
	}
}

func (c *Context) fault(format string, args ...any) *Fault {
	return c.faultCode(FaultGeneric, format, args...)
}

func (c *Context) faultCode(code FaultCode, format string, args ...any) *Fault {
	return &Fault{Code: code, Msg: fmt.Sprintf(format, args...), IP: c.ip}
}

// FaultCode classifies a runtime fault.
type FaultCode uint8

const (
	FaultGeneric FaultCode = iota
	FaultStackOverflow
	FaultStackUnderflow
	FaultDivideByZero
	FaultNullPointer
	FaultInvalidOpcode
	FaultNative
	FaultUser
)

func (c FaultCode) String() string {
	switch c {
	case FaultStackOverflow:
		return "stack overflow"
	case FaultStackUnderflow:
		return "stack underflow"
	case FaultDivideByZero:
		return "divide by zero"
	case FaultNullPointer:
		return "null pointer"
	case FaultInvalidOpcode:
		return "invalid opcode"
	case FaultNative:
		return "native call"
	case FaultUser:
		return "user abort"
	default:
		return "fault"
	}
}

// Fault is a runtime execution error. The interpreter decorates it with the
// procedure and source position covering the faulting instruction when
// debug contexts were loaded.
type Fault struct {
	Code FaultCode
	Msg  string
	IP   heap.Addr
	Proc string
	File string
	Line uint32
}

func (f *Fault) Error() string {
	where := ""
	if f.Proc != "" {
		where = " in " + f.Proc
		if f.File != "" {
			where = fmt.Sprintf("%s (%s:%d)", where, f.File, f.Line)
		}
	}
	return f.Msg + where
}
