// Package code defines the bytecode instruction set and the encoder that
// lays instructions out in procedure code cells. The loader writes this
// layout and the interpreter reads it back.
package code

import (
	"fmt"

	"pzrun/internal/layout"
)

// Opcode is a bytecode operation. The byte values up to OpGetEnv are the
// on-disk encoding; the opcodes after it are written by the runtime itself
// and never appear in a module file.
type Opcode uint8

const (
	OpLoadImmediateNum Opcode = iota
	OpZe
	OpSe
	OpTrunc
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod
	OpLShift
	OpRShift
	OpAnd
	OpOr
	OpXor
	OpLtU
	OpLtS
	OpGtU
	OpGtS
	OpEq
	OpNot
	OpDup
	OpDrop
	OpSwap
	OpRoll
	OpPick
	OpCall
	OpCallImport
	OpCallInd
	OpCallProc
	OpTCall
	OpTCallImport
	OpTCallInd
	OpTCallProc
	OpCJmp
	OpJmp
	OpRet
	OpAlloc
	OpMakeClosure
	OpLoad
	OpStore
	OpLoadNamed
	OpGetEnv

	// Runtime-internal opcodes.
	OpEnd
	OpCCall
	OpCCallAlloc

	numOpcodes
)

// numFileOpcodes bounds the opcodes a module file may contain.
const numFileOpcodes = OpGetEnv + 1

// ImmType classifies an instruction's immediate operand. The loader
// resolves the reference types to concrete values during pass 2; in the
// code cell each type has a fixed size and alignment.
type ImmType uint8

const (
	ImmNone ImmType = iota
	ImmU8
	ImmU16
	ImmU32
	ImmU64
	// ImmNum is a number whose size follows the instruction's first width.
	ImmNum
	// ImmClosureRef is a closure ID in the file, a closure cell address in
	// code.
	ImmClosureRef
	// ImmProcRef is a proc ID in the file, the proc's code address in code.
	ImmProcRef
	// ImmImportRef is an import ID in the file, a 16-bit byte offset into
	// the imported-closure vector in code.
	ImmImportRef
	// ImmImportClosureRef is an import ID in the file, the imported
	// closure's cell address in code.
	ImmImportClosureRef
	// ImmLabelRef is a block index in the file, an absolute code address in
	// code.
	ImmLabelRef
	// ImmStructRef is a struct ID in the file, the struct's total size in
	// code.
	ImmStructRef
	// ImmStructRefField is a struct ID and field number in the file, a
	// 16-bit field offset in code.
	ImmStructRefField
	// ImmWord is a runtime-internal word, used by the ccall opcodes.
	ImmWord
)

// Info describes how an opcode is encoded.
type Info struct {
	Name      string
	NumWidths int
	Imm       ImmType
}

var instrInfo = [numOpcodes]Info{
	OpLoadImmediateNum: {"load_imm_num", 1, ImmNum},
	OpZe:               {"ze", 2, ImmNone},
	OpSe:               {"se", 2, ImmNone},
	OpTrunc:            {"trunc", 2, ImmNone},
	OpAdd:              {"add", 1, ImmNone},
	OpSub:              {"sub", 1, ImmNone},
	OpMul:              {"mul", 1, ImmNone},
	OpDiv:              {"div", 1, ImmNone},
	OpMod:              {"mod", 1, ImmNone},
	OpLShift:           {"lshift", 1, ImmNone},
	OpRShift:           {"rshift", 1, ImmNone},
	OpAnd:              {"and", 1, ImmNone},
	OpOr:               {"or", 1, ImmNone},
	OpXor:              {"xor", 1, ImmNone},
	OpLtU:              {"lt_u", 1, ImmNone},
	OpLtS:              {"lt_s", 1, ImmNone},
	OpGtU:              {"gt_u", 1, ImmNone},
	OpGtS:              {"gt_s", 1, ImmNone},
	OpEq:               {"eq", 1, ImmNone},
	OpNot:              {"not", 1, ImmNone},
	OpDup:              {"dup", 0, ImmNone},
	OpDrop:             {"drop", 0, ImmNone},
	OpSwap:             {"swap", 0, ImmNone},
	OpRoll:             {"roll", 0, ImmU8},
	OpPick:             {"pick", 0, ImmU8},
	OpCall:             {"call", 0, ImmClosureRef},
	OpCallImport:       {"call_import", 0, ImmImportClosureRef},
	OpCallInd:          {"call_ind", 0, ImmNone},
	OpCallProc:         {"call_proc", 0, ImmProcRef},
	OpTCall:            {"tcall", 0, ImmClosureRef},
	OpTCallImport:      {"tcall_import", 0, ImmImportClosureRef},
	OpTCallInd:         {"tcall_ind", 0, ImmNone},
	OpTCallProc:        {"tcall_proc", 0, ImmProcRef},
	OpCJmp:             {"cjmp", 1, ImmLabelRef},
	OpJmp:              {"jmp", 0, ImmLabelRef},
	OpRet:              {"ret", 0, ImmNone},
	OpAlloc:            {"alloc", 0, ImmStructRef},
	OpMakeClosure:      {"make_closure", 0, ImmProcRef},
	OpLoad:             {"load", 1, ImmStructRefField},
	OpStore:            {"store", 1, ImmStructRefField},
	OpLoadNamed:        {"load_named", 1, ImmImportRef},
	OpGetEnv:           {"get_env", 0, ImmNone},
	OpEnd:              {"end", 0, ImmNone},
	OpCCall:            {"ccall", 0, ImmWord},
	OpCCallAlloc:       {"ccall_alloc", 0, ImmWord},
}

// Info returns the opcode's encoding description.
func (op Opcode) Info() Info {
	if op >= numOpcodes {
		panic(fmt.Sprintf("invalid opcode %d", op))
	}
	return instrInfo[op]
}

// InFile reports whether the opcode may appear in a module file.
func (op Opcode) InFile() bool { return op < numFileOpcodes }

func (op Opcode) String() string {
	if op >= numOpcodes {
		return fmt.Sprintf("op(%d)", op)
	}
	return instrInfo[op].Name
}

// Enc returns the encoded size and alignment of an immediate, given the
// instruction's first width (only ImmNum depends on it).
func (t ImmType) Enc(w1 layout.Width) (size, align int) {
	switch t {
	case ImmNone:
		return 0, 1
	case ImmU8:
		return 1, 1
	case ImmU16, ImmImportRef, ImmStructRefField:
		return 2, 2
	case ImmU32:
		return 4, 4
	case ImmU64:
		return 8, 8
	case ImmNum:
		n := w1.Bytes()
		return n, n
	case ImmClosureRef, ImmProcRef, ImmImportClosureRef, ImmLabelRef,
		ImmStructRef, ImmWord:
		return layout.WordSize, layout.WordSize
	default:
		panic(fmt.Sprintf("invalid immediate type %d", t))
	}
}
