package loader

import (
	"fmt"

	"fortio.org/safecast"

	"pzrun/internal/binfmt"
	"pzrun/internal/code"
	"pzrun/internal/layout"
	"pzrun/internal/program"
)

// readCode reads the procedure section in two passes. Pass 1 only measures:
// instruction widths and reference immediates mean code sizes are not in
// the header, so each proc is measured, then allocated. Pass 2 seeks back
// and writes the instructions, resolving references against the now-known
// code addresses.
func (r *reader) readCode(numProcs int) error {
	r.opts.logf("reading procs, first pass")

	pos := r.in.Tell()
	for i := 0; i < numProcs; i++ {
		name, size, offsets, err := r.readProc(nil)
		if err != nil {
			return err
		}
		p := program.NewProc(r.h, r.cap, name, size)
		p.SetBlockOffsets(offsets)
		r.ll.AddProc(p)
	}

	// All procs are allocated; calls into later procs now have addresses.
	r.opts.logf("reading procs, second pass")
	if err := r.in.SeekSet(pos); err != nil {
		return err
	}
	for i := 0; i < numProcs; i++ {
		p, err := r.ll.Proc(uint32(i))
		if err != nil {
			return err
		}
		if _, _, _, err := r.readProc(p); err != nil {
			return err
		}
	}
	return nil
}

// readProc reads one procedure. With a nil proc it measures, recording
// block offsets; with a proc it encodes into the proc's code cell.
func (r *reader) readProc(p *program.Proc) (name string, size int, offsets []int, err error) {
	firstPass := p == nil

	name, err = r.in.ReadLenString()
	if err != nil {
		return "", 0, nil, err
	}
	numBlocks, err := r.in.ReadU32()
	if err != nil {
		return "", 0, nil, err
	}

	enc := code.Measurer()
	if !firstPass {
		enc = code.NewEncoder(r.h, p.Code())
		offsets = make([]int, 0, p.NumBlocks())
		for i := 0; i < p.NumBlocks(); i++ {
			offsets = append(offsets, p.BlockOffset(i))
		}
	} else {
		offsets = make([]int, numBlocks)
	}

	procOffset := 0
	for b := 0; b < int(numBlocks); b++ {
		if firstPass {
			offsets[b] = procOffset
		}
		numInstrs, err := r.in.ReadU32()
		if err != nil {
			return "", 0, nil, err
		}
		for j := 0; j < int(numInstrs); j++ {
			tag, err := r.in.ReadU8()
			if err != nil {
				return "", 0, nil, err
			}
			if tag == binfmt.CodeInstr {
				procOffset, err = r.readInstr(enc, p, offsets, procOffset)
			} else {
				err = r.readMeta(tag, p, procOffset)
			}
			if err != nil {
				return "", 0, nil, err
			}
		}
	}
	return name, procOffset, offsets, nil
}

// readInstr reads one instruction, resolves its immediate and encodes it at
// procOffset, returning the offset of the next instruction.
func (r *reader) readInstr(enc code.Encoder, p *program.Proc, blockOffsets []int, procOffset int) (int, error) {
	firstPass := p == nil

	opByte, err := r.in.ReadU8()
	if err != nil {
		return 0, err
	}
	op := code.Opcode(opByte)
	if !op.InFile() {
		return 0, fmt.Errorf("%s: unknown opcode %d", r.in.Name(), opByte)
	}
	info := op.Info()

	var w1, w2 layout.Width
	if info.NumWidths > 0 {
		if w1, err = r.readWidth(); err != nil {
			return 0, err
		}
	}
	if info.NumWidths > 1 {
		if w2, err = r.readWidth(); err != nil {
			return 0, err
		}
	}

	var imm uint64
	switch info.Imm {
	case code.ImmNone:

	case code.ImmU8:
		v, err := r.in.ReadU8()
		if err != nil {
			return 0, err
		}
		imm = uint64(v)

	case code.ImmNum:
		if imm, err = r.readNumImmediate(w1); err != nil {
			return 0, err
		}

	case code.ImmClosureRef:
		id, err := r.in.ReadU32()
		if err != nil {
			return 0, err
		}
		if !firstPass {
			closure, err := r.ll.Closure(id)
			if err != nil {
				return 0, fmt.Errorf("%s: %w", r.in.Name(), err)
			}
			imm = uint64(closure)
		}

	case code.ImmProcRef:
		id, err := r.in.ReadU32()
		if err != nil {
			return 0, err
		}
		if !firstPass {
			proc, err := r.ll.Proc(id)
			if err != nil {
				return 0, fmt.Errorf("%s: %w", r.in.Name(), err)
			}
			imm = uint64(proc.Code())
		}

	case code.ImmImportRef:
		id, err := r.in.ReadU32()
		if err != nil {
			return 0, err
		}
		if int(id) >= len(r.imports) {
			return 0, fmt.Errorf("%s: invalid import id %d", r.in.Name(), id)
		}
		off, err := safecast.Conv[uint16](int(r.imports[id]) * layout.WordSize)
		if err != nil {
			return 0, fmt.Errorf("%s: import %d: %w", r.in.Name(), id, err)
		}
		imm = uint64(off)

	case code.ImmImportClosureRef:
		id, err := r.in.ReadU32()
		if err != nil {
			return 0, err
		}
		if int(id) >= len(r.importClosures) {
			return 0, fmt.Errorf("%s: invalid import id %d", r.in.Name(), id)
		}
		imm = uint64(r.importClosures[id])

	case code.ImmLabelRef:
		blockID, err := r.in.ReadU32()
		if err != nil {
			return 0, err
		}
		if int(blockID) >= len(blockOffsets) {
			return 0, fmt.Errorf("%s: invalid block id %d", r.in.Name(), blockID)
		}
		if !firstPass {
			imm = uint64(p.Code()) + uint64(blockOffsets[blockID])
		}

	case code.ImmStructRef:
		id, err := r.in.ReadU32()
		if err != nil {
			return 0, err
		}
		s, err := r.ll.Struct(id)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", r.in.Name(), err)
		}
		imm = uint64(s.TotalSize())

	case code.ImmStructRefField:
		id, err := r.in.ReadU32()
		if err != nil {
			return 0, err
		}
		field, err := r.in.ReadU8()
		if err != nil {
			return 0, err
		}
		s, err := r.ll.Struct(id)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", r.in.Name(), err)
		}
		if int(field) >= s.NumFields() {
			return 0, fmt.Errorf("%s: struct %d has no field %d", r.in.Name(), id, field)
		}
		off, err := safecast.Conv[uint16](s.FieldOffset(int(field)))
		if err != nil {
			return 0, fmt.Errorf("%s: struct %d field %d: %w", r.in.Name(), id, field, err)
		}
		imm = uint64(off)

	default:
		return 0, fmt.Errorf("%s: opcode %v has unreadable immediate", r.in.Name(), op)
	}

	return enc.WriteInstr(procOffset, op, w1, w2, imm), nil
}

// readNumImmediate reads a number immediate; its on-disk size follows the
// instruction's width, with the platform-sized widths encoded as 32 bits.
func (r *reader) readNumImmediate(w layout.Width) (uint64, error) {
	switch w {
	case layout.W8:
		v, err := r.in.ReadU8()
		return uint64(v), err
	case layout.W16:
		v, err := r.in.ReadU16()
		return uint64(v), err
	case layout.W32:
		v, err := r.in.ReadU32()
		return uint64(v), err
	case layout.W64:
		return r.in.ReadU64()
	default: // WFast, WPtr
		v, err := r.in.ReadU32()
		return uint64(v), err
	}
}

// readMeta consumes one metadata item. Contexts are attached to the proc
// only during the second pass and only when debug info is wanted.
func (r *reader) readMeta(tag uint8, p *program.Proc, procOffset int) error {
	keep := p != nil && r.opts.LoadDebugInfo

	switch tag {
	case binfmt.CodeMetaContext:
		if !keep {
			return r.in.SeekCur(8)
		}
		dataID, err := r.in.ReadU32()
		if err != nil {
			return err
		}
		fileData, err := r.ll.Data(dataID)
		if err != nil {
			return fmt.Errorf("%s: context: %w", r.in.Name(), err)
		}
		line, err := r.in.ReadU32()
		if err != nil {
			return err
		}
		p.AddContext(procOffset, program.StringValue(r.h, fileData), line)

	case binfmt.CodeMetaContextShrt:
		if !keep {
			return r.in.SeekCur(4)
		}
		line, err := r.in.ReadU32()
		if err != nil {
			return err
		}
		p.AddContextShort(procOffset, line)

	case binfmt.CodeMetaContextNil:
		if keep {
			p.ClearContext(procOffset)
		}

	default:
		return fmt.Errorf("%s: unknown byte in instruction stream: %d", r.in.Name(), tag)
	}
	return nil
}
