// Package program holds the runtime representation of loaded modules:
// procedures, closures, flat strings and libraries. Cells live in the
// garbage-collected heap; the Go-side descriptors aggregate their addresses
// and are traced as roots.
package program

import (
	"sort"

	"pzrun/internal/heap"
)

// Proc is one procedure: a heap cell of encoded instructions, the byte
// offsets of its blocks within that cell, and optional source contexts for
// error reporting.
type Proc struct {
	name         string
	code         heap.Addr
	codeSize     int
	blockOffsets []int
	contexts     []SourceContext
}

// SourceContext attaches a source position to a code offset.
type SourceContext struct {
	Offset int
	File   string // empty when the context was cleared
	Line   uint32
}

// NewProc allocates a proc's code cell. The returned proc has a NilAddr
// code cell if the capability latched the allocation failure.
func NewProc(h *heap.Heap, cap heap.Capability, name string, codeSize int) *Proc {
	return &Proc{
		name:     name,
		code:     h.AllocBytes(codeSize, cap),
		codeSize: codeSize,
	}
}

// Name returns the proc's name from the module file.
func (p *Proc) Name() string { return p.name }

// Code returns the address of the proc's code cell.
func (p *Proc) Code() heap.Addr { return p.code }

// CodeSize returns the encoded size of the proc in bytes.
func (p *Proc) CodeSize() int { return p.codeSize }

// SetBlockOffsets records the byte offset of each block, as computed by the
// loader's first pass.
func (p *Proc) SetBlockOffsets(offsets []int) { p.blockOffsets = offsets }

// NumBlocks returns the proc's block count.
func (p *Proc) NumBlocks() int { return len(p.blockOffsets) }

// BlockOffset returns the byte offset of block i within the code cell.
func (p *Proc) BlockOffset(i int) int { return p.blockOffsets[i] }

// AddContext attaches a source file and line at a code offset.
func (p *Proc) AddContext(offset int, file string, line uint32) {
	p.contexts = append(p.contexts, SourceContext{Offset: offset, File: file, Line: line})
}

// AddContextShort attaches a line at a code offset, inheriting the file of
// the previous context.
func (p *Proc) AddContextShort(offset int, line uint32) {
	file := ""
	if n := len(p.contexts); n > 0 {
		file = p.contexts[n-1].File
	}
	p.AddContext(offset, file, line)
}

// ClearContext marks code from offset onward as having no source position.
func (p *Proc) ClearContext(offset int) {
	p.AddContext(offset, "", 0)
}

// ContextAt returns the source context covering the given code offset.
func (p *Proc) ContextAt(offset int) (SourceContext, bool) {
	i := sort.Search(len(p.contexts), func(i int) bool {
		return p.contexts[i].Offset > offset
	})
	if i == 0 {
		return SourceContext{}, false
	}
	sc := p.contexts[i-1]
	if sc.File == "" && sc.Line == 0 {
		return SourceContext{}, false
	}
	return sc, true
}

// Contains reports whether addr points into this proc's code cell.
func (p *Proc) Contains(addr heap.Addr) bool {
	return addr >= p.code && addr < p.code+heap.Addr(p.codeSize)
}

// Trace marks the proc's code cell.
func (p *Proc) Trace(ms *heap.MarkState) {
	ms.MarkRoot(uint(p.code))
}
