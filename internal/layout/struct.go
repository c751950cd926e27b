package layout

import "fmt"

// Struct describes the in-memory layout of a struct data entry. Fields are
// laid out sequentially, each aligned to its natural alignment; the total
// size is rounded up to the largest field alignment.
type Struct struct {
	fields    []Width
	offsets   []int
	totalSize int
	computed  bool
}

// NewStruct creates a descriptor with room for numFields fields. Fields
// must be assigned with SetField before CalculateLayout runs.
func NewStruct(numFields int) *Struct {
	return &Struct{
		fields:  make([]Width, numFields),
		offsets: make([]int, numFields),
	}
}

// NumFields returns the number of fields.
func (s *Struct) NumFields() int { return len(s.fields) }

// SetField assigns the width of field i.
func (s *Struct) SetField(i int, w Width) {
	s.fields[i] = w
	s.computed = false
}

// Field returns the width of field i.
func (s *Struct) Field(i int) Width { return s.fields[i] }

// CalculateLayout computes field offsets and the aligned total size.
func (s *Struct) CalculateLayout() {
	offset := 0
	maxAlign := 1
	for i, w := range s.fields {
		size := w.Bytes()
		align := size // scalar widths are naturally aligned
		offset = alignUp(offset, align)
		s.offsets[i] = offset
		offset += size
		if align > maxAlign {
			maxAlign = align
		}
	}
	s.totalSize = alignUp(offset, maxAlign)
	s.computed = true
}

// FieldOffset returns the byte offset of field i within the struct.
func (s *Struct) FieldOffset(i int) int {
	if !s.computed {
		panic("struct layout queried before CalculateLayout")
	}
	return s.offsets[i]
}

// TotalSize returns the struct's size in bytes, including tail padding.
func (s *Struct) TotalSize() int {
	if !s.computed {
		panic("struct layout queried before CalculateLayout")
	}
	return s.totalSize
}

func (s *Struct) String() string {
	return fmt.Sprintf("struct{%d fields, %d bytes}", len(s.fields), s.totalSize)
}

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}
