package loader

import (
	"fmt"

	"fortio.org/safecast"

	"pzrun/internal/binfmt"
	"pzrun/internal/heap"
	"pzrun/internal/layout"
	"pzrun/internal/program"
)

func (r *reader) readWidth() (layout.Width, error) {
	b, err := r.in.ReadU8()
	if err != nil {
		return 0, err
	}
	w, err := layout.FromByte(b)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", r.in.Name(), err)
	}
	return w, nil
}

func (r *reader) readStructs(numStructs int) error {
	for i := 0; i < numStructs; i++ {
		numFields, err := r.in.ReadU32()
		if err != nil {
			return err
		}
		nf, err := safecast.Conv[int](numFields)
		if err != nil {
			return fmt.Errorf("%s: struct %d: %w", r.in.Name(), i, err)
		}
		s := layout.NewStruct(nf)
		for f := 0; f < nf; f++ {
			w, err := r.readWidth()
			if err != nil {
				return err
			}
			s.SetField(f, w)
		}
		s.CalculateLayout()
		r.ll.AddStruct(s)
	}
	r.opts.logf("loaded %d struct descriptors", numStructs)
	return nil
}

func (r *reader) readData(numDatas int) error {
	totalSize := 0

	for i := 0; i < numDatas; i++ {
		kind, err := r.in.ReadU8()
		if err != nil {
			return err
		}

		var data heap.Addr
		switch kind {
		case binfmt.DataArray:
			numElems, err := r.in.ReadU16()
			if err != nil {
				return err
			}
			width, err := r.readWidth()
			if err != nil {
				return err
			}
			size := int(numElems) * width.Bytes()
			data = r.h.AllocBytes(size, r.cap)
			for e := 0; e < int(numElems); e++ {
				if err := r.readDataSlot(data + heap.Addr(e*width.Bytes())); err != nil {
					return err
				}
			}
			totalSize += size

		case binfmt.DataStruct:
			structID, err := r.in.ReadU32()
			if err != nil {
				return err
			}
			s, err := r.ll.Struct(structID)
			if err != nil {
				return fmt.Errorf("%s: data %d: %w", r.in.Name(), i, err)
			}
			data = r.h.AllocBytes(s.TotalSize(), r.cap)
			for f := 0; f < s.NumFields(); f++ {
				if err := r.readDataSlot(data + heap.Addr(s.FieldOffset(f))); err != nil {
					return err
				}
			}
			totalSize += s.TotalSize()

		case binfmt.DataString:
			numBytes, err := r.in.ReadU16()
			if err != nil {
				return err
			}
			data = program.AllocString(r.h, r.cap, int(numBytes))
			for b := 0; b < int(numBytes); b++ {
				if err := r.readDataSlot(data + heap.Addr(layout.WordSize+b)); err != nil {
					return err
				}
			}
			totalSize += layout.WordSize + int(numBytes)

		default:
			return fmt.Errorf("%s: unknown data entry kind %d", r.in.Name(), kind)
		}

		r.ll.AddData(data)
	}

	r.opts.logf("loaded %d data entries with a total of %d bytes", numDatas, totalSize)
	return nil
}

// readDataSlot reads one encoded value into the slot at dest. The tag's
// high nibble selects the encoding, the low nibble is the on-disk size.
func (r *reader) readDataSlot(dest heap.Addr) error {
	tag, err := r.in.ReadU8()
	if err != nil {
		return err
	}

	switch binfmt.EncType(tag) {
	case binfmt.EncNormal:
		switch binfmt.EncBytes(tag) {
		case 1:
			v, err := r.in.ReadU8()
			if err != nil {
				return err
			}
			r.h.StoreU8(dest, v)
		case 2:
			v, err := r.in.ReadU16()
			if err != nil {
				return err
			}
			r.h.StoreU16(dest, v)
		case 4:
			v, err := r.in.ReadU32()
			if err != nil {
				return err
			}
			r.h.StoreU32(dest, v)
		case 8:
			v, err := r.in.ReadU64()
			if err != nil {
				return err
			}
			r.h.StoreU64(dest, v)
		default:
			return fmt.Errorf("%s: unexpected data encoding %#x", r.in.Name(), tag)
		}

	case binfmt.EncFast, binfmt.EncWPtr:
		// Always 32 bits on disk, zero-extended into a word-sized slot.
		v, err := r.in.ReadU32()
		if err != nil {
			return err
		}
		r.h.StoreWord(dest, uint(v))

	case binfmt.EncData:
		id, err := r.in.ReadU32()
		if err != nil {
			return err
		}
		// Data references must point backward.
		addr, err := r.ll.Data(id)
		if err != nil {
			return fmt.Errorf("%s: forward data reference: %w", r.in.Name(), err)
		}
		r.h.StoreWord(dest, uint(addr))

	case binfmt.EncImport:
		id, err := r.in.ReadU32()
		if err != nil {
			return err
		}
		if int(id) >= len(r.importClosures) {
			return fmt.Errorf("%s: invalid import id %d", r.in.Name(), id)
		}
		r.h.StoreWord(dest, uint(r.importClosures[id]))

	case binfmt.EncClosure:
		id, err := r.in.ReadU32()
		if err != nil {
			return err
		}
		closure, err := r.ll.Closure(id)
		if err != nil {
			return fmt.Errorf("%s: %w", r.in.Name(), err)
		}
		r.h.StoreWord(dest, uint(closure))

	default:
		return fmt.Errorf("%s: unrecognised data item encoding %#x", r.in.Name(), tag)
	}
	return nil
}
