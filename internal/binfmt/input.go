package binfmt

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrShortRead is reported when the file ends in the middle of a value.
var ErrShortRead = errors.New("short read, file is truncated or corrupt")

// Input is a buffered positional reader over a PZ file. All fixed-width
// reads are little-endian. Seeking invalidates and refills the buffer.
type Input struct {
	f    *os.File
	r    *bufio.Reader
	name string
	pos  int64
	buf  [8]byte
}

// Open opens the named file for reading.
func Open(name string) (*Input, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	return &Input{
		f:    f,
		r:    bufio.NewReader(f),
		name: name,
	}, nil
}

// Name returns the name of the underlying file.
func (in *Input) Name() string { return in.name }

// Tell returns the current read position.
func (in *Input) Tell() int64 { return in.pos }

// Close closes the underlying file.
func (in *Input) Close() error {
	if in.f == nil {
		return nil
	}
	err := in.f.Close()
	in.f = nil
	in.r = nil
	return err
}

func (in *Input) wrap(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		err = ErrShortRead
	}
	return fmt.Errorf("%s: at offset %d: %w", in.name, in.pos, err)
}

func (in *Input) readFull(n int) ([]byte, error) {
	b := in.buf[:n]
	if _, err := io.ReadFull(in.r, b); err != nil {
		return nil, in.wrap(err)
	}
	in.pos += int64(n)
	return b, nil
}

// ReadU8 reads one byte.
func (in *Input) ReadU8() (uint8, error) {
	b, err := in.readFull(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadU16 reads a little-endian 16-bit value.
func (in *Input) ReadU16() (uint16, error) {
	b, err := in.readFull(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// ReadU32 reads a little-endian 32-bit value.
func (in *Input) ReadU32() (uint32, error) {
	b, err := in.readFull(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// ReadU64 reads a little-endian 64-bit value.
func (in *Input) ReadU64() (uint64, error) {
	b, err := in.readFull(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// ReadBytes reads exactly n bytes.
func (in *Input) ReadBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(in.r, b); err != nil {
		return nil, in.wrap(err)
	}
	in.pos += int64(n)
	return b, nil
}

// ReadLenString reads a 16-bit length prefix followed by that many bytes.
func (in *Input) ReadLenString() (string, error) {
	n, err := in.ReadU16()
	if err != nil {
		return "", err
	}
	b, err := in.ReadBytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// SeekSet repositions the reader at an absolute offset.
func (in *Input) SeekSet(pos int64) error {
	if _, err := in.f.Seek(pos, io.SeekStart); err != nil {
		return in.wrap(err)
	}
	in.pos = pos
	in.r.Reset(in.f)
	return nil
}

// SeekCur skips delta bytes forward from the current position.
func (in *Input) SeekCur(delta int64) error {
	if delta < 0 {
		return in.SeekSet(in.pos + delta)
	}
	if _, err := io.CopyN(io.Discard, in.r, delta); err != nil {
		return in.wrap(err)
	}
	in.pos += delta
	return nil
}

// IsAtEOF reports whether the reader has consumed the whole file.
func (in *Input) IsAtEOF() bool {
	_, err := in.r.Peek(1)
	return errors.Is(err, io.EOF)
}
