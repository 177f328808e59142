package db

import (
	"os"
)

// DataRef is a sized, byte-addressable blob that lives either in memory
// (ByteRef) or in a value file (*FileRef).  All offsets are absolute
// byte positions; ranges are half-open [start, end).
type DataRef interface {
	Size() (int64, error)
	ReadAll() ([]byte, error)
	ByteAt(i int64) (byte, error)
	ReadRange(start, end int64) ([]byte, error)
	SetByte(i int64, b byte) error
	WriteRange(start int64, buf []byte) error
	// WriteFrom copies all of src into the receiver starting at start.
	WriteFrom(start int64, src DataRef) error
	// CopyInto copies all of the receiver into dst starting at offset.
	CopyInto(dst DataRef, offset int64) error
	// CopyTo copies all of the receiver into buf starting at offset.
	CopyTo(buf []byte, offset int64) error
	Retain()
	Release() error
	// File returns the backing file handle, or nil if the blob is not
	// file-backed.  Callers use it to pick zero-copy transfers.
	File() *os.File
}

// ByteRef is an in-memory DataRef.  Its length is fixed; writes replace
// bytes in place.
type ByteRef []byte

var _ DataRef = ByteRef(nil)

func (b ByteRef) Size() (int64, error) {
	return int64(len(b)), nil
}

// ReadAll returns a copy of the blob.
func (b ByteRef) ReadAll() ([]byte, error) {
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (b ByteRef) ByteAt(i int64) (byte, error) {
	err := ckRange("ByteAt", i, i+1, int64(len(b)))
	if err != nil {
		return 0, err
	}
	return b[i], nil
}

func (b ByteRef) ReadRange(start, end int64) ([]byte, error) {
	err := ckRange("ReadRange", start, end, int64(len(b)))
	if err != nil {
		return nil, err
	}
	out := make([]byte, end-start)
	copy(out, b[start:end])
	return out, nil
}

func (b ByteRef) SetByte(i int64, c byte) error {
	err := ckRange("SetByte", i, i+1, int64(len(b)))
	if err != nil {
		return err
	}
	b[i] = c
	return nil
}

func (b ByteRef) WriteRange(start int64, buf []byte) error {
	err := ckRange("WriteRange", start, start+int64(len(buf)), int64(len(b)))
	if err != nil {
		return err
	}
	copy(b[start:], buf)
	return nil
}

func (b ByteRef) WriteFrom(start int64, src DataRef) error {
	size, err := src.Size()
	if err != nil {
		return err
	}
	err = ckRange("WriteFrom", start, start+size, int64(len(b)))
	if err != nil {
		return err
	}
	return src.CopyTo(b, start)
}

func (b ByteRef) CopyInto(dst DataRef, offset int64) error {
	return dst.WriteRange(offset, b)
}

func (b ByteRef) CopyTo(buf []byte, offset int64) error {
	err := ckRange("CopyTo", offset, offset+int64(len(b)), int64(len(buf)))
	if err != nil {
		return err
	}
	copy(buf[offset:], b)
	return nil
}

// Retain and Release are no-ops; memory is reclaimed by the garbage
// collector.
func (b ByteRef) Retain() {}

func (b ByteRef) Release() error { return nil }

func (b ByteRef) File() *os.File { return nil }
