package db

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned when a key or a version of a key has no
	// value file.
	ErrNotFound = errors.New("not found")

	// ErrEmptyKey is returned for zero-length keys, which have no shard.
	ErrEmptyKey = errors.New("empty key")
)

// AccessError means the database directory can't be used: it is
// missing, not a directory, or not both readable and writable.
type AccessError struct {
	Dir string
	Err error
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("insufficient rights on %s: %v", e.Dir, e.Err)
}

func (e *AccessError) Unwrap() error {
	return e.Err
}

// RangeError reports a byte or range access outside [0, Size).
type RangeError struct {
	Op    string
	Start int64
	End   int64
	Size  int64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("%s: range [%d, %d) out of bounds for size %d", e.Op, e.Start, e.End, e.Size)
}

// ckRange returns a *RangeError unless 0 <= start <= end <= size.
func ckRange(op string, start, end, size int64) error {
	if start < 0 || end < start || end > size {
		return &RangeError{Op: op, Start: start, End: end, Size: size}
	}
	return nil
}
