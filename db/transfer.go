package db

import (
	"io"
	"math"
	"os"

	"github.com/pkg/errors"
)

// bufferLimit is the largest value Put copies through a single
// in-memory buffer.  Larger values go file-to-file, or through windows
// of at most bufferLimit bytes.  Tests lower it to exercise the large
// value paths without allocating gigabytes.
var bufferLimit int64 = math.MaxInt32

// copyWindows copies n bytes of src, from its start, into dst at doff,
// at most bufferLimit bytes at a time.
func copyWindows(dst *os.File, doff int64, src DataRef, n int64) (err error) {
	for off := int64(0); off < n; off += bufferLimit {
		end := off + bufferLimit
		if end > n {
			end = n
		}
		buf, err := src.ReadRange(off, end)
		if err != nil {
			return err
		}
		_, err = dst.WriteAt(buf, doff+off)
		if err != nil {
			return errors.Wrapf(err, "write %s", dst.Name())
		}
	}
	return
}

// copySection is the portable file-to-file copy.  (*os.File).ReadFrom
// still hands the work to the kernel where it can.
func copySection(dst *os.File, doff int64, src *os.File, soff int64, n int64) (err error) {
	w := io.NewOffsetWriter(dst, doff)
	copied, err := io.Copy(w, io.NewSectionReader(src, soff, n))
	if err != nil {
		return errors.Wrapf(err, "copy %s to %s", src.Name(), dst.Name())
	}
	if copied != n {
		return errors.Wrapf(io.ErrUnexpectedEOF, "copy %s to %s: %d of %d bytes", src.Name(), dst.Name(), copied, n)
	}
	return
}
