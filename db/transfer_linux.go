package db

import (
	"io"
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// maxCopyRange caps a single copy_file_range(2) request.
const maxCopyRange = 1 << 30

// copyFile copies n bytes from src at soff to dst at doff without
// passing the data through user space.
func copyFile(dst *os.File, doff int64, src *os.File, soff int64, n int64) (err error) {
	rfd := int(src.Fd())
	wfd := int(dst.Fd())
	for n > 0 {
		chunk := n
		if chunk > maxCopyRange {
			chunk = maxCopyRange
		}
		w, err := unix.CopyFileRange(rfd, &soff, wfd, &doff, int(chunk), 0)
		switch {
		case errors.Is(err, unix.EXDEV), errors.Is(err, unix.ENOSYS),
			errors.Is(err, unix.EINVAL), errors.Is(err, unix.EOPNOTSUPP):
			log.Debugf("copy_file_range %s: %v, falling back", dst.Name(), err)
			return copySection(dst, doff, src, soff, n)
		case err != nil:
			return errors.Wrapf(err, "copy_file_range %s to %s", src.Name(), dst.Name())
		case w == 0:
			return errors.Wrapf(io.ErrUnexpectedEOF, "copy_file_range %s to %s", src.Name(), dst.Name())
		}
		n -= int64(w)
	}
	return
}
