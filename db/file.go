package db

import (
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
)

// FileRef is a reference-counted handle on one value file.  The Db
// hands out FileRefs from Get, GetVersion, GetCurrent, and KeyPointer;
// every one of those calls retains the FileRef once on behalf of the
// caller, and the caller must balance it with exactly one Release.
//
// While a FileRef sits in the Db's handle cache the cache holds one more
// reference of its own, which only the cache can drop.  When the count
// reaches zero the handle is closed, and if the value was deleted in
// the meantime the file is unlinked.  A file is never removed while
// anybody still holds a reference to it.
//
// There is at most one open FileRef per value file.  A FileRef evicted
// from the cache while a caller still holds it stays registered with
// the Db, and lookups hand it out again instead of opening the file a
// second time; deleting the value dooms that same FileRef.
//
// A FileRef is not safe for concurrent use.
type FileRef struct {
	Path   *Path
	fh     *os.File
	refs   int
	cached bool
	doomed bool
	tomb   string // where a deleted file waits for its last holder
}

var _ DataRef = (*FileRef)(nil)

// openFileRef opens the value file at path, creating it if create is
// set.  The new FileRef has one reference, owned by the caller.
func openFileRef(path *Path, create, sync bool) (ref *FileRef, err error) {
	defer Return(&err)
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	if sync {
		flags |= os.O_SYNC
	}
	fh, err := os.OpenFile(path.Abs, flags, 0644)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	Ck(err)
	ref = &FileRef{Path: path, fh: fh, refs: 1}
	return
}

// Refs returns the current reference count, including the cache's.
func (ref *FileRef) Refs() int {
	return ref.refs
}

// Retain takes one more caller reference.
func (ref *FileRef) Retain() {
	Assert(ref.refs > 0, "retain of closed file %s", ref.Path.Abs)
	ref.refs++
}

// Release drops one caller reference.  Releasing more references than
// were handed out is a bookkeeping bug in the caller and panics; the
// cache's own reference can never be released this way.
func (ref *FileRef) Release() error {
	floor := 0
	if ref.cached {
		floor = 1
	}
	Assert(ref.refs > floor, "release of unowned reference to %s: refs %d cached %v", ref.Path.Abs, ref.refs, ref.cached)
	return ref.drop()
}

// uncache drops the reference held by the handle cache.  It is the
// cache's removal hook and runs on eviction, removal, and purge.
func (ref *FileRef) uncache() error {
	Assert(ref.cached, "uncache of uncached file %s", ref.Path.Abs)
	ref.cached = false
	return ref.drop()
}

func (ref *FileRef) drop() (err error) {
	ref.refs--
	if ref.refs > 0 {
		return
	}
	ref.Path.Db.unlist(ref)
	err = ref.fh.Close()
	if err != nil {
		err = errors.Wrapf(err, "close %s", ref.Path.Abs)
	}
	if ref.doomed {
		rmErr := os.Remove(ref.tomb)
		if rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
			err = errors.Wrapf(rmErr, "unlink %s", ref.tomb)
		}
		log.Debugf("unlinked %s", ref.tomb)
	}
	return
}

// doom truncates the value and moves it out of the key's namespace.
// The data is unlinked once the last reference is dropped.
func (ref *FileRef) doom() (err error) {
	defer Return(&err)
	if ref.doomed {
		return
	}
	err = ref.fh.Truncate(0)
	Ck(err)
	tomb := fmt.Sprintf("%s.%d%s", ref.Path.Abs, time.Now().UnixNano(), tombSuffix)
	err = os.Rename(ref.Path.Abs, tomb)
	Ck(err)
	ref.tomb = tomb
	ref.doomed = true
	return
}

// Doomed reports whether the value has been deleted.
func (ref *FileRef) Doomed() bool {
	return ref.doomed
}

// File returns the open handle.
func (ref *FileRef) File() *os.File {
	return ref.fh
}

// Size returns the current length of the value file.
func (ref *FileRef) Size() (n int64, err error) {
	info, err := ref.fh.Stat()
	if err != nil {
		return 0, errors.Wrapf(err, "stat %s", ref.Path.Abs)
	}
	return info.Size(), nil
}

// Truncate sets the length of the value file.
func (ref *FileRef) Truncate(size int64) error {
	return errors.Wrapf(ref.fh.Truncate(size), "truncate %s", ref.Path.Abs)
}

func (ref *FileRef) readAt(buf []byte, off int64) error {
	n, err := ref.fh.ReadAt(buf, off)
	if err == io.EOF && n == len(buf) {
		err = nil
	}
	return errors.Wrapf(err, "read %s", ref.Path.Abs)
}

func (ref *FileRef) ReadAll() (buf []byte, err error) {
	size, err := ref.Size()
	if err != nil {
		return
	}
	if size > math.MaxInt {
		return nil, &RangeError{Op: "ReadAll", Start: 0, End: size, Size: size}
	}
	buf = make([]byte, size)
	err = ref.readAt(buf, 0)
	if err != nil {
		return nil, err
	}
	return
}

func (ref *FileRef) ByteAt(i int64) (b byte, err error) {
	buf, err := ref.ReadRange(i, i+1)
	if err != nil {
		if rerr, ok := err.(*RangeError); ok {
			rerr.Op = "ByteAt"
		}
		return
	}
	return buf[0], nil
}

func (ref *FileRef) ReadRange(start, end int64) (buf []byte, err error) {
	size, err := ref.Size()
	if err != nil {
		return
	}
	err = ckRange("ReadRange", start, end, size)
	if err != nil {
		return
	}
	buf = make([]byte, end-start)
	err = ref.readAt(buf, start)
	if err != nil {
		return nil, err
	}
	return
}

func (ref *FileRef) SetByte(i int64, b byte) (err error) {
	err = ref.WriteRange(i, []byte{b})
	if rerr, ok := err.(*RangeError); ok {
		rerr.Op = "SetByte"
	}
	return
}

func (ref *FileRef) WriteRange(start int64, buf []byte) (err error) {
	size, err := ref.Size()
	if err != nil {
		return
	}
	err = ckRange("WriteRange", start, start+int64(len(buf)), size)
	if err != nil {
		return
	}
	_, err = ref.fh.WriteAt(buf, start)
	return errors.Wrapf(err, "write %s", ref.Path.Abs)
}

// WriteFrom copies src into the value starting at start.  File-backed
// sources are transferred file to file.
func (ref *FileRef) WriteFrom(start int64, src DataRef) (err error) {
	n, err := src.Size()
	if err != nil {
		return
	}
	size, err := ref.Size()
	if err != nil {
		return
	}
	err = ckRange("WriteFrom", start, start+n, size)
	if err != nil {
		return
	}
	if n == 0 {
		return
	}
	sfh := src.File()
	if sfh == nil || sfh == ref.fh {
		return copyWindows(ref.fh, start, src, n)
	}
	return copyFile(ref.fh, start, sfh, 0, n)
}

func (ref *FileRef) CopyInto(dst DataRef, offset int64) error {
	return dst.WriteFrom(offset, ref)
}

func (ref *FileRef) CopyTo(buf []byte, offset int64) (err error) {
	size, err := ref.Size()
	if err != nil {
		return
	}
	err = ckRange("CopyTo", offset, offset+size, int64(len(buf)))
	if err != nil {
		return
	}
	return ref.readAt(buf[offset:offset+size], 0)
}

func (ref *FileRef) String() string {
	return fmt.Sprintf("%s (refs %d)", ref.Path.Canon, ref.refs)
}
