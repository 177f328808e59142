package db

import (
	"bytes"
	"io"
	"io/ioutil"
	"math/rand"
	"testing"

	"github.com/hlubek/readercomp"
	"github.com/pkg/errors"
)

var errDiskOnFire = errors.New("disk on fire")

// failingReader reads good to its end and then fails instead of
// returning io.EOF.
type failingReader struct {
	good io.Reader
}

func (r *failingReader) Read(p []byte) (n int, err error) {
	n, err = r.good.Read(p)
	if err == io.EOF {
		err = errDiskOnFire
	}
	return
}

// randStream supports the io.Reader interface -- see the RandStream
// function for usage.
type randStream struct {
	Size    int64
	nextPos int64
	rnd     *rand.Rand
}

func (s *randStream) Read(p []byte) (n int, err error) {
	start := s.nextPos
	if start >= s.Size {
		err = io.EOF
		return
	}
	if int64(len(p)) > s.Size-start {
		// don't return more than Size in total
		p = p[:s.Size-start]
	}
	n, err = s.rnd.Read(p)
	s.nextPos += int64(n)
	return
}

// RandStream returns a stream that produces `size` bytes of random
// data before EOF.  Every stream of the same size produces the same
// data.
func RandStream(size int64) (stream *randStream) {
	return &randStream{Size: size, rnd: rand.New(rand.NewSource(42))}
}

func TestRandStream(t *testing.T) {
	size := int64(3*miB + 17)
	buf, err := ioutil.ReadAll(RandStream(size))
	tassert(t, err == nil, "ReadAll: %v", err)
	tassert(t, size == int64(len(buf)), "size: expected %d got %d", size, len(buf))
	buf2, _ := ioutil.ReadAll(RandStream(size))
	tassert(t, bytes.Equal(buf, buf2), "streams differ")
}

func TestPutStream(t *testing.T) {
	db := setup(t, nil)
	key := mkbuf("stream")
	size := int64(3*miB + 17)

	n, err := db.PutStream(key, 1, RandStream(size))
	tassert(t, err == nil, "PutStream: %v", err)
	tassert(t, n == size, "n: expected %d got %d", size, n)

	ref, err := db.GetVersion(key, 1)
	tassert(t, err == nil, "%v", err)
	defer ref.Release()
	got, err := ref.Size()
	tassert(t, err == nil && got == size, "size %d err %v", got, err)

	// compare the two
	ok, err := readercomp.Equal(io.NewSectionReader(ref.File(), 0, size), RandStream(size), 4096)
	tassert(t, err == nil, "readercomp.Equal: %v", err)
	tassert(t, ok, "stream mismatch")

	// a shorter stream leaves nothing of the old value behind
	n, err = db.PutStream(key, 1, bytes.NewReader(mkbuf("tiny")))
	tassert(t, err == nil && n == 4, "n %d err %v", n, err)
	tassert(t, readVersion(t, db, key, 1) == "tiny", "overwrite failed")

	n, err = db.PutStream(key, 2, bytes.NewReader(nil))
	tassert(t, err == nil && n == 0, "n %d err %v", n, err)
	tassert(t, readVersion(t, db, key, 2) == "", "empty stream")

	_, err = db.PutStream(nil, 0, RandStream(1))
	tassert(t, err == ErrEmptyKey, "expected ErrEmptyKey, got %v", err)
}

func TestPutStreamFailure(t *testing.T) {
	db := setup(t, nil)
	key := mkbuf("unlucky")

	// a version that didn't exist doesn't appear
	_, err := db.PutStream(key, 7, &failingReader{good: bytes.NewReader(mkbuf("partial"))})
	tassert(t, errors.Cause(err) == errDiskOnFire, "expected read error, got %v", err)
	_, err = db.GetVersion(key, 7)
	tassert(t, err == ErrNotFound, "expected ErrNotFound, got %v", err)
	_, _, err = db.GetCurrent(key)
	tassert(t, err == ErrNotFound, "expected ErrNotFound, got %v", err)

	// an existing value survives a failure several chunks in
	size := int64(2*miB + 17)
	_, err = db.PutStream(key, 1, RandStream(size))
	tassert(t, err == nil, "%v", err)
	_, err = db.PutStream(key, 1, &failingReader{good: bytes.NewReader(make([]byte, 3*miB))})
	tassert(t, errors.Cause(err) == errDiskOnFire, "expected read error, got %v", err)

	ref, err := db.GetVersion(key, 1)
	tassert(t, err == nil, "%v", err)
	defer ref.Release()
	got, err := ref.Size()
	tassert(t, err == nil && got == size, "size %d err %v", got, err)
	ok, err := readercomp.Equal(io.NewSectionReader(ref.File(), 0, size), RandStream(size), 4096)
	tassert(t, err == nil, "readercomp.Equal: %v", err)
	tassert(t, ok, "old value damaged")

	tassert(t, pending(t, db, key) == 0, "pending file left behind")
}

// A stream put replaces the file; holders of the old value keep it.
func TestPutStreamHeld(t *testing.T) {
	db := setup(t, nil)
	key := mkbuf("held")
	put(t, db, key, 0, "old")

	held, err := db.GetVersion(key, 0)
	tassert(t, err == nil, "%v", err)
	tassert(t, held.Refs() == 2, "refs %d", held.Refs())

	n, err := db.PutStream(key, 0, bytes.NewReader(mkbuf("new value")))
	tassert(t, err == nil && n == 9, "n %d err %v", n, err)
	tassert(t, held.Refs() == 1, "cache kept the old handle: refs %d", held.Refs())
	tassert(t, readVersion(t, db, key, 0) == "new value", "new value missing")

	buf, err := held.ReadAll()
	tassert(t, err == nil && string(buf) == "old", "got %q err %v", buf, err)

	fresh, err := db.GetVersion(key, 0)
	tassert(t, err == nil, "%v", err)
	tassert(t, fresh != held, "lookup returned the replaced handle")
	err = fresh.Release()
	tassert(t, err == nil, "%v", err)

	err = held.Release()
	tassert(t, err == nil, "%v", err)
	tassert(t, held.Refs() == 0, "refs %d", held.Refs())
	tassert(t, readVersion(t, db, key, 0) == "new value", "new value clobbered")
}

// Values larger than bufferLimit are copied in windows, or file to
// file when the source is a file.
func TestLargeValues(t *testing.T) {
	defer func(limit int64) { bufferLimit = limit }(bufferLimit)
	bufferLimit = 1000

	db := setup(t, nil)
	size := int64(4567)
	want, err := ioutil.ReadAll(RandStream(size))
	tassert(t, err == nil, "%v", err)

	// reference built from small writes
	refkey := mkbuf("reference")
	err = db.Put(refkey, 0, ByteRef(make([]byte, size)))
	tassert(t, err == nil, "%v", err)
	ref, err := db.GetVersion(refkey, 0)
	tassert(t, err == nil, "%v", err)
	defer ref.Release()
	for off := int64(0); off < size; off += 100 {
		end := off + 100
		if end > size {
			end = size
		}
		err = ref.WriteRange(off, want[off:end])
		tassert(t, err == nil, "WriteRange(%d): %v", off, err)
	}

	compare := func(key []byte) {
		t.Helper()
		val, err := db.GetVersion(key, 0)
		tassert(t, err == nil, "%v", err)
		defer val.Release()
		got, err := val.Size()
		tassert(t, err == nil && got == size, "size %d err %v", got, err)
		ok, err := readercomp.Equal(
			io.NewSectionReader(val.File(), 0, size),
			io.NewSectionReader(ref.File(), 0, size), 512)
		tassert(t, err == nil, "readercomp.Equal: %v", err)
		tassert(t, ok, "%x differs from reference", key)
	}

	// windows through memory
	err = db.Put(mkbuf("windows"), 0, ByteRef(want))
	tassert(t, err == nil, "%v", err)
	compare(mkbuf("windows"))

	// file to file, over a longer old value
	err = db.Put(mkbuf("filecopy"), 0, ByteRef(make([]byte, 2*size)))
	tassert(t, err == nil, "%v", err)
	err = db.Put(mkbuf("filecopy"), 0, ref)
	tassert(t, err == nil, "%v", err)
	compare(mkbuf("filecopy"))
}
