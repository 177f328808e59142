package db

import (
	"bytes"
	"io"
	"io/ioutil"
	"testing"

	"github.com/pkg/errors"
)

func TestChunker(t *testing.T) {
	// polynomial was randomly generated from a call to chunker.Init()
	chunker, err := Rabin{Poly: 0x25d92e975e1aa3}.Init()
	tassert(t, err == nil, "%v", err)
	tassert(t, chunker.Poly > 0, "polynomial is %v", chunker.Poly)
	tassert(t, chunker.MinSize == defMinSize && chunker.MaxSize == defMaxSize,
		"bounds %d..%d", chunker.MinSize, chunker.MaxSize)

	size := int64(20 * miB)
	data, err := ioutil.ReadAll(RandStream(size))
	tassert(t, err == nil, "%v", err)

	chunker.Start(bytes.NewReader(data))
	buf := make([]byte, chunker.MaxSize)
	var gotstream []byte
	var chunks int
	for {
		chunk, err := chunker.Next(buf)
		if errors.Cause(err) == io.EOF {
			break
		}
		tassert(t, err == nil, "%v", err)
		expect := data[chunk.Start : chunk.Start+chunk.Length]
		tassert(t, bytes.Equal(expect, chunk.Data), "chunk at %d differs", chunk.Start)
		tassert(t, chunk.Length <= chunker.MaxSize, "chunk of %d bytes", chunk.Length)
		gotstream = append(gotstream, chunk.Data...)
		chunks++
	}
	tassert(t, chunks > 1, "only %d chunks", chunks)
	tassert(t, bytes.Equal(data, gotstream), "chunk: stream vs. gotstream mismatch")
}

func TestChunkerRandomPoly(t *testing.T) {
	a, err := Rabin{}.Init()
	tassert(t, err == nil, "%v", err)
	tassert(t, a.Poly != 0, "no polynomial")
	tassert(t, a.Poly.Irreducible(), "polynomial %v is reducible", a.Poly)
}

// chunkRecorder remembers the size of every write it gets.
type chunkRecorder struct {
	bytes.Buffer
	writes []int
	fail   error
}

func (r *chunkRecorder) Write(p []byte) (int, error) {
	if r.fail != nil {
		return 0, r.fail
	}
	r.writes = append(r.writes, len(p))
	return r.Buffer.Write(p)
}

func TestChunkerCopy(t *testing.T) {
	chunker, err := Rabin{Poly: 0x25d92e975e1aa3, MinSize: 64 * kiB, MaxSize: 256 * kiB}.Init()
	tassert(t, err == nil, "%v", err)

	size := int64(3*miB + 17)
	var rec chunkRecorder
	n, err := chunker.Copy(&rec, RandStream(size))
	tassert(t, err == nil, "Copy: %v", err)
	tassert(t, n == size, "n: expected %d got %d", size, n)
	tassert(t, len(rec.writes) > 1, "only %d writes", len(rec.writes))
	for i, w := range rec.writes {
		tassert(t, w <= int(chunker.MaxSize), "write %d has %d bytes", i, w)
	}
	want, err := ioutil.ReadAll(RandStream(size))
	tassert(t, err == nil, "%v", err)
	tassert(t, bytes.Equal(want, rec.Bytes()), "copy differs from stream")

	// empty stream
	rec = chunkRecorder{}
	n, err = chunker.Copy(&rec, bytes.NewReader(nil))
	tassert(t, err == nil && n == 0 && len(rec.writes) == 0, "n %d writes %d err %v", n, len(rec.writes), err)

	// errors on either side come back as they are
	_, err = chunker.Copy(&chunkRecorder{}, &failingReader{good: RandStream(kiB)})
	tassert(t, errors.Cause(err) == errDiskOnFire, "expected read error, got %v", err)
	_, err = chunker.Copy(&chunkRecorder{fail: errDiskOnFire}, RandStream(kiB))
	tassert(t, errors.Cause(err) == errDiskOnFire, "expected write error, got %v", err)
}
