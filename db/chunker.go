package db

import (
	"io"

	"github.com/pkg/errors"
	resticRabin "github.com/restic/chunker"
	log "github.com/sirupsen/logrus"
)

const (
	kiB = 1024
	miB = 1024 * kiB

	// defMinSize is the default minimal size of a chunk.
	defMinSize = 512 * kiB
	// defMaxSize is the default maximal size of a chunk.
	defMaxSize = 8 * miB
)

// Rabin cuts a stream of unknown length into content-defined chunks
// between MinSize and MaxSize bytes, using restic's chunker.  PutStream
// uses it so that no single write holds more than MaxSize bytes.
type Rabin struct {
	Poly    resticRabin.Pol
	C       *resticRabin.Chunker
	MinSize uint
	MaxSize uint
}

func (c Rabin) Init() (res *Rabin, err error) {
	if c.MinSize == 0 {
		c.MinSize = defMinSize
	}
	if c.MaxSize == 0 {
		c.MaxSize = defMaxSize
	}
	if c.Poly == 0 {
		c.Poly, err = resticRabin.RandomPolynomial()
	}
	return &c, err
}

func (c *Rabin) Start(rd io.Reader) {
	c.C = resticRabin.NewWithBoundaries(rd, c.Poly, c.MinSize, c.MaxSize)
}

// Next fills buf with the next chunk.  buf should have a capacity of at
// least MaxSize so the chunker doesn't reallocate.  After the last
// chunk, Next returns io.EOF.
func (c *Rabin) Next(buf []byte) (chunk resticRabin.Chunk, err error) {
	return c.C.Next(buf)
}

// Copy chunks rd and writes every chunk to dst in order, reusing one
// MaxSize buffer.  It returns the number of bytes written.
func (c *Rabin) Copy(dst io.Writer, rd io.Reader) (n int64, err error) {
	c.Start(rd)
	buf := make([]byte, c.MaxSize)
	var chunks int
	for {
		chunk, err := c.Next(buf)
		if errors.Cause(err) == io.EOF {
			break
		}
		if err != nil {
			return n, err
		}
		w, err := dst.Write(chunk.Data)
		n += int64(w)
		if err != nil {
			return n, err
		}
		chunks++
	}
	log.Debugf("chunked %d bytes into %d chunks", n, chunks)
	return
}
