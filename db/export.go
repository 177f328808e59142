package db

import (
	"bytes"
	"io"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
	"github.com/vmihailenco/msgpack"
)

// exportChunk is the most value data carried by one export record.
var exportChunk int64 = miB

// exportRecord is one msgpack message of an export stream.  A value
// is sent as one or more records for the same key and version, the
// last one flagged with Last.
type exportRecord struct {
	Key     []byte `msgpack:"k"`
	Version uint64 `msgpack:"v"`
	Data    []byte `msgpack:"d"`
	Last    bool   `msgpack:"l"`
}

// Export writes every version of every key to w as a stream of
// msgpack records, and returns the number of values written.
func (db *Db) Export(w io.Writer) (n int, err error) {
	defer Return(&err)
	kps, err := db.Iterate()
	Ck(err)
	enc := msgpack.NewEncoder(w)
	for _, kp := range kps {
		for _, version := range kp.Versions() {
			ref, err := kp.Value(version)
			if errors.Is(err, ErrNotFound) {
				// deleted since Iterate
				continue
			}
			Ck(err)
			err = exportValue(enc, kp.key, version, ref)
			relErr := ref.Release()
			Ck(err)
			Ck(relErr)
			n++
		}
	}
	log.Debugf("exported %d values", n)
	return
}

func exportValue(enc *msgpack.Encoder, key []byte, version uint64, ref DataRef) (err error) {
	size, err := ref.Size()
	if err != nil {
		return
	}
	for off := int64(0); ; off += exportChunk {
		end := off + exportChunk
		if end > size {
			end = size
		}
		data, err := ref.ReadRange(off, end)
		if err != nil {
			return err
		}
		rec := exportRecord{Key: key, Version: version, Data: data, Last: end == size}
		err = enc.Encode(&rec)
		if err != nil {
			return errors.Wrapf(err, "export %sv%d", EncodeKey(key), version)
		}
		if rec.Last {
			return nil
		}
	}
}

// Import reads an Export stream from rd and puts every value in it,
// replacing existing versions of the same keys.  It returns the number
// of values stored.
func (db *Db) Import(rd io.Reader) (n int, err error) {
	defer Return(&err)
	dec := msgpack.NewDecoder(rd)
	for {
		var rec exportRecord
		err = dec.Decode(&rec)
		if errors.Cause(err) == io.EOF {
			break
		}
		Ck(err)
		vr := &recordReader{dec: dec, key: rec.Key, version: rec.Version, buf: rec.Data, last: rec.Last}
		_, err = db.PutStream(rec.Key, rec.Version, vr)
		Ck(err)
		n++
	}
	log.Debugf("imported %d values", n)
	return n, nil
}

// recordReader reads the data of one value from consecutive export
// records.
type recordReader struct {
	dec     *msgpack.Decoder
	key     []byte
	version uint64
	buf     []byte
	last    bool
}

func (r *recordReader) Read(p []byte) (n int, err error) {
	for len(r.buf) == 0 {
		if r.last {
			return 0, io.EOF
		}
		var rec exportRecord
		err = r.dec.Decode(&rec)
		if errors.Cause(err) == io.EOF {
			return 0, errors.Wrapf(io.ErrUnexpectedEOF, "import %sv%d", EncodeKey(r.key), r.version)
		}
		if err != nil {
			return 0, err
		}
		if !bytes.Equal(rec.Key, r.key) || rec.Version != r.version {
			return 0, errors.Errorf("import %sv%d: record for %sv%d cuts in",
				EncodeKey(r.key), r.version, EncodeKey(rec.Key), rec.Version)
		}
		r.buf = rec.Data
		r.last = rec.Last
	}
	n = copy(p, r.buf)
	r.buf = r.buf[n:]
	return
}
