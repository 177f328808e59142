package db

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// BestEffort offers the Db operations without error returns.  Failures
// are logged and turned into empty results, so callers can't tell a
// missing value from an I/O error.  It exists for callers written
// against that contract; new code should use Db directly.
type BestEffort struct {
	Db *Db
}

func logFailure(op string, err error) {
	log.WithError(err).Errorf("could not perform %s operation", op)
}

func (b BestEffort) Put(key []byte, version uint64, value DataRef) {
	err := b.Db.Put(key, version, value)
	if err != nil {
		logFailure("PUT", err)
	}
}

// Get returns every version of key, or nothing.
func (b BestEffort) Get(key []byte) []Versioned {
	vals, err := b.Db.Get(key)
	if err != nil {
		logFailure("GET", err)
		return []Versioned{}
	}
	return vals
}

// GetVersion returns nil if the version is missing or unreadable.
func (b BestEffort) GetVersion(key []byte, version uint64) *FileRef {
	ref, err := b.Db.GetVersion(key, version)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			logFailure("GET", err)
		}
		return nil
	}
	return ref
}

// GetCurrent returns (0, nil) if key is missing or unreadable.
func (b BestEffort) GetCurrent(key []byte) (uint64, *FileRef) {
	version, ref, err := b.Db.GetCurrent(key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			logFailure("GET", err)
		}
		return 0, nil
	}
	return version, ref
}

func (b BestEffort) DeleteVersion(key []byte, version uint64) {
	err := b.Db.DeleteVersion(key, version)
	if err != nil {
		logFailure("DELETE", err)
	}
}

func (b BestEffort) Delete(key []byte) {
	err := b.Db.Delete(key)
	if err != nil {
		logFailure("DELETE", err)
	}
}

func (b BestEffort) Iterate() []*KeyPointer {
	kps, err := b.Db.Iterate()
	if err != nil {
		logFailure("ITERATE", err)
		return []*KeyPointer{}
	}
	return kps
}
