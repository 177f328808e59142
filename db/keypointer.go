package db

import (
	"bytes"
	"sort"
)

// KeyPointer is a snapshot of one key's versions, taken by Iterate.
// Values are opened through the Db's handle cache without rescanning
// the shard directory.
type KeyPointer struct {
	db       *Db
	key      []byte
	versions map[uint64]*Path
}

// Key returns a copy of the key.
func (kp *KeyPointer) Key() []byte {
	return append([]byte(nil), kp.key...)
}

// Versions returns the known versions in ascending order.
func (kp *KeyPointer) Versions() (versions []uint64) {
	versions = make([]uint64, 0, len(kp.versions))
	for version := range kp.versions {
		versions = append(versions, version)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return
}

// Value returns the given version, retained once for the caller.
func (kp *KeyPointer) Value(version uint64) (ref *FileRef, err error) {
	path, ok := kp.versions[version]
	if !ok {
		return nil, ErrNotFound
	}
	return kp.db.ref4Path(path, false)
}

// Current returns the highest version, retained once for the caller.
func (kp *KeyPointer) Current() (version uint64, ref *FileRef, err error) {
	versions := kp.Versions()
	if len(versions) == 0 {
		return 0, nil, ErrNotFound
	}
	version = versions[len(versions)-1]
	ref, err = kp.Value(version)
	if err != nil {
		return 0, nil, err
	}
	return
}

// Values returns every version, each retained once for the caller.
func (kp *KeyPointer) Values() (vals []Versioned, err error) {
	paths := make([]*Path, 0, len(kp.versions))
	for _, version := range kp.Versions() {
		paths = append(paths, kp.versions[version])
	}
	return kp.db.getPaths(paths)
}

// Less orders KeyPointers by unsigned lexicographic key order.
func (kp *KeyPointer) Less(other *KeyPointer) bool {
	return bytes.Compare(kp.key, other.key) < 0
}
