package db

import (
	"encoding/hex"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	// shardWidth is the number of leading key bytes that name a shard
	// directory.  Every code path that builds or scans a shard goes
	// through shardName or isShardName.
	shardWidth = 1

	valSuffix  = ".val"
	tombSuffix = ".del"
	verSep     = "v"

	// renameio names its temp files "." + base name + random digits
	pendingPrefix = "."
)

// Path locates one (key, version) value file.
//
// - Abs: absolute path on disk, including the shard dir
// - Rel: path relative to Db.Dir, including the shard dir
// - Canon: file name without the shard dir
type Path struct {
	Db      *Db
	Key     []byte
	Version uint64
	Shard   string
	Abs     string
	Rel     string
	Canon   string
}

// New builds the Path for key at version.
func (path Path) New(db *Db, key []byte, version uint64) (res *Path, err error) {
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}
	path.Db = db
	path.Key = key
	path.Version = version
	path.Shard = shardName(key)
	path.Canon = valueName(key, version)
	path.Rel = filepath.Join(path.Shard, path.Canon)
	path.Abs = filepath.Join(db.shardDir(key), path.Canon)
	return &path, nil
}

// EncodeKey returns the canonical file-name encoding of key: lowercase
// hex, two characters per byte.
func EncodeKey(key []byte) string {
	return hex.EncodeToString(key)
}

// DecodeKey is the inverse of EncodeKey.
func DecodeKey(s string) ([]byte, error) {
	if s != strings.ToLower(s) {
		return nil, errors.Errorf("not a canonical key encoding: %q", s)
	}
	return hex.DecodeString(s)
}

func shardName(key []byte) string {
	return EncodeKey(key[:shardWidth])
}

func isShardName(name string) bool {
	if len(name) != 2*shardWidth {
		return false
	}
	_, err := DecodeKey(name)
	return err == nil
}

func valueName(key []byte, version uint64) string {
	return EncodeKey(key) + verSep + strconv.FormatUint(version, 10) + valSuffix
}

// isPending reports whether name is a stream write that has not been
// renamed into place yet.
func isPending(name string) bool {
	return strings.HasPrefix(name, pendingPrefix) && strings.Contains(name, valSuffix)
}

// keyPrefix is what every value file name of key starts with.
func keyPrefix(key []byte) string {
	return EncodeKey(key) + verSep
}

// parseName splits a value file name into key and version.  Names that
// EncodeKey and valueName could not have produced are rejected.
func parseName(name string) (key []byte, version uint64, err error) {
	if !strings.HasSuffix(name, valSuffix) {
		return nil, 0, errors.Errorf("not a value file: %q", name)
	}
	parts := strings.Split(strings.TrimSuffix(name, valSuffix), verSep)
	if len(parts) != 2 || len(parts[0]) == 0 {
		return nil, 0, errors.Errorf("malformed value file name: %q", name)
	}
	key, err = DecodeKey(parts[0])
	if err != nil {
		return nil, 0, errors.Wrapf(err, "malformed key in %q", name)
	}
	version, err = strconv.ParseUint(parts[1], 10, 64)
	if err != nil || strconv.FormatUint(version, 10) != parts[1] {
		return nil, 0, errors.Errorf("malformed version in %q", name)
	}
	return
}
