package db

import (
	"bytes"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/renameio"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
)

// Db is a versioned key-value database stored as one file per (key,
// version) under Dir.  Value files are grouped into shard directories
// named after the first key byte to keep directory sizes small.
//
// A Db is owned by one goroutine at a time.  Its caches and the
// reference counts of the FileRefs it returns are unsynchronized;
// concurrent callers must serialize access themselves.
type Db struct {
	Dir     string // absolute base directory
	Config  Config
	handles *handleCache
	shards  *shardCache
	live    map[string]*FileRef // every open FileRef by path, cached or not
}

// Versioned pairs a version number with its value.
type Versioned struct {
	Version uint64
	Ref     *FileRef
}

// Open opens the database in dir, using dir/config.json if present.
func Open(dir string) (db *Db, err error) {
	err = checkAccess(dir)
	if err != nil {
		abs, _ := filepath.Abs(dir)
		return nil, &AccessError{Dir: abs, Err: err}
	}
	cfg, err := LoadConfig(dir)
	if err != nil {
		return
	}
	return cfg.Open()
}

// Open opens the database described by cfg.  It fails with an
// *AccessError unless cfg.Dir is a readable and writable directory.
func (cfg Config) Open() (db *Db, err error) {
	defer Return(&err)

	dir, err := filepath.Abs(cfg.Dir)
	Ck(err)
	err = checkAccess(dir)
	if err != nil {
		return nil, &AccessError{Dir: dir, Err: err}
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defCacheSize
	}
	cfg.Dir = dir

	db = &Db{Dir: dir, Config: cfg, live: make(map[string]*FileRef)}
	db.handles, err = newHandleCache(cfg.CacheSize)
	Ck(err)
	db.shards, err = newShardCache()
	Ck(err)

	err = db.sweep()
	Ck(err)

	log.Debugf("started on %s", dir)
	return
}

// Close drops the handle cache's references and forgets all cached
// paths.  Handles still held by callers stay open until released.
func (db *Db) Close() error {
	db.handles.purge()
	db.shards.purge()
	log.Debugf("closed database at %s", db.Dir)
	return nil
}

func (db *Db) shardDir(key []byte) string {
	shard := shardName(key)
	dir, ok := db.shards.get(shard)
	if !ok {
		dir = filepath.Join(db.Dir, shard)
		db.shards.add(shard, dir)
	}
	return dir
}

// shardDirs lists the shard directories that exist on disk.
func (db *Db) shardDirs() (dirs []string, err error) {
	entries, err := ioutil.ReadDir(db.Dir)
	if err != nil {
		return nil, errors.Wrapf(err, "list %s", db.Dir)
	}
	for _, entry := range entries {
		if entry.IsDir() && isShardName(entry.Name()) {
			dirs = append(dirs, filepath.Join(db.Dir, entry.Name()))
		}
	}
	return
}

// sweep removes deleted values whose holders went away without
// releasing them, and stream writes that never finished, e.g. because
// the process died.
func (db *Db) sweep() (err error) {
	defer Return(&err)
	dirs, err := db.shardDirs()
	Ck(err)
	for _, dir := range dirs {
		entries, err := ioutil.ReadDir(dir)
		Ck(err)
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || !(strings.HasSuffix(name, tombSuffix) || isPending(name)) {
				continue
			}
			err = os.Remove(filepath.Join(dir, entry.Name()))
			Ck(err)
			log.Debugf("swept %s", entry.Name())
		}
	}
	return
}

// ref4Path returns a retained FileRef for path, from the handle cache
// if possible.  A FileRef that was evicted while a caller still holds
// it is reused and cached again, so there is never more than one open
// FileRef per path.  A newly opened FileRef is added to the cache,
// which may evict another one.
func (db *Db) ref4Path(path *Path, create bool) (ref *FileRef, err error) {
	ref, ok := db.handles.get(path.Abs)
	if ok {
		return ref, nil
	}
	ref, ok = db.live[path.Abs]
	if ok {
		ref.Retain()
		db.handles.add(ref)
		return
	}
	ref, err = openFileRef(path, create, !db.Config.NoSync)
	if err != nil {
		return nil, err
	}
	db.live[path.Abs] = ref
	db.handles.add(ref)
	return
}

// forget detaches ref from its path: lookups stop finding it and the
// cache drops its reference.  Holders keep using it until they
// release it.
func (db *Db) forget(ref *FileRef) {
	db.unlist(ref)
	db.handles.remove(ref)
}

func (db *Db) unlist(ref *FileRef) {
	if db.live[ref.Path.Abs] == ref {
		delete(db.live, ref.Path.Abs)
	}
}

// key2Paths lists the value files of key in ascending version order.
func (db *Db) key2Paths(key []byte) (paths []*Path, err error) {
	defer Return(&err)
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}
	dir := db.shardDir(key)
	entries, err := ioutil.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	Ck(err)
	prefix := keyPrefix(key)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) {
			continue
		}
		k, version, err := parseName(name)
		if err != nil || !bytes.Equal(k, key) {
			continue
		}
		path, err := Path{}.New(db, key, version)
		Ck(err)
		paths = append(paths, path)
	}
	sort.Slice(paths, func(i, j int) bool { return paths[i].Version < paths[j].Version })
	return
}

// Put stores value as the given version of key, replacing any previous
// content of that version.
func (db *Db) Put(key []byte, version uint64, value DataRef) (err error) {
	defer Return(&err)

	path, err := Path{}.New(db, key, version)
	if err != nil {
		return
	}
	size, err := value.Size()
	Ck(err)

	err = os.MkdirAll(filepath.Dir(path.Abs), 0755)
	Ck(err)
	ref, err := db.ref4Path(path, true)
	Ck(err)
	defer func() {
		relErr := ref.Release()
		if err == nil {
			err = relErr
		}
	}()

	err = ref.Truncate(size)
	Ck(err)

	switch {
	case size == 0:
		// nothing to write
	case size <= bufferLimit:
		buf, err := value.ReadAll()
		Ck(err)
		_, err = ref.fh.WriteAt(buf, 0)
		Ck(err)
	case value.File() != nil:
		// too big for one buffer, but the kernel can move it for us
		err = copyFile(ref.fh, 0, value.File(), 0, size)
		Ck(err)
	default:
		err = copyWindows(ref.fh, 0, value, size)
		Ck(err)
	}
	log.Debugf("put %s (%d bytes)", path.Rel, size)
	return
}

// PutStream stores everything read from rd as the given version of key
// and returns the number of bytes stored.  The data is collected in a
// pending file next to the value and renamed into place once rd is
// exhausted, so a failed read leaves the version as it was.  Holders
// of the previous content keep reading it until they release it.
func (db *Db) PutStream(key []byte, version uint64, rd io.Reader) (n int64, err error) {
	defer Return(&err)

	path, err := Path{}.New(db, key, version)
	if err != nil {
		return
	}
	chunker, err := Rabin{Poly: db.Config.Poly, MinSize: db.Config.MinSize, MaxSize: db.Config.MaxSize}.Init()
	Ck(err)

	err = os.MkdirAll(filepath.Dir(path.Abs), 0755)
	Ck(err)
	pf, err := renameio.TempFile(filepath.Dir(path.Abs), path.Abs)
	Ck(err)
	defer pf.Cleanup()
	err = pf.Chmod(0644)
	Ck(err)

	n, err = chunker.Copy(pf, rd)
	if err != nil {
		return 0, errors.Wrapf(err, "put stream %s", path.Rel)
	}
	err = pf.CloseAtomicallyReplace()
	Ck(err)

	// whatever is open under this name is the old inode now
	if old, ok := db.live[path.Abs]; ok {
		db.forget(old)
	}
	log.Debugf("put stream %s (%d bytes)", path.Rel, n)
	return
}

// Get returns every version of key in ascending order, each retained
// once for the caller.  An unknown key yields an empty slice.
func (db *Db) Get(key []byte) (vals []Versioned, err error) {
	paths, err := db.key2Paths(key)
	if err != nil {
		return
	}
	return db.getPaths(paths)
}

// getPaths resolves paths to retained FileRefs.  Paths whose files
// disappeared in the meantime are skipped.
func (db *Db) getPaths(paths []*Path) (vals []Versioned, err error) {
	vals = make([]Versioned, 0, len(paths))
	for _, path := range paths {
		ref, err := db.ref4Path(path, false)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			ReleaseAll(vals)
			return nil, err
		}
		vals = append(vals, Versioned{Version: path.Version, Ref: ref})
	}
	return
}

// GetVersion returns the given version of key, retained once for the
// caller, or ErrNotFound.
func (db *Db) GetVersion(key []byte, version uint64) (ref *FileRef, err error) {
	path, err := Path{}.New(db, key, version)
	if err != nil {
		return
	}
	return db.ref4Path(path, false)
}

// GetCurrent returns the highest version of key and its value,
// retained once for the caller, or ErrNotFound.
func (db *Db) GetCurrent(key []byte) (version uint64, ref *FileRef, err error) {
	paths, err := db.key2Paths(key)
	if err != nil {
		return
	}
	if len(paths) == 0 {
		return 0, nil, ErrNotFound
	}
	path := paths[len(paths)-1]
	ref, err = db.ref4Path(path, false)
	if err != nil {
		return 0, nil, err
	}
	return path.Version, ref, nil
}

// DeleteVersion deletes one version of key.  The value is truncated and
// disappears from lookups at once; the file itself is unlinked when the
// last outstanding FileRef on it is released.  Deleting a missing
// version is a no-op.
func (db *Db) DeleteVersion(key []byte, version uint64) (err error) {
	ref, err := db.GetVersion(key, version)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return
	}
	return db.delete(ref)
}

// Delete deletes every version of key.
func (db *Db) Delete(key []byte) (err error) {
	vals, err := db.Get(key)
	if err != nil {
		return
	}
	for _, val := range vals {
		delErr := db.delete(val.Ref)
		if delErr != nil && err == nil {
			err = delErr
		}
	}
	return
}

// delete consumes the caller's reference on ref.
func (db *Db) delete(ref *FileRef) (err error) {
	err = ref.doom()
	if err != nil {
		ref.Release()
		return
	}
	// balance the cache retain, then our own
	db.forget(ref)
	err = ref.Release()
	log.Debugf("deleted %s", ref.Path.Rel)
	return
}

// Iterate scans all shard directories once and returns one KeyPointer
// per stored key, sorted by key.  The KeyPointers are a snapshot; later
// puts and deletes are not reflected in them.
func (db *Db) Iterate() (kps []*KeyPointer, err error) {
	defer Return(&err)

	dirs, err := db.shardDirs()
	Ck(err)
	groups := make(map[string]*KeyPointer)
	for _, dir := range dirs {
		shard := filepath.Base(dir)
		entries, err := ioutil.ReadDir(dir)
		Ck(err)
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			key, version, err := parseName(entry.Name())
			if err != nil {
				if !strings.HasSuffix(entry.Name(), tombSuffix) {
					log.Debugf("iterate: skipping %s: %v", entry.Name(), err)
				}
				continue
			}
			if shardName(key) != shard {
				log.Debugf("iterate: %s is in the wrong shard %s", entry.Name(), shard)
				continue
			}
			kp, ok := groups[string(key)]
			if !ok {
				kp = &KeyPointer{db: db, key: key, versions: make(map[uint64]*Path)}
				groups[string(key)] = kp
			}
			path, err := Path{}.New(db, key, version)
			Ck(err)
			kp.versions[version] = path
		}
	}

	kps = make([]*KeyPointer, 0, len(groups))
	for _, kp := range groups {
		kps = append(kps, kp)
	}
	sort.Slice(kps, func(i, j int) bool { return kps[i].Less(kps[j]) })
	return
}

// ReleaseAll releases every value in vals and returns the first error.
func ReleaseAll(vals []Versioned) (err error) {
	for _, val := range vals {
		relErr := val.Ref.Release()
		if relErr != nil && err == nil {
			err = relErr
		}
	}
	return
}
