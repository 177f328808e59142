package db

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	. "github.com/stevegt/goadapt"
)

const testDbDirPrefix = "fsdb"

func mkbuf(s string) []byte {
	tmp := []byte(s)
	return tmp
}

func setup(t testing.TB, cfg *Config) *Db {
	var err error
	var dir string

	if cfg == nil {
		cfg = &Config{}
	}
	Assert(cfg.Dir == "")

	debug := os.Getenv("DEBUG")
	if debug == "1" {
		dir, err = ioutil.TempDir("", testDbDirPrefix)
		Ck(err)
		fmt.Println(dir)
		// no cleanup
	} else {
		dir = t.TempDir()
		// automatically cleaned up
	}
	cfg.Dir = dir

	db, err := cfg.Create()
	Ck(err)
	tassert(t, db != nil, "db is nil")
	t.Cleanup(func() { db.Close() })

	return db
}

// put stores s and fails the test on error.
func put(t testing.TB, db *Db, key []byte, version uint64, s string) {
	t.Helper()
	err := db.Put(key, version, ByteRef(s))
	tassert(t, err == nil, "put %x v%d: %v", key, version, err)
}

// readVersion returns the content of one version and releases it.
func readVersion(t testing.TB, db *Db, key []byte, version uint64) string {
	t.Helper()
	ref, err := db.GetVersion(key, version)
	tassert(t, err == nil, "get %x v%d: %v", key, version, err)
	buf, err := ref.ReadAll()
	tassert(t, err == nil, "ReadAll: %v", err)
	err = ref.Release()
	tassert(t, err == nil, "Release: %v", err)
	return string(buf)
}

// tombstones counts deleted files still waiting for their holders.
func tombstones(t testing.TB, db *Db, key []byte) int {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(db.Dir, shardName(key), "*"+tombSuffix))
	tassert(t, err == nil, "glob: %v", err)
	return len(matches)
}

// pending counts stream writes that were never renamed into place.
func pending(t testing.TB, db *Db, key []byte) int {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(db.Dir, shardName(key), pendingPrefix+"*"))
	tassert(t, err == nil, "glob: %v", err)
	return len(matches)
}

// mustPanic fails the test unless fn panics.
func mustPanic(t testing.TB, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		tassert(t, r != nil, "expected panic")
	}()
	fn()
}

// test boolean condition
func tassert(t testing.TB, cond bool, txt string, args ...interface{}) {
	t.Helper() // cause file:line info to show caller
	if !cond {
		t.Fatalf(txt, args...)
	}
}
