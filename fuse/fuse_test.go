package fuse

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"testing"

	gofuse "github.com/hanwen/go-fuse/v2/fuse"
	. "github.com/stevegt/goadapt"
	"github.com/t7a/fsdb/db"
)

const testDbDirPrefix = "fsdb_db"

// test boolean condition
func tassert(t *testing.T, cond bool, txt string, args ...interface{}) {
	t.Helper() // cause file:line info to show caller
	if !cond {
		t.Fatalf(txt, args...)
	}
}

func setup(t *testing.T) (d *db.Db, mnt string) {
	var err error
	var dir string

	if _, err := os.Stat("/dev/fuse"); err != nil {
		t.Skipf("no fuse device: %v", err)
	}

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

	d, err = db.Config{Dir: dir}.Create()
	Ck(err)
	t.Cleanup(func() { d.Close() })

	mnt = t.TempDir()
	return
}

func mount(t *testing.T, d *db.Db, mnt string) {
	server, err := Serve(d, mnt, os.Getenv("DEBUG") == "1")
	if err != nil {
		t.Skipf("cannot mount: %v", err)
	}
	t.Cleanup(func() { umount(t, server) })
}

func umount(t *testing.T, server *gofuse.Server) {
	err := server.Unmount()
	tassert(t, err == nil, "unmount: %v", err)
}

func ls(t *testing.T, dir string) string {
	t.Helper()
	entries, err := ioutil.ReadDir(dir)
	tassert(t, err == nil, "ReadDir %s: %v", dir, err)
	var names []string
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return strings.Join(names, " ")
}

func TestMount(t *testing.T) {
	d, mnt := setup(t)
	key := []byte{0xde, 0xad, 0xbe, 0xef}
	for v, s := range []string{"hello", "world"} {
		err := d.Put(key, uint64(v), db.ByteRef(s))
		Ck(err)
	}
	err := d.Put([]byte{0x01}, 10, db.ByteRef("ten"))
	Ck(err)
	mount(t, d, mnt)

	got := ls(t, mnt)
	tassert(t, got == "01 deadbeef", "root: %q", got)
	got = ls(t, filepath.Join(mnt, "deadbeef"))
	tassert(t, got == "0 1 current", "key dir: %q", got)

	buf, err := ioutil.ReadFile(filepath.Join(mnt, "deadbeef", "0"))
	tassert(t, err == nil && string(buf) == "hello", "got %q err %v", buf, err)
	buf, err = ioutil.ReadFile(filepath.Join(mnt, "deadbeef", "current"))
	tassert(t, err == nil && string(buf) == "world", "got %q err %v", buf, err)
	buf, err = ioutil.ReadFile(filepath.Join(mnt, "01", "current"))
	tassert(t, err == nil && string(buf) == "ten", "got %q err %v", buf, err)

	info, err := os.Stat(filepath.Join(mnt, "deadbeef", "1"))
	tassert(t, err == nil && info.Size() == 5, "stat %v err %v", info, err)

	for _, missing := range []string{"02", "xyz", "deadbeef/2", "deadbeef/01", "01/0"} {
		_, err = os.Stat(filepath.Join(mnt, missing))
		tassert(t, os.IsNotExist(err), "%s: expected ENOENT, got %v", missing, err)
	}
}

func TestReadOnly(t *testing.T) {
	d, mnt := setup(t)
	key := []byte{0x42}
	err := d.Put(key, 0, db.ByteRef("value"))
	Ck(err)
	mount(t, d, mnt)

	fn := filepath.Join(mnt, "42", "0")
	_, err = os.OpenFile(fn, os.O_WRONLY, 0)
	tassert(t, err != nil, "opened for writing")
	perr, ok := err.(*os.PathError)
	tassert(t, ok && perr.Err == syscall.EROFS, "expected EROFS, got %v", err)

	err = ioutil.WriteFile(filepath.Join(mnt, "42", "new"), []byte("x"), 0644)
	tassert(t, err != nil, "created a file")
}
