// Package fuse mounts a database read-only.  The root directory lists
// the encoded keys; each key directory holds one file per version,
// named by its decimal version number, plus a "current" file that
// always shows the highest version.
package fuse

import (
	"bytes"
	"context"
	"runtime"
	"strconv"
	"sync"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
	"github.com/t7a/fsdb/db"
)

const currentName = "current"

// GetGID returns the goroutine ID of its calling function, for logging purposes.
func GetGID() uint64 {
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	b = b[:bytes.IndexByte(b, ' ')]
	n, _ := strconv.ParseUint(string(b), 10, 64)
	return n
}

// view is shared by all nodes of one mount.  A Db and its FileRefs are
// not safe for concurrent use, and the kernel calls us from many
// goroutines, so every database access holds mu.
type view struct {
	mu sync.Mutex
	db *db.Db
}

func sysErr(err error) syscall.Errno {
	if errors.Is(err, db.ErrNotFound) {
		return syscall.ENOENT
	}
	log.Errorf("fuse: %v", err)
	return syscall.EIO
}

// root

type rootNode struct {
	fs.Inode
	view *view
}

var _ = (fs.NodeReaddirer)((*rootNode)(nil))
var _ = (fs.NodeLookuper)((*rootNode)(nil))
var _ = (fs.NodeGetattrer)((*rootNode)(nil))

func (n *rootNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = fuse.S_IFDIR | 0555
	return 0
}

func (n *rootNode) Readdir(ctx context.Context) (stream fs.DirStream, errno syscall.Errno) {
	defer Unpanic(&errno, msglog)
	n.view.mu.Lock()
	defer n.view.mu.Unlock()

	kps, err := n.view.db.Iterate()
	if err != nil {
		return nil, sysErr(err)
	}
	entries := make([]fuse.DirEntry, 0, len(kps))
	for _, kp := range kps {
		entries = append(entries, fuse.DirEntry{Mode: fuse.S_IFDIR, Name: db.EncodeKey(kp.Key())})
	}
	return fs.NewListDirStream(entries), 0
}

func (n *rootNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (child *fs.Inode, errno syscall.Errno) {
	defer Unpanic(&errno, msglog)

	key, err := db.DecodeKey(name)
	if err != nil || len(key) == 0 {
		return nil, syscall.ENOENT
	}
	n.view.mu.Lock()
	defer n.view.mu.Unlock()
	vals, err := n.view.db.Get(key)
	if err != nil {
		return nil, sysErr(err)
	}
	err = db.ReleaseAll(vals)
	Ck(err)
	if len(vals) == 0 {
		return nil, syscall.ENOENT
	}

	out.Mode = fuse.S_IFDIR | 0555
	child = n.NewInode(ctx, &keyNode{view: n.view, key: key}, fs.StableAttr{Mode: fuse.S_IFDIR})
	return child, 0
}

// key

type keyNode struct {
	fs.Inode
	view *view
	key  []byte
}

var _ = (fs.NodeReaddirer)((*keyNode)(nil))
var _ = (fs.NodeLookuper)((*keyNode)(nil))
var _ = (fs.NodeGetattrer)((*keyNode)(nil))

func (n *keyNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = fuse.S_IFDIR | 0555
	return 0
}

func (n *keyNode) Readdir(ctx context.Context) (stream fs.DirStream, errno syscall.Errno) {
	defer Unpanic(&errno, msglog)
	n.view.mu.Lock()
	defer n.view.mu.Unlock()

	vals, err := n.view.db.Get(n.key)
	if err != nil {
		return nil, sysErr(err)
	}
	defer db.ReleaseAll(vals)
	entries := make([]fuse.DirEntry, 0, len(vals)+1)
	for _, val := range vals {
		name := strconv.FormatUint(val.Version, 10)
		entries = append(entries, fuse.DirEntry{Mode: fuse.S_IFREG, Name: name})
	}
	if len(vals) > 0 {
		entries = append(entries, fuse.DirEntry{Mode: fuse.S_IFREG, Name: currentName})
	}
	return fs.NewListDirStream(entries), 0
}

func (n *keyNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (child *fs.Inode, errno syscall.Errno) {
	defer Unpanic(&errno, msglog)

	vn := &valueNode{view: n.view, key: n.key}
	if name == currentName {
		vn.current = true
	} else {
		version, err := strconv.ParseUint(name, 10, 64)
		if err != nil || strconv.FormatUint(version, 10) != name {
			return nil, syscall.ENOENT
		}
		vn.version = version
	}

	n.view.mu.Lock()
	defer n.view.mu.Unlock()
	ref, err := vn.resolve()
	if err != nil {
		return nil, sysErr(err)
	}
	defer ref.Release()
	size, err := ref.Size()
	if err != nil {
		return nil, sysErr(err)
	}

	out.Mode = fuse.S_IFREG | 0444
	out.Size = uint64(size)
	child = n.NewInode(ctx, vn, fs.StableAttr{Mode: fuse.S_IFREG})
	return child, 0
}

// value

type valueNode struct {
	fs.Inode
	view    *view
	key     []byte
	version uint64
	current bool
}

var _ = (fs.NodeGetattrer)((*valueNode)(nil))
var _ = (fs.NodeOpener)((*valueNode)(nil))

// resolve returns the value this node shows, retained for the caller.
// The caller holds view.mu.
func (n *valueNode) resolve() (ref *db.FileRef, err error) {
	if n.current {
		_, ref, err = n.view.db.GetCurrent(n.key)
		return
	}
	return n.view.db.GetVersion(n.key, n.version)
}

func (n *valueNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) (errno syscall.Errno) {
	defer Unpanic(&errno, msglog)
	n.view.mu.Lock()
	defer n.view.mu.Unlock()

	var ref *db.FileRef
	var err error
	if h, ok := fh.(*valueHandle); ok {
		// an open file keeps showing what it opened
		ref = h.ref
	} else {
		ref, err = n.resolve()
		if err != nil {
			return sysErr(err)
		}
		defer ref.Release()
	}
	size, err := ref.Size()
	if err != nil {
		return sysErr(err)
	}
	out.Mode = fuse.S_IFREG | 0444
	out.Size = uint64(size)
	return 0
}

func (n *valueNode) Open(ctx context.Context, flags uint32) (fh fs.FileHandle, fuseFlags uint32, errno syscall.Errno) {
	defer Unpanic(&errno, msglog)

	// disallow writes
	if flags&(syscall.O_RDWR|syscall.O_WRONLY|syscall.O_TRUNC) != 0 {
		return nil, 0, syscall.EROFS
	}

	n.view.mu.Lock()
	defer n.view.mu.Unlock()
	ref, err := n.resolve()
	if err != nil {
		return nil, 0, sysErr(err)
	}
	// versions can be overwritten, so no FOPEN_KEEP_CACHE
	return &valueHandle{view: n.view, ref: ref}, fuse.FOPEN_DIRECT_IO, 0
}

// valueHandle holds one reference on an open value until the kernel
// releases the file.
type valueHandle struct {
	view *view
	ref  *db.FileRef
}

var _ = (fs.FileReader)((*valueHandle)(nil))
var _ = (fs.FileReleaser)((*valueHandle)(nil))

func (h *valueHandle) Read(ctx context.Context, buf []byte, offset int64) (res fuse.ReadResult, errno syscall.Errno) {
	defer Unpanic(&errno, msglog)
	h.view.mu.Lock()
	defer h.view.mu.Unlock()

	size, err := h.ref.Size()
	if err != nil {
		return nil, sysErr(err)
	}
	if offset >= size {
		return fuse.ReadResultData(nil), 0
	}
	end := offset + int64(len(buf))
	if end > size {
		end = size
	}
	data, err := h.ref.ReadRange(offset, end)
	if err != nil {
		return nil, sysErr(err)
	}
	return fuse.ReadResultData(data), 0
}

func (h *valueHandle) Release(ctx context.Context) (errno syscall.Errno) {
	defer Unpanic(&errno, msglog)
	h.view.mu.Lock()
	defer h.view.mu.Unlock()
	err := h.ref.Release()
	if err != nil {
		return sysErr(err)
	}
	return 0
}

// server

// Serve mounts db read-only at mnt and returns once the mount is live.
// The caller must not use db while the server runs.
func Serve(d *db.Db, mnt string, debug bool) (server *fuse.Server, err error) {
	defer Return(&err)
	opts := &fs.Options{}
	opts.Debug = debug
	// start inode numbers at 2^16
	opts.FirstAutomaticIno = 1 << 16
	opts.MountOptions.Options = append(opts.MountOptions.Options, "ro")
	opts.MountOptions.FsName = d.Dir
	opts.MountOptions.Name = "fsdb"
	root := &rootNode{view: &view{db: d}}
	server, err = fs.Mount(mnt, root, opts)
	Ck(err)
	err = server.WaitMount()
	Ck(err)
	log.Debugf("mounted %s on %s", d.Dir, mnt)
	return
}

func msglog(msg string) {
	log.WithField("gid", GetGID()).Errorf("unpanic: %v", msg)
}
