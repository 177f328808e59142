package db

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
)

type ChangeOp int

const (
	ChangePut ChangeOp = iota
	ChangeDelete
)

func (op ChangeOp) String() string {
	switch op {
	case ChangePut:
		return "put"
	case ChangeDelete:
		return "delete"
	}
	return fmt.Sprintf("ChangeOp(%d)", int(op))
}

// Change reports that a value file appeared, was written, or went
// away.  A put can be reported more than once, and a delete is
// usually preceded by a put of the truncated value.
type Change struct {
	Op      ChangeOp
	Key     []byte
	Version uint64
}

func (c Change) String() string {
	return fmt.Sprintf("%s %sv%d", c.Op, EncodeKey(c.Key), c.Version)
}

// Watcher follows changes made to a database directory by this or
// any other process.
type Watcher struct {
	Changes chan Change
	dir     string
	fsw     *fsnotify.Watcher
	done    chan struct{}
	closing sync.Once
}

// Watch starts watching the database directory and every shard in it.
// Shards created later are picked up as they appear.  The watcher
// doesn't touch the Db's caches, so it can run alongside the Db's
// owner.
func (db *Db) Watch() (w *Watcher, err error) {
	defer Return(&err)

	w = &Watcher{
		Changes: make(chan Change),
		dir:     db.Dir,
		done:    make(chan struct{}),
	}
	w.fsw, err = fsnotify.NewWatcher()
	Ck(err)
	err = w.fsw.Add(w.dir)
	if err != nil {
		w.fsw.Close()
		return nil, err
	}
	dirs, err := db.shardDirs()
	if err != nil {
		w.fsw.Close()
		return nil, err
	}
	for _, dir := range dirs {
		err = w.fsw.Add(dir)
		if err != nil {
			w.fsw.Close()
			return nil, err
		}
	}
	go w.loop()
	return
}

// Close stops the watcher.  Changes is closed once the watcher is done.
// Closing a closed watcher does nothing.
func (w *Watcher) Close() (err error) {
	w.closing.Do(func() {
		close(w.done)
		err = w.fsw.Close()
	})
	return
}

func (w *Watcher) loop() {
	defer close(w.Changes)
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.handle(event) {
				return
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.WithError(err).Error("watcher error")
		case <-w.done:
			return
		}
	}
}

// handle translates one event; it returns false once the watcher is
// closed.
func (w *Watcher) handle(event fsnotify.Event) bool {
	dir, name := filepath.Split(event.Name)
	dir = filepath.Clean(dir)

	if dir == w.dir {
		if event.Op&fsnotify.Create == fsnotify.Create && isShardName(name) {
			return w.addShard(event.Name)
		}
		return true
	}
	if filepath.Dir(dir) != w.dir || !isShardName(filepath.Base(dir)) {
		return true
	}

	var op ChangeOp
	switch {
	case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
		op = ChangePut
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		op = ChangeDelete
	default:
		return true
	}
	return w.emit(op, filepath.Base(dir), name)
}

// addShard watches a new shard directory and reports the values that
// were written to it before the watch took hold.
func (w *Watcher) addShard(dir string) bool {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return true
	}
	err = w.fsw.Add(dir)
	if err != nil {
		log.WithError(err).Errorf("cannot watch %s", dir)
		return true
	}
	log.Debugf("watching %s", dir)
	entries, err := ioutil.ReadDir(dir)
	if err != nil {
		log.WithError(err).Errorf("cannot list %s", dir)
		return true
	}
	for _, entry := range entries {
		if !entry.IsDir() && !w.emit(ChangePut, filepath.Base(dir), entry.Name()) {
			return false
		}
	}
	return true
}

func (w *Watcher) emit(op ChangeOp, shard, name string) bool {
	key, version, err := parseName(name)
	if err != nil || shardName(key) != shard {
		return true
	}
	select {
	case w.Changes <- Change{Op: op, Key: key, Version: version}:
		return true
	case <-w.done:
		return false
	}
}
