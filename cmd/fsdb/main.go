package main

import (
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"github.com/docopt/docopt-go"
	"github.com/google/renameio"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
	"github.com/t7a/fsdb/db"
	"github.com/t7a/fsdb/fuse"
)

func init() {
	var debug string
	debug = os.Getenv("DEBUG")
	if debug == "1" {
		log.SetLevel(log.DebugLevel)
	}
	logrus.SetReportCaller(true)
	formatter := &logrus.TextFormatter{
		CallerPrettyfier: caller(),
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyFile: "caller",
		},
	}
	formatter.TimestampFormat = "15:04:05.999999999"
	logrus.SetFormatter(formatter)
}

// caller returns string presentation of log caller which is formatted as
// `/path/to/file.go:line_number`. e.g. `/internal/app/api.go:25`
// https://stackoverflow.com/questions/63658002/is-it-possible-to-wrap-logrus-logger-functions-without-losing-the-line-number-pr
func caller() func(*runtime.Frame) (function string, file string) {
	return func(f *runtime.Frame) (function string, file string) {
		p, _ := os.Getwd()
		return "", fmt.Sprintf("%s:%d gid %d", strings.TrimPrefix(f.File, p), f.Line, fuse.GetGID())
	}
}

const usage = `fsdb

Usage:
  fsdb init [<cachesize>]
  fsdb put <key> <version> [<filename>]
  fsdb get <key> [<version>] [-o <filename>]
  fsdb current <key>
  fsdb versions <key>
  fsdb rm <key> [<version>]
  fsdb ls
  fsdb mount <mountpoint>
  fsdb watch
  fsdb export [<filename>]
  fsdb import [<filename>]

Keys are hex encoded.  The database lives in $DBDIR, or in the current
directory if DBDIR is not set.

Options:
  -h --help     Show this screen.
  -o            Write the value to <filename> instead of stdout.
`

type Opts struct {
	Init       bool
	Put        bool
	Get        bool
	Current    bool
	Versions   bool
	Rm         bool
	Ls         bool
	Mount      bool
	Watch      bool
	Export     bool
	Import     bool
	Cachesize  string `docopt:"<cachesize>"`
	Key        string `docopt:"<key>"`
	Version    string `docopt:"<version>"`
	Filename   string `docopt:"<filename>"`
	Mountpoint string `docopt:"<mountpoint>"`
	Out        bool   `docopt:"-o"`
}

func main() {
	// see https://github.com/google/go-cmdtest
	os.Exit(run())
}

func run() (rc int) {
	parser := &docopt.Parser{HelpHandler: docopt.PrintHelpOnly}
	o, err := parser.ParseArgs(usage, os.Args[1:], "")
	if err != nil {
		return 22
	}
	var opts Opts
	err = o.Bind(&opts)
	if err != nil {
		log.Error(err)
		return 22
	}
	log.Debug(opts)

	switch true {
	case opts.Init:
		msg, err := create(opts.Cachesize)
		if err != nil {
			log.Error(err)
			return 42
		}
		fmt.Println(msg)
	case opts.Put:
		rel, err := put(opts.Key, opts.Version, opts.Filename)
		if err != nil {
			log.Error(err)
			return 42
		}
		fmt.Println(rel)
	case opts.Get:
		buf, err := get(opts.Key, opts.Version)
		if err != nil {
			log.Error(err)
			return 42
		}
		if opts.Out {
			err = ioutil.WriteFile(opts.Filename, buf, 0644)
			if err != nil {
				log.Error(err)
				return 43
			}
		} else {
			_, err = os.Stdout.Write(buf)
			if err != nil {
				log.Error(err)
				return 25
			}
		}
	case opts.Current:
		version, err := current(opts.Key)
		if err != nil {
			log.Error(err)
			return 42
		}
		fmt.Println(version)
	case opts.Versions:
		versions, err := listVersions(opts.Key)
		if err != nil {
			log.Error(err)
			return 42
		}
		for _, version := range versions {
			fmt.Println(version)
		}
	case opts.Rm:
		err := rm(opts.Key, opts.Version)
		if err != nil {
			log.Error(err)
			return 42
		}
	case opts.Ls:
		lines, err := ls()
		if err != nil {
			log.Error(err)
			return 42
		}
		for _, line := range lines {
			fmt.Println(line)
		}
	case opts.Mount:
		err := mount(opts.Mountpoint)
		if err != nil {
			log.Error(err)
			return 42
		}
	case opts.Watch:
		err := watch()
		if err != nil {
			log.Error(err)
			return 42
		}
	case opts.Export:
		n, err := export(opts.Filename)
		if err != nil {
			log.Error(err)
			return 42
		}
		log.Infof("exported %d values", n)
	case opts.Import:
		n, err := importFrom(opts.Filename)
		if err != nil {
			log.Error(err)
			return 42
		}
		log.Infof("imported %d values", n)
	}
	return 0
}

func dbdir() (dir string) {
	dir = os.Getenv("DBDIR")
	if dir == "" {
		var err error
		dir, err = os.Getwd()
		Assert(err == nil, "can't get current directory")
	}
	return
}

func create(cachesize string) (msg string, err error) {
	defer Return(&err)
	cfg := db.Config{Dir: dbdir()}
	if cachesize != "" {
		cfg.CacheSize, err = strconv.Atoi(cachesize)
		Ck(err)
	}
	d, err := cfg.Create()
	Ck(err)
	defer d.Close()
	return fmt.Sprintf("Initialized empty database in %s", d.Dir), nil
}

func opendb() (d *db.Db, err error) {
	return db.Open(dbdir())
}

func parseVersion(s string) (version uint64, err error) {
	version, err = strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "bad version %q", s)
	}
	return
}

func put(hexkey, ver, filename string) (rel string, err error) {
	defer Return(&err)
	key, err := db.DecodeKey(hexkey)
	Ck(err)
	version, err := parseVersion(ver)
	Ck(err)

	var rd io.Reader = os.Stdin
	if filename != "" {
		fh, err := os.Open(filename)
		Ck(err)
		defer fh.Close()
		rd = fh
	}

	d, err := opendb()
	Ck(err)
	defer d.Close()
	_, err = d.PutStream(key, version, rd)
	Ck(err)
	path, err := db.Path{}.New(d, key, version)
	Ck(err)
	return path.Rel, nil
}

// get returns the given version of hexkey, or the current one if ver
// is empty.
func get(hexkey, ver string) (buf []byte, err error) {
	defer Return(&err)
	key, err := db.DecodeKey(hexkey)
	Ck(err)
	d, err := opendb()
	Ck(err)
	defer d.Close()

	var ref *db.FileRef
	if ver == "" {
		_, ref, err = d.GetCurrent(key)
	} else {
		var version uint64
		version, err = parseVersion(ver)
		Ck(err)
		ref, err = d.GetVersion(key, version)
	}
	Ck(err)
	defer ref.Release()
	return ref.ReadAll()
}

func current(hexkey string) (version uint64, err error) {
	defer Return(&err)
	key, err := db.DecodeKey(hexkey)
	Ck(err)
	d, err := opendb()
	Ck(err)
	defer d.Close()
	version, ref, err := d.GetCurrent(key)
	Ck(err)
	err = ref.Release()
	Ck(err)
	return
}

func listVersions(hexkey string) (versions []uint64, err error) {
	defer Return(&err)
	key, err := db.DecodeKey(hexkey)
	Ck(err)
	d, err := opendb()
	Ck(err)
	defer d.Close()
	vals, err := d.Get(key)
	Ck(err)
	for _, val := range vals {
		versions = append(versions, val.Version)
	}
	err = db.ReleaseAll(vals)
	Ck(err)
	return
}

// rm deletes one version of hexkey, or all of them if ver is empty.
func rm(hexkey, ver string) (err error) {
	defer Return(&err)
	key, err := db.DecodeKey(hexkey)
	Ck(err)
	d, err := opendb()
	Ck(err)
	defer d.Close()
	if ver == "" {
		return d.Delete(key)
	}
	version, err := parseVersion(ver)
	Ck(err)
	return d.DeleteVersion(key, version)
}

// ls lists every key with its versions, one key per line.
func ls() (lines []string, err error) {
	defer Return(&err)
	d, err := opendb()
	Ck(err)
	defer d.Close()
	kps, err := d.Iterate()
	Ck(err)
	for _, kp := range kps {
		var versions []string
		for _, version := range kp.Versions() {
			versions = append(versions, strconv.FormatUint(version, 10))
		}
		line := fmt.Sprintf("%s: %s", db.EncodeKey(kp.Key()), strings.Join(versions, " "))
		lines = append(lines, line)
	}
	return
}

func mount(mountpoint string) (err error) {
	defer Return(&err)

	var server *gofuse.Server

	// unmount on exit
	defer func() { umount(server) }()

	// unmount on SIGINT or SIGTERM
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		umount(server)
	}()

	d, err := opendb()
	Ck(err)
	defer d.Close()

	server, err = fuse.Serve(d, mountpoint, os.Getenv("DEBUG") == "1")
	Ck(err)
	fmt.Printf("mounted %s on %s\n", d.Dir, mountpoint)
	server.Wait()

	return
}

func umount(server *gofuse.Server) {
	if server != nil {
		err := server.Unmount()
		if err != nil {
			log.Error(err)
		}
	}
}

// watch prints changes to the database until interrupted.
func watch() (err error) {
	defer Return(&err)
	d, err := opendb()
	Ck(err)
	defer d.Close()
	w, err := d.Watch()
	Ck(err)
	defer w.Close()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		w.Close()
	}()

	for change := range w.Changes {
		fmt.Println(change)
	}
	return
}

// export dumps the database to filename, or to stdout.
func export(filename string) (n int, err error) {
	defer Return(&err)
	d, err := opendb()
	Ck(err)
	defer d.Close()
	if filename == "" {
		return d.Export(os.Stdout)
	}
	pf, err := renameio.TempFile("", filename)
	Ck(err)
	defer pf.Cleanup()
	err = pf.Chmod(0644)
	Ck(err)
	n, err = d.Export(pf)
	Ck(err)
	err = pf.CloseAtomicallyReplace()
	Ck(err)
	return
}

// importFrom loads a dump made by export from filename, or from stdin.
func importFrom(filename string) (n int, err error) {
	defer Return(&err)
	var rd io.Reader = os.Stdin
	if filename != "" {
		fh, err := os.Open(filename)
		Ck(err)
		defer fh.Close()
		rd = fh
	}
	d, err := opendb()
	Ck(err)
	defer d.Close()
	return d.Import(rd)
}
