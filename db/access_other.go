//go:build !unix

package db

import (
	"io/ioutil"
	"os"
	"syscall"
)

// checkAccess fails unless dir is a directory we can read and write.
// Without access(2) we check by listing and creating a file.
func checkAccess(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return syscall.ENOTDIR
	}
	_, err = ioutil.ReadDir(dir)
	if err != nil {
		return err
	}
	fh, err := ioutil.TempFile(dir, "access")
	if err != nil {
		return err
	}
	fh.Close()
	return os.Remove(fh.Name())
}
