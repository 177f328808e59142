//go:build unix

package db

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// checkAccess fails unless dir is a directory we can read and write.
func checkAccess(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return syscall.ENOTDIR
	}
	return unix.Access(dir, unix.R_OK|unix.W_OK)
}
