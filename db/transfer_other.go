//go:build !linux

package db

import "os"

func copyFile(dst *os.File, doff int64, src *os.File, soff int64, n int64) error {
	return copySection(dst, doff, src, soff, n)
}
