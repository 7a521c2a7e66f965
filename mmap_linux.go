//go:build linux

package pywatch

import "golang.org/x/sys/unix"

func madviseHugePage(data []byte) error {
	return unix.Madvise(data, unix.MADV_HUGEPAGE)
}
