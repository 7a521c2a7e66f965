//go:build linux || darwin

package pywatch

import (
	"os"

	"golang.org/x/sys/unix"
)

const hugePageThreshold = 32 * 1024 * 1024

// mmapFile memory-maps f read-only, advising the kernel per the access
// pattern a sequential whole-file replay makes.
func mmapFile(f *os.File, size int64) ([]byte, error) {
	const op = "mmap_unix.mmapFile"
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return nil, errf(KindAllocationFailed, op, "%w", err)
	}

	_ = unix.Madvise(data, unix.MADV_SEQUENTIAL)
	_ = unix.Madvise(data, unix.MADV_WILLNEED)
	if size >= hugePageThreshold {
		_ = madviseHugePage(data)
	}

	return data, nil
}

func munmapFile(data []byte) error {
	if err := unix.Munmap(data); err != nil {
		return errf(KindRemoteReadFailed, "mmap_unix.munmapFile", "%w", err)
	}
	return nil
}
