//go:build !linux && !darwin

package pywatch

import "os"

// mmapFile has no portable implementation outside Linux/Darwin; OpenReader
// then falls back to reading the file into a heap buffer.
func mmapFile(f *os.File, size int64) ([]byte, error) {
	return nil, errf(KindNotSupportedOnPlatform, "mmap_other.mmapFile", "mmap not implemented on this platform")
}

func munmapFile(data []byte) error { return nil }
