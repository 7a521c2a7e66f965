//go:build darwin

package pywatch

// madviseHugePage is a no-op on Darwin: MADV_HUGEPAGE has no equivalent in
// its madvise(2) surface.
func madviseHugePage(data []byte) error { return nil }
