//go:build !linux

package pywatch

type unsupportedProcessTable struct{}

// NewProcessTable returns the platform's ProcessTable implementation.
func NewProcessTable() ProcessTable { return unsupportedProcessTable{} }

func (unsupportedProcessTable) ListProcesses() ([]ProcessEntry, error) {
	return nil, errf(KindNotSupportedOnPlatform, "subprocess_other.ListProcesses", "process enumeration not implemented on this platform")
}
