//go:build linux

package pywatch

import (
	"fmt"
	"os"
	"strings"
)

// linuxThreadProbe reads /proc/<pid>/task/<tid>/stat for the single state
// character after the parenthesized command field, the same format
// Documentation on procfs describes and other_examples' procmon reader
// parses field-by-field.
type linuxThreadProbe struct{}

// NewOSThreadProbe returns the platform's OSThreadProbe implementation.
func NewOSThreadProbe() OSThreadProbe { return linuxThreadProbe{} }

func (linuxThreadProbe) IsRunning(pid int, tid uint64) (StatusFlag, error) {
	path := fmt.Sprintf("/proc/%d/task/%d/stat", pid, tid)
	data, err := os.ReadFile(path)
	if err != nil {
		return Unknown, err
	}
	line := string(data)

	// The comm field is parenthesized and may itself contain spaces or
	// parens, so locate the state char relative to the *last* ')'.
	close := strings.LastIndexByte(line, ')')
	if close < 0 || close+2 >= len(line) {
		return Unknown, errf(KindMalformedHeader, "threads_linux.IsRunning", "unparseable stat line")
	}
	state := line[close+2]

	switch state {
	case 'R':
		return OnCPU, nil
	case 'S', 'D', 'T', 'Z', 'I':
		return 0, nil
	default:
		return Unknown, nil
	}
}
