//go:build linux

package pywatch

import (
	"os"
	"strconv"
	"strings"
)

// linuxProcessTable builds the pid/ppid table by scanning /proc, the same
// single-pass approach the original subprocess enumerator uses.
type linuxProcessTable struct{}

// NewProcessTable returns the platform's ProcessTable implementation.
func NewProcessTable() ProcessTable { return linuxProcessTable{} }

func (linuxProcessTable) ListProcesses() ([]ProcessEntry, error) {
	dir, err := os.ReadDir("/proc")
	if err != nil {
		return nil, err
	}

	var entries []ProcessEntry
	for _, d := range dir {
		name := d.Name()
		if name == "" || name[0] < '1' || name[0] > '9' {
			continue
		}
		pid, err := strconv.Atoi(name)
		if err != nil || pid <= 0 {
			continue
		}
		ppid, ok := readPPID(pid)
		if !ok {
			continue
		}
		entries = append(entries, ProcessEntry{PID: pid, PPID: ppid})
	}
	return entries, nil
}

func readPPID(pid int) (int, bool) {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return 0, false
	}
	line := string(data)
	close := strings.LastIndexByte(line, ')')
	if close < 0 || close+2 >= len(line) {
		return 0, false
	}
	fields := strings.Fields(line[close+2:])
	// fields[0] = state, fields[1] = ppid
	if len(fields) < 2 {
		return 0, false
	}
	ppid, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, false
	}
	return ppid, true
}
