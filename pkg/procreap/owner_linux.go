//go:build linux

package procreap

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// OwnerFromProc resolves a pid's owning uid by reading /proc/<pid>/status,
// the portable-enough-for-Linux way to get this without cgo.
func OwnerFromProc(pid int) (string, bool) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return "", false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "Uid:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return "", false
		}
		return fields[1], true
	}
	return "", false
}
