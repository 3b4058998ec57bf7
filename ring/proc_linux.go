//go:build linux

package ring

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// processStartTime returns the kernel start time (clock ticks since boot) of
// pid, read from /proc/<pid>/stat. Combined with the pid it identifies a
// process incarnation: a recycled pid will carry a different start time.
func processStartTime(pid uint32) (uint64, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, err
	}
	// comm may contain spaces and parentheses; fields are counted after the
	// closing paren. starttime is field 22 overall, 20 after comm.
	i := strings.LastIndexByte(string(data), ')')
	if i < 0 {
		return 0, fmt.Errorf("malformed /proc/%d/stat", pid)
	}
	fields := strings.Fields(string(data[i+1:]))
	const startTimeField = 19 // 0-based, after state
	if len(fields) <= startTimeField {
		return 0, fmt.Errorf("short /proc/%d/stat", pid)
	}
	return strconv.ParseUint(fields[startTimeField], 10, 64)
}

// processAlive reports whether the process incarnation (pid, start) still
// exists. A pid that exists with a different start time was recycled and
// counts as dead.
func processAlive(pid uint32, start uint64) bool {
	if pid == noReaderPid {
		return false
	}
	if err := unix.Kill(int(pid), 0); err != nil {
		return err == unix.EPERM
	}
	got, err := processStartTime(pid)
	if err != nil {
		return false
	}
	return got == start
}
