// Package app provides server lifecycle management and service wiring.
package app

import (
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"syscall"
)

// ReadPID reads a PID from the given file and returns it if the process is alive, or 0 otherwise.
func ReadPID(pidFile string) int {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return 0
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return 0
	}

	if process.Signal(syscall.Signal(0)) != nil {
		return 0
	}

	return pid
}

// ServerProcessPattern is the pgrep pattern matching a foreground server started from binary.
func ServerProcessPattern(binary string) string {
	return `(^|/)` + regexp.QuoteMeta(filepath.Base(binary)) + ` serve --foreground( |$)`
}

// FindProcessPID returns the PID of the first other process whose command line matches pattern,
// or 0 if none does.
func FindProcessPID(pattern string) int {
	out, err := pgrepCommand(pattern)
	if err != nil {
		return 0
	}

	return firstOtherPID(string(out), os.Getpid())
}

func firstOtherPID(output string, self int) int {
	for _, field := range strings.Fields(output) {
		pid, err := strconv.Atoi(field)
		if err != nil || pid == self {
			continue
		}
		return pid
	}
	return 0
}

func pgrepCommand(pattern string) ([]byte, error) {
	return exec.Command("pgrep", "-f", pattern).Output()
}
