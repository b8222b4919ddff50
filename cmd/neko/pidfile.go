package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"neko/internal/filestore"
)

// writePIDFile records the server PID on the first line and its bound
// address on the second.
func writePIDFile(path string, pid int, addr string) error {
	if err := filestore.EnsureParentDir(path); err != nil {
		return err
	}
	return filestore.AtomicWrite(path, []byte(fmt.Sprintf("%d\n%s\n", pid, addr)), 0o644)
}

func readPIDFile(path string) (pid int, addr string, ok bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, "", false
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	pid, err = strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil || pid <= 0 {
		return 0, "", false
	}
	if len(lines) > 1 {
		addr = strings.TrimSpace(lines[1])
	}
	return pid, addr, true
}

// processRunning probes pid with signal 0.
func processRunning(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

// livePID returns the PID of a running server. A stale file is removed.
func livePID(path string) (pid int, addr string, running bool, stale bool) {
	pid, addr, ok := readPIDFile(path)
	if !ok {
		return 0, "", false, false
	}
	if !processRunning(pid) {
		_ = os.Remove(path)
		return pid, addr, false, true
	}
	return pid, addr, true, false
}
