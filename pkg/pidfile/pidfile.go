// Package pidfile guards against a second daemon instance through a pid file.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// ErrRunning is returned by Check when the recorded process is alive
var ErrRunning = errors.New("process is still running")

// Read returns the pid recorded in path. Leading decimal digits are used
// and anything after them is ignored; a file without digits yields 0.
func Read(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	end := 0
	for end < len(data) && data[end] >= '0' && data[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, nil
	}
	pid, err := strconv.Atoi(string(data[:end]))
	if err != nil {
		return 0, fmt.Errorf("pid file %s: %w", path, err)
	}
	return pid, nil
}

// Check fails with ErrRunning when path names a live process. A stale
// regular file is removed; a stale file of any other type is an error.
// It reports whether a stale file was removed.
func Check(path string) (removed bool, err error) {
	fi, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	pid, err := Read(path)
	if err != nil {
		return false, err
	}
	if pid <= 0 {
		return false, nil
	}

	// EPERM means the process exists but belongs to someone else
	if err := unix.Kill(pid, 0); err == nil || errors.Is(err, unix.EPERM) {
		return false, fmt.Errorf("%w: pid %d from %s", ErrRunning, pid, path)
	}

	if !fi.Mode().IsRegular() {
		return false, fmt.Errorf("stale pid file %s not removed: not a regular file", path)
	}
	if err := os.Remove(path); err != nil {
		return false, fmt.Errorf("removing stale pid file: %w", err)
	}
	return true, nil
}

// Write records pid in path
func Write(path string, pid int) error {
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)), 0644); err != nil {
		return fmt.Errorf("writing pid file: %w", err)
	}
	return nil
}

// Remove deletes path if it still records pid
func Remove(path string, pid int) error {
	recorded, err := Read(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if recorded != pid {
		return nil
	}
	return os.Remove(path)
}
