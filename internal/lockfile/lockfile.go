// Package lockfile guards a LeadPipe state directory against a second server process.
//
// The lock is an flock on a file inside the directory, so the kernel drops it when the
// holder exits, cleanly or not.
package lockfile

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// LockFileName is created inside the locked directory.
const LockFileName = "leadpipe.lock"

// ErrLocked is matched by the error returned when another process holds the lock.
var ErrLocked = errors.New("state directory is locked by another LeadPipe process")

// Lock is a held directory lock.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes the lock on dir, creating the directory when needed. It does not wait.
func Acquire(dir string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, LockFileName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		holder := describeHolder(path)
		slog.Error("lockfile.Acquire: state directory already in use", "lock_path", path, "holder", holder)
		return nil, &LockError{Path: path, Holder: holder, Cause: err}
	}

	if err := file.Truncate(0); err == nil {
		_, err = file.WriteString("pid=" + strconv.Itoa(os.Getpid()) + "\n")
		if err != nil {
			slog.Warn("lockfile.Acquire: failed to record pid", "lock_path", path, "error", err)
		}
	}
	slog.Info("lockfile.Acquire: state directory locked", "lock_path", path, "pid", os.Getpid())
	return &Lock{file: file, path: path}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release drops the lock and removes the lock file. Calling it again is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// remove first so a waiting process never sees our pid in a fresh lock
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Lock.Release: failed to remove lock file", "lock_path", l.path, "error", err)
	}
	_ = syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	err := l.file.Close()
	l.file = nil
	slog.Debug("Lock.Release: state directory unlocked", "lock_path", l.path)
	return err
}

// LockError describes the process that holds a lock.
type LockError struct {
	Path   string
	Holder string
	Cause  error
}

func (e *LockError) Error() string {
	msg := fmt.Sprintf("%s (lock file %s", ErrLocked, e.Path)
	if e.Holder != "" {
		msg += ", held by " + e.Holder
	}
	return msg + "); stop the other process or choose another -state-dir"
}

// Is lets errors.Is match ErrLocked.
func (e *LockError) Is(target error) bool { return target == ErrLocked }

func (e *LockError) Unwrap() error { return e.Cause }

// describeHolder reads the pid recorded in the lock file and reports whether it is alive.
func describeHolder(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	pid := parsePID(string(data))
	if pid <= 0 {
		return ""
	}
	if processAlive(pid) {
		return fmt.Sprintf("pid %d", pid)
	}
	return fmt.Sprintf("pid %d, not running", pid)
}

func parsePID(content string) int {
	rest, ok := strings.CutPrefix(strings.TrimSpace(content), "pid=")
	if !ok {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return 0
	}
	return pid
}

func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
