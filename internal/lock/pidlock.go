// Package lock keeps two servers from sharing one fabric store.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// FileName is the lock file created inside the storage path.
const FileName = "fabricgw.lock"

// ErrHeld means another live process owns the storage path.
var ErrHeld = errors.New("storage path is in use by another fabricgw process")

// StorageLock is an flock(2) held on a PID file for as long as the file
// descriptor stays open.
type StorageLock struct {
	path string
	f    *os.File
}

// Acquire takes the lock for storageDir without blocking. If another
// process holds it, the returned error wraps ErrHeld and names its PID.
func Acquire(storageDir string) (*StorageLock, error) {
	if storageDir == "" {
		return nil, fmt.Errorf("storage path is empty")
	}
	if err := os.MkdirAll(storageDir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}
	path := filepath.Join(storageDir, FileName)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			if pid, ok := HolderPID(storageDir); ok {
				return nil, fmt.Errorf("%w (pid %d)", ErrHeld, pid)
			}
			return nil, ErrHeld
		}
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	l := &StorageLock{path: path, f: f}
	if err := l.writePID(); err != nil {
		_ = l.Release()
		return nil, err
	}
	return l, nil
}

func (l *StorageLock) writePID() error {
	if err := l.f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := l.f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		return fmt.Errorf("write pid: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("sync lock file: %w", err)
	}
	return nil
}

// HolderPID reads the PID recorded in the lock file of storageDir.
func HolderPID(storageDir string) (int, bool) {
	b, err := os.ReadFile(filepath.Join(storageDir, FileName))
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

func (l *StorageLock) Path() string { return l.path }

// Release unlocks and closes the file. Safe to call more than once.
func (l *StorageLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}
