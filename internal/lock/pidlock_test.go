package lock

import (
	"errors"
	"os"
	"strings"
	"testing"
)

func TestAcquireWritesPID(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	l, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}
	t.Cleanup(func() { _ = l.Release() })

	pid, ok := HolderPID(dir)
	if !ok {
		t.Fatal("HolderPID() found no pid")
	}
	if pid != os.Getpid() {
		t.Errorf("pid = %d, want %d", pid, os.Getpid())
	}
}

func TestAcquireRejectsSecondHolder(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	first, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}

	// flock locks belong to the open file description, so a second open in
	// the same process conflicts too.
	_, err = Acquire(dir)
	if !errors.Is(err, ErrHeld) {
		t.Fatalf("second Acquire() error = %v, want ErrHeld", err)
	}
	if !strings.Contains(err.Error(), "pid") {
		t.Errorf("error %q does not name the holder pid", err)
	}

	if err := first.Release(); err != nil {
		t.Fatalf("Release() failed: %v", err)
	}
	if err := first.Release(); err != nil {
		t.Fatalf("second Release() failed: %v", err)
	}

	again, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire() after release failed: %v", err)
	}
	if err := again.Release(); err != nil {
		t.Errorf("Release() failed: %v", err)
	}
}

func TestAcquireEmptyPath(t *testing.T) {
	if _, err := Acquire(""); err == nil {
		t.Fatal("Acquire(\"\") should fail")
	}
}
