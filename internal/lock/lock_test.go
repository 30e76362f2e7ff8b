package lock

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func TestAcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "import.lock")

	l, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	held, pid, err := IsHeld(path)
	if err != nil {
		t.Fatal(err)
	}
	if !held || pid != os.Getpid() {
		t.Errorf("held = %v, pid = %d", held, pid)
	}

	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("lock file should be removed")
	}
	if err := l.Release(); err != nil {
		t.Errorf("second Release: %v", err)
	}
}

func TestAcquire_HeldByLiveProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "import.lock")
	first, err := Acquire(path)
	if err != nil {
		t.Fatal(err)
	}
	defer first.Release()

	_, err = Acquire(path)
	var held *HeldError
	if !errors.As(err, &held) {
		t.Fatalf("expected HeldError, got %v", err)
	}
	if held.PID != os.Getpid() {
		t.Errorf("pid = %d", held.PID)
	}
}

func TestAcquire_StaleLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "import.lock")
	tests := map[string]string{
		"dead pid": strconv.Itoa(1 << 30),
		"garbage":  "not-a-pid",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				t.Fatal(err)
			}
			l, err := Acquire(path)
			if err != nil {
				t.Fatalf("stale lock should be taken over: %v", err)
			}
			l.Release()
		})
	}
}

func TestIsHeld_NoFile(t *testing.T) {
	held, pid, err := IsHeld(filepath.Join(t.TempDir(), "missing.lock"))
	if err != nil || held || pid != 0 {
		t.Errorf("held=%v pid=%d err=%v", held, pid, err)
	}
}
