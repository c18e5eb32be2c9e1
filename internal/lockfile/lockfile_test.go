package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAcquireAndRelease(t *testing.T) {
	stateDir := t.TempDir()

	lock, err := AcquireLock(stateDir)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}

	lockPath := filepath.Join(stateDir, LockFileName)
	data, err := os.ReadFile(lockPath)
	if err != nil {
		t.Fatalf("lock file not created: %v", err)
	}
	if want := fmt.Sprintf("pid=%d", os.Getpid()); !strings.Contains(string(data), want) {
		t.Errorf("lock file content = %q, want it to contain %q", data, want)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
		t.Error("lock file should be removed on release")
	}
}

func TestAcquireConflict(t *testing.T) {
	stateDir := t.TempDir()

	lock, err := AcquireLock(stateDir)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	defer lock.Release()

	_, err = AcquireLock(stateDir)
	if err == nil {
		t.Fatal("second acquire should fail while the lock is held")
	}
	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected *LockError, got %T: %v", err, err)
	}
	if !strings.Contains(lockErr.ExistingInfo, "running") {
		t.Errorf("ExistingInfo = %q, want the holder's PID state", lockErr.ExistingInfo)
	}
}

func TestConflictPreservesLockInfo(t *testing.T) {
	stateDir := t.TempDir()

	lock, err := AcquireLock(stateDir)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	defer lock.Release()

	if _, err := AcquireLock(stateDir); err == nil {
		t.Fatal("second acquire should fail while the lock is held")
	}

	// The loser must not clobber the holder's pid record.
	data, err := os.ReadFile(filepath.Join(stateDir, LockFileName))
	if err != nil {
		t.Fatalf("lock file unreadable after conflict: %v", err)
	}
	if want := fmt.Sprintf("pid=%d", os.Getpid()); !strings.Contains(string(data), want) {
		t.Errorf("lock file content = %q after conflict, want it to contain %q", data, want)
	}
}

func TestReacquireAfterRelease(t *testing.T) {
	stateDir := t.TempDir()

	lock, err := AcquireLock(stateDir)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	again, err := AcquireLock(stateDir)
	if err != nil {
		t.Fatalf("reacquire after release failed: %v", err)
	}
	again.Release()
}

func TestReleaseIsIdempotent(t *testing.T) {
	lock, err := AcquireLock(t.TempDir())
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("second Release failed: %v", err)
	}
}

func TestAcquireCreatesStateDir(t *testing.T) {
	stateDir := filepath.Join(t.TempDir(), "nested", "state")

	lock, err := AcquireLock(stateDir)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	defer lock.Release()

	if _, err := os.Stat(stateDir); err != nil {
		t.Errorf("state directory not created: %v", err)
	}
}

func TestExtractPIDFromLockInfo(t *testing.T) {
	tests := []struct {
		content string
		want    int
	}{
		{"pid=1234\n", 1234},
		{"pid=1234", 1234},
		{"garbage", 0},
		{"", 0},
		{"pid=abc", 0},
	}
	for _, tt := range tests {
		if got := extractPIDFromLockInfo(tt.content); got != tt.want {
			t.Errorf("extractPIDFromLockInfo(%q) = %d, want %d", tt.content, got, tt.want)
		}
	}
}
