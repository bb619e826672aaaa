package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeOwner(t *testing.T, root string, owner lockOwner) {
	t.Helper()
	data, err := json.Marshal(owner)
	if err != nil {
		t.Fatalf("marshal owner: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, lockFileName), data, 0o644); err != nil {
		t.Fatalf("write lock: %v", err)
	}
}

func TestAcquireInstanceLockExclusive(t *testing.T) {
	root := t.TempDir()
	lock, err := AcquireInstanceLock(root, LockOptions{Symbol: "BTCUSDT"})
	if err != nil {
		t.Fatalf("AcquireInstanceLock() error = %v", err)
	}
	defer lock.Release()

	_, err = AcquireInstanceLock(root, LockOptions{Symbol: "BTCUSDT"})
	if err == nil || !strings.Contains(err.Error(), "instance lock exists") {
		t.Fatalf("second AcquireInstanceLock() error = %v, want lock exists", err)
	}

	data, err := os.ReadFile(filepath.Join(root, lockFileName))
	if err != nil {
		t.Fatalf("read lock: %v", err)
	}
	var owner lockOwner
	if err := json.Unmarshal(data, &owner); err != nil {
		t.Fatalf("lock owner is not json: %v", err)
	}
	if owner.PID != os.Getpid() || owner.Symbol != "BTCUSDT" {
		t.Fatalf("owner = %+v", owner)
	}
}

func TestAcquireInstanceLockTakeoverDeadPID(t *testing.T) {
	root := t.TempDir()
	writeOwner(t, root, lockOwner{PID: 999999, StartedAt: time.Now().UTC()})

	lock, err := AcquireInstanceLock(root, LockOptions{TakeoverEnabled: true, StaleAfter: 10 * time.Minute})
	if err != nil {
		t.Fatalf("AcquireInstanceLock() error = %v, want nil", err)
	}
	defer lock.Release()
}

func TestAcquireInstanceLockDoesNotTakeoverRunningPID(t *testing.T) {
	root := t.TempDir()
	writeOwner(t, root, lockOwner{PID: os.Getpid(), StartedAt: time.Now().UTC().Add(-time.Hour)})

	_, err := AcquireInstanceLock(root, LockOptions{TakeoverEnabled: true, StaleAfter: time.Second})
	if err == nil || !strings.Contains(err.Error(), "owner_process_running") {
		t.Fatalf("AcquireInstanceLock() error = %v, want owner_process_running", err)
	}
}

func TestAcquireInstanceLockTakeoverByAge(t *testing.T) {
	root := t.TempDir()
	started := time.Now().UTC().Add(-2 * time.Minute)
	writeOwner(t, root, lockOwner{StartedAt: started})

	lock, err := AcquireInstanceLock(root, LockOptions{
		TakeoverEnabled: true,
		StaleAfter:      time.Minute,
		Now:             func() time.Time { return started.Add(2 * time.Minute) },
	})
	if err != nil {
		t.Fatalf("AcquireInstanceLock() error = %v, want nil", err)
	}
	defer lock.Release()
}

func TestAcquireInstanceLockKeepsRecentUnknownLock(t *testing.T) {
	root := t.TempDir()
	started := time.Now().UTC()
	writeOwner(t, root, lockOwner{StartedAt: started})

	_, err := AcquireInstanceLock(root, LockOptions{
		TakeoverEnabled: true,
		StaleAfter:      10 * time.Minute,
		Now:             func() time.Time { return started.Add(30 * time.Second) },
	})
	if err == nil || !strings.Contains(err.Error(), "lock_not_stale") {
		t.Fatalf("AcquireInstanceLock() error = %v, want lock_not_stale", err)
	}
}

func TestReleaseRemovesLock(t *testing.T) {
	root := t.TempDir()
	lock, err := AcquireInstanceLock(root, LockOptions{})
	if err != nil {
		t.Fatalf("AcquireInstanceLock() error = %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, lockFileName)); !os.IsNotExist(err) {
		t.Fatalf("lock file still present: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("second Release() error = %v", err)
	}
}
