package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

const lockFileName = ".wavebot.lock"

// InstanceLock keeps two bots from trading the same state directory.
type InstanceLock struct {
	path string
	file *os.File
}

type LockOptions struct {
	Symbol          string
	InstanceID      string
	TakeoverEnabled bool
	StaleAfter      time.Duration
	Now             func() time.Time
}

type lockOwner struct {
	PID        int       `json:"pid"`
	Symbol     string    `json:"symbol,omitempty"`
	InstanceID string    `json:"instance_id,omitempty"`
	Host       string    `json:"host,omitempty"`
	StartedAt  time.Time `json:"started_at"`
}

func AcquireInstanceLock(root string, opts LockOptions) (*InstanceLock, error) {
	if root == "" {
		return nil, errors.New("state dir required")
	}
	path := filepath.Join(root, lockFileName)
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	for attempt := 0; attempt < 3; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			host, _ := os.Hostname()
			owner := lockOwner{
				PID:        os.Getpid(),
				Symbol:     opts.Symbol,
				InstanceID: opts.InstanceID,
				Host:       host,
				StartedAt:  now().UTC(),
			}
			if werr := writeLockOwner(f, owner); werr != nil {
				_ = f.Close()
				_ = os.Remove(path)
				return nil, werr
			}
			return &InstanceLock{path: path, file: f}, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}
		if !opts.TakeoverEnabled {
			return nil, fmt.Errorf("instance lock exists: %s", path)
		}
		stale, reason, serr := lockIsStale(path, now().UTC(), opts.StaleAfter)
		if serr != nil {
			return nil, fmt.Errorf("instance lock exists: %s (stale check failed: %v)", path, serr)
		}
		if !stale {
			return nil, fmt.Errorf("instance lock exists: %s (%s)", path, reason)
		}
		if rerr := os.Remove(path); rerr != nil && !os.IsNotExist(rerr) {
			return nil, rerr
		}
	}
	return nil, fmt.Errorf("instance lock exists: %s", path)
}

func writeLockOwner(f *os.File, owner lockOwner) error {
	data, err := json.Marshal(owner)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// lockIsStale decides whether an existing lock may be taken over. A live
// owner pid always wins; without a pid only the lock age counts.
func lockIsStale(path string, now time.Time, staleAfter time.Duration) (bool, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return true, "lock_disappeared", nil
		}
		return false, "", err
	}
	var owner lockOwner
	if err := json.Unmarshal(data, &owner); err != nil {
		return false, "", fmt.Errorf("parse lock owner: %w", err)
	}
	if owner.PID > 0 {
		if processAlive(owner.PID) {
			return false, "owner_process_running", nil
		}
		return true, "owner_process_not_running", nil
	}
	if owner.StartedAt.IsZero() {
		return false, "missing_lock_owner_info", nil
	}
	if staleAfter > 0 && now.Sub(owner.StartedAt.UTC()) >= staleAfter {
		return true, "lock_age_exceeded", nil
	}
	return false, "lock_not_stale", nil
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	if errors.Is(err, os.ErrProcessDone) {
		return false
	}
	msg := strings.ToLower(err.Error())
	// EPERM means the process exists but belongs to someone else.
	return strings.Contains(msg, "operation not permitted") || strings.Contains(msg, "permission denied")
}

func (l *InstanceLock) Release() error {
	if l == nil {
		return nil
	}
	if l.file != nil {
		_ = l.file.Close()
		l.file = nil
	}
	if l.path == "" {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	l.path = ""
	return nil
}
