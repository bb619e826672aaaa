package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"wavebot/internal/core"
	"wavebot/internal/state"
)

type RuntimeStatus struct {
	Mode              string     `json:"mode"`
	Symbol            string     `json:"symbol"`
	InstanceID        string     `json:"instance_id"`
	PID               int        `json:"pid"`
	State             string     `json:"state"`
	StartedAt         time.Time  `json:"started_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	LastError         string     `json:"last_error,omitempty"`
	ReconnectAttempts int        `json:"reconnect_attempts,omitempty"`
	DisconnectedAt    *time.Time `json:"disconnected_at,omitempty"`
}

// Persister is what the wave loop needs from a store.
type Persister interface {
	SaveWave(s state.State) (string, error)
	SavePendingOrders(orders []core.Order) error
	RecordFill(key string, trade core.Trade) (bool, error)
}

type Store struct {
	root              string
	mu                sync.Mutex
	pendingSnapshotID string
	fills             *fillIndex
}

func New(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("state dir required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root}, nil
}

// SaveWave flushes the wave atomically and returns the snapshot id the next
// pending-orders write will carry.
func (s *Store) SaveWave(st state.State) (string, error) {
	snap := FromState(st)
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now().UTC()
	}
	snap.SnapshotID = newSnapshotID(snap.UpdatedAt)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeJSONAtomic(s.statePath(), snap); err != nil {
		return "", err
	}
	s.pendingSnapshotID = snap.SnapshotID
	return snap.SnapshotID, nil
}

// LoadWaveSnapshot reads the raw snapshot. ok is false when none exists.
func (s *Store) LoadWaveSnapshot() (WaveSnapshot, bool, error) {
	data, err := os.ReadFile(s.statePath())
	if err != nil {
		if os.IsNotExist(err) {
			return WaveSnapshot{}, false, nil
		}
		return WaveSnapshot{}, false, err
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return WaveSnapshot{}, false, errors.New("wave snapshot is empty")
	}
	var snap WaveSnapshot
	if err := json.Unmarshal(trimmed, &snap); err != nil {
		return WaveSnapshot{}, false, err
	}
	return snap, true, nil
}

// LoadWave returns the persisted wave, or the defaults of a fresh process
// when the file is missing or unreadable. restored reports which one.
func (s *Store) LoadWave() (st state.State, restored bool) {
	snap, ok, err := s.LoadWaveSnapshot()
	if err != nil {
		log.Printf("level=ERROR event=state_load_failed path=%q err=%q action=use_defaults", s.statePath(), err.Error())
		return state.Default(), false
	}
	if !ok {
		return state.Default(), false
	}
	return snap.State(), true
}

func (s *Store) SavePendingOrders(orders []core.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload := PendingOrdersSnapshot{
		SnapshotID: strings.TrimSpace(s.pendingSnapshotID),
		Orders:     orders,
		UpdatedAt:  time.Now().UTC(),
	}
	if payload.Orders == nil {
		payload.Orders = make([]core.Order, 0)
	}
	if err := writeJSONAtomic(s.ordersPath(), payload); err != nil {
		return err
	}
	s.pendingSnapshotID = ""
	return nil
}

func (s *Store) LoadPendingOrders() (PendingOrdersSnapshot, bool, error) {
	data, err := os.ReadFile(s.ordersPath())
	if err != nil {
		if os.IsNotExist(err) {
			return PendingOrdersSnapshot{}, false, nil
		}
		return PendingOrdersSnapshot{}, false, err
	}
	snapshot, err := decodePendingOrders(data)
	if err != nil {
		return PendingOrdersSnapshot{}, false, err
	}
	return snapshot, true, nil
}

func (s *Store) SaveRuntimeStatus(status RuntimeStatus) error {
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSONAtomic(s.runtimeStatusPath(), status)
}

func (s *Store) LoadRuntimeStatus() (RuntimeStatus, bool, error) {
	data, err := os.ReadFile(s.runtimeStatusPath())
	if err != nil {
		if os.IsNotExist(err) {
			return RuntimeStatus{}, false, nil
		}
		return RuntimeStatus{}, false, err
	}
	var status RuntimeStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return RuntimeStatus{}, false, err
	}
	return status, true, nil
}

func (s *Store) statePath() string {
	return filepath.Join(s.root, "wave_state.json")
}

func (s *Store) ordersPath() string {
	return filepath.Join(s.root, "pending_orders.json")
}

func (s *Store) runtimeStatusPath() string {
	return filepath.Join(s.root, "runtime_status.json")
}

func writeJSONAtomic(path string, v any) error {
	return writeFileAtomic(path, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	})
}

// writeFileAtomic writes through a temp file in the same directory and
// renames it over path once the contents are synced.
func writeFileAtomic(path string, write func(io.Writer) error) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "tmp-*")
	if err != nil {
		return err
	}
	fail := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := write(tmp); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	return fsyncDirBestEffort(dir, path)
}

func fsyncDirBestEffort(dir, path string) error {
	// Best-effort directory fsync to improve rename durability across crashes.
	d, err := os.Open(dir)
	if err != nil {
		log.Printf(
			"level=WARN event=store_dir_fsync_skipped reason=%q dir=%q target=%q",
			err.Error(),
			dir,
			path,
		)
		return nil
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		log.Printf(
			"level=WARN event=store_dir_fsync_failed reason=%q dir=%q target=%q",
			err.Error(),
			dir,
			path,
		)
		return nil
	}
	return nil
}

func decodePendingOrders(data []byte) (PendingOrdersSnapshot, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return PendingOrdersSnapshot{}, errors.New("pending orders snapshot is empty")
	}
	var snapshot PendingOrdersSnapshot
	if err := json.Unmarshal(trimmed, &snapshot); err != nil {
		return PendingOrdersSnapshot{}, err
	}
	if snapshot.Orders == nil {
		snapshot.Orders = make([]core.Order, 0)
	}
	return snapshot, nil
}

func newSnapshotID(now time.Time) string {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return strconv.FormatInt(now.UnixNano(), 36)
}
