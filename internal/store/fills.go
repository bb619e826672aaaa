package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"wavebot/internal/core"
)

const (
	fillIndexMax    = 10000
	fillIndexKeepTo = 8000
)

// FillLedgerEntry remembers a fill so replays from the stream and REST
// reconciliation are counted once.
type FillLedgerEntry struct {
	Key    string    `json:"key"`
	SeenAt time.Time `json:"seen_at"`
}

// fillIndex mirrors fill_ledger.jsonl, oldest entry first.
type fillIndex struct {
	seen    map[string]struct{}
	entries []FillLedgerEntry
}

func (x *fillIndex) has(key string) bool {
	_, ok := x.seen[key]
	return ok
}

func (x *fillIndex) add(e FillLedgerEntry) {
	x.seen[e.Key] = struct{}{}
	x.entries = append(x.entries, e)
}

// RecordFill appends trade to the daily fills log unless key was already
// recorded. It reports whether the fill was new. An empty key is always new.
func (s *Store) RecordFill(key string, trade core.Trade) (bool, error) {
	key = strings.TrimSpace(key)
	if trade.Time.IsZero() {
		trade.Time = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.fillIndexLocked()
	if err != nil {
		return false, err
	}
	if key != "" && idx.has(key) {
		return false, nil
	}

	dir := filepath.Join(s.root, "fills")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, err
	}
	dayLog := filepath.Join(dir, trade.Time.UTC().Format("2006-01-02")+".jsonl")
	if err := appendJSONLine(dayLog, trade); err != nil {
		return false, err
	}
	if key == "" {
		return true, nil
	}

	entry := FillLedgerEntry{Key: key, SeenAt: trade.Time.UTC()}
	if err := appendJSONLine(s.fillLedgerPath(), entry); err != nil {
		return true, err
	}
	idx.add(entry)
	if len(idx.entries) > fillIndexMax {
		return true, s.compactFillsLocked()
	}
	return true, nil
}

func (s *Store) HasFillKey(key string) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, err := s.fillIndexLocked()
	if err != nil {
		return false, err
	}
	return idx.has(key), nil
}

func (s *Store) fillLedgerPath() string {
	return filepath.Join(s.root, "fill_ledger.jsonl")
}

// fillIndexLocked loads the ledger on first use. Unparseable lines are
// skipped rather than failing the tick.
func (s *Store) fillIndexLocked() (*fillIndex, error) {
	if s.fills != nil {
		return s.fills, nil
	}
	idx := &fillIndex{seen: make(map[string]struct{})}
	f, err := os.Open(s.fillLedgerPath())
	if os.IsNotExist(err) {
		s.fills = idx
		return idx, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	loadedAt := time.Now().UTC()
	for sc.Scan() {
		var e FillLedgerEntry
		if json.Unmarshal(bytes.TrimSpace(sc.Bytes()), &e) != nil {
			continue
		}
		e.Key = strings.TrimSpace(e.Key)
		if e.Key == "" || idx.has(e.Key) {
			continue
		}
		if e.SeenAt.IsZero() {
			e.SeenAt = loadedAt
		}
		idx.add(e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	s.fills = idx
	if len(idx.entries) > fillIndexMax {
		if err := s.compactFillsLocked(); err != nil {
			return nil, err
		}
	}
	return s.fills, nil
}

// compactFillsLocked rewrites the ledger with its newest entries only.
func (s *Store) compactFillsLocked() error {
	old := s.fills.entries
	kept := append([]FillLedgerEntry(nil), old[len(old)-min(fillIndexKeepTo, len(old)):]...)
	err := writeFileAtomic(s.fillLedgerPath(), func(w io.Writer) error {
		enc := json.NewEncoder(w)
		for _, e := range kept {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	idx := &fillIndex{seen: make(map[string]struct{}, len(kept))}
	for _, e := range kept {
		idx.add(e)
	}
	s.fills = idx
	return nil
}

func appendJSONLine(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}
