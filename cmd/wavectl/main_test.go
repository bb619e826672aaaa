package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"wavebot/internal/core"
	"wavebot/internal/intent"
	"wavebot/internal/state"
	"wavebot/internal/store"
)

func TestPrintStatus(t *testing.T) {
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	var buf bytes.Buffer
	if err := printStatus(&buf, st); !errors.Is(err, errNoSnapshot) {
		t.Fatalf("printStatus() on empty store error = %v, want errNoSnapshot", err)
	}

	ws := state.Default()
	ws.WaveID = 3
	ws.Phase = state.PhaseActive
	ws.Mode = state.ModeEscape
	ws.Center = decimal.RequireFromString("61250")
	ws.Gap = decimal.RequireFromString("120")
	ws.Long.K = 9
	ws.Long.Escape.Status = state.EscapeActive
	if _, err := st.SaveWave(ws); err != nil {
		t.Fatalf("SaveWave() error = %v", err)
	}
	if err := st.SaveRuntimeStatus(store.RuntimeStatus{
		Mode:       "paper",
		Symbol:     "BTCUSDT",
		InstanceID: "default",
		PID:        4242,
		State:      "degraded",
		StartedAt:  time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		LastError:  "positions: timeout",
	}); err != nil {
		t.Fatalf("SaveRuntimeStatus() error = %v", err)
	}

	buf.Reset()
	if err := printStatus(&buf, st); err != nil {
		t.Fatalf("printStatus() error = %v", err)
	}
	out := buf.String()
	for _, want := range []string{"ACTIVE / ESCAPE", "61250 / 120", "9 / 0", "degraded pid=4242", "positions: timeout"} {
		if !strings.Contains(out, want) {
			t.Fatalf("status output missing %q:\n%s", want, out)
		}
	}
}

func TestPrintIntents(t *testing.T) {
	journal, err := intent.OpenJournal(filepath.Join(t.TempDir(), "intents.db"))
	if err != nil {
		t.Fatalf("OpenJournal() error = %v", err)
	}
	defer journal.Close()
	ctx := context.Background()
	if err := journal.Save(ctx, intent.Record{
		OrderID:       "1842",
		LinkID:        "W3_GRID_DCA_-4_LONG_ab12",
		Source:        core.SourceGrid,
		Authoritative: true,
		Tag:           "W3_GRID_DCA_-4_LONG",
		UpdatedAt:     time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC),
	}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	var buf bytes.Buffer
	if err := printIntents(ctx, &buf, journal, 10); err != nil {
		t.Fatalf("printIntents() error = %v", err)
	}
	out := buf.String()
	for _, want := range []string{"1842", "grid", "W3_GRID_DCA_-4_LONG"} {
		if !strings.Contains(out, want) {
			t.Fatalf("intents output missing %q:\n%s", want, out)
		}
	}
}
