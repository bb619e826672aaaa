package state

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"wavebot/internal/capital"
	"wavebot/internal/core"
)

type Mode string

type Phase string

type EscapeStatus string

const (
	ModeStartup Mode = "STARTUP"
	ModeNormal  Mode = "NORMAL"
	ModeEscape  Mode = "ESCAPE"
	ModePause   Mode = "PAUSE"
)

const (
	PhaseNoWave Phase = "NO_WAVE"
	PhaseActive Phase = "ACTIVE"
)

const (
	EscapeNone    EscapeStatus = "NONE"
	EscapePending EscapeStatus = "PENDING"
	EscapeActive  EscapeStatus = "ACTIVE"
	EscapeDone    EscapeStatus = "DONE"
)

type Escape struct {
	Status           EscapeStatus
	TriggerLine      *int
	HedgeSize        decimal.Decimal
	HedgeHadPositive bool
	Exposure         decimal.Decimal
	ActivatedAt      time.Time
}

func (e Escape) Active() bool {
	return e.Status == EscapeActive
}

// Side is the per-direction part of the wave. K is the only stored seed
// counter; used and remain are derived through Ledger.
type Side struct {
	K              int
	Allocated      decimal.Decimal
	Unit           decimal.Decimal
	LastLine       *int
	LineMemory     []int
	HadNonNegative bool
	TPUsed         []int
	PrevQty        decimal.Decimal
	PrevPnL        decimal.Decimal
	Escape         Escape
}

func (s Side) Ledger() capital.Ledger {
	return capital.NewLedger(s.Allocated, s.Unit, s.K)
}

func (s Side) LineUsed(idx int) bool {
	return containsInt(s.LineMemory, idx)
}

func (s Side) TPFired(idx int) bool {
	return containsInt(s.TPUsed, idx)
}

type State struct {
	Phase        Phase
	Mode         Mode
	WaveID       int64
	Center       decimal.Decimal
	Gap          decimal.Decimal
	ATR          decimal.Decimal
	Reserve      decimal.Decimal
	TotalBalance decimal.Decimal
	FreeBalance  decimal.Decimal
	Long         Side
	Short        Side
	FlatTicks    int
	PausedUntil  time.Time
	LastPrice    decimal.Decimal
	LastFillAt   time.Time
	StartedAt    time.Time
	UpdatedAt    time.Time
}

// Default is the state of a process that has never traded: no wave, waiting
// for the first flat tick to start one.
func Default() State {
	return State{
		Phase: PhaseNoWave,
		Mode:  ModeStartup,
		Long:  Side{Escape: Escape{Status: EscapeNone}},
		Short: Side{Escape: Escape{Status: EscapeNone}},
	}
}

func (s State) Side(dir core.Direction) Side {
	if dir == core.Short {
		return s.Short
	}
	return s.Long
}

func (s *State) SetSide(dir core.Direction, side Side) {
	if dir == core.Short {
		s.Short = side
		return
	}
	s.Long = side
}

func (s State) EscapeActive() bool {
	return s.Long.Escape.Active() || s.Short.Escape.Active()
}

// SyncEscapeMode enters ESCAPE while any direction is ACTIVE and returns to
// NORMAL once none is.
func (s *State) SyncEscapeMode() {
	active := s.EscapeActive()
	switch {
	case active && s.Mode != ModeEscape:
		s.Mode = ModeEscape
	case !active && s.Mode == ModeEscape:
		s.Mode = ModeNormal
	}
}

// EscapeEngaged reports whether any direction is past NONE and not yet DONE.
func (s State) EscapeEngaged() bool {
	for _, e := range []Escape{s.Long.Escape, s.Short.Escape} {
		if e.Status == EscapePending || e.Status == EscapeActive {
			return true
		}
	}
	return false
}

// HedgeSide reports the direction currently holding a hedge, if any.
func (s State) HedgeSide() (core.Direction, decimal.Decimal, bool) {
	if s.Long.Escape.HedgeSize.IsPositive() {
		return core.Short, s.Long.Escape.HedgeSize, true
	}
	if s.Short.Escape.HedgeSize.IsPositive() {
		return core.Long, s.Short.Escape.HedgeSize, true
	}
	return "", decimal.Zero, false
}

func IntPtr(v int) *int {
	return &v
}

func containsInt(list []int, v int) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// WithInt returns a sorted copy of list with v added.
func WithInt(list []int, v int) []int {
	if containsInt(list, v) {
		out := append([]int(nil), list...)
		sort.Ints(out)
		return out
	}
	out := append(append([]int(nil), list...), v)
	sort.Ints(out)
	return out
}
