package state

import (
	"errors"
	"fmt"

	"wavebot/internal/core"
)

var ErrLedgerInconsistent = errors.New("seed ledger mutation rejected")

// SideDelta is a sparse update of one direction. Nil fields are untouched.
type SideDelta struct {
	K              *int
	LineMemory     *[]int
	HadNonNegative *bool
	TPUsed         *[]int
	LastLine       *int
	Escape         *Escape
}

func (d SideDelta) Empty() bool {
	return d.K == nil && d.LineMemory == nil && d.HadNonNegative == nil &&
		d.TPUsed == nil && d.LastLine == nil && d.Escape == nil
}

// Override copies every field set in o over d.
func (d SideDelta) Override(o SideDelta) SideDelta {
	if o.K != nil {
		d.K = o.K
	}
	if o.LineMemory != nil {
		d.LineMemory = o.LineMemory
	}
	if o.HadNonNegative != nil {
		d.HadNonNegative = o.HadNonNegative
	}
	if o.TPUsed != nil {
		d.TPUsed = o.TPUsed
	}
	if o.LastLine != nil {
		d.LastLine = o.LastLine
	}
	if o.Escape != nil {
		d.Escape = o.Escape
	}
	return d
}

type Delta struct {
	Mode  *Mode
	Long  SideDelta
	Short SideDelta
}

func (d Delta) Side(dir core.Direction) SideDelta {
	if dir == core.Short {
		return d.Short
	}
	return d.Long
}

func (d *Delta) SetSide(dir core.Direction, sd SideDelta) {
	if dir == core.Short {
		d.Short = sd
		return
	}
	d.Long = sd
}

// Withhold drops every change d makes to dir except LastLine, and the mode
// change, which may have depended on it.
func (d Delta) Withhold(dir core.Direction) Delta {
	d.SetSide(dir, SideDelta{LastLine: d.Side(dir).LastLine})
	d.Mode = nil
	return d
}

func (d Delta) Empty() bool {
	return d.Mode == nil && d.Long.Empty() && d.Short.Empty()
}

// Merge applies base first and then over, so over wins on every field both set.
func Merge(base, over Delta) Delta {
	out := base
	if over.Mode != nil {
		out.Mode = over.Mode
	}
	out.Long = base.Long.Override(over.Long)
	out.Short = base.Short.Override(over.Short)
	return out
}

// Apply mutates s. A K change that would leave the ledger outside its bounds
// is skipped entirely and reported; every other field is still applied.
func (s *State) Apply(d Delta) error {
	if d.Mode != nil {
		s.Mode = *d.Mode
	}
	var errs []error
	for _, dir := range []core.Direction{core.Long, core.Short} {
		if err := s.applySide(dir, d.Side(dir)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *State) applySide(dir core.Direction, d SideDelta) error {
	side := s.Side(dir)
	var err error
	if d.K != nil {
		if next, ok := side.Ledger().WithK(*d.K); ok {
			side.K = next.K
		} else {
			err = fmt.Errorf("%w: dir=%s k=%d->%d", ErrLedgerInconsistent, dir, side.K, *d.K)
		}
	}
	if d.LineMemory != nil {
		side.LineMemory = append([]int(nil), (*d.LineMemory)...)
	}
	if d.HadNonNegative != nil {
		side.HadNonNegative = *d.HadNonNegative
	}
	if d.TPUsed != nil {
		side.TPUsed = append([]int(nil), (*d.TPUsed)...)
	}
	if d.LastLine != nil {
		side.LastLine = IntPtr(*d.LastLine)
	}
	if d.Escape != nil {
		esc := *d.Escape
		// The trigger line is write-once per wave.
		if side.Escape.TriggerLine != nil {
			esc.TriggerLine = IntPtr(*side.Escape.TriggerLine)
		}
		side.Escape = esc
	}
	s.SetSide(dir, side)
	return err
}

func Ints(v []int) *[]int {
	out := append([]int{}, v...)
	return &out
}

func Bool(v bool) *bool {
	return &v
}

func ModePtr(m Mode) *Mode {
	return &m
}
