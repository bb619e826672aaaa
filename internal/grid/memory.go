package grid

import (
	"github.com/shopspring/decimal"

	"wavebot/internal/state"
)

// MemoryReset is the outcome of one line memory check.
type MemoryReset struct {
	Reset          bool
	FullClose      bool
	HadNonNegative bool
}

// DecideMemoryReset clears line memory when the position closes completely,
// or when PnL crosses from >= 0 back below 0 after having been non-negative
// at least once since the last clear.
func DecideMemoryReset(qtyBefore, qtyNow, pnlBefore, pnlNow decimal.Decimal, hadNonNegative bool) MemoryReset {
	hadPos := !qtyBefore.IsZero()
	hasPos := !qtyNow.IsZero()
	if hadPos && !hasPos {
		return MemoryReset{Reset: true, FullClose: true}
	}
	if !hasPos {
		return MemoryReset{HadNonNegative: hadNonNegative}
	}
	flag := hadNonNegative
	if !pnlNow.IsNegative() {
		flag = true
	}
	if flag && !pnlBefore.IsNegative() && pnlNow.IsNegative() {
		return MemoryReset{Reset: true}
	}
	return MemoryReset{HadNonNegative: flag}
}

// Reconcile folds the latest position of one direction into its side state.
// A full close resets k and line memory regardless of the PnL sign.
func Reconcile(side state.Side, qty, pnl decimal.Decimal) (state.SideDelta, MemoryReset) {
	res := DecideMemoryReset(side.PrevQty, qty, side.PrevPnL, pnl, side.HadNonNegative)
	var d state.SideDelta
	if res.Reset {
		d.LineMemory = state.Ints(nil)
	}
	if res.FullClose && side.K != 0 {
		d.K = state.IntPtr(0)
	}
	if res.HadNonNegative != side.HadNonNegative {
		d.HadNonNegative = state.Bool(res.HadNonNegative)
	}
	return d, res
}
