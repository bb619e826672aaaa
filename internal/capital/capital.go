package capital

import (
	"github.com/shopspring/decimal"

	"wavebot/internal/core"
)

// Splits is the number of equal unit seeds each direction is divided into.
const Splits = 13

const unitPlaces = 8

var (
	sideShare    = decimal.RequireFromString("0.25")
	reserveShare = decimal.RequireFromString("0.5")
	splitsDec    = decimal.NewFromInt(Splits)
)

type Snapshot struct {
	Total          decimal.Decimal
	AllocatedLong  decimal.Decimal
	AllocatedShort decimal.Decimal
	Reserve        decimal.Decimal
	UnitLong       decimal.Decimal
	UnitShort      decimal.Decimal
}

// Compute splits total balance 25/25/50 into long, short and reserve pools.
func Compute(total decimal.Decimal) Snapshot {
	return ComputeWithFactor(total, decimal.NewFromInt(1))
}

// ComputeWithFactor scales the per-direction pools by factor (0 < factor <= 1)
// before deriving the unit seed. The reserve is left at its nominal share.
func ComputeWithFactor(total, factor decimal.Decimal) Snapshot {
	if total.Cmp(decimal.Zero) <= 0 {
		return Snapshot{}
	}
	if factor.Cmp(decimal.Zero) <= 0 || factor.GreaterThan(decimal.NewFromInt(1)) {
		factor = decimal.NewFromInt(1)
	}
	side := total.Mul(sideShare).Mul(factor)
	unit := side.Div(splitsDec).Truncate(unitPlaces)
	return Snapshot{
		Total:          total,
		AllocatedLong:  side,
		AllocatedShort: side,
		Reserve:        total.Mul(reserveShare),
		UnitLong:       unit,
		UnitShort:      unit,
	}
}

func (s Snapshot) Ledger(dir core.Direction, k int) Ledger {
	if dir == core.Short {
		return NewLedger(s.AllocatedShort, s.UnitShort, k)
	}
	return NewLedger(s.AllocatedLong, s.UnitLong, k)
}

// Ledger is one direction's seed accounting. Used and Remain are always
// derived from K, never stored independently.
type Ledger struct {
	Allocated decimal.Decimal
	Unit      decimal.Decimal
	K         int
}

func NewLedger(allocated, unit decimal.Decimal, k int) Ledger {
	return Ledger{Allocated: allocated, Unit: unit, K: clampK(k)}
}

func (l Ledger) Used() decimal.Decimal {
	return l.Unit.Mul(decimal.NewFromInt(int64(l.K)))
}

func (l Ledger) Remain() decimal.Decimal {
	return l.Allocated.Sub(l.Used())
}

// CanOpen reports whether one more unit seed may be committed.
func (l Ledger) CanOpen() bool {
	if l.Unit.Cmp(decimal.Zero) <= 0 || l.K >= Splits {
		return false
	}
	return l.Remain().Cmp(l.Unit) >= 0
}

// WithK returns the ledger at k. ok is false, and the receiver is returned
// unchanged, when k would leave the ledger outside [0, Splits] or overdrawn.
func (l Ledger) WithK(k int) (Ledger, bool) {
	if k < 0 || k > Splits {
		return l, false
	}
	next := l
	next.K = k
	if next.Remain().IsNegative() {
		return l, false
	}
	return next, true
}

func (l Ledger) Reset() Ledger {
	l.K = 0
	return l
}

// UnitQty converts one unit seed into contract quantity at price, rounded
// down to the venue qty step.
func UnitQty(unit, price, leverage, step decimal.Decimal) decimal.Decimal {
	if unit.Cmp(decimal.Zero) <= 0 || price.Cmp(decimal.Zero) <= 0 || leverage.Cmp(decimal.Zero) <= 0 {
		return decimal.Zero
	}
	return core.RoundDown(unit.Mul(leverage).Div(price), step)
}

func clampK(k int) int {
	if k < 0 {
		return 0
	}
	if k > Splits {
		return Splits
	}
	return k
}
