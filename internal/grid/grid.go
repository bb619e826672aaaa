package grid

import (
	"github.com/shopspring/decimal"

	"wavebot/internal/core"
)

// Operating ranges of the line index per direction.
const (
	LongMin    = -12
	LongMax    = 7
	ShortMin   = -7
	ShortMax   = 12
	OverlapMin = -7
	OverlapMax = 7

	// TPMinIndex is the first profit tier that may take profit.
	TPMinIndex = 3
)

// Lines is the arithmetic grid of one wave: line i sits at Center + i*Gap.
type Lines struct {
	Center decimal.Decimal
	Gap    decimal.Decimal
}

func (l Lines) Valid() bool {
	return l.Center.IsPositive() && l.Gap.IsPositive()
}

// IndexForPrice is round((price - center) / gap). A non-positive gap maps
// every price to line 0.
func (l Lines) IndexForPrice(price decimal.Decimal) int {
	if l.Gap.Cmp(decimal.Zero) <= 0 {
		return 0
	}
	return int(price.Sub(l.Center).Div(l.Gap).Round(0).IntPart())
}

func (l Lines) PriceAt(index int) decimal.Decimal {
	return l.Center.Add(l.Gap.Mul(decimal.NewFromInt(int64(index))))
}

// Touched lists the lines crossed moving from prev to now within [min, max].
// Rising moves (prev < line <= now) are listed ascending, falling moves
// (prev > line >= now) descending.
func (l Lines) Touched(prev, now decimal.Decimal, min, max int) []int {
	if l.Gap.Cmp(decimal.Zero) <= 0 || prev.Equal(now) {
		return nil
	}
	var out []int
	if now.GreaterThan(prev) {
		for idx := min; idx <= max; idx++ {
			lp := l.PriceAt(idx)
			if lp.GreaterThan(prev) && lp.LessThanOrEqual(now) {
				out = append(out, idx)
			}
		}
		return out
	}
	for idx := max; idx >= min; idx-- {
		lp := l.PriceAt(idx)
		if lp.LessThan(prev) && lp.GreaterThanOrEqual(now) {
			out = append(out, idx)
		}
	}
	return out
}

func InRange(dir core.Direction, index int) bool {
	if dir == core.Short {
		return index >= ShortMin && index <= ShortMax
	}
	return index >= LongMin && index <= LongMax
}

func InOverlap(index int) bool {
	return index >= OverlapMin && index <= OverlapMax
}

// ProfitLineIndex is the number of whole gaps price has moved in favor of
// a position entered at avg.
func ProfitLineIndex(dir core.Direction, avg, price, gap decimal.Decimal) int {
	if gap.Cmp(decimal.Zero) <= 0 || avg.Cmp(decimal.Zero) <= 0 {
		return 0
	}
	diff := price.Sub(avg)
	if dir == core.Short {
		diff = avg.Sub(price)
	}
	return int(diff.Div(gap).Floor().IntPart())
}

// Gap is max(atr * factor, floor).
func Gap(atr, factor, floor decimal.Decimal) decimal.Decimal {
	g := atr.Mul(factor)
	if g.LessThan(floor) {
		return floor
	}
	return g
}
