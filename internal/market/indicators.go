package market

import (
	"github.com/shopspring/decimal"

	"wavebot/internal/core"
)

// ATR is the Wilder-smoothed average true range over period candles. The
// first value is the simple mean of the first period true ranges; every
// later candle updates it as (atr*(n-1) + tr) / n. ok is false when fewer
// than period+1 candles are available.
func ATR(candles []core.Candle, period int) (decimal.Decimal, bool) {
	if period <= 0 || len(candles) < period+1 {
		return decimal.Zero, false
	}
	n := decimal.NewFromInt(int64(period))
	nMinus1 := decimal.NewFromInt(int64(period - 1))
	atr := decimal.Zero
	for i := 1; i <= period; i++ {
		atr = atr.Add(TrueRange(candles[i], candles[i-1].Close))
	}
	atr = atr.Div(n)
	for i := period + 1; i < len(candles); i++ {
		atr = atr.Mul(nMinus1).Add(TrueRange(candles[i], candles[i-1].Close)).Div(n)
	}
	return atr, true
}

// TrueRange is max(high-low, |high-prevClose|, |low-prevClose|).
func TrueRange(c core.Candle, prevClose decimal.Decimal) decimal.Decimal {
	tr := c.High.Sub(c.Low)
	if hc := c.High.Sub(prevClose).Abs(); hc.GreaterThan(tr) {
		tr = hc
	}
	if lc := c.Low.Sub(prevClose).Abs(); lc.GreaterThan(tr) {
		tr = lc
	}
	return tr
}

// VolumeMA is the mean volume of the last period candles, including the
// latest. ok is false when fewer than period candles are available.
func VolumeMA(candles []core.Candle, period int) (decimal.Decimal, bool) {
	if period <= 0 || len(candles) < period {
		return decimal.Zero, false
	}
	sum := decimal.Zero
	for _, c := range candles[len(candles)-period:] {
		sum = sum.Add(c.Volume)
	}
	return sum.Div(decimal.NewFromInt(int64(period))), true
}

// RelativeRange is (high-low)/mid with mid = (high+low)/2. ok is false for
// a non-positive mid.
func RelativeRange(c core.Candle) (decimal.Decimal, bool) {
	mid := c.High.Add(c.Low).Div(decimal.NewFromInt(2))
	if mid.Cmp(decimal.Zero) <= 0 {
		return decimal.Zero, false
	}
	return c.High.Sub(c.Low).Div(mid), true
}
