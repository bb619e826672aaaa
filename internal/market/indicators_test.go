package market

import (
	"testing"

	"github.com/shopspring/decimal"

	"wavebot/internal/core"
)

func candle(high, low, closePrice, volume string) core.Candle {
	return core.Candle{
		High:   decimal.RequireFromString(high),
		Low:    decimal.RequireFromString(low),
		Close:  decimal.RequireFromString(closePrice),
		Volume: decimal.RequireFromString(volume),
	}
}

func TestTrueRangeUsesPreviousClose(t *testing.T) {
	c := candle("110", "105", "108", "1")
	if got := TrueRange(c, decimal.RequireFromString("100")); !got.Equal(decimal.RequireFromString("10")) {
		t.Fatalf("TrueRange() = %s, want 10", got)
	}
}

func TestATRSeedAndWilderSmoothing(t *testing.T) {
	candles := []core.Candle{
		candle("100", "100", "100", "1"),
		candle("110", "100", "105", "1"), // tr 10
		candle("110", "90", "100", "1"),  // tr 20
		candle("130", "100", "120", "1"), // tr 30
	}
	got, ok := ATR(candles, 2)
	if !ok {
		t.Fatalf("ATR() not ok")
	}
	// seed (10+20)/2 = 15, then (15*1 + 30)/2 = 22.5
	if !got.Equal(decimal.RequireFromString("22.5")) {
		t.Fatalf("ATR() = %s, want 22.5", got)
	}
	if _, ok := ATR(candles[:2], 2); ok {
		t.Fatalf("ATR() should need period+1 candles")
	}
}

func TestVolumeMAAndRelativeRange(t *testing.T) {
	candles := []core.Candle{
		candle("1", "1", "1", "100"),
		candle("1", "1", "1", "2"),
		candle("1", "1", "1", "4"),
	}
	got, ok := VolumeMA(candles, 2)
	if !ok || !got.Equal(decimal.RequireFromString("3")) {
		t.Fatalf("VolumeMA() = %s %t, want 3", got, ok)
	}
	rr, ok := RelativeRange(candle("101", "99", "100", "1"))
	if !ok || !rr.Equal(decimal.RequireFromString("0.02")) {
		t.Fatalf("RelativeRange() = %s %t, want 0.02", rr, ok)
	}
	if _, ok := RelativeRange(candle("0", "0", "0", "0")); ok {
		t.Fatalf("RelativeRange() with zero mid should fail")
	}
}
