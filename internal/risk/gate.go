package risk

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"wavebot/internal/core"
	"wavebot/internal/market"
)

type State string

const (
	StateNormal State = "NORMAL"
	StatePause  State = "PAUSE"
)

type Config struct {
	PauseDuration        time.Duration
	TripRange            decimal.Decimal
	TripVolumeMultiple   decimal.Decimal
	ResumeVolumeMultiple decimal.Decimal
	VolumePeriod         int
	ResumeCandles        int
	NewsBefore           time.Duration
	NewsAfter            time.Duration
	NewsEvents           []time.Time
}

func DefaultConfig() Config {
	return Config{
		PauseDuration:        15 * time.Minute,
		TripRange:            decimal.RequireFromString("0.006"),
		TripVolumeMultiple:   decimal.NewFromInt(4),
		ResumeVolumeMultiple: decimal.RequireFromString("1.5"),
		VolumePeriod:         20,
		ResumeCandles:        3,
		NewsBefore:           60 * time.Minute,
		NewsAfter:            30 * time.Minute,
	}
}

type Input struct {
	Now         time.Time
	Candles     []core.Candle
	Center      decimal.Decimal
	Gap         decimal.Decimal
	PausedUntil time.Time
}

// Decision gates one tick. Take-profit and escape are never blocked.
type Decision struct {
	State        State
	AllowEntries bool
	AllowTP      bool
	AllowEscape  bool
	NewsBlock    bool
	Tripped      bool
	Resumed      bool
	Reason       string
	PausedUntil  time.Time
}

type Gate struct {
	cfg Config
}

func NewGate(cfg Config) *Gate {
	def := DefaultConfig()
	if cfg.PauseDuration <= 0 {
		cfg.PauseDuration = def.PauseDuration
	}
	if cfg.TripRange.Cmp(decimal.Zero) <= 0 {
		cfg.TripRange = def.TripRange
	}
	if cfg.TripVolumeMultiple.Cmp(decimal.Zero) <= 0 {
		cfg.TripVolumeMultiple = def.TripVolumeMultiple
	}
	if cfg.ResumeVolumeMultiple.Cmp(decimal.Zero) <= 0 {
		cfg.ResumeVolumeMultiple = def.ResumeVolumeMultiple
	}
	if cfg.VolumePeriod <= 0 {
		cfg.VolumePeriod = def.VolumePeriod
	}
	if cfg.ResumeCandles <= 0 {
		cfg.ResumeCandles = def.ResumeCandles
	}
	if cfg.NewsBefore <= 0 {
		cfg.NewsBefore = def.NewsBefore
	}
	if cfg.NewsAfter <= 0 {
		cfg.NewsAfter = def.NewsAfter
	}
	return &Gate{cfg: cfg}
}

// Evaluate advances the NORMAL/PAUSE machine. A zero PausedUntil means NORMAL.
func (g *Gate) Evaluate(in Input) Decision {
	out := Decision{State: StateNormal, AllowTP: true, AllowEscape: true, PausedUntil: in.PausedUntil}

	if !in.PausedUntil.IsZero() {
		switch {
		case in.Now.Before(in.PausedUntil):
			out.State = StatePause
			out.Reason = "circuit_breaker_window"
		case g.ResumeReady(in.Candles, in.Center, in.Gap):
			out.Resumed = true
			out.PausedUntil = time.Time{}
		default:
			out.State = StatePause
			out.Reason = "resume_conditions_unmet"
		}
	}

	if out.State == StateNormal {
		if tripped, reason := g.Trip(in.Candles); tripped {
			out.State = StatePause
			out.Tripped = true
			out.Reason = reason
			out.PausedUntil = in.Now.Add(g.cfg.PauseDuration)
		}
	}

	out.AllowEntries = out.State == StateNormal
	if ev, ok := g.NewsBlocked(in.Now); ok {
		out.NewsBlock = true
		out.AllowEntries = false
		if out.Reason == "" {
			out.Reason = "news_window " + ev.UTC().Format(time.RFC3339)
		}
	}
	return out
}

// NewsBlocked returns the first configured event whose window contains now.
func (g *Gate) NewsBlocked(now time.Time) (time.Time, bool) {
	for _, ev := range g.cfg.NewsEvents {
		if InNewsWindow(now, ev, g.cfg.NewsBefore, g.cfg.NewsAfter) {
			return ev, true
		}
	}
	return time.Time{}, false
}

// Trip checks the latest candle against the range and volume thresholds.
func (g *Gate) Trip(candles []core.Candle) (bool, string) {
	if len(candles) == 0 {
		return false, ""
	}
	latest := candles[len(candles)-1]
	if rr, ok := market.RelativeRange(latest); ok && rr.GreaterThanOrEqual(g.cfg.TripRange) {
		return true, fmt.Sprintf("range %s >= %s", rr.StringFixed(5), g.cfg.TripRange)
	}
	if ma, ok := market.VolumeMA(candles, g.cfg.VolumePeriod); ok && ma.IsPositive() {
		if latest.Volume.GreaterThanOrEqual(ma.Mul(g.cfg.TripVolumeMultiple)) {
			return true, fmt.Sprintf("volume %s >= %sx ma %s", latest.Volume, g.cfg.TripVolumeMultiple, ma.StringFixed(4))
		}
	}
	return false, ""
}

// ResumeReady requires the last ResumeCandles candles to stay within
// gap/center relative range and the latest volume under the resume multiple.
func (g *Gate) ResumeReady(candles []core.Candle, center, gap decimal.Decimal) bool {
	if len(candles) < g.cfg.ResumeCandles || center.Cmp(decimal.Zero) <= 0 {
		return false
	}
	threshold := gap.Div(center)
	for _, c := range candles[len(candles)-g.cfg.ResumeCandles:] {
		rr, ok := market.RelativeRange(c)
		if !ok || rr.GreaterThan(threshold) {
			return false
		}
	}
	ma, ok := market.VolumeMA(candles, min(g.cfg.VolumePeriod, len(candles)))
	if !ok || !ma.IsPositive() {
		return false
	}
	latest := candles[len(candles)-1]
	return latest.Volume.LessThan(ma.Mul(g.cfg.ResumeVolumeMultiple))
}

// InNewsWindow reports whether now is within [event-before, event+after].
func InNewsWindow(now, event time.Time, before, after time.Duration) bool {
	start := event.Add(-before)
	end := event.Add(after)
	return !now.Before(start) && !now.After(end)
}
