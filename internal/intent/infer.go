package intent

import (
	"regexp"
	"strings"

	"wavebot/internal/core"
)

var waveGridTag = regexp.MustCompile(`^W\d+_GRID`)

// InferSource attributes an order from its tag. Rules are checked in
// priority order; HEDGE comes before ESCAPE because hedge tags may carry
// both words. Grid-shaped tags are split into grid and tp by reduceOnly,
// and are unknown when reduceOnly is nil. ok is false when nothing matched.
func InferSource(tag string, reduceOnly *bool) (core.Source, bool) {
	t := strings.ToUpper(strings.TrimSpace(tag))
	if t == "" {
		return "", false
	}
	switch {
	case containsAny(t, "RECENTER", "RESET_WAVE", "RE-CENTER"):
		return core.SourceRecenter, true
	case strings.Contains(t, "MANUAL"):
		return core.SourceManual, true
	case strings.Contains(t, "HEDGE"):
		return core.SourceHedge, true
	case containsAny(t, "ESCAPE", "FULL_EXIT"):
		return core.SourceEscape, true
	case containsAny(t, "STOPLOSS", "STOP_LOSS", "_SL_") || strings.HasPrefix(t, "SL_") || strings.HasSuffix(t, "_SL"):
		return core.SourceSL, true
	case strings.Contains(t, "_TP_") || strings.HasPrefix(t, "TP_") || strings.HasSuffix(t, "_TP"):
		return core.SourceTP, true
	case strings.Contains(t, "_GRID_") ||
		strings.HasPrefix(t, "STARTUP") || strings.HasPrefix(t, "DCA") || strings.HasPrefix(t, "REENTRY") ||
		waveGridTag.MatchString(t):
		if reduceOnly == nil {
			return core.SourceUnknown, true
		}
		if *reduceOnly {
			return core.SourceTP, true
		}
		return core.SourceGrid, true
	}
	return "", false
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
