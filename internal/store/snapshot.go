package store

import (
	"time"

	"github.com/shopspring/decimal"

	"wavebot/internal/capital"
	"wavebot/internal/core"
	"wavebot/internal/state"
)

// WaveSnapshot is the on-disk form of the wave. Field names are part of the
// file format; rename with care.
type WaveSnapshot struct {
	SnapshotID string `json:"snapshot_id,omitempty"`
	Phase      string `json:"phase"`
	Mode       string `json:"mode"`
	WaveID     int64  `json:"wave_id"`

	PCenter  decimal.Decimal `json:"p_center"`
	PGap     decimal.Decimal `json:"p_gap"`
	ATRValue decimal.Decimal `json:"atr_value"`

	KLong               int             `json:"k_long"`
	KShort              int             `json:"k_short"`
	AllocatedSeedLong   decimal.Decimal `json:"allocated_seed_long"`
	AllocatedSeedShort  decimal.Decimal `json:"allocated_seed_short"`
	UnitSeedLong        decimal.Decimal `json:"unit_seed_long"`
	UnitSeedShort       decimal.Decimal `json:"unit_seed_short"`
	ReserveSeed         decimal.Decimal `json:"reserve_seed"`
	LastLongLine        *int            `json:"last_long_line"`
	LastShortLine       *int            `json:"last_short_line"`
	LineMemoryLong      []int           `json:"line_memory_long"`
	LineMemoryShort     []int           `json:"line_memory_short"`
	HadNonNegativeLong  bool            `json:"had_non_negative_long"`
	HadNonNegativeShort bool            `json:"had_non_negative_short"`
	TPUsedLong          []int           `json:"tp_used_long"`
	TPUsedShort         []int           `json:"tp_used_short"`
	PrevQtyLong         decimal.Decimal `json:"prev_qty_long"`
	PrevQtyShort        decimal.Decimal `json:"prev_qty_short"`
	PrevPnLLong         decimal.Decimal `json:"prev_pnl_long"`
	PrevPnLShort        decimal.Decimal `json:"prev_pnl_short"`

	EscapeLongStatus            string          `json:"escape_long_status"`
	EscapeShortStatus           string          `json:"escape_short_status"`
	EscapeLongTriggerLine       *int            `json:"escape_long_trigger_line"`
	EscapeShortTriggerLine      *int            `json:"escape_short_trigger_line"`
	EscapeLongHedgeSize         decimal.Decimal `json:"escape_long_hedge_size"`
	EscapeShortHedgeSize        decimal.Decimal `json:"escape_short_hedge_size"`
	EscapeLongHedgeHadPositive  bool            `json:"escape_long_hedge_had_positive_pnl"`
	EscapeShortHedgeHadPositive bool            `json:"escape_short_hedge_had_positive_pnl"`
	EscapeLongExposure          decimal.Decimal `json:"escape_long_exposure_notional"`
	EscapeShortExposure         decimal.Decimal `json:"escape_short_exposure_notional"`
	EscapeLongActivatedAt       *time.Time      `json:"escape_long_activated_at,omitempty"`
	EscapeShortActivatedAt      *time.Time      `json:"escape_short_activated_at,omitempty"`
	HedgeSide                   string          `json:"hedge_side"`
	HedgeSize                   decimal.Decimal `json:"hedge_size"`

	TotalBalance decimal.Decimal `json:"total_balance"`
	FreeBalance  decimal.Decimal `json:"free_balance"`
	FlatTicks    int             `json:"flat_ticks"`
	PausedUntil  *time.Time      `json:"paused_until,omitempty"`
	LastPrice    decimal.Decimal `json:"last_price"`
	LastFillAt   *time.Time      `json:"last_fill_at,omitempty"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func FromState(s state.State) WaveSnapshot {
	snap := WaveSnapshot{
		Phase:    string(s.Phase),
		Mode:     string(s.Mode),
		WaveID:   s.WaveID,
		PCenter:  s.Center,
		PGap:     s.Gap,
		ATRValue: s.ATR,

		KLong:               s.Long.K,
		KShort:              s.Short.K,
		AllocatedSeedLong:   s.Long.Allocated,
		AllocatedSeedShort:  s.Short.Allocated,
		UnitSeedLong:        s.Long.Unit,
		UnitSeedShort:       s.Short.Unit,
		ReserveSeed:         s.Reserve,
		LastLongLine:        copyInt(s.Long.LastLine),
		LastShortLine:       copyInt(s.Short.LastLine),
		LineMemoryLong:      nonNil(s.Long.LineMemory),
		LineMemoryShort:     nonNil(s.Short.LineMemory),
		HadNonNegativeLong:  s.Long.HadNonNegative,
		HadNonNegativeShort: s.Short.HadNonNegative,
		TPUsedLong:          nonNil(s.Long.TPUsed),
		TPUsedShort:         nonNil(s.Short.TPUsed),
		PrevQtyLong:         s.Long.PrevQty,
		PrevQtyShort:        s.Short.PrevQty,
		PrevPnLLong:         s.Long.PrevPnL,
		PrevPnLShort:        s.Short.PrevPnL,

		EscapeLongStatus:            string(s.Long.Escape.Status),
		EscapeShortStatus:           string(s.Short.Escape.Status),
		EscapeLongTriggerLine:       copyInt(s.Long.Escape.TriggerLine),
		EscapeShortTriggerLine:      copyInt(s.Short.Escape.TriggerLine),
		EscapeLongHedgeSize:         s.Long.Escape.HedgeSize,
		EscapeShortHedgeSize:        s.Short.Escape.HedgeSize,
		EscapeLongHedgeHadPositive:  s.Long.Escape.HedgeHadPositive,
		EscapeShortHedgeHadPositive: s.Short.Escape.HedgeHadPositive,
		EscapeLongExposure:          s.Long.Escape.Exposure,
		EscapeShortExposure:         s.Short.Escape.Exposure,
		EscapeLongActivatedAt:       timePtr(s.Long.Escape.ActivatedAt),
		EscapeShortActivatedAt:      timePtr(s.Short.Escape.ActivatedAt),

		TotalBalance: s.TotalBalance,
		FreeBalance:  s.FreeBalance,
		FlatTicks:    s.FlatTicks,
		PausedUntil:  timePtr(s.PausedUntil),
		LastPrice:    s.LastPrice,
		LastFillAt:   timePtr(s.LastFillAt),
		StartedAt:    timePtr(s.StartedAt),
		UpdatedAt:    s.UpdatedAt,
	}
	if dir, size, ok := s.HedgeSide(); ok {
		snap.HedgeSide = string(dir)
		snap.HedgeSize = size
	}
	return snap
}

// State rebuilds the wave. Unknown enum values fall back to defaults.
func (w WaveSnapshot) State() state.State {
	s := state.Default()
	if w.Phase == string(state.PhaseActive) {
		s.Phase = state.PhaseActive
	}
	switch state.Mode(w.Mode) {
	case state.ModeStartup, state.ModeNormal, state.ModeEscape, state.ModePause:
		s.Mode = state.Mode(w.Mode)
	}
	s.WaveID = w.WaveID
	s.Center = w.PCenter
	s.Gap = w.PGap
	s.ATR = w.ATRValue
	s.Reserve = w.ReserveSeed
	s.TotalBalance = w.TotalBalance
	s.FreeBalance = w.FreeBalance
	s.FlatTicks = w.FlatTicks
	s.LastPrice = w.LastPrice
	s.UpdatedAt = w.UpdatedAt
	s.PausedUntil = timeVal(w.PausedUntil)
	s.LastFillAt = timeVal(w.LastFillAt)
	s.StartedAt = timeVal(w.StartedAt)

	s.Long = state.Side{
		K:              clampK(w.KLong),
		Allocated:      w.AllocatedSeedLong,
		Unit:           w.UnitSeedLong,
		LastLine:       copyInt(w.LastLongLine),
		LineMemory:     append([]int(nil), w.LineMemoryLong...),
		HadNonNegative: w.HadNonNegativeLong,
		TPUsed:         append([]int(nil), w.TPUsedLong...),
		PrevQty:        w.PrevQtyLong,
		PrevPnL:        w.PrevPnLLong,
		Escape: state.Escape{
			Status:           escapeStatus(w.EscapeLongStatus),
			TriggerLine:      copyInt(w.EscapeLongTriggerLine),
			HedgeSize:        w.EscapeLongHedgeSize,
			HedgeHadPositive: w.EscapeLongHedgeHadPositive,
			Exposure:         w.EscapeLongExposure,
			ActivatedAt:      timeVal(w.EscapeLongActivatedAt),
		},
	}
	s.Short = state.Side{
		K:              clampK(w.KShort),
		Allocated:      w.AllocatedSeedShort,
		Unit:           w.UnitSeedShort,
		LastLine:       copyInt(w.LastShortLine),
		LineMemory:     append([]int(nil), w.LineMemoryShort...),
		HadNonNegative: w.HadNonNegativeShort,
		TPUsed:         append([]int(nil), w.TPUsedShort...),
		PrevQty:        w.PrevQtyShort,
		PrevPnL:        w.PrevPnLShort,
		Escape: state.Escape{
			Status:           escapeStatus(w.EscapeShortStatus),
			TriggerLine:      copyInt(w.EscapeShortTriggerLine),
			HedgeSize:        w.EscapeShortHedgeSize,
			HedgeHadPositive: w.EscapeShortHedgeHadPositive,
			Exposure:         w.EscapeShortExposure,
			ActivatedAt:      timeVal(w.EscapeShortActivatedAt),
		},
	}
	return s
}

func escapeStatus(v string) state.EscapeStatus {
	switch state.EscapeStatus(v) {
	case state.EscapePending, state.EscapeActive, state.EscapeDone:
		return state.EscapeStatus(v)
	}
	return state.EscapeNone
}

func clampK(k int) int {
	if k < 0 {
		return 0
	}
	if k > capital.Splits {
		return capital.Splits
	}
	return k
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func nonNil(v []int) []int {
	if v == nil {
		return []int{}
	}
	return append([]int(nil), v...)
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	out := t.UTC()
	return &out
}

func timeVal(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}

// PendingOrdersSnapshot lists maker orders resting at the last flush, so a
// restart can cancel orders it no longer tracks.
type PendingOrdersSnapshot struct {
	SnapshotID string       `json:"snapshot_id,omitempty"`
	Orders     []core.Order `json:"orders"`
	UpdatedAt  time.Time    `json:"updated_at,omitempty"`
}
