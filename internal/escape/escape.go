package escape

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"wavebot/internal/core"
	"wavebot/internal/grid"
	"wavebot/internal/state"
)

// BreakoutLine is the absolute line index at which the grid is considered broken.
const BreakoutLine = 13

const (
	TagHedgeEntry = "ESCAPE_HEDGE_ENTRY"
	TagHedgeExit  = "ESCAPE_HEDGE_EXIT"
	TagFullExit   = "FULL_EXIT"
)

type Config struct {
	Leverage           decimal.Decimal
	PairExitRate       decimal.Decimal
	HedgeMaxFactor     decimal.Decimal
	BreakevenTolerance decimal.Decimal
	PositiveEpsilon    decimal.Decimal
	Rules              core.Rules
}

func DefaultConfig() Config {
	return Config{
		Leverage:           decimal.NewFromInt(7),
		PairExitRate:       decimal.RequireFromString("0.02"),
		HedgeMaxFactor:     decimal.NewFromInt(2),
		BreakevenTolerance: decimal.RequireFromString("0.5"),
		PositiveEpsilon:    decimal.RequireFromString("0.000001"),
	}
}

type Input struct {
	Now       time.Time
	Price     decimal.Decimal
	PrevPrice decimal.Decimal
	Lines     grid.Lines
	Positions core.Positions
	Long      state.Side
	Short     state.Side
	Mode      state.Mode
	Available decimal.Decimal
}

func (in Input) side(dir core.Direction) state.Side {
	if dir == core.Short {
		return in.Short
	}
	return in.Long
}

// Event is a notable transition, reported for logging and alerts.
type Event struct {
	Dir    core.Direction
	Name   string
	Detail string
}

type Decision struct {
	Orders   []core.OrderSpec
	FullExit bool
	Delta    state.Delta
	Breakout core.Direction
	Fakeout  bool
	Events   []Event
	// Requires lists, per direction, the order tags the direction's escape
	// transition depends on.
	Requires map[core.Direction][]string
}

func (d *Decision) place(dir core.Direction, spec core.OrderSpec) {
	d.Orders = append(d.Orders, spec)
	if d.Requires == nil {
		d.Requires = make(map[core.Direction][]string, 2)
	}
	d.Requires[dir] = append(d.Requires[dir], spec.Tag)
}

type Engine struct {
	cfg Config
}

func NewEngine(cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.Leverage.Cmp(decimal.Zero) <= 0 {
		cfg.Leverage = def.Leverage
	}
	if cfg.PairExitRate.Cmp(decimal.Zero) <= 0 {
		cfg.PairExitRate = def.PairExitRate
	}
	if cfg.HedgeMaxFactor.Cmp(decimal.Zero) <= 0 {
		cfg.HedgeMaxFactor = def.HedgeMaxFactor
	}
	if cfg.BreakevenTolerance.IsNegative() {
		cfg.BreakevenTolerance = def.BreakevenTolerance
	}
	if cfg.PositiveEpsilon.Cmp(decimal.Zero) <= 0 {
		cfg.PositiveEpsilon = def.PositiveEpsilon
	}
	return &Engine{cfg: cfg}
}

// HedgeQty is min(factor * |mainQty|, qMax), never negative.
func HedgeQty(mainQty, qMax, factor decimal.Decimal) decimal.Decimal {
	want := mainQty.Abs().Mul(factor)
	if qMax.IsNegative() {
		qMax = decimal.Zero
	}
	if want.GreaterThan(qMax) {
		return qMax
	}
	return want
}

// MaxQty is the quantity the available margin supports at price.
func MaxQty(available, leverage, price decimal.Decimal) decimal.Decimal {
	if available.Cmp(decimal.Zero) <= 0 || price.Cmp(decimal.Zero) <= 0 {
		return decimal.Zero
	}
	return available.Mul(leverage).Div(price)
}

// Breakout reports the direction trapped by the current line, if any.
func Breakout(line int) (core.Direction, bool) {
	switch {
	case line <= -BreakoutLine:
		return core.Long, true
	case line >= BreakoutLine:
		return core.Short, true
	}
	return "", false
}

// TriggerLine is the line one step further into loss than the deepest line
// touched this tick. It may lie outside the operating range.
func TriggerLine(dir core.Direction, touched []int) (int, bool) {
	if len(touched) == 0 {
		return 0, false
	}
	lo, hi := touched[0], touched[0]
	for _, idx := range touched[1:] {
		if idx < lo {
			lo = idx
		}
		if idx > hi {
			hi = idx
		}
	}
	if dir == core.Short {
		return hi + 1, true
	}
	return lo - 1, true
}

// HedgePnL attributes the opposite leg's PnL to the hedge in proportion to
// its share of that leg.
func HedgePnL(hedgeSize decimal.Decimal, leg core.Position, legPnL decimal.Decimal) decimal.Decimal {
	if hedgeSize.Cmp(decimal.Zero) <= 0 || leg.Qty.Cmp(decimal.Zero) <= 0 {
		return decimal.Zero
	}
	ratio := hedgeSize.Div(leg.Qty)
	if ratio.GreaterThan(decimal.NewFromInt(1)) {
		ratio = decimal.NewFromInt(1)
	}
	return legPnL.Mul(ratio)
}

// Evaluate runs the escape state machine for both directions.
func (e *Engine) Evaluate(in Input) Decision {
	var out Decision
	if !in.Lines.Valid() || in.Price.Cmp(decimal.Zero) <= 0 {
		return out
	}
	cur := in.Lines.IndexForPrice(in.Price)
	prevPrice := in.PrevPrice
	if prevPrice.Cmp(decimal.Zero) <= 0 {
		prevPrice = in.Price
	}
	prevLine := in.Lines.IndexForPrice(prevPrice)
	touched := in.Lines.Touched(prevPrice, in.Price, grid.LongMin, grid.ShortMax)

	broken, isBreakout := Breakout(cur)
	if isBreakout {
		out.Breakout = broken
	}
	if _, wasBreakout := Breakout(prevLine); wasBreakout && !isBreakout {
		out.Fakeout = true
	}

	for _, dir := range []core.Direction{core.Long, core.Short} {
		if out.FullExit {
			break
		}
		esc, changed := e.evaluateSide(in, dir, touched, isBreakout && broken == dir, &out)
		if changed {
			sd := out.Delta.Side(dir)
			sd.Escape = &esc
			out.Delta.SetSide(dir, sd)
		}
	}

	anyActive := false
	for _, dir := range []core.Direction{core.Long, core.Short} {
		esc := in.side(dir).Escape
		if sd := out.Delta.Side(dir); sd.Escape != nil {
			esc = *sd.Escape
		}
		if esc.Active() {
			anyActive = true
		}
	}
	switch {
	case anyActive && in.Mode != state.ModeEscape:
		out.Delta.Mode = state.ModePtr(state.ModeEscape)
	case !anyActive && in.Mode == state.ModeEscape:
		out.Delta.Mode = state.ModePtr(state.ModeNormal)
	}
	return out
}

func (e *Engine) evaluateSide(in Input, dir core.Direction, touched []int, breakout bool, out *Decision) (state.Escape, bool) {
	side := in.side(dir)
	esc := side.Escape
	if esc.Status == "" {
		esc.Status = state.EscapeNone
	}
	pos := in.Positions.Get(dir)
	pnl := core.PnL(dir, pos, in.Price)

	switch esc.Status {
	case state.EscapeNone:
		if esc.TriggerLine != nil || pos.Flat() || !pnl.IsNegative() {
			return esc, false
		}
		ledger := side.Ledger()
		if ledger.Unit.Cmp(decimal.Zero) <= 0 || ledger.Remain().GreaterThan(ledger.Unit) {
			return esc, false
		}
		trig, ok := TriggerLine(dir, touched)
		if !ok {
			return esc, false
		}
		esc.TriggerLine = state.IntPtr(trig)
		esc.Status = state.EscapePending
		out.Events = append(out.Events, Event{Dir: dir, Name: "escape_trigger_captured", Detail: fmt.Sprintf("trigger_line=%d touched=%v", trig, touched)})
		return esc, true

	case state.EscapePending:
		if pos.Flat() {
			esc.Status = state.EscapeNone
			out.Events = append(out.Events, Event{Dir: dir, Name: "escape_pending_cleared", Detail: "position_flat"})
			return esc, true
		}
		hit := esc.TriggerLine != nil && (containsInt(touched, *esc.TriggerLine) || reached(dir, in.Lines, *esc.TriggerLine, in.Price))
		if !hit && !breakout {
			return esc, false
		}
		qMax := MaxQty(in.Available, e.cfg.Leverage, in.Price)
		qty := core.RoundDown(HedgeQty(pos.Qty, qMax, e.cfg.HedgeMaxFactor), e.cfg.Rules.QtyStep)
		if qty.Cmp(decimal.Zero) <= 0 {
			out.Events = append(out.Events, Event{Dir: dir, Name: "escape_hedge_unavailable", Detail: fmt.Sprintf("q_max=%s", qMax)})
			return esc, false
		}
		hedgeDir := dir.Opposite()
		out.place(dir, core.OrderSpec{
			Side:   hedgeDir.OpenSide(),
			Type:   core.Limit,
			Price:  core.RoundToStep(in.Price, e.cfg.Rules.PriceTick),
			Qty:    qty,
			Slot:   hedgeDir.Slot(),
			Tag:    TagHedgeEntry + "_" + string(dir),
			Source: core.SourceHedge,
			Mode:   core.ModeAggressive,
		})
		esc.Status = state.EscapeActive
		esc.HedgeSize = qty
		esc.HedgeHadPositive = false
		esc.Exposure = pos.Qty.Add(qty).Mul(in.Price)
		esc.ActivatedAt = in.Now
		reason := "trigger_line"
		if !hit {
			reason = "breakout"
		}
		out.Events = append(out.Events, Event{Dir: dir, Name: "escape_active", Detail: fmt.Sprintf("reason=%s hedge_qty=%s exposure=%s", reason, qty, esc.Exposure)})
		return esc, true

	case state.EscapeActive:
		return e.evaluateActive(in, dir, esc, pos, pnl, out)
	}
	return esc, false
}

func (e *Engine) evaluateActive(in Input, dir core.Direction, esc state.Escape, pos core.Position, pnlMain decimal.Decimal, out *Decision) (state.Escape, bool) {
	hedgeDir := dir.Opposite()
	leg := in.Positions.Get(hedgeDir)
	hedgeQty := decimal.Min(esc.HedgeSize, leg.Qty)

	if pos.Flat() {
		if hedgeQty.IsPositive() {
			out.place(dir, e.closeOrder(hedgeDir, hedgeQty, in.Price, TagHedgeExit+"_"+string(dir), core.SourceHedge))
		}
		esc.Status = state.EscapeDone
		esc.HedgeSize = decimal.Zero
		esc.HedgeHadPositive = false
		out.Events = append(out.Events, Event{Dir: dir, Name: "escape_done", Detail: "main_position_flat"})
		return esc, true
	}

	pnlHedge := HedgePnL(esc.HedgeSize, leg, core.PnL(hedgeDir, leg, in.Price))
	had := esc.HedgeHadPositive || pnlHedge.GreaterThan(e.cfg.PositiveEpsilon)
	total := pnlMain.Add(pnlHedge)

	if esc.Exposure.IsPositive() && total.GreaterThanOrEqual(esc.Exposure.Mul(e.cfg.PairExitRate)) {
		out.place(dir, e.closeOrder(dir, pos.Qty, in.Price, TagFullExit+"_"+string(dir), core.SourceEscape))
		if leg.Qty.IsPositive() {
			out.place(dir, e.closeOrder(hedgeDir, leg.Qty, in.Price, TagFullExit+"_"+string(hedgeDir), core.SourceEscape))
		}
		out.FullExit = true
		esc.Status = state.EscapeDone
		esc.HedgeSize = decimal.Zero
		esc.HedgeHadPositive = false
		out.Events = append(out.Events, Event{Dir: dir, Name: "escape_full_exit", Detail: fmt.Sprintf("pnl_main=%s pnl_hedge=%s exposure=%s", pnlMain, pnlHedge, esc.Exposure)})
		return esc, true
	}

	if had && pnlHedge.Abs().LessThanOrEqual(e.cfg.BreakevenTolerance) && hedgeQty.IsPositive() {
		out.place(dir, e.closeOrder(hedgeDir, hedgeQty, in.Price, TagHedgeExit+"_"+string(dir), core.SourceHedge))
		esc.Status = state.EscapeDone
		esc.HedgeSize = decimal.Zero
		esc.HedgeHadPositive = false
		out.Events = append(out.Events, Event{Dir: dir, Name: "escape_hedge_breakeven", Detail: fmt.Sprintf("pnl_hedge=%s", pnlHedge)})
		return esc, true
	}

	if had != esc.HedgeHadPositive {
		esc.HedgeHadPositive = had
		return esc, true
	}
	return esc, false
}

func (e *Engine) closeOrder(dir core.Direction, qty, price decimal.Decimal, tag string, source core.Source) core.OrderSpec {
	return core.OrderSpec{
		Side:       dir.CloseSide(),
		Type:       core.Market,
		Price:      price,
		Qty:        qty,
		ReduceOnly: true,
		Slot:       dir.Slot(),
		Tag:        tag,
		Source:     source,
		Mode:       core.ModeAggressive,
	}
}

// reached reports whether price sits at or beyond the trigger line on the
// losing side, so a hedge refused on an earlier tick is retried.
func reached(dir core.Direction, lines grid.Lines, trig int, price decimal.Decimal) bool {
	at := lines.PriceAt(trig)
	if dir == core.Short {
		return price.GreaterThanOrEqual(at)
	}
	return price.LessThanOrEqual(at)
}

func containsInt(list []int, v int) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
