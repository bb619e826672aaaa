package grid

import (
	"fmt"

	"github.com/shopspring/decimal"

	"wavebot/internal/capital"
	"wavebot/internal/core"
	"wavebot/internal/state"
)

type Kind string

const (
	KindStartup Kind = "STARTUP"
	KindRefill  Kind = "REFILL"
	KindDCA     Kind = "DCA"
	KindTP      Kind = "TP"
)

type Config struct {
	Leverage          decimal.Decimal
	MaxAllocationRate decimal.Decimal
	MinDistanceGaps   decimal.Decimal
	Rules             core.Rules
}

type Input struct {
	WaveID       int64
	Price        decimal.Decimal
	Lines        Lines
	PrevLine     *int
	Positions    core.Positions
	Long         state.Side
	Short        state.Side
	TotalBalance decimal.Decimal
	AllowEntries bool
	AllowTP      bool
}

func (in Input) side(dir core.Direction) state.Side {
	if dir == core.Short {
		return in.Short
	}
	return in.Long
}

// Skip explains why a direction produced no order on a tick it was close to.
type Skip struct {
	Dir    core.Direction
	Kind   Kind
	Line   int
	Reason string
}

type Decision struct {
	Line   int
	Orders []core.OrderSpec
	Delta  state.Delta
	Skips  []Skip
	// Requires lists, per direction, the order tags whose acceptance the
	// direction's ledger changes depend on. LastLine is never gated.
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
	if cfg.MinDistanceGaps.Cmp(decimal.Zero) <= 0 {
		cfg.MinDistanceGaps = decimal.NewFromInt(1)
	}
	return &Engine{cfg: cfg}
}

// Evaluate decides startup, refill, DCA and take-profit orders for both
// directions. It never fails; an invalid grid yields an empty decision.
func (e *Engine) Evaluate(in Input) Decision {
	var out Decision
	if !in.Lines.Valid() || in.Price.Cmp(decimal.Zero) <= 0 {
		return out
	}
	cur := in.Lines.IndexForPrice(in.Price)
	out.Line = cur
	bothFlat := in.Positions.Flat()
	for _, dir := range []core.Direction{core.Long, core.Short} {
		sd := e.evaluateSide(in, dir, cur, bothFlat, &out)
		sd.LastLine = state.IntPtr(cur)
		out.Delta.SetSide(dir, sd)
	}
	return out
}

func (e *Engine) evaluateSide(in Input, dir core.Direction, cur int, bothFlat bool, out *Decision) state.SideDelta {
	var sd state.SideDelta
	side := in.side(dir)
	pos := in.Positions.Get(dir)
	ledger := side.Ledger()
	pnl := core.PnL(dir, pos, in.Price)

	if in.AllowEntries {
		kind, ok := e.entryKind(in, dir, cur, bothFlat, side, pos, pnl)
		if ok {
			if reason := e.entryBlocked(in, dir, cur, side, ledger, pos); reason != "" {
				out.Skips = append(out.Skips, Skip{Dir: dir, Kind: kind, Line: cur, Reason: reason})
			} else if spec, ok := e.entryOrder(in, dir, cur, kind, ledger); ok {
				if next, ok := ledger.WithK(ledger.K + 1); ok {
					out.place(dir, spec)
					sd.K = state.IntPtr(next.K)
					sd.LineMemory = state.Ints(state.WithInt(side.LineMemory, cur))
					ledger = next
				}
			} else {
				out.Skips = append(out.Skips, Skip{Dir: dir, Kind: kind, Line: cur, Reason: "qty_below_step"})
			}
		}
	}

	if in.AllowTP && !pos.Flat() && ledger.K > 0 {
		pli := ProfitLineIndex(dir, pos.AvgPrice, in.Price, in.Lines.Gap)
		if pli >= TPMinIndex && !side.TPFired(pli) {
			spec, ok := e.takeProfitOrder(in, dir, pli, pos, ledger.K)
			next, kok := ledger.WithK(ledger.K - 1)
			switch {
			case !ok:
				out.Skips = append(out.Skips, Skip{Dir: dir, Kind: KindTP, Line: pli, Reason: "qty_below_step"})
			case !kok:
				out.Skips = append(out.Skips, Skip{Dir: dir, Kind: KindTP, Line: pli, Reason: "ledger"})
			default:
				out.place(dir, spec)
				sd.K = state.IntPtr(next.K)
				sd.TPUsed = state.Ints(state.WithInt(side.TPUsed, pli))
			}
		}
	}
	return sd
}

func (e *Engine) entryKind(in Input, dir core.Direction, cur int, bothFlat bool, side state.Side, pos core.Position, pnl decimal.Decimal) (Kind, bool) {
	if !InRange(dir, cur) || side.LineUsed(cur) {
		return "", false
	}
	if pos.Flat() {
		if side.K != 0 {
			return "", false
		}
		if bothFlat {
			if !InOverlap(cur) {
				return "", false
			}
			return KindStartup, true
		}
		return KindRefill, true
	}
	if in.PrevLine == nil || !pnl.IsNegative() {
		return "", false
	}
	step := *in.PrevLine - cur
	if dir == core.Short {
		step = cur - *in.PrevLine
	}
	if step != 1 {
		return "", false
	}
	return KindDCA, true
}

func (e *Engine) entryBlocked(in Input, dir core.Direction, cur int, side state.Side, ledger capital.Ledger, pos core.Position) string {
	if !ledger.CanOpen() {
		return "seed_exhausted"
	}
	limit := in.TotalBalance.Mul(e.cfg.MaxAllocationRate)
	if e.cfg.MaxAllocationRate.IsPositive() && core.Notional(pos, in.Price).GreaterThanOrEqual(limit) {
		return "allocation_cap"
	}
	if !pos.Flat() {
		minDist := in.Lines.Gap.Mul(e.cfg.MinDistanceGaps)
		if in.Price.Sub(pos.AvgPrice).Abs().LessThan(minDist) {
			return "too_close_to_avg"
		}
	}
	return ""
}

func (e *Engine) entryOrder(in Input, dir core.Direction, cur int, kind Kind, ledger capital.Ledger) (core.OrderSpec, bool) {
	price := core.RoundToStep(in.Lines.PriceAt(cur), e.cfg.Rules.PriceTick)
	qty := capital.UnitQty(ledger.Unit, price, e.cfg.Leverage, e.cfg.Rules.QtyStep)
	if qty.Cmp(decimal.Zero) <= 0 {
		return core.OrderSpec{}, false
	}
	return core.OrderSpec{
		Side:   dir.OpenSide(),
		Type:   core.Limit,
		Price:  price,
		Qty:    qty,
		Slot:   dir.Slot(),
		Tag:    Tag(in.WaveID, kind, cur, dir),
		Source: core.SourceGrid,
		Mode:   core.ModeMaker,
		Line:   cur,
	}, true
}

// takeProfitOrder closes one of k open splits. The last split closes the
// whole position so no dust is left behind.
func (e *Engine) takeProfitOrder(in Input, dir core.Direction, pli int, pos core.Position, k int) (core.OrderSpec, bool) {
	qty := pos.Qty
	if k > 1 {
		qty = core.RoundDown(pos.Qty.Div(decimal.NewFromInt(int64(k))), e.cfg.Rules.QtyStep)
	}
	if qty.Cmp(decimal.Zero) <= 0 {
		return core.OrderSpec{}, false
	}
	return core.OrderSpec{
		Side:       dir.CloseSide(),
		Type:       core.Limit,
		Price:      core.RoundToStep(in.Price, e.cfg.Rules.PriceTick),
		Qty:        qty,
		ReduceOnly: true,
		Slot:       dir.Slot(),
		Tag:        Tag(in.WaveID, KindTP, pli, dir),
		Source:     core.SourceTP,
		Mode:       core.ModeMaker,
		Line:       pli,
	}, true
}

// Tag is the order tag of a grid order, e.g. W4_GRID_DCA_-3_LONG.
func Tag(wave int64, kind Kind, line int, dir core.Direction) string {
	return fmt.Sprintf("W%d_GRID_%s_%d_%s", wave, kind, line, dir)
}
