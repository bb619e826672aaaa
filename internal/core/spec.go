package core

import (
	"github.com/shopspring/decimal"
)

// ExecMode selects how an unfilled limit order is completed.
type ExecMode string

const (
	// ModeMaker cancels and reposts the same limit on the next cycle.
	ModeMaker ExecMode = "A"
	// ModeAggressive completes the remainder with a market order.
	ModeAggressive ExecMode = "B"
)

// Source is the reason an order was created, used for attribution.
type Source string

const (
	SourceGrid     Source = "grid"
	SourceTP       Source = "tp"
	SourceSL       Source = "sl"
	SourceHedge    Source = "hedge"
	SourceEscape   Source = "escape"
	SourceRecenter Source = "recenter"
	SourceManual   Source = "manual"
	SourceExternal Source = "external"
	SourceUnknown  Source = "unknown"
)

// OrderSpec is what a decision engine asks the executor to do.
type OrderSpec struct {
	Side       Side
	Type       OrderType
	Price      decimal.Decimal
	Qty        decimal.Decimal
	ReduceOnly bool
	Slot       PositionSlot
	Tag        string
	Source     Source
	Mode       ExecMode
	Line       int
}

func (s OrderSpec) Notional() decimal.Decimal {
	return s.Price.Mul(s.Qty).Abs()
}

func (s OrderSpec) Order(symbol string) Order {
	return Order{
		Symbol:     symbol,
		Side:       s.Side,
		Type:       s.Type,
		Price:      s.Price,
		Qty:        s.Qty,
		ReduceOnly: s.ReduceOnly,
		Slot:       s.Slot,
		Tag:        s.Tag,
	}
}
