package core

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

type OrderType string

type OrderStatus string

// Direction is the side of a hedge-mode position, independent of the order side
// used to open or close it.
type Direction string

// PositionSlot is the venue position index in hedge mode.
type PositionSlot int

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

const (
	Limit  OrderType = "LIMIT"
	Market OrderType = "MARKET"
)

const (
	OrderNew             OrderStatus = "NEW"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCanceled        OrderStatus = "CANCELED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderExpired         OrderStatus = "EXPIRED"
)

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

const (
	SlotLong  PositionSlot = 1
	SlotShort PositionSlot = 2
)

func (d Direction) Opposite() Direction {
	if d == Long {
		return Short
	}
	return Long
}

func (d Direction) Slot() PositionSlot {
	if d == Short {
		return SlotShort
	}
	return SlotLong
}

// OpenSide is the order side that increases a position in this direction.
func (d Direction) OpenSide() Side {
	if d == Short {
		return Sell
	}
	return Buy
}

// CloseSide is the order side that reduces a position in this direction.
func (d Direction) CloseSide() Side {
	if d == Short {
		return Buy
	}
	return Sell
}

func (s PositionSlot) Direction() Direction {
	if s == SlotShort {
		return Short
	}
	return Long
}

func (s PositionSlot) Valid() bool {
	return s == SlotLong || s == SlotShort
}

type Order struct {
	ID         string
	ClientID   string
	Symbol     string
	Side       Side
	Type       OrderType
	Price      decimal.Decimal
	Qty        decimal.Decimal
	FilledQty  decimal.Decimal
	Status     OrderStatus
	ReduceOnly bool
	Slot       PositionSlot
	Tag        string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (o Order) Remaining() decimal.Decimal {
	rem := o.Qty.Sub(o.FilledQty)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

func (o Order) Open() bool {
	return o.Status == OrderNew || o.Status == OrderPartiallyFilled
}

type Trade struct {
	OrderID  string
	TradeID  string
	ClientID string
	Symbol   string
	Side     Side
	Slot     PositionSlot
	Price    decimal.Decimal
	Qty      decimal.Decimal
	Fee      decimal.Decimal
	Status   OrderStatus
	Tag      string
	Time     time.Time
}

type Rules struct {
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal
	PriceTick   decimal.Decimal
	QtyStep     decimal.Decimal
}

// Balance is the margin account in quote units.
type Balance struct {
	Total     decimal.Decimal
	Available decimal.Decimal
}

type Position struct {
	Qty       decimal.Decimal
	AvgPrice  decimal.Decimal
	UpdatedAt time.Time
}

func (p Position) Flat() bool {
	return p.Qty.IsZero()
}

// Positions holds both legs of a hedge-mode account. Qty is always >= 0.
type Positions struct {
	Long  Position
	Short Position
}

func (p Positions) Get(dir Direction) Position {
	if dir == Short {
		return p.Short
	}
	return p.Long
}

func (p *Positions) Set(dir Direction, pos Position) {
	if dir == Short {
		p.Short = pos
		return
	}
	p.Long = pos
}

func (p Positions) Flat() bool {
	return p.Long.Flat() && p.Short.Flat()
}

// PnL is the unrealized profit of a position at price.
func PnL(dir Direction, pos Position, price decimal.Decimal) decimal.Decimal {
	if pos.Qty.IsZero() || pos.AvgPrice.IsZero() {
		return decimal.Zero
	}
	if dir == Short {
		return pos.AvgPrice.Sub(price).Mul(pos.Qty)
	}
	return price.Sub(pos.AvgPrice).Mul(pos.Qty)
}

func Notional(pos Position, price decimal.Decimal) decimal.Decimal {
	return pos.Qty.Abs().Mul(price)
}

type Candle struct {
	OpenTime time.Time
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
	Volume   decimal.Decimal
}
