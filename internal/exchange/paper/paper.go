package paper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"wavebot/internal/core"
	"wavebot/internal/exchange"
)

var ErrNoPrice = errors.New("paper: no mark price")

// Fill is one execution recorded by the paper venue.
type Fill struct {
	Trade core.Trade
	Type  core.OrderType
}

// Exchange is an in-process hedge-mode venue. Limit orders rest until Match
// crosses them; market orders fill immediately at the mark price.
type Exchange struct {
	mu        sync.Mutex
	symbol    string
	rules     core.Rules
	now       func() time.Time
	wallet    decimal.Decimal
	leverage  decimal.Decimal
	positions core.Positions
	orders    map[string]*core.Order
	orderSeq  int
	tradeSeq  int
	lastPrice decimal.Decimal
	candles   map[exchange.Interval][]core.Candle
	makerFee  decimal.Decimal
	takerFee  decimal.Decimal
	feePaid   decimal.Decimal
	fills     []Fill
	listeners []func(exchange.AccountEvent)
}

func New(symbol string, wallet decimal.Decimal, rules core.Rules) *Exchange {
	return &Exchange{
		symbol:   symbol,
		rules:    rules,
		now:      time.Now,
		wallet:   wallet,
		leverage: decimal.NewFromInt(1),
		orders:   make(map[string]*core.Order),
		candles:  make(map[exchange.Interval][]core.Candle),
	}
}

// SetClock makes order and fill timestamps follow now.
func (s *Exchange) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now != nil {
		s.now = now
	}
}

func (s *Exchange) SetLeverage(leverage decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if leverage.IsPositive() {
		s.leverage = leverage
	}
}

func (s *Exchange) SetFees(makerRate, takerRate decimal.Decimal) error {
	if makerRate.IsNegative() || takerRate.IsNegative() {
		return errors.New("fee rate must be >= 0")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.makerFee = makerRate
	s.takerFee = takerRate
	return nil
}

func (s *Exchange) SetCandles(interval exchange.Interval, candles []core.Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candles[interval] = append([]core.Candle(nil), candles...)
}

// Subscribe registers a listener for account pushes, the way a private
// stream would deliver them.
func (s *Exchange) Subscribe(fn func(exchange.AccountEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// SetRules replaces the instrument rules, typically with the live venue's.
func (s *Exchange) SetRules(rules core.Rules) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = rules
}

func (s *Exchange) Name() string { return "paper" }

func (s *Exchange) GetRules(ctx context.Context, symbol string) (core.Rules, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if symbol != s.symbol {
		return core.Rules{}, fmt.Errorf("paper: unknown symbol %q", symbol)
	}
	return s.rules, nil
}

func (s *Exchange) Ticker(ctx context.Context, symbol string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if symbol != s.symbol {
		return decimal.Zero, fmt.Errorf("paper: unknown symbol %q", symbol)
	}
	if !s.lastPrice.IsPositive() {
		return decimal.Zero, ErrNoPrice
	}
	return s.lastPrice, nil
}

func (s *Exchange) Candles(ctx context.Context, symbol string, interval exchange.Interval, limit int) ([]core.Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if symbol != s.symbol {
		return nil, fmt.Errorf("paper: unknown symbol %q", symbol)
	}
	all := s.candles[interval]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return append([]core.Candle(nil), all...), nil
}

func (s *Exchange) Balances(ctx context.Context) (core.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balanceLocked(), nil
}

func (s *Exchange) Positions(ctx context.Context, symbol string) (core.Positions, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if symbol != s.symbol {
		return core.Positions{}, fmt.Errorf("paper: unknown symbol %q", symbol)
	}
	return s.positions, nil
}

func (s *Exchange) PlaceOrder(ctx context.Context, order core.Order) (core.Order, error) {
	s.mu.Lock()
	if order.Symbol != s.symbol {
		s.mu.Unlock()
		return core.Order{}, fmt.Errorf("paper: unknown symbol %q", order.Symbol)
	}
	if order.Qty.Cmp(decimal.Zero) <= 0 || !order.Slot.Valid() {
		s.mu.Unlock()
		return core.Order{}, core.ErrInvalidOrder
	}
	if err := core.ValidateSlot(order); err != nil {
		s.mu.Unlock()
		return core.Order{}, errors.Join(core.ErrOrderRejected, err)
	}
	if order.ReduceOnly {
		held := s.positions.Get(order.Slot.Direction()).Qty
		if !held.IsPositive() {
			s.mu.Unlock()
			return core.Order{}, core.ErrReduceOnlyRejected
		}
		if order.Qty.GreaterThan(held) {
			order.Qty = held
		}
	}
	if order.ClientID != "" {
		for _, existing := range s.orders {
			if existing.ClientID == order.ClientID {
				s.mu.Unlock()
				return core.Order{}, core.ErrDuplicateOrder
			}
		}
	}
	now := s.now()
	s.orderSeq++
	order.ID = fmt.Sprintf("paper-%d", s.orderSeq)
	order.CreatedAt = now
	order.UpdatedAt = now
	order.FilledQty = decimal.Zero

	if order.Type == core.Market {
		if !s.lastPrice.IsPositive() {
			s.mu.Unlock()
			return core.Order{}, ErrNoPrice
		}
		order.Price = s.lastPrice
		s.fillLocked(&order, order.Qty, s.lastPrice, s.takerFee, now)
		stored := order
		s.orders[order.ID] = &stored
		ev := s.eventLocked(now, []core.Order{order})
		s.mu.Unlock()
		s.publish(ev)
		return order, nil
	}
	if !order.Price.IsPositive() {
		s.mu.Unlock()
		return core.Order{}, core.ErrInvalidOrder
	}
	order.Status = core.OrderNew
	stored := order
	s.orders[order.ID] = &stored
	s.mu.Unlock()
	return order, nil
}

func (s *Exchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if symbol != s.symbol {
		return fmt.Errorf("paper: unknown symbol %q", symbol)
	}
	ord, ok := s.orders[orderID]
	if !ok || !ord.Open() {
		return core.ErrOrderNotFound
	}
	ord.Status = core.OrderCanceled
	ord.UpdatedAt = s.now()
	return nil
}

func (s *Exchange) QueryOrder(ctx context.Context, symbol, orderID string) (core.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if symbol != s.symbol {
		return core.Order{}, fmt.Errorf("paper: unknown symbol %q", symbol)
	}
	ord, ok := s.orders[orderID]
	if !ok {
		return core.Order{}, core.ErrOrderNotFound
	}
	return *ord, nil
}

func (s *Exchange) OpenOrders(ctx context.Context, symbol string) ([]core.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if symbol != s.symbol {
		return nil, fmt.Errorf("paper: unknown symbol %q", symbol)
	}
	out := make([]core.Order, 0)
	for _, ord := range s.orders {
		if ord.Open() {
			out = append(out, *ord)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) || (out[i].CreatedAt.Equal(out[j].CreatedAt) && out[i].ID < out[j].ID) })
	return out, nil
}

// Fills returns every execution so far, oldest first.
func (s *Exchange) Fills() []Fill {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Fill(nil), s.fills...)
}

func (s *Exchange) FeePaid() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feePaid
}

// Match moves the mark price and fills every resting limit it crosses.
func (s *Exchange) Match(price decimal.Decimal) []core.Trade {
	s.mu.Lock()
	s.lastPrice = price
	now := s.now()
	ids := make([]string, 0, len(s.orders))
	for id, ord := range s.orders {
		if ord.Open() && ord.Type == core.Limit && crosses(ord, price) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	trades := make([]core.Trade, 0, len(ids))
	changed := make([]core.Order, 0, len(ids))
	for _, id := range ids {
		ord := s.orders[id]
		if trade, ok := s.fillLocked(ord, ord.Remaining(), ord.Price, s.makerFee, now); ok {
			trades = append(trades, trade)
			changed = append(changed, *ord)
		}
	}
	var ev exchange.AccountEvent
	if len(changed) > 0 {
		ev = s.eventLocked(now, changed)
	}
	s.mu.Unlock()
	if len(changed) > 0 {
		s.publish(ev)
	}
	return trades
}

func crosses(ord *core.Order, price decimal.Decimal) bool {
	switch ord.Side {
	case core.Buy:
		return price.Cmp(ord.Price) <= 0
	case core.Sell:
		return price.Cmp(ord.Price) >= 0
	default:
		return false
	}
}

func (s *Exchange) fillLocked(ord *core.Order, qty, price, feeRate decimal.Decimal, at time.Time) (core.Trade, bool) {
	dir := ord.Slot.Direction()
	pos := s.positions.Get(dir)
	opening := ord.Side == dir.OpenSide()
	if !opening {
		qty = decimal.Min(qty, pos.Qty)
	}
	if !qty.IsPositive() {
		ord.Status = core.OrderCanceled
		ord.UpdatedAt = at
		return core.Trade{}, false
	}
	fee := price.Mul(qty).Mul(feeRate)
	s.wallet = s.wallet.Sub(fee)
	s.feePaid = s.feePaid.Add(fee)
	if opening {
		pos.AvgPrice = weightedPrice(pos.AvgPrice, pos.Qty, price, qty)
		pos.Qty = pos.Qty.Add(qty)
	} else {
		s.wallet = s.wallet.Add(core.PnL(dir, core.Position{Qty: qty, AvgPrice: pos.AvgPrice}, price))
		pos.Qty = pos.Qty.Sub(qty)
		if pos.Qty.IsZero() {
			pos.AvgPrice = decimal.Zero
		}
	}
	pos.UpdatedAt = at
	s.positions.Set(dir, pos)

	ord.FilledQty = ord.FilledQty.Add(qty)
	ord.Status = core.OrderFilled
	if ord.FilledQty.LessThan(ord.Qty) {
		ord.Status = core.OrderPartiallyFilled
	}
	ord.UpdatedAt = at
	s.tradeSeq++
	trade := core.Trade{
		OrderID:  ord.ID,
		TradeID:  fmt.Sprintf("paper-t%d", s.tradeSeq),
		ClientID: ord.ClientID,
		Symbol:   ord.Symbol,
		Side:     ord.Side,
		Slot:     ord.Slot,
		Price:    price,
		Qty:      qty,
		Fee:      fee,
		Status:   ord.Status,
		Tag:      ord.Tag,
		Time:     at,
	}
	s.fills = append(s.fills, Fill{Trade: trade, Type: ord.Type})
	return trade, true
}

func (s *Exchange) balanceLocked() core.Balance {
	total := s.wallet
	margin := decimal.Zero
	if s.lastPrice.IsPositive() {
		total = total.Add(core.PnL(core.Long, s.positions.Long, s.lastPrice))
		total = total.Add(core.PnL(core.Short, s.positions.Short, s.lastPrice))
		notional := core.Notional(s.positions.Long, s.lastPrice).Add(core.Notional(s.positions.Short, s.lastPrice))
		margin = notional.Div(s.leverage)
	}
	avail := total.Sub(margin)
	if avail.IsNegative() {
		avail = decimal.Zero
	}
	return core.Balance{Total: total, Available: avail}
}

func (s *Exchange) eventLocked(at time.Time, orders []core.Order) exchange.AccountEvent {
	pos := s.positions
	bal := s.balanceLocked()
	return exchange.AccountEvent{Positions: &pos, Balance: &bal, Orders: orders, Time: at}
}

func (s *Exchange) publish(ev exchange.AccountEvent) {
	s.mu.Lock()
	listeners := append([]func(exchange.AccountEvent){}, s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

func weightedPrice(p1, q1, p2, q2 decimal.Decimal) decimal.Decimal {
	total := q1.Add(q2)
	if total.Cmp(decimal.Zero) <= 0 {
		return decimal.Zero
	}
	return p1.Mul(q1).Add(p2.Mul(q2)).Div(total)
}
