package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"wavebot/internal/core"
)

type Interval string

const (
	Interval1m Interval = "1m"
	Interval4h Interval = "4h"
)

type Exchange interface {
	Name() string
	GetRules(ctx context.Context, symbol string) (core.Rules, error)
	Ticker(ctx context.Context, symbol string) (decimal.Decimal, error)
	Candles(ctx context.Context, symbol string, interval Interval, limit int) ([]core.Candle, error)
	Balances(ctx context.Context) (core.Balance, error)
	Positions(ctx context.Context, symbol string) (core.Positions, error)
	PlaceOrder(ctx context.Context, order core.Order) (core.Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	QueryOrder(ctx context.Context, symbol, orderID string) (core.Order, error)
	OpenOrders(ctx context.Context, symbol string) ([]core.Order, error)
}

// AccountEvent is one push from a private account stream. Nil fields were not
// part of the push.
type AccountEvent struct {
	Positions *core.Positions
	Balance   *core.Balance
	Orders    []core.Order
	Time      time.Time
}

// Cache keeps the latest streamed account view. Writers are last-write-wins
// by event time; readers only accept data younger than maxAge.
type Cache struct {
	mu          sync.RWMutex
	positions   core.Positions
	positionsAt time.Time
	balance     core.Balance
	balanceAt   time.Time
	orders      []core.Order
}

const maxBufferedOrders = 1024

func NewCache() *Cache {
	return &Cache{}
}

func (c *Cache) Apply(ev AccountEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ev.Positions != nil && !ev.Time.Before(c.positionsAt) {
		c.positions = *ev.Positions
		c.positionsAt = ev.Time
	}
	if ev.Balance != nil && !ev.Time.Before(c.balanceAt) {
		c.balance = *ev.Balance
		c.balanceAt = ev.Time
	}
	if len(ev.Orders) > 0 {
		c.orders = append(c.orders, ev.Orders...)
		if over := len(c.orders) - maxBufferedOrders; over > 0 {
			c.orders = append([]core.Order(nil), c.orders[over:]...)
		}
	}
}

// DrainOrders returns the order updates streamed since the last call, oldest
// first.
func (c *Cache) DrainOrders() []core.Order {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.orders
	c.orders = nil
	return out
}

func (c *Cache) Positions(now time.Time, maxAge time.Duration) (core.Positions, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.positionsAt.IsZero() || now.Sub(c.positionsAt) > maxAge {
		return core.Positions{}, false
	}
	return c.positions, true
}

func (c *Cache) Balance(now time.Time, maxAge time.Duration) (core.Balance, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.balanceAt.IsZero() || now.Sub(c.balanceAt) > maxAge {
		return core.Balance{}, false
	}
	return c.balance, true
}
