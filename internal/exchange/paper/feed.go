package paper

import (
	"context"

	"github.com/shopspring/decimal"

	"wavebot/internal/core"
	"wavebot/internal/exchange"
)

// MarketData is the public half of a venue: prices, candles and rules.
type MarketData interface {
	GetRules(ctx context.Context, symbol string) (core.Rules, error)
	Ticker(ctx context.Context, symbol string) (decimal.Decimal, error)
	Candles(ctx context.Context, symbol string, interval exchange.Interval, limit int) ([]core.Candle, error)
}

// Feed runs the paper account against live public market data. Every
// Ticker call moves the paper mark and matches resting limits, so the
// account trades at the prices the bot sees.
type Feed struct {
	*Exchange
	market MarketData
}

var _ exchange.Exchange = (*Feed)(nil)

func NewFeed(account *Exchange, market MarketData) *Feed {
	return &Feed{Exchange: account, market: market}
}

func (f *Feed) Name() string { return "paper" }

func (f *Feed) GetRules(ctx context.Context, symbol string) (core.Rules, error) {
	rules, err := f.market.GetRules(ctx, symbol)
	if err != nil {
		return core.Rules{}, err
	}
	f.Exchange.SetRules(rules)
	return rules, nil
}

func (f *Feed) Ticker(ctx context.Context, symbol string) (decimal.Decimal, error) {
	price, err := f.market.Ticker(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	f.Exchange.Match(price)
	return price, nil
}

func (f *Feed) Candles(ctx context.Context, symbol string, interval exchange.Interval, limit int) ([]core.Candle, error) {
	return f.market.Candles(ctx, symbol, interval, limit)
}
