package core

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestNormalizeOrderLimitRoundsPriceToTickAndQtyDown(t *testing.T) {
	order := Order{
		Symbol: "BTCUSDT",
		Side:   Buy,
		Type:   Limit,
		Price:  decimal.RequireFromString("100.036"),
		Qty:    decimal.RequireFromString("0.123456"),
	}
	rules := Rules{
		MinQty:      decimal.RequireFromString("0.01"),
		MinNotional: decimal.RequireFromString("10"),
		PriceTick:   decimal.RequireFromString("0.01"),
		QtyStep:     decimal.RequireFromString("0.001"),
	}

	got, err := NormalizeOrder(order, rules)
	if err != nil {
		t.Fatalf("NormalizeOrder() error = %v", err)
	}
	if !got.Price.Equal(decimal.RequireFromString("100.04")) {
		t.Fatalf("unexpected rounded price: %s", got.Price)
	}
	if !got.Qty.Equal(decimal.RequireFromString("0.123")) {
		t.Fatalf("unexpected rounded qty: %s", got.Qty)
	}
}

func TestNormalizeOrderBelowMinQty(t *testing.T) {
	order := Order{
		Symbol: "BTCUSDT",
		Side:   Buy,
		Type:   Limit,
		Price:  decimal.RequireFromString("100"),
		Qty:    decimal.RequireFromString("0.009"),
	}
	rules := Rules{
		MinQty: decimal.RequireFromString("0.01"),
	}

	_, err := NormalizeOrder(order, rules)
	if !errors.Is(err, ErrBelowMinQty) {
		t.Fatalf("NormalizeOrder() error = %v, want %v", err, ErrBelowMinQty)
	}
}

func TestNormalizeOrderLimitBelowMinNotional(t *testing.T) {
	order := Order{
		Symbol: "BTCUSDT",
		Side:   Buy,
		Type:   Limit,
		Price:  decimal.RequireFromString("100"),
		Qty:    decimal.RequireFromString("0.05"),
	}
	rules := Rules{
		MinNotional: decimal.RequireFromString("6"),
	}

	_, err := NormalizeOrder(order, rules)
	if !errors.Is(err, ErrBelowMinNotional) {
		t.Fatalf("NormalizeOrder() error = %v, want %v", err, ErrBelowMinNotional)
	}
}

func TestNormalizeOrderMarketMinNotionalRules(t *testing.T) {
	rules := Rules{
		MinNotional: decimal.RequireFromString("60"),
	}

	noPriceMarket := Order{
		Symbol: "BTCUSDT",
		Side:   Buy,
		Type:   Market,
		Price:  decimal.Zero,
		Qty:    decimal.RequireFromString("1"),
	}
	if _, err := NormalizeOrder(noPriceMarket, rules); err != nil {
		t.Fatalf("NormalizeOrder() no-price market error = %v", err)
	}

	withPriceMarket := Order{
		Symbol: "BTCUSDT",
		Side:   Buy,
		Type:   Market,
		Price:  decimal.RequireFromString("50"),
		Qty:    decimal.RequireFromString("1"),
	}
	if _, err := NormalizeOrder(withPriceMarket, rules); !errors.Is(err, ErrBelowMinNotional) {
		t.Fatalf("NormalizeOrder() market with price error = %v, want %v", err, ErrBelowMinNotional)
	}
}

func TestNormalizeOrderReduceOnlySkipsMinNotional(t *testing.T) {
	rules := Rules{MinNotional: decimal.RequireFromString("5")}
	order := Order{
		Symbol:     "BTCUSDT",
		Side:       Sell,
		Type:       Limit,
		Price:      decimal.RequireFromString("100"),
		Qty:        decimal.RequireFromString("0.01"),
		ReduceOnly: true,
		Slot:       SlotLong,
	}
	if _, err := NormalizeOrder(order, rules); err != nil {
		t.Fatalf("NormalizeOrder() reduce-only error = %v", err)
	}
}

func TestValidateSlot(t *testing.T) {
	cases := []struct {
		name    string
		order   Order
		wantErr bool
	}{
		{name: "open long", order: Order{Side: Buy, Slot: SlotLong}},
		{name: "open short", order: Order{Side: Sell, Slot: SlotShort}},
		{name: "close long", order: Order{Side: Sell, Slot: SlotLong, ReduceOnly: true}},
		{name: "close short", order: Order{Side: Buy, Slot: SlotShort, ReduceOnly: true}},
		{name: "sell opens long slot", order: Order{Side: Sell, Slot: SlotLong}, wantErr: true},
		{name: "buy closes long slot", order: Order{Side: Buy, Slot: SlotLong, ReduceOnly: true}, wantErr: true},
		{name: "missing slot", order: Order{Side: Buy}, wantErr: true},
	}
	for _, tc := range cases {
		err := ValidateSlot(tc.order)
		if tc.wantErr && !errors.Is(err, ErrSlotMismatch) {
			t.Fatalf("%s: ValidateSlot() error = %v, want %v", tc.name, err, ErrSlotMismatch)
		}
		if !tc.wantErr && err != nil {
			t.Fatalf("%s: ValidateSlot() error = %v", tc.name, err)
		}
	}
}

func TestPnL(t *testing.T) {
	pos := Position{Qty: decimal.RequireFromString("0.5"), AvgPrice: decimal.RequireFromString("100")}
	price := decimal.RequireFromString("110")
	if got := PnL(Long, pos, price); !got.Equal(decimal.RequireFromString("5")) {
		t.Fatalf("long pnl = %s, want 5", got)
	}
	if got := PnL(Short, pos, price); !got.Equal(decimal.RequireFromString("-5")) {
		t.Fatalf("short pnl = %s, want -5", got)
	}
	if got := PnL(Long, Position{}, price); !got.IsZero() {
		t.Fatalf("flat pnl = %s, want 0", got)
	}
}
