package core

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidOrder     = errors.New("invalid order")
	ErrBelowMinQty      = errors.New("qty below min")
	ErrBelowMinNotional = errors.New("notional below min")
	ErrSlotMismatch     = errors.New("order side does not match position slot")
)

// NormalizeOrder snaps qty down to the lot step and a limit price to the
// tick, then applies the venue minimums. A market order without a reference
// price skips the notional check.
func NormalizeOrder(order Order, rules Rules) (Order, error) {
	qty := order.Qty
	if qty.IsPositive() {
		qty = RoundDown(qty, rules.QtyStep)
	}
	if !qty.IsPositive() {
		return order, ErrInvalidOrder
	}
	order.Qty = qty
	if rules.MinQty.IsPositive() && qty.LessThan(rules.MinQty) {
		return order, ErrBelowMinQty
	}

	if order.Type != Market {
		if order.Price.IsPositive() {
			order.Price = RoundToStep(order.Price, rules.PriceTick)
		}
		if !order.Price.IsPositive() {
			return order, ErrInvalidOrder
		}
	} else if !order.Price.IsPositive() {
		return order, nil
	}

	// Reduce-only closes are exempt from min notional on derivatives venues.
	if order.ReduceOnly || !rules.MinNotional.IsPositive() {
		return order, nil
	}
	if order.Price.Mul(qty).LessThan(rules.MinNotional) {
		return order, ErrBelowMinNotional
	}
	return order, nil
}

// ValidateSlot rejects orders whose side would open the opposite leg of a
// hedge-mode account, or close a leg that the slot does not own.
func ValidateSlot(order Order) error {
	if !order.Slot.Valid() {
		return fmt.Errorf("%w: slot=%d", ErrSlotMismatch, order.Slot)
	}
	dir := order.Slot.Direction()
	want := dir.OpenSide()
	if order.ReduceOnly {
		want = dir.CloseSide()
	}
	if order.Side != want {
		return fmt.Errorf("%w: side=%s slot=%d reduce_only=%t", ErrSlotMismatch, order.Side, order.Slot, order.ReduceOnly)
	}
	return nil
}

// RoundDown floors value to a multiple of step. A non-positive step leaves it unchanged.
func RoundDown(value, step decimal.Decimal) decimal.Decimal {
	return snap(value, step, decimal.Decimal.Floor)
}

// RoundToStep rounds value to the nearest multiple of step.
func RoundToStep(value, step decimal.Decimal) decimal.Decimal {
	return snap(value, step, func(d decimal.Decimal) decimal.Decimal { return d.Round(0) })
}

func snap(value, step decimal.Decimal, round func(decimal.Decimal) decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return value
	}
	return round(value.Div(step)).Mul(step)
}
