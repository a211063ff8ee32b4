package core

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidOrder = errors.New("invalid order")
	ErrBelowMinQty  = errors.New("qty below min")
)

// NormalizeOrder floors price and quantity to the market granularity, the
// same truncation the exchanges apply on their side, and rejects what would
// bounce anyway.
func NormalizeOrder(order Order, market Market) (Order, error) {
	if !order.Side.Valid() {
		return order, fmt.Errorf("%w: side %q", ErrInvalidOrder, order.Side)
	}
	if !order.Price.IsPositive() || !order.Qty.IsPositive() {
		return order, fmt.Errorf("%w: price=%s qty=%s", ErrInvalidOrder, order.Price, order.Qty)
	}
	price, err := market.OrderPrice(order.Price)
	if err != nil {
		return order, err
	}
	qty, err := market.OrderAmount(order.Qty)
	if err != nil {
		return order, err
	}
	if !price.IsPositive() || !qty.IsPositive() {
		return order, fmt.Errorf("%w: price=%s qty=%s after rounding", ErrInvalidOrder, price, qty)
	}
	if qty.LessThan(market.MinTradeAmount) {
		return order, fmt.Errorf("%w: qty=%s min=%s", ErrBelowMinQty, qty, market.MinTradeAmount)
	}
	order.Price = price
	order.Qty = qty
	return order, nil
}
