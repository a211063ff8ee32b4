package exchange

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/shopspring/decimal"

	"order-planner/internal/core"
	"order-planner/internal/rounding"
)

// BuyOrders returns the bid side, best (highest) price first.
func BuyOrders(ctx context.Context, src DepthSource) ([]core.Level, error) {
	depth, err := src.Depth(ctx)
	if err != nil {
		return nil, err
	}
	return OrderSide(src.Market(), depth.Bids, true)
}

// SellOrders returns the ask side, best (lowest) price first.
func SellOrders(ctx context.Context, src DepthSource) ([]core.Level, error) {
	depth, err := src.Depth(ctx)
	if err != nil {
		return nil, err
	}
	return OrderSide(src.Market(), depth.Asks, false)
}

// OrderSide normalizes every level to the market granularity, drops levels
// that cannot be traded against (non-positive price, negative quantity) and
// sorts stably by price.
func OrderSide(market core.Market, levels []core.Level, descending bool) ([]core.Level, error) {
	out := make([]core.Level, 0, len(levels))
	for _, raw := range levels {
		level, err := market.Normalize(raw)
		if err != nil {
			return nil, err
		}
		if !level.Price.IsPositive() || level.Qty.IsNegative() {
			continue
		}
		out = append(out, level)
	}
	slices.SortStableFunc(out, func(a, b core.Level) int {
		if descending {
			return b.Price.Cmp(a.Price)
		}
		return a.Price.Cmp(b.Price)
	})
	return out, nil
}

// ParseLevel builds a level from the textual price and quantity most REST
// payloads carry.
func ParseLevel(price, qty string) (core.Level, error) {
	p, err := rounding.Parse(price)
	if err != nil {
		return core.Level{}, errors.Join(core.ErrParse, err)
	}
	q, err := rounding.Parse(qty)
	if err != nil {
		return core.Level{}, errors.Join(core.ErrParse, err)
	}
	return core.Level{Price: p, Qty: q}, nil
}

// PairLevels converts [[price, qty], ...] rows, the shape btcbox and zaif use.
func PairLevels(rows [][]decimal.Decimal) ([]core.Level, error) {
	out := make([]core.Level, 0, len(rows))
	for i, row := range rows {
		if len(row) < 2 {
			return nil, fmt.Errorf("%w: depth row %d has %d fields", core.ErrParse, i, len(row))
		}
		out = append(out, core.Level{Price: row[0], Qty: row[1]})
	}
	return out, nil
}
