// Package planner turns a trading intent into the list of resting orders it
// would realistically fill, and into the resulting balance changes net of
// fees and exchange granularity.
//
// All three entry points share one greedy walk over the opposite book side.
// Levels whose quantity is below the market minimum are not dropped: their
// quantity is carried forward and merged into the next level. The walk stops
// when the remaining capacity can no longer buy the minimum, or when a level
// makes no progress at all.
package planner

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"order-planner/internal/core"
	"order-planner/internal/exchange"
	"order-planner/internal/rounding"
)

type mode int

const (
	modeBase mode = iota
	modeLimit
	modeCounter
)

func (m mode) String() string {
	switch m {
	case modeLimit:
		return "limit"
	case modeCounter:
		return "counter"
	default:
		return "base"
	}
}

type Planner struct {
	logger *zap.Logger
}

func New(logger *zap.Logger) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{logger: logger}
}

// ByBaseAmount plans filling amount of the base currency at whatever prices
// the book offers.
func (p *Planner) ByBaseAmount(ctx context.Context, src exchange.DepthSource, side core.Side, amount decimal.Decimal) (Plan, error) {
	return p.plan(ctx, src, request{side: side, mode: modeBase, amount: amount})
}

// WithLimit plans filling up to amount of the base currency against levels
// at least as good as limitPrice.
func (p *Planner) WithLimit(ctx context.Context, src exchange.DepthSource, side core.Side, limitPrice, amount decimal.Decimal) (Plan, error) {
	if !limitPrice.IsPositive() {
		return Plan{}, fmt.Errorf("%w: limit price %s", core.ErrInvalidOrder, limitPrice)
	}
	return p.plan(ctx, src, request{side: side, mode: modeLimit, amount: amount, limit: limitPrice})
}

// ByCounterAmount plans spending (buy) or receiving (sell) counterAmount of
// the counter currency.
func (p *Planner) ByCounterAmount(ctx context.Context, src exchange.DepthSource, side core.Side, counterAmount decimal.Decimal) (Plan, error) {
	return p.plan(ctx, src, request{side: side, mode: modeCounter, amount: counterAmount})
}

type request struct {
	side   core.Side
	mode   mode
	amount decimal.Decimal
	limit  decimal.Decimal
}

func (p *Planner) plan(ctx context.Context, src exchange.DepthSource, req request) (Plan, error) {
	if !req.side.Valid() {
		return Plan{}, fmt.Errorf("%w: side %q", core.ErrInvalidOrder, req.side)
	}
	if req.amount.IsNegative() {
		return Plan{}, fmt.Errorf("%w: requested amount %s", core.ErrInvalidOrder, req.amount)
	}
	market := src.Market()
	if err := market.Validate(); err != nil {
		return Plan{}, err
	}

	w := newWalk(market, req)
	if req.amount.IsPositive() {
		var (
			levels []core.Level
			err    error
		)
		if req.side.IsBuy() {
			levels, err = exchange.SellOrders(ctx, src)
		} else {
			levels, err = exchange.BuyOrders(ctx, src)
		}
		if err != nil {
			return Plan{}, err
		}
		w.run(levels, p.logger)
	}

	orderable := req.amount.Sub(w.left)
	deltas, err := computeDeltas(market, req, orderable, w.sum)
	if err != nil {
		return Plan{}, err
	}
	p.logger.Debug("plan computed",
		zap.String("market", market.ID),
		zap.String("side", string(req.side)),
		zap.Stringer("mode", req.mode),
		zap.Int("fills", len(w.fills)),
		zap.String("requested", req.amount.String()),
		zap.String("orderable", orderable.String()),
		zap.String("matched", w.sum.String()),
	)
	return Plan{
		Side:      req.side,
		Fills:     w.fills,
		Deltas:    deltas,
		Requested: req.amount,
		Orderable: orderable,
	}, nil
}

type walk struct {
	market core.Market
	req    request

	left     decimal.Decimal
	fraction decimal.Decimal
	// sum is the matched counter value before fees in base and limit mode,
	// the matched base quantity in counter mode.
	sum   decimal.Decimal
	fills []core.Level
}

func newWalk(market core.Market, req request) *walk {
	return &walk{
		market:   market,
		req:      req,
		left:     req.amount,
		fraction: decimal.Zero,
		sum:      decimal.Zero,
		fills:    []core.Level{},
	}
}

func (w *walk) run(levels []core.Level, logger *zap.Logger) {
	minAmount := w.market.MinTradeAmount
	for _, level := range levels {
		price := level.Price
		if w.req.mode == modeCounter {
			if w.left.LessThan(price.Mul(minAmount)) {
				break
			}
		} else if w.left.LessThan(minAmount) {
			break
		}

		amount := w.fraction.Add(level.Qty)
		prevFraction, prevSum := w.fraction, w.sum

		if w.accepts(price) {
			if w.req.mode == modeCounter {
				w.stepCounter(price, amount)
			} else {
				w.stepBase(price, amount)
			}
		}

		logger.Debug("walk level",
			zap.String("price", price.String()),
			zap.String("qty", level.Qty.String()),
			zap.String("fraction", w.fraction.String()),
			zap.Int("fills", len(w.fills)),
			zap.String("left", w.left.String()),
			zap.String("sum", w.sum.String()),
		)

		if w.sum.Equal(prevSum) && w.fraction.Equal(prevFraction) {
			break
		}
	}
}

// accepts applies the limit filter. A rejected level changes nothing, which
// ends the walk through the no-progress check; on a best-first book every
// later level would be rejected too.
func (w *walk) accepts(price decimal.Decimal) bool {
	if w.req.mode != modeLimit {
		return true
	}
	if w.req.side.IsBuy() {
		return w.req.limit.GreaterThanOrEqual(price)
	}
	return w.req.limit.LessThanOrEqual(price)
}

func (w *walk) belowMinimum(amount decimal.Decimal) bool {
	return amount.LessThan(w.market.MinTradeAmount) || amount.IsZero()
}

func (w *walk) stepBase(price, amount decimal.Decimal) {
	switch {
	case w.belowMinimum(amount):
		w.fraction = amount
	case w.left.LessThanOrEqual(amount):
		w.fraction = decimal.Zero
		w.fills = append(w.fills, core.Level{Price: price, Qty: w.left})
		w.sum = w.sum.Add(price.Mul(w.left))
		w.left = decimal.Zero
	default:
		w.fraction = decimal.Zero
		w.fills = append(w.fills, core.Level{Price: price, Qty: amount})
		w.sum = w.sum.Add(price.Mul(amount))
		w.left = w.left.Sub(amount)
	}
}

func (w *walk) stepCounter(price, amount decimal.Decimal) {
	cost := price.Mul(amount)
	switch {
	case w.belowMinimum(amount):
		w.fraction = amount
	case w.left.LessThanOrEqual(cost):
		// QuoRem truncates, so qty*price never exceeds what is left.
		qty, _ := w.left.QuoRem(price, w.market.MinTradeUnit)
		if w.belowMinimum(qty) {
			// Untouched state ends the walk through the no-progress check.
			return
		}
		w.fraction = decimal.Zero
		w.fills = append(w.fills, core.Level{Price: price, Qty: qty})
		w.sum = w.sum.Add(qty)
		w.left = decimal.Zero
	default:
		w.fraction = decimal.Zero
		w.fills = append(w.fills, core.Level{Price: price, Qty: amount})
		w.sum = w.sum.Add(amount)
		w.left = w.left.Sub(cost)
	}
}

// computeDeltas applies fees and rounds against the trader: gains are
// floored, payments ceiled.
func computeDeltas(market core.Market, req request, orderable, sum decimal.Decimal) (map[string]decimal.Decimal, error) {
	baseQty, counterQty := orderable, sum
	if req.mode == modeCounter {
		baseQty, counterQty = sum, orderable
	}

	var base, counter decimal.Decimal
	var err error
	if req.side.IsBuy() {
		if base, err = gain(market.BuyGain(baseQty)); err != nil {
			return nil, err
		}
		if counter, err = pay(market.BuyPay(counterQty)); err != nil {
			return nil, err
		}
	} else {
		if base, err = pay(market.SellPay(baseQty)); err != nil {
			return nil, err
		}
		if counter, err = gain(market.SellGain(counterQty)); err != nil {
			return nil, err
		}
	}
	return map[string]decimal.Decimal{
		market.Base:    base,
		market.Counter: counter,
	}, nil
}

func gain(v decimal.Decimal) (decimal.Decimal, error) {
	out, err := rounding.Floor(v, DeltaDigits)
	if err != nil {
		return decimal.Zero, errors.Join(core.ErrConfiguration, err)
	}
	return out, nil
}

func pay(v decimal.Decimal) (decimal.Decimal, error) {
	out, err := rounding.Ceil(v, DeltaDigits)
	if err != nil {
		return decimal.Zero, errors.Join(core.ErrConfiguration, err)
	}
	return out.Neg(), nil
}
