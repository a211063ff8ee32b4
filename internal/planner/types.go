package planner

import (
	"github.com/shopspring/decimal"

	"order-planner/internal/core"
)

// DeltaDigits is the number of fractional digits balance deltas are rounded
// to. Receipts are floored and payments ceiled at this precision.
const DeltaDigits int32 = 8

// Plan is the outcome of walking one book side.
type Plan struct {
	Side core.Side
	// Fills are the orders to submit, best price first.
	Fills []core.Level
	// Deltas holds exactly two entries, the market's base and counter
	// currencies, signed from the trader's point of view.
	Deltas map[string]decimal.Decimal
	// Requested and Orderable are base units for ByBaseAmount and WithLimit,
	// counter units for ByCounterAmount.
	Requested decimal.Decimal
	Orderable decimal.Decimal
}

func (p Plan) Empty() bool { return len(p.Fills) == 0 }

// FilledQty sums the quantities of all fills.
func (p Plan) FilledQty() decimal.Decimal {
	total := decimal.Zero
	for _, f := range p.Fills {
		total = total.Add(f.Qty)
	}
	return total
}

// Orders turns the fills into limit orders ready for submission.
func (p Plan) Orders() []core.Order {
	out := make([]core.Order, 0, len(p.Fills))
	for _, f := range p.Fills {
		out = append(out, core.Order{Side: p.Side, Price: f.Price, Qty: f.Qty})
	}
	return out
}
