package core

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

func (s Side) IsBuy() bool { return s == Buy }

func (s Side) Valid() bool { return s == Buy || s == Sell }

// Level is one resting order on a book side.
type Level struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// Depth is a book snapshot as the exchange returned it. Neither side is
// assumed to be sorted.
type Depth struct {
	Bids []Level
	Asks []Level
}

type Order struct {
	ID        string
	Side      Side
	Price     decimal.Decimal
	Qty       decimal.Decimal
	CreatedAt time.Time
}

type Balance struct {
	Free   decimal.Decimal
	Locked decimal.Decimal
}

func (b Balance) Total() decimal.Decimal {
	return b.Free.Add(b.Locked)
}

// Balances is keyed by lower-case currency code.
type Balances map[string]Balance
