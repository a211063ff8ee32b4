package core

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"order-planner/internal/rounding"
)

var hundred = decimal.NewFromInt(100)

// Market describes one tradable pair on one exchange. It is read-only once an
// adapter has been built from it.
type Market struct {
	ID       string
	Exchange string
	Base     string
	Counter  string

	// Fee is a percentage, 0.2 meaning 0.2%.
	Fee          decimal.Decimal
	BidFeeIsGain bool
	AskFeeIsGain bool

	MinPriceUnit   int32
	MinTradeUnit   int32
	MinTradeAmount decimal.Decimal

	APIAvailableSpan time.Duration
}

func (m Market) Validate() error {
	var errs []error
	if strings.TrimSpace(m.Exchange) == "" {
		errs = append(errs, errors.New("exchange is required"))
	}
	if strings.TrimSpace(m.Base) == "" || strings.TrimSpace(m.Counter) == "" {
		errs = append(errs, errors.New("base and counter currencies are required"))
	} else if strings.EqualFold(strings.TrimSpace(m.Base), strings.TrimSpace(m.Counter)) {
		errs = append(errs, fmt.Errorf("base and counter must differ, both are %q", m.Base))
	}
	if m.MinPriceUnit < 0 {
		errs = append(errs, fmt.Errorf("min_price_unit must be >= 0, got %d", m.MinPriceUnit))
	}
	if m.MinTradeUnit < 0 {
		errs = append(errs, fmt.Errorf("min_trade_unit must be >= 0, got %d", m.MinTradeUnit))
	}
	if m.Fee.IsNegative() {
		errs = append(errs, fmt.Errorf("fee must be >= 0, got %s", m.Fee))
	}
	if m.MinTradeAmount.IsNegative() {
		errs = append(errs, fmt.Errorf("min_trade_amount must be >= 0, got %s", m.MinTradeAmount))
	}
	if m.APIAvailableSpan < 0 {
		errs = append(errs, fmt.Errorf("api_available_span must be >= 0, got %s", m.APIAvailableSpan))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("market %q: %w", m.ID, errors.Join(append([]error{ErrConfiguration}, errs...)...))
}

// Pair renders the market as base_counter in lower case.
func (m Market) Pair() string {
	return strings.ToLower(m.Base) + "_" + strings.ToLower(m.Counter)
}

// OrderPrice floors p at the market's price granularity.
func (m Market) OrderPrice(p decimal.Decimal) (decimal.Decimal, error) {
	return floorConfigured(p, m.MinPriceUnit)
}

// OrderAmount floors q at the market's quantity granularity.
func (m Market) OrderAmount(q decimal.Decimal) (decimal.Decimal, error) {
	return floorConfigured(q, m.MinTradeUnit)
}

func (m Market) Normalize(l Level) (Level, error) {
	price, err := m.OrderPrice(l.Price)
	if err != nil {
		return l, err
	}
	qty, err := m.OrderAmount(l.Qty)
	if err != nil {
		return l, err
	}
	return Level{Price: price, Qty: qty}, nil
}

func (m Market) BuyGain(amount decimal.Decimal) decimal.Decimal {
	if m.BidFeeIsGain {
		return m.lessFee(amount)
	}
	return amount
}

func (m Market) BuyPay(amount decimal.Decimal) decimal.Decimal {
	if m.BidFeeIsGain {
		return amount
	}
	return m.plusFee(amount)
}

func (m Market) SellGain(amount decimal.Decimal) decimal.Decimal {
	if m.AskFeeIsGain {
		return m.lessFee(amount)
	}
	return amount
}

func (m Market) SellPay(amount decimal.Decimal) decimal.Decimal {
	if m.AskFeeIsGain {
		return amount
	}
	return m.plusFee(amount)
}

// Shift(-2) divides by 100 exactly, Div would cut at DivisionPrecision.
func (m Market) lessFee(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(hundred.Sub(m.Fee)).Shift(-2)
}

func (m Market) plusFee(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(hundred.Add(m.Fee)).Shift(-2)
}

func floorConfigured(v decimal.Decimal, digits int32) (decimal.Decimal, error) {
	out, err := rounding.Floor(v, digits)
	if err != nil {
		return v, errors.Join(ErrConfiguration, err)
	}
	return out, nil
}
