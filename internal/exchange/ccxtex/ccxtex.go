// Package ccxtex backs an adapter with a ccxt exchange implementation, for
// venues that have no hand-written client here.
package ccxtex

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"order-planner/internal/core"
	"order-planner/internal/exchange"
	"order-planner/internal/rounding"
)

const depthLimit int64 = 100

// sdk is the subset of a ccxt exchange the adapter uses.
type sdk interface {
	FetchOrderBook(symbol string, options ...ccxt.FetchOrderBookOptions) (ccxt.OrderBook, error)
	FetchBalance(params ...interface{}) (ccxt.Balances, error)
	CreateLimitOrder(symbol string, side string, amount float64, price float64, options ...ccxt.CreateLimitOrderOptions) (ccxt.Order, error)
	CancelOrder(id string, options ...ccxt.CancelOrderOptions) (ccxt.Order, error)
}

type builder func(userConfig map[string]interface{}) sdk

var builders = map[string]builder{
	"binanceusdm": func(cfg map[string]interface{}) sdk { return ccxt.NewBinanceusdm(cfg) },
	"hyperliquid": func(cfg map[string]interface{}) sdk { return ccxt.NewHyperliquid(cfg) },
}

// Supported lists the ccxt exchange ids this package can build.
func Supported() []string {
	return []string{"binanceusdm", "hyperliquid"}
}

type Client struct {
	id       string
	market   core.Market
	symbol   string
	build    builder
	public   sdk
	throttle *exchange.Throttle
	logger   *zap.Logger
	now      func() time.Time
}

// Factory returns an exchange.Factory for the ccxt exchange id.
func Factory(id string) exchange.Factory {
	return func(market core.Market, opts exchange.Options) (exchange.Adapter, error) {
		return NewClient(id, market, opts)
	}
}

func NewClient(id string, market core.Market, opts exchange.Options) (*Client, error) {
	build, ok := builders[strings.ToLower(id)]
	if !ok {
		return nil, fmt.Errorf("%w %q: not a supported ccxt exchange", exchange.ErrUnknownExchange, id)
	}
	return newClient(id, market, opts, build), nil
}

func newClient(id string, market core.Market, opts exchange.Options, build builder) *Client {
	logger := opts.Log().With(zap.String("exchange", id), zap.String("market", market.ID))
	return &Client{
		id:       strings.ToLower(id),
		market:   market,
		symbol:   strings.ToUpper(market.Base) + "/" + strings.ToUpper(market.Counter),
		build:    build,
		public:   build(map[string]interface{}{"enableRateLimit": false}),
		throttle: opts.ThrottleFor(market.APIAvailableSpan, logger),
		logger:   logger,
		now:      time.Now,
	}
}

func (c *Client) Name() string { return c.id }

func (c *Client) Market() core.Market { return c.market }

func (c *Client) Depth(ctx context.Context) (core.Depth, error) {
	var book ccxt.OrderBook
	err := c.throttle.Do(ctx, "fetch_order_book", func(context.Context) error {
		var err error
		book, err = c.public.FetchOrderBook(c.symbol, ccxt.WithFetchOrderBookLimit(depthLimit))
		return classify(err)
	})
	if err != nil {
		return core.Depth{}, err
	}
	bids, err := convertLevels(book.Bids)
	if err != nil {
		return core.Depth{}, err
	}
	asks, err := convertLevels(book.Asks)
	if err != nil {
		return core.Depth{}, err
	}
	return core.Depth{Bids: bids, Asks: asks}, nil
}

func convertLevels(rows [][]float64) ([]core.Level, error) {
	out := make([]core.Level, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			return nil, fmt.Errorf("%w: order book row has %d fields", core.ErrParse, len(row))
		}
		price, err := fromFloat(row[0])
		if err != nil {
			return nil, err
		}
		qty, err := fromFloat(row[1])
		if err != nil {
			return nil, err
		}
		out = append(out, core.Level{Price: price, Qty: qty})
	}
	return out, nil
}

func fromFloat(f float64) (decimal.Decimal, error) {
	d, err := rounding.FromFloat(f)
	if err != nil {
		return decimal.Zero, errors.Join(core.ErrParse, err)
	}
	return d, nil
}

func (c *Client) private(creds core.Credentials) (sdk, error) {
	secret, err := creds.SecretString()
	if err != nil {
		return nil, err
	}
	return c.build(map[string]interface{}{
		"enableRateLimit": false,
		"apiKey":          creds.Key,
		"secret":          secret,
	}), nil
}

func (c *Client) Balances(ctx context.Context, creds core.Credentials) (core.Balances, error) {
	client, err := c.private(creds)
	if err != nil {
		return nil, err
	}
	var raw ccxt.Balances
	err = c.throttle.Do(ctx, "fetch_balance", func(context.Context) error {
		var err error
		raw, err = client.FetchBalance()
		return classify(err)
	})
	if err != nil {
		return nil, err
	}
	out := core.Balances{}
	for code, total := range raw.Total {
		if total == nil {
			continue
		}
		totalDec, err := fromFloat(*total)
		if err != nil {
			return nil, err
		}
		free := totalDec
		if f, ok := raw.Free[code]; ok && f != nil {
			if free, err = fromFloat(*f); err != nil {
				return nil, err
			}
		}
		out[strings.ToLower(code)] = core.Balance{Free: free, Locked: totalDec.Sub(free)}
	}
	return out, nil
}

func (c *Client) PlaceOrder(ctx context.Context, creds core.Credentials, order core.Order) (core.Order, error) {
	order, err := core.NormalizeOrder(order, c.market)
	if err != nil {
		return order, err
	}
	client, err := c.private(creds)
	if err != nil {
		return order, err
	}
	side := "sell"
	if order.Side.IsBuy() {
		side = "buy"
	}
	// ccxt takes float64; the values are already floored to the market
	// granularity so the conversion is the closest binary value.
	amount := order.Qty.InexactFloat64()
	price := order.Price.InexactFloat64()

	var placed ccxt.Order
	err = c.throttle.Do(ctx, "create_limit_order", func(context.Context) error {
		var err error
		placed, err = client.CreateLimitOrder(c.symbol, side, amount, price)
		return classify(err)
	})
	if err != nil {
		return order, err
	}
	if placed.Id != nil {
		order.ID = *placed.Id
	}
	order.CreatedAt = c.now()
	return order, nil
}

func (c *Client) CancelOrder(ctx context.Context, creds core.Credentials, orderID string) error {
	if strings.TrimSpace(orderID) == "" {
		return fmt.Errorf("%w: order id required", core.ErrInvalidOrder)
	}
	client, err := c.private(creds)
	if err != nil {
		return err
	}
	return c.throttle.Do(ctx, "cancel_order", func(context.Context) error {
		_, err := client.CancelOrder(orderID, ccxt.WithCancelOrderSymbol(c.symbol))
		return classify(err)
	})
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.BadResponseErrType, ccxt.NullResponseErrType:
			return errors.Join(core.ErrParse, err)
		}
	}
	return errors.Join(core.ErrNetwork, err)
}

var _ exchange.Adapter = (*Client)(nil)
