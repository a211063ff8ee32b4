// Package binance adapts Binance spot through the go-binance SDK.
package binance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	gbinance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"order-planner/internal/core"
	"order-planner/internal/exchange"
	"order-planner/internal/rounding"
)

const (
	Name       = "binance"
	depthLimit = 100
)

const (
	apiCodeNewOrderRejected = -2010
	apiCodeCancelRejected   = -2011
	apiCodeOrderNotFound    = -2013
)

type Client struct {
	market   core.Market
	symbol   string
	opts     exchange.Options
	public   *gbinance.Client
	throttle *exchange.Throttle
	logger   *zap.Logger
	now      func() time.Time
}

func New(market core.Market, opts exchange.Options) (exchange.Adapter, error) {
	return NewClient(market, opts), nil
}

func NewClient(market core.Market, opts exchange.Options) *Client {
	logger := opts.Log().With(zap.String("exchange", Name), zap.String("market", market.ID))
	c := &Client{
		market:   market,
		symbol:   strings.ToUpper(market.Base + market.Counter),
		opts:     opts,
		throttle: opts.ThrottleFor(market.APIAvailableSpan, logger),
		logger:   logger,
		now:      time.Now,
	}
	c.public = c.sdk("", "")
	return c
}

// sdk builds an SDK client. Signed calls get a short-lived client so the
// secret only lives in the SDK for the duration of one request.
func (c *Client) sdk(key, secret string) *gbinance.Client {
	client := gbinance.NewClient(key, secret)
	client.HTTPClient = c.opts.Client()
	if c.opts.BaseURL != "" {
		client.BaseURL = strings.TrimRight(c.opts.BaseURL, "/")
	}
	return client
}

func (c *Client) Name() string { return Name }

func (c *Client) Market() core.Market { return c.market }

func (c *Client) Depth(ctx context.Context) (core.Depth, error) {
	var resp *gbinance.DepthResponse
	err := c.throttle.Do(ctx, "depth", func(ctx context.Context) error {
		var err error
		resp, err = c.public.NewDepthService().Symbol(c.symbol).Limit(depthLimit).Do(ctx)
		return classify(err)
	})
	if err != nil {
		return core.Depth{}, err
	}
	depth := core.Depth{
		Bids: make([]core.Level, 0, len(resp.Bids)),
		Asks: make([]core.Level, 0, len(resp.Asks)),
	}
	for _, b := range resp.Bids {
		level, err := exchange.ParseLevel(b.Price, b.Quantity)
		if err != nil {
			return core.Depth{}, err
		}
		depth.Bids = append(depth.Bids, level)
	}
	for _, a := range resp.Asks {
		level, err := exchange.ParseLevel(a.Price, a.Quantity)
		if err != nil {
			return core.Depth{}, err
		}
		depth.Asks = append(depth.Asks, level)
	}
	return depth, nil
}

func (c *Client) signed(ctx context.Context, op string, creds core.Credentials, fn func(ctx context.Context, client *gbinance.Client) error) error {
	secret, err := creds.SecretString()
	if err != nil {
		return err
	}
	client := c.sdk(creds.Key, secret)
	return c.throttle.Do(ctx, op, func(ctx context.Context) error {
		return classify(fn(ctx, client))
	})
}

func (c *Client) Balances(ctx context.Context, creds core.Credentials) (core.Balances, error) {
	var account *gbinance.Account
	err := c.signed(ctx, "account", creds, func(ctx context.Context, client *gbinance.Client) error {
		var err error
		account, err = client.NewGetAccountService().Do(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	out := core.Balances{}
	for _, b := range account.Balances {
		free, err := parseAmount(b.Free)
		if err != nil {
			return nil, err
		}
		locked, err := parseAmount(b.Locked)
		if err != nil {
			return nil, err
		}
		if free.IsZero() && locked.IsZero() {
			continue
		}
		out[strings.ToLower(b.Asset)] = core.Balance{Free: free, Locked: locked}
	}
	return out, nil
}

func (c *Client) PlaceOrder(ctx context.Context, creds core.Credentials, order core.Order) (core.Order, error) {
	order, err := core.NormalizeOrder(order, c.market)
	if err != nil {
		return order, err
	}
	side := gbinance.SideTypeSell
	if order.Side.IsBuy() {
		side = gbinance.SideTypeBuy
	}
	var resp *gbinance.CreateOrderResponse
	err = c.signed(ctx, "create_order", creds, func(ctx context.Context, client *gbinance.Client) error {
		var err error
		resp, err = client.NewCreateOrderService().
			Symbol(c.symbol).
			Side(side).
			Type(gbinance.OrderTypeLimit).
			TimeInForce(gbinance.TimeInForceTypeGTC).
			Quantity(order.Qty.String()).
			Price(order.Price.String()).
			Do(ctx)
		return err
	})
	if err != nil {
		return order, err
	}
	order.ID = strconv.FormatInt(resp.OrderID, 10)
	order.CreatedAt = c.now()
	return order, nil
}

func (c *Client) CancelOrder(ctx context.Context, creds core.Credentials, orderID string) error {
	id, err := strconv.ParseInt(strings.TrimSpace(orderID), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: order id %q", core.ErrInvalidOrder, orderID)
	}
	return c.signed(ctx, "cancel_order", creds, func(ctx context.Context, client *gbinance.Client) error {
		_, err := client.NewCancelOrderService().Symbol(c.symbol).OrderID(id).Do(ctx)
		return err
	})
}

func parseAmount(s string) (decimal.Decimal, error) {
	d, err := rounding.Parse(s)
	if err != nil {
		return decimal.Zero, errors.Join(core.ErrParse, err)
	}
	return d, nil
}

// classify maps SDK failures onto the core error kinds. Order rejections keep
// the API error in the chain so callers can still read the code.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case apiCodeNewOrderRejected, apiCodeCancelRejected, apiCodeOrderNotFound:
			return errors.Join(core.ErrOrderRejected, err)
		}
		return errors.Join(core.ErrNetwork, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return errors.Join(core.ErrNetwork, err)
}

var _ exchange.Adapter = (*Client)(nil)
