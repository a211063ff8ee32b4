// Package allcoin talks to the AllCoin api2 endpoints.
package allcoin

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"order-planner/internal/core"
	"order-planner/internal/exchange"
)

const (
	Name           = "allcoin"
	defaultBaseURL = "https://www.allcoin.com"
)

type Client struct {
	market    core.Market
	baseURL   string
	transport *exchange.Transport
	logger    *zap.Logger
	now       func() time.Time
}

func New(market core.Market, opts exchange.Options) (exchange.Adapter, error) {
	return NewClient(market, opts), nil
}

func NewClient(market core.Market, opts exchange.Options) *Client {
	logger := opts.Log().With(zap.String("exchange", Name), zap.String("market", market.ID))
	throttle := opts.ThrottleFor(market.APIAvailableSpan, logger)
	return &Client{
		market:    market,
		baseURL:   strings.TrimRight(opts.URL(defaultBaseURL), "/"),
		transport: exchange.NewTransport(Name, opts.Client(), throttle, logger),
		logger:    logger,
		now:       time.Now,
	}
}

func (c *Client) Name() string { return Name }

func (c *Client) Market() core.Market { return c.market }

type envelope struct {
	Code  int             `json:"code"`
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

type bookEntry struct {
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
}

type orderbook struct {
	Buy  []bookEntry `json:"buy"`
	Sell []bookEntry `json:"sell"`
}

func (c *Client) Depth(ctx context.Context) (core.Depth, error) {
	pair := strings.ToUpper(c.market.Base) + "_" + strings.ToUpper(c.market.Counter)
	data, err := c.transport.Get(ctx, "depth", c.baseURL+"/api2/orderbook/"+pair, nil)
	if err != nil {
		return core.Depth{}, err
	}
	var book orderbook
	if err := decodeEnvelope(data, "orderbook", core.ErrNetwork, &book); err != nil {
		return core.Depth{}, err
	}
	return core.Depth{Bids: levels(book.Buy), Asks: levels(book.Sell)}, nil
}

func levels(entries []bookEntry) []core.Level {
	out := make([]core.Level, 0, len(entries))
	for _, e := range entries {
		out = append(out, core.Level{Price: e.Price, Qty: e.Amount})
	}
	return out
}

type balanceInfo struct {
	Balance     map[string]decimal.Decimal `json:"balance"`
	BalanceHold map[string]decimal.Decimal `json:"balance_hold"`
}

func (c *Client) Balances(ctx context.Context, creds core.Credentials) (core.Balances, error) {
	var info balanceInfo
	if err := c.private(ctx, "getinfo", creds, exchange.NewForm(), &info); err != nil {
		return nil, err
	}
	out := core.Balances{}
	for currency, free := range info.Balance {
		out[strings.ToLower(currency)] = core.Balance{Free: free, Locked: info.BalanceHold[currency]}
	}
	for currency, hold := range info.BalanceHold {
		key := strings.ToLower(currency)
		if _, ok := out[key]; !ok {
			out[key] = core.Balance{Locked: hold}
		}
	}
	return out, nil
}

type orderResult struct {
	OrderID json.RawMessage `json:"order_id"`
}

func (c *Client) PlaceOrder(ctx context.Context, creds core.Credentials, order core.Order) (core.Order, error) {
	order, err := core.NormalizeOrder(order, c.market)
	if err != nil {
		return order, err
	}
	method := "sell_coin"
	if order.Side.IsBuy() {
		method = "buy_coin"
	}
	form := exchange.NewForm().
		Set("exchange", strings.ToUpper(c.market.Counter)).
		Set("num", order.Qty.String()).
		Set("price", order.Price.String()).
		Set("type", strings.ToUpper(c.market.Base))

	var res orderResult
	if err := c.private(ctx, method, creds, form, &res); err != nil {
		return order, err
	}
	order.ID = exchange.RawString(res.OrderID)
	order.CreatedAt = c.now()
	return order, nil
}

func (c *Client) CancelOrder(ctx context.Context, creds core.Credentials, orderID string) error {
	if strings.TrimSpace(orderID) == "" {
		return fmt.Errorf("%w: order id required", core.ErrInvalidOrder)
	}
	return c.private(ctx, "cancel_order", creds, exchange.NewForm().Set("order_id", orderID), nil)
}

// private signs with md5 over every parameter, secret_key included, sorted by
// name. The secret itself is not sent.
func (c *Client) private(ctx context.Context, method string, creds core.Credentials, form *exchange.Form, out any) error {
	data, err := c.transport.PostSigned(ctx, method, c.baseURL+"/api2/auth_api/", func() (*exchange.Form, http.Header, error) {
		form.Set("access_key", creds.Key).
			Set("created", strconv.FormatInt(c.now().Unix(), 10)).
			Set("method", method)
		var signature string
		err := creds.WithSecret(func(secret []byte) error {
			signature = sign(form, secret)
			return nil
		})
		if err != nil {
			return nil, nil, err
		}
		form.Set("sign", signature)
		return form, nil, nil
	})
	if err != nil {
		return err
	}
	return decodeEnvelope(data, method, core.ErrOrderRejected, out)
}

func sign(form *exchange.Form, secret []byte) string {
	keys := append(form.Keys(), "secret_key")
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		if k == "secret_key" {
			b.Write(secret)
		} else {
			b.WriteString(form.Get(k))
		}
	}
	sum := md5.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// decodeEnvelope unwraps {code, data}. A code other than 1 is reported as
// failKind.
func decodeEnvelope(data []byte, op string, failKind error, out any) error {
	var env envelope
	if err := exchange.DecodeJSON(data, &env); err != nil {
		return err
	}
	if env.Code != 1 {
		return fmt.Errorf("%w: allcoin %s code=%d %s", failKind, op, env.Code, env.Error)
	}
	if out == nil {
		return nil
	}
	if len(env.Data) == 0 {
		return fmt.Errorf("%w: allcoin %s: empty data", core.ErrParse, op)
	}
	return exchange.DecodeJSON(env.Data, out)
}

var _ exchange.Adapter = (*Client)(nil)
