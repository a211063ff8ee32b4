// Package zaif talks to Zaif (formerly etwings): public REST depth, the
// public websocket board stream, and the signed trade API.
package zaif

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"order-planner/internal/core"
	"order-planner/internal/exchange"
)

const (
	Name           = "zaif"
	defaultBaseURL = "https://api.zaif.jp"
	streamTimeout  = 10 * time.Second
)

type Client struct {
	market    core.Market
	baseURL   string
	streamURL string
	transport *exchange.Transport
	dialer    *websocket.Dialer
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
		streamURL: opts.StreamURL,
		transport: exchange.NewTransport(Name, opts.Client(), throttle, logger),
		dialer:    websocket.DefaultDialer,
		logger:    logger,
		now:       time.Now,
	}
}

func (c *Client) Name() string { return Name }

func (c *Client) Market() core.Market { return c.market }

type board struct {
	Asks [][]decimal.Decimal `json:"asks"`
	Bids [][]decimal.Decimal `json:"bids"`
}

func (b board) depth() (core.Depth, error) {
	asks, err := exchange.PairLevels(b.Asks)
	if err != nil {
		return core.Depth{}, err
	}
	bids, err := exchange.PairLevels(b.Bids)
	if err != nil {
		return core.Depth{}, err
	}
	return core.Depth{Bids: bids, Asks: asks}, nil
}

// Depth reads one board from the websocket stream when a stream URL is
// configured, and from the REST endpoint otherwise.
func (c *Client) Depth(ctx context.Context) (core.Depth, error) {
	if c.streamURL != "" {
		return c.streamDepth(ctx)
	}
	data, err := c.transport.Get(ctx, "depth", c.baseURL+"/api/1/depth/"+c.market.Pair(), nil)
	if err != nil {
		return core.Depth{}, err
	}
	var b board
	if err := exchange.DecodeJSON(data, &b); err != nil {
		return core.Depth{}, err
	}
	return b.depth()
}

func (c *Client) streamDepth(ctx context.Context) (core.Depth, error) {
	target, err := url.Parse(c.streamURL)
	if err != nil {
		return core.Depth{}, errors.Join(core.ErrConfiguration, err)
	}
	q := target.Query()
	q.Set("currency_pair", c.market.Pair())
	target.RawQuery = q.Encode()

	var b board
	err = c.transport.Throttle().Do(ctx, "depth_stream", func(ctx context.Context) error {
		conn, _, err := c.dialer.DialContext(ctx, target.String(), nil)
		if err != nil {
			return errors.Join(core.ErrNetwork, err)
		}
		defer conn.Close()

		deadline := time.Now().Add(streamTimeout)
		if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
			deadline = dl
		}
		_ = conn.SetReadDeadline(deadline)

		_, data, err := conn.ReadMessage()
		if err != nil {
			return errors.Join(core.ErrNetwork, err)
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		return exchange.DecodeJSON(data, &b)
	})
	if err != nil {
		return core.Depth{}, err
	}
	return b.depth()
}

type apiResponse struct {
	Success int             `json:"success"`
	Return  json.RawMessage `json:"return"`
	Error   string          `json:"error"`
}

type infoReturn struct {
	Funds   map[string]decimal.Decimal `json:"funds"`
	Deposit map[string]decimal.Decimal `json:"deposit"`
}

// Balances maps funds (available) and deposit (total) to free and locked.
func (c *Client) Balances(ctx context.Context, creds core.Credentials) (core.Balances, error) {
	var info infoReturn
	if err := c.private(ctx, "get_info", creds, exchange.NewForm(), &info); err != nil {
		return nil, err
	}
	out := core.Balances{}
	for currency, free := range info.Funds {
		locked := decimal.Zero
		if total, ok := info.Deposit[currency]; ok && total.GreaterThan(free) {
			locked = total.Sub(free)
		}
		out[strings.ToLower(currency)] = core.Balance{Free: free, Locked: locked}
	}
	return out, nil
}

type tradeReturn struct {
	OrderID json.RawMessage `json:"order_id"`
}

func (c *Client) PlaceOrder(ctx context.Context, creds core.Credentials, order core.Order) (core.Order, error) {
	order, err := core.NormalizeOrder(order, c.market)
	if err != nil {
		return order, err
	}
	action := "ask"
	if order.Side.IsBuy() {
		action = "bid"
	}
	form := exchange.NewForm().
		Set("currency_pair", c.market.Pair()).
		Set("action", action).
		Set("price", order.Price.String()).
		Set("amount", order.Qty.String())

	var ret tradeReturn
	if err := c.private(ctx, "trade", creds, form, &ret); err != nil {
		return order, err
	}
	order.ID = exchange.RawString(ret.OrderID)
	order.CreatedAt = c.now()
	return order, nil
}

func (c *Client) CancelOrder(ctx context.Context, creds core.Credentials, orderID string) error {
	if strings.TrimSpace(orderID) == "" {
		return fmt.Errorf("%w: order id required", core.ErrInvalidOrder)
	}
	return c.private(ctx, "cancel_order", creds, exchange.NewForm().Set("order_id", orderID), nil)
}

func (c *Client) private(ctx context.Context, method string, creds core.Credentials, form *exchange.Form, out any) error {
	data, err := c.transport.PostSigned(ctx, method, c.baseURL+"/tapi", func() (*exchange.Form, http.Header, error) {
		form.Set("method", method).Set("nonce", strconv.FormatInt(c.now().Unix(), 10))
		body := form.Encode()
		var signature string
		err := creds.WithSecret(func(secret []byte) error {
			signature = sign(body, secret)
			return nil
		})
		if err != nil {
			return nil, nil, err
		}
		header := http.Header{}
		header.Set("Key", creds.Key)
		header.Set("Sign", signature)
		return form, header, nil
	})
	if err != nil {
		return err
	}
	var resp apiResponse
	if err := exchange.DecodeJSON(data, &resp); err != nil {
		return err
	}
	if resp.Success != 1 {
		return fmt.Errorf("%w: zaif %s: %s", core.ErrOrderRejected, method, resp.Error)
	}
	if out == nil {
		return nil
	}
	return exchange.DecodeJSON(resp.Return, out)
}

func sign(body string, secret []byte) string {
	mac := hmac.New(sha512.New, secret)
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

var _ exchange.Adapter = (*Client)(nil)
