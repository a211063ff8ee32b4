// Package btcbox talks to the BtcBox v1 REST API.
package btcbox

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"order-planner/internal/core"
	"order-planner/internal/exchange"
)

const (
	Name           = "btcbox"
	defaultBaseURL = "https://www.btcbox.co.jp/api/v1"
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

func (c *Client) endpoint(fn string) string {
	return c.baseURL + "/" + fn + "/"
}

type depthResponse struct {
	Asks [][]decimal.Decimal `json:"asks"`
	Bids [][]decimal.Decimal `json:"bids"`
}

func (c *Client) Depth(ctx context.Context) (core.Depth, error) {
	query := url.Values{"coin": {strings.ToLower(c.market.Base)}}
	data, err := c.transport.Get(ctx, "depth", c.endpoint("depth"), query)
	if err != nil {
		return core.Depth{}, err
	}
	var resp depthResponse
	if err := exchange.DecodeJSON(data, &resp); err != nil {
		return core.Depth{}, err
	}
	asks, err := exchange.PairLevels(resp.Asks)
	if err != nil {
		return core.Depth{}, err
	}
	bids, err := exchange.PairLevels(resp.Bids)
	if err != nil {
		return core.Depth{}, err
	}
	return core.Depth{Bids: bids, Asks: asks}, nil
}

func (c *Client) Balances(ctx context.Context, creds core.Credentials) (core.Balances, error) {
	data, err := c.private(ctx, "balance", creds, exchange.NewForm())
	if err != nil {
		return nil, err
	}
	return parseBalances(data)
}

// parseBalances reads the flat {"<cur>_balance": n, "<cur>_lock": n} shape.
// <cur>_balance is the account total, <cur>_lock the part held by open orders.
func parseBalances(data []byte) (core.Balances, error) {
	var raw map[string]json.RawMessage
	if err := exchange.DecodeJSON(data, &raw); err != nil {
		return nil, err
	}
	if err := resultError(raw); err != nil {
		return nil, err
	}
	out := core.Balances{}
	for key, value := range raw {
		currency, ok := strings.CutSuffix(key, "_balance")
		if !ok {
			continue
		}
		var total decimal.Decimal
		if err := exchange.DecodeJSON(value, &total); err != nil {
			return nil, err
		}
		var locked decimal.Decimal
		if lock, ok := raw[currency+"_lock"]; ok {
			if err := exchange.DecodeJSON(lock, &locked); err != nil {
				return nil, err
			}
		}
		out[strings.ToLower(currency)] = core.Balance{Free: total.Sub(locked), Locked: locked}
	}
	return out, nil
}

type tradeResponse struct {
	Result bool            `json:"result"`
	ID     json.RawMessage `json:"id"`
	Code   json.RawMessage `json:"code"`
}

func (c *Client) PlaceOrder(ctx context.Context, creds core.Credentials, order core.Order) (core.Order, error) {
	order, err := core.NormalizeOrder(order, c.market)
	if err != nil {
		return order, err
	}
	side := "sell"
	if order.Side.IsBuy() {
		side = "buy"
	}
	form := exchange.NewForm().
		Set("type", side).
		Set("amount", order.Qty.String()).
		Set("price", order.Price.String()).
		Set("coin", strings.ToLower(c.market.Base))
	c.logger.Debug("submit order", zap.String("side", side), zap.String("price", order.Price.String()), zap.String("qty", order.Qty.String()))

	data, err := c.private(ctx, "trade_add", creds, form)
	if err != nil {
		return order, err
	}
	resp, err := decodeTrade(data)
	if err != nil {
		return order, err
	}
	order.ID = exchange.RawString(resp.ID)
	order.CreatedAt = c.now()
	return order, nil
}

func (c *Client) CancelOrder(ctx context.Context, creds core.Credentials, orderID string) error {
	if strings.TrimSpace(orderID) == "" {
		return fmt.Errorf("%w: order id required", core.ErrInvalidOrder)
	}
	data, err := c.private(ctx, "trade_cancel", creds, exchange.NewForm().Set("id", orderID))
	if err != nil {
		return err
	}
	_, err = decodeTrade(data)
	return err
}

func decodeTrade(data []byte) (tradeResponse, error) {
	var resp tradeResponse
	if err := exchange.DecodeJSON(data, &resp); err != nil {
		return resp, err
	}
	if !resp.Result {
		return resp, fmt.Errorf("%w: btcbox code %s", core.ErrOrderRejected, string(resp.Code))
	}
	return resp, nil
}

func resultError(raw map[string]json.RawMessage) error {
	result, ok := raw["result"]
	if !ok || string(result) != "false" {
		return nil
	}
	return fmt.Errorf("%w: btcbox code %s", core.ErrOrderRejected, string(raw["code"]))
}

func (c *Client) private(ctx context.Context, fn string, creds core.Credentials, form *exchange.Form) ([]byte, error) {
	return c.transport.PostSigned(ctx, fn, c.endpoint(fn), func() (*exchange.Form, http.Header, error) {
		form.Set("nonce", strconv.FormatInt(c.now().Unix(), 10)).Set("key", creds.Key)
		var signature string
		err := creds.WithSecret(func(secret []byte) error {
			signature = sign(form.Encode(), secret)
			return nil
		})
		if err != nil {
			return nil, nil, err
		}
		form.Set("signature", signature)
		return form, nil, nil
	})
}

// sign is HMAC-SHA256 over the encoded params, keyed with the hex md5 of the
// private key.
func sign(payload string, secret []byte) string {
	sum := md5.Sum(secret)
	key := make([]byte, hex.EncodedLen(len(sum)))
	hex.Encode(key, sum[:])
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

var _ exchange.Adapter = (*Client)(nil)
