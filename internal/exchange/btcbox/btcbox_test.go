package btcbox

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"order-planner/internal/core"
	"order-planner/internal/exchange"
)

func testMarket() core.Market {
	return core.Market{
		ID:             "btcbox-btc-jpy",
		Exchange:       Name,
		Base:           "BTC",
		Counter:        "JPY",
		MinPriceUnit:   0,
		MinTradeUnit:   3,
		MinTradeAmount: decimal.RequireFromString("0.001"),
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(testMarket(), exchange.Options{BaseURL: srv.URL, HTTPClient: srv.Client()})
	c.now = func() time.Time { return time.Unix(1700000000, 0) }
	return c
}

func testCreds(t *testing.T) core.Credentials {
	t.Helper()
	creds, err := core.NewCredentials("pub", []byte("priv"))
	if err != nil {
		t.Fatalf("NewCredentials() error = %v", err)
	}
	return creds
}

func TestDepth(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/depth/" || r.URL.Query().Get("coin") != "btc" {
			t.Errorf("unexpected request %s", r.URL)
		}
		_, _ = w.Write([]byte(`{"asks":[[41200,0.5],[41100,"1.25"]],"bids":[[41000,2]]}`))
	})
	depth, err := c.Depth(context.Background())
	if err != nil {
		t.Fatalf("Depth() error = %v", err)
	}
	if len(depth.Asks) != 2 || len(depth.Bids) != 1 {
		t.Fatalf("Depth() = %+v", depth)
	}
	if !depth.Asks[1].Qty.Equal(decimal.RequireFromString("1.25")) {
		t.Fatalf("ask qty = %s, want 1.25", depth.Asks[1].Qty)
	}
}

func TestDepthMalformedPayload(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"asks":[[41200]],"bids":[]}`))
	})
	if _, err := c.Depth(context.Background()); !errors.Is(err, core.ErrParse) {
		t.Fatalf("Depth() error = %v, want ErrParse", err)
	}
}

func TestPlaceOrderSignsFlooredParams(t *testing.T) {
	var form url.Values
	var rawBody string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/trade_add/" {
			t.Errorf("path = %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		rawBody = string(body)
		form, _ = url.ParseQuery(rawBody)
		_, _ = w.Write([]byte(`{"result":true,"id":"11"}`))
	})
	order := core.Order{Side: core.Buy, Price: decimal.RequireFromString("41000.7"), Qty: decimal.RequireFromString("0.12345")}
	placed, err := c.PlaceOrder(context.Background(), testCreds(t), order)
	if err != nil {
		t.Fatalf("PlaceOrder() error = %v", err)
	}
	if placed.ID != "11" {
		t.Fatalf("placed.ID = %q, want 11", placed.ID)
	}
	if form.Get("price") != "41000" || form.Get("amount") != "0.123" || form.Get("type") != "buy" || form.Get("coin") != "btc" {
		t.Fatalf("form = %v", form)
	}
	if form.Get("nonce") != "1700000000" || form.Get("key") != "pub" {
		t.Fatalf("nonce/key = %q/%q", form.Get("nonce"), form.Get("key"))
	}

	signed := rawBody[:strings.Index(rawBody, "&signature=")]
	sum := md5.Sum([]byte("priv"))
	mac := hmac.New(sha256.New, []byte(hex.EncodeToString(sum[:])))
	mac.Write([]byte(signed))
	if want := hex.EncodeToString(mac.Sum(nil)); form.Get("signature") != want {
		t.Fatalf("signature = %q, want %q", form.Get("signature"), want)
	}
}

func TestPlaceOrderRejectedByExchange(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"result":false,"code":"104"}`))
	})
	order := core.Order{Side: core.Sell, Price: decimal.NewFromInt(41000), Qty: decimal.NewFromInt(1)}
	if _, err := c.PlaceOrder(context.Background(), testCreds(t), order); !errors.Is(err, core.ErrOrderRejected) {
		t.Fatalf("PlaceOrder() error = %v, want ErrOrderRejected", err)
	}
}

func TestPlaceOrderBelowMinimumNeverReachesExchange(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("unexpected request")
	})
	order := core.Order{Side: core.Buy, Price: decimal.NewFromInt(41000), Qty: decimal.RequireFromString("0.0009")}
	if _, err := c.PlaceOrder(context.Background(), testCreds(t), order); !errors.Is(err, core.ErrInvalidOrder) {
		t.Fatalf("PlaceOrder() error = %v, want ErrInvalidOrder", err)
	}
}

func TestBalances(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"uid":8,"nameauth":0,"btc_balance":4.5,"btc_lock":0.5,"jpy_balance":2344581.519,"jpy_lock":868862.481}`))
	})
	got, err := c.Balances(context.Background(), testCreds(t))
	if err != nil {
		t.Fatalf("Balances() error = %v", err)
	}
	if !got["btc"].Free.Equal(decimal.NewFromInt(4)) || !got["btc"].Locked.Equal(decimal.RequireFromString("0.5")) {
		t.Fatalf("btc = %+v", got["btc"])
	}
	if !got["jpy"].Total().Equal(decimal.RequireFromString("2344581.519")) {
		t.Fatalf("jpy total = %s", got["jpy"].Total())
	}
}

func TestCancelOrder(t *testing.T) {
	var id string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		id = r.PostForm.Get("id")
		_, _ = w.Write([]byte(`{"result":true,"id":"11"}`))
	})
	if err := c.CancelOrder(context.Background(), testCreds(t), "11"); err != nil {
		t.Fatalf("CancelOrder() error = %v", err)
	}
	if id != "11" {
		t.Fatalf("id = %q, want 11", id)
	}
	if err := c.CancelOrder(context.Background(), testCreds(t), " "); !errors.Is(err, core.ErrInvalidOrder) {
		t.Fatalf("CancelOrder(blank) error = %v, want ErrInvalidOrder", err)
	}
}
